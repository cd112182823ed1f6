package main

import (
	"flag"
	"os"
	"time"

	gateway "github.com/remctl/gateway"
)

var (
	flagBindAddr        = flag.String("port", ":8008", "Bind address")
	flagPostgres        = flag.String("db", "user=postgres dbname=gateway sslmode=disable", "Postgres DB connection string (see lib/pq docs)")
	flagAdminURL        = flag.String("admin-url", "", "Websocket URL of the web admin backend, e.g. ws://admin.example.com/gateway")
	flagPrometheus      = flag.Bool("prometheus", false, "Expose /metrics")
	flagHeartbeat       = flag.Duration("heartbeat-timeout", 600*time.Second, "Evict devices silent for this long")
	flagInactivity      = flag.Duration("session-inactivity", 90*time.Second, "Expire sessions idle for this long")
	flagReconnectDelay  = flag.Duration("admin-reconnect-delay", 5*time.Second, "Delay between admin link redials")
	flagSessionTokenTTL = flag.Duration("session-token-ttl", time.Hour, "Lifetime of minted session tokens")
)

func main() {
	flag.Parse()
	if *flagAdminURL == "" {
		flag.Usage()
		os.Exit(1)
	}
	secret := os.Getenv("GATEWAY_SECRET")
	if secret == "" {
		os.Stderr.WriteString("GATEWAY_SECRET must be set\n")
		os.Exit(1)
	}
	gateway.RunGatewayServer(gateway.Opts{
		BindAddr:                 *flagBindAddr,
		PostgresURI:              *flagPostgres,
		AdminURL:                 *flagAdminURL,
		TokenSecret:              secret,
		SessionTokenTTL:          *flagSessionTokenTTL,
		SessionInactivityTimeout: *flagInactivity,
		HeartbeatTimeout:         *flagHeartbeat,
		AdminReconnectDelay:      *flagReconnectDelay,
		SentryDSN:                os.Getenv("GATEWAY_SENTRY_DSN"),
		EnablePrometheus:         *flagPrometheus,
	})
}
