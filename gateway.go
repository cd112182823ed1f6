package gateway

import (
	"context"
	"net/http"
	"os"
	"time"

	"github.com/getsentry/sentry-go"
	sentryhttp "github.com/getsentry/sentry-go/http"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/hlog"

	"github.com/remctl/gateway/admin"
	"github.com/remctl/gateway/conn"
	"github.com/remctl/gateway/hub"
	"github.com/remctl/gateway/internal"
	"github.com/remctl/gateway/liveness"
	"github.com/remctl/gateway/pubsub"
	"github.com/remctl/gateway/relay"
	"github.com/remctl/gateway/session"
	"github.com/remctl/gateway/state"
)

var logger = zerolog.New(os.Stdout).With().Timestamp().Logger().Output(zerolog.ConsoleWriter{
	Out:        os.Stderr,
	TimeFormat: "15:04:05",
})

var Version string

type Opts struct {
	BindAddr    string
	PostgresURI string
	// AdminURL is the websocket URL of the web admin backend.
	AdminURL string
	// TokenSecret signs device and session tokens.
	TokenSecret string

	SessionTokenTTL          time.Duration
	SessionInactivityTimeout time.Duration
	SessionSweepInterval     time.Duration
	HeartbeatTimeout         time.Duration
	HeartbeatSweepInterval   time.Duration
	AdminReconnectDelay      time.Duration

	SentryDSN        string
	EnablePrometheus bool
}

func (o *Opts) setDefaults() {
	if o.BindAddr == "" {
		o.BindAddr = ":8008"
	}
	if o.SessionTokenTTL == 0 {
		o.SessionTokenTTL = time.Hour
	}
	if o.SessionInactivityTimeout == 0 {
		o.SessionInactivityTimeout = 90 * time.Second
	}
	if o.SessionSweepInterval == 0 {
		o.SessionSweepInterval = 60 * time.Second
	}
	if o.HeartbeatTimeout == 0 {
		o.HeartbeatTimeout = 600 * time.Second
	}
	if o.HeartbeatSweepInterval == 0 {
		o.HeartbeatSweepInterval = 30 * time.Second
	}
	if o.AdminReconnectDelay == 0 {
		o.AdminReconnectDelay = 5 * time.Second
	}
}

// Gateway owns every long-lived component and the goroutines that drive them.
type Gateway struct {
	opts Opts

	storage   *state.Storage
	ps        *pubsub.PubSub
	tokens    *session.TokenIssuer
	store     *session.Store
	machine   *session.Machine
	conns     *conn.ConnMap
	adminLink *admin.Client
	hub       *hub.Hub

	heartbeatSweep *liveness.Sweeper
	sessionSweep   *liveness.Sweeper
	auditPool      *internal.WorkerPool
	auditDone      chan struct{}
}

// deviceDirectory adapts the devices table to the lookup the state machine
// needs.
type deviceDirectory struct {
	table *state.DevicesTable
}

func (d deviceDirectory) DeviceRegistered(ctx context.Context, deviceID string) (bool, error) {
	return d.table.IsRegistered(deviceID)
}

// Setup constructs the gateway but starts nothing.
func Setup(opts Opts) *Gateway {
	opts.setDefaults()
	if opts.TokenSecret == "" {
		logger.Panic().Msg("token secret must be set")
	}

	storage := state.NewStorage(opts.PostgresURI)
	ps := pubsub.NewPubSub(64)
	var notifier pubsub.Notifier = ps
	if opts.EnablePrometheus {
		notifier = pubsub.NewPromNotifier(ps, "hub")
	}

	tokens := session.NewTokenIssuer(opts.TokenSecret, opts.SessionTokenTTL)
	store := session.NewStore()
	grants := session.NewGrants()
	conns := conn.NewConnMap()

	adminLink := admin.NewClient(opts.AdminURL, nil, opts.AdminReconnectDelay)
	machine := session.NewMachine(
		store, grants, tokens, conns, adminLink,
		deviceDirectory{storage.DevicesTable}, notifier,
		opts.SessionInactivityTimeout,
	)
	engine := relay.NewEngine(store, grants, conns, adminLink)
	h := hub.New(hub.Config{
		HeartbeatTimeout: opts.HeartbeatTimeout,
	}, conns, machine, engine, tokens, storage.DevicesTable, notifier)
	adminLink.SetDispatcher(h)

	if opts.EnablePrometheus {
		prometheus.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: "gateway",
			Name:      "connected_devices",
			Help:      "Devices with a live websocket",
		}, func() float64 { return float64(conns.Len()) }))
		prometheus.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: "gateway",
			Name:      "admin_link_up",
			Help:      "1 when the admin link has a live transport",
		}, func() float64 {
			if adminLink.IsOpen() {
				return 1
			}
			return 0
		}))
	}

	return &Gateway{
		opts:           opts,
		storage:        storage,
		ps:             ps,
		tokens:         tokens,
		store:          store,
		machine:        machine,
		conns:          conns,
		adminLink:      adminLink,
		hub:            h,
		heartbeatSweep: liveness.NewSweeper("device_heartbeat", opts.HeartbeatSweepInterval, h.ExpireHeartbeats),
		sessionSweep:   liveness.NewSweeper("session_inactivity", opts.SessionSweepInterval, machine.ExpireInactive),
		auditPool:      internal.NewWorkerPool(8),
	}
}

// Start spawns the admin link supervisor, the liveness sweeps and the audit
// writer. Returns immediately.
func (g *Gateway) Start(ctx context.Context) {
	g.auditPool.Start()
	g.auditDone = make(chan struct{})
	go g.runAuditWriter(g.storage.SessionEventsTable.AppendEvent)
	go g.adminLink.Run(ctx)
	go g.heartbeatSweep.Run()
	go g.sessionSweep.Run()
}

// runAuditWriter drains the audit channel onto the worker pool until the pubsub
// closes, then signals auditDone. The pool must stay open until then: queueing
// on a stopped pool panics.
func (g *Gateway) runAuditWriter(persist func(state.SessionEventRow) error) {
	defer close(g.auditDone)
	_ = g.ps.Listen(pubsub.ChanAudit, func(p pubsub.Payload) {
		ev, ok := p.(*pubsub.SessionEvent)
		if !ok {
			return
		}
		g.auditPool.Queue(func() {
			err := persist(state.SessionEventRow{
				ID:          ev.ID,
				SessionID:   ev.SessionID,
				DeviceID:    ev.DeviceID,
				EventType:   ev.EventType,
				Description: ev.Description,
				Timestamp:   ev.Timestamp,
			})
			if err != nil {
				logger.Err(err).Str("session", ev.SessionID).Msg("failed to persist audit event")
				sentry.CaptureException(err)
			}
		})
	})
}

func (g *Gateway) Shutdown() {
	g.heartbeatSweep.Stop()
	g.sessionSweep.Stop()
	g.ps.Close()
	if g.auditDone != nil {
		<-g.auditDone
	}
	g.auditPool.Stop()
	g.tokens.Stop()
	g.storage.Teardown()
}

type server struct {
	chain []func(next http.Handler) http.Handler
	final http.Handler
}

func (s *server) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	h := s.final
	for i := range s.chain {
		h = s.chain[len(s.chain)-1-i](h)
	}
	h.ServeHTTP(w, req)
}

func allowCORS(next http.Handler) http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Origin, X-Requested-With, Content-Type, Accept, Authorization")
		if req.Method == "OPTIONS" {
			w.WriteHeader(200)
			return
		}
		next.ServeHTTP(w, req)
	}
}

// RunGatewayServer is the main entry point to the server.
func RunGatewayServer(opts Opts) {
	if opts.SentryDSN != "" {
		if err := sentry.Init(sentry.ClientOptions{Dsn: opts.SentryDSN}); err != nil {
			logger.Fatal().Err(err).Msg("failed to initialise sentry")
		}
	}

	g := Setup(opts)
	g.Start(context.Background())

	r := mux.NewRouter()
	r.HandleFunc("/ws", g.hub.ServeWS)
	g.addAPIRoutes(r)
	if opts.EnablePrometheus {
		r.Handle("/metrics", promhttp.Handler())
	}

	chain := []func(next http.Handler) http.Handler{
		hlog.NewHandler(logger),
		hlog.AccessHandler(func(r *http.Request, status, size int, duration time.Duration) {
			if r.URL.Path == "/ws" {
				return
			}
			hlog.FromRequest(r).Info().
				Str("method", r.Method).
				Int("status", status).
				Int("size", size).
				Dur("duration", duration).
				Str("path", r.URL.Path).
				Msg("")
		}),
		hlog.RemoteAddrHandler("ip"),
	}
	if opts.SentryDSN != "" {
		sentryHandler := sentryhttp.New(sentryhttp.Options{})
		chain = append(chain, func(next http.Handler) http.Handler {
			return sentryHandler.Handle(next)
		})
	}
	srv := &server{chain: chain, final: r}

	// Block forever
	logger.Info().Msgf("listening on %s", g.opts.BindAddr)
	if err := http.ListenAndServe(g.opts.BindAddr, srv); err != nil {
		logger.Fatal().Err(err).Msg("failed to listen and serve")
	}
}
