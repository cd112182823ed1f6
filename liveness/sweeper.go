// Package liveness runs the periodic sweeps that evict silent devices and
// expire idle sessions. The sweeps only decide *when* to look; what expiry
// means is owned by the callbacks they invoke.
package liveness

import (
	"os"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
)

var logger = zerolog.New(os.Stdout).With().Timestamp().Logger().Output(zerolog.ConsoleWriter{
	Out:        os.Stderr,
	TimeFormat: "15:04:05",
})

var sweepCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
	Namespace: "gateway",
	Subsystem: "liveness",
	Name:      "evictions",
	Help:      "Entities evicted by liveness sweeps",
}, []string{"sweep"})

func init() {
	prometheus.MustRegister(sweepCounter)
}

// Sweeper invokes a callback on a fixed interval. If the interval is 0 no
// goroutine runs and Tick invokes the callback synchronously, which is useful
// for testing.
type Sweeper struct {
	name   string
	ticker *time.Ticker
	done   chan struct{}
	fn     func(now time.Time) int
}

// NewSweeper creates a sweeper named for its metric label. fn returns how many
// entities it evicted this pass.
func NewSweeper(name string, every time.Duration, fn func(now time.Time) int) *Sweeper {
	s := &Sweeper{
		name: name,
		done: make(chan struct{}),
		fn:   fn,
	}
	if every != 0 {
		s.ticker = time.NewTicker(every)
	}
	return s
}

// Tick runs one sweep immediately.
func (s *Sweeper) Tick(now time.Time) {
	n := s.fn(now)
	if n > 0 {
		sweepCounter.WithLabelValues(s.name).Add(float64(n))
		logger.Info().Str("sweep", s.name).Int("evicted", n).Msg("liveness sweep")
	}
}

// Run blocks, sweeping until Stop is called. Returns immediately when the
// sweeper was built with a zero interval.
func (s *Sweeper) Run() {
	if s.ticker == nil {
		return
	}
	for {
		select {
		case <-s.done:
			return
		case <-s.ticker.C:
			s.Tick(time.Now())
		}
	}
}

// Stop ticking.
func (s *Sweeper) Stop() {
	if s.ticker != nil {
		s.ticker.Stop()
	}
	close(s.done)
}
