// Package relay forwards opaque peer-to-peer traffic (WebRTC signaling, live
// input, file-transfer frames) between a device and the web admin once their
// session allows it. Payloads are never interpreted, only authorized, stamped
// with the authenticated sender and passed through.
package relay

import (
	"context"
	"encoding/json"
	"os"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"

	"github.com/remctl/gateway/conn"
	"github.com/remctl/gateway/internal"
	"github.com/remctl/gateway/session"
	"github.com/remctl/gateway/wire"
)

var logger = zerolog.New(os.Stdout).With().Timestamp().Logger().Output(zerolog.ConsoleWriter{
	Out:        os.Stderr,
	TimeFormat: "15:04:05",
})

var droppedFrames = prometheus.NewCounterVec(prometheus.CounterOpts{
	Namespace: "gateway",
	Subsystem: "relay",
	Name:      "dropped_frames",
	Help:      "Relay frames dropped instead of forwarded, by wire kind and cause",
}, []string{"kind", "cause"})

func init() {
	prometheus.MustRegister(droppedFrames)
}

// Engine authorizes and forwards relay traffic. It holds no state of its own:
// admission is decided against the session store and the grant table at the
// moment each frame arrives, so a revoked session cuts traffic immediately.
type Engine struct {
	store    *session.Store
	grants   *session.Grants
	conns    *conn.ConnMap
	admin    session.AdminSender
	timeFunc func() time.Time
}

func NewEngine(store *session.Store, grants *session.Grants, conns *conn.ConnMap, admin session.AdminSender) *Engine {
	return &Engine{
		store:    store,
		grants:   grants,
		conns:    conns,
		admin:    admin,
		timeFunc: time.Now,
	}
}

// SetTimeFunc overrides the clock used for activity stamps. Tests only.
func (e *Engine) SetTimeFunc(fn func() time.Time) {
	e.timeFunc = fn
}

// fail handles a frame that cannot be forwarded. Fire-and-forget kinds are
// dropped with a log line and a metric; interactive kinds get an error reply so
// the sender can surface the failure.
func (e *Engine) fail(kind wire.Kind, sender *conn.DeviceConn, cause, msg string, err error) error {
	droppedFrames.WithLabelValues(kind.String(), cause).Inc()
	if kind.FireAndForget() {
		logger.Debug().Str("kind", kind.String()).Str("cause", cause).Msg("dropping relay frame")
		return nil
	}
	if sender != nil {
		if sendErr := sender.SendJSON(wire.ErrorAck(msg)); sendErr != nil {
			logger.Warn().Str("device", sender.DeviceID).Err(sendErr).Msg("failed to send relay error reply")
		}
	}
	return err
}

// HandleSignal relays a generic signaling envelope from a device to a peer it
// holds a grant for. The payload travels opaque; the from field the peer sees is
// the authenticated sender, never the claimed one.
func (e *Engine) HandleSignal(ctx context.Context, sender *conn.DeviceConn, req wire.SignalRequest) error {
	from := sender.DeviceID
	if req.To == "" {
		if err := sender.SendJSON(wire.ErrorAck("Missing required field: to")); err != nil {
			logger.Warn().Str("device", from).Err(err).Msg("failed to send reply")
		}
		return internal.Validationf("signal missing destination")
	}
	if !e.grants.IsAuthorized(from, req.To) {
		droppedFrames.WithLabelValues("signal", "unauthorized").Inc()
		if err := sender.SendJSON(wire.ErrorAck("Session not approved between devices.")); err != nil {
			logger.Warn().Str("device", from).Err(err).Msg("failed to send reply")
		}
		return internal.ErrAuthorization
	}

	out := wire.Signal{Type: "signal", From: from, Payload: req.Payload}
	if req.To == wire.UpstreamPeerID {
		if err := e.admin.Send(out); err != nil {
			droppedFrames.WithLabelValues("signal", "admin_closed").Inc()
			if sendErr := sender.SendJSON(wire.ErrorAck("Web Admin not connected.")); sendErr != nil {
				logger.Warn().Str("device", from).Err(sendErr).Msg("failed to send reply")
			}
			return internal.Unavailablef("admin link send: %s", err)
		}
		return nil
	}
	dest, ok := e.conns.Get(req.To)
	if !ok {
		droppedFrames.WithLabelValues("signal", "peer_offline").Inc()
		if err := sender.SendJSON(wire.ErrorAck("Peer not connected.")); err != nil {
			logger.Warn().Str("device", from).Err(err).Msg("failed to send reply")
		}
		return internal.Unavailablef("peer %s not connected", req.To)
	}
	return dest.SendJSON(out)
}

// admitted checks the session a relay frame names and returns it if relay
// traffic is admissible: session present, bound to deviceID, and approved or
// confirmed.
func (e *Engine) admitted(sessionID, deviceID string) (session.Session, bool) {
	if sessionID == "" {
		return session.Session{}, false
	}
	sess, ok := e.store.Get(sessionID)
	if !ok || sess.DeviceID != deviceID || !sess.State.ApprovedOrLater() {
		return session.Session{}, false
	}
	return sess, true
}

// RelayFromDevice forwards a device-originated relay frame upstream. The frame
// goes out verbatim except for the fromId stamp; forwarding refreshes the
// session's activity clock. No retries: an undeliverable frame fails once.
func (e *Engine) RelayFromDevice(ctx context.Context, sender *conn.DeviceConn, frame wire.Frame) error {
	var rf wire.RelayFrame
	if err := frame.Decode(&rf); err != nil {
		return e.fail(frame.Kind, sender, "malformed", "Malformed relay frame.", internal.Validationf("relay frame decode: %s", err))
	}
	sess, ok := e.admitted(rf.SessionID, sender.DeviceID)
	if !ok {
		return e.fail(frame.Kind, sender, "unauthorized", "Session not approved.",
			internal.Validationf("relay %s without an admissible session", frame.Kind))
	}
	if rf.ToID != "" && rf.ToID != wire.UpstreamPeerID {
		return e.fail(frame.Kind, sender, "bad_destination", "Unknown destination.",
			internal.Validationf("relay %s to unexpected peer %q", frame.Kind, rf.ToID))
	}

	if err := e.admin.Send(json.RawMessage(wire.StampFrom(frame.Raw, sender.DeviceID))); err != nil {
		return e.fail(frame.Kind, sender, "admin_closed", "Web Admin not connected.",
			internal.Unavailablef("admin link send: %s", err))
	}
	e.store.Touch(sess.Token, e.timeFunc())
	return nil
}

// RelayFromUpstream forwards an admin-originated relay frame to the device its
// session names. Failures are reported back over the admin link for interactive
// kinds.
func (e *Engine) RelayFromUpstream(ctx context.Context, frame wire.Frame) error {
	var rf wire.RelayFrame
	if err := frame.Decode(&rf); err != nil {
		droppedFrames.WithLabelValues(frame.Kind.String(), "malformed").Inc()
		return internal.Validationf("relay frame decode: %s", err)
	}
	deviceID := rf.ToID
	if deviceID == "" || deviceID == wire.UpstreamPeerID {
		if sess, ok := e.store.Get(rf.SessionID); ok {
			deviceID = sess.DeviceID
		}
	}
	sess, ok := e.admitted(rf.SessionID, deviceID)
	if !ok {
		return e.failUpstream(frame.Kind, rf.SessionID, "unauthorized", "Session not approved.")
	}
	dest, ok := e.conns.Get(sess.DeviceID)
	if !ok {
		return e.failUpstream(frame.Kind, rf.SessionID, "peer_offline", "Device not connected.")
	}
	if err := dest.SendRaw(wire.StampFrom(frame.Raw, wire.UpstreamPeerID)); err != nil {
		return e.failUpstream(frame.Kind, rf.SessionID, "send_failed", "Device not connected.")
	}
	e.store.Touch(sess.Token, e.timeFunc())
	return nil
}

func (e *Engine) failUpstream(kind wire.Kind, sessionID, cause, msg string) error {
	droppedFrames.WithLabelValues(kind.String(), cause).Inc()
	if kind.FireAndForget() {
		logger.Debug().Str("kind", kind.String()).Str("cause", cause).Msg("dropping relay frame")
		return nil
	}
	if err := e.admin.Send(wire.Ack{Type: "error", Message: msg, SessionID: sessionID}); err != nil {
		logger.Warn().Err(err).Msg("failed to send relay error upstream")
	}
	return internal.Validationf("relay %s: %s", kind, cause)
}
