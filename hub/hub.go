// Package hub terminates device websockets and routes every inbound frame,
// from devices and from the admin link, to the component that owns it.
package hub

import (
	"context"
	"net/http"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"

	"github.com/remctl/gateway/conn"
	"github.com/remctl/gateway/internal"
	"github.com/remctl/gateway/pubsub"
	"github.com/remctl/gateway/relay"
	"github.com/remctl/gateway/session"
	"github.com/remctl/gateway/state"
	"github.com/remctl/gateway/wire"
)

var logger = zerolog.New(os.Stdout).With().Timestamp().Logger().Output(zerolog.ConsoleWriter{
	Out:        os.Stderr,
	TimeFormat: "15:04:05",
})

var deviceFrames = prometheus.NewCounterVec(prometheus.CounterOpts{
	Namespace: "gateway",
	Subsystem: "hub",
	Name:      "device_frames",
	Help:      "Frames received from devices, by wire kind",
}, []string{"kind"})

func init() {
	prometheus.MustRegister(deviceFrames)
}

// DeviceStore is the slice of the device directory the hub consults and writes
// to. Backed by state.DevicesTable in production.
type DeviceStore interface {
	SelectByRegistrationKey(registrationKey string) (*state.Device, error)
	UpsertDevice(deviceID, registrationKey, deregistrationKey string, info state.DeviceMetadata, now time.Time) error
	DeleteDevice(deviceID, deregistrationKey string) (bool, error)
	UpdateStatus(deviceID, status string, now time.Time) error
}

type Config struct {
	// HeartbeatTimeout evicts devices that stop reporting status.
	HeartbeatTimeout time.Duration
}

// Hub wires the device endpoint together. It owns no session or device state
// itself; it authenticates, serialises per device, and delegates.
type Hub struct {
	cfg      Config
	conns    *conn.ConnMap
	machine  *session.Machine
	engine   *relay.Engine
	tokens   *session.TokenIssuer
	devices  DeviceStore
	events   pubsub.Notifier
	locks    *internal.KeyedMutex
	upgrader websocket.Upgrader
	timeFunc func() time.Time
}

func New(
	cfg Config,
	conns *conn.ConnMap,
	machine *session.Machine,
	engine *relay.Engine,
	tokens *session.TokenIssuer,
	devices DeviceStore,
	events pubsub.Notifier,
) *Hub {
	return &Hub{
		cfg:     cfg,
		conns:   conns,
		machine: machine,
		engine:  engine,
		tokens:  tokens,
		devices: devices,
		events:  events,
		locks:   internal.NewKeyedMutex(),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		timeFunc: time.Now,
	}
}

// SetTimeFunc overrides the clock. Tests only.
func (h *Hub) SetTimeFunc(fn func() time.Time) {
	h.timeFunc = fn
}

// ServeWS upgrades the request and serves the device until its transport fails.
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request) {
	ws, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		logger.Warn().Err(err).Str("remote", r.RemoteAddr).Msg("websocket upgrade failed")
		return
	}
	h.readLoop(r.Context(), ws)
}

// readLoop drains one socket. The socket is anonymous until its register frame
// binds it to a device; everything else on an unbound socket is refused.
func (h *Hub) readLoop(ctx context.Context, ws *websocket.Conn) {
	var current *conn.DeviceConn
	defer func() {
		if current == nil {
			ws.Close()
			return
		}
		// only tear down if this socket is still the device's live transport;
		// a replacement socket keeps the device's sessions alive
		if h.conns.RemoveIfSame(current.DeviceID, current) {
			h.locks.Lock(current.DeviceID)
			h.machine.TeardownDevice(ctx, current.DeviceID, "transport_closed")
			h.locks.Unlock(current.DeviceID)
			logger.Info().Str("device", current.DeviceID).Msg("device transport closed")
		}
		current.Close()
	}()

	for {
		_, data, err := ws.ReadMessage()
		if err != nil {
			return
		}
		frame, err := wire.ParseFrame(data)
		if err != nil {
			logger.Warn().Err(err).Msg("dropping malformed device frame")
			if current != nil {
				_ = current.SendJSON(wire.ErrorAck("Malformed message."))
			}
			continue
		}
		deviceFrames.WithLabelValues(frame.Kind.String()).Inc()

		if frame.Kind == wire.KindRegister {
			if bound := h.handleRegister(ctx, ws, current, frame); bound != nil {
				current = bound
			}
			continue
		}
		if current == nil {
			// a status frame re-creates the registry entry for the id it
			// names, so a device that reconnects mid-session is reachable
			// again without a full re-registration
			if frame.Kind == wire.KindStatus {
				if bound := h.rebindFromStatus(ws, frame); bound != nil {
					current = bound
				}
				continue
			}
			logger.Warn().Str("type", frame.Type).Msg("frame on unbound socket, refusing")
			writeError(ws, "Device is not registered.")
			continue
		}
		h.dispatchDevice(ctx, current, frame)
	}
}

func writeError(ws *websocket.Conn, msg string) {
	_ = ws.SetWriteDeadline(time.Now().Add(5 * time.Second))
	_ = ws.WriteJSON(wire.ErrorAck(msg))
}

func (h *Hub) handleRegister(ctx context.Context, ws *websocket.Conn, current *conn.DeviceConn, frame wire.Frame) *conn.DeviceConn {
	var req wire.RegisterRequest
	if err := frame.Decode(&req); err != nil || req.DeviceID == "" || req.RegistrationKey == "" {
		writeError(ws, "Missing required fields: deviceId and/or registrationKey")
		return nil
	}
	h.locks.Lock(req.DeviceID)
	defer h.locks.Unlock(req.DeviceID)

	owner, err := h.devices.SelectByRegistrationKey(req.RegistrationKey)
	if err != nil {
		logger.Err(err).Str("device", req.DeviceID).Msg("failed to look up registration key")
		internal.GetSentryHubFromContextOrDefault(ctx).CaptureException(err)
		writeError(ws, "Registration failed.")
		return nil
	}
	if owner == nil {
		writeError(ws, "Device with registration key "+req.RegistrationKey+" doesn't exist.")
		return nil
	}
	if owner.DeviceID != "" && owner.DeviceID != req.DeviceID {
		writeError(ws, "Registration key "+req.RegistrationKey+" is already assigned to another device.")
		return nil
	}

	deregKey := req.DeregistrationKey
	if deregKey == "" {
		deregKey = owner.DeregistrationKey
	}
	if deregKey == "" {
		deregKey = uuid.NewString()
	}
	now := h.timeFunc()
	err = h.devices.UpsertDevice(req.DeviceID, req.RegistrationKey, deregKey, state.DeviceMetadata{
		Model:       req.Model,
		OSVersion:   req.OSVersion,
		NetworkType: req.NetworkType,
		IPAddress:   req.IPAddress,
	}, now)
	if err != nil {
		logger.Err(err).Str("device", req.DeviceID).Msg("failed to persist registration")
		internal.GetSentryHubFromContextOrDefault(ctx).CaptureException(err)
		writeError(ws, "Registration failed.")
		return nil
	}
	token, err := h.tokens.MintDeviceToken(req.DeviceID)
	if err != nil {
		logger.Err(err).Str("device", req.DeviceID).Msg("failed to mint device token")
		writeError(ws, "Registration failed.")
		return nil
	}

	c := current
	if c != nil && c.DeviceID != req.DeviceID {
		// same socket re-registering under a new identity
		h.conns.RemoveIfSame(c.DeviceID, c)
		c = nil
	}
	if c == nil {
		c = conn.NewDeviceConn(req.DeviceID, ws)
	}
	h.conns.Put(req.DeviceID, c)
	h.conns.MarkHeartbeat(req.DeviceID, now)

	_ = c.SendJSON(wire.Ack{
		Type:    "success",
		Message: "Device registered successfully.",
		Token:   token,
	})
	logger.Info().Str("device", req.DeviceID).Msg("device registered")
	return c
}

// rebindFromStatus binds an anonymous socket to the device a status frame
// names. Devices that lose their transport keep sending heartbeats on the
// replacement socket without re-registering.
func (h *Hub) rebindFromStatus(ws *websocket.Conn, frame wire.Frame) *conn.DeviceConn {
	var req wire.StatusUpdate
	if err := frame.Decode(&req); err != nil || req.DeviceID == "" || req.Status == "" {
		writeError(ws, "Missing required fields: deviceId and/or status")
		return nil
	}

	h.locks.Lock(req.DeviceID)
	defer h.locks.Unlock(req.DeviceID)

	c := conn.NewDeviceConn(req.DeviceID, ws)
	h.conns.Put(req.DeviceID, c)
	now := h.timeFunc()
	h.conns.MarkHeartbeat(req.DeviceID, now)
	if err := h.devices.UpdateStatus(req.DeviceID, req.Status, now); err != nil {
		logger.Err(err).Str("device", req.DeviceID).Msg("failed to persist status update")
	}
	logger.Info().Str("device", req.DeviceID).Msg("socket rebound by status frame")
	return c
}

func (h *Hub) dispatchDevice(ctx context.Context, c *conn.DeviceConn, frame wire.Frame) {
	if frame.Kind.IsRelay() {
		// relay frames skip the device lock: they are high-frequency and the
		// engine re-validates admission per frame anyway
		if err := h.engine.RelayFromDevice(ctx, c, frame); err != nil {
			logger.Debug().Str("device", c.DeviceID).Str("kind", frame.Kind.String()).Err(err).Msg("relay refused")
		}
		return
	}

	h.locks.Lock(c.DeviceID)
	defer h.locks.Unlock(c.DeviceID)

	switch frame.Kind {
	case wire.KindDeregister:
		h.handleDeregister(ctx, c, frame)
	case wire.KindStatus:
		h.handleStatus(ctx, c, frame)
	case wire.KindDisconnect:
		h.handleDisconnect(ctx, c)
	case wire.KindSignal:
		var req wire.SignalRequest
		if err := frame.Decode(&req); err != nil {
			_ = c.SendJSON(wire.ErrorAck("Malformed message."))
			return
		}
		if err := h.engine.HandleSignal(ctx, c, req); err != nil {
			logger.Debug().Str("device", c.DeviceID).Err(err).Msg("signal refused")
		}
	case wire.KindSessionRequest, wire.KindRequestSessionFileshare:
		kind := session.KindControl
		if frame.Kind == wire.KindRequestSessionFileshare {
			kind = session.KindFileshare
		}
		var req wire.SessionRequest
		if err := frame.Decode(&req); err != nil {
			_ = c.SendJSON(wire.ErrorAck("Malformed message."))
			return
		}
		if err := h.machine.HandleSessionRequest(ctx, c, kind, req); err != nil {
			logger.Info().Str("device", c.DeviceID).Err(err).Msg("session request refused")
		}
	case wire.KindSessionFinalConfirmation:
		var req wire.FinalConfirmation
		if err := frame.Decode(&req); err != nil {
			_ = c.SendJSON(wire.ErrorAck("Malformed message."))
			return
		}
		if err := h.machine.HandleFinalConfirmation(ctx, c, req); err != nil {
			logger.Info().Str("device", c.DeviceID).Err(err).Msg("final confirmation refused")
		}
	case wire.KindRegister, wire.KindUnknown,
		wire.KindOffer, wire.KindAnswer, wire.KindICECandidate,
		wire.KindMouseClick, wire.KindKeyboard, wire.KindSwipe,
		wire.KindBrowseResponse, wire.KindUploadStatus, wire.KindDownloadStatus,
		wire.KindRequestReceived, wire.KindControlDecision, wire.KindSessionTerminated,
		wire.KindDecisionFileshare, wire.KindBrowseRequest, wire.KindDownloadRequest:
		// register and relay kinds are handled above; upstream-only kinds have
		// no business arriving from a device
		logger.Warn().Str("device", c.DeviceID).Str("type", frame.Type).Msg("unexpected frame from device")
		_ = c.SendJSON(wire.ErrorAck("Unknown message type."))
	}
}

func (h *Hub) handleDeregister(ctx context.Context, c *conn.DeviceConn, frame wire.Frame) {
	var req wire.DeregisterRequest
	if err := frame.Decode(&req); err != nil || req.DeviceID == "" || req.DeregistrationKey == "" {
		_ = c.SendJSON(wire.ErrorAck("Missing required fields: deviceId and/or deregistrationKey"))
		return
	}
	if req.DeviceID != c.DeviceID {
		_ = c.SendJSON(wire.ErrorAck("Device is not registered."))
		return
	}
	deleted, err := h.devices.DeleteDevice(req.DeviceID, req.DeregistrationKey)
	if err != nil {
		logger.Err(err).Str("device", req.DeviceID).Msg("failed to deregister device")
		internal.GetSentryHubFromContextOrDefault(ctx).CaptureException(err)
		_ = c.SendJSON(wire.ErrorAck("Deregistration failed."))
		return
	}
	if !deleted {
		_ = c.SendJSON(wire.ErrorAck("Invalid deregistration key."))
		return
	}
	h.machine.TeardownDevice(ctx, req.DeviceID, "deregistered")
	_ = c.SendJSON(wire.SuccessAck("Device deregistered successfully."))
	h.conns.RemoveIfSame(req.DeviceID, c)
	c.Close()
	logger.Info().Str("device", req.DeviceID).Msg("device deregistered")
}

func (h *Hub) handleStatus(ctx context.Context, c *conn.DeviceConn, frame wire.Frame) {
	var req wire.StatusUpdate
	if err := frame.Decode(&req); err != nil || req.Status == "" {
		_ = c.SendJSON(wire.ErrorAck("Missing required field: status"))
		return
	}
	now := h.timeFunc()
	h.conns.MarkHeartbeat(c.DeviceID, now)
	if err := h.devices.UpdateStatus(c.DeviceID, req.Status, now); err != nil {
		logger.Err(err).Str("device", c.DeviceID).Msg("failed to persist status update")
		internal.GetSentryHubFromContextOrDefault(ctx).CaptureException(err)
	}
}

func (h *Hub) handleDisconnect(ctx context.Context, c *conn.DeviceConn) {
	if err := h.devices.UpdateStatus(c.DeviceID, "inactive", h.timeFunc()); err != nil {
		logger.Err(err).Str("device", c.DeviceID).Msg("failed to mark device inactive")
	}
	h.machine.TeardownDevice(ctx, c.DeviceID, "device_disconnect")
	h.conns.RemoveIfSame(c.DeviceID, c)
	c.Close()
	logger.Info().Str("device", c.DeviceID).Msg("device disconnected")
}

// DispatchUpstream routes one frame read off the admin link.
func (h *Hub) DispatchUpstream(ctx context.Context, frame wire.Frame) {
	if frame.Kind.IsRelay() {
		if err := h.engine.RelayFromUpstream(ctx, frame); err != nil {
			logger.Debug().Str("kind", frame.Kind.String()).Err(err).Msg("upstream relay refused")
		}
		return
	}
	switch frame.Kind {
	case wire.KindRequestReceived:
		var rr wire.RequestReceived
		if err := frame.Decode(&rr); err == nil && h.events != nil {
			ev := pubsub.NewSessionEvent(rr.SessionID, "", "request_received", "Backend acknowledged the session request.")
			if err := h.events.Notify(pubsub.ChanAudit, ev); err != nil {
				logger.Warn().Err(err).Msg("failed to publish audit event")
			}
		}
	case wire.KindControlDecision:
		var dec wire.ControlDecision
		if err := frame.Decode(&dec); err != nil {
			logger.Warn().Err(err).Msg("malformed control decision from admin link")
			return
		}
		if err := h.machine.HandleControlDecision(ctx, dec); err != nil {
			logger.Warn().Str("session", dec.SessionID).Err(err).Msg("control decision not applied")
		}
	case wire.KindDecisionFileshare:
		var dec wire.FileshareDecision
		if err := frame.Decode(&dec); err != nil {
			logger.Warn().Err(err).Msg("malformed fileshare decision from admin link")
			return
		}
		if err := h.machine.HandleFileshareDecision(ctx, dec); err != nil {
			logger.Warn().Str("session", dec.SessionID).Err(err).Msg("fileshare decision not applied")
		}
	case wire.KindSessionTerminated:
		var term wire.SessionTerminated
		if err := frame.Decode(&term); err != nil {
			logger.Warn().Err(err).Msg("malformed termination from admin link")
			return
		}
		if err := h.machine.HandleSessionTerminated(ctx, term); err != nil {
			logger.Warn().Str("session", term.SessionID).Err(err).Msg("termination not applied")
		}
	default:
		logger.Warn().Str("type", frame.Type).Msg("ignoring unexpected frame from admin link")
	}
}

// ExpireHeartbeats evicts every device silent past the heartbeat timeout,
// closing its transport and tearing down its sessions. Returns the eviction
// count; wired to the liveness sweeper.
func (h *Hub) ExpireHeartbeats(now time.Time) int {
	expired := h.conns.ExpireHeartbeats(now, h.cfg.HeartbeatTimeout)
	for _, c := range expired {
		h.locks.Lock(c.DeviceID)
		if err := h.devices.UpdateStatus(c.DeviceID, "inactive", now); err != nil {
			logger.Err(err).Str("device", c.DeviceID).Msg("failed to mark device inactive")
		}
		h.machine.TeardownDevice(context.Background(), c.DeviceID, "heartbeat_timeout")
		h.locks.Unlock(c.DeviceID)
		c.Close()
		logger.Info().Str("device", c.DeviceID).Msg("device evicted for missed heartbeats")
	}
	return len(expired)
}
