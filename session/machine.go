package session

import (
	"context"
	"time"

	"github.com/remctl/gateway/conn"
	"github.com/remctl/gateway/internal"
	"github.com/remctl/gateway/pubsub"
	"github.com/remctl/gateway/wire"
)

// Directory is the persistent device directory the gateway consults before
// opening a negotiation. Lookups can fail (storage down); that failure is
// reported to the requesting device, never fatal.
type Directory interface {
	DeviceRegistered(ctx context.Context, deviceID string) (bool, error)
}

// AdminSender is the upstream admin link as the machine sees it: a send that can
// fail and an open/closed status. The machine never inspects the underlying
// connection.
type AdminSender interface {
	Send(v any) error
	IsOpen() bool
}

// Machine drives session lifecycle transitions triggered by device messages,
// upstream decisions and timer sweeps. It is the only writer of the session
// store and the grant table.
//
// Concurrency: callers serialise device-scoped work per device ID, but upstream
// decisions and sweeps are keyed by session, so every transition re-validates
// the session's current state via compare-and-set immediately before mutating.
// A stale view loses the race and the transition becomes a no-op.
type Machine struct {
	store     *Store
	grants    *Grants
	tokens    *TokenIssuer
	conns     *conn.ConnMap
	admin     AdminSender
	directory Directory
	events    pubsub.Notifier

	inactivityTimeout time.Duration
	timeFunc          func() time.Time
}

func NewMachine(
	store *Store,
	grants *Grants,
	tokens *TokenIssuer,
	conns *conn.ConnMap,
	admin AdminSender,
	directory Directory,
	events pubsub.Notifier,
	inactivityTimeout time.Duration,
) *Machine {
	return &Machine{
		store:             store,
		grants:            grants,
		tokens:            tokens,
		conns:             conns,
		admin:             admin,
		directory:         directory,
		events:            events,
		inactivityTimeout: inactivityTimeout,
		timeFunc:          time.Now,
	}
}

// SetTimeFunc overrides the clock. Tests only.
func (m *Machine) SetTimeFunc(fn func() time.Time) {
	m.timeFunc = fn
}

func (m *Machine) audit(sessionID, deviceID, eventType, description string) {
	if m.events == nil {
		return
	}
	if err := m.events.Notify(pubsub.ChanAudit, pubsub.NewSessionEvent(sessionID, deviceID, eventType, description)); err != nil {
		logger.Warn().Err(err).Str("session", sessionID).Msg("failed to publish audit event")
	}
}

func (m *Machine) sendToDevice(deviceID string, v any) bool {
	c, ok := m.conns.Get(deviceID)
	if !ok {
		logger.Warn().Str("device", deviceID).Msg("device not connected, dropping notification")
		return false
	}
	if err := c.SendJSON(v); err != nil {
		logger.Warn().Str("device", deviceID).Err(err).Msg("failed to notify device")
		return false
	}
	return true
}

func reply(sender *conn.DeviceConn, v any) {
	if sender == nil {
		return
	}
	if err := sender.SendJSON(v); err != nil {
		logger.Warn().Str("device", sender.DeviceID).Err(err).Msg("failed to send reply")
	}
}

func upstreamRequestType(kind Kind) string {
	if kind == KindFileshare {
		return "request_session_fileshare"
	}
	return "request_control"
}

// HandleSessionRequest validates a device's negotiation request, mints a session
// token and forwards the request upstream. Any verification failure is reported
// to the sender and leaves no state behind; if the admin link is down the
// request fails immediately and no session is created.
func (m *Machine) HandleSessionRequest(ctx context.Context, sender *conn.DeviceConn, kind Kind, req wire.SessionRequest) error {
	if req.From == "" || req.Token == "" {
		reply(sender, wire.ErrorAck("Missing required fields: from and/or token"))
		return internal.Validationf("session_request missing fields")
	}

	registered, err := m.directory.DeviceRegistered(ctx, req.From)
	if err != nil {
		reply(sender, wire.ErrorAck("Failed to look up device."))
		return internal.Unavailablef("device directory lookup: %s", err)
	}
	if !registered {
		reply(sender, wire.ErrorAck("Device is not registered."))
		return internal.Validationf("session_request from unregistered device %s", req.From)
	}

	if err := m.tokens.VerifyDeviceToken(req.Token, req.From); err != nil {
		reply(sender, wire.ErrorAck("Invalid session token."))
		return internal.Validationf("session_request token: %s", err)
	}

	if !m.admin.IsOpen() {
		reply(sender, wire.ErrorAck("Web Admin not connected."))
		m.audit("", req.From, "session_request", "Web Admin not connected.")
		return internal.Unavailablef("admin link closed")
	}

	token, err := m.tokens.MintSessionToken(req.From)
	if err != nil {
		reply(sender, wire.ErrorAck("Failed to create session."))
		return err
	}
	now := m.timeFunc()
	if !m.store.Create(token, req.From, kind, now) {
		// 24 hex chars of entropy in the sid claim make a collision implausible
		reply(sender, wire.ErrorAck("Failed to create session."))
		return internal.Validationf("session token collision")
	}

	if err := m.admin.Send(wire.RequestControl{
		Type:      upstreamRequestType(kind),
		SessionID: token,
		DeviceID:  req.From,
	}); err != nil {
		// the link dropped between the IsOpen check and the send
		m.store.Remove(token)
		m.tokens.Revoke(token)
		reply(sender, wire.ErrorAck("Web Admin not connected."))
		m.audit(token, req.From, "session_request", "Web Admin not connected.")
		return internal.Unavailablef("admin link send: %s", err)
	}

	m.audit(token, req.From, "session_request", "Session "+kind.String()+" request forwarded to Web Admin.")
	reply(sender, wire.Ack{
		Type:      "info",
		Message:   "Session request forwarded to Web Admin.",
		SessionID: token,
	})
	logger.Info().Str("device", req.From).Str("kind", kind.String()).Msg("session requested")
	return nil
}

// HandleControlDecision applies an upstream accept/reject verdict to a session
// in StateRequested. Unknown session IDs are logged and ignored; a session that
// has already moved on loses the race idempotently.
func (m *Machine) HandleControlDecision(ctx context.Context, dec wire.ControlDecision) error {
	sess, ok := m.store.Get(dec.SessionID)
	if !ok {
		logger.Error().Str("session", dec.SessionID).Msg("control decision for unknown session")
		m.audit(dec.SessionID, "unknown", "control_decision", "Failed: could not find active session.")
		return internal.ErrIntegrity
	}

	switch dec.Decision {
	case "accepted":
		if !m.store.CompareAndSetState(dec.SessionID, StateRequested, StateApproved, m.timeFunc()) {
			logger.Warn().Str("session", dec.SessionID).Msg("decision raced with another transition, ignoring")
			return nil
		}
		m.grants.Grant(sess.DeviceID, wire.UpstreamPeerID)
		m.audit(dec.SessionID, sess.DeviceID, "control_decision", "Session approved by backend.")
		m.sendToDevice(sess.DeviceID, wire.Decision{
			Type:      "approved",
			SessionID: dec.SessionID,
			Message:   "Admin approved the session request.",
		})
	case "rejected":
		if _, ok := m.store.Remove(dec.SessionID); !ok {
			return nil
		}
		// drop the grant in case the rejection raced an earlier approval
		m.grants.Revoke(sess.DeviceID, wire.UpstreamPeerID)
		m.tokens.Revoke(dec.SessionID)
		reason := dec.Reason
		if reason == "" {
			reason = "N/A"
		}
		m.audit(dec.SessionID, sess.DeviceID, "control_decision", "Session rejected by backend. Reason: "+reason)
		m.sendToDevice(sess.DeviceID, wire.Decision{
			Type:      "rejected",
			SessionID: dec.SessionID,
			Message:   "Admin rejected the session request. Reason: " + reason,
		})
	default:
		logger.Warn().Str("decision", dec.Decision).Msg("unknown control decision, ignoring")
	}
	return nil
}

// HandleFileshareDecision is the fileshare flavour of HandleControlDecision; the
// upstream encodes the verdict as a bool.
func (m *Machine) HandleFileshareDecision(ctx context.Context, dec wire.FileshareDecision) error {
	mapped := wire.ControlDecision{SessionID: dec.SessionID, Decision: "rejected"}
	if dec.Decision {
		mapped.Decision = "accepted"
	}
	return m.HandleControlDecision(ctx, mapped)
}

// HandleFinalConfirmation applies the device's accept/reject of an approved
// session. Acceptance confirms the session and reports "connected" upstream;
// rejection removes it and reports "failed".
func (m *Machine) HandleFinalConfirmation(ctx context.Context, sender *conn.DeviceConn, req wire.FinalConfirmation) error {
	if req.From == "" || req.Token == "" {
		reply(sender, wire.ErrorAck("Missing required fields: from and/or token"))
		return internal.Validationf("session_final_confirmation missing fields")
	}

	registered, err := m.directory.DeviceRegistered(ctx, req.From)
	if err != nil {
		reply(sender, wire.ErrorAck("Failed to look up device."))
		return internal.Unavailablef("device directory lookup: %s", err)
	}
	if !registered {
		reply(sender, wire.ErrorAck("Device is not registered."))
		m.audit(req.Token, req.From, "session_final_confirmation", "Device is not registered.")
		return internal.Validationf("confirmation from unregistered device %s", req.From)
	}

	boundDevice, err := m.tokens.VerifySessionToken(req.Token)
	if err != nil || boundDevice != req.From {
		reply(sender, wire.ErrorAck("Invalid session token."))
		m.audit(req.Token, req.From, "session_final_confirmation", "Invalid session token.")
		return internal.Validationf("confirmation token invalid for device %s", req.From)
	}

	sess, ok := m.store.Get(req.Token)
	if !ok || sess.DeviceID != req.From {
		reply(sender, wire.ErrorAck("No session found for token."))
		return internal.Validationf("confirmation for unknown session")
	}

	switch req.Decision {
	case "accepted":
		if !m.store.CompareAndSetState(req.Token, StateApproved, StateConfirmed, m.timeFunc()) {
			reply(sender, wire.ErrorAck("Session not approved."))
			return internal.Validationf("confirmation for session in state %s", sess.State)
		}
		if err := m.admin.Send(wire.ControlStatus{
			Type: "control_status", From: req.From, SessionID: req.Token, Status: "connected",
		}); err != nil {
			logger.Warn().Err(err).Str("session", req.Token).Msg("failed to report connected status upstream")
		}
		m.audit(req.Token, req.From, "session_start", "Session successfully started between device and Web Admin.")
		reply(sender, wire.SessionConfirmed{
			Type:    "session_confirmed",
			Message: "Session successfully started between device and Web Admin.",
		})
	case "rejected":
		if sess.State != StateApproved {
			reply(sender, wire.ErrorAck("Session not approved."))
			return internal.Validationf("confirmation for session in state %s", sess.State)
		}
		if _, ok := m.store.Remove(req.Token); !ok {
			return nil
		}
		m.grants.Revoke(req.From, wire.UpstreamPeerID)
		m.tokens.Revoke(req.Token)
		if err := m.admin.Send(wire.ControlStatus{
			Type: "control_status", From: req.From, SessionID: req.Token, Status: "failed",
		}); err != nil {
			logger.Warn().Err(err).Str("session", req.Token).Msg("failed to report failed status upstream")
		}
		m.audit(req.Token, req.From, "session_final_confirmation", "Session rejected by device.")
		reply(sender, wire.SuccessAck("Session closed."))
	default:
		reply(sender, wire.ErrorAck("Unknown decision."))
		return internal.Validationf("unknown confirmation decision %q", req.Decision)
	}
	return nil
}

// HandleSessionTerminated removes a session at the upstream's request and tells
// the device. Works from any non-terminal state.
func (m *Machine) HandleSessionTerminated(ctx context.Context, term wire.SessionTerminated) error {
	reason := term.Reason
	if reason == "" {
		reason = "terminated_by_admin"
	}
	sess, ok := m.store.Remove(term.SessionID)
	if !ok {
		logger.Warn().Str("session", term.SessionID).Msg("termination for unknown session")
		m.audit(term.SessionID, "unknown", "session_terminated", "Termination received. Reason: "+reason)
		return internal.ErrIntegrity
	}
	m.grants.Revoke(sess.DeviceID, wire.UpstreamPeerID)
	m.tokens.Revoke(term.SessionID)
	m.audit(term.SessionID, sess.DeviceID, "session_terminated", "Session terminated by backend. Reason: "+reason)
	m.sendToDevice(sess.DeviceID, wire.SessionEnded{
		Type:      "session_ended",
		SessionID: term.SessionID,
		Reason:    reason,
	})
	return nil
}

// ExpireInactive runs the inactivity-termination transition for every session
// idle past the configured timeout. Device and admin link are each notified
// exactly once per expired session. Returns the number of sessions removed.
func (m *Machine) ExpireInactive(now time.Time) int {
	expired := m.store.ExpireInactive(now, m.inactivityTimeout)
	for _, sess := range expired {
		m.grants.Revoke(sess.DeviceID, wire.UpstreamPeerID)
		m.tokens.Revoke(sess.Token)
		m.audit(sess.Token, sess.DeviceID, "inactive_disconnect", "Session expired due to inactivity.")
		m.sendToDevice(sess.DeviceID, wire.SessionEnded{
			Type:      "inactive_disconnect",
			SessionID: sess.Token,
			Reason:    "inactivity_timeout",
		})
		if err := m.admin.Send(wire.ControlStatus{
			Type: "inactive_disconnect", From: sess.DeviceID, SessionID: sess.Token, Status: "failed",
		}); err != nil {
			logger.Warn().Err(err).Str("session", sess.Token).Msg("failed to report inactivity expiry upstream")
		}
		logger.Info().Str("session", sess.Token).Str("device", sess.DeviceID).Msg("session expired due to inactivity")
	}
	return len(expired)
}

// TeardownDevice terminates every in-flight session for a device. Wired to
// transport close and deregistration, so a vanished device does not hold grants
// open until the inactivity sweep catches up. The device itself is gone; only
// the upstream is notified.
func (m *Machine) TeardownDevice(ctx context.Context, deviceID, reason string) int {
	removed := m.store.RemoveForDevice(deviceID)
	m.grants.RevokeAll(deviceID)
	for _, sess := range removed {
		m.tokens.Revoke(sess.Token)
		m.audit(sess.Token, deviceID, "session_ended", "Session ended: "+reason)
		if err := m.admin.Send(wire.ControlStatus{
			Type: "control_status", From: deviceID, SessionID: sess.Token, Status: "failed",
		}); err != nil {
			logger.Warn().Err(err).Str("session", sess.Token).Msg("failed to report device teardown upstream")
		}
	}
	return len(removed)
}

// RemoveSession force-removes a single session and its grants. Backs the
// administrative removal endpoint.
func (m *Machine) RemoveSession(token, deviceID string) bool {
	sess, ok := m.store.Remove(token)
	if ok {
		deviceID = sess.DeviceID
	}
	if deviceID != "" {
		m.grants.Revoke(deviceID, wire.UpstreamPeerID)
	}
	if ok {
		m.tokens.Revoke(token)
		m.audit(token, deviceID, "session_removed", "Session removed via admin endpoint.")
	}
	return ok
}
