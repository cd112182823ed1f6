package session

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/remctl/gateway/conn"
	"github.com/remctl/gateway/internal"
	"github.com/remctl/gateway/pubsub"
	"github.com/remctl/gateway/wire"
)

type fakeSocket struct {
	writes [][]byte
	closed bool
}

func (f *fakeSocket) WriteMessage(messageType int, data []byte) error {
	f.writes = append(f.writes, data)
	return nil
}
func (f *fakeSocket) WriteControl(messageType int, data []byte, deadline time.Time) error {
	return nil
}
func (f *fakeSocket) SetWriteDeadline(t time.Time) error { return nil }
func (f *fakeSocket) Close() error {
	f.closed = true
	return nil
}

type fakeAdmin struct {
	open    bool
	sendErr error
	sent    []any
}

func (f *fakeAdmin) Send(v any) error {
	if f.sendErr != nil {
		return f.sendErr
	}
	f.sent = append(f.sent, v)
	return nil
}
func (f *fakeAdmin) IsOpen() bool { return f.open }

type fakeDirectory struct {
	registered map[string]bool
	err        error
}

func (f *fakeDirectory) DeviceRegistered(ctx context.Context, deviceID string) (bool, error) {
	return f.registered[deviceID], f.err
}

type fakeNotifier struct {
	events []*pubsub.SessionEvent
}

func (f *fakeNotifier) Notify(chanName string, p pubsub.Payload) error {
	if ev, ok := p.(*pubsub.SessionEvent); ok {
		f.events = append(f.events, ev)
	}
	return nil
}
func (f *fakeNotifier) Close() error { return nil }

type machineFixture struct {
	machine   *Machine
	store     *Store
	grants    *Grants
	tokens    *TokenIssuer
	conns     *conn.ConnMap
	admin     *fakeAdmin
	directory *fakeDirectory
	events    *fakeNotifier
	socks     map[string]*fakeSocket
	now       time.Time
}

func newMachineFixture(t *testing.T) *machineFixture {
	t.Helper()
	f := &machineFixture{
		store:     NewStore(),
		grants:    NewGrants(),
		tokens:    NewTokenIssuer("test-secret", time.Hour),
		conns:     conn.NewConnMap(),
		admin:     &fakeAdmin{open: true},
		directory: &fakeDirectory{registered: map[string]bool{"dev1": true, "dev2": true}},
		events:    &fakeNotifier{},
		socks:     map[string]*fakeSocket{},
		now:       time.Now(),
	}
	t.Cleanup(f.tokens.Stop)
	f.tokens.SetTimeFunc(func() time.Time { return f.now })
	f.machine = NewMachine(f.store, f.grants, f.tokens, f.conns, f.admin, f.directory, f.events, 90*time.Second)
	f.machine.SetTimeFunc(func() time.Time { return f.now })
	return f
}

func (f *machineFixture) connect(t *testing.T, deviceID string) (*conn.DeviceConn, *fakeSocket) {
	t.Helper()
	sock := &fakeSocket{}
	c := conn.NewDeviceConn(deviceID, sock)
	f.conns.Put(deviceID, c)
	f.socks[deviceID] = sock
	return c, sock
}

func (f *machineFixture) deviceSocket(t *testing.T, deviceID string) *fakeSocket {
	t.Helper()
	sock, ok := f.socks[deviceID]
	if !ok {
		t.Fatalf("device %s never connected", deviceID)
	}
	return sock
}

func decodeFrame(t *testing.T, data []byte) map[string]any {
	t.Helper()
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		t.Fatalf("bad frame %q: %s", data, err)
	}
	return m
}

func lastFrame(t *testing.T, sock *fakeSocket) map[string]any {
	t.Helper()
	if len(sock.writes) == 0 {
		t.Fatalf("no frames written")
	}
	return decodeFrame(t, sock.writes[len(sock.writes)-1])
}

// requestSession drives a valid session_request end to end and returns the
// minted session token, pulled from the upstream forward.
func (f *machineFixture) requestSession(t *testing.T, deviceID string, kind Kind) string {
	t.Helper()
	sender, _ := f.connect(t, deviceID)
	devTok, err := f.tokens.MintDeviceToken(deviceID)
	if err != nil {
		t.Fatalf("MintDeviceToken: %s", err)
	}
	err = f.machine.HandleSessionRequest(context.Background(), sender, kind, wire.SessionRequest{
		From: deviceID, Token: devTok,
	})
	if err != nil {
		t.Fatalf("HandleSessionRequest: %s", err)
	}
	req, ok := f.admin.sent[len(f.admin.sent)-1].(wire.RequestControl)
	if !ok {
		t.Fatalf("upstream did not receive a request forward, got %T", f.admin.sent[len(f.admin.sent)-1])
	}
	return req.SessionID
}

func TestSessionRequestHappyPath(t *testing.T) {
	f := newMachineFixture(t)
	sender, sock := f.connect(t, "dev1")
	devTok, _ := f.tokens.MintDeviceToken("dev1")

	err := f.machine.HandleSessionRequest(context.Background(), sender, KindControl, wire.SessionRequest{
		From: "dev1", Token: devTok,
	})
	if err != nil {
		t.Fatalf("HandleSessionRequest: %s", err)
	}

	req := f.admin.sent[0].(wire.RequestControl)
	if req.Type != "request_control" || req.DeviceID != "dev1" || req.SessionID == "" {
		t.Fatalf("unexpected upstream forward: %+v", req)
	}

	ack := lastFrame(t, sock)
	if ack["type"] != "info" || ack["message"] != "Session request forwarded to Web Admin." {
		t.Fatalf("unexpected ack: %v", ack)
	}
	if ack["sessionId"] != req.SessionID {
		t.Fatalf("ack sessionId %v does not match forwarded %q", ack["sessionId"], req.SessionID)
	}

	sess, ok := f.store.Get(req.SessionID)
	if !ok || sess.State != StateRequested || sess.DeviceID != "dev1" {
		t.Fatalf("unexpected session: %+v (ok=%v)", sess, ok)
	}
	t.Log("The minted token must verify as a session token bound to the requester.")
	deviceID, err := f.tokens.VerifySessionToken(req.SessionID)
	if err != nil || deviceID != "dev1" {
		t.Fatalf("session token verify: %q, %v", deviceID, err)
	}
}

func TestSessionRequestFileshareUsesFileshareType(t *testing.T) {
	f := newMachineFixture(t)
	token := f.requestSession(t, "dev1", KindFileshare)
	req := f.admin.sent[0].(wire.RequestControl)
	if req.Type != "request_session_fileshare" {
		t.Fatalf("upstream type: got %q want request_session_fileshare", req.Type)
	}
	sess, _ := f.store.Get(token)
	if sess.Kind != KindFileshare {
		t.Fatalf("session kind: got %s want fileshare", sess.Kind)
	}
}

func TestSessionRequestRejections(t *testing.T) {
	testCases := []struct {
		name    string
		prep    func(f *machineFixture)
		from    string
		token   func(f *machineFixture) string
		wantMsg string
	}{
		{
			name:    "unregistered device",
			from:    "ghost",
			token:   func(f *machineFixture) string { tok, _ := f.tokens.MintDeviceToken("ghost"); return tok },
			wantMsg: "Device is not registered.",
		},
		{
			name:    "token bound to another device",
			from:    "dev1",
			token:   func(f *machineFixture) string { tok, _ := f.tokens.MintDeviceToken("dev2"); return tok },
			wantMsg: "Invalid session token.",
		},
		{
			name:    "garbage token",
			from:    "dev1",
			token:   func(f *machineFixture) string { return "not-a-jwt" },
			wantMsg: "Invalid session token.",
		},
		{
			name:    "admin link closed",
			prep:    func(f *machineFixture) { f.admin.open = false },
			from:    "dev1",
			token:   func(f *machineFixture) string { tok, _ := f.tokens.MintDeviceToken("dev1"); return tok },
			wantMsg: "Web Admin not connected.",
		},
		{
			name:    "directory lookup failure",
			prep:    func(f *machineFixture) { f.directory.err = errors.New("connection refused") },
			from:    "dev1",
			token:   func(f *machineFixture) string { tok, _ := f.tokens.MintDeviceToken("dev1"); return tok },
			wantMsg: "Failed to look up device.",
		},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			f := newMachineFixture(t)
			if tc.prep != nil {
				tc.prep(f)
			}
			sender, sock := f.connect(t, tc.from)
			err := f.machine.HandleSessionRequest(context.Background(), sender, KindControl, wire.SessionRequest{
				From: tc.from, Token: tc.token(f),
			})
			if err == nil {
				t.Fatalf("expected an error")
			}
			ack := lastFrame(t, sock)
			if ack["type"] != "error" || ack["message"] != tc.wantMsg {
				t.Fatalf("unexpected reply: %v", ack)
			}
			t.Log("A rejected request must leave no session behind.")
			if f.store.Len() != 0 {
				t.Fatalf("session created despite rejection")
			}
		})
	}
}

func TestSessionRequestRollsBackWhenAdminSendFails(t *testing.T) {
	f := newMachineFixture(t)
	f.admin.sendErr = errors.New("broken pipe")
	sender, sock := f.connect(t, "dev1")
	devTok, _ := f.tokens.MintDeviceToken("dev1")

	err := f.machine.HandleSessionRequest(context.Background(), sender, KindControl, wire.SessionRequest{
		From: "dev1", Token: devTok,
	})
	if !errors.Is(err, internal.ErrUnavailable) {
		t.Fatalf("got %v want ErrUnavailable", err)
	}
	if f.store.Len() != 0 {
		t.Fatalf("session survived the failed forward")
	}
	ack := lastFrame(t, sock)
	if ack["message"] != "Web Admin not connected." {
		t.Fatalf("unexpected reply: %v", ack)
	}
}

func TestControlDecisionApproved(t *testing.T) {
	f := newMachineFixture(t)
	token := f.requestSession(t, "dev1", KindControl)

	err := f.machine.HandleControlDecision(context.Background(), wire.ControlDecision{
		SessionID: token, Decision: "accepted",
	})
	if err != nil {
		t.Fatalf("HandleControlDecision: %s", err)
	}

	sess, _ := f.store.Get(token)
	if sess.State != StateApproved {
		t.Fatalf("state: got %s want approved", sess.State)
	}
	if !f.grants.IsAuthorized("dev1", wire.UpstreamPeerID) {
		t.Fatalf("approval did not grant the upstream peer")
	}

	frame := lastFrame(t, f.deviceSocket(t, "dev1"))
	if frame["type"] != "approved" || frame["sessionId"] != token {
		t.Fatalf("unexpected device notification: %v", frame)
	}
}

func TestControlDecisionRejected(t *testing.T) {
	f := newMachineFixture(t)
	token := f.requestSession(t, "dev1", KindControl)
	sock := f.deviceSocket(t, "dev1")

	err := f.machine.HandleControlDecision(context.Background(), wire.ControlDecision{
		SessionID: token, Decision: "rejected", Reason: "busy",
	})
	if err != nil {
		t.Fatalf("HandleControlDecision: %s", err)
	}
	if f.store.Len() != 0 {
		t.Fatalf("rejected session still stored")
	}
	if f.grants.IsAuthorized("dev1", wire.UpstreamPeerID) {
		t.Fatalf("grant present after rejection")
	}
	if _, err := f.tokens.VerifySessionToken(token); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("rejected session token still valid: %v", err)
	}
	frame := lastFrame(t, sock)
	if frame["type"] != "rejected" || frame["message"] != "Admin rejected the session request. Reason: busy" {
		t.Fatalf("unexpected device notification: %v", frame)
	}
}

func TestControlDecisionRejectedDefaultReason(t *testing.T) {
	f := newMachineFixture(t)
	token := f.requestSession(t, "dev1", KindControl)
	sock := f.deviceSocket(t, "dev1")

	_ = f.machine.HandleControlDecision(context.Background(), wire.ControlDecision{
		SessionID: token, Decision: "rejected",
	})
	frame := lastFrame(t, sock)
	if frame["message"] != "Admin rejected the session request. Reason: N/A" {
		t.Fatalf("unexpected default reason: %v", frame)
	}
}

func TestControlDecisionUnknownSession(t *testing.T) {
	f := newMachineFixture(t)
	err := f.machine.HandleControlDecision(context.Background(), wire.ControlDecision{
		SessionID: "missing", Decision: "accepted",
	})
	if !errors.Is(err, internal.ErrIntegrity) {
		t.Fatalf("got %v want ErrIntegrity", err)
	}
}

func TestFileshareDecisionMapsBool(t *testing.T) {
	f := newMachineFixture(t)
	token := f.requestSession(t, "dev1", KindFileshare)

	err := f.machine.HandleFileshareDecision(context.Background(), wire.FileshareDecision{
		SessionID: token, Decision: true,
	})
	if err != nil {
		t.Fatalf("HandleFileshareDecision: %s", err)
	}
	sess, _ := f.store.Get(token)
	if sess.State != StateApproved {
		t.Fatalf("state: got %s want approved", sess.State)
	}

	token2 := f.requestSession(t, "dev2", KindFileshare)
	_ = f.machine.HandleFileshareDecision(context.Background(), wire.FileshareDecision{
		SessionID: token2, Decision: false,
	})
	if _, ok := f.store.Get(token2); ok {
		t.Fatalf("declined fileshare session still stored")
	}
}

func approve(t *testing.T, f *machineFixture, token string) {
	t.Helper()
	if err := f.machine.HandleControlDecision(context.Background(), wire.ControlDecision{
		SessionID: token, Decision: "accepted",
	}); err != nil {
		t.Fatalf("approve: %s", err)
	}
}

func TestFinalConfirmationAccepted(t *testing.T) {
	f := newMachineFixture(t)
	token := f.requestSession(t, "dev1", KindControl)
	approve(t, f, token)
	sender, _ := f.conns.Get("dev1")
	sock := f.deviceSocket(t, "dev1")

	err := f.machine.HandleFinalConfirmation(context.Background(), sender, wire.FinalConfirmation{
		From: "dev1", Token: token, Decision: "accepted",
	})
	if err != nil {
		t.Fatalf("HandleFinalConfirmation: %s", err)
	}

	sess, _ := f.store.Get(token)
	if sess.State != StateConfirmed {
		t.Fatalf("state: got %s want confirmed", sess.State)
	}
	status, ok := f.admin.sent[len(f.admin.sent)-1].(wire.ControlStatus)
	if !ok || status.Status != "connected" || status.SessionID != token {
		t.Fatalf("upstream status: %+v", f.admin.sent[len(f.admin.sent)-1])
	}
	frame := lastFrame(t, sock)
	if frame["type"] != "session_confirmed" {
		t.Fatalf("unexpected device reply: %v", frame)
	}
}

func TestFinalConfirmationRejected(t *testing.T) {
	f := newMachineFixture(t)
	token := f.requestSession(t, "dev1", KindControl)
	approve(t, f, token)
	sender, _ := f.conns.Get("dev1")
	sock := f.deviceSocket(t, "dev1")

	err := f.machine.HandleFinalConfirmation(context.Background(), sender, wire.FinalConfirmation{
		From: "dev1", Token: token, Decision: "rejected",
	})
	if err != nil {
		t.Fatalf("HandleFinalConfirmation: %s", err)
	}
	if f.store.Len() != 0 {
		t.Fatalf("rejected session still stored")
	}
	if f.grants.IsAuthorized("dev1", wire.UpstreamPeerID) {
		t.Fatalf("grant survived device rejection")
	}
	status := f.admin.sent[len(f.admin.sent)-1].(wire.ControlStatus)
	if status.Status != "failed" {
		t.Fatalf("upstream status: got %q want failed", status.Status)
	}
	frame := lastFrame(t, sock)
	if frame["type"] != "success" || frame["message"] != "Session closed." {
		t.Fatalf("unexpected device reply: %v", frame)
	}
}

func TestFinalConfirmationBeforeApproval(t *testing.T) {
	f := newMachineFixture(t)
	token := f.requestSession(t, "dev1", KindControl)
	sender, _ := f.conns.Get("dev1")
	sock := f.deviceSocket(t, "dev1")

	err := f.machine.HandleFinalConfirmation(context.Background(), sender, wire.FinalConfirmation{
		From: "dev1", Token: token, Decision: "accepted",
	})
	if !errors.Is(err, internal.ErrValidation) {
		t.Fatalf("got %v want ErrValidation", err)
	}
	frame := lastFrame(t, sock)
	if frame["message"] != "Session not approved." {
		t.Fatalf("unexpected reply: %v", frame)
	}
	t.Log("A premature confirmation must not advance the state.")
	sess, _ := f.store.Get(token)
	if sess.State != StateRequested {
		t.Fatalf("state moved to %s", sess.State)
	}
}

func TestFinalConfirmationWrongDevice(t *testing.T) {
	f := newMachineFixture(t)
	token := f.requestSession(t, "dev1", KindControl)
	approve(t, f, token)
	sender, sock := f.connect(t, "dev2")

	err := f.machine.HandleFinalConfirmation(context.Background(), sender, wire.FinalConfirmation{
		From: "dev2", Token: token, Decision: "accepted",
	})
	if !errors.Is(err, internal.ErrValidation) {
		t.Fatalf("got %v want ErrValidation", err)
	}
	ack := lastFrame(t, sock)
	if ack["message"] != "Invalid session token." {
		t.Fatalf("unexpected reply: %v", ack)
	}
}

func TestSessionTerminated(t *testing.T) {
	f := newMachineFixture(t)
	token := f.requestSession(t, "dev1", KindControl)
	approve(t, f, token)
	sock := f.deviceSocket(t, "dev1")

	err := f.machine.HandleSessionTerminated(context.Background(), wire.SessionTerminated{
		SessionID: token,
	})
	if err != nil {
		t.Fatalf("HandleSessionTerminated: %s", err)
	}
	if f.store.Len() != 0 {
		t.Fatalf("terminated session still stored")
	}
	if f.grants.IsAuthorized("dev1", wire.UpstreamPeerID) {
		t.Fatalf("grant survived termination")
	}
	frame := lastFrame(t, sock)
	if frame["type"] != "session_ended" || frame["reason"] != "terminated_by_admin" {
		t.Fatalf("unexpected device notification: %v", frame)
	}
}

func TestSessionTerminatedUnknown(t *testing.T) {
	f := newMachineFixture(t)
	err := f.machine.HandleSessionTerminated(context.Background(), wire.SessionTerminated{
		SessionID: "missing",
	})
	if !errors.Is(err, internal.ErrIntegrity) {
		t.Fatalf("got %v want ErrIntegrity", err)
	}
}

func TestExpireInactiveSessions(t *testing.T) {
	f := newMachineFixture(t)
	token := f.requestSession(t, "dev1", KindControl)
	approve(t, f, token)
	sock := f.deviceSocket(t, "dev1")

	f.now = f.now.Add(91 * time.Second)
	if n := f.machine.ExpireInactive(f.now); n != 1 {
		t.Fatalf("expired %d sessions, want 1", n)
	}
	if f.store.Len() != 0 {
		t.Fatalf("expired session still stored")
	}
	if f.grants.IsAuthorized("dev1", wire.UpstreamPeerID) {
		t.Fatalf("grant survived expiry")
	}
	frame := lastFrame(t, sock)
	if frame["type"] != "inactive_disconnect" || frame["reason"] != "inactivity_timeout" {
		t.Fatalf("unexpected device notification: %v", frame)
	}
	status := f.admin.sent[len(f.admin.sent)-1].(wire.ControlStatus)
	if status.Type != "inactive_disconnect" || status.SessionID != token {
		t.Fatalf("upstream notification: %+v", status)
	}

	t.Log("A second sweep must find nothing.")
	if n := f.machine.ExpireInactive(f.now); n != 0 {
		t.Fatalf("second sweep expired sessions")
	}
}

func TestTeardownDevice(t *testing.T) {
	f := newMachineFixture(t)
	tok1 := f.requestSession(t, "dev1", KindControl)
	approve(t, f, tok1)
	tok2 := f.requestSession(t, "dev1", KindFileshare)

	if n := f.machine.TeardownDevice(context.Background(), "dev1", "transport_closed"); n != 2 {
		t.Fatalf("tore down %d sessions, want 2", n)
	}
	if f.store.Len() != 0 {
		t.Fatalf("sessions survived teardown")
	}
	if f.grants.HasAny("dev1") {
		t.Fatalf("grants survived teardown")
	}
	for _, tok := range []string{tok1, tok2} {
		if _, err := f.tokens.VerifySessionToken(tok); !errors.Is(err, ErrInvalidToken) {
			t.Fatalf("token %q still valid after teardown", tok)
		}
	}
}

func TestRemoveSession(t *testing.T) {
	f := newMachineFixture(t)
	token := f.requestSession(t, "dev1", KindControl)
	approve(t, f, token)

	if !f.machine.RemoveSession(token, "") {
		t.Fatalf("RemoveSession returned false for a live session")
	}
	if f.store.Len() != 0 {
		t.Fatalf("session survived removal")
	}
	if f.grants.IsAuthorized("dev1", wire.UpstreamPeerID) {
		t.Fatalf("grant survived removal")
	}
	if f.machine.RemoveSession(token, "") {
		t.Fatalf("RemoveSession returned true for a removed session")
	}
}

func TestRemoveSessionByDeviceClearsGrants(t *testing.T) {
	f := newMachineFixture(t)
	token := f.requestSession(t, "dev1", KindControl)
	approve(t, f, token)

	t.Log("An unknown token with a deviceId still clears the device's grant.")
	if f.machine.RemoveSession("no-such-token", "dev1") {
		t.Fatalf("RemoveSession returned true for an unknown token")
	}
	if f.grants.IsAuthorized("dev1", wire.UpstreamPeerID) {
		t.Fatalf("grant survived removal by device id")
	}
	if f.store.Len() != 1 {
		t.Fatalf("session removed by a mismatched token")
	}
}

func TestAuditTrail(t *testing.T) {
	f := newMachineFixture(t)
	token := f.requestSession(t, "dev1", KindControl)
	approve(t, f, token)
	sender, _ := f.conns.Get("dev1")
	_ = f.machine.HandleFinalConfirmation(context.Background(), sender, wire.FinalConfirmation{
		From: "dev1", Token: token, Decision: "accepted",
	})
	_ = f.machine.HandleSessionTerminated(context.Background(), wire.SessionTerminated{SessionID: token})

	var types []string
	for _, ev := range f.events.events {
		if ev.SessionID == token {
			types = append(types, ev.EventType)
		}
	}
	want := []string{"session_request", "control_decision", "session_start", "session_terminated"}
	if len(types) != len(want) {
		t.Fatalf("audit events: got %v want %v", types, want)
	}
	for i := range want {
		if types[i] != want[i] {
			t.Fatalf("audit events: got %v want %v", types, want)
		}
	}
}
