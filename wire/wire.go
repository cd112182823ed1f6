// Package wire defines the message vocabulary exchanged with devices and with the
// web admin link. Messages are JSON objects tagged by a "type" field; the set of
// known types is a closed enum so dispatch switches are exhaustive and unhandled
// kinds fail loudly at review time instead of falling through a silent default.
package wire

import (
	"encoding/json"
	"fmt"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
)

// UpstreamPeerID is the fixed peer identifier of the web admin on the far side of
// the admin link. Authorization grants for admin-controlled sessions name this peer.
const UpstreamPeerID = "web-admin"

type Kind int

const (
	KindUnknown Kind = iota

	// device -> gateway
	KindRegister
	KindDeregister
	KindStatus
	KindSignal
	KindDisconnect
	KindSessionRequest
	KindSessionFinalConfirmation
	KindRequestSessionFileshare
	KindBrowseResponse
	KindUploadStatus
	KindDownloadStatus

	// WebRTC signaling + live input, relayed in both directions
	KindOffer
	KindAnswer
	KindICECandidate
	KindMouseClick
	KindKeyboard
	KindSwipe

	// admin link -> gateway
	KindRequestReceived
	KindControlDecision
	KindSessionTerminated
	KindDecisionFileshare
	KindBrowseRequest
	KindDownloadRequest
)

var kindNames = map[Kind]string{
	KindRegister:                 "register",
	KindDeregister:               "deregister",
	KindStatus:                   "status",
	KindSignal:                   "signal",
	KindDisconnect:               "disconnect",
	KindSessionRequest:           "session_request",
	KindSessionFinalConfirmation: "session_final_confirmation",
	KindRequestSessionFileshare:  "request_session_fileshare",
	KindBrowseResponse:           "browse_response",
	KindUploadStatus:             "upload_status",
	KindDownloadStatus:           "download_status",
	KindOffer:                    "offer",
	KindAnswer:                   "answer",
	KindICECandidate:             "ice-candidate",
	KindMouseClick:               "mouse_click",
	KindKeyboard:                 "keyboard",
	KindSwipe:                    "swipe",
	KindRequestReceived:          "request_received",
	KindControlDecision:          "control_decision",
	KindSessionTerminated:        "session_terminated",
	KindDecisionFileshare:        "decision_fileshare",
	KindBrowseRequest:            "browse_request",
	KindDownloadRequest:          "download_request",
}

var namesToKind = func() map[string]Kind {
	m := make(map[string]Kind, len(kindNames))
	for k, name := range kindNames {
		m[name] = k
	}
	return m
}()

func (k Kind) String() string {
	if name, ok := kindNames[k]; ok {
		return name
	}
	return fmt.Sprintf("unknown(%d)", int(k))
}

// ParseKind maps a wire "type" value to its Kind. ok is false for types we do not
// understand; callers log and ignore those rather than erroring.
func ParseKind(typ string) (Kind, bool) {
	k, ok := namesToKind[typ]
	return k, ok
}

// IsRelay reports whether this kind is payload the gateway forwards verbatim rather
// than interprets: WebRTC signaling, live input, and file-transfer traffic.
func (k Kind) IsRelay() bool {
	switch k {
	case KindOffer, KindAnswer, KindICECandidate,
		KindMouseClick, KindKeyboard, KindSwipe,
		KindBrowseResponse, KindBrowseRequest,
		KindUploadStatus, KindDownloadStatus, KindDownloadRequest:
		return true
	}
	return false
}

// FireAndForget reports whether a failed relay of this kind is dropped silently.
// Stale positional input is worse than lost input, and WebRTC peers renegotiate
// missing candidates on their own, so none of these warrant an error reply.
// Interactive kinds (browse, download requests) do get error replies.
func (k Kind) FireAndForget() bool {
	switch k {
	case KindOffer, KindAnswer, KindICECandidate,
		KindMouseClick, KindKeyboard, KindSwipe,
		KindUploadStatus, KindDownloadStatus:
		return true
	}
	return false
}

// Frame is one inbound message: the parsed kind plus the raw bytes, retained so
// relay kinds can be forwarded verbatim.
type Frame struct {
	Kind Kind
	Type string // the raw "type" value, set even when Kind is KindUnknown
	Raw  json.RawMessage
}

// ParseFrame peeks the "type" field without a full decode. It errors only on
// malformed JSON or a missing type; an unrecognised type yields KindUnknown.
func ParseFrame(data []byte) (Frame, error) {
	if !gjson.ValidBytes(data) {
		return Frame{}, fmt.Errorf("malformed JSON frame")
	}
	typ := gjson.GetBytes(data, "type")
	if !typ.Exists() || typ.Type != gjson.String {
		return Frame{}, fmt.Errorf("frame has no type field")
	}
	k, _ := ParseKind(typ.Str)
	return Frame{Kind: k, Type: typ.Str, Raw: data}, nil
}

// Decode unmarshals the raw frame into a typed payload struct.
func (f Frame) Decode(v any) error {
	return json.Unmarshal(f.Raw, v)
}

// StampFrom sets the fromId field on a raw frame before forwarding, so the
// receiving side always sees the authenticated source rather than whatever the
// sender claimed. The rest of the frame is untouched.
func StampFrom(raw []byte, from string) []byte {
	out, err := sjson.SetBytes(raw, "fromId", from)
	if err != nil {
		return raw
	}
	return out
}

// ---------------------------------------------------------------------------
// Inbound payloads (device -> gateway)

type RegisterRequest struct {
	DeviceID          string `json:"deviceId"`
	RegistrationKey   string `json:"registrationKey"`
	Model             string `json:"model,omitempty"`
	OSVersion         string `json:"osVersion,omitempty"`
	NetworkType       string `json:"networkType,omitempty"`
	IPAddress         string `json:"ipAddress,omitempty"`
	DeregistrationKey string `json:"deregistrationKey,omitempty"`
}

type DeregisterRequest struct {
	DeviceID          string `json:"deviceId"`
	DeregistrationKey string `json:"deregistrationKey"`
}

type StatusUpdate struct {
	DeviceID string `json:"deviceId"`
	Status   string `json:"status"`
}

type SignalRequest struct {
	From    string          `json:"from"`
	To      string          `json:"to"`
	Payload json.RawMessage `json:"payload"`
}

type DisconnectNotice struct {
	DeviceID string `json:"deviceId"`
}

// SessionRequest initiates a control or fileshare negotiation. Token is the
// device's long-lived credential, not a session token; the gateway mints the
// session token itself.
type SessionRequest struct {
	From  string `json:"from"`
	Token string `json:"token"`
}

type FinalConfirmation struct {
	From     string `json:"from"`
	Token    string `json:"token"`
	Decision string `json:"decision"` // "accepted" or "rejected"
}

// RelayFrame is the common shape of all relayed kinds. Individual kinds carry
// extra fields (path, paths, coordinates) in Raw; the gateway never looks at them.
type RelayFrame struct {
	Type      string          `json:"type"`
	FromID    string          `json:"fromId,omitempty"`
	ToID      string          `json:"toId,omitempty"`
	SessionID string          `json:"sessionId,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}

// ---------------------------------------------------------------------------
// Inbound payloads (admin link -> gateway)

type ControlDecision struct {
	SessionID string `json:"sessionId"`
	Decision  string `json:"decision"` // "accepted" or "rejected"
	Reason    string `json:"reason,omitempty"`
}

type SessionTerminated struct {
	SessionID string `json:"sessionId"`
	Reason    string `json:"reason,omitempty"`
}

type FileshareDecision struct {
	SessionID string `json:"sessionId"`
	Decision  bool   `json:"decision"`
}

type RequestReceived struct {
	SessionID string `json:"sessionId"`
}

// ---------------------------------------------------------------------------
// Outbound payloads (gateway -> device)

// Ack is the generic success/error/info reply to a device message.
type Ack struct {
	Type      string `json:"type"` // "success", "error" or "info"
	Message   string `json:"message"`
	SessionID string `json:"sessionId,omitempty"`
	Token     string `json:"token,omitempty"`
}

func SuccessAck(msg string) Ack { return Ack{Type: "success", Message: msg} }
func ErrorAck(msg string) Ack   { return Ack{Type: "error", Message: msg} }
func InfoAck(msg string) Ack    { return Ack{Type: "info", Message: msg} }

// Decision notifies a device of the admin's verdict on its session request.
type Decision struct {
	Type      string `json:"type"` // "approved" or "rejected"
	SessionID string `json:"sessionId"`
	Message   string `json:"message"`
}

type SessionConfirmed struct {
	Type    string `json:"type"` // "session_confirmed"
	Message string `json:"message"`
}

type SessionEnded struct {
	Type      string `json:"type"` // "session_ended" or "inactive_disconnect"
	SessionID string `json:"sessionId"`
	Reason    string `json:"reason"`
}

type Signal struct {
	Type    string          `json:"type"` // "signal"
	From    string          `json:"from"`
	Payload json.RawMessage `json:"payload"`
}

// ---------------------------------------------------------------------------
// Outbound payloads (gateway -> admin link)

// RequestControl forwards a device's negotiation request upstream. Type is
// "request_control" for control sessions and "request_session_fileshare" for
// fileshare sessions.
type RequestControl struct {
	Type      string `json:"type"`
	SessionID string `json:"sessionId"`
	DeviceID  string `json:"deviceId"`
}

// ControlStatus reports the final outcome of a negotiation upstream.
type ControlStatus struct {
	Type      string `json:"type"` // "control_status"
	From      string `json:"from"`
	SessionID string `json:"sessionId"`
	Status    string `json:"status"` // "connected" or "failed"
}
