// Package protocol defines the WebSocket message types and structures used for
// communication between the client and server. All messages are serialized as
// JSON and follow a consistent envelope format with a type discriminator.
package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
)

// ErrUnknownType is returned by ParseClientMessage for well-formed frames
// whose type is not a recognized client message.
var ErrUnknownType = errors.New("protocol: unknown client message type")

// ---------------------------------------------------------------------------
// Message type constants
// ---------------------------------------------------------------------------

// Client -> Server message types.
const (
	TypeJoin               = "join"
	TypeFindMatch          = "find_match"
	TypeSendMessage        = "send_message"
	TypeTyping             = "typing"
	TypeWebRTCOffer        = "webrtc_offer"
	TypeWebRTCAnswer       = "webrtc_answer"
	TypeWebRTCICECandidate = "webrtc_ice_candidate"
	TypeEndChat            = "end_chat"
	TypeNextStranger       = "next_stranger"
	TypeSessionRecovery    = "get_session_recovery"
	TypeUpdateGender       = "update_gender"
	TypeQueueStatusReq     = "get_queue_status"
	TypeMessageRead        = "message_read"
	TypeHeartbeat          = "heartbeat"
	TypePing               = "ping"
)

// Server -> Client message types.
const (
	TypeUserJoined            = "user_joined"
	TypeWaitingForMatch       = "waiting_for_match"
	TypeMatchFound            = "match_found"
	TypeMessageSent           = "message_sent"
	TypeMessageReceived       = "message_received"
	TypeMessageDelivered      = "message_delivered"
	TypeMessageReadReceipt    = "message_read_receipt"
	TypePartnerTyping         = "partner_typing"
	TypeChatEnded             = "chat_ended"
	TypeSessionRecovered      = "session_recovered"
	TypeSessionRecoveryFailed = "session_recovery_failed"
	TypePartnerReconnected    = "partner_reconnected"
	TypePartnerGenderUpdated  = "partner_gender_updated"
	TypeGenderUpdated         = "gender_updated"
	TypeQueueStatus           = "queue_status"
	TypeHeartbeatAck          = "heartbeat_ack"
	TypeRateLimited           = "rate_limited"
	TypeError                 = "error"
	TypePong                  = "pong"
)

// Error codes carried in ErrorMsg.Code.
const (
	CodeBadFrame            = "bad_frame"
	CodeUnknownType         = "unknown_type"
	CodeEmpty               = "empty"
	CodeTooLong             = "too_long"
	CodeTooLarge            = "too_large"
	CodeInappropriate       = "inappropriate"
	CodeSpamRepetition      = "spam_repetition"
	CodeInvalidGender       = "invalid_gender"
	CodeInvalidChatType     = "invalid_chat_type"
	CodeNoSession           = "no_session"
	CodeNotParticipant      = "not_participant"
	CodeSessionAlreadyEnded = "session_already_ended"
	CodeNotJoined           = "not_joined"
	CodeInternalRetry       = "internal_retry"
)

// ---------------------------------------------------------------------------
// Envelope — used for initial JSON parsing to extract the type discriminator.
// ---------------------------------------------------------------------------

// Envelope holds the message type and the raw JSON payload for deferred
// parsing into a concrete struct.
type Envelope struct {
	Type string          `json:"type"`
	Raw  json.RawMessage `json:"-"`
}

// UnmarshalJSON implements the json.Unmarshaler interface. It captures the
// full raw bytes and extracts only the "type" field so that the rest of the
// payload can be decoded later into the appropriate concrete struct.
func (e *Envelope) UnmarshalJSON(data []byte) error {
	// Capture the full raw message for deferred parsing.
	e.Raw = make(json.RawMessage, len(data))
	copy(e.Raw, data)

	// Extract only the type field.
	var partial struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &partial); err != nil {
		return fmt.Errorf("protocol: failed to unmarshal envelope: %w", err)
	}
	if partial.Type == "" {
		return fmt.Errorf("protocol: missing or empty \"type\" field")
	}
	e.Type = partial.Type
	return nil
}

// ---------------------------------------------------------------------------
// Shared payload fragments
// ---------------------------------------------------------------------------

// Attachment is opaque pass-through metadata describing a file attached to a
// chat message. The server never fetches or re-hosts the URL.
type Attachment struct {
	ID       string `json:"id"`
	Type     string `json:"type"`
	URL      string `json:"url"`
	Filename string `json:"filename"`
	Size     int64  `json:"size"`
	MimeType string `json:"mimeType"`
}

// MessagePayload is the wire representation of a persisted chat message.
type MessagePayload struct {
	ID          string       `json:"id"`
	SessionID   string       `json:"sessionId"`
	SenderID    string       `json:"senderId"`
	Content     string       `json:"content"`
	Attachments []Attachment `json:"attachments,omitempty"`
	HasEmoji    bool         `json:"hasEmoji,omitempty"`
	Timestamp   int64        `json:"timestamp"` // unix milliseconds
}

// ---------------------------------------------------------------------------
// Client -> Server message structs
// ---------------------------------------------------------------------------

// JoinMsg registers a new anonymous user on this connection.
type JoinMsg struct {
	Type      string   `json:"type"`
	Interests []string `json:"interests"`
}

// FindMatchMsg enters the matching pool with the requested parameters.
type FindMatchMsg struct {
	Type      string   `json:"type"`
	ChatType  string   `json:"chatType"`
	Interests []string `json:"interests"`
	Gender    string   `json:"gender"`
}

// SendMessageMsg carries a chat message (text and/or attachments) for relay.
type SendMessageMsg struct {
	Type        string       `json:"type"`
	SessionID   string       `json:"sessionId"`
	Content     string       `json:"content"`
	Attachments []Attachment `json:"attachments"`
	HasEmoji    bool         `json:"hasEmoji"`
}

// TypingMsg indicates whether the client is currently typing.
type TypingMsg struct {
	Type      string `json:"type"`
	SessionID string `json:"sessionId"`
	IsTyping  bool   `json:"isTyping"`
}

// SignalMsg is a WebRTC signaling frame (offer, answer, or ICE candidate).
// Only the session id is decoded; the payload is forwarded verbatim to the
// partner with a fromUserId field injected. Raw holds the original frame
// bytes for that forwarding.
type SignalMsg struct {
	Type      string          `json:"type"`
	SessionID string          `json:"sessionId"`
	Raw       json.RawMessage `json:"-"`
}

// EndChatMsg ends an active chat session.
type EndChatMsg struct {
	Type      string `json:"type"`
	SessionID string `json:"sessionId"`
}

// NextStrangerMsg ends the current session and immediately re-enters matching.
type NextStrangerMsg struct {
	Type      string   `json:"type"`
	SessionID string   `json:"sessionId"`
	ChatType  string   `json:"chatType"`
	Interests []string `json:"interests"`
	Gender    string   `json:"gender"`
}

// SessionRecoveryMsg probes whether an in-progress session can be reattached
// after a brief disconnect.
type SessionRecoveryMsg struct {
	Type      string `json:"type"`
	SessionID string `json:"sessionId"`
}

// UpdateGenderMsg changes the user's declared gender. If the user is in a
// session, the partner is notified.
type UpdateGenderMsg struct {
	Type      string `json:"type"`
	Gender    string `json:"gender"`
	SessionID string `json:"sessionId"`
}

// QueueStatusReqMsg asks for the caller's current position in the waiting pool.
type QueueStatusReqMsg struct {
	Type      string   `json:"type"`
	ChatType  string   `json:"chatType"`
	Interests []string `json:"interests"`
}

// MessageReadMsg reports that the client has read a message.
type MessageReadMsg struct {
	Type      string `json:"type"`
	SessionID string `json:"sessionId"`
	MessageID string `json:"messageId"`
}

// HeartbeatMsg is an application-level keepalive that refreshes lastSeen.
type HeartbeatMsg struct {
	Type      string `json:"type"`
	Timestamp int64  `json:"timestamp"`
}

// PingMsg is a client-initiated keepalive ping.
type PingMsg struct {
	Type string `json:"type"`
}

// ---------------------------------------------------------------------------
// Server -> Client message structs
// ---------------------------------------------------------------------------

// UserJoinedMsg confirms registration and carries the assigned user id.
type UserJoinedMsg struct {
	UserID string `json:"userId"`
}

// WaitingForMatchMsg is sent when no compatible partner is available yet.
type WaitingForMatchMsg struct {
	QueuePosition     int    `json:"queuePosition"`
	EstimatedWaitTime int    `json:"estimatedWaitTime"` // seconds
	ChatType          string `json:"chatType"`
}

// MatchFoundMsg is sent to both participants when a pairing is made.
type MatchFoundMsg struct {
	SessionID       string   `json:"sessionId"`
	PartnerID       string   `json:"partnerId"`
	ChatType        string   `json:"chatType"`
	SharedInterests []string `json:"sharedInterests"`
	MatchQuality    string   `json:"matchQuality"` // high | medium | random
}

// MessageSentMsg acknowledges a persisted message to its sender. Status is
// "delivered" when the partner connection accepted the frame, "sent" when the
// partner was offline.
type MessageSentMsg struct {
	Message MessagePayload `json:"message"`
	Status  string         `json:"status"`
}

// MessageReceivedMsg delivers a partner's message.
type MessageReceivedMsg struct {
	Message  MessagePayload `json:"message"`
	SenderID string         `json:"senderId"`
}

// MessageDeliveredMsg notifies the sender that the partner connection accepted
// the relayed message frame.
type MessageDeliveredMsg struct {
	MessageID string `json:"messageId"`
	SessionID string `json:"sessionId"`
	Timestamp int64  `json:"timestamp"`
}

// MessageReadReceiptMsg relays a read receipt to the message sender.
type MessageReadReceiptMsg struct {
	MessageID string `json:"messageId"`
	Timestamp int64  `json:"timestamp"`
}

// PartnerTypingMsg relays the partner's typing indicator.
type PartnerTypingMsg struct {
	IsTyping bool `json:"isTyping"`
}

// ChatEndedMsg notifies a participant that the session has ended.
type ChatEndedMsg struct {
	SessionID string `json:"sessionId"`
	Reason    string `json:"reason,omitempty"`
}

// SessionRecoveredMsg confirms successful reattachment to a live session.
type SessionRecoveredMsg struct {
	SessionID string `json:"sessionId"`
	PartnerID string `json:"partnerId"`
	ChatType  string `json:"chatType"`
}

// SessionRecoveryFailedMsg reports why a recovery probe was rejected.
type SessionRecoveryFailedMsg struct {
	Reason string `json:"reason"`
}

// PartnerReconnectedMsg tells the remaining participant their partner is back.
type PartnerReconnectedMsg struct {
	PartnerID string `json:"partnerId"`
}

// GenderUpdatedMsg confirms a gender change to its author.
type GenderUpdatedMsg struct {
	Gender string `json:"gender"`
}

// PartnerGenderUpdatedMsg notifies the partner about a gender change.
type PartnerGenderUpdatedMsg struct {
	Gender string `json:"gender"`
}

// QueueStatusMsg is the periodic (and on-demand) waiting pool status update.
type QueueStatusMsg struct {
	Position          int    `json:"position"`
	TotalWaiting      int    `json:"totalWaiting"`
	EstimatedWaitTime int    `json:"estimatedWaitTime"` // seconds
	ChatType          string `json:"chatType"`
}

// HeartbeatAckMsg echoes the client heartbeat.
type HeartbeatAckMsg struct {
	Timestamp int64 `json:"timestamp"`
}

// RateLimitedMsg is sent when the client exceeded a per-connection rate rule.
type RateLimitedMsg struct {
	RetryAfter int `json:"retryAfter"` // seconds
}

// ErrorMsg communicates an error condition. The connection stays open.
type ErrorMsg struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// PongMsg is the server's response to a client ping.
type PongMsg struct{}

// ---------------------------------------------------------------------------
// Helper functions
// ---------------------------------------------------------------------------

// ParseClientMessage parses raw WebSocket bytes into a typed client message.
// It returns the message type string, the decoded struct, and any error
// encountered during parsing. An error is returned for unknown or
// server-only message types.
func ParseClientMessage(data []byte) (string, interface{}, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return "", nil, fmt.Errorf("protocol: failed to parse message: %w", err)
	}

	var (
		msg interface{}
		err error
	)

	switch env.Type {
	case TypeJoin:
		var m JoinMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypeFindMatch:
		var m FindMatchMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypeSendMessage:
		var m SendMessageMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypeTyping:
		var m TypingMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypeWebRTCOffer, TypeWebRTCAnswer, TypeWebRTCICECandidate:
		var m SignalMsg
		err = json.Unmarshal(env.Raw, &m)
		m.Raw = env.Raw
		msg = m
	case TypeEndChat:
		var m EndChatMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypeNextStranger:
		var m NextStrangerMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypeSessionRecovery:
		var m SessionRecoveryMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypeUpdateGender:
		var m UpdateGenderMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypeQueueStatusReq:
		var m QueueStatusReqMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypeMessageRead:
		var m MessageReadMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypeHeartbeat:
		var m HeartbeatMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypePing:
		var m PingMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	default:
		return env.Type, nil, fmt.Errorf("%w: %q", ErrUnknownType, env.Type)
	}

	if err != nil {
		return env.Type, nil, fmt.Errorf("protocol: failed to decode %q payload: %w", env.Type, err)
	}
	return env.Type, msg, nil
}

// NewServerMessage creates a JSON-encoded byte slice for a server message.
// The msgType is injected into the payload under the "type" key. The payload
// should be one of the server message structs; this function marshals it to
// JSON, injects the type field, and returns the final bytes.
func NewServerMessage(msgType string, payload interface{}) ([]byte, error) {
	// Marshal the payload struct to a generic map so we can ensure the "type"
	// field is present and correct.
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("protocol: failed to marshal payload: %w", err)
	}

	var m map[string]interface{}
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, fmt.Errorf("protocol: failed to unmarshal payload into map: %w", err)
	}

	m["type"] = msgType

	out, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("protocol: failed to marshal server message: %w", err)
	}
	return out, nil
}

// ForwardSignal re-encodes a client WebRTC signaling frame for delivery to the
// partner, injecting the sender's user id as fromUserId. Everything else in
// the frame is preserved untouched; the server does not interpret SDP or ICE
// payloads.
func ForwardSignal(raw json.RawMessage, fromUserID string) ([]byte, error) {
	var m map[string]interface{}
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, fmt.Errorf("protocol: failed to decode signaling frame: %w", err)
	}
	m["fromUserId"] = fromUserID
	out, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("protocol: failed to re-encode signaling frame: %w", err)
	}
	return out, nil
}
