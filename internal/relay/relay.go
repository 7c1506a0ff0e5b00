// Package relay forwards traffic between the two participants of a chat
// session: chat messages (validated and persisted), typing indicators, read
// receipts, WebRTC signaling frames, and gender updates. The server never
// interprets signaling payloads; it injects the sender identity and passes
// them through.
package relay

import (
	"context"
	"log"
	"math"
	"time"

	"github.com/google/uuid"

	"github.com/driftchat/server/internal/admission"
	"github.com/driftchat/server/internal/moderation"
	"github.com/driftchat/server/internal/protocol"
	"github.com/driftchat/server/internal/store"
)

// Sender delivers an encoded frame to the connection bound to a user ID.
type Sender interface {
	Send(userID string, data []byte) bool
}

// Observer receives relay events for the stats surface.
type Observer interface {
	MessageRelayed(sess *store.ChatSession, delivered bool)
	MessageBlocked()
}

// Relay validates and forwards in-session traffic.
type Relay struct {
	store    store.Store
	sender   Sender
	limiter  *admission.Limiter
	observer Observer
}

// New creates a Relay. observer may be nil.
func New(st store.Store, sender Sender, limiter *admission.Limiter, observer Observer) *Relay {
	return &Relay{store: st, sender: sender, limiter: limiter, observer: observer}
}

// SendMessage runs the full message pipeline: rate limit, session
// resolution, content validation, persistence, and delivery. The sender
// always gets an ack or a typed error; the connection never closes over bad
// content.
func (r *Relay) SendMessage(ctx context.Context, userID string, msg protocol.SendMessageMsg) {
	if ok, retryAfter := r.limiter.Allow(userID, admission.RuleMessage); !ok {
		r.send(userID, protocol.TypeRateLimited, protocol.RateLimitedMsg{
			RetryAfter: int(math.Ceil(retryAfter.Seconds())),
		})
		return
	}

	sess, partnerID, code := r.resolveSession(ctx, userID, msg.SessionID)
	if code != "" {
		r.sendError(userID, code, sessionErrorText(code))
		return
	}

	content := moderation.Sanitize(msg.Content)
	if content == "" && len(msg.Attachments) == 0 {
		r.sendError(userID, protocol.CodeEmpty, "message has no content")
		return
	}
	if res := moderation.Check(content); res.Blocked {
		if r.observer != nil {
			r.observer.MessageBlocked()
		}
		r.sendError(userID, res.Reason, "message rejected")
		return
	}

	now := time.Now()
	stored := &store.Message{
		ID:          uuid.New().String(),
		SessionID:   sess.ID,
		SenderID:    userID,
		Content:     content,
		Attachments: toStoreAttachments(msg.Attachments),
		HasEmoji:    msg.HasEmoji,
		Timestamp:   now,
	}
	if err := r.store.CreateMessage(ctx, stored); err != nil {
		log.Printf("relay: persist message session=%s: %v", sess.ID, err)
		r.sendError(userID, protocol.CodeInternalRetry, "please retry")
		return
	}

	payload := toWireMessage(stored)

	// Deliver to the partner first so the sender's ack reflects reality.
	delivered := false
	if frame, err := protocol.NewServerMessage(protocol.TypeMessageReceived, protocol.MessageReceivedMsg{
		Message:  payload,
		SenderID: userID,
	}); err != nil {
		log.Printf("relay: build message_received: %v", err)
	} else {
		delivered = r.sender.Send(partnerID, frame)
	}

	status := "sent"
	if delivered {
		status = "delivered"
	}
	r.send(userID, protocol.TypeMessageSent, protocol.MessageSentMsg{
		Message: payload,
		Status:  status,
	})
	if delivered {
		r.send(userID, protocol.TypeMessageDelivered, protocol.MessageDeliveredMsg{
			MessageID: stored.ID,
			SessionID: sess.ID,
			Timestamp: now.UnixMilli(),
		})
	}

	if r.observer != nil {
		r.observer.MessageRelayed(sess, delivered)
	}
}

// Typing forwards a typing indicator to the partner.
func (r *Relay) Typing(ctx context.Context, userID string, msg protocol.TypingMsg) {
	_, partnerID, code := r.resolveSession(ctx, userID, msg.SessionID)
	if code != "" {
		r.sendError(userID, code, sessionErrorText(code))
		return
	}
	r.send(partnerID, protocol.TypePartnerTyping, protocol.PartnerTypingMsg{IsTyping: msg.IsTyping})
}

// MessageRead relays a read receipt to the partner.
func (r *Relay) MessageRead(ctx context.Context, userID string, msg protocol.MessageReadMsg) {
	_, partnerID, code := r.resolveSession(ctx, userID, msg.SessionID)
	if code != "" {
		r.sendError(userID, code, sessionErrorText(code))
		return
	}
	r.send(partnerID, protocol.TypeMessageReadReceipt, protocol.MessageReadReceiptMsg{
		MessageID: msg.MessageID,
		Timestamp: time.Now().UnixMilli(),
	})
}

// ForwardSignal passes a WebRTC signaling frame (offer, answer, or ICE
// candidate) to the partner verbatim, with the sender's user id injected.
func (r *Relay) ForwardSignal(ctx context.Context, userID string, msg protocol.SignalMsg) {
	_, partnerID, code := r.resolveSession(ctx, userID, msg.SessionID)
	if code != "" {
		r.sendError(userID, code, sessionErrorText(code))
		return
	}

	frame, err := protocol.ForwardSignal(msg.Raw, userID)
	if err != nil {
		log.Printf("relay: forward signal session=%s: %v", msg.SessionID, err)
		r.sendError(userID, protocol.CodeBadFrame, "malformed signaling frame")
		return
	}
	r.sender.Send(partnerID, frame)
}

// UpdateGender changes the user's declared gender and, when a live session
// is named, notifies the partner.
func (r *Relay) UpdateGender(ctx context.Context, userID string, msg protocol.UpdateGenderMsg) {
	gender := store.Gender(msg.Gender)
	if !store.ValidGender(gender) {
		r.sendError(userID, protocol.CodeInvalidGender, "unrecognized gender value")
		return
	}

	if _, err := r.store.UpdateOnlineUser(ctx, userID, store.UserPatch{Gender: &gender}); err != nil {
		log.Printf("relay: update gender %s: %v", userID, err)
		r.sendError(userID, protocol.CodeInternalRetry, "please retry")
		return
	}
	r.send(userID, protocol.TypeGenderUpdated, protocol.GenderUpdatedMsg{Gender: string(gender)})

	if msg.SessionID == "" {
		return
	}
	if _, partnerID, code := r.resolveSession(ctx, userID, msg.SessionID); code == "" {
		r.send(partnerID, protocol.TypePartnerGenderUpdated, protocol.PartnerGenderUpdatedMsg{Gender: string(gender)})
	}
}

// resolveSession fetches the session and checks that userID is one of its
// live participants. On failure it returns the protocol error code.
func (r *Relay) resolveSession(ctx context.Context, userID, sessionID string) (*store.ChatSession, string, string) {
	if sessionID == "" {
		return nil, "", protocol.CodeNoSession
	}
	sess, err := r.store.GetChatSession(ctx, sessionID)
	if err != nil {
		return nil, "", protocol.CodeNoSession
	}
	if !sess.IsParticipant(userID) {
		return nil, "", protocol.CodeNotParticipant
	}
	if sess.Status != store.SessionConnected {
		return nil, "", protocol.CodeSessionAlreadyEnded
	}
	return sess, sess.Partner(userID), ""
}

func sessionErrorText(code string) string {
	switch code {
	case protocol.CodeNoSession:
		return "session not found"
	case protocol.CodeNotParticipant:
		return "not a participant of this session"
	case protocol.CodeSessionAlreadyEnded:
		return "session has ended"
	default:
		return "session error"
	}
}

func toStoreAttachments(in []protocol.Attachment) []store.Attachment {
	if len(in) == 0 {
		return nil
	}
	out := make([]store.Attachment, len(in))
	for i, a := range in {
		out[i] = store.Attachment{
			ID:       a.ID,
			Type:     a.Type,
			URL:      a.URL,
			Filename: a.Filename,
			Size:     a.Size,
			MimeType: a.MimeType,
		}
	}
	return out
}

func toWireAttachments(in []store.Attachment) []protocol.Attachment {
	if len(in) == 0 {
		return nil
	}
	out := make([]protocol.Attachment, len(in))
	for i, a := range in {
		out[i] = protocol.Attachment{
			ID:       a.ID,
			Type:     a.Type,
			URL:      a.URL,
			Filename: a.Filename,
			Size:     a.Size,
			MimeType: a.MimeType,
		}
	}
	return out
}

func toWireMessage(m *store.Message) protocol.MessagePayload {
	return protocol.MessagePayload{
		ID:          m.ID,
		SessionID:   m.SessionID,
		SenderID:    m.SenderID,
		Content:     m.Content,
		Attachments: toWireAttachments(m.Attachments),
		HasEmoji:    m.HasEmoji,
		Timestamp:   m.Timestamp.UnixMilli(),
	}
}

func (r *Relay) send(userID, msgType string, payload interface{}) {
	data, err := protocol.NewServerMessage(msgType, payload)
	if err != nil {
		log.Printf("relay: build %s frame: %v", msgType, err)
		return
	}
	r.sender.Send(userID, data)
}

func (r *Relay) sendError(userID, code, message string) {
	r.send(userID, protocol.TypeError, protocol.ErrorMsg{Code: code, Message: message})
}
