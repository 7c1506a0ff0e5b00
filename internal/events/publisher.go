// Package events publishes chat lifecycle events over NATS so external
// consumers (analytics, audit pipelines) can observe the service without
// touching its hot path. Publishing is optional: a nil Publisher is valid
// and drops every event.
package events

import (
	"encoding/json"
	"fmt"
	"log"
	"time"

	"github.com/nats-io/nats.go"
)

// NATS subjects for lifecycle events.
const (
	SubjectUserJoined   = "user.joined"
	SubjectMatchCreated = "match.created"
	SubjectChatMessage  = "chat.message"
	SubjectSessionEnded = "session.ended"
)

// UserJoined is published when a user registers.
type UserJoined struct {
	UserID    string   `json:"user_id"`
	Interests []string `json:"interests"`
	Ts        int64    `json:"ts"`
}

// MatchCreated is published when a pairing is made.
type MatchCreated struct {
	SessionID       string   `json:"session_id"`
	User1ID         string   `json:"user1_id"`
	User2ID         string   `json:"user2_id"`
	ChatType        string   `json:"chat_type"`
	SharedInterests []string `json:"shared_interests"`
	Quality         string   `json:"quality"`
	Ts              int64    `json:"ts"`
}

// ChatMessage is published per relayed message. Content is never included;
// only metadata leaves the process.
type ChatMessage struct {
	SessionID string `json:"session_id"`
	Delivered bool   `json:"delivered"`
	Ts        int64  `json:"ts"`
}

// SessionEnded is published when a session ends.
type SessionEnded struct {
	SessionID string `json:"session_id"`
	Cause     string `json:"cause"`
	Ts        int64  `json:"ts"`
}

// Publisher wraps a NATS connection for event publishing.
type Publisher struct {
	conn *nats.Conn
}

// Connect dials NATS at url and returns a Publisher. Reconnects are handled
// by the client with infinite retries.
func Connect(url, name string) (*Publisher, error) {
	opts := []nats.Option{
		nats.Name(name),
		nats.ReconnectWait(2 * time.Second),
		nats.MaxReconnects(-1),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				log.Printf("[nats] disconnected: %v", err)
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Printf("[nats] reconnected to %s", nc.ConnectedUrl())
		}),
	}

	nc, err := nats.Connect(url, opts...)
	if err != nil {
		return nil, fmt.Errorf("nats connect: %w", err)
	}
	log.Printf("[nats] connected to %s", nc.ConnectedUrl())
	return &Publisher{conn: nc}, nil
}

// publish marshals payload and publishes it. Failures are logged, never
// surfaced: events are best-effort.
func (p *Publisher) publish(subject string, payload interface{}) {
	if p == nil || p.conn == nil {
		return
	}
	data, err := json.Marshal(payload)
	if err != nil {
		log.Printf("[nats] marshal %s: %v", subject, err)
		return
	}
	if err := p.conn.Publish(subject, data); err != nil {
		log.Printf("[nats] publish %s: %v", subject, err)
	}
}

// PublishUserJoined emits a user.joined event.
func (p *Publisher) PublishUserJoined(userID string, interests []string) {
	p.publish(SubjectUserJoined, UserJoined{
		UserID:    userID,
		Interests: interests,
		Ts:        time.Now().UnixMilli(),
	})
}

// PublishMatchCreated emits a match.created event.
func (p *Publisher) PublishMatchCreated(e MatchCreated) {
	e.Ts = time.Now().UnixMilli()
	p.publish(SubjectMatchCreated, e)
}

// PublishChatMessage emits a chat.message event.
func (p *Publisher) PublishChatMessage(sessionID string, delivered bool) {
	p.publish(SubjectChatMessage, ChatMessage{
		SessionID: sessionID,
		Delivered: delivered,
		Ts:        time.Now().UnixMilli(),
	})
}

// PublishSessionEnded emits a session.ended event.
func (p *Publisher) PublishSessionEnded(sessionID, cause string) {
	p.publish(SubjectSessionEnded, SessionEnded{
		SessionID: sessionID,
		Cause:     cause,
		Ts:        time.Now().UnixMilli(),
	})
}

// Close drains the connection. Safe on a nil Publisher.
func (p *Publisher) Close() {
	if p == nil || p.conn == nil {
		return
	}
	if err := p.conn.Drain(); err != nil {
		log.Printf("[nats] connection drain: %v", err)
	}
	log.Printf("[nats] publisher closed")
}
