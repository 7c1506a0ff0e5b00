package ws

import (
	"errors"
	"log"

	"github.com/driftchat/server/internal/protocol"
	"github.com/driftchat/server/internal/registry"
)

// MessageHandler handles one parsed client message. msg is the concrete
// struct returned by protocol.ParseClientMessage for the registered type.
type MessageHandler func(conn *registry.Conn, msg interface{})

// Dispatcher routes incoming frames to registered handlers by message type.
// The built-in ping/pong keepalive is answered without registration, and
// malformed or unregistered frames get structured error responses; the
// connection stays open in both cases.
type Dispatcher struct {
	handlers map[string]MessageHandler
}

// NewDispatcher creates an empty Dispatcher.
func NewDispatcher() *Dispatcher {
	return &Dispatcher{handlers: make(map[string]MessageHandler)}
}

// Register associates a handler with a message type, replacing any previous
// registration.
func (d *Dispatcher) Register(msgType string, handler MessageHandler) {
	d.handlers[msgType] = handler
}

// Dispatch is the Server's onMessage callback. It parses the raw bytes,
// answers ping internally, and routes everything else.
func (d *Dispatcher) Dispatch(conn *registry.Conn, data []byte) {
	msgType, msg, err := protocol.ParseClientMessage(data)
	if err != nil {
		if errors.Is(err, protocol.ErrUnknownType) {
			log.Printf("ws: unknown message type=%q conn=%s", msgType, conn.ID)
			d.sendError(conn, protocol.CodeUnknownType, "unsupported message type")
			return
		}
		log.Printf("ws: parse error conn=%s: %v", conn.ID, err)
		d.sendError(conn, protocol.CodeBadFrame, "invalid message format")
		return
	}

	if msgType == protocol.TypePing {
		d.sendPong(conn)
		return
	}

	handler, ok := d.handlers[msgType]
	if !ok {
		log.Printf("ws: no handler for type=%q conn=%s", msgType, conn.ID)
		d.sendError(conn, protocol.CodeUnknownType, "unsupported message type")
		return
	}

	handler(conn, msg)
}

func (d *Dispatcher) sendError(conn *registry.Conn, code, message string) {
	data, err := protocol.NewServerMessage(protocol.TypeError, protocol.ErrorMsg{
		Code:    code,
		Message: message,
	})
	if err != nil {
		log.Printf("ws: build error frame conn=%s: %v", conn.ID, err)
		return
	}
	conn.Enqueue(data)
}

func (d *Dispatcher) sendPong(conn *registry.Conn) {
	conn.Touch()
	data, err := protocol.NewServerMessage(protocol.TypePong, protocol.PongMsg{})
	if err != nil {
		log.Printf("ws: build pong frame conn=%s: %v", conn.ID, err)
		return
	}
	conn.Enqueue(data)
}
