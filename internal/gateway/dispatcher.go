package gateway

import (
	"log"
	"time"

	"github.com/cjinn/messenger/internal/protocol"
)

// Handler processes one parsed client message. msg is the concrete struct
// returned by protocol.ParseClientMessage for the registered type.
type Handler func(c *Conn, msg interface{})

// Dispatcher routes parsed client messages to registered handlers by message
// type. The ping keepalive is answered internally; malformed or unsupported
// messages get a structured failure Result.
type Dispatcher struct {
	handlers map[string]Handler
}

// NewDispatcher creates an empty dispatcher.
func NewDispatcher() *Dispatcher {
	return &Dispatcher{handlers: make(map[string]Handler)}
}

// Register associates a handler with a message type, replacing any previous
// registration.
func (d *Dispatcher) Register(msgType string, handler Handler) {
	d.handlers[msgType] = handler
}

// Dispatch is the gateway's onMessage callback. It parses the raw frame,
// answers pings inline, and routes everything else to its handler.
func (d *Dispatcher) Dispatch(c *Conn, data []byte) {
	msgType, msg, err := protocol.ParseClientMessage(data)
	if err != nil {
		log.Printf("[gateway] parse error conn=%s: %v", c.ID, err)
		d.reply(c, protocol.Fail(protocol.CodeInvalidRequest, "invalid message format"))
		return
	}

	if msgType == protocol.TypePing {
		c.LastActive = time.Now()
		d.send(c, protocol.TypePong, protocol.PongMsg{})
		return
	}

	handler, ok := d.handlers[msgType]
	if !ok {
		log.Printf("[gateway] unsupported type=%q conn=%s", msgType, c.ID)
		d.reply(c, protocol.Fail(protocol.CodeInvalidRequest, "unsupported message type"))
		return
	}

	handler(c, msg)
}

// reply sends a Result back on the connection.
func (d *Dispatcher) reply(c *Conn, result protocol.Result) {
	d.send(c, protocol.TypeResult, result)
}

func (d *Dispatcher) send(c *Conn, msgType string, payload interface{}) {
	data, err := protocol.NewServerMessage(msgType, payload)
	if err != nil {
		log.Printf("[gateway] build %s conn=%s: %v", msgType, c.ID, err)
		return
	}
	if err := c.Write(data); err != nil {
		log.Printf("[gateway] send %s conn=%s: %v", msgType, c.ID, err)
	}
}
