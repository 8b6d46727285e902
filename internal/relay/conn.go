package relay

import (
	"errors"
	"sync/atomic"

	"github.com/google/uuid"

	"github.com/antoniostano/voicewidget/internal/protocol"
)

// ErrConnClosed is returned by transports once the connection is gone.
var ErrConnClosed = errors.New("connection closed")

// Transport is the write side of one duplex client connection. Send and Ping
// must be safe to call from any goroutine.
type Transport interface {
	Send(msg protocol.ServerMessage) error
	Ping() error
	Close() error
}

// TextFrame and BinaryFrame are the inbound frame kinds fed to RunConnection.
type (
	TextFrame   []byte
	BinaryFrame []byte
)

// State is the per-connection lifecycle position.
type State int

const (
	StateNew State = iota
	StateProvisioning
	StateActive
	StateClosing
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateNew:
		return "new"
	case StateProvisioning:
		return "provisioning"
	case StateActive:
		return "active"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Conn is a live client connection known to the relay.
type Conn struct {
	id        string
	transport Transport
	alive     atomic.Bool
	state     atomic.Int32
}

func newConn(t Transport) *Conn {
	c := &Conn{id: uuid.NewString(), transport: t}
	c.alive.Store(true)
	return c
}

func (c *Conn) ID() string { return c.id }

// MarkAlive records a liveness signal, normally a pong.
func (c *Conn) MarkAlive() { c.alive.Store(true) }

// State is safe to read from outside the connection's event loop.
func (c *Conn) State() State { return State(c.state.Load()) }

func (c *Conn) setState(s State) { c.state.Store(int32(s)) }
