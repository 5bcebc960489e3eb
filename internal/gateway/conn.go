package gateway

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"treehub/internal/model"
)

// State is a connection's lifecycle position.
type State int32

const (
	StateConnecting State = iota
	StateAuthenticating
	StateActive
	StateClosing
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateAuthenticating:
		return "authenticating"
	case StateActive:
		return "active"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	}
	return "unknown"
}

// Conn is one authenticated client connection. It is the Room Router's
// subscriber: frames are queued by Deliver and written by the write pump.
type Conn struct {
	id        string
	identity  model.Identity
	ws        *websocket.Conn
	send      chan []byte
	ctx       context.Context
	cancel    context.CancelFunc
	createdAt time.Time
	state     atomic.Int32
	closeOnce sync.Once
	log       *zap.Logger
}

func newConn(parent context.Context, ws *websocket.Conn, queueSize int, log *zap.Logger) *Conn {
	ctx, cancel := context.WithCancel(parent)
	id := model.NewID()
	return &Conn{
		id:        id,
		ws:        ws,
		send:      make(chan []byte, queueSize),
		ctx:       ctx,
		cancel:    cancel,
		createdAt: time.Now(),
		log:       log.With(zap.String("conn_id", id)),
	}
}

// ID returns the connection id.
func (c *Conn) ID() string { return c.id }

// Identity returns the authenticated user.
func (c *Conn) Identity() model.Identity { return c.identity }

// UserID returns the authenticated user's id.
func (c *Conn) UserID() string { return c.identity.ID }

// State returns the current lifecycle state.
func (c *Conn) State() State { return State(c.state.Load()) }

func (c *Conn) setState(s State) { c.state.Store(int32(s)) }

// Deliver queues frame without blocking. A full queue means the client
// cannot keep up; the connection is cancelled and torn down.
func (c *Conn) Deliver(frame []byte) bool {
	select {
	case <-c.ctx.Done():
		return false
	default:
	}
	select {
	case c.send <- frame:
		return true
	default:
		c.log.Warn("send queue full, closing connection", zap.Int("queue", cap(c.send)))
		c.cancel()
		return false
	}
}
