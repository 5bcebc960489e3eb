// Package gateway accepts websocket connections, authenticates them at
// handshake time and shuttles frames between clients and the core.
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"treehub/internal/auth"
	"treehub/internal/broadcast"
	"treehub/internal/model"
	"treehub/internal/protocol"
	"treehub/internal/room"
)

const (
	defaultSendQueueSize = 256
	defaultReadLimit     = 64 << 10
	defaultPongWait      = 60 * time.Second
	defaultWriteWait     = 10 * time.Second
)

// Verifier resolves a handshake credential to an identity.
type Verifier interface {
	Verify(ctx context.Context, credential string) (model.Identity, error)
}

// Presence tracks which users are connected.
type Presence interface {
	Register(connID string, identity model.Identity) bool
	Deregister(connID string) (string, bool)
}

// Router is the subset of the Room Router the gateway drives.
type Router interface {
	Subscribe(sub room.Subscriber, channel model.ChannelID) bool
	Unsubscribe(connID string, channel model.ChannelID) bool
	Disconnect(connID string) []model.ChannelID
	Publish(channel model.ChannelID, frame []byte, exclude string) int
}

// Mutator applies mutations and answers tree read checks.
type Mutator interface {
	Apply(ctx context.Context, treeID string, editor model.Identity, origin string, op broadcast.Op) (*broadcast.Applied, error)
	CanRead(ctx context.Context, treeID, userID string) (bool, error)
}

// Observer receives connection lifecycle events for metrics.
type Observer interface {
	ConnectionOpened()
	ConnectionClosed()
	ConnectionRefused(reason string)
}

type nopObserver struct{}

func (nopObserver) ConnectionOpened()        {}
func (nopObserver) ConnectionClosed()        {}
func (nopObserver) ConnectionRefused(string) {}

// Options tunes per-connection resources.
type Options struct {
	SendQueueSize int
	ReadLimit     int64
	PongWait      time.Duration
	WriteWait     time.Duration
	Observer      Observer
}

// Gateway is the http.Handler behind GET /ws.
type Gateway struct {
	verifier Verifier
	presence Presence
	router   Router
	mutator  Mutator
	log      *zap.Logger
	observer Observer
	upgrader websocket.Upgrader

	queueSize  int
	readLimit  int64
	pongWait   time.Duration
	pingPeriod time.Duration
	writeWait  time.Duration

	ctx    context.Context
	cancel context.CancelFunc

	mu    sync.Mutex
	conns map[string]*Conn
	wg    sync.WaitGroup
}

// New builds a gateway.
func New(verifier Verifier, presence Presence, router Router, mutator Mutator, log *zap.Logger, opts Options) *Gateway {
	if log == nil {
		log = zap.NewNop()
	}
	if opts.SendQueueSize <= 0 {
		opts.SendQueueSize = defaultSendQueueSize
	}
	if opts.ReadLimit <= 0 {
		opts.ReadLimit = defaultReadLimit
	}
	if opts.PongWait <= 0 {
		opts.PongWait = defaultPongWait
	}
	if opts.WriteWait <= 0 {
		opts.WriteWait = defaultWriteWait
	}
	if opts.Observer == nil {
		opts.Observer = nopObserver{}
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Gateway{
		verifier: verifier,
		presence: presence,
		router:   router,
		mutator:  mutator,
		log:      log,
		observer: opts.Observer,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		queueSize:  opts.SendQueueSize,
		readLimit:  opts.ReadLimit,
		pongWait:   opts.PongWait,
		pingPeriod: opts.PongWait * 9 / 10,
		writeWait:  opts.WriteWait,
		ctx:        ctx,
		cancel:     cancel,
		conns:      make(map[string]*Conn),
	}
}

// ServeHTTP upgrades the request and runs the handshake. The credential is
// read from the request; nothing in-band is accepted before it verifies.
func (g *Gateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	credential := auth.BearerToken(r)
	treeIDs := r.URL.Query()["tree"]

	ws, err := g.upgrader.Upgrade(w, r, nil)
	if err != nil {
		g.log.Warn("websocket upgrade failed", zap.Error(err))
		return
	}

	conn := newConn(g.ctx, ws, g.queueSize, g.log)
	conn.setState(StateAuthenticating)

	identity, err := g.verifier.Verify(conn.ctx, credential)
	if err != nil {
		g.refuse(conn, auth.Reason(err), err)
		return
	}
	conn.identity = identity
	g.activate(conn, treeIDs)
}

func (g *Gateway) refuse(conn *Conn, reason string, cause error) {
	defer conn.cancel()
	g.observer.ConnectionRefused(reason)
	conn.log.Info("connection refused", zap.String("reason", reason), zap.Error(cause))

	deadline := time.Now().Add(g.writeWait)
	if frame, err := protocol.Encode(protocol.TypeRefused, protocol.Refused{Reason: reason}); err == nil {
		_ = conn.ws.SetWriteDeadline(deadline)
		_ = conn.ws.WriteMessage(websocket.TextMessage, frame)
	}
	_ = conn.ws.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.ClosePolicyViolation, reason), deadline)
	_ = conn.ws.Close()
	conn.setState(StateClosed)
}

func (g *Gateway) activate(conn *Conn, treeIDs []string) {
	identity := conn.identity
	channels := []model.ChannelID{model.UserChannel(identity.ID)}
	seen := make(map[string]struct{}, len(treeIDs))
	for _, treeID := range treeIDs {
		if _, dup := seen[treeID]; dup || treeID == "" {
			continue
		}
		seen[treeID] = struct{}{}
		ok, err := g.mutator.CanRead(conn.ctx, treeID, identity.ID)
		if err != nil {
			conn.log.Warn("tree access check failed", zap.String("tree_id", treeID), zap.Error(err))
			continue
		}
		if !ok {
			conn.log.Debug("skipping unreadable tree", zap.String("tree_id", treeID))
			continue
		}
		channels = append(channels, model.TreeChannel(treeID))
	}

	g.mu.Lock()
	g.conns[conn.id] = conn
	g.mu.Unlock()
	g.wg.Add(1)
	conn.setState(StateActive)
	g.observer.ConnectionOpened()

	// queued before any subscription so it is always the first frame
	g.push(conn, protocol.TypeAuthenticated, protocol.Authenticated{
		ConnectionID:   conn.id,
		UserID:         identity.ID,
		ActiveChannels: channels,
	})

	becameOnline := g.presence.Register(conn.id, identity)
	for _, ch := range channels {
		g.subscribe(conn, ch)
	}
	if becameOnline {
		g.announcePresence(conn.id, identity, channels, true)
	}
	conn.log.Info("connection active",
		zap.String("user_id", identity.ID),
		zap.Int("channels", len(channels)))

	go g.writePump(conn)
	go g.readPump(conn)
}

func (g *Gateway) announcePresence(connID string, identity model.Identity, channels []model.ChannelID, online bool) {
	status := "offline"
	if online {
		status = "online"
	}
	frame, err := protocol.Encode(protocol.TypePresence, protocol.PresenceEvent{
		UserID: identity.ID,
		Name:   identity.Name,
		Status: status,
	})
	if err != nil {
		return
	}
	for _, ch := range channels {
		if _, ok := ch.TreeID(); ok {
			g.router.Publish(ch, frame, connID)
		}
	}
}

// push encodes and queues a frame for a single connection.
func (g *Gateway) push(conn *Conn, frameType string, data interface{}) {
	frame, err := protocol.Encode(frameType, data)
	if err != nil {
		conn.log.Error("encode frame", zap.String("type", frameType), zap.Error(err))
		return
	}
	conn.Deliver(frame)
}

func (g *Gateway) readPump(conn *Conn) {
	defer g.close(conn)

	conn.ws.SetReadLimit(g.readLimit)
	_ = conn.ws.SetReadDeadline(time.Now().Add(g.pongWait))
	conn.ws.SetPongHandler(func(string) error {
		return conn.ws.SetReadDeadline(time.Now().Add(g.pongWait))
	})

	for {
		_, raw, err := conn.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				conn.log.Debug("read failed", zap.Error(err))
			}
			return
		}
		_ = conn.ws.SetReadDeadline(time.Now().Add(g.pongWait))
		g.handleFrame(conn, raw)
		if conn.ctx.Err() != nil {
			return
		}
	}
}

func (g *Gateway) writePump(conn *Conn) {
	ticker := time.NewTicker(g.pingPeriod)
	defer func() {
		ticker.Stop()
		g.close(conn)
	}()

	for {
		select {
		case <-conn.ctx.Done():
			_ = conn.ws.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseGoingAway, ""), time.Now().Add(g.writeWait))
			return
		case frame := <-conn.send:
			_ = conn.ws.SetWriteDeadline(time.Now().Add(g.writeWait))
			if err := conn.ws.WriteMessage(websocket.TextMessage, frame); err != nil {
				conn.log.Debug("write failed", zap.Error(err))
				return
			}
		case <-ticker.C:
			_ = conn.ws.SetWriteDeadline(time.Now().Add(g.writeWait))
			if err := conn.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (g *Gateway) handleFrame(conn *Conn, raw []byte) {
	frame, err := protocol.Decode(raw)
	if err != nil {
		g.reject(conn, "", broadcast.CodeInvalid, "malformed frame")
		return
	}

	switch frame.Type {
	case protocol.TypeMutation:
		var req protocol.MutationRequest
		if err := json.Unmarshal(frame.Data, &req); err != nil {
			g.reject(conn, "", broadcast.CodeInvalid, "malformed mutation")
			return
		}
		g.handleMutation(conn, req)
	case protocol.TypeSubscribe, protocol.TypeUnsubscribe:
		var req protocol.SubscribeRequest
		if err := json.Unmarshal(frame.Data, &req); err != nil || req.TreeID == "" {
			g.reject(conn, req.RequestID, broadcast.CodeInvalid, "tree id is required")
			return
		}
		if frame.Type == protocol.TypeSubscribe {
			g.handleSubscribe(conn, req)
			return
		}
		g.router.Unsubscribe(conn.id, model.TreeChannel(req.TreeID))
		g.push(conn, protocol.TypeResult, protocol.Result{RequestID: req.RequestID, OK: true})
	case protocol.TypePing:
		g.push(conn, protocol.TypePong, nil)
	default:
		g.reject(conn, "", broadcast.CodeInvalid, "unsupported frame "+frame.Type)
	}
}

func (g *Gateway) handleMutation(conn *Conn, req protocol.MutationRequest) {
	op := broadcast.Op{
		Type:            broadcast.OpType(req.Op),
		RequestID:       req.RequestID,
		NodeID:          req.TargetNodeID,
		ExpectedVersion: req.ExpectedVersion,
		Payload:         req.Payload,
		Echo:            req.Echo,
	}
	applied, err := g.mutator.Apply(conn.ctx, req.TreeID, conn.identity, conn.id, op)
	if err != nil {
		var opErr *broadcast.Error
		if !errors.As(err, &opErr) {
			opErr = &broadcast.Error{Code: broadcast.CodeInternal, Message: "internal error"}
			conn.log.Error("mutation failed", zap.String("tree_id", req.TreeID), zap.Error(err))
		}
		g.push(conn, protocol.TypeResult, protocol.Result{
			RequestID: req.RequestID,
			Error: &protocol.ErrorBody{
				Code:    string(opErr.Code),
				Message: opErr.Message,
				Current: opErr.Current,
			},
		})
		return
	}
	g.push(conn, protocol.TypeResult, protocol.Result{
		RequestID:  req.RequestID,
		OK:         true,
		NewVersion: applied.NewVersion,
		NodeID:     applied.NodeID,
		EdgeID:     applied.EdgeID,
	})
}

func (g *Gateway) handleSubscribe(conn *Conn, req protocol.SubscribeRequest) {
	ok, err := g.mutator.CanRead(conn.ctx, req.TreeID, conn.identity.ID)
	switch {
	case err != nil:
		conn.log.Warn("tree access check failed", zap.String("tree_id", req.TreeID), zap.Error(err))
		g.reject(conn, req.RequestID, broadcast.CodeInternal, "access check failed")
	case !ok:
		g.reject(conn, req.RequestID, broadcast.CodeForbidden, "tree is not readable")
	default:
		if g.subscribe(conn, model.TreeChannel(req.TreeID)) {
			g.push(conn, protocol.TypeResult, protocol.Result{RequestID: req.RequestID, OK: true})
		}
	}
}

// subscribe joins channel unless the connection is already tearing down.
// close cancels the context before it disconnects from the router, so a
// membership added after that point is undone here.
func (g *Gateway) subscribe(conn *Conn, channel model.ChannelID) bool {
	if conn.ctx.Err() != nil {
		return false
	}
	g.router.Subscribe(conn, channel)
	if conn.ctx.Err() != nil {
		g.router.Unsubscribe(conn.id, channel)
		return false
	}
	return true
}

func (g *Gateway) reject(conn *Conn, requestID string, code broadcast.Code, msg string) {
	g.push(conn, protocol.TypeResult, protocol.Result{
		RequestID: requestID,
		Error:     &protocol.ErrorBody{Code: string(code), Message: msg},
	})
}

// close tears the connection down exactly once, whichever pump notices
// first.
func (g *Gateway) close(conn *Conn) {
	conn.closeOnce.Do(func() {
		conn.setState(StateClosing)
		conn.cancel()

		left := g.router.Disconnect(conn.id)
		if userID, offline := g.presence.Deregister(conn.id); offline && userID != "" {
			g.announcePresence(conn.id, conn.identity, left, false)
		}
		_ = conn.ws.Close()

		g.mu.Lock()
		delete(g.conns, conn.id)
		g.mu.Unlock()

		conn.setState(StateClosed)
		g.observer.ConnectionClosed()
		conn.log.Info("connection closed",
			zap.String("user_id", conn.identity.ID),
			zap.Duration("lifetime", time.Since(conn.createdAt)))
		g.wg.Done()
	})
}

// ConnectionCount returns the number of active connections.
func (g *Gateway) ConnectionCount() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.conns)
}

// Shutdown closes every connection and waits for their teardown.
func (g *Gateway) Shutdown(ctx context.Context) error {
	g.cancel()
	done := make(chan struct{})
	go func() {
		g.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
