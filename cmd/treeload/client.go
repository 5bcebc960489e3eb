package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand"
	"net/http"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"treehub/internal/broadcast"
	"treehub/internal/model"
	"treehub/internal/protocol"
)

var errNotConnected = errors.New("not connected")

// loadClient is one simulated collaborator on a single tree.
type loadClient struct {
	userID string
	token  string
	treeID string
	log    *zap.Logger
	stats  *simulationStats

	conn      *websocket.Conn
	writeMu   sync.Mutex
	connected atomic.Bool
	stopCh    chan struct{}
	stopOnce  sync.Once

	mu        sync.RWMutex
	versions  map[string]int64
	pending   map[string]chan protocol.Result
	latencies []time.Duration
	requests  atomic.Int64
}

func newLoadClient(userID, token, treeID string, stats *simulationStats, log *zap.Logger) *loadClient {
	return &loadClient{
		userID:   userID,
		token:    token,
		treeID:   treeID,
		log:      log.With(zap.String("user_id", userID)),
		stats:    stats,
		stopCh:   make(chan struct{}),
		versions: make(map[string]int64),
		pending:  make(map[string]chan protocol.Result),
	}
}

func (c *loadClient) isConnected() bool {
	return c.connected.Load()
}

// connect dials the gateway and waits for the authenticated frame.
func (c *loadClient) connect(ctx context.Context, serverURL string) error {
	u, err := url.Parse(serverURL)
	if err != nil {
		return err
	}
	if u.Scheme == "https" {
		u.Scheme = "wss"
	} else {
		u.Scheme = "ws"
	}
	u.Path = "/ws"
	q := u.Query()
	q.Set("tree", c.treeID)
	u.RawQuery = q.Encode()

	header := http.Header{}
	header.Set("Authorization", "Bearer "+c.token)
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, u.String(), header)
	if err != nil {
		return err
	}

	_ = conn.SetReadDeadline(time.Now().Add(10 * time.Second))
	_, raw, err := conn.ReadMessage()
	if err != nil {
		conn.Close()
		return fmt.Errorf("read handshake: %w", err)
	}
	frame, err := protocol.Decode(raw)
	if err != nil {
		conn.Close()
		return fmt.Errorf("decode handshake: %w", err)
	}
	if frame.Type != protocol.TypeAuthenticated {
		conn.Close()
		var refused protocol.Refused
		_ = json.Unmarshal(frame.Data, &refused)
		return fmt.Errorf("connection refused: %s", refused.Reason)
	}

	c.conn = conn
	c.connected.Store(true)
	c.stats.connected.Add(1)

	go c.readPump()
	go c.pingRoutine()
	return nil
}

func (c *loadClient) disconnect() {
	c.stopOnce.Do(func() {
		if c.connected.Swap(false) {
			c.stats.connected.Add(-1)
		}
		close(c.stopCh)
		if c.conn != nil {
			_ = c.conn.Close()
		}

		c.mu.Lock()
		for id, ch := range c.pending {
			close(ch)
			delete(c.pending, id)
		}
		c.mu.Unlock()
	})
}

func (c *loadClient) readPump() {
	defer c.disconnect()

	_ = c.conn.SetReadDeadline(time.Now().Add(60 * time.Second))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(60 * time.Second))
	})

	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			select {
			case <-c.stopCh:
			default:
				if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
					c.log.Warn("websocket error", zap.Error(err))
				}
				c.stats.errors.Add(1)
			}
			return
		}
		_ = c.conn.SetReadDeadline(time.Now().Add(60 * time.Second))

		frame, err := protocol.Decode(raw)
		if err != nil {
			c.stats.errors.Add(1)
			continue
		}
		switch frame.Type {
		case protocol.TypeMutation:
			c.stats.received.Add(1)
			c.handleMutation(frame.Data)
		case protocol.TypeResult:
			c.handleResult(frame.Data)
		case protocol.TypeNotification:
			c.stats.notifications.Add(1)
		case protocol.TypePresence, protocol.TypePong:
		}
	}
}

func (c *loadClient) pingRoutine() {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-c.stopCh:
			return
		case <-ticker.C:
			if err := c.send(protocol.TypePing, nil); err != nil {
				c.log.Warn("ping failed", zap.Error(err))
				c.disconnect()
				return
			}
		}
	}
}

func (c *loadClient) handleMutation(data json.RawMessage) {
	var ev protocol.MutationEvent
	if err := json.Unmarshal(data, &ev); err != nil {
		c.stats.errors.Add(1)
		return
	}
	if ev.Node != nil {
		c.observe(ev.Node)
	}
	for _, n := range ev.Related {
		c.observe(n)
	}
}

func (c *loadClient) handleResult(data json.RawMessage) {
	var res protocol.Result
	if err := json.Unmarshal(data, &res); err != nil {
		c.stats.errors.Add(1)
		return
	}
	if res.Error != nil && res.Error.Code == string(broadcast.CodeConflict) {
		// rebase on the authoritative copy
		if raw, err := json.Marshal(res.Error.Current); err == nil {
			var current model.Node
			if json.Unmarshal(raw, &current) == nil && current.ID != "" {
				c.observe(&current)
			}
		}
	}

	c.mu.Lock()
	ch, ok := c.pending[res.RequestID]
	delete(c.pending, res.RequestID)
	c.mu.Unlock()
	if ok {
		ch <- res
	}
}

// observe records the highest version seen per node. Versions only grow,
// so frames and snapshots can be merged in any order.
func (c *loadClient) observe(n *model.Node) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if n.Deleted {
		delete(c.versions, n.ID)
		return
	}
	if n.Version > c.versions[n.ID] {
		c.versions[n.ID] = n.Version
	}
}

func (c *loadClient) version(nodeID string) int64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.versions[nodeID]
}

func (c *loadClient) snapshotVersions() map[string]int64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make(map[string]int64, len(c.versions))
	for id, v := range c.versions {
		out[id] = v
	}
	return out
}

func (c *loadClient) send(frameType string, data interface{}) error {
	if !c.isConnected() {
		return errNotConnected
	}
	raw, err := protocol.Encode(frameType, data)
	if err != nil {
		return err
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
	return c.conn.WriteMessage(websocket.TextMessage, raw)
}

// apply sends a mutation and waits for its result.
func (c *loadClient) apply(ctx context.Context, req protocol.MutationRequest) (protocol.Result, error) {
	req.RequestID = fmt.Sprintf("%s-%d", c.userID, c.requests.Add(1))
	req.TreeID = c.treeID

	ch := make(chan protocol.Result, 1)
	c.mu.Lock()
	c.pending[req.RequestID] = ch
	c.mu.Unlock()

	start := time.Now()
	if err := c.send(protocol.TypeMutation, req); err != nil {
		c.mu.Lock()
		delete(c.pending, req.RequestID)
		c.mu.Unlock()
		return protocol.Result{}, err
	}

	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	select {
	case res, ok := <-ch:
		if !ok {
			return protocol.Result{}, errNotConnected
		}
		c.mu.Lock()
		c.latencies = append(c.latencies, time.Since(start))
		c.mu.Unlock()
		return res, nil
	case <-ctx.Done():
		c.mu.Lock()
		delete(c.pending, req.RequestID)
		c.mu.Unlock()
		return protocol.Result{}, ctx.Err()
	}
}

// generateOp picks the next mutation for the scenario.
func (c *loadClient) generateOp(s scenario, nodes []string) protocol.MutationRequest {
	target := nodes[rand.Intn(len(nodes))]
	r := rand.Float64()

	switch {
	case r < s.UpdateProbability:
		content := fmt.Sprintf("%s edit %d", c.userID, time.Now().UnixNano())
		payload, _ := json.Marshal(broadcast.UpdateNodePayload{Content: &content})
		return protocol.MutationRequest{
			Op:              string(broadcast.OpUpdateNode),
			TargetNodeID:    target,
			Payload:         payload,
			ExpectedVersion: c.version(target),
		}
	case r < s.UpdateProbability+s.LikeProbability:
		op := broadcast.OpLikeNode
		if rand.Intn(2) == 0 {
			op = broadcast.OpUnlikeNode
		}
		return protocol.MutationRequest{Op: string(op), TargetNodeID: target}
	default:
		payload, _ := json.Marshal(broadcast.CommentPayload{Text: generateComment()})
		return protocol.MutationRequest{
			Op:           string(broadcast.OpCommentNode),
			TargetNodeID: target,
			Payload:      payload,
		}
	}
}

// simulate issues mutations until the duration elapses or the client stops.
func (c *loadClient) simulate(ctx context.Context, s scenario, nodes []string, duration time.Duration) {
	end := time.Now().Add(duration)
	for time.Now().Before(end) {
		select {
		case <-ctx.Done():
			return
		case <-c.stopCh:
			return
		default:
		}

		ops := 1
		if rand.Float64() < s.BurstProbability {
			ops = s.BurstSize
		}
		for i := 0; i < ops; i++ {
			res, err := c.apply(ctx, c.generateOp(s, nodes))
			switch {
			case err != nil:
				c.stats.errors.Add(1)
				if !c.isConnected() {
					return
				}
			case res.OK:
				c.stats.sent.Add(1)
			case res.Error != nil && res.Error.Code == string(broadcast.CodeConflict):
				c.stats.conflicts.Add(1)
			default:
				c.stats.rejected.Add(1)
			}
			if i < ops-1 {
				time.Sleep(10 * time.Millisecond)
			}
		}
		time.Sleep(s.ThinkTime)
	}
}

func generateComment() string {
	words := []string{"agree", "why?", "needs data", "ship it", "blocked", "nice", "split this", "+1"}
	return words[rand.Intn(len(words))]
}
