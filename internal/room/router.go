// Package room routes serialized frames to the connections subscribed to a
// channel.
package room

import (
	"sort"
	"sync"

	"go.uber.org/zap"

	"treehub/internal/model"
)

// Subscriber is a connection that can receive frames. Deliver must not
// block; it returns false when the frame could not be queued.
type Subscriber interface {
	ID() string
	UserID() string
	Deliver(frame []byte) bool
}

// Router keeps channel membership in both directions so a disconnect can
// drop every subscription without scanning all channels.
type Router struct {
	mu       sync.RWMutex
	channels map[model.ChannelID]map[string]Subscriber
	byConn   map[string]map[model.ChannelID]struct{}
	log      *zap.Logger
}

// NewRouter builds an empty router.
func NewRouter(log *zap.Logger) *Router {
	if log == nil {
		log = zap.NewNop()
	}
	return &Router{
		channels: make(map[model.ChannelID]map[string]Subscriber),
		byConn:   make(map[string]map[model.ChannelID]struct{}),
		log:      log,
	}
}

// Subscribe adds sub to channel and reports whether it was newly added.
func (r *Router) Subscribe(sub Subscriber, channel model.ChannelID) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	members, ok := r.channels[channel]
	if !ok {
		members = make(map[string]Subscriber)
		r.channels[channel] = members
	}
	if _, exists := members[sub.ID()]; exists {
		return false
	}
	members[sub.ID()] = sub

	joined, ok := r.byConn[sub.ID()]
	if !ok {
		joined = make(map[model.ChannelID]struct{})
		r.byConn[sub.ID()] = joined
	}
	joined[channel] = struct{}{}
	return true
}

// Unsubscribe removes connID from channel. Missing memberships are a no-op.
func (r *Router) Unsubscribe(connID string, channel model.ChannelID) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.removeLocked(connID, channel)
}

// Disconnect drops every membership of connID and returns the channels it
// left. Calling it twice is safe.
func (r *Router) Disconnect(connID string) []model.ChannelID {
	r.mu.Lock()
	defer r.mu.Unlock()

	joined := r.byConn[connID]
	left := make([]model.ChannelID, 0, len(joined))
	for channel := range joined {
		left = append(left, channel)
	}
	for _, channel := range left {
		r.removeLocked(connID, channel)
	}
	delete(r.byConn, connID)
	sort.Slice(left, func(i, j int) bool { return left[i] < left[j] })
	return left
}

func (r *Router) removeLocked(connID string, channel model.ChannelID) bool {
	members, ok := r.channels[channel]
	if !ok {
		return false
	}
	if _, ok := members[connID]; !ok {
		return false
	}
	delete(members, connID)
	if len(members) == 0 {
		delete(r.channels, channel)
	}
	if joined, ok := r.byConn[connID]; ok {
		delete(joined, channel)
		if len(joined) == 0 {
			delete(r.byConn, connID)
		}
	}
	return true
}

// Publish hands frame to every subscriber of channel except exclude and
// returns how many accepted it. Delivery happens outside the router lock.
func (r *Router) Publish(channel model.ChannelID, frame []byte, exclude string) int {
	return r.PublishEach(channel, exclude, func(string) []byte { return frame })
}

// PublishEach is Publish with a frame chosen per subscribing user. frameFor
// runs once per distinct user; a nil frame skips that user's connections.
func (r *Router) PublishEach(channel model.ChannelID, exclude string, frameFor func(userID string) []byte) int {
	r.mu.RLock()
	targets := make([]Subscriber, 0, len(r.channels[channel]))
	for id, sub := range r.channels[channel] {
		if id == exclude {
			continue
		}
		targets = append(targets, sub)
	}
	r.mu.RUnlock()

	frames := make(map[string][]byte, len(targets))
	delivered := 0
	for _, sub := range targets {
		frame, seen := frames[sub.UserID()]
		if !seen {
			frame = frameFor(sub.UserID())
			frames[sub.UserID()] = frame
		}
		if frame == nil {
			continue
		}
		if sub.Deliver(frame) {
			delivered++
			continue
		}
		r.log.Debug("subscriber dropped frame",
			zap.String("channel", string(channel)),
			zap.String("conn_id", sub.ID()))
	}
	return delivered
}

// Channels lists the channels connID belongs to.
func (r *Router) Channels(connID string) []model.ChannelID {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]model.ChannelID, 0, len(r.byConn[connID]))
	for channel := range r.byConn[connID] {
		out = append(out, channel)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Subscribers returns the connection ids subscribed to channel.
func (r *Router) Subscribers(channel model.ChannelID) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]string, 0, len(r.channels[channel]))
	for id := range r.channels[channel] {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// ChannelCount returns the number of channels with at least one member.
func (r *Router) ChannelCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.channels)
}
