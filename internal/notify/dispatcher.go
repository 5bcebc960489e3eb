// Package notify persists user notifications and pushes them to recipients
// that are currently connected.
package notify

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"treehub/internal/model"
	"treehub/internal/protocol"
	"treehub/internal/store"
)

// ErrSelfFollow rejects a user following themselves.
var ErrSelfFollow = errors.New("cannot follow yourself")

// Presence answers whether a user holds a live connection.
type Presence interface {
	IsOnline(userID string) bool
}

// Publisher delivers a frame to a channel's subscribers.
type Publisher interface {
	Publish(channel model.ChannelID, frame []byte, exclude string) int
}

// Dispatcher writes the record first and pushes second, so an offline
// recipient finds it on next listing.
type Dispatcher struct {
	store     store.GraphStore
	presence  Presence
	publisher Publisher
	log       *zap.Logger
	nowFn     func() time.Time
}

// NewDispatcher wires a dispatcher.
func NewDispatcher(graph store.GraphStore, presence Presence, publisher Publisher, log *zap.Logger) *Dispatcher {
	if log == nil {
		log = zap.NewNop()
	}
	return &Dispatcher{
		store:     graph,
		presence:  presence,
		publisher: publisher,
		log:       log,
		nowFn:     time.Now,
	}
}

// Dispatch records a notification for recipient. Notifying yourself is a
// no-op returning nil. Persistence errors are returned; push failures are
// only logged.
func (d *Dispatcher) Dispatch(ctx context.Context, recipient, sender string, typ model.NotificationType, refs model.Refs) (*model.Notification, error) {
	if recipient == "" {
		return nil, fmt.Errorf("notification recipient is required")
	}
	if !typ.Valid() {
		return nil, fmt.Errorf("unknown notification type %q", typ)
	}
	if recipient == sender {
		return nil, nil
	}

	n := &model.Notification{
		ID:        model.NewID(),
		Recipient: recipient,
		Sender:    sender,
		Type:      typ,
		Refs:      refs,
		CreatedAt: d.nowFn().UTC(),
	}
	if err := d.store.CreateNotification(ctx, n); err != nil {
		return nil, fmt.Errorf("persist notification for %s: %w", recipient, err)
	}

	if !d.presence.IsOnline(recipient) {
		d.log.Debug("recipient offline, notification deferred",
			zap.String("recipient", recipient),
			zap.String("notification_id", n.ID))
		return n, nil
	}
	frame, err := protocol.Encode(protocol.TypeNotification, protocol.NotificationEvent{
		NotificationID: n.ID,
		Type:           n.Type,
		SenderID:       n.Sender,
		Refs:           n.Refs,
		CreatedAt:      n.CreatedAt,
	})
	if err != nil {
		d.log.Error("encode notification", zap.String("notification_id", n.ID), zap.Error(err))
		return n, nil
	}
	if delivered := d.publisher.Publish(model.UserChannel(recipient), frame, ""); delivered == 0 {
		d.log.Info("notification push reached no connection",
			zap.String("recipient", recipient),
			zap.String("notification_id", n.ID))
	}
	return n, nil
}

// Follow records follower -> followee and notifies followee the first time.
func (d *Dispatcher) Follow(ctx context.Context, follower, followee string) (*model.Notification, error) {
	if follower == followee {
		return nil, ErrSelfFollow
	}
	created, err := d.store.Follow(ctx, follower, followee)
	if err != nil {
		return nil, err
	}
	if !created {
		return nil, nil
	}
	return d.Dispatch(ctx, followee, follower, model.NotifyFollow, model.Refs{})
}

// List pages through userID's notifications, newest first.
func (d *Dispatcher) List(ctx context.Context, userID string, page store.Page) ([]model.Notification, error) {
	return d.store.ListNotifications(ctx, userID, page)
}

// UnreadCount counts userID's unread notifications.
func (d *Dispatcher) UnreadCount(ctx context.Context, userID string) (int64, error) {
	return d.store.CountUnread(ctx, userID)
}

// MarkRead flips one notification to read. Only its recipient may do so.
func (d *Dispatcher) MarkRead(ctx context.Context, userID, notificationID string) error {
	return d.store.MarkNotificationRead(ctx, userID, notificationID)
}

// Delete removes one of userID's notifications.
func (d *Dispatcher) Delete(ctx context.Context, userID, notificationID string) error {
	return d.store.DeleteNotification(ctx, userID, notificationID)
}
