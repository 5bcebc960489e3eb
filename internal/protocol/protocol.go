// Package protocol defines the JSON frames exchanged over a collaboration
// connection. Every frame is an envelope {"type": ..., "data": ...}.
package protocol

import (
	"encoding/json"
	"fmt"
	"time"

	"treehub/internal/model"
)

// Frame types.
const (
	TypeAuthenticated = "authenticated"
	TypeRefused       = "refused"
	TypeMutation      = "mutation"
	TypeResult        = "result"
	TypeNotification  = "notification"
	TypePresence      = "presence"
	TypeSubscribe     = "subscribe"
	TypeUnsubscribe   = "unsubscribe"
	TypePing          = "ping"
	TypePong          = "pong"
)

// Frame is the wire envelope.
type Frame struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

// Encode wraps data in an envelope of the given type.
func Encode(frameType string, data interface{}) ([]byte, error) {
	frame := Frame{Type: frameType}
	if data != nil {
		raw, err := json.Marshal(data)
		if err != nil {
			return nil, fmt.Errorf("encode %s: %w", frameType, err)
		}
		frame.Data = raw
	}
	return json.Marshal(frame)
}

// Decode parses an envelope without decoding its payload.
func Decode(raw []byte) (Frame, error) {
	var frame Frame
	if err := json.Unmarshal(raw, &frame); err != nil {
		return Frame{}, err
	}
	if frame.Type == "" {
		return Frame{}, fmt.Errorf("frame type is required")
	}
	return frame, nil
}

// Authenticated is the first frame of an accepted connection.
type Authenticated struct {
	ConnectionID   string            `json:"connectionId"`
	UserID         string            `json:"userId"`
	ActiveChannels []model.ChannelID `json:"activeChannels"`
}

// Refused is the terminal frame of a rejected connection.
type Refused struct {
	Reason string `json:"reason"`
}

// MutationRequest is a client's request to change a tree.
type MutationRequest struct {
	RequestID       string          `json:"requestId"`
	TreeID          string          `json:"treeId"`
	Op              string          `json:"op"`
	TargetNodeID    string          `json:"targetNodeId,omitempty"`
	Payload         json.RawMessage `json:"payload,omitempty"`
	ExpectedVersion int64           `json:"expectedVersion"`
	Echo            *bool           `json:"echo,omitempty"`
}

// SubscribeRequest joins or leaves a tree channel.
type SubscribeRequest struct {
	RequestID string `json:"requestId"`
	TreeID    string `json:"treeId"`
}

// ErrorBody describes a rejected request. Current carries the
// authoritative node or tree for conflicts.
type ErrorBody struct {
	Code    string      `json:"code"`
	Message string      `json:"message"`
	Current interface{} `json:"current,omitempty"`
}

// Result answers a request on the originating connection only.
type Result struct {
	RequestID  string     `json:"requestId"`
	OK         bool       `json:"ok"`
	NewVersion int64      `json:"newVersion,omitempty"`
	NodeID     string     `json:"nodeId,omitempty"`
	EdgeID     string     `json:"edgeId,omitempty"`
	Error      *ErrorBody `json:"error,omitempty"`
}

// MutationEvent is broadcast to a tree channel after a commit.
type MutationEvent struct {
	TreeID       string        `json:"treeId"`
	Op           string        `json:"appliedOp"`
	RequestID    string        `json:"requestId,omitempty"`
	NodeID       string        `json:"nodeId,omitempty"`
	Node         *model.Node   `json:"node,omitempty"`
	Related      []*model.Node `json:"related,omitempty"`
	Edge         *model.Edge   `json:"edge,omitempty"`
	EdgeID       string        `json:"edgeId,omitempty"`
	NewVersion   int64         `json:"newVersion"`
	TreeVersion  int64         `json:"treeVersion,omitempty"`
	ActingUserID string        `json:"actingUserId"`
	Seq          int64         `json:"seq"`
}

// NotificationEvent is pushed to a recipient's personal channel.
type NotificationEvent struct {
	NotificationID string                 `json:"notificationId"`
	Type           model.NotificationType `json:"type"`
	SenderID       string                 `json:"senderId"`
	Refs           model.Refs             `json:"refs"`
	CreatedAt      time.Time              `json:"createdAt"`
}

// PresenceEvent reports a user's online/offline transition.
type PresenceEvent struct {
	UserID string `json:"userId"`
	Name   string `json:"name,omitempty"`
	Status string `json:"status"`
}
