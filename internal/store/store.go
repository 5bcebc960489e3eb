// Package store defines the Graph Store contract the collaboration core
// persists through, plus the identity lookup used at connect time.
package store

import (
	"context"
	"errors"
	"fmt"

	"treehub/internal/model"
)

// ErrNotFound is returned when a tree, node, notification or user is missing.
var ErrNotFound = errors.New("not found")

// Entity kinds reported by ConflictError.
const (
	KindTree = "tree"
	KindNode = "node"
)

// ConflictError reports an optimistic version mismatch. Current holds the
// authoritative state at the time of the check so callers can rebase.
type ConflictError struct {
	Kind     string
	ID       string
	Expected int64
	Actual   int64
	Tree     *model.Tree
	Node     *model.Node
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("%s %s: version conflict (expected %d, have %d)", e.Kind, e.ID, e.Expected, e.Actual)
}

// NodeWrite stores Node if the persisted version still equals
// ExpectedVersion. ExpectedVersion zero means the node must not exist yet.
// The store assigns Node.Version = ExpectedVersion+1 on success.
type NodeWrite struct {
	Node            *model.Node
	ExpectedVersion int64
}

// TreeWrite stores Tree under the same rule as NodeWrite.
type TreeWrite struct {
	Tree            *model.Tree
	ExpectedVersion int64
}

// Batch is committed atomically: every write is applied or none is.
type Batch struct {
	Tree  *TreeWrite
	Nodes []NodeWrite
}

// Empty reports whether the batch has nothing to write.
func (b Batch) Empty() bool {
	return b.Tree == nil && len(b.Nodes) == 0
}

// Page selects a window of a listing. Zero Limit means the store default.
type Page struct {
	Offset int
	Limit  int
}

// DefaultPageLimit caps listings when no limit is requested.
const DefaultPageLimit = 50

// Normalize clamps the page to sane bounds.
func (p Page) Normalize() Page {
	if p.Offset < 0 {
		p.Offset = 0
	}
	if p.Limit <= 0 || p.Limit > 200 {
		p.Limit = DefaultPageLimit
	}
	return p
}

// GraphStore is the durable source of truth for trees, nodes and
// notifications.
type GraphStore interface {
	CreateTree(ctx context.Context, tree *model.Tree) error
	LoadTree(ctx context.Context, treeID string) (*model.Tree, error)
	LoadNode(ctx context.Context, nodeID string) (*model.Node, error)
	ListNodes(ctx context.Context, treeID string) ([]*model.Node, error)
	// Commit applies the batch atomically and returns the committed copies
	// with their new versions. A version mismatch yields *ConflictError.
	Commit(ctx context.Context, batch Batch) (Batch, error)

	CreateNotification(ctx context.Context, n *model.Notification) error
	ListNotifications(ctx context.Context, userID string, page Page) ([]model.Notification, error)
	CountUnread(ctx context.Context, userID string) (int64, error)
	MarkNotificationRead(ctx context.Context, userID, notificationID string) error
	DeleteNotification(ctx context.Context, userID, notificationID string) error

	// Follow records follower -> followee and reports whether it is new.
	Follow(ctx context.Context, followerID, followeeID string) (bool, error)
}

// IdentityStore resolves token subjects to user identities.
type IdentityStore interface {
	Resolve(ctx context.Context, subject string) (model.Identity, error)
	PutUser(ctx context.Context, identity model.Identity) error
}
