// Package memory is an in-process Graph Store used by tests and by the
// `memory` store driver.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"treehub/internal/model"
	"treehub/internal/store"
)

// Store keeps every entity in maps guarded by one lock, which makes batch
// commits trivially atomic.
type Store struct {
	mu            sync.RWMutex
	trees         map[string]*model.Tree
	nodes         map[string]*model.Node
	notifications map[string]*model.Notification
	users         map[string]model.Identity
	follows       map[string]map[string]struct{}
	nowFn         func() time.Time
}

var (
	_ store.GraphStore    = (*Store)(nil)
	_ store.IdentityStore = (*Store)(nil)
)

// New returns an empty store.
func New() *Store {
	return &Store{
		trees:         make(map[string]*model.Tree),
		nodes:         make(map[string]*model.Node),
		notifications: make(map[string]*model.Notification),
		users:         make(map[string]model.Identity),
		follows:       make(map[string]map[string]struct{}),
		nowFn:         time.Now,
	}
}

// CreateTree inserts a new tree at version 1.
func (s *Store) CreateTree(_ context.Context, tree *model.Tree) error {
	if tree == nil || tree.ID == "" {
		return fmt.Errorf("tree id is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.trees[tree.ID]; exists {
		return fmt.Errorf("tree %s already exists", tree.ID)
	}
	now := s.nowFn()
	stored := tree.Clone()
	stored.Version = 1
	stored.CreatedAt = now
	stored.UpdatedAt = now
	s.trees[tree.ID] = stored
	*tree = *stored.Clone()
	return nil
}

// LoadTree returns a copy of the tree.
func (s *Store) LoadTree(_ context.Context, treeID string) (*model.Tree, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	tree, ok := s.trees[treeID]
	if !ok {
		return nil, store.ErrNotFound
	}
	return tree.Clone(), nil
}

// LoadNode returns a copy of the node, including logically deleted ones.
func (s *Store) LoadNode(_ context.Context, nodeID string) (*model.Node, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	node, ok := s.nodes[nodeID]
	if !ok {
		return nil, store.ErrNotFound
	}
	return node.Clone(), nil
}

// ListNodes returns the live nodes of a tree ordered by creation.
func (s *Store) ListNodes(_ context.Context, treeID string) ([]*model.Node, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if _, ok := s.trees[treeID]; !ok {
		return nil, store.ErrNotFound
	}
	out := make([]*model.Node, 0)
	for _, n := range s.nodes {
		if n.TreeID == treeID && !n.Deleted {
			out = append(out, n.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}

// Commit validates every version first and only then applies the writes.
func (s *Store) Commit(_ context.Context, batch store.Batch) (store.Batch, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if tw := batch.Tree; tw != nil {
		current, ok := s.trees[tw.Tree.ID]
		if !ok {
			return store.Batch{}, store.ErrNotFound
		}
		if current.Version != tw.ExpectedVersion {
			return store.Batch{}, &store.ConflictError{
				Kind: store.KindTree, ID: current.ID,
				Expected: tw.ExpectedVersion, Actual: current.Version,
				Tree: current.Clone(),
			}
		}
	}
	for _, nw := range batch.Nodes {
		current, ok := s.nodes[nw.Node.ID]
		switch {
		case !ok && nw.ExpectedVersion != 0:
			return store.Batch{}, store.ErrNotFound
		case ok && current.Version != nw.ExpectedVersion:
			return store.Batch{}, &store.ConflictError{
				Kind: store.KindNode, ID: current.ID,
				Expected: nw.ExpectedVersion, Actual: current.Version,
				Node: current.Clone(),
			}
		}
	}

	now := s.nowFn()
	var committed store.Batch
	if tw := batch.Tree; tw != nil {
		next := tw.Tree.Clone()
		next.Version = tw.ExpectedVersion + 1
		next.UpdatedAt = now
		s.trees[next.ID] = next
		committed.Tree = &store.TreeWrite{Tree: next.Clone(), ExpectedVersion: tw.ExpectedVersion}
	}
	for _, nw := range batch.Nodes {
		next := nw.Node.Clone()
		next.Version = nw.ExpectedVersion + 1
		next.UpdatedAt = now
		if next.CreatedAt.IsZero() {
			next.CreatedAt = now
		}
		s.nodes[next.ID] = next
		committed.Nodes = append(committed.Nodes, store.NodeWrite{Node: next.Clone(), ExpectedVersion: nw.ExpectedVersion})
	}
	return committed, nil
}

// CreateNotification stores a notification record.
func (s *Store) CreateNotification(_ context.Context, n *model.Notification) error {
	if n == nil || n.ID == "" {
		return fmt.Errorf("notification id is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.notifications[n.ID]; exists {
		return fmt.Errorf("notification %s already exists", n.ID)
	}
	stored := *n
	s.notifications[n.ID] = &stored
	return nil
}

// ListNotifications returns the recipient's notifications, newest first.
func (s *Store) ListNotifications(_ context.Context, userID string, page store.Page) ([]model.Notification, error) {
	page = page.Normalize()
	s.mu.RLock()
	defer s.mu.RUnlock()

	all := make([]model.Notification, 0)
	for _, n := range s.notifications {
		if n.Recipient == userID {
			all = append(all, *n)
		}
	}
	sort.Slice(all, func(i, j int) bool {
		if all[i].CreatedAt.Equal(all[j].CreatedAt) {
			return all[i].ID > all[j].ID
		}
		return all[i].CreatedAt.After(all[j].CreatedAt)
	})
	if page.Offset >= len(all) {
		return []model.Notification{}, nil
	}
	end := page.Offset + page.Limit
	if end > len(all) {
		end = len(all)
	}
	return all[page.Offset:end], nil
}

// CountUnread counts the recipient's unread notifications.
func (s *Store) CountUnread(_ context.Context, userID string) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var count int64
	for _, n := range s.notifications {
		if n.Recipient == userID && !n.Read {
			count++
		}
	}
	return count, nil
}

// MarkNotificationRead flips the read flag. Already-read is not an error.
func (s *Store) MarkNotificationRead(_ context.Context, userID, notificationID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	n, ok := s.notifications[notificationID]
	if !ok || n.Recipient != userID {
		return store.ErrNotFound
	}
	n.Read = true
	return nil
}

// DeleteNotification removes one of the recipient's notifications.
func (s *Store) DeleteNotification(_ context.Context, userID, notificationID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	n, ok := s.notifications[notificationID]
	if !ok || n.Recipient != userID {
		return store.ErrNotFound
	}
	delete(s.notifications, notificationID)
	return nil
}

// Follow records a follow edge between two users.
func (s *Store) Follow(_ context.Context, followerID, followeeID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.users[followeeID]; !ok {
		return false, store.ErrNotFound
	}
	set, ok := s.follows[followeeID]
	if !ok {
		set = make(map[string]struct{})
		s.follows[followeeID] = set
	}
	if _, exists := set[followerID]; exists {
		return false, nil
	}
	set[followerID] = struct{}{}
	return true, nil
}

// Resolve looks up a user by id.
func (s *Store) Resolve(ctx context.Context, subject string) (model.Identity, error) {
	if err := ctx.Err(); err != nil {
		return model.Identity{}, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	id, ok := s.users[subject]
	if !ok {
		return model.Identity{}, store.ErrNotFound
	}
	return id, nil
}

// PutUser inserts or replaces a user record.
func (s *Store) PutUser(_ context.Context, identity model.Identity) error {
	if identity.ID == "" {
		return fmt.Errorf("user id is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.users[identity.ID] = identity
	return nil
}
