// Package broadcast applies tree mutations against the Graph Store and fans
// the committed result out to every subscriber of the tree's channel.
package broadcast

import (
	"context"
	"errors"
	"strings"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"treehub/internal/model"
	"treehub/internal/protocol"
	"treehub/internal/store"
)

// maxAttempts bounds retries after a conflict on an entity the client did
// not target (a parent or re-parented child written concurrently).
const maxAttempts = 3

const defaultSideEffectTimeout = 5 * time.Second

// Publisher delivers a frame, chosen per subscribing user, to a channel's
// subscribers.
type Publisher interface {
	PublishEach(channel model.ChannelID, exclude string, frameFor func(userID string) []byte) int
}

// Journal records committed mutation frames for catch-up reads.
type Journal interface {
	Append(ctx context.Context, treeID string, seq int64, frame []byte) error
}

// Notifier turns likes and comments into notifications for the node owner.
type Notifier interface {
	Dispatch(ctx context.Context, recipient, sender string, typ model.NotificationType, refs model.Refs) (*model.Notification, error)
}

// Observer is told about every Apply; code is "ok" on success.
type Observer func(op OpType, code string, elapsed time.Duration)

// Options wires the optional collaborators.
type Options struct {
	Logger            *zap.Logger
	Journal           Journal
	Notifier          Notifier
	Observer          Observer
	NowFn             func() time.Time
	SideEffectTimeout time.Duration
}

// Applied describes a committed mutation.
type Applied struct {
	Op          OpType
	TreeID      string
	NodeID      string
	Node        *model.Node
	Related     []*model.Node
	Edge        *model.Edge
	EdgeID      string
	NewVersion  int64
	TreeVersion int64
	Seq         int64
	Delivered   int
	// NoOp is set when the mutation changed nothing (a repeated like) and
	// was neither committed nor broadcast.
	NoOp bool
}

type notice struct {
	recipient string
	typ       model.NotificationType
	refs      model.Refs
}

// Broadcaster serializes commit and publish per tree so every subscriber
// of a tree observes its mutations in commit order.
type Broadcaster struct {
	store     store.GraphStore
	publisher Publisher
	journal   Journal
	notifier  Notifier
	observer  Observer
	log       *zap.Logger
	nowFn     func() time.Time
	sideTTL   time.Duration
	locks     *treeLocks
	lastSeq   atomic.Int64
}

// New builds a broadcaster over the given store and publisher.
func New(graph store.GraphStore, publisher Publisher, opts Options) *Broadcaster {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.NowFn == nil {
		opts.NowFn = time.Now
	}
	if opts.SideEffectTimeout <= 0 {
		opts.SideEffectTimeout = defaultSideEffectTimeout
	}
	return &Broadcaster{
		store:     graph,
		publisher: publisher,
		journal:   opts.Journal,
		notifier:  opts.Notifier,
		observer:  opts.Observer,
		log:       opts.Logger,
		nowFn:     opts.NowFn,
		sideTTL:   opts.SideEffectTimeout,
		locks:     newTreeLocks(),
	}
}

// Apply checks access and version, commits the mutation atomically and
// publishes it to the tree channel. Rejections are *Error values and are
// never broadcast.
func (b *Broadcaster) Apply(ctx context.Context, treeID string, editor model.Identity, origin string, op Op) (applied *Applied, err error) {
	start := time.Now()
	defer func() {
		if b.observer == nil {
			return
		}
		code := "ok"
		if err != nil {
			code = string(CodeOf(err))
		}
		b.observer(op.Type, code, time.Since(start))
	}()

	if !op.Type.Valid() {
		return nil, invalidf("unknown op %q", op.Type)
	}
	if editor.ID == "" {
		return nil, forbiddenf("anonymous editor")
	}
	if treeID == "" {
		return nil, invalidf("tree id is required")
	}

	release := b.locks.lock(treeID)
	applied, frame, note, err := b.applyLocked(ctx, treeID, editor, origin, op)
	release()
	if err != nil {
		return nil, err
	}
	if applied.NoOp {
		return applied, nil
	}

	b.appendJournal(ctx, treeID, applied.Seq, frame)
	if note != nil {
		b.dispatch(ctx, editor.ID, note)
	}
	return applied, nil
}

func (b *Broadcaster) applyLocked(ctx context.Context, treeID string, editor model.Identity, origin string, op Op) (*Applied, []byte, *notice, error) {
	for attempt := 1; ; attempt++ {
		if err := ctx.Err(); err != nil {
			return nil, nil, nil, &Error{Code: CodeInternal, Message: err.Error()}
		}
		tree, err := b.store.LoadTree(ctx, treeID)
		if err != nil {
			return nil, nil, nil, fromStore(err, "tree "+treeID)
		}

		p, err := b.plan(ctx, tree, editor, op)
		if err != nil {
			return nil, nil, nil, scopeCurrent(err, tree, editor.ID)
		}
		if p.noop {
			return &Applied{
				Op: op.Type, TreeID: treeID, NodeID: p.nodeID, Node: p.current,
				NewVersion: p.current.Version, NoOp: true,
			}, nil, nil, nil
		}

		committed, err := b.store.Commit(ctx, p.batch)
		var conflict *store.ConflictError
		if errors.As(err, &conflict) && !p.strict(conflict) && attempt < maxAttempts {
			b.log.Debug("retrying mutation after concurrent write",
				zap.String("tree_id", treeID),
				zap.String("op", describe(op)),
				zap.String("conflict_id", conflict.ID),
				zap.Int("attempt", attempt))
			continue
		}
		if err != nil {
			return nil, nil, nil, scopeCurrent(fromStore(err, describe(op)), tree, editor.ID)
		}

		applied := p.result(op.Type, treeID, committed)
		applied.Seq = b.nextSeq()
		event := protocol.MutationEvent{
			TreeID:       treeID,
			Op:           string(op.Type),
			RequestID:    op.RequestID,
			NodeID:       applied.NodeID,
			Node:         applied.Node,
			Related:      applied.Related,
			Edge:         applied.Edge,
			EdgeID:       applied.EdgeID,
			NewVersion:   applied.NewVersion,
			TreeVersion:  applied.TreeVersion,
			ActingUserID: editor.ID,
			Seq:          applied.Seq,
		}
		frame, err := protocol.Encode(protocol.TypeMutation, event)
		if err != nil {
			b.log.Error("encode mutation event", zap.String("tree_id", treeID), zap.Error(err))
			return applied, nil, p.notice, nil
		}

		exclude := ""
		if !op.echo() {
			exclude = origin
		}
		applied.Delivered = b.publisher.PublishEach(model.TreeChannel(treeID), exclude, func(userID string) []byte {
			view, changed, ok := redact(event, tree, userID)
			if !ok {
				return nil
			}
			if !changed {
				return frame
			}
			out, err := protocol.Encode(protocol.TypeMutation, view)
			if err != nil {
				b.log.Error("encode mutation view", zap.String("tree_id", treeID), zap.Error(err))
				return nil
			}
			return out
		})
		return applied, frame, p.notice, nil
	}
}

func (b *Broadcaster) appendJournal(ctx context.Context, treeID string, seq int64, frame []byte) {
	if b.journal == nil || frame == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), b.sideTTL)
	defer cancel()
	if err := b.journal.Append(ctx, treeID, seq, frame); err != nil {
		b.log.Warn("journal append failed", zap.String("tree_id", treeID), zap.Int64("seq", seq), zap.Error(err))
	}
}

func (b *Broadcaster) dispatch(ctx context.Context, sender string, note *notice) {
	if b.notifier == nil {
		return
	}
	// the record must survive the originator disconnecting mid-request
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), b.sideTTL)
	defer cancel()
	if _, err := b.notifier.Dispatch(ctx, note.recipient, sender, note.typ, note.refs); err != nil {
		b.log.Error("notification dispatch failed",
			zap.String("recipient", note.recipient),
			zap.String("type", string(note.typ)),
			zap.Error(err))
	}
}

// nextSeq returns a strictly increasing sequence anchored to wall time so
// it stays monotonic across restarts.
func (b *Broadcaster) nextSeq() int64 {
	for {
		last := b.lastSeq.Load()
		next := b.nowFn().UnixNano()
		if next <= last {
			next = last + 1
		}
		if b.lastSeq.CompareAndSwap(last, next) {
			return next
		}
	}
}

// CreateTree registers a new, empty tree owned by owner.
func (b *Broadcaster) CreateTree(ctx context.Context, owner model.Identity, name string, public bool, collaborators []string) (*model.Tree, error) {
	name = strings.TrimSpace(name)
	if owner.ID == "" {
		return nil, forbiddenf("anonymous owner")
	}
	if name == "" {
		return nil, invalidf("tree name is required")
	}
	members := make([]string, 0, len(collaborators))
	seen := map[string]struct{}{owner.ID: {}}
	for _, c := range collaborators {
		c = strings.TrimSpace(c)
		if c == "" {
			continue
		}
		if _, dup := seen[c]; dup {
			continue
		}
		seen[c] = struct{}{}
		members = append(members, c)
	}

	tree := &model.Tree{
		ID:            model.NewID(),
		Name:          name,
		Owner:         owner.ID,
		Public:        public,
		Collaborators: members,
		Edges:         []model.Edge{},
	}
	if err := b.store.CreateTree(ctx, tree); err != nil {
		return nil, fromStore(err, "tree")
	}
	return tree, nil
}

// Snapshot returns the tree and the nodes userID may read. It holds the
// tree lock so the view matches a single point in the commit order.
func (b *Broadcaster) Snapshot(ctx context.Context, treeID, userID string) (*model.Tree, []*model.Node, error) {
	release := b.locks.lock(treeID)
	defer release()

	tree, err := b.store.LoadTree(ctx, treeID)
	if err != nil {
		return nil, nil, fromStore(err, "tree "+treeID)
	}
	if !model.TreeReadable(userID, tree) {
		return nil, nil, forbiddenf("tree %s is not readable", treeID)
	}
	nodes, err := b.store.ListNodes(ctx, treeID)
	if err != nil {
		return nil, nil, fromStore(err, "nodes of "+treeID)
	}
	visible := make([]*model.Node, 0, len(nodes))
	for _, n := range nodes {
		if model.ResolveAccess(userID, tree, n).AtLeast(model.AccessRead) {
			visible = append(visible, n)
		}
	}
	return tree, visible, nil
}

// CanRead reports whether userID may subscribe to the tree's channel.
func (b *Broadcaster) CanRead(ctx context.Context, treeID, userID string) (bool, error) {
	_, err := b.ReadableTree(ctx, treeID, userID)
	switch CodeOf(err) {
	case CodeForbidden, CodeNotFound:
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// ReadableTree loads the tree if userID may read it.
func (b *Broadcaster) ReadableTree(ctx context.Context, treeID, userID string) (*model.Tree, error) {
	tree, err := b.store.LoadTree(ctx, treeID)
	if err != nil {
		return nil, fromStore(err, "tree "+treeID)
	}
	if !model.TreeReadable(userID, tree) {
		return nil, forbiddenf("tree %s is not readable", treeID)
	}
	return tree, nil
}
