package broadcast

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"treehub/internal/model"
	"treehub/internal/protocol"
	"treehub/internal/room"
	"treehub/internal/store"
	"treehub/internal/store/memory"
)

var (
	alice = model.Identity{ID: "alice", Name: "Alice"}
	bob   = model.Identity{ID: "bob", Name: "Bob"}
	carol = model.Identity{ID: "carol", Name: "Carol"}
)

type subscriber struct {
	id     string
	user   string
	mu     sync.Mutex
	events []protocol.MutationEvent
}

func (s *subscriber) ID() string { return s.id }

func (s *subscriber) UserID() string { return s.user }

func (s *subscriber) Deliver(frame []byte) bool {
	f, err := protocol.Decode(frame)
	if err != nil {
		return false
	}
	var ev protocol.MutationEvent
	if err := json.Unmarshal(f.Data, &ev); err != nil {
		return false
	}
	s.mu.Lock()
	s.events = append(s.events, ev)
	s.mu.Unlock()
	return true
}

func (s *subscriber) received() []protocol.MutationEvent {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]protocol.MutationEvent(nil), s.events...)
}

type recordedNotice struct {
	recipient, sender string
	typ               model.NotificationType
	refs              model.Refs
}

type recordingNotifier struct {
	mu      sync.Mutex
	notices []recordedNotice
}

func (n *recordingNotifier) Dispatch(_ context.Context, recipient, sender string, typ model.NotificationType, refs model.Refs) (*model.Notification, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.notices = append(n.notices, recordedNotice{recipient, sender, typ, refs})
	return &model.Notification{ID: model.NewID()}, nil
}

func (n *recordingNotifier) all() []recordedNotice {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]recordedNotice(nil), n.notices...)
}

type recordingJournal struct {
	mu   sync.Mutex
	seqs []int64
}

func (j *recordingJournal) Append(_ context.Context, _ string, seq int64, _ []byte) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.seqs = append(j.seqs, seq)
	return nil
}

type harness struct {
	store    *memory.Store
	router   *room.Router
	b        *Broadcaster
	notifier *recordingNotifier
	journal  *recordingJournal
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	return newHarnessWithStore(t, memory.New())
}

func newHarnessWithStore(t *testing.T, graph store.GraphStore) *harness {
	t.Helper()
	h := &harness{
		router:   room.NewRouter(zaptest.NewLogger(t)),
		notifier: &recordingNotifier{},
		journal:  &recordingJournal{},
	}
	if m, ok := graph.(*memory.Store); ok {
		h.store = m
	}
	h.b = New(graph, h.router, Options{
		Logger:   zaptest.NewLogger(t),
		Journal:  h.journal,
		Notifier: h.notifier,
	})
	return h
}

func (h *harness) newTree(t *testing.T, owner model.Identity, public bool, collaborators ...string) *model.Tree {
	t.Helper()
	tree, err := h.b.CreateTree(context.Background(), owner, "ideas", public, collaborators)
	require.NoError(t, err)
	return tree
}

// subscribe joins as alice, who owns every tree these tests build.
func (h *harness) subscribe(id, treeID string) *subscriber {
	return h.subscribeAs(id, alice.ID, treeID)
}

func (h *harness) subscribeAs(id, userID, treeID string) *subscriber {
	sub := &subscriber{id: id, user: userID}
	h.router.Subscribe(sub, model.TreeChannel(treeID))
	return sub
}

func (h *harness) createNode(t *testing.T, treeID string, editor model.Identity, payload CreateNodePayload) *model.Node {
	t.Helper()
	applied, err := h.b.Apply(context.Background(), treeID, editor, "", Op{Type: OpCreateNode, Payload: mustJSON(t, payload)})
	require.NoError(t, err)
	return applied.Node
}

func (h *harness) loadNode(t *testing.T, id string) *model.Node {
	t.Helper()
	n, err := h.store.LoadNode(context.Background(), id)
	require.NoError(t, err)
	return n
}

func mustJSON(t *testing.T, v interface{}) json.RawMessage {
	t.Helper()
	raw, err := json.Marshal(v)
	require.NoError(t, err)
	return raw
}

func strPtr(s string) *string { return &s }

func updateOp(t *testing.T, nodeID string, expected int64, content string) Op {
	return Op{Type: OpUpdateNode, NodeID: nodeID, ExpectedVersion: expected,
		Payload: mustJSON(t, UpdateNodePayload{Content: strPtr(content)})}
}

func requireCode(t *testing.T, err error, code Code) *Error {
	t.Helper()
	var opErr *Error
	require.True(t, errors.As(err, &opErr), "expected *Error, got %v", err)
	require.Equal(t, code, opErr.Code, opErr.Message)
	return opErr
}

func nodeAtVersion3(t *testing.T, h *harness, treeID string) *model.Node {
	t.Helper()
	ctx := context.Background()
	n := h.createNode(t, treeID, alice, CreateNodePayload{Content: "v1"})
	for v := int64(1); v < 3; v++ {
		_, err := h.b.Apply(ctx, treeID, alice, "", updateOp(t, n.ID, v, fmt.Sprintf("v%d", v+1)))
		require.NoError(t, err)
	}
	n = h.loadNode(t, n.ID)
	require.Equal(t, int64(3), n.Version)
	return n
}

func TestUpdateWithoutPermissionIsForbidden(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	tree := h.newTree(t, alice, true)
	n1 := nodeAtVersion3(t, h, tree.ID)

	subA := h.subscribe("conn-a", tree.ID)
	subB := h.subscribe("conn-b", tree.ID)

	_, err := h.b.Apply(ctx, tree.ID, bob, "conn-b", updateOp(t, n1.ID, 3, "x"))
	requireCode(t, err, CodeForbidden)

	assert.Empty(t, subA.received())
	assert.Empty(t, subB.received())
	stored := h.loadNode(t, n1.ID)
	assert.Equal(t, int64(3), stored.Version)
	assert.Equal(t, "v3", stored.Content)
}

func TestStaleVersionConflictCarriesCurrentState(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	tree := h.newTree(t, alice, false, bob.ID)
	n1 := nodeAtVersion3(t, h, tree.ID)
	subB := h.subscribe("conn-b", tree.ID)

	applied, err := h.b.Apply(ctx, tree.ID, alice, "conn-a", updateOp(t, n1.ID, 3, "from alice"))
	require.NoError(t, err)
	assert.Equal(t, int64(4), applied.NewVersion)

	_, err = h.b.Apply(ctx, tree.ID, bob, "conn-b", updateOp(t, n1.ID, 3, "from bob"))
	opErr := requireCode(t, err, CodeConflict)
	current, ok := opErr.Current.(*model.Node)
	require.True(t, ok)
	assert.Equal(t, int64(4), current.Version)
	assert.Equal(t, "from alice", current.Content)

	stored := h.loadNode(t, n1.ID)
	assert.Equal(t, "from alice", stored.Content)
	require.Len(t, subB.received(), 1)
}

func TestCreateNodeLinksParentAtomically(t *testing.T) {
	h := newHarness(t)
	tree := h.newTree(t, alice, false)
	root := h.createNode(t, tree.ID, alice, CreateNodePayload{Content: "root"})
	child := h.createNode(t, tree.ID, alice, CreateNodePayload{ParentID: root.ID, Content: "child", Stage: model.StageDraft})

	assert.Equal(t, root.ID, child.ParentID)
	assert.Equal(t, model.StageDraft, child.Stage)
	assert.True(t, child.Visible)
	stored := h.loadNode(t, root.ID)
	assert.Equal(t, []string{child.ID}, stored.Children)
	assert.Equal(t, int64(2), stored.Version)
	assert.InDelta(t, 0.25, stored.Score, 1e-9)
}

func TestRootCreateRequiresMembership(t *testing.T) {
	h := newHarness(t)
	tree := h.newTree(t, alice, true)

	_, err := h.b.Apply(context.Background(), tree.ID, bob, "", Op{Type: OpCreateNode, Payload: mustJSON(t, CreateNodePayload{Content: "x"})})
	requireCode(t, err, CodeForbidden)
}

func TestCreateUnderPermittedParent(t *testing.T) {
	h := newHarness(t)
	tree := h.newTree(t, alice, false)
	root := h.createNode(t, tree.ID, alice, CreateNodePayload{
		Content:     "open thread",
		Permissions: []model.Permission{{UserID: bob.ID, Level: model.AccessWrite}},
	})

	reply := h.createNode(t, tree.ID, bob, CreateNodePayload{ParentID: root.ID, Content: "reply"})
	assert.Equal(t, bob.ID, reply.Owner)

	_, err := h.b.Apply(context.Background(), tree.ID, carol, "", Op{Type: OpCreateNode,
		Payload: mustJSON(t, CreateNodePayload{ParentID: root.ID, Content: "nope"})})
	requireCode(t, err, CodeForbidden)
}

func TestMoveNodeUpdatesBothParents(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	tree := h.newTree(t, alice, false)
	p1 := h.createNode(t, tree.ID, alice, CreateNodePayload{Content: "p1"})
	p2 := h.createNode(t, tree.ID, alice, CreateNodePayload{Content: "p2"})
	c := h.createNode(t, tree.ID, alice, CreateNodePayload{ParentID: p1.ID, Content: "c"})
	sub := h.subscribe("watcher", tree.ID)

	applied, err := h.b.Apply(ctx, tree.ID, alice, "", Op{Type: OpMoveNode, NodeID: c.ID, ExpectedVersion: 1,
		Payload: mustJSON(t, MoveNodePayload{NewParentID: p2.ID})})
	require.NoError(t, err)
	assert.Equal(t, int64(2), applied.NewVersion)
	assert.Len(t, applied.Related, 2)

	assert.Empty(t, h.loadNode(t, p1.ID).Children)
	assert.Equal(t, []string{c.ID}, h.loadNode(t, p2.ID).Children)
	assert.Equal(t, p2.ID, h.loadNode(t, c.ID).ParentID)

	events := sub.received()
	require.Len(t, events, 1)
	assert.Equal(t, string(OpMoveNode), events[0].Op)
	assert.Equal(t, alice.ID, events[0].ActingUserID)
}

func TestRejectedMoveLeavesTreeUnchanged(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	tree := h.newTree(t, alice, false)
	p1 := h.createNode(t, tree.ID, alice, CreateNodePayload{Content: "p1"})
	p2 := h.createNode(t, tree.ID, alice, CreateNodePayload{Content: "p2"})
	c := h.createNode(t, tree.ID, alice, CreateNodePayload{ParentID: p1.ID, Content: "c"})

	_, err := h.b.Apply(ctx, tree.ID, alice, "", Op{Type: OpMoveNode, NodeID: c.ID, ExpectedVersion: 7,
		Payload: mustJSON(t, MoveNodePayload{NewParentID: p2.ID})})
	requireCode(t, err, CodeConflict)

	assert.Equal(t, []string{c.ID}, h.loadNode(t, p1.ID).Children)
	assert.Empty(t, h.loadNode(t, p2.ID).Children)
	assert.Equal(t, p1.ID, h.loadNode(t, c.ID).ParentID)
}

func TestMoveRejectsCycles(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	tree := h.newTree(t, alice, false)
	a := h.createNode(t, tree.ID, alice, CreateNodePayload{Content: "a"})
	b := h.createNode(t, tree.ID, alice, CreateNodePayload{ParentID: a.ID, Content: "b"})
	c := h.createNode(t, tree.ID, alice, CreateNodePayload{ParentID: b.ID, Content: "c"})
	a = h.loadNode(t, a.ID)

	_, err := h.b.Apply(ctx, tree.ID, alice, "", Op{Type: OpMoveNode, NodeID: a.ID, ExpectedVersion: a.Version,
		Payload: mustJSON(t, MoveNodePayload{NewParentID: c.ID})})
	requireCode(t, err, CodeInvalid)

	_, err = h.b.Apply(ctx, tree.ID, alice, "", Op{Type: OpMoveNode, NodeID: a.ID, ExpectedVersion: a.Version,
		Payload: mustJSON(t, MoveNodePayload{NewParentID: a.ID})})
	requireCode(t, err, CodeInvalid)

	assert.Empty(t, h.loadNode(t, a.ID).ParentID)
}

func TestDeleteNodeReparentsChildrenAndDropsEdges(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	tree := h.newTree(t, alice, false, bob.ID)
	root := h.createNode(t, tree.ID, alice, CreateNodePayload{Content: "root"})
	mid := h.createNode(t, tree.ID, alice, CreateNodePayload{ParentID: root.ID, Content: "mid"})
	leaf1 := h.createNode(t, tree.ID, alice, CreateNodePayload{ParentID: mid.ID, Content: "leaf1"})
	leaf2 := h.createNode(t, tree.ID, alice, CreateNodePayload{ParentID: mid.ID, Content: "leaf2"})
	other := h.createNode(t, tree.ID, alice, CreateNodePayload{Content: "other"})

	edgeApplied, err := h.b.Apply(ctx, tree.ID, alice, "", Op{Type: OpCreateEdge, ExpectedVersion: 1,
		Payload: mustJSON(t, CreateEdgePayload{From: mid.ID, To: other.ID, Kind: model.EdgeReference})})
	require.NoError(t, err)
	assert.Equal(t, int64(2), edgeApplied.NewVersion)

	mid = h.loadNode(t, mid.ID)
	_, err = h.b.Apply(ctx, tree.ID, bob, "", Op{Type: OpDeleteNode, NodeID: mid.ID, ExpectedVersion: mid.Version})
	requireCode(t, err, CodeForbidden)

	applied, err := h.b.Apply(ctx, tree.ID, alice, "", Op{Type: OpDeleteNode, NodeID: mid.ID, ExpectedVersion: mid.Version})
	require.NoError(t, err)
	assert.Equal(t, int64(3), applied.TreeVersion)

	deleted := h.loadNode(t, mid.ID)
	assert.True(t, deleted.Deleted)
	assert.Empty(t, deleted.Children)
	assert.Empty(t, deleted.ParentID)

	gotRoot := h.loadNode(t, root.ID)
	assert.Equal(t, []string{leaf1.ID, leaf2.ID}, gotRoot.Children)
	assert.Equal(t, root.ID, h.loadNode(t, leaf1.ID).ParentID)
	assert.Equal(t, root.ID, h.loadNode(t, leaf2.ID).ParentID)

	gotTree, err := h.store.LoadTree(ctx, tree.ID)
	require.NoError(t, err)
	assert.Empty(t, gotTree.Edges)

	nodes, err := h.store.ListNodes(ctx, tree.ID)
	require.NoError(t, err)
	assertTreeConsistent(t, nodes)

	_, err = h.b.Apply(ctx, tree.ID, alice, "", updateOp(t, mid.ID, deleted.Version, "ghost"))
	requireCode(t, err, CodeNotFound)
}

// assertTreeConsistent checks that every parent lists its children and
// every listed child points back at its parent.
func assertTreeConsistent(t *testing.T, nodes []*model.Node) {
	t.Helper()
	byID := make(map[string]*model.Node, len(nodes))
	for _, n := range nodes {
		byID[n.ID] = n
	}
	for _, n := range nodes {
		if n.ParentID != "" {
			parent, ok := byID[n.ParentID]
			require.True(t, ok, "node %s has missing parent %s", n.ID, n.ParentID)
			assert.True(t, parent.HasChild(n.ID), "parent %s does not list %s", parent.ID, n.ID)
		}
		for _, childID := range n.Children {
			child, ok := byID[childID]
			require.True(t, ok, "node %s lists missing child %s", n.ID, childID)
			assert.Equal(t, n.ID, child.ParentID)
		}
	}
}

func TestEdgeValidation(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	tree := h.newTree(t, alice, true)
	a := h.createNode(t, tree.ID, alice, CreateNodePayload{Content: "a"})
	b := h.createNode(t, tree.ID, alice, CreateNodePayload{Content: "b"})

	link := func(expected int64, from, to string, kind model.EdgeKind) Op {
		return Op{Type: OpCreateEdge, ExpectedVersion: expected,
			Payload: mustJSON(t, CreateEdgePayload{From: from, To: to, Kind: kind})}
	}

	_, err := h.b.Apply(ctx, tree.ID, alice, "", link(1, a.ID, a.ID, model.EdgeLink))
	requireCode(t, err, CodeInvalid)
	_, err = h.b.Apply(ctx, tree.ID, alice, "", link(1, a.ID, b.ID, "parent"))
	requireCode(t, err, CodeInvalid)
	_, err = h.b.Apply(ctx, tree.ID, alice, "", link(1, a.ID, "missing", model.EdgeLink))
	requireCode(t, err, CodeNotFound)
	_, err = h.b.Apply(ctx, tree.ID, bob, "", link(1, a.ID, b.ID, model.EdgeLink))
	requireCode(t, err, CodeForbidden)

	applied, err := h.b.Apply(ctx, tree.ID, alice, "", link(1, a.ID, b.ID, model.EdgeLink))
	require.NoError(t, err)
	require.NotNil(t, applied.Edge)

	_, err = h.b.Apply(ctx, tree.ID, alice, "", link(1, b.ID, a.ID, model.EdgeLink))
	opErr := requireCode(t, err, CodeConflict)
	assert.Equal(t, int64(2), opErr.Current.(*model.Tree).Version)

	_, err = h.b.Apply(ctx, tree.ID, alice, "", link(2, a.ID, b.ID, model.EdgeLink))
	requireCode(t, err, CodeInvalid)

	_, err = h.b.Apply(ctx, tree.ID, alice, "", Op{Type: OpDeleteEdge, ExpectedVersion: 2,
		Payload: mustJSON(t, DeleteEdgePayload{EdgeID: "nope"})})
	requireCode(t, err, CodeNotFound)

	deleted, err := h.b.Apply(ctx, tree.ID, alice, "", Op{Type: OpDeleteEdge, ExpectedVersion: 2,
		Payload: mustJSON(t, DeleteEdgePayload{EdgeID: applied.Edge.ID})})
	require.NoError(t, err)
	assert.Equal(t, int64(3), deleted.NewVersion)
}

func TestLikeAndCommentNotifyOwner(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	tree := h.newTree(t, alice, true)
	n := h.createNode(t, tree.ID, alice, CreateNodePayload{Content: "post"})

	liked, err := h.b.Apply(ctx, tree.ID, bob, "", Op{Type: OpLikeNode, NodeID: n.ID, ExpectedVersion: 99})
	require.NoError(t, err)
	assert.Equal(t, []string{bob.ID}, liked.Node.Likes)
	assert.InDelta(t, 1.0, liked.Node.Score, 1e-9)

	again, err := h.b.Apply(ctx, tree.ID, bob, "", Op{Type: OpLikeNode, NodeID: n.ID})
	require.NoError(t, err)
	assert.True(t, again.NoOp)

	_, err = h.b.Apply(ctx, tree.ID, bob, "", Op{Type: OpCommentNode, NodeID: n.ID,
		Payload: mustJSON(t, CommentPayload{Text: "  nice  "})})
	require.NoError(t, err)

	_, err = h.b.Apply(ctx, tree.ID, bob, "", Op{Type: OpCommentNode, NodeID: n.ID,
		Payload: mustJSON(t, CommentPayload{Text: "   "})})
	requireCode(t, err, CodeInvalid)

	stored := h.loadNode(t, n.ID)
	require.Len(t, stored.Comments, 1)
	assert.Equal(t, "nice", stored.Comments[0].Text)
	assert.InDelta(t, 1.5, stored.Score, 1e-9)

	notices := h.notifier.all()
	require.Len(t, notices, 2)
	assert.Equal(t, recordedNotice{alice.ID, bob.ID, model.NotifyLike, model.Refs{TreeID: tree.ID, NodeID: n.ID}}, notices[0])
	assert.Equal(t, model.NotifyComment, notices[1].typ)
	assert.Equal(t, stored.Comments[0].ID, notices[1].refs.CommentID)

	unliked, err := h.b.Apply(ctx, tree.ID, bob, "", Op{Type: OpUnlikeNode, NodeID: n.ID})
	require.NoError(t, err)
	assert.Empty(t, unliked.Node.Likes)
	assert.Len(t, h.notifier.all(), 2)
}

func TestInvisibleNodeHiddenFromReaders(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	tree := h.newTree(t, alice, true)
	hidden := false
	n := h.createNode(t, tree.ID, alice, CreateNodePayload{Content: "draft", Visible: &hidden})
	h.createNode(t, tree.ID, alice, CreateNodePayload{Content: "public"})

	_, err := h.b.Apply(ctx, tree.ID, bob, "", Op{Type: OpLikeNode, NodeID: n.ID})
	requireCode(t, err, CodeForbidden)

	_, nodes, err := h.b.Snapshot(ctx, tree.ID, bob.ID)
	require.NoError(t, err)
	require.Len(t, nodes, 1)
	assert.Equal(t, "public", nodes[0].Content)

	_, nodes, err = h.b.Snapshot(ctx, tree.ID, alice.ID)
	require.NoError(t, err)
	assert.Len(t, nodes, 2)
}

func TestSnapshotOfPrivateTree(t *testing.T) {
	h := newHarness(t)
	tree := h.newTree(t, alice, false)

	_, _, err := h.b.Snapshot(context.Background(), tree.ID, bob.ID)
	requireCode(t, err, CodeForbidden)
	_, _, err = h.b.Snapshot(context.Background(), "missing", alice.ID)
	requireCode(t, err, CodeNotFound)

	ok, err := h.b.CanRead(context.Background(), tree.ID, bob.ID)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestPermissionChangeNeedsAdmin(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	tree := h.newTree(t, alice, false, bob.ID)
	n := h.createNode(t, tree.ID, alice, CreateNodePayload{Content: "x"})

	perms := []model.Permission{{UserID: carol.ID, Level: model.AccessWrite}}
	op := Op{Type: OpUpdateNode, NodeID: n.ID, ExpectedVersion: 1, Payload: mustJSON(t, UpdateNodePayload{Permissions: &perms})}

	_, err := h.b.Apply(ctx, tree.ID, bob, "", op)
	requireCode(t, err, CodeForbidden)

	_, err = h.b.Apply(ctx, tree.ID, alice, "", op)
	require.NoError(t, err)

	_, err = h.b.Apply(ctx, tree.ID, carol, "", updateOp(t, n.ID, 2, "by carol"))
	require.NoError(t, err)
}

func TestEchoFalseSkipsOriginator(t *testing.T) {
	h := newHarness(t)
	tree := h.newTree(t, alice, false)
	n := h.createNode(t, tree.ID, alice, CreateNodePayload{Content: "x"})
	origin := h.subscribe("conn-a", tree.ID)
	other := h.subscribe("conn-b", tree.ID)

	noEcho := false
	op := updateOp(t, n.ID, 1, "y")
	op.Echo = &noEcho
	applied, err := h.b.Apply(context.Background(), tree.ID, alice, "conn-a", op)
	require.NoError(t, err)
	assert.Equal(t, 1, applied.Delivered)
	assert.Empty(t, origin.received())
	assert.Len(t, other.received(), 1)

	_, err = h.b.Apply(context.Background(), tree.ID, alice, "conn-a", updateOp(t, n.ID, 2, "z"))
	require.NoError(t, err)
	assert.Len(t, origin.received(), 1)
}

func TestSubscribersObserveCommitOrder(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	tree := h.newTree(t, alice, false, bob.ID)
	nodes := make([]*model.Node, 8)
	for i := range nodes {
		nodes[i] = h.createNode(t, tree.ID, alice, CreateNodePayload{Content: "n"})
	}
	subs := []*subscriber{h.subscribe("s1", tree.ID), h.subscribe("s2", tree.ID), h.subscribe("s3", tree.ID)}

	var wg sync.WaitGroup
	for i, n := range nodes {
		wg.Add(1)
		go func(i int, n *model.Node) {
			defer wg.Done()
			editor := alice
			if i%2 == 1 {
				editor = bob
			}
			for v := int64(1); v <= 5; v++ {
				_, err := h.b.Apply(ctx, tree.ID, editor, "", updateOp(t, n.ID, v, fmt.Sprint(v)))
				assert.NoError(t, err)
			}
		}(i, n)
	}
	wg.Wait()

	first := subs[0].received()
	require.Len(t, first, len(nodes)*5)
	for i := 1; i < len(first); i++ {
		assert.Greater(t, first[i].Seq, first[i-1].Seq)
	}
	for _, s := range subs[1:] {
		assert.Equal(t, first, s.received())
	}
	assert.Zero(t, h.b.locks.size())

	h.journal.mu.Lock()
	defer h.journal.mu.Unlock()
	assert.Len(t, h.journal.seqs, len(nodes)*5+len(nodes))
}

// flakyStore fails the first commits touching failID with a conflict, as
// if another writer had raced us on that node.
type flakyStore struct {
	*memory.Store
	failID   string
	failures int
}

func (f *flakyStore) Commit(ctx context.Context, batch store.Batch) (store.Batch, error) {
	for _, nw := range batch.Nodes {
		if nw.Node.ID == f.failID && f.failures > 0 {
			f.failures--
			return store.Batch{}, &store.ConflictError{Kind: store.KindNode, ID: f.failID, Expected: nw.ExpectedVersion, Actual: nw.ExpectedVersion + 1}
		}
	}
	return f.Store.Commit(ctx, batch)
}

func TestAuxiliaryConflictIsRetried(t *testing.T) {
	mem := memory.New()
	flaky := &flakyStore{Store: mem}
	h := newHarnessWithStore(t, flaky)
	h.store = mem
	ctx := context.Background()
	tree := h.newTree(t, alice, false)
	parent := h.createNode(t, tree.ID, alice, CreateNodePayload{Content: "p"})

	flaky.failID, flaky.failures = parent.ID, 2
	child := h.createNode(t, tree.ID, alice, CreateNodePayload{ParentID: parent.ID, Content: "c"})
	assert.Equal(t, []string{child.ID}, h.loadNode(t, parent.ID).Children)

	flaky.failures = maxAttempts
	_, err := h.b.Apply(ctx, tree.ID, alice, "", Op{Type: OpCreateNode,
		Payload: mustJSON(t, CreateNodePayload{ParentID: parent.ID, Content: "c2"})})
	requireCode(t, err, CodeConflict)
}

func TestApplyRejectsBadRequests(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	tree := h.newTree(t, alice, false)

	_, err := h.b.Apply(ctx, tree.ID, alice, "", Op{Type: "rename_tree"})
	requireCode(t, err, CodeInvalid)
	_, err = h.b.Apply(ctx, tree.ID, model.Identity{}, "", Op{Type: OpCreateNode})
	requireCode(t, err, CodeForbidden)
	_, err = h.b.Apply(ctx, "missing", alice, "", Op{Type: OpCreateNode})
	requireCode(t, err, CodeNotFound)
	_, err = h.b.Apply(ctx, tree.ID, alice, "", Op{Type: OpCreateNode, Payload: json.RawMessage(`{"stage":"done"}`)})
	requireCode(t, err, CodeInvalid)
	_, err = h.b.Apply(ctx, tree.ID, alice, "", Op{Type: OpUpdateNode, NodeID: "x", Payload: json.RawMessage(`[`)})
	requireCode(t, err, CodeNotFound)

	cancelled, cancel := context.WithCancel(ctx)
	cancel()
	_, err = h.b.Apply(cancelled, tree.ID, alice, "", Op{Type: OpCreateNode})
	requireCode(t, err, CodeInternal)
}

func TestObserverSeesOutcome(t *testing.T) {
	var mu sync.Mutex
	seen := map[string]int{}
	b := New(memory.New(), room.NewRouter(nil), Options{Observer: func(op OpType, code string, _ time.Duration) {
		mu.Lock()
		seen[string(op)+"/"+code]++
		mu.Unlock()
	}})
	tree, err := b.CreateTree(context.Background(), alice, "t", false, nil)
	require.NoError(t, err)

	_, err = b.Apply(context.Background(), tree.ID, alice, "", Op{Type: OpCreateNode})
	require.NoError(t, err)
	_, err = b.Apply(context.Background(), tree.ID, bob, "", Op{Type: OpCreateNode})
	require.Error(t, err)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, map[string]int{"create_node/ok": 1, "create_node/forbidden": 1}, seen)
}

func TestCreateTreeValidation(t *testing.T) {
	h := newHarness(t)
	_, err := h.b.CreateTree(context.Background(), alice, "  ", false, nil)
	requireCode(t, err, CodeInvalid)

	tree, err := h.b.CreateTree(context.Background(), alice, "t", false, []string{"bob", "bob", "alice", ""})
	require.NoError(t, err)
	assert.Equal(t, []string{"bob"}, tree.Collaborators)
	assert.Equal(t, int64(1), tree.Version)
}

func TestCreateWithTakenNodeIDIsRejected(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	private := h.newTree(t, alice, false)
	secret := h.createNode(t, private.ID, alice, CreateNodePayload{Content: "secret"})
	own := h.newTree(t, bob, true)
	sub := h.subscribeAs("conn-b", bob.ID, own.ID)

	_, err := h.b.Apply(ctx, own.ID, bob, "", Op{Type: OpCreateNode, NodeID: secret.ID,
		Payload: mustJSON(t, CreateNodePayload{Content: "mine"})})
	opErr := requireCode(t, err, CodeInvalid)
	assert.Nil(t, opErr.Current)
	assert.NotContains(t, opErr.Message, "secret")

	assert.Equal(t, "secret", h.loadNode(t, secret.ID).Content)
	assert.Empty(t, sub.received())

	fresh := "client-chosen"
	applied, err := h.b.Apply(ctx, own.ID, bob, "", Op{Type: OpCreateNode, NodeID: fresh,
		Payload: mustJSON(t, CreateNodePayload{Content: "mine"})})
	require.NoError(t, err)
	assert.Equal(t, fresh, applied.NodeID)
}

func TestConflictStateIsScopedToEditor(t *testing.T) {
	tree := &model.Tree{ID: "t1", Owner: alice.ID, Public: true}
	hidden := &model.Node{ID: "n1", TreeID: "t1", Owner: alice.ID, Visible: false}
	shown := &model.Node{ID: "n2", TreeID: "t1", Owner: alice.ID, Visible: true}
	foreign := &model.Node{ID: "n3", TreeID: "t2", Owner: carol.ID, Visible: true}
	otherTree := &model.Tree{ID: "t2", Owner: carol.ID}
	var missing *model.Node

	tests := []struct {
		name    string
		current interface{}
		userID  string
		kept    bool
	}{
		{"visible node", shown, bob.ID, true},
		{"hidden node for reader", hidden, bob.ID, false},
		{"hidden node for owner", hidden, alice.ID, true},
		{"node of another tree", foreign, alice.ID, false},
		{"nil node", missing, alice.ID, false},
		{"same tree", tree, bob.ID, true},
		{"another tree", otherTree, carol.ID, false},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			err := scopeCurrent(conflictWith(tc.current, "stale"), tree, tc.userID)
			opErr := requireCode(t, err, CodeConflict)
			if tc.kept {
				assert.Equal(t, tc.current, opErr.Current)
			} else {
				assert.Nil(t, opErr.Current)
			}
		})
	}
}

func TestHiddenNodeEventsAreRedactedPerSubscriber(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	tree := h.newTree(t, alice, true)
	hidden := false
	root := h.createNode(t, tree.ID, alice, CreateNodePayload{Content: "root"})
	draft := h.createNode(t, tree.ID, alice, CreateNodePayload{ParentID: root.ID, Content: "draft", Visible: &hidden})

	owner := h.subscribeAs("conn-a", alice.ID, tree.ID)
	reader := h.subscribeAs("conn-b", bob.ID, tree.ID)

	applied, err := h.b.Apply(ctx, tree.ID, alice, "", updateOp(t, draft.ID, 1, "launch plan"))
	require.NoError(t, err)
	assert.Equal(t, 2, applied.Delivered)

	full := owner.received()
	require.Len(t, full, 1)
	require.NotNil(t, full[0].Node)
	assert.Equal(t, "launch plan", full[0].Node.Content)

	redacted := reader.received()
	require.Len(t, redacted, 1)
	assert.Nil(t, redacted[0].Node)
	assert.Equal(t, draft.ID, redacted[0].NodeID)
	assert.Equal(t, int64(2), redacted[0].NewVersion)
	assert.Equal(t, full[0].Seq, redacted[0].Seq)

	// a visible child moving under the hidden node: the reader sees the
	// child but not the hidden parent in Related
	leaf := h.createNode(t, tree.ID, alice, CreateNodePayload{ParentID: root.ID, Content: "leaf"})
	_, err = h.b.Apply(ctx, tree.ID, alice, "", Op{Type: OpMoveNode, NodeID: leaf.ID, ExpectedVersion: 1,
		Payload: mustJSON(t, MoveNodePayload{NewParentID: draft.ID})})
	require.NoError(t, err)

	last := reader.received()
	move := last[len(last)-1]
	require.NotNil(t, move.Node)
	assert.Equal(t, leaf.ID, move.Node.ID)
	for _, n := range move.Related {
		assert.NotEqual(t, draft.ID, n.ID)
	}
	ownerLast := owner.received()
	assert.Len(t, ownerLast[len(ownerLast)-1].Related, 2)
}

func TestRedactFrame(t *testing.T) {
	tree := &model.Tree{ID: "t1", Owner: alice.ID, Public: false, Collaborators: []string{bob.ID}}
	hidden := &model.Node{ID: "n1", TreeID: "t1", Owner: alice.ID, Content: "private", Visible: false}
	frame, err := protocol.Encode(protocol.TypeMutation, protocol.MutationEvent{
		TreeID: "t1", Op: string(OpUpdateNode), NodeID: "n1", Node: hidden, NewVersion: 4, Seq: 9,
	})
	require.NoError(t, err)

	out, ok, err := RedactFrame(frame, tree, alice.ID)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, frame, out)

	_, ok, err = RedactFrame(frame, tree, carol.ID)
	require.NoError(t, err)
	assert.False(t, ok)

	_, _, err = RedactFrame([]byte("{"), tree, alice.ID)
	assert.Error(t, err)
}

func TestSetLikeOpsIgnoreExpectedVersion(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	tree := h.newTree(t, alice, true)
	n := nodeAtVersion3(t, h, tree.ID)

	_, err := h.b.Apply(ctx, tree.ID, bob, "", Op{Type: OpLikeNode, NodeID: n.ID, ExpectedVersion: 1})
	require.NoError(t, err)
	_, err = h.b.Apply(ctx, tree.ID, bob, "", Op{Type: OpCommentNode, NodeID: n.ID, ExpectedVersion: 1,
		Payload: mustJSON(t, CommentPayload{Text: "nice"})})
	require.NoError(t, err)

	_, err = h.b.Apply(ctx, tree.ID, alice, "", updateOp(t, n.ID, 1, "stale"))
	requireCode(t, err, CodeConflict)
}
