package broadcast

import (
	"context"
	"errors"

	"treehub/internal/model"
	"treehub/internal/store"
)

// plan is one attempt at a mutation: the batch to commit plus what to
// report once it lands.
type plan struct {
	batch  store.Batch
	nodeID string
	edge   *model.Edge
	edgeID string
	notice *notice

	// conflicts on this entity go back to the client instead of retrying
	strictKind string
	strictID   string

	noop    bool
	current *model.Node
}

func (p *plan) strict(c *store.ConflictError) bool {
	return p.strictID != "" && c.Kind == p.strictKind && c.ID == p.strictID
}

func (p *plan) addNode(n *model.Node, expected int64) {
	p.batch.Nodes = append(p.batch.Nodes, store.NodeWrite{Node: n, ExpectedVersion: expected})
}

func (p *plan) result(op OpType, treeID string, committed store.Batch) *Applied {
	a := &Applied{Op: op, TreeID: treeID, NodeID: p.nodeID, Edge: p.edge, EdgeID: p.edgeID}
	for _, nw := range committed.Nodes {
		if nw.Node.ID == p.nodeID {
			a.Node = nw.Node
			a.NewVersion = nw.Node.Version
			continue
		}
		a.Related = append(a.Related, nw.Node)
	}
	if committed.Tree != nil {
		a.TreeVersion = committed.Tree.Tree.Version
		if p.nodeID == "" {
			a.NewVersion = a.TreeVersion
		}
	}
	return a
}

func (b *Broadcaster) plan(ctx context.Context, tree *model.Tree, editor model.Identity, op Op) (*plan, error) {
	switch op.Type {
	case OpCreateNode:
		return b.planCreate(ctx, tree, editor, op)
	case OpUpdateNode:
		return b.planUpdate(ctx, tree, editor, op)
	case OpMoveNode:
		return b.planMove(ctx, tree, editor, op)
	case OpDeleteNode:
		return b.planDelete(ctx, tree, editor, op)
	case OpCreateEdge:
		return b.planCreateEdge(ctx, tree, editor, op)
	case OpDeleteEdge:
		return b.planDeleteEdge(tree, editor, op)
	case OpLikeNode, OpUnlikeNode:
		return b.planLike(ctx, tree, editor, op)
	case OpCommentNode:
		return b.planComment(ctx, tree, editor, op)
	}
	return nil, invalidf("unknown op %q", op.Type)
}

// liveNode loads a node that belongs to tree and is not deleted.
func (b *Broadcaster) liveNode(ctx context.Context, tree *model.Tree, nodeID string) (*model.Node, error) {
	if nodeID == "" {
		return nil, invalidf("node id is required")
	}
	node, err := b.store.LoadNode(ctx, nodeID)
	if err != nil {
		return nil, fromStore(err, "node "+nodeID)
	}
	if node.TreeID != tree.ID || node.Deleted {
		return nil, notFoundf("node %s not found", nodeID)
	}
	return node, nil
}

// optionalNode loads a node that may have vanished; a miss yields nil.
func (b *Broadcaster) optionalNode(ctx context.Context, nodeID string) (*model.Node, error) {
	node, err := b.store.LoadNode(ctx, nodeID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fromStore(err, "node "+nodeID)
	}
	return node, nil
}

func requireAccess(editor model.Identity, tree *model.Tree, node *model.Node, want model.Access) error {
	if !model.ResolveAccess(editor.ID, tree, node).AtLeast(want) {
		return forbiddenf("%s access to node %s required", want, node.ID)
	}
	return nil
}

func requireMember(editor model.Identity, tree *model.Tree) error {
	if !tree.IsCollaborator(editor.ID) {
		return forbiddenf("tree %s: owner or collaborator required", tree.ID)
	}
	return nil
}

func checkNodeVersion(op Op, node *model.Node) error {
	if !op.Type.versionChecked() {
		return nil
	}
	if node.Version != op.ExpectedVersion {
		return conflictWith(node, "node %s is at version %d, not %d", node.ID, node.Version, op.ExpectedVersion)
	}
	return nil
}

func checkTreeVersion(op Op, tree *model.Tree) error {
	if !op.Type.versionChecked() {
		return nil
	}
	if tree.Version != op.ExpectedVersion {
		return conflictWith(tree, "tree %s is at version %d, not %d", tree.ID, tree.Version, op.ExpectedVersion)
	}
	return nil
}

func (b *Broadcaster) planCreate(ctx context.Context, tree *model.Tree, editor model.Identity, op Op) (*plan, error) {
	var payload CreateNodePayload
	if err := decodePayload(op, &payload); err != nil {
		return nil, err
	}

	var parent *model.Node
	if payload.ParentID == "" {
		if err := requireMember(editor, tree); err != nil {
			return nil, err
		}
	} else {
		var err error
		if parent, err = b.liveNode(ctx, tree, payload.ParentID); err != nil {
			return nil, err
		}
		if err := requireAccess(editor, tree, parent, model.AccessWrite); err != nil {
			return nil, err
		}
	}

	if payload.Stage == "" {
		payload.Stage = model.StageSeed
	}
	if err := validateStage(payload.Stage); err != nil {
		return nil, err
	}
	if err := validatePermissions(payload.Permissions); err != nil {
		return nil, err
	}

	nodeID := op.NodeID
	if nodeID == "" {
		nodeID = model.NewID()
	} else {
		taken, err := b.optionalNode(ctx, nodeID)
		if err != nil {
			return nil, err
		}
		if taken != nil {
			return nil, invalidf("node id %s is already taken", nodeID)
		}
	}
	visible := true
	if payload.Visible != nil {
		visible = *payload.Visible
	}
	node := &model.Node{
		ID:          nodeID,
		TreeID:      tree.ID,
		Owner:       editor.ID,
		Content:     payload.Content,
		Stage:       payload.Stage,
		ParentID:    payload.ParentID,
		Children:    []string{},
		Likes:       []string{},
		Comments:    []model.Comment{},
		Tags:        append([]string{}, payload.Tags...),
		Visible:     visible,
		Permissions: append([]model.Permission{}, payload.Permissions...),
		CreatedAt:   b.nowFn().UTC(),
	}

	p := &plan{nodeID: node.ID, strictKind: store.KindNode, strictID: node.ID}
	p.addNode(node, 0)
	if parent != nil {
		parent.AddChild(node.ID)
		parent.RecomputeScore()
		p.addNode(parent, parent.Version)
	}
	return p, nil
}

func (b *Broadcaster) planUpdate(ctx context.Context, tree *model.Tree, editor model.Identity, op Op) (*plan, error) {
	node, err := b.liveNode(ctx, tree, op.NodeID)
	if err != nil {
		return nil, err
	}
	var payload UpdateNodePayload
	if err := decodePayload(op, &payload); err != nil {
		return nil, err
	}
	want := model.AccessWrite
	if payload.Permissions != nil {
		want = model.AccessAdmin
	}
	if err := requireAccess(editor, tree, node, want); err != nil {
		return nil, err
	}
	if err := checkNodeVersion(op, node); err != nil {
		return nil, err
	}

	changed := false
	if payload.Content != nil {
		node.Content = *payload.Content
		changed = true
	}
	if payload.Stage != nil {
		if err := validateStage(*payload.Stage); err != nil {
			return nil, err
		}
		node.Stage = *payload.Stage
		changed = true
	}
	if payload.Tags != nil {
		node.Tags = append([]string{}, (*payload.Tags)...)
		changed = true
	}
	if payload.Visible != nil {
		node.Visible = *payload.Visible
		changed = true
	}
	if payload.Permissions != nil {
		if err := validatePermissions(*payload.Permissions); err != nil {
			return nil, err
		}
		node.Permissions = append([]model.Permission{}, (*payload.Permissions)...)
		changed = true
	}
	if !changed {
		return nil, invalidf("update_node without fields")
	}

	p := &plan{nodeID: node.ID, strictKind: store.KindNode, strictID: node.ID}
	p.addNode(node, node.Version)
	return p, nil
}

func (b *Broadcaster) planMove(ctx context.Context, tree *model.Tree, editor model.Identity, op Op) (*plan, error) {
	node, err := b.liveNode(ctx, tree, op.NodeID)
	if err != nil {
		return nil, err
	}
	var payload MoveNodePayload
	if err := decodePayload(op, &payload); err != nil {
		return nil, err
	}
	if err := requireAccess(editor, tree, node, model.AccessWrite); err != nil {
		return nil, err
	}
	if payload.NewParentID == node.ID {
		return nil, invalidf("node %s cannot be its own parent", node.ID)
	}

	var newParent *model.Node
	if payload.NewParentID == "" {
		if err := requireMember(editor, tree); err != nil {
			return nil, err
		}
	} else {
		if newParent, err = b.liveNode(ctx, tree, payload.NewParentID); err != nil {
			return nil, err
		}
		if err := requireAccess(editor, tree, newParent, model.AccessWrite); err != nil {
			return nil, err
		}
	}
	if err := checkNodeVersion(op, node); err != nil {
		return nil, err
	}
	if payload.NewParentID == node.ParentID {
		return nil, invalidf("node %s already under %q", node.ID, node.ParentID)
	}
	if newParent != nil {
		if err := b.rejectCycle(ctx, node, newParent); err != nil {
			return nil, err
		}
	}

	p := &plan{nodeID: node.ID, strictKind: store.KindNode, strictID: node.ID}
	if node.ParentID != "" {
		oldParent, err := b.optionalNode(ctx, node.ParentID)
		if err != nil {
			return nil, err
		}
		if oldParent != nil {
			oldParent.RemoveChild(node.ID)
			oldParent.RecomputeScore()
			p.addNode(oldParent, oldParent.Version)
		}
	}
	node.ParentID = payload.NewParentID
	p.addNode(node, node.Version)
	if newParent != nil {
		newParent.AddChild(node.ID)
		newParent.RecomputeScore()
		p.addNode(newParent, newParent.Version)
	}
	return p, nil
}

// rejectCycle walks up from newParent; reaching node means the move would
// make node its own ancestor.
func (b *Broadcaster) rejectCycle(ctx context.Context, node, newParent *model.Node) error {
	visited := make(map[string]struct{})
	for cur := newParent; cur != nil; {
		if cur.ID == node.ID {
			return invalidf("moving %s under %s would create a cycle", node.ID, newParent.ID)
		}
		if _, seen := visited[cur.ID]; seen || cur.ParentID == "" {
			return nil
		}
		visited[cur.ID] = struct{}{}
		next, err := b.optionalNode(ctx, cur.ParentID)
		if err != nil {
			return err
		}
		cur = next
	}
	return nil
}

// planDelete marks the node deleted, hands its children to its parent and
// drops edges touching it, all in one batch.
func (b *Broadcaster) planDelete(ctx context.Context, tree *model.Tree, editor model.Identity, op Op) (*plan, error) {
	node, err := b.liveNode(ctx, tree, op.NodeID)
	if err != nil {
		return nil, err
	}
	if err := requireAccess(editor, tree, node, model.AccessAdmin); err != nil {
		return nil, err
	}
	if err := checkNodeVersion(op, node); err != nil {
		return nil, err
	}

	p := &plan{nodeID: node.ID, strictKind: store.KindNode, strictID: node.ID}

	var parent *model.Node
	if node.ParentID != "" {
		if parent, err = b.optionalNode(ctx, node.ParentID); err != nil {
			return nil, err
		}
		if parent != nil && parent.Deleted {
			parent = nil
		}
	}
	newParentID := ""
	if parent != nil {
		newParentID = parent.ID
		parent.RemoveChild(node.ID)
	}

	for _, childID := range node.Children {
		child, err := b.optionalNode(ctx, childID)
		if err != nil {
			return nil, err
		}
		if child == nil || child.Deleted || child.TreeID != tree.ID {
			continue
		}
		child.ParentID = newParentID
		if parent != nil {
			parent.AddChild(child.ID)
		}
		p.addNode(child, child.Version)
	}
	if parent != nil {
		parent.RecomputeScore()
		p.addNode(parent, parent.Version)
	}

	node.Deleted = true
	node.ParentID = ""
	node.Children = []string{}
	node.RecomputeScore()
	p.addNode(node, node.Version)

	kept := make([]model.Edge, 0, len(tree.Edges))
	for _, e := range tree.Edges {
		if e.From != node.ID && e.To != node.ID {
			kept = append(kept, e)
		}
	}
	if len(kept) != len(tree.Edges) {
		next := tree.Clone()
		next.Edges = kept
		p.batch.Tree = &store.TreeWrite{Tree: next, ExpectedVersion: tree.Version}
	}
	return p, nil
}

func (b *Broadcaster) planCreateEdge(ctx context.Context, tree *model.Tree, editor model.Identity, op Op) (*plan, error) {
	if err := requireMember(editor, tree); err != nil {
		return nil, err
	}
	if err := checkTreeVersion(op, tree); err != nil {
		return nil, err
	}
	var payload CreateEdgePayload
	if err := decodePayload(op, &payload); err != nil {
		return nil, err
	}
	if !payload.Kind.Valid() {
		return nil, invalidf("unknown edge kind %q", payload.Kind)
	}
	if payload.From == payload.To {
		return nil, invalidf("edge endpoints must differ")
	}
	for _, id := range []string{payload.From, payload.To} {
		if _, err := b.liveNode(ctx, tree, id); err != nil {
			return nil, err
		}
	}
	for _, e := range tree.Edges {
		if e.From == payload.From && e.To == payload.To && e.Kind == payload.Kind {
			return nil, invalidf("edge %s already links %s to %s", e.ID, e.From, e.To)
		}
	}

	edge := model.Edge{
		ID:        model.NewID(),
		From:      payload.From,
		To:        payload.To,
		Kind:      payload.Kind,
		CreatedBy: editor.ID,
		CreatedAt: b.nowFn().UTC(),
	}
	next := tree.Clone()
	next.Edges = append(next.Edges, edge)
	return &plan{
		batch:      store.Batch{Tree: &store.TreeWrite{Tree: next, ExpectedVersion: tree.Version}},
		edge:       &edge,
		edgeID:     edge.ID,
		strictKind: store.KindTree,
		strictID:   tree.ID,
	}, nil
}

func (b *Broadcaster) planDeleteEdge(tree *model.Tree, editor model.Identity, op Op) (*plan, error) {
	if err := requireMember(editor, tree); err != nil {
		return nil, err
	}
	if err := checkTreeVersion(op, tree); err != nil {
		return nil, err
	}
	var payload DeleteEdgePayload
	if err := decodePayload(op, &payload); err != nil {
		return nil, err
	}
	if _, ok := tree.Edge(payload.EdgeID); !ok {
		return nil, notFoundf("edge %s not found", payload.EdgeID)
	}

	next := tree.Clone()
	next.Edges = next.Edges[:0]
	for _, e := range tree.Edges {
		if e.ID != payload.EdgeID {
			next.Edges = append(next.Edges, e)
		}
	}
	return &plan{
		batch:      store.Batch{Tree: &store.TreeWrite{Tree: next, ExpectedVersion: tree.Version}},
		edgeID:     payload.EdgeID,
		strictKind: store.KindTree,
		strictID:   tree.ID,
	}, nil
}

func (b *Broadcaster) planLike(ctx context.Context, tree *model.Tree, editor model.Identity, op Op) (*plan, error) {
	node, err := b.liveNode(ctx, tree, op.NodeID)
	if err != nil {
		return nil, err
	}
	if err := requireAccess(editor, tree, node, model.AccessRead); err != nil {
		return nil, err
	}
	if err := checkNodeVersion(op, node); err != nil {
		return nil, err
	}

	var changed bool
	if op.Type == OpLikeNode {
		changed = node.Like(editor.ID)
	} else {
		changed = node.Unlike(editor.ID)
	}
	if !changed {
		return &plan{nodeID: node.ID, noop: true, current: node}, nil
	}
	node.RecomputeScore()

	p := &plan{nodeID: node.ID}
	p.addNode(node, node.Version)
	if op.Type == OpLikeNode {
		p.notice = &notice{
			recipient: node.Owner,
			typ:       model.NotifyLike,
			refs:      model.Refs{TreeID: tree.ID, NodeID: node.ID},
		}
	}
	return p, nil
}

func (b *Broadcaster) planComment(ctx context.Context, tree *model.Tree, editor model.Identity, op Op) (*plan, error) {
	node, err := b.liveNode(ctx, tree, op.NodeID)
	if err != nil {
		return nil, err
	}
	if err := requireAccess(editor, tree, node, model.AccessRead); err != nil {
		return nil, err
	}
	if err := checkNodeVersion(op, node); err != nil {
		return nil, err
	}
	var payload CommentPayload
	if err := decodePayload(op, &payload); err != nil {
		return nil, err
	}
	text, err := validateComment(payload.Text)
	if err != nil {
		return nil, err
	}

	comment := model.Comment{
		ID:        model.NewID(),
		Author:    editor.ID,
		Text:      text,
		CreatedAt: b.nowFn().UTC(),
	}
	node.Comments = append(node.Comments, comment)
	node.RecomputeScore()

	p := &plan{nodeID: node.ID}
	p.addNode(node, node.Version)
	p.notice = &notice{
		recipient: node.Owner,
		typ:       model.NotifyComment,
		refs:      model.Refs{TreeID: tree.ID, NodeID: node.ID, CommentID: comment.ID},
	}
	return p, nil
}
