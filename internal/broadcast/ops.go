package broadcast

import (
	"encoding/json"
	"fmt"
	"strings"

	"treehub/internal/model"
)

// OpType names a tree mutation.
type OpType string

const (
	OpCreateNode  OpType = "create_node"
	OpUpdateNode  OpType = "update_node"
	OpMoveNode    OpType = "move_node"
	OpDeleteNode  OpType = "delete_node"
	OpCreateEdge  OpType = "create_edge"
	OpDeleteEdge  OpType = "delete_edge"
	OpLikeNode    OpType = "like_node"
	OpUnlikeNode  OpType = "unlike_node"
	OpCommentNode OpType = "comment_node"
)

// Valid reports whether t is a known mutation.
func (t OpType) Valid() bool {
	switch t {
	case OpCreateNode, OpUpdateNode, OpMoveNode, OpDeleteNode,
		OpCreateEdge, OpDeleteEdge, OpLikeNode, OpUnlikeNode, OpCommentNode:
		return true
	}
	return false
}

// versionChecked reports whether the client's expected version must match.
// Set-like ops (likes, comments) commute and skip it.
func (t OpType) versionChecked() bool {
	switch t {
	case OpCreateNode, OpLikeNode, OpUnlikeNode, OpCommentNode:
		return false
	}
	return true
}

const maxCommentLength = 4000

// Op is a single mutation request against one tree.
type Op struct {
	Type            OpType
	RequestID       string
	NodeID          string
	ExpectedVersion int64
	Payload         json.RawMessage
	// Echo nil means true: the originator receives its own broadcast.
	Echo *bool
}

func (o Op) echo() bool {
	return o.Echo == nil || *o.Echo
}

// CreateNodePayload is the payload of create_node. An empty ParentID
// creates a root node.
type CreateNodePayload struct {
	ParentID    string             `json:"parentId,omitempty"`
	Content     string             `json:"content"`
	Stage       model.Stage        `json:"stage,omitempty"`
	Tags        []string           `json:"tags,omitempty"`
	Visible     *bool              `json:"visible,omitempty"`
	Permissions []model.Permission `json:"permissions,omitempty"`
}

// UpdateNodePayload changes only the fields that are set.
type UpdateNodePayload struct {
	Content     *string             `json:"content,omitempty"`
	Stage       *model.Stage        `json:"stage,omitempty"`
	Tags        *[]string           `json:"tags,omitempty"`
	Visible     *bool               `json:"visible,omitempty"`
	Permissions *[]model.Permission `json:"permissions,omitempty"`
}

// MoveNodePayload re-parents a node. An empty NewParentID makes it a root.
type MoveNodePayload struct {
	NewParentID string `json:"newParentId"`
}

// CreateEdgePayload links two nodes of the tree.
type CreateEdgePayload struct {
	From string         `json:"from"`
	To   string         `json:"to"`
	Kind model.EdgeKind `json:"kind"`
}

// DeleteEdgePayload removes an edge by id.
type DeleteEdgePayload struct {
	EdgeID string `json:"edgeId"`
}

// CommentPayload is the payload of comment_node.
type CommentPayload struct {
	Text string `json:"text"`
}

func decodePayload(op Op, into interface{}) error {
	if len(op.Payload) == 0 {
		return nil
	}
	if err := json.Unmarshal(op.Payload, into); err != nil {
		return invalidf("%s payload: %v", op.Type, err)
	}
	return nil
}

func validatePermissions(perms []model.Permission) error {
	seen := make(map[string]struct{}, len(perms))
	for _, p := range perms {
		if strings.TrimSpace(p.UserID) == "" {
			return invalidf("permission without user")
		}
		if !p.Level.Valid() {
			return invalidf("permission level %q", p.Level)
		}
		if _, dup := seen[p.UserID]; dup {
			return invalidf("duplicate permission for %s", p.UserID)
		}
		seen[p.UserID] = struct{}{}
	}
	return nil
}

func validateStage(stage model.Stage) error {
	if !stage.Valid() {
		return invalidf("unknown stage %q", stage)
	}
	return nil
}

func validateComment(text string) (string, error) {
	text = strings.TrimSpace(text)
	switch {
	case text == "":
		return "", invalidf("comment text is required")
	case len(text) > maxCommentLength:
		return "", invalidf("comment longer than %d bytes", maxCommentLength)
	}
	return text, nil
}

func describe(op Op) string {
	if op.NodeID == "" {
		return string(op.Type)
	}
	return fmt.Sprintf("%s %s", op.Type, op.NodeID)
}
