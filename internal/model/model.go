package model

import (
	"time"

	"github.com/oklog/ulid/v2"
)

// Identity is the resolved user behind an authenticated connection.
type Identity struct {
	ID     string `json:"id" bson:"_id"`
	Name   string `json:"name" bson:"name"`
	Avatar string `json:"avatar,omitempty" bson:"avatar,omitempty"`
}

// Stage classifies a node's lifecycle.
type Stage string

const (
	StageSeed     Stage = "seed"
	StageDraft    Stage = "draft"
	StageActive   Stage = "active"
	StageResolved Stage = "resolved"
	StageArchived Stage = "archived"
)

// Valid reports whether s is one of the known stages.
func (s Stage) Valid() bool {
	switch s {
	case StageSeed, StageDraft, StageActive, StageResolved, StageArchived:
		return true
	}
	return false
}

// EdgeKind is the type of an associative link between two nodes.
type EdgeKind string

const (
	EdgeLink      EdgeKind = "link"
	EdgeReference EdgeKind = "reference"
)

// Valid reports whether k can be stored as a tree edge. Parent/child
// relations are carried by node references, never by edges.
func (k EdgeKind) Valid() bool {
	return k == EdgeLink || k == EdgeReference
}

// Permission grants a user an access level on a single node.
type Permission struct {
	UserID string `json:"userId" bson:"user_id"`
	Level  Access `json:"level" bson:"level"`
}

// Comment is embedded in its node.
type Comment struct {
	ID        string    `json:"id" bson:"id"`
	Author    string    `json:"author" bson:"author"`
	Text      string    `json:"text" bson:"text"`
	CreatedAt time.Time `json:"createdAt" bson:"created_at"`
}

// Edge is an associative link stored on its tree.
type Edge struct {
	ID        string    `json:"id" bson:"id"`
	From      string    `json:"from" bson:"from"`
	To        string    `json:"to" bson:"to"`
	Kind      EdgeKind  `json:"kind" bson:"kind"`
	CreatedBy string    `json:"createdBy" bson:"created_by"`
	CreatedAt time.Time `json:"createdAt" bson:"created_at"`
}

// Tree is an owned container of nodes, edges and collaborators.
type Tree struct {
	ID            string    `json:"id" bson:"_id"`
	Name          string    `json:"name" bson:"name"`
	Owner         string    `json:"owner" bson:"owner"`
	Public        bool      `json:"public" bson:"public"`
	Collaborators []string  `json:"collaborators" bson:"collaborators"`
	Edges         []Edge    `json:"edges" bson:"edges"`
	Version       int64     `json:"version" bson:"version"`
	CreatedAt     time.Time `json:"createdAt" bson:"created_at"`
	UpdatedAt     time.Time `json:"updatedAt" bson:"updated_at"`
}

// IsCollaborator reports whether userID holds tree-level write membership.
// The owner is always a member.
func (t *Tree) IsCollaborator(userID string) bool {
	if t == nil || userID == "" {
		return false
	}
	if t.Owner == userID {
		return true
	}
	return containsString(t.Collaborators, userID)
}

// Edge returns the edge with the given id.
func (t *Tree) Edge(id string) (Edge, bool) {
	for _, e := range t.Edges {
		if e.ID == id {
			return e, true
		}
	}
	return Edge{}, false
}

// Clone returns a deep copy.
func (t *Tree) Clone() *Tree {
	if t == nil {
		return nil
	}
	out := *t
	out.Collaborators = append([]string(nil), t.Collaborators...)
	out.Edges = append([]Edge(nil), t.Edges...)
	return &out
}

// Node is a single piece of content in a tree. Parent and children are id
// references into the tree's node arena.
type Node struct {
	ID          string       `json:"id" bson:"_id"`
	TreeID      string       `json:"treeId" bson:"tree_id"`
	Owner       string       `json:"owner" bson:"owner"`
	Content     string       `json:"content" bson:"content"`
	Stage       Stage        `json:"stage" bson:"stage"`
	ParentID    string       `json:"parentId,omitempty" bson:"parent_id,omitempty"`
	Children    []string     `json:"children" bson:"children"`
	Likes       []string     `json:"likes" bson:"likes"`
	Comments    []Comment    `json:"comments" bson:"comments"`
	Tags        []string     `json:"tags" bson:"tags"`
	Visible     bool         `json:"visible" bson:"visible"`
	Permissions []Permission `json:"permissions" bson:"permissions"`
	Score       float64      `json:"score" bson:"score"`
	Version     int64        `json:"version" bson:"version"`
	Deleted     bool         `json:"deleted,omitempty" bson:"deleted,omitempty"`
	CreatedAt   time.Time    `json:"createdAt" bson:"created_at"`
	UpdatedAt   time.Time    `json:"updatedAt" bson:"updated_at"`
}

// PermissionFor returns the explicit permission entry for userID.
func (n *Node) PermissionFor(userID string) (Access, bool) {
	for _, p := range n.Permissions {
		if p.UserID == userID {
			return p.Level, true
		}
	}
	return AccessNone, false
}

// HasChild reports whether id is listed in the node's children.
func (n *Node) HasChild(id string) bool {
	return containsString(n.Children, id)
}

// AddChild appends id unless it is already listed.
func (n *Node) AddChild(id string) {
	if !n.HasChild(id) {
		n.Children = append(n.Children, id)
	}
}

// RemoveChild drops id from the children list.
func (n *Node) RemoveChild(id string) {
	n.Children = removeString(n.Children, id)
}

// Like adds userID to the like set and reports whether it changed.
func (n *Node) Like(userID string) bool {
	if containsString(n.Likes, userID) {
		return false
	}
	n.Likes = append(n.Likes, userID)
	return true
}

// Unlike removes userID from the like set and reports whether it changed.
func (n *Node) Unlike(userID string) bool {
	if !containsString(n.Likes, userID) {
		return false
	}
	n.Likes = removeString(n.Likes, userID)
	return true
}

// Clone returns a deep copy.
func (n *Node) Clone() *Node {
	if n == nil {
		return nil
	}
	out := *n
	out.Children = append([]string(nil), n.Children...)
	out.Likes = append([]string(nil), n.Likes...)
	out.Comments = append([]Comment(nil), n.Comments...)
	out.Tags = append([]string(nil), n.Tags...)
	out.Permissions = append([]Permission(nil), n.Permissions...)
	return &out
}

// NotificationType is the domain event a notification reports.
type NotificationType string

const (
	NotifyLike    NotificationType = "like"
	NotifyComment NotificationType = "comment"
	NotifyFollow  NotificationType = "follow"
)

// Valid reports whether t is a known notification type.
func (t NotificationType) Valid() bool {
	return t == NotifyLike || t == NotifyComment || t == NotifyFollow
}

// Refs point at whatever triggered a notification.
type Refs struct {
	TreeID    string `json:"treeId,omitempty" bson:"tree_id,omitempty"`
	NodeID    string `json:"nodeId,omitempty" bson:"node_id,omitempty"`
	CommentID string `json:"commentId,omitempty" bson:"comment_id,omitempty"`
}

// Notification is an immutable fact delivered to a recipient. Only Read
// changes after creation, and only from false to true.
type Notification struct {
	ID        string           `json:"id" bson:"_id"`
	Recipient string           `json:"recipient" bson:"recipient"`
	Sender    string           `json:"sender" bson:"sender"`
	Type      NotificationType `json:"type" bson:"type"`
	Refs      Refs             `json:"refs" bson:"refs"`
	Read      bool             `json:"read" bson:"read"`
	CreatedAt time.Time        `json:"createdAt" bson:"created_at"`
}

// NewID returns a new lexically sortable identifier.
func NewID() string {
	return ulid.Make().String()
}

func containsString(list []string, v string) bool {
	for _, s := range list {
		if s == v {
			return true
		}
	}
	return false
}

func removeString(list []string, v string) []string {
	out := make([]string, 0, len(list))
	for _, s := range list {
		if s != v {
			out = append(out, s)
		}
	}
	return out
}
