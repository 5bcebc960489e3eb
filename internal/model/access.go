package model

// Access is a capability level on a node or tree. Levels are ordered so
// that a higher level implies every lower one.
type Access string

const (
	AccessNone  Access = ""
	AccessRead  Access = "read"
	AccessWrite Access = "write"
	AccessAdmin Access = "admin"
)

func (a Access) rank() int {
	switch a {
	case AccessRead:
		return 1
	case AccessWrite:
		return 2
	case AccessAdmin:
		return 3
	}
	return 0
}

// Valid reports whether a can be granted in a permission table.
func (a Access) Valid() bool {
	return a.rank() > 0
}

// AtLeast reports whether a grants everything want grants.
func (a Access) AtLeast(want Access) bool {
	return a.rank() >= want.rank()
}

// TreeReadable reports whether userID may view a tree and join its channel.
func TreeReadable(userID string, tree *Tree) bool {
	if tree == nil {
		return false
	}
	return tree.Public || tree.IsCollaborator(userID)
}

// ResolveAccess is the single capability rule every mutation path uses.
// The tree owner and node owner hold admin; an explicit node permission
// grants its level; tree collaborators hold write; anyone who can read the
// tree may read its visible nodes. The result is never lower than the
// strongest grant that applies.
func ResolveAccess(userID string, tree *Tree, node *Node) Access {
	if userID == "" || tree == nil {
		return AccessNone
	}
	if tree.Owner == userID {
		return AccessAdmin
	}

	level := AccessNone
	if TreeReadable(userID, tree) && (node == nil || node.Visible) {
		level = AccessRead
	}
	if tree.IsCollaborator(userID) {
		level = AccessWrite
	}
	if node == nil {
		return level
	}
	if node.Owner == userID {
		return AccessAdmin
	}
	if granted, ok := node.PermissionFor(userID); ok && granted.AtLeast(level) {
		level = granted
	}
	return level
}
