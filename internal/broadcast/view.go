package broadcast

import (
	"encoding/json"
	"errors"

	"treehub/internal/model"
	"treehub/internal/protocol"
)

// ViewFor returns ev as userID may see it. Nodes userID cannot read are
// dropped; the event keeps the node id and versions so the reader's
// version bookkeeping stays current. ok is false when the tree itself is
// not readable and nothing should be sent.
func ViewFor(ev protocol.MutationEvent, tree *model.Tree, userID string) (view protocol.MutationEvent, ok bool) {
	view, _, ok = redact(ev, tree, userID)
	return view, ok
}

// redact also reports whether anything was removed.
func redact(ev protocol.MutationEvent, tree *model.Tree, userID string) (protocol.MutationEvent, bool, bool) {
	if !model.TreeReadable(userID, tree) {
		return protocol.MutationEvent{}, false, false
	}
	changed := false
	if ev.Node != nil && !model.ResolveAccess(userID, tree, ev.Node).AtLeast(model.AccessRead) {
		ev.Node = nil
		changed = true
	}
	if len(ev.Related) > 0 {
		related := make([]*model.Node, 0, len(ev.Related))
		for _, n := range ev.Related {
			if model.ResolveAccess(userID, tree, n).AtLeast(model.AccessRead) {
				related = append(related, n)
			}
		}
		if len(related) != len(ev.Related) {
			ev.Related = related
			changed = true
		}
	}
	return ev, changed, true
}

// RedactFrame applies ViewFor to an encoded mutation frame. Frames of
// other types pass through unchanged.
func RedactFrame(frame []byte, tree *model.Tree, userID string) ([]byte, bool, error) {
	env, err := protocol.Decode(frame)
	if err != nil {
		return nil, false, err
	}
	if env.Type != protocol.TypeMutation {
		return frame, true, nil
	}
	var ev protocol.MutationEvent
	if err := json.Unmarshal(env.Data, &ev); err != nil {
		return nil, false, err
	}
	view, changed, ok := redact(ev, tree, userID)
	if !ok {
		return nil, false, nil
	}
	if !changed {
		return frame, true, nil
	}
	out, err := protocol.Encode(protocol.TypeMutation, view)
	if err != nil {
		return nil, false, err
	}
	return out, true, nil
}

// scopeCurrent drops conflict state the editor may not see: anything from
// another tree, an unreadable tree, or a node below read access.
func scopeCurrent(err error, tree *model.Tree, userID string) error {
	var opErr *Error
	if !errors.As(err, &opErr) || opErr.Current == nil {
		return err
	}
	switch cur := opErr.Current.(type) {
	case *model.Node:
		if cur == nil || tree == nil || cur.TreeID != tree.ID ||
			!model.ResolveAccess(userID, tree, cur).AtLeast(model.AccessRead) {
			opErr.Current = nil
		}
	case *model.Tree:
		if cur == nil || tree == nil || cur.ID != tree.ID || !model.TreeReadable(userID, cur) {
			opErr.Current = nil
		}
	default:
		opErr.Current = nil
	}
	return err
}
