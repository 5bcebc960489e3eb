package model

import "strings"

// ChannelID names a broadcast group.
type ChannelID string

const (
	userChannelPrefix = "user:"
	treeChannelPrefix = "tree:"
)

// UserChannel is the personal notification channel of a user.
func UserChannel(userID string) ChannelID {
	return ChannelID(userChannelPrefix + userID)
}

// TreeChannel is the collaboration channel of a tree.
func TreeChannel(treeID string) ChannelID {
	return ChannelID(treeChannelPrefix + treeID)
}

// TreeID returns the tree a collaboration channel belongs to.
func (c ChannelID) TreeID() (string, bool) {
	s := string(c)
	if !strings.HasPrefix(s, treeChannelPrefix) || len(s) == len(treeChannelPrefix) {
		return "", false
	}
	return strings.TrimPrefix(s, treeChannelPrefix), true
}

// UserID returns the user a personal channel belongs to.
func (c ChannelID) UserID() (string, bool) {
	s := string(c)
	if !strings.HasPrefix(s, userChannelPrefix) || len(s) == len(userChannelPrefix) {
		return "", false
	}
	return strings.TrimPrefix(s, userChannelPrefix), true
}
