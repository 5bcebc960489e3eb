package main

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"treehub/internal/model"
	"treehub/internal/store/memory"
)

func TestParseSeedUsers(t *testing.T) {
	users := parseSeedUsers(" alice:Alice Liddell, bob ,,")
	assert.Equal(t, []model.Identity{
		{ID: "alice", Name: "Alice Liddell"},
		{ID: "bob", Name: "bob"},
	}, users)
	assert.Empty(t, parseSeedUsers(""))
}

func TestSeed(t *testing.T) {
	s := memory.New()
	require.NoError(t, seed(context.Background(), s, parseSeedUsers("alice,bob")))

	identity, err := s.Resolve(context.Background(), "bob")
	require.NoError(t, err)
	assert.Equal(t, "bob", identity.Name)
}
