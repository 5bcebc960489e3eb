package presence

import (
	"context"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"treehub/internal/model"
)

type recordingMirror struct {
	mu     sync.Mutex
	events []string
	err    error
}

func (m *recordingMirror) SetOnline(_ context.Context, identity model.Identity) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, "online:"+identity.ID)
	return m.err
}

func (m *recordingMirror) SetOffline(_ context.Context, userID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, "offline:"+userID)
	return m.err
}

func (m *recordingMirror) recorded() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.events...)
}

func TestRegistryMultiDevice(t *testing.T) {
	mirror := &recordingMirror{}
	reg := NewRegistry(zaptest.NewLogger(t), mirror)
	alice := model.Identity{ID: "alice", Name: "Alice"}

	assert.True(t, reg.Register("c1", alice))
	assert.False(t, reg.Register("c2", alice))
	assert.True(t, reg.IsOnline("alice"))
	assert.Equal(t, []string{"c1", "c2"}, reg.ConnectionsFor("alice"))
	assert.Equal(t, 2, reg.ConnectionCount())

	user, offline := reg.Deregister("c1")
	assert.Equal(t, "alice", user)
	assert.False(t, offline)
	assert.True(t, reg.IsOnline("alice"))

	user, offline = reg.Deregister("c2")
	assert.Equal(t, "alice", user)
	assert.True(t, offline)
	assert.False(t, reg.IsOnline("alice"))
	assert.Empty(t, reg.ConnectionsFor("alice"))

	assert.Equal(t, []string{"online:alice", "offline:alice"}, mirror.recorded())
}

func TestRegistryDeregisterIsIdempotent(t *testing.T) {
	reg := NewRegistry(zaptest.NewLogger(t), nil)
	reg.Register("c1", model.Identity{ID: "bob"})

	_, offline := reg.Deregister("c1")
	require.True(t, offline)

	user, offline := reg.Deregister("c1")
	assert.Empty(t, user)
	assert.False(t, offline)

	user, offline = reg.Deregister("never-registered")
	assert.Empty(t, user)
	assert.False(t, offline)
}

func TestRegistryDuplicateRegister(t *testing.T) {
	reg := NewRegistry(nil, nil)
	assert.True(t, reg.Register("c1", model.Identity{ID: "bob"}))
	assert.False(t, reg.Register("c1", model.Identity{ID: "bob"}))
	assert.Equal(t, 1, reg.ConnectionCount())
}

func TestRegistryOnlineListsEachUserOnce(t *testing.T) {
	reg := NewRegistry(zaptest.NewLogger(t), nil)
	reg.Register("c1", model.Identity{ID: "carol"})
	reg.Register("c2", model.Identity{ID: "alice"})
	reg.Register("c3", model.Identity{ID: "carol"})

	online := reg.Online()
	require.Len(t, online, 2)
	assert.Equal(t, "alice", online[0].ID)
	assert.Equal(t, "carol", online[1].ID)
}

func TestRegistryMirrorErrorsDoNotAffectState(t *testing.T) {
	mirror := &recordingMirror{err: fmt.Errorf("redis down")}
	reg := NewRegistry(zaptest.NewLogger(t), mirror)

	assert.True(t, reg.Register("c1", model.Identity{ID: "dave"}))
	assert.True(t, reg.IsOnline("dave"))
	_, offline := reg.Deregister("c1")
	assert.True(t, offline)
	assert.Len(t, mirror.recorded(), 2)
}

func TestRegistryConcurrentConnections(t *testing.T) {
	reg := NewRegistry(zaptest.NewLogger(t), &recordingMirror{})
	const conns = 50

	var wg sync.WaitGroup
	for i := 0; i < conns; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			id := fmt.Sprintf("conn-%d", i)
			reg.Register(id, model.Identity{ID: fmt.Sprintf("user-%d", i%5)})
		}(i)
	}
	wg.Wait()
	assert.Equal(t, conns, reg.ConnectionCount())
	assert.Len(t, reg.Online(), 5)

	offlines := make(chan string, conns)
	for i := 0; i < conns; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			if user, offline := reg.Deregister(fmt.Sprintf("conn-%d", i)); offline {
				offlines <- user
			}
		}(i)
	}
	wg.Wait()
	close(offlines)

	var count int
	for range offlines {
		count++
	}
	assert.Equal(t, 5, count)
	assert.Zero(t, reg.ConnectionCount())
}
