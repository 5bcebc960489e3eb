package main

import (
	"context"
	"fmt"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"treehub/internal/auth"
	"treehub/internal/config"
	"treehub/internal/model"
	"treehub/internal/server"
	"treehub/internal/store/memory"
)

var testSecret = []byte("treeload-test-secret")

func startServer(t *testing.T, users int) string {
	t.Helper()
	s := memory.New()
	for i := 1; i <= users; i++ {
		require.NoError(t, s.PutUser(context.Background(), model.Identity{ID: userID(i), Name: fmt.Sprintf("Load User %d", i)}))
	}
	cfg := config.Config{ShutdownGracePeriod: time.Second, Auth: config.AuthConfig{Timeout: time.Second}}
	srv, err := server.New(cfg, zap.NewNop(), testSecret, server.Deps{Graph: s, Identities: s})
	require.NoError(t, err)

	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		srv.Shutdown(ctx)
		ts.Close()
	})
	return ts.URL
}

func TestSimulationConverges(t *testing.T) {
	if testing.Short() {
		t.Skip("drives a live server")
	}
	url := startServer(t, 3)

	report, err := runSimulation(context.Background(), simulationConfig{
		ServerURL: url,
		Users:     3,
		Nodes:     2,
		Duration:  400 * time.Millisecond,
		Scenario:  "aggressive",
		Settle:    500 * time.Millisecond,
		Issuer:    auth.Issuer{Secret: testSecret, TTL: time.Hour},
	}, zap.NewNop())
	require.NoError(t, err)

	assert.Positive(t, report.Sent)
	assert.Positive(t, report.Received)
	assert.True(t, report.Consistent, "mismatches: %v", report.Mismatches)
}

func TestRunSimulationRejectsBadConfig(t *testing.T) {
	_, err := runSimulation(context.Background(), simulationConfig{Users: 1, Scenario: "code"}, zap.NewNop())
	assert.Error(t, err)

	_, err = runSimulation(context.Background(), simulationConfig{Users: 0, Scenario: "normal"}, zap.NewNop())
	assert.Error(t, err)
}

func TestRunPlanRejectsUnknownPlan(t *testing.T) {
	_, err := runPlan(context.Background(), "extreme", simulationConfig{}, 0, zap.NewNop())
	assert.Error(t, err)
}

func TestCheckConsistency(t *testing.T) {
	stats := &simulationStats{}
	inSync := newLoadClient("a", "", "t", stats, zap.NewNop())
	behind := newLoadClient("b", "", "t", stats, zap.NewNop())
	dropped := newLoadClient("c", "", "t", stats, zap.NewNop())
	inSync.connected.Store(true)
	behind.connected.Store(true)

	server := []*model.Node{{ID: "n1", Version: 3}, {ID: "n2", Version: 1}}
	inSync.observe(&model.Node{ID: "n1", Version: 3})
	inSync.observe(&model.Node{ID: "n1", Version: 2})
	inSync.observe(&model.Node{ID: "n2", Version: 1})
	behind.observe(&model.Node{ID: "n1", Version: 2})
	behind.observe(&model.Node{ID: "n2", Version: 1})

	mismatches := checkConsistency(server, []*loadClient{inSync, behind, dropped, nil})
	require.Len(t, mismatches, 1)
	assert.Contains(t, mismatches[0], "b: node n1 at v2, server v3")
}

func TestLatencySummary(t *testing.T) {
	c := newLoadClient("a", "", "t", &simulationStats{}, zap.NewNop())
	for i := 1; i <= 20; i++ {
		c.latencies = append(c.latencies, time.Duration(i)*time.Millisecond)
	}
	avg, p95 := latencySummary([]*loadClient{c, nil})
	assert.Equal(t, 10500*time.Microsecond, avg)
	assert.Equal(t, 20*time.Millisecond, p95)
}
