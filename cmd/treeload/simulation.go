package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"treehub/internal/auth"
	"treehub/internal/broadcast"
	"treehub/internal/model"
	"treehub/internal/protocol"
)

// scenario weights the mix of mutations a client sends.
type scenario struct {
	Name              string
	UpdateProbability float64
	LikeProbability   float64
	BurstProbability  float64
	ThinkTime         time.Duration
	BurstSize         int
}

var scenarios = map[string]scenario{
	"normal": {
		Name:              "Normal Collaboration",
		UpdateProbability: 0.6,
		LikeProbability:   0.25,
		BurstProbability:  0.1,
		ThinkTime:         100 * time.Millisecond,
		BurstSize:         5,
	},
	"aggressive": {
		Name:              "Aggressive Editing",
		UpdateProbability: 0.8,
		LikeProbability:   0.1,
		BurstProbability:  0.3,
		ThinkTime:         50 * time.Millisecond,
		BurstSize:         10,
	},
	"review": {
		Name:              "Tree Review",
		UpdateProbability: 0.2,
		LikeProbability:   0.4,
		BurstProbability:  0.1,
		ThinkTime:         500 * time.Millisecond,
		BurstSize:         3,
	},
}

type simulationConfig struct {
	ServerURL       string
	Users           int
	TreeID          string
	Nodes           int
	Duration        time.Duration
	Scenario        string
	RampUp          time.Duration
	MetricsInterval time.Duration
	Settle          time.Duration
	Issuer          auth.Issuer
}

type simulationStats struct {
	sent          atomic.Int64
	received      atomic.Int64
	conflicts     atomic.Int64
	rejected      atomic.Int64
	errors        atomic.Int64
	notifications atomic.Int64
	connected     atomic.Int64
	start         time.Time
}

type simulationReport struct {
	Scenario   string
	Duration   time.Duration
	Sent       int64
	Received   int64
	Conflicts  int64
	Rejected   int64
	Errors     int64
	AvgLatency time.Duration
	P95Latency time.Duration
	Consistent bool
	Mismatches []string
}

func userID(i int) string {
	return fmt.Sprintf("load_user_%d", i)
}

// runSimulation sets up a tree, ramps clients up, lets them collaborate and
// checks every client converged on the server's versions.
func runSimulation(ctx context.Context, cfg simulationConfig, log *zap.Logger) (simulationReport, error) {
	sc, ok := scenarios[cfg.Scenario]
	if !ok {
		return simulationReport{}, fmt.Errorf("unknown scenario %q", cfg.Scenario)
	}
	if cfg.Users < 1 {
		return simulationReport{}, fmt.Errorf("at least one user is required")
	}
	stats := &simulationStats{start: time.Now()}
	api := &apiClient{base: strings.TrimRight(cfg.ServerURL, "/"), issuer: cfg.Issuer}

	treeID, nodes, err := setupTree(ctx, cfg, api, stats, log)
	if err != nil {
		return simulationReport{}, fmt.Errorf("setup tree: %w", err)
	}
	log.Info("starting simulation",
		zap.String("scenario", sc.Name),
		zap.Int("users", cfg.Users),
		zap.String("tree_id", treeID),
		zap.Int("nodes", len(nodes)))

	reportCtx, stopReport := context.WithCancel(ctx)
	go reportProgress(reportCtx, cfg.MetricsInterval, stats, log)

	clients := make([]*loadClient, cfg.Users)
	var wg sync.WaitGroup
	interval := time.Duration(0)
	if cfg.Users > 1 {
		interval = cfg.RampUp / time.Duration(cfg.Users)
	}

	for i := 0; i < cfg.Users; i++ {
		if i > 0 && interval > 0 {
			select {
			case <-ctx.Done():
			case <-time.After(interval):
			}
		}
		if ctx.Err() != nil {
			break
		}
		id := userID(i + 1)
		token, err := cfg.Issuer.Issue(id)
		if err != nil {
			return simulationReport{}, err
		}
		c := newLoadClient(id, token, treeID, stats, log)
		clients[i] = c

		wg.Add(1)
		go func(c *loadClient) {
			defer wg.Done()
			var err error
			for attempt := 1; attempt <= 3; attempt++ {
				if err = c.connect(ctx, cfg.ServerURL); err == nil {
					break
				}
				log.Warn("connect failed", zap.String("user_id", c.userID), zap.Int("attempt", attempt), zap.Error(err))
				time.Sleep(time.Second)
			}
			if err != nil {
				stats.errors.Add(1)
				return
			}
			// frames already received are merged by max version
			snapshot, err := api.snapshot(ctx, c.userID, treeID)
			if err != nil {
				log.Warn("initial snapshot failed", zap.String("user_id", c.userID), zap.Error(err))
			}
			for _, n := range snapshot {
				c.observe(n)
			}
			c.simulate(ctx, sc, nodes, cfg.Duration)
		}(c)
	}
	wg.Wait()

	// let in-flight broadcasts land before comparing
	select {
	case <-ctx.Done():
	case <-time.After(cfg.Settle):
	}
	stopReport()

	report := simulationReport{
		Scenario:  sc.Name,
		Duration:  time.Since(stats.start),
		Sent:      stats.sent.Load(),
		Received:  stats.received.Load(),
		Conflicts: stats.conflicts.Load(),
		Rejected:  stats.rejected.Load(),
		Errors:    stats.errors.Load(),
	}
	report.AvgLatency, report.P95Latency = latencySummary(clients)

	server, err := api.snapshot(context.Background(), userID(1), treeID)
	if err != nil {
		return report, fmt.Errorf("final snapshot: %w", err)
	}
	report.Mismatches = checkConsistency(server, clients)
	report.Consistent = len(report.Mismatches) == 0

	for _, c := range clients {
		if c != nil {
			c.disconnect()
		}
	}
	return report, nil
}

// setupTree creates the tree (unless one was given) and seeds its nodes
// through the owner's connection.
func setupTree(ctx context.Context, cfg simulationConfig, api *apiClient, stats *simulationStats, log *zap.Logger) (string, []string, error) {
	owner := userID(1)
	treeID := cfg.TreeID
	if treeID == "" {
		collaborators := make([]string, 0, cfg.Users)
		for i := 2; i <= cfg.Users; i++ {
			collaborators = append(collaborators, userID(i))
		}
		id, err := api.createTree(ctx, owner, fmt.Sprintf("load test %s", time.Now().Format(time.RFC3339)), collaborators)
		if err != nil {
			return "", nil, err
		}
		treeID = id
	}

	existing, err := api.snapshot(ctx, owner, treeID)
	if err != nil {
		return "", nil, err
	}
	nodes := make([]string, 0, len(existing))
	for _, n := range existing {
		nodes = append(nodes, n.ID)
	}
	if len(nodes) >= cfg.Nodes {
		return treeID, nodes, nil
	}

	token, err := cfg.Issuer.Issue(owner)
	if err != nil {
		return "", nil, err
	}
	seeder := newLoadClient(owner, token, treeID, stats, log)
	if err := seeder.connect(ctx, cfg.ServerURL); err != nil {
		return "", nil, err
	}
	defer seeder.disconnect()

	for i := len(nodes); i < cfg.Nodes; i++ {
		payload, _ := json.Marshal(broadcast.CreateNodePayload{Content: fmt.Sprintf("idea %d", i+1)})
		res, err := seeder.apply(ctx, protocol.MutationRequest{Op: string(broadcast.OpCreateNode), Payload: payload})
		if err != nil {
			return "", nil, err
		}
		if !res.OK {
			return "", nil, fmt.Errorf("seed node: %s", res.Error.Message)
		}
		nodes = append(nodes, res.NodeID)
	}
	return treeID, nodes, nil
}

func reportProgress(ctx context.Context, interval time.Duration, stats *simulationStats, log *zap.Logger) {
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			elapsed := time.Since(stats.start)
			sent := stats.sent.Load()
			log.Info("progress",
				zap.Duration("elapsed", elapsed.Round(time.Second)),
				zap.Int64("connected", stats.connected.Load()),
				zap.Int64("sent", sent),
				zap.Int64("received", stats.received.Load()),
				zap.Int64("conflicts", stats.conflicts.Load()),
				zap.Int64("errors", stats.errors.Load()),
				zap.Float64("ops_per_sec", float64(sent)/elapsed.Seconds()))
		}
	}
}

func latencySummary(clients []*loadClient) (avg, p95 time.Duration) {
	var all []time.Duration
	for _, c := range clients {
		if c == nil {
			continue
		}
		c.mu.RLock()
		all = append(all, c.latencies...)
		c.mu.RUnlock()
	}
	if len(all) == 0 {
		return 0, 0
	}
	sort.Slice(all, func(i, j int) bool { return all[i] < all[j] })
	var total time.Duration
	for _, d := range all {
		total += d
	}
	return total / time.Duration(len(all)), all[(len(all)*95)/100]
}

// checkConsistency compares each connected client's last-seen version per
// node with the server's. Clients that dropped mid-run are skipped.
func checkConsistency(server []*model.Node, clients []*loadClient) []string {
	want := make(map[string]int64, len(server))
	for _, n := range server {
		want[n.ID] = n.Version
	}

	var mismatches []string
	for _, c := range clients {
		if c == nil || !c.isConnected() {
			continue
		}
		got := c.snapshotVersions()
		for id, v := range want {
			if got[id] != v {
				mismatches = append(mismatches, fmt.Sprintf("%s: node %s at v%d, server v%d", c.userID, id, got[id], v))
			}
		}
	}
	sort.Strings(mismatches)
	return mismatches
}

func printReport(r simulationReport) {
	fmt.Println("\n=== SIMULATION REPORT ===")
	fmt.Printf("Scenario: %s\n", r.Scenario)
	fmt.Printf("Duration: %s\n", r.Duration.Round(time.Millisecond))
	fmt.Printf("Mutations Applied: %d\n", r.Sent)
	fmt.Printf("Broadcasts Received: %d\n", r.Received)
	fmt.Printf("Conflicts: %d\n", r.Conflicts)
	fmt.Printf("Rejected: %d\n", r.Rejected)
	fmt.Printf("Errors: %d\n", r.Errors)
	fmt.Printf("Average Latency: %v (p95 %v)\n", r.AvgLatency, r.P95Latency)
	if secs := r.Duration.Seconds(); secs > 0 {
		fmt.Printf("Operations per Second: %.2f\n", float64(r.Sent)/secs)
	}
	if attempts := r.Sent + r.Conflicts + r.Rejected + r.Errors; attempts > 0 {
		fmt.Printf("Success Rate: %.2f%%\n", float64(r.Sent)/float64(attempts)*100)
	}
	if r.Consistent {
		fmt.Println("Consistency: OK")
		return
	}
	fmt.Printf("Consistency: %d mismatches\n", len(r.Mismatches))
	for i, m := range r.Mismatches {
		if i == 10 {
			fmt.Printf("  ... and %d more\n", len(r.Mismatches)-10)
			break
		}
		fmt.Printf("  %s\n", m)
	}
}

// apiClient talks to the REST surface with per-user tokens.
type apiClient struct {
	base   string
	issuer auth.Issuer
	http   http.Client
}

func (a *apiClient) do(ctx context.Context, method, path, user string, body, out interface{}) error {
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, a.base+path, &buf)
	if err != nil {
		return err
	}
	token, err := a.issuer.Issue(user)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Content-Type", "application/json")

	resp, err := a.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		var apiErr struct {
			Error   string `json:"error"`
			Message string `json:"message"`
		}
		_ = json.NewDecoder(resp.Body).Decode(&apiErr)
		return fmt.Errorf("%s %s: %d %s %s", method, path, resp.StatusCode, apiErr.Error, apiErr.Message)
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func (a *apiClient) createTree(ctx context.Context, owner, name string, collaborators []string) (string, error) {
	var tree model.Tree
	err := a.do(ctx, http.MethodPost, "/api/trees", owner, map[string]interface{}{
		"name":          name,
		"collaborators": collaborators,
	}, &tree)
	return tree.ID, err
}

func (a *apiClient) snapshot(ctx context.Context, user, treeID string) ([]*model.Node, error) {
	var out struct {
		Nodes []*model.Node `json:"nodes"`
	}
	err := a.do(ctx, http.MethodGet, "/api/trees/"+treeID, user, nil, &out)
	return out.Nodes, err
}
