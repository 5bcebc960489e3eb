// Command treeload drives simulated collaborators against a treehub server
// and verifies they converge on the server's view of the tree.
//
// The server must know the load users, e.g. `treehub -seed-load-users 100`,
// and share the signing secret.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"treehub/internal/auth"
	"treehub/internal/config"
	"treehub/internal/logging"
)

func main() {
	var (
		configPath = flag.String("config", "", "Path to the server config file, for the auth secret and issuer")
		serverURL  = flag.String("server", "http://localhost:8080", "Server URL")
		users      = flag.Int("users", 10, "Number of simulated users")
		treeID     = flag.String("tree", "", "Tree ID (empty creates a new tree)")
		nodes      = flag.Int("nodes", 10, "Nodes to seed in the tree")
		duration   = flag.Duration("duration", 2*time.Minute, "Test duration")
		scenario   = flag.String("scenario", "normal", "Scenario (normal, aggressive, review)")
		rampUp     = flag.Duration("rampup", 10*time.Second, "Ramp up time")
		interval   = flag.Duration("metrics", 5*time.Second, "Progress reporting interval")
		settle     = flag.Duration("settle", 2*time.Second, "Wait for in-flight broadcasts before checking consistency")
		plan       = flag.String("plan", "", "Run a staged plan instead (light, medium, heavy)")
		pause      = flag.Duration("pause", 30*time.Second, "Pause between plan stages")
	)
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		os.Exit(1)
	}
	logger, err := logging.NewLogger(cfg.LogLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "init logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync() // best-effort flush

	secret, err := cfg.Secret()
	if err != nil {
		logger.Fatal("auth secret unavailable", zap.Error(err))
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	sim := simulationConfig{
		ServerURL:       *serverURL,
		Users:           *users,
		TreeID:          *treeID,
		Nodes:           *nodes,
		Duration:        *duration,
		Scenario:        *scenario,
		RampUp:          *rampUp,
		MetricsInterval: *interval,
		Settle:          *settle,
		Issuer:          auth.Issuer{Secret: secret, Issuer: cfg.Auth.Issuer, TTL: 24 * time.Hour},
	}

	if *plan != "" {
		consistent, err := runPlan(ctx, *plan, sim, *pause, logger)
		if err != nil {
			logger.Fatal("plan failed", zap.Error(err))
		}
		fmt.Println("\n=== All tests completed ===")
		if !consistent {
			os.Exit(2)
		}
		return
	}

	report, err := runSimulation(ctx, sim, logger)
	if err != nil {
		logger.Fatal("simulation failed", zap.Error(err))
	}
	printReport(report)
	if !report.Consistent {
		os.Exit(2)
	}
}
