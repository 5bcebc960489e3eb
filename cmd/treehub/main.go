package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"

	"treehub/internal/config"
	"treehub/internal/journal"
	"treehub/internal/logging"
	"treehub/internal/model"
	"treehub/internal/presence"
	"treehub/internal/server"
	"treehub/internal/store"
	"treehub/internal/store/memory"
	"treehub/internal/store/mongo"
)

func main() {
	configPath := flag.String("config", "", "Path to YAML/JSON config file (optional)")
	seedUsers := flag.String("seed-users", "", "Comma-separated id[:name] users to create at startup")
	seedLoadUsers := flag.Int("seed-load-users", 0, "Create load_user_1..N for cmd/treeload")
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

	deps, closeBackends, err := openBackends(ctx, cfg, logger)
	if err != nil {
		logger.Fatal("open backends", zap.Error(err))
	}
	defer closeBackends()

	users := parseSeedUsers(*seedUsers)
	for i := 1; i <= *seedLoadUsers; i++ {
		id := fmt.Sprintf("load_user_%d", i)
		users = append(users, model.Identity{ID: id, Name: fmt.Sprintf("Load User %d", i)})
	}
	if err := seed(ctx, deps.Identities, users); err != nil {
		logger.Fatal("seed users", zap.Error(err))
	}
	if len(users) > 0 {
		logger.Info("seeded users", zap.Int("count", len(users)))
	}

	srv, err := server.New(cfg, logger, secret, deps)
	if err != nil {
		logger.Fatal("init server", zap.Error(err))
	}
	if err := srv.Start(ctx); err != nil {
		logger.Fatal("server exited with error", zap.Error(err))
	}
}

func openBackends(ctx context.Context, cfg config.Config, logger *zap.Logger) (server.Deps, func(), error) {
	deps := server.Deps{Checks: map[string]server.HealthCheck{}}
	var closers []func()
	closeAll := func() {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
	}

	switch cfg.Store.Driver {
	case "mongo":
		dialCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		defer cancel()
		graph, err := mongo.Connect(dialCtx, cfg.Store.MongoURI, cfg.Store.Database)
		if err != nil {
			return server.Deps{}, nil, err
		}
		closers = append(closers, func() {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := graph.Close(ctx); err != nil {
				logger.Warn("close mongo", zap.Error(err))
			}
		})
		deps.Graph, deps.Identities = graph, graph
		deps.Checks["mongodb"] = graph.Ping
		logger.Info("using mongo store", zap.String("database", cfg.Store.Database))
	default:
		mem := memory.New()
		deps.Graph, deps.Identities = mem, mem
		logger.Info("using in-memory store")
	}

	if cfg.Redis.Enabled {
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Address,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		closers = append(closers, func() {
			if err := client.Close(); err != nil {
				logger.Warn("close redis", zap.Error(err))
			}
		})
		if err := client.Ping(ctx).Err(); err != nil {
			closeAll()
			return server.Deps{}, nil, fmt.Errorf("ping redis: %w", err)
		}

		mirror := presence.NewRedisMirror(client)
		// a fresh process holds no connections
		if err := mirror.Reset(ctx); err != nil {
			logger.Warn("reset presence mirror", zap.Error(err))
		}
		deps.Mirror = mirror
		deps.Journal = journal.NewRedis(client, cfg.Redis.JournalLength, cfg.Redis.JournalTTL)
		deps.Checks["redis"] = func(ctx context.Context) error { return client.Ping(ctx).Err() }
		logger.Info("redis enabled", zap.String("address", cfg.Redis.Address))
	}

	return deps, closeAll, nil
}

func parseSeedUsers(raw string) []model.Identity {
	var out []model.Identity
	for _, part := range strings.Split(raw, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		id, name, found := strings.Cut(part, ":")
		if !found {
			name = id
		}
		out = append(out, model.Identity{ID: id, Name: name})
	}
	return out
}

func seed(ctx context.Context, identities store.IdentityStore, users []model.Identity) error {
	for _, u := range users {
		if err := identities.PutUser(ctx, u); err != nil {
			return fmt.Errorf("put user %s: %w", u.ID, err)
		}
	}
	return nil
}
