package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"PolyChat/internal/api"
	"PolyChat/internal/chat"
	"PolyChat/internal/config"
	"PolyChat/internal/credential"
	"PolyChat/internal/events"
	"PolyChat/internal/provider"
	"PolyChat/internal/session"
	"PolyChat/internal/storage/sqlstore"
	"PolyChat/internal/stream"
	"PolyChat/pkg/logger"
)

// main is the entrypoint of the PolyChat daemon.
func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		log.Fatalf("polychatd failed: %v", err)
	}
}

func run(ctx context.Context) error {
	defaultPath := os.Getenv("POLYCHAT_CONFIG")
	if defaultPath == "" {
		defaultPath = filepath.Join("configs", "polychat.yaml")
	}
	configPath := flag.String("config", defaultPath, "path to the JSON or YAML configuration file")
	flag.Parse()

	cfg, err := loadConfig(*configPath)
	if err != nil {
		return err
	}

	if err := logger.Init(cfg.Logging); err != nil {
		return fmt.Errorf("init logger: %w", err)
	}
	defer logger.Sync()

	if err := os.MkdirAll(cfg.Runtime.DataDir, 0o755); err != nil {
		return err
	}

	store, closeStore, err := openSessionStore(ctx, cfg.Storage)
	if err != nil {
		return err
	}
	defer closeStore()

	keys, closeKeys, err := openCredentialStore(ctx, cfg.Credentials)
	if err != nil {
		return err
	}
	defer closeKeys()

	publisher, err := events.New(ctx, cfg.Events)
	if err != nil {
		return err
	}
	defer func() {
		if err := publisher.Close(); err != nil {
			logger.L().Warn("close run notice publisher", slog.Any("error", err))
		}
	}()

	registry, err := provider.NewRegistry(cfg.Providers, provider.Options{
		ChunkDelay:        cfg.Chat.ChunkDelay(),
		PreambleExchanges: cfg.Chat.PreambleExchanges,
	})
	if err != nil {
		return err
	}

	service := chat.NewService(store, credential.NewResolver(keys, cfg.Credentials.ResolveSharedKey()), registry,
		chat.WithPublisher(publisher),
		chat.WithHistoryLimit(cfg.Chat.HistoryLimit),
		chat.WithTitleLength(cfg.Chat.TitleLength),
		chat.WithMultiplexer(stream.New(stream.WithLimit(cfg.Chat.MaxConcurrentBranches))),
	)

	logger.L().Info("polychatd starting",
		slog.String("address", cfg.Server.Address),
		slog.String("storage", cfg.Storage.Driver),
		slog.String("credentials", cfg.Credentials.Driver),
		slog.String("events", cfg.Events.Driver),
		slog.Any("families", registry.Families()),
	)

	server := api.NewServer(api.Options{
		Address:         cfg.Server.Address,
		IdentityHeader:  cfg.Server.IdentityHeader,
		ShutdownTimeout: cfg.Server.ShutdownTimeout(),
	}, service, store)
	return server.Start(ctx)
}

// loadConfig reads path, falling back to the built-in defaults when the
// default file does not exist.
func loadConfig(path string) (*config.Config, error) {
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) && !isFlagSet("config") {
		return config.Default(), nil
	}
	return config.Load(path)
}

func isFlagSet(name string) bool {
	set := false
	flag.Visit(func(f *flag.Flag) {
		if f.Name == name {
			set = true
		}
	})
	return set
}

func openSessionStore(ctx context.Context, cfg config.StorageConfig) (session.Store, func(), error) {
	switch cfg.Driver {
	case "", "memory":
		return session.NewMemoryStore(), func() {}, nil
	case "mysql", "sqlite":
		store, err := sqlstore.New(ctx, cfg)
		if err != nil {
			return nil, nil, err
		}
		return store, closer("session store", store), nil
	default:
		return nil, nil, fmt.Errorf("unsupported storage driver %q", cfg.Driver)
	}
}

func openCredentialStore(ctx context.Context, cfg config.CredentialsConfig) (credential.Store, func(), error) {
	switch cfg.Driver {
	case "", "memory":
		store, err := credential.NewMemoryStoreFromSeed(cfg.Seed)
		if err != nil {
			return nil, nil, err
		}
		return store, func() {}, nil
	case "redis":
		store, err := credential.NewRedisStore(ctx, cfg.Redis)
		if err != nil {
			return nil, nil, err
		}
		if err := seedRedis(ctx, store, cfg.Seed); err != nil {
			_ = store.Close()
			return nil, nil, err
		}
		return store, closer("credential store", store), nil
	default:
		return nil, nil, fmt.Errorf("unsupported credentials driver %q", cfg.Driver)
	}
}

func seedRedis(ctx context.Context, store *credential.RedisStore, seed map[string]map[string]config.CredentialSeed) error {
	for userID, families := range seed {
		for name, entry := range families {
			family, ok := provider.ParseFamily(name)
			if !ok {
				return fmt.Errorf("seed for %s: unknown provider family %q", userID, name)
			}
			cred, err := credential.FromParts(entry.Mode, entry.Secret)
			if err != nil {
				return fmt.Errorf("seed for %s/%s: %w", userID, name, err)
			}
			if err := store.Set(ctx, userID, family, cred); err != nil {
				return err
			}
		}
	}
	return nil
}

func closer(name string, c io.Closer) func() {
	return func() {
		if err := c.Close(); err != nil {
			logger.L().Warn("close "+name, slog.Any("error", err))
		}
	}
}
