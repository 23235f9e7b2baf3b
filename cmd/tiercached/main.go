// Command tiercached runs one cache instance: it connects to Redis, follows
// the invalidation channel, keeps the known-hot set fresh and serves the
// diagnostics endpoints until it receives SIGINT or SIGTERM.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"gopkg.in/yaml.v2"

	"github.com/objectfs/tiercache/internal/config"
	"github.com/objectfs/tiercache/internal/storage/s3"
	"github.com/objectfs/tiercache/internal/store"
	"github.com/objectfs/tiercache/pkg/api"
	cerrors "github.com/objectfs/tiercache/pkg/errors"
	"github.com/objectfs/tiercache/pkg/retry"
	"github.com/objectfs/tiercache/pkg/tiercache"
	"github.com/objectfs/tiercache/pkg/types"
)

const shutdownTimeout = 10 * time.Second

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "tiercached:", err)
		os.Exit(1)
	}
}

func run() error {
	configPath := flag.String("config", "", "Path to a YAML configuration file")
	rankingPath := flag.String("ranking", "", "Path to a YAML ranking file feeding the known-hot set")
	printConfig := flag.Bool("print-config", false, "Print the effective configuration and exit")
	flag.Parse()

	cfg, err := loadConfig(*configPath)
	if err != nil {
		return err
	}
	if *printConfig {
		out, err := yaml.Marshal(cfg)
		if err != nil {
			return err
		}
		_, err = os.Stdout.Write(out)
		return err
	}

	logger := cfg.Global.NewLogger(os.Stderr)
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	redisStore, err := connect(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer redisStore.Close()

	var source types.RankingSource
	if *rankingPath != "" {
		source = fileRanking{path: *rankingPath}
	}

	svc, err := tiercache.NewService(cfg, redisStore, source, logger)
	if err != nil {
		return err
	}
	defer svc.Close()

	if cfg.Signing.Bucket != "" {
		signer, err := s3.NewURLSigner(ctx, &cfg.Signing, logger)
		if err != nil {
			return err
		}
		if _, err := tiercache.NewURLCache(svc, signer); err != nil {
			return err
		}
	}

	if err := svc.Start(ctx); err != nil {
		return fmt.Errorf("starting service: %w", err)
	}

	serverCfg := api.DefaultServerConfig()
	serverCfg.Address = cfg.Global.DiagnosticsAddr
	serverCfg.EnableMetrics = cfg.Metrics.Enabled
	server := api.NewServer(serverCfg, svc, logger)
	server.StartBackground()

	logger.Info("Instance ready", "instance", cfg.Global.InstanceID, "redis", cfg.Redis.Addr,
		"diagnostics", serverCfg.Address, "caches", svc.CacheNames())

	<-ctx.Done()
	logger.Info("Shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Warn("Diagnostics server did not stop cleanly", "error", err)
	}
	return nil
}

// connect dials Redis, backing off while it is unreachable so instances can
// start before their Redis does.
func connect(ctx context.Context, cfg *config.Configuration, logger *slog.Logger) (*store.RedisStore, error) {
	if logger == nil {
		logger = slog.Default()
	}
	retryer := retry.New(cfg.ConnectRetry).WithOnRetry(func(attempt int, err error, delay time.Duration) {
		logger.Warn("Redis not reachable yet", "attempt", attempt, "retry_in", delay, "error", err)
	})

	var s *store.RedisStore
	err := retryer.DoWithContext(ctx, func(ctx context.Context) error {
		var err error
		s, err = store.NewRedisStore(ctx, cfg.Redis, logger)
		if err != nil {
			return cerrors.NewError(cerrors.ErrCodeTierUnavailable, "redis unreachable").
				WithComponent("tiercached").
				WithCause(err)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("connecting to redis: %w", err)
	}
	return s, nil
}

// loadConfig layers the file (when given) and the environment over the
// defaults, then validates the result.
func loadConfig(path string) (*config.Configuration, error) {
	cfg := config.NewDefault()
	if path != "" {
		if err := cfg.LoadFromFile(path); err != nil {
			return nil, err
		}
	}
	if err := cfg.LoadFromEnv(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}
