package app

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	s3blob "github.com/habitplatform/matchsync/internal/blob/s3"
	"github.com/habitplatform/matchsync/internal/cache/redis"
	"github.com/habitplatform/matchsync/internal/chain"
	"github.com/habitplatform/matchsync/internal/config"
	"github.com/habitplatform/matchsync/internal/domain"
	"github.com/habitplatform/matchsync/internal/metrics"
	"github.com/habitplatform/matchsync/internal/notify"
	"github.com/habitplatform/matchsync/internal/server/handler"
	"github.com/habitplatform/matchsync/internal/store/memory"
	"github.com/habitplatform/matchsync/internal/store/postgres"
)

// Dependencies bundles every domain-level dependency that the application modes
// need to operate. It is constructed by Wire and torn down by the returned
// cleanup function. Optional collaborators are nil when not configured.
type Dependencies struct {
	// Stores
	Store    domain.MirrorStore
	Cursors  domain.CursorStore
	Profiles domain.ProfileStore
	Audit    domain.AuditStore

	// Caches (nil without Redis)
	RateLimiter domain.RateLimiter
	LockManager domain.LockManager
	SignalBus   domain.SignalBus

	// Blob storage (nil without S3)
	Journal domain.Journal

	// Ledger (nil in replay mode)
	Ledger *chain.Client

	// Notifications
	Notifier *notify.Notifier
	Metrics  *metrics.Metrics

	// Health probes every wired dependency for /api/health.
	Health map[string]handler.HealthCheck
}

// Wire constructs all concrete dependency implementations from the given
// configuration and returns them together with a cleanup function that should
// be called on shutdown to release resources.
func Wire(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*Dependencies, func(), error) {
	var closers []func()
	cleanup := func() {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
	}

	deps := &Dependencies{
		Metrics: metrics.Default(),
		Health:  make(map[string]handler.HealthCheck),
	}
	contract, err := domain.ParseAddress(cfg.Chain.ContractAddress)
	if err != nil {
		return nil, nil, fmt.Errorf("wire: contract address: %w", err)
	}

	// --- Mirror store ---
	switch strings.ToLower(cfg.Supabase.Driver) {
	case "memory":
		logger.WarnContext(ctx, "wire: using in-memory mirror; state is lost on exit")
		deps.Store = memory.New()
		deps.Cursors = memory.NewCursorStore()
		deps.Profiles = memory.NewProfileStore()
		deps.Audit = memory.NewAuditStore()
	default:
		pgClient, err := postgres.New(ctx, postgres.ClientConfig{
			DSN:              cfg.Supabase.DSN,
			Host:             cfg.Supabase.Host,
			Port:             cfg.Supabase.Port,
			Database:         cfg.Supabase.Database,
			User:             cfg.Supabase.User,
			Password:         cfg.Supabase.Password,
			SSLMode:          cfg.Supabase.SSLMode,
			MaxConns:         cfg.Supabase.PoolMaxConns,
			MinConns:         cfg.Supabase.PoolMinConns,
			StatementTimeout: cfg.Supabase.StatementTimeout.Duration,
		})
		if err != nil {
			cleanup()
			return nil, nil, fmt.Errorf("wire: postgres: %w", err)
		}
		closers = append(closers, pgClient.Close)

		// Run migrations if enabled.
		if cfg.Supabase.RunMigrations {
			if err := pgClient.RunMigrations(ctx); err != nil {
				cleanup()
				return nil, nil, fmt.Errorf("wire: postgres migrations: %w", err)
			}
		}

		pool := pgClient.Pool()
		deps.Store = postgres.NewStakeStore(pool)
		deps.Cursors = postgres.NewCursorStore(pool)
		deps.Profiles = postgres.NewProfileStore(pool)
		deps.Audit = postgres.NewAuditStore(pool)
		deps.Health["postgres"] = pgClient.Ping
	}

	// --- Redis ---
	if cfg.Redis.Enabled {
		redisClient, err := redis.New(ctx, redis.ClientConfig{
			URL:        cfg.Redis.URL,
			Addr:       cfg.Redis.Addr,
			Password:   cfg.Redis.Password,
			DB:         cfg.Redis.DB,
			PoolSize:   cfg.Redis.PoolSize,
			MaxRetries: cfg.Redis.MaxRetries,
			TLSEnabled: cfg.Redis.TLSEnabled,
		})
		if err != nil {
			cleanup()
			return nil, nil, fmt.Errorf("wire: redis: %w", err)
		}
		closers = append(closers, func() { _ = redisClient.Close() })

		deps.RateLimiter = redis.NewRateLimiter(redisClient)
		deps.LockManager = redis.NewLockManager(redisClient)
		deps.SignalBus = redis.NewSignalBus(redisClient)
		if ttl := cfg.Redis.ProfileCacheTTL.Duration; ttl > 0 {
			deps.Profiles = redis.NewProfileCache(redisClient, deps.Profiles, ttl)
		}
		deps.Health["redis"] = redisClient.Ping
	}

	// --- S3 event journal ---
	if cfg.S3.Enabled {
		bucket, err := s3blob.Open(ctx, s3blob.ClientConfig{
			Endpoint:       cfg.S3.Endpoint,
			Region:         cfg.S3.Region,
			Bucket:         cfg.S3.Bucket,
			AccessKey:      cfg.S3.AccessKey,
			SecretKey:      cfg.S3.SecretKey,
			UseSSL:         cfg.S3.UseSSL,
			ForcePathStyle: cfg.S3.ForcePathStyle,
		})
		if err != nil {
			cleanup()
			return nil, nil, fmt.Errorf("wire: s3: %w", err)
		}
		deps.Journal = s3blob.NewJournal(bucket, bucket, contract)
		deps.Health["s3"] = bucket.Ping
	}

	// --- Ledger ---
	if strings.ToLower(cfg.Mode) != config.ModeReplay {
		ethClient, err := chain.Dial(ctx, cfg.Chain.RPCURL)
		if err != nil {
			cleanup()
			return nil, nil, fmt.Errorf("wire: %w", err)
		}
		closers = append(closers, ethClient.Close)

		deps.Ledger = chain.NewClient(ethClient, chain.Config{
			Contract:          contract.Common(),
			RequestsPerSecond: cfg.Chain.RPCRateLimit,
			Burst:             cfg.Chain.RPCBurst,
			CallTimeout:       cfg.Chain.CallTimeout.Duration,
		})
		deps.Health["ledger"] = func(ctx context.Context) error {
			_, err := deps.Ledger.CurrentHeight(ctx)
			return err
		}
	}

	// --- Notifications ---
	var senders []notify.Sender
	if cfg.Notify.TelegramToken != "" && cfg.Notify.TelegramChatID != "" {
		senders = append(senders, notify.NewTelegramSender(
			cfg.Notify.TelegramToken,
			cfg.Notify.TelegramChatID,
		))
	}
	if cfg.Notify.DiscordWebhookURL != "" {
		senders = append(senders, notify.NewDiscordSender(cfg.Notify.DiscordWebhookURL))
	}
	deps.Notifier = notify.NewNotifier(senders, cfg.Notify.Events, cfg.Notify.Cooldown.Duration, logger)

	logger.InfoContext(ctx, "wire: dependencies ready",
		slog.String("driver", cfg.Supabase.Driver),
		slog.Bool("redis", deps.SignalBus != nil),
		slog.Bool("journal", deps.Journal != nil),
		slog.Int("notify_senders", len(senders)),
	)
	return deps, cleanup, nil
}
