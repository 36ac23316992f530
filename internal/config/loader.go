package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
)

// EnvPrefix namespaces every environment override.
const EnvPrefix = "MATCHSYNC_"

// Load builds a Config from the defaults, then the TOML file at path (skipped
// when path is empty), then MATCHSYNC_* variables from the environment or a
// local .env file. Unknown TOML keys and unparsable variables are errors.
// Validate is left to the caller.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	if path != "" {
		md, err := toml.DecodeFile(path, &cfg)
		if err != nil {
			return nil, fmt.Errorf("config: decode %s: %w", path, err)
		}
		if extra := md.Undecoded(); len(extra) > 0 {
			keys := make([]string, len(extra))
			for i, k := range extra {
				keys[i] = k.String()
			}
			return nil, fmt.Errorf("config: %s: unknown keys %s", path, strings.Join(keys, ", "))
		}
	}

	// A missing .env is the normal case outside local development.
	_ = godotenv.Load()

	if err := applyEnv(&cfg); err != nil {
		return nil, fmt.Errorf("config: environment: %w", err)
	}
	return &cfg, nil
}

// env applies overrides and collects every malformed value.
type env struct {
	errs []error
}

func lookup[T any](e *env, dst *T, name string, parse func(string) (T, error)) {
	raw, ok := os.LookupEnv(EnvPrefix + name)
	if !ok || raw == "" {
		return
	}
	v, err := parse(raw)
	if err != nil {
		e.errs = append(e.errs, fmt.Errorf("%s%s=%q: %w", EnvPrefix, name, raw, err))
		return
	}
	*dst = v
}

func (e *env) str(dst *string, name string) {
	lookup(e, dst, name, func(s string) (string, error) { return s, nil })
}

func (e *env) num(dst *int, name string) { lookup(e, dst, name, strconv.Atoi) }

func (e *env) i64(dst *int64, name string) {
	lookup(e, dst, name, func(s string) (int64, error) { return strconv.ParseInt(s, 10, 64) })
}

func (e *env) u64(dst *uint64, name string) {
	lookup(e, dst, name, func(s string) (uint64, error) { return strconv.ParseUint(s, 10, 64) })
}

func (e *env) float(dst *float64, name string) {
	lookup(e, dst, name, func(s string) (float64, error) { return strconv.ParseFloat(s, 64) })
}

func (e *env) flag(dst *bool, name string) { lookup(e, dst, name, strconv.ParseBool) }

func (e *env) dur(dst *duration, name string) {
	lookup(e, &dst.Duration, name, time.ParseDuration)
}

// list splits a comma-separated value and drops empty items.
func (e *env) list(dst *[]string, name string) {
	lookup(e, dst, name, func(s string) ([]string, error) {
		var out []string
		for _, item := range strings.Split(s, ",") {
			if item = strings.TrimSpace(item); item != "" {
				out = append(out, item)
			}
		}
		if len(out) == 0 {
			return nil, errors.New("empty list")
		}
		return out, nil
	})
}

func applyEnv(cfg *Config) error {
	var e env

	e.str(&cfg.Mode, "MODE")
	e.str(&cfg.LogLevel, "LOG_LEVEL")

	c := &cfg.Chain
	e.str(&c.RPCURL, "CHAIN_RPC_URL")
	e.i64(&c.ChainID, "CHAIN_ID")
	e.str(&c.ContractAddress, "CHAIN_CONTRACT_ADDRESS")
	e.float(&c.RPCRateLimit, "CHAIN_RPC_RATE_LIMIT")
	e.num(&c.RPCBurst, "CHAIN_RPC_BURST")
	e.dur(&c.CallTimeout, "CHAIN_CALL_TIMEOUT")

	db := &cfg.Supabase
	e.str(&db.Driver, "SUPABASE_DRIVER")
	e.str(&db.DSN, "SUPABASE_URL")
	e.str(&db.DSN, "SUPABASE_DSN")
	e.str(&db.Host, "SUPABASE_HOST")
	e.num(&db.Port, "SUPABASE_PORT")
	e.str(&db.Database, "SUPABASE_DATABASE")
	e.str(&db.User, "SUPABASE_USER")
	e.str(&db.Password, "SUPABASE_PASSWORD")
	e.str(&db.SSLMode, "SUPABASE_SSL_MODE")
	e.num(&db.PoolMaxConns, "SUPABASE_POOL_MAX_CONNS")
	e.num(&db.PoolMinConns, "SUPABASE_POOL_MIN_CONNS")
	e.dur(&db.StatementTimeout, "SUPABASE_STATEMENT_TIMEOUT")
	e.flag(&db.RunMigrations, "SUPABASE_RUN_MIGRATIONS")

	r := &cfg.Redis
	e.flag(&r.Enabled, "REDIS_ENABLED")
	e.str(&r.URL, "REDIS_URL")
	e.str(&r.Addr, "REDIS_ADDR")
	e.str(&r.Password, "REDIS_PASSWORD")
	e.num(&r.DB, "REDIS_DB")
	e.num(&r.PoolSize, "REDIS_POOL_SIZE")
	e.flag(&r.TLSEnabled, "REDIS_TLS_ENABLED")
	e.dur(&r.ProfileCacheTTL, "REDIS_PROFILE_CACHE_TTL")

	s := &cfg.S3
	e.flag(&s.Enabled, "S3_ENABLED")
	e.str(&s.Endpoint, "S3_ENDPOINT")
	e.str(&s.Region, "S3_REGION")
	e.str(&s.Bucket, "S3_BUCKET")
	e.str(&s.AccessKey, "S3_ACCESS_KEY")
	e.str(&s.SecretKey, "S3_SECRET_KEY")
	e.flag(&s.UseSSL, "S3_USE_SSL")
	e.flag(&s.ForcePathStyle, "S3_FORCE_PATH_STYLE")

	sy := &cfg.Sync
	e.dur(&sy.Interval, "SYNC_INTERVAL")
	e.u64(&sy.Confirmations, "SYNC_CONFIRMATIONS")
	e.u64(&sy.MaxBlocksPerCycle, "SYNC_MAX_BLOCKS_PER_CYCLE")
	e.u64(&sy.StartBlock, "SYNC_START_BLOCK")
	e.flag(&sy.LeaderLock, "SYNC_LEADER_LOCK")
	e.dur(&sy.LockTTL, "SYNC_LOCK_TTL")

	e.dur(&cfg.Audit.Interval, "AUDIT_INTERVAL")
	e.num(&cfg.Audit.BatchSize, "AUDIT_BATCH_SIZE")
	e.flag(&cfg.Audit.Repair, "AUDIT_REPAIR")

	e.u64(&cfg.Replay.FromBlock, "REPLAY_FROM_BLOCK")
	e.u64(&cfg.Replay.ToBlock, "REPLAY_TO_BLOCK")

	srv := &cfg.Server
	e.num(&srv.Port, "SERVER_PORT")
	e.list(&srv.CORSOrigins, "SERVER_CORS_ORIGINS")
	e.str(&srv.APIKey, "SERVER_API_KEY")
	e.num(&srv.ChainReadLimit, "SERVER_CHAIN_READ_LIMIT")
	e.dur(&srv.ChainReadWindow, "SERVER_CHAIN_READ_WINDOW")

	n := &cfg.Notify
	e.str(&n.TelegramToken, "NOTIFY_TELEGRAM_TOKEN")
	e.str(&n.TelegramChatID, "NOTIFY_TELEGRAM_CHAT_ID")
	e.str(&n.DiscordWebhookURL, "NOTIFY_DISCORD_WEBHOOK_URL")
	e.list(&n.Events, "NOTIFY_EVENTS")
	e.dur(&n.Cooldown, "NOTIFY_COOLDOWN")

	return errors.Join(e.errs...)
}
