// Package verifier parses verifier command flags and launches the verifier runtime.
package verifier

import (
	"context"
	"flag"

	entrypoint "github.com/louisbranch/questgate/internal/platform/cmd"
	verifierapp "github.com/louisbranch/questgate/internal/services/verifier/app"
)

// Config holds verifier command configuration.
type Config struct {
	HTTPAddr           string  `env:"QUESTGATE_VERIFIER_HTTP_ADDR" envDefault:":8095"`
	HealthPort         int     `env:"QUESTGATE_VERIFIER_HEALTH_PORT" envDefault:"8096"`
	CatalogPath        string  `env:"QUESTGATE_VERIFIER_CATALOG" envDefault:"data/quests.yaml"`
	SharedStore        string  `env:"QUESTGATE_SHARED_STORE"`
	DBPath             string  `env:"QUESTGATE_VERIFIER_DB_PATH" envDefault:"data/verifier.db"`
	RPCURL             string  `env:"QUESTGATE_RPC_URL"`
	ExternalVerifyURL  string  `env:"QUESTGATE_EXTERNAL_VERIFY_URL"`
	AdminSecret        string  `env:"QUESTGATE_ADMIN_SECRET"`
	AdminRevokeEnabled bool    `env:"QUESTGATE_ADMIN_REVOKE_ENABLED" envDefault:"false"`
	TrustProxy         bool    `env:"QUESTGATE_TRUST_PROXY" envDefault:"false"`
	CallerLimit        int     `env:"QUESTGATE_CALLER_LIMIT" envDefault:"120"`
	ClaimLimit         int     `env:"QUESTGATE_CLAIM_LIMIT" envDefault:"30"`
	CacheEntries       int     `env:"QUESTGATE_CACHE_ENTRIES" envDefault:"10000"`
	AuditConcurrency   int     `env:"QUESTGATE_AUDIT_CONCURRENCY" envDefault:"10"`
	AuditRate          float64 `env:"QUESTGATE_AUDIT_RATE" envDefault:"0"`
}

// ParseConfig parses environment and flags into a Config.
func ParseConfig(fs *flag.FlagSet, args []string) (Config, error) {
	var cfg Config
	if err := entrypoint.ParseConfig(&cfg); err != nil {
		return Config{}, err
	}
	fs.StringVar(&cfg.HTTPAddr, "http-addr", cfg.HTTPAddr, "The verifier HTTP listen address")
	fs.IntVar(&cfg.HealthPort, "health-port", cfg.HealthPort, "The verifier health gRPC server port")
	fs.StringVar(&cfg.CatalogPath, "catalog", cfg.CatalogPath, "The quest catalog file (YAML or JSON)")
	fs.StringVar(&cfg.SharedStore, "shared-store", cfg.SharedStore, "Shared store: empty, memory, or a redis:// URL")
	fs.StringVar(&cfg.DBPath, "db-path", cfg.DBPath, "The verifier SQLite database path, used without a shared store")
	fs.StringVar(&cfg.RPCURL, "rpc-url", cfg.RPCURL, "Default JSON-RPC node for on-chain quests")
	fs.StringVar(&cfg.ExternalVerifyURL, "external-verify-url", cfg.ExternalVerifyURL, "Verify service for quests without an evaluator")
	fs.BoolVar(&cfg.AdminRevokeEnabled, "admin-revoke", cfg.AdminRevokeEnabled, "Allow audits to revoke rewards")
	fs.BoolVar(&cfg.TrustProxy, "trust-proxy", cfg.TrustProxy, "Identify callers by X-Forwarded-For")
	fs.IntVar(&cfg.CallerLimit, "caller-limit", cfg.CallerLimit, "Verify calls per caller per minute (0 disables)")
	fs.IntVar(&cfg.ClaimLimit, "claim-limit", cfg.ClaimLimit, "Verify calls per claim per minute (0 disables)")
	fs.IntVar(&cfg.CacheEntries, "cache-entries", cfg.CacheEntries, "Local cache capacity")
	fs.IntVar(&cfg.AuditConcurrency, "audit-concurrency", cfg.AuditConcurrency, "Concurrent checks per audit")
	fs.Float64Var(&cfg.AuditRate, "audit-rate", cfg.AuditRate, "Audit checks per second (0 is unlimited)")
	if err := entrypoint.ParseArgs(fs, args); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// RuntimeConfig maps command configuration onto the runtime.
func (c Config) RuntimeConfig() verifierapp.RuntimeConfig {
	return verifierapp.RuntimeConfig{
		HTTPAddr:    c.HTTPAddr,
		HealthPort:  c.HealthPort,
		CatalogPath: c.CatalogPath,
		Stores: verifierapp.StoreConfig{
			SharedStore: c.SharedStore,
			DBPath:      c.DBPath,
		},
		RPCURL:             c.RPCURL,
		ExternalVerifyURL:  c.ExternalVerifyURL,
		AdminSecret:        c.AdminSecret,
		AdminRevokeEnabled: c.AdminRevokeEnabled,
		TrustProxy:         c.TrustProxy,
		CallerLimit:        c.CallerLimit,
		ClaimLimit:         c.ClaimLimit,
		CacheEntries:       c.CacheEntries,
		AuditConcurrency:   c.AuditConcurrency,
		AuditRate:          c.AuditRate,
	}
}

// Run starts the verifier runtime.
func Run(ctx context.Context, cfg Config) error {
	return entrypoint.RunWithTelemetry(ctx, entrypoint.ServiceVerifier, func(context.Context) error {
		return verifierapp.Run(ctx, cfg.RuntimeConfig())
	})
}
