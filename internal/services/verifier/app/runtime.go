// Package app wires the verifier runtime: stores, the verification
// pipeline, the HTTP API and the gRPC health server.
package app

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net"
	"net/http"
	"strings"

	"go.opentelemetry.io/contrib/instrumentation/google.golang.org/grpc/otelgrpc"
	"google.golang.org/grpc"

	"github.com/louisbranch/questgate/internal/platform/discovery"
	platformgrpc "github.com/louisbranch/questgate/internal/platform/grpc"
	"github.com/louisbranch/questgate/internal/platform/timeouts"
	"github.com/louisbranch/questgate/internal/services/verifier/audit"
	"github.com/louisbranch/questgate/internal/services/verifier/cache"
	"github.com/louisbranch/questgate/internal/services/verifier/catalog"
	"github.com/louisbranch/questgate/internal/services/verifier/circuit"
	"github.com/louisbranch/questgate/internal/services/verifier/evaluator"
	"github.com/louisbranch/questgate/internal/services/verifier/ledger"
	"github.com/louisbranch/questgate/internal/services/verifier/orchestrator"
	"github.com/louisbranch/questgate/internal/services/verifier/ratelimit"
	"github.com/louisbranch/questgate/internal/services/verifier/reward"
)

// RuntimeConfig controls verifier startup.
type RuntimeConfig struct {
	HTTPAddr    string
	HealthPort  int
	CatalogPath string
	Stores      StoreConfig

	RPCURL            string
	ExternalVerifyURL string

	AdminSecret        string
	AdminRevokeEnabled bool
	TrustProxy         bool

	CallerLimit      int
	ClaimLimit       int
	CacheEntries     int
	AuditConcurrency int
	AuditRate        float64
}

// HealthService is the gRPC health service name the verifier reports.
const HealthService = "verifier.api"

// Pipeline is the assembled verification stack, shared by the server and
// questctl.
type Pipeline struct {
	Stores       *Stores
	Cache        *cache.Cache
	Ledger       *ledger.Ledger
	Granter      *reward.Granter
	Auditor      *audit.Auditor
	Orchestrator *orchestrator.Orchestrator
	Registry     *evaluator.Registry
}

// NewPipeline opens stores and assembles the pipeline.
func NewPipeline(ctx context.Context, cfg RuntimeConfig) (*Pipeline, error) {
	stores, err := OpenStores(ctx, cfg.Stores)
	if err != nil {
		return nil, err
	}

	p := &Pipeline{Stores: stores}
	p.Cache = cache.New(cache.WithSharedStore(stores.Shared), cache.WithMaxEntries(cfg.CacheEntries))
	p.Ledger = ledger.New(stores.Ledger)
	p.Granter = reward.New(stores.Rewards)
	p.Auditor = audit.New(p.Granter, p.Ledger, p.Cache,
		audit.WithConcurrency(cfg.AuditConcurrency),
		audit.WithRate(cfg.AuditRate, cfg.AuditConcurrency),
		audit.WithRevoke(cfg.AdminRevokeEnabled),
	)
	p.Registry = evaluator.NewRegistry(evaluator.RegistryOptions{
		HTTPClient:    &http.Client{},
		DefaultRPCURL: cfg.RPCURL,
		ExternalURL:   cfg.ExternalVerifyURL,
	})

	limits := orchestrator.DefaultLimits()
	if cfg.CallerLimit != 0 {
		limits.CallerPerMinute = cfg.CallerLimit
	}
	if cfg.ClaimLimit != 0 {
		limits.ClaimPerMinute = cfg.ClaimLimit
	}
	orch, err := orchestrator.New(orchestrator.Deps{
		CallerLimiter: ratelimit.New("ip", ratelimit.WithSharedStore(stores.Shared)),
		ClaimLimiter:  ratelimit.New("key", ratelimit.WithSharedStore(stores.Shared)),
		Cache:         p.Cache,
		Breaker:       circuit.New(),
		Ledger:        p.Ledger,
		Granter:       p.Granter,
	}, orchestrator.WithLimits(limits))
	if err != nil {
		p.Close()
		return nil, err
	}
	p.Orchestrator = orch
	return p, nil
}

// Close waits for background writes and releases every resource.
func (p *Pipeline) Close() {
	if p == nil {
		return
	}
	p.Ledger.Drain()
	p.Cache.Close()
	p.Registry.Close()
	if err := p.Stores.Close(); err != nil {
		log.Printf("close stores: %v", err)
	}
}

// Run starts the verifier and blocks until ctx ends.
func Run(ctx context.Context, cfg RuntimeConfig) error {
	if ctx == nil {
		ctx = context.Background()
	}
	if strings.TrimSpace(cfg.HTTPAddr) == "" {
		cfg.HTTPAddr = discovery.DefaultListenAddr(discovery.ServiceVerifier)
	}
	if cfg.HealthPort <= 0 {
		cfg.HealthPort = discovery.DefaultGRPCPort(discovery.ServiceVerifier)
	}
	if strings.TrimSpace(cfg.CatalogPath) == "" {
		return fmt.Errorf("catalog path is required")
	}

	quests, err := catalog.Load(cfg.CatalogPath)
	if err != nil {
		return err
	}
	pipeline, err := NewPipeline(ctx, cfg)
	if err != nil {
		return err
	}
	defer pipeline.Close()

	handler := NewHandler(HandlerDeps{
		Orchestrator: pipeline.Orchestrator,
		Catalog:      quests,
		Builder:      pipeline.Registry,
		Ledger:       pipeline.Ledger,
		Granter:      pipeline.Granter,
		Auditor:      pipeline.Auditor,
		Admin:        AdminAuth{Secret: []byte(cfg.AdminSecret)},
		TrustProxy:   cfg.TrustProxy,
	})

	healthListener, err := net.Listen("tcp", fmt.Sprintf(":%d", cfg.HealthPort))
	if err != nil {
		return fmt.Errorf("listen on health port %d: %w", cfg.HealthPort, err)
	}
	defer healthListener.Close()

	grpcServer := grpc.NewServer(grpc.StatsHandler(otelgrpc.NewServerHandler()))
	healthServer := platformgrpc.RegisterHealth(grpcServer, HealthService)

	grpcErr := make(chan error, 1)
	go func() {
		grpcErr <- grpcServer.Serve(healthListener)
	}()
	defer func() {
		healthServer.Shutdown()
		grpcServer.GracefulStop()
		<-grpcErr
	}()

	httpServer := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           handler.Routes(),
		ReadHeaderTimeout: timeouts.ReadHeader,
	}
	httpErr := make(chan error, 1)
	go func() {
		httpErr <- httpServer.ListenAndServe()
	}()
	log.Printf("verifier listening at %s, health at %v", cfg.HTTPAddr, healthListener.Addr())

	select {
	case <-ctx.Done():
	case err := <-httpErr:
		if !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("serve http: %w", err)
		}
		return nil
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), timeouts.Shutdown)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown http: %w", err)
	}
	return nil
}
