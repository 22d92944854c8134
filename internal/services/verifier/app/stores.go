package app

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"

	"github.com/louisbranch/questgate/internal/platform/sharedstore"
	redisstore "github.com/louisbranch/questgate/internal/platform/sharedstore/redis"
	"github.com/louisbranch/questgate/internal/services/verifier/storage"
	"github.com/louisbranch/questgate/internal/services/verifier/storage/shared"
	verifiersqlite "github.com/louisbranch/questgate/internal/services/verifier/storage/sqlite"
)

// SharedStoreMemory selects the in-process shared store, for development.
const SharedStoreMemory = "memory"

// StoreConfig selects where verifier state lives.
type StoreConfig struct {
	// SharedStore is empty for none, "memory", or a redis:// URL.
	SharedStore string
	// DBPath is the SQLite file used for the ledger and rewards when no
	// shared store is configured.
	DBPath string
}

// Stores holds the opened backends.
type Stores struct {
	// Shared is nil when no shared store is configured.
	Shared  sharedstore.Pipeliner
	Ledger  storage.LedgerStore
	Rewards storage.RewardStore

	closers []func() error
}

// OpenStores opens the configured backends. With a shared store, the ledger
// and rewards live there too; otherwise they live in SQLite. An unreachable
// Redis at startup leaves the process on local tiers and SQLite.
func OpenStores(ctx context.Context, cfg StoreConfig) (*Stores, error) {
	stores := &Stores{}
	switch target := strings.TrimSpace(cfg.SharedStore); {
	case target == "":
	case target == SharedStoreMemory:
		stores.Shared = sharedstore.NewMemory()
		log.Printf("using in-process shared store; state is lost on restart")
	default:
		client, err := redisstore.Open(ctx, target)
		switch {
		case errors.Is(err, sharedstore.ErrUnavailable):
			log.Printf("redis unavailable, falling back to local cache and sqlite: %v", err)
		case err != nil:
			return nil, fmt.Errorf("open shared store: %w", err)
		default:
			stores.Shared = client
			stores.closers = append(stores.closers, client.Close)
		}
	}

	if stores.Shared != nil {
		durable := shared.New(stores.Shared)
		stores.Ledger = durable
		stores.Rewards = durable
		return stores, nil
	}

	dbPath := strings.TrimSpace(cfg.DBPath)
	if dbPath == "" {
		_ = stores.Close()
		return nil, fmt.Errorf("db path is required without a shared store")
	}
	if dir := filepath.Dir(dbPath); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			_ = stores.Close()
			return nil, fmt.Errorf("create verifier storage dir: %w", err)
		}
	}
	db, err := verifiersqlite.Open(dbPath)
	if err != nil {
		_ = stores.Close()
		return nil, fmt.Errorf("open verifier sqlite store: %w", err)
	}
	stores.Ledger = db
	stores.Rewards = db
	stores.closers = append(stores.closers, db.Close)
	return stores, nil
}

// Close releases every backend.
func (s *Stores) Close() error {
	if s == nil {
		return nil
	}
	var firstErr error
	for i := len(s.closers) - 1; i >= 0; i-- {
		if err := s.closers[i](); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	s.closers = nil
	return firstErr
}
