package app

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/alicebob/miniredis/v2"

	"github.com/louisbranch/questgate/internal/services/verifier/reward"
)

func TestOpenStoresBackends(t *testing.T) {
	tests := map[string]StoreConfig{
		"memory": {SharedStore: SharedStoreMemory},
		"redis":  {SharedStore: "redis://" + miniredis.RunT(t).Addr()},
		"sqlite": {DBPath: filepath.Join(t.TempDir(), "nested", "verifier.db")},
	}
	for name, cfg := range tests {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			stores, err := OpenStores(ctx, cfg)
			if err != nil {
				t.Fatalf("open: %v", err)
			}
			defer func() {
				if err := stores.Close(); err != nil {
					t.Fatalf("close: %v", err)
				}
			}()
			if (stores.Shared != nil) != (cfg.SharedStore != "") {
				t.Fatalf("shared = %v, want configured %v", stores.Shared, cfg.SharedStore != "")
			}

			granter := reward.New(stores.Rewards)
			granted, err := granter.GrantOnce(ctx, reward.Grant{Account: testAccount, QuestID: "q1", Points: 5})
			if err != nil || !granted {
				t.Fatalf("grant = %v, %v, want granted", granted, err)
			}
			state, err := granter.State(ctx, testAccount)
			if err != nil {
				t.Fatalf("state: %v", err)
			}
			if state.Points != 5 {
				t.Fatalf("points = %d, want 5", state.Points)
			}
		})
	}
}

func TestOpenStoresFallsBackWhenRedisUnreachable(t *testing.T) {
	server := miniredis.RunT(t)
	addr := server.Addr()
	server.Close()

	ctx := context.Background()
	stores, err := OpenStores(ctx, StoreConfig{
		SharedStore: "redis://" + addr + "/0",
		DBPath:      filepath.Join(t.TempDir(), "verifier.db"),
	})
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer stores.Close()
	if stores.Shared != nil {
		t.Fatalf("shared = %v, want nil after fallback", stores.Shared)
	}

	granted, err := reward.New(stores.Rewards).GrantOnce(ctx, reward.Grant{Account: testAccount, QuestID: "q1", Points: 5})
	if err != nil || !granted {
		t.Fatalf("grant = %v, %v, want granted on sqlite", granted, err)
	}

	if _, err := OpenStores(ctx, StoreConfig{SharedStore: "redis://" + addr + "/0"}); err == nil {
		t.Fatal("expected error when redis is unreachable and no db path is set")
	}
}

func TestOpenStoresErrors(t *testing.T) {
	if _, err := OpenStores(context.Background(), StoreConfig{}); err == nil {
		t.Fatal("expected error without db path")
	}
	if _, err := OpenStores(context.Background(), StoreConfig{SharedStore: "://bad"}); err == nil {
		t.Fatal("expected error for invalid shared store url")
	}
}
