package reward

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/louisbranch/questgate/internal/platform/sharedstore"
	"github.com/louisbranch/questgate/internal/services/verifier/storage"
	"github.com/louisbranch/questgate/internal/services/verifier/storage/shared"
	"github.com/louisbranch/questgate/internal/services/verifier/storage/sqlite"
)

func backends(t *testing.T) map[string]storage.RewardStore {
	t.Helper()
	sqlStore, err := sqlite.Open(filepath.Join(t.TempDir(), "rewards.db"))
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	t.Cleanup(func() { _ = sqlStore.Close() })
	return map[string]storage.RewardStore{
		"shared": shared.New(sharedstore.NewMemory()),
		"sqlite": sqlStore,
	}
}

func TestGrantOnce_TwiceAddsPointsOnce(t *testing.T) {
	for name, store := range backends(t) {
		t.Run(name, func(t *testing.T) {
			g := New(store)
			ctx := context.Background()
			grant := Grant{Account: "0xABC", QuestID: "q1", Points: 50}

			first, err := g.GrantOnce(ctx, grant)
			if err != nil {
				t.Fatalf("first grant: %v", err)
			}
			second, err := g.GrantOnce(ctx, grant)
			if err != nil {
				t.Fatalf("second grant: %v", err)
			}
			if !first || second {
				t.Fatalf("granted = %v,%v, want true,false", first, second)
			}

			state, err := g.State(ctx, "0xabc")
			if err != nil {
				t.Fatalf("state: %v", err)
			}
			if state.Points != 50 {
				t.Fatalf("points = %d, want 50", state.Points)
			}
			if len(state.Verified) != 1 || state.Verified[0] != "q1" {
				t.Fatalf("verified = %v, want [q1]", state.Verified)
			}
		})
	}
}

func TestGrantOnce_BonusOnlyWhenFlagged(t *testing.T) {
	for name, store := range backends(t) {
		t.Run(name, func(t *testing.T) {
			g := New(store)
			ctx := context.Background()
			if _, err := g.GrantOnce(ctx, Grant{Account: "0xabc", QuestID: "q1", Points: 1, Group: "week-2"}); err != nil {
				t.Fatalf("grant q1: %v", err)
			}
			if _, err := g.GrantOnce(ctx, Grant{Account: "0xabc", QuestID: "q2", Points: 1, Bonus: true, Group: "week-2"}); err != nil {
				t.Fatalf("grant q2: %v", err)
			}
			state, err := g.State(ctx, "0xabc")
			if err != nil {
				t.Fatalf("state: %v", err)
			}
			if got := state.Bonus["week-2"]; len(got) != 1 || got[0] != "q2" {
				t.Fatalf("bonus = %v, want week-2:[q2]", state.Bonus)
			}
		})
	}
}

func TestGrantOnce_Validation(t *testing.T) {
	g := New(shared.New(sharedstore.NewMemory()))
	if _, err := g.GrantOnce(context.Background(), Grant{QuestID: "q1"}); err == nil {
		t.Fatal("expected error for empty account")
	}
	if _, err := g.GrantOnce(context.Background(), Grant{Account: "0xabc", QuestID: "q1", Points: -1}); err == nil {
		t.Fatal("expected error for negative points")
	}
}

func TestRevoke(t *testing.T) {
	for name, store := range backends(t) {
		t.Run(name, func(t *testing.T) {
			g := New(store)
			ctx := context.Background()
			if _, err := g.GrantOnce(ctx, Grant{Account: "0xabc", QuestID: "q1", Points: 20}); err != nil {
				t.Fatalf("grant: %v", err)
			}
			revoked, err := g.Revoke(ctx, "0xABC", "q1", 20, "")
			if err != nil {
				t.Fatalf("revoke: %v", err)
			}
			if !revoked {
				t.Fatal("revoke = false, want true")
			}
			granted, err := g.GrantOnce(ctx, Grant{Account: "0xabc", QuestID: "q1", Points: 20})
			if err != nil {
				t.Fatalf("regrant: %v", err)
			}
			if !granted {
				t.Fatal("regrant after revoke = false, want true")
			}
		})
	}
}

func TestNilStore(t *testing.T) {
	if _, err := New(nil).GrantOnce(context.Background(), Grant{Account: "a", QuestID: "q"}); err == nil {
		t.Fatal("expected error without store")
	}
}
