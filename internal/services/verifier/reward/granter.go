// Package reward applies quest rewards at most once per (account, quest).
package reward

import (
	"context"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/louisbranch/questgate/internal/services/verifier/storage"
)

// Grant describes the reward for one completed quest.
type Grant struct {
	Account string
	QuestID string
	Points  int64
	// Bonus marks quests that also add to the Group bonus collection.
	Bonus bool
	Group string
}

// Granter applies grants through a storage.RewardStore. Idempotence comes
// from the store: membership in the completed set is the guard, so replays
// and concurrent callers across processes add points once.
type Granter struct {
	store storage.RewardStore
	now   func() time.Time
}

// New builds a granter.
func New(store storage.RewardStore) *Granter {
	return &Granter{store: store, now: time.Now}
}

// GrantOnce applies grant and reports whether this call was the one that
// granted it. Repeated calls refresh the last-seen marker only.
func (g *Granter) GrantOnce(ctx context.Context, grant Grant) (bool, error) {
	if g == nil || g.store == nil {
		return false, fmt.Errorf("reward store is not configured")
	}
	account := strings.ToLower(strings.TrimSpace(grant.Account))
	questID := strings.TrimSpace(grant.QuestID)
	if account == "" || questID == "" {
		return false, fmt.Errorf("account and quest id are required")
	}
	if grant.Points < 0 {
		return false, fmt.Errorf("points must not be negative")
	}
	group := ""
	if grant.Bonus {
		group = strings.TrimSpace(grant.Group)
	}

	granted, err := g.store.ApplyGrant(ctx, storage.Grant{
		Account: account,
		QuestID: questID,
		Points:  grant.Points,
		Group:   group,
		At:      g.now().UTC(),
	})
	if err != nil {
		return granted, fmt.Errorf("grant %s to %s: %w", questID, account, err)
	}
	if granted {
		log.Printf("granted %d points for %s to %s", grant.Points, questID, account)
	}
	return granted, nil
}

// Revoke removes a previously granted quest. It reports false when the
// account never held it.
func (g *Granter) Revoke(ctx context.Context, account, questID string, points int64, group string) (bool, error) {
	if g == nil || g.store == nil {
		return false, fmt.Errorf("reward store is not configured")
	}
	account = strings.ToLower(strings.TrimSpace(account))
	revoked, err := g.store.ApplyRevocation(ctx, storage.Revocation{
		Account: account,
		QuestID: strings.TrimSpace(questID),
		Points:  points,
		Group:   strings.TrimSpace(group),
	})
	if err != nil {
		return revoked, fmt.Errorf("revoke %s from %s: %w", questID, account, err)
	}
	if revoked {
		log.Printf("revoked %s from %s", questID, account)
	}
	return revoked, nil
}

// State returns the account's reward state.
func (g *Granter) State(ctx context.Context, account string) (storage.RewardState, error) {
	if g == nil || g.store == nil {
		return storage.RewardState{}, fmt.Errorf("reward store is not configured")
	}
	return g.store.RewardState(ctx, strings.ToLower(strings.TrimSpace(account)))
}

// Holders pages through accounts holding questID.
func (g *Granter) Holders(ctx context.Context, questID, cursor string, limit int) ([]string, string, error) {
	if g == nil || g.store == nil {
		return nil, "", fmt.Errorf("reward store is not configured")
	}
	return g.store.ListHolders(ctx, strings.TrimSpace(questID), cursor, limit)
}

// Reset deletes every reward the account holds.
func (g *Granter) Reset(ctx context.Context, account string) error {
	if g == nil || g.store == nil {
		return fmt.Errorf("reward store is not configured")
	}
	account = strings.ToLower(strings.TrimSpace(account))
	if err := g.store.ClearRewards(ctx, account); err != nil {
		return fmt.Errorf("reset rewards for %s: %w", account, err)
	}
	log.Printf("reset rewards for %s", account)
	return nil
}

// HolderCounts returns one page of per-quest holder counts.
func (g *Granter) HolderCounts(ctx context.Context, cursor string, limit int) (storage.HolderCounts, error) {
	if g == nil || g.store == nil {
		return storage.HolderCounts{}, fmt.Errorf("reward store is not configured")
	}
	return g.store.CountHolders(ctx, strings.TrimSpace(cursor), limit)
}
