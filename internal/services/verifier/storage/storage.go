// Package storage defines the durable stores behind the verifier: the
// per-account ledger and reward state.
package storage

import (
	"context"
	"time"
)

// MaxLedgerEvents bounds the per-account event list; older events are trimmed.
const MaxLedgerEvents = 500

// EventKind classifies a ledger event.
type EventKind string

const (
	EventAttempt EventKind = "attempt"
	EventSuccess EventKind = "success"
	EventFailure EventKind = "failure"
)

// LedgerEvent is one entry in an account's verification history.
type LedgerEvent struct {
	At      time.Time `json:"ts"`
	Kind    EventKind `json:"type"`
	QuestID string    `json:"questId"`
	Detail  string    `json:"detail,omitempty"`
}

// LedgerStore appends events and maintains per-account counters.
//
// AppendEvent pushes the event to the head of the account's list and trims it
// to MaxLedgerEvents. Success and failure events also increment the counters
// "<kind>" and "<kind>:<questId>".
type LedgerStore interface {
	AppendEvent(ctx context.Context, account string, event LedgerEvent) error
	RecentEvents(ctx context.Context, account string, limit int) ([]LedgerEvent, error)
	Counters(ctx context.Context, account string) (map[string]int64, error)
	// ClearHistory deletes the account's events and counters.
	ClearHistory(ctx context.Context, account string) error
}

// Grant is one reward application.
type Grant struct {
	Account string
	QuestID string
	Points  int64
	// Group names the bonus collection; empty means the quest awards no bonus.
	Group string
	At    time.Time
}

// Revocation undoes a grant. Points are subtracted with a floor of zero.
type Revocation struct {
	Account string
	QuestID string
	Points  int64
	Group   string
}

// RewardState is an account's accumulated rewards.
type RewardState struct {
	Account  string
	Points   int64
	Verified []string
	// Bonus maps a group to the quests that earned a bonus in it.
	Bonus map[string][]string
}

// RewardStore applies grants at most once per (account, quest).
//
// ApplyGrant reports true only for the call that added the quest to the
// account's completed set; only that call adds points and the bonus. The
// last-seen timestamp is refreshed on every call.
type RewardStore interface {
	ApplyGrant(ctx context.Context, grant Grant) (bool, error)
	ApplyRevocation(ctx context.Context, revocation Revocation) (bool, error)
	RewardState(ctx context.Context, account string) (RewardState, error)
	// ListHolders pages through accounts that completed questID. The returned
	// cursor is empty when the listing is exhausted.
	ListHolders(ctx context.Context, questID, cursor string, limit int) ([]string, string, error)
	// CountHolders pages through accounts with at least one completion and
	// counts them per quest. Summing the pages gives the totals.
	CountHolders(ctx context.Context, cursor string, limit int) (HolderCounts, error)
	// ClearRewards deletes the account's points, completions, last-seen
	// markers and bonuses.
	ClearRewards(ctx context.Context, account string) error
}

// HolderCounts is one page of per-quest holder counts.
type HolderCounts struct {
	// Counts maps a quest id to the accounts on this page holding it.
	Counts map[string]int64
	// Accounts is the number of accounts examined on this page.
	Accounts int
	// Cursor is empty when the listing is exhausted.
	Cursor string
}
