package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"path/filepath"
	"sort"
	"strings"
	"time"

	sqlitemigrate "github.com/louisbranch/questgate/internal/platform/storage/sqlitemigrate"
	"github.com/louisbranch/questgate/internal/services/verifier/storage"
	"github.com/louisbranch/questgate/internal/services/verifier/storage/sqlite/migrations"
	_ "modernc.org/sqlite"
)

// Store provides SQLite-backed ledger and reward persistence for deployments
// without a shared store.
type Store struct {
	sqlDB *sql.DB
}

// Open opens a verifier SQLite store and applies migrations.
func Open(path string) (*Store, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("storage path is required")
	}
	cleanPath := filepath.Clean(path)
	dsn := cleanPath + "?_journal_mode=WAL&_foreign_keys=ON&_busy_timeout=5000&_synchronous=NORMAL"
	sqlDB, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	if err := sqlDB.Ping(); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("ping sqlite db: %w", err)
	}

	store := &Store{sqlDB: sqlDB}
	if err := sqlitemigrate.ApplyMigrations(context.Background(), sqlDB, migrations.FS, ""); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}
	return store, nil
}

// Close releases the SQLite connection.
func (s *Store) Close() error {
	if s == nil || s.sqlDB == nil {
		return nil
	}
	return s.sqlDB.Close()
}

func (s *Store) ready(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s == nil || s.sqlDB == nil {
		return fmt.Errorf("storage is not configured")
	}
	return nil
}

// AppendEvent records one ledger event, trims the account history and bumps
// counters for success and failure events.
func (s *Store) AppendEvent(ctx context.Context, account string, event storage.LedgerEvent) error {
	if err := s.ready(ctx); err != nil {
		return err
	}
	account = strings.TrimSpace(account)
	event.QuestID = strings.TrimSpace(event.QuestID)
	if account == "" {
		return fmt.Errorf("account is required")
	}
	if event.QuestID == "" {
		return fmt.Errorf("quest id is required")
	}
	switch event.Kind {
	case storage.EventAttempt, storage.EventSuccess, storage.EventFailure:
	default:
		return fmt.Errorf("unknown event kind %q", event.Kind)
	}
	if event.At.IsZero() {
		event.At = time.Now().UTC()
	}

	tx, err := s.sqlDB.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin append event: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `
INSERT INTO ledger_events (
	account,
	kind,
	quest_id,
	detail,
	created_at
) VALUES (?, ?, ?, ?, ?)
`,
		account,
		string(event.Kind),
		event.QuestID,
		event.Detail,
		event.At.UTC().UnixMilli(),
	); err != nil {
		return fmt.Errorf("insert event: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `
DELETE FROM ledger_events
WHERE account = ? AND id NOT IN (
	SELECT id FROM ledger_events WHERE account = ? ORDER BY id DESC LIMIT ?
)
`, account, account, storage.MaxLedgerEvents); err != nil {
		return fmt.Errorf("trim events: %w", err)
	}

	if event.Kind != storage.EventAttempt {
		for _, name := range []string{string(event.Kind), string(event.Kind) + ":" + event.QuestID} {
			if _, err := tx.ExecContext(ctx, `
INSERT INTO ledger_counters (account, name, value) VALUES (?, ?, 1)
ON CONFLICT (account, name) DO UPDATE SET value = value + 1
`, account, name); err != nil {
				return fmt.Errorf("increment counter %s: %w", name, err)
			}
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit append event: %w", err)
	}
	return nil
}

// RecentEvents lists newest-first events for account.
func (s *Store) RecentEvents(ctx context.Context, account string, limit int) ([]storage.LedgerEvent, error) {
	if err := s.ready(ctx); err != nil {
		return nil, err
	}
	if limit <= 0 {
		return nil, fmt.Errorf("limit must be greater than zero")
	}

	rows, err := s.sqlDB.QueryContext(ctx, `
SELECT
	kind,
	quest_id,
	detail,
	created_at
FROM ledger_events
WHERE account = ?
ORDER BY id DESC
LIMIT ?
`, strings.TrimSpace(account), limit)
	if err != nil {
		return nil, fmt.Errorf("list events: %w", err)
	}
	defer rows.Close()

	events := make([]storage.LedgerEvent, 0)
	for rows.Next() {
		var event storage.LedgerEvent
		var kind string
		var createdAt int64
		if err := rows.Scan(&kind, &event.QuestID, &event.Detail, &createdAt); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		event.Kind = storage.EventKind(kind)
		event.At = time.UnixMilli(createdAt).UTC()
		events = append(events, event)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate events: %w", err)
	}
	return events, nil
}

// Counters returns the success and failure counters for account.
func (s *Store) Counters(ctx context.Context, account string) (map[string]int64, error) {
	if err := s.ready(ctx); err != nil {
		return nil, err
	}
	rows, err := s.sqlDB.QueryContext(ctx, `
SELECT name, value FROM ledger_counters WHERE account = ?
`, strings.TrimSpace(account))
	if err != nil {
		return nil, fmt.Errorf("list counters: %w", err)
	}
	defer rows.Close()

	counters := make(map[string]int64)
	for rows.Next() {
		var name string
		var value int64
		if err := rows.Scan(&name, &value); err != nil {
			return nil, fmt.Errorf("scan counter: %w", err)
		}
		counters[name] = value
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate counters: %w", err)
	}
	return counters, nil
}

// ApplyGrant inserts the completion row; the insert's affected row count
// decides whether points and the bonus are applied.
func (s *Store) ApplyGrant(ctx context.Context, grant storage.Grant) (bool, error) {
	if err := s.ready(ctx); err != nil {
		return false, err
	}
	if grant.Account == "" || grant.QuestID == "" {
		return false, fmt.Errorf("account and quest id are required")
	}
	if grant.At.IsZero() {
		grant.At = time.Now().UTC()
	}
	at := grant.At.UTC().UnixMilli()

	tx, err := s.sqlDB.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("begin grant: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	res, err := tx.ExecContext(ctx, `
INSERT INTO reward_completions (account, quest_id, granted_at, last_seen_at)
VALUES (?, ?, ?, ?)
ON CONFLICT (account, quest_id) DO NOTHING
`, grant.Account, grant.QuestID, at, at)
	if err != nil {
		return false, fmt.Errorf("insert completion: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("completion rows affected: %w", err)
	}
	granted := affected == 1

	if granted {
		if _, err := tx.ExecContext(ctx, `
INSERT INTO reward_points (account, points) VALUES (?, ?)
ON CONFLICT (account) DO UPDATE SET points = points + excluded.points
`, grant.Account, grant.Points); err != nil {
			return false, fmt.Errorf("add points: %w", err)
		}
		if grant.Group != "" {
			if _, err := tx.ExecContext(ctx, `
INSERT OR IGNORE INTO reward_bonuses (account, group_name, quest_id) VALUES (?, ?, ?)
`, grant.Account, grant.Group, grant.QuestID); err != nil {
				return false, fmt.Errorf("add bonus: %w", err)
			}
		}
	} else {
		if _, err := tx.ExecContext(ctx, `
UPDATE reward_completions SET last_seen_at = ? WHERE account = ? AND quest_id = ?
`, at, grant.Account, grant.QuestID); err != nil {
			return false, fmt.Errorf("refresh completion: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("commit grant: %w", err)
	}
	return granted, nil
}

// ApplyRevocation removes a completion and, when one existed, subtracts its
// points (floored at zero) and bonus.
func (s *Store) ApplyRevocation(ctx context.Context, revocation storage.Revocation) (bool, error) {
	if err := s.ready(ctx); err != nil {
		return false, err
	}
	tx, err := s.sqlDB.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("begin revoke: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	res, err := tx.ExecContext(ctx, `
DELETE FROM reward_completions WHERE account = ? AND quest_id = ?
`, revocation.Account, revocation.QuestID)
	if err != nil {
		return false, fmt.Errorf("delete completion: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("revoke rows affected: %w", err)
	}
	if affected == 0 {
		return false, nil
	}

	if _, err := tx.ExecContext(ctx, `
UPDATE reward_points SET points = MAX(0, points - ?) WHERE account = ?
`, revocation.Points, revocation.Account); err != nil {
		return false, fmt.Errorf("subtract points: %w", err)
	}
	if revocation.Group != "" {
		if _, err := tx.ExecContext(ctx, `
DELETE FROM reward_bonuses WHERE account = ? AND group_name = ? AND quest_id = ?
`, revocation.Account, revocation.Group, revocation.QuestID); err != nil {
			return false, fmt.Errorf("remove bonus: %w", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("commit revoke: %w", err)
	}
	return true, nil
}

// RewardState loads points, completed quests and bonuses for account.
func (s *Store) RewardState(ctx context.Context, account string) (storage.RewardState, error) {
	state := storage.RewardState{Account: account, Verified: []string{}, Bonus: map[string][]string{}}
	if err := s.ready(ctx); err != nil {
		return state, err
	}

	err := s.sqlDB.QueryRowContext(ctx, `SELECT points FROM reward_points WHERE account = ?`, account).Scan(&state.Points)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return state, fmt.Errorf("load points: %w", err)
	}

	rows, err := s.sqlDB.QueryContext(ctx, `
SELECT quest_id FROM reward_completions WHERE account = ? ORDER BY quest_id
`, account)
	if err != nil {
		return state, fmt.Errorf("list completions: %w", err)
	}
	for rows.Next() {
		var questID string
		if err := rows.Scan(&questID); err != nil {
			rows.Close()
			return state, fmt.Errorf("scan completion: %w", err)
		}
		state.Verified = append(state.Verified, questID)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return state, fmt.Errorf("iterate completions: %w", err)
	}
	rows.Close()

	bonusRows, err := s.sqlDB.QueryContext(ctx, `
SELECT group_name, quest_id FROM reward_bonuses WHERE account = ?
`, account)
	if err != nil {
		return state, fmt.Errorf("list bonuses: %w", err)
	}
	defer bonusRows.Close()
	for bonusRows.Next() {
		var group, questID string
		if err := bonusRows.Scan(&group, &questID); err != nil {
			return state, fmt.Errorf("scan bonus: %w", err)
		}
		state.Bonus[group] = append(state.Bonus[group], questID)
	}
	if err := bonusRows.Err(); err != nil {
		return state, fmt.Errorf("iterate bonuses: %w", err)
	}
	for group := range state.Bonus {
		sort.Strings(state.Bonus[group])
	}
	return state, nil
}

// ListHolders pages through accounts holding questID in account order. The
// cursor is the last account of the previous page.
func (s *Store) ListHolders(ctx context.Context, questID, cursor string, limit int) ([]string, string, error) {
	if err := s.ready(ctx); err != nil {
		return nil, "", err
	}
	if limit <= 0 {
		return nil, "", fmt.Errorf("limit must be greater than zero")
	}
	rows, err := s.sqlDB.QueryContext(ctx, `
SELECT account FROM reward_completions
WHERE quest_id = ? AND account > ?
ORDER BY account
LIMIT ?
`, questID, cursor, limit)
	if err != nil {
		return nil, "", fmt.Errorf("list holders: %w", err)
	}
	defer rows.Close()

	holders := make([]string, 0, limit)
	for rows.Next() {
		var account string
		if err := rows.Scan(&account); err != nil {
			return nil, "", fmt.Errorf("scan holder: %w", err)
		}
		holders = append(holders, account)
	}
	if err := rows.Err(); err != nil {
		return nil, "", fmt.Errorf("iterate holders: %w", err)
	}
	next := ""
	if len(holders) == limit {
		next = holders[len(holders)-1]
	}
	return holders, next, nil
}

var (
	_ storage.LedgerStore = (*Store)(nil)
	_ storage.RewardStore = (*Store)(nil)
)

// ClearHistory deletes the account's events and counters.
func (s *Store) ClearHistory(ctx context.Context, account string) error {
	return s.deleteAccountRows(ctx, "clear history", account, "ledger_events", "ledger_counters")
}

// ClearRewards deletes the account's completions, points and bonuses.
func (s *Store) ClearRewards(ctx context.Context, account string) error {
	return s.deleteAccountRows(ctx, "clear rewards", account, "reward_completions", "reward_points", "reward_bonuses")
}

func (s *Store) deleteAccountRows(ctx context.Context, op, account string, tables ...string) error {
	if err := s.ready(ctx); err != nil {
		return err
	}
	tx, err := s.sqlDB.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin %s: %w", op, err)
	}
	defer func() { _ = tx.Rollback() }()

	for _, table := range tables {
		if _, err := tx.ExecContext(ctx, `DELETE FROM `+table+` WHERE account = ?`, account); err != nil {
			return fmt.Errorf("%s %s: %w", op, table, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit %s: %w", op, err)
	}
	return nil
}

// CountHolders pages accounts in order and counts their completions per
// quest. The cursor is the last account of the previous page.
func (s *Store) CountHolders(ctx context.Context, cursor string, limit int) (storage.HolderCounts, error) {
	counts := storage.HolderCounts{Counts: map[string]int64{}}
	if err := s.ready(ctx); err != nil {
		return counts, err
	}
	if limit <= 0 {
		return counts, fmt.Errorf("limit must be greater than zero")
	}

	var last string
	err := s.sqlDB.QueryRowContext(ctx, `
SELECT COUNT(*), COALESCE(MAX(account), '') FROM (
	SELECT DISTINCT account FROM reward_completions
	WHERE account > ?
	ORDER BY account
	LIMIT ?
)
`, cursor, limit).Scan(&counts.Accounts, &last)
	if err != nil {
		return counts, fmt.Errorf("page holders: %w", err)
	}
	if counts.Accounts == 0 {
		return counts, nil
	}

	rows, err := s.sqlDB.QueryContext(ctx, `
SELECT quest_id, COUNT(*) FROM reward_completions
WHERE account > ? AND account <= ?
GROUP BY quest_id
`, cursor, last)
	if err != nil {
		return counts, fmt.Errorf("count holders: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var questID string
		var n int64
		if err := rows.Scan(&questID, &n); err != nil {
			return counts, fmt.Errorf("scan holder count: %w", err)
		}
		counts.Counts[questID] = n
	}
	if err := rows.Err(); err != nil {
		return counts, fmt.Errorf("iterate holder counts: %w", err)
	}
	if counts.Accounts == limit {
		counts.Cursor = last
	}
	return counts, nil
}
