// Package shared stores the ledger and reward state in the shared key-value
// store so every verifier process sees the same history.
package shared

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/louisbranch/questgate/internal/platform/sharedstore"
	"github.com/louisbranch/questgate/internal/services/verifier/storage"
)

// LastSeenTTL is how long the per-quest last-seen marker is kept.
const LastSeenTTL = 30 * 24 * time.Hour

const verifiedPrefix = "user:verified:"

// Store implements storage.LedgerStore and storage.RewardStore on a
// sharedstore.Pipeliner.
type Store struct {
	store sharedstore.Pipeliner
	now   func() time.Time
}

// New wraps store.
func New(store sharedstore.Pipeliner) *Store {
	return &Store{store: store, now: time.Now}
}

func eventsKey(account string) string   { return "ledger:" + account + ":events" }
func countsKey(account string) string   { return "ledger:" + account + ":counts" }
func verifiedKey(account string) string { return verifiedPrefix + account }
func pointsKey(account string) string   { return "user:xp:" + account }
func groupsKey(account string) string   { return "user:groups:" + account }

func lastSeenKey(account, questID string) string {
	return "user:last:" + account + ":" + questID
}

func bonusKey(account, group string) string {
	return "user:stars:" + account + ":" + group
}

// AppendEvent pushes the event, trims the list and bumps counters in one
// pipeline.
func (s *Store) AppendEvent(ctx context.Context, account string, event storage.LedgerEvent) error {
	if account == "" || event.QuestID == "" {
		return fmt.Errorf("account and quest id are required")
	}
	if event.At.IsZero() {
		event.At = s.now().UTC()
	}
	encoded, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("encode event: %w", err)
	}

	cmds := []sharedstore.Command{
		sharedstore.LPush(eventsKey(account), string(encoded)),
		sharedstore.LTrim(eventsKey(account), 0, storage.MaxLedgerEvents-1),
	}
	if event.Kind == storage.EventSuccess || event.Kind == storage.EventFailure {
		kind := string(event.Kind)
		cmds = append(cmds,
			sharedstore.HIncrBy(countsKey(account), kind, 1),
			sharedstore.HIncrBy(countsKey(account), kind+":"+event.QuestID, 1),
		)
	}
	if _, err := sharedstore.Do(ctx, s.store, cmds...); err != nil {
		return fmt.Errorf("append event: %w", err)
	}
	return nil
}

// RecentEvents returns up to limit newest-first events. Entries that fail to
// decode are skipped.
func (s *Store) RecentEvents(ctx context.Context, account string, limit int) ([]storage.LedgerEvent, error) {
	if limit <= 0 {
		return nil, fmt.Errorf("limit must be greater than zero")
	}
	replies, err := sharedstore.Do(ctx, s.store, sharedstore.LRange(eventsKey(account), 0, int64(limit-1)))
	if err != nil {
		return nil, fmt.Errorf("list events: %w", err)
	}
	events := make([]storage.LedgerEvent, 0, len(replies[0].List))
	for _, raw := range replies[0].List {
		var event storage.LedgerEvent
		if err := json.Unmarshal([]byte(raw), &event); err != nil {
			continue
		}
		events = append(events, event)
	}
	return events, nil
}

// Counters returns the account's counter hash.
func (s *Store) Counters(ctx context.Context, account string) (map[string]int64, error) {
	replies, err := sharedstore.Do(ctx, s.store, sharedstore.HGetAll(countsKey(account)))
	if err != nil {
		return nil, fmt.Errorf("load counters: %w", err)
	}
	counters := make(map[string]int64, len(replies[0].Hash))
	for name, raw := range replies[0].Hash {
		value, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			continue
		}
		counters[name] = value
	}
	return counters, nil
}

// ApplyGrant uses the SADD reply as the guard: only the caller that added the
// quest to the completed set applies points and the bonus. A failure between
// the guard and the point increment loses the points rather than doubling
// them.
func (s *Store) ApplyGrant(ctx context.Context, grant storage.Grant) (bool, error) {
	if grant.Account == "" || grant.QuestID == "" {
		return false, fmt.Errorf("account and quest id are required")
	}
	if grant.At.IsZero() {
		grant.At = s.now().UTC()
	}
	replies, err := sharedstore.Do(ctx, s.store,
		sharedstore.SAdd(verifiedKey(grant.Account), grant.QuestID),
		sharedstore.Set(lastSeenKey(grant.Account, grant.QuestID), strconv.FormatInt(grant.At.UnixMilli(), 10), LastSeenTTL),
	)
	if err != nil {
		return false, fmt.Errorf("mark completion: %w", err)
	}
	if replies[0].Int != 1 {
		return false, nil
	}

	cmds := []sharedstore.Command{sharedstore.IncrBy(pointsKey(grant.Account), grant.Points)}
	if grant.Group != "" {
		cmds = append(cmds,
			sharedstore.SAdd(bonusKey(grant.Account, grant.Group), grant.QuestID),
			sharedstore.SAdd(groupsKey(grant.Account), grant.Group),
		)
	}
	if _, err := sharedstore.Do(ctx, s.store, cmds...); err != nil {
		return true, fmt.Errorf("apply points: %w", err)
	}
	return true, nil
}

// ApplyRevocation removes the completion and, when it existed, subtracts
// points with a floor of zero and drops the bonus.
func (s *Store) ApplyRevocation(ctx context.Context, revocation storage.Revocation) (bool, error) {
	replies, err := sharedstore.Do(ctx, s.store, sharedstore.SRem(verifiedKey(revocation.Account), revocation.QuestID))
	if err != nil {
		return false, fmt.Errorf("remove completion: %w", err)
	}
	if replies[0].Int != 1 {
		return false, nil
	}

	cmds := []sharedstore.Command{sharedstore.IncrBy(pointsKey(revocation.Account), -revocation.Points)}
	if revocation.Group != "" {
		cmds = append(cmds, sharedstore.SRem(bonusKey(revocation.Account, revocation.Group), revocation.QuestID))
	}
	replies, err = sharedstore.Do(ctx, s.store, cmds...)
	if err != nil {
		return true, fmt.Errorf("subtract points: %w", err)
	}
	if replies[0].Int < 0 {
		if _, err := sharedstore.Do(ctx, s.store, sharedstore.Set(pointsKey(revocation.Account), "0", 0)); err != nil {
			return true, fmt.Errorf("floor points: %w", err)
		}
	}
	return true, nil
}

// RewardState loads the account's points, completions and bonuses.
func (s *Store) RewardState(ctx context.Context, account string) (storage.RewardState, error) {
	state := storage.RewardState{Account: account, Verified: []string{}, Bonus: map[string][]string{}}
	replies, err := sharedstore.Do(ctx, s.store,
		sharedstore.Get(pointsKey(account)),
		sharedstore.SMembers(verifiedKey(account)),
		sharedstore.SMembers(groupsKey(account)),
	)
	if err != nil {
		return state, fmt.Errorf("load rewards: %w", err)
	}
	points, err := replies[0].Int64()
	if err != nil {
		return state, fmt.Errorf("parse points: %w", err)
	}
	state.Points = points
	state.Verified = append(state.Verified, replies[1].List...)
	sort.Strings(state.Verified)

	groups := replies[2].List
	if len(groups) == 0 {
		return state, nil
	}
	cmds := make([]sharedstore.Command, len(groups))
	for i, group := range groups {
		cmds[i] = sharedstore.SMembers(bonusKey(account, group))
	}
	bonusReplies, err := sharedstore.Do(ctx, s.store, cmds...)
	if err != nil {
		return state, fmt.Errorf("load bonuses: %w", err)
	}
	for i, group := range groups {
		if quests := bonusReplies[i].List; len(quests) > 0 {
			sort.Strings(quests)
			state.Bonus[group] = quests
		}
	}
	return state, nil
}

// ListHolders scans completed sets and keeps the accounts holding questID.
// The cursor is the shared store's scan cursor; a page may be empty while the
// cursor is not.
func (s *Store) ListHolders(ctx context.Context, questID, cursor string, limit int) ([]string, string, error) {
	if limit <= 0 {
		return nil, "", fmt.Errorf("limit must be greater than zero")
	}
	start, err := parseCursor(cursor)
	if err != nil {
		return nil, "", err
	}

	replies, err := sharedstore.Do(ctx, s.store, sharedstore.Scan(start, verifiedPrefix+"*", int64(limit)))
	if err != nil {
		return nil, "", fmt.Errorf("scan holders: %w", err)
	}
	keys := replies[0].List
	next := ""
	if replies[0].Cursor != 0 {
		next = strconv.FormatUint(replies[0].Cursor, 10)
	}
	if len(keys) == 0 {
		return []string{}, next, nil
	}

	cmds := make([]sharedstore.Command, len(keys))
	for i, key := range keys {
		cmds[i] = sharedstore.SIsMember(key, questID)
	}
	members, err := sharedstore.Do(ctx, s.store, cmds...)
	if err != nil {
		return nil, "", fmt.Errorf("check holders: %w", err)
	}
	holders := make([]string, 0, len(keys))
	for i, key := range keys {
		if members[i].Int == 1 {
			holders = append(holders, strings.TrimPrefix(key, verifiedPrefix))
		}
	}
	return holders, next, nil
}

// ClearHistory deletes the event list and counters.
func (s *Store) ClearHistory(ctx context.Context, account string) error {
	if _, err := sharedstore.Do(ctx, s.store, sharedstore.Del(eventsKey(account)), sharedstore.Del(countsKey(account))); err != nil {
		return fmt.Errorf("clear history: %w", err)
	}
	return nil
}

// ClearRewards reads the completed quests and bonus groups first so the keys
// derived from them can be deleted in the same pipeline as the rest.
func (s *Store) ClearRewards(ctx context.Context, account string) error {
	replies, err := sharedstore.Do(ctx, s.store,
		sharedstore.SMembers(verifiedKey(account)),
		sharedstore.SMembers(groupsKey(account)),
	)
	if err != nil {
		return fmt.Errorf("load rewards: %w", err)
	}
	cmds := []sharedstore.Command{
		sharedstore.Del(pointsKey(account)),
		sharedstore.Del(verifiedKey(account)),
		sharedstore.Del(groupsKey(account)),
	}
	for _, questID := range replies[0].List {
		cmds = append(cmds, sharedstore.Del(lastSeenKey(account, questID)))
	}
	for _, group := range replies[1].List {
		cmds = append(cmds, sharedstore.Del(bonusKey(account, group)))
	}
	if _, err := sharedstore.Do(ctx, s.store, cmds...); err != nil {
		return fmt.Errorf("clear rewards: %w", err)
	}
	return nil
}

// CountHolders scans one page of completed sets and tallies their members.
func (s *Store) CountHolders(ctx context.Context, cursor string, limit int) (storage.HolderCounts, error) {
	counts := storage.HolderCounts{Counts: map[string]int64{}}
	if limit <= 0 {
		return counts, fmt.Errorf("limit must be greater than zero")
	}
	start, err := parseCursor(cursor)
	if err != nil {
		return counts, err
	}

	replies, err := sharedstore.Do(ctx, s.store, sharedstore.Scan(start, verifiedPrefix+"*", int64(limit)))
	if err != nil {
		return counts, fmt.Errorf("scan holders: %w", err)
	}
	keys := replies[0].List
	if replies[0].Cursor != 0 {
		counts.Cursor = strconv.FormatUint(replies[0].Cursor, 10)
	}
	counts.Accounts = len(keys)
	if len(keys) == 0 {
		return counts, nil
	}

	cmds := make([]sharedstore.Command, len(keys))
	for i, key := range keys {
		cmds[i] = sharedstore.SMembers(key)
	}
	members, err := sharedstore.Do(ctx, s.store, cmds...)
	if err != nil {
		return counts, fmt.Errorf("load completions: %w", err)
	}
	for _, reply := range members {
		for _, questID := range reply.List {
			counts.Counts[questID]++
		}
	}
	return counts, nil
}

func parseCursor(cursor string) (uint64, error) {
	if cursor == "" {
		return 0, nil
	}
	parsed, err := strconv.ParseUint(cursor, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("parse cursor: %w", err)
	}
	return parsed, nil
}

var (
	_ storage.LedgerStore = (*Store)(nil)
	_ storage.RewardStore = (*Store)(nil)
)
