package audit

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/louisbranch/questgate/internal/platform/sharedstore"
	"github.com/louisbranch/questgate/internal/services/verifier/cache"
	"github.com/louisbranch/questgate/internal/services/verifier/catalog"
	"github.com/louisbranch/questgate/internal/services/verifier/evaluator"
	"github.com/louisbranch/questgate/internal/services/verifier/ledger"
	"github.com/louisbranch/questgate/internal/services/verifier/orchestrator"
	"github.com/louisbranch/questgate/internal/services/verifier/reward"
	"github.com/louisbranch/questgate/internal/services/verifier/storage"
	"github.com/louisbranch/questgate/internal/services/verifier/storage/shared"
)

var mintQuest = catalog.Quest{ID: "mint", Points: 100, Bonus: true, Group: "genesis"}

type scriptedEvaluator struct {
	verdicts map[string]bool
	errs     map[string]error

	active    atomic.Int32
	maxActive atomic.Int32
}

func (s *scriptedEvaluator) Upstream() string { return "rpc:test" }

func (s *scriptedEvaluator) Check(_ context.Context, account, _ string) (evaluator.Verdict, error) {
	n := s.active.Add(1)
	defer s.active.Add(-1)
	for {
		max := s.maxActive.Load()
		if n <= max || s.maxActive.CompareAndSwap(max, n) {
			break
		}
	}
	time.Sleep(2 * time.Millisecond)
	if err := s.errs[account]; err != nil {
		return evaluator.Verdict{}, err
	}
	return evaluator.Verdict{Completed: s.verdicts[account]}, nil
}

type fixture struct {
	granter *reward.Granter
	ledger  *ledger.Ledger
	cache   *cache.Cache
}

func newFixture(t *testing.T, holders ...string) fixture {
	t.Helper()
	store := shared.New(sharedstore.NewMemory())
	f := fixture{granter: reward.New(store), ledger: ledger.New(store), cache: cache.New()}
	t.Cleanup(func() {
		f.ledger.Drain()
		f.cache.Close()
	})
	ctx := context.Background()
	for _, account := range holders {
		grant := reward.Grant{Account: account, QuestID: mintQuest.ID, Points: mintQuest.Points, Bonus: true, Group: mintQuest.Group}
		if _, err := f.granter.GrantOnce(ctx, grant); err != nil {
			t.Fatalf("grant %s: %v", account, err)
		}
		key := orchestrator.ResultKey(orchestrator.ClaimKey(account, mintQuest.ID))
		if err := f.cache.Set(ctx, key, map[string]bool{"completed": true}, time.Hour); err != nil {
			t.Fatalf("cache %s: %v", account, err)
		}
	}
	return f
}

func TestAudit_RevokesUnconfirmedHolders(t *testing.T) {
	f := newFixture(t, "0xa", "0xb", "0xc")
	ev := &scriptedEvaluator{
		verdicts: map[string]bool{"0xa": true, "0xb": false},
		errs:     map[string]error{"0xc": errors.New("rpc timeout")},
	}
	auditor := New(f.granter, f.ledger, f.cache, WithRevoke(true))
	ctx := context.Background()

	report, err := auditor.Audit(ctx, Request{Quest: mintQuest, Apply: true}, ev)
	if err != nil {
		t.Fatalf("audit: %v", err)
	}
	if report.Checked != 3 || report.Kept != 1 || report.Revoked != 1 || report.Failed != 1 {
		t.Fatalf("report = %+v, want 3 checked, 1 kept, 1 revoked, 1 failed", report)
	}
	if !report.Applied {
		t.Fatal("applied = false, want true")
	}
	if len(report.RevokedSample) != 1 || report.RevokedSample[0] != "0xb" {
		t.Fatalf("revoked sample = %v, want [0xb]", report.RevokedSample)
	}

	state, err := f.granter.State(ctx, "0xb")
	if err != nil {
		t.Fatalf("state: %v", err)
	}
	if state.Points != 0 || len(state.Verified) != 0 || len(state.Bonus["genesis"]) != 0 {
		t.Fatalf("state = %+v, want revoked", state)
	}
	kept, err := f.granter.State(ctx, "0xc")
	if err != nil {
		t.Fatalf("state: %v", err)
	}
	if kept.Points != 100 {
		t.Fatalf("failed check points = %d, want 100 untouched", kept.Points)
	}

	if _, ok := f.cache.Get(ctx, orchestrator.ResultKey(orchestrator.ClaimKey("0xb", mintQuest.ID))); ok {
		t.Fatal("revoked result still cached")
	}
	if _, ok := f.cache.Get(ctx, orchestrator.ResultKey(orchestrator.ClaimKey("0xa", mintQuest.ID))); !ok {
		t.Fatal("kept result dropped from cache")
	}

	f.ledger.Drain()
	events, err := f.ledger.ReadRecent(ctx, "0xb", 10)
	if err != nil {
		t.Fatalf("ledger: %v", err)
	}
	if len(events) != 1 || events[0].Kind != storage.EventFailure || events[0].Detail != RevokeDetail {
		t.Fatalf("events = %+v, want one admin_revoke failure", events)
	}
}

func TestAudit_DryRunWithoutRevokeEnabled(t *testing.T) {
	f := newFixture(t, "0xa")
	ev := &scriptedEvaluator{verdicts: map[string]bool{}}
	auditor := New(f.granter, f.ledger, f.cache)

	report, err := auditor.Audit(context.Background(), Request{Quest: mintQuest, Apply: true}, ev)
	if err != nil {
		t.Fatalf("audit: %v", err)
	}
	if report.Revoked != 1 || report.Applied || !report.RevokeDisabled {
		t.Fatalf("report = %+v, want dry run with revoke disabled", report)
	}
	state, err := f.granter.State(context.Background(), "0xa")
	if err != nil {
		t.Fatalf("state: %v", err)
	}
	if state.Points != 100 {
		t.Fatalf("points = %d, want 100", state.Points)
	}
}

func TestAudit_BoundsConcurrency(t *testing.T) {
	holders := make([]string, 30)
	for i := range holders {
		holders[i] = "0x" + string(rune('a'+i%26)) + string(rune('a'+i/26))
	}
	f := newFixture(t, holders...)
	verdicts := make(map[string]bool, len(holders))
	for _, account := range holders {
		verdicts[account] = true
	}
	ev := &scriptedEvaluator{verdicts: verdicts}
	auditor := New(f.granter, f.ledger, f.cache, WithConcurrency(4))

	report, err := auditor.Audit(context.Background(), Request{Quest: mintQuest}, ev)
	if err != nil {
		t.Fatalf("audit: %v", err)
	}
	if report.Kept != len(holders) {
		t.Fatalf("kept = %d, want %d", report.Kept, len(holders))
	}
	if got := ev.maxActive.Load(); got > 4 {
		t.Fatalf("max concurrent checks = %d, want <= 4", got)
	}
}

func TestAudit_SamplesAreBounded(t *testing.T) {
	var list []string
	for i := 0; i < MaxSamples+10; i++ {
		list = sample(list, "x")
	}
	if len(list) != MaxSamples {
		t.Fatalf("sample = %d, want %d", len(list), MaxSamples)
	}
}

func TestAudit_CanceledContext(t *testing.T) {
	f := newFixture(t, "0xa", "0xb")
	auditor := New(f.granter, f.ledger, f.cache, WithRate(0.001, 1))
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	ev := &scriptedEvaluator{verdicts: map[string]bool{}}

	if _, err := auditor.Audit(ctx, Request{Quest: mintQuest}, ev); err == nil {
		t.Fatal("expected error for canceled context")
	}
}

func TestReset_ClearsRewardsHistoryAndCache(t *testing.T) {
	f := newFixture(t, "0xa", "0xb")
	ctx := context.Background()
	f.ledger.WriteSuccess(ctx, "0xa", mintQuest.ID)
	f.ledger.Drain()

	auditor := New(f.granter, f.ledger, f.cache)
	report, err := auditor.Reset(ctx, " 0xA ")
	if err != nil {
		t.Fatalf("reset: %v", err)
	}
	if report.Account != "0xa" || report.Points != 100 || len(report.Cleared) != 1 || report.Cleared[0] != mintQuest.ID {
		t.Fatalf("report = %+v, want 0xa cleared of mint with 100 points", report)
	}

	state, err := f.granter.State(ctx, "0xa")
	if err != nil {
		t.Fatalf("state: %v", err)
	}
	if state.Points != 0 || len(state.Verified) != 0 || len(state.Bonus) != 0 {
		t.Fatalf("state = %+v, want empty", state)
	}
	if events, _ := f.ledger.ReadRecent(ctx, "0xa", 10); len(events) != 0 {
		t.Fatalf("events = %v, want empty", events)
	}
	if _, ok := f.cache.Get(ctx, orchestrator.ResultKey(orchestrator.ClaimKey("0xa", mintQuest.ID))); ok {
		t.Fatal("cached result survived reset")
	}
	if _, ok := f.cache.Get(ctx, orchestrator.ResultKey(orchestrator.ClaimKey("0xb", mintQuest.ID))); !ok {
		t.Fatal("other account's cached result was dropped")
	}

	granted, err := f.granter.GrantOnce(ctx, reward.Grant{Account: "0xa", QuestID: mintQuest.ID, Points: 100})
	if err != nil || !granted {
		t.Fatalf("regrant = %v, %v, want granted after reset", granted, err)
	}

	if _, err := auditor.Reset(ctx, "  "); err == nil {
		t.Fatal("expected error for empty account")
	}
}

func TestStats_CountsHoldersPerQuest(t *testing.T) {
	f := newFixture(t, "0xa", "0xb", "0xc")
	ctx := context.Background()
	if _, err := f.granter.GrantOnce(ctx, reward.Grant{Account: "0xa", QuestID: "daily", Points: 5}); err != nil {
		t.Fatalf("grant daily: %v", err)
	}

	auditor := New(f.granter, f.ledger, f.cache)
	totals := map[string]int64{}
	accounts := 0
	cursor := ""
	for page := 0; ; page++ {
		if page > 100 {
			t.Fatal("stats did not terminate")
		}
		report, err := auditor.Stats(ctx, StatsRequest{Cursor: cursor, Batch: 2})
		if err != nil {
			t.Fatalf("stats: %v", err)
		}
		accounts += report.Accounts
		for questID, n := range report.Counts {
			totals[questID] += n
		}
		if report.Cursor == "" {
			break
		}
		cursor = report.Cursor
	}
	if accounts != 3 {
		t.Fatalf("accounts = %d, want 3", accounts)
	}
	if totals[mintQuest.ID] != 3 || totals["daily"] != 1 {
		t.Fatalf("totals = %v, want mint=3 daily=1", totals)
	}
}
