// Package audit re-checks everyone holding a quest and revokes grants the
// upstream no longer confirms.
package audit

import (
	"context"
	"fmt"
	"log"
	"strings"

	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/louisbranch/questgate/internal/platform/pagination"
	"github.com/louisbranch/questgate/internal/services/verifier/cache"
	"github.com/louisbranch/questgate/internal/services/verifier/catalog"
	"github.com/louisbranch/questgate/internal/services/verifier/evaluator"
	"github.com/louisbranch/questgate/internal/services/verifier/ledger"
	"github.com/louisbranch/questgate/internal/services/verifier/orchestrator"
	"github.com/louisbranch/questgate/internal/services/verifier/reward"
)

const (
	DefaultConcurrency = 10
	DefaultBatch       = 1000
	MaxBatch           = 5000
	// MaxSamples bounds each account list in a Report.
	MaxSamples = 50

	// RevokeDetail is the ledger failure detail written for a revocation.
	RevokeDetail = "admin_revoke"
)

// Request selects one page of holders to audit.
type Request struct {
	Quest  catalog.Quest
	Cursor string
	Batch  int
	// Apply revokes failed holders when the auditor allows it.
	Apply bool
}

// Report summarises one audited page.
type Report struct {
	QuestID        string   `json:"questId"`
	Checked        int      `json:"checked"`
	Kept           int      `json:"kept"`
	Revoked        int      `json:"revoked"`
	Failed         int      `json:"failed"`
	KeptSample     []string `json:"keptSample"`
	RevokedSample  []string `json:"revokedSample"`
	FailedSample   []string `json:"failedSample"`
	Cursor         string   `json:"cursor"`
	Applied        bool     `json:"applied"`
	RevokeDisabled bool     `json:"revokeDisabled,omitempty"`
}

// Auditor runs audits. Checks run at most Concurrency at a time and are
// paced by a token bucket so a sweep does not trip the upstream's limits.
type Auditor struct {
	granter     *reward.Granter
	ledger      *ledger.Ledger
	cache       *cache.Cache
	concurrency int
	pace        *rate.Limiter
	allowRevoke bool
}

// Option configures an Auditor.
type Option func(*Auditor)

// WithConcurrency bounds concurrent upstream checks.
func WithConcurrency(n int) Option {
	return func(a *Auditor) {
		if n > 0 {
			a.concurrency = n
		}
	}
}

// WithRate paces upstream checks to perSecond with the given burst. A
// non-positive rate leaves checks unpaced.
func WithRate(perSecond float64, burst int) Option {
	return func(a *Auditor) {
		if perSecond <= 0 {
			a.pace = rate.NewLimiter(rate.Inf, 0)
			return
		}
		if burst < 1 {
			burst = 1
		}
		a.pace = rate.NewLimiter(rate.Limit(perSecond), burst)
	}
}

// WithRevoke enables applying revocations. Without it every audit is a dry
// run regardless of Request.Apply.
func WithRevoke(enabled bool) Option {
	return func(a *Auditor) { a.allowRevoke = enabled }
}

// New builds an auditor. ledger and cache may be nil.
func New(granter *reward.Granter, ledger *ledger.Ledger, cache *cache.Cache, opts ...Option) *Auditor {
	a := &Auditor{
		granter:     granter,
		ledger:      ledger,
		cache:       cache,
		concurrency: DefaultConcurrency,
		pace:        rate.NewLimiter(rate.Inf, 0),
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

type outcome struct {
	completed bool
	err       error
}

// Audit checks one page of holders of req.Quest with ev. Holders whose check
// errors are reported as failed and never revoked.
func (a *Auditor) Audit(ctx context.Context, req Request, ev evaluator.Evaluator) (Report, error) {
	questID := strings.TrimSpace(req.Quest.ID)
	if questID == "" {
		return Report{}, fmt.Errorf("quest id is required")
	}
	if ev == nil {
		return Report{}, fmt.Errorf("quest %s has no evaluator", questID)
	}
	batch := pagination.ClampPageSize(req.Batch, pagination.PageSizeConfig{Default: DefaultBatch, Max: MaxBatch})

	holders, next, err := a.granter.Holders(ctx, questID, req.Cursor, batch)
	if err != nil {
		return Report{}, fmt.Errorf("list holders: %w", err)
	}
	report := Report{
		QuestID:        questID,
		Checked:        len(holders),
		KeptSample:     []string{},
		RevokedSample:  []string{},
		FailedSample:   []string{},
		Cursor:         next,
		Applied:        req.Apply && a.allowRevoke,
		RevokeDisabled: req.Apply && !a.allowRevoke,
	}

	outcomes := make([]outcome, len(holders))
	group, groupCtx := errgroup.WithContext(ctx)
	group.SetLimit(a.concurrency)
	for i, account := range holders {
		group.Go(func() error {
			if err := a.pace.Wait(groupCtx); err != nil {
				return err
			}
			verdict, err := ev.Check(groupCtx, account, questID)
			outcomes[i] = outcome{completed: err == nil && verdict.Completed, err: err}
			return nil
		})
	}
	if err := group.Wait(); err != nil {
		return Report{}, fmt.Errorf("audit %s: %w", questID, err)
	}

	for i, account := range holders {
		switch result := outcomes[i]; {
		case result.err != nil:
			report.Failed++
			report.FailedSample = sample(report.FailedSample, account)
			log.Printf("audit %s: check %s failed: %v", questID, account, result.err)
		case result.completed:
			report.Kept++
			report.KeptSample = sample(report.KeptSample, account)
		default:
			report.Revoked++
			report.RevokedSample = sample(report.RevokedSample, account)
			if report.Applied {
				if err := a.Revoke(ctx, req.Quest, account); err != nil {
					return report, err
				}
			}
		}
	}
	return report, nil
}

// Revoke removes quest from account: membership, points (floored at zero)
// and bonus, then records the revocation and drops the cached result.
func (a *Auditor) Revoke(ctx context.Context, quest catalog.Quest, account string) error {
	account = orchestrator.NormalizeAccount(account)
	group := ""
	if quest.Bonus {
		group = quest.Group
	}
	if _, err := a.granter.Revoke(ctx, account, quest.ID, quest.Points, group); err != nil {
		return err
	}
	a.ledger.WriteFailure(ctx, account, quest.ID, RevokeDetail)
	if a.cache != nil {
		a.cache.Delete(ctx, orchestrator.ResultKey(orchestrator.ClaimKey(account, quest.ID)))
	}
	return nil
}

// ResetReport describes an account reset.
type ResetReport struct {
	Account string   `json:"account"`
	Cleared []string `json:"cleared"`
	Points  int64    `json:"points"`
}

// Reset deletes the account's rewards and ledger history and drops the
// cached results of the quests it held.
func (a *Auditor) Reset(ctx context.Context, account string) (ResetReport, error) {
	account = orchestrator.NormalizeAccount(account)
	if account == "" {
		return ResetReport{}, fmt.Errorf("account is required")
	}
	state, err := a.granter.State(ctx, account)
	if err != nil {
		return ResetReport{}, err
	}
	if err := a.granter.Reset(ctx, account); err != nil {
		return ResetReport{}, err
	}
	if err := a.ledger.Reset(ctx, account); err != nil {
		return ResetReport{}, fmt.Errorf("reset ledger for %s: %w", account, err)
	}
	if a.cache != nil {
		for _, questID := range state.Verified {
			a.cache.Delete(ctx, orchestrator.ResultKey(orchestrator.ClaimKey(account, questID)))
		}
	}
	return ResetReport{Account: account, Cleared: state.Verified, Points: state.Points}, nil
}

// StatsRequest selects one page of accounts to count.
type StatsRequest struct {
	Cursor string
	Batch  int
}

// StatsReport counts holders per quest over one page of accounts.
type StatsReport struct {
	Counts   map[string]int64 `json:"counts"`
	Accounts int              `json:"accounts"`
	Cursor   string           `json:"cursor"`
}

// Stats counts verified holders per quest for one page of accounts.
func (a *Auditor) Stats(ctx context.Context, req StatsRequest) (StatsReport, error) {
	batch := pagination.ClampPageSize(req.Batch, pagination.PageSizeConfig{Default: DefaultBatch, Max: MaxBatch})
	page, err := a.granter.HolderCounts(ctx, req.Cursor, batch)
	if err != nil {
		return StatsReport{}, err
	}
	return StatsReport{Counts: page.Counts, Accounts: page.Accounts, Cursor: page.Cursor}, nil
}

func sample(list []string, account string) []string {
	if len(list) >= MaxSamples {
		return list
	}
	return append(list, account)
}
