// Package ledger records verification attempts and outcomes per account.
//
// Writes are fire-and-forget: they run in the background, never block the
// caller and only log failures. Each account has its own queue, so one
// account's events are appended in the order they were written. Drain waits
// for every queue, which tests and shutdown use.
package ledger

import (
	"context"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/louisbranch/questgate/internal/platform/timeouts"
	"github.com/louisbranch/questgate/internal/services/verifier/storage"
)

// Ledger writes events to a storage.LedgerStore.
type Ledger struct {
	store storage.LedgerStore
	now   func() time.Time

	mu sync.Mutex
	// queues holds an entry for every account with a running writer.
	queues  map[string][]queuedEvent
	pending sync.WaitGroup
}

type queuedEvent struct {
	ctx   context.Context
	event storage.LedgerEvent
}

// New builds a ledger. A nil store turns every write into a no-op and every
// read into an empty result.
func New(store storage.LedgerStore) *Ledger {
	return &Ledger{store: store, now: time.Now, queues: make(map[string][]queuedEvent)}
}

// WriteAttempt records that a live evaluation started.
func (l *Ledger) WriteAttempt(ctx context.Context, account, questID string) {
	l.write(ctx, account, storage.LedgerEvent{Kind: storage.EventAttempt, QuestID: questID})
}

// WriteSuccess records a completed claim.
func (l *Ledger) WriteSuccess(ctx context.Context, account, questID string) {
	l.write(ctx, account, storage.LedgerEvent{Kind: storage.EventSuccess, QuestID: questID})
}

// WriteFailure records a failed claim with a short reason such as
// "not_completed", an upstream status or "admin_revoke".
func (l *Ledger) WriteFailure(ctx context.Context, account, questID, detail string) {
	l.write(ctx, account, storage.LedgerEvent{Kind: storage.EventFailure, QuestID: questID, Detail: detail})
}

func (l *Ledger) write(ctx context.Context, account string, event storage.LedgerEvent) {
	if l == nil || l.store == nil {
		return
	}
	account = strings.ToLower(strings.TrimSpace(account))

	l.mu.Lock()
	defer l.mu.Unlock()
	event.At = l.now().UTC()
	queue, running := l.queues[account]
	l.queues[account] = append(queue, queuedEvent{ctx: context.WithoutCancel(ctx), event: event})
	l.pending.Add(1)
	if !running {
		go l.flush(account)
	}
}

// flush appends the account's queued events one at a time until the queue is
// empty, then retires the queue.
func (l *Ledger) flush(account string) {
	for {
		l.mu.Lock()
		queue := l.queues[account]
		if len(queue) == 0 {
			delete(l.queues, account)
			l.mu.Unlock()
			return
		}
		next := queue[0]
		l.queues[account] = queue[1:]
		l.mu.Unlock()

		l.append(account, next)
		l.pending.Done()
	}
}

func (l *Ledger) append(account string, queued queuedEvent) {
	ctx, cancel := context.WithTimeout(queued.ctx, timeouts.LedgerWrite)
	defer cancel()
	if err := l.store.AppendEvent(ctx, account, queued.event); err != nil {
		log.Printf("ledger %s %s for %s dropped: %v", queued.event.Kind, queued.event.QuestID, account, err)
	}
}

// ReadRecent returns up to limit events, newest first. An account without
// history yields an empty slice.
func (l *Ledger) ReadRecent(ctx context.Context, account string, limit int) ([]storage.LedgerEvent, error) {
	if l == nil || l.store == nil || limit <= 0 {
		return []storage.LedgerEvent{}, nil
	}
	return l.store.RecentEvents(ctx, strings.ToLower(strings.TrimSpace(account)), limit)
}

// Counters returns the account's success and failure counters.
func (l *Ledger) Counters(ctx context.Context, account string) (map[string]int64, error) {
	if l == nil || l.store == nil {
		return map[string]int64{}, nil
	}
	return l.store.Counters(ctx, strings.ToLower(strings.TrimSpace(account)))
}

// Reset deletes the account's events and counters. Writes still queued for
// the account may land after it.
func (l *Ledger) Reset(ctx context.Context, account string) error {
	if l == nil || l.store == nil {
		return nil
	}
	return l.store.ClearHistory(ctx, strings.ToLower(strings.TrimSpace(account)))
}

// Drain blocks until every background write has finished.
func (l *Ledger) Drain() {
	if l == nil {
		return
	}
	l.pending.Wait()
}
