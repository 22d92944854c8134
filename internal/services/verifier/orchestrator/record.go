package orchestrator

import (
	"context"
	"encoding/json"
	"log"
	"math/rand/v2"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	apperrors "github.com/louisbranch/questgate/internal/platform/errors"
	"github.com/louisbranch/questgate/internal/platform/requestctx"
)

// Record is the one observability record every Verify call emits.
type Record struct {
	RequestID string `json:"requestId"`
	Key       string `json:"key"`
	Source    Source `json:"source"`
	LatencyMs int64  `json:"latencyMs"`
	Retries   int    `json:"retries"`
	CacheHit  bool   `json:"cacheHit"`
	Shared    bool   `json:"shared,omitempty"`
	Error     string `json:"error,omitempty"`
	Status    int    `json:"status,omitempty"`
}

func newRecord(ctx context.Context, obs *observation, latency time.Duration, err error) Record {
	requestID := requestctx.RequestIDFromContext(ctx)
	if requestID == "" {
		requestID = uuid.NewString()
	}
	rec := Record{
		RequestID: requestID,
		Key:       obs.key,
		Source:    obs.source,
		LatencyMs: latency.Milliseconds(),
		Retries:   obs.retries,
		CacheHit:  obs.source == SourceCache,
		Shared:    obs.shared,
	}
	if err != nil {
		rec.Error = apperrors.CodeOf(err).Wire()
		if domainErr, ok := apperrors.As(err); ok {
			rec.Status = domainErr.Status
		}
	}
	return rec
}

func (o *Orchestrator) emit(span trace.Span, rec Record) {
	span.SetAttributes(
		attribute.String("verify.request_id", rec.RequestID),
		attribute.String("verify.key", rec.Key),
		attribute.String("verify.source", string(rec.Source)),
		attribute.Int64("verify.latency_ms", rec.LatencyMs),
		attribute.Int("verify.retries", rec.Retries),
		attribute.Bool("verify.cache_hit", rec.CacheHit),
	)
	if rec.Source == SourceError {
		span.SetStatus(codes.Error, rec.Error)
	}
	if line, err := json.Marshal(rec); err == nil {
		log.Printf("verify %s", line)
	}
	if o.recorder != nil {
		o.recorder(rec)
	}
}

// bestEffort logs the failure of a side effect the caller does not wait on.
func bestEffort(effect string, err error) {
	if err != nil {
		log.Printf("best-effort %s dropped: %v", effect, err)
	}
}

func randInt64N(n int64) int64 {
	if n <= 0 {
		return 0
	}
	return rand.Int64N(n)
}
