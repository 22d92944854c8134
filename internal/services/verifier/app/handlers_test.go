package app

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/louisbranch/questgate/internal/platform/sharedstore"
	"github.com/louisbranch/questgate/internal/services/verifier/audit"
	"github.com/louisbranch/questgate/internal/services/verifier/cache"
	"github.com/louisbranch/questgate/internal/services/verifier/catalog"
	"github.com/louisbranch/questgate/internal/services/verifier/circuit"
	"github.com/louisbranch/questgate/internal/services/verifier/evaluator"
	"github.com/louisbranch/questgate/internal/services/verifier/ledger"
	"github.com/louisbranch/questgate/internal/services/verifier/orchestrator"
	"github.com/louisbranch/questgate/internal/services/verifier/ratelimit"
	"github.com/louisbranch/questgate/internal/services/verifier/reward"
	"github.com/louisbranch/questgate/internal/services/verifier/storage/shared"
)

const testAccount = "0x00000000000000000000000000000000000000aa"

var adminSecret = []byte("test-admin-secret")

type stubEvaluator struct {
	upstream string
	verdict  evaluator.Verdict
	err      error
}

func (s stubEvaluator) Upstream() string { return s.upstream }

func (s stubEvaluator) Check(context.Context, string, string) (evaluator.Verdict, error) {
	return s.verdict, s.err
}

// stubBuilder resolves evaluators by the quest's evaluator kind.
type stubBuilder map[evaluator.Kind]evaluator.Evaluator

func (b stubBuilder) Build(_ context.Context, cfg evaluator.Config) (evaluator.Evaluator, error) {
	ev, ok := b[cfg.Kind]
	if !ok {
		return nil, &evaluator.StatusError{Status: http.StatusNotFound}
	}
	return ev, nil
}

type testServer struct {
	handler http.Handler
	ledger  *ledger.Ledger
	granter *reward.Granter
}

func newTestServer(t *testing.T, limits orchestrator.Limits) *testServer {
	t.Helper()
	store := shared.New(sharedstore.NewMemory())
	c := cache.New()
	l := ledger.New(store)
	g := reward.New(store)
	t.Cleanup(func() {
		l.Drain()
		c.Close()
	})

	limits.BackoffBase = time.Millisecond
	limits.BackoffJitter = time.Millisecond
	orch, err := orchestrator.New(orchestrator.Deps{
		CallerLimiter: ratelimit.New("ip"),
		ClaimLimiter:  ratelimit.New("key"),
		Cache:         c,
		Breaker:       circuit.New(circuit.WithThreshold(1)),
		Ledger:        l,
		Granter:       g,
	}, orchestrator.WithLimits(limits))
	if err != nil {
		t.Fatalf("new orchestrator: %v", err)
	}

	quests, err := catalog.NewStatic([]catalog.Quest{
		{ID: "done", Points: 50, Evaluator: evaluator.Config{Kind: "done"}},
		{ID: "pending", Points: 10, Evaluator: evaluator.Config{Kind: "pending"}},
		{ID: "flaky", Points: 10, Evaluator: evaluator.Config{Kind: "flaky"}},
		{ID: "flaky-too", Points: 10, Evaluator: evaluator.Config{Kind: "flaky"}},
		{ID: "broken", Points: 10, Evaluator: evaluator.Config{Kind: "missing"}},
	})
	if err != nil {
		t.Fatalf("new catalog: %v", err)
	}
	builder := stubBuilder{
		"done":    stubEvaluator{upstream: "partner:done", verdict: evaluator.Verdict{Completed: true}},
		"pending": stubEvaluator{upstream: "partner:pending"},
		"flaky":   stubEvaluator{upstream: "partner:flaky", err: &evaluator.StatusError{Status: http.StatusServiceUnavailable}},
	}

	h := NewHandler(HandlerDeps{
		Orchestrator: orch,
		Catalog:      quests,
		Builder:      builder,
		Ledger:       l,
		Granter:      g,
		Auditor:      audit.New(g, l, c, audit.WithConcurrency(2)),
		Admin:        AdminAuth{Secret: adminSecret},
	})
	return &testServer{handler: h.Routes(), ledger: l, granter: g}
}

func (s *testServer) do(t *testing.T, method, path, body, token string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.RemoteAddr = "203.0.113.7:5555"
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	s.handler.ServeHTTP(rec, req)
	return rec
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder, dst any) {
	t.Helper()
	if err := json.Unmarshal(rec.Body.Bytes(), dst); err != nil {
		t.Fatalf("decode body %q: %v", rec.Body.String(), err)
	}
}

func verifyBody(questID string) string {
	return `{"account":"` + testAccount + `","questId":"` + questID + `"}`
}

func adminToken(t *testing.T) string {
	t.Helper()
	token, err := IssueAdminToken(adminSecret, "ops", time.Hour, time.Now())
	if err != nil {
		t.Fatalf("issue token: %v", err)
	}
	return token
}

func TestVerifyCompleted(t *testing.T) {
	s := newTestServer(t, orchestrator.DefaultLimits())

	rec := s.do(t, http.MethodPost, "/v1/verify", verifyBody("done"), "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d (%s)", rec.Code, http.StatusOK, rec.Body.String())
	}
	if got := rec.Header().Get("Cache-Control"); got != "private, max-age=86400, immutable" {
		t.Fatalf("cache-control = %q", got)
	}
	var resp verifyResponse
	decodeBody(t, rec, &resp)
	if !resp.Completed || resp.Source != "live" {
		t.Fatalf("response = %+v, want completed live", resp)
	}

	rec = s.do(t, http.MethodPost, "/v1/verify", verifyBody("done"), "")
	decodeBody(t, rec, &resp)
	if resp.Source != "cache" {
		t.Fatalf("source = %q, want cache", resp.Source)
	}
}

func TestVerifyErrorMapping(t *testing.T) {
	s := newTestServer(t, orchestrator.DefaultLimits())

	tests := []struct {
		name       string
		body       string
		status     int
		code       string
		retryAfter string
	}{
		{name: "malformed body", body: `{`, status: http.StatusBadRequest, code: "bad_request"},
		{name: "missing account", body: `{"questId":"done"}`, status: http.StatusBadRequest, code: "bad_request"},
		{name: "unknown quest", body: verifyBody("nope"), status: http.StatusNotFound, code: "not_found"},
		{name: "unusable evaluator", body: verifyBody("broken"), status: http.StatusNotFound, code: "not_found"},
		{name: "not completed", body: verifyBody("pending"), status: http.StatusTooManyRequests, code: "cooldown", retryAfter: "60"},
		{name: "cooldown marker", body: verifyBody("pending"), status: http.StatusTooManyRequests, code: "cooldown", retryAfter: "60"},
		{name: "upstream error", body: verifyBody("flaky"), status: http.StatusBadGateway, code: "upstream_error", retryAfter: "15"},
		{name: "circuit open", body: verifyBody("flaky-too"), status: http.StatusServiceUnavailable, code: "circuit_open", retryAfter: "30"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := s.do(t, http.MethodPost, "/v1/verify", tt.body, "")
			if rec.Code != tt.status {
				t.Fatalf("status = %d, want %d (%s)", rec.Code, tt.status, rec.Body.String())
			}
			var resp verifyResponse
			decodeBody(t, rec, &resp)
			if resp.Error != tt.code {
				t.Fatalf("error = %q, want %q", resp.Error, tt.code)
			}
			if got := rec.Header().Get("Retry-After"); got != tt.retryAfter {
				t.Fatalf("retry-after = %q, want %q", got, tt.retryAfter)
			}
		})
	}
}

func TestVerifyUpstreamErrorReportsStatus(t *testing.T) {
	s := newTestServer(t, orchestrator.DefaultLimits())
	rec := s.do(t, http.MethodPost, "/v1/verify", verifyBody("flaky"), "")
	var resp verifyResponse
	decodeBody(t, rec, &resp)
	if resp.Status != http.StatusServiceUnavailable {
		t.Fatalf("status field = %d, want %d", resp.Status, http.StatusServiceUnavailable)
	}
}

func TestVerifyCallerRateLimit(t *testing.T) {
	limits := orchestrator.DefaultLimits()
	limits.CallerPerMinute = 1
	s := newTestServer(t, limits)

	if rec := s.do(t, http.MethodPost, "/v1/verify", verifyBody("done"), ""); rec.Code != http.StatusOK {
		t.Fatalf("first status = %d, want %d", rec.Code, http.StatusOK)
	}
	rec := s.do(t, http.MethodPost, "/v1/verify", verifyBody("done"), "")
	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusTooManyRequests)
	}
	var resp verifyResponse
	decodeBody(t, rec, &resp)
	if resp.Error != "rate_limited" || resp.RetryAfter < 1 {
		t.Fatalf("response = %+v, want rate_limited with retryAfter", resp)
	}
}

func TestVerifyUnknownQuestsAreRateLimited(t *testing.T) {
	limits := orchestrator.DefaultLimits()
	limits.CallerPerMinute = 2
	s := newTestServer(t, limits)

	for _, questID := range []string{"nope", "broken"} {
		if rec := s.do(t, http.MethodPost, "/v1/verify", verifyBody(questID), ""); rec.Code != http.StatusNotFound {
			t.Fatalf("%s status = %d, want %d", questID, rec.Code, http.StatusNotFound)
		}
	}
	rec := s.do(t, http.MethodPost, "/v1/verify", verifyBody("nope-again"), "")
	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("status = %d, want %d (%s)", rec.Code, http.StatusTooManyRequests, rec.Body.String())
	}
	var resp verifyResponse
	decodeBody(t, rec, &resp)
	if resp.Error != "rate_limited" {
		t.Fatalf("error = %q, want rate_limited", resp.Error)
	}
}

func TestProfile(t *testing.T) {
	s := newTestServer(t, orchestrator.DefaultLimits())
	s.do(t, http.MethodPost, "/v1/verify", verifyBody("done"), "")
	s.ledger.Drain()

	rec := s.do(t, http.MethodGet, "/v1/profile?account="+strings.ToUpper(testAccount), "", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d (%s)", rec.Code, http.StatusOK, rec.Body.String())
	}
	var resp profileResponse
	decodeBody(t, rec, &resp)
	if resp.Points != 50 {
		t.Fatalf("points = %d, want 50", resp.Points)
	}
	if len(resp.Verified) != 1 || resp.Verified[0] != "done" {
		t.Fatalf("verified = %v, want [done]", resp.Verified)
	}
	if resp.Counters["success"] != 1 {
		t.Fatalf("counters = %v, want one success", resp.Counters)
	}
	if len(resp.Ledger) == 0 {
		t.Fatal("ledger is empty")
	}

	for _, query := range []string{"", "?account=" + testAccount + "&limit=0", "?account=" + testAccount + "&limit=501"} {
		if rec := s.do(t, http.MethodGet, "/v1/profile"+query, "", ""); rec.Code != http.StatusBadRequest {
			t.Fatalf("profile%s status = %d, want %d", query, rec.Code, http.StatusBadRequest)
		}
	}
}

func TestAdminRequiresToken(t *testing.T) {
	s := newTestServer(t, orchestrator.DefaultLimits())
	expired, err := IssueAdminToken(adminSecret, "ops", time.Minute, time.Now().Add(-time.Hour))
	if err != nil {
		t.Fatalf("issue token: %v", err)
	}
	forged, err := IssueAdminToken([]byte("other"), "ops", time.Hour, time.Now())
	if err != nil {
		t.Fatalf("issue token: %v", err)
	}
	for _, token := range []string{"", "garbage", expired, forged} {
		rec := s.do(t, http.MethodPost, "/v1/admin/grant", verifyBody("done"), token)
		if rec.Code != http.StatusUnauthorized {
			t.Fatalf("status = %d, want %d", rec.Code, http.StatusUnauthorized)
		}
	}
}

func TestAdminGrantRevokeAudit(t *testing.T) {
	s := newTestServer(t, orchestrator.DefaultLimits())
	token := adminToken(t)
	ctx := context.Background()

	rec := s.do(t, http.MethodPost, "/v1/admin/grant", verifyBody("pending"), token)
	if rec.Code != http.StatusOK {
		t.Fatalf("grant status = %d (%s)", rec.Code, rec.Body.String())
	}
	var granted map[string]any
	decodeBody(t, rec, &granted)
	if granted["granted"] != true {
		t.Fatalf("grant = %v, want granted", granted)
	}
	rec = s.do(t, http.MethodPost, "/v1/admin/grant", verifyBody("pending"), token)
	decodeBody(t, rec, &granted)
	if granted["granted"] != false {
		t.Fatalf("second grant = %v, want not granted", granted)
	}

	rec = s.do(t, http.MethodPost, "/v1/admin/audit", `{"questId":"pending","apply":true}`, token)
	if rec.Code != http.StatusOK {
		t.Fatalf("audit status = %d (%s)", rec.Code, rec.Body.String())
	}
	var report audit.Report
	decodeBody(t, rec, &report)
	if report.Checked != 1 || report.Revoked != 1 || report.Applied || !report.RevokeDisabled {
		t.Fatalf("report = %+v, want one dry-run revoke", report)
	}

	rec = s.do(t, http.MethodPost, "/v1/admin/revoke", verifyBody("pending"), token)
	if rec.Code != http.StatusOK {
		t.Fatalf("revoke status = %d (%s)", rec.Code, rec.Body.String())
	}
	state, err := s.granter.State(ctx, testAccount)
	if err != nil {
		t.Fatalf("state: %v", err)
	}
	if state.Points != 0 || len(state.Verified) != 0 {
		t.Fatalf("state = %+v, want empty after revoke", state)
	}

	if rec := s.do(t, http.MethodPost, "/v1/admin/revoke", verifyBody("nope"), token); rec.Code != http.StatusNotFound {
		t.Fatalf("unknown quest status = %d, want %d", rec.Code, http.StatusNotFound)
	}
}

func TestAdminResetAndVerifiedStats(t *testing.T) {
	s := newTestServer(t, orchestrator.DefaultLimits())
	token := adminToken(t)
	ctx := context.Background()

	if rec := s.do(t, http.MethodPost, "/v1/verify", verifyBody("done"), ""); rec.Code != http.StatusOK {
		t.Fatalf("verify status = %d (%s)", rec.Code, rec.Body.String())
	}
	const other = "0x00000000000000000000000000000000000000bb"
	if rec := s.do(t, http.MethodPost, "/v1/admin/grant", `{"account":"`+other+`","questId":"done"}`, token); rec.Code != http.StatusOK {
		t.Fatalf("grant status = %d (%s)", rec.Code, rec.Body.String())
	}
	s.ledger.Drain()

	rec := s.do(t, http.MethodPost, "/v1/admin/stats/verified", `{"batch":5000}`, token)
	if rec.Code != http.StatusOK {
		t.Fatalf("stats status = %d (%s)", rec.Code, rec.Body.String())
	}
	var stats audit.StatsReport
	decodeBody(t, rec, &stats)
	if stats.Counts["done"] != 2 || stats.Accounts != 2 || stats.Cursor != "" {
		t.Fatalf("stats = %+v, want done=2 over 2 accounts", stats)
	}

	rec = s.do(t, http.MethodPost, "/v1/admin/reset", `{"account":"0x`+strings.ToUpper(testAccount[2:])+`"}`, token)
	if rec.Code != http.StatusOK {
		t.Fatalf("reset status = %d (%s)", rec.Code, rec.Body.String())
	}
	var reset audit.ResetReport
	decodeBody(t, rec, &reset)
	if reset.Account != testAccount || reset.Points != 50 || len(reset.Cleared) != 1 || reset.Cleared[0] != "done" {
		t.Fatalf("reset = %+v, want done cleared with 50 points", reset)
	}
	rec = s.do(t, http.MethodPost, "/v1/admin/reset", `{"account":"`+testAccount+`"}`, token)
	reset = audit.ResetReport{}
	decodeBody(t, rec, &reset)
	if reset.Account != testAccount || len(reset.Cleared) != 0 {
		t.Fatalf("second reset = %+v, want nothing left to clear", reset)
	}

	state, err := s.granter.State(ctx, testAccount)
	if err != nil {
		t.Fatalf("state: %v", err)
	}
	if state.Points != 0 || len(state.Verified) != 0 {
		t.Fatalf("state = %+v, want empty after reset", state)
	}
	if events, _ := s.ledger.ReadRecent(ctx, testAccount, 10); len(events) != 0 {
		t.Fatalf("events = %v, want empty after reset", events)
	}

	rec = s.do(t, http.MethodPost, "/v1/verify", verifyBody("done"), "")
	var resp verifyResponse
	decodeBody(t, rec, &resp)
	if resp.Source != "live" {
		t.Fatalf("source after reset = %q, want live", resp.Source)
	}

	if rec := s.do(t, http.MethodPost, "/v1/admin/reset", `{"account":" "}`, token); rec.Code != http.StatusBadRequest {
		t.Fatalf("empty account status = %d, want %d", rec.Code, http.StatusBadRequest)
	}
	if rec := s.do(t, http.MethodPost, "/v1/admin/stats/verified", `{}`, ""); rec.Code != http.StatusUnauthorized {
		t.Fatalf("stats without token status = %d, want %d", rec.Code, http.StatusUnauthorized)
	}
}

func TestRequestIDEchoed(t *testing.T) {
	s := newTestServer(t, orchestrator.DefaultLimits())

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	req.Header.Set("X-Request-ID", "req-42")
	rec := httptest.NewRecorder()
	s.handler.ServeHTTP(rec, req)
	if got := rec.Header().Get("X-Request-ID"); got != "req-42" {
		t.Fatalf("request id = %q, want req-42", got)
	}

	rec = s.do(t, http.MethodGet, "/healthz", "", "")
	if rec.Header().Get("X-Request-ID") == "" {
		t.Fatal("expected generated request id")
	}
}

func TestCallerIdentity(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.RemoteAddr = "198.51.100.1:4000"
	req.Header.Set("X-Forwarded-For", "203.0.113.9, 10.0.0.1")

	if got := (&Handler{}).callerIdentity(req); got != "198.51.100.1" {
		t.Fatalf("untrusted identity = %q, want 198.51.100.1", got)
	}
	if got := (&Handler{trustProxy: true}).callerIdentity(req); got != "203.0.113.9" {
		t.Fatalf("trusted identity = %q, want 203.0.113.9", got)
	}
}
