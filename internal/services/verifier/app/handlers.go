package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"

	apperrors "github.com/louisbranch/questgate/internal/platform/errors"
	"github.com/louisbranch/questgate/internal/platform/requestctx"
	"github.com/louisbranch/questgate/internal/services/verifier/audit"
	"github.com/louisbranch/questgate/internal/services/verifier/catalog"
	"github.com/louisbranch/questgate/internal/services/verifier/evaluator"
	"github.com/louisbranch/questgate/internal/services/verifier/ledger"
	"github.com/louisbranch/questgate/internal/services/verifier/orchestrator"
	"github.com/louisbranch/questgate/internal/services/verifier/reward"
	"github.com/louisbranch/questgate/internal/services/verifier/storage"
)

const (
	maxRequestBytes = 16 * 1024
	profileEvents   = 50
)

// EvaluatorBuilder turns a quest's evaluator config into a strategy.
// *evaluator.Registry satisfies it.
type EvaluatorBuilder interface {
	Build(ctx context.Context, cfg evaluator.Config) (evaluator.Evaluator, error)
}

// Handler serves the verifier HTTP API.
type Handler struct {
	orchestrator *orchestrator.Orchestrator
	catalog      catalog.Catalog
	builder      EvaluatorBuilder
	ledger       *ledger.Ledger
	granter      *reward.Granter
	auditor      *audit.Auditor
	admin        AdminAuth
	trustProxy   bool

	mu         sync.Mutex
	evaluators map[string]evaluator.Evaluator
}

// HandlerDeps are the collaborators of a Handler.
type HandlerDeps struct {
	Orchestrator *orchestrator.Orchestrator
	Catalog      catalog.Catalog
	Builder      EvaluatorBuilder
	Ledger       *ledger.Ledger
	Granter      *reward.Granter
	Auditor      *audit.Auditor
	Admin        AdminAuth
	// TrustProxy takes the caller identity from X-Forwarded-For.
	TrustProxy bool
}

// NewHandler builds the API handler.
func NewHandler(deps HandlerDeps) *Handler {
	return &Handler{
		orchestrator: deps.Orchestrator,
		catalog:      deps.Catalog,
		builder:      deps.Builder,
		ledger:       deps.Ledger,
		granter:      deps.Granter,
		auditor:      deps.Auditor,
		admin:        deps.Admin,
		trustProxy:   deps.TrustProxy,
		evaluators:   make(map[string]evaluator.Evaluator),
	}
}

// Routes registers every endpoint on a new mux.
func (h *Handler) Routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", h.handleHealth)
	mux.HandleFunc("POST /v1/verify", h.handleVerify)
	mux.HandleFunc("GET /v1/profile", h.handleProfile)
	mux.Handle("POST /v1/admin/grant", h.requireAdmin(http.HandlerFunc(h.handleAdminGrant)))
	mux.Handle("POST /v1/admin/revoke", h.requireAdmin(http.HandlerFunc(h.handleAdminRevoke)))
	mux.Handle("POST /v1/admin/audit", h.requireAdmin(http.HandlerFunc(h.handleAdminAudit)))
	mux.Handle("POST /v1/admin/reset", h.requireAdmin(http.HandlerFunc(h.handleAdminReset)))
	mux.Handle("POST /v1/admin/stats/verified", h.requireAdmin(http.HandlerFunc(h.handleAdminVerifiedStats)))
	return withRequestID(mux)
}

// withRequestID tags every request with an id, echoed in the response.
func withRequestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx, requestID := requestctx.EnsureRequestID(r.Context(), r.Header.Get(requestctx.HeaderRequestID))
		w.Header().Set(requestctx.HeaderRequestID, requestID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

type verifyRequest struct {
	Account string `json:"account"`
	QuestID string `json:"questId"`
}

type verifyResponse struct {
	Completed  bool           `json:"completed"`
	Source     string         `json:"source,omitempty"`
	Payload    map[string]any `json:"payload,omitempty"`
	Error      string         `json:"error,omitempty"`
	RetryAfter int            `json:"retryAfter,omitempty"`
	Status     int            `json:"status,omitempty"`
}

func (h *Handler) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (h *Handler) handleVerify(w http.ResponseWriter, r *http.Request) {
	var req verifyRequest
	if err := decodeJSON(r, &req); err != nil {
		writeVerifyError(w, err)
		return
	}
	quest := catalog.Quest{ID: req.QuestID}
	var ev evaluator.Evaluator
	if strings.TrimSpace(req.Account) != "" {
		found, built, err := h.questEvaluator(r.Context(), req.QuestID)
		switch {
		case err == nil:
			quest, ev = found, built
		case apperrors.CodeOf(err) == apperrors.CodeNotFound:
			// Verify rejects the missing evaluator after the caller limit.
			if !errors.Is(err, catalog.ErrNotFound) {
				log.Printf("verify %s: %v", req.QuestID, err)
			}
		default:
			writeVerifyError(w, err)
			return
		}
	}

	result, err := h.orchestrator.Verify(r.Context(), orchestrator.Claim{
		Caller:  h.callerIdentity(r),
		Account: req.Account,
		Quest:   quest,
	}, ev)
	if err != nil {
		writeVerifyError(w, err)
		return
	}
	if result.Completed {
		w.Header().Set("Cache-Control", "private, max-age=86400, immutable")
	}
	writeJSON(w, http.StatusOK, verifyResponse{
		Completed: result.Completed,
		Source:    string(result.Source),
		Payload:   result.Payload,
	})
}

type profileResponse struct {
	Account  string                `json:"account"`
	Points   int64                 `json:"points"`
	Verified []string              `json:"verified"`
	Bonus    map[string][]string   `json:"bonus"`
	Ledger   []storage.LedgerEvent `json:"ledger"`
	Counters map[string]int64      `json:"counters"`
}

func (h *Handler) handleProfile(w http.ResponseWriter, r *http.Request) {
	account := orchestrator.NormalizeAccount(r.URL.Query().Get("account"))
	if account == "" {
		writeError(w, apperrors.New(apperrors.CodeBadRequest, "account is required"))
		return
	}
	limit := profileEvents
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 || n > storage.MaxLedgerEvents {
			writeError(w, apperrors.New(apperrors.CodeBadRequest, "limit must be between 1 and 500"))
			return
		}
		limit = n
	}
	ctx := r.Context()
	state, err := h.granter.State(ctx, account)
	if err != nil {
		writeError(w, apperrors.Wrap(apperrors.CodeStoreUnavailable, "read reward state", err))
		return
	}
	events, err := h.ledger.ReadRecent(ctx, account, limit)
	if err != nil {
		writeError(w, apperrors.Wrap(apperrors.CodeStoreUnavailable, "read ledger", err))
		return
	}
	counters, err := h.ledger.Counters(ctx, account)
	if err != nil {
		writeError(w, apperrors.Wrap(apperrors.CodeStoreUnavailable, "read counters", err))
		return
	}
	writeJSON(w, http.StatusOK, profileResponse{
		Account:  account,
		Points:   state.Points,
		Verified: nonNil(state.Verified),
		Bonus:    state.Bonus,
		Ledger:   events,
		Counters: counters,
	})
}

type adminClaimRequest struct {
	Account string `json:"account"`
	QuestID string `json:"questId"`
}

func (h *Handler) handleAdminGrant(w http.ResponseWriter, r *http.Request) {
	var req adminClaimRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}
	account := orchestrator.NormalizeAccount(req.Account)
	if account == "" {
		writeError(w, apperrors.New(apperrors.CodeBadRequest, "account is required"))
		return
	}
	quest, err := h.findQuest(r.Context(), req.QuestID)
	if err != nil {
		writeError(w, err)
		return
	}
	granted, err := h.granter.GrantOnce(r.Context(), reward.Grant{
		Account: account,
		QuestID: quest.ID,
		Points:  quest.Points,
		Bonus:   quest.Bonus,
		Group:   quest.Group,
	})
	if err != nil {
		writeError(w, apperrors.Wrap(apperrors.CodeStoreUnavailable, "grant reward", err))
		return
	}
	if granted {
		h.ledger.WriteSuccess(r.Context(), account, quest.ID)
	}
	writeJSON(w, http.StatusOK, map[string]any{"account": account, "questId": quest.ID, "granted": granted})
}

func (h *Handler) handleAdminRevoke(w http.ResponseWriter, r *http.Request) {
	var req adminClaimRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}
	account := orchestrator.NormalizeAccount(req.Account)
	if account == "" {
		writeError(w, apperrors.New(apperrors.CodeBadRequest, "account is required"))
		return
	}
	quest, err := h.findQuest(r.Context(), req.QuestID)
	if err != nil {
		writeError(w, err)
		return
	}
	if err := h.auditor.Revoke(r.Context(), quest, account); err != nil {
		writeError(w, apperrors.Wrap(apperrors.CodeStoreUnavailable, "revoke reward", err))
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"account": account, "questId": quest.ID, "revoked": true})
}

type auditRequest struct {
	QuestID string `json:"questId"`
	Cursor  string `json:"cursor"`
	Batch   int    `json:"batch"`
	Apply   bool   `json:"apply"`
}

func (h *Handler) handleAdminAudit(w http.ResponseWriter, r *http.Request) {
	var req auditRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}
	quest, ev, err := h.questEvaluator(r.Context(), req.QuestID)
	if err != nil {
		writeError(w, err)
		return
	}
	report, err := h.auditor.Audit(r.Context(), audit.Request{
		Quest:  quest,
		Cursor: req.Cursor,
		Batch:  req.Batch,
		Apply:  req.Apply,
	}, ev)
	if err != nil {
		writeError(w, apperrors.Wrap(apperrors.CodeUpstreamError, "audit failed", err))
		return
	}
	writeJSON(w, http.StatusOK, report)
}

func (h *Handler) handleAdminReset(w http.ResponseWriter, r *http.Request) {
	var req adminClaimRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}
	if orchestrator.NormalizeAccount(req.Account) == "" {
		writeError(w, apperrors.New(apperrors.CodeBadRequest, "account is required"))
		return
	}
	report, err := h.auditor.Reset(r.Context(), req.Account)
	if err != nil {
		writeError(w, apperrors.Wrap(apperrors.CodeStoreUnavailable, "reset account", err))
		return
	}
	writeJSON(w, http.StatusOK, report)
}

type statsRequest struct {
	Cursor string `json:"cursor"`
	Batch  int    `json:"batch"`
}

func (h *Handler) handleAdminVerifiedStats(w http.ResponseWriter, r *http.Request) {
	var req statsRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}
	report, err := h.auditor.Stats(r.Context(), audit.StatsRequest{Cursor: req.Cursor, Batch: req.Batch})
	if err != nil {
		writeError(w, apperrors.Wrap(apperrors.CodeStoreUnavailable, "count verified holders", err))
		return
	}
	writeJSON(w, http.StatusOK, report)
}

func (h *Handler) requireAdmin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		subject, err := h.admin.Validate(bearerToken(r.Header.Get("Authorization")))
		if err != nil {
			writeError(w, err)
			return
		}
		log.Printf("admin %s %s", subject, r.URL.Path)
		next.ServeHTTP(w, r)
	})
}

func (h *Handler) findQuest(ctx context.Context, questID string) (catalog.Quest, error) {
	questID = strings.TrimSpace(questID)
	if questID == "" {
		return catalog.Quest{}, apperrors.Wrap(apperrors.CodeNotFound, "questId is required", catalog.ErrNotFound)
	}
	quest, err := h.catalog.FindQuest(ctx, questID)
	if errors.Is(err, catalog.ErrNotFound) {
		return catalog.Quest{}, apperrors.Wrap(apperrors.CodeNotFound, "quest not found", err)
	}
	if err != nil {
		return catalog.Quest{}, fmt.Errorf("find quest: %w", err)
	}
	return quest, nil
}

// questEvaluator resolves a quest and its evaluator, building each evaluator
// once per quest.
func (h *Handler) questEvaluator(ctx context.Context, questID string) (catalog.Quest, evaluator.Evaluator, error) {
	quest, err := h.findQuest(ctx, questID)
	if err != nil {
		return catalog.Quest{}, nil, err
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if ev, ok := h.evaluators[quest.ID]; ok {
		return quest, ev, nil
	}
	ev, err := h.builder.Build(ctx, quest.Evaluator)
	if err != nil {
		return catalog.Quest{}, nil, apperrors.Wrap(apperrors.CodeNotFound, "quest "+quest.ID+" has no usable evaluator", err)
	}
	h.evaluators[quest.ID] = ev
	return quest, ev, nil
}

func (h *Handler) callerIdentity(r *http.Request) string {
	if h.trustProxy {
		if forwarded := r.Header.Get("X-Forwarded-For"); forwarded != "" {
			first, _, _ := strings.Cut(forwarded, ",")
			if first = strings.TrimSpace(first); first != "" {
				return first
			}
		}
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func decodeJSON(r *http.Request, dst any) error {
	decoder := json.NewDecoder(io.LimitReader(r.Body, maxRequestBytes))
	if err := decoder.Decode(dst); err != nil {
		return apperrors.Wrap(apperrors.CodeBadRequest, "invalid JSON body", err)
	}
	return nil
}

func writeVerifyError(w http.ResponseWriter, err error) {
	domainErr, ok := apperrors.As(err)
	if !ok {
		log.Printf("verify: %v", err)
		domainErr = apperrors.Wrap(apperrors.CodeUnknown, "internal error", err)
	}
	resp := verifyResponse{
		Error:      domainErr.Code.Wire(),
		RetryAfter: domainErr.RetryAfterSeconds(),
		Status:     domainErr.Status,
	}
	if resp.RetryAfter > 0 {
		w.Header().Set("Retry-After", strconv.Itoa(resp.RetryAfter))
		w.Header().Set("Cache-Control", fmt.Sprintf("private, max-age=%d", resp.RetryAfter))
	}
	writeJSON(w, domainErr.Code.HTTPStatus(), resp)
}

type errorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message,omitempty"`
}

func writeError(w http.ResponseWriter, err error) {
	domainErr, ok := apperrors.As(err)
	if !ok {
		log.Printf("request failed: %v", err)
		writeJSON(w, http.StatusInternalServerError, errorResponse{Error: apperrors.CodeUnknown.Wire()})
		return
	}
	if domainErr.Cause != nil {
		log.Printf("%s: %v", domainErr.Message, domainErr.Cause)
	}
	writeJSON(w, domainErr.Code.HTTPStatus(), errorResponse{Error: domainErr.Code.Wire(), Message: domainErr.Message})
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func nonNil(values []string) []string {
	if values == nil {
		return []string{}
	}
	return values
}
