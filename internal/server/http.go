package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"PoolLedger/internal/allocation"
	"PoolLedger/internal/core"
	"PoolLedger/internal/observability"
	"PoolLedger/internal/pending"
	"PoolLedger/internal/persistence"
	"PoolLedger/internal/premium"
	"PoolLedger/internal/query"
	"PoolLedger/internal/settlement"
	"PoolLedger/internal/state"

	"github.com/google/uuid"
	"github.com/grpc-ecosystem/grpc-gateway/v2/runtime"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
)

// Ledger is the command side the API drives.
type Ledger interface {
	RequestCapitalCommitment(ctx context.Context, provider, token string, amount int64) (*core.TxHandle, error)
	RequestWithdrawal(ctx context.Context, provider, token string, amount int64, recipient string) (*core.TxHandle, error)
	RequestPremiumWithdrawal(ctx context.Context, provider, token string, amount int64, recipient string) (*core.TxHandle, error)
	SubmitTransaction(ctx context.Context, id uuid.UUID, chainTxID string) (*state.PendingPoolTransaction, error)
	ReportTransactionOutcome(ctx context.Context, o pending.Outcome) (*pending.Result, error)
	RetryTransaction(ctx context.Context, id uuid.UUID) (*core.TxHandle, error)
	ExpireStalePending(ctx context.Context) (int, error)
	CreateAllocation(ctx context.Context, policyID string, required int64, token string) (*allocation.Result, error)
	ReleasePolicy(ctx context.Context, policyID string, status state.AllocationStatus) ([]*state.PolicyAllocation, error)
	ProcessClaimSettlement(ctx context.Context, claim settlement.Claim) (*settlement.Result, error)
	DistributePolicyPremium(ctx context.Context, policyID string, amount int64, token string) (*premium.Result, error)
	RefreshPoolMetrics(ctx context.Context, token string) (*state.PoolMetrics, error)
}

type HTTPConfig struct {
	RateLimit    float64       `yaml:"rate_limit"` // Requests per second across the API; 0 disables
	RateBurst    int           `yaml:"rate_burst"`
	MaxBodyBytes int64         `yaml:"max_body_bytes"`
	Timeout      time.Duration `yaml:"timeout"`
}

func DefaultHTTPConfig() HTTPConfig {
	return HTTPConfig{RateLimit: 200, RateBurst: 400, MaxBodyBytes: 1 << 20, Timeout: 10 * time.Second}
}

// API serves the /v1 JSON surface on a grpc-gateway ServeMux.
type API struct {
	ledger  Ledger
	queries *query.QueryService
	health  *observability.HealthChecker
	limiter *rate.Limiter
	cfg     HTTPConfig
	metrics *observability.Metrics
	logger  zerolog.Logger
}

func NewAPI(ledger Ledger, queries *query.QueryService, health *observability.HealthChecker, cfg HTTPConfig, metrics *observability.Metrics, logger zerolog.Logger) *API {
	a := &API{ledger: ledger, queries: queries, health: health, cfg: cfg, metrics: metrics, logger: logger}
	if cfg.RateLimit > 0 {
		burst := cfg.RateBurst
		if burst <= 0 {
			burst = int(cfg.RateLimit)
		}
		a.limiter = rate.NewLimiter(rate.Limit(cfg.RateLimit), burst)
	}
	return a
}

type handlerFunc func(r *http.Request, params map[string]string) (int, any, error)

// Handler builds the HTTP handler: health probes plus every /v1 route.
func (a *API) Handler() (http.Handler, error) {
	mux := runtime.NewServeMux()

	routes := []struct {
		method, pattern string
		fn              handlerFunc
	}{
		{http.MethodPost, "/v1/providers/{provider}/deposits", a.requestDeposit},
		{http.MethodPost, "/v1/providers/{provider}/withdrawals", a.requestWithdrawal},
		{http.MethodPost, "/v1/providers/{provider}/premium-withdrawals", a.requestPremiumWithdrawal},
		{http.MethodGet, "/v1/providers/{provider}", a.getProvider},
		{http.MethodGet, "/v1/providers/{provider}/balances/{token}", a.getBalance},
		{http.MethodGet, "/v1/providers/{provider}/transactions", a.listProviderTransactions},

		{http.MethodGet, "/v1/transactions", a.listPending},
		{http.MethodGet, "/v1/transactions/{id}", a.getPending},
		{http.MethodPost, "/v1/transactions/{id}/submit", a.submit},
		{http.MethodPost, "/v1/transactions/{id}/outcome", a.outcome},
		{http.MethodPost, "/v1/transactions/{id}/retry", a.retry},

		{http.MethodPost, "/v1/policies", a.createAllocation},
		{http.MethodGet, "/v1/policies/{policy_id}", a.getPolicy},
		{http.MethodPost, "/v1/policies/{policy_id}/premium", a.distributePremium},
		{http.MethodPost, "/v1/policies/{policy_id}/release", a.releasePolicy},

		{http.MethodPost, "/v1/settlements", a.settleClaim},
		{http.MethodGet, "/v1/settlements/{chain_tx_id}", a.getSettlement},

		{http.MethodGet, "/v1/pools/{token}/metrics", a.getMetrics},
		{http.MethodGet, "/v1/pools/{token}/metrics/history", a.listMetrics},
		{http.MethodPost, "/v1/pools/{token}/refresh", a.refreshMetrics},

		{http.MethodGet, "/v1/admin/integrity", a.verifyIntegrity},
		{http.MethodPost, "/v1/admin/expire-pending", a.expirePending},
	}
	for _, rt := range routes {
		if err := mux.HandlePath(rt.method, rt.pattern, a.wrap(rt.method+" "+rt.pattern, rt.fn)); err != nil {
			return nil, fmt.Errorf("register %s %s: %w", rt.method, rt.pattern, err)
		}
	}

	root := http.NewServeMux()
	if a.health != nil {
		root.HandleFunc("/healthz", a.health.LivenessHandler)
		root.HandleFunc("/readyz", a.health.ReadinessHandler)
	}
	root.Handle("/", mux)
	return root, nil
}

func (a *API) wrap(route string, fn handlerFunc) runtime.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request, params map[string]string) {
		start := time.Now()
		code := http.StatusOK
		defer func() {
			if a.metrics != nil {
				a.metrics.HTTPRequests.WithLabelValues(route, strconv.Itoa(code)).Inc()
				a.metrics.HTTPDuration.WithLabelValues(route).Observe(time.Since(start).Seconds())
			}
		}()

		if a.limiter != nil && !a.limiter.Allow() {
			if a.metrics != nil {
				a.metrics.HTTPRateLimited.Inc()
			}
			code = http.StatusTooManyRequests
			writeJSON(w, code, errorBody{Error: "rate limit exceeded", Code: "rate_limited"})
			return
		}

		if a.cfg.Timeout > 0 {
			ctx, cancel := context.WithTimeout(r.Context(), a.cfg.Timeout)
			defer cancel()
			r = r.WithContext(ctx)
		}
		if a.cfg.MaxBodyBytes > 0 && r.Body != nil {
			r.Body = http.MaxBytesReader(w, r.Body, a.cfg.MaxBodyBytes)
		}

		status, body, err := fn(r, params)
		if err != nil {
			code = httpStatus(err)
			ev := a.logger.Debug()
			if code >= http.StatusInternalServerError {
				ev = a.logger.Error()
			}
			ev.Err(err).Str("route", route).Int("code", code).Msg("request failed")
			writeJSON(w, code, errorBody{Error: err.Error(), Code: errorCode(err)})
			return
		}
		code = status
		writeJSON(w, code, body)
	}
}

type errorBody struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

// httpStatus maps domain errors onto HTTP status codes.
func httpStatus(err error) int {
	switch {
	case errors.Is(err, state.ErrInvalidArgument):
		return http.StatusBadRequest
	case errors.Is(err, state.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, state.ErrAlreadyExists), errors.Is(err, state.ErrInvalidStatusTransition):
		return http.StatusConflict
	case errors.Is(err, state.ErrInsufficientBalance),
		errors.Is(err, state.ErrInsufficientPoolLiquidity),
		errors.Is(err, state.ErrSettlementVerificationFailed),
		errors.Is(err, state.ErrRetryLimitExceeded),
		errors.Is(err, state.ErrNoUndistributedAllocations),
		errors.Is(err, state.ErrNoActiveAllocations):
		return http.StatusUnprocessableEntity
	case errors.Is(err, state.ErrSettlementIncomplete):
		return http.StatusAccepted
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	}
	return http.StatusInternalServerError
}

func errorCode(err error) string {
	switch {
	case errors.Is(err, state.ErrInsufficientBalance):
		return "insufficient_balance"
	case errors.Is(err, state.ErrInsufficientPoolLiquidity):
		return "insufficient_pool_liquidity"
	case errors.Is(err, state.ErrSettlementVerificationFailed):
		return "settlement_verification_failed"
	case errors.Is(err, state.ErrRetryLimitExceeded):
		return "retry_limit_exceeded"
	case errors.Is(err, state.ErrNoUndistributedAllocations):
		return "no_undistributed_allocations"
	case errors.Is(err, state.ErrNoActiveAllocations):
		return "no_active_allocations"
	case errors.Is(err, state.ErrSettlementIncomplete):
		return "settlement_incomplete"
	case errors.Is(err, state.ErrInvalidStatusTransition):
		return "invalid_status_transition"
	case errors.Is(err, state.ErrAlreadyExists):
		return "already_exists"
	case errors.Is(err, state.ErrNotFound):
		return "not_found"
	case errors.Is(err, state.ErrInvalidArgument):
		return "invalid_argument"
	}
	return "internal"
}

func writeJSON(w http.ResponseWriter, code int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if body != nil {
		json.NewEncoder(w).Encode(body)
	}
}

func decode(r *http.Request, v any) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("%w: decode body: %v", state.ErrInvalidArgument, err)
	}
	return nil
}

func parseID(params map[string]string) (uuid.UUID, error) {
	id, err := uuid.Parse(params["id"])
	if err != nil {
		return uuid.Nil, fmt.Errorf("%w: transaction id: %v", state.ErrInvalidArgument, err)
	}
	return id, nil
}

func queryInt(r *http.Request, key string) (int, error) {
	v := r.URL.Query().Get(key)
	if v == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%w: %s: %v", state.ErrInvalidArgument, key, err)
	}
	return n, nil
}

// --- Provider capital ---

type amountRequest struct {
	Token     string `json:"token"`
	Amount    int64  `json:"amount"`
	Recipient string `json:"recipient,omitempty"`
}

type txHandleResponse struct {
	Transaction query.PendingResponse `json:"transaction"`
	Call        any                   `json:"call"`
}

func handleResponse(h *core.TxHandle) txHandleResponse {
	return txHandleResponse{Transaction: query.PendingView(h.Tx), Call: h.Call}
}

func (a *API) requestDeposit(r *http.Request, p map[string]string) (int, any, error) {
	var req amountRequest
	if err := decode(r, &req); err != nil {
		return 0, nil, err
	}
	h, err := a.ledger.RequestCapitalCommitment(r.Context(), p["provider"], req.Token, req.Amount)
	if err != nil {
		return 0, nil, err
	}
	return http.StatusAccepted, handleResponse(h), nil
}

func (a *API) requestWithdrawal(r *http.Request, p map[string]string) (int, any, error) {
	var req amountRequest
	if err := decode(r, &req); err != nil {
		return 0, nil, err
	}
	h, err := a.ledger.RequestWithdrawal(r.Context(), p["provider"], req.Token, req.Amount, req.Recipient)
	if err != nil {
		return 0, nil, err
	}
	return http.StatusAccepted, handleResponse(h), nil
}

func (a *API) requestPremiumWithdrawal(r *http.Request, p map[string]string) (int, any, error) {
	var req amountRequest
	if err := decode(r, &req); err != nil {
		return 0, nil, err
	}
	h, err := a.ledger.RequestPremiumWithdrawal(r.Context(), p["provider"], req.Token, req.Amount, req.Recipient)
	if err != nil {
		return 0, nil, err
	}
	return http.StatusAccepted, handleResponse(h), nil
}

func (a *API) getProvider(r *http.Request, p map[string]string) (int, any, error) {
	s, err := a.queries.GetProviderSummary(r.Context(), p["provider"])
	return http.StatusOK, s, err
}

func (a *API) getBalance(r *http.Request, p map[string]string) (int, any, error) {
	b, err := a.queries.GetBalance(r.Context(), p["provider"], p["token"])
	return http.StatusOK, b, err
}

func (a *API) listProviderTransactions(r *http.Request, p map[string]string) (int, any, error) {
	limit, err := queryInt(r, "limit")
	if err != nil {
		return 0, nil, err
	}
	rows, err := a.queries.ListTransactions(r.Context(), persistence.TxLogFilter{
		Provider: p["provider"],
		Token:    r.URL.Query().Get("token"),
		Limit:    limit,
	})
	return http.StatusOK, rows, err
}

// --- Pending transactions ---

func (a *API) listPending(r *http.Request, _ map[string]string) (int, any, error) {
	q := r.URL.Query()
	limit, err := queryInt(r, "limit")
	if err != nil {
		return 0, nil, err
	}
	rows, err := a.queries.ListPending(r.Context(), persistence.PendingFilter{
		Provider: q.Get("provider"),
		Token:    q.Get("token"),
		Status:   state.TxStatus(q.Get("status")),
		Limit:    limit,
	})
	return http.StatusOK, rows, err
}

func (a *API) getPending(r *http.Request, p map[string]string) (int, any, error) {
	id, err := parseID(p)
	if err != nil {
		return 0, nil, err
	}
	tx, err := a.queries.GetPending(r.Context(), id)
	return http.StatusOK, tx, err
}

type submitRequest struct {
	ChainTxID string `json:"chain_tx_id"`
}

func (a *API) submit(r *http.Request, p map[string]string) (int, any, error) {
	id, err := parseID(p)
	if err != nil {
		return 0, nil, err
	}
	var req submitRequest
	if err := decode(r, &req); err != nil {
		return 0, nil, err
	}
	tx, err := a.ledger.SubmitTransaction(r.Context(), id, req.ChainTxID)
	if err != nil {
		return 0, nil, err
	}
	return http.StatusOK, query.PendingView(tx), nil
}

type outcomeRequest struct {
	ChainTxID   string `json:"chain_tx_id"`
	Status      string `json:"status"`
	BlockHeight int64  `json:"block_height"`
	Error       string `json:"error"`
}

type outcomeResponse struct {
	Transaction query.PendingResponse `json:"transaction"`
	Duplicate   bool                  `json:"duplicate"`
}

func (a *API) outcome(r *http.Request, p map[string]string) (int, any, error) {
	id, err := parseID(p)
	if err != nil {
		return 0, nil, err
	}
	var req outcomeRequest
	if err := decode(r, &req); err != nil {
		return 0, nil, err
	}
	res, err := a.ledger.ReportTransactionOutcome(r.Context(), pending.Outcome{
		PendingID:   id,
		ChainTxID:   req.ChainTxID,
		Status:      state.TxStatus(strings.ToUpper(req.Status)),
		BlockHeight: req.BlockHeight,
		Error:       req.Error,
	})
	if err != nil {
		return 0, nil, err
	}
	return http.StatusOK, outcomeResponse{Transaction: query.PendingView(res.Tx), Duplicate: res.Duplicate}, nil
}

func (a *API) retry(r *http.Request, p map[string]string) (int, any, error) {
	id, err := parseID(p)
	if err != nil {
		return 0, nil, err
	}
	h, err := a.ledger.RetryTransaction(r.Context(), id)
	if err != nil {
		return 0, nil, err
	}
	return http.StatusAccepted, handleResponse(h), nil
}

func (a *API) expirePending(r *http.Request, _ map[string]string) (int, any, error) {
	n, err := a.ledger.ExpireStalePending(r.Context())
	return http.StatusOK, map[string]int{"expired": n}, err
}

// --- Policies & settlement ---

type createAllocationRequest struct {
	PolicyID        string `json:"policy_id"`
	RequiredCapital int64  `json:"required_capital"`
	Token           string `json:"token"`
}

func (a *API) createAllocation(r *http.Request, _ map[string]string) (int, any, error) {
	var req createAllocationRequest
	if err := decode(r, &req); err != nil {
		return 0, nil, err
	}
	res, err := a.ledger.CreateAllocation(r.Context(), req.PolicyID, req.RequiredCapital, req.Token)
	if err != nil {
		return 0, nil, err
	}
	code := http.StatusCreated
	if res.Existing {
		code = http.StatusOK
	}
	policy, err := a.queries.GetPolicy(r.Context(), req.PolicyID)
	return code, policy, err
}

func (a *API) getPolicy(r *http.Request, p map[string]string) (int, any, error) {
	policy, err := a.queries.GetPolicy(r.Context(), p["policy_id"])
	return http.StatusOK, policy, err
}

type premiumRequest struct {
	Amount int64  `json:"amount"`
	Token  string `json:"token"`
}

type premiumResponse struct {
	PolicyID string `json:"policy_id"`
	BatchID  string `json:"batch_id"`
	Credited int64  `json:"credited"`
	Count    int    `json:"distributions"`
}

func (a *API) distributePremium(r *http.Request, p map[string]string) (int, any, error) {
	var req premiumRequest
	if err := decode(r, &req); err != nil {
		return 0, nil, err
	}
	res, err := a.ledger.DistributePolicyPremium(r.Context(), p["policy_id"], req.Amount, req.Token)
	if err != nil {
		return 0, nil, err
	}
	return http.StatusOK, premiumResponse{PolicyID: res.PolicyID, BatchID: res.BatchID, Credited: res.Credited, Count: len(res.Distributions)}, nil
}

type releaseRequest struct {
	Status string `json:"status"`
}

func (a *API) releasePolicy(r *http.Request, p map[string]string) (int, any, error) {
	var req releaseRequest
	if err := decode(r, &req); err != nil {
		return 0, nil, err
	}
	released, err := a.ledger.ReleasePolicy(r.Context(), p["policy_id"], state.AllocationStatus(req.Status))
	if err != nil {
		return 0, nil, err
	}
	return http.StatusOK, map[string]int{"released": len(released)}, nil
}

type contribution struct {
	Provider string `json:"provider"`
	Amount   int64  `json:"amount"`
}

type settleRequest struct {
	PolicyID      string         `json:"policy_id"`
	Amount        int64          `json:"amount"`
	Token         string         `json:"token"`
	ChainTxID     string         `json:"chain_tx_id"`
	BlockHeight   int64          `json:"block_height"`
	Recipient     string         `json:"recipient"`
	Contributions []contribution `json:"contributions"`
}

func (a *API) settleClaim(r *http.Request, _ map[string]string) (int, any, error) {
	var req settleRequest
	if err := decode(r, &req); err != nil {
		return 0, nil, err
	}
	claim := settlement.Claim{
		PolicyID:    req.PolicyID,
		Amount:      req.Amount,
		Token:       req.Token,
		ChainTxID:   req.ChainTxID,
		BlockHeight: req.BlockHeight,
		Recipient:   req.Recipient,
	}
	for _, c := range req.Contributions {
		claim.Contributions = append(claim.Contributions, state.Contribution{Provider: c.Provider, Amount: c.Amount})
	}
	res, err := a.ledger.ProcessClaimSettlement(r.Context(), claim)
	if err != nil && res == nil {
		return 0, nil, err
	}
	view, qerr := a.queries.GetSettlement(r.Context(), req.ChainTxID)
	if qerr != nil {
		return 0, nil, qerr
	}
	if err != nil {
		// Partially applied: report the record, resend to resume.
		return http.StatusAccepted, view, nil
	}
	code := http.StatusCreated
	if res.Duplicate {
		code = http.StatusOK
	}
	return code, view, nil
}

func (a *API) getSettlement(r *http.Request, p map[string]string) (int, any, error) {
	s, err := a.queries.GetSettlement(r.Context(), p["chain_tx_id"])
	return http.StatusOK, s, err
}

// --- Pool metrics & admin ---

func (a *API) getMetrics(r *http.Request, p map[string]string) (int, any, error) {
	m, err := a.queries.GetPoolMetrics(r.Context(), p["token"])
	return http.StatusOK, m, err
}

func (a *API) listMetrics(r *http.Request, p map[string]string) (int, any, error) {
	limit, err := queryInt(r, "limit")
	if err != nil {
		return 0, nil, err
	}
	rows, err := a.queries.ListPoolMetrics(r.Context(), p["token"], limit)
	return http.StatusOK, rows, err
}

func (a *API) refreshMetrics(r *http.Request, p map[string]string) (int, any, error) {
	if _, err := a.ledger.RefreshPoolMetrics(r.Context(), p["token"]); err != nil {
		return 0, nil, err
	}
	m, err := a.queries.GetPoolMetrics(r.Context(), p["token"])
	return http.StatusOK, m, err
}

func (a *API) verifyIntegrity(r *http.Request, _ map[string]string) (int, any, error) {
	report, err := a.queries.VerifyIntegrity(r.Context())
	if err != nil {
		return 0, nil, err
	}
	code := http.StatusOK
	if !report.IsHealthy {
		code = http.StatusConflict
	}
	return code, report, nil
}
