// Package api exposes the duel operations over HTTP.
//
// The caller's identity is taken from the X-Participant header, falling
// back to the participant field of the request body. Privileged routes
// (trade reports and deposits) take the identity from the header only.
// Amounts in the wager asset are integers; instrument amounts are decimal
// strings.
package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	"github.com/pnlduel/duel-engine/internal/escrow"
	"github.com/pnlduel/duel-engine/internal/execution"
	"github.com/pnlduel/duel-engine/internal/journal"
	"github.com/pnlduel/duel-engine/internal/model"
	"github.com/pnlduel/duel-engine/internal/pnl"
	"github.com/pnlduel/duel-engine/internal/pricing"
	"github.com/pnlduel/duel-engine/internal/referee"
)

// ParticipantHeader carries the caller identity.
const ParticipantHeader = "X-Participant"

// Handler serves the duel API.
type Handler struct {
	coord     *referee.Coordinator
	operators map[string]bool
}

// NewHandler creates a handler over coord. Only the given operators may
// credit accounts; with none, deposits are closed over HTTP.
func NewHandler(coord *referee.Coordinator, operators []string) *Handler {
	ops := make(map[string]bool, len(operators))
	for _, op := range operators {
		if op = strings.TrimSpace(op); op != "" {
			ops[op] = true
		}
	}
	return &Handler{coord: coord, operators: ops}
}

// --- Request/Response types ---

// CreateDuelRequest is the JSON body for POST /duels.
type CreateDuelRequest struct {
	Creator         string `json:"creator"`
	WagerAmount     int64  `json:"wager_amount"`
	DurationSeconds int64  `json:"duration_seconds"`
}

// ParticipantRequest is the JSON body for join and refund.
type ParticipantRequest struct {
	Participant string `json:"participant"`
}

// TradeRequest is the JSON body for POST /duels/{duelID}/trades: a trade
// executed elsewhere on behalf of Participant, reported for the journal by
// the execution service named in the X-Participant header.
type TradeRequest struct {
	Participant string          `json:"participant"`
	TokenIn     string          `json:"token_in"`
	TokenOut    string          `json:"token_out"`
	AmountIn    decimal.Decimal `json:"amount_in"`
	AmountOut   decimal.Decimal `json:"amount_out"`
	Timestamp   *time.Time      `json:"timestamp,omitempty"` // defaults to now
	ExternalRef string          `json:"external_ref"`
}

// TradeResponse reports whether the trade was newly journaled.
type TradeResponse struct {
	Recorded bool              `json:"recorded"`
	Trade    *model.TradeEvent `json:"trade"`
}

// SwapRequest is the JSON body for POST /duels/{duelID}/swap.
type SwapRequest struct {
	Participant string          `json:"participant"`
	TokenIn     string          `json:"token_in"`
	TokenOut    string          `json:"token_out"`
	AmountIn    decimal.Decimal `json:"amount_in"`
}

// DepositRequest is the JSON body for POST /accounts/{account}/deposit.
type DepositRequest struct {
	Amount int64 `json:"amount"`
}

// AccountResponse is an account balance.
type AccountResponse struct {
	Account string `json:"account"`
	Balance int64  `json:"balance"`
}

// --- HTTP Handlers ---

// CreateDuel handles POST /api/v1/duels
func (h *Handler) CreateDuel(w http.ResponseWriter, r *http.Request) {
	var req CreateDuelRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}

	v, err := h.coord.Create(r.Context(), caller(r, req.Creator), req.WagerAmount, req.DurationSeconds)
	if err != nil {
		writeFailure(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, v)
}

// ListDuels handles GET /api/v1/duels
// Optionally filtered by ?state=created,active.
func (h *Handler) ListDuels(w http.ResponseWriter, r *http.Request) {
	states, err := parseStates(r.URL.Query().Get("state"))
	if err != nil {
		writeError(w, err.Error(), http.StatusBadRequest)
		return
	}
	duels, err := h.coord.List(r.Context(), states...)
	if err != nil {
		writeFailure(w, err)
		return
	}
	writeJSON(w, http.StatusOK, duels)
}

// GetDuel handles GET /api/v1/duels/{duelID}
func (h *Handler) GetDuel(w http.ResponseWriter, r *http.Request) {
	id, ok := duelID(w, r)
	if !ok {
		return
	}
	v, err := h.coord.Get(r.Context(), id)
	if err != nil {
		writeFailure(w, err)
		return
	}
	writeJSON(w, http.StatusOK, v)
}

// JoinDuel handles POST /api/v1/duels/{duelID}/join
func (h *Handler) JoinDuel(w http.ResponseWriter, r *http.Request) {
	id, ok := duelID(w, r)
	if !ok {
		return
	}
	var req ParticipantRequest
	if !decodeOptional(w, r, &req) {
		return
	}
	v, err := h.coord.Join(r.Context(), caller(r, req.Participant), id)
	if err != nil {
		writeFailure(w, err)
		return
	}
	writeJSON(w, http.StatusOK, v)
}

// ResolveDuel handles POST /api/v1/duels/{duelID}/resolve
// Either participant (or anyone) may report the end of a duel; the outcome
// is always recomputed from the journal.
func (h *Handler) ResolveDuel(w http.ResponseWriter, r *http.Request) {
	id, ok := duelID(w, r)
	if !ok {
		return
	}
	res, err := h.coord.Resolve(r.Context(), id)
	if err != nil {
		writeFailure(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// RefundDuel handles POST /api/v1/duels/{duelID}/refund
func (h *Handler) RefundDuel(w http.ResponseWriter, r *http.Request) {
	id, ok := duelID(w, r)
	if !ok {
		return
	}
	var req ParticipantRequest
	if !decodeOptional(w, r, &req) {
		return
	}
	v, err := h.coord.Refund(r.Context(), caller(r, req.Participant), id)
	if err != nil {
		writeFailure(w, err)
		return
	}
	writeJSON(w, http.StatusOK, v)
}

// RecordTrade handles POST /api/v1/duels/{duelID}/trades
func (h *Handler) RecordTrade(w http.ResponseWriter, r *http.Request) {
	id, ok := duelID(w, r)
	if !ok {
		return
	}
	var req TradeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}

	ev := &model.TradeEvent{
		Participant: strings.TrimSpace(req.Participant),
		TokenIn:     req.TokenIn,
		TokenOut:    req.TokenOut,
		AmountIn:    req.AmountIn,
		AmountOut:   req.AmountOut,
		ExternalRef: req.ExternalRef,
	}
	if req.Timestamp != nil {
		ev.Timestamp = req.Timestamp.UTC()
	}

	recorded, err := h.coord.RecordTrade(r.Context(), caller(r, ""), id, ev)
	if err != nil {
		writeFailure(w, err)
		return
	}
	status := http.StatusCreated
	if !recorded {
		status = http.StatusOK
	}
	writeJSON(w, status, TradeResponse{Recorded: recorded, Trade: ev})
}

// ListTrades handles GET /api/v1/duels/{duelID}/trades
func (h *Handler) ListTrades(w http.ResponseWriter, r *http.Request) {
	id, ok := duelID(w, r)
	if !ok {
		return
	}
	trades, err := h.coord.Trades(r.Context(), id)
	if err != nil {
		writeFailure(w, err)
		return
	}
	if trades == nil {
		trades = []model.TradeEvent{}
	}
	writeJSON(w, http.StatusOK, trades)
}

// Swap handles POST /api/v1/duels/{duelID}/swap
// Executes through the configured executor and journals the fill.
func (h *Handler) Swap(w http.ResponseWriter, r *http.Request) {
	id, ok := duelID(w, r)
	if !ok {
		return
	}
	var req SwapRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	ev, err := h.coord.ExecuteTrade(r.Context(), id, execution.Order{
		Participant: caller(r, req.Participant),
		TokenIn:     req.TokenIn,
		TokenOut:    req.TokenOut,
		AmountIn:    req.AmountIn,
	})
	if err != nil {
		writeFailure(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, TradeResponse{Recorded: true, Trade: ev})
}

// Standings handles GET /api/v1/duels/{duelID}/standings
func (h *Handler) Standings(w http.ResponseWriter, r *http.Request) {
	id, ok := duelID(w, r)
	if !ok {
		return
	}
	st, err := h.coord.Standings(r.Context(), id)
	if err != nil {
		writeFailure(w, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

// Deposit handles POST /api/v1/accounts/{account}/deposit
func (h *Handler) Deposit(w http.ResponseWriter, r *http.Request) {
	account := chi.URLParam(r, "account")
	if op := caller(r, ""); !h.operators[op] {
		writeFailure(w, fmt.Errorf("%q may not credit accounts: %w", op, escrow.ErrNotAuthorized))
		return
	}
	var req DepositRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	ctx := r.Context()
	if err := h.coord.Deposit(ctx, account, req.Amount); err != nil {
		writeFailure(w, err)
		return
	}
	bal, err := h.coord.Balance(ctx, account)
	if err != nil {
		writeFailure(w, err)
		return
	}
	writeJSON(w, http.StatusOK, AccountResponse{Account: account, Balance: bal})
}

// GetAccount handles GET /api/v1/accounts/{account}
func (h *Handler) GetAccount(w http.ResponseWriter, r *http.Request) {
	account := chi.URLParam(r, "account")
	bal, err := h.coord.Balance(r.Context(), account)
	if err != nil {
		writeFailure(w, err)
		return
	}
	writeJSON(w, http.StatusOK, AccountResponse{Account: account, Balance: bal})
}

// --- Helpers ---

func caller(r *http.Request, fallback string) string {
	if id := strings.TrimSpace(r.Header.Get(ParticipantHeader)); id != "" {
		return id
	}
	return strings.TrimSpace(fallback)
}

func duelID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, "duelID"), 10, 64)
	if err != nil || id <= 0 {
		writeError(w, "invalid duel id", http.StatusBadRequest)
		return 0, false
	}
	return id, true
}

// decodeOptional decodes a body that may be empty.
func decodeOptional(w http.ResponseWriter, r *http.Request, v any) bool {
	if r.ContentLength == 0 {
		return true
	}
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return false
	}
	return true
}

func parseStates(raw string) ([]model.DuelState, error) {
	if raw == "" {
		return nil, nil
	}
	var states []model.DuelState
	for _, s := range strings.Split(raw, ",") {
		st := model.DuelState(strings.TrimSpace(s))
		if !st.Valid() {
			return nil, fmt.Errorf("unknown state %q", s)
		}
		states = append(states, st)
	}
	return states, nil
}

// statusFor maps the error taxonomy onto HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, escrow.ErrInvalidWager),
		errors.Is(err, escrow.ErrInvalidDuration),
		errors.Is(err, escrow.ErrInvalidAmount),
		errors.Is(err, escrow.ErrInvalidIdentity),
		errors.Is(err, escrow.ErrInvalidWinner),
		errors.Is(err, journal.ErrInvalidAmount),
		errors.Is(err, journal.ErrInvalidTrade),
		errors.Is(err, execution.ErrInvalidOrder):
		return http.StatusBadRequest
	case errors.Is(err, escrow.ErrNotAuthorized),
		errors.Is(err, referee.ErrNotParticipant):
		return http.StatusForbidden
	case errors.Is(err, escrow.ErrDuelNotFound):
		return http.StatusNotFound
	case errors.Is(err, escrow.ErrDuelNotJoinable),
		errors.Is(err, escrow.ErrSelfJoin),
		errors.Is(err, escrow.ErrDuelNotActive),
		errors.Is(err, escrow.ErrAlreadyResolved),
		errors.Is(err, escrow.ErrNotYetExpired),
		errors.Is(err, referee.ErrDuelNotEnded),
		errors.Is(err, referee.ErrOutsideWindow):
		return http.StatusConflict
	case errors.Is(err, escrow.ErrInsufficientFunds):
		return http.StatusUnprocessableEntity
	case errors.Is(err, pnl.ErrInsufficientPosition):
		return http.StatusInternalServerError
	case errors.Is(err, pricing.ErrUnknownInstrument):
		return http.StatusUnprocessableEntity
	case errors.Is(err, pricing.ErrPriceUnavailable),
		errors.Is(err, execution.ErrExecution),
		errors.Is(err, referee.ErrLockHeld),
		errors.Is(err, referee.ErrNoExecutor):
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}

func writeFailure(w http.ResponseWriter, err error) {
	status := statusFor(err)
	if status >= 500 {
		slog.Error("request failed", "status", status, "err", err)
	}
	writeError(w, err.Error(), status)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// writeError writes a JSON error response.
func writeError(w http.ResponseWriter, message string, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": message})
}
