// Package httpapi exposes the lending engine over HTTP. The surface is a
// thin adapter: handlers parse identity and body, call one engine
// operation, and map the error taxonomy to status codes.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	"github.com/peerlend/ledger-engine/internal/auth"
	"github.com/peerlend/ledger-engine/internal/collateral"
	"github.com/peerlend/ledger-engine/internal/escrow"
	"github.com/peerlend/ledger-engine/internal/explorer"
	"github.com/peerlend/ledger-engine/internal/holdings"
	"github.com/peerlend/ledger-engine/internal/journal"
	"github.com/peerlend/ledger-engine/internal/ledger"
	"github.com/peerlend/ledger-engine/internal/loan"
	"github.com/peerlend/ledger-engine/internal/model"
	"github.com/peerlend/ledger-engine/internal/party"
	"github.com/peerlend/ledger-engine/internal/txhistory"
)

// LoanService is the loan lifecycle surface the API exposes.
type LoanService interface {
	CreateOffer(ctx context.Context, initiator party.ID, spec loan.OfferSpec, userToken string) (model.LoanOffer, error)
	Offers(ctx context.Context, viewer party.ID) ([]model.LoanOffer, error)
	AcceptOffer(ctx context.Context, acceptor party.ID, offerID, userToken string) (string, error)
	CancelOffer(ctx context.Context, initiator party.ID, offerID, userToken string) error
	Loans(ctx context.Context, viewer party.ID) ([]model.ActiveLoan, error)
	Repay(ctx context.Context, borrower party.ID, loanID string, amount decimal.Decimal, userToken string) error
	ClaimDefault(ctx context.Context, lender party.ID, loanID, claimDate, userToken string) error
}

// BalanceInvalidator is implemented by cached balance sources; the direct
// CollateralManager does not cache, so the handlers probe for it.
type BalanceInvalidator interface {
	Invalidate(ctx context.Context, p party.ID)
}

// HistoryService is the transaction history surface the API exposes.
type HistoryService interface {
	Stream(ctx context.Context, p party.ID, fromOffset int64) ([]model.Transaction, error)
	ByID(ctx context.Context, p party.ID, transactionID string) (model.Transaction, error)
	ContractHistory(ctx context.Context, p party.ID, contractID string) ([]model.Transaction, error)
}

// API wires engine operations to routes. hub and escrow may be nil when the
// deployment does not expose the explorer feed or onboarding.
type API struct {
	balances collateral.BalanceSource
	loans    LoanService
	history  HistoryService
	escrow   *escrow.Client
	hub      *explorer.Hub
	journal  *journal.Journal
}

func New(balances collateral.BalanceSource, loans LoanService, history HistoryService, ec *escrow.Client, hub *explorer.Hub) *API {
	return &API{balances: balances, loans: loans, history: history, escrow: ec, hub: hub}
}

// WithJournal exposes the reconciliation endpoints backed by the journal.
func (a *API) WithJournal(jn *journal.Journal) *API {
	a.journal = jn
	return a
}

// Routes mounts every endpoint on the router.
func (a *API) Routes(r chi.Router) {
	r.Get("/parties/{party}/balances", a.GetBalances)
	r.Get("/parties/{party}/transactions", a.ListTransactions)
	r.Get("/parties/{party}/transactions/{transactionID}", a.GetTransaction)
	r.Get("/parties/{party}/contracts/{contractID}/history", a.GetContractHistory)

	r.Get("/offers", a.ListOffers)
	r.Post("/offers", a.CreateOffer)
	r.Post("/offers/{offerID}/accept", a.AcceptOffer)
	r.Post("/offers/{offerID}/cancel", a.CancelOffer)

	r.Get("/loans", a.ListLoans)
	r.Post("/loans/{loanID}/repay", a.Repay)
	r.Post("/loans/{loanID}/claim-default", a.ClaimDefault)

	if a.escrow != nil {
		r.Post("/register", a.Register)
	}
	if a.hub != nil {
		r.Get("/explorer/ws", a.hub.HandleWS)
	}
	if a.journal != nil {
		r.Get("/reconciliation/pending", a.ListPendingReconciliations)
		r.Post("/reconciliation/{entryID}/resolve", a.ResolveReconciliation)
	}
}

// GetBalances handles GET /api/v1/parties/{party}/balances
func (a *API) GetBalances(w http.ResponseWriter, r *http.Request) {
	p, ok := a.pathParty(w, r)
	if !ok {
		return
	}
	balances, err := a.balances.Balances(r.Context(), p)
	if err != nil {
		a.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, balances)
}

// CreateOfferRequest is the JSON body for POST /api/v1/offers.
type CreateOfferRequest struct {
	Party string `json:"party"`
	loan.OfferSpec
}

// CreateOffer handles POST /api/v1/offers
func (a *API) CreateOffer(w http.ResponseWriter, r *http.Request) {
	var req CreateOfferRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	p, err := party.Parse(req.Party)
	if err != nil {
		writeError(w, err.Error(), http.StatusBadRequest)
		return
	}

	offer, err := a.loans.CreateOffer(r.Context(), p, req.OfferSpec, userToken(r))
	if err != nil {
		a.writeDomainError(w, err)
		return
	}
	a.invalidateBalances(r.Context(), p)
	if a.hub != nil {
		a.hub.BroadcastLoanEvent("offer_created", offer.ContractID)
	}
	writeJSON(w, http.StatusCreated, offer)
}

// ListOffers handles GET /api/v1/offers?party=...
func (a *API) ListOffers(w http.ResponseWriter, r *http.Request) {
	p, ok := a.queryParty(w, r)
	if !ok {
		return
	}
	offers, err := a.loans.Offers(r.Context(), p)
	if err != nil {
		a.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"offers": offers})
}

// AcceptOffer handles POST /api/v1/offers/{offerID}/accept
func (a *API) AcceptOffer(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Party string `json:"party"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	p, err := party.Parse(req.Party)
	if err != nil {
		writeError(w, err.Error(), http.StatusBadRequest)
		return
	}

	loanID, err := a.loans.AcceptOffer(r.Context(), p, chi.URLParam(r, "offerID"), userToken(r))
	if err != nil {
		a.writeDomainError(w, err)
		return
	}
	a.invalidateBalances(r.Context(), p)
	if a.hub != nil {
		a.hub.BroadcastLoanEvent("offer_accepted", loanID)
	}
	writeJSON(w, http.StatusOK, map[string]string{"loan_id": loanID})
}

// CancelOffer handles POST /api/v1/offers/{offerID}/cancel
func (a *API) CancelOffer(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Party string `json:"party"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	p, err := party.Parse(req.Party)
	if err != nil {
		writeError(w, err.Error(), http.StatusBadRequest)
		return
	}

	offerID := chi.URLParam(r, "offerID")
	if err := a.loans.CancelOffer(r.Context(), p, offerID, userToken(r)); err != nil {
		a.writeDomainError(w, err)
		return
	}
	a.invalidateBalances(r.Context(), p)
	if a.hub != nil {
		a.hub.BroadcastLoanEvent("offer_canceled", offerID)
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "canceled"})
}

// ListLoans handles GET /api/v1/loans?party=...
func (a *API) ListLoans(w http.ResponseWriter, r *http.Request) {
	p, ok := a.queryParty(w, r)
	if !ok {
		return
	}
	loans, err := a.loans.Loans(r.Context(), p)
	if err != nil {
		a.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"loans": loans})
}

// RepayRequest is the JSON body for POST /api/v1/loans/{loanID}/repay.
type RepayRequest struct {
	Party  string          `json:"party"`
	Amount decimal.Decimal `json:"amount"`
}

// Repay handles POST /api/v1/loans/{loanID}/repay
func (a *API) Repay(w http.ResponseWriter, r *http.Request) {
	var req RepayRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	p, err := party.Parse(req.Party)
	if err != nil {
		writeError(w, err.Error(), http.StatusBadRequest)
		return
	}

	loanID := chi.URLParam(r, "loanID")
	if err := a.loans.Repay(r.Context(), p, loanID, req.Amount, userToken(r)); err != nil {
		a.writeDomainError(w, err)
		return
	}
	a.invalidateBalances(r.Context(), p)
	if a.hub != nil {
		a.hub.BroadcastLoanEvent("loan_repaid", loanID)
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "repaid"})
}

// ClaimDefault handles POST /api/v1/loans/{loanID}/claim-default
func (a *API) ClaimDefault(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Party     string `json:"party"`
		ClaimDate string `json:"claim_date,omitempty"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	p, err := party.Parse(req.Party)
	if err != nil {
		writeError(w, err.Error(), http.StatusBadRequest)
		return
	}

	loanID := chi.URLParam(r, "loanID")
	if err := a.loans.ClaimDefault(r.Context(), p, loanID, req.ClaimDate, userToken(r)); err != nil {
		a.writeDomainError(w, err)
		return
	}
	a.invalidateBalances(r.Context(), p)
	if a.hub != nil {
		a.hub.BroadcastLoanEvent("loan_defaulted", loanID)
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "defaulted"})
}

// ListTransactions handles GET /api/v1/parties/{party}/transactions?from_offset=N
func (a *API) ListTransactions(w http.ResponseWriter, r *http.Request) {
	p, ok := a.pathParty(w, r)
	if !ok {
		return
	}
	var fromOffset int64
	if raw := r.URL.Query().Get("from_offset"); raw != "" {
		parsed, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || parsed < 0 {
			writeError(w, "from_offset must be a non-negative integer", http.StatusBadRequest)
			return
		}
		fromOffset = parsed
	}

	txs, err := a.history.Stream(r.Context(), p, fromOffset)
	if err != nil {
		a.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"transactions": txs})
}

// GetTransaction handles GET /api/v1/parties/{party}/transactions/{transactionID}
func (a *API) GetTransaction(w http.ResponseWriter, r *http.Request) {
	p, ok := a.pathParty(w, r)
	if !ok {
		return
	}
	tx, err := a.history.ByID(r.Context(), p, chi.URLParam(r, "transactionID"))
	if err != nil {
		a.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, tx)
}

// GetContractHistory handles GET /api/v1/parties/{party}/contracts/{contractID}/history
func (a *API) GetContractHistory(w http.ResponseWriter, r *http.Request) {
	p, ok := a.pathParty(w, r)
	if !ok {
		return
	}
	txs, err := a.history.ContractHistory(r.Context(), p, chi.URLParam(r, "contractID"))
	if err != nil {
		a.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"transactions": txs})
}

// Register handles POST /api/v1/register — escrow wallet onboarding for the
// calling user. The caller's ledger userId is the sub claim of the forwarded
// bearer token; onboarding without one has no user to onboard.
func (a *API) Register(w http.ResponseWriter, r *http.Request) {
	token := userToken(r)
	if token == "" {
		writeError(w, "missing bearer token", http.StatusUnauthorized)
		return
	}
	subject, err := auth.UserSubject(token)
	if err != nil {
		writeError(w, err.Error(), http.StatusUnauthorized)
		return
	}

	if err := a.escrow.Register(r.Context(), token); err != nil {
		a.writeDomainError(w, err)
		return
	}
	slog.Info("escrow wallet registered", "user_id", subject)
	writeJSON(w, http.StatusOK, map[string]string{"status": "registered", "user_id": subject})
}

// ListPendingReconciliations handles GET /api/v1/reconciliation/pending —
// journaled escrow steps (post-repay unlocks, post-default claims) that
// failed and still need a retry.
func (a *API) ListPendingReconciliations(w http.ResponseWriter, r *http.Request) {
	entries, err := a.journal.Pending(r.Context())
	if err != nil {
		a.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"entries": entries})
}

// ResolveReconciliation handles POST /api/v1/reconciliation/{entryID}/resolve
// after an operator has replayed or dismissed the escrow step.
func (a *API) ResolveReconciliation(w http.ResponseWriter, r *http.Request) {
	if err := a.journal.Resolve(r.Context(), chi.URLParam(r, "entryID")); err != nil {
		a.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "resolved"})
}

// --- helpers ---

func (a *API) pathParty(w http.ResponseWriter, r *http.Request) (party.ID, bool) {
	p, err := party.Parse(chi.URLParam(r, "party"))
	if err != nil {
		writeError(w, err.Error(), http.StatusBadRequest)
		return party.ID{}, false
	}
	return p, true
}

func (a *API) queryParty(w http.ResponseWriter, r *http.Request) (party.ID, bool) {
	p, err := party.Parse(r.URL.Query().Get("party"))
	if err != nil {
		writeError(w, err.Error(), http.StatusBadRequest)
		return party.ID{}, false
	}
	return p, true
}

// invalidateBalances drops the party's cached snapshot after an operation
// moved holdings, so the next balance read is not stale for a cache TTL.
func (a *API) invalidateBalances(ctx context.Context, p party.ID) {
	if inv, ok := a.balances.(BalanceInvalidator); ok {
		inv.Invalidate(ctx, p)
	}
}

// userToken extracts the caller's bearer token so escrow calls act as the
// caller rather than the service account.
func userToken(r *http.Request) string {
	header := r.Header.Get("Authorization")
	if token, ok := strings.CutPrefix(header, "Bearer "); ok {
		return token
	}
	return ""
}

// writeDomainError maps the engine's error taxonomy to status codes.
// Upstream failures surface as 502 so callers can distinguish them from
// their own mistakes.
func (a *API) writeDomainError(w http.ResponseWriter, err error) {
	var (
		validation   *loan.ValidationError
		insufficient *holdings.InsufficientBalanceError
		loanNotFound *loan.NotFoundError
		txNotFound   *txhistory.NotFoundError
		command      *ledger.CommandError
		wallet       *escrow.APIError
		token        *auth.TokenError
	)
	switch {
	case errors.As(err, &validation), errors.Is(err, party.ErrInvalidID):
		writeError(w, err.Error(), http.StatusBadRequest)
	case errors.As(err, &insufficient):
		writeError(w, err.Error(), http.StatusUnprocessableEntity)
	case errors.As(err, &loanNotFound), errors.As(err, &txNotFound):
		writeError(w, err.Error(), http.StatusNotFound)
	case errors.As(err, &command), errors.As(err, &wallet), errors.As(err, &token):
		writeError(w, err.Error(), http.StatusBadGateway)
	default:
		writeError(w, err.Error(), http.StatusInternalServerError)
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// writeError writes a JSON error response.
func writeError(w http.ResponseWriter, msg string, status int) {
	writeJSON(w, status, map[string]string{"error": msg})
}
