// Package loan drives the offer → accept → repay/default lifecycle,
// coordinating collateral locks with ledger command sequences.
//
// Cross-step atomicity does not exist: each operation is a sequence of
// ledger and escrow round trips. The two post-success escrow steps (unlock
// after repay, claim after default) are best-effort — their failure is
// journaled for reconciliation, never raised, because the ledger-side state
// change already happened.
package loan

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"

	"github.com/peerlend/ledger-engine/internal/collateral"
	"github.com/peerlend/ledger-engine/internal/journal"
	"github.com/peerlend/ledger-engine/internal/ledger"
	"github.com/peerlend/ledger-engine/internal/metrics"
	"github.com/peerlend/ledger-engine/internal/model"
	"github.com/peerlend/ledger-engine/internal/party"
)

const dateLayout = "2006-01-02"

// ValidationError reports a request that fails the engine's business rules.
type ValidationError struct {
	Reason string
}

func (e *ValidationError) Error() string { return "loan: " + e.Reason }

// NotFoundError reports an unknown offer or loan.
type NotFoundError struct {
	Kind string
	ID   string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("loan: %s %s not found", e.Kind, e.ID)
}

// Defaults are applied when an offer omits LTV ratio or native-coin price.
type Defaults struct {
	LTVRatio decimal.Decimal
	CCPrice  decimal.Decimal
}

// OfferSpec describes the offer a party wants to create.
type OfferSpec struct {
	OfferType        string          `json:"offer_type"`
	Counterparty     string          `json:"counterparty,omitempty"`
	LoanAmount       decimal.Decimal `json:"loan_amount"`
	CollateralAmount decimal.Decimal `json:"collateral_amount"`
	InterestRate     decimal.Decimal `json:"interest_rate"`
	MaturityDate     string          `json:"maturity_date"` // YYYY-MM-DD
	LTVRatio         decimal.Decimal `json:"ltv_ratio,omitempty"`
	CCPrice          decimal.Decimal `json:"cc_price,omitempty"`
	StablecoinType   string          `json:"stablecoin_type,omitempty"`
}

// offerPayload is the ledger wire shape of a loan offer.
type offerPayload struct {
	Initiator           string          `json:"initiator"`
	Counterparty        string          `json:"counterparty"`
	OfferType           string          `json:"offerType"`
	LockedCCCollateral  string          `json:"lockedCCCollateral"`
	LockedUSDCPrincipal string          `json:"lockedUSDCPrincipal"`
	LoanAmount          decimal.Decimal `json:"loanAmount"`
	CollateralAmount    decimal.Decimal `json:"collateralAmount"`
	InterestRate        decimal.Decimal `json:"interestRate"`
	MaturityDate        string          `json:"maturityDate"`
	LTVRatio            decimal.Decimal `json:"ltvRatio"`
	CCPrice             decimal.Decimal `json:"ccPrice"`
	StablecoinType      string          `json:"stablecoinType"`
	CreatedAt           string          `json:"createdAt"`
}

// loanPayload is the ledger wire shape of an active loan.
type loanPayload struct {
	Borrower              string          `json:"borrower"`
	Lender                string          `json:"lender"`
	CCCollateralReference string          `json:"ccCollateralReference"`
	Principal             decimal.Decimal `json:"principal"`
	CollateralAmount      decimal.Decimal `json:"collateralAmount"`
	InterestRate          decimal.Decimal `json:"interestRate"`
	MaturityDate          string          `json:"maturityDate"`
	OriginationDate       string          `json:"originationDate"`
	CCPrice               decimal.Decimal `json:"ccPrice"`
	StablecoinType        string          `json:"stablecoinType"`
}

// Engine implements the loan lifecycle.
type Engine struct {
	ledger     *ledger.Client
	collateral *collateral.Manager
	journal    *journal.Journal
	templates  ledger.Templates
	custodian  party.ID
	defaults   Defaults

	// Now is the clock used for createdAt and default-claim dates; tests
	// replace it.
	Now func() time.Time
}

// NewEngine creates a lifecycle engine. journal may be nil (log-only
// reconciliation).
func NewEngine(lc *ledger.Client, cm *collateral.Manager, jn *journal.Journal,
	templates ledger.Templates, custodian party.ID, defaults Defaults) *Engine {
	return &Engine{
		ledger:     lc,
		collateral: cm,
		journal:    jn,
		templates:  templates,
		custodian:  custodian,
		defaults:   defaults,
		Now:        time.Now,
	}
}

// CreateOffer locks the initiator's side of the deal and creates the offer
// contract. A BorrowerBid locks native-coin collateral to the custodian; a
// LenderAsk locks stablecoin principal with the initiator keeping unlock
// authority. Exactly one lock field is populated.
func (e *Engine) CreateOffer(ctx context.Context, initiator party.ID, spec OfferSpec, userToken string) (model.LoanOffer, error) {
	if err := e.validateSpec(initiator, &spec); err != nil {
		metrics.LoanOperations.WithLabelValues("create_offer", "rejected").Inc()
		return model.LoanOffer{}, err
	}

	maturity, _ := time.Parse(dateLayout, spec.MaturityDate)

	var lockedCC, lockedUSDC string
	var err error
	switch spec.OfferType {
	case model.OfferTypeBorrowerBid:
		lockedCC, err = e.collateral.LockNativeCoin(ctx, initiator,
			spec.CollateralAmount, e.custodian, endOfDay(maturity), userToken)
	case model.OfferTypeLenderAsk:
		// releaseTo self: the initiator retains unlock authority until the
		// offer is accepted or canceled.
		lockedUSDC, err = e.collateral.LockCustomAsset(ctx, initiator,
			spec.StablecoinType, spec.LoanAmount, "loan offer principal", initiator)
	}
	if err != nil {
		metrics.LoanOperations.WithLabelValues("create_offer", "error").Inc()
		return model.LoanOffer{}, err
	}

	createdAt := e.Now().UTC().Format(dateLayout)
	args := map[string]any{
		"initiator":           initiator.String(),
		"counterparty":        spec.Counterparty,
		"offerType":           spec.OfferType,
		"lockedCCCollateral":  optional(lockedCC),
		"lockedUSDCPrincipal": optional(lockedUSDC),
		"loanAmount":          spec.LoanAmount.String(),
		"collateralAmount":    spec.CollateralAmount.String(),
		"interestRate":        spec.InterestRate.String(),
		"maturityDate":        spec.MaturityDate,
		"ltvRatio":            spec.LTVRatio.String(),
		"ccPrice":             spec.CCPrice.String(),
		"stablecoinType":      spec.StablecoinType,
		"createdAt":           createdAt,
		"observers":           []string{e.custodian.String()},
	}

	raw, err := e.ledger.Submit(ctx, []ledger.Command{
		ledger.CreateCommand{TemplateID: e.templates.LoanOffer(), Arguments: args},
	}, []party.ID{initiator}, []party.ID{e.custodian})
	if err != nil {
		metrics.LoanOperations.WithLabelValues("create_offer", "error").Inc()
		return model.LoanOffer{}, err
	}

	offerID, err := ledger.CreatedContractID(raw)
	if err != nil {
		return model.LoanOffer{}, err
	}

	metrics.LoanOperations.WithLabelValues("create_offer", "ok").Inc()
	slog.Info("loan offer created",
		"offer_id", offerID, "initiator", initiator.Short(),
		"offer_type", spec.OfferType, "loan_amount", spec.LoanAmount.String())

	return model.LoanOffer{
		ContractID:          offerID,
		Initiator:           initiator.String(),
		Counterparty:        spec.Counterparty,
		OfferType:           spec.OfferType,
		LockedCCCollateral:  lockedCC,
		LockedUSDCPrincipal: lockedUSDC,
		LoanAmount:          spec.LoanAmount,
		CollateralAmount:    spec.CollateralAmount,
		InterestRate:        spec.InterestRate,
		MaturityDate:        spec.MaturityDate,
		LTVRatio:            spec.LTVRatio,
		CCPrice:             spec.CCPrice,
		StablecoinType:      spec.StablecoinType,
		CreatedAt:           createdAt,
		Observers:           []string{e.custodian.String()},
	}, nil
}

func (e *Engine) validateSpec(initiator party.ID, spec *OfferSpec) error {
	if spec.OfferType != model.OfferTypeBorrowerBid && spec.OfferType != model.OfferTypeLenderAsk {
		return &ValidationError{Reason: fmt.Sprintf("offer type must be %s or %s",
			model.OfferTypeBorrowerBid, model.OfferTypeLenderAsk)}
	}
	if spec.Counterparty != "" {
		cp, err := party.Parse(spec.Counterparty)
		if err != nil {
			return &ValidationError{Reason: "malformed counterparty: " + err.Error()}
		}
		if cp == initiator {
			return &ValidationError{Reason: "counterparty must differ from initiator"}
		}
	}
	if !spec.LoanAmount.IsPositive() {
		return &ValidationError{Reason: "loan amount must be positive"}
	}
	if !spec.CollateralAmount.IsPositive() {
		return &ValidationError{Reason: "collateral amount must be positive"}
	}
	if spec.InterestRate.IsNegative() {
		return &ValidationError{Reason: "interest rate must not be negative"}
	}
	if _, err := time.Parse(dateLayout, spec.MaturityDate); err != nil {
		return &ValidationError{Reason: "maturity date must be YYYY-MM-DD"}
	}
	if spec.StablecoinType == "" {
		spec.StablecoinType = model.AssetUSDC
	}
	if spec.LTVRatio.IsZero() {
		spec.LTVRatio = e.defaults.LTVRatio
	}
	if spec.CCPrice.IsZero() {
		spec.CCPrice = e.defaults.CCPrice
	}
	return nil
}

// Offer looks up an open offer visible to the party.
func (e *Engine) Offer(ctx context.Context, viewer party.ID, offerID string) (model.LoanOffer, error) {
	offers, err := e.Offers(ctx, viewer)
	if err != nil {
		return model.LoanOffer{}, err
	}
	for _, o := range offers {
		if o.ContractID == offerID {
			return o, nil
		}
	}
	return model.LoanOffer{}, &NotFoundError{Kind: "offer", ID: offerID}
}

// Offers lists open offers visible to the party.
func (e *Engine) Offers(ctx context.Context, viewer party.ID) ([]model.LoanOffer, error) {
	contracts, err := e.ledger.ActiveContracts(ctx,
		[]string{e.templates.LoanOffer()}, []party.ID{viewer})
	if err != nil {
		return nil, err
	}

	offers := make([]model.LoanOffer, 0, len(contracts))
	for _, c := range contracts {
		var p offerPayload
		if err := ledger.DecodePayload(c.Payload, &p); err != nil {
			slog.Warn("skipping undecodable offer", "contract_id", c.ContractID, "err", err)
			continue
		}
		offers = append(offers, model.LoanOffer{
			ContractID:          c.ContractID,
			Initiator:           p.Initiator,
			Counterparty:        p.Counterparty,
			OfferType:           p.OfferType,
			LockedCCCollateral:  p.LockedCCCollateral,
			LockedUSDCPrincipal: p.LockedUSDCPrincipal,
			LoanAmount:          p.LoanAmount,
			CollateralAmount:    p.CollateralAmount,
			InterestRate:        p.InterestRate,
			MaturityDate:        p.MaturityDate,
			LTVRatio:            p.LTVRatio,
			CCPrice:             p.CCPrice,
			StablecoinType:      p.StablecoinType,
			CreatedAt:           p.CreatedAt,
		})
	}
	return offers, nil
}

// AcceptOffer supplies the complementary side of an offer and exercises its
// accept choice with both parties and the custodian as authorizers,
// converting the offer into an active loan. Returns the loan contract ID.
func (e *Engine) AcceptOffer(ctx context.Context, acceptor party.ID, offerID, userToken string) (string, error) {
	offer, err := e.Offer(ctx, acceptor, offerID)
	if err != nil {
		return "", err
	}

	initiator, err := party.Parse(offer.Initiator)
	if err != nil {
		return "", &ValidationError{Reason: "offer carries malformed initiator: " + err.Error()}
	}
	if initiator == acceptor {
		return "", &ValidationError{Reason: "initiator cannot accept their own offer"}
	}

	maturity, err := time.Parse(dateLayout, offer.MaturityDate)
	if err != nil {
		return "", &ValidationError{Reason: "offer carries malformed maturity date"}
	}

	// The acceptor provides whichever side the offer lacks.
	acceptArg := map[string]any{
		"acceptor":        acceptor.String(),
		"originationDate": e.Now().UTC().Format(dateLayout),
	}
	switch offer.OfferType {
	case model.OfferTypeBorrowerBid:
		lockedUSDC, err := e.collateral.LockCustomAsset(ctx, acceptor,
			offer.StablecoinType, offer.LoanAmount, "loan principal", acceptor)
		if err != nil {
			metrics.LoanOperations.WithLabelValues("accept_offer", "error").Inc()
			return "", err
		}
		acceptArg["lockedUSDCPrincipal"] = lockedUSDC
	case model.OfferTypeLenderAsk:
		lockedCC, err := e.collateral.LockNativeCoin(ctx, acceptor,
			offer.CollateralAmount, e.custodian, endOfDay(maturity), userToken)
		if err != nil {
			metrics.LoanOperations.WithLabelValues("accept_offer", "error").Inc()
			return "", err
		}
		acceptArg["lockedCCCollateral"] = lockedCC
	default:
		return "", &ValidationError{Reason: "offer carries unknown offer type " + offer.OfferType}
	}

	raw, err := e.ledger.Submit(ctx, []ledger.Command{
		ledger.ExerciseCommand{
			TemplateID: e.templates.LoanOffer(),
			ContractID: offer.ContractID,
			Choice:     "Accept",
			Argument:   acceptArg,
		},
	}, []party.ID{initiator, acceptor, e.custodian}, nil)
	if err != nil {
		metrics.LoanOperations.WithLabelValues("accept_offer", "error").Inc()
		return "", err
	}

	loanID, err := createdOfTemplate(raw, e.templates.ActiveLoan())
	if err != nil {
		return "", err
	}

	metrics.LoanOperations.WithLabelValues("accept_offer", "ok").Inc()
	slog.Info("loan offer accepted",
		"offer_id", offer.ContractID, "loan_id", loanID,
		"acceptor", acceptor.Short(), "offer_type", offer.OfferType)
	return loanID, nil
}

// CancelOffer withdraws an open offer and releases whichever side was
// locked. Only the initiator can cancel.
func (e *Engine) CancelOffer(ctx context.Context, initiator party.ID, offerID, userToken string) error {
	offer, err := e.Offer(ctx, initiator, offerID)
	if err != nil {
		return err
	}
	if offer.Initiator != initiator.String() {
		return &ValidationError{Reason: "only the initiator can cancel an offer"}
	}

	_, err = e.ledger.Submit(ctx, []ledger.Command{
		ledger.ExerciseCommand{
			TemplateID: e.templates.LoanOffer(),
			ContractID: offer.ContractID,
			Choice:     "Cancel",
		},
	}, []party.ID{initiator}, nil)
	if err != nil {
		metrics.LoanOperations.WithLabelValues("cancel_offer", "error").Inc()
		return err
	}

	// Release the initiator's lock. Best-effort for the escrow side, same
	// contract as repay's unlock.
	switch offer.OfferType {
	case model.OfferTypeBorrowerBid:
		if offer.LockedCCCollateral != "" {
			if err := e.collateral.UnlockNativeCoin(ctx, offer.LockedCCCollateral, userToken); err != nil {
				metrics.ReconciliationFailures.WithLabelValues(journal.StepCancelUnlock).Inc()
				e.journal.Record(ctx, offer.ContractID, journal.StepCancelUnlock, offer.LockedCCCollateral, err)
			}
		}
	case model.OfferTypeLenderAsk:
		if offer.LockedUSDCPrincipal != "" {
			if _, err := e.collateral.UnlockCustomAsset(ctx, initiator, offer.LockedUSDCPrincipal); err != nil {
				slog.Error("principal unlock after cancel failed",
					"offer_id", offer.ContractID, "locked_contract_id", offer.LockedUSDCPrincipal, "err", err)
			}
		}
	}

	metrics.LoanOperations.WithLabelValues("cancel_offer", "ok").Inc()
	slog.Info("loan offer canceled", "offer_id", offer.ContractID, "initiator", initiator.Short())
	return nil
}

// Loan looks up an active loan visible to the party.
func (e *Engine) Loan(ctx context.Context, viewer party.ID, loanID string) (model.ActiveLoan, error) {
	loans, err := e.Loans(ctx, viewer)
	if err != nil {
		return model.ActiveLoan{}, err
	}
	for _, l := range loans {
		if l.ContractID == loanID {
			return l, nil
		}
	}
	return model.ActiveLoan{}, &NotFoundError{Kind: "loan", ID: loanID}
}

// Loans lists active loans visible to the party.
func (e *Engine) Loans(ctx context.Context, viewer party.ID) ([]model.ActiveLoan, error) {
	contracts, err := e.ledger.ActiveContracts(ctx,
		[]string{e.templates.ActiveLoan()}, []party.ID{viewer})
	if err != nil {
		return nil, err
	}

	loans := make([]model.ActiveLoan, 0, len(contracts))
	for _, c := range contracts {
		var p loanPayload
		if err := ledger.DecodePayload(c.Payload, &p); err != nil {
			slog.Warn("skipping undecodable loan", "contract_id", c.ContractID, "err", err)
			continue
		}
		loans = append(loans, model.ActiveLoan{
			ContractID:            c.ContractID,
			Borrower:              p.Borrower,
			Lender:                p.Lender,
			CCCollateralReference: p.CCCollateralReference,
			Principal:             p.Principal,
			CollateralAmount:      p.CollateralAmount,
			InterestRate:          p.InterestRate,
			MaturityDate:          p.MaturityDate,
			OriginationDate:       p.OriginationDate,
			CCPrice:               p.CCPrice,
			StablecoinType:        p.StablecoinType,
		})
	}
	return loans, nil
}

// Repay settles a loan: an exact stablecoin holding is allocated for the
// amount and the repay choice is exercised with borrower and lender as
// authorizers. The subsequent collateral unlock is best-effort — the ledger
// repayment stands even when the escrow offer is already gone.
func (e *Engine) Repay(ctx context.Context, borrower party.ID, loanID string, amount decimal.Decimal, userToken string) error {
	loan, err := e.Loan(ctx, borrower, loanID)
	if err != nil {
		return err
	}
	if loan.Borrower != borrower.String() {
		return &ValidationError{Reason: "only the borrower can repay the loan"}
	}
	lender, err := party.Parse(loan.Lender)
	if err != nil {
		return &ValidationError{Reason: "loan carries malformed lender: " + err.Error()}
	}
	if !amount.IsPositive() {
		return &ValidationError{Reason: "repayment amount must be positive"}
	}

	ref, err := e.collateral.AllocatePrincipal(ctx, borrower, loan.StablecoinType, amount)
	if err != nil {
		metrics.LoanOperations.WithLabelValues("repay", "error").Inc()
		return err
	}

	_, err = e.ledger.Submit(ctx, []ledger.Command{
		ledger.ExerciseCommand{
			TemplateID: e.templates.ActiveLoan(),
			ContractID: loan.ContractID,
			Choice:     "Repay",
			Argument: map[string]any{
				"repaymentHoldingCid": ref.ContractID,
				"amount":              amount.String(),
			},
		},
	}, []party.ID{borrower, lender}, nil)
	if err != nil {
		metrics.LoanOperations.WithLabelValues("repay", "error").Inc()
		return err
	}

	// Ledger-side repayment succeeded; return the collateral to the
	// borrower. Failure here is journaled, not raised.
	if loan.CCCollateralReference != "" {
		if err := e.collateral.UnlockNativeCoin(ctx, loan.CCCollateralReference, userToken); err != nil {
			metrics.ReconciliationFailures.WithLabelValues(journal.StepRepayUnlock).Inc()
			e.journal.Record(ctx, loan.ContractID, journal.StepRepayUnlock, loan.CCCollateralReference, err)
		}
	}

	metrics.LoanOperations.WithLabelValues("repay", "ok").Inc()
	slog.Info("loan repaid",
		"loan_id", loan.ContractID, "borrower", borrower.Short(), "amount", amount.String())
	return nil
}

// ClaimDefault exercises the default choice on a matured loan and then
// claims the native-coin collateral for the lender. The claim is
// best-effort for the same reason repay's unlock is.
func (e *Engine) ClaimDefault(ctx context.Context, lender party.ID, loanID, claimDate, userToken string) error {
	loan, err := e.Loan(ctx, lender, loanID)
	if err != nil {
		return err
	}
	if loan.Lender != lender.String() {
		return &ValidationError{Reason: "only the lender can claim a default"}
	}
	borrower, err := party.Parse(loan.Borrower)
	if err != nil {
		return &ValidationError{Reason: "loan carries malformed borrower: " + err.Error()}
	}

	if claimDate == "" {
		claimDate = e.Now().UTC().Format(dateLayout)
	}
	claim, err := time.Parse(dateLayout, claimDate)
	if err != nil {
		return &ValidationError{Reason: "claim date must be YYYY-MM-DD"}
	}
	maturity, err := time.Parse(dateLayout, loan.MaturityDate)
	if err != nil {
		return &ValidationError{Reason: "loan carries malformed maturity date"}
	}
	if claim.Before(maturity) {
		return &ValidationError{Reason: fmt.Sprintf(
			"cannot claim default before maturity %s (claim date %s)", loan.MaturityDate, claimDate)}
	}

	_, err = e.ledger.Submit(ctx, []ledger.Command{
		ledger.ExerciseCommand{
			TemplateID: e.templates.ActiveLoan(),
			ContractID: loan.ContractID,
			Choice:     "ClaimDefault",
			Argument:   map[string]any{"claimDate": claimDate},
		},
	}, []party.ID{lender, borrower}, nil)
	if err != nil {
		metrics.LoanOperations.WithLabelValues("claim_default", "error").Inc()
		return err
	}

	if loan.CCCollateralReference != "" {
		if err := e.collateral.ClaimNativeCoin(ctx, loan.CCCollateralReference, userToken); err != nil {
			metrics.ReconciliationFailures.WithLabelValues(journal.StepDefaultClaim).Inc()
			e.journal.Record(ctx, loan.ContractID, journal.StepDefaultClaim, loan.CCCollateralReference, err)
		}
	}

	metrics.LoanOperations.WithLabelValues("claim_default", "ok").Inc()
	slog.Info("loan default claimed",
		"loan_id", loan.ContractID, "lender", lender.Short(), "claim_date", claimDate)
	return nil
}

// createdOfTemplate finds the created contract of the template in the
// transaction, falling back to the first created contract.
func createdOfTemplate(raw ledger.RawTransaction, templateID string) (string, error) {
	for _, created := range ledger.CreatedEvents(raw) {
		if tid, _ := created["templateId"].(string); tid == templateID {
			if id, ok := created["contractId"].(string); ok && id != "" {
				return id, nil
			}
		}
	}
	return ledger.CreatedContractID(raw)
}

// optional wraps a contract reference so an empty one serializes as null.
func optional(cid string) any {
	if cid == "" {
		return nil
	}
	return cid
}

func endOfDay(day time.Time) time.Time {
	return time.Date(day.Year(), day.Month(), day.Day(), 23, 59, 59, 0, time.UTC)
}
