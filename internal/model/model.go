// Package model defines the core domain types shared across the ledger engine.
// All monetary values use shopspring/decimal — never float64 for money. On the
// wire, amounts are the ledger's decimal strings.
package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// Offer types. A BorrowerBid is initiated by a borrower posting native-coin
// collateral; a LenderAsk is initiated by a lender posting stablecoin
// principal.
const (
	OfferTypeBorrowerBid = "BorrowerBid"
	OfferTypeLenderAsk   = "LenderAsk"
)

// Asset type symbols used in balance queries and holding selection.
const (
	AssetUSDC = "USDC"
	AssetCC   = "CC" // native coin (amulet)
)

// AssetHolding is a custodial fungible-asset record on the ledger. A holding
// belongs to exactly one owner; splitting archives it and creates two
// successors whose amounts sum to the original.
type AssetHolding struct {
	ContractID string          `json:"contract_id"`
	Issuer     string          `json:"issuer"`
	Owner      string          `json:"owner"`
	Custodian  string          `json:"custodian"`
	AssetType  string          `json:"asset_type"`
	Amount     decimal.Decimal `json:"amount"`
}

// LockedAssetHolding is an AssetHolding under a named lock. ReleaseTo is the
// party entitled to the holding when the lock resolves.
type LockedAssetHolding struct {
	ContractID string          `json:"contract_id"`
	Issuer     string          `json:"issuer"`
	Owner      string          `json:"owner"`
	Custodian  string          `json:"custodian"`
	AssetType  string          `json:"asset_type"`
	Amount     decimal.Decimal `json:"amount"`
	LockReason string          `json:"lock_reason"`
	ReleaseTo  string          `json:"release_to"`
}

// LoanOffer is an open loan offer on the ledger. Exactly one of
// LockedCCCollateral / LockedUSDCPrincipal is set at creation, keyed by
// OfferType: a BorrowerBid locks native-coin collateral, a LenderAsk locks
// stablecoin principal. The lock reference is immutable until the offer is
// accepted or canceled.
type LoanOffer struct {
	ContractID          string          `json:"contract_id"`
	Initiator           string          `json:"initiator"`
	Counterparty        string          `json:"counterparty,omitempty"`
	OfferType           string          `json:"offer_type"`
	LockedCCCollateral  string          `json:"locked_cc_collateral,omitempty"`
	LockedUSDCPrincipal string          `json:"locked_usdc_principal,omitempty"`
	LoanAmount          decimal.Decimal `json:"loan_amount"`
	CollateralAmount    decimal.Decimal `json:"collateral_amount"`
	InterestRate        decimal.Decimal `json:"interest_rate"`
	MaturityDate        string          `json:"maturity_date"` // YYYY-MM-DD
	LTVRatio            decimal.Decimal `json:"ltv_ratio"`
	CCPrice             decimal.Decimal `json:"cc_price"`
	StablecoinType      string          `json:"stablecoin_type"`
	CreatedAt           string          `json:"created_at"` // YYYY-MM-DD
	Observers           []string        `json:"observers,omitempty"`
}

// ActiveLoan is a loan created by accepting an offer. It terminates by
// repayment or a default claim.
type ActiveLoan struct {
	ContractID            string          `json:"contract_id"`
	Borrower              string          `json:"borrower"`
	Lender                string          `json:"lender"`
	CCCollateralReference string          `json:"cc_collateral_reference"`
	Principal             decimal.Decimal `json:"principal"`
	CollateralAmount      decimal.Decimal `json:"collateral_amount"`
	InterestRate          decimal.Decimal `json:"interest_rate"`
	MaturityDate          string          `json:"maturity_date"`
	OriginationDate       string          `json:"origination_date"`
	CCPrice               decimal.Decimal `json:"cc_price"`
	StablecoinType        string          `json:"stablecoin_type"`
}

// TokenBalance is a derived per-asset balance snapshot. Available + Locked
// always equals Total; Borrowed is outstanding loan principal where the party
// is the borrower (fixed at zero for the native coin).
type TokenBalance struct {
	AssetType string          `json:"asset_type"`
	Available decimal.Decimal `json:"available"`
	Locked    decimal.Decimal `json:"locked"`
	Borrowed  decimal.Decimal `json:"borrowed"`
	Total     decimal.Decimal `json:"total"`
}

// Balances pairs the two asset balances returned by a balance query.
type Balances struct {
	USDC TokenBalance `json:"usdc"`
	CC   TokenBalance `json:"cc"`
}

// Event kinds in a decoded transaction.
const (
	EventCreated   = "created"
	EventArchived  = "archived"
	EventExercised = "exercised"
)

// TransactionEvent is one normalized ledger event.
type TransactionEvent struct {
	EventType  string         `json:"event_type"` // created, archived, exercised
	ContractID string         `json:"contract_id"`
	TemplateID string         `json:"template_id"`
	EventID    string         `json:"event_id,omitempty"`
	Payload    map[string]any `json:"payload,omitempty"`
	Choice     string         `json:"choice,omitempty"`
	Argument   map[string]any `json:"argument,omitempty"`
}

// Transaction is a decoded ledger update.
type Transaction struct {
	TransactionID string             `json:"transaction_id"`
	EffectiveAt   time.Time          `json:"effective_at"`
	Offset        int64              `json:"offset"`
	Events        []TransactionEvent `json:"events"`
}
