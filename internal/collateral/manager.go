// Package collateral computes per-asset balances and locks, unlocks, and
// claims collateral. Custom-asset holdings are locked via ledger choices;
// native coin is locked through escrow transfer offers.
package collateral

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/peerlend/ledger-engine/internal/escrow"
	"github.com/peerlend/ledger-engine/internal/holdings"
	"github.com/peerlend/ledger-engine/internal/ledger"
	"github.com/peerlend/ledger-engine/internal/metrics"
	"github.com/peerlend/ledger-engine/internal/model"
	"github.com/peerlend/ledger-engine/internal/party"
)

// amuletPayload is the wire shape of a native-coin holding. The amount
// carries an accrual structure; only the recorded initial amount is used for
// balances, so long-held amulets are understated (documented behavior).
type amuletPayload struct {
	Owner  string `json:"owner"`
	Amount struct {
		InitialAmount decimal.Decimal `json:"initialAmount"`
	} `json:"amount"`
}

type lockedAmuletPayload struct {
	Amulet amuletPayload `json:"amulet"`
}

// activeLoanPayload is the subset of an active loan needed for borrowed
// balance aggregation.
type activeLoanPayload struct {
	Borrower  string          `json:"borrower"`
	Principal decimal.Decimal `json:"principal"`
}

// Manager locks and releases collateral and derives balance snapshots.
type Manager struct {
	ledger    *ledger.Client
	escrow    *escrow.Client
	alloc     *holdings.Allocator
	templates ledger.Templates
}

// NewManager creates a collateral manager.
func NewManager(lc *ledger.Client, ec *escrow.Client, alloc *holdings.Allocator, templates ledger.Templates) *Manager {
	return &Manager{ledger: lc, escrow: ec, alloc: alloc, templates: templates}
}

// AllocatePrincipal obtains an exact-amount unlocked holding for the owner,
// splitting a larger one when needed.
func (m *Manager) AllocatePrincipal(ctx context.Context, owner party.ID, assetType string, amount decimal.Decimal) (holdings.Ref, error) {
	return m.alloc.AllocateExact(ctx, owner, assetType, amount)
}

// Balances aggregates the party's stablecoin and native-coin balances.
// available + locked == total per asset; borrowed is outstanding principal
// where the party is the borrower, and zero for the native coin.
func (m *Manager) Balances(ctx context.Context, p party.ID) (model.Balances, error) {
	unlocked, err := m.alloc.Holdings(ctx, p, model.AssetUSDC)
	if err != nil {
		return model.Balances{}, err
	}
	locked, err := m.alloc.LockedHoldings(ctx, p, model.AssetUSDC)
	if err != nil {
		return model.Balances{}, err
	}

	usdc := model.TokenBalance{AssetType: model.AssetUSDC,
		Available: decimal.Zero, Locked: decimal.Zero, Borrowed: decimal.Zero}
	for _, h := range unlocked {
		usdc.Available = usdc.Available.Add(h.Amount)
	}
	for _, h := range locked {
		usdc.Locked = usdc.Locked.Add(h.Amount)
	}
	usdc.Borrowed, err = m.borrowedPrincipal(ctx, p)
	if err != nil {
		return model.Balances{}, err
	}
	usdc.Total = usdc.Available.Add(usdc.Locked)

	cc, err := m.nativeCoinBalance(ctx, p)
	if err != nil {
		return model.Balances{}, err
	}

	return model.Balances{USDC: usdc, CC: cc}, nil
}

func (m *Manager) borrowedPrincipal(ctx context.Context, p party.ID) (decimal.Decimal, error) {
	contracts, err := m.ledger.ActiveContracts(ctx,
		[]string{m.templates.ActiveLoan()}, []party.ID{p})
	if err != nil {
		return decimal.Zero, err
	}

	borrowed := decimal.Zero
	for _, c := range contracts {
		var loan activeLoanPayload
		if err := ledger.DecodePayload(c.Payload, &loan); err != nil {
			continue
		}
		if loan.Borrower == p.String() {
			borrowed = borrowed.Add(loan.Principal)
		}
	}
	return borrowed, nil
}

func (m *Manager) nativeCoinBalance(ctx context.Context, p party.ID) (model.TokenBalance, error) {
	cc := model.TokenBalance{AssetType: model.AssetCC,
		Available: decimal.Zero, Locked: decimal.Zero, Borrowed: decimal.Zero}

	amulets, err := m.ledger.ActiveContracts(ctx,
		[]string{m.templates.Amulet()}, []party.ID{p})
	if err != nil {
		return cc, err
	}
	for _, c := range amulets {
		var a amuletPayload
		if err := ledger.DecodePayload(c.Payload, &a); err != nil || a.Owner != p.String() {
			continue
		}
		cc.Available = cc.Available.Add(a.Amount.InitialAmount)
	}

	lockedAmulets, err := m.ledger.ActiveContracts(ctx,
		[]string{m.templates.LockedAmulet()}, []party.ID{p})
	if err != nil {
		return cc, err
	}
	for _, c := range lockedAmulets {
		var la lockedAmuletPayload
		if err := ledger.DecodePayload(c.Payload, &la); err != nil || la.Amulet.Owner != p.String() {
			continue
		}
		cc.Locked = cc.Locked.Add(la.Amulet.Amount.InitialAmount)
	}

	cc.Total = cc.Available.Add(cc.Locked)
	return cc, nil
}

// LockCustomAsset allocates an exact holding and exercises its lock choice.
// Returns the locked holding's contract ID.
func (m *Manager) LockCustomAsset(ctx context.Context, owner party.ID, assetType string, amount decimal.Decimal, reason string, releaseTo party.ID) (string, error) {
	ref, err := m.alloc.AllocateExact(ctx, owner, assetType, amount)
	if err != nil {
		return "", err
	}

	raw, err := m.ledger.Submit(ctx, []ledger.Command{
		ledger.ExerciseCommand{
			TemplateID: m.templates.AssetHolding(),
			ContractID: ref.ContractID,
			Choice:     "Lock",
			Argument: map[string]any{
				"lockReason": reason,
				"releaseTo":  releaseTo.String(),
			},
		},
	}, []party.ID{owner}, nil)
	if err != nil {
		return "", err
	}

	lockedID, err := lockedContractID(raw, m.templates.LockedAssetHolding())
	if err != nil {
		return "", err
	}

	metrics.CollateralLocks.WithLabelValues(assetType).Inc()
	slog.Info("custom asset locked",
		"owner", owner.Short(), "asset_type", assetType,
		"amount", amount.String(), "locked_contract_id", lockedID)
	return lockedID, nil
}

// UnlockCustomAsset releases a locked holding back to an unlocked one.
func (m *Manager) UnlockCustomAsset(ctx context.Context, owner party.ID, lockedContractID string) (string, error) {
	raw, err := m.ledger.Submit(ctx, []ledger.Command{
		ledger.ExerciseCommand{
			TemplateID: m.templates.LockedAssetHolding(),
			ContractID: lockedContractID,
			Choice:     "Unlock",
		},
	}, []party.ID{owner}, nil)
	if err != nil {
		return "", err
	}
	return ledger.CreatedContractID(raw)
}

// lockedContractID extracts the locked holding reference from a lock
// transaction: the choice's return value when it is a contract ID, otherwise
// the first created event of the locked template.
func lockedContractID(raw ledger.RawTransaction, lockedTemplateID string) (string, error) {
	if result, err := ledger.ExerciseResult(raw); err == nil {
		if id, ok := result.(string); ok && id != "" {
			return id, nil
		}
	}

	for _, created := range ledger.CreatedEvents(raw) {
		if tid, _ := created["templateId"].(string); tid == lockedTemplateID {
			if id, ok := created["contractId"].(string); ok && id != "" {
				return id, nil
			}
		}
	}
	return "", fmt.Errorf("collateral: lock transaction carries no locked holding")
}

// LockNativeCoin locks amount native coin by creating an escrow transfer
// offer to the beneficiary, expiring at expiresAt. The offer contract ID is
// the lock reference. Fails pre-flight when the party's available native
// coin cannot cover the amount.
func (m *Manager) LockNativeCoin(ctx context.Context, owner party.ID, amount decimal.Decimal, beneficiary party.ID, expiresAt time.Time, userToken string) (string, error) {
	balances, err := m.Balances(ctx, owner)
	if err != nil {
		return "", err
	}
	if balances.CC.Available.LessThan(amount) {
		return "", &holdings.InsufficientBalanceError{
			AssetType: model.AssetCC, Needed: amount, Available: balances.CC.Available,
		}
	}

	offerID, err := m.escrow.CreateTransferOffer(ctx, beneficiary, amount,
		"loan collateral lock", expiresAt, "lock-"+uuid.NewString(), userToken)
	if err != nil {
		return "", err
	}

	metrics.CollateralLocks.WithLabelValues(model.AssetCC).Inc()
	slog.Info("native coin locked",
		"owner", owner.Short(), "amount", amount.String(),
		"beneficiary", beneficiary.Short(), "escrow_offer_id", offerID)
	return offerID, nil
}

// UnlockNativeCoin withdraws the escrow offer, returning the coin to its
// original holder.
func (m *Manager) UnlockNativeCoin(ctx context.Context, escrowOfferID, userToken string) error {
	if err := m.escrow.WithdrawTransferOffer(ctx, escrowOfferID, userToken); err != nil {
		return err
	}
	metrics.CollateralReleases.WithLabelValues("unlock").Inc()
	return nil
}

// ClaimNativeCoin accepts the escrow offer, transferring the coin to the
// designated receiver. Used when a loan defaults.
func (m *Manager) ClaimNativeCoin(ctx context.Context, escrowOfferID, userToken string) error {
	if err := m.escrow.AcceptTransferOffer(ctx, escrowOfferID, userToken); err != nil {
		return err
	}
	metrics.CollateralReleases.WithLabelValues("claim").Inc()
	return nil
}
