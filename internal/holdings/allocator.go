// Package holdings selects or splits a party's fungible asset records to
// produce an exact-amount holding for a subsequent lock or transfer.
package holdings

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/shopspring/decimal"

	"github.com/peerlend/ledger-engine/internal/ledger"
	"github.com/peerlend/ledger-engine/internal/model"
	"github.com/peerlend/ledger-engine/internal/party"
)

// InsufficientBalanceError reports that a party's holdings cannot cover a
// requested amount.
type InsufficientBalanceError struct {
	AssetType string
	Needed    decimal.Decimal
	Available decimal.Decimal
}

func (e *InsufficientBalanceError) Error() string {
	return fmt.Sprintf("holdings: insufficient %s balance: need %s, have %s",
		e.AssetType, e.Needed, e.Available)
}

// Ref identifies one holding of a known amount.
type Ref struct {
	ContractID string
	Amount     decimal.Decimal
}

// holdingPayload is the ledger wire shape of an AssetHolding create argument.
type holdingPayload struct {
	Issuer    string          `json:"issuer"`
	Owner     string          `json:"owner"`
	Custodian string          `json:"custodian"`
	AssetType string          `json:"assetType"`
	Amount    decimal.Decimal `json:"amount"`
}

// lockedHoldingPayload is the wire shape of a LockedAssetHolding.
type lockedHoldingPayload struct {
	holdingPayload
	LockReason string `json:"lockReason"`
	ReleaseTo  string `json:"releaseTo"`
}

// Allocator produces exact-amount holdings from a party's unlocked holdings.
//
// Two concurrent requests can select the same holding; the loser's split or
// lock then fails against an already-archived contract and surfaces as a
// ledger.CommandError. There is no cross-request coalescing.
type Allocator struct {
	ledger    *ledger.Client
	templates ledger.Templates
}

// NewAllocator creates an allocator over the ledger client.
func NewAllocator(lc *ledger.Client, templates ledger.Templates) *Allocator {
	return &Allocator{ledger: lc, templates: templates}
}

// Holdings lists the party's unlocked holdings of the asset type.
func (a *Allocator) Holdings(ctx context.Context, owner party.ID, assetType string) ([]model.AssetHolding, error) {
	contracts, err := a.ledger.ActiveContracts(ctx,
		[]string{a.templates.AssetHolding()}, []party.ID{owner})
	if err != nil {
		return nil, err
	}

	var out []model.AssetHolding
	for _, c := range contracts {
		var p holdingPayload
		if err := ledger.DecodePayload(c.Payload, &p); err != nil {
			slog.Warn("skipping undecodable holding", "contract_id", c.ContractID, "err", err)
			continue
		}
		if p.Owner != owner.String() || (assetType != "" && p.AssetType != assetType) {
			continue
		}
		out = append(out, model.AssetHolding{
			ContractID: c.ContractID,
			Issuer:     p.Issuer,
			Owner:      p.Owner,
			Custodian:  p.Custodian,
			AssetType:  p.AssetType,
			Amount:     p.Amount,
		})
	}
	return out, nil
}

// LockedHoldings lists the party's locked holdings of the asset type.
func (a *Allocator) LockedHoldings(ctx context.Context, owner party.ID, assetType string) ([]model.LockedAssetHolding, error) {
	contracts, err := a.ledger.ActiveContracts(ctx,
		[]string{a.templates.LockedAssetHolding()}, []party.ID{owner})
	if err != nil {
		return nil, err
	}

	var out []model.LockedAssetHolding
	for _, c := range contracts {
		var p lockedHoldingPayload
		if err := ledger.DecodePayload(c.Payload, &p); err != nil {
			slog.Warn("skipping undecodable locked holding", "contract_id", c.ContractID, "err", err)
			continue
		}
		if p.Owner != owner.String() || (assetType != "" && p.AssetType != assetType) {
			continue
		}
		out = append(out, model.LockedAssetHolding{
			ContractID: c.ContractID,
			Issuer:     p.Issuer,
			Owner:      p.Owner,
			Custodian:  p.Custodian,
			AssetType:  p.AssetType,
			Amount:     p.Amount,
			LockReason: p.LockReason,
			ReleaseTo:  p.ReleaseTo,
		})
	}
	return out, nil
}

// AllocateExact returns a holding of exactly amount. An exact-amount holding
// is returned directly; otherwise the smallest sufficient holding is split
// into {exact, remainder} and the exact successor is returned. The successor
// amounts sum to the original exactly.
func (a *Allocator) AllocateExact(ctx context.Context, owner party.ID, assetType string, amount decimal.Decimal) (Ref, error) {
	available, err := a.Holdings(ctx, owner, assetType)
	if err != nil {
		return Ref{}, err
	}

	total := decimal.Zero
	var candidate *model.AssetHolding
	for i := range available {
		h := &available[i]
		total = total.Add(h.Amount)
		if h.Amount.Equal(amount) {
			return Ref{ContractID: h.ContractID, Amount: h.Amount}, nil
		}
		// Smallest sufficient holding minimizes unnecessary splitting.
		if h.Amount.GreaterThan(amount) && (candidate == nil || h.Amount.LessThan(candidate.Amount)) {
			candidate = h
		}
	}

	if candidate == nil {
		return Ref{}, &InsufficientBalanceError{AssetType: assetType, Needed: amount, Available: total}
	}

	raw, err := a.ledger.Submit(ctx, []ledger.Command{
		ledger.ExerciseCommand{
			TemplateID: a.templates.AssetHolding(),
			ContractID: candidate.ContractID,
			Choice:     "Split",
			Argument:   map[string]any{"splitAmount": amount.String()},
		},
	}, []party.ID{owner}, nil)
	if err != nil {
		return Ref{}, err
	}

	exactID, err := splitResult(raw, amount)
	if err != nil {
		return Ref{}, err
	}

	slog.Info("holding split",
		"owner", owner.Short(),
		"asset_type", assetType,
		"original", candidate.Amount.String(),
		"exact", amount.String(),
		"remainder", candidate.Amount.Sub(amount).String(),
	)
	return Ref{ContractID: exactID, Amount: amount}, nil
}

// splitResult pulls the exact-amount successor out of a split transaction.
// The choice's return value names it directly when present; otherwise the
// created events are scanned for a holding of the target amount.
func splitResult(raw ledger.RawTransaction, amount decimal.Decimal) (string, error) {
	if result, err := ledger.ExerciseResult(raw); err == nil {
		if m, ok := result.(map[string]any); ok {
			if id, ok := m["splitCid"].(string); ok && id != "" {
				return id, nil
			}
		}
	}

	for _, created := range ledger.CreatedEvents(raw) {
		var p holdingPayload
		payload, ok := created["createArgument"].(map[string]any)
		if !ok {
			payload, _ = created["createArguments"].(map[string]any)
		}
		if payload == nil {
			continue
		}
		if err := ledger.DecodePayload(payload, &p); err != nil {
			continue
		}
		if p.Amount.Equal(amount) {
			if id, ok := created["contractId"].(string); ok && id != "" {
				return id, nil
			}
		}
	}
	return "", fmt.Errorf("holdings: split transaction carries no successor of amount %s", amount)
}
