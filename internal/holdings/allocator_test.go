package holdings_test

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/shopspring/decimal"

	"github.com/peerlend/ledger-engine/internal/auth"
	"github.com/peerlend/ledger-engine/internal/holdings"
	"github.com/peerlend/ledger-engine/internal/ledger"
	"github.com/peerlend/ledger-engine/internal/party"
)

const testHex = "a1b2c3d4e5f6a1b2c3d4e5f6a1b2c3d4e5f6a1b2c3d4e5f6a1b2c3d4e5f6a1b2"

var (
	alice     = party.MustParse("alice::1220" + testHex)
	templates = ledger.Templates{LendingPackageID: "pkg", AmuletPackageID: "amulet-pkg"}
)

// fakeLedger serves active-contracts from a fixed holding set and answers
// split submissions with {exact, remainder} successors.
type fakeLedger struct {
	holdings []map[string]any // createArgument payloads, in order
	splits   int
	lastCID  string
}

func (f *fakeLedger) handler(t *testing.T) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/v2/state/ledger-end":
			json.NewEncoder(w).Encode(map[string]any{"offset": 100})

		case "/v2/state/active-contracts":
			entries := make([]map[string]any, 0, len(f.holdings))
			for _, payload := range f.holdings {
				entries = append(entries, map[string]any{
					"createdEvent": map[string]any{
						"contractId":     payload["__cid"],
						"templateId":     templates.AssetHolding(),
						"createArgument": withoutCID(payload),
					},
				})
			}
			json.NewEncoder(w).Encode(entries)

		case "/v2/commands/submit-and-wait-for-transaction":
			var req struct {
				Commands struct {
					Commands []map[string]any `json:"commands"`
				} `json:"commands"`
			}
			json.NewDecoder(r.Body).Decode(&req)
			exercise := req.Commands.Commands[0]["ExerciseCommand"].(map[string]any)
			if exercise["choice"] != "Split" {
				t.Errorf("choice = %v, want Split", exercise["choice"])
			}
			f.splits++
			f.lastCID = exercise["contractId"].(string)

			splitAmount := exercise["choiceArgument"].(map[string]any)["splitAmount"].(string)
			original := f.amountOf(f.lastCID)
			remainder := original.Sub(decimal.RequireFromString(splitAmount))

			json.NewEncoder(w).Encode(map[string]any{
				"transaction": map[string]any{
					"events": []any{
						map[string]any{"ArchivedEvent": map[string]any{"contractId": f.lastCID}},
						map[string]any{"CreatedEvent": map[string]any{
							"contractId": "split-exact",
							"templateId": templates.AssetHolding(),
							"createArgument": map[string]any{
								"owner": alice.String(), "assetType": "USDC", "amount": splitAmount,
							},
						}},
						map[string]any{"CreatedEvent": map[string]any{
							"contractId": "split-remainder",
							"templateId": templates.AssetHolding(),
							"createArgument": map[string]any{
								"owner": alice.String(), "assetType": "USDC", "amount": remainder.String(),
							},
						}},
					},
				},
			})

		default:
			t.Errorf("unexpected path %s", r.URL.Path)
		}
	}
}

func (f *fakeLedger) amountOf(cid string) decimal.Decimal {
	for _, h := range f.holdings {
		if h["__cid"] == cid {
			return decimal.RequireFromString(h["amount"].(string))
		}
	}
	return decimal.Zero
}

func withoutCID(payload map[string]any) map[string]any {
	out := make(map[string]any, len(payload))
	for k, v := range payload {
		if k != "__cid" {
			out[k] = v
		}
	}
	return out
}

func holding(cid, owner, assetType, amount string) map[string]any {
	return map[string]any{
		"__cid": cid, "issuer": "issuer::1220" + testHex, "owner": owner,
		"custodian": "custodian::1220" + testHex, "assetType": assetType, "amount": amount,
	}
}

func newAllocator(t *testing.T, fake *fakeLedger) *holdings.Allocator {
	t.Helper()

	tokenSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{"access_token": "tok", "expires_in": 600})
	}))
	t.Cleanup(tokenSrv.Close)

	ledgerSrv := httptest.NewServer(fake.handler(t))
	t.Cleanup(ledgerSrv.Close)

	tokens := auth.NewCache(tokenSrv.URL, "client", "secret")
	lc := ledger.NewClient(ledger.NewTransport(), tokens, ledgerSrv.URL, "ledger", "engine-user")
	return holdings.NewAllocator(lc, templates)
}

func TestAllocateExact_ExactMatch(t *testing.T) {
	fake := &fakeLedger{holdings: []map[string]any{
		holding("h-500", alice.String(), "USDC", "500"),
	}}
	alloc := newAllocator(t, fake)

	ref, err := alloc.AllocateExact(context.Background(), alice, "USDC", decimal.NewFromInt(500))
	if err != nil {
		t.Fatalf("AllocateExact: %v", err)
	}
	if ref.ContractID != "h-500" {
		t.Errorf("ContractID = %s, want h-500 (direct match)", ref.ContractID)
	}
	if fake.splits != 0 {
		t.Errorf("splits = %d, want 0 for an exact match", fake.splits)
	}
}

func TestAllocateExact_Split(t *testing.T) {
	fake := &fakeLedger{holdings: []map[string]any{
		holding("h-500", alice.String(), "USDC", "500"),
	}}
	alloc := newAllocator(t, fake)

	ref, err := alloc.AllocateExact(context.Background(), alice, "USDC", decimal.NewFromInt(200))
	if err != nil {
		t.Fatalf("AllocateExact: %v", err)
	}
	if ref.ContractID != "split-exact" {
		t.Errorf("ContractID = %s, want split-exact", ref.ContractID)
	}
	if !ref.Amount.Equal(decimal.NewFromInt(200)) {
		t.Errorf("Amount = %s, want 200", ref.Amount)
	}
	if fake.splits != 1 {
		t.Errorf("splits = %d, want 1", fake.splits)
	}
}

func TestAllocateExact_SmallestSufficient(t *testing.T) {
	fake := &fakeLedger{holdings: []map[string]any{
		holding("h-1000", alice.String(), "USDC", "1000"),
		holding("h-300", alice.String(), "USDC", "300"),
	}}
	alloc := newAllocator(t, fake)

	if _, err := alloc.AllocateExact(context.Background(), alice, "USDC", decimal.NewFromInt(200)); err != nil {
		t.Fatalf("AllocateExact: %v", err)
	}
	if fake.lastCID != "h-300" {
		t.Errorf("split %s, want h-300 (smallest sufficient)", fake.lastCID)
	}
}

func TestAllocateExact_Insufficient(t *testing.T) {
	fake := &fakeLedger{holdings: []map[string]any{
		holding("h-100", alice.String(), "USDC", "100"),
		holding("h-50", alice.String(), "USDC", "50"),
	}}
	alloc := newAllocator(t, fake)

	_, err := alloc.AllocateExact(context.Background(), alice, "USDC", decimal.NewFromInt(500))

	var insufficient *holdings.InsufficientBalanceError
	if !errors.As(err, &insufficient) {
		t.Fatalf("expected InsufficientBalanceError, got %v", err)
	}
	if !insufficient.Needed.Equal(decimal.NewFromInt(500)) {
		t.Errorf("Needed = %s, want 500", insufficient.Needed)
	}
	if !insufficient.Available.Equal(decimal.NewFromInt(150)) {
		t.Errorf("Available = %s, want 150", insufficient.Available)
	}
}

func TestAllocateExact_IgnoresOtherOwnersAndAssets(t *testing.T) {
	bob := "bob::1220" + testHex
	fake := &fakeLedger{holdings: []map[string]any{
		holding("h-bob", bob, "USDC", "500"),
		holding("h-cc", alice.String(), "CC", "500"),
		holding("h-alice", alice.String(), "USDC", "80"),
	}}
	alloc := newAllocator(t, fake)

	_, err := alloc.AllocateExact(context.Background(), alice, "USDC", decimal.NewFromInt(200))
	var insufficient *holdings.InsufficientBalanceError
	if !errors.As(err, &insufficient) {
		t.Fatalf("expected InsufficientBalanceError, got %v", err)
	}
	if !insufficient.Available.Equal(decimal.NewFromInt(80)) {
		t.Errorf("Available = %s, want 80 (only alice's USDC)", insufficient.Available)
	}
}

func TestSplitSuccessorsSumToOriginal(t *testing.T) {
	// Decimal-string arithmetic: 500.000000001 - 200.0000000005 must be exact.
	fake := &fakeLedger{holdings: []map[string]any{
		holding("h-odd", alice.String(), "USDC", "500.000000001"),
	}}
	alloc := newAllocator(t, fake)

	target := decimal.RequireFromString("200.0000000005")
	ref, err := alloc.AllocateExact(context.Background(), alice, "USDC", target)
	if err != nil {
		t.Fatalf("AllocateExact: %v", err)
	}
	if !ref.Amount.Equal(target) {
		t.Errorf("Amount = %s, want %s", ref.Amount, target)
	}

	original := decimal.RequireFromString("500.000000001")
	remainder := original.Sub(target)
	if !ref.Amount.Add(remainder).Equal(original) {
		t.Errorf("successors do not sum to original: %s + %s != %s", ref.Amount, remainder, original)
	}
}
