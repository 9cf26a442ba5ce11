package collateral_test

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/peerlend/ledger-engine/internal/auth"
	"github.com/peerlend/ledger-engine/internal/collateral"
	"github.com/peerlend/ledger-engine/internal/escrow"
	"github.com/peerlend/ledger-engine/internal/holdings"
	"github.com/peerlend/ledger-engine/internal/ledger"
	"github.com/peerlend/ledger-engine/internal/party"
)

const testHex = "a1b2c3d4e5f6a1b2c3d4e5f6a1b2c3d4e5f6a1b2c3d4e5f6a1b2c3d4e5f6a1b2"

var (
	alice     = party.MustParse("alice::1220" + testHex)
	custodian = party.MustParse("custodian::1220" + testHex)
	templates = ledger.Templates{LendingPackageID: "pkg", AmuletPackageID: "amulet-pkg"}
)

type contract struct {
	cid     string
	payload map[string]any
}

// fakeLedger serves contracts per template and answers Lock submissions.
type fakeLedger struct {
	contracts  map[string][]contract // templateID → active contracts
	lockResult any                   // exerciseResult returned for Lock
	lockCalls  int
}

func (f *fakeLedger) handler(t *testing.T) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/v2/state/ledger-end":
			json.NewEncoder(w).Encode(map[string]any{"offset": 100})

		case "/v2/state/active-contracts":
			var req struct {
				Filter struct {
					FiltersByParty map[string]struct {
						Cumulative []struct {
							IdentifierFilter struct {
								TemplateFilter struct {
									Value struct {
										TemplateID string `json:"templateId"`
									} `json:"value"`
								} `json:"TemplateFilter"`
							} `json:"identifierFilter"`
						} `json:"cumulative"`
					} `json:"filtersByParty"`
				} `json:"filter"`
			}
			json.NewDecoder(r.Body).Decode(&req)

			var entries []map[string]any
			for _, filters := range req.Filter.FiltersByParty {
				for _, cum := range filters.Cumulative {
					tid := cum.IdentifierFilter.TemplateFilter.Value.TemplateID
					for _, c := range f.contracts[tid] {
						entries = append(entries, map[string]any{
							"createdEvent": map[string]any{
								"contractId":     c.cid,
								"templateId":     tid,
								"createArgument": c.payload,
							},
						})
					}
				}
			}
			if entries == nil {
				entries = []map[string]any{}
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
			if exercise["choice"] != "Lock" {
				t.Errorf("choice = %v, want Lock", exercise["choice"])
			}
			f.lockCalls++

			json.NewEncoder(w).Encode(map[string]any{
				"transaction": map[string]any{
					"events": []any{
						map[string]any{"ExercisedEvent": map[string]any{"exerciseResult": f.lockResult}},
						map[string]any{"CreatedEvent": map[string]any{
							"contractId":     "locked-via-scan",
							"templateId":     templates.LockedAssetHolding(),
							"createArgument": map[string]any{"owner": alice.String()},
						}},
					},
				},
			})

		default:
			t.Errorf("unexpected ledger path %s", r.URL.Path)
		}
	}
}

func newManager(t *testing.T, fake *fakeLedger, escrowHandler http.HandlerFunc) *collateral.Manager {
	t.Helper()

	tokenSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{"access_token": "tok", "expires_in": 600})
	}))
	t.Cleanup(tokenSrv.Close)

	ledgerSrv := httptest.NewServer(fake.handler(t))
	t.Cleanup(ledgerSrv.Close)

	if escrowHandler == nil {
		escrowHandler = func(w http.ResponseWriter, r *http.Request) {
			t.Errorf("unexpected escrow call %s", r.URL.Path)
		}
	}
	escrowSrv := httptest.NewServer(escrowHandler)
	t.Cleanup(escrowSrv.Close)

	tokens := auth.NewCache(tokenSrv.URL, "client", "secret")
	transport := ledger.NewTransport()
	lc := ledger.NewClient(transport, tokens, ledgerSrv.URL, "ledger", "engine-user")
	ec := escrow.NewClient(transport, tokens, escrowSrv.URL, "escrow")
	alloc := holdings.NewAllocator(lc, templates)
	return collateral.NewManager(lc, ec, alloc, templates)
}

func usdcHolding(cid, amount string) contract {
	return contract{cid: cid, payload: map[string]any{
		"issuer": "issuer::1220" + testHex, "owner": alice.String(),
		"custodian": custodian.String(), "assetType": "USDC", "amount": amount,
	}}
}

func TestBalances_Aggregation(t *testing.T) {
	fake := &fakeLedger{contracts: map[string][]contract{
		templates.AssetHolding(): {
			usdcHolding("h-1", "300"),
			usdcHolding("h-2", "150.5"),
		},
		templates.LockedAssetHolding(): {
			{cid: "lh-1", payload: map[string]any{
				"owner": alice.String(), "assetType": "USDC", "amount": "49.5",
				"lockReason": "loan principal", "releaseTo": alice.String(),
			}},
		},
		templates.ActiveLoan(): {
			{cid: "loan-1", payload: map[string]any{
				"borrower": alice.String(), "principal": "1000",
			}},
			{cid: "loan-2", payload: map[string]any{
				"borrower": "bob::1220" + testHex, "principal": "777",
			}},
		},
		templates.Amulet(): {
			{cid: "am-1", payload: map[string]any{
				"owner": alice.String(), "amount": map[string]any{"initialAmount": "20"},
			}},
		},
		templates.LockedAmulet(): {
			{cid: "lam-1", payload: map[string]any{
				"amulet": map[string]any{
					"owner": alice.String(), "amount": map[string]any{"initialAmount": "5"},
				},
			}},
		},
	}}
	mgr := newManager(t, fake, nil)

	b, err := mgr.Balances(context.Background(), alice)
	if err != nil {
		t.Fatalf("Balances: %v", err)
	}

	if !b.USDC.Available.Equal(decimal.RequireFromString("450.5")) {
		t.Errorf("USDC.Available = %s, want 450.5", b.USDC.Available)
	}
	if !b.USDC.Locked.Equal(decimal.RequireFromString("49.5")) {
		t.Errorf("USDC.Locked = %s, want 49.5", b.USDC.Locked)
	}
	if !b.USDC.Borrowed.Equal(decimal.NewFromInt(1000)) {
		t.Errorf("USDC.Borrowed = %s, want 1000 (alice's loans only)", b.USDC.Borrowed)
	}
	if !b.USDC.Available.Add(b.USDC.Locked).Equal(b.USDC.Total) {
		t.Errorf("USDC invariant broken: %s + %s != %s", b.USDC.Available, b.USDC.Locked, b.USDC.Total)
	}

	if !b.CC.Available.Equal(decimal.NewFromInt(20)) {
		t.Errorf("CC.Available = %s, want 20", b.CC.Available)
	}
	if !b.CC.Locked.Equal(decimal.NewFromInt(5)) {
		t.Errorf("CC.Locked = %s, want 5", b.CC.Locked)
	}
	if !b.CC.Borrowed.IsZero() {
		t.Errorf("CC.Borrowed = %s, want 0", b.CC.Borrowed)
	}
	if !b.CC.Available.Add(b.CC.Locked).Equal(b.CC.Total) {
		t.Errorf("CC invariant broken: %s + %s != %s", b.CC.Available, b.CC.Locked, b.CC.Total)
	}
}

func TestLockCustomAsset_DirectResult(t *testing.T) {
	fake := &fakeLedger{
		contracts: map[string][]contract{
			templates.AssetHolding(): {usdcHolding("h-500", "500")},
		},
		lockResult: "locked-cid-direct",
	}
	mgr := newManager(t, fake, nil)

	id, err := mgr.LockCustomAsset(context.Background(), alice, "USDC",
		decimal.NewFromInt(500), "loan principal", alice)
	if err != nil {
		t.Fatalf("LockCustomAsset: %v", err)
	}
	if id != "locked-cid-direct" {
		t.Errorf("id = %s, want locked-cid-direct", id)
	}
}

func TestLockCustomAsset_FallbackToCreatedEvents(t *testing.T) {
	// A mistyped exercise result (a record instead of a contract ID) forces
	// the created-event scan.
	fake := &fakeLedger{
		contracts: map[string][]contract{
			templates.AssetHolding(): {usdcHolding("h-500", "500")},
		},
		lockResult: map[string]any{"unexpected": "shape"},
	}
	mgr := newManager(t, fake, nil)

	id, err := mgr.LockCustomAsset(context.Background(), alice, "USDC",
		decimal.NewFromInt(500), "loan principal", alice)
	if err != nil {
		t.Fatalf("LockCustomAsset: %v", err)
	}
	if id != "locked-via-scan" {
		t.Errorf("id = %s, want locked-via-scan", id)
	}
}

func TestLockNativeCoin(t *testing.T) {
	fake := &fakeLedger{contracts: map[string][]contract{
		templates.Amulet(): {
			{cid: "am-1", payload: map[string]any{
				"owner": alice.String(), "amount": map[string]any{"initialAmount": "100"},
			}},
		},
	}}

	var sawOffer map[string]any
	escrowHandler := func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/validator/v0/wallet/transfer-offers" {
			t.Errorf("unexpected escrow path %s", r.URL.Path)
		}
		json.NewDecoder(r.Body).Decode(&sawOffer)
		json.NewEncoder(w).Encode(map[string]any{"offer_contract_id": "escrow-offer-1"})
	}
	mgr := newManager(t, fake, escrowHandler)

	expires := time.Now().Add(24 * time.Hour)
	offerID, err := mgr.LockNativeCoin(context.Background(), alice,
		decimal.NewFromInt(60), custodian, expires, "")
	if err != nil {
		t.Fatalf("LockNativeCoin: %v", err)
	}
	if offerID != "escrow-offer-1" {
		t.Errorf("offerID = %s", offerID)
	}
	if sawOffer["receiver_party_id"] != custodian.String() {
		t.Errorf("receiver = %v, want custodian", sawOffer["receiver_party_id"])
	}
	if sawOffer["amount"] != "60" {
		t.Errorf("amount = %v, want 60", sawOffer["amount"])
	}
}

func TestLockNativeCoin_InsufficientPreflight(t *testing.T) {
	fake := &fakeLedger{contracts: map[string][]contract{
		templates.Amulet(): {
			{cid: "am-1", payload: map[string]any{
				"owner": alice.String(), "amount": map[string]any{"initialAmount": "10"},
			}},
		},
	}}
	mgr := newManager(t, fake, nil) // escrow must not be called

	_, err := mgr.LockNativeCoin(context.Background(), alice,
		decimal.NewFromInt(60), custodian, time.Now().Add(time.Hour), "")

	var insufficient *holdings.InsufficientBalanceError
	if !errors.As(err, &insufficient) {
		t.Fatalf("expected InsufficientBalanceError, got %v", err)
	}
	if !insufficient.Available.Equal(decimal.NewFromInt(10)) {
		t.Errorf("Available = %s, want 10", insufficient.Available)
	}
}
