// Package escrow wraps the escrow wallet's validator REST surface. Native
// coin is locked by creating a time-bounded transfer offer naming the
// beneficiary; withdrawing the offer unlocks, accepting it claims.
package escrow

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/shopspring/decimal"

	"github.com/peerlend/ledger-engine/internal/auth"
	"github.com/peerlend/ledger-engine/internal/ledger"
	"github.com/peerlend/ledger-engine/internal/party"
)

// APIError reports a non-success escrow wallet response.
type APIError struct {
	Status int
	Body   string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("escrow: wallet API returned %d: %s", e.Status, e.Body)
}

// Client talks to the escrow wallet API, authenticating with a forwarded user
// token when one is supplied and the service token otherwise.
type Client struct {
	transport *ledger.Transport
	tokens    *auth.Cache
	baseURL   string
	audience  string
}

// NewClient creates an escrow client.
func NewClient(transport *ledger.Transport, tokens *auth.Cache, baseURL, audience string) *Client {
	return &Client{
		transport: transport,
		tokens:    tokens,
		baseURL:   baseURL,
		audience:  audience,
	}
}

func (c *Client) bearer(ctx context.Context, userToken string) (string, error) {
	if userToken != "" {
		return userToken, nil
	}
	return c.tokens.Token(ctx, c.audience)
}

func (c *Client) call(ctx context.Context, method, path, userToken string, body, out any) error {
	token, err := c.bearer(ctx, userToken)
	if err != nil {
		return err
	}

	resp, err := c.transport.Do(ctx, method, c.baseURL+path, token, body)
	if err != nil {
		return err
	}
	if !resp.OK() {
		return &APIError{Status: resp.Status, Body: string(resp.Body)}
	}
	if out != nil {
		return resp.Decode(out)
	}
	return nil
}

// Register onboards the authenticated user with the validator. Registering
// an already-known user succeeds.
func (c *Client) Register(ctx context.Context, userToken string) error {
	return c.call(ctx, http.MethodPost, "/api/validator/v0/register", userToken, map[string]any{}, nil)
}

// TransferOffer is an open escrow transfer offer.
type TransferOffer struct {
	ContractID string          `json:"contract_id"`
	Receiver   string          `json:"receiver_party_id"`
	Amount     decimal.Decimal `json:"amount"`
	TrackingID string          `json:"tracking_id"`
}

// CreateTransferOffer creates a transfer offer of amount native coin to the
// receiver, expiring at expiresAt. The returned offer contract ID is the lock
// reference.
func (c *Client) CreateTransferOffer(ctx context.Context, receiver party.ID, amount decimal.Decimal, description string, expiresAt time.Time, trackingID, userToken string) (string, error) {
	body := map[string]any{
		"receiver_party_id": receiver.String(),
		"amount":            amount.String(),
		"description":       description,
		"expires_at":        expiresAt.UnixMilli(),
		"tracking_id":       trackingID,
	}

	// The create response nests the contract ID differently across wallet
	// versions; accept both fields.
	var out struct {
		OfferContractID string `json:"offer_contract_id"`
		Offer           struct {
			ContractID string `json:"contract_id"`
		} `json:"offer"`
	}
	if err := c.call(ctx, http.MethodPost, "/api/validator/v0/wallet/transfer-offers", userToken, body, &out); err != nil {
		return "", err
	}

	id := out.OfferContractID
	if id == "" {
		id = out.Offer.ContractID
	}
	if id == "" {
		return "", &APIError{Body: "transfer-offer response missing contract id"}
	}
	return id, nil
}

// ListTransferOffers lists the authenticated user's open transfer offers.
func (c *Client) ListTransferOffers(ctx context.Context, userToken string) ([]TransferOffer, error) {
	var out struct {
		Offers []TransferOffer `json:"offers"`
	}
	if err := c.call(ctx, http.MethodGet, "/api/validator/v0/wallet/transfer-offers", userToken, nil, &out); err != nil {
		return nil, err
	}
	return out.Offers, nil
}

// AcceptTransferOffer accepts an offer, moving the coin to the receiver.
func (c *Client) AcceptTransferOffer(ctx context.Context, offerID, userToken string) error {
	return c.call(ctx, http.MethodPost,
		"/api/validator/v0/wallet/transfer-offers/"+offerID+"/accept", userToken, map[string]any{}, nil)
}

// WithdrawTransferOffer withdraws an offer, returning the coin to its holder.
func (c *Client) WithdrawTransferOffer(ctx context.Context, offerID, userToken string) error {
	return c.call(ctx, http.MethodPost,
		"/api/validator/v0/wallet/transfer-offers/"+offerID+"/withdraw", userToken, map[string]any{}, nil)
}

// Transfer is a token-standard transfer awaiting action.
type Transfer struct {
	ContractID string          `json:"contract_id"`
	Sender     string          `json:"sender"`
	Receiver   string          `json:"receiver"`
	Amount     decimal.Decimal `json:"amount"`
}

// ListTransfers lists pending token-standard transfers.
func (c *Client) ListTransfers(ctx context.Context, userToken string) ([]Transfer, error) {
	var out struct {
		Transfers []Transfer `json:"transfers"`
	}
	if err := c.call(ctx, http.MethodGet, "/api/validator/v0/wallet/token-standard/transfers", userToken, nil, &out); err != nil {
		return nil, err
	}
	return out.Transfers, nil
}

// AcceptTransfer accepts a pending token-standard transfer.
func (c *Client) AcceptTransfer(ctx context.Context, transferID, userToken string) error {
	return c.call(ctx, http.MethodPost,
		"/api/validator/v0/wallet/token-standard/transfers/"+transferID+"/accept", userToken, map[string]any{}, nil)
}

// RejectTransfer rejects a pending token-standard transfer.
func (c *Client) RejectTransfer(ctx context.Context, transferID, userToken string) error {
	return c.call(ctx, http.MethodPost,
		"/api/validator/v0/wallet/token-standard/transfers/"+transferID+"/reject", userToken, map[string]any{}, nil)
}
