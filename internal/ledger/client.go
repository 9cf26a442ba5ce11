package ledger

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/peerlend/ledger-engine/internal/auth"
	"github.com/peerlend/ledger-engine/internal/party"
)

// fallbackOffset is used when the ledger-end lookup fails: queries proceed at
// a very large offset instead of failing the read path. A momentary ledger
// outage can then hide contracts created during the outage from one query.
const fallbackOffset = int64(1_000_000_000_000)

// Client talks to the ledger JSON API.
type Client struct {
	transport *Transport
	tokens    *auth.Cache
	baseURL   string
	audience  string
	userID    string
}

// NewClient creates a ledger client. userID is the ledger application user
// that command submissions run as.
func NewClient(transport *Transport, tokens *auth.Cache, baseURL, audience, userID string) *Client {
	return &Client{
		transport: transport,
		tokens:    tokens,
		baseURL:   baseURL,
		audience:  audience,
		userID:    userID,
	}
}

// UserID returns the ledger application user this client submits as.
func (c *Client) UserID() string { return c.userID }

func (c *Client) bearer(ctx context.Context) (string, error) {
	return c.tokens.Token(ctx, c.audience)
}

// LedgerEnd returns the current end-of-stream offset. On transport failure it
// returns fallbackOffset so reads degrade instead of failing outright.
func (c *Client) LedgerEnd(ctx context.Context) int64 {
	token, err := c.bearer(ctx)
	if err != nil {
		slog.Warn("ledger-end lookup skipped, using fallback offset", "err", err)
		return fallbackOffset
	}

	resp, err := c.transport.Do(ctx, http.MethodGet, c.baseURL+"/v2/state/ledger-end", token, nil)
	if err != nil || !resp.OK() {
		slog.Warn("ledger-end lookup failed, using fallback offset", "err", err)
		return fallbackOffset
	}

	var end struct {
		Offset int64 `json:"offset"`
	}
	if err := resp.Decode(&end); err != nil {
		slog.Warn("ledger-end decode failed, using fallback offset", "err", err)
		return fallbackOffset
	}
	return end.Offset
}

// ActiveContracts queries the active-contract set at the current offset for
// the given templates, visible to the actAs parties, and normalizes each
// entry into a Contract.
func (c *Client) ActiveContracts(ctx context.Context, templateIDs []string, actAs []party.ID) ([]Contract, error) {
	token, err := c.bearer(ctx)
	if err != nil {
		return nil, err
	}

	filtersByParty := map[string]any{}
	for _, p := range actAs {
		cumulative := make([]any, 0, len(templateIDs))
		for _, tid := range templateIDs {
			cumulative = append(cumulative, map[string]any{
				"identifierFilter": map[string]any{
					"TemplateFilter": map[string]any{
						"value": map[string]any{
							"templateId":              tid,
							"includeCreatedEventBlob": false,
						},
					},
				},
			})
		}
		filtersByParty[p.String()] = map[string]any{"cumulative": cumulative}
	}

	body := map[string]any{
		"userId":         c.userID,
		"filter":         map[string]any{"filtersByParty": filtersByParty},
		"activeAtOffset": c.LedgerEnd(ctx),
	}

	resp, err := c.transport.Do(ctx, http.MethodPost, c.baseURL+"/v2/state/active-contracts", token, body)
	if err != nil {
		return nil, err
	}
	if !resp.OK() {
		return nil, &CommandError{Status: resp.Status, Body: string(resp.Body)}
	}

	var entries []map[string]any
	if err := resp.Decode(&entries); err != nil {
		return nil, err
	}

	contracts := make([]Contract, 0, len(entries))
	for _, entry := range entries {
		contract, ok := normalizeACSEntry(entry)
		if !ok {
			continue
		}
		contracts = append(contracts, contract)
	}
	return contracts, nil
}

// normalizeACSEntry unwraps the nesting variants the active-contracts
// endpoint produces for the same logical entry.
func normalizeACSEntry(entry map[string]any) (Contract, bool) {
	if ce, ok := entry["contractEntry"].(map[string]any); ok {
		entry = ce
	}
	if ac, ok := entry["JsActiveContract"].(map[string]any); ok {
		entry = ac
	}
	if ac, ok := entry["activeContract"].(map[string]any); ok {
		entry = ac
	}
	created := entry
	if ev, ok := entry["createdEvent"].(map[string]any); ok {
		created = ev
	}

	contractID, _ := created["contractId"].(string)
	templateID, _ := created["templateId"].(string)
	if contractID == "" || templateID == "" {
		return Contract{}, false
	}

	payload, ok := created["createArgument"].(map[string]any)
	if !ok {
		payload, _ = created["createArguments"].(map[string]any)
	}
	return Contract{ContractID: contractID, TemplateID: templateID, Payload: payload}, true
}

// Submit wraps the commands in a single atomic submission and waits for the
// resulting transaction. Commands within one Submit apply together or not at
// all; there is no atomicity across Submit calls.
func (c *Client) Submit(ctx context.Context, commands []Command, actAs, readAs []party.ID) (RawTransaction, error) {
	token, err := c.bearer(ctx)
	if err != nil {
		return nil, err
	}

	wireCommands := make([]any, 0, len(commands))
	for _, cmd := range commands {
		wireCommands = append(wireCommands, cmd.wire())
	}

	body := map[string]any{
		"commands": map[string]any{
			"userId":    c.userID,
			"commandId": commandID(),
			"commands":  wireCommands,
			"actAs":     partyStrings(actAs),
			"readAs":    partyStrings(readAs),
		},
	}

	resp, err := c.transport.Do(ctx, http.MethodPost, c.baseURL+"/v2/commands/submit-and-wait-for-transaction", token, body)
	if err != nil {
		return nil, err
	}
	if !resp.OK() {
		return nil, &CommandError{Status: resp.Status, Body: string(resp.Body)}
	}

	var raw map[string]any
	if err := resp.Decode(&raw); err != nil {
		return nil, err
	}
	if tx, ok := raw["transaction"].(map[string]any); ok {
		return RawTransaction(tx), nil
	}
	return RawTransaction(raw), nil
}

// GrantActAsRights grants a ledger user act-as rights for the given parties.
// Granting rights the user already holds is a no-op on the ledger side.
func (c *Client) GrantActAsRights(ctx context.Context, userID string, parties []party.ID) error {
	token, err := c.bearer(ctx)
	if err != nil {
		return err
	}

	rights := make([]any, 0, len(parties))
	for _, p := range parties {
		rights = append(rights, map[string]any{
			"kind": map[string]any{
				"CanActAs": map[string]any{"value": map[string]any{"party": p.String()}},
			},
		})
	}

	resp, err := c.transport.Do(ctx, http.MethodPost,
		c.baseURL+"/v2/users/"+userID+"/rights", token, map[string]any{
			"userId": userID,
			"rights": rights,
		})
	if err != nil {
		return err
	}
	if !resp.OK() {
		return &CommandError{Status: resp.Status, Body: string(resp.Body)}
	}
	return nil
}

// Updates fetches the flats update stream beginning exclusive at the offset,
// filtered to the party with a wildcard filter. The raw body is returned for
// the transaction decoder: the endpoint answers with either a JSON array or
// newline-delimited JSON depending on version.
func (c *Client) Updates(ctx context.Context, p party.ID, beginExclusive int64) ([]byte, error) {
	token, err := c.bearer(ctx)
	if err != nil {
		return nil, err
	}

	body := map[string]any{
		"beginExclusive": beginExclusive,
		"filter": map[string]any{
			"filtersByParty": map[string]any{
				p.String(): map[string]any{
					"cumulative": []any{
						map[string]any{
							"identifierFilter": map[string]any{
								"WildcardFilter": map[string]any{
									"value": map[string]any{"includeCreatedEventBlob": false},
								},
							},
						},
					},
				},
			},
		},
		"verbose": true,
	}

	resp, err := c.transport.Do(ctx, http.MethodPost, c.baseURL+"/v2/updates/flats", token, body)
	if err != nil {
		return nil, err
	}
	if !resp.OK() {
		return nil, &CommandError{Status: resp.Status, Body: string(resp.Body)}
	}
	return resp.Body, nil
}

// commandID generates an idempotency-friendly command identifier.
func commandID() string {
	return fmt.Sprintf("cmd-%d-%s", time.Now().UnixMilli(), uuid.NewString()[:8])
}

func partyStrings(parties []party.ID) []string {
	out := make([]string, 0, len(parties))
	for _, p := range parties {
		out = append(out, p.String())
	}
	return out
}

// --- Transaction event extraction ---
//
// The transaction event list uses one of two discriminator conventions:
// {"CreatedEvent": {...}} or {"created": {...}}, and likewise for exercised
// and archived events. All extraction tolerates both.

func transactionEvents(raw RawTransaction) []map[string]any {
	list, ok := raw["events"].([]any)
	if !ok {
		return nil
	}
	events := make([]map[string]any, 0, len(list))
	for _, e := range list {
		if m, ok := e.(map[string]any); ok {
			events = append(events, m)
		}
	}
	return events
}

func eventNode(event map[string]any, keys ...string) (map[string]any, bool) {
	for _, key := range keys {
		if node, ok := event[key].(map[string]any); ok {
			return node, true
		}
	}
	return nil, false
}

// ExerciseResult extracts the first exercised choice's return value from the
// transaction.
func ExerciseResult(raw RawTransaction) (any, error) {
	for _, event := range transactionEvents(raw) {
		if node, ok := eventNode(event, "ExercisedEvent", "exercised"); ok {
			if result, ok := node["exerciseResult"]; ok {
				return result, nil
			}
		}
	}
	return nil, fmt.Errorf("ledger: transaction carries no exercise result")
}

// CreatedContractID extracts the first created contract's identifier from
// the transaction.
func CreatedContractID(raw RawTransaction) (string, error) {
	for _, event := range transactionEvents(raw) {
		if node, ok := eventNode(event, "CreatedEvent", "created"); ok {
			if id, ok := node["contractId"].(string); ok && id != "" {
				return id, nil
			}
		}
	}
	return "", fmt.Errorf("ledger: transaction carries no created contract")
}

// CreatedEvents returns every created event node in the transaction, for
// callers that need to scan for a contract of a particular template.
func CreatedEvents(raw RawTransaction) []map[string]any {
	var created []map[string]any
	for _, event := range transactionEvents(raw) {
		if node, ok := eventNode(event, "CreatedEvent", "created"); ok {
			created = append(created, node)
		}
	}
	return created
}

// DecodePayload converts a contract payload into a typed struct via JSON
// round-trip.
func DecodePayload(payload map[string]any, v any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("ledger: encode payload: %w", err)
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("ledger: decode payload: %w", err)
	}
	return nil
}
