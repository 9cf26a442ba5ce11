// Package txhistory normalizes the ledger's flats update stream into
// uniform transactions for history and explorer queries.
package txhistory

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/peerlend/ledger-engine/internal/ledger"
	"github.com/peerlend/ledger-engine/internal/model"
	"github.com/peerlend/ledger-engine/internal/party"
)

// maxTransactions bounds every stream response. Callers needing deeper
// history page via fromOffset.
const maxTransactions = 50

// NotFoundError reports a transaction ID absent from the stream window.
type NotFoundError struct {
	ID string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("txhistory: transaction %s not found", e.ID)
}

// Decoder turns raw update-stream bytes into model.Transaction values.
type Decoder struct {
	ledger *ledger.Client
}

func NewDecoder(lc *ledger.Client) *Decoder {
	return &Decoder{ledger: lc}
}

// Stream fetches updates visible to the party beginning exclusive at
// fromOffset (0 for the start) and returns at most the 50 most recent
// transactions in stream order. Non-transaction updates (reassignments,
// offset checkpoints) are skipped.
func (d *Decoder) Stream(ctx context.Context, p party.ID, fromOffset int64) ([]model.Transaction, error) {
	raw, err := d.ledger.Updates(ctx, p, fromOffset)
	if err != nil {
		return nil, err
	}

	entries, err := splitUpdates(raw)
	if err != nil {
		return nil, fmt.Errorf("txhistory: undecodable update stream: %w", err)
	}

	txs := make([]model.Transaction, 0, len(entries))
	for _, entry := range entries {
		tx, ok := decodeTransaction(entry)
		if !ok {
			continue
		}
		txs = append(txs, tx)
	}

	if len(txs) > maxTransactions {
		txs = txs[len(txs)-maxTransactions:]
	}
	return txs, nil
}

// ByID finds one transaction in the party's stream window.
func (d *Decoder) ByID(ctx context.Context, p party.ID, transactionID string) (model.Transaction, error) {
	txs, err := d.Stream(ctx, p, 0)
	if err != nil {
		return model.Transaction{}, err
	}
	for _, tx := range txs {
		if tx.TransactionID == transactionID {
			return tx, nil
		}
	}
	return model.Transaction{}, &NotFoundError{ID: transactionID}
}

// ContractHistory returns, within the stream window, the transactions with
// at least one event touching the contract.
func (d *Decoder) ContractHistory(ctx context.Context, p party.ID, contractID string) ([]model.Transaction, error) {
	txs, err := d.Stream(ctx, p, 0)
	if err != nil {
		return nil, err
	}
	matched := make([]model.Transaction, 0, len(txs))
	for _, tx := range txs {
		for _, ev := range tx.Events {
			if ev.ContractID == contractID {
				matched = append(matched, tx)
				break
			}
		}
	}
	return matched, nil
}

// splitUpdates accepts the endpoint's two body shapes: a single JSON array,
// or newline-delimited JSON objects.
func splitUpdates(raw []byte) ([]map[string]any, error) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 {
		return nil, nil
	}

	if trimmed[0] == '[' {
		var entries []map[string]any
		if err := json.Unmarshal(trimmed, &entries); err != nil {
			return nil, err
		}
		return entries, nil
	}

	var entries []map[string]any
	scanner := bufio.NewScanner(bytes.NewReader(trimmed))
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		var entry map[string]any
		if err := json.Unmarshal(line, &entry); err != nil {
			return nil, err
		}
		entries = append(entries, entry)
	}
	return entries, scanner.Err()
}

// decodeTransaction unwraps one stream entry down to its transaction node.
// Entries nest as {"update": {"Transaction": {"value": {...}}}}, with each
// layer of wrapping optional.
func decodeTransaction(entry map[string]any) (model.Transaction, bool) {
	node := entry
	if inner, ok := node["update"].(map[string]any); ok {
		node = inner
	}
	if inner, ok := node["Transaction"].(map[string]any); ok {
		node = inner
	}
	if inner, ok := node["value"].(map[string]any); ok {
		node = inner
	}

	id := stringField(node, "updateId", "transactionId")
	if id == "" {
		return model.Transaction{}, false
	}

	tx := model.Transaction{
		TransactionID: id,
		Offset:        int64(floatField(node, "offset")),
	}
	if at := stringField(node, "effectiveAt", "recordTime"); at != "" {
		if parsed, err := time.Parse(time.RFC3339, at); err == nil {
			tx.EffectiveAt = parsed
		}
	}

	list, _ := node["events"].([]any)
	for _, e := range list {
		wrapper, ok := e.(map[string]any)
		if !ok {
			continue
		}
		ev, ok := decodeEvent(wrapper)
		if !ok {
			slog.Debug("skipping unrecognized stream event", "transaction_id", id)
			continue
		}
		tx.Events = append(tx.Events, ev)
	}
	return tx, true
}

// decodeEvent normalizes the two discriminator conventions into one tagged
// event.
func decodeEvent(wrapper map[string]any) (model.TransactionEvent, bool) {
	kinds := []struct {
		keys      [2]string
		eventType string
	}{
		{[2]string{"CreatedEvent", "created"}, model.EventCreated},
		{[2]string{"ArchivedEvent", "archived"}, model.EventArchived},
		{[2]string{"ExercisedEvent", "exercised"}, model.EventExercised},
	}

	for _, kind := range kinds {
		for _, key := range kind.keys {
			node, ok := wrapper[key].(map[string]any)
			if !ok {
				continue
			}
			ev := model.TransactionEvent{
				EventType:  kind.eventType,
				ContractID: stringField(node, "contractId"),
				TemplateID: stringField(node, "templateId"),
				EventID:    stringField(node, "eventId"),
			}
			switch kind.eventType {
			case model.EventCreated:
				ev.Payload, _ = firstMap(node, "createArgument", "createArguments")
			case model.EventExercised:
				ev.Choice = stringField(node, "choice")
				ev.Argument, _ = firstMap(node, "choiceArgument")
			}
			return ev, true
		}
	}
	return model.TransactionEvent{}, false
}

func stringField(node map[string]any, keys ...string) string {
	for _, key := range keys {
		if s, ok := node[key].(string); ok && s != "" {
			return s
		}
	}
	return ""
}

func floatField(node map[string]any, key string) float64 {
	f, _ := node[key].(float64)
	return f
}

func firstMap(node map[string]any, keys ...string) (map[string]any, bool) {
	for _, key := range keys {
		if m, ok := node[key].(map[string]any); ok {
			return m, true
		}
	}
	return nil, false
}
