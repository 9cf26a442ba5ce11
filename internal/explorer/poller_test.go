package explorer_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/peerlend/ledger-engine/internal/explorer"
	"github.com/peerlend/ledger-engine/internal/model"
	"github.com/peerlend/ledger-engine/internal/party"
)

const testHex = "a1b2c3d4e5f6a1b2c3d4e5f6a1b2c3d4e5f6a1b2c3d4e5f6a1b2c3d4e5f6a1b2"

var custodian = party.MustParse("custodian::1220" + testHex)

type fakeStream struct {
	batches    [][]model.Transaction
	err        error
	calls      int
	lastOffset int64
}

func (f *fakeStream) Stream(ctx context.Context, p party.ID, fromOffset int64) ([]model.Transaction, error) {
	f.lastOffset = fromOffset
	if f.err != nil {
		return nil, f.err
	}
	if f.calls >= len(f.batches) {
		return nil, nil
	}
	batch := f.batches[f.calls]
	f.calls++
	return batch, nil
}

type fakeSink struct {
	broadcast []model.Transaction
}

func (f *fakeSink) BroadcastTransaction(tx model.Transaction) {
	f.broadcast = append(f.broadcast, tx)
}

func tx(id string, offset int64) model.Transaction {
	return model.Transaction{TransactionID: id, Offset: offset}
}

func TestPoller_BroadcastsOnlyNewTransactions(t *testing.T) {
	source := &fakeStream{batches: [][]model.Transaction{
		{tx("tx-1", 10), tx("tx-2", 11)},
		{tx("tx-2", 11), tx("tx-3", 12)}, // tx-2 seen again at the window edge
	}}
	sink := &fakeSink{}
	p := explorer.NewPoller(source, sink, custodian, time.Second)

	p.Poll(context.Background())
	p.Poll(context.Background())

	if len(sink.broadcast) != 3 {
		t.Fatalf("broadcast %d transactions, want 3: %+v", len(sink.broadcast), sink.broadcast)
	}
	want := []string{"tx-1", "tx-2", "tx-3"}
	for i, id := range want {
		if sink.broadcast[i].TransactionID != id {
			t.Errorf("broadcast[%d] = %s, want %s", i, sink.broadcast[i].TransactionID, id)
		}
	}
	// second poll resumes past the first batch's high-water mark
	if source.lastOffset != 11 {
		t.Errorf("second poll fromOffset = %d, want 11", source.lastOffset)
	}
}

func TestPoller_FetchFailureKeepsOffset(t *testing.T) {
	source := &fakeStream{batches: [][]model.Transaction{{tx("tx-1", 10)}}}
	sink := &fakeSink{}
	p := explorer.NewPoller(source, sink, custodian, time.Second)

	p.Poll(context.Background())
	source.err = errors.New("ledger unavailable")
	p.Poll(context.Background())
	source.err = nil
	p.Poll(context.Background())

	if source.lastOffset != 10 {
		t.Errorf("fromOffset after recovery = %d, want 10", source.lastOffset)
	}
	if len(sink.broadcast) != 1 {
		t.Errorf("broadcast %d transactions, want 1", len(sink.broadcast))
	}
}
