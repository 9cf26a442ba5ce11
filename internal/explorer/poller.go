package explorer

import (
	"context"
	"log/slog"
	"time"

	"github.com/peerlend/ledger-engine/internal/model"
	"github.com/peerlend/ledger-engine/internal/party"
)

// StreamSource supplies decoded transactions past an offset.
type StreamSource interface {
	Stream(ctx context.Context, p party.ID, fromOffset int64) ([]model.Transaction, error)
}

// TransactionSink receives transactions for broadcast. *Hub satisfies it.
type TransactionSink interface {
	BroadcastTransaction(tx model.Transaction)
}

// Poller feeds the explorer by periodically pulling the update stream as the
// observing party and broadcasting transactions it has not seen yet. The
// offset high-water mark is in-process only; a restart replays the stream
// window once.
type Poller struct {
	source   StreamSource
	sink     TransactionSink
	observer party.ID
	interval time.Duration
	offset   int64
}

// NewPoller creates a poller observing the stream as the given party,
// normally the custodian since it sees every offer and loan.
func NewPoller(source StreamSource, sink TransactionSink, observer party.ID, interval time.Duration) *Poller {
	return &Poller{source: source, sink: sink, observer: observer, interval: interval}
}

// Run polls until the context is canceled. Must be called in a goroutine.
func (p *Poller) Run(ctx context.Context) {
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.Poll(ctx)
		}
	}
}

// Poll fetches one batch and broadcasts transactions past the high-water
// mark. Fetch failures are logged and retried on the next tick.
func (p *Poller) Poll(ctx context.Context) {
	txs, err := p.source.Stream(ctx, p.observer, p.offset)
	if err != nil {
		slog.Warn("explorer poll failed", "err", err)
		return
	}
	for _, tx := range txs {
		if tx.Offset <= p.offset {
			continue
		}
		p.sink.BroadcastTransaction(tx)
		p.offset = tx.Offset
	}
}
