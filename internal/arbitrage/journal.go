package arbitrage

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/alanyoungcy/updownarb/internal/domain"
)

// Journal appends every emitted signal to the signals stream.
type Journal struct {
	bus domain.EventBus
}

// NewJournal creates a journal on bus.
func NewJournal(bus domain.EventBus) *Journal {
	return &Journal{bus: bus}
}

type signalRecord struct {
	MarketID  string  `json:"market_id"`
	Symbol    string  `json:"symbol"`
	Slug      string  `json:"slug"`
	YesAsk    float64 `json:"yes_ask"`
	NoAsk     float64 `json:"no_ask"`
	Edge      float64 `json:"edge"`
	Size      float64 `json:"size"`
	Seq       uint64  `json:"seq"`
	WindowEnd string  `json:"window_end"`
	CreatedAt string  `json:"created_at"`
}

// Record appends sig to domain.StreamSignals.
func (j *Journal) Record(ctx context.Context, sig domain.ArbitrageSignal) error {
	payload, err := json.Marshal(signalRecord{
		MarketID:  sig.Market.ID,
		Symbol:    sig.Market.Symbol,
		Slug:      sig.Market.Slug,
		YesAsk:    sig.YesAsk,
		NoAsk:     sig.NoAsk,
		Edge:      sig.Edge,
		Size:      sig.Size,
		Seq:       sig.Seq,
		WindowEnd: sig.Market.WindowEnd.UTC().Format(time.RFC3339),
		CreatedAt: sig.CreatedAt.UTC().Format(time.RFC3339Nano),
	})
	if err != nil {
		return fmt.Errorf("arbitrage: marshal signal: %w", err)
	}
	if err := j.bus.StreamAppend(ctx, domain.StreamSignals, payload); err != nil {
		return fmt.Errorf("arbitrage: journal signal: %w", err)
	}
	return nil
}
