// Package marketdata implements the sync job class: it pulls the instrument
// universe and recent candles from the upstream provider through the
// rate-limited client and reports per-instrument progress.
package marketdata

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/url"

	"github.com/mkarlsen/quantd/internal/client"
	"github.com/mkarlsen/quantd/internal/model"
	"github.com/mkarlsen/quantd/internal/work"
)

const (
	instrumentsPath = "/v1/instruments"
	candlesPath     = "/v1/candles"

	// defaultMaxPages caps pagination per endpoint when the payload does
	// not say otherwise.
	defaultMaxPages = 50
)

// ListFields tells the client which response field carries each endpoint's
// item list.
var ListFields = map[string]string{
	instrumentsPath: "instruments",
	candlesPath:     "candles",
}

// syncPayload is the accepted payload for sync jobs.
type syncPayload struct {
	Symbols  []string `json:"symbols,omitempty"`
	Interval string   `json:"interval,omitempty"`
	MaxPages int      `json:"max_pages,omitempty"`
}

// syncResult summarizes a completed sync.
type syncResult struct {
	Instruments int `json:"instruments"`
	Candles     int `json:"candles"`
}

type instrument struct {
	Symbol string `json:"symbol"`
}

// Syncer builds sync work functions bound to an upstream client.
type Syncer struct {
	client *client.Client
	logger *slog.Logger
}

// NewSyncer creates a syncer using the given upstream client.
func NewSyncer(c *client.Client, logger *slog.Logger) *Syncer {
	return &Syncer{client: c, logger: logger}
}

// Build is the work.Builder for the sync job class.
func (s *Syncer) Build(payload json.RawMessage) work.Func {
	return func(ctx context.Context, report work.ProgressFunc) (json.RawMessage, error) {
		return s.run(ctx, payload, report)
	}
}

func (s *Syncer) run(ctx context.Context, payload json.RawMessage, report work.ProgressFunc) (json.RawMessage, error) {
	var p syncPayload
	if len(payload) > 0 {
		if err := json.Unmarshal(payload, &p); err != nil {
			return nil, fmt.Errorf("decode sync payload: %w", err)
		}
	}
	maxPages := p.MaxPages
	if maxPages <= 0 {
		maxPages = defaultMaxPages
	}

	symbols := p.Symbols
	if len(symbols) == 0 {
		var err error
		symbols, err = s.fetchUniverse(ctx, maxPages)
		if err != nil {
			return nil, err
		}
	}

	report(model.Progress{Current: 0, Total: len(symbols), Message: "syncing candles"})

	result := syncResult{Instruments: len(symbols)}
	for i, symbol := range symbols {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		params := url.Values{"symbol": {symbol}}
		if p.Interval != "" {
			params.Set("interval", p.Interval)
		}
		candles, err := s.client.GetPaginated(ctx, candlesPath, params, maxPages)
		if err != nil {
			return nil, fmt.Errorf("sync candles for %s: %w", symbol, err)
		}
		result.Candles += len(candles)

		report(model.Progress{Current: i + 1, Total: len(symbols), Message: symbol})
	}

	s.logger.Info("market data sync finished",
		"instruments", result.Instruments, "candles", result.Candles)

	out, err := json.Marshal(result)
	if err != nil {
		return nil, fmt.Errorf("encode sync result: %w", err)
	}
	return out, nil
}

// fetchUniverse pages through the instrument list and returns its symbols.
func (s *Syncer) fetchUniverse(ctx context.Context, maxPages int) ([]string, error) {
	items, err := s.client.GetPaginated(ctx, instrumentsPath, nil, maxPages)
	if err != nil {
		return nil, fmt.Errorf("fetch instruments: %w", err)
	}

	symbols := make([]string, 0, len(items))
	for _, raw := range items {
		var inst instrument
		if err := json.Unmarshal(raw, &inst); err != nil {
			return nil, fmt.Errorf("decode instrument: %w", err)
		}
		if inst.Symbol != "" {
			symbols = append(symbols, inst.Symbol)
		}
	}
	return symbols, nil
}
