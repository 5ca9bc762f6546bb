package provider

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"orderflow-bot/internal/market"
)

// DryRunProvider reads live market data from the wrapped provider but never
// submits orders: every submission fills locally at the current price.
// Lets the whole pipeline run against a real venue without risking capital.
type DryRunProvider struct {
	inner  Provider
	logger zerolog.Logger

	mu     sync.Mutex
	orders map[string]*OrderStatus
}

// NewDryRunProvider wraps inner with simulated order execution
func NewDryRunProvider(inner Provider, logger zerolog.Logger) *DryRunProvider {
	return &DryRunProvider{
		inner:  inner,
		logger: logger,
		orders: make(map[string]*OrderStatus),
	}
}

func (d *DryRunProvider) GetCandles(ctx context.Context, instrument, timeframe string, count int) ([]market.Candle, error) {
	return d.inner.GetCandles(ctx, instrument, timeframe, count)
}

func (d *DryRunProvider) GetCurrentPrice(ctx context.Context, instrument string) (float64, error) {
	return d.inner.GetCurrentPrice(ctx, instrument)
}

func (d *DryRunProvider) PlaceOrder(ctx context.Context, req OrderRequest) (*OrderResult, error) {
	price, err := d.inner.GetCurrentPrice(ctx, req.Instrument)
	if err != nil {
		return nil, err
	}

	orderID := uuid.New().String()
	status := &OrderStatus{
		OrderID:       orderID,
		ClientOrderID: req.ClientOrderID,
		Status:        "FILLED",
		FillPrice:     price,
	}

	d.mu.Lock()
	d.orders[orderID] = status
	if req.ClientOrderID != "" {
		d.orders[req.ClientOrderID] = status
	}
	d.mu.Unlock()

	d.logger.Info().
		Str("instrument", req.Instrument).
		Str("side", string(req.Side)).
		Float64("size", req.Size).
		Float64("fill", price).
		Msg("dry-run fill")

	return &OrderResult{
		OrderID:       orderID,
		ClientOrderID: req.ClientOrderID,
		FillPrice:     price,
		FilledAt:      time.Now(),
	}, nil
}

func (d *DryRunProvider) GetOrderStatus(_ context.Context, orderID string) (*OrderStatus, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	status, ok := d.orders[orderID]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *status
	return &cp, nil
}

func (d *DryRunProvider) GetBalance(ctx context.Context) (float64, error) {
	return d.inner.GetBalance(ctx)
}
