// Package provider defines the narrow market-data/order interface the engine
// depends on, plus the centralized retry policy and a deterministic mock.
package provider

import (
	"context"
	"errors"
	"time"

	"orderflow-bot/internal/market"
)

var (
	// ErrNotFound indicates the venue has no record of the order
	ErrNotFound = errors.New("order not found")

	// ErrUnknownOutcome indicates an order submission whose result could not
	// be confirmed. The caller must reconcile by client order ID before
	// assuming failure.
	ErrUnknownOutcome = errors.New("order outcome unknown")
)

// OrderSide is the venue-facing order direction
type OrderSide string

const (
	SideBuy  OrderSide = "BUY"
	SideSell OrderSide = "SELL"
)

// OrderRequest describes an order with protective levels attached
type OrderRequest struct {
	Instrument    string
	Side          OrderSide
	Size          float64
	StopLoss      float64
	TakeProfit    float64
	ClientOrderID string // Engine-generated link ID for reconciliation
}

// OrderResult is the venue's acknowledgement of a placed order
type OrderResult struct {
	OrderID       string
	ClientOrderID string
	FillPrice     float64
	FilledAt      time.Time
}

// OrderStatus reports the venue-side state of an order
type OrderStatus struct {
	OrderID       string
	ClientOrderID string
	Status        string // NEW, FILLED, CANCELLED, REJECTED
	FillPrice     float64
}

// Provider is the narrow interface to the market-data/order venue.
// All calls are synchronous; reads are idempotent and safe to retry.
type Provider interface {
	GetCandles(ctx context.Context, instrument, timeframe string, count int) ([]market.Candle, error)
	GetCurrentPrice(ctx context.Context, instrument string) (float64, error)
	PlaceOrder(ctx context.Context, req OrderRequest) (*OrderResult, error)
	GetOrderStatus(ctx context.Context, orderID string) (*OrderStatus, error)
	GetBalance(ctx context.Context) (float64, error)
}
