package provider

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"orderflow-bot/internal/market"
)

// RetryConfig controls the centralized backoff policy for provider reads
type RetryConfig struct {
	MaxRetries int
	Backoff    time.Duration
	Timeout    time.Duration
}

// RetryingProvider wraps a Provider with a single retry policy so call
// sites never roll their own. Read calls retry with exponential backoff;
// order submission is never auto-retried (a failed submit may still have
// reached the venue) and surfaces ErrUnknownOutcome instead.
type RetryingProvider struct {
	inner  Provider
	cfg    RetryConfig
	logger zerolog.Logger
}

// NewRetryingProvider wraps inner with the retry policy
func NewRetryingProvider(inner Provider, cfg RetryConfig, logger zerolog.Logger) *RetryingProvider {
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 3
	}
	if cfg.Backoff <= 0 {
		cfg.Backoff = 2 * time.Second
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	return &RetryingProvider{inner: inner, cfg: cfg, logger: logger}
}

func (p *RetryingProvider) retryRead(ctx context.Context, op string, fn func(context.Context) error) error {
	var lastErr error
	backoff := p.cfg.Backoff

	for attempt := 0; attempt <= p.cfg.MaxRetries; attempt++ {
		callCtx, cancel := context.WithTimeout(ctx, p.cfg.Timeout)
		err := fn(callCtx)
		cancel()
		if err == nil {
			return nil
		}
		lastErr = err

		if attempt < p.cfg.MaxRetries {
			p.logger.Debug().Err(err).Str("op", op).Int("attempt", attempt+1).Msg("provider read failed, backing off")
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return ctx.Err()
			}
			backoff *= 2
		}
	}
	return fmt.Errorf("%s failed after %d attempts: %w", op, p.cfg.MaxRetries+1, lastErr)
}

func (p *RetryingProvider) GetCandles(ctx context.Context, instrument, timeframe string, count int) ([]market.Candle, error) {
	var candles []market.Candle
	err := p.retryRead(ctx, "get_candles", func(ctx context.Context) error {
		var err error
		candles, err = p.inner.GetCandles(ctx, instrument, timeframe, count)
		return err
	})
	return candles, err
}

func (p *RetryingProvider) GetCurrentPrice(ctx context.Context, instrument string) (float64, error) {
	var price float64
	err := p.retryRead(ctx, "get_current_price", func(ctx context.Context) error {
		var err error
		price, err = p.inner.GetCurrentPrice(ctx, instrument)
		return err
	})
	return price, err
}

func (p *RetryingProvider) GetBalance(ctx context.Context) (float64, error) {
	var balance float64
	err := p.retryRead(ctx, "get_balance", func(ctx context.Context) error {
		var err error
		balance, err = p.inner.GetBalance(ctx)
		return err
	})
	return balance, err
}

func (p *RetryingProvider) GetOrderStatus(ctx context.Context, orderID string) (*OrderStatus, error) {
	var status *OrderStatus
	err := p.retryRead(ctx, "get_order_status", func(ctx context.Context) error {
		var err error
		status, err = p.inner.GetOrderStatus(ctx, orderID)
		return err
	})
	return status, err
}

// PlaceOrder submits exactly once. Any transport failure is reported as
// ErrUnknownOutcome so the caller reconciles via GetOrderStatus instead of
// resubmitting.
func (p *RetryingProvider) PlaceOrder(ctx context.Context, req OrderRequest) (*OrderResult, error) {
	callCtx, cancel := context.WithTimeout(ctx, p.cfg.Timeout)
	defer cancel()

	result, err := p.inner.PlaceOrder(callCtx, req)
	if err != nil {
		p.logger.Error().Err(err).
			Str("instrument", req.Instrument).
			Str("client_order_id", req.ClientOrderID).
			Msg("order submission failed, outcome unknown")
		return nil, fmt.Errorf("%w: %v", ErrUnknownOutcome, err)
	}
	return result, nil
}
