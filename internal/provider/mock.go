package provider

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"orderflow-bot/internal/market"
)

// MockProvider is a deterministic in-memory provider used in tests and
// dry-run operation. Orders fill immediately at the current price.
type MockProvider struct {
	mu      sync.RWMutex
	candles map[string][]market.Candle // "instrument:timeframe"
	prices  map[string]float64
	balance float64
	orders  map[string]*OrderStatus
	placed  []OrderRequest
}

// NewMockProvider creates a mock with the given starting balance
func NewMockProvider(balance float64) *MockProvider {
	return &MockProvider{
		candles: make(map[string][]market.Candle),
		prices:  make(map[string]float64),
		balance: balance,
		orders:  make(map[string]*OrderStatus),
	}
}

// SetCandles seeds the candle window for an instrument/timeframe
func (m *MockProvider) SetCandles(instrument, timeframe string, candles []market.Candle) {
	m.mu.Lock()
	m.candles[instrument+":"+timeframe] = candles
	m.mu.Unlock()
}

// SetPrice seeds the current price for an instrument
func (m *MockProvider) SetPrice(instrument string, price float64) {
	m.mu.Lock()
	m.prices[instrument] = price
	m.mu.Unlock()
}

// SetBalance sets the reported account balance
func (m *MockProvider) SetBalance(balance float64) {
	m.mu.Lock()
	m.balance = balance
	m.mu.Unlock()
}

// PlacedOrders returns every order request received so far
func (m *MockProvider) PlacedOrders() []OrderRequest {
	m.mu.RLock()
	defer m.mu.RUnlock()
	cp := make([]OrderRequest, len(m.placed))
	copy(cp, m.placed)
	return cp
}

func (m *MockProvider) GetCandles(_ context.Context, instrument, timeframe string, count int) ([]market.Candle, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	candles, ok := m.candles[instrument+":"+timeframe]
	if !ok {
		return nil, fmt.Errorf("no candles for %s %s", instrument, timeframe)
	}
	if count > 0 && len(candles) > count {
		candles = candles[len(candles)-count:]
	}
	cp := make([]market.Candle, len(candles))
	copy(cp, candles)
	return cp, nil
}

func (m *MockProvider) GetCurrentPrice(_ context.Context, instrument string) (float64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	price, ok := m.prices[instrument]
	if !ok {
		return 0, fmt.Errorf("no price for %s", instrument)
	}
	return price, nil
}

func (m *MockProvider) PlaceOrder(_ context.Context, req OrderRequest) (*OrderResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	price, ok := m.prices[req.Instrument]
	if !ok {
		return nil, fmt.Errorf("no price for %s", req.Instrument)
	}

	orderID := uuid.New().String()
	m.orders[orderID] = &OrderStatus{
		OrderID:       orderID,
		ClientOrderID: req.ClientOrderID,
		Status:        "FILLED",
		FillPrice:     price,
	}
	m.placed = append(m.placed, req)

	return &OrderResult{
		OrderID:       orderID,
		ClientOrderID: req.ClientOrderID,
		FillPrice:     price,
		FilledAt:      time.Now(),
	}, nil
}

func (m *MockProvider) GetOrderStatus(_ context.Context, orderID string) (*OrderStatus, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if status, ok := m.orders[orderID]; ok {
		return status, nil
	}
	// The caller may only hold its client-side link ID
	for _, status := range m.orders {
		if status.ClientOrderID == orderID {
			return status, nil
		}
	}
	return nil, ErrNotFound
}

func (m *MockProvider) GetBalance(_ context.Context) (float64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.balance, nil
}
