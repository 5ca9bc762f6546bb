package database

import (
	"time"
)

// Direction of a signal or trade
type Direction string

const (
	DirectionLong  Direction = "LONG"
	DirectionShort Direction = "SHORT"
)

// Signal status values
const (
	SignalStatusActive    = "ACTIVE"
	SignalStatusFilled    = "FILLED"
	SignalStatusExpired   = "EXPIRED"
	SignalStatusCancelled = "CANCELLED"
)

// Trade status values
const (
	TradeStatusOpen   = "OPEN"
	TradeStatusClosed = "CLOSED"
)

// Trade close reasons
const (
	CloseReasonTakeProfit  = "TAKE_PROFIT"
	CloseReasonStopLoss    = "STOP_LOSS"
	CloseReasonMaxHoldTime = "MAX_HOLD_TIME_EXCEEDED"
	CloseReasonSession     = "SESSION_CLOSE"
	CloseReasonManual      = "MANUAL_CLOSE"
)

// Signal represents a detected directional candidate
type Signal struct {
	ID         string    `json:"id"`
	Instrument string    `json:"instrument"`
	Direction  Direction `json:"direction"`
	EntryPrice float64   `json:"entry_price"`
	Confluence float64   `json:"confluence"` // 0.0 to 1.0
	Timeframe  string    `json:"timeframe"`  // Timeframe of origin
	Status     string    `json:"status"`
	Reason     *string   `json:"reason,omitempty"` // Cancellation/expiry reason
	CreatedAt  time.Time `json:"created_at"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// Trade represents one instance of capital at risk
type Trade struct {
	ID            string     `json:"id"`
	SignalID      string     `json:"signal_id"`
	Instrument    string     `json:"instrument"`
	Direction     Direction  `json:"direction"`
	EntryPrice    float64    `json:"entry_price"`
	StopLoss      float64    `json:"stop_loss"`
	TakeProfit    float64    `json:"take_profit"`
	TargetType    string     `json:"target_type"` // e.g. 4H_SWING_HIGH, ROUND_LEVEL, ATR_EXTENSION
	RiskReward    float64    `json:"risk_reward"` // Derived from the selected target, recorded verbatim
	Size          float64    `json:"size"`
	RiskAmount    float64    `json:"risk_amount"` // Currency risked; losses never exceed this
	ClientOrderID string     `json:"client_order_id"`
	Status        string     `json:"status"`
	OpenedAt      time.Time  `json:"opened_at"`
	ClosedAt      *time.Time `json:"closed_at,omitempty"`
	CloseReason   *string    `json:"close_reason,omitempty"`
	ExitPrice     *float64   `json:"exit_price,omitempty"`
	RealizedPnL   *float64   `json:"realized_pnl,omitempty"`
}

// LedgerEntry is one appended realized P&L event
type LedgerEntry struct {
	ID           int64     `json:"id"`
	TradeID      string    `json:"trade_id"`
	Instrument   string    `json:"instrument"`
	Amount       float64   `json:"amount"`        // Realized P&L, signed
	BalanceAfter float64   `json:"balance_after"` // Running balance after this entry
	CreatedAt    time.Time `json:"created_at"`
}

// JournalEntry is the human-readable narrative written on every trade close
type JournalEntry struct {
	ID        int64     `json:"id"`
	TradeID   string    `json:"trade_id"`
	Narrative string    `json:"narrative"`
	CreatedAt time.Time `json:"created_at"`
}

// DailyStats holds per-calendar-day counters. Rows are frozen at day
// rollover and retained indefinitely.
type DailyStats struct {
	Day             time.Time `json:"day"` // Calendar day, UTC midnight
	StartingBalance float64   `json:"starting_balance"`
	SignalCount     int       `json:"signal_count"`
	TradeCount      int       `json:"trade_count"`
	RealizedPnL     float64   `json:"realized_pnl"`
	CreatedAt       time.Time `json:"created_at"`
	UpdatedAt       time.Time `json:"updated_at"`
}

// TradeClose bundles everything written atomically when a trade closes
type TradeClose struct {
	TradeID     string
	ExitPrice   float64
	RealizedPnL float64
	Reason      string
	ClosedAt    time.Time
	Narrative   string
}
