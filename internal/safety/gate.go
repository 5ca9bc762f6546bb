package safety

import (
	"context"
	"fmt"
	"sync"

	"github.com/rs/zerolog"

	"orderflow-bot/internal/database"
	"orderflow-bot/internal/risk"
)

// Confirmation modes
const (
	ModeManual    = "manual"
	ModeAutomatic = "automatic"
)

// ReasonAwaitingConfirmation is the block reason for a candidate held at
// the gate in manual mode. Callers treat it as a hold, not a rejection.
const ReasonAwaitingConfirmation = "awaiting manual confirmation"

// EntryRequest is a fully sized candidate arriving at the gate
type EntryRequest struct {
	Signal          *database.Signal
	Plan            *risk.Plan
	Size            float64 // Final size after filter rescaling
	Balance         float64
	DayStartBalance float64
	OpenTrades      []database.Trade
}

// Gate runs the ordered safety checks on every entry. A false result means
// the entry is blocked; the reason string names the failing check.
type Gate struct {
	stop                *StopSwitch
	dailyLossLimit      float64
	maxPositionFraction float64
	portfolioRiskCap    float64
	minTradeSize        float64
	mode                string
	logger              zerolog.Logger

	mu       sync.Mutex
	approved map[string]bool // Signal IDs confirmed by the operator
	awaiting map[string]bool // Signal IDs held pending confirmation
}

// NewGate creates the safety gate
func NewGate(stop *StopSwitch, dailyLossLimit, maxPositionFraction, portfolioRiskCap, minTradeSize float64, mode string, logger zerolog.Logger) *Gate {
	return &Gate{
		stop:                stop,
		dailyLossLimit:      dailyLossLimit,
		maxPositionFraction: maxPositionFraction,
		portfolioRiskCap:    portfolioRiskCap,
		minTradeSize:        minTradeSize,
		mode:                mode,
		approved:            make(map[string]bool),
		awaiting:            make(map[string]bool),
		logger:              logger,
	}
}

// CanEnter runs the checks in order: emergency stop, daily loss limit,
// position size limits, confirmation. Stops at the first failure.
func (g *Gate) CanEnter(ctx context.Context, req *EntryRequest) (bool, string) {
	if engaged, reason := g.stop.Engaged(ctx); engaged {
		return false, reason
	}

	if ok, reason := g.checkDailyLoss(req); !ok {
		return false, reason
	}

	if ok, reason := g.checkPositionSize(req); !ok {
		return false, reason
	}

	if ok, reason := g.checkConfirmation(req.Signal.ID); !ok {
		return false, reason
	}

	return true, ""
}

func (g *Gate) checkDailyLoss(req *EntryRequest) (bool, string) {
	if g.dailyLossLimit <= 0 || req.DayStartBalance <= 0 {
		return true, ""
	}
	floor := req.DayStartBalance * (1 - g.dailyLossLimit)
	if req.Balance < floor {
		return false, fmt.Sprintf("daily loss limit exceeded: balance %.2f below floor %.2f (%.0f%% of day start %.2f)",
			req.Balance, floor, (1-g.dailyLossLimit)*100, req.DayStartBalance)
	}
	return true, ""
}

func (g *Gate) checkPositionSize(req *EntryRequest) (bool, string) {
	if req.Size < g.minTradeSize {
		return false, fmt.Sprintf("size %.6f below venue minimum %.6f", req.Size, g.minTradeSize)
	}

	if req.Balance <= 0 {
		return false, "no available balance"
	}

	notional := req.Size * req.Plan.EntryPrice
	maxNotional := req.Balance * g.maxPositionFraction
	if g.maxPositionFraction > 0 && notional > maxNotional {
		return false, fmt.Sprintf("notional %.2f exceeds max position %.2f (%.0f%% of balance)",
			notional, maxNotional, g.maxPositionFraction*100)
	}

	if g.portfolioRiskCap > 0 {
		openRisk := 0.0
		for _, t := range req.OpenTrades {
			openRisk += t.RiskAmount
		}
		projected := openRisk + req.Plan.RiskAmount
		riskCap := req.Balance * g.portfolioRiskCap
		if projected > riskCap {
			return false, fmt.Sprintf("projected open risk %.2f exceeds portfolio cap %.2f", projected, riskCap)
		}
	}

	return true, ""
}

func (g *Gate) checkConfirmation(signalID string) (bool, string) {
	if g.mode != ModeManual {
		return true, ""
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	if g.approved[signalID] {
		delete(g.approved, signalID)
		delete(g.awaiting, signalID)
		return true, ""
	}
	g.awaiting[signalID] = true
	return false, ReasonAwaitingConfirmation
}

// Approve marks a signal as confirmed by the operator. Only meaningful in
// manual mode; approval is consumed by the next CanEnter for that signal.
func (g *Gate) Approve(signalID string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.approved[signalID] = true
	g.logger.Info().Str("signal_id", signalID).Msg("entry confirmed by operator")
}

// AwaitingConfirmation reports whether a signal is held at the gate
// pending operator approval
func (g *Gate) AwaitingConfirmation(signalID string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.awaiting[signalID]
}

// Forget drops gate state for a signal that expired or was cancelled
func (g *Gate) Forget(signalID string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.approved, signalID)
	delete(g.awaiting, signalID)
}
