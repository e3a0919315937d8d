package engine

import (
	"errors"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"

	"tradegate/internal/domain"
)

// ErrInvalidOrder is wrapped by every pre-trade rejection.
var ErrInvalidOrder = errors.New("invalid order")

// RiskManager enforces pre-trade checks before an order reaches an
// exchange.
type RiskManager struct {
	maxNotional decimal.Decimal
}

// NewRiskManager creates a RiskManager. A zero maxNotional disables the
// notional cap.
func NewRiskManager(maxNotional decimal.Decimal) *RiskManager {
	return &RiskManager{maxNotional: maxNotional}
}

// CheckOrder rejects orders with a missing symbol, an unknown side, a
// non-positive price or amount, or a notional above the cap.
func (rm *RiskManager) CheckOrder(o domain.Order) error {
	switch {
	case strings.TrimSpace(o.Symbol) == "":
		return fmt.Errorf("%w: symbol is required", ErrInvalidOrder)
	case !o.Side.Valid():
		return fmt.Errorf("%w: side %q", ErrInvalidOrder, o.Side)
	case !o.Price.IsPositive():
		return fmt.Errorf("%w: price must be positive", ErrInvalidOrder)
	case !o.Amount.IsPositive():
		return fmt.Errorf("%w: amount must be positive", ErrInvalidOrder)
	}
	if rm.maxNotional.IsPositive() {
		if n := o.Price.Mul(o.Amount); n.GreaterThan(rm.maxNotional) {
			return fmt.Errorf("%w: notional %s exceeds %s", ErrInvalidOrder, n, rm.maxNotional)
		}
	}
	return nil
}
