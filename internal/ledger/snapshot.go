package ledger

import (
	"time"

	"github.com/tradetracker/portfolio-engine/internal/model"
)

// Snapshot records the user's cash and the at-cost value of the open
// positions as they stand after a committed trade.
func Snapshot(id string, cash model.CashBalance, open []model.Position, at time.Time) model.BalanceSnapshot {
	atCost := ValueAtCost(open)
	return model.BalanceSnapshot{
		ID:                  id,
		UserID:              cash.UserID,
		CashBalance:         cash.AvailableCash,
		PositionValueAtCost: atCost,
		Total:               cash.AvailableCash.Add(atCost),
		Timestamp:           at,
	}
}
