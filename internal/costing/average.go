// Package costing computes weighted-average unit costs for inventory.
package costing

import "github.com/shopspring/decimal"

// Scale is the number of decimal places kept on average unit costs.
const Scale int32 = 6

// Receive returns the average cost after qty units at unitCost are added to
// onHand units valued at avgCost. The result is zero when nothing remains on hand.
func Receive(onHand, avgCost, qty, unitCost decimal.Decimal) decimal.Decimal {
	total := onHand.Add(qty)
	if !total.IsPositive() {
		return decimal.Zero
	}
	value := onHand.Mul(avgCost).Add(qty.Mul(unitCost))
	return value.DivRound(total, Scale)
}

// Reverse undoes a receipt of qty units at unitCost. Cost basis is meaningless
// once stock reaches zero or goes negative, so the average resets to zero then.
func Reverse(onHand, avgCost, qty, unitCost decimal.Decimal) decimal.Decimal {
	remaining := onHand.Sub(qty)
	if !remaining.IsPositive() {
		return decimal.Zero
	}
	value := onHand.Mul(avgCost).Sub(qty.Mul(unitCost))
	avg := value.DivRound(remaining, Scale)
	if avg.IsNegative() {
		return decimal.Zero
	}
	return avg
}

// Value is the stock valuation of qty units at avgCost.
func Value(qty, avgCost decimal.Decimal) decimal.Decimal {
	return qty.Mul(avgCost).Round(2)
}
