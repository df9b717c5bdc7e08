package partner

import (
	"fmt"
	"slices"

	"github.com/shopspring/decimal"

	"github.com/odyssey-erp/odyssey-ledger/internal/shared"
)

// Places is the rounding precision of partner amounts.
const Places int32 = 2

// Line is one document line and the weight it carries in the split.
type Line struct {
	Ref     string          `json:"ref" validate:"required"`
	Portion decimal.Decimal `json:"portion"`
}

// Allocation is the share of a document total assigned to one line.
type Allocation struct {
	Ref       string          `json:"ref"`
	Portion   decimal.Decimal `json:"portion"`
	Allocated decimal.Decimal `json:"allocated"`
}

// AllocationSet is a complete split of Total. Lines always sum to Total.
type AllocationSet struct {
	Total decimal.Decimal `json:"total"`
	Lines []Allocation    `json:"lines"`
}

// Sum adds up the allocated amounts.
func (s AllocationSet) Sum() decimal.Decimal {
	sum := decimal.Zero
	for _, line := range s.Lines {
		sum = sum.Add(line.Allocated)
	}
	return sum
}

// Refs lists the line refs in allocation order.
func (s AllocationSet) Refs() []string {
	refs := make([]string, 0, len(s.Lines))
	for _, line := range s.Lines {
		refs = append(refs, line.Ref)
	}
	return refs
}

// Allocate splits total across lines in proportion to their portions. Every
// line but the last is rounded to cents and the last takes the residual, so
// the set is exact. A positive total never yields a negative line. Lines
// that end up with nothing are dropped.
func Allocate(total decimal.Decimal, lines []Line) (AllocationSet, error) {
	if len(lines) == 0 {
		return AllocationSet{}, fmt.Errorf("%w: partner: no lines to allocate", shared.ErrValidation)
	}
	total = total.Round(Places)
	sum := decimal.Zero
	for _, line := range lines {
		if line.Ref == "" {
			return AllocationSet{}, fmt.Errorf("%w: partner: line ref required", shared.ErrValidation)
		}
		if line.Portion.IsNegative() && !total.IsNegative() {
			return AllocationSet{}, fmt.Errorf("%w: partner: negative portion on %s", shared.ErrValidation, line.Ref)
		}
		sum = sum.Add(line.Portion)
	}
	if sum.IsZero() {
		return AllocationSet{}, fmt.Errorf("%w: partner: portions sum to zero", shared.ErrValidation)
	}

	shares := make([]decimal.Decimal, len(lines))
	assigned := decimal.Zero
	last := len(lines) - 1
	for i, line := range lines[:last] {
		shares[i] = total.Mul(line.Portion).Div(sum).Round(Places)
		assigned = assigned.Add(shares[i])
	}
	shares[last] = total.Sub(assigned)
	clampResidual(total, shares)

	set := AllocationSet{Total: total, Lines: make([]Allocation, 0, len(lines))}
	for i, line := range lines {
		if shares[i].IsZero() {
			continue
		}
		set.Lines = append(set.Lines, Allocation{Ref: line.Ref, Portion: line.Portion, Allocated: shares[i]})
	}
	if !set.Sum().Equal(total) {
		return AllocationSet{}, fmt.Errorf("partner: allocate %s: %w", total, shared.ErrAllocationMismatch)
	}
	return set, nil
}

// clampResidual keeps the last share of a positive total from going below
// zero. Rounding up several earlier shares can overshoot the total by a few
// cents; the overshoot is taken back from the earlier shares, latest first.
func clampResidual(total decimal.Decimal, shares []decimal.Decimal) {
	last := len(shares) - 1
	if !total.IsPositive() || !shares[last].IsNegative() {
		return
	}
	excess := shares[last].Neg()
	shares[last] = decimal.Zero
	for i := last - 1; i >= 0 && excess.IsPositive(); i-- {
		take := decimal.Min(shares[i], excess)
		shares[i] = shares[i].Sub(take)
		excess = excess.Sub(take)
	}
}

// Carryover spreads money already paid against oldRefs over the new set.
// Old lines receive it in proportion to their new allocations and are capped
// at them. Whatever does not fit spills into lines with headroom, old lines
// first. The remainder that fits nowhere is returned as unapplied.
func Carryover(set AllocationSet, oldRefs []string, paid decimal.Decimal) (map[string]decimal.Decimal, decimal.Decimal) {
	paidByRef := make(map[string]decimal.Decimal, len(set.Lines))
	if !paid.IsPositive() {
		return paidByRef, decimal.Zero
	}

	var old, fresh []Allocation
	for _, line := range set.Lines {
		if slices.Contains(oldRefs, line.Ref) {
			old = append(old, line)
		} else {
			fresh = append(fresh, line)
		}
	}

	remaining := paid
	weights := make([]Line, 0, len(old))
	for _, line := range old {
		if line.Allocated.IsPositive() {
			weights = append(weights, Line{Ref: line.Ref, Portion: line.Allocated})
		}
	}
	if len(weights) > 0 {
		if shares, err := Allocate(paid, weights); err == nil {
			remaining = decimal.Zero
			for _, share := range shares.Lines {
				capped := decimal.Min(share.Allocated, allocatedOf(set, share.Ref))
				paidByRef[share.Ref] = capped
				remaining = remaining.Add(share.Allocated.Sub(capped))
			}
		}
	}

	for _, line := range slices.Concat(old, fresh) {
		if !remaining.IsPositive() {
			break
		}
		headroom := line.Allocated.Sub(paidByRef[line.Ref])
		if !headroom.IsPositive() {
			continue
		}
		add := decimal.Min(headroom, remaining)
		paidByRef[line.Ref] = paidByRef[line.Ref].Add(add)
		remaining = remaining.Sub(add)
	}
	return paidByRef, remaining
}

func allocatedOf(set AllocationSet, ref string) decimal.Decimal {
	for _, line := range set.Lines {
		if line.Ref == ref {
			return line.Allocated
		}
	}
	return decimal.Zero
}

// Status is the settlement state of a partner account line.
type Status string

const (
	StatusUnpaid  Status = "unpaid"
	StatusPartial Status = "partial"
	StatusPaid    Status = "paid"
)

// StatusOf derives the line status from its allocated and paid amounts.
func StatusOf(allocated, paid decimal.Decimal) Status {
	switch {
	case paid.GreaterThanOrEqual(allocated):
		return StatusPaid
	case paid.IsPositive():
		return StatusPartial
	default:
		return StatusUnpaid
	}
}
