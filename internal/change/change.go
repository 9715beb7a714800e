// Package change decomposes an owed amount into hopper denominations.
package change

import (
	"fmt"
	"strings"

	"github.com/vendlite/vendlite/internal/hwerr"
)

// Part is one denomination line of a change plan
type Part struct {
	Denomination int64
	Count        int
}

// Plan is a greedy decomposition, largest denomination first. Every
// denomination supplied to Calculate appears, zero counts included.
type Plan struct {
	Amount int64
	Parts  []Part
}

// Calculate repeatedly takes the largest denomination that still fits.
// denominations must be positive, distinct and sorted descending. A
// remainder the set cannot cover exactly is an UnrepresentableAmount error;
// the plan is never rounded.
func Calculate(amount int64, denominations []int64) (Plan, error) {
	if err := checkDenominations(denominations); err != nil {
		return Plan{}, err
	}
	if amount < 0 {
		return Plan{}, hwerr.Newf(hwerr.KindUnrepresentableAmount, "change.Calculate", "negative amount %d", amount)
	}

	plan := Plan{Amount: amount, Parts: make([]Part, 0, len(denominations))}
	remaining := amount
	for _, d := range denominations {
		n := remaining / d
		remaining -= n * d
		plan.Parts = append(plan.Parts, Part{Denomination: d, Count: int(n)})
	}

	if remaining != 0 {
		return Plan{}, hwerr.Newf(hwerr.KindUnrepresentableAmount, "change.Calculate",
			"%d leaves %d with denominations %v", amount, remaining, denominations)
	}
	return plan, nil
}

func checkDenominations(denominations []int64) error {
	if len(denominations) == 0 {
		return hwerr.Configuration("change.Calculate", "empty denomination set")
	}
	for i, d := range denominations {
		if d <= 0 {
			return hwerr.Configuration("change.Calculate", "denomination %d must be positive", d)
		}
		if i > 0 && d >= denominations[i-1] {
			return hwerr.Configuration("change.Calculate", "denominations %v are not strictly descending", denominations)
		}
	}
	return nil
}

// Counts returns the plan as denomination -> count
func (p Plan) Counts() map[int64]int {
	out := make(map[int64]int, len(p.Parts))
	for _, part := range p.Parts {
		out[part.Denomination] = part.Count
	}
	return out
}

// Total sums the plan back into an amount
func (p Plan) Total() int64 {
	var total int64
	for _, part := range p.Parts {
		total += part.Denomination * int64(part.Count)
	}
	return total
}

// NonZero returns only the parts that dispense something
func (p Plan) NonZero() []Part {
	out := make([]Part, 0, len(p.Parts))
	for _, part := range p.Parts {
		if part.Count > 0 {
			out = append(out, part)
		}
	}
	return out
}

func (p Plan) String() string {
	parts := make([]string, len(p.Parts))
	for i, part := range p.Parts {
		parts[i] = fmt.Sprintf("%d:%d", part.Denomination, part.Count)
	}
	return "{" + strings.Join(parts, ", ") + "}"
}
