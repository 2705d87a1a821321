// Package ledger holds the pure batch arithmetic shared by the postgres
// and in-memory stores: FIFO withdrawal, newest-first trimming and the
// same-cost merge rule for deposits.
package ledger

import (
	"math"
	"sort"
	"time"

	"donaarepa/backend/internal/domain"
)

// CostTolerance bounds the float comparison when deciding whether two
// unit costs are the same for merge purposes.
const CostTolerance = 1e-6

// Round6 rounds to six decimal places. Every stored quantity and unit
// cost passes through here after division.
func Round6(v float64) float64 {
	return math.Round(v*1e6) / 1e6
}

// UnitCost derives the per-unit cost from a pack purchase.
func UnitCost(packPrice int64, packQty float64) float64 {
	if packQty <= 0 {
		return 0
	}
	return Round6(float64(packPrice) / packQty)
}

// SortOldestFirst orders batches for FIFO withdrawal. Seq breaks ties on
// equal creation times.
func SortOldestFirst(batches []*domain.IngredientBatch) {
	sort.SliceStable(batches, func(i, j int) bool {
		if batches[i].CreatedAt.Equal(batches[j].CreatedAt) {
			return batches[i].Seq < batches[j].Seq
		}
		return batches[i].CreatedAt.Before(batches[j].CreatedAt)
	})
}

// SortNewestFirst orders batches for manual corrections.
func SortNewestFirst(batches []*domain.IngredientBatch) {
	sort.SliceStable(batches, func(i, j int) bool {
		if batches[i].CreatedAt.Equal(batches[j].CreatedAt) {
			return batches[i].Seq > batches[j].Seq
		}
		return batches[i].CreatedAt.After(batches[j].CreatedAt)
	})
}

// FindMergeTarget returns the index of the batch a deposit at unitCost
// should merge into, or -1 when a new batch is required. A batch merges
// when its cost matches within CostTolerance, it still has quantity
// remaining and it was created inside the merge window before now. The
// newest qualifying batch wins.
func FindMergeTarget(batches []*domain.IngredientBatch, unitCost float64, now time.Time, window time.Duration) int {
	cutoff := now.Add(-window)
	best := -1
	for i, b := range batches {
		if b.QtyRemaining <= 0 {
			continue
		}
		if math.Abs(b.UnitCost-unitCost) > CostTolerance {
			continue
		}
		if b.CreatedAt.Before(cutoff) {
			continue
		}
		if best == -1 || b.CreatedAt.After(batches[best].CreatedAt) ||
			(b.CreatedAt.Equal(batches[best].CreatedAt) && b.Seq > batches[best].Seq) {
			best = i
		}
	}
	return best
}

// Consume drains qty from the batches oldest-first, decrementing
// QtyRemaining in place. It returns the quantity actually covered; a
// shortfall means the stock aggregate outran the batch history and the
// excess is simply unattributed.
func Consume(batches []*domain.IngredientBatch, qty float64) float64 {
	SortOldestFirst(batches)
	remaining := qty
	for _, b := range batches {
		if remaining <= 0 {
			break
		}
		if b.QtyRemaining <= 0 {
			continue
		}
		take := math.Min(b.QtyRemaining, remaining)
		b.QtyRemaining = Round6(b.QtyRemaining - take)
		remaining = Round6(remaining - take)
	}
	return Round6(qty - remaining)
}

// Trim removes qty from the batches newest-first, decrementing both
// QtyInitial and QtyRemaining so the removed units never count as batch
// inflow. Used by downward stock corrections.
func Trim(batches []*domain.IngredientBatch, qty float64) float64 {
	SortNewestFirst(batches)
	remaining := qty
	for _, b := range batches {
		if remaining <= 0 {
			break
		}
		if b.QtyRemaining <= 0 {
			continue
		}
		take := math.Min(b.QtyRemaining, remaining)
		b.QtyRemaining = Round6(b.QtyRemaining - take)
		b.QtyInitial = Round6(b.QtyInitial - take)
		remaining = Round6(remaining - take)
	}
	return Round6(qty - remaining)
}

// StockOf sums the remaining quantity across batches.
func StockOf(batches []*domain.IngredientBatch) float64 {
	var total float64
	for _, b := range batches {
		total += b.QtyRemaining
	}
	return Round6(total)
}
