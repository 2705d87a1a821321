package ledger

import (
	"math"
	"testing"
	"time"

	"donaarepa/backend/internal/domain"
)

func batch(seq int64, initial, remaining, cost float64, at time.Time) *domain.IngredientBatch {
	return &domain.IngredientBatch{
		ID:           "b",
		IngredientID: "ing",
		Seq:          seq,
		QtyInitial:   initial,
		QtyRemaining: remaining,
		UnitCost:     cost,
		CreatedAt:    at,
	}
}

func TestUnitCostRoundsToSixDecimals(t *testing.T) {
	got := UnitCost(50000, 10000)
	if got != 5.0 {
		t.Fatalf("unit cost = %v, want 5.0", got)
	}
	got = UnitCost(10000, 3)
	want := 3333.333333
	if math.Abs(got-want) > 1e-9 {
		t.Fatalf("unit cost = %v, want %v", got, want)
	}
}

func TestConsumeFIFOAcrossBatches(t *testing.T) {
	now := time.Now()
	batches := []*domain.IngredientBatch{
		batch(2, 5, 5, 6.0, now.Add(time.Hour)),
		batch(1, 5, 5, 5.0, now),
	}

	covered := Consume(batches, 7)
	if covered != 7 {
		t.Fatalf("covered = %v, want 7", covered)
	}

	// Oldest batch drained first.
	SortOldestFirst(batches)
	if batches[0].QtyRemaining != 0 {
		t.Fatalf("oldest remaining = %v, want 0", batches[0].QtyRemaining)
	}
	if batches[1].QtyRemaining != 3 {
		t.Fatalf("newest remaining = %v, want 3", batches[1].QtyRemaining)
	}
	if batches[0].QtyInitial != 5 || batches[1].QtyInitial != 5 {
		t.Fatalf("consume must not touch QtyInitial: %v %v", batches[0].QtyInitial, batches[1].QtyInitial)
	}
}

func TestConsumeTieBreaksOnSeq(t *testing.T) {
	now := time.Now()
	batches := []*domain.IngredientBatch{
		batch(2, 4, 4, 5.0, now),
		batch(1, 4, 4, 5.0, now),
	}

	Consume(batches, 4)

	for _, b := range batches {
		if b.Seq == 1 && b.QtyRemaining != 0 {
			t.Fatalf("seq 1 remaining = %v, want 0", b.QtyRemaining)
		}
		if b.Seq == 2 && b.QtyRemaining != 4 {
			t.Fatalf("seq 2 remaining = %v, want 4", b.QtyRemaining)
		}
	}
}

func TestConsumeReportsShortfall(t *testing.T) {
	now := time.Now()
	batches := []*domain.IngredientBatch{batch(1, 3, 3, 5.0, now)}

	covered := Consume(batches, 10)
	if covered != 3 {
		t.Fatalf("covered = %v, want 3", covered)
	}
	if batches[0].QtyRemaining != 0 {
		t.Fatalf("remaining = %v, want 0", batches[0].QtyRemaining)
	}
}

func TestTrimRemovesNewestFirstFromBothFields(t *testing.T) {
	now := time.Now()
	batches := []*domain.IngredientBatch{
		batch(1, 5, 5, 5.0, now),
		batch(2, 5, 5, 6.0, now.Add(time.Hour)),
	}

	Trim(batches, 6)

	for _, b := range batches {
		switch b.Seq {
		case 2:
			if b.QtyRemaining != 0 || b.QtyInitial != 0 {
				t.Fatalf("newest batch = %v/%v, want 0/0", b.QtyRemaining, b.QtyInitial)
			}
		case 1:
			if b.QtyRemaining != 4 || b.QtyInitial != 4 {
				t.Fatalf("oldest batch = %v/%v, want 4/4", b.QtyRemaining, b.QtyInitial)
			}
		}
	}
}

func TestFindMergeTargetSameCostInsideWindow(t *testing.T) {
	now := time.Now()
	window := 24 * time.Hour
	batches := []*domain.IngredientBatch{
		batch(1, 5, 5, 5.0, now.Add(-2*time.Hour)),
	}

	if idx := FindMergeTarget(batches, 5.0, now, window); idx != 0 {
		t.Fatalf("merge target = %d, want 0", idx)
	}
	// Within float tolerance still merges.
	if idx := FindMergeTarget(batches, 5.0+5e-7, now, window); idx != 0 {
		t.Fatalf("merge target with tolerance = %d, want 0", idx)
	}
}

func TestFindMergeTargetRejectsCostAndWindowMismatch(t *testing.T) {
	now := time.Now()
	window := 24 * time.Hour

	stale := []*domain.IngredientBatch{batch(1, 5, 5, 5.0, now.Add(-25*time.Hour))}
	if idx := FindMergeTarget(stale, 5.0, now, window); idx != -1 {
		t.Fatalf("stale batch merge target = %d, want -1", idx)
	}

	repriced := []*domain.IngredientBatch{batch(1, 5, 5, 5.0, now.Add(-time.Hour))}
	if idx := FindMergeTarget(repriced, 6.0, now, window); idx != -1 {
		t.Fatalf("different cost merge target = %d, want -1", idx)
	}

	drained := []*domain.IngredientBatch{batch(1, 5, 0, 5.0, now.Add(-time.Hour))}
	if idx := FindMergeTarget(drained, 5.0, now, window); idx != -1 {
		t.Fatalf("drained batch merge target = %d, want -1", idx)
	}
}

func TestFindMergeTargetPrefersNewestQualifying(t *testing.T) {
	now := time.Now()
	window := 24 * time.Hour
	batches := []*domain.IngredientBatch{
		batch(1, 5, 5, 5.0, now.Add(-10*time.Hour)),
		batch(2, 5, 5, 5.0, now.Add(-1*time.Hour)),
	}

	if idx := FindMergeTarget(batches, 5.0, now, window); idx != 1 {
		t.Fatalf("merge target = %d, want 1", idx)
	}
}

func TestStockOfSumsRemaining(t *testing.T) {
	now := time.Now()
	batches := []*domain.IngredientBatch{
		batch(1, 5, 2.5, 5.0, now),
		batch(2, 5, 1.25, 6.0, now),
	}
	if got := StockOf(batches); got != 3.75 {
		t.Fatalf("stock = %v, want 3.75", got)
	}
}
