package memory

import (
	"context"
	"errors"
	"testing"
	"time"

	"donaarepa/backend/internal/domain"
	"donaarepa/backend/internal/store"
)

func TestSessionLedgerOnlyIncludesBatchesInsideWindow(t *testing.T) {
	ctx := context.Background()
	clock := time.Date(2026, 3, 2, 8, 0, 0, 0, time.UTC)
	s := NewSeeded(24 * time.Hour).WithClock(func() time.Time { return clock })

	ing, err := s.CreateIngredient(ctx, domain.Ingredient{Name: "Harina", Unit: "g"})
	if err != nil {
		t.Fatalf("create ingredient: %v", err)
	}

	// Deposit before the session opens.
	if _, err := s.DepositBatch(ctx, ing.ID, 500, 5.0); err != nil {
		t.Fatalf("deposit: %v", err)
	}

	clock = clock.Add(time.Hour)
	if _, err := s.OpenSession(ctx, 0); err != nil {
		t.Fatalf("open session: %v", err)
	}

	clock = clock.Add(time.Hour)
	if _, err := s.DepositBatch(ctx, ing.ID, 300, 6.0); err != nil {
		t.Fatalf("deposit inside window: %v", err)
	}

	clock = clock.Add(time.Hour)
	if _, err := s.CloseSession(ctx); err != nil {
		t.Fatalf("close session: %v", err)
	}

	// Deposit after close must not count either.
	clock = clock.Add(time.Hour)
	if _, err := s.DepositBatch(ctx, ing.ID, 200, 6.0); err != nil {
		t.Fatalf("deposit after close: %v", err)
	}

	ledgers, err := s.ListClosedSessionLedgers(ctx)
	if err != nil {
		t.Fatalf("list ledgers: %v", err)
	}
	if len(ledgers) != 1 {
		t.Fatalf("ledgers = %d, want 1", len(ledgers))
	}
	if len(ledgers[0].Batches) != 1 {
		t.Fatalf("batches in window = %d, want 1", len(ledgers[0].Batches))
	}
	if ledgers[0].Batches[0].UnitCost != 6.0 || ledgers[0].Batches[0].QtyInitial != 300 {
		t.Fatalf("window batch = %+v", ledgers[0].Batches[0])
	}
}

func TestIngredientNamesAreUnique(t *testing.T) {
	ctx := context.Background()
	s := NewSeeded(24 * time.Hour)

	harina, err := s.CreateIngredient(ctx, domain.Ingredient{Name: "Harina", Unit: "g"})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := s.CreateIngredient(ctx, domain.Ingredient{Name: "Harina", Unit: "kg"}); !errors.Is(err, store.ErrInUse) {
		t.Fatalf("duplicate create err = %v, want ErrInUse", err)
	}

	queso, err := s.CreateIngredient(ctx, domain.Ingredient{Name: "Queso", Unit: "g"})
	if err != nil {
		t.Fatalf("create second: %v", err)
	}
	// Renaming onto a taken name is rejected too.
	_, err = s.CorrectIngredient(ctx, domain.IngredientCorrectRequest{
		ID: queso.ID, Name: "Harina", Unit: "g", Stock: 0,
	})
	if !errors.Is(err, store.ErrInUse) {
		t.Fatalf("rename err = %v, want ErrInUse", err)
	}
	// A correction keeping its own name still goes through.
	if _, err := s.CorrectIngredient(ctx, domain.IngredientCorrectRequest{
		ID: harina.ID, Name: "Harina", Unit: "g", Stock: 50,
	}); err != nil {
		t.Fatalf("self-rename correction: %v", err)
	}
}

func TestCreateSaleRejectsStaleSessionID(t *testing.T) {
	ctx := context.Background()
	s := NewSeeded(24 * time.Hour)

	first, err := s.OpenSession(ctx, 0)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if _, err := s.CloseSession(ctx); err != nil {
		t.Fatalf("close: %v", err)
	}
	if _, err := s.OpenSession(ctx, 0); err != nil {
		t.Fatalf("reopen: %v", err)
	}

	_, err = s.CreateSale(ctx, domain.Sale{SessionID: first.ID}, nil)
	if !errors.Is(err, store.ErrSessionClosed) {
		t.Fatalf("err = %v, want ErrSessionClosed", err)
	}
}

func TestStockGoesNegativeWhenBatchesRunOut(t *testing.T) {
	ctx := context.Background()
	s := NewSeeded(24 * time.Hour)

	ing, err := s.CreateIngredient(ctx, domain.Ingredient{Name: "Harina", Unit: "g", Stock: 100})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := s.OpenSession(ctx, 0); err != nil {
		t.Fatalf("open: %v", err)
	}
	sess, _ := s.GetOpenSession(ctx)

	if _, err := s.CreateSale(ctx, domain.Sale{SessionID: sess.ID}, map[string]float64{ing.ID: 250}); err != nil {
		t.Fatalf("sale: %v", err)
	}

	got, err := s.GetIngredient(ctx, ing.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	// The unattributed excess still decrements the running total.
	if got.Stock != -150 {
		t.Fatalf("stock = %v, want -150", got.Stock)
	}
	for _, b := range got.Batches {
		if b.QtyRemaining != 0 {
			t.Fatalf("batch remaining = %v, want 0", b.QtyRemaining)
		}
	}
}
