package postgres

import (
	"context"
	"errors"
	"os"
	"testing"
	"time"

	"donaarepa/backend/internal/domain"
	"donaarepa/backend/internal/store"
)

// Integration tests need a disposable database; set TEST_DATABASE_URL to
// run them.
func openTestStore(t *testing.T) *Store {
	t.Helper()
	url := os.Getenv("TEST_DATABASE_URL")
	if url == "" {
		t.Skip("TEST_DATABASE_URL not set")
	}
	s, err := New(context.Background(), url, 24*time.Hour)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestLedgerRoundTrip(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	ing, err := s.CreateIngredient(ctx, domain.Ingredient{Name: "Harina IT", Unit: "g"})
	if err != nil {
		t.Fatalf("create ingredient: %v", err)
	}
	t.Cleanup(func() { _ = s.DeleteIngredient(ctx, ing.ID) })

	// Names are unique across ingredients.
	if _, err := s.CreateIngredient(ctx, domain.Ingredient{Name: "Harina IT", Unit: "kg"}); !errors.Is(err, store.ErrInUse) {
		t.Fatalf("duplicate name err = %v, want ErrInUse", err)
	}

	if err := s.SetProduct(ctx, domain.IngredientProduct{
		IngredientID: ing.ID, PackPrice: 50000, PackQty: 10000,
	}); err != nil {
		t.Fatalf("set product: %v", err)
	}

	got, err := s.DepositBatch(ctx, ing.ID, 1000, 5.0)
	if err != nil {
		t.Fatalf("deposit: %v", err)
	}
	if got.Stock != 1000 || len(got.Batches) != 1 {
		t.Fatalf("after first deposit: %+v", got)
	}

	// Same cost inside the window folds into the existing batch.
	got, err = s.DepositBatch(ctx, ing.ID, 500, 5.0)
	if err != nil {
		t.Fatalf("second deposit: %v", err)
	}
	if len(got.Batches) != 1 || got.Batches[0].QtyRemaining != 1500 {
		t.Fatalf("merge failed: %+v", got.Batches)
	}

	// A different cost opens a new batch.
	got, err = s.DepositBatch(ctx, ing.ID, 300, 6.0)
	if err != nil {
		t.Fatalf("third deposit: %v", err)
	}
	if len(got.Batches) != 2 {
		t.Fatalf("reprice should open a batch: %+v", got.Batches)
	}

	got, err = s.CorrectIngredient(ctx, domain.IngredientCorrectRequest{
		ID: ing.ID, Name: "Harina IT", Unit: "g", Stock: 1200,
	})
	if err != nil {
		t.Fatalf("correct: %v", err)
	}
	if got.Stock != 1200 {
		t.Fatalf("stock = %v, want 1200", got.Stock)
	}
	var sum float64
	for _, b := range got.Batches {
		sum += b.QtyRemaining
	}
	if sum != 1200 {
		t.Fatalf("batch remainders = %v, want 1200", sum)
	}
}

func TestOpenSessionConflict(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	if _, err := s.GetOpenSession(ctx); err == nil {
		t.Skip("a session is already open in the test database")
	}

	sess, err := s.OpenSession(ctx, 0)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() { _, _ = s.CloseSession(ctx) })

	if _, err := s.OpenSession(ctx, 0); !errors.Is(err, store.ErrInUse) {
		t.Fatalf("second open err = %v, want ErrInUse", err)
	}
	if sess.Status != domain.SessionStatusOpen {
		t.Fatalf("status = %q", sess.Status)
	}
}
