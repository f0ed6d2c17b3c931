package inventory

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/shopspring/decimal"

	"github.com/hanifr/go-storefront-orders/internal/catalog"
	"github.com/hanifr/go-storefront-orders/internal/store"
)

func seedProduct(t *testing.T, db store.Store, id string, qty int) {
	t.Helper()
	p := catalog.Product{
		ID:       id,
		Name:     "widget",
		Price:    decimal.NewFromInt(5),
		Quantity: qty,
		Status:   catalog.StatusActive,
	}
	if err := db.Save(context.Background(), store.ColProducts, id, p); err != nil {
		t.Fatalf("seed: %v", err)
	}
}

func TestTryReserve_Success(t *testing.T) {
	db := store.NewMemory()
	seedProduct(t, db, "p1", 10)
	inv := New(db)

	ok, err := inv.TryReserve(context.Background(), "p1", 3)
	if err != nil || !ok {
		t.Fatalf("expected reserve to succeed, got ok=%v err=%v", ok, err)
	}
	if got, _ := inv.Available(context.Background(), "p1"); got != 7 {
		t.Errorf("expected 7 left, got %d", got)
	}
}

func TestTryReserve_Short(t *testing.T) {
	db := store.NewMemory()
	seedProduct(t, db, "p1", 2)
	inv := New(db)

	ok, err := inv.TryReserve(context.Background(), "p1", 3)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if ok {
		t.Fatal("expected reserve to fail")
	}
	if got, _ := inv.Available(context.Background(), "p1"); got != 2 {
		t.Errorf("failed reserve must not change stock, got %d", got)
	}
}

func TestTryReserve_InvalidQty(t *testing.T) {
	db := store.NewMemory()
	seedProduct(t, db, "p1", 2)
	inv := New(db)

	if _, err := inv.TryReserve(context.Background(), "p1", 0); !errors.Is(err, ErrInvalidQty) {
		t.Errorf("expected ErrInvalidQty, got %v", err)
	}
	if _, err := inv.TryReserve(context.Background(), "nope", 1); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestRelease(t *testing.T) {
	db := store.NewMemory()
	seedProduct(t, db, "p1", 1)
	inv := New(db)

	if err := inv.Release(context.Background(), "p1", 2); err != nil {
		t.Fatalf("release: %v", err)
	}
	if got, _ := inv.Available(context.Background(), "p1"); got != 3 {
		t.Errorf("expected 3, got %d", got)
	}
}

// Exactly initial_quantity reservations may win under contention; stock
// never goes negative.
func TestTryReserve_Concurrent(t *testing.T) {
	initial := 20
	attempts := 100

	db := store.NewMemory()
	seedProduct(t, db, "p1", initial)
	inv := New(db)

	var successCount atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < attempts; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ok, err := inv.TryReserve(context.Background(), "p1", 1)
			if err != nil {
				t.Errorf("reserve: %v", err)
				return
			}
			if ok {
				successCount.Add(1)
			}
		}()
	}
	wg.Wait()

	if got := int(successCount.Load()); got != initial {
		t.Errorf("expected exactly %d successful reservations, got %d", initial, got)
	}
	if got, _ := inv.Available(context.Background(), "p1"); got != 0 {
		t.Errorf("expected 0 left, got %d", got)
	}
}

func TestTryReserve_SaveFailureIsFailure(t *testing.T) {
	db := store.NewMemory()
	seedProduct(t, db, "p1", 5)
	db.FailSaves = true
	inv := New(db)

	ok, err := inv.TryReserve(context.Background(), "p1", 1)
	if err == nil || ok {
		t.Fatalf("expected save failure to fail the reserve, got ok=%v err=%v", ok, err)
	}

	db.FailSaves = false
	if got, _ := inv.Available(context.Background(), "p1"); got != 5 {
		t.Errorf("stock must be unchanged after failed save, got %d", got)
	}
}
