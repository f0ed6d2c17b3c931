package inventory

import (
	"context"
	"errors"
	"fmt"

	"github.com/hanifr/go-storefront-orders/internal/catalog"
	"github.com/hanifr/go-storefront-orders/internal/store"
	"github.com/hanifr/go-storefront-orders/internal/syncx"
)

var (
	ErrNotFound   = errors.New("inventory: product not found")
	ErrInvalidQty = errors.New("inventory: quantity must be greater than zero")
)

// Store owns Product.quantity. Every mutation runs inside the product's
// critical section and persists before returning, so quantity never goes
// negative and success implies a durable write.
type Store struct {
	db    store.Store
	locks *syncx.KeyMutex
}

func New(db store.Store) *Store {
	return &Store{db: db, locks: syncx.NewKeyMutex(64)}
}

func (s *Store) load(ctx context.Context, productID string) (*catalog.Product, error) {
	var p catalog.Product
	if err := s.db.Load(ctx, store.ColProducts, productID, &p); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &p, nil
}

// TryReserve atomically checks quantity >= qty and decrements. Returns false
// (and changes nothing) when stock is short.
func (s *Store) TryReserve(ctx context.Context, productID string, qty int) (bool, error) {
	if qty <= 0 {
		return false, ErrInvalidQty
	}

	s.locks.Lock(productID)
	defer s.locks.Unlock(productID)

	p, err := s.load(ctx, productID)
	if err != nil {
		return false, err
	}
	if p.Quantity < qty {
		return false, nil
	}
	p.Quantity -= qty
	if err := s.db.Save(ctx, store.ColProducts, p.ID, p); err != nil {
		return false, fmt.Errorf("inventory: save %s: %w", p.ID, err)
	}
	return true, nil
}

// Release returns qty to stock (rollback path).
func (s *Store) Release(ctx context.Context, productID string, qty int) error {
	if qty <= 0 {
		return ErrInvalidQty
	}

	s.locks.Lock(productID)
	defer s.locks.Unlock(productID)

	p, err := s.load(ctx, productID)
	if err != nil {
		return err
	}
	p.Quantity += qty
	if err := s.db.Save(ctx, store.ColProducts, p.ID, p); err != nil {
		return fmt.Errorf("inventory: save %s: %w", p.ID, err)
	}
	return nil
}

// Available is the advisory read used at purchase time. The answer can be
// stale by the time an order pays; TryReserve re-validates.
func (s *Store) Available(ctx context.Context, productID string) (int, error) {
	p, err := s.load(ctx, productID)
	if err != nil {
		return 0, err
	}
	return p.Quantity, nil
}

// SetQuantity is the admin restock path; it shares the product's critical
// section with TryReserve/Release.
func (s *Store) SetQuantity(ctx context.Context, productID string, qty int) error {
	if qty < 0 {
		return ErrInvalidQty
	}

	s.locks.Lock(productID)
	defer s.locks.Unlock(productID)

	p, err := s.load(ctx, productID)
	if err != nil {
		return err
	}
	p.Quantity = qty
	if err := s.db.Save(ctx, store.ColProducts, p.ID, p); err != nil {
		return fmt.Errorf("inventory: save %s: %w", p.ID, err)
	}
	return nil
}
