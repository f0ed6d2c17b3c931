package catalog

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/hanifr/go-storefront-orders/internal/store"
)

type DeliveryMode string

const (
	DeliveryAuto   DeliveryMode = "auto"
	DeliveryManual DeliveryMode = "manual"
)

const (
	StatusActive   = "active"
	StatusInactive = "inactive"
)

var (
	ErrNotFound     = errors.New("catalog: product not found")
	ErrInvalidPrice = errors.New("catalog: price must be zero or greater")
	ErrInvalidQty   = errors.New("catalog: quantity must be zero or greater")
	ErrInvalidMode  = errors.New("catalog: delivery mode must be auto or manual")
)

type Product struct {
	ID           string          `json:"id"`
	Name         string          `json:"name"`
	Price        decimal.Decimal `json:"price"`
	Quantity     int             `json:"quantity"`
	DeliveryMode DeliveryMode    `json:"delivery_mode"`
	// Content is what auto delivery hands to the buyer. Empty means a card
	// code gets generated at dispatch time.
	Content   string    `json:"content,omitempty"`
	Status    string    `json:"status"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

func (p *Product) Active() bool { return p.Status == StatusActive }

// Service owns Product metadata. Quantity is owned by inventory.Store; admin
// stock adjustments go through there, not here.
type Service struct {
	DB store.Store
}

type AddInput struct {
	Name         string
	Price        decimal.Decimal
	Quantity     int
	DeliveryMode DeliveryMode
	Content      string
}

func (s *Service) Add(ctx context.Context, in AddInput) (*Product, error) {
	if in.Price.IsNegative() {
		return nil, ErrInvalidPrice
	}
	if in.Quantity < 0 {
		return nil, ErrInvalidQty
	}
	if in.DeliveryMode == "" {
		in.DeliveryMode = DeliveryManual
	}
	if in.DeliveryMode != DeliveryAuto && in.DeliveryMode != DeliveryManual {
		return nil, ErrInvalidMode
	}

	now := time.Now().UTC()
	p := &Product{
		ID:           uuid.NewString()[:8],
		Name:         in.Name,
		Price:        in.Price,
		Quantity:     in.Quantity,
		DeliveryMode: in.DeliveryMode,
		Content:      in.Content,
		Status:       StatusActive,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if err := s.DB.Save(ctx, store.ColProducts, p.ID, p); err != nil {
		return nil, fmt.Errorf("catalog: save product: %w", err)
	}
	return p, nil
}

func (s *Service) Get(ctx context.Context, id string) (*Product, error) {
	var p Product
	if err := s.DB.Load(ctx, store.ColProducts, id, &p); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &p, nil
}

// ListActive returns active products ordered by creation time.
func (s *Service) ListActive(ctx context.Context) ([]Product, error) {
	var all []Product
	if err := s.DB.List(ctx, store.ColProducts, &all); err != nil {
		return nil, err
	}
	out := all[:0]
	for _, p := range all {
		if p.Active() {
			out = append(out, p)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

type UpdateInput struct {
	Name    *string
	Price   *decimal.Decimal
	Content *string
	Status  *string
}

func (s *Service) Update(ctx context.Context, id string, in UpdateInput) (*Product, error) {
	p, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if in.Name != nil {
		p.Name = *in.Name
	}
	if in.Price != nil {
		if in.Price.IsNegative() {
			return nil, ErrInvalidPrice
		}
		p.Price = *in.Price
	}
	if in.Content != nil {
		p.Content = *in.Content
	}
	if in.Status != nil {
		if *in.Status != StatusActive && *in.Status != StatusInactive {
			return nil, fmt.Errorf("catalog: unknown status %q", *in.Status)
		}
		p.Status = *in.Status
	}
	p.UpdatedAt = time.Now().UTC()
	if err := s.DB.Save(ctx, store.ColProducts, p.ID, p); err != nil {
		return nil, fmt.Errorf("catalog: save product: %w", err)
	}
	return p, nil
}

func (s *Service) Deactivate(ctx context.Context, id string) error {
	st := StatusInactive
	_, err := s.Update(ctx, id, UpdateInput{Status: &st})
	return err
}
