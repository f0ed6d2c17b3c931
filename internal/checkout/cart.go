package checkout

import (
	"context"
	"errors"
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/hanifr/go-storefront-orders/internal/catalog"
	"github.com/hanifr/go-storefront-orders/internal/store"
)

type CartItem struct {
	ProductID    string               `json:"product_id"`
	Name         string               `json:"name"`
	UnitPrice    decimal.Decimal      `json:"unit_price"` // snapshot at add time
	Qty          int                  `json:"qty"`
	DeliveryMode catalog.DeliveryMode `json:"delivery_mode"`
}

type Cart struct {
	UserID string     `json:"user_id"`
	Items  []CartItem `json:"items"`
}

func (c *Cart) Total() decimal.Decimal {
	total := decimal.Zero
	for _, it := range c.Items {
		total = total.Add(it.UnitPrice.Mul(decimal.NewFromInt(int64(it.Qty))))
	}
	return total
}

// Carts persists one cart document per user. Once created, a cart never
// lives only in memory.
type Carts struct {
	DB store.Store
}

func (c *Carts) Get(ctx context.Context, userID string) (*Cart, error) {
	var cart Cart
	if err := c.DB.Load(ctx, store.ColCarts, userID, &cart); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return &Cart{UserID: userID}, nil
		}
		return nil, err
	}
	return &cart, nil
}

// Add merges with an existing line for the same product; the price snapshot
// from the first add wins.
func (c *Carts) Add(ctx context.Context, userID string, p *catalog.Product, qty int) (*Cart, error) {
	if qty <= 0 {
		return nil, fmt.Errorf("checkout: cart qty must be greater than zero")
	}
	cart, err := c.Get(ctx, userID)
	if err != nil {
		return nil, err
	}
	merged := false
	for i := range cart.Items {
		if cart.Items[i].ProductID == p.ID {
			cart.Items[i].Qty += qty
			merged = true
			break
		}
	}
	if !merged {
		cart.Items = append(cart.Items, CartItem{
			ProductID:    p.ID,
			Name:         p.Name,
			UnitPrice:    p.Price,
			Qty:          qty,
			DeliveryMode: p.DeliveryMode,
		})
	}
	if err := c.DB.Save(ctx, store.ColCarts, userID, cart); err != nil {
		return nil, fmt.Errorf("checkout: save cart: %w", err)
	}
	return cart, nil
}

func (c *Carts) Remove(ctx context.Context, userID, productID string) (*Cart, error) {
	cart, err := c.Get(ctx, userID)
	if err != nil {
		return nil, err
	}
	items := cart.Items[:0]
	for _, it := range cart.Items {
		if it.ProductID != productID {
			items = append(items, it)
		}
	}
	cart.Items = items
	if len(cart.Items) == 0 {
		return cart, c.DB.Delete(ctx, store.ColCarts, userID)
	}
	if err := c.DB.Save(ctx, store.ColCarts, userID, cart); err != nil {
		return nil, fmt.Errorf("checkout: save cart: %w", err)
	}
	return cart, nil
}

func (c *Carts) Clear(ctx context.Context, userID string) error {
	return c.DB.Delete(ctx, store.ColCarts, userID)
}
