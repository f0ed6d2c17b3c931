package payment

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/hanifr/go-storefront-orders/internal/store"
)

var ErrMethodNotFound = errors.New("payment: method not found")

// Method is an offered way to pay (alipay, wxpay, ...). Admin-managed; the
// checkout flow only reads enabled ones.
type Method struct {
	ID       string `json:"id"`
	Name     string `json:"name"`
	Provider string `json:"provider"`
	Enabled  bool   `json:"enabled"`
}

type Methods struct {
	DB store.Store
}

func (m *Methods) Save(ctx context.Context, method Method) error {
	if method.ID == "" || method.Provider == "" {
		return fmt.Errorf("payment: method needs id and provider")
	}
	return m.DB.Save(ctx, store.ColPaymentMethods, method.ID, method)
}

func (m *Methods) Get(ctx context.Context, id string) (*Method, error) {
	var pm Method
	if err := m.DB.Load(ctx, store.ColPaymentMethods, id, &pm); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, ErrMethodNotFound
		}
		return nil, err
	}
	return &pm, nil
}

// Enabled lists the methods a buyer may pick from, stable order by id.
func (m *Methods) Enabled(ctx context.Context) ([]Method, error) {
	var all []Method
	if err := m.DB.List(ctx, store.ColPaymentMethods, &all); err != nil {
		return nil, err
	}
	out := all[:0]
	for _, pm := range all {
		if pm.Enabled {
			out = append(out, pm)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}
