package store

import (
	"context"
	"errors"
)

// Collection names. One durable collection per record family, keyed by the
// record's natural id.
const (
	ColProducts       = "products"
	ColOrders         = "orders"
	ColUserEmails     = "user_emails"
	ColVerifications  = "verifications"
	ColPaymentMethods = "payment_methods"
	ColCarts          = "carts"
	ColAudit          = "audit"
)

var ErrNotFound = errors.New("store: document not found")

// Store persists JSON documents by (collection, key). Save must be durable
// before it returns; callers treat a Save error as failure of the whole
// operation.
type Store interface {
	Load(ctx context.Context, collection, key string, out any) error
	Save(ctx context.Context, collection, key string, doc any) error
	Delete(ctx context.Context, collection, key string) error
	// List decodes every document in the collection into out, which must be
	// a pointer to a slice.
	List(ctx context.Context, collection string, out any) error
}
