package ledger

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/shopspring/decimal"

	"github.com/hanifr/go-storefront-orders/internal/store"
	"github.com/hanifr/go-storefront-orders/internal/syncx"
)

var (
	ErrNotFound = errors.New("ledger: order not found")
	ErrNoLines  = errors.New("ledger: order needs at least one line item")

	// ErrAlreadyFinal is the benign outcome of a duplicate signal: the order
	// already left pending through some other path. Not a failure.
	ErrAlreadyFinal = errors.New("ledger: order already final")

	// ErrInvalidTransition rejects a transition the machine does not allow.
	ErrInvalidTransition = errors.New("ledger: invalid status transition")
)

// ActorSystem marks transitions the engine performed itself (fulfillment
// rollback), as opposed to the owner or an admin.
const ActorSystem = "system"

// Ledger exclusively owns Order mutation. Every transition is a CAS inside
// the order's critical section: load, check current status, mutate, persist.
// Events go out only after the persist, outside the lock.
type Ledger struct {
	db     store.Store
	locks  *syncx.KeyMutex
	events EventSink
}

func New(db store.Store, events EventSink) *Ledger {
	return &Ledger{db: db, locks: syncx.NewKeyMutex(64), events: events}
}

func (lg *Ledger) load(ctx context.Context, orderNo string) (*Order, error) {
	var o Order
	if err := lg.db.Load(ctx, store.ColOrders, orderNo, &o); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &o, nil
}

func (lg *Ledger) save(ctx context.Context, o *Order) error {
	if err := lg.db.Save(ctx, store.ColOrders, o.OrderNo, o); err != nil {
		return fmt.Errorf("ledger: save %s: %w", o.OrderNo, err)
	}
	return nil
}

func (lg *Ledger) publish(eventType, orderNo string, payload any) {
	if lg.events == nil {
		return
	}
	lg.events.Publish(NewEnvelope(eventType, orderNo, payload))
}

// Record persists a freshly built pending order. The caller must not make
// any side effect visible before Record returns nil.
func (lg *Ledger) Record(ctx context.Context, o *Order) error {
	if len(o.Lines) == 0 {
		return ErrNoLines
	}
	o.Status = StatusPending
	o.Total = SumLines(o.Lines)

	lg.locks.Lock(o.OrderNo)
	err := lg.save(ctx, o)
	lg.locks.Unlock(o.OrderNo)
	if err != nil {
		return err
	}

	lg.publish(EventOrderCreated, o.OrderNo, OrderCreatedPayload{
		OrderNo: o.OrderNo, UserID: o.UserID, Total: o.Total.StringFixed(2),
	})
	return nil
}

func (lg *Ledger) Get(ctx context.Context, orderNo string) (*Order, error) {
	return lg.load(ctx, orderNo)
}

// MarkPaid flips pending->paid. Exactly one caller wins for a given order;
// duplicates get ErrAlreadyFinal, which makes repeated payment notifications
// harmless. A valid notification landing on an expired order is rejected
// with ErrInvalidTransition: money for it needs operator reconciliation, the
// order does not come back. The winner is the one that must dispatch
// fulfillment.
func (lg *Ledger) MarkPaid(ctx context.Context, orderNo, paymentRef string) (*Order, error) {
	var o *Order
	err := lg.locks.WithLock(orderNo, func() error {
		var err error
		o, err = lg.load(ctx, orderNo)
		if err != nil {
			return err
		}
		if o.Status == StatusExpired {
			return ErrInvalidTransition
		}
		if o.Status != StatusPending {
			return ErrAlreadyFinal
		}
		now := time.Now().UTC()
		o.Status = StatusPaid
		o.PaidAt = &now
		o.PaymentRef = paymentRef
		return lg.save(ctx, o)
	})
	if err != nil {
		return o, err
	}

	lg.publish(EventOrderPaid, o.OrderNo, OrderPaidPayload{
		OrderNo: o.OrderNo, PaymentRef: paymentRef, Total: o.Total.StringFixed(2),
	})
	return o, nil
}

// Expire flips pending->expired. Fired by the one-shot timer and by the
// sweep; both may race with a payment callback, the CAS absorbs it.
func (lg *Ledger) Expire(ctx context.Context, orderNo string) (*Order, error) {
	var o *Order
	err := lg.locks.WithLock(orderNo, func() error {
		var err error
		o, err = lg.load(ctx, orderNo)
		if err != nil {
			return err
		}
		if o.Status != StatusPending {
			return ErrAlreadyFinal
		}
		now := time.Now().UTC()
		o.Status = StatusExpired
		o.CancelledAt = &now
		return lg.save(ctx, o)
	})
	if err != nil {
		return o, err
	}

	lg.publish(EventOrderExpired, o.OrderNo, OrderExpiredPayload{OrderNo: o.OrderNo})
	return o, nil
}

// Cancel flips pending->cancelled on behalf of the owner or an admin.
func (lg *Ledger) Cancel(ctx context.Context, orderNo, actor string) (*Order, error) {
	var o *Order
	err := lg.locks.WithLock(orderNo, func() error {
		var err error
		o, err = lg.load(ctx, orderNo)
		if err != nil {
			return err
		}
		if o.Status != StatusPending {
			return ErrInvalidTransition
		}
		now := time.Now().UTC()
		o.Status = StatusCancelled
		o.CancelledAt = &now
		o.CancelledBy = actor
		return lg.save(ctx, o)
	})
	if err != nil {
		return o, err
	}

	lg.publish(EventOrderCancelled, o.OrderNo, OrderCancelledPayload{OrderNo: o.OrderNo, Actor: actor})
	return o, nil
}

// RollbackPaid flips paid->cancelled, actor=system. Only the fulfillment
// dispatcher uses it, when the paid-time stock decrement comes up short.
func (lg *Ledger) RollbackPaid(ctx context.Context, orderNo string) (*Order, error) {
	var o *Order
	err := lg.locks.WithLock(orderNo, func() error {
		var err error
		o, err = lg.load(ctx, orderNo)
		if err != nil {
			return err
		}
		if o.Status != StatusPaid {
			return ErrInvalidTransition
		}
		now := time.Now().UTC()
		o.Status = StatusCancelled
		o.CancelledAt = &now
		o.CancelledBy = ActorSystem
		return lg.save(ctx, o)
	})
	if err != nil {
		return o, err
	}

	lg.publish(EventOrderCancelled, o.OrderNo, OrderCancelledPayload{OrderNo: o.OrderNo, Actor: ActorSystem})
	return o, nil
}

// MarkDelivered flips paid->delivered and records what was handed over.
func (lg *Ledger) MarkDelivered(ctx context.Context, orderNo, content string) (*Order, error) {
	var o *Order
	err := lg.locks.WithLock(orderNo, func() error {
		var err error
		o, err = lg.load(ctx, orderNo)
		if err != nil {
			return err
		}
		if o.Status != StatusPaid {
			return ErrInvalidTransition
		}
		now := time.Now().UTC()
		o.Status = StatusDelivered
		o.DeliveredAt = &now
		o.DeliveredContent = content
		return lg.save(ctx, o)
	})
	if err != nil {
		return o, err
	}

	lg.publish(EventOrderDelivered, o.OrderNo, OrderDeliveredPayload{OrderNo: o.OrderNo})
	return o, nil
}

// ListByUser returns the user's orders, most recent first, capped at limit.
func (lg *Ledger) ListByUser(ctx context.Context, userID string, limit int) ([]Order, error) {
	var all []Order
	if err := lg.db.List(ctx, store.ColOrders, &all); err != nil {
		return nil, err
	}
	out := all[:0]
	for _, o := range all {
		if o.UserID == userID {
			out = append(out, o)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// ListByStatus pages through orders, most recent first. Empty status means
// all. Returns the page plus the total match count.
func (lg *Ledger) ListByStatus(ctx context.Context, status Status, page, pageSize int) ([]Order, int, error) {
	var all []Order
	if err := lg.db.List(ctx, store.ColOrders, &all); err != nil {
		return nil, 0, err
	}
	out := all[:0]
	for _, o := range all {
		if status == "" || o.Status == status {
			out = append(out, o)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })

	total := len(out)
	if pageSize <= 0 {
		pageSize = 10
	}
	if page <= 0 {
		page = 1
	}
	start := (page - 1) * pageSize
	if start >= total {
		return nil, total, nil
	}
	end := start + pageSize
	if end > total {
		end = total
	}
	return out[start:end], total, nil
}

// OverduePending returns order numbers still pending past their deadline.
// This is the authoritative recovery scan: one-shot timers die with the
// process, the stored deadlines do not.
func (lg *Ledger) OverduePending(ctx context.Context, now time.Time) ([]string, error) {
	var all []Order
	if err := lg.db.List(ctx, store.ColOrders, &all); err != nil {
		return nil, err
	}
	var due []string
	for _, o := range all {
		if o.Status == StatusPending && now.After(o.ExpiresAt) {
			due = append(due, o.OrderNo)
		}
	}
	return due, nil
}

type Stats struct {
	Orders   int             `json:"orders"`
	ByStatus map[Status]int  `json:"by_status"`
	Revenue  decimal.Decimal `json:"revenue"`
}

// Summary counts orders per status; revenue covers paid and delivered.
func (lg *Ledger) Summary(ctx context.Context) (*Stats, error) {
	var all []Order
	if err := lg.db.List(ctx, store.ColOrders, &all); err != nil {
		return nil, err
	}
	st := &Stats{ByStatus: make(map[Status]int), Revenue: decimal.Zero}
	st.Orders = len(all)
	for _, o := range all {
		st.ByStatus[o.Status]++
		if o.Status == StatusPaid || o.Status == StatusDelivered {
			st.Revenue = st.Revenue.Add(o.Total)
		}
	}
	return st, nil
}
