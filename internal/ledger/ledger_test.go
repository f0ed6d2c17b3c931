package ledger

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/hanifr/go-storefront-orders/internal/catalog"
	"github.com/hanifr/go-storefront-orders/internal/store"
)

type sinkRecorder struct {
	mu  sync.Mutex
	evs []Envelope
}

func (s *sinkRecorder) Publish(ev Envelope) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.evs = append(s.evs, ev)
}

func (s *sinkRecorder) types() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, len(s.evs))
	for i, ev := range s.evs {
		out[i] = ev.EventType
	}
	return out
}

func testOrder(no string) *Order {
	now := time.Now().UTC()
	return &Order{
		OrderNo: no,
		UserID:  "u1",
		Email:   "u1@example.com",
		Lines: []Line{
			{ProductID: "p1", Name: "widget", Qty: 2, UnitPrice: decimal.RequireFromString("9.90"), DeliveryMode: catalog.DeliveryAuto},
		},
		MethodID:  "alipay",
		CreatedAt: now,
		ExpiresAt: now.Add(time.Minute),
	}
}

func TestRecord_TotalsAndStatus(t *testing.T) {
	db := store.NewMemory()
	sink := &sinkRecorder{}
	lg := New(db, sink)

	o := testOrder("ORD1")
	o.Lines = append(o.Lines, Line{ProductID: "p2", Name: "gadget", Qty: 1, UnitPrice: decimal.RequireFromString("0.10")})
	if err := lg.Record(context.Background(), o); err != nil {
		t.Fatalf("record: %v", err)
	}

	got, err := lg.Get(context.Background(), "ORD1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Status != StatusPending {
		t.Errorf("expected pending, got %s", got.Status)
	}
	if want := "19.90"; got.Total.StringFixed(2) != want {
		t.Errorf("expected total %s, got %s", want, got.Total.StringFixed(2))
	}
	if evs := sink.types(); len(evs) != 1 || evs[0] != EventOrderCreated {
		t.Errorf("expected one OrderCreated event, got %v", evs)
	}
}

func TestRecord_NoLines(t *testing.T) {
	lg := New(store.NewMemory(), nil)
	o := testOrder("ORD1")
	o.Lines = nil
	if err := lg.Record(context.Background(), o); !errors.Is(err, ErrNoLines) {
		t.Errorf("expected ErrNoLines, got %v", err)
	}
}

func TestMarkPaid_OnlyOneWinner(t *testing.T) {
	db := store.NewMemory()
	lg := New(db, nil)
	o := testOrder("ORD1")
	if err := lg.Record(context.Background(), o); err != nil {
		t.Fatal(err)
	}

	const callbacks = 8
	var wins, finals int
	var mu sync.Mutex
	var wg sync.WaitGroup
	for i := 0; i < callbacks; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := lg.MarkPaid(context.Background(), "ORD1", "TRADE-1")
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				wins++
			case errors.Is(err, ErrAlreadyFinal):
				finals++
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()

	if wins != 1 || finals != callbacks-1 {
		t.Errorf("expected 1 winner and %d AlreadyFinal, got %d/%d", callbacks-1, wins, finals)
	}

	got, _ := lg.Get(context.Background(), "ORD1")
	if got.Status != StatusPaid || got.PaymentRef != "TRADE-1" || got.PaidAt == nil {
		t.Errorf("paid order not recorded properly: %+v", got)
	}
}

func TestMarkPaid_AfterExpiryRejected(t *testing.T) {
	db := store.NewMemory()
	lg := New(db, nil)
	if err := lg.Record(context.Background(), testOrder("ORD1")); err != nil {
		t.Fatal(err)
	}
	if _, err := lg.Expire(context.Background(), "ORD1"); err != nil {
		t.Fatal(err)
	}

	_, err := lg.MarkPaid(context.Background(), "ORD1", "TRADE-LATE")
	if !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("expected ErrInvalidTransition for late payment, got %v", err)
	}
	got, _ := lg.Get(context.Background(), "ORD1")
	if got.Status != StatusExpired || got.PaymentRef != "" {
		t.Errorf("late payment must not touch the order: %+v", got)
	}
}

func TestCancel(t *testing.T) {
	db := store.NewMemory()
	lg := New(db, nil)
	if err := lg.Record(context.Background(), testOrder("ORD1")); err != nil {
		t.Fatal(err)
	}

	o, err := lg.Cancel(context.Background(), "ORD1", "u1")
	if err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if o.Status != StatusCancelled || o.CancelledBy != "u1" || o.CancelledAt == nil {
		t.Errorf("cancel not recorded: %+v", o)
	}

	// terminal now: a second cancel is an invalid transition
	if _, err := lg.Cancel(context.Background(), "ORD1", "u1"); !errors.Is(err, ErrInvalidTransition) {
		t.Errorf("expected ErrInvalidTransition, got %v", err)
	}
	// and expiry on it is benign
	if _, err := lg.Expire(context.Background(), "ORD1"); !errors.Is(err, ErrAlreadyFinal) {
		t.Errorf("expected ErrAlreadyFinal, got %v", err)
	}
}

func TestDeliver_RequiresPaid(t *testing.T) {
	db := store.NewMemory()
	lg := New(db, nil)
	if err := lg.Record(context.Background(), testOrder("ORD1")); err != nil {
		t.Fatal(err)
	}

	if _, err := lg.MarkDelivered(context.Background(), "ORD1", "code"); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("deliver on pending must fail, got %v", err)
	}
	if _, err := lg.MarkPaid(context.Background(), "ORD1", "T1"); err != nil {
		t.Fatal(err)
	}
	o, err := lg.MarkDelivered(context.Background(), "ORD1", "code")
	if err != nil {
		t.Fatalf("deliver: %v", err)
	}
	if o.Status != StatusDelivered || o.DeliveredContent != "code" || o.DeliveredAt == nil {
		t.Errorf("delivery not recorded: %+v", o)
	}
}

func TestRollbackPaid(t *testing.T) {
	db := store.NewMemory()
	lg := New(db, nil)
	if err := lg.Record(context.Background(), testOrder("ORD1")); err != nil {
		t.Fatal(err)
	}
	if _, err := lg.RollbackPaid(context.Background(), "ORD1"); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("rollback on pending must fail, got %v", err)
	}
	if _, err := lg.MarkPaid(context.Background(), "ORD1", "T1"); err != nil {
		t.Fatal(err)
	}
	o, err := lg.RollbackPaid(context.Background(), "ORD1")
	if err != nil {
		t.Fatalf("rollback: %v", err)
	}
	if o.Status != StatusCancelled || o.CancelledBy != ActorSystem {
		t.Errorf("rollback not recorded: %+v", o)
	}
}

func TestMarkPaid_SaveFailureLeavesPending(t *testing.T) {
	db := store.NewMemory()
	lg := New(db, nil)
	if err := lg.Record(context.Background(), testOrder("ORD1")); err != nil {
		t.Fatal(err)
	}

	db.FailSaves = true
	if _, err := lg.MarkPaid(context.Background(), "ORD1", "T1"); err == nil {
		t.Fatal("expected save failure to fail the transition")
	}
	db.FailSaves = false

	got, _ := lg.Get(context.Background(), "ORD1")
	if got.Status != StatusPending {
		t.Errorf("failed persist must not flip status, got %s", got.Status)
	}
}

// Reloading through a fresh ledger over the same store must reproduce every
// field, decimals and timestamps included.
func TestRoundTrip(t *testing.T) {
	db := store.NewMemory()
	lg := New(db, nil)
	o := testOrder("ORD1")
	if err := lg.Record(context.Background(), o); err != nil {
		t.Fatal(err)
	}
	if _, err := lg.MarkPaid(context.Background(), "ORD1", "TRADE-9"); err != nil {
		t.Fatal(err)
	}

	reloaded, err := New(db, nil).Get(context.Background(), "ORD1")
	if err != nil {
		t.Fatalf("reload: %v", err)
	}
	if !reloaded.Total.Equal(o.Total) {
		t.Errorf("total drifted: %s vs %s", reloaded.Total, o.Total)
	}
	if !reloaded.CreatedAt.Equal(o.CreatedAt) || !reloaded.ExpiresAt.Equal(o.ExpiresAt) {
		t.Errorf("timestamps drifted: %+v", reloaded)
	}
	if reloaded.PaymentRef != "TRADE-9" || reloaded.Status != StatusPaid {
		t.Errorf("payment fields drifted: %+v", reloaded)
	}
	if len(reloaded.Lines) != 1 || !reloaded.Lines[0].UnitPrice.Equal(decimal.RequireFromString("9.90")) {
		t.Errorf("lines drifted: %+v", reloaded.Lines)
	}
}

func TestQueriesAndSummary(t *testing.T) {
	db := store.NewMemory()
	lg := New(db, nil)
	ctx := context.Background()

	for i, no := range []string{"A", "B", "C"} {
		o := testOrder(no)
		o.CreatedAt = o.CreatedAt.Add(time.Duration(i) * time.Second)
		if no == "C" {
			o.UserID = "other"
		}
		if err := lg.Record(ctx, o); err != nil {
			t.Fatal(err)
		}
	}
	if _, err := lg.MarkPaid(ctx, "B", "T1"); err != nil {
		t.Fatal(err)
	}

	mine, err := lg.ListByUser(ctx, "u1", 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(mine) != 2 || mine[0].OrderNo != "B" {
		t.Errorf("expected [B A], got %+v", mine)
	}

	paid, total, err := lg.ListByStatus(ctx, StatusPaid, 1, 10)
	if err != nil {
		t.Fatal(err)
	}
	if total != 1 || len(paid) != 1 || paid[0].OrderNo != "B" {
		t.Errorf("expected only B paid, got total=%d %+v", total, paid)
	}

	st, err := lg.Summary(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if st.Orders != 3 || st.ByStatus[StatusPaid] != 1 || st.ByStatus[StatusPending] != 2 {
		t.Errorf("bad summary: %+v", st)
	}
	if want := "19.80"; st.Revenue.StringFixed(2) != want {
		t.Errorf("expected revenue %s, got %s", want, st.Revenue.StringFixed(2))
	}
}

func TestOverduePending(t *testing.T) {
	db := store.NewMemory()
	lg := New(db, nil)
	ctx := context.Background()

	fresh := testOrder("FRESH")
	if err := lg.Record(ctx, fresh); err != nil {
		t.Fatal(err)
	}
	stale := testOrder("STALE")
	stale.ExpiresAt = time.Now().UTC().Add(-time.Minute)
	if err := lg.Record(ctx, stale); err != nil {
		t.Fatal(err)
	}

	due, err := lg.OverduePending(ctx, time.Now().UTC())
	if err != nil {
		t.Fatal(err)
	}
	if len(due) != 1 || due[0] != "STALE" {
		t.Errorf("expected [STALE], got %v", due)
	}
}
