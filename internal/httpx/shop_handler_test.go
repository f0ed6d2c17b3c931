package httpx

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"

	"github.com/hanifr/go-storefront-orders/internal/catalog"
	"github.com/hanifr/go-storefront-orders/internal/fulfill"
	"github.com/hanifr/go-storefront-orders/internal/inventory"
	"github.com/hanifr/go-storefront-orders/internal/ledger"
	"github.com/hanifr/go-storefront-orders/internal/payment"
	"github.com/hanifr/go-storefront-orders/internal/redisx"
	"github.com/hanifr/go-storefront-orders/internal/schedule"
	"github.com/hanifr/go-storefront-orders/internal/store"
)

type noopMailer struct{}

func (noopMailer) Send(ctx context.Context, to, subject, body string) error { return nil }

type noopMessenger struct{}

func (noopMessenger) Notify(ctx context.Context, recipient, text string, image []byte) error {
	return nil
}

func (noopMessenger) PromptChoice(ctx context.Context, recipient, prompt string, options []string) (int, error) {
	return 0, nil
}

type notifyEnv struct {
	db      *store.Memory
	cat     *catalog.Service
	inv     *inventory.Store
	lg      *ledger.Ledger
	client  *payment.Client
	h       *ShopHandler
	srv     *httptest.Server
	product *catalog.Product
}

func newNotifyEnv(t *testing.T) *notifyEnv {
	t.Helper()
	db := store.NewMemory()
	cat := &catalog.Service{DB: db}
	inv := inventory.New(db)
	lg := ledger.New(db, nil)
	client := payment.NewClient("http://gateway.invalid", "1000", "testkey", "http://shop/notify", "http://shop/return")

	disp := &fulfill.Dispatcher{
		Ledger:    lg,
		Inventory: inv,
		Catalog:   cat,
		Mailer:    noopMailer{},
		Messenger: noopMessenger{},
	}
	h := &ShopHandler{
		Catalog:    cat,
		Inventory:  inv,
		Ledger:     lg,
		Gateway:    client,
		Dispatcher: disp,
		Scheduler:  schedule.New(lg, time.Minute),
	}
	r := NewRouter()
	h.Register(r)
	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)

	p, err := cat.Add(context.Background(), catalog.AddInput{
		Name:         "widget",
		Price:        decimal.RequireFromString("9.90"),
		Quantity:     5,
		DeliveryMode: catalog.DeliveryAuto,
		Content:      "ACCOUNT:PASS",
	})
	if err != nil {
		t.Fatal(err)
	}
	return &notifyEnv{db: db, cat: cat, inv: inv, lg: lg, client: client, h: h, srv: srv, product: p}
}

// withRedis backs the handler's cache and dedup with an in-process redis.
func (e *notifyEnv) withRedis(t *testing.T) *miniredis.Miniredis {
	t.Helper()
	mr := miniredis.RunT(t)
	e.h.Redis = redis.NewClient(&redis.Options{Addr: mr.Addr()})
	return mr
}

func (e *notifyEnv) recordPending(t *testing.T, no string, expiresIn time.Duration) {
	t.Helper()
	now := time.Now().UTC()
	o := &ledger.Order{
		OrderNo: no,
		UserID:  "u1",
		Email:   "u1@example.com",
		Lines: []ledger.Line{{
			ProductID: e.product.ID, Name: e.product.Name, Qty: 1,
			UnitPrice: e.product.Price, DeliveryMode: e.product.DeliveryMode,
		}},
		CreatedAt: now,
		ExpiresAt: now.Add(expiresIn),
	}
	if err := e.lg.Record(context.Background(), o); err != nil {
		t.Fatal(err)
	}
}

func (e *notifyEnv) signedParams(orderNo, tradeNo string) url.Values {
	params := map[string]string{
		"pid":          "1000",
		"out_trade_no": orderNo,
		"trade_no":     tradeNo,
		"trade_status": "TRADE_SUCCESS",
		"money":        "9.90",
	}
	params["sign"] = e.client.Sign(params)
	params["sign_type"] = "MD5"
	form := url.Values{}
	for k, v := range params {
		form.Set(k, v)
	}
	return form
}

func (e *notifyEnv) postNotify(t *testing.T, form url.Values) string {
	t.Helper()
	resp, err := http.PostForm(e.srv.URL+"/payment/notify", form)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatal(err)
	}
	return strings.TrimSpace(string(body))
}

func TestPaymentNotify_HappyPath(t *testing.T) {
	e := newNotifyEnv(t)
	e.recordPending(t, "ORD1", time.Minute)

	if ack := e.postNotify(t, e.signedParams("ORD1", "T1")); ack != "success" {
		t.Fatalf("expected success ack, got %q", ack)
	}

	o, err := e.lg.Get(context.Background(), "ORD1")
	if err != nil {
		t.Fatal(err)
	}
	if o.Status != ledger.StatusDelivered {
		t.Errorf("auto order must be delivered after payment, got %s", o.Status)
	}
	if o.PaymentRef != "T1" {
		t.Errorf("trade no must be recorded, got %q", o.PaymentRef)
	}
	if avail, _ := e.inv.Available(context.Background(), e.product.ID); avail != 4 {
		t.Errorf("expected stock 4 after payment, got %d", avail)
	}
}

func TestPaymentNotify_BadSignature(t *testing.T) {
	e := newNotifyEnv(t)
	e.recordPending(t, "ORD1", time.Minute)

	form := e.signedParams("ORD1", "T1")
	form.Set("money", "0.01") // tamper after signing

	if ack := e.postNotify(t, form); ack != "fail" {
		t.Fatalf("expected fail ack, got %q", ack)
	}
	o, _ := e.lg.Get(context.Background(), "ORD1")
	if o.Status != ledger.StatusPending {
		t.Errorf("bad signature must not touch the order, got %s", o.Status)
	}
}

func TestPaymentNotify_DuplicateIsBenign(t *testing.T) {
	e := newNotifyEnv(t)
	e.recordPending(t, "ORD1", time.Minute)
	form := e.signedParams("ORD1", "T1")

	if ack := e.postNotify(t, form); ack != "success" {
		t.Fatalf("first ack: %q", ack)
	}
	if ack := e.postNotify(t, form); ack != "success" {
		t.Fatalf("retry must also be acked success, got %q", ack)
	}

	// fulfillment ran once: stock only went down by one
	if avail, _ := e.inv.Available(context.Background(), e.product.ID); avail != 4 {
		t.Errorf("duplicate callback must not double-decrement, got %d", avail)
	}
}

func TestPaymentNotify_AfterExpiry(t *testing.T) {
	e := newNotifyEnv(t)
	e.recordPending(t, "ORD1", time.Minute)
	if _, err := e.lg.Expire(context.Background(), "ORD1"); err != nil {
		t.Fatal(err)
	}

	if ack := e.postNotify(t, e.signedParams("ORD1", "T-LATE")); ack != "fail" {
		t.Fatalf("late payment must be nacked for reconciliation, got %q", ack)
	}
	o, _ := e.lg.Get(context.Background(), "ORD1")
	if o.Status != ledger.StatusExpired || o.PaymentRef != "" {
		t.Errorf("late payment must not touch the order: %+v", o)
	}
}

func TestPaymentNotify_UnknownOrder(t *testing.T) {
	e := newNotifyEnv(t)
	if ack := e.postNotify(t, e.signedParams("NOPE", "T1")); ack != "fail" {
		t.Fatalf("unknown order must be nacked, got %q", ack)
	}
}

func (e *notifyEnv) get(t *testing.T, path string) (int, string) {
	t.Helper()
	resp, err := http.Get(e.srv.URL + path)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatal(err)
	}
	return resp.StatusCode, strings.TrimSpace(string(body))
}

// A notify whose processing fails must stay retriable: the dedup key is only
// written once the outcome is final, so the provider's retry gets through.
func TestPaymentNotify_FailedAttemptIsRetried(t *testing.T) {
	e := newNotifyEnv(t)
	e.withRedis(t)
	e.recordPending(t, "ORD1", time.Minute)
	form := e.signedParams("ORD1", "T1")

	e.db.FailSaves = true
	if ack := e.postNotify(t, form); ack != "fail" {
		t.Fatalf("transient save failure must be nacked, got %q", ack)
	}
	e.db.FailSaves = false

	if ack := e.postNotify(t, form); ack != "success" {
		t.Fatalf("retry after transient failure must succeed, got %q", ack)
	}
	o, _ := e.lg.Get(context.Background(), "ORD1")
	if o.Status != ledger.StatusDelivered {
		t.Errorf("retry must complete the payment, got %s", o.Status)
	}
}

func TestPaymentNotify_DedupMarkedOnlyWhenDone(t *testing.T) {
	e := newNotifyEnv(t)
	mr := e.withRedis(t)
	e.recordPending(t, "ORD1", time.Minute)
	form := e.signedParams("ORD1", "T1")
	key := fmt.Sprintf(redisx.KeyNotifyDedup, "ORD1", "T1")

	e.db.FailSaves = true
	if ack := e.postNotify(t, form); ack != "fail" {
		t.Fatalf("first ack: %q", ack)
	}
	if mr.Exists(key) {
		t.Fatal("failed attempt must not set the dedup key")
	}
	e.db.FailSaves = false

	if ack := e.postNotify(t, form); ack != "success" {
		t.Fatalf("second ack: %q", ack)
	}
	if !mr.Exists(key) {
		t.Error("completed notification must set the dedup key")
	}
	// retry now short-circuits on the key, still acked success
	if ack := e.postNotify(t, form); ack != "success" {
		t.Errorf("deduped retry must be acked success, got %q", ack)
	}
}

func TestOrderStatus_CacheFirst(t *testing.T) {
	e := newNotifyEnv(t)
	mr := e.withRedis(t)
	e.recordPending(t, "ORD1", time.Minute)
	key := fmt.Sprintf(redisx.KeyOrderStatus, "ORD1")

	// miss goes to the ledger and refills the cache
	code, body := e.get(t, "/orders/ORD1/status")
	if code != http.StatusOK || !strings.Contains(body, `"pending"`) {
		t.Fatalf("expected pending from ledger, got %d %s", code, body)
	}
	if !mr.Exists(key) {
		t.Fatal("status read must refill the cache")
	}

	// hit is served straight from the cache
	if err := mr.Set(key, `{"status":"paid"}`); err != nil {
		t.Fatal(err)
	}
	if _, body := e.get(t, "/orders/ORD1/status"); !strings.Contains(body, `"paid"`) {
		t.Errorf("cached status must win, got %s", body)
	}
}

func TestOrderStatus_NoRedis(t *testing.T) {
	e := newNotifyEnv(t)
	e.recordPending(t, "ORD1", time.Minute)

	code, body := e.get(t, "/orders/ORD1/status")
	if code != http.StatusOK || !strings.Contains(body, `"pending"`) {
		t.Errorf("status must work without redis, got %d %s", code, body)
	}
	if code, _ := e.get(t, "/orders/NOPE/status"); code != http.StatusNotFound {
		t.Errorf("unknown order must 404, got %d", code)
	}
}

func TestPaymentNotify_NonSuccessStatus(t *testing.T) {
	e := newNotifyEnv(t)
	e.recordPending(t, "ORD1", time.Minute)

	params := map[string]string{
		"pid":          "1000",
		"out_trade_no": "ORD1",
		"trade_no":     "T1",
		"trade_status": "WAIT_BUYER_PAY",
		"money":        "9.90",
	}
	params["sign"] = e.client.Sign(params)
	params["sign_type"] = "MD5"
	form := url.Values{}
	for k, v := range params {
		form.Set(k, v)
	}

	if ack := e.postNotify(t, form); ack != "success" {
		t.Fatalf("non-success status is acked without action, got %q", ack)
	}
	o, _ := e.lg.Get(context.Background(), "ORD1")
	if o.Status != ledger.StatusPending {
		t.Errorf("non-success status must not touch the order, got %s", o.Status)
	}
}
