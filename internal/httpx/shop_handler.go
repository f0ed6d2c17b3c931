package httpx

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"

	"github.com/hanifr/go-storefront-orders/internal/accounts"
	"github.com/hanifr/go-storefront-orders/internal/catalog"
	"github.com/hanifr/go-storefront-orders/internal/checkout"
	"github.com/hanifr/go-storefront-orders/internal/fulfill"
	"github.com/hanifr/go-storefront-orders/internal/inventory"
	"github.com/hanifr/go-storefront-orders/internal/ledger"
	"github.com/hanifr/go-storefront-orders/internal/payment"
	"github.com/hanifr/go-storefront-orders/internal/redisx"
	"github.com/hanifr/go-storefront-orders/internal/schedule"
)

// ShopHandler wires the storefront engine onto HTTP. Redis is optional; when
// nil the status cache and notification dedup fast path are skipped.
type ShopHandler struct {
	Orchestrator *checkout.Orchestrator
	Carts        *checkout.Carts
	Catalog      *catalog.Service
	Inventory    *inventory.Store
	Ledger       *ledger.Ledger
	Accounts     *accounts.Service
	Methods      *payment.Methods
	Gateway      payment.Gateway
	Dispatcher   *fulfill.Dispatcher
	Scheduler    *schedule.Scheduler
	Redis        *redis.Client
}

func (h *ShopHandler) Register(r *chi.Mux) {
	r.Post("/accounts/email/bind", h.bindEmail)
	r.Post("/accounts/email/verify", h.verifyEmail)

	r.Get("/products", h.listProducts)

	r.Post("/purchase", h.purchase)
	r.Get("/cart", h.viewCart)
	r.Post("/cart/items", h.cartAdd)
	r.Delete("/cart/items/{productID}", h.cartRemove)
	r.Post("/cart/checkout", h.cartCheckout)

	r.Get("/orders", h.listOrders)
	r.Get("/orders/{orderNo}", h.getOrder)
	r.Get("/orders/{orderNo}/status", h.orderStatus)
	r.Post("/orders/{orderNo}/cancel", h.cancelOrder)

	r.Get("/payment/notify", h.paymentNotify)
	r.Post("/payment/notify", h.paymentNotify)
	r.Get("/payment/return", h.paymentReturn)

	r.Route("/admin", func(ar chi.Router) {
		ar.Post("/products", h.adminAddProduct)
		ar.Patch("/products/{productID}", h.adminUpdateProduct)
		ar.Post("/products/{productID}/stock", h.adminSetStock)
		ar.Delete("/products/{productID}", h.adminDeactivateProduct)
		ar.Get("/orders", h.adminListOrders)
		ar.Post("/orders/{orderNo}/deliver", h.adminDeliver)
		ar.Post("/orders/{orderNo}/cancel", h.adminCancel)
		ar.Post("/payment-methods", h.adminSaveMethod)
		ar.Get("/stats", h.adminStats)
	})
}

// --- accounts ---

func (h *ShopHandler) bindEmail(w http.ResponseWriter, r *http.Request) {
	var req struct {
		UserID string `json:"user_id"`
		Email  string `json:"email"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.UserID == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid json"})
		return
	}
	if err := h.Accounts.BeginBind(r.Context(), req.UserID, req.Email); err != nil {
		writeErr(w, http.StatusBadRequest, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "code_sent"})
}

func (h *ShopHandler) verifyEmail(w http.ResponseWriter, r *http.Request) {
	var req struct {
		UserID string `json:"user_id"`
		Code   string `json:"code"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.UserID == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid json"})
		return
	}
	if err := h.Accounts.Verify(r.Context(), req.UserID, req.Code); err != nil {
		writeErr(w, http.StatusBadRequest, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "verified"})
}

// --- catalog ---

func (h *ShopHandler) listProducts(w http.ResponseWriter, r *http.Request) {
	ps, err := h.Catalog.ListActive(r.Context())
	if err != nil {
		writeErr(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, ps)
}

// --- purchase & cart ---

type purchaseResp struct {
	OrderNo   string `json:"order_no"`
	Total     string `json:"total"`
	PayURL    string `json:"pay_url"`
	ExpiresAt string `json:"expires_at"`
}

func purchaseResponse(res *checkout.Result) purchaseResp {
	return purchaseResp{
		OrderNo:   res.Order.OrderNo,
		Total:     res.Order.Total.StringFixed(2),
		PayURL:    res.PayURL,
		ExpiresAt: res.Order.ExpiresAt.Format(time.RFC3339),
	}
}

func checkoutStatus(err error) int {
	switch {
	case errors.Is(err, checkout.ErrInsufficientStock),
		errors.Is(err, checkout.ErrProductUnavailable),
		errors.Is(err, checkout.ErrEmptyCart),
		errors.Is(err, checkout.ErrInvalidQty),
		errors.Is(err, checkout.ErrNoPaymentMethod),
		errors.Is(err, checkout.ErrSelectionAborted),
		errors.Is(err, accounts.ErrNotVerified):
		return http.StatusUnprocessableEntity
	case errors.Is(err, payment.ErrGatewayUnavailable):
		return http.StatusBadGateway
	}
	return http.StatusInternalServerError
}

func (h *ShopHandler) purchase(w http.ResponseWriter, r *http.Request) {
	var req struct {
		UserID    string `json:"user_id"`
		ProductID string `json:"product_id"`
		Qty       int    `json:"qty"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.UserID == "" || req.ProductID == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "missing fields"})
		return
	}
	if req.Qty == 0 {
		req.Qty = 1
	}

	res, err := h.Orchestrator.BuySingle(r.Context(), req.UserID, req.ProductID, req.Qty)
	if err != nil {
		writeErr(w, checkoutStatus(err), err)
		return
	}
	h.cacheStatus(r.Context(), res.Order.OrderNo, ledger.StatusPending)
	writeJSON(w, http.StatusCreated, purchaseResponse(res))
}

func (h *ShopHandler) viewCart(w http.ResponseWriter, r *http.Request) {
	userID := r.URL.Query().Get("user_id")
	if userID == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "missing user_id"})
		return
	}
	cart, err := h.Carts.Get(r.Context(), userID)
	if err != nil {
		writeErr(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"cart":  cart,
		"total": cart.Total().StringFixed(2),
	})
}

func (h *ShopHandler) cartAdd(w http.ResponseWriter, r *http.Request) {
	var req struct {
		UserID    string `json:"user_id"`
		ProductID string `json:"product_id"`
		Qty       int    `json:"qty"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.UserID == "" || req.ProductID == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "missing fields"})
		return
	}
	if req.Qty == 0 {
		req.Qty = 1
	}
	p, err := h.Catalog.Get(r.Context(), req.ProductID)
	if err != nil || !p.Active() {
		writeErr(w, http.StatusUnprocessableEntity, checkout.ErrProductUnavailable)
		return
	}
	cart, err := h.Carts.Add(r.Context(), req.UserID, p, req.Qty)
	if err != nil {
		writeErr(w, http.StatusBadRequest, err)
		return
	}
	writeJSON(w, http.StatusOK, cart)
}

func (h *ShopHandler) cartRemove(w http.ResponseWriter, r *http.Request) {
	userID := r.URL.Query().Get("user_id")
	productID := chi.URLParam(r, "productID")
	if userID == "" || productID == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "missing fields"})
		return
	}
	cart, err := h.Carts.Remove(r.Context(), userID, productID)
	if err != nil {
		writeErr(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, cart)
}

func (h *ShopHandler) cartCheckout(w http.ResponseWriter, r *http.Request) {
	var req struct {
		UserID string `json:"user_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.UserID == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "missing user_id"})
		return
	}
	res, err := h.Orchestrator.BuyCart(r.Context(), req.UserID)
	if err != nil {
		writeErr(w, checkoutStatus(err), err)
		return
	}
	h.cacheStatus(r.Context(), res.Order.OrderNo, ledger.StatusPending)
	writeJSON(w, http.StatusCreated, purchaseResponse(res))
}

// --- orders ---

func (h *ShopHandler) listOrders(w http.ResponseWriter, r *http.Request) {
	userID := r.URL.Query().Get("user_id")
	if userID == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "missing user_id"})
		return
	}
	os, err := h.Ledger.ListByUser(r.Context(), userID, 10)
	if err != nil {
		writeErr(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, os)
}

func (h *ShopHandler) getOrder(w http.ResponseWriter, r *http.Request) {
	orderNo := chi.URLParam(r, "orderNo")
	userID := r.URL.Query().Get("user_id")

	o, err := h.Ledger.Get(r.Context(), orderNo)
	if err != nil {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "not found"})
		return
	}
	if userID != "" && o.UserID != userID {
		writeJSON(w, http.StatusForbidden, map[string]string{"error": "not your order"})
		return
	}
	writeJSON(w, http.StatusOK, o)
}

// orderStatus is the polling endpoint buyers hit while waiting for payment
// to land: cache first, ledger as fallback, cache refilled on a miss.
func (h *ShopHandler) orderStatus(w http.ResponseWriter, r *http.Request) {
	orderNo := chi.URLParam(r, "orderNo")
	ctx := r.Context()

	if h.Redis != nil {
		key := fmt.Sprintf(redisx.KeyOrderStatus, orderNo)
		if s, err := h.Redis.Get(ctx, key).Result(); err == nil && s != "" {
			writeJSON(w, http.StatusOK, json.RawMessage(s))
			return
		}
	}

	o, err := h.Ledger.Get(ctx, orderNo)
	if err != nil {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "not found"})
		return
	}
	h.cacheStatus(ctx, orderNo, o.Status)
	writeJSON(w, http.StatusOK, map[string]string{"status": string(o.Status)})
}

func (h *ShopHandler) cancelOrder(w http.ResponseWriter, r *http.Request) {
	orderNo := chi.URLParam(r, "orderNo")
	var req struct {
		UserID string `json:"user_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.UserID == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "missing user_id"})
		return
	}

	o, err := h.Ledger.Get(r.Context(), orderNo)
	if err != nil {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "not found"})
		return
	}
	if o.UserID != req.UserID {
		writeJSON(w, http.StatusForbidden, map[string]string{"error": "not your order"})
		return
	}

	o, err = h.Ledger.Cancel(r.Context(), orderNo, req.UserID)
	if err != nil {
		if errors.Is(err, ledger.ErrInvalidTransition) {
			writeJSON(w, http.StatusConflict, map[string]string{"error": "only pending orders can be cancelled"})
			return
		}
		writeErr(w, http.StatusInternalServerError, err)
		return
	}
	h.Scheduler.Cancel(orderNo)
	h.cacheStatus(r.Context(), orderNo, o.Status)
	writeJSON(w, http.StatusOK, o)
}

// --- payment callback ---

// paymentNotify is the provider's async callback. Answer is plain text:
// "success" stops the provider's retries, anything else keeps them coming.
// Signature check comes first, before any state is touched.
func (h *ShopHandler) paymentNotify(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		ackFail(w)
		return
	}
	params := make(map[string]string, len(r.Form))
	for k := range r.Form {
		params[k] = r.Form.Get(k)
	}

	if !h.Gateway.Verify(params) {
		// Do not leak which field failed; log only.
		log.Printf("httpx: notify rejected: bad signature for order %q", params["out_trade_no"])
		ackFail(w)
		return
	}
	orderNo := params["out_trade_no"]
	tradeNo := params["trade_no"]
	if status := params["trade_status"]; status != "" && status != "TRADE_SUCCESS" {
		ackSuccess(w) // acknowledged, nothing to do
		return
	}

	ctx := r.Context()
	if h.notifySeen(ctx, orderNo, tradeNo) {
		ackSuccess(w)
		return
	}

	o, err := h.Ledger.MarkPaid(ctx, orderNo, tradeNo)
	switch {
	case err == nil:
		// Winner of the CAS: cancel the expiry timer and dispatch exactly once.
		h.Scheduler.Cancel(orderNo)
		h.cacheStatus(ctx, orderNo, o.Status)
		h.markNotifyDone(ctx, orderNo, tradeNo)
		if derr := h.Dispatcher.Dispatch(ctx, o); derr != nil {
			log.Printf("httpx: dispatch %s: %v", orderNo, derr)
		}
		ackSuccess(w)
	case errors.Is(err, ledger.ErrAlreadyFinal):
		h.markNotifyDone(ctx, orderNo, tradeNo)
		ackSuccess(w) // duplicate signal, benign
	case errors.Is(err, ledger.ErrInvalidTransition):
		log.Printf("httpx: payment after expiry for %s (trade %s), needs reconciliation", orderNo, tradeNo)
		ackFail(w)
	case errors.Is(err, ledger.ErrNotFound):
		ackFail(w)
	default:
		log.Printf("httpx: notify %s: %v", orderNo, err)
		ackFail(w)
	}
}

func (h *ShopHandler) paymentReturn(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	_, _ = w.Write([]byte("Payment received. Check your order status in the shop."))
}

func ackSuccess(w http.ResponseWriter) { _, _ = w.Write([]byte("success")) }
func ackFail(w http.ResponseWriter)    { _, _ = w.Write([]byte("fail")) }

// notifySeen short-circuits provider retries via Redis. Read-only: the key
// is written by markNotifyDone only once the notification reached a final
// outcome, so a failed attempt never swallows the retry. Only an
// optimization: losing it (nil client, redis error) is safe, the CAS holds.
func (h *ShopHandler) notifySeen(ctx context.Context, orderNo, tradeNo string) bool {
	if h.Redis == nil {
		return false
	}
	key := fmt.Sprintf(redisx.KeyNotifyDedup, orderNo, tradeNo)
	n, err := h.Redis.Exists(ctx, key).Result()
	return err == nil && n > 0
}

func (h *ShopHandler) markNotifyDone(ctx context.Context, orderNo, tradeNo string) {
	if h.Redis == nil {
		return
	}
	key := fmt.Sprintf(redisx.KeyNotifyDedup, orderNo, tradeNo)
	_ = h.Redis.Set(ctx, key, "1", redisx.TTLNotifyDedup).Err()
}

func (h *ShopHandler) cacheStatus(ctx context.Context, orderNo string, status ledger.Status) {
	if h.Redis == nil {
		return
	}
	key := fmt.Sprintf(redisx.KeyOrderStatus, orderNo)
	body, _ := json.Marshal(map[string]string{"status": string(status)})
	_ = h.Redis.Set(ctx, key, body, redisx.TTLStatusCache).Err()
}

// --- admin ---

func (h *ShopHandler) adminAddProduct(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Name         string `json:"name"`
		Price        string `json:"price"`
		Quantity     int    `json:"quantity"`
		DeliveryMode string `json:"delivery_mode"`
		Content      string `json:"content"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Name == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "missing fields"})
		return
	}
	price, err := decimal.NewFromString(req.Price)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "bad price"})
		return
	}
	p, err := h.Catalog.Add(r.Context(), catalog.AddInput{
		Name:         req.Name,
		Price:        price,
		Quantity:     req.Quantity,
		DeliveryMode: catalog.DeliveryMode(req.DeliveryMode),
		Content:      req.Content,
	})
	if err != nil {
		writeErr(w, http.StatusBadRequest, err)
		return
	}
	writeJSON(w, http.StatusCreated, p)
}

func (h *ShopHandler) adminUpdateProduct(w http.ResponseWriter, r *http.Request) {
	productID := chi.URLParam(r, "productID")
	var req struct {
		Name    *string `json:"name"`
		Price   *string `json:"price"`
		Content *string `json:"content"`
		Status  *string `json:"status"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid json"})
		return
	}
	in := catalog.UpdateInput{Name: req.Name, Content: req.Content, Status: req.Status}
	if req.Price != nil {
		price, err := decimal.NewFromString(*req.Price)
		if err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "bad price"})
			return
		}
		in.Price = &price
	}
	p, err := h.Catalog.Update(r.Context(), productID, in)
	if err != nil {
		if errors.Is(err, catalog.ErrNotFound) {
			writeJSON(w, http.StatusNotFound, map[string]string{"error": "not found"})
			return
		}
		writeErr(w, http.StatusBadRequest, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

func (h *ShopHandler) adminSetStock(w http.ResponseWriter, r *http.Request) {
	productID := chi.URLParam(r, "productID")
	var req struct {
		Quantity int `json:"quantity"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid json"})
		return
	}
	if err := h.Inventory.SetQuantity(r.Context(), productID, req.Quantity); err != nil {
		writeErr(w, http.StatusBadRequest, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"product_id": productID, "quantity": req.Quantity})
}

func (h *ShopHandler) adminDeactivateProduct(w http.ResponseWriter, r *http.Request) {
	productID := chi.URLParam(r, "productID")
	if err := h.Catalog.Deactivate(r.Context(), productID); err != nil {
		if errors.Is(err, catalog.ErrNotFound) {
			writeJSON(w, http.StatusNotFound, map[string]string{"error": "not found"})
			return
		}
		writeErr(w, http.StatusBadRequest, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *ShopHandler) adminListOrders(w http.ResponseWriter, r *http.Request) {
	status := ledger.Status(r.URL.Query().Get("status"))
	page, _ := strconv.Atoi(r.URL.Query().Get("page"))
	os, total, err := h.Ledger.ListByStatus(r.Context(), status, page, 10)
	if err != nil {
		writeErr(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"orders": os, "total": total})
}

func (h *ShopHandler) adminDeliver(w http.ResponseWriter, r *http.Request) {
	orderNo := chi.URLParam(r, "orderNo")
	var req struct {
		Content string `json:"content"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Content == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "missing content"})
		return
	}
	o, err := h.Dispatcher.Deliver(r.Context(), orderNo, req.Content)
	if err != nil {
		if errors.Is(err, ledger.ErrInvalidTransition) {
			writeJSON(w, http.StatusConflict, map[string]string{"error": "order is not paid"})
			return
		}
		if errors.Is(err, ledger.ErrNotFound) {
			writeJSON(w, http.StatusNotFound, map[string]string{"error": "not found"})
			return
		}
		writeErr(w, http.StatusInternalServerError, err)
		return
	}
	h.cacheStatus(r.Context(), orderNo, o.Status)
	writeJSON(w, http.StatusOK, o)
}

func (h *ShopHandler) adminCancel(w http.ResponseWriter, r *http.Request) {
	orderNo := chi.URLParam(r, "orderNo")
	o, err := h.Ledger.Cancel(r.Context(), orderNo, "admin")
	if err != nil {
		if errors.Is(err, ledger.ErrInvalidTransition) {
			writeJSON(w, http.StatusConflict, map[string]string{"error": "only pending orders can be cancelled"})
			return
		}
		if errors.Is(err, ledger.ErrNotFound) {
			writeJSON(w, http.StatusNotFound, map[string]string{"error": "not found"})
			return
		}
		writeErr(w, http.StatusInternalServerError, err)
		return
	}
	h.Scheduler.Cancel(orderNo)
	h.cacheStatus(r.Context(), orderNo, o.Status)
	writeJSON(w, http.StatusOK, o)
}

func (h *ShopHandler) adminSaveMethod(w http.ResponseWriter, r *http.Request) {
	var m payment.Method
	if err := json.NewDecoder(r.Body).Decode(&m); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid json"})
		return
	}
	if err := h.Methods.Save(r.Context(), m); err != nil {
		writeErr(w, http.StatusBadRequest, err)
		return
	}
	writeJSON(w, http.StatusOK, m)
}

func (h *ShopHandler) adminStats(w http.ResponseWriter, r *http.Request) {
	st, err := h.Ledger.Summary(r.Context())
	if err != nil {
		writeErr(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}
