package redisx

import "time"

const (
	// Order status cache: order_status:{order_no} -> {"status":"..."}
	KeyOrderStatus = "order_status:%s"

	// Payment notification dedup fast path: dedup:notify:{order_no}:{trade_no}.
	// The ledger CAS is the real guard; this only short-circuits provider
	// retries before they hit the ledger.
	KeyNotifyDedup = "dedup:notify:%s:%s"
)

var (
	TTLStatusCache = 5 * time.Minute
	TTLNotifyDedup = 48 * time.Hour
)
