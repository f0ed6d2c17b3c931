package ledger

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

const (
	EventOrderCreated   = "OrderCreated"
	EventOrderPaid      = "OrderPaid"
	EventOrderDelivered = "OrderDelivered"
	EventOrderCancelled = "OrderCancelled"
	EventOrderExpired   = "OrderExpired"
)

const (
	TopicOrderCreated   = "shop.order.created"
	TopicOrderPaid      = "shop.order.paid"
	TopicOrderDelivered = "shop.order.delivered"
	TopicOrderCancelled = "shop.order.cancelled"
	TopicOrderExpired   = "shop.order.expired"
)

// TopicFor maps an event type to its topic.
func TopicFor(eventType string) string {
	switch eventType {
	case EventOrderCreated:
		return TopicOrderCreated
	case EventOrderPaid:
		return TopicOrderPaid
	case EventOrderDelivered:
		return TopicOrderDelivered
	case EventOrderCancelled:
		return TopicOrderCancelled
	case EventOrderExpired:
		return TopicOrderExpired
	}
	return ""
}

// PartitionKey = order_no, so every event of one order keeps its ordering.
func PartitionKey(orderNo string) []byte { return []byte(orderNo) }

type Envelope struct {
	EventID       string          `json:"event_id"`
	EventType     string          `json:"event_type"`
	EventVersion  int             `json:"event_version"`
	OccurredAt    time.Time       `json:"occurred_at"`
	CorrelationID string          `json:"correlation_id"` // order_no
	Payload       json.RawMessage `json:"payload"`
}

func NewEnvelope(eventType, orderNo string, payload any) Envelope {
	b, err := json.Marshal(payload)
	if err != nil {
		panic(err)
	}
	return Envelope{
		EventID:       uuid.NewString(),
		EventType:     eventType,
		EventVersion:  1,
		OccurredAt:    time.Now().UTC(),
		CorrelationID: orderNo,
		Payload:       b,
	}
}

// EventSink receives lifecycle envelopes after the transition is durable.
// Delivery is best-effort; the ledger never blocks a transition on it.
type EventSink interface {
	Publish(ev Envelope)
}

type OrderCreatedPayload struct {
	OrderNo string `json:"order_no"`
	UserID  string `json:"user_id"`
	Total   string `json:"total"`
}

type OrderPaidPayload struct {
	OrderNo    string `json:"order_no"`
	PaymentRef string `json:"payment_ref"`
	Total      string `json:"total"`
}

type OrderDeliveredPayload struct {
	OrderNo string `json:"order_no"`
}

type OrderCancelledPayload struct {
	OrderNo string `json:"order_no"`
	Actor   string `json:"actor"`
}

type OrderExpiredPayload struct {
	OrderNo string `json:"order_no"`
}
