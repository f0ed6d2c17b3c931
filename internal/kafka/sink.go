package kafka

import (
	kafkago "github.com/segmentio/kafka-go"

	"github.com/hanifr/go-storefront-orders/internal/ledger"
)

// LifecycleSink routes ledger envelopes onto their topics, keyed by order
// number so per-order ordering holds.
type LifecycleSink struct {
	P *Producer
}

func (s *LifecycleSink) Publish(ev ledger.Envelope) {
	topic := ledger.TopicFor(ev.EventType)
	if topic == "" {
		return
	}
	s.P.Publish(topic, ledger.PartitionKey(ev.CorrelationID), MustMarshal(ev),
		kafkago.Header{Key: "x-event-type", Value: []byte(ev.EventType)},
		kafkago.Header{Key: "x-event-version", Value: []byte("1")},
	)
}
