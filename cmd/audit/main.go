// Command audit tails the order lifecycle topics and archives every envelope
// into the document store, keyed by event id. The archive is the flat audit
// trail admins query when reconciling gateway money against order states.
package main

import (
	"context"
	"encoding/json"
	"log"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"github.com/joho/godotenv"
	kafkago "github.com/segmentio/kafka-go"

	"github.com/hanifr/go-storefront-orders/internal/config"
	kafkax "github.com/hanifr/go-storefront-orders/internal/kafka"
	"github.com/hanifr/go-storefront-orders/internal/ledger"
	"github.com/hanifr/go-storefront-orders/internal/postgres"
	"github.com/hanifr/go-storefront-orders/internal/store"
)

func main() {
	_ = godotenv.Load()
	cfg := config.Load()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	db, err := postgres.Connect(ctx, cfg.PostgresDSN)
	if err != nil {
		log.Fatalf("db: %v", err)
	}
	defer db.Close()
	docs, err := postgres.NewDocStore(ctx, db)
	if err != nil {
		log.Fatalf("db schema: %v", err)
	}

	topics := []string{
		ledger.TopicOrderCreated,
		ledger.TopicOrderPaid,
		ledger.TopicOrderDelivered,
		ledger.TopicOrderCancelled,
		ledger.TopicOrderExpired,
	}
	group := getenv("AUDIT_GROUP", "shop-audit")
	workers := mustAtoi(os.Getenv("AUDIT_WORKERS"), "4")
	cons := kafkax.NewConsumer(cfg.KafkaBrokers, group, topics, workers)

	handler := func(ctx context.Context, m kafkago.Message) error {
		var env ledger.Envelope
		if err := json.Unmarshal(m.Value, &env); err != nil {
			log.Printf("audit: drop unparseable message on %s: %v", m.Topic, err)
			return nil // poison message, commit and move on
		}
		if m.Topic == ledger.TopicOrderPaid {
			if p, err := kafkax.UnwrapPayload[ledger.OrderPaidPayload](env.Payload); err == nil {
				log.Printf("audit: payment: order=%s trade=%s total=%s", p.OrderNo, p.PaymentRef, p.Total)
			}
		}
		return docs.Save(ctx, store.ColAudit, env.EventID, env)
	}

	go func() {
		log.Printf("audit consumer started: group=%s workers=%d", group, workers)
		if err := cons.Start(ctx, handler); err != nil {
			log.Printf("consumer exit: %v", err)
			cancel()
		}
	}()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	select {
	case <-sig:
		log.Println("shutting down audit consumer...")
	case <-ctx.Done():
	}
	cancel()
}

func getenv(k, def string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return def
}

func mustAtoi(s, def string) int {
	if s == "" {
		s = def
	}
	i, err := strconv.Atoi(s)
	if err != nil {
		return 1
	}
	return i
}
