package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"golang.org/x/sync/errgroup"

	"github.com/hanifr/go-storefront-orders/internal/accounts"
	"github.com/hanifr/go-storefront-orders/internal/catalog"
	"github.com/hanifr/go-storefront-orders/internal/checkout"
	"github.com/hanifr/go-storefront-orders/internal/config"
	"github.com/hanifr/go-storefront-orders/internal/fulfill"
	"github.com/hanifr/go-storefront-orders/internal/httpx"
	"github.com/hanifr/go-storefront-orders/internal/inventory"
	kafkax "github.com/hanifr/go-storefront-orders/internal/kafka"
	"github.com/hanifr/go-storefront-orders/internal/ledger"
	"github.com/hanifr/go-storefront-orders/internal/notify"
	"github.com/hanifr/go-storefront-orders/internal/payment"
	"github.com/hanifr/go-storefront-orders/internal/postgres"
	"github.com/hanifr/go-storefront-orders/internal/redisx"
	"github.com/hanifr/go-storefront-orders/internal/schedule"
)

func main() {
	_ = godotenv.Load()

	cfg := config.Load()
	log.Printf("%s starting", cfg.ServiceName)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// DB
	db, err := postgres.Connect(ctx, cfg.PostgresDSN)
	if err != nil {
		log.Fatalf("db connect: %v", err)
	}
	defer db.Close()
	docs, err := postgres.NewDocStore(ctx, db)
	if err != nil {
		log.Fatalf("db schema: %v", err)
	}

	// Redis
	rdb := redisx.New(cfg.RedisAddr)
	defer rdb.Close()

	// Kafka producer for lifecycle events
	prod := kafkax.NewProducer(cfg.KafkaBrokers, 1024)
	prod.Start(ctx)

	// Collaborators
	mailer := &notify.SMTPMailer{
		Host:     cfg.SMTPHost,
		Port:     cfg.SMTPPort,
		Username: cfg.SMTPUsername,
		Password: cfg.SMTPPassword,
		From:     cfg.SMTPFrom,
	}
	messenger := notify.LogMessenger{}
	gateway := payment.NewClient(cfg.GatewayURL, cfg.GatewayPID, cfg.GatewayKey, cfg.NotifyURL, cfg.ReturnURL)

	// Core
	lg := ledger.New(docs, &kafkax.LifecycleSink{P: prod})
	cat := &catalog.Service{DB: docs}
	inv := inventory.New(docs)
	acc := &accounts.Service{DB: docs, Mailer: mailer}
	methods := &payment.Methods{DB: docs}
	carts := &checkout.Carts{DB: docs}
	sched := schedule.New(lg, cfg.SweepInterval)

	var operators []fulfill.Operator
	for _, email := range cfg.Operators {
		operators = append(operators, fulfill.Operator{Email: email, Chat: email})
	}
	disp := &fulfill.Dispatcher{
		Ledger:    lg,
		Inventory: inv,
		Catalog:   cat,
		Mailer:    mailer,
		Messenger: messenger,
		Operators: operators,
	}
	orch := &checkout.Orchestrator{
		Catalog:       cat,
		Inventory:     inv,
		Ledger:        lg,
		Accounts:      acc,
		Methods:       methods,
		Gateway:       gateway,
		Carts:         carts,
		Scheduler:     sched,
		Messenger:     messenger,
		PayTimeout:    cfg.PayTimeout,
		SelectTimeout: cfg.SelectTimeout,
	}

	router := httpx.NewRouter()
	sh := &httpx.ShopHandler{
		Orchestrator: orch,
		Carts:        carts,
		Catalog:      cat,
		Inventory:    inv,
		Ledger:       lg,
		Accounts:     acc,
		Methods:      methods,
		Gateway:      gateway,
		Dispatcher:   disp,
		Scheduler:    sched,
		Redis:        rdb,
	}
	sh.Register(router)

	srv := &http.Server{Addr: cfg.HTTPAddr, Handler: router}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Printf("HTTP listening at %s", cfg.HTTPAddr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return err
		}
		return nil
	})
	g.Go(func() error {
		// first sweep doubles as crash recovery for lost expiry timers
		return sched.Run(gctx)
	})

	// wait signal
	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	select {
	case <-sig:
		log.Println("shutting down...")
	case <-gctx.Done():
	}

	ctx2, cancel2 := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel2()
	_ = srv.Shutdown(ctx2)
	cancel()
	if err := g.Wait(); err != nil {
		log.Printf("run: %v", err)
	}
	// disarm expiry timers, then flush: nobody publishes anymore
	sched.Stop()
	prod.Close()
	prod.WaitClosed()
}
