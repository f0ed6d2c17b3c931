package fulfill

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"log"
	"strings"

	"github.com/hanifr/go-storefront-orders/internal/catalog"
	"github.com/hanifr/go-storefront-orders/internal/inventory"
	"github.com/hanifr/go-storefront-orders/internal/ledger"
	"github.com/hanifr/go-storefront-orders/internal/notify"
)

// ErrStockShort means the paid-time decrement could not cover every line;
// the order was rolled back to cancelled.
var ErrStockShort = errors.New("fulfill: insufficient stock at paid time")

// Operator is a registered handler of manual orders and compensating alerts.
type Operator struct {
	Email string
	Chat  string
}

// Dispatcher runs exactly once per paid order; the ledger's CAS guarantees a
// single winner, so no internal locking here.
type Dispatcher struct {
	Ledger    *ledger.Ledger
	Inventory *inventory.Store
	Catalog   *catalog.Service
	Mailer    notify.Mailer
	Messenger notify.Messenger
	Operators []Operator
}

// Dispatch handles an order that just flipped pending->paid. It decrements
// stock for every line item, all or nothing; a shortage rolls the order back
// to cancelled (actor=system). Notification failures never revert anything.
func (d *Dispatcher) Dispatch(ctx context.Context, o *ledger.Order) error {
	if !d.reserveAll(ctx, o) {
		if _, err := d.Ledger.RollbackPaid(ctx, o.OrderNo); err != nil {
			return fmt.Errorf("fulfill: rollback %s: %w", o.OrderNo, err)
		}
		d.alertOperators(ctx, fmt.Sprintf("order %s cancelled: stock short at paid time", o.OrderNo))
		return ErrStockShort
	}

	if o.Manual() {
		d.handoff(ctx, o)
		return nil // stays paid until an operator delivers
	}

	content := d.composeContent(ctx, o)
	d.notifyBuyer(ctx, o, content)

	if _, err := d.Ledger.MarkDelivered(ctx, o.OrderNo, content); err != nil {
		return fmt.Errorf("fulfill: deliver %s: %w", o.OrderNo, err)
	}
	return nil
}

// Deliver is the operator path for manual orders; the ledger rejects it
// unless the order is currently paid.
func (d *Dispatcher) Deliver(ctx context.Context, orderNo, content string) (*ledger.Order, error) {
	o, err := d.Ledger.MarkDelivered(ctx, orderNo, content)
	if err != nil {
		return nil, err
	}
	d.notifyBuyer(ctx, o, content)
	return o, nil
}

// reserveAll decrements every line or nothing: on the first shortage it
// releases what it already took.
func (d *Dispatcher) reserveAll(ctx context.Context, o *ledger.Order) bool {
	taken := make([]ledger.Line, 0, len(o.Lines))
	for _, l := range o.Lines {
		ok, err := d.Inventory.TryReserve(ctx, l.ProductID, l.Qty)
		if err != nil {
			log.Printf("fulfill: reserve %s/%s: %v", o.OrderNo, l.ProductID, err)
		}
		if err != nil || !ok {
			for _, t := range taken {
				if rerr := d.Inventory.Release(ctx, t.ProductID, t.Qty); rerr != nil {
					log.Printf("fulfill: release %s/%s: %v", o.OrderNo, t.ProductID, rerr)
				}
			}
			return false
		}
		taken = append(taken, l)
	}
	return true
}

func (d *Dispatcher) composeContent(ctx context.Context, o *ledger.Order) string {
	var sb strings.Builder
	for i, l := range o.Lines {
		if i > 0 {
			sb.WriteString("\n")
		}
		content := ""
		if p, err := d.Catalog.Get(ctx, l.ProductID); err == nil {
			content = p.Content
		}
		if content == "" {
			content = "card code: " + cardCode()
		}
		fmt.Fprintf(&sb, "%s x%d: %s", l.Name, l.Qty, content)
	}
	return sb.String()
}

func (d *Dispatcher) notifyBuyer(ctx context.Context, o *ledger.Order, content string) {
	subject := "Order delivered - " + o.OrderNo
	body := fmt.Sprintf("Order %s (total %s) has been delivered.\n\n%s",
		o.OrderNo, o.Total.StringFixed(2), content)

	failed := false
	if err := d.Mailer.Send(ctx, o.Email, subject, body); err != nil {
		log.Printf("fulfill: mail buyer %s: %v", o.OrderNo, err)
		failed = true
	}
	if err := d.Messenger.Notify(ctx, o.UserID, body, nil); err != nil {
		log.Printf("fulfill: message buyer %s: %v", o.OrderNo, err)
		failed = true
	}
	if failed {
		d.alertOperators(ctx, fmt.Sprintf("order %s delivered but buyer notification failed", o.OrderNo))
	}
}

// handoff tells every operator a manual order is waiting.
func (d *Dispatcher) handoff(ctx context.Context, o *ledger.Order) {
	var items strings.Builder
	for _, l := range o.Lines {
		fmt.Fprintf(&items, "- %s x%d (%s)\n", l.Name, l.Qty, l.DeliveryMode)
	}
	text := fmt.Sprintf(
		"Manual delivery needed\norder: %s\nbuyer: %s <%s>\ntotal: %s\n%suse the deliver endpoint with the content to hand over",
		o.OrderNo, o.UserID, o.Email, o.Total.StringFixed(2), items.String())

	for _, op := range d.Operators {
		if op.Email != "" {
			if err := d.Mailer.Send(ctx, op.Email, "Manual delivery needed - "+o.OrderNo, text); err != nil {
				log.Printf("fulfill: mail operator %s: %v", o.OrderNo, err)
			}
		}
		if op.Chat != "" {
			if err := d.Messenger.Notify(ctx, op.Chat, text, nil); err != nil {
				log.Printf("fulfill: message operator %s: %v", o.OrderNo, err)
			}
		}
	}
}

func (d *Dispatcher) alertOperators(ctx context.Context, text string) {
	for _, op := range d.Operators {
		if op.Chat == "" {
			continue
		}
		if err := d.Messenger.Notify(ctx, op.Chat, text, nil); err != nil {
			log.Printf("fulfill: operator alert: %v", err)
		}
	}
}

const cardAlphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"

func cardCode() string {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		panic(err)
	}
	for i := range b {
		b[i] = cardAlphabet[int(b[i])%len(cardAlphabet)]
	}
	return string(b)
}
