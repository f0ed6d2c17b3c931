package schedule

import (
	"context"
	"errors"
	"log"
	"sync"
	"time"

	"github.com/hanifr/go-storefront-orders/internal/ledger"
)

// Scheduler enforces order expiry twice over: a one-shot timer per order for
// the common case, and a periodic sweep over stored deadlines that also
// covers timers lost to a restart. Both funnel into ledger.Expire, whose CAS
// absorbs duplicates.
type Scheduler struct {
	Ledger   *ledger.Ledger
	Interval time.Duration

	mu     sync.Mutex
	timers map[string]*time.Timer
}

func New(lg *ledger.Ledger, interval time.Duration) *Scheduler {
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	return &Scheduler{Ledger: lg, Interval: interval, timers: make(map[string]*time.Timer)}
}

// Schedule arms a one-shot expiry timer for the order.
func (s *Scheduler) Schedule(orderNo string, at time.Time) {
	d := time.Until(at)
	if d < 0 {
		d = 0
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if t, ok := s.timers[orderNo]; ok {
		t.Stop()
	}
	s.timers[orderNo] = time.AfterFunc(d, func() { s.fire(orderNo) })
}

// Cancel drops the timer when the order leaves pending by another path.
// Best-effort: losing the race with fire() is fine, Expire no-ops then.
func (s *Scheduler) Cancel(orderNo string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if t, ok := s.timers[orderNo]; ok {
		t.Stop()
		delete(s.timers, orderNo)
	}
}

// Stop disarms every timer. Called at shutdown before the event pipeline
// closes, so no timer fires into torn-down collaborators; the deadlines stay
// on the stored orders and the next start's sweep picks them up.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for orderNo, t := range s.timers {
		t.Stop()
		delete(s.timers, orderNo)
	}
}

func (s *Scheduler) fire(orderNo string) {
	s.mu.Lock()
	delete(s.timers, orderNo)
	s.mu.Unlock()

	_, err := s.Ledger.Expire(context.Background(), orderNo)
	switch {
	case err == nil:
		log.Printf("schedule: order expired: %s", orderNo)
	case errors.Is(err, ledger.ErrAlreadyFinal):
		// paid or cancelled meanwhile
	default:
		log.Printf("schedule: expire %s: %v", orderNo, err)
	}
}

// Run sweeps immediately (the recovery path after a restart) and then every
// Interval until ctx is done.
func (s *Scheduler) Run(ctx context.Context) error {
	s.Sweep(ctx, time.Now().UTC())

	t := time.NewTicker(s.Interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case now := <-t.C:
			s.Sweep(ctx, now.UTC())
		}
	}
}

// Sweep expires every pending order past its deadline.
func (s *Scheduler) Sweep(ctx context.Context, now time.Time) {
	due, err := s.Ledger.OverduePending(ctx, now)
	if err != nil {
		log.Printf("schedule: sweep scan: %v", err)
		return
	}
	for _, orderNo := range due {
		s.Cancel(orderNo)
		if _, err := s.Ledger.Expire(ctx, orderNo); err != nil && !errors.Is(err, ledger.ErrAlreadyFinal) {
			log.Printf("schedule: sweep expire %s: %v", orderNo, err)
		}
	}
	if len(due) > 0 {
		log.Printf("schedule: sweep expired %d order(s)", len(due))
	}
}
