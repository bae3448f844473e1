package worker

import (
	"context"
	"sync"
	"time"
)

// Pacer is a process-wide pacing gate for outbound worker calls. Each Wait
// reserves the next slot at least interval after the previous one, so calls
// from concurrent invocations stay spaced out. A zero interval disables
// pacing.
type Pacer struct {
	mu       sync.Mutex
	interval time.Duration
	next     time.Time
}

func NewPacer(interval time.Duration) *Pacer {
	return &Pacer{interval: interval}
}

// Wait blocks until the caller's reserved slot arrives or ctx is cancelled.
func (p *Pacer) Wait(ctx context.Context) error {
	if p == nil || p.interval <= 0 {
		return nil
	}

	p.mu.Lock()
	now := time.Now()
	slot := p.next
	if slot.Before(now) {
		slot = now
	}
	p.next = slot.Add(p.interval)
	p.mu.Unlock()

	d := time.Until(slot)
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
