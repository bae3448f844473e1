package events

import (
	"sync"
)

// Sink receives event records. The executor writes to a Sink; the Bus, the
// Journal, and test fakes all implement it.
type Sink interface {
	Emit(Record)
}

// SinkFunc adapts a function to the Sink interface.
type SinkFunc func(Record)

func (f SinkFunc) Emit(r Record) { f(r) }

// Discard drops every record. Used where a caller wants no streaming.
var Discard Sink = SinkFunc(func(Record) {})

// Bus is a non-blocking fan-out using the publish/subscribe pattern.
// Records are delivered asynchronously via buffered channels. If a
// subscriber's channel is full, the record is dropped for that subscriber
// rather than blocking the publisher.
type Bus struct {
	mu          sync.RWMutex
	subscribers []*subscriber
	bufferSize  int
}

type subscriber struct {
	ch    chan Record
	runID string // "" subscribes to every run
}

// NewBus creates a new event bus with the specified buffer size per subscriber.
func NewBus(bufferSize int) *Bus {
	if bufferSize <= 0 {
		bufferSize = 100
	}
	return &Bus{bufferSize: bufferSize}
}

// Subscribe registers fn for records of one run ("" for all runs). The
// function is called asynchronously in a dedicated goroutine. Returns an
// unsubscribe function.
func (b *Bus) Subscribe(runID string, fn func(Record)) func() {
	b.mu.Lock()
	defer b.mu.Unlock()

	sub := &subscriber{ch: make(chan Record, b.bufferSize), runID: runID}
	b.subscribers = append(b.subscribers, sub)

	go func() {
		for record := range sub.ch {
			func() {
				defer func() {
					// A panicking subscriber must not take the bus down.
					_ = recover()
				}()
				fn(record)
			}()
		}
	}()

	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		for i, s := range b.subscribers {
			if s == sub {
				b.subscribers = append(b.subscribers[:i], b.subscribers[i+1:]...)
				close(sub.ch)
				break
			}
		}
	}
}

// Emit implements Sink. Delivery is non-blocking: a full subscriber channel
// drops the record for that subscriber.
func (b *Bus) Emit(record Record) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	for _, sub := range b.subscribers {
		if sub.runID != "" && sub.runID != record.RunID {
			continue
		}
		select {
		case sub.ch <- record:
		default:
		}
	}
}

// Close closes all subscriber channels and clears subscriptions.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	for _, sub := range b.subscribers {
		close(sub.ch)
	}
	b.subscribers = nil
}

// Tee fans one record out to several sinks.
type Tee []Sink

func (t Tee) Emit(r Record) {
	for _, s := range t {
		s.Emit(r)
	}
}
