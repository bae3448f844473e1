package events

import (
	"sync"
	"testing"
	"time"
)

func collectRecords(t *testing.T, bus *Bus, runID string) (*sync.Mutex, *[]Record, func()) {
	t.Helper()
	var mu sync.Mutex
	var got []Record
	unsub := bus.Subscribe(runID, func(r Record) {
		mu.Lock()
		got = append(got, r)
		mu.Unlock()
	})
	return &mu, &got, unsub
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met before deadline")
}

func TestBus_DeliversToSubscriber(t *testing.T) {
	bus := NewBus(10)
	defer bus.Close()

	mu, got, _ := collectRecords(t, bus, "")

	r := New(KindText)
	r.RunID = "run_1"
	bus.Emit(r)

	waitFor(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(*got) == 1
	})
	mu.Lock()
	defer mu.Unlock()
	if (*got)[0].ID != r.ID {
		t.Errorf("expected record %s, got %s", r.ID, (*got)[0].ID)
	}
}

func TestBus_RunFilter(t *testing.T) {
	bus := NewBus(10)
	defer bus.Close()

	mu, got, _ := collectRecords(t, bus, "run_a")

	ra := New(KindText)
	ra.RunID = "run_a"
	rb := New(KindText)
	rb.RunID = "run_b"
	bus.Emit(rb)
	bus.Emit(ra)

	waitFor(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(*got) == 1
	})
	mu.Lock()
	defer mu.Unlock()
	if (*got)[0].RunID != "run_a" {
		t.Errorf("expected only run_a records, got %+v", *got)
	}
}

func TestBus_Unsubscribe(t *testing.T) {
	bus := NewBus(10)
	defer bus.Close()

	mu, got, unsub := collectRecords(t, bus, "")
	unsub()

	bus.Emit(New(KindText))
	time.Sleep(50 * time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	if len(*got) != 0 {
		t.Errorf("expected no delivery after unsubscribe, got %d", len(*got))
	}
}

func TestBus_FullChannelDropsWithoutBlocking(t *testing.T) {
	bus := NewBus(1)
	defer bus.Close()

	block := make(chan struct{})
	bus.Subscribe("", func(Record) { <-block })

	done := make(chan struct{})
	go func() {
		for i := 0; i < 100; i++ {
			bus.Emit(New(KindText))
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Emit blocked on a slow subscriber")
	}
	close(block)
}

func TestBus_SubscriberPanicDoesNotKillBus(t *testing.T) {
	bus := NewBus(10)
	defer bus.Close()

	bus.Subscribe("", func(Record) { panic("boom") })
	mu, got, _ := collectRecords(t, bus, "")

	bus.Emit(New(KindText))
	bus.Emit(New(KindText))

	waitFor(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(*got) == 2
	})
}

func TestTee_FansOut(t *testing.T) {
	var a, b []Record
	tee := Tee{
		SinkFunc(func(r Record) { a = append(a, r) }),
		SinkFunc(func(r Record) { b = append(b, r) }),
	}
	tee.Emit(New(KindText))
	if len(a) != 1 || len(b) != 1 {
		t.Errorf("expected both sinks to receive, got %d/%d", len(a), len(b))
	}
}
