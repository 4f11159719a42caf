package events

import (
	"sync"
	"testing"
	"time"
)

func TestNilBus(t *testing.T) {
	var b *Bus
	// Must not panic.
	b.Publish(Event{Source: SourceLog, Kind: KindMessage})
	b.Emit(SourceLog, KindMessage, nil)
	if got := b.SubscriberCount(); got != 0 {
		t.Errorf("SubscriberCount() on nil bus = %d, want 0", got)
	}
}

func TestPublishStampsTimestamp(t *testing.T) {
	b := New()
	ch := b.Subscribe(1)
	defer b.Unsubscribe(ch)

	b.Publish(Event{Source: SourceLog, Kind: KindMessage})

	got := <-ch
	if got.Timestamp.IsZero() {
		t.Error("expected Publish to stamp a zero timestamp")
	}
}

func TestEmitDeliversData(t *testing.T) {
	b := New()
	ch := b.Subscribe(4)
	defer b.Unsubscribe(ch)

	b.Emit(SourceOrchestrator, KindIdentities, map[string]any{"count": 3})

	select {
	case got := <-ch:
		if got.Source != SourceOrchestrator || got.Kind != KindIdentities {
			t.Errorf("got %s/%s, want %s/%s", got.Source, got.Kind, SourceOrchestrator, KindIdentities)
		}
		if n, _ := got.Data["count"].(int); n != 3 {
			t.Errorf("count = %v, want 3", got.Data["count"])
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event")
	}
}

func TestPublishMultipleSubscribers(t *testing.T) {
	b := New()
	const n = 4
	chans := make([]<-chan Event, n)
	for i := range n {
		chans[i] = b.Subscribe(2)
	}

	b.Emit(SourceConnectivity, KindLink, map[string]any{"link": "wifi", "up": true})

	for i, ch := range chans {
		select {
		case got := <-ch:
			if got.Kind != KindLink {
				t.Errorf("subscriber %d: kind = %q, want %q", i, got.Kind, KindLink)
			}
		case <-time.After(time.Second):
			t.Fatalf("subscriber %d: timed out", i)
		}
		b.Unsubscribe(ch)
	}
}

func TestDropOnFull(t *testing.T) {
	b := New()
	ch := b.Subscribe(1)
	defer b.Unsubscribe(ch)

	b.Publish(Event{Kind: "first"})
	b.Publish(Event{Kind: "second"})

	if got := <-ch; got.Kind != "first" {
		t.Errorf("got kind %q, want %q", got.Kind, "first")
	}
	select {
	case evt := <-ch:
		t.Errorf("expected empty channel, got %v", evt)
	default:
	}
}

func TestUnsubscribe(t *testing.T) {
	b := New()
	ch := b.Subscribe(8)
	if got := b.SubscriberCount(); got != 1 {
		t.Fatalf("SubscriberCount() = %d, want 1", got)
	}

	b.Unsubscribe(ch)
	b.Unsubscribe(ch) // second call is a no-op

	if _, ok := <-ch; ok {
		t.Error("expected channel closed after Unsubscribe")
	}
	if got := b.SubscriberCount(); got != 0 {
		t.Errorf("SubscriberCount() = %d, want 0", got)
	}
}

func TestConcurrentPublish(t *testing.T) {
	b := New()
	ch := b.Subscribe(32)

	var drained sync.WaitGroup
	drained.Add(1)
	go func() {
		defer drained.Done()
		for range ch {
		}
	}()

	var pubs sync.WaitGroup
	for i := range 8 {
		pubs.Add(1)
		go func() {
			defer pubs.Done()
			for j := range 50 {
				b.Emit(SourceLog, KindMessage, map[string]any{"p": i, "seq": j})
			}
		}()
	}
	pubs.Wait()
	b.Unsubscribe(ch)
	drained.Wait()
}
