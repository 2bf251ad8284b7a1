package broadcast

import (
	"context"
	"encoding/json"
	"runtime"
	"sync"
	"testing"
	"time"
)

func TestDispatcherPublishesToEverySubscriber(t *testing.T) {
	dispatcher := NewDispatcher(Config{})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	first, firstCleanup := dispatcher.Subscribe(ctx)
	defer firstCleanup()
	second, secondCleanup := dispatcher.Subscribe(ctx)
	defer secondCleanup()

	dispatcher.Publish(Event{Type: EventPositionUpdate, Payload: map[string]any{"station_id": "244123456"}})

	for index, stream := range []<-chan Event{first, second} {
		select {
		case received := <-stream:
			if received.Type != EventPositionUpdate {
				t.Fatalf("subscriber %d: expected %s, got %s", index, EventPositionUpdate, received.Type)
			}
			if received.Timestamp.IsZero() {
				t.Fatalf("subscriber %d: expected timestamp to be stamped", index)
			}
		case <-time.After(500 * time.Millisecond):
			t.Fatalf("subscriber %d: expected event within deadline", index)
		}
	}
}

func TestDispatcherEvictsSlowSubscriber(t *testing.T) {
	evictions := 0
	dispatcher := NewDispatcher(Config{BufferSize: 2, OnEvict: func() { evictions++ }})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	slow, slowCleanup := dispatcher.Subscribe(ctx)
	defer slowCleanup()
	fast, fastCleanup := dispatcher.Subscribe(ctx)
	defer fastCleanup()

	for i := 0; i < 3; i++ {
		dispatcher.Publish(Event{Type: EventVesselUpdate})
		select {
		case <-fast:
		case <-time.After(500 * time.Millisecond):
			t.Fatalf("fast subscriber missed event %d", i)
		}
	}

	if evictions != 1 {
		t.Fatalf("expected one eviction, got %d", evictions)
	}
	if dispatcher.SubscriberCount() != 1 {
		t.Fatalf("expected one remaining subscriber, got %d", dispatcher.SubscriberCount())
	}

	drained := 0
	for range slow {
		drained++
	}
	if drained != 2 {
		t.Fatalf("expected slow subscriber to drain 2 buffered events before close, got %d", drained)
	}
}

func TestDispatcherCleanupOnContextCancel(t *testing.T) {
	dispatcher := NewDispatcher(Config{})
	ctx, cancel := context.WithCancel(context.Background())
	stream, _ := dispatcher.Subscribe(ctx)
	cancel()

	select {
	case _, ok := <-stream:
		if ok {
			t.Fatalf("expected closed stream")
		}
	case <-time.After(time.Second):
		t.Fatalf("expected stream to close after cancellation")
	}
	if dispatcher.SubscriberCount() != 0 {
		t.Fatalf("expected no subscribers, got %d", dispatcher.SubscriberCount())
	}
}

func TestDispatcherCleanupReleasesWatcher(t *testing.T) {
	dispatcher := NewDispatcher(Config{})
	baseline := runtime.NumGoroutine()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	cleanups := make([]func(), 0, 50)
	for index := 0; index < 50; index++ {
		_, cleanup := dispatcher.Subscribe(ctx)
		cleanups = append(cleanups, cleanup)
	}
	for _, cleanup := range cleanups {
		cleanup()
	}
	if dispatcher.SubscriberCount() != 0 {
		t.Fatalf("expected no subscribers, got %d", dispatcher.SubscriberCount())
	}

	deadline := time.Now().Add(2 * time.Second)
	for runtime.NumGoroutine() > baseline {
		if time.Now().After(deadline) {
			t.Fatalf("expected watchers to exit after cleanup: %d goroutines, baseline %d", runtime.NumGoroutine(), baseline)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

type recordingPublisher struct {
	mu       sync.Mutex
	subjects []string
	payloads [][]byte
}

func (p *recordingPublisher) Publish(subject string, data []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.subjects = append(p.subjects, subject)
	p.payloads = append(p.payloads, data)
	return nil
}

func (p *recordingPublisher) count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.subjects)
}

func TestNATSRelayPublishesEventsBySubject(t *testing.T) {
	publisher := &recordingPublisher{}
	relay := NewNATSRelay(RelayConfig{Publisher: publisher, SubjectPrefix: "ais."})
	if subject := relay.Subject(EventTextMessage); subject != "ais.text_message" {
		t.Fatalf("unexpected subject %q", subject)
	}

	dispatcher := NewDispatcher(Config{})
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		relay.Run(ctx, dispatcher)
		close(done)
	}()

	deadline := time.Now().Add(time.Second)
	for dispatcher.SubscriberCount() == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	dispatcher.Publish(Event{Type: EventTextMessage, Payload: map[string]string{"text": "SECURITE"}})
	for publisher.count() == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	cancel()
	<-done

	if publisher.count() != 1 {
		t.Fatalf("expected one relayed event, got %d", publisher.count())
	}
	var decoded map[string]any
	if err := json.Unmarshal(publisher.payloads[0], &decoded); err != nil {
		t.Fatalf("decode payload: %v", err)
	}
	if decoded["type"] != EventTextMessage {
		t.Fatalf("unexpected payload %v", decoded)
	}
}
