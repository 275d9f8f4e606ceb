package events

import (
	"context"
	"errors"
	"slices"
	"sync"
	"testing"

	"github.com/google/uuid"
)

// mockImplSubscriber is a TopicSubscriber for implementation tests.
type mockImplSubscriber struct {
	mu       sync.Mutex
	messages []Event
}

func (ms *mockImplSubscriber) OnMessage(ctx context.Context, event Event) {
	ms.mu.Lock()
	defer ms.mu.Unlock()
	ms.messages = append(ms.messages, event)
}

func (ms *mockImplSubscriber) getMessages() []Event {
	ms.mu.Lock()
	defer ms.mu.Unlock()
	return slices.Clone(ms.messages)
}

func TestPubSub_LocalDelivery(t *testing.T) {
	ps := NewPubSub(Config{Topics: []string{"task.state", "storage"}})

	sub := &mockImplSubscriber{}
	unsub, err := ps.Subscribe("task.state", sub)
	if err != nil {
		t.Fatalf("Subscribe() error = %v, wantErr nil", err)
	}

	publisher, err := ps.GetPublisher("scheduler", "task.state")
	if err != nil {
		t.Fatalf("GetPublisher() error = %v, wantErr nil", err)
	}

	if err := publisher.Publish(context.Background(), []byte("first")); err != nil {
		t.Fatalf("Publish() error = %v", err)
	}

	got := sub.getMessages()
	if len(got) != 1 {
		t.Fatalf("subscriber expected 1 message, got %d", len(got))
	}
	if string(got[0].Data) != "first" || got[0].Topic != "task.state" || got[0].Emitter != "scheduler" {
		t.Errorf("unexpected event %+v", got[0])
	}
	if _, err := uuid.Parse(got[0].EventID); err != nil {
		t.Errorf("event.EventID is not a valid UUID: %v", err)
	}
	if got[0].EmittedAt.IsZero() {
		t.Error("event.EmittedAt is zero")
	}

	unsub()
	if err := publisher.Publish(context.Background(), []byte("second")); err != nil {
		t.Fatalf("Publish() error = %v", err)
	}
	if n := len(sub.getMessages()); n != 1 {
		t.Errorf("subscriber received %d messages after unsubscribe, expected 1", n)
	}
}

func TestPubSub_SubscriberFunc(t *testing.T) {
	ps := NewPubSub(Config{Topics: []string{"t"}})

	var count int
	fn := SubscriberFunc(func(ctx context.Context, event Event) { count++ })
	unsubA, _ := ps.Subscribe("t", fn)
	_, _ = ps.Subscribe("t", fn)

	pub, _ := ps.GetPublisher("e", "t")
	_ = pub.Publish(context.Background(), nil)
	if count != 2 {
		t.Fatalf("expected two deliveries, got %d", count)
	}

	unsubA()
	_ = pub.Publish(context.Background(), nil)
	if count != 3 {
		t.Fatalf("expected one more delivery after unsubscribing one of two, got %d", count)
	}
}

func TestPubSub_TopicNotPermitted(t *testing.T) {
	ps := NewPubSub(Config{Topics: []string{"allowed"}})

	if _, err := ps.Subscribe("forbidden", &mockImplSubscriber{}); !errors.Is(err, ErrTopicNotPermitted) {
		t.Errorf("Subscribe() error = %v, want %v", err, ErrTopicNotPermitted)
	}
	if _, err := ps.GetPublisher("e", "forbidden"); !errors.Is(err, ErrTopicNotPermitted) {
		t.Errorf("GetPublisher() error = %v, want %v", err, ErrTopicNotPermitted)
	}
	topics, _ := ps.GetPermittedTopics()
	if !slices.Equal(topics, []string{"allowed"}) {
		t.Errorf("GetPermittedTopics() got = %v", topics)
	}
}

func TestPubSub_CustomRouter(t *testing.T) {
	var routed []Event
	boom := errors.New("router down")
	fail := false
	ps := NewPubSub(Config{
		Topics: []string{"t"},
		Router: func(ctx context.Context, event Event) error {
			if fail {
				return boom
			}
			routed = append(routed, event)
			return nil
		},
	})

	pub, _ := ps.GetPublisher("e", "t")
	if err := pub.Publish(context.Background(), []byte("x")); err != nil {
		t.Fatalf("Publish() error = %v", err)
	}
	if len(routed) != 1 {
		t.Fatalf("router saw %d events, want 1", len(routed))
	}

	fail = true
	if err := pub.Publish(context.Background(), []byte("y")); !errors.Is(err, boom) {
		t.Errorf("Publish() error = %v, want %v", err, boom)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	fail = false
	if err := pub.Publish(ctx, []byte("z")); !errors.Is(err, context.Canceled) {
		t.Errorf("Publish() on cancelled ctx error = %v", err)
	}
}
