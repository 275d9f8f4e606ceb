package events

import (
	"context"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
)

// The actual implementation of the TopicPublisher interface that
// is handed to a caller who wants to publish events to a topic.
type topicPublisherImpl struct {
	emitterId string
	topic     string
	router    EventRouter
}

func (tp *topicPublisherImpl) Publish(ctx context.Context, data []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return tp.router(ctx, Event{
		EventID:   uuid.NewString(),
		Topic:     tp.topic,
		EmittedAt: time.Now(),
		Emitter:   tp.emitterId,
		Data:      data,
	})
}

// subscriptions are compared by pointer so the same TopicSubscriber value
// (e.g. a SubscriberFunc, which is not comparable) can be registered safely.
type subscription struct {
	subscriber TopicSubscriber
}

type pubSubImpl struct {
	permittedTopics []string
	subscribers     map[string][]*subscription

	subscribersMutex sync.RWMutex

	router EventRouter
}

func (ps *pubSubImpl) GetPermittedTopics() ([]string, error) {
	return ps.permittedTopics, nil
}

func (ps *pubSubImpl) GetPublisher(emitterId, topic string) (TopicPublisher, error) {
	if !slices.Contains(ps.permittedTopics, topic) {
		return nil, ErrTopicNotPermitted
	}
	return &topicPublisherImpl{
		emitterId: emitterId,
		topic:     topic,
		router:    ps.router,
	}, nil
}

func (ps *pubSubImpl) Subscribe(topic string, subscriber TopicSubscriber) (Unsubscriber, error) {
	if !slices.Contains(ps.permittedTopics, topic) {
		return nil, ErrTopicNotPermitted
	}

	ps.subscribersMutex.Lock()
	defer ps.subscribersMutex.Unlock()

	sub := &subscription{subscriber: subscriber}
	ps.subscribers[topic] = append(ps.subscribers[topic], sub)

	// Return a function to unsubscribe from the topic that captures the mutex
	// so it can be done safely and at any time from the subscriber owner
	return func() {
		ps.subscribersMutex.Lock()
		defer ps.subscribersMutex.Unlock()

		ps.subscribers[topic] = slices.DeleteFunc(ps.subscribers[topic], func(s *subscription) bool {
			return s == sub
		})
	}, nil
}

// deliver is the default router: synchronous fan out to local subscribers.
func (ps *pubSubImpl) deliver(ctx context.Context, event Event) error {
	ps.subscribersMutex.RLock()
	subs := slices.Clone(ps.subscribers[event.Topic])
	ps.subscribersMutex.RUnlock()

	for _, s := range subs {
		s.subscriber.OnMessage(ctx, event)
	}
	return nil
}
