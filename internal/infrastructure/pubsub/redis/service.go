package redispubsub

import (
	"context"
	"fmt"
	"sync"

	"github.com/redis/go-redis/v9"

	"github.com/covault/covaultd/internal/core/ports"
)

type service struct {
	client *redis.Client

	lock sync.Mutex
	subs []*redis.PubSub
}

// NewService returns an event bus backed by redis pub/sub. The same topology
// serves several covaultd processes and the surrounding platform services.
func NewService(client *redis.Client) ports.EventBus {
	return &service{client: client}
}

func (s *service) Publish(ctx context.Context, topic, payload string) error {
	if err := s.client.Publish(ctx, topic, payload).Err(); err != nil {
		return fmt.Errorf("failed to publish to %s: %s", topic, err)
	}
	return nil
}

func (s *service) Subscribe(ctx context.Context, topic string) (<-chan string, error) {
	sub := s.client.Subscribe(ctx, topic)
	// wait for the subscription to be live before handing the channel out
	if _, err := sub.Receive(ctx); err != nil {
		// nolint:errcheck
		sub.Close()
		return nil, fmt.Errorf("failed to subscribe to %s: %s", topic, err)
	}

	s.lock.Lock()
	s.subs = append(s.subs, sub)
	s.lock.Unlock()

	ch := make(chan string)
	go func() {
		defer close(ch)
		for msg := range sub.Channel() {
			select {
			case ch <- msg.Payload:
			case <-ctx.Done():
				return
			}
		}
	}()
	return ch, nil
}

func (s *service) Close() {
	s.lock.Lock()
	defer s.lock.Unlock()

	for _, sub := range s.subs {
		// nolint:errcheck
		sub.Close()
	}
	s.subs = nil
	// nolint:errcheck
	s.client.Close()
}
