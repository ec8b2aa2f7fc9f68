package inmemorypubsub

import (
	"context"
	"sync"

	"github.com/covault/covaultd/internal/core/ports"
)

type service struct {
	lock   sync.RWMutex
	subs   map[string][]chan string
	closed bool
}

// NewService returns a process-local event bus. Used in tests and single
// process deployments that have no redis around.
func NewService() ports.EventBus {
	return &service{subs: make(map[string][]chan string)}
}

func (s *service) Publish(_ context.Context, topic, payload string) error {
	s.lock.RLock()
	defer s.lock.RUnlock()

	if s.closed {
		return nil
	}
	for _, ch := range s.subs[topic] {
		// best effort: a subscriber that stopped reading does not block
		// the publisher
		select {
		case ch <- payload:
		default:
		}
	}
	return nil
}

func (s *service) Subscribe(_ context.Context, topic string) (<-chan string, error) {
	s.lock.Lock()
	defer s.lock.Unlock()

	ch := make(chan string, 32)
	s.subs[topic] = append(s.subs[topic], ch)
	return ch, nil
}

func (s *service) Close() {
	s.lock.Lock()
	defer s.lock.Unlock()

	if s.closed {
		return
	}
	s.closed = true
	for _, subs := range s.subs {
		for _, ch := range subs {
			close(ch)
		}
	}
	s.subs = make(map[string][]chan string)
}
