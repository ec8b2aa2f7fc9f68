package ports

import "context"

// EventBus is the pub/sub channel between the engine and its surroundings:
// wallet updates and broadcast orders come in, indexing events go out.
type EventBus interface {
	Publish(ctx context.Context, topic, payload string) error
	Subscribe(ctx context.Context, topic string) (<-chan string, error)
	Close()
}
