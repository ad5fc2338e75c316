package queueaccess

import (
	"context"
	"fmt"

	"vectorflow/internal/api"
	"vectorflow/internal/queue"
)

// Session represents a queue access handle and its cleanup function.
type Session struct {
	Access Access
	// Remote reports whether the session talks to a running daemon.
	Remote bool
	close  func() error
}

// Close releases resources associated with the session.
func (s Session) Close() error {
	if s.close == nil {
		return nil
	}
	return s.close()
}

// OpenWithFallback tries API-backed access first, then falls back to opening
// the queue directly. The API is only used when its health endpoint answers.
func OpenWithFallback(
	ctx context.Context,
	dial func() (*api.Client, error),
	openQueue func() (queue.Queue, error),
) (Session, error) {
	if dial != nil {
		if client, err := dial(); err == nil && client != nil {
			if err := client.Health(ctx); err == nil {
				return Session{Access: NewAPIAccess(client), Remote: true}, nil
			}
		}
	}

	if openQueue == nil {
		return Session{}, fmt.Errorf("open queue: no queue opener configured")
	}
	q, err := openQueue()
	if err != nil {
		return Session{}, fmt.Errorf("open queue: %w", err)
	}
	return Session{
		Access: NewStoreAccess(q),
		close:  q.Close,
	}, nil
}
