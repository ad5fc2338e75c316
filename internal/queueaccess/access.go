package queueaccess

import (
	"context"

	"vectorflow/internal/api"
	"vectorflow/internal/queue"
)

// Access provides queue inspection regardless of API or direct store backing.
type Access interface {
	Stats(ctx context.Context) (api.QueueStats, error)
	DeadLetters(ctx context.Context, limit int) ([]api.DeadLetter, error)
}

// NewAPIAccess returns an Access backed by the daemon HTTP API.
func NewAPIAccess(client *api.Client) Access {
	return &apiAccess{client: client}
}

// NewStoreAccess returns an Access backed by a queue opened in-process.
func NewStoreAccess(q queue.Queue) Access {
	return &storeAccess{queue: q}
}

type apiAccess struct {
	client *api.Client
}

func (a *apiAccess) Stats(ctx context.Context) (api.QueueStats, error) {
	return a.client.QueueStats(ctx)
}

func (a *apiAccess) DeadLetters(ctx context.Context, limit int) ([]api.DeadLetter, error) {
	return a.client.DeadLetters(ctx, limit)
}

type storeAccess struct {
	queue queue.Queue
}

func (a *storeAccess) Stats(ctx context.Context) (api.QueueStats, error) {
	stats, err := a.queue.Stats(ctx)
	if err != nil {
		return api.QueueStats{}, err
	}
	return api.FromQueueStats(stats), nil
}

func (a *storeAccess) DeadLetters(ctx context.Context, limit int) ([]api.DeadLetter, error) {
	letters, err := a.queue.DeadLetters(ctx, limit)
	if err != nil {
		return nil, err
	}
	return api.FromDeadLetters(letters), nil
}
