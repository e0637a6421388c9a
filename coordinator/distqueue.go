package coordinator

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RemoteQueue persists parked ActionRequests in Redis so multiple
// coordinator processes can share a backlog: an RPush/BLPop job queue. It
// does not track in-flight items once dequeued. Used only when the
// driver is configured for a clustered coordinator; the in-process
// c.parked slice is sufficient for a single coordinator instance.
type RemoteQueue struct {
	client *redis.Client
	prefix string
}

// RemoteQueueConfig mirrors queue/redis Config shape: a URL
// and a key prefix.
type RemoteQueueConfig struct {
	RedisURL  string
	KeyPrefix string
}

func NewRemoteQueue(cfg RemoteQueueConfig) (*RemoteQueue, error) {
	opts, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		return nil, fmt.Errorf("coordinator: parsing redis url: %w", err)
	}
	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("coordinator: connecting to redis: %w", err)
	}

	prefix := cfg.KeyPrefix
	if prefix == "" {
		prefix = "forge:coordinator:"
	}
	return &RemoteQueue{client: client, prefix: prefix}, nil
}

func (q *RemoteQueue) Close() error { return q.client.Close() }

func (q *RemoteQueue) key(name string) string { return q.prefix + name }

// Enqueue pushes req onto the shared backlog list.
func (q *RemoteQueue) Enqueue(ctx context.Context, req *ActionRequest) error {
	data, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("coordinator: marshaling action request: %w", err)
	}
	return q.client.RPush(ctx, q.key("backlog"), data).Err()
}

// Dequeue blocks up to timeout for the next parked request.
func (q *RemoteQueue) Dequeue(ctx context.Context, timeout time.Duration) (*ActionRequest, error) {
	result, err := q.client.BLPop(ctx, timeout, q.key("backlog")).Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("coordinator: dequeue: %w", err)
	}
	var req ActionRequest
	if err := json.Unmarshal([]byte(result[1]), &req); err != nil {
		return nil, fmt.Errorf("coordinator: unmarshaling action request: %w", err)
	}
	return &req, nil
}

// Depth reports the backlog length, surfaced in coordinator stats.
func (q *RemoteQueue) Depth(ctx context.Context) (int64, error) {
	return q.client.LLen(ctx, q.key("backlog")).Result()
}
