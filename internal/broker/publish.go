package broker

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
)

// Publish enqueues a protocol v2 task invocation the way Celery producers
// do, returning the delivery tag. Used by the seeding tool and by tests;
// the platform itself is the normal producer.
func Publish(ctx context.Context, rdb *redis.Client, queue, taskName string, args []any) (string, error) {
	body, err := json.Marshal([]any{args, map[string]any{}, map[string]any{
		"callbacks": nil, "errbacks": nil, "chain": nil, "chord": nil,
	}})
	if err != nil {
		return "", fmt.Errorf("marshal task body: %w", err)
	}
	tag := uuid.NewString()
	raw, err := json.Marshal(wireMessage{
		Body:            base64.StdEncoding.EncodeToString(body),
		ContentEncoding: "utf-8",
		ContentType:     "application/json",
		Headers: wireHeaders{
			Task: taskName,
			ID:   tag,
		},
		Properties: wireProperties{
			DeliveryTag:  tag,
			BodyEncoding: "base64",
			DeliveryInfo: wireDeliveryInfo{Exchange: "", RoutingKey: queue},
		},
	})
	if err != nil {
		return "", fmt.Errorf("marshal task message: %w", err)
	}
	if err := rdb.LPush(ctx, queue, string(raw)).Err(); err != nil {
		return "", fmt.Errorf("enqueue task: %w", err)
	}
	return tag, nil
}
