package services

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"pagebinder/models"
)

// RedisStatus mirrors each job transition into a per-session status hash,
// the way the transport polls for progress.
type RedisStatus struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
}

func NewRedisStatus(client *redis.Client, prefix string, ttl time.Duration) *RedisStatus {
	return &RedisStatus{client: client, prefix: prefix, ttl: ttl}
}

func (r *RedisStatus) key(sessionKey string) string {
	return fmt.Sprintf("%sconversion:status:%s", r.prefix, sessionKey)
}

func (r *RedisStatus) Record(ctx context.Context, job models.ConversionJob) error {
	fields := map[string]interface{}{
		"job_id":     job.ID.String(),
		"trigger_id": job.TriggerID,
		"status":     string(job.Status),
		"files":      len(job.OrderedInputs),
		"updated_at": time.Now().Format(time.RFC3339),
	}
	if job.Error != "" {
		fields["error"] = job.Error
	}
	if job.Status == models.JobSucceeded {
		fields["output"] = job.OutputPath
	}

	key := r.key(job.SessionKey)
	pipe := r.client.TxPipeline()
	if job.Status == models.JobPending {
		// A new job starts from a clean hash.
		pipe.Del(ctx, key)
	}
	pipe.HSet(ctx, key, fields)
	if r.ttl > 0 {
		pipe.Expire(ctx, key, r.ttl)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to record status: %w", err)
	}
	return nil
}

// Notification is a user-visible message for the transport to relay.
type Notification struct {
	Session   string    `json:"session"`
	Message   string    `json:"message"`
	CreatedAt time.Time `json:"createdAt"`
}

// RedisNotifier pushes user-visible messages onto a list the transport
// consumes.
type RedisNotifier struct {
	client *redis.Client
	queue  string
}

func NewRedisNotifier(client *redis.Client, queue string) *RedisNotifier {
	return &RedisNotifier{client: client, queue: queue}
}

func (n *RedisNotifier) Notify(ctx context.Context, sessionKey, message string) error {
	payload, err := json.Marshal(Notification{Session: sessionKey, Message: message, CreatedAt: time.Now()})
	if err != nil {
		return fmt.Errorf("failed to encode notification: %w", err)
	}
	if err := n.client.LPush(ctx, n.queue, payload).Err(); err != nil {
		return fmt.Errorf("failed to push notification: %w", err)
	}
	return nil
}
