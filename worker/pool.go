package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"path"
	"time"

	"github.com/redis/go-redis/v9"

	"pagebinder/config"
	"pagebinder/logging"
	"pagebinder/models"
)

const msgBusy = "A conversion is already running, please wait for it to finish"

// ObjectStore is where the transport parks uploaded files before they are
// announced on the event queue.
type ObjectStore interface {
	Open(ctx context.Context, key string) (io.ReadCloser, error)
	Remove(ctx context.Context, key string) error
}

// Pool drains the event queue and hands arrivals and triggers to the
// coordinator.
type Pool struct {
	config      *config.Config
	redisClient *redis.Client
	coordinator *Coordinator
	objects     ObjectStore
	notifier    Notifier
	logger      *slog.Logger
}

func NewPool(cfg *config.Config, redisClient *redis.Client, coordinator *Coordinator, objects ObjectStore, notifier Notifier, logger *slog.Logger) *Pool {
	return &Pool{
		config:      cfg,
		redisClient: redisClient,
		coordinator: coordinator,
		objects:     objects,
		notifier:    notifier,
		logger:      logging.OrDiscard(logger).With("component", "pool"),
	}
}

func (p *Pool) StartWorker(ctx context.Context, workerID int) {
	logger := p.logger.With("worker", workerID)
	logger.Info("worker starting")

	for {
		select {
		case <-ctx.Done():
			logger.Info("worker shutting down")
			return
		default:
		}

		// Atomic pop from pending and push to processing
		raw, err := p.redisClient.BRPopLPush(ctx, p.config.EventQueue, p.config.ProcessingQueue, 30*time.Second).Result()
		if errors.Is(err, redis.Nil) {
			continue
		}
		if err != nil {
			if ctx.Err() != nil {
				continue
			}
			logger.Error("redis error", "error", err)
			sleep(ctx, 5*time.Second)
			continue
		}

		if err := p.process(ctx, raw); err != nil {
			logger.Error("event failed", "error", err)
			if pushErr := p.redisClient.LPush(context.WithoutCancel(ctx), p.config.FailedQueue, raw).Err(); pushErr != nil {
				logger.Error("failed to park event", "error", pushErr)
			}
		}
		p.redisClient.LRem(context.WithoutCancel(ctx), p.config.ProcessingQueue, 1, raw)
	}
}

// process handles one raw queue entry. A busy session is not an error; the
// user is told and the trigger is dropped.
func (p *Pool) process(ctx context.Context, raw string) error {
	var ev models.Event
	if err := json.Unmarshal([]byte(raw), &ev); err != nil {
		return fmt.Errorf("malformed event: %w", err)
	}

	switch ev.Type {
	case models.EventArrival:
		return p.arrival(ctx, ev)
	case models.EventTrigger:
		_, err := p.coordinator.OnTrigger(models.Trigger{
			SessionKey:      ev.Session,
			TriggerID:       ev.TriggerID,
			Premium:         ev.Premium,
			UploadsComplete: ev.UploadsComplete,
		})
		if errors.Is(err, ErrSessionBusy) {
			if p.notifier != nil {
				if nerr := p.notifier.Notify(ctx, ev.Session, msgBusy); nerr != nil {
					p.logger.Warn("failed to notify session", "session", ev.Session, "error", nerr)
				}
			}
			return nil
		}
		return err
	default:
		return fmt.Errorf("unknown event type %q", ev.Type)
	}
}

func (p *Pool) arrival(ctx context.Context, ev models.Event) error {
	if ev.S3Key == "" {
		return errors.New("arrival without object key")
	}
	name := ev.Name
	if name == "" {
		name = path.Base(ev.S3Key)
	}
	hint := ev.SequenceHint
	if hint == "" {
		hint = name
	}

	body, err := p.objects.Open(ctx, ev.S3Key)
	if err != nil {
		return fmt.Errorf("failed to open upload %s: %w", ev.S3Key, err)
	}
	_, err = p.coordinator.OnArrival(ev.Session, name, hint, body)
	body.Close()
	if err != nil {
		return fmt.Errorf("failed to stage upload %s: %w", ev.S3Key, err)
	}

	if p.config.DeleteConsumedUploads {
		if err := p.objects.Remove(ctx, ev.S3Key); err != nil {
			p.logger.Warn("failed to remove consumed upload", "key", ev.S3Key, "error", err)
		}
	}
	return nil
}

func (p *Pool) RecoveryLoop(ctx context.Context) {
	ticker := time.NewTicker(p.config.StaleEventAfter)
	defer ticker.Stop()

	p.logger.Info("starting stale event recovery loop", "interval", p.config.StaleEventAfter.String())

	for {
		select {
		case <-ctx.Done():
			p.logger.Info("recovery loop shutting down")
			return
		case <-ticker.C:
			p.recoverStaleEvents(ctx)
		}
	}
}

// recoverStaleEvents requeues events left in the processing list by a
// worker that died mid-event.
func (p *Pool) recoverStaleEvents(ctx context.Context) {
	events, err := p.redisClient.LRange(ctx, p.config.ProcessingQueue, 0, -1).Result()
	if err != nil {
		p.logger.Error("failed to read processing queue", "error", err)
		return
	}

	recovered := 0
	for _, raw := range events {
		if !stale(raw, time.Now(), p.config.StaleEventAfter) {
			continue
		}
		if n, err := p.redisClient.LRem(ctx, p.config.ProcessingQueue, 1, raw).Result(); err != nil || n == 0 {
			continue
		}
		var ev models.Event
		target := p.config.EventQueue
		if json.Unmarshal([]byte(raw), &ev) != nil {
			target = p.config.FailedQueue
		}
		p.redisClient.LPush(ctx, target, raw)
		recovered++
	}

	if recovered > 0 {
		p.logger.Info("recovered stale events", "count", recovered)
	}
}

func stale(raw string, now time.Time, after time.Duration) bool {
	var ev models.Event
	if err := json.Unmarshal([]byte(raw), &ev); err != nil {
		return true
	}
	return !ev.CreatedAt.IsZero() && now.Sub(ev.CreatedAt) > after
}
