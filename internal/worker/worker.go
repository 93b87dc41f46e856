package worker

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"albert/internal/metrics"
	"albert/internal/queue"
	"albert/internal/storage"
)

// UsageSink persists usage rows. Inserts must be idempotent on request id
// since a redelivered event is written again.
type UsageSink interface {
	InsertUsage(ctx context.Context, u storage.Usage) error
}

type Worker struct {
	sink          UsageSink
	queue         *queue.StreamQueue
	maxJobRetries int
	readBackoff   time.Duration
	reclaimIdle   time.Duration
	logger        zerolog.Logger
	metrics       *metrics.Metrics
}

type Config struct {
	Sink          UsageSink
	Queue         *queue.StreamQueue
	MaxJobRetries int
	ReadBackoff   time.Duration
	// ReclaimIdle is how long an entry may stay unacknowledged by another
	// consumer before slot 0 takes it over. Zero disables reclaiming.
	ReclaimIdle time.Duration
	Logger      zerolog.Logger
	Metrics     *metrics.Metrics
}

func New(cfg Config) *Worker {
	m := cfg.Metrics
	if m == nil {
		m = metrics.Global()
	}
	if cfg.MaxJobRetries < 0 {
		cfg.MaxJobRetries = 0
	}
	if cfg.ReadBackoff <= 0 {
		cfg.ReadBackoff = time.Second
	}
	return &Worker{
		sink:          cfg.Sink,
		queue:         cfg.Queue,
		maxJobRetries: cfg.MaxJobRetries,
		readBackoff:   cfg.ReadBackoff,
		reclaimIdle:   cfg.ReclaimIdle,
		logger:        cfg.Logger,
		metrics:       m,
	}
}

func (w *Worker) Start(ctx context.Context, concurrency int) error {
	if err := w.queue.EnsureGroup(ctx); err != nil {
		return err
	}
	if concurrency < 1 {
		concurrency = 1
	}

	wg := sync.WaitGroup{}
	for i := 0; i < concurrency; i++ {
		wg.Add(1)
		go func(slot int) {
			defer wg.Done()
			w.consumeLoop(ctx, slot)
		}(i)
	}

	<-ctx.Done()
	wg.Wait()
	return nil
}

func (w *Worker) consumeLoop(ctx context.Context, slot int) {
	log := w.logger.With().Int("slot", slot).Logger()
	var lastReclaim time.Time
	for {
		if err := ctx.Err(); err != nil {
			return
		}

		if slot == 0 && w.reclaimIdle > 0 && time.Since(lastReclaim) >= w.reclaimIdle {
			lastReclaim = time.Now()
			w.reclaim(ctx, log)
		}

		messages, err := w.queue.Read(ctx, 16)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			log.Error().Err(err).Msg("failed to read queue")
			select {
			case <-ctx.Done():
				return
			case <-time.After(w.readBackoff):
			}
			continue
		}

		for _, msg := range messages {
			w.handle(ctx, log, msg)
		}
	}
}

func (w *Worker) reclaim(ctx context.Context, log zerolog.Logger) {
	stale, err := w.queue.Reclaim(ctx, w.reclaimIdle, 16)
	if err != nil {
		if ctx.Err() == nil {
			log.Warn().Err(err).Msg("failed to reclaim stale usage events")
		}
		return
	}
	if len(stale) > 0 {
		log.Info().Int("count", len(stale)).Msg("reclaimed stale usage events")
	}
	for _, msg := range stale {
		w.handle(ctx, log, msg)
	}
}

func (w *Worker) handle(ctx context.Context, log zerolog.Logger, msg queue.Message) {
	err := w.persist(ctx, msg.Event)
	if err == nil {
		w.metrics.ProcessedUsage.Inc()
		if ackErr := w.queue.Ack(ctx, msg.ID); ackErr != nil {
			log.Error().Err(ackErr).Str("msg_id", msg.ID).Msg("failed to ack message")
		}
		return
	}

	w.metrics.FailedUsage.Inc()
	log.Error().Err(err).Str("request_id", msg.Event.RequestID).Int("attempt", msg.Event.Attempts).Msg("usage event failed")

	if msg.Event.Attempts < w.maxJobRetries {
		msg.Event.Attempts++
		if _, enqueueErr := w.queue.Enqueue(ctx, msg.Event); enqueueErr != nil {
			log.Error().Err(enqueueErr).Str("request_id", msg.Event.RequestID).Msg("failed to re-enqueue usage event")
			return
		}
		if ackErr := w.queue.Ack(ctx, msg.ID); ackErr != nil {
			log.Error().Err(ackErr).Str("msg_id", msg.ID).Msg("failed to ack after re-enqueue")
		}
		return
	}

	log.Warn().Str("request_id", msg.Event.RequestID).Msg("dropping usage event after retries")
	if ackErr := w.queue.Ack(ctx, msg.ID); ackErr != nil {
		log.Error().Err(ackErr).Str("msg_id", msg.ID).Msg("failed to ack terminal failed message")
	}
}

func (w *Worker) persist(ctx context.Context, ev queue.UsageEvent) error {
	if err := w.sink.InsertUsage(ctx, storage.Usage{
		RequestID:        ev.RequestID,
		UserID:           ev.UserID,
		Model:            ev.Model,
		Endpoint:         ev.Endpoint,
		ChatID:           ev.ChatID,
		Status:           ev.Status,
		PromptTokens:     ev.PromptTokens,
		CompletionTokens: ev.CompletionTokens,
		CreatedAt:        ev.CreatedAt.Unix(),
	}); err != nil {
		return fmt.Errorf("insert usage: %w", err)
	}
	return nil
}
