package gateway

import (
	"context"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"albert/internal/apierr"
	"albert/internal/history"
	"albert/internal/metrics"
	"albert/internal/providers"
	"albert/internal/providers/registry"
	"albert/internal/queue"
	"albert/internal/storage"
	"albert/internal/tools"
)

type UsagePublisher interface {
	Enqueue(ctx context.Context, ev queue.UsageEvent) (string, error)
}

type CollectionLister interface {
	Collections(ctx context.Context, userID string, names []string) ([]storage.Collection, error)
	Collection(ctx context.Context, userID, id string) (storage.Collection, error)
}

type Service struct {
	registry    *registry.Registry
	tools       *tools.Registry
	history     history.Store
	collections CollectionLister
	usage       UsagePublisher
	logger      zerolog.Logger
	metrics     *metrics.Metrics
	newChatID   func() string
	now         func() time.Time
}

type Config struct {
	Registry    *registry.Registry
	Tools       *tools.Registry
	History     history.Store
	Collections CollectionLister
	// Usage may be nil, in which case no usage events are published.
	Usage     UsagePublisher
	Logger    zerolog.Logger
	Metrics   *metrics.Metrics
	NewChatID func() string
	Now       func() time.Time
}

func New(cfg Config) *Service {
	m := cfg.Metrics
	if m == nil {
		m = metrics.Global()
	}
	if cfg.NewChatID == nil {
		cfg.NewChatID = uuid.NewString
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Service{
		registry:    cfg.Registry,
		tools:       cfg.Tools,
		history:     cfg.History,
		collections: cfg.Collections,
		usage:       cfg.Usage,
		logger:      cfg.Logger,
		metrics:     m,
		newChatID:   cfg.NewChatID,
		now:         cfg.Now,
	}
}

type ToolCard struct {
	ID          string `json:"id"`
	Description string `json:"description"`
	Object      string `json:"object"`
}

func (s *Service) Tools() []ToolCard {
	list := s.tools.List()
	out := make([]ToolCard, 0, len(list))
	for _, t := range list {
		out = append(out, ToolCard{ID: t.Name(), Description: t.Description(), Object: "tool"})
	}
	return out
}

// History returns every chat of userID.
func (s *Service) History(ctx context.Context, userID string) (map[string]history.Record, error) {
	records, err := s.history.List(ctx, userID)
	if err != nil {
		s.logger.Error().Err(err).Str("user", userID).Msg("failed to list chat history")
		return nil, apierr.Internal("")
	}
	return records, nil
}

func (s *Service) Chat(ctx context.Context, userID, chatID string) (history.Record, error) {
	rec, ok, err := s.history.Get(ctx, userID, chatID)
	if err != nil {
		s.logger.Error().Err(err).Str("user", userID).Str("chat_id", chatID).Msg("failed to read chat history")
		return history.Record{}, apierr.Internal("")
	}
	if !ok {
		return history.Record{}, apierr.NotFound("Chat history not found.")
	}
	return rec, nil
}

func (s *Service) Collections(ctx context.Context, userID string) ([]storage.Collection, error) {
	return s.collections.Collections(ctx, userID, nil)
}

func (s *Service) Collection(ctx context.Context, userID, id string) (storage.Collection, error) {
	return s.collections.Collection(ctx, userID, id)
}

// publish records usage on a detached context; it never fails the request.
func (s *Service) publish(ctx context.Context, ev queue.UsageEvent) {
	if s.usage == nil {
		return
	}
	if ev.CreatedAt.IsZero() {
		ev.CreatedAt = s.now().UTC()
	}
	pctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 2*time.Second)
	defer cancel()
	if _, err := s.usage.Enqueue(pctx, ev); err != nil {
		s.logger.Warn().Err(err).Str("model", ev.Model).Str("endpoint", ev.Endpoint).Msg("failed to publish usage event")
		return
	}
	s.metrics.EnqueuedUsage.Inc()
}

// observeStream counts a stream the upstream opened with a non-2xx status
// as a failed call.
func (s *Service) observeStream(model, endpoint string, start time.Time, up providers.Stream, err error) {
	if err == nil {
		if status := up.StatusCode(); status < 200 || status > 299 {
			err = apierr.New(status, http.StatusText(status))
		}
	}
	s.observe(model, endpoint, start, err)
}

func (s *Service) observe(model, endpoint string, start time.Time, err error) {
	s.metrics.UpstreamLatency.WithLabelValues(model, endpoint).Observe(time.Since(start).Seconds())
	s.metrics.UpstreamCalls.WithLabelValues(model, endpoint, metrics.Outcome(err)).Inc()
	if err != nil {
		e := apierr.From(err)
		s.logger.Warn().Str("model", model).Str("endpoint", endpoint).Int("status", e.Status).Interface("detail", e.Detail).Msg("upstream call failed")
	}
}
