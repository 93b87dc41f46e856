package gateway

import (
	"context"
	"net/http"
	"time"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"

	"albert/internal/apierr"
	"albert/internal/providers"
	"albert/internal/providers/registry"
	"albert/internal/queue"
)

// Forward is a request bound to an upstream that needs no chat handling.
type Forward struct {
	Model    *registry.Model
	Endpoint string
	User     string
	Stream   bool
	Body     []byte

	client providers.Provider
}

// PrepareForward resolves the model for a legacy completion or embeddings
// request and points the body at the upstream model name.
func (s *Service) PrepareForward(body []byte, endpoint string) (*Forward, error) {
	if !gjson.ValidBytes(body) {
		return nil, apierr.New(http.StatusUnprocessableEntity, "Invalid JSON body.")
	}
	req := gjson.ParseBytes(body)
	name := req.Get("model").String()
	if name == "" {
		return nil, apierr.New(http.StatusUnprocessableEntity, "model is required.")
	}
	m, err := s.registry.ResolveFor(name, endpoint)
	if err != nil {
		return nil, err
	}
	client := m.Client()
	out, err := sjson.SetBytes(body, "model", client.Model())
	if err != nil {
		return nil, apierr.Internal("")
	}
	return &Forward{
		Model:    m,
		Endpoint: endpoint,
		User:     req.Get("user").String(),
		Stream:   endpoint == providers.EndpointCompletions && req.Get("stream").Bool(),
		Body:     out,
		client:   client,
	}, nil
}

func (s *Service) Do(ctx context.Context, f *Forward) ([]byte, error) {
	start := time.Now()
	resp, err := f.client.Post(ctx, f.Endpoint, f.Body)
	s.observe(f.Model.ID, f.Endpoint, start, err)
	if err != nil {
		return nil, err
	}
	usage := gjson.GetBytes(resp, "usage")
	s.publish(ctx, queue.UsageEvent{
		RequestID:        queue.NewRequestID(),
		UserID:           f.User,
		Model:            f.Model.ID,
		Endpoint:         f.Endpoint,
		Status:           http.StatusOK,
		PromptTokens:     usage.Get("prompt_tokens").Int(),
		CompletionTokens: usage.Get("completion_tokens").Int(),
	})
	return resp, nil
}

func (s *Service) OpenStream(ctx context.Context, f *Forward) (*EventStream, error) {
	start := time.Now()
	up, err := f.client.Stream(ctx, f.Endpoint, f.Body)
	s.observeStream(f.Model.ID, f.Endpoint, start, up, err)
	if err != nil {
		return nil, err
	}
	return &EventStream{
		svc:      s,
		ctx:      ctx,
		upstream: up,
		endpoint: f.Endpoint,
		model:    f.Model.ID,
		first:    true,
	}, nil
}
