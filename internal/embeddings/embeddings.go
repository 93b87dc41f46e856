package embeddings

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/openai/openai-go/v3"
	"github.com/openai/openai-go/v3/option"

	"albert/internal/apierr"
	"albert/internal/providers"
	"albert/internal/providers/openai_compat"
	"albert/internal/providers/registry"
)

// Client embeds query text for the retrieval tools by calling the resolved
// model's upstream directly.
type Client struct {
	registry   *registry.Registry
	httpClient *http.Client
	timeout    time.Duration
}

type Config struct {
	Registry   *registry.Registry
	HTTPClient *http.Client
	Timeout    time.Duration
}

func New(cfg Config) *Client {
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = http.DefaultClient
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	return &Client{registry: cfg.Registry, httpClient: cfg.HTTPClient, timeout: cfg.Timeout}
}

// Embed returns the vector for text. credential is used only when the
// upstream has no key of its own.
func (c *Client) Embed(ctx context.Context, model, text, credential string) ([]float32, error) {
	m, err := c.registry.ResolveFor(model, providers.EndpointEmbeddings)
	if err != nil {
		return nil, err
	}
	upstream := m.Client()
	key := upstream.APIKey()
	if key == "" {
		key = credential
	}

	var failed []byte
	client := openai.NewClient(
		option.WithBaseURL(upstream.BaseURL()),
		option.WithAPIKey(key),
		option.WithHTTPClient(c.httpClient),
		option.WithRequestTimeout(c.timeout),
		option.WithMaxRetries(0),
		option.WithMiddleware(keepErrorBody(&failed)),
	)
	resp, err := client.Embeddings.New(ctx, openai.EmbeddingNewParams{
		Input: openai.EmbeddingNewParamsInputUnion{OfArrayOfStrings: []string{text}},
		Model: openai.EmbeddingModel(upstream.Model()),
	})
	if err != nil {
		return nil, normalize(err, failed)
	}
	if len(resp.Data) == 0 {
		return nil, apierr.Internal("EmptyEmbedding")
	}

	vec := make([]float32, len(resp.Data[0].Embedding))
	for i, v := range resp.Data[0].Embedding {
		vec[i] = float32(v)
	}
	return vec, nil
}

// keepErrorBody copies a non-2xx body into dst. The SDK only keeps the
// {"error": {...}} envelope, while vLLM and TEI answer with a top-level
// {"object": "error", "message": ...} body.
func keepErrorBody(dst *[]byte) option.Middleware {
	return func(req *http.Request, next option.MiddlewareNext) (*http.Response, error) {
		resp, err := next(req)
		if err != nil || resp.StatusCode < 300 {
			return resp, err
		}
		body, readErr := io.ReadAll(resp.Body)
		_ = resp.Body.Close()
		if readErr != nil {
			return nil, readErr
		}
		*dst = body
		resp.Body = io.NopCloser(bytes.NewReader(body))
		return resp, nil
	}
}

func normalize(err error, body []byte) error {
	var oe *openai.Error
	if errors.As(err, &oe) {
		if len(bytes.TrimSpace(body)) == 0 {
			body = []byte(oe.RawJSON())
		}
		return openai_compat.NormalizeStatus(oe.StatusCode, body)
	}
	return openai_compat.NormalizeTransport(err)
}
