package providers

import "context"

const (
	EndpointChatCompletions = "chat/completions"
	EndpointCompletions     = "completions"
	EndpointEmbeddings      = "embeddings"
	EndpointModels          = "models"
)

// Stream yields the data payload of each upstream server-sent event.
// Next returns io.EOF once the upstream sends [DONE] or closes the body.
// When StatusCode is not 2xx, Next yields normalized error bodies instead.
type Stream interface {
	StatusCode() int
	Next() ([]byte, error)
	Close() error
}

// Provider is one upstream deployment speaking the OpenAI wire format.
// Bodies are passed through as raw JSON so unknown fields survive.
type Provider interface {
	BaseURL() string
	APIKey() string
	Model() string
	Post(ctx context.Context, endpoint string, body []byte) ([]byte, error)
	Stream(ctx context.Context, endpoint string, body []byte) (Stream, error)
	Models(ctx context.Context) ([]byte, error)
}
