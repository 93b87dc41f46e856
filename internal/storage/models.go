package storage

const (
	CollectionPublic  = "public"
	CollectionPrivate = "private"
)

type Collection struct {
	ID          string
	Name        string
	Owner       string
	Type        string
	Model       string
	Description string
	CreatedAt   int64
}

type Chunk struct {
	ID           string
	CollectionID string
	FileID       string
	Content      string
	Metadata     map[string]any
	Embedding    []float32
	CreatedAt    int64
}

type Usage struct {
	RequestID        string
	UserID           string
	Model            string
	Endpoint         string
	ChatID           string
	Status           int
	PromptTokens     int64
	CompletionTokens int64
	CreatedAt        int64
}
