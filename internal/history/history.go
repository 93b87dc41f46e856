package history

import "context"

const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleSystem    = "system"
	RoleTool      = "tool"
)

type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type Record struct {
	Created  int64     `json:"created"`
	Messages []Message `json:"messages"`
}

// Store keeps one record per (user, chat). Append must make the user and
// assistant messages visible together or not at all.
type Store interface {
	Get(ctx context.Context, userID, chatID string) (Record, bool, error)
	List(ctx context.Context, userID string) (map[string]Record, error)
	Append(ctx context.Context, userID, chatID string, userMsg, assistantMsg Message) error
}
