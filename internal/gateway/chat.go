package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"

	"albert/internal/apierr"
	"albert/internal/history"
	"albert/internal/metrics"
	"albert/internal/providers"
	"albert/internal/providers/registry"
	"albert/internal/queue"
	"albert/internal/tools"
)

// ChatTurn is a validated chat completion request ready to be sent
// upstream.
type ChatTurn struct {
	Model  *registry.Model
	User   string
	ChatID string
	Stream bool
	// UserMessage is the last inbound message before any tool rewrote it;
	// it is what gets recorded in history.
	UserMessage history.Message
	// Metadata holds the tool output metadata keyed by tool name.
	Metadata map[string]any
	Body     []byte

	client providers.Provider
}

// PrepareChat resolves the model, expands the tool if any, merges history
// and rewrites the body for the upstream. It never mutates history.
func (s *Service) PrepareChat(ctx context.Context, body []byte, credential string) (*ChatTurn, error) {
	if !gjson.ValidBytes(body) {
		return nil, apierr.New(http.StatusUnprocessableEntity, "Invalid JSON body.")
	}
	req := gjson.ParseBytes(body)
	modelName := req.Get("model").String()
	if modelName == "" {
		return nil, apierr.New(http.StatusUnprocessableEntity, "model is required.")
	}
	messages := req.Get("messages")
	msgs := messages.Array()
	if !messages.IsArray() || len(msgs) == 0 {
		return nil, apierr.New(http.StatusUnprocessableEntity, "messages must be a non-empty list.")
	}

	m, err := s.registry.ResolveFor(modelName, providers.EndpointChatCompletions)
	if err != nil {
		return nil, err
	}

	turn := &ChatTurn{
		Model:  m,
		User:   req.Get("user").String(),
		Stream: req.Get("stream").Bool(),
	}
	last := msgs[len(msgs)-1]
	turn.UserMessage = history.Message{
		Role:    last.Get("role").String(),
		Content: flattenContent(last.Get("content")),
	}

	outgoing := make([]string, 0, len(msgs))
	for _, msg := range msgs {
		outgoing = append(outgoing, msg.Raw)
	}

	if list := req.Get("tools").Array(); len(list) > 0 {
		prompt, err := s.expandTool(ctx, body, list, turn, credential)
		if err != nil {
			return nil, err
		}
		outgoing = []string{prompt}
	}

	if turn.User != "" {
		turn.ChatID = req.Get("id").String()
		if turn.ChatID == "" {
			turn.ChatID = s.newChatID()
		} else {
			rec, ok, err := s.history.Get(ctx, turn.User, turn.ChatID)
			if err != nil {
				s.logger.Error().Err(err).Str("user", turn.User).Str("chat_id", turn.ChatID).Msg("failed to read chat history")
				return nil, apierr.Internal("")
			}
			if ok && len(rec.Messages) > 0 {
				prior := make([]string, 0, len(rec.Messages)+len(outgoing))
				for _, hm := range rec.Messages {
					raw, err := json.Marshal(hm)
					if err != nil {
						return nil, apierr.Internal("")
					}
					prior = append(prior, string(raw))
				}
				outgoing = append(prior, outgoing...)
			}
		}
	}

	turn.client = m.Client()
	out, err := sjson.SetRawBytes(body, "messages", []byte("["+strings.Join(outgoing, ",")+"]"))
	if err == nil {
		out, err = sjson.SetBytes(out, "model", turn.client.Model())
	}
	for _, key := range []string{"id", "tools", "tool_choice"} {
		if err != nil {
			break
		}
		out, err = sjson.DeleteBytes(out, key)
	}
	if err != nil {
		return nil, apierr.Internal("")
	}
	turn.Body = out
	return turn, nil
}

func (s *Service) expandTool(ctx context.Context, body []byte, list []gjson.Result, turn *ChatTurn, credential string) (string, error) {
	if turn.User == "" {
		return "", apierr.Forbidden("A user is required to use tools.")
	}
	if len(list) > 1 {
		return "", apierr.InvalidParameter("Only one tool can be used per request.")
	}
	if kind := list[0].Get("type").String(); kind != "function" {
		return "", apierr.InvalidParameter(fmt.Sprintf("Unsupported tool type %q, only \"function\" is allowed.", kind))
	}
	fn := list[0].Get("function")
	name := fn.Get("name").String()
	tool, err := s.tools.Get(name)
	if err != nil {
		return "", err
	}

	out, err := tool.Prompt(ctx, tools.Context{
		Prompt:     turn.UserMessage.Content,
		User:       turn.User,
		Credential: credential,
	}, tools.Params{
		Request: body,
		Tool:    json.RawMessage(fn.Get("parameters").Raw),
	})
	s.metrics.ToolCalls.WithLabelValues(name, metrics.Outcome(err)).Inc()
	if err != nil {
		return "", err
	}

	turn.Metadata = map[string]any{name: out.Metadata}
	raw, err := json.Marshal(history.Message{Role: history.RoleUser, Content: out.Prompt})
	if err != nil {
		return "", apierr.Internal("")
	}
	return string(raw), nil
}

// CompleteChat performs a non-streaming turn and records it in history.
func (s *Service) CompleteChat(ctx context.Context, turn *ChatTurn) ([]byte, error) {
	start := time.Now()
	resp, err := turn.client.Post(ctx, providers.EndpointChatCompletions, turn.Body)
	s.observe(turn.Model.ID, providers.EndpointChatCompletions, start, err)
	if err != nil {
		return nil, err
	}

	parsed := gjson.ParseBytes(resp)
	s.publish(ctx, queue.UsageEvent{
		RequestID:        queue.NewRequestID(),
		UserID:           turn.User,
		Model:            turn.Model.ID,
		Endpoint:         providers.EndpointChatCompletions,
		ChatID:           turn.ChatID,
		Status:           http.StatusOK,
		PromptTokens:     parsed.Get("usage.prompt_tokens").Int(),
		CompletionTokens: parsed.Get("usage.completion_tokens").Int(),
	})

	if turn.User != "" {
		if resp, err = sjson.SetBytes(resp, "id", turn.ChatID); err != nil {
			return nil, apierr.Internal("")
		}
		assistant := history.Message{Role: history.RoleAssistant, Content: parsed.Get("choices.0.message.content").String()}
		if err := s.appendTurn(ctx, turn, assistant); err != nil {
			return nil, err
		}
	}
	if turn.Metadata != nil {
		if resp, err = sjson.SetBytes(resp, "metadata", turn.Metadata); err != nil {
			return nil, apierr.Internal("")
		}
	}
	return resp, nil
}

func (s *Service) appendTurn(ctx context.Context, turn *ChatTurn, assistant history.Message) error {
	err := s.history.Append(ctx, turn.User, turn.ChatID, turn.UserMessage, assistant)
	s.metrics.HistoryAppends.WithLabelValues(metrics.Outcome(err)).Inc()
	if err != nil {
		s.logger.Error().Err(err).Str("user", turn.User).Str("chat_id", turn.ChatID).Msg("failed to append chat history")
		return apierr.Internal("")
	}
	return nil
}

// flattenContent reduces multimodal content to its text parts.
func flattenContent(v gjson.Result) string {
	if !v.IsArray() {
		return v.String()
	}
	var parts []string
	for _, part := range v.Array() {
		if part.Get("type").String() == "text" {
			parts = append(parts, part.Get("text").String())
		}
	}
	return strings.Join(parts, "\n")
}
