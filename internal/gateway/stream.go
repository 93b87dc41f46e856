package gateway

import (
	"context"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"

	"albert/internal/apierr"
	"albert/internal/history"
	"albert/internal/providers"
	"albert/internal/queue"
)

var doneFrame = []byte("data: [DONE] \n\n")

// EventStream relays one upstream event stream to the caller. It owns the
// per-request accumulator; nothing about it is shared between requests.
//
// Next returns ready-to-write bytes: SSE frames while the upstream status is
// 2xx, otherwise the normalized error body. The history append happens
// before the [DONE] frame is returned, and only if the upstream ended
// cleanly with the caller still connected.
type EventStream struct {
	svc      *Service
	ctx      context.Context
	upstream providers.Stream
	endpoint string
	model    string
	turn     *ChatTurn

	content    []string
	first      bool
	finished   bool
	prompt     int64
	completion int64
}

func (s *Service) OpenChatStream(ctx context.Context, turn *ChatTurn) (*EventStream, error) {
	start := time.Now()
	up, err := turn.client.Stream(ctx, providers.EndpointChatCompletions, turn.Body)
	s.observeStream(turn.Model.ID, providers.EndpointChatCompletions, start, up, err)
	if err != nil {
		return nil, err
	}
	return &EventStream{
		svc:      s,
		ctx:      ctx,
		upstream: up,
		endpoint: providers.EndpointChatCompletions,
		model:    turn.Model.ID,
		turn:     turn,
		first:    true,
	}, nil
}

func (st *EventStream) StatusCode() int { return st.upstream.StatusCode() }

func (st *EventStream) OK() bool {
	code := st.upstream.StatusCode()
	return code >= 200 && code < 300
}

func (st *EventStream) Next() ([]byte, error) {
	if st.finished {
		return nil, io.EOF
	}
	chunk, err := st.upstream.Next()
	if errors.Is(err, io.EOF) {
		st.finished = true
		if !st.OK() {
			return nil, io.EOF
		}
		if err := st.finish(); err != nil {
			return nil, err
		}
		return doneFrame, nil
	}
	if err != nil {
		st.finished = true
		return nil, err
	}
	if !st.OK() {
		return chunk, nil
	}
	return frame(st.relabel(chunk)), nil
}

func (st *EventStream) Close() error {
	st.finished = true
	return st.upstream.Close()
}

// Content returns the text accumulated for choice i so far.
func (st *EventStream) Content(i int) string {
	if i < 0 || i >= len(st.content) {
		return ""
	}
	return st.content[i]
}

func (st *EventStream) relabel(chunk []byte) []byte {
	ev := gjson.ParseBytes(chunk)
	if !ev.IsObject() {
		return chunk
	}

	textPath := "delta.content"
	if st.turn == nil {
		textPath = "text"
	}
	for _, choice := range ev.Get("choices").Array() {
		idx := int(choice.Get("index").Int())
		if idx < 0 {
			continue
		}
		for len(st.content) <= idx {
			st.content = append(st.content, "")
		}
		// a null delta reads as ""
		st.content[idx] += choice.Get(textPath).String()
	}
	if u := ev.Get("usage"); u.IsObject() {
		st.prompt = u.Get("prompt_tokens").Int()
		st.completion = u.Get("completion_tokens").Int()
	}

	out := chunk
	var err error
	if st.turn != nil && st.turn.ChatID != "" {
		if out, err = sjson.SetBytes(out, "id", st.turn.ChatID); err != nil {
			return chunk
		}
	}
	if st.first && st.turn != nil && st.turn.Metadata != nil {
		if updated, err := sjson.SetBytes(out, "metadata", st.turn.Metadata); err == nil {
			out = updated
		}
	}
	st.first = false
	return out
}

func (st *EventStream) finish() error {
	if err := st.ctx.Err(); err != nil {
		return err
	}
	ev := queue.UsageEvent{
		RequestID:        queue.NewRequestID(),
		Model:            st.model,
		Endpoint:         st.endpoint,
		Status:           http.StatusOK,
		PromptTokens:     st.prompt,
		CompletionTokens: st.completion,
	}
	if st.turn != nil {
		ev.UserID = st.turn.User
		ev.ChatID = st.turn.ChatID
	}
	st.svc.publish(st.ctx, ev)

	if st.turn == nil || st.turn.User == "" {
		return nil
	}
	assistant := history.Message{Role: history.RoleAssistant, Content: st.Content(0)}
	if err := st.svc.appendTurn(st.ctx, st.turn, assistant); err != nil {
		return err
	}
	return nil
}

func frame(payload []byte) []byte {
	out := make([]byte, 0, len(payload)+8)
	out = append(out, "data: "...)
	out = append(out, payload...)
	return append(out, "\n\n"...)
}

// ErrorFrame renders an error raised after the stream has started.
func ErrorFrame(err error) []byte {
	e := apierr.From(err)
	body, mErr := sjson.SetBytes([]byte(`{}`), "detail", e.Detail)
	if mErr != nil {
		body = []byte(`{"detail":"InternalError"}`)
	}
	return frame(body)
}
