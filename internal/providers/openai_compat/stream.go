package openai_compat

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"albert/internal/apierr"
)

var errIdleTimeout = errors.New("upstream stream idle timeout")

type eventStream struct {
	ctx     context.Context
	cancel  context.CancelCauseFunc
	idle    *time.Timer
	timeout time.Duration
	status  int
	body    io.ReadCloser
	scanner *bufio.Scanner
	done    bool
}

func newEventStream(ctx context.Context, cancel context.CancelCauseFunc, idle *time.Timer, timeout time.Duration, resp *http.Response) *eventStream {
	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 256*1024), 4*1024*1024)
	return &eventStream{
		ctx:     ctx,
		cancel:  cancel,
		idle:    idle,
		timeout: timeout,
		status:  resp.StatusCode,
		body:    resp.Body,
		scanner: scanner,
	}
}

func (s *eventStream) StatusCode() int { return s.status }

func (s *eventStream) Next() ([]byte, error) {
	if s.done {
		return nil, io.EOF
	}
	for s.scanner.Scan() {
		s.idle.Reset(s.timeout)
		line := s.scanner.Bytes()
		if !bytes.HasPrefix(line, []byte("data:")) {
			continue
		}
		data := bytes.TrimSpace(line[len("data:"):])
		if len(data) == 0 {
			continue
		}
		if bytes.Equal(data, []byte("[DONE]")) {
			s.done = true
			return nil, io.EOF
		}
		out := make([]byte, len(data))
		copy(out, data)
		return out, nil
	}
	s.done = true

	if s.ctx.Err() != nil {
		cause := context.Cause(s.ctx)
		if errors.Is(cause, errIdleTimeout) {
			return nil, apierr.Unavailable()
		}
		return nil, cause
	}
	if err := s.scanner.Err(); err != nil {
		return nil, NormalizeTransport(err)
	}
	return nil, io.EOF
}

func (s *eventStream) Close() error {
	s.done = true
	s.idle.Stop()
	s.cancel(context.Canceled)
	return s.body.Close()
}

// errorStream replays a non-2xx upstream body as reshaped chunks: one per
// data event when the body is SSE framed, the whole body otherwise.
type errorStream struct {
	status int
	chunks [][]byte
}

func newErrorStream(status int, body []byte) *errorStream {
	body = bytes.TrimSpace(body)
	if len(body) == 0 {
		body, _ = json.Marshal(map[string]string{"detail": http.StatusText(status)})
	}
	events := dataEvents(body)
	if len(events) == 0 {
		events = [][]byte{body}
	}
	chunks := make([][]byte, 0, len(events))
	for _, ev := range events {
		chunks = append(chunks, ReshapeErrorChunk(ev))
	}
	return &errorStream{status: status, chunks: chunks}
}

// dataEvents returns the payloads of the "data:" lines of an SSE body,
// without the [DONE] marker. A body with no data line yields nothing.
func dataEvents(body []byte) [][]byte {
	var out [][]byte
	for _, line := range bytes.Split(body, []byte("\n")) {
		payload, ok := bytes.CutPrefix(bytes.TrimSpace(line), []byte("data:"))
		if !ok {
			continue
		}
		payload = bytes.TrimSpace(payload)
		if len(payload) == 0 || bytes.Equal(payload, []byte("[DONE]")) {
			continue
		}
		out = append(out, payload)
	}
	return out
}

func (s *errorStream) StatusCode() int { return s.status }

func (s *errorStream) Next() ([]byte, error) {
	if len(s.chunks) == 0 {
		return nil, io.EOF
	}
	next := s.chunks[0]
	s.chunks = s.chunks[1:]
	return next, nil
}

func (s *errorStream) Close() error { return nil }
