package openai_compat

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"albert/internal/apierr"
	"albert/internal/providers"
)

func TestPostForwardsBodyAndKey(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/chat/completions" {
			t.Errorf("unexpected path %q", r.URL.Path)
		}
		if got := r.Header.Get("Authorization"); got != "Bearer sk-test" {
			t.Errorf("unexpected auth header %q", got)
		}
		b, _ := io.ReadAll(r.Body)
		_, _ = w.Write(b)
	}))
	defer srv.Close()

	c := New(Config{BaseURL: srv.URL + "/v1/", APIKey: "sk-test", Model: "m"})
	out, err := c.Post(context.Background(), providers.EndpointChatCompletions, []byte(`{"x":1}`))
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	if string(out) != `{"x":1}` {
		t.Fatalf("unexpected body %s", out)
	}
}

func TestPostNormalizesNestedMessage(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"object":"error","message":"{'type': 'BadRequestError', 'max_tokens': 4096, 'ok': False}"}`))
	}))
	defer srv.Close()

	_, err := New(Config{BaseURL: srv.URL}).Post(context.Background(), providers.EndpointCompletions, []byte(`{}`))
	var e *apierr.Error
	if !errors.As(err, &e) {
		t.Fatalf("expected apierr, got %v", err)
	}
	if e.Status != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", e.Status)
	}
	detail, ok := e.Detail.(map[string]any)
	if !ok {
		t.Fatalf("expected structured detail, got %#v", e.Detail)
	}
	if detail["type"] != "BadRequestError" || detail["ok"] != false {
		t.Fatalf("unexpected detail %#v", detail)
	}
}

func TestPostKeepsUnparseableMessage(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusUnprocessableEntity)
		_, _ = w.Write([]byte(`{"message":"context length exceeded"}`))
	}))
	defer srv.Close()

	_, err := New(Config{BaseURL: srv.URL}).Post(context.Background(), providers.EndpointCompletions, []byte(`{}`))
	e := apierr.From(err)
	if e.Status != http.StatusUnprocessableEntity || e.Detail != "context length exceeded" {
		t.Fatalf("unexpected error %+v", e)
	}
}

func TestPostTimeoutIsUnavailable(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		<-release
	}))
	defer srv.Close()
	defer close(release)

	c := New(Config{BaseURL: srv.URL, Timeout: 50 * time.Millisecond})
	_, err := c.Post(context.Background(), providers.EndpointChatCompletions, []byte(`{}`))
	if e := apierr.From(err); e.Status != http.StatusGatewayTimeout {
		t.Fatalf("expected 504, got %+v", e)
	}
}

func TestPostConnectionRefusedIsInternal(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	addr := srv.URL
	srv.Close()

	_, err := New(Config{BaseURL: addr}).Post(context.Background(), providers.EndpointChatCompletions, []byte(`{}`))
	e := apierr.From(err)
	if e.Status != http.StatusInternalServerError {
		t.Fatalf("expected 500, got %+v", e)
	}
	if e.Detail != "ConnectError" {
		t.Fatalf("expected ConnectError detail, got %#v", e.Detail)
	}
}

func TestPostRetriesTemporaryStatus(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		_, _ = w.Write([]byte(`{"ok":true}`))
	}))
	defer srv.Close()

	c := New(Config{BaseURL: srv.URL, MaxRetries: 1, BackoffBase: time.Millisecond})
	if _, err := c.Post(context.Background(), providers.EndpointEmbeddings, []byte(`{}`)); err != nil {
		t.Fatalf("post: %v", err)
	}
	if calls.Load() != 2 {
		t.Fatalf("expected 2 calls, got %d", calls.Load())
	}
}

func TestStreamYieldsEventsUntilDone(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprint(w, ": keep-alive\n\n")
		fmt.Fprint(w, "data: {\"n\":1}\n\n")
		fmt.Fprint(w, "data:{\"n\":2}\n\n")
		fmt.Fprint(w, "data: [DONE]\n\n")
		fmt.Fprint(w, "data: {\"n\":3}\n\n")
	}))
	defer srv.Close()

	s, err := New(Config{BaseURL: srv.URL}).Stream(context.Background(), providers.EndpointChatCompletions, []byte(`{}`))
	if err != nil {
		t.Fatalf("stream: %v", err)
	}
	defer s.Close()

	var got []string
	for {
		data, err := s.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			t.Fatalf("next: %v", err)
		}
		got = append(got, string(data))
	}
	if strings.Join(got, ",") != `{"n":1},{"n":2}` {
		t.Fatalf("unexpected events %v", got)
	}
}

func TestStreamErrorStatusReshapesBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"message":"{\"code\": 400, \"reason\": \"too long\"}"}`))
	}))
	defer srv.Close()

	s, err := New(Config{BaseURL: srv.URL}).Stream(context.Background(), providers.EndpointChatCompletions, []byte(`{}`))
	if err != nil {
		t.Fatalf("stream: %v", err)
	}
	defer s.Close()
	if s.StatusCode() != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", s.StatusCode())
	}
	chunk, err := s.Next()
	if err != nil {
		t.Fatalf("next: %v", err)
	}
	if string(chunk) != `{"message":{"code": 400, "reason": "too long"}}` {
		t.Fatalf("unexpected chunk %s", chunk)
	}
	if _, err := s.Next(); err != io.EOF {
		t.Fatalf("expected EOF, got %v", err)
	}
}

func TestStreamErrorStatusReshapesEachEvent(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte("data: {\"object\":\"error\",\"message\":\"{'detail': 'too long'}\"}\n\n" +
			"data: {\"message\":\"plain\"}\n\ndata: [DONE]\n\n"))
	}))
	defer srv.Close()

	s, err := New(Config{BaseURL: srv.URL}).Stream(context.Background(), providers.EndpointChatCompletions, []byte(`{}`))
	if err != nil {
		t.Fatalf("stream: %v", err)
	}
	defer s.Close()
	first, err := s.Next()
	if err != nil {
		t.Fatalf("next: %v", err)
	}
	if string(first) != `{"object":"error","message":{"detail": "too long"}}` {
		t.Fatalf("unexpected first chunk %s", first)
	}
	second, err := s.Next()
	if err != nil {
		t.Fatalf("next: %v", err)
	}
	if string(second) != `{"message":"plain"}` {
		t.Fatalf("unexpected second chunk %s", second)
	}
	if _, err := s.Next(); err != io.EOF {
		t.Fatalf("expected EOF, got %v", err)
	}
}

func TestStreamIdleTimeoutIsUnavailable(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		fmt.Fprint(w, "data: {\"n\":1}\n\n")
		w.(http.Flusher).Flush()
		<-release
	}))
	defer srv.Close()
	defer close(release)

	s, err := New(Config{BaseURL: srv.URL, Timeout: 100 * time.Millisecond}).Stream(context.Background(), providers.EndpointChatCompletions, []byte(`{}`))
	if err != nil {
		t.Fatalf("stream: %v", err)
	}
	defer s.Close()
	if _, err := s.Next(); err != nil {
		t.Fatalf("first event: %v", err)
	}
	_, err = s.Next()
	if e := apierr.From(err); e.Status != http.StatusGatewayTimeout {
		t.Fatalf("expected 504, got %v", err)
	}
}

func TestLiteralToJSON(t *testing.T) {
	tests := []struct {
		in   string
		want string
		ok   bool
	}{
		{`{'a': 'it\'s', 'b': None}`, `{"a": "it's", "b": null}`, true},
		{`['x', "y \"q\""]`, `["x", "y \"q\""]`, true},
		{`{'a': 1`, "", false},
	}
	for _, tt := range tests {
		got, ok := literalToJSON(tt.in)
		if ok != tt.ok {
			t.Fatalf("%q: expected ok=%v", tt.in, tt.ok)
		}
		if ok && got != tt.want {
			t.Fatalf("%q: got %q want %q", tt.in, got, tt.want)
		}
	}
}
