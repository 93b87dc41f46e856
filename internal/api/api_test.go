package api

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"

	"albert/internal/config"
	"albert/internal/embeddings"
	"albert/internal/gateway"
	"albert/internal/history"
	"albert/internal/providers/registry"
	"albert/internal/storage"
	"albert/internal/tools"
	"albert/internal/vectors"
)

type fakeUpstream struct {
	mu         sync.Mutex
	chats      []gjson.Result
	embedAuth  string
	embedBody  gjson.Result
	chatError  bool
	embedError bool
}

func (u *fakeUpstream) lastChat() gjson.Result {
	u.mu.Lock()
	defer u.mu.Unlock()
	if len(u.chats) == 0 {
		return gjson.Result{}
	}
	return u.chats[len(u.chats)-1]
}

func (u *fakeUpstream) chatCount() int {
	u.mu.Lock()
	defer u.mu.Unlock()
	return len(u.chats)
}

func (u *fakeUpstream) embedRequest() (string, gjson.Result) {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.embedAuth, u.embedBody
}

func (u *fakeUpstream) failChats() {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.chatError = true
}

func (u *fakeUpstream) failEmbeddings() {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.embedError = true
}

func (u *fakeUpstream) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	body, _ := io.ReadAll(r.Body)
	req := gjson.ParseBytes(body)
	switch r.URL.Path {
	case "/v1/models":
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"object":"list","data":[{"id":"upstream-m1","object":"model","max_model_len":4096}]}`))
	case "/v1/embeddings":
		u.mu.Lock()
		u.embedAuth = r.Header.Get("Authorization")
		u.embedBody = req
		failing := u.embedError
		u.mu.Unlock()
		w.Header().Set("Content-Type", "application/json")
		if failing {
			w.WriteHeader(http.StatusBadRequest)
			_, _ = w.Write([]byte(`{"object":"error","message":"{'detail': 'input too long'}","code":400}`))
			return
		}
		_, _ = w.Write([]byte(`{"object":"list","model":"upstream-emb","data":[{"object":"embedding","index":0,"embedding":[1,0]}],"usage":{"prompt_tokens":1,"total_tokens":1}}`))
	case "/v1/chat/completions":
		u.mu.Lock()
		u.chats = append(u.chats, req)
		failing := u.chatError
		u.mu.Unlock()
		if failing {
			w.WriteHeader(http.StatusBadRequest)
			_, _ = w.Write([]byte(`{"object":"error","message":"{'detail': 'context too long'}","code":400}`))
			return
		}
		if !req.Get("stream").Bool() {
			w.Header().Set("Content-Type", "application/json")
			_, _ = w.Write([]byte(`{"id":"cmpl-1","object":"chat.completion","created":1,"model":"upstream-m1","choices":[{"index":0,"finish_reason":"stop","message":{"role":"assistant","content":"Bonjour"}}],"usage":{"prompt_tokens":4,"completion_tokens":1,"total_tokens":5}}`))
			return
		}
		w.Header().Set("Content-Type", "text/event-stream")
		flusher := w.(http.Flusher)
		for _, tok := range []string{`"Bonj"`, `"our"`, `null`} {
			_, _ = fmt.Fprintf(w, "data: {\"id\":\"cmpl-1\",\"object\":\"chat.completion.chunk\",\"created\":1,\"model\":\"upstream-m1\",\"choices\":[{\"index\":0,\"delta\":{\"content\":%s},\"finish_reason\":null}]}\n\n", tok)
			flusher.Flush()
		}
		_, _ = w.Write([]byte("data: [DONE]\n\n"))
	default:
		http.NotFound(w, r)
	}
}

type testAPI struct {
	srv     *httptest.Server
	up      *fakeUpstream
	history *history.MemoryStore
}

func newTestAPI(t *testing.T) *testAPI {
	t.Helper()
	up := &fakeUpstream{}
	upSrv := httptest.NewServer(up)
	t.Cleanup(upSrv.Close)

	reg, err := registry.Build([]config.ModelSpec{
		{
			ID:      "m1",
			Type:    config.ModelTypeLanguage,
			Clients: []config.ClientSpec{{Kind: "vllm", BaseURL: upSrv.URL + "/v1", Model: "upstream-m1"}},
		},
		{
			ID:      "BAAI/bge-m3",
			Type:    config.ModelTypeEmbeddings,
			Aliases: []string{"emb"},
			Clients: []config.ClientSpec{{Kind: "tei", BaseURL: upSrv.URL + "/v1", Model: "upstream-emb"}},
		},
	}, registry.BuildOptions{Timeout: 2 * time.Second})
	require.NoError(t, err)

	db, err := storage.Open(context.Background(), storage.Config{Driver: "sqlite", DSN: filepath.Join(t.TempDir(), "albert.db"), AutoMigrate: true})
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	seedCollections(t, db)

	vs := vectors.New(db)
	emb := embeddings.New(embeddings.Config{Registry: reg, Timeout: 2 * time.Second})
	hist := history.NewMemoryStore()
	svc := gateway.New(gateway.Config{
		Registry:    reg,
		Tools:       tools.Default(emb, vs),
		History:     hist,
		Collections: vs,
		Logger:      zerolog.Nop(),
		NewChatID:   func() string { return "chat-1" },
	})

	srv := httptest.NewServer(NewRouter(Config{
		Gateway:        svc,
		Logger:         zerolog.Nop(),
		MetricsPath:    "/metrics",
		MetricsHandler: promhttp.Handler(),
	}))
	t.Cleanup(srv.Close)
	return &testAPI{srv: srv, up: up, history: hist}
}

func seedCollections(t *testing.T, db *storage.Store) {
	t.Helper()
	ctx := context.Background()
	for _, c := range []storage.Collection{
		{ID: "docs", Name: "docs", Type: storage.CollectionPublic, Model: "BAAI/bge-m3"},
		{ID: "alice-files", Name: "mes-fichiers", Type: storage.CollectionPrivate, Owner: "alice", Model: "BAAI/bge-m3"},
	} {
		require.NoError(t, db.CreateCollection(ctx, c))
	}
	require.NoError(t, db.UpsertChunks(ctx, []storage.Chunk{
		{ID: "d1", CollectionID: "docs", FileID: "guide", Content: "Paris est la capitale.", Metadata: map[string]any{"title": "Guide"}, Embedding: []float32{1, 0}},
		{ID: "a1", CollectionID: "alice-files", FileID: "f1", Content: "Le contenu du fichier.", Embedding: []float32{0, 1}},
		{ID: "a2", CollectionID: "alice-files", FileID: "f2", Content: "Un autre fichier.", Embedding: []float32{0, 1}},
	}))
}

func (a *testAPI) do(t *testing.T, method, path, body string) (*http.Response, string) {
	t.Helper()
	var rd io.Reader
	if body != "" {
		rd = bytes.NewBufferString(body)
	}
	req, err := http.NewRequest(method, a.srv.URL+path, rd)
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer user-key")
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	out, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp, string(out)
}

func TestHealthAndMetrics(t *testing.T) {
	a := newTestAPI(t)
	resp, body := a.do(t, http.MethodGet, "/health", "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "ok", body)

	resp, body = a.do(t, http.MethodGet, "/metrics", "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, body, "albert_")
}

func TestModelsEndpoints(t *testing.T) {
	a := newTestAPI(t)
	for _, prefix := range []string{"", "/v1"} {
		resp, body := a.do(t, http.MethodGet, prefix+"/models", "")
		assert.Equal(t, http.StatusOK, resp.StatusCode)
		assert.Equal(t, "list", gjson.Get(body, "object").String())
		assert.Equal(t, "m1", gjson.Get(body, "data.0.id").String())
		assert.Equal(t, int64(4096), gjson.Get(body, "data.0.max_model_len").Int())
		assert.Equal(t, config.ModelTypeEmbeddings, gjson.Get(body, "data.1.type").String())
	}

	resp, body := a.do(t, http.MethodGet, "/v1/models/BAAI/bge-m3", "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "BAAI/bge-m3", gjson.Get(body, "id").String())

	resp, body = a.do(t, http.MethodGet, "/v1/models/BAAI%2Fbge-m3", "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "BAAI/bge-m3", gjson.Get(body, "id").String())

	resp, body = a.do(t, http.MethodGet, "/v1/models/does-not-exist", "")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	assert.Equal(t, "Model not found.", gjson.Get(body, "detail").String())
}

func TestToolsEndpoint(t *testing.T) {
	a := newTestAPI(t)
	resp, body := a.do(t, http.MethodGet, "/v1/tools", "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	var ids []string
	for _, tool := range gjson.Get(body, "data").Array() {
		ids = append(ids, tool.Get("id").String())
		assert.Equal(t, "tool", tool.Get("object").String())
		assert.NotEmpty(t, tool.Get("description").String())
	}
	assert.Equal(t, tools.Names, ids)
}

func TestCollectionsEndpoint(t *testing.T) {
	a := newTestAPI(t)
	_, body := a.do(t, http.MethodGet, "/v1/collections?user=alice", "")
	assert.Len(t, gjson.Get(body, "data").Array(), 2)

	_, body = a.do(t, http.MethodGet, "/v1/collections?user=bob", "")
	data := gjson.Get(body, "data").Array()
	require.Len(t, data, 1)
	assert.Equal(t, "docs", data[0].Get("id").String())
	assert.Equal(t, "public", data[0].Get("type").String())
}

func TestCollectionByIDEndpoint(t *testing.T) {
	a := newTestAPI(t)
	resp, body := a.do(t, http.MethodGet, "/v1/collections/alice-files?user=alice", "")
	require.Equal(t, http.StatusOK, resp.StatusCode, body)
	assert.Equal(t, "mes-fichiers", gjson.Get(body, "name").String())
	assert.Equal(t, "private", gjson.Get(body, "type").String())

	resp, body = a.do(t, http.MethodGet, "/v1/collections/alice-files?user=bob", "")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	assert.Equal(t, "Collection not found.", gjson.Get(body, "detail").String())

	resp, _ = a.do(t, http.MethodGet, "/collections/docs", "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestUseFilesWithoutPlaceholderCreatesNoHistory(t *testing.T) {
	a := newTestAPI(t)
	resp, body := a.do(t, http.MethodPost, "/v1/chat/completions",
		`{"model":"m1","user":"alice","messages":[{"role":"user","content":"hi"}],"tools":[{"type":"function","function":{"name":"UseFiles","parameters":{"file_ids":["f1"]}}}],"stream":false}`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Contains(t, gjson.Get(body, "detail").String(), "{files}")

	resp, body = a.do(t, http.MethodGet, "/v1/chat/history/alice", "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.JSONEq(t, `{}`, body)
	assert.Equal(t, 0, a.up.chatCount())
}

func TestUseFilesInlinesFile(t *testing.T) {
	a := newTestAPI(t)
	resp, body := a.do(t, http.MethodPost, "/v1/chat/completions",
		`{"model":"m1","user":"alice","messages":[{"role":"user","content":"Résume {files}"}],"tools":[{"type":"function","function":{"name":"UseFiles","parameters":{"file_ids":["f1"]}}}]}`)
	require.Equal(t, http.StatusOK, resp.StatusCode, body)
	assert.Equal(t, "Résume Le contenu du fichier.", a.up.lastChat().Get("messages.0.content").String())
	assert.Equal(t, "chat-1", gjson.Get(body, "id").String())
	assert.True(t, gjson.Get(body, "metadata.UseFiles.chunks").IsArray())

	resp, body = a.do(t, http.MethodGet, "/v1/chat/history/alice/chat-1", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "Résume {files}", gjson.Get(body, "messages.0.content").String())
	assert.Equal(t, "Bonjour", gjson.Get(body, "messages.1.content").String())
	assert.Greater(t, gjson.Get(body, "created").Int(), int64(0))
}

func TestBaseRAGSearchesWithEmbeddings(t *testing.T) {
	a := newTestAPI(t)
	resp, body := a.do(t, http.MethodPost, "/chat/completions",
		`{"model":"m1","user":"alice","messages":[{"role":"user","content":"Quelle est la capitale ?"}],"tools":[{"type":"function","function":{"name":"BaseRAG","parameters":{"embeddings_model":"BAAI/bge-m3","collections":["docs"],"k":2}}}]}`)
	require.Equal(t, http.StatusOK, resp.StatusCode, body)

	prompt := a.up.lastChat().Get("messages.0.content").String()
	assert.Contains(t, prompt, "Paris est la capitale.")
	assert.Contains(t, prompt, "Quelle est la capitale ?")
	assert.Equal(t, "Guide", gjson.Get(body, "metadata.BaseRAG.chunks.0.title").String())
	auth, sent := a.up.embedRequest()
	assert.Equal(t, "Bearer user-key", auth)
	assert.Equal(t, "upstream-emb", sent.Get("model").String())
}

func TestBaseRAGRelaysEmbeddingsError(t *testing.T) {
	a := newTestAPI(t)
	a.up.failEmbeddings()
	resp, body := a.do(t, http.MethodPost, "/v1/chat/completions",
		`{"model":"m1","user":"alice","messages":[{"role":"user","content":"q"}],"tools":[{"type":"function","function":{"name":"BaseRAG","parameters":{"embeddings_model":"BAAI/bge-m3","collections":["docs"]}}}]}`)
	require.Equal(t, http.StatusBadRequest, resp.StatusCode, body)
	assert.Equal(t, "input too long", gjson.Get(body, "detail.detail").String())
	assert.Equal(t, 0, a.up.chatCount())
}

func TestBaseRAGValidation(t *testing.T) {
	a := newTestAPI(t)
	cases := []struct {
		params string
		status int
	}{
		{`{"embeddings_model":"BAAI/bge-m3","k":7}`, http.StatusBadRequest},
		{`{"embeddings_model":"BAAI/bge-m3","prompt_template":"{prompt} only"}`, http.StatusBadRequest},
		{`{"embeddings_model":"BAAI/bge-m3","collections":["missing"]}`, http.StatusNotFound},
		{`{"embeddings_model":"other","collections":["docs"]}`, http.StatusBadRequest},
	}
	for _, tc := range cases {
		body := fmt.Sprintf(`{"model":"m1","user":"alice","messages":[{"role":"user","content":"q"}],"tools":[{"type":"function","function":{"name":"BaseRAG","parameters":%s}}]}`, tc.params)
		resp, out := a.do(t, http.MethodPost, "/v1/chat/completions", body)
		assert.Equal(t, tc.status, resp.StatusCode, out)
	}

	resp, _ := a.do(t, http.MethodPost, "/v1/chat/completions",
		`{"model":"m1","messages":[{"role":"user","content":"q"}],"tools":[{"type":"function","function":{"name":"BaseRAG","parameters":{}}}]}`)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
}

func TestChatStreamOverHTTP(t *testing.T) {
	a := newTestAPI(t)
	resp, body := a.do(t, http.MethodPost, "/v1/chat/completions",
		`{"model":"m1","user":"alice","stream":true,"messages":[{"role":"user","content":"salut"}]}`)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, resp.Header.Get("Content-Type"), "text/event-stream")
	assert.True(t, strings.HasSuffix(body, "data: [DONE] \n\n"))
	assert.Equal(t, 1, strings.Count(body, "[DONE]"))

	frames := strings.Split(strings.TrimSuffix(body, "\n\n"), "\n\n")
	require.Len(t, frames, 4)
	assert.Equal(t, "chat-1", gjson.Get(strings.TrimPrefix(frames[0], "data: "), "id").String())

	rec, ok, err := a.history.Get(context.Background(), "alice", "chat-1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "Bonjour", rec.Messages[1].Content)
}

func TestChatStreamUpstreamErrorKeepsStatus(t *testing.T) {
	a := newTestAPI(t)
	a.up.failChats()
	resp, body := a.do(t, http.MethodPost, "/v1/chat/completions",
		`{"model":"m1","user":"alice","stream":true,"messages":[{"role":"user","content":"salut"}]}`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, "context too long", gjson.Get(body, "message.detail").String())

	resp, body = a.do(t, http.MethodPost, "/v1/chat/completions",
		`{"model":"m1","user":"alice","messages":[{"role":"user","content":"salut"}]}`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, "context too long", gjson.Get(body, "detail.detail").String())

	_, body = a.do(t, http.MethodGet, "/v1/chat/history/alice", "")
	assert.JSONEq(t, `{}`, body)
}

func TestHistoryNotFound(t *testing.T) {
	a := newTestAPI(t)
	resp, body := a.do(t, http.MethodGet, "/v1/chat/history/alice/nope", "")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	assert.NotEmpty(t, gjson.Get(body, "detail").String())
}

func TestEmbeddingsPassthrough(t *testing.T) {
	a := newTestAPI(t)
	resp, body := a.do(t, http.MethodPost, "/v1/embeddings", `{"model":"emb","input":["bonjour"]}`)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, 2, len(gjson.Get(body, "data.0.embedding").Array()))

	resp, _ = a.do(t, http.MethodPost, "/v1/embeddings", `{"model":"m1","input":["bonjour"]}`)
	assert.Equal(t, http.StatusUnprocessableEntity, resp.StatusCode)

	resp, _ = a.do(t, http.MethodPost, "/v1/completions", `{"model":"nope","prompt":"x"}`)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}
