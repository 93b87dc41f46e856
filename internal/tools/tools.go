package tools

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"

	"albert/internal/apierr"
	"albert/internal/storage"
	"albert/internal/vectors"
)

const (
	NameBaseRAG     = "BaseRAG"
	NameFewShots    = "FewShots"
	NameSPPFewShots = "SPPFewShots"
	NameUseFiles    = "UseFiles"
)

// Names is the closed set of tools the gateway can expose.
var Names = []string{NameBaseRAG, NameFewShots, NameSPPFewShots, NameUseFiles}

type Embedder interface {
	Embed(ctx context.Context, model, text, credential string) ([]float32, error)
}

type Searcher interface {
	Collections(ctx context.Context, userID string, names []string) ([]storage.Collection, error)
	Search(ctx context.Context, collectionID string, query []float32, fileIDs []string, limit int) ([]vectors.Result, error)
	Scroll(ctx context.Context, collectionID string, fileIDs []string) ([]vectors.Result, error)
}

// Context is what a tool sees of the chat request.
type Context struct {
	Prompt     string
	User       string
	Credential string
}

// Params carries the two sources of tool arguments. Fields present in Tool
// override the same fields at the request level; the acting user never
// comes from either.
type Params struct {
	Request json.RawMessage
	Tool    json.RawMessage
}

type Output struct {
	Prompt   string
	Metadata map[string]any
}

type Tool interface {
	Name() string
	Description() string
	Prompt(ctx context.Context, tc Context, params Params) (Output, error)
}

func (p Params) decode(dst any) error {
	for _, raw := range []json.RawMessage{p.Request, p.Tool} {
		raw = bytes.TrimSpace(raw)
		if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
			continue
		}
		if err := json.Unmarshal(raw, dst); err != nil {
			return apierr.InvalidParameter(fmt.Sprintf("Invalid tool parameters: %v", err))
		}
	}
	return nil
}

type Registry struct {
	tools map[string]Tool
	order []string
}

// NewRegistry accepts only tools from Names, each at most once.
func NewRegistry(tools ...Tool) (*Registry, error) {
	known := make(map[string]bool, len(Names))
	for _, n := range Names {
		known[n] = true
	}
	r := &Registry{tools: make(map[string]Tool, len(tools))}
	for _, t := range tools {
		name := t.Name()
		if !known[name] {
			return nil, fmt.Errorf("undeclared tool %q", name)
		}
		if _, dup := r.tools[name]; dup {
			return nil, fmt.Errorf("tool %q registered twice", name)
		}
		r.tools[name] = t
		r.order = append(r.order, name)
	}
	return r, nil
}

// Default wires every declared tool.
func Default(embedder Embedder, searcher Searcher) *Registry {
	r, err := NewRegistry(
		NewBaseRAG(embedder, searcher),
		NewFewShots(embedder, searcher),
		NewSPPFewShots(embedder, searcher),
		NewUseFiles(searcher),
	)
	if err != nil {
		panic(err)
	}
	return r
}

func (r *Registry) Get(name string) (Tool, error) {
	t, ok := r.tools[name]
	if !ok {
		return nil, apierr.ErrToolNotFound
	}
	return t, nil
}

func (r *Registry) List() []Tool {
	out := make([]Tool, 0, len(r.order))
	for _, name := range r.order {
		out = append(out, r.tools[name])
	}
	return out
}
