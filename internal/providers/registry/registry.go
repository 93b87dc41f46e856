package registry

import (
	"fmt"
	"math/rand/v2"
	"net/http"
	"net/url"
	"sync/atomic"
	"time"

	"albert/internal/apierr"
	"albert/internal/config"
	"albert/internal/providers"
	"albert/internal/providers/openai_compat"
)

// Model is a logical model exposed by the gateway, backed by one or more
// upstream clients.
type Model struct {
	ID       string
	Type     string
	OwnedBy  string
	Aliases  []string
	Created  int64
	strategy string
	clients  []providers.Provider
	next     atomic.Uint64
}

// Client picks the upstream that serves the next call.
func (m *Model) Client() providers.Provider {
	if len(m.clients) == 1 {
		return m.clients[0]
	}
	if m.strategy == config.RoutingShuffle {
		return m.clients[rand.IntN(len(m.clients))]
	}
	i := m.next.Add(1) - 1
	return m.clients[i%uint64(len(m.clients))]
}

func (m *Model) Clients() []providers.Provider {
	return m.clients
}

// Registry is built once at startup and never mutated, so lookups need no
// locking.
type Registry struct {
	models []*Model
	byName map[string]*Model
}

type BuildOptions struct {
	HTTPClient  *http.Client
	Timeout     time.Duration
	MaxRetries  int
	BackoffBase time.Duration
	Now         func() time.Time
}

func New(models []*Model) (*Registry, error) {
	r := &Registry{byName: make(map[string]*Model, len(models))}
	for _, m := range models {
		if len(m.clients) == 0 {
			return nil, fmt.Errorf("model %q has no clients", m.ID)
		}
		for _, name := range append([]string{m.ID}, m.Aliases...) {
			if _, dup := r.byName[name]; dup {
				return nil, fmt.Errorf("duplicate model name or alias %q", name)
			}
			r.byName[name] = m
		}
		r.models = append(r.models, m)
	}
	return r, nil
}

func Build(specs []config.ModelSpec, opts BuildOptions) (*Registry, error) {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	created := opts.Now().Unix()
	models := make([]*Model, 0, len(specs))
	for _, spec := range specs {
		m := &Model{
			ID:       spec.ID,
			Type:     spec.Type,
			OwnedBy:  spec.OwnedBy,
			Aliases:  spec.Aliases,
			Created:  created,
			strategy: spec.RoutingStrategy,
		}
		for _, cs := range spec.Clients {
			p, err := buildClient(cs, opts)
			if err != nil {
				return nil, fmt.Errorf("model %q: %w", spec.ID, err)
			}
			m.clients = append(m.clients, p)
		}
		models = append(models, m)
	}
	return New(models)
}

func buildClient(cs config.ClientSpec, opts BuildOptions) (providers.Provider, error) {
	timeout := cs.Timeout
	if timeout <= 0 {
		timeout = opts.Timeout
	}
	switch cs.Kind {
	case "openai", "openai_compat", "vllm", "tei", "albert":
		return openai_compat.New(openai_compat.Config{
			BaseURL:     cs.BaseURL,
			APIKey:      cs.APIKey,
			Model:       cs.Model,
			Timeout:     timeout,
			HTTPClient:  opts.HTTPClient,
			MaxRetries:  opts.MaxRetries,
			BackoffBase: opts.BackoffBase,
		}), nil
	default:
		return nil, fmt.Errorf("unsupported provider kind %q", cs.Kind)
	}
}

// Resolve looks a name up by id or alias, retrying once with the name
// percent-decoded since ids may arrive escaped in URL paths.
func (r *Registry) Resolve(name string) (*Model, error) {
	if m, ok := r.byName[name]; ok {
		return m, nil
	}
	if decoded, err := url.PathUnescape(name); err == nil && decoded != name {
		if m, ok := r.byName[decoded]; ok {
			return m, nil
		}
	}
	return nil, apierr.ErrModelNotFound
}

// ResolveFor also checks that the model can serve the given endpoint.
func (r *Registry) ResolveFor(name, endpoint string) (*Model, error) {
	m, err := r.Resolve(name)
	if err != nil {
		return nil, err
	}
	want := config.ModelTypeLanguage
	if endpoint == providers.EndpointEmbeddings {
		want = config.ModelTypeEmbeddings
	}
	if m.Type != want {
		return nil, apierr.ErrWrongModel
	}
	return m, nil
}

// Endpoint returns the upstream base URL and credential a retrieval tool
// needs to call the model directly.
func (r *Registry) Endpoint(name string) (baseURL, apiKey, upstreamModel string, err error) {
	m, err := r.Resolve(name)
	if err != nil {
		return "", "", "", err
	}
	c := m.Client()
	return c.BaseURL(), c.APIKey(), c.Model(), nil
}

func (r *Registry) List() []*Model {
	out := make([]*Model, len(r.models))
	copy(out, r.models)
	return out
}
