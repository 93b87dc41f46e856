package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	ModelTypeLanguage   = "text-generation"
	ModelTypeEmbeddings = "text-embeddings-inference"

	RoutingRoundRobin = "round_robin"
	RoutingShuffle    = "shuffle"
)

var ErrNoModels = errors.New("models file declares no models")

// Decrypter opens api_key_enc envelopes.
type Decrypter interface {
	Open(raw string) (string, error)
}

type ModelsFile struct {
	Models []ModelSpec `yaml:"models"`
}

type ModelSpec struct {
	ID              string       `yaml:"id"`
	Type            string       `yaml:"type"`
	OwnedBy         string       `yaml:"owned_by"`
	Aliases         []string     `yaml:"aliases"`
	RoutingStrategy string       `yaml:"routing_strategy"`
	Clients         []ClientSpec `yaml:"clients"`
}

type ClientSpec struct {
	Kind      string        `yaml:"kind"`
	Model     string        `yaml:"model"`
	BaseURL   string        `yaml:"base_url"`
	APIKey    string        `yaml:"api_key"`
	APIKeyEnc string        `yaml:"api_key_enc"`
	Timeout   time.Duration `yaml:"timeout"`
}

// LoadModels reads the YAML models file. dec may be nil when no client
// uses an encrypted key.
func LoadModels(path string, dec Decrypter) ([]ModelSpec, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read models file: %w", err)
	}
	return ParseModels(raw, dec)
}

func ParseModels(raw []byte, dec Decrypter) ([]ModelSpec, error) {
	var file ModelsFile
	if err := yaml.Unmarshal(raw, &file); err != nil {
		return nil, fmt.Errorf("parse models file: %w", err)
	}
	if len(file.Models) == 0 {
		return nil, ErrNoModels
	}

	seen := map[string]bool{}
	for i := range file.Models {
		m := &file.Models[i]
		m.ID = strings.TrimSpace(m.ID)
		if m.ID == "" {
			return nil, fmt.Errorf("model #%d has no id", i)
		}
		if m.Type == "" {
			m.Type = ModelTypeLanguage
		}
		if m.Type != ModelTypeLanguage && m.Type != ModelTypeEmbeddings {
			return nil, fmt.Errorf("model %q: unsupported type %q", m.ID, m.Type)
		}
		if m.RoutingStrategy == "" {
			m.RoutingStrategy = RoutingRoundRobin
		}
		if m.RoutingStrategy != RoutingRoundRobin && m.RoutingStrategy != RoutingShuffle {
			return nil, fmt.Errorf("model %q: unsupported routing_strategy %q", m.ID, m.RoutingStrategy)
		}
		if len(m.Clients) == 0 {
			return nil, fmt.Errorf("model %q has no clients", m.ID)
		}
		for _, name := range append([]string{m.ID}, m.Aliases...) {
			if seen[name] {
				return nil, fmt.Errorf("duplicate model name or alias %q", name)
			}
			seen[name] = true
		}

		for j := range m.Clients {
			c := &m.Clients[j]
			if strings.TrimSpace(c.BaseURL) == "" {
				return nil, fmt.Errorf("model %q client #%d has no base_url", m.ID, j)
			}
			if c.Kind == "" {
				c.Kind = "openai"
			}
			if c.Model == "" {
				c.Model = m.ID
			}
			c.APIKey = os.ExpandEnv(c.APIKey)
			if c.APIKeyEnc == "" {
				continue
			}
			if dec == nil {
				return nil, fmt.Errorf("model %q: api_key_enc set: %w", m.ID, ErrMissingMasterKey)
			}
			key, err := dec.Open(c.APIKeyEnc)
			if err != nil {
				return nil, fmt.Errorf("model %q: decrypt api key: %w", m.ID, err)
			}
			c.APIKey = key
		}
	}
	return file.Models, nil
}
