package gateway

import (
	"context"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"

	"albert/internal/apierr"
	"albert/internal/providers/registry"
)

// Models lists every registered model. Each upstream base URL is asked for
// its own listing once; entries it reports are merged into the card.
func (s *Service) Models(ctx context.Context) ([]byte, error) {
	listings := map[string]gjson.Result{}
	out := []byte(`{"object":"list","data":[]}`)
	for _, m := range s.registry.List() {
		card, err := s.card(ctx, m, listings)
		if err != nil {
			return nil, err
		}
		if out, err = sjson.SetRawBytes(out, "data.-1", card); err != nil {
			return nil, apierr.Internal("")
		}
	}
	return out, nil
}

// Model describes one model; name may be an alias or percent-encoded.
func (s *Service) Model(ctx context.Context, name string) ([]byte, error) {
	m, err := s.registry.Resolve(name)
	if err != nil {
		return nil, err
	}
	return s.card(ctx, m, map[string]gjson.Result{})
}

func (s *Service) card(ctx context.Context, m *registry.Model, listings map[string]gjson.Result) ([]byte, error) {
	upstream := m.Clients()[0]
	listing, seen := listings[upstream.BaseURL()]
	if !seen {
		raw, err := upstream.Models(ctx)
		if err != nil {
			s.logger.Debug().Err(err).Str("model", m.ID).Msg("upstream model listing unavailable")
		} else {
			listing = gjson.ParseBytes(raw)
		}
		listings[upstream.BaseURL()] = listing
	}

	out := []byte(`{}`)
	for _, entry := range listing.Get("data").Array() {
		if entry.Get("id").String() == upstream.Model() {
			out = []byte(entry.Raw)
			break
		}
	}

	set := []cardField{
		{"id", m.ID},
		{"object", "model"},
		{"type", m.Type},
		{"aliases", aliases(m)},
	}
	if !gjson.GetBytes(out, "created").Exists() {
		set = append(set, cardField{"created", m.Created})
	}
	if m.OwnedBy != "" || !gjson.GetBytes(out, "owned_by").Exists() {
		set = append(set, cardField{"owned_by", m.OwnedBy})
	}
	var err error
	for _, f := range set {
		if out, err = sjson.SetBytes(out, f.path, f.value); err != nil {
			return nil, apierr.Internal("")
		}
	}
	return out, nil
}

type cardField struct {
	path  string
	value any
}

func aliases(m *registry.Model) []string {
	if m.Aliases == nil {
		return []string{}
	}
	return m.Aliases
}
