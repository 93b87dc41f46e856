package api

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog/hlog"

	"albert/internal/apierr"
	"albert/internal/gateway"
	"albert/internal/providers"
	"albert/internal/storage"
)

type listResponse struct {
	Object string `json:"object"`
	Data   any    `json:"data"`
}

type collectionCard struct {
	Object      string `json:"object"`
	ID          string `json:"id"`
	Name        string `json:"name"`
	Type        string `json:"type"`
	Model       string `json:"model"`
	Description string `json:"description,omitempty"`
}

func (s *Server) handleModels(w http.ResponseWriter, r *http.Request) {
	out, err := s.gateway.Models(r.Context())
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	respondRaw(w, http.StatusOK, out)
}

func (s *Server) handleModel(w http.ResponseWriter, r *http.Request) {
	out, err := s.gateway.Model(r.Context(), chi.URLParam(r, "*"))
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	respondRaw(w, http.StatusOK, out)
}

func (s *Server) handleTools(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, listResponse{Object: "list", Data: s.gateway.Tools()})
}

func (s *Server) handleCollections(w http.ResponseWriter, r *http.Request) {
	cols, err := s.gateway.Collections(r.Context(), r.URL.Query().Get("user"))
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	cards := make([]collectionCard, 0, len(cols))
	for _, c := range cols {
		cards = append(cards, cardOf(c))
	}
	respondJSON(w, http.StatusOK, listResponse{Object: "list", Data: cards})
}

func (s *Server) handleCollection(w http.ResponseWriter, r *http.Request) {
	c, err := s.gateway.Collection(r.Context(), r.URL.Query().Get("user"), chi.URLParam(r, "id"))
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, cardOf(c))
}

func cardOf(c storage.Collection) collectionCard {
	return collectionCard{Object: "collection", ID: c.ID, Name: c.Name, Type: c.Type, Model: c.Model, Description: c.Description}
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	records, err := s.gateway.History(r.Context(), chi.URLParam(r, "user"))
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, records)
}

func (s *Server) handleChat(w http.ResponseWriter, r *http.Request) {
	rec, err := s.gateway.Chat(r.Context(), chi.URLParam(r, "user"), chi.URLParam(r, "id"))
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, rec)
}

func (s *Server) handleChatCompletions(w http.ResponseWriter, r *http.Request) {
	body, ok := s.readBody(w, r)
	if !ok {
		return
	}
	turn, err := s.gateway.PrepareChat(r.Context(), body, credential(r))
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	if !turn.Stream {
		out, err := s.gateway.CompleteChat(r.Context(), turn)
		if err != nil {
			s.respondError(w, r, err)
			return
		}
		respondRaw(w, http.StatusOK, out)
		return
	}
	st, err := s.gateway.OpenChatStream(r.Context(), turn)
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	s.relay(w, r, st)
}

func (s *Server) handleCompletions(w http.ResponseWriter, r *http.Request) {
	s.forward(w, r, providers.EndpointCompletions)
}

func (s *Server) handleEmbeddings(w http.ResponseWriter, r *http.Request) {
	s.forward(w, r, providers.EndpointEmbeddings)
}

func (s *Server) forward(w http.ResponseWriter, r *http.Request, endpoint string) {
	body, ok := s.readBody(w, r)
	if !ok {
		return
	}
	f, err := s.gateway.PrepareForward(body, endpoint)
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	if !f.Stream {
		out, err := s.gateway.Do(r.Context(), f)
		if err != nil {
			s.respondError(w, r, err)
			return
		}
		respondRaw(w, http.StatusOK, out)
		return
	}
	st, err := s.gateway.OpenStream(r.Context(), f)
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	s.relay(w, r, st)
}

// relay copies the stream to the client. A failed write means the client
// left; returning closes the upstream through the request context.
func (s *Server) relay(w http.ResponseWriter, r *http.Request, st *gateway.EventStream) {
	defer st.Close()

	if !st.OK() {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(st.StatusCode())
		// one JSON document per line when the upstream sent several error events
		for n := 0; ; n++ {
			b, err := st.Next()
			if err != nil {
				return
			}
			if n > 0 {
				_, _ = w.Write([]byte("\n"))
			}
			_, _ = w.Write(b)
		}
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	flusher, _ := w.(http.Flusher)

	for {
		b, err := st.Next()
		if errors.Is(err, io.EOF) {
			return
		}
		if err != nil {
			if r.Context().Err() != nil {
				hlog.FromRequest(r).Debug().Msg("client disconnected mid-stream")
				return
			}
			hlog.FromRequest(r).Warn().Err(err).Msg("stream ended with error")
			_, _ = w.Write(gateway.ErrorFrame(err))
			if flusher != nil {
				flusher.Flush()
			}
			return
		}
		if _, err := w.Write(b); err != nil {
			return
		}
		if flusher != nil {
			flusher.Flush()
		}
	}
}

func (s *Server) readBody(w http.ResponseWriter, r *http.Request) ([]byte, bool) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxRequestBytes))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			s.respondError(w, r, apierr.New(http.StatusRequestEntityTooLarge, "Request body too large."))
			return nil, false
		}
		s.respondError(w, r, apierr.InvalidParameter("Invalid request body."))
		return nil, false
	}
	return body, true
}

func credential(r *http.Request) string {
	auth := strings.TrimSpace(r.Header.Get("Authorization"))
	if len(auth) > 7 && strings.EqualFold(auth[:7], "bearer ") {
		return strings.TrimSpace(auth[7:])
	}
	return ""
}

func (s *Server) respondError(w http.ResponseWriter, r *http.Request, err error) {
	e := apierr.From(err)
	if e.Status >= http.StatusInternalServerError {
		hlog.FromRequest(r).Error().Err(err).Int("status", e.Status).Msg("request failed")
	}
	respondJSON(w, e.Status, map[string]any{"detail": e.Detail})
}

func respondJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func respondRaw(w http.ResponseWriter, status int, body []byte) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(body)
}
