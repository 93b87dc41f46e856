package vectors

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"

	"albert/internal/apierr"
	"albert/internal/storage"
)

type Result struct {
	ID      string
	FileID  string
	Content string
	Payload map[string]any
	Score   float64
}

// Store searches chunk embeddings kept in SQL by brute-force cosine
// similarity. Index maintenance belongs to the ingestion side.
type Store struct {
	db *storage.Store
}

func New(db *storage.Store) *Store {
	return &Store{db: db}
}

// Collections resolves names to collections visible to userID. Every named
// collection must be visible; an empty list means all visible ones.
func (s *Store) Collections(ctx context.Context, userID string, names []string) ([]storage.Collection, error) {
	found, err := s.db.VisibleCollections(ctx, userID, names)
	if err != nil {
		return nil, err
	}
	if len(names) == 0 {
		return found, nil
	}

	byName := make(map[string][]storage.Collection, len(found))
	for _, c := range found {
		byName[c.Name] = append(byName[c.Name], c)
	}
	out := make([]storage.Collection, 0, len(names))
	seen := map[string]bool{}
	for _, name := range names {
		matches, ok := byName[name]
		if !ok {
			return nil, apierr.NotFound(fmt.Sprintf("Collection %s not found.", name))
		}
		for _, c := range matches {
			if !seen[c.ID] {
				seen[c.ID] = true
				out = append(out, c)
			}
		}
	}
	return out, nil
}

// Collection returns the collection with id if userID may read it. Private
// collections of other users are reported as missing.
func (s *Store) Collection(ctx context.Context, userID, id string) (storage.Collection, error) {
	c, err := s.db.CollectionByID(ctx, id)
	if errors.Is(err, storage.ErrNotFound) {
		return storage.Collection{}, apierr.ErrCollectionNotFound
	}
	if err != nil {
		return storage.Collection{}, err
	}
	if c.Type != storage.CollectionPublic && (userID == "" || c.Owner != userID) {
		return storage.Collection{}, apierr.ErrCollectionNotFound
	}
	return c, nil
}

func (s *Store) Search(ctx context.Context, collectionID string, query []float32, fileIDs []string, limit int) ([]Result, error) {
	if limit <= 0 {
		return nil, nil
	}
	chunks, err := s.db.Chunks(ctx, collectionID, fileIDs)
	if err != nil {
		return nil, err
	}

	qn := norm(query)
	scored := make([]Result, 0, len(chunks))
	for _, c := range chunks {
		if len(c.Embedding) != len(query) {
			continue
		}
		scored = append(scored, Result{
			ID:      c.ID,
			FileID:  c.FileID,
			Content: c.Content,
			Payload: c.Metadata,
			Score:   cosine(query, c.Embedding, qn),
		})
	}
	sort.SliceStable(scored, func(i, j int) bool { return scored[i].Score > scored[j].Score })
	if limit > len(scored) {
		limit = len(scored)
	}
	return scored[:limit], nil
}

// Scroll returns every chunk of the collection matching fileIDs, in
// insertion order.
func (s *Store) Scroll(ctx context.Context, collectionID string, fileIDs []string) ([]Result, error) {
	chunks, err := s.db.Chunks(ctx, collectionID, fileIDs)
	if err != nil {
		return nil, err
	}
	out := make([]Result, 0, len(chunks))
	for _, c := range chunks {
		out = append(out, Result{ID: c.ID, FileID: c.FileID, Content: c.Content, Payload: c.Metadata})
	}
	return out, nil
}

func cosine(q, v []float32, qn float64) float64 {
	vn := norm(v)
	if qn == 0 || vn == 0 {
		return 0
	}
	var dot float64
	for i := range q {
		dot += float64(q[i]) * float64(v[i])
	}
	return dot / (qn * vn)
}

func norm(x []float32) float64 {
	var sum float64
	for _, v := range x {
		sum += float64(v) * float64(v)
	}
	return math.Sqrt(sum)
}
