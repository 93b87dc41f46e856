package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	sq "github.com/Masterminds/squirrel"
)

var ErrNotFound = errors.New("not found")

var collectionColumns = []string{"id", "name", "owner", "type", "model", "description", "created_at"}

func (s *Store) CreateCollection(ctx context.Context, c Collection) error {
	if c.CreatedAt == 0 {
		c.CreatedAt = time.Now().Unix()
	}
	if c.Type == CollectionPublic {
		c.Owner = ""
	}
	q := s.sql.Insert("collections").
		Columns(collectionColumns...).
		Values(c.ID, c.Name, c.Owner, c.Type, c.Model, c.Description, c.CreatedAt).
		Suffix("ON CONFLICT(id) DO UPDATE SET name=excluded.name, type=excluded.type, model=excluded.model, description=excluded.description")

	sqlStr, args, err := q.ToSql()
	if err != nil {
		return fmt.Errorf("build create collection query: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, sqlStr, args...); err != nil {
		return fmt.Errorf("create collection: %w", err)
	}
	return nil
}

// VisibleCollections returns public collections plus the ones owned by
// userID. A non-empty names list restricts the result to those names.
func (s *Store) VisibleCollections(ctx context.Context, userID string, names []string) ([]Collection, error) {
	visible := sq.Or{sq.Eq{"type": CollectionPublic}}
	if userID != "" {
		visible = append(visible, sq.And{sq.Eq{"type": CollectionPrivate}, sq.Eq{"owner": userID}})
	}
	where := sq.And{visible}
	if len(names) > 0 {
		where = append(where, sq.Eq{"name": names})
	}

	q := s.sql.Select(collectionColumns...).
		From("collections").
		Where(where).
		OrderBy("type ASC", "name ASC")
	sqlStr, args, err := q.ToSql()
	if err != nil {
		return nil, fmt.Errorf("build list collections query: %w", err)
	}

	rows, err := s.db.QueryContext(ctx, sqlStr, args...)
	if err != nil {
		return nil, fmt.Errorf("list collections: %w", err)
	}
	defer rows.Close()

	out := make([]Collection, 0)
	for rows.Next() {
		var c Collection
		if err := rows.Scan(&c.ID, &c.Name, &c.Owner, &c.Type, &c.Model, &c.Description, &c.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan collection row: %w", err)
		}
		out = append(out, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate collection rows: %w", err)
	}
	return out, nil
}

func (s *Store) CollectionByID(ctx context.Context, id string) (Collection, error) {
	q := s.sql.Select(collectionColumns...).From("collections").Where(sq.Eq{"id": id})
	sqlStr, args, err := q.ToSql()
	if err != nil {
		return Collection{}, fmt.Errorf("build collection by id query: %w", err)
	}
	var c Collection
	if err := s.db.QueryRowContext(ctx, sqlStr, args...).Scan(&c.ID, &c.Name, &c.Owner, &c.Type, &c.Model, &c.Description, &c.CreatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Collection{}, ErrNotFound
		}
		return Collection{}, fmt.Errorf("get collection by id: %w", err)
	}
	return c, nil
}

func (s *Store) UpsertChunks(ctx context.Context, chunks []Chunk) error {
	if len(chunks) == 0 {
		return nil
	}
	now := time.Now().Unix()
	q := s.sql.Insert("chunks").
		Columns("id", "collection_id", "file_id", "content", "metadata_json", "embedding_json", "created_at")
	for _, c := range chunks {
		meta, err := json.Marshal(orEmpty(c.Metadata))
		if err != nil {
			return fmt.Errorf("marshal chunk metadata: %w", err)
		}
		emb, err := json.Marshal(c.Embedding)
		if err != nil {
			return fmt.Errorf("marshal chunk embedding: %w", err)
		}
		created := c.CreatedAt
		if created == 0 {
			created = now
		}
		q = q.Values(c.ID, c.CollectionID, c.FileID, c.Content, string(meta), string(emb), created)
	}
	q = q.Suffix("ON CONFLICT(id) DO UPDATE SET collection_id=excluded.collection_id, file_id=excluded.file_id, content=excluded.content, metadata_json=excluded.metadata_json, embedding_json=excluded.embedding_json")

	sqlStr, args, err := q.ToSql()
	if err != nil {
		return fmt.Errorf("build upsert chunks query: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, sqlStr, args...); err != nil {
		return fmt.Errorf("upsert chunks: %w", err)
	}
	return nil
}

// Chunks returns the chunks of one collection in insertion order, narrowed
// to fileIDs when given.
func (s *Store) Chunks(ctx context.Context, collectionID string, fileIDs []string) ([]Chunk, error) {
	where := sq.And{sq.Eq{"collection_id": collectionID}}
	if len(fileIDs) > 0 {
		where = append(where, sq.Eq{"file_id": fileIDs})
	}
	q := s.sql.Select("id", "collection_id", "file_id", "content", "metadata_json", "embedding_json", "created_at").
		From("chunks").
		Where(where).
		OrderBy("created_at ASC", "id ASC")
	sqlStr, args, err := q.ToSql()
	if err != nil {
		return nil, fmt.Errorf("build chunks query: %w", err)
	}

	rows, err := s.db.QueryContext(ctx, sqlStr, args...)
	if err != nil {
		return nil, fmt.Errorf("list chunks: %w", err)
	}
	defer rows.Close()

	out := make([]Chunk, 0)
	for rows.Next() {
		var c Chunk
		var meta, emb string
		if err := rows.Scan(&c.ID, &c.CollectionID, &c.FileID, &c.Content, &meta, &emb, &c.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan chunk row: %w", err)
		}
		if err := json.Unmarshal([]byte(meta), &c.Metadata); err != nil {
			return nil, fmt.Errorf("decode chunk %s metadata: %w", c.ID, err)
		}
		if err := json.Unmarshal([]byte(emb), &c.Embedding); err != nil {
			return nil, fmt.Errorf("decode chunk %s embedding: %w", c.ID, err)
		}
		out = append(out, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate chunk rows: %w", err)
	}
	return out, nil
}

// InsertUsage is idempotent on request id so a redelivered event is a no-op.
func (s *Store) InsertUsage(ctx context.Context, u Usage) error {
	if u.CreatedAt == 0 {
		u.CreatedAt = time.Now().Unix()
	}
	q := s.sql.Insert("usage").
		Columns("request_id", "user_id", "model", "endpoint", "chat_id", "status", "prompt_tokens", "completion_tokens", "created_at").
		Values(u.RequestID, u.UserID, u.Model, u.Endpoint, u.ChatID, u.Status, u.PromptTokens, u.CompletionTokens, u.CreatedAt).
		Suffix("ON CONFLICT(request_id) DO NOTHING")

	sqlStr, args, err := q.ToSql()
	if err != nil {
		return fmt.Errorf("build insert usage query: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, sqlStr, args...); err != nil {
		return fmt.Errorf("insert usage: %w", err)
	}
	return nil
}

func (s *Store) UsageByUser(ctx context.Context, userID string, limit uint64) ([]Usage, error) {
	q := s.sql.Select("request_id", "user_id", "model", "endpoint", "chat_id", "status", "prompt_tokens", "completion_tokens", "created_at").
		From("usage").
		Where(sq.Eq{"user_id": userID}).
		OrderBy("created_at DESC", "id DESC")
	if limit > 0 {
		q = q.Limit(limit)
	}
	sqlStr, args, err := q.ToSql()
	if err != nil {
		return nil, fmt.Errorf("build usage query: %w", err)
	}

	rows, err := s.db.QueryContext(ctx, sqlStr, args...)
	if err != nil {
		return nil, fmt.Errorf("list usage: %w", err)
	}
	defer rows.Close()

	out := make([]Usage, 0)
	for rows.Next() {
		var u Usage
		if err := rows.Scan(&u.RequestID, &u.UserID, &u.Model, &u.Endpoint, &u.ChatID, &u.Status, &u.PromptTokens, &u.CompletionTokens, &u.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan usage row: %w", err)
		}
		out = append(out, u)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate usage rows: %w", err)
	}
	return out, nil
}

func orEmpty(m map[string]any) map[string]any {
	if m == nil {
		return map[string]any{}
	}
	return m
}
