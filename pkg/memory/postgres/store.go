// Package postgres provides a PostgreSQL-backed memory provider with
// pgvector semantic retrieval.
//
// Saved conversations are condensed into per-exchange fragments, embedded
// through the configured embeddings provider, and stored in a single
// device-scoped table with an HNSW cosine index. Queries embed the incoming
// text and return the closest fragments for the device.
//
// The pgvector extension must be available in the target database; [Migrate]
// installs it via CREATE EXTENSION IF NOT EXISTS.
//
// Usage:
//
//	store, err := postgres.NewStore(ctx, dsn, embedder)
//	if err != nil { … }
//	defer store.Close()
//
//	_ = store.Save(ctx, deviceID, dialogue)
//	context, _ := store.Query(ctx, deviceID, "what did I ask yesterday?", 5)
package postgres

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	pgvector "github.com/pgvector/pgvector-go"

	"github.com/MrWong99/auricle/pkg/memory"
	"github.com/MrWong99/auricle/pkg/provider/embeddings"
	"github.com/MrWong99/auricle/pkg/types"
)

// defaultLimit is the fragment cap applied when Query is called with 0.
const defaultLimit = 5

// maxDistance is the cosine-distance cutoff beyond which a fragment is
// considered unrelated to the query and dropped from the result.
const maxDistance = 0.6

const ddlFragments = `
CREATE TABLE IF NOT EXISTS memory_fragments (
    id         TEXT         PRIMARY KEY,
    device_id  TEXT         NOT NULL,
    content    TEXT         NOT NULL,
    embedding  VECTOR(%d)   NOT NULL,
    timestamp  TIMESTAMPTZ  NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_memory_fragments_device
    ON memory_fragments (device_id);

CREATE INDEX IF NOT EXISTS idx_memory_fragments_embedding
    ON memory_fragments USING hnsw (embedding vector_cosine_ops);
`

// Store implements memory.Provider backed by Postgres and pgvector.
// All methods are safe for concurrent use.
type Store struct {
	pool     *pgxpool.Pool
	embedder embeddings.Provider
}

var _ memory.Provider = (*Store)(nil)

// NewStore connects to the database at dsn, runs the schema migration, and
// returns a ready Store. The embedder determines the vector dimensionality of
// the fragments table.
func NewStore(ctx context.Context, dsn string, embedder embeddings.Provider) (*Store, error) {
	if embedder == nil {
		return nil, fmt.Errorf("postgres memory: embedder must not be nil")
	}
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("postgres memory: connect: %w", err)
	}
	s := &Store{pool: pool, embedder: embedder}
	if err := s.Migrate(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return s, nil
}

// Migrate installs the pgvector extension and creates the fragments table.
// It is idempotent and safe to run on every startup.
func (s *Store) Migrate(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, `CREATE EXTENSION IF NOT EXISTS vector`); err != nil {
		return fmt.Errorf("postgres memory: create extension: %w", err)
	}
	ddl := fmt.Sprintf(ddlFragments, s.embedder.Dimensions())
	if _, err := s.pool.Exec(ctx, ddl); err != nil {
		return fmt.Errorf("postgres memory: migrate: %w", err)
	}
	return nil
}

// Close releases the connection pool.
func (s *Store) Close() { s.pool.Close() }

// Save implements memory.Provider. Each user/assistant exchange becomes one
// fragment, embedded in a single batch call.
func (s *Store) Save(ctx context.Context, deviceID string, messages []types.Message) error {
	if deviceID == "" {
		return nil
	}
	contents := condense(messages)
	if len(contents) == 0 {
		return nil
	}

	vectors, err := s.embedder.EmbedBatch(ctx, contents)
	if err != nil {
		return fmt.Errorf("postgres memory: embed fragments: %w", err)
	}

	const q = `
		INSERT INTO memory_fragments (id, device_id, content, embedding, timestamp)
		VALUES ($1, $2, $3, $4, $5)`

	now := time.Now()
	for i, content := range contents {
		_, err := s.pool.Exec(ctx, q,
			uuid.NewString(),
			deviceID,
			content,
			pgvector.NewVector(vectors[i]),
			now,
		)
		if err != nil {
			return fmt.Errorf("postgres memory: insert fragment: %w", err)
		}
	}
	return nil
}

// Query implements memory.Provider. The query text is embedded and the
// device's closest fragments (cosine distance) are concatenated into one
// context block.
func (s *Store) Query(ctx context.Context, deviceID, query string, limit int) (string, error) {
	if deviceID == "" || strings.TrimSpace(query) == "" {
		return "", nil
	}
	if limit <= 0 {
		limit = defaultLimit
	}

	vec, err := s.embedder.Embed(ctx, query)
	if err != nil {
		return "", fmt.Errorf("postgres memory: embed query: %w", err)
	}

	const q = `
		SELECT content, embedding <=> $1 AS distance
		FROM   memory_fragments
		WHERE  device_id = $2
		ORDER  BY distance
		LIMIT  $3`

	rows, err := s.pool.Query(ctx, q, pgvector.NewVector(vec), deviceID, limit)
	if err != nil {
		return "", fmt.Errorf("postgres memory: query: %w", err)
	}

	type hit struct {
		content  string
		distance float64
	}
	hits, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (hit, error) {
		var h hit
		err := row.Scan(&h.content, &h.distance)
		return h, err
	})
	if err != nil {
		return "", fmt.Errorf("postgres memory: scan rows: %w", err)
	}

	var parts []string
	for _, h := range hits {
		if h.distance > maxDistance {
			continue
		}
		parts = append(parts, h.content)
	}
	return strings.Join(parts, "\n---\n"), nil
}

// condense turns a dialogue into fragment contents, one per user/assistant
// exchange. System and tool messages carry no lasting information.
func condense(messages []types.Message) []string {
	var out []string
	var pendingUser string
	for _, m := range messages {
		switch m.Role {
		case "user":
			pendingUser = m.Content
		case "assistant":
			if m.Content == "" {
				continue
			}
			content := "assistant: " + m.Content
			if pendingUser != "" {
				content = "user: " + pendingUser + "\n" + content
				pendingUser = ""
			}
			out = append(out, content)
		}
	}
	return out
}
