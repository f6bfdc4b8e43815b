// Package postgres provides a [store.Archive] backed by PostgreSQL with the
// pgvector extension. Speaker centroids are stored as vector columns so that
// post-session tooling can run similarity queries across sessions (e.g.
// "which session contained a voice close to this one").
package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	pgvector "github.com/pgvector/pgvector-go"
	pgxvec "github.com/pgvector/pgvector-go/pgx"

	"github.com/verbatim-ai/verbatim/internal/store"
)

// Compile-time assertion that Store satisfies store.Archive.
var _ store.Archive = (*Store)(nil)

// Store is a PostgreSQL/pgvector-backed transcript archive. All operations
// are safe for concurrent use; the pool handles connection management.
type Store struct {
	pool *pgxpool.Pool
	dim  int
}

// New connects to the database at dsn, registers pgvector types on every
// connection, and ensures the schema exists. embeddingDim must match the
// session embedder's output dimension; changing it after the first migration
// requires a manual schema change.
func New(ctx context.Context, dsn string, embeddingDim int) (*Store, error) {
	if embeddingDim <= 0 {
		return nil, fmt.Errorf("postgres archive: embedding dimension %d must be positive", embeddingDim)
	}

	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("postgres archive: parse dsn: %w", err)
	}
	cfg.AfterConnect = func(ctx context.Context, conn *pgx.Conn) error {
		return pgxvec.RegisterTypes(ctx, conn)
	}

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("postgres archive: create pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres archive: ping: %w", err)
	}

	s := &Store{pool: pool, dim: embeddingDim}
	if err := s.migrate(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return s, nil
}

// migrate creates the extension and tables when absent.
func (s *Store) migrate(ctx context.Context) error {
	stmts := []string{
		`CREATE EXTENSION IF NOT EXISTS vector`,
		`CREATE TABLE IF NOT EXISTS chunks (
			session_id         TEXT             NOT NULL,
			chunk_id           BIGINT           NOT NULL,
			text               TEXT             NOT NULL,
			start_ms           BIGINT           NOT NULL,
			end_ms             BIGINT           NOT NULL,
			speaker_id         INT              NOT NULL,
			speaker_confidence REAL             NOT NULL,
			finalized          BOOLEAN          NOT NULL,
			PRIMARY KEY (session_id, chunk_id)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_chunks_session_time ON chunks (session_id, start_ms)`,
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS speaker_centroids (
			session_id TEXT        NOT NULL,
			speaker_id INT         NOT NULL,
			embedding  vector(%d)  NOT NULL,
			PRIMARY KEY (session_id, speaker_id)
		)`, s.dim),
	}
	for _, stmt := range stmts {
		if _, err := s.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("postgres archive: migrate: %w", err)
		}
	}
	return nil
}

// Close releases the connection pool.
func (s *Store) Close() error {
	s.pool.Close()
	return nil
}

// SaveChunk appends one emitted chunk.
func (s *Store) SaveChunk(ctx context.Context, rec store.ChunkRecord) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO chunks
			(session_id, chunk_id, text, start_ms, end_ms, speaker_id, speaker_confidence, finalized)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (session_id, chunk_id) DO UPDATE
			SET text = EXCLUDED.text, speaker_id = EXCLUDED.speaker_id,
			    speaker_confidence = EXCLUDED.speaker_confidence,
			    finalized = EXCLUDED.finalized`,
		rec.SessionID, rec.ChunkID, rec.Text, rec.StartMs, rec.EndMs,
		rec.SpeakerID, rec.SpeakerConfidence, rec.Finalized,
	)
	if err != nil {
		return fmt.Errorf("postgres archive: save chunk %d: %w", rec.ChunkID, err)
	}
	return nil
}

// UpdateSpeakers rewrites the speaker id of previously saved chunks.
func (s *Store) UpdateSpeakers(ctx context.Context, sessionID string, chunkIDs []uint64, newSpeakerID int) error {
	if len(chunkIDs) == 0 {
		return nil
	}
	ids := make([]int64, len(chunkIDs))
	for i, id := range chunkIDs {
		ids[i] = int64(id)
	}
	_, err := s.pool.Exec(ctx,
		`UPDATE chunks SET speaker_id = $1 WHERE session_id = $2 AND chunk_id = ANY($3)`,
		newSpeakerID, sessionID, ids,
	)
	if err != nil {
		return fmt.Errorf("postgres archive: update speakers: %w", err)
	}
	return nil
}

// FinalizeSession marks all of a session's chunks finalized.
func (s *Store) FinalizeSession(ctx context.Context, sessionID string) error {
	_, err := s.pool.Exec(ctx,
		`UPDATE chunks SET finalized = TRUE WHERE session_id = $1`, sessionID)
	if err != nil {
		return fmt.Errorf("postgres archive: finalize session: %w", err)
	}
	return nil
}

// SaveCentroids stores the session's terminal speaker centroids as pgvector
// values.
func (s *Store) SaveCentroids(ctx context.Context, sessionID string, centroids []store.Centroid) error {
	for _, c := range centroids {
		if _, err := s.pool.Exec(ctx, `
			INSERT INTO speaker_centroids (session_id, speaker_id, embedding)
			VALUES ($1, $2, $3)
			ON CONFLICT (session_id, speaker_id) DO UPDATE SET embedding = EXCLUDED.embedding`,
			sessionID, c.SpeakerID, pgvector.NewVector(c.Embedding),
		); err != nil {
			return fmt.Errorf("postgres archive: save centroid %d: %w", c.SpeakerID, err)
		}
	}
	return nil
}

// SimilarSpeakers returns the (session, speaker) pairs whose stored centroid
// is closest in cosine distance to the given embedding.
func (s *Store) SimilarSpeakers(ctx context.Context, embedding []float32, limit int) ([]SpeakerMatch, error) {
	if limit <= 0 {
		limit = 5
	}
	rows, err := s.pool.Query(ctx, `
		SELECT session_id, speaker_id, 1 - (embedding <=> $1) AS similarity
		FROM speaker_centroids
		ORDER BY embedding <=> $1
		LIMIT $2`,
		pgvector.NewVector(embedding), limit,
	)
	if err != nil {
		return nil, fmt.Errorf("postgres archive: similarity query: %w", err)
	}
	defer rows.Close()

	var out []SpeakerMatch
	for rows.Next() {
		var m SpeakerMatch
		if err := rows.Scan(&m.SessionID, &m.SpeakerID, &m.Similarity); err != nil {
			return nil, fmt.Errorf("postgres archive: scan match: %w", err)
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// SpeakerMatch is one result of [Store.SimilarSpeakers].
type SpeakerMatch struct {
	SessionID  string
	SpeakerID  int
	Similarity float64
}
