// Package sqlite provides the default, CGO-free [store.Archive] backed by a
// local SQLite file.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"

	_ "modernc.org/sqlite"

	"github.com/verbatim-ai/verbatim/internal/store"
)

// Compile-time assertion that Store satisfies store.Archive.
var _ store.Archive = (*Store)(nil)

const schema = `
CREATE TABLE IF NOT EXISTS chunks (
	session_id         TEXT    NOT NULL,
	chunk_id           INTEGER NOT NULL,
	text               TEXT    NOT NULL,
	start_ms           INTEGER NOT NULL,
	end_ms             INTEGER NOT NULL,
	speaker_id         INTEGER NOT NULL,
	speaker_confidence REAL    NOT NULL,
	finalized          INTEGER NOT NULL,
	PRIMARY KEY (session_id, chunk_id)
);
CREATE INDEX IF NOT EXISTS idx_chunks_session_time ON chunks (session_id, start_ms);

CREATE TABLE IF NOT EXISTS speaker_centroids (
	session_id TEXT    NOT NULL,
	speaker_id INTEGER NOT NULL,
	embedding  TEXT    NOT NULL,
	PRIMARY KEY (session_id, speaker_id)
);
`

// Store is a SQLite-backed transcript archive. database/sql serialises
// access; WAL mode keeps the writer from blocking concurrent readers (e.g. a
// TUI tailing the session).
type Store struct {
	db *sql.DB
}

// Open creates or opens the archive at path and ensures the schema exists.
func Open(path string) (*Store, error) {
	dsn := fmt.Sprintf("file:%s?_journal_mode=WAL", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("sqlite archive: open %s: %w", path, err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("sqlite archive: ping: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("sqlite archive: create schema: %w", err)
	}
	return &Store{db: db}, nil
}

// Close closes the database.
func (s *Store) Close() error { return s.db.Close() }

// SaveChunk appends one emitted chunk.
func (s *Store) SaveChunk(ctx context.Context, rec store.ChunkRecord) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT OR REPLACE INTO chunks
			(session_id, chunk_id, text, start_ms, end_ms, speaker_id, speaker_confidence, finalized)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.SessionID, rec.ChunkID, rec.Text, rec.StartMs, rec.EndMs,
		rec.SpeakerID, rec.SpeakerConfidence, boolToInt(rec.Finalized),
	)
	if err != nil {
		return fmt.Errorf("sqlite archive: save chunk %d: %w", rec.ChunkID, err)
	}
	return nil
}

// UpdateSpeakers rewrites the speaker id of previously saved chunks.
func (s *Store) UpdateSpeakers(ctx context.Context, sessionID string, chunkIDs []uint64, newSpeakerID int) error {
	if len(chunkIDs) == 0 {
		return nil
	}

	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(chunkIDs)), ",")
	args := make([]any, 0, len(chunkIDs)+2)
	args = append(args, newSpeakerID, sessionID)
	for _, id := range chunkIDs {
		args = append(args, id)
	}

	_, err := s.db.ExecContext(ctx,
		`UPDATE chunks SET speaker_id = ? WHERE session_id = ? AND chunk_id IN (`+placeholders+`)`,
		args...,
	)
	if err != nil {
		return fmt.Errorf("sqlite archive: update speakers: %w", err)
	}
	return nil
}

// FinalizeSession marks all of a session's chunks finalized.
func (s *Store) FinalizeSession(ctx context.Context, sessionID string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE chunks SET finalized = 1 WHERE session_id = ?`, sessionID)
	if err != nil {
		return fmt.Errorf("sqlite archive: finalize session: %w", err)
	}
	return nil
}

// SaveCentroids stores the session's terminal speaker centroids as JSON
// float arrays. SQLite has no vector type; the JSON form keeps the archive
// greppable and round-trippable.
func (s *Store) SaveCentroids(ctx context.Context, sessionID string, centroids []store.Centroid) error {
	for _, c := range centroids {
		blob, err := json.Marshal(c.Embedding)
		if err != nil {
			return fmt.Errorf("sqlite archive: encode centroid %d: %w", c.SpeakerID, err)
		}
		if _, err := s.db.ExecContext(ctx, `
			INSERT OR REPLACE INTO speaker_centroids (session_id, speaker_id, embedding)
			VALUES (?, ?, ?)`,
			sessionID, c.SpeakerID, string(blob),
		); err != nil {
			return fmt.Errorf("sqlite archive: save centroid %d: %w", c.SpeakerID, err)
		}
	}
	return nil
}

// Chunks returns a session's chunks in time order. Intended for post-session
// tooling and tests.
func (s *Store) Chunks(ctx context.Context, sessionID string) ([]store.ChunkRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT session_id, chunk_id, text, start_ms, end_ms, speaker_id, speaker_confidence, finalized
		FROM chunks WHERE session_id = ? ORDER BY start_ms ASC`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("sqlite archive: query chunks: %w", err)
	}
	defer rows.Close()

	var out []store.ChunkRecord
	for rows.Next() {
		var rec store.ChunkRecord
		var finalized int
		if err := rows.Scan(&rec.SessionID, &rec.ChunkID, &rec.Text, &rec.StartMs,
			&rec.EndMs, &rec.SpeakerID, &rec.SpeakerConfidence, &finalized); err != nil {
			return nil, fmt.Errorf("sqlite archive: scan chunk: %w", err)
		}
		rec.Finalized = finalized != 0
		out = append(out, rec)
	}
	return out, rows.Err()
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
