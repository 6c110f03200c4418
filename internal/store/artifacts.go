package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// InsertArtifact records a file produced by a run. ArtifactID is generated
// if empty.
func (s *Store) InsertArtifact(ctx context.Context, a *Artifact) error {
	if a.ArtifactID == "" {
		a.ArtifactID = "a-" + uuid.NewString()
	}
	if a.CreatedAt.IsZero() {
		a.CreatedAt = time.Now()
	}
	_, err := s.conn.ExecContext(ctx, `
		INSERT INTO artifacts (artifact_id, run_id, file_id, title, kind, mime, path, size_bytes, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, a.ArtifactID, a.RunID, a.FileID, a.Title, a.Kind, a.MIME, a.Path, a.SizeBytes, formatTime(a.CreatedAt))
	if err != nil {
		return fmt.Errorf("taskhub: insert_artifact: %w", err)
	}
	return nil
}

// ListArtifacts returns all artifacts for a run, oldest first.
func (s *Store) ListArtifacts(ctx context.Context, runID string) ([]*Artifact, error) {
	rows, err := s.conn.QueryContext(ctx, `
		SELECT artifact_id, run_id, file_id, title, kind, mime, path, size_bytes, created_at
		FROM artifacts WHERE run_id = ? ORDER BY created_at ASC
	`, runID)
	if err != nil {
		return nil, fmt.Errorf("taskhub: list_artifacts: %w", err)
	}
	defer rows.Close()

	var out []*Artifact
	for rows.Next() {
		a := &Artifact{}
		var createdAt string
		if err := rows.Scan(&a.ArtifactID, &a.RunID, &a.FileID, &a.Title, &a.Kind, &a.MIME, &a.Path, &a.SizeBytes, &createdAt); err != nil {
			return nil, err
		}
		if a.CreatedAt, err = parseTime(createdAt); err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// GetArtifactByFileID looks up a single artifact for a run by its file id,
// used to serve GET /runs/{id}/files/{file_id}.
func (s *Store) GetArtifactByFileID(ctx context.Context, runID, fileID string) (*Artifact, error) {
	row := s.conn.QueryRowContext(ctx, `
		SELECT artifact_id, run_id, file_id, title, kind, mime, path, size_bytes, created_at
		FROM artifacts WHERE run_id = ? AND file_id = ?
	`, runID, fileID)

	a := &Artifact{}
	var createdAt string
	err := row.Scan(&a.ArtifactID, &a.RunID, &a.FileID, &a.Title, &a.Kind, &a.MIME, &a.Path, &a.SizeBytes, &createdAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if a.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, err
	}
	return a, nil
}
