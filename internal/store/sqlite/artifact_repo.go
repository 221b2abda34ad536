package sqlite

import (
	"context"
	"fmt"
	"time"

	"github.com/aelpxy/roll/pkg/models"
)

func (s *Store) PutArtifact(ctx context.Context, artifact models.ArtifactRef) error {
	pushedAt := artifact.PushedAt
	if pushedAt.IsZero() {
		pushedAt = time.Now()
	}

	_, err := s.DB.ExecContext(ctx,
		`INSERT INTO artifacts (repository, digest, tag, pushed_at) VALUES (?, ?, ?, ?)
		 ON CONFLICT (repository, digest) DO UPDATE SET
		   tag = CASE WHEN excluded.tag = '' THEN artifacts.tag ELSE excluded.tag END`,
		artifact.Repository, artifact.Digest, artifact.Tag, pushedAt.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("upsert artifact: %w", err)
	}
	return nil
}

func (s *Store) ListArtifacts(ctx context.Context) ([]models.ArtifactRef, error) {
	rows, err := s.DB.QueryContext(ctx,
		`SELECT repository, digest, tag, pushed_at FROM artifacts ORDER BY rowid DESC`,
	)
	if err != nil {
		return nil, fmt.Errorf("list artifacts: %w", err)
	}
	defer rows.Close()

	artifacts := []models.ArtifactRef{}
	for rows.Next() {
		var a models.ArtifactRef
		var pushedAt string
		if err := rows.Scan(&a.Repository, &a.Digest, &a.Tag, &pushedAt); err != nil {
			return nil, fmt.Errorf("scan artifact: %w", err)
		}
		if a.PushedAt, err = time.Parse(time.RFC3339Nano, pushedAt); err != nil {
			return nil, fmt.Errorf("parse pushed_at: %w", err)
		}
		artifacts = append(artifacts, a)
	}
	return artifacts, rows.Err()
}
