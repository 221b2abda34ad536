package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/aelpxy/roll/internal/store"
	"github.com/aelpxy/roll/pkg/models"
)

// Store implements [store.Store] backed by SQLite. Each Append inserts a
// row into rollout_revisions; the rollouts view exposes the latest one.
type Store struct {
	DB *sql.DB
}

var _ store.Store = (*Store)(nil)

// OpenStore opens the database at path and wraps it.
func OpenStore(path string) (*Store, error) {
	db, err := Open(path)
	if err != nil {
		return nil, err
	}
	return &Store{DB: db}, nil
}

func (s *Store) Close() error {
	return s.DB.Close()
}

func (s *Store) Append(ctx context.Context, rec *models.RolloutRecord) error {
	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin append: %w", err)
	}
	defer tx.Rollback()

	var revision int
	err = tx.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(revision), 0) FROM rollout_revisions WHERE id = ?`, rec.ID,
	).Scan(&revision)
	if err != nil {
		return fmt.Errorf("read revision: %w", err)
	}
	rec.Revision = revision + 1

	body, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal rollout: %w", err)
	}

	_, err = tx.ExecContext(ctx,
		`INSERT INTO rollout_revisions (id, revision, workload, spec_version, phase, status, body, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.ID, rec.Revision, rec.Workload, rec.SpecVersion, string(rec.Phase), string(rec.Status),
		string(body), rec.CreatedAt.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("rollout %s revision %d already recorded", rec.ID, rec.Revision)
		}
		return fmt.Errorf("insert rollout revision: %w", err)
	}

	return tx.Commit()
}

func (s *Store) Get(ctx context.Context, id string) (models.RolloutRecord, error) {
	row := s.DB.QueryRowContext(ctx, `SELECT body FROM rollouts WHERE id = ?`, id)
	rec, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return models.RolloutRecord{}, store.NotFound(id)
	}
	return rec, err
}

func (s *Store) List(ctx context.Context, workload string) ([]models.RolloutRecord, error) {
	return s.query(ctx,
		`SELECT body FROM rollouts WHERE workload = ? ORDER BY spec_version DESC, created_at DESC`,
		workload,
	)
}

func (s *Store) ListActive(ctx context.Context) ([]models.RolloutRecord, error) {
	return s.query(ctx,
		`SELECT body FROM rollouts WHERE phase NOT IN (?, ?, ?) ORDER BY created_at`,
		string(models.PhaseSucceeded), string(models.PhaseRolledBack), string(models.PhaseFailed),
	)
}

func (s *Store) LastSucceeded(ctx context.Context, workload string) (*models.RolloutRecord, error) {
	row := s.DB.QueryRowContext(ctx,
		`SELECT body FROM rollouts WHERE workload = ? AND status = ?
		 ORDER BY spec_version DESC, created_at DESC LIMIT 1`,
		workload, string(models.StatusSucceeded),
	)
	rec, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

func (s *Store) SucceededVersion(ctx context.Context, workload string, version int) (models.RolloutRecord, error) {
	row := s.DB.QueryRowContext(ctx,
		`SELECT body FROM rollouts WHERE workload = ? AND spec_version = ? AND status = ?
		 ORDER BY created_at DESC LIMIT 1`,
		workload, version, string(models.StatusSucceeded),
	)
	rec, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return models.RolloutRecord{}, store.VersionNotFound(workload, version)
	}
	return rec, err
}

func (s *Store) NextVersion(ctx context.Context, workload string) (int, error) {
	var max int
	err := s.DB.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(spec_version), 0) FROM rollout_revisions WHERE workload = ?`, workload,
	).Scan(&max)
	if err != nil {
		return 0, fmt.Errorf("read spec version: %w", err)
	}
	return max + 1, nil
}

func (s *Store) query(ctx context.Context, q string, args ...interface{}) ([]models.RolloutRecord, error) {
	rows, err := s.DB.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("list rollouts: %w", err)
	}
	defer rows.Close()

	records := []models.RolloutRecord{}
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, rec)
	}
	return records, rows.Err()
}

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanRecord(s scanner) (models.RolloutRecord, error) {
	var body string
	if err := s.Scan(&body); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return models.RolloutRecord{}, err
		}
		return models.RolloutRecord{}, fmt.Errorf("scan rollout: %w", err)
	}

	var rec models.RolloutRecord
	if err := json.Unmarshal([]byte(body), &rec); err != nil {
		return models.RolloutRecord{}, fmt.Errorf("unmarshal rollout: %w", err)
	}
	return rec, nil
}
