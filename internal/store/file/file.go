package file

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"syscall"

	"github.com/aelpxy/roll/internal/store"
	"github.com/aelpxy/roll/internal/utils"
	"github.com/aelpxy/roll/pkg/models"
)

// Store keeps the whole rollout log in one JSON document, rewritten
// atomically on every append. Every read-modify-write holds an flock on a
// sidecar file, so roll processes sharing the document do not lose each
// other's appends.
type Store struct {
	mu   sync.Mutex
	path string
}

var _ store.Store = (*Store)(nil)

func Open(path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("failed to create store directory: %w", err)
	}

	s := &Store{path: path}
	unlock, err := s.lock(syscall.LOCK_EX)
	if err != nil {
		return nil, err
	}
	defer unlock()

	if _, err := os.Stat(path); os.IsNotExist(err) {
		if err := s.write(&models.RolloutLog{Records: []models.RolloutRecord{}, Artifacts: []models.ArtifactRef{}}); err != nil {
			return nil, err
		}
	}
	return s, nil
}

// lock takes an flock of the given mode on path.lock. The document itself
// is replaced by rename on write, so it cannot carry the lock.
func (s *Store) lock(how int) (func(), error) {
	f, err := os.OpenFile(s.path+".lock", os.O_CREATE|os.O_RDWR, 0644)
	if err != nil {
		return nil, fmt.Errorf("failed to open store lock: %w", err)
	}
	if err := syscall.Flock(int(f.Fd()), how); err != nil {
		f.Close()
		return nil, fmt.Errorf("failed to lock rollout log: %w", err)
	}
	return func() {
		syscall.Flock(int(f.Fd()), syscall.LOCK_UN)
		f.Close()
	}, nil
}

func (s *Store) Close() error {
	return nil
}

func (s *Store) read() (*models.RolloutLog, error) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		return nil, fmt.Errorf("failed to read rollout log: %w", err)
	}

	var doc models.RolloutLog
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("failed to unmarshal rollout log: %w", err)
	}
	return &doc, nil
}

func (s *Store) write(doc *models.RolloutLog) error {
	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal rollout log: %w", err)
	}
	if err := utils.AtomicWriteFile(s.path, data, 0644); err != nil {
		return fmt.Errorf("failed to write rollout log: %w", err)
	}
	return nil
}

func (s *Store) latest() ([]models.RolloutRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	unlock, err := s.lock(syscall.LOCK_SH)
	if err != nil {
		return nil, err
	}
	defer unlock()

	doc, err := s.read()
	if err != nil {
		return nil, err
	}
	return store.Latest(doc.Records), nil
}

func (s *Store) Append(_ context.Context, rec *models.RolloutRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	unlock, err := s.lock(syscall.LOCK_EX)
	if err != nil {
		return err
	}
	defer unlock()

	doc, err := s.read()
	if err != nil {
		return err
	}

	revision := 0
	for _, existing := range doc.Records {
		if existing.ID == rec.ID && existing.Revision > revision {
			revision = existing.Revision
		}
	}
	rec.Revision = revision + 1

	doc.Records = append(doc.Records, rec.Clone())
	return s.write(doc)
}

func (s *Store) Get(_ context.Context, id string) (models.RolloutRecord, error) {
	records, err := s.latest()
	if err != nil {
		return models.RolloutRecord{}, err
	}
	for _, rec := range records {
		if rec.ID == id {
			return rec, nil
		}
	}
	return models.RolloutRecord{}, store.NotFound(id)
}

func (s *Store) List(_ context.Context, workload string) ([]models.RolloutRecord, error) {
	records, err := s.latest()
	if err != nil {
		return nil, err
	}

	out := []models.RolloutRecord{}
	for _, rec := range records {
		if rec.Workload == workload {
			out = append(out, rec)
		}
	}
	store.SortNewestFirst(out)
	return out, nil
}

func (s *Store) ListActive(_ context.Context) ([]models.RolloutRecord, error) {
	records, err := s.latest()
	if err != nil {
		return nil, err
	}

	out := []models.RolloutRecord{}
	for _, rec := range records {
		if !rec.Terminal() {
			out = append(out, rec)
		}
	}
	return out, nil
}

func (s *Store) LastSucceeded(ctx context.Context, workload string) (*models.RolloutRecord, error) {
	records, err := s.List(ctx, workload)
	if err != nil {
		return nil, err
	}
	for _, rec := range records {
		if rec.Status == models.StatusSucceeded {
			rec := rec
			return &rec, nil
		}
	}
	return nil, nil
}

func (s *Store) SucceededVersion(ctx context.Context, workload string, version int) (models.RolloutRecord, error) {
	records, err := s.List(ctx, workload)
	if err != nil {
		return models.RolloutRecord{}, err
	}
	for _, rec := range records {
		if rec.SpecVersion == version && rec.Status == models.StatusSucceeded {
			return rec, nil
		}
	}
	return models.RolloutRecord{}, store.VersionNotFound(workload, version)
}

func (s *Store) NextVersion(ctx context.Context, workload string) (int, error) {
	records, err := s.List(ctx, workload)
	if err != nil {
		return 0, err
	}
	if len(records) == 0 {
		return 1, nil
	}
	return records[0].SpecVersion + 1, nil
}

// PutArtifact is idempotent per repository and digest.
func (s *Store) PutArtifact(_ context.Context, artifact models.ArtifactRef) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	unlock, err := s.lock(syscall.LOCK_EX)
	if err != nil {
		return err
	}
	defer unlock()

	doc, err := s.read()
	if err != nil {
		return err
	}
	for i, existing := range doc.Artifacts {
		if existing.Repository == artifact.Repository && existing.Digest == artifact.Digest {
			if artifact.Tag != "" {
				doc.Artifacts[i].Tag = artifact.Tag
			}
			return s.write(doc)
		}
	}
	doc.Artifacts = append(doc.Artifacts, artifact)
	return s.write(doc)
}

func (s *Store) ListArtifacts(_ context.Context) ([]models.ArtifactRef, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	unlock, err := s.lock(syscall.LOCK_SH)
	if err != nil {
		return nil, err
	}
	defer unlock()

	doc, err := s.read()
	if err != nil {
		return nil, err
	}
	out := make([]models.ArtifactRef, 0, len(doc.Artifacts))
	for i := len(doc.Artifacts) - 1; i >= 0; i-- {
		out = append(out, doc.Artifacts[i])
	}
	return out, nil
}
