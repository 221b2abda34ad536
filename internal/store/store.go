// Package store persists the append-only rollout log and the list of
// published artifacts.
package store

import (
	"context"
	"fmt"
	"sort"

	"github.com/aelpxy/roll/internal/fault"
	"github.com/aelpxy/roll/pkg/models"
)

// Store is the rollout log. Every Append adds a new revision of a record;
// readers only ever see the latest revision of each rollout.
type Store interface {
	// Append assigns rec.Revision and persists a copy.
	Append(ctx context.Context, rec *models.RolloutRecord) error
	Get(ctx context.Context, id string) (models.RolloutRecord, error)
	// List returns the workload's rollouts, newest spec version first.
	List(ctx context.Context, workload string) ([]models.RolloutRecord, error)
	// ListActive returns every rollout not yet in a terminal phase.
	ListActive(ctx context.Context) ([]models.RolloutRecord, error)
	// LastSucceeded is nil when the workload never had a good rollout.
	LastSucceeded(ctx context.Context, workload string) (*models.RolloutRecord, error)
	SucceededVersion(ctx context.Context, workload string, version int) (models.RolloutRecord, error)
	NextVersion(ctx context.Context, workload string) (int, error)

	PutArtifact(ctx context.Context, artifact models.ArtifactRef) error
	ListArtifacts(ctx context.Context) ([]models.ArtifactRef, error)

	Close() error
}

func NotFound(id string) error {
	return fault.Newf(fault.NotFound, "store", "rollout %s not found", id)
}

func VersionNotFound(workload string, version int) error {
	return &fault.Error{
		Kind: fault.NotFound,
		Op:   "store",
		Help: "list succeeded versions with: roll rollout history " + workload,
		Err:  fmt.Errorf("no succeeded rollout of %s at version %d", workload, version),
	}
}

// Latest folds revisions down to the newest one per rollout id.
func Latest(revisions []models.RolloutRecord) []models.RolloutRecord {
	byID := make(map[string]int, len(revisions))
	var out []models.RolloutRecord
	for _, rec := range revisions {
		if i, ok := byID[rec.ID]; ok {
			if rec.Revision > out[i].Revision {
				out[i] = rec
			}
			continue
		}
		byID[rec.ID] = len(out)
		out = append(out, rec)
	}
	return out
}

// SortNewestFirst orders by spec version, then creation time.
func SortNewestFirst(records []models.RolloutRecord) {
	sort.SliceStable(records, func(i, j int) bool {
		if records[i].SpecVersion != records[j].SpecVersion {
			return records[i].SpecVersion > records[j].SpecVersion
		}
		return records[i].CreatedAt.After(records[j].CreatedAt)
	})
}
