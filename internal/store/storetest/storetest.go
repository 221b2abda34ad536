// Package storetest provides contract tests for [store.Store]
// implementations.
package storetest

import (
	"context"
	"testing"
	"time"

	"github.com/aelpxy/roll/internal/fault"
	"github.com/aelpxy/roll/internal/store"
	"github.com/aelpxy/roll/pkg/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Factory creates a fresh [store.Store] for each test.
type Factory func(t *testing.T) store.Store

var epoch = time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)

func record(id, workload string, version int, phase models.RolloutPhase) *models.RolloutRecord {
	spec := models.DeploymentSpec{
		Name:     workload,
		Replicas: 2,
		Image:    models.ImageRef{Repository: "gcr.io/demo/" + workload, Tag: "v1"},
		Port:     8080,
		Exposure: models.ExposureInternal,
		Env:      map[string]string{"MODE": "prod"},
		Version:  version,
	}
	rec := &models.RolloutRecord{
		ID:          id,
		Workload:    workload,
		SpecVersion: version,
		Spec:        &spec,
		CreatedAt:   epoch.Add(time.Duration(version) * time.Minute),
	}
	rec.Transition(phase, rec.CreatedAt, "")
	return rec
}

// Run exercises the [store.Store] contract.
func Run(t *testing.T, factory Factory) {
	ctx := context.Background()

	t.Run("AppendAssignsRevisions", func(t *testing.T) {
		s := factory(t)
		rec := record("r1", "gkeapp", 1, models.PhasePending)

		require.NoError(t, s.Append(ctx, rec))
		assert.Equal(t, 1, rec.Revision)

		rec.Transition(models.PhaseResolving, epoch.Add(time.Hour), "")
		require.NoError(t, s.Append(ctx, rec))
		assert.Equal(t, 2, rec.Revision)

		got, err := s.Get(ctx, "r1")
		require.NoError(t, err)
		assert.Equal(t, 2, got.Revision)
		assert.Equal(t, models.PhaseResolving, got.Phase)
		assert.Equal(t, models.StatusInProgress, got.Status)
		assert.Len(t, got.Transitions, 2)
		assert.Equal(t, "prod", got.Spec.Env["MODE"])
	})

	t.Run("AppendStoresCopy", func(t *testing.T) {
		s := factory(t)
		rec := record("r1", "gkeapp", 1, models.PhasePending)
		require.NoError(t, s.Append(ctx, rec))

		rec.Spec.Env["MODE"] = "mutated"
		got, err := s.Get(ctx, "r1")
		require.NoError(t, err)
		assert.Equal(t, "prod", got.Spec.Env["MODE"])
	})

	t.Run("GetNotFound", func(t *testing.T) {
		s := factory(t)
		_, err := s.Get(ctx, "missing")
		assert.True(t, fault.Is(err, fault.NotFound), "got %v", err)
	})

	t.Run("ListNewestFirst", func(t *testing.T) {
		s := factory(t)
		require.NoError(t, s.Append(ctx, record("a", "gkeapp", 1, models.PhaseSucceeded)))
		require.NoError(t, s.Append(ctx, record("c", "gkeapp", 3, models.PhaseFailed)))
		require.NoError(t, s.Append(ctx, record("b", "gkeapp", 2, models.PhaseRolledBack)))
		require.NoError(t, s.Append(ctx, record("x", "other", 1, models.PhaseSucceeded)))

		list, err := s.List(ctx, "gkeapp")
		require.NoError(t, err)
		require.Len(t, list, 3)
		assert.Equal(t, []string{"c", "b", "a"}, []string{list[0].ID, list[1].ID, list[2].ID})

		empty, err := s.List(ctx, "nothing")
		require.NoError(t, err)
		assert.Empty(t, empty)
	})

	t.Run("ListActive", func(t *testing.T) {
		s := factory(t)
		done := record("a", "gkeapp", 1, models.PhasePending)
		require.NoError(t, s.Append(ctx, done))
		done.Transition(models.PhaseSucceeded, epoch, "")
		require.NoError(t, s.Append(ctx, done))
		require.NoError(t, s.Append(ctx, record("b", "gkeapp", 2, models.PhaseVerifying)))
		require.NoError(t, s.Append(ctx, record("c", "other", 1, models.PhasePending)))

		active, err := s.ListActive(ctx)
		require.NoError(t, err)
		ids := []string{}
		for _, rec := range active {
			ids = append(ids, rec.ID)
		}
		assert.ElementsMatch(t, []string{"b", "c"}, ids)
	})

	t.Run("LastSucceeded", func(t *testing.T) {
		s := factory(t)
		last, err := s.LastSucceeded(ctx, "gkeapp")
		require.NoError(t, err)
		assert.Nil(t, last)

		require.NoError(t, s.Append(ctx, record("a", "gkeapp", 1, models.PhaseSucceeded)))
		require.NoError(t, s.Append(ctx, record("b", "gkeapp", 2, models.PhaseSucceeded)))
		require.NoError(t, s.Append(ctx, record("c", "gkeapp", 3, models.PhaseRolledBack)))

		last, err = s.LastSucceeded(ctx, "gkeapp")
		require.NoError(t, err)
		require.NotNil(t, last)
		assert.Equal(t, "b", last.ID)
	})

	t.Run("SucceededVersion", func(t *testing.T) {
		s := factory(t)
		require.NoError(t, s.Append(ctx, record("a", "gkeapp", 1, models.PhaseSucceeded)))
		require.NoError(t, s.Append(ctx, record("b", "gkeapp", 2, models.PhaseFailed)))

		rec, err := s.SucceededVersion(ctx, "gkeapp", 1)
		require.NoError(t, err)
		assert.Equal(t, "a", rec.ID)

		_, err = s.SucceededVersion(ctx, "gkeapp", 2)
		assert.True(t, fault.Is(err, fault.NotFound))
	})

	t.Run("NextVersion", func(t *testing.T) {
		s := factory(t)
		v, err := s.NextVersion(ctx, "gkeapp")
		require.NoError(t, err)
		assert.Equal(t, 1, v)

		require.NoError(t, s.Append(ctx, record("a", "gkeapp", 1, models.PhaseSucceeded)))
		require.NoError(t, s.Append(ctx, record("b", "gkeapp", 2, models.PhaseFailed)))

		v, err = s.NextVersion(ctx, "gkeapp")
		require.NoError(t, err)
		assert.Equal(t, 3, v)

		v, err = s.NextVersion(ctx, "other")
		require.NoError(t, err)
		assert.Equal(t, 1, v)
	})

	t.Run("Artifacts", func(t *testing.T) {
		s := factory(t)
		first := models.ArtifactRef{Repository: "gcr.io/demo/gkeapp", Digest: "sha256:aaaa", Tag: "v1", PushedAt: epoch}
		second := models.ArtifactRef{Repository: "gcr.io/demo/gkeapp", Digest: "sha256:bbbb", Tag: "v2", PushedAt: epoch.Add(time.Minute)}

		require.NoError(t, s.PutArtifact(ctx, first))
		require.NoError(t, s.PutArtifact(ctx, second))
		require.NoError(t, s.PutArtifact(ctx, first))

		list, err := s.ListArtifacts(ctx)
		require.NoError(t, err)
		require.Len(t, list, 2)
		assert.Equal(t, "sha256:bbbb", list[0].Digest)
		assert.Equal(t, "sha256:aaaa", list[1].Digest)
		assert.True(t, epoch.Equal(list[1].PushedAt))
	})
}

// Reopen checks records survive closing and reopening the same store.
func Reopen(t *testing.T, factory Factory) {
	ctx := context.Background()

	s := factory(t)
	rec := record("r1", "gkeapp", 1, models.PhaseSucceeded)
	require.NoError(t, s.Append(ctx, rec))
	require.NoError(t, s.Close())

	s = factory(t)
	defer s.Close()
	got, err := s.Get(ctx, "r1")
	require.NoError(t, err)
	assert.Equal(t, models.PhaseSucceeded, got.Phase)
	assert.True(t, rec.CreatedAt.Equal(got.CreatedAt))
}
