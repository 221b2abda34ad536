package rollout

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/aelpxy/roll/internal/cluster"
	"github.com/aelpxy/roll/internal/fault"
	"github.com/aelpxy/roll/internal/store"
	"github.com/aelpxy/roll/internal/store/file"
	"github.com/aelpxy/roll/pkg/models"
	"github.com/go-kit/log"
	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	digestV1 = "sha256:2c26b46b68ffc68ff99b453c1d30413413422d706483bfa0f98a5e886266e7ae"
	digestV2 = "sha256:fcde2b2edba56bf408601fb721fe9b5c338d10ee429ea04fae5511b68fbf8fb9"
)

// fakePublisher verifies every artifact. Publish blocks while gate is set.
type fakePublisher struct {
	mu        sync.Mutex
	gate      chan struct{}
	verifyErr error
	builds    []models.BuildRequest
}

func (p *fakePublisher) wait(ctx context.Context) error {
	p.mu.Lock()
	gate := p.gate
	p.mu.Unlock()
	if gate == nil {
		return nil
	}
	select {
	case <-gate:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (p *fakePublisher) Publish(ctx context.Context, req models.BuildRequest) (models.ArtifactRef, error) {
	if err := p.wait(ctx); err != nil {
		return models.ArtifactRef{}, err
	}
	p.mu.Lock()
	p.builds = append(p.builds, req)
	p.mu.Unlock()
	return models.ArtifactRef{Repository: req.Repository, Tag: req.Tag, Digest: digestV2}, nil
}

func (p *fakePublisher) Verify(ctx context.Context, artifact models.ArtifactRef) (models.ArtifactRef, error) {
	if err := p.wait(ctx); err != nil {
		return models.ArtifactRef{}, err
	}
	if p.verifyErr != nil {
		return models.ArtifactRef{}, p.verifyErr
	}
	if artifact.Digest == "" {
		artifact.Digest = digestV1
	}
	return artifact, nil
}

// fakeCluster reports every applied version ready unless listed in
// neverReady.
type fakeCluster struct {
	mu         sync.Mutex
	applied    []models.DeploymentSpec
	neverReady map[int]bool
	applyErr   error
}

func newFakeCluster() *fakeCluster {
	return &fakeCluster{neverReady: map[int]bool{}}
}

func (c *fakeCluster) stall(versions ...int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, v := range versions {
		c.neverReady[v] = true
	}
}

func (c *fakeCluster) Apply(_ context.Context, spec models.DeploymentSpec) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.applyErr != nil {
		return c.applyErr
	}
	c.applied = append(c.applied, spec)
	return nil
}

func (c *fakeCluster) Status(_ context.Context, spec models.DeploymentSpec) (models.WorkloadStatus, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	desired := int32(spec.Replicas)
	ready := desired
	if c.neverReady[spec.Version] {
		ready = 0
	}
	return models.WorkloadStatus{Desired: desired, Updated: desired, Ready: ready, Available: ready}, nil
}

func (c *fakeCluster) lastApplied() models.DeploymentSpec {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.applied[len(c.applied)-1]
}

func (c *fakeCluster) appliedCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.applied)
}

type fixture struct {
	ctrl      *Controller
	store     store.Store
	cluster   *fakeCluster
	publisher *fakePublisher
}

var fastPolicy = cluster.Policy{PollInterval: time.Millisecond, MaxPolls: 5}

func newFixture(t *testing.T, policy cluster.Policy) *fixture {
	t.Helper()
	return newFixtureWithLocker(t, policy, NewMemoryLocker())
}

func newFixtureWithLocker(t *testing.T, policy cluster.Policy, locker Locker) *fixture {
	t.Helper()
	st, err := file.Open(filepath.Join(t.TempDir(), "rollouts.json"))
	require.NoError(t, err)

	clock := clockwork.NewRealClock()
	cl := newFakeCluster()
	pub := &fakePublisher{}
	reconciler := cluster.NewReconciler(cl, clock, log.NewNopLogger())
	ctrl := NewController(st, pub, reconciler, locker, Options{
		Policy: policy,
		Clock:  clock,
		Logger: log.NewNopLogger(),
	})
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		ctrl.Drain(ctx)
	})
	return &fixture{ctrl: ctrl, store: st, cluster: cl, publisher: pub}
}

func gkeappTemplate() *models.DeploymentTemplate {
	return &models.DeploymentTemplate{
		Name:     "gkeapp",
		Replicas: 1,
		Image:    models.ImageRef{Repository: "gcr.io/demo/gkeapp", Tag: "v1"},
		Port:     8080,
		Exposure: models.ExposureExternal,
	}
}

func (f *fixture) start(t *testing.T, req Request) string {
	t.Helper()
	id, err := f.ctrl.StartRollout(context.Background(), req)
	require.NoError(t, err)
	return id
}

func (f *fixture) wait(t *testing.T, id string) models.RolloutRecord {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	rec, err := f.ctrl.Wait(ctx, id)
	require.NoError(t, err)
	return rec
}

func (f *fixture) waitForPhase(t *testing.T, id string, phase models.RolloutPhase) {
	t.Helper()
	require.Eventually(t, func() bool {
		rec, err := f.ctrl.GetRolloutStatus(context.Background(), id)
		return err == nil && rec.Phase == phase
	}, 5*time.Second, 2*time.Millisecond)
}

func phases(rec models.RolloutRecord) []models.RolloutPhase {
	out := make([]models.RolloutPhase, 0, len(rec.Transitions))
	for _, tr := range rec.Transitions {
		out = append(out, tr.Phase)
	}
	return out
}

func TestRolloutSucceeds(t *testing.T) {
	f := newFixture(t, fastPolicy)

	id := f.start(t, Request{
		Workload:  "gkeapp",
		Template:  gkeappTemplate(),
		Artifact:  models.ArtifactRef{Repository: "gcr.io/demo/gkeapp", Digest: digestV1},
		Overrides: map[string]string{"replicas": "2"},
	})
	rec := f.wait(t, id)

	assert.Equal(t, models.PhaseSucceeded, rec.Phase)
	assert.Equal(t, models.StatusSucceeded, rec.Status)
	assert.Equal(t, "2/2 ready", rec.Readiness.String())
	assert.Equal(t, 1, rec.SpecVersion)
	require.NotNil(t, rec.Spec)
	assert.Equal(t, 2, rec.Spec.Replicas)
	assert.Equal(t, digestV1, rec.Spec.Image.Digest)
	assert.Equal(t, digestV1, rec.Artifact.Digest)
	assert.Equal(t, []models.RolloutPhase{
		models.PhasePending,
		models.PhaseResolving,
		models.PhasePublishing,
		models.PhaseApplying,
		models.PhaseVerifying,
		models.PhaseSucceeded,
	}, phases(rec))
	assert.False(t, rec.FinishedAt.IsZero())
	assert.Empty(t, rec.Cause)

	applied := f.cluster.lastApplied()
	assert.Equal(t, 2, applied.Replicas)
	assert.Equal(t, 1, applied.Version)
}

func TestRolloutWithBuild(t *testing.T) {
	f := newFixture(t, fastPolicy)
	tmpl := gkeappTemplate()
	tmpl.Image.Tag = ""

	id := f.start(t, Request{
		Workload: "gkeapp",
		Template: tmpl,
		Build:    &models.BuildRequest{ContextDir: "."},
	})
	rec := f.wait(t, id)

	require.Equal(t, models.PhaseSucceeded, rec.Phase, rec.Cause)
	require.Len(t, f.publisher.builds, 1)
	assert.Equal(t, "gcr.io/demo/gkeapp", f.publisher.builds[0].Repository)
	assert.Equal(t, "v1", f.publisher.builds[0].Tag)
	assert.Equal(t, digestV2, rec.Spec.Image.Digest)
}

func TestVerifyTimeoutRollsBack(t *testing.T) {
	f := newFixture(t, fastPolicy)
	first := f.wait(t, f.start(t, Request{Workload: "gkeapp", Template: gkeappTemplate()}))
	require.Equal(t, models.PhaseSucceeded, first.Phase)

	f.cluster.stall(2)
	rec := f.wait(t, f.start(t, Request{
		Workload:  "gkeapp",
		Template:  gkeappTemplate(),
		Overrides: map[string]string{"replicas": "2"},
	}))

	assert.Equal(t, models.PhaseRolledBack, rec.Phase)
	assert.Equal(t, models.StatusRolledBack, rec.Status)
	assert.Equal(t, string(fault.ReconcileTimeout), rec.ErrorKind)
	assert.Contains(t, rec.Cause, "not ready")
	assert.Empty(t, rec.RollbackCause)
	assert.Equal(t, 1, rec.PreviousVersion)
	assert.Contains(t, phases(rec), models.PhaseRollingBack)

	restored := f.cluster.lastApplied()
	assert.Equal(t, 1, restored.Version)
	assert.Equal(t, 1, restored.Replicas)
}

func TestFailureWithoutPreviousRollout(t *testing.T) {
	f := newFixture(t, fastPolicy)
	f.cluster.stall(1)

	rec := f.wait(t, f.start(t, Request{Workload: "gkeapp", Template: gkeappTemplate()}))

	assert.Equal(t, models.PhaseFailed, rec.Phase)
	assert.Equal(t, noPreviousRollout, rec.RollbackCause)
	assert.NotEmpty(t, rec.Cause)
	assert.NotContains(t, phases(rec), models.PhaseRollingBack)
}

func TestRollbackFailureKeepsCausesApart(t *testing.T) {
	f := newFixture(t, fastPolicy)
	f.wait(t, f.start(t, Request{Workload: "gkeapp", Template: gkeappTemplate()}))

	f.cluster.stall(1, 2)
	rec := f.wait(t, f.start(t, Request{
		Workload:  "gkeapp",
		Template:  gkeappTemplate(),
		Overrides: map[string]string{"replicas": "2"},
	}))

	assert.Equal(t, models.PhaseFailed, rec.Phase)
	assert.Contains(t, rec.Cause, "gkeapp not ready")
	assert.NotEmpty(t, rec.RollbackCause)
	assert.NotEqual(t, rec.Cause, rec.RollbackCause)
	assert.Equal(t, string(fault.ReconcileTimeout), rec.ErrorKind)
}

func TestApplyFailureBlocksRollback(t *testing.T) {
	f := newFixture(t, fastPolicy)
	f.wait(t, f.start(t, Request{Workload: "gkeapp", Template: gkeappTemplate()}))

	f.cluster.mu.Lock()
	f.cluster.applyErr = errors.New("admission webhook denied")
	f.cluster.mu.Unlock()

	rec := f.wait(t, f.start(t, Request{Workload: "gkeapp", Template: gkeappTemplate()}))
	assert.Equal(t, models.PhaseFailed, rec.Phase)
	assert.Equal(t, string(fault.Apply), rec.ErrorKind)
	assert.Contains(t, rec.RollbackCause, "admission webhook denied")
}

func TestConcurrentStartIsRejected(t *testing.T) {
	f := newFixture(t, fastPolicy)
	f.publisher.gate = make(chan struct{})

	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		ids      []string
		rejected []error
	)
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			id, err := f.ctrl.StartRollout(context.Background(), Request{Workload: "gkeapp", Template: gkeappTemplate()})
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				rejected = append(rejected, err)
				return
			}
			ids = append(ids, id)
		}()
	}
	wg.Wait()

	require.Len(t, ids, 1)
	require.Len(t, rejected, 1)
	assert.True(t, fault.Is(rejected[0], fault.ConcurrentRollout))

	other, err := f.ctrl.StartRollout(context.Background(), Request{Workload: "other", Template: &models.DeploymentTemplate{
		Name:  "other",
		Image: models.ImageRef{Repository: "gcr.io/demo/other", Tag: "v1"},
		Port:  80,
	}})
	require.NoError(t, err)

	close(f.publisher.gate)
	assert.Equal(t, models.PhaseSucceeded, f.wait(t, ids[0]).Phase)
	assert.Equal(t, models.PhaseSucceeded, f.wait(t, other).Phase)

	_, err = f.ctrl.StartRollout(context.Background(), Request{Workload: "gkeapp", Template: gkeappTemplate()})
	assert.NoError(t, err)
}

func TestConcurrentStartIsRejectedAcrossLockFiles(t *testing.T) {
	dir := t.TempDir()
	lockerA, err := NewFileLocker(dir)
	require.NoError(t, err)
	lockerB, err := NewFileLocker(dir)
	require.NoError(t, err)

	a := newFixtureWithLocker(t, fastPolicy, lockerA)
	b := newFixtureWithLocker(t, fastPolicy, lockerB)
	a.publisher.gate = make(chan struct{})

	id := a.start(t, Request{Workload: "gkeapp", Template: gkeappTemplate()})

	started := time.Now()
	_, err = b.ctrl.StartRollout(context.Background(), Request{Workload: "gkeapp", Template: gkeappTemplate()})
	assert.True(t, fault.Is(err, fault.ConcurrentRollout))
	assert.Less(t, time.Since(started), time.Second)

	_, err = a.ctrl.StartRollout(context.Background(), Request{Workload: "gkeapp", Template: gkeappTemplate()})
	assert.True(t, fault.Is(err, fault.ConcurrentRollout))

	close(a.publisher.gate)
	assert.Equal(t, models.PhaseSucceeded, a.wait(t, id).Phase)

	require.Eventually(t, func() bool {
		return !lockerA.IsLocked("gkeapp")
	}, 5*time.Second, 2*time.Millisecond)
	next := b.start(t, Request{Workload: "gkeapp", Template: gkeappTemplate()})
	assert.Equal(t, models.PhaseSucceeded, b.wait(t, next).Phase)
}

func TestCancelBeforeApplying(t *testing.T) {
	f := newFixture(t, fastPolicy)
	f.publisher.gate = make(chan struct{})

	id := f.start(t, Request{Workload: "gkeapp", Template: gkeappTemplate()})
	f.waitForPhase(t, id, models.PhasePublishing)
	require.NoError(t, f.ctrl.CancelRollout(context.Background(), id))

	rec := f.wait(t, id)
	assert.Equal(t, models.PhaseFailed, rec.Phase)
	assert.Contains(t, rec.Cause, "cancelled")
	assert.Equal(t, string(fault.Cancelled), rec.ErrorKind)
	assert.True(t, rec.CancelRequested)
	assert.Zero(t, f.cluster.appliedCount())
}

func TestCancelDuringVerifyingRollsBack(t *testing.T) {
	f := newFixture(t, cluster.Policy{PollInterval: time.Millisecond})
	f.wait(t, f.start(t, Request{Workload: "gkeapp", Template: gkeappTemplate()}))

	f.cluster.stall(2)
	id := f.start(t, Request{Workload: "gkeapp", Template: gkeappTemplate()})
	f.waitForPhase(t, id, models.PhaseVerifying)
	require.NoError(t, f.ctrl.CancelRollout(context.Background(), id))

	rec := f.wait(t, id)
	assert.Equal(t, models.PhaseRolledBack, rec.Phase)
	assert.Equal(t, string(fault.Cancelled), rec.ErrorKind)
	assert.Equal(t, 1, f.cluster.lastApplied().Version)
}

func TestCancelFinishedOrUnknown(t *testing.T) {
	f := newFixture(t, fastPolicy)
	id := f.start(t, Request{Workload: "gkeapp", Template: gkeappTemplate()})
	f.wait(t, id)

	err := f.ctrl.CancelRollout(context.Background(), id)
	assert.True(t, fault.Is(err, fault.NotCancellable))

	err = f.ctrl.CancelRollout(context.Background(), "nope")
	assert.True(t, fault.Is(err, fault.NotFound))

	_, err = f.ctrl.GetRolloutStatus(context.Background(), "nope")
	assert.True(t, fault.Is(err, fault.NotFound))
}

func TestInvalidRequests(t *testing.T) {
	f := newFixture(t, fastPolicy)

	_, err := f.ctrl.StartRollout(context.Background(), Request{Workload: "Bad_Name"})
	assert.True(t, fault.Is(err, fault.Validation))

	rec := f.wait(t, f.start(t, Request{
		Workload:  "gkeapp",
		Template:  gkeappTemplate(),
		Overrides: map[string]string{"bogus": "1"},
	}))
	assert.Equal(t, models.PhaseFailed, rec.Phase)
	assert.Equal(t, string(fault.Validation), rec.ErrorKind)
	assert.Contains(t, rec.Cause, "bogus")
	assert.Equal(t, []models.RolloutPhase{models.PhasePending, models.PhaseResolving, models.PhaseFailed}, phases(rec))

	rec = f.wait(t, f.start(t, Request{Workload: "fresh"}))
	assert.Equal(t, models.PhaseFailed, rec.Phase)
	assert.Contains(t, rec.Cause, "no successful rollout")

	rec = f.wait(t, f.start(t, Request{Workload: "other", Template: gkeappTemplate()}))
	assert.Equal(t, models.PhaseFailed, rec.Phase)
	assert.Contains(t, rec.Cause, "not workload")
}

func TestPublishFailure(t *testing.T) {
	f := newFixture(t, fastPolicy)
	f.publisher.verifyErr = fault.Newf(fault.Publish, "verify", "artifact not found in registry")

	rec := f.wait(t, f.start(t, Request{Workload: "gkeapp", Template: gkeappTemplate()}))
	assert.Equal(t, models.PhaseFailed, rec.Phase)
	assert.Equal(t, string(fault.Publish), rec.ErrorKind)
	assert.Zero(t, f.cluster.appliedCount())
}

func TestRollbackToVersion(t *testing.T) {
	f := newFixture(t, fastPolicy)
	f.wait(t, f.start(t, Request{
		Workload: "gkeapp",
		Template: gkeappTemplate(),
		Artifact: models.ArtifactRef{Repository: "gcr.io/demo/gkeapp", Digest: digestV1},
	}))
	second := f.wait(t, f.start(t, Request{
		Workload:  "gkeapp",
		Artifact:  models.ArtifactRef{Repository: "gcr.io/demo/gkeapp", Digest: digestV2},
		Overrides: map[string]string{"replicas": "3"},
	}))
	require.Equal(t, models.PhaseSucceeded, second.Phase, second.Cause)
	assert.Equal(t, 3, second.Spec.Replicas)

	id, err := f.ctrl.Rollback(context.Background(), "gkeapp", 1)
	require.NoError(t, err)
	rec := f.wait(t, id)

	require.Equal(t, models.PhaseSucceeded, rec.Phase, rec.Cause)
	assert.Equal(t, 3, rec.SpecVersion)
	assert.Equal(t, digestV1, rec.Spec.Image.Digest)
	assert.Equal(t, 1, rec.Spec.Replicas)
	assert.Equal(t, 2, rec.PreviousVersion)

	_, err = f.ctrl.Rollback(context.Background(), "gkeapp", 9)
	assert.True(t, fault.Is(err, fault.NotFound))
}

func TestHistoryNewestFirst(t *testing.T) {
	f := newFixture(t, fastPolicy)
	for i := 0; i < 3; i++ {
		f.wait(t, f.start(t, Request{Workload: "gkeapp", Template: gkeappTemplate()}))
	}

	history, err := f.ctrl.History(context.Background(), "gkeapp")
	require.NoError(t, err)
	require.Len(t, history, 3)
	assert.Equal(t, []int{3, 2, 1}, []int{history[0].SpecVersion, history[1].SpecVersion, history[2].SpecVersion})
}

func TestRecover(t *testing.T) {
	f := newFixture(t, fastPolicy)
	ctx := context.Background()
	now := time.Now().UTC()

	stuck := &models.RolloutRecord{ID: "stuck", Workload: "api", SpecVersion: 1, CreatedAt: now}
	stuck.Transition(models.PhasePending, now, "")
	stuck.Transition(models.PhasePublishing, now, "")
	require.NoError(t, f.store.Append(ctx, stuck))

	good := models.DeploymentSpec{Name: "web", Replicas: 1, Image: models.ImageRef{Repository: "gcr.io/demo/web", Digest: digestV1}, Port: 80, Version: 1}
	bad := good
	bad.Version = 2
	f.cluster.stall(2)

	applying := &models.RolloutRecord{
		ID:              "applying",
		Workload:        "web",
		SpecVersion:     2,
		Spec:            &bad,
		PreviousVersion: 1,
		PreviousSpec:    &good,
		CreatedAt:       now,
	}
	applying.Transition(models.PhasePending, now, "")
	applying.Transition(models.PhaseVerifying, now, "")
	require.NoError(t, f.store.Append(ctx, applying))

	n, err := f.ctrl.Recover(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	rec := f.wait(t, "stuck")
	assert.Equal(t, models.PhaseFailed, rec.Phase)
	assert.Contains(t, rec.Cause, "interrupted")

	rec = f.wait(t, "applying")
	assert.Equal(t, models.PhaseRolledBack, rec.Phase)
	assert.Contains(t, rec.Cause, "interrupted while verifying")
	assert.Equal(t, 1, f.cluster.lastApplied().Version)

	active, err := f.store.ListActive(ctx)
	require.NoError(t, err)
	assert.Empty(t, active)
}

func TestRecoverSkipsLockedWorkloads(t *testing.T) {
	f := newFixture(t, fastPolicy)
	ctx := context.Background()
	now := time.Now().UTC()

	rec := &models.RolloutRecord{ID: "held", Workload: "api", SpecVersion: 1, CreatedAt: now}
	rec.Transition(models.PhasePending, now, "")
	require.NoError(t, f.store.Append(ctx, rec))

	require.NoError(t, f.ctrl.locker.TryLock("api"))
	defer f.ctrl.locker.Unlock("api")

	n, err := f.ctrl.Recover(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestRecoverResumedRollbackKeepsForwardCause(t *testing.T) {
	f := newFixture(t, fastPolicy)
	ctx := context.Background()
	now := time.Now().UTC()

	good := models.DeploymentSpec{Name: "web", Replicas: 1, Image: models.ImageRef{Repository: "gcr.io/demo/web", Digest: digestV1}, Port: 80, Version: 1}
	bad := good
	bad.Version = 2

	rec := &models.RolloutRecord{
		ID:              "rolling-back",
		Workload:        "web",
		SpecVersion:     2,
		Spec:            &bad,
		PreviousVersion: 1,
		PreviousSpec:    &good,
		Cause:           "2/1 ready after 5 polls",
		ErrorKind:       string(fault.ReconcileTimeout),
		CreatedAt:       now,
	}
	rec.Transition(models.PhasePending, now, "")
	rec.Transition(models.PhaseVerifying, now, "")
	rec.Transition(models.PhaseRollingBack, now, "restoring version 1")
	require.NoError(t, f.store.Append(ctx, rec))

	n, err := f.ctrl.Recover(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	got := f.wait(t, "rolling-back")
	assert.Equal(t, models.PhaseRolledBack, got.Phase)
	assert.Equal(t, "2/1 ready after 5 polls", got.Cause)
	assert.Equal(t, string(fault.ReconcileTimeout), got.ErrorKind)
	assert.Contains(t, got.RollbackCause, "interrupted while rolling-back")
	assert.Equal(t, 1, f.cluster.lastApplied().Version)
}
