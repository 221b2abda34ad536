// Package rollout sequences resolve, publish, apply and verify for one
// workload at a time, and rolls back to the last good spec on failure.
package rollout

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/aelpxy/roll/internal/cluster"
	"github.com/aelpxy/roll/internal/fault"
	"github.com/aelpxy/roll/internal/metrics"
	"github.com/aelpxy/roll/internal/store"
	"github.com/aelpxy/roll/internal/utils"
	"github.com/aelpxy/roll/pkg/models"
	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/jonboulle/clockwork"
	"github.com/lucsky/cuid"
)

type Publisher interface {
	Publish(ctx context.Context, req models.BuildRequest) (models.ArtifactRef, error)
	Verify(ctx context.Context, artifact models.ArtifactRef) (models.ArtifactRef, error)
}

type Reconciler interface {
	Apply(ctx context.Context, spec models.DeploymentSpec) error
	WaitReady(ctx context.Context, spec models.DeploymentSpec, policy cluster.Policy, observe cluster.Observer) (models.WorkloadStatus, error)
}

// Request starts a rollout of Workload. Template defaults to the spec of
// the workload's last successful rollout. Build takes precedence over
// Artifact; with neither, the template's own image is verified.
type Request struct {
	Workload  string                     `json:"workload"`
	Template  *models.DeploymentTemplate `json:"template,omitempty"`
	Overrides map[string]string          `json:"overrides,omitempty"`
	Artifact  models.ArtifactRef         `json:"artifact"`
	Build     *models.BuildRequest       `json:"build,omitempty"`
}

type Options struct {
	Policy cluster.Policy
	// Timeout bounds a whole rollout, rollback excluded.
	Timeout time.Duration
	// RollbackTimeout bounds re-applying the previous spec.
	RollbackTimeout time.Duration
	Clock           clockwork.Clock
	Logger          log.Logger
}

const (
	DefaultTimeout         = 15 * time.Minute
	DefaultRollbackTimeout = 5 * time.Minute

	noPreviousRollout = "no previous successful rollout"
)

var errCancelled = &fault.Error{
	Kind: fault.Cancelled,
	Op:   "rollout",
	Err:  errors.New("cancelled"),
}

type run struct {
	cancel          context.CancelCauseFunc
	done            chan struct{}
	cancelRequested atomic.Bool
}

type Controller struct {
	store      store.Store
	publisher  Publisher
	reconciler Reconciler
	locker     Locker
	opts       Options
	clock      clockwork.Clock
	logger     log.Logger

	mu      sync.Mutex
	running map[string]*run
	wg      sync.WaitGroup
}

func NewController(st store.Store, publisher Publisher, reconciler Reconciler, locker Locker, opts Options) *Controller {
	if opts.Clock == nil {
		opts.Clock = clockwork.NewRealClock()
	}
	if opts.Logger == nil {
		opts.Logger = log.NewNopLogger()
	}
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultTimeout
	}
	if opts.RollbackTimeout <= 0 {
		opts.RollbackTimeout = DefaultRollbackTimeout
	}
	if locker == nil {
		locker = NewMemoryLocker()
	}
	return &Controller{
		store:      st,
		publisher:  publisher,
		reconciler: reconciler,
		locker:     locker,
		opts:       opts,
		clock:      opts.Clock,
		logger:     log.With(opts.Logger, "component", "controller"),
		running:    map[string]*run{},
	}
}

func (c *Controller) now() time.Time {
	return c.clock.Now().UTC()
}

// StartRollout takes the workload lock, records a pending rollout and runs
// the pipeline in the background. A workload already being rolled out
// fails at once with a concurrent-rollout error.
func (c *Controller) StartRollout(ctx context.Context, req Request) (string, error) {
	if err := utils.ValidateName(req.Workload); err != nil {
		return "", fault.New(fault.Validation, "start", err)
	}
	if err := c.locker.TryLock(req.Workload); err != nil {
		return "", err
	}

	rec, err := c.newRecord(ctx, req)
	if err != nil {
		c.locker.Unlock(req.Workload)
		return "", err
	}

	c.spawn(ctx, rec, func(ctx context.Context, r *run) {
		c.execute(ctx, rec, req, r)
	})
	return rec.ID, nil
}

func (c *Controller) newRecord(ctx context.Context, req Request) (*models.RolloutRecord, error) {
	version, err := c.store.NextVersion(ctx, req.Workload)
	if err != nil {
		return nil, fmt.Errorf("failed to assign spec version: %w", err)
	}
	previous, err := c.store.LastSucceeded(ctx, req.Workload)
	if err != nil {
		return nil, fmt.Errorf("failed to load previous rollout: %w", err)
	}

	now := c.now()
	rec := &models.RolloutRecord{
		ID:          cuid.New(),
		Workload:    req.Workload,
		SpecVersion: version,
		Artifact:    req.Artifact,
		CreatedAt:   now,
	}
	if len(req.Overrides) > 0 {
		rec.Overrides = make(map[string]string, len(req.Overrides))
		for k, v := range req.Overrides {
			rec.Overrides[k] = v
		}
	}
	if previous != nil && previous.Spec != nil {
		spec := *previous.Spec
		rec.PreviousVersion = previous.SpecVersion
		rec.PreviousSpec = &spec
	}
	rec.Transition(models.PhasePending, now, "")

	if err := c.store.Append(ctx, rec); err != nil {
		return nil, fmt.Errorf("failed to record rollout: %w", err)
	}
	return rec, nil
}

// spawn runs fn detached from the caller's cancellation, under the rollout
// deadline, and releases the workload lock when it returns.
func (c *Controller) spawn(ctx context.Context, rec *models.RolloutRecord, fn func(context.Context, *run)) {
	base, cancelTimeout := context.WithTimeout(context.WithoutCancel(ctx), c.opts.Timeout)
	runCtx, cancel := context.WithCancelCause(base)
	r := &run{cancel: cancel, done: make(chan struct{})}

	c.mu.Lock()
	c.running[rec.ID] = r
	c.mu.Unlock()

	metrics.InFlight.Add(1)
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		defer func() {
			cancel(nil)
			cancelTimeout()
			c.locker.Unlock(rec.Workload)
			metrics.InFlight.Add(-1)

			c.mu.Lock()
			delete(c.running, rec.ID)
			c.mu.Unlock()
			close(r.done)
		}()
		fn(runCtx, r)
	}()
}

func (c *Controller) execute(ctx context.Context, rec *models.RolloutRecord, req Request, r *run) {
	p := &pipeline{c: c, rec: rec, run: r, phaseStart: c.now()}
	p.logger = log.With(c.logger, "rollout", rec.ID, "workload", rec.Workload)

	p.enter(models.PhaseResolving, "")
	spec, err := p.resolve(req)
	if err != nil {
		p.fail(err)
		return
	}

	p.enter(models.PhasePublishing, "")
	spec, err = p.publish(ctx, req, spec)
	if err != nil {
		p.fail(p.interrupted(ctx, err))
		return
	}
	rec.Spec = &spec

	if ctx.Err() != nil {
		p.fail(p.interrupted(ctx, ctx.Err()))
		return
	}

	p.deploy(ctx, spec)
}

// GetRolloutStatus returns the latest recorded state of a rollout.
func (c *Controller) GetRolloutStatus(ctx context.Context, id string) (models.RolloutRecord, error) {
	return c.store.Get(ctx, id)
}

func (c *Controller) History(ctx context.Context, workload string) ([]models.RolloutRecord, error) {
	return c.store.List(ctx, workload)
}

// CancelRollout aborts a rollout running in this process. Terminal
// rollouts cannot be cancelled.
func (c *Controller) CancelRollout(ctx context.Context, id string) error {
	c.mu.Lock()
	r, ok := c.running[id]
	c.mu.Unlock()
	if ok {
		r.cancelRequested.Store(true)
		r.cancel(errCancelled)
		level.Info(c.logger).Log("msg", "cancel requested", "rollout", id)
		return nil
	}

	rec, err := c.store.Get(ctx, id)
	if err != nil {
		return err
	}
	if rec.Terminal() {
		return &fault.Error{
			Kind: fault.NotCancellable,
			Op:   "cancel",
			Err:  fmt.Errorf("rollout %s already %s", id, rec.Status),
		}
	}
	return &fault.Error{
		Kind: fault.NotCancellable,
		Op:   "cancel",
		Help: "cancel it from the process running it, or run roll serve to recover it",
		Err:  fmt.Errorf("rollout %s is not running in this process", id),
	}
}

// Wait blocks until the rollout reaches a terminal phase or ctx is done.
// Rollouts driven by another process are followed through the store.
func (c *Controller) Wait(ctx context.Context, id string) (models.RolloutRecord, error) {
	interval := c.opts.Policy.PollInterval
	if interval <= 0 {
		interval = cluster.DefaultPollInterval
	}

	for {
		c.mu.Lock()
		r, ok := c.running[id]
		c.mu.Unlock()

		if ok {
			select {
			case <-r.done:
			case <-ctx.Done():
				return models.RolloutRecord{}, ctx.Err()
			}
		}

		rec, err := c.store.Get(ctx, id)
		if err != nil {
			return models.RolloutRecord{}, err
		}
		if rec.Terminal() {
			return rec, nil
		}

		select {
		case <-ctx.Done():
			return rec, ctx.Err()
		case <-c.clock.After(interval):
		}
	}
}

// Rollback starts a rollout that restores the spec of a previously
// succeeded version. The restored spec gets a new version.
func (c *Controller) Rollback(ctx context.Context, workload string, version int) (string, error) {
	target, err := c.store.SucceededVersion(ctx, workload, version)
	if err != nil {
		return "", err
	}
	if target.Spec == nil {
		return "", store.VersionNotFound(workload, version)
	}

	tmpl := models.TemplateFromSpec(*target.Spec)
	return c.StartRollout(ctx, Request{
		Workload: workload,
		Template: &tmpl,
		Artifact: models.ArtifactRef{
			Repository: target.Spec.Image.Repository,
			Digest:     target.Spec.Image.Digest,
			Tag:        target.Spec.Image.Tag,
		},
	})
}

// Recover finalizes rollouts a previous controller left unfinished.
// Rollouts that never touched the cluster fail as interrupted; the rest
// roll back to their previous spec. Workloads still locked by a live
// process are left alone. It returns how many rollouts it took over.
func (c *Controller) Recover(ctx context.Context) (int, error) {
	active, err := c.store.ListActive(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to list unfinished rollouts: %w", err)
	}

	recovered := 0
	for i := range active {
		rec := active[i]

		c.mu.Lock()
		_, ok := c.running[rec.ID]
		c.mu.Unlock()
		if ok {
			continue
		}
		if err := c.locker.TryLock(rec.Workload); err != nil {
			level.Info(c.logger).Log("msg", "rollout still owned elsewhere", "rollout", rec.ID, "workload", rec.Workload)
			continue
		}

		level.Warn(c.logger).Log("msg", "recovering interrupted rollout", "rollout", rec.ID, "workload", rec.Workload, "phase", rec.Phase)
		recovered++

		cause := &fault.Error{
			Kind: fault.Internal,
			Op:   "recover",
			Err:  fmt.Errorf("interrupted while %s", rec.Phase),
		}
		c.spawn(ctx, &rec, func(ctx context.Context, r *run) {
			p := &pipeline{c: c, rec: &rec, run: r, phaseStart: c.now()}
			p.logger = log.With(c.logger, "rollout", rec.ID, "workload", rec.Workload)
			switch {
			case rec.Phase == models.PhaseRollingBack:
				p.resumeRollback(ctx, cause)
				return
			case rec.Phase.TouchesCluster():
				p.rollback(ctx, cause)
				return
			}
			p.fail(cause)
		})
	}
	return recovered, nil
}

// Drain waits for every running rollout to finish or ctx to end.
func (c *Controller) Drain(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		c.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
