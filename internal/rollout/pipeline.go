package rollout

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/aelpxy/roll/internal/fault"
	"github.com/aelpxy/roll/internal/metrics"
	"github.com/aelpxy/roll/internal/resolver"
	"github.com/aelpxy/roll/pkg/models"
	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
)

const persistTimeout = 10 * time.Second

// pipeline drives one rollout record. It is owned by a single goroutine.
type pipeline struct {
	c      *Controller
	rec    *models.RolloutRecord
	run    *run
	logger log.Logger

	phaseStart time.Time
	basePolls  int
}

func (p *pipeline) enter(phase models.RolloutPhase, message string) {
	now := p.c.now()
	if prev := p.rec.Phase; prev != "" && prev != models.PhasePending {
		success := phase != models.PhaseRollingBack && phase != models.PhaseFailed
		metrics.PhaseDuration.With(
			metrics.LabelPhase, string(prev),
			metrics.LabelSuccess, strconv.FormatBool(success),
		).Observe(now.Sub(p.phaseStart).Seconds())
	}
	p.phaseStart = now

	p.rec.Transition(phase, now, message)
	level.Info(p.logger).Log("msg", "entering phase", "phase", phase, "detail", message)
	p.persist()
}

// persist appends the record's current state. The write is detached from
// the rollout's context so a cancelled rollout still records its outcome.
func (p *pipeline) persist() {
	if p.run != nil && p.run.cancelRequested.Load() {
		p.rec.CancelRequested = true
	}
	ctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
	defer cancel()
	if err := p.c.store.Append(ctx, p.rec); err != nil {
		level.Error(p.logger).Log("msg", "failed to persist rollout", "phase", p.rec.Phase, "err", err)
	}
}

func (p *pipeline) finish(phase models.RolloutPhase, message string) {
	p.enter(phase, message)

	started := p.rec.StartedAt
	if started.IsZero() {
		started = p.rec.CreatedAt
	}
	metrics.RolloutDuration.With(metrics.LabelStatus, string(p.rec.Status)).Observe(p.rec.FinishedAt.Sub(started).Seconds())

	logger := level.Info(p.logger)
	if phase != models.PhaseSucceeded {
		logger = level.Warn(p.logger)
	}
	logger.Log("msg", "rollout finished", "status", p.rec.Status, "version", p.rec.SpecVersion, "cause", p.rec.Cause, "rollback_cause", p.rec.RollbackCause)
}

func (p *pipeline) fail(err error) {
	p.rec.Cause = err.Error()
	p.rec.ErrorKind = string(fault.KindOf(err))
	p.finish(models.PhaseFailed, p.rec.Cause)
}

// interrupted replaces err with the reason the rollout's context ended,
// if it has.
func (p *pipeline) interrupted(ctx context.Context, err error) error {
	if ctx.Err() == nil {
		return err
	}
	if errors.Is(context.Cause(ctx), errCancelled) {
		return errCancelled
	}
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return fault.Newf(fault.ReconcileTimeout, "rollout", "rollout exceeded its %s deadline", p.c.opts.Timeout)
	}
	return err
}

func (p *pipeline) resolve(req Request) (models.DeploymentSpec, error) {
	tmpl := req.Template
	if tmpl == nil {
		if p.rec.PreviousSpec == nil {
			return models.DeploymentSpec{}, &fault.Error{
				Kind: fault.Validation,
				Op:   "resolve",
				Help: "pass a template, e.g. run from a directory with roll.toml",
				Err:  fmt.Errorf("%s has no successful rollout to start from", p.rec.Workload),
			}
		}
		t := models.TemplateFromSpec(*p.rec.PreviousSpec)
		tmpl = &t
	}

	overrides := make(map[string]string, len(req.Overrides)+2)
	for k, v := range req.Overrides {
		overrides[k] = v
	}
	if _, ok := overrides["name"]; !ok && tmpl.Name == "" {
		overrides["name"] = p.rec.Workload
	}
	if req.Build != nil {
		if _, ok := overrides["image.tag"]; !ok {
			overrides["image.tag"] = buildTag(req.Build, p.rec.SpecVersion)
		}
	}

	spec, err := resolver.Resolve(*tmpl, overrides)
	if err != nil {
		return models.DeploymentSpec{}, err
	}
	if spec.Name != p.rec.Workload {
		return models.DeploymentSpec{}, fault.Newf(fault.Validation, "resolve", "template describes %q, not workload %q", spec.Name, p.rec.Workload)
	}
	return spec, nil
}

func buildTag(build *models.BuildRequest, version int) string {
	if build.Tag != "" {
		return build.Tag
	}
	return "v" + strconv.Itoa(version)
}

// publish produces the artifact for spec and pins the spec to its digest.
func (p *pipeline) publish(ctx context.Context, req Request, spec models.DeploymentSpec) (models.DeploymentSpec, error) {
	var (
		artifact models.ArtifactRef
		err      error
	)
	switch {
	case req.Build != nil:
		build := *req.Build
		if build.Repository == "" {
			build.Repository = spec.Image.Repository
		}
		build.Tag = spec.Image.Tag
		artifact, err = p.c.publisher.Publish(ctx, build)
	case !req.Artifact.IsZero():
		artifact, err = p.c.publisher.Verify(ctx, req.Artifact)
	default:
		artifact, err = p.c.publisher.Verify(ctx, models.ArtifactRef{
			Repository: spec.Image.Repository,
			Tag:        spec.Image.Tag,
			Digest:     spec.Image.Digest,
		})
	}
	if err != nil {
		return models.DeploymentSpec{}, err
	}

	p.rec.Artifact = artifact
	spec = resolver.WithArtifact(spec, artifact)
	spec.Version = p.rec.SpecVersion
	return spec, nil
}

// deploy applies and verifies spec, rolling back on any failure.
func (p *pipeline) deploy(ctx context.Context, spec models.DeploymentSpec) {
	p.enter(models.PhaseApplying, spec.Image.String())
	if err := p.c.reconciler.Apply(ctx, spec); err != nil {
		p.rollback(ctx, p.interrupted(ctx, err))
		return
	}

	p.enter(models.PhaseVerifying, "")
	status, err := p.waitReady(ctx, spec)
	if err != nil {
		p.rollback(ctx, p.interrupted(ctx, err))
		return
	}
	p.finish(models.PhaseSucceeded, status.String())
}

func (p *pipeline) waitReady(ctx context.Context, spec models.DeploymentSpec) (models.WorkloadStatus, error) {
	status, err := p.c.reconciler.WaitReady(ctx, spec, p.c.opts.Policy, p.observe)
	p.basePolls = p.rec.Polls
	p.rec.Readiness = status
	return status, err
}

// observe records readiness progress, writing only when the counts move.
func (p *pipeline) observe(status models.WorkloadStatus, polls int) {
	p.rec.Polls = p.basePolls + polls
	if sameCounts(p.rec.Readiness, status) {
		return
	}
	p.rec.Readiness = status
	p.rec.UpdatedAt = p.c.now()
	p.persist()
}

func sameCounts(a, b models.WorkloadStatus) bool {
	return a.Desired == b.Desired &&
		a.Updated == b.Updated &&
		a.Ready == b.Ready &&
		a.Available == b.Available &&
		a.Outdated == b.Outdated &&
		len(a.Messages) == len(b.Messages)
}

// rollback restores the previous succeeded spec after cause. It runs on
// its own deadline, detached from the rollout's, so a cancelled or timed
// out rollout still gets its cluster state restored.
func (p *pipeline) rollback(ctx context.Context, cause error) {
	p.rec.Cause = cause.Error()
	p.rec.ErrorKind = string(fault.KindOf(cause))
	level.Warn(p.logger).Log("msg", "rollout failed", "phase", p.rec.Phase, "err", cause)

	if p.rec.PreviousSpec == nil {
		p.rec.RollbackCause = noPreviousRollout
		p.finish(models.PhaseFailed, noPreviousRollout)
		return
	}

	p.restore(ctx)
}

// resumeRollback finishes a rollback another controller started. The
// forward cause is already on the record; how the rollback was cut short
// is kept in RollbackCause.
func (p *pipeline) resumeRollback(ctx context.Context, interruption error) {
	if p.rec.Cause == "" {
		p.rollback(ctx, interruption)
		return
	}
	p.rec.RollbackCause = interruption.Error()
	level.Warn(p.logger).Log("msg", "resuming rollback", "cause", p.rec.Cause, "err", interruption)

	if p.rec.PreviousSpec == nil {
		p.finish(models.PhaseFailed, "rollback failed")
		return
	}
	p.restore(ctx)
}

func (p *pipeline) restore(ctx context.Context) {
	previous := *p.rec.PreviousSpec
	p.enter(models.PhaseRollingBack, fmt.Sprintf("restoring version %d", p.rec.PreviousVersion))

	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), p.c.opts.RollbackTimeout)
	defer cancel()

	if err := p.c.reconciler.Apply(ctx, previous); err != nil {
		p.rollbackFailed(err)
		return
	}
	status, err := p.waitReady(ctx, previous)
	if err != nil {
		p.rollbackFailed(err)
		return
	}
	p.finish(models.PhaseRolledBack, fmt.Sprintf("version %d restored, %s", p.rec.PreviousVersion, status))
}

func (p *pipeline) rollbackFailed(err error) {
	p.rec.RollbackCause = err.Error()
	level.Error(p.logger).Log("msg", "rollback failed", "err", err)
	p.finish(models.PhaseFailed, "rollback failed")
}
