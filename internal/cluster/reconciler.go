// Package cluster drives a target cluster towards a resolved spec and
// reports when the workload has converged.
package cluster

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/aelpxy/roll/internal/fault"
	"github.com/aelpxy/roll/internal/metrics"
	"github.com/aelpxy/roll/pkg/models"
	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/jonboulle/clockwork"
)

// Cluster is a deployment target.
type Cluster interface {
	// Apply submits the spec. It returns once the cluster has accepted
	// it, not once it has converged.
	Apply(ctx context.Context, spec models.DeploymentSpec) error
	// Status reports the workload's replica counts against spec.
	Status(ctx context.Context, spec models.DeploymentSpec) (models.WorkloadStatus, error)
}

const DefaultPollInterval = 2 * time.Second

// Policy bounds readiness polling.
type Policy struct {
	PollInterval  time.Duration
	MaxPolls      int
	VerifyTimeout time.Duration
}

func PolicyFromConfig(cfg models.RolloutConfig) Policy {
	return Policy{
		PollInterval:  time.Duration(cfg.PollInterval) * time.Second,
		MaxPolls:      cfg.MaxPolls,
		VerifyTimeout: time.Duration(cfg.VerifyTimeout) * time.Second,
	}
}

// Observer is called after every poll with the status seen and the poll
// count so far.
type Observer func(status models.WorkloadStatus, polls int)

type Reconciler struct {
	cluster Cluster
	clock   clockwork.Clock
	logger  log.Logger
}

func NewReconciler(c Cluster, clock clockwork.Clock, logger log.Logger) *Reconciler {
	return &Reconciler{
		cluster: c,
		clock:   clock,
		logger:  log.With(logger, "component", "reconciler"),
	}
}

// Reconcile applies spec and waits for it to become ready.
func (r *Reconciler) Reconcile(ctx context.Context, spec models.DeploymentSpec, policy Policy, observe Observer) (models.WorkloadStatus, error) {
	if err := r.Apply(ctx, spec); err != nil {
		return models.WorkloadStatus{}, err
	}
	return r.WaitReady(ctx, spec, policy, observe)
}

func (r *Reconciler) Apply(ctx context.Context, spec models.DeploymentSpec) error {
	if err := r.cluster.Apply(ctx, spec); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if fault.KindOf(err) == fault.Internal {
			return fault.New(fault.Apply, "apply", err)
		}
		return err
	}
	level.Info(r.logger).Log("msg", "applied", "workload", spec.Workload(), "version", spec.Version, "image", spec.Image)
	return nil
}

// WaitReady polls the workload status until it is complete. It fails with
// a reconcile-timeout error once MaxPolls polls have come back incomplete
// or VerifyTimeout has passed; cancelling ctx returns ctx.Err().
func (r *Reconciler) WaitReady(ctx context.Context, spec models.DeploymentSpec, policy Policy, observe Observer) (models.WorkloadStatus, error) {
	parent := ctx
	if policy.VerifyTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, policy.VerifyTimeout)
		defer cancel()
	}

	interval := policy.PollInterval
	if interval <= 0 {
		interval = DefaultPollInterval
	}
	ticker := r.clock.NewTicker(interval)
	defer ticker.Stop()

	var (
		status  models.WorkloadStatus
		lastErr error
	)
	for polls := 1; ; polls++ {
		current, err := r.cluster.Status(ctx, spec)
		metrics.ReadinessPolls.Add(1)
		switch {
		case err != nil && ctx.Err() == nil:
			lastErr = err
			level.Warn(r.logger).Log("msg", "status poll failed", "workload", spec.Workload(), "poll", polls, "err", err)
		case err == nil:
			status, lastErr = current, nil
			if observe != nil {
				observe(status, polls)
			}
			if status.Complete() {
				level.Info(r.logger).Log("msg", "workload ready", "workload", spec.Workload(), "status", status, "polls", polls)
				return status, nil
			}
			level.Debug(r.logger).Log("msg", "waiting for workload", "workload", spec.Workload(), "status", status, "poll", polls)
		}

		if policy.MaxPolls > 0 && polls >= policy.MaxPolls {
			return status, timeoutError(spec, status, fmt.Sprintf("after %d polls", polls), lastErr)
		}

		select {
		case <-ctx.Done():
			if parent.Err() != nil {
				return status, parent.Err()
			}
			return status, timeoutError(spec, status, fmt.Sprintf("after %s", policy.VerifyTimeout), lastErr)
		case <-ticker.Chan():
		}
	}
}

func timeoutError(spec models.DeploymentSpec, status models.WorkloadStatus, after string, lastErr error) error {
	msg := fmt.Sprintf("%s not ready %s (%s)", spec.Workload(), after, status)
	if len(status.Messages) > 0 {
		msg += ": " + status.Messages[0]
	} else if lastErr != nil {
		msg += ": " + lastErr.Error()
	}
	return &fault.Error{
		Kind: fault.ReconcileTimeout,
		Op:   "verify",
		Help: "check the workload's events and logs; raise rollout.max_polls or rollout.verify_timeout for slow starts",
		Err:  errors.New(msg),
	}
}
