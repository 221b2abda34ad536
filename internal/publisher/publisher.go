package publisher

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/aelpxy/roll/internal/fault"
	"github.com/aelpxy/roll/internal/resolver"
	"github.com/aelpxy/roll/internal/metrics"
	"github.com/aelpxy/roll/pkg/models"
	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/jonboulle/clockwork"
	"github.com/opencontainers/go-digest"
)

// Builder produces a local image from a build context and returns its
// local reference.
type Builder interface {
	Build(ctx context.Context, req models.BuildRequest) (string, error)
}

type Registry interface {
	Push(ctx context.Context, localRef, repository, tag string) (models.ArtifactRef, bool, error)
	Exists(ctx context.Context, repository, digest string) (bool, error)
	Resolve(ctx context.Context, repository, tag string) (string, error)
}

// ArtifactRecorder remembers every artifact that was published.
type ArtifactRecorder interface {
	PutArtifact(ctx context.Context, artifact models.ArtifactRef) error
}

type Policy struct {
	Attempts   int
	Backoff    time.Duration
	MaxBackoff time.Duration
}

func PolicyFromConfig(cfg models.PublishConfig) Policy {
	return Policy{
		Attempts:   cfg.Attempts,
		Backoff:    time.Duration(cfg.Backoff) * time.Second,
		MaxBackoff: time.Duration(cfg.MaxBackoff) * time.Second,
	}
}

type Publisher struct {
	builder  Builder
	registry Registry
	recorder ArtifactRecorder
	policy   Policy
	clock    clockwork.Clock
	logger   log.Logger
}

func New(builder Builder, registry Registry, recorder ArtifactRecorder, policy Policy, clock clockwork.Clock, logger log.Logger) *Publisher {
	if policy.Attempts < 1 {
		policy.Attempts = 1
	}
	return &Publisher{
		builder:  builder,
		registry: registry,
		recorder: recorder,
		policy:   policy,
		clock:    clock,
		logger:   log.With(logger, "component", "publisher"),
	}
}

// Publish builds the context and pushes the image. Build and push are each
// retried under the policy; pushing content the registry already holds is
// a no-op and returns the same artifact.
func (p *Publisher) Publish(ctx context.Context, req models.BuildRequest) (models.ArtifactRef, error) {
	if p.builder == nil {
		return models.ArtifactRef{}, fault.Newf(fault.Build, "publish", "no image builder configured")
	}

	var localRef string
	err := p.retry(ctx, "build", func() error {
		ref, err := p.builder.Build(ctx, req)
		if err != nil {
			return err
		}
		localRef = ref
		return nil
	})
	if err != nil {
		return models.ArtifactRef{}, classify(err, fault.Build, "build")
	}

	var artifact models.ArtifactRef
	var pushed bool
	err = p.retry(ctx, "push", func() error {
		a, ok, err := p.registry.Push(ctx, localRef, req.Repository, req.Tag)
		if err != nil {
			return err
		}
		artifact, pushed = a, ok
		return nil
	})
	if err != nil {
		return models.ArtifactRef{}, classify(err, fault.Publish, "push")
	}

	if artifact.PushedAt.IsZero() {
		artifact.PushedAt = p.clock.Now().UTC()
	}
	if p.recorder != nil {
		if err := p.recorder.PutArtifact(ctx, artifact); err != nil {
			level.Warn(p.logger).Log("msg", "failed to record artifact", "image", artifact, "err", err)
		}
	}

	level.Info(p.logger).Log("msg", "published", "image", artifact, "uploaded", pushed)
	return artifact, nil
}

// Verify checks a caller-supplied artifact exists and returns it with the
// digest filled in.
func (p *Publisher) Verify(ctx context.Context, artifact models.ArtifactRef) (models.ArtifactRef, error) {
	if artifact.Repository == "" {
		return models.ArtifactRef{}, fault.Newf(fault.Validation, "verify", "artifact repository is required")
	}
	if artifact.Digest == "" && artifact.Tag == "" {
		return models.ArtifactRef{}, fault.Newf(fault.Validation, "verify", "artifact %s needs a tag or digest", artifact.Repository)
	}

	if artifact.Digest == "" {
		var resolved string
		err := p.retry(ctx, "resolve", func() error {
			d, err := p.registry.Resolve(ctx, artifact.Repository, artifact.Tag)
			resolved = d
			return err
		})
		if err != nil {
			return models.ArtifactRef{}, classify(err, fault.Publish, "verify")
		}
		artifact.Digest = resolved
		return artifact, nil
	}

	if _, err := digest.Parse(artifact.Digest); err != nil {
		return models.ArtifactRef{}, &fault.Error{
			Kind: fault.Validation,
			Op:   "verify",
			Help: resolver.DigestFormat + ", or pass a tag instead",
			Err:  fmt.Errorf("invalid digest %q: %w", artifact.Digest, err),
		}
	}

	var exists bool
	err := p.retry(ctx, "verify", func() error {
		ok, err := p.registry.Exists(ctx, artifact.Repository, artifact.Digest)
		exists = ok
		return err
	})
	if err != nil {
		return models.ArtifactRef{}, classify(err, fault.Publish, "verify")
	}
	if !exists {
		return models.ArtifactRef{}, &fault.Error{
			Kind: fault.Publish,
			Op:   "verify",
			Help: "publish the image first or pass a digest the registry holds",
			Err:  fmt.Errorf("artifact %s not found in registry", artifact),
		}
	}
	return artifact, nil
}

// retry runs fn until it succeeds, the attempts run out, the error is not
// retriable, or ctx is done.
func (p *Publisher) retry(ctx context.Context, op string, fn func() error) error {
	b := &backoff{initial: p.policy.Backoff, max: p.policy.MaxBackoff}

	var err error
	for attempt := 1; attempt <= p.policy.Attempts; attempt++ {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}

		err = fn()
		metrics.PublishAttempts.With(metrics.LabelSuccess, strconv.FormatBool(err == nil)).Add(1)
		if err == nil {
			return nil
		}
		if !retriable(err) || attempt == p.policy.Attempts {
			break
		}

		b.Failure()
		level.Warn(p.logger).Log("msg", "attempt failed, retrying", "op", op, "attempt", attempt, "wait", b.Wait(), "err", err)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-p.clock.After(b.Wait()):
		}
	}
	return err
}

// Unclassified errors are treated as transient, so a flaky engine or
// registry gets the full retry budget.
func retriable(err error) bool {
	if fault.KindOf(err) == fault.Internal {
		return true
	}
	return fault.IsRetriable(err)
}

func classify(err error, kind fault.Kind, op string) error {
	if fault.KindOf(err) != fault.Internal || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	return fault.New(kind, op, err)
}

// backoff doubles the wait after each failure, up to max.
type backoff struct {
	initial time.Duration
	max     time.Duration

	current time.Duration
}

func (b *backoff) Failure() {
	b.current *= 2
	if b.current == 0 {
		b.current = b.initial
	}
	if b.max > 0 && b.current > b.max {
		b.current = b.max
	}
}

func (b *backoff) Wait() time.Duration {
	return b.current
}
