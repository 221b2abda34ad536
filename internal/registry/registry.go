package registry

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/aelpxy/roll/internal/fault"
	"github.com/aelpxy/roll/pkg/models"
	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/google/go-containerregistry/pkg/authn"
	"github.com/google/go-containerregistry/pkg/name"
	v1 "github.com/google/go-containerregistry/pkg/v1"
	"github.com/google/go-containerregistry/pkg/v1/daemon"
	"github.com/google/go-containerregistry/pkg/v1/remote"
	"github.com/google/go-containerregistry/pkg/v1/remote/transport"
)

// ImageSource loads a locally built image by reference.
type ImageSource func(ctx context.Context, ref name.Reference) (v1.Image, error)

// DaemonSource reads images out of the local Docker engine.
func DaemonSource(ctx context.Context, ref name.Reference) (v1.Image, error) {
	return daemon.Image(ref, daemon.WithContext(ctx))
}

type Registry struct {
	auth     authn.Authenticator
	insecure bool
	source   ImageSource
	logger   log.Logger
	now      func() time.Time
}

type Option func(*Registry)

func WithImageSource(src ImageSource) Option {
	return func(r *Registry) { r.source = src }
}

func WithClock(now func() time.Time) Option {
	return func(r *Registry) { r.now = now }
}

// New builds a registry client. Explicit credentials in cfg win over the
// local docker keychain.
func New(cfg models.RegistryConfig, logger log.Logger, opts ...Option) *Registry {
	r := &Registry{
		insecure: cfg.Insecure,
		source:   DaemonSource,
		logger:   log.With(logger, "component", "registry"),
		now:      time.Now,
	}

	switch {
	case cfg.Token != "":
		r.auth = &authn.Bearer{Token: cfg.Token}
	case cfg.Username != "":
		r.auth = &authn.Basic{Username: cfg.Username, Password: cfg.Password}
	}

	for _, opt := range opts {
		opt(r)
	}
	return r
}

func (r *Registry) nameOptions() []name.Option {
	if r.insecure {
		return []name.Option{name.Insecure}
	}
	return nil
}

func (r *Registry) remoteOptions(ctx context.Context) []remote.Option {
	opts := []remote.Option{remote.WithContext(ctx)}
	if r.auth != nil {
		return append(opts, remote.WithAuth(r.auth))
	}
	return append(opts, remote.WithAuthFromKeychain(authn.DefaultKeychain))
}

// Push uploads the local image to repository:tag. When the registry already
// holds the image's digest nothing is uploaded and pushed is false.
func (r *Registry) Push(ctx context.Context, localRef, repository, tag string) (artifact models.ArtifactRef, pushed bool, err error) {
	src, err := name.ParseReference(localRef, name.WeakValidation)
	if err != nil {
		return models.ArtifactRef{}, false, fault.New(fault.Validation, "push", fmt.Errorf("invalid local image %q: %w", localRef, err))
	}
	img, err := r.source(ctx, src)
	if err != nil {
		return models.ArtifactRef{}, false, fault.New(fault.Publish, "push", fmt.Errorf("failed to load image %s: %w", localRef, err))
	}
	dgst, err := img.Digest()
	if err != nil {
		return models.ArtifactRef{}, false, fault.New(fault.Publish, "push", fmt.Errorf("failed to compute digest: %w", err))
	}

	artifact = models.ArtifactRef{Repository: repository, Digest: dgst.String(), Tag: tag}

	exists, err := r.Exists(ctx, repository, dgst.String())
	if err != nil {
		return models.ArtifactRef{}, false, err
	}

	var dst name.Reference
	if tag != "" {
		dst, err = name.NewTag(repository+":"+tag, r.nameOptions()...)
	} else {
		dst, err = name.NewDigest(repository+"@"+dgst.String(), r.nameOptions()...)
	}
	if err != nil {
		return models.ArtifactRef{}, false, fault.New(fault.Validation, "push", fmt.Errorf("invalid repository %q: %w", repository, err))
	}

	if exists {
		// only the manifest is written to move the tag
		if tag != "" {
			if err := remote.Tag(dst.(name.Tag), img, r.remoteOptions(ctx)...); err != nil {
				return models.ArtifactRef{}, false, fault.New(fault.Publish, "push", fmt.Errorf("failed to tag %s: %w", dst, err))
			}
		}
		level.Debug(r.logger).Log("msg", "digest already present, skipping upload", "image", artifact)
		return artifact, false, nil
	}

	if err := remote.Write(dst, img, r.remoteOptions(ctx)...); err != nil {
		return models.ArtifactRef{}, false, fault.New(fault.Publish, "push", fmt.Errorf("failed to push %s: %w", dst, err))
	}

	artifact.PushedAt = r.now().UTC()
	level.Info(r.logger).Log("msg", "pushed image", "image", artifact)
	return artifact, true, nil
}

// Exists reports whether repository@digest is present in the registry.
func (r *Registry) Exists(ctx context.Context, repository, digest string) (bool, error) {
	ref, err := name.NewDigest(repository+"@"+digest, r.nameOptions()...)
	if err != nil {
		return false, fault.New(fault.Validation, "verify", fmt.Errorf("invalid image reference %s@%s: %w", repository, digest, err))
	}

	if _, err := remote.Head(ref, r.remoteOptions(ctx)...); err != nil {
		if isNotFound(err) {
			return false, nil
		}
		return false, fault.New(fault.Publish, "verify", fmt.Errorf("failed to query %s: %w", ref, err))
	}
	return true, nil
}

// Resolve looks up the digest a tag currently points at.
func (r *Registry) Resolve(ctx context.Context, repository, tag string) (string, error) {
	ref, err := name.NewTag(repository+":"+tag, r.nameOptions()...)
	if err != nil {
		return "", fault.New(fault.Validation, "verify", fmt.Errorf("invalid image reference %s:%s: %w", repository, tag, err))
	}

	desc, err := remote.Head(ref, r.remoteOptions(ctx)...)
	if err != nil {
		if isNotFound(err) {
			return "", &fault.Error{
				Kind: fault.Publish,
				Op:   "verify",
				Help: "push the image first or pass a tag that exists",
				Err:  fmt.Errorf("image %s not found", ref),
			}
		}
		return "", fault.New(fault.Publish, "verify", fmt.Errorf("failed to query %s: %w", ref, err))
	}
	return desc.Digest.String(), nil
}

// isNotFound also trusts the error codes, since some registries answer an
// unknown repository with 401 or 403 and a NAME_UNKNOWN body.
func isNotFound(err error) bool {
	var terr *transport.Error
	if !errors.As(err, &terr) {
		return false
	}
	if terr.StatusCode == http.StatusNotFound {
		return true
	}
	for _, d := range terr.Errors {
		switch d.Code {
		case transport.ManifestUnknownErrorCode, transport.NameUnknownErrorCode:
			return true
		}
	}
	return false
}
