package cmd

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/aelpxy/roll/internal/api"
	"github.com/aelpxy/roll/internal/builder"
	"github.com/aelpxy/roll/internal/cluster"
	clusterdocker "github.com/aelpxy/roll/internal/cluster/docker"
	"github.com/aelpxy/roll/internal/cluster/kubernetes"
	"github.com/aelpxy/roll/internal/config"
	"github.com/aelpxy/roll/internal/docker"
	"github.com/aelpxy/roll/internal/logging"
	"github.com/aelpxy/roll/internal/publisher"
	"github.com/aelpxy/roll/internal/registry"
	"github.com/aelpxy/roll/internal/rollout"
	"github.com/aelpxy/roll/internal/store"
	"github.com/aelpxy/roll/internal/store/file"
	"github.com/aelpxy/roll/internal/store/sqlite"
	"github.com/aelpxy/roll/pkg/models"
	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/jonboulle/clockwork"
)

// reader is what the read-only commands need, served either by the local
// store or by a roll server.
type reader interface {
	GetRolloutStatus(ctx context.Context, id string) (models.RolloutRecord, error)
	History(ctx context.Context, workload string) ([]models.RolloutRecord, error)
	ListArtifacts(ctx context.Context) ([]models.ArtifactRef, error)
	Wait(ctx context.Context, id string) (models.RolloutRecord, error)
}

// backend drives rollouts, in-process or through a roll server.
type backend interface {
	api.Service
	Wait(ctx context.Context, id string) (models.RolloutRecord, error)
}

var (
	_ reader  = (*api.Client)(nil)
	_ reader  = storeReader{}
	_ backend = (*api.Client)(nil)
	_ backend = (*rollout.Controller)(nil)
)

// env is built once per command from the global config. Everything it
// opens is released by Close.
type env struct {
	cfg    *models.GlobalConfig
	path   string
	home   string
	logger log.Logger
	clock  clockwork.Clock

	store   store.Store
	docker  *docker.Client
	closers []func() error
}

func loadEnv() (*env, error) {
	cm, err := config.NewConfigManager()
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	home, err := config.HomeDir()
	if err != nil {
		return nil, err
	}

	cfg := cm.GetConfig()
	lvl := cfg.Log.Level
	if verbose {
		lvl = "debug"
	}
	logger, err := logging.New(os.Stderr, cfg.Log.Format, lvl)
	if err != nil {
		return nil, fmt.Errorf("invalid log settings in %s: %w", cm.Path(), err)
	}

	return &env{
		cfg:    cfg,
		path:   cm.Path(),
		home:   home,
		logger: logger,
		clock:  clockwork.NewRealClock(),
	}, nil
}

// mustEnv is loadEnv for commands that cannot do anything without it.
func mustEnv() *env {
	e, err := loadEnv()
	if err != nil {
		fail("failed to initialize", err)
	}
	return e
}

func (e *env) Close() {
	for i := len(e.closers) - 1; i >= 0; i-- {
		if err := e.closers[i](); err != nil {
			level.Debug(e.logger).Log("msg", "close failed", "err", err)
		}
	}
	e.closers = nil
}

func (e *env) openStore() (store.Store, error) {
	if e.store != nil {
		return e.store, nil
	}

	var (
		st  store.Store
		err error
	)
	switch e.cfg.Store.Backend {
	case models.StoreBackendSQLite:
		st, err = sqlite.OpenStore(e.cfg.Store.Path)
	default:
		st, err = file.Open(e.cfg.Store.Path)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to open %s store at %s: %w", e.cfg.Store.Backend, e.cfg.Store.Path, err)
	}

	e.store = st
	e.closers = append(e.closers, st.Close)
	return st, nil
}

func (e *env) dockerClient() (*docker.Client, error) {
	if e.docker != nil {
		return e.docker, nil
	}
	dc, err := docker.NewClient(e.cfg.Cluster.DockerHost)
	if err != nil {
		return nil, err
	}
	e.docker = dc
	e.closers = append(e.closers, dc.Close)
	return dc, nil
}

// publisher builds with the local container engine when there is one.
// Without it, rollouts can still verify prebuilt artifacts.
func (e *env) publisher(output io.Writer) (*publisher.Publisher, error) {
	st, err := e.openStore()
	if err != nil {
		return nil, err
	}

	var b publisher.Builder
	if dc, err := e.dockerClient(); err == nil {
		b = builder.NewBuilder(dc, output)
	} else {
		level.Debug(e.logger).Log("msg", "image builds unavailable", "err", err)
	}

	reg := registry.New(e.cfg.Registry, e.logger)
	return publisher.New(b, reg, st, publisher.PolicyFromConfig(e.cfg.Publish), e.clock, e.logger), nil
}

func (e *env) cluster() (cluster.Cluster, error) {
	switch e.cfg.Cluster.Backend {
	case models.ClusterBackendDocker:
		dc, err := e.dockerClient()
		if err != nil {
			return nil, err
		}
		return clusterdocker.NewCluster(dc, e.logger), nil
	default:
		cs, err := kubernetes.NewClientset(e.cfg.Cluster.Kubeconfig, e.cfg.Cluster.Context)
		if err != nil {
			return nil, err
		}
		return kubernetes.NewCluster(cs, e.cfg.Cluster.Namespace, e.logger), nil
	}
}

func (e *env) controller(output io.Writer) (*rollout.Controller, error) {
	st, err := e.openStore()
	if err != nil {
		return nil, err
	}
	pub, err := e.publisher(output)
	if err != nil {
		return nil, err
	}
	c, err := e.cluster()
	if err != nil {
		return nil, err
	}

	locker, err := rollout.NewFileLocker(filepath.Join(e.home, "locks"))
	if err != nil {
		return nil, err
	}

	return rollout.NewController(st, pub, cluster.NewReconciler(c, e.clock, e.logger), locker, rollout.Options{
		Policy:  cluster.PolicyFromConfig(e.cfg.Rollout),
		Timeout: config.Seconds(e.cfg.Rollout.Timeout),
		Clock:   e.clock,
		Logger:  e.logger,
	}), nil
}

func remote() bool {
	return serverAddr != ""
}

func (e *env) backend(output io.Writer) (backend, error) {
	if remote() {
		return api.NewClient(nil, serverAddr), nil
	}
	return e.controller(output)
}

func (e *env) reader() (reader, error) {
	if remote() {
		return api.NewClient(nil, serverAddr), nil
	}
	st, err := e.openStore()
	if err != nil {
		return nil, err
	}
	return storeReader{store: st, clock: e.clock, interval: config.Seconds(e.cfg.Rollout.PollInterval)}, nil
}

// storeReader answers read-only commands from the local rollout log
// without touching the cluster.
type storeReader struct {
	store    store.Store
	clock    clockwork.Clock
	interval time.Duration
}

func (r storeReader) GetRolloutStatus(ctx context.Context, id string) (models.RolloutRecord, error) {
	return r.store.Get(ctx, id)
}

func (r storeReader) History(ctx context.Context, workload string) ([]models.RolloutRecord, error) {
	return r.store.List(ctx, workload)
}

func (r storeReader) ListArtifacts(ctx context.Context) ([]models.ArtifactRef, error) {
	return r.store.ListArtifacts(ctx)
}

func (r storeReader) Wait(ctx context.Context, id string) (models.RolloutRecord, error) {
	interval := r.interval
	if interval <= 0 {
		interval = cluster.DefaultPollInterval
	}
	for {
		rec, err := r.store.Get(ctx, id)
		if err != nil || rec.Terminal() {
			return rec, err
		}
		select {
		case <-ctx.Done():
			return rec, ctx.Err()
		case <-r.clock.After(interval):
		}
	}
}
