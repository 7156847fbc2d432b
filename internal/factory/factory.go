// Package factory is the run manager. Every mutating entry point takes the
// repository-wide lock, creates or locates a run, hands the stages to the
// sequencer and settles the run manifest before the lock is released.
package factory

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/kingrea/appfactory/internal/artifact"
	"github.com/kingrea/appfactory/internal/config"
	"github.com/kingrea/appfactory/internal/executor"
	"github.com/kingrea/appfactory/internal/layout"
	"github.com/kingrea/appfactory/internal/ledger"
	"github.com/kingrea/appfactory/internal/lock"
	"github.com/kingrea/appfactory/internal/logbook"
	"github.com/kingrea/appfactory/internal/mirror"
	"github.com/kingrea/appfactory/internal/pipeline"
	"github.com/kingrea/appfactory/internal/registry"
	"github.com/kingrea/appfactory/internal/run"
)

// ErrNothingToResume is returned by ResumeRun when every run is completed.
var ErrNothingToResume = errors.New("factory: no unfinished run to resume")

// Publisher copies a materialized build somewhere else.
type Publisher interface {
	Publish(ctx context.Context, dir, key string) (mirror.Result, error)
}

// Factory wires the pipeline components of one project.
type Factory struct {
	layout    *layout.Layout
	repo      *run.Repository
	locks     *lock.Manager
	seq       *pipeline.Sequencer
	artifacts *artifact.Store
	ledger    *ledger.Ledger
	builds    *registry.Registry
	journals  *logbook.Journals
	publisher Publisher
	logger    *slog.Logger
	clock     func() time.Time
	engine    string
	ideas     int
	lockOpts  []lock.Option
}

// Option customizes the factory instance.
type Option func(*Factory)

// WithClock injects a deterministic clock.
func WithClock(clock func() time.Time) Option {
	return func(f *Factory) {
		if clock != nil {
			f.clock = clock
		}
	}
}

// WithLogger sets the structured logger.
func WithLogger(logger *slog.Logger) Option {
	return func(f *Factory) {
		if logger != nil {
			f.logger = logger
		}
	}
}

// WithEngine sets the engine id recorded on new runs.
func WithEngine(engine string) Option {
	return func(f *Factory) {
		f.engine = engine
	}
}

// WithIdeaCount sets the number of ideas requested from research.
func WithIdeaCount(n int) Option {
	return func(f *Factory) {
		if n > 0 {
			f.ideas = n
		}
	}
}

// WithPublisher mirrors every materialized build through p.
func WithPublisher(p Publisher) Option {
	return func(f *Factory) {
		f.publisher = p
	}
}

// WithLockOptions tunes the repository lock.
func WithLockOptions(opts ...lock.Option) Option {
	return func(f *Factory) {
		f.lockOpts = append(f.lockOpts, opts...)
	}
}

// New creates a factory for the project described by l.
func New(l *layout.Layout, exec pipeline.Executor, opts ...Option) (*Factory, error) {
	if l == nil {
		return nil, fmt.Errorf("factory: layout is required")
	}
	f := &Factory{
		layout: l,
		repo:   run.NewRepository(l),
		logger: slog.New(slog.DiscardHandler),
		clock:  time.Now,
		ideas:  10,
	}
	for _, opt := range opts {
		opt(f)
	}
	f.journals = logbook.NewJournals(l.JournalPath).WithClock(f.now)
	f.locks = lock.New(l.LockPath(), append([]lock.Option{lock.WithClock(f.now)}, f.lockOpts...)...)
	f.ledger = ledger.New(l.LedgerPath(), l.GlobalViewPath())
	f.builds = registry.New(l.BuildIndexPath(), registry.WithClock(f.now))

	store, err := artifact.NewStore(artifact.WithClock(f.now))
	if err != nil {
		return nil, err
	}
	f.artifacts = store
	if exec == nil {
		return f, nil
	}
	seq, err := pipeline.NewSequencer(f.repo, exec,
		pipeline.WithClock(f.now),
		pipeline.WithLogger(f.logger),
		pipeline.WithJournals(f.journals),
		pipeline.WithEngine(f.engine),
		pipeline.WithArtifactStore(store),
	)
	if err != nil {
		return nil, err
	}
	f.seq = seq
	return f, nil
}

// Open builds a factory from the project configuration: the executor comes
// from the executor registry and the mirror, when enabled, from the mirror
// settings.
func Open(cfg *config.Config, logger *slog.Logger, opts ...Option) (*Factory, error) {
	exec, err := executor.DefaultRegistry().Build(executor.Spec{
		Kind:    cfg.Project.Executor.Kind,
		Command: cfg.Project.Executor.Command,
		Timeout: cfg.Project.Executor.Timeout,
		Env:     cfg.ExecutorEnv(),
		Dir:     cfg.ProjectDir,
		Logger:  logger,
	})
	if err != nil {
		return nil, err
	}
	base := []Option{
		WithLogger(logger),
		WithEngine(cfg.Project.Engine),
		WithIdeaCount(cfg.Project.Research.Ideas),
		WithLockOptions(lock.WithStaleAfter(cfg.Project.Lock.StaleAfter)),
	}
	if m := cfg.Project.Mirror; m.Enabled {
		pub, err := mirror.New(mirror.Config{
			Endpoint:  m.Endpoint,
			Region:    m.Region,
			AccessKey: cfg.MirrorAccessKey,
			SecretKey: cfg.MirrorSecretKey,
			Bucket:    m.Bucket,
			Prefix:    m.Prefix,
			UseSSL:    m.UseSSL,
		}, logger)
		if err != nil {
			return nil, err
		}
		base = append(base, WithPublisher(pub))
	}
	return New(cfg.Layout(), exec, append(base, opts...)...)
}

// Layout returns the project path resolver.
func (f *Factory) Layout() *layout.Layout {
	return f.layout
}

// Repository returns the run repository.
func (f *Factory) Repository() *run.Repository {
	return f.repo
}

func (f *Factory) now() time.Time {
	return f.clock().UTC()
}

// withLock runs fn while holding the repository lock. Lock errors match
// failure.ErrLockUnavailable and no run state is touched for them.
func (f *Factory) withLock(command string, fn func() error) (err error) {
	lease, err := f.locks.Acquire("appfactory " + command)
	if err != nil {
		return fmt.Errorf("factory: %s: %w", command, err)
	}
	defer func() {
		if rerr := lease.Release(); rerr != nil {
			f.logger.Warn("lock release failed", "path", f.locks.Path(), "err", rerr)
			if err == nil {
				err = rerr
			}
		}
	}()
	return fn()
}

func (f *Factory) sequencer() (*pipeline.Sequencer, error) {
	if f.seq == nil {
		return nil, fmt.Errorf("factory: no stage executor configured")
	}
	return f.seq, nil
}

// LockHolder returns the current lock marker, or nil when the lock is free.
func (f *Factory) LockHolder() (*lock.Marker, error) {
	return f.locks.Inspect()
}

// CheckLock classifies the current holder without acquiring the lock.
func (f *Factory) CheckLock() error {
	return f.locks.Check()
}

// Unlock removes the lock marker regardless of its owner.
func (f *Factory) Unlock() (*lock.Marker, error) {
	holder, err := f.locks.ForceRelease()
	if err != nil {
		return nil, err
	}
	if holder != nil {
		f.logger.Warn("lock force-released", "owner", holder.Owner, "pid", holder.PID, "host", holder.Host)
	}
	return holder, nil
}
