package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/kingrea/appfactory/internal/artifact"
	"github.com/kingrea/appfactory/internal/boundary"
	"github.com/kingrea/appfactory/internal/failure"
	"github.com/kingrea/appfactory/internal/layout"
	"github.com/kingrea/appfactory/internal/logbook"
	"github.com/kingrea/appfactory/internal/run"
)

// Sequencer executes stages for a run or a single idea pack.
type Sequencer struct {
	layout    *layout.Layout
	repo      *run.Repository
	artifacts *artifact.Store
	enforcer  *boundary.Enforcer
	executor  Executor
	logger    *slog.Logger
	journals  *logbook.Journals
	clock     func() time.Time
	engine    string
}

// Option customizes the sequencer instance.
type Option func(*Sequencer)

// WithClock injects a deterministic clock (primarily for tests).
func WithClock(clock func() time.Time) Option {
	return func(s *Sequencer) {
		if clock != nil {
			s.clock = clock
		}
	}
}

// WithLogger sets the structured logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Sequencer) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithJournals records stage transitions in per-run journals.
func WithJournals(j *logbook.Journals) Option {
	return func(s *Sequencer) {
		s.journals = j
	}
}

// WithEngine sets the engine id passed to the executor.
func WithEngine(engine string) Option {
	return func(s *Sequencer) {
		s.engine = engine
	}
}

// WithArtifactStore shares an artifact store (and its cache) with the caller.
func WithArtifactStore(store *artifact.Store) Option {
	return func(s *Sequencer) {
		if store != nil {
			s.artifacts = store
		}
	}
}

// NewSequencer wires a sequencer to the repository and executor.
func NewSequencer(repo *run.Repository, executor Executor, opts ...Option) (*Sequencer, error) {
	if repo == nil {
		return nil, fmt.Errorf("pipeline: run repository is required")
	}
	if executor == nil {
		return nil, fmt.Errorf("pipeline: stage executor is required")
	}
	s := &Sequencer{
		layout:   repo.Layout(),
		repo:     repo,
		enforcer: boundary.NewEnforcer(repo.Layout()),
		executor: executor,
		logger:   slog.New(slog.DiscardHandler),
		clock:    time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.artifacts == nil {
		store, err := artifact.NewStore(artifact.WithClock(s.now))
		if err != nil {
			return nil, err
		}
		s.artifacts = store
	}
	return s, nil
}

// Artifacts exposes the artifact store used by the sequencer.
func (s *Sequencer) Artifacts() *artifact.Store {
	return s.artifacts
}

func (s *Sequencer) now() time.Time {
	return s.clock().UTC()
}

// interrupted reports whether the caller cancelled ctx. Whatever error the
// cancellation surfaced as, interrupted runs are left in progress so they can
// be resumed.
func interrupted(ctx context.Context) bool {
	return ctx.Err() != nil
}

func (s *Sequencer) checkpoint(ctx context.Context, stage string) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("pipeline: interrupted before stage %s: %w", stage, err)
	}
	return nil
}

// recordFailure writes a failure report, marks the idea (when st is set) and
// the invocation run as failed, and returns err unchanged. Interruptions are
// not recorded.
func (s *Sequencer) recordFailure(ctx context.Context, t *Target, st *run.IdeaStatus, stage string, err error) error {
	if interrupted(ctx) {
		return err
	}
	ideaID := ""
	if st != nil {
		ideaID = st.IdeaID
	}
	err = failure.WithStage(err, stage, ideaID)
	now := s.now()
	report := failure.NewReport(t.Invocation.RunID, err, now)
	if report.Stage == "" {
		report.Stage = stage
	}
	errs := []error{err}
	rec := run.FailureRecord{
		Stage:   report.Stage,
		IdeaID:  report.IdeaID,
		Kind:    report.Kind,
		Message: report.Message,
		At:      now,
	}
	if path, werr := failure.WriteReport(s.layout.FailuresDir(t.Invocation.RunID), report); werr != nil {
		errs = append(errs, werr)
	} else {
		rec.Report = s.layout.MustRel(path)
	}
	if st != nil {
		if st.State != run.IdeaInProgress {
			_ = st.Transition(run.IdeaInProgress, now)
		}
		_ = st.Transition(run.IdeaFailed, now)
		st.Failure = &rec
		if perr := s.persistIdea(t, st); perr != nil {
			errs = append(errs, perr)
		}
	}
	if t.Invocation.Status == run.StatusPending || t.Invocation.Status == run.StatusFailed {
		_ = t.Invocation.Transition(run.StatusInProgress, now)
	}
	if ferr := t.Invocation.Fail(rec, now); ferr != nil {
		errs = append(errs, ferr)
	} else if serr := s.repo.SaveManifest(*t.Invocation); serr != nil {
		errs = append(errs, serr)
	}
	s.logger.Error("stage failed",
		"run", t.Invocation.RunID,
		"stage", rec.Stage,
		"idea", rec.IdeaID,
		"kind", rec.Kind,
		"report", rec.Report,
		"err", err,
	)
	s.journals.For(t.Invocation.RunID).Error("stage %s failed (%s): %s", rec.Stage, rec.Kind, rec.Message)
	if len(errs) == 1 {
		return err
	}
	return errors.Join(errs...)
}

// Fail records err against m the way a failed run-scoped stage is recorded:
// a failure report is written and the run is marked failed. Interruptions are
// returned unchanged.
func (s *Sequencer) Fail(ctx context.Context, m *run.Manifest, stage string, err error) error {
	return s.recordFailure(ctx, &Target{Invocation: m, Owner: m}, nil, stage, err)
}

// persistIdea writes the authoritative status file first, then mirrors it
// into the owning and invoking run manifests.
func (s *Sequencer) persistIdea(t *Target, st *run.IdeaStatus) error {
	now := s.now()
	st.UpdatedAt = now
	if err := s.repo.SaveIdeaStatus(t.Owner.RunID, *st); err != nil {
		return err
	}
	t.Owner.SetIdea(*st)
	t.Owner.UpdatedAt = now
	if err := s.repo.SaveManifest(*t.Owner); err != nil {
		return err
	}
	if t.Invocation.RunID == t.Owner.RunID {
		return nil
	}
	t.Invocation.SetIdea(*st)
	t.Invocation.UpdatedAt = now
	return s.repo.SaveManifest(*t.Invocation)
}

func (s *Sequencer) stageDone(runID, stage, ideaID string, reused bool) {
	verb := "completed"
	if reused {
		verb = "already complete"
	}
	s.logger.Info("stage "+verb, "run", runID, "stage", stage, "idea", ideaID)
	if ideaID != "" {
		s.journals.For(runID).Info("stage %s %s for %s", stage, verb, ideaID)
		return
	}
	s.journals.For(runID).Info("stage %s %s", stage, verb)
}

func (s *Sequencer) rel(path string) string {
	if rel, err := s.layout.Rel(path); err == nil {
		return rel
	}
	return path
}
