package factory

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/kingrea/appfactory/internal/failure"
	"github.com/kingrea/appfactory/internal/identity"
	"github.com/kingrea/appfactory/internal/layout"
	"github.com/kingrea/appfactory/internal/ledger"
	"github.com/kingrea/appfactory/internal/pipeline"
	"github.com/kingrea/appfactory/internal/registry"
	"github.com/kingrea/appfactory/internal/run"
	"github.com/kingrea/appfactory/internal/store"
)

// ResearchRequest starts a research run.
type ResearchRequest struct {
	Intake string
	// Ideas overrides the configured idea count when positive.
	Ideas int
}

// BuildRequest selects the idea pack to build.
type BuildRequest struct {
	// Idea is matched against idea id, directory name, then slug.
	Idea string
	// RunID restricts the lookup to one research run. Empty searches every
	// run, newest first.
	RunID string
}

// Result is the outcome of a mutating entry point.
type Result struct {
	Run   run.Manifest
	Packs []run.IdeaPack
	Build *pipeline.BuildResult
	// Mirror is set when the build was published.
	Mirror *registry.Mirror
	// AlreadyComplete is set when ResumeRun found nothing left to do.
	AlreadyComplete bool
}

// StartRun creates a research run and produces its ranked idea packs.
func (f *Factory) StartRun(ctx context.Context, req ResearchRequest) (*Result, error) {
	var res *Result
	err := f.withLock(string(run.CommandResearch), func() error {
		ideas := req.Ideas
		if ideas <= 0 {
			ideas = f.ideas
		}
		m, err := f.createRun(run.CommandResearch, req.Intake, map[string]any{"intake": strings.TrimSpace(req.Intake), "ideas": ideas}, nil)
		if err != nil {
			return err
		}
		m.IdeaCount = ideas
		res = &Result{}
		err = f.research(ctx, &m, req.Intake, res)
		res.Run = m
		return err
	})
	return res, err
}

// BuildIdea drives one existing idea pack through its stage chain in a new
// build run.
func (f *Factory) BuildIdea(ctx context.Context, req BuildRequest) (*Result, error) {
	var res *Result
	err := f.withLock(string(run.CommandBuild), func() error {
		owner, entry, err := f.resolveIdea(req)
		if err != nil {
			return err
		}
		src := &run.Source{RunID: owner.RunID, IdeaID: entry.IdeaID}
		m, err := f.createRun(run.CommandBuild, "", map[string]any{"run": src.RunID, "idea": src.IdeaID}, src)
		if err != nil {
			return err
		}
		res = &Result{}
		err = f.build(ctx, &m, res)
		res.Run = m
		return err
	})
	return res, err
}

// DreamIdea turns freeform text into a single idea and builds it.
func (f *Factory) DreamIdea(ctx context.Context, text string) (*Result, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil, fmt.Errorf("factory: dream text is required")
	}
	var res *Result
	err := f.withLock(string(run.CommandDream), func() error {
		m, err := f.createRun(run.CommandDream, text, map[string]any{"intake": text}, nil)
		if err != nil {
			return err
		}
		m.IdeaCount = 1
		res = &Result{}
		err = f.dream(ctx, &m, text, res)
		res.Run = m
		return err
	})
	return res, err
}

// ResumeRun continues runID, or the newest unfinished run when runID is
// empty. Stages whose artifacts are already valid are not executed again.
func (f *Factory) ResumeRun(ctx context.Context, runID string) (*Result, error) {
	var res *Result
	err := f.withLock("resume", func() error {
		m, err := f.resumeTarget(runID)
		if err != nil {
			return err
		}
		res = &Result{Run: m}
		if m.Status == run.StatusCompleted {
			res.AlreadyComplete = true
			return nil
		}
		f.journals.For(m.RunID).Info("resuming %s run from %s", m.Command, m.Status)
		f.logger.Info("resuming run", "run", m.RunID, "command", m.Command, "status", m.Status)
		switch m.Command {
		case run.CommandResearch:
			intake, err := f.requiredIntake(m.RunID)
			if err != nil {
				return f.failBeforeStages(ctx, &m, err)
			}
			err = f.research(ctx, &m, intake, res)
			res.Run = m
			return err
		case run.CommandDream:
			intake, err := f.requiredIntake(m.RunID)
			if err != nil {
				return f.failBeforeStages(ctx, &m, err)
			}
			err = f.dream(ctx, &m, intake, res)
			res.Run = m
			return err
		case run.CommandBuild:
			err = f.build(ctx, &m, res)
			res.Run = m
			return err
		default:
			return fmt.Errorf("factory: run %s has unknown command %q", m.RunID, m.Command)
		}
	})
	return res, err
}

func (f *Factory) createRun(cmd run.Command, intake string, inputs map[string]any, src *run.Source) (run.Manifest, error) {
	if _, err := f.sequencer(); err != nil {
		return run.Manifest{}, err
	}
	now := f.now()
	inputs["command"] = string(cmd)
	inputs["engine"] = f.engine
	hash, err := identity.HashInputs(inputs)
	if err != nil {
		return run.Manifest{}, err
	}
	m := run.NewManifest(identity.NewRunID(string(cmd), now), cmd, f.engine, hash, now)
	m.Source = src
	if err := f.repo.CreateManifest(m); err != nil {
		return run.Manifest{}, err
	}
	if intake != "" {
		if err := f.repo.WriteIntake(m.RunID, intake); err != nil {
			return run.Manifest{}, err
		}
	}
	f.journals.For(m.RunID).Info("%s run created (engine %s)", cmd, f.engine)
	f.logger.Info("run created", "run", m.RunID, "command", cmd, "engine", f.engine)
	return m, nil
}

// research runs stage 01 and, for research runs, records the ideas on the
// leaderboard before the run is completed.
func (f *Factory) research(ctx context.Context, m *run.Manifest, intake string, res *Result) error {
	seq, err := f.sequencer()
	if err != nil {
		return err
	}
	ideas := m.IdeaCount
	if ideas <= 0 {
		ideas = f.ideas
	}
	packs, err := seq.RunResearch(ctx, m, pipeline.ResearchOptions{Intake: intake, Ideas: ideas})
	if err != nil {
		return err
	}
	res.Packs = packs
	if err := f.recordLeaderboard(m, packs); err != nil {
		return seq.Fail(ctx, m, pipeline.StageResearch, err)
	}
	return f.complete(m)
}

func (f *Factory) dream(ctx context.Context, m *run.Manifest, intake string, res *Result) error {
	seq, err := f.sequencer()
	if err != nil {
		return err
	}
	packs, err := seq.RunResearch(ctx, m, pipeline.ResearchOptions{Intake: intake, Ideas: 1, Dream: true})
	if err != nil {
		return err
	}
	res.Packs = packs
	t := &pipeline.Target{Invocation: m, Owner: m, Pack: packs[0], Intake: intake}
	return f.chain(ctx, t, registry.Origin{
		Mode:            registry.ModeDream,
		RunID:           m.RunID,
		IdeaID:          packs[0].ID,
		IdeaDir:         packs[0].Dir,
		DreamPromptHash: identity.PromptHash(intake),
	}, res)
}

func (f *Factory) build(ctx context.Context, m *run.Manifest, res *Result) error {
	t, origin, err := f.buildTarget(m, res)
	if err != nil {
		return f.failBeforeStages(ctx, m, err)
	}
	return f.chain(ctx, t, origin, res)
}

// buildTarget loads the owning run, idea pack and intake a build run works
// on. Missing records are validation failures.
func (f *Factory) buildTarget(m *run.Manifest, res *Result) (*pipeline.Target, registry.Origin, error) {
	if m.Source == nil {
		return nil, registry.Origin{}, failure.Validation("", "", f.rel(f.layout.ManifestPath(m.RunID)), "build run has no source idea", nil)
	}
	src := *m.Source
	owner, err := f.repo.LoadManifest(src.RunID)
	if err != nil {
		return nil, registry.Origin{}, f.required(err, src.IdeaID, f.layout.ManifestPath(src.RunID))
	}
	idx, err := f.repo.LoadIdeaIndex(owner.RunID)
	if err != nil {
		return nil, registry.Origin{}, f.required(err, src.IdeaID, f.layout.IdeaIndexPath(owner.RunID))
	}
	entry, ok := idx.Find(src.IdeaID)
	if !ok {
		return nil, registry.Origin{}, failure.Validation("", src.IdeaID, f.rel(f.layout.IdeaIndexPath(owner.RunID)), "idea is not listed in the idea index", nil)
	}
	pack, err := f.repo.LoadIdeaPack(owner.RunID, entry.Dir)
	if err != nil {
		return nil, registry.Origin{}, f.required(err, src.IdeaID, f.layout.IdeaMetaPath(owner.RunID, entry.Dir, layout.FileIdea))
	}
	res.Packs = []run.IdeaPack{pack}
	intake, err := f.requiredIntake(owner.RunID)
	if err != nil {
		return nil, registry.Origin{}, err
	}
	t := &pipeline.Target{Invocation: m, Owner: &owner, Pack: pack, Intake: intake}
	return t, registry.Origin{
		Mode:    registry.ModePipeline,
		RunID:   owner.RunID,
		IdeaID:  pack.ID,
		IdeaDir: pack.Dir,
	}, nil
}

// failBeforeStages records err on m when the run fails before its first
// stage, so the failure is reported like a stage failure.
func (f *Factory) failBeforeStages(ctx context.Context, m *run.Manifest, err error) error {
	seq, serr := f.sequencer()
	if serr != nil {
		return errors.Join(err, serr)
	}
	return seq.Fail(ctx, m, "", err)
}

// requiredIntake returns the intake of runID. Research and dream runs always
// store one.
func (f *Factory) requiredIntake(runID string) (string, error) {
	intake, err := f.repo.ReadIntake(runID)
	if err != nil {
		return "", err
	}
	if strings.TrimSpace(intake) == "" {
		return "", failure.Validation("", "", f.rel(f.layout.IntakePath(runID)), "required record missing", store.ErrNotFound)
	}
	return intake, nil
}

// required classifies a missing record as a validation failure naming path.
func (f *Factory) required(err error, ideaID, path string) error {
	if errors.Is(err, store.ErrNotFound) || errors.Is(err, run.ErrRunNotFound) {
		return failure.Validation("", ideaID, f.rel(path), "required record missing", err)
	}
	return err
}

func (f *Factory) rel(path string) string {
	if rel, err := f.layout.Rel(path); err == nil {
		return rel
	}
	return path
}

// chain runs stages 02..10, registers the build and completes the run.
// Publication problems are recorded on the registry entry and logged; they
// do not fail the run.
func (f *Factory) chain(ctx context.Context, t *pipeline.Target, origin registry.Origin, res *Result) error {
	seq, err := f.sequencer()
	if err != nil {
		return err
	}
	built, err := seq.RunChain(ctx, t)
	if err != nil {
		return err
	}
	res.Build = &built

	entry := registry.Build{
		BuildID:   built.BuildID,
		Name:      t.Pack.Name,
		Slug:      t.Pack.Slug,
		Origin:    origin,
		BuildPath: f.layout.MustRel(built.Path),
		Status:    registry.StatusSuccess,
	}
	idx, err := f.builds.Load()
	if err != nil {
		return seq.Fail(ctx, t.Invocation, pipeline.StageBuild, err)
	}
	if prev, ok := idx.Find(built.BuildID); ok {
		entry.CreatedAt = prev.CreatedAt
		entry.Mirror = prev.Mirror
	}
	if f.publisher != nil && (entry.Mirror == nil || entry.Mirror.Error != "" || !built.Reused) {
		entry.Mirror = f.publish(ctx, t, built)
	}
	if _, err := f.builds.Upsert(entry); err != nil {
		return seq.Fail(ctx, t.Invocation, pipeline.StageBuild, err)
	}
	res.Mirror = entry.Mirror
	return f.complete(t.Invocation)
}

func (f *Factory) publish(ctx context.Context, t *pipeline.Target, built pipeline.BuildResult) *registry.Mirror {
	key := t.Pack.Dir + "/" + built.BuildID
	out, err := f.publisher.Publish(ctx, built.Path, key)
	rec := &registry.Mirror{Bucket: out.Bucket, Prefix: out.Prefix, Objects: out.Objects, PublishedAt: f.now()}
	if err != nil {
		rec.Error = err.Error()
		f.logger.Warn("build mirror failed", "build", built.BuildID, "err", err)
		f.journals.For(t.Invocation.RunID).Warn("mirror of build %s failed: %v", built.BuildID, err)
		return rec
	}
	f.journals.For(t.Invocation.RunID).Info("build %s mirrored to %s/%s", built.BuildID, out.Bucket, out.Prefix)
	return rec
}

// recordLeaderboard appends one entry per idea of a research run and
// rebuilds the global view. A run already on the ledger is not appended
// again, so resuming a research run after this step is harmless.
func (f *Factory) recordLeaderboard(m *run.Manifest, packs []run.IdeaPack) error {
	if m.Command != run.CommandResearch {
		return nil
	}
	recorded, err := f.ledger.HasRun(m.RunID)
	if err != nil {
		return err
	}
	if !recorded {
		runDate, ok := identity.RunTime(m.RunID)
		if !ok {
			runDate = m.CreatedAt
		}
		artifactPath := f.layout.MustRel(f.layout.ResearchPath(m.RunID))
		entries := make([]ledger.Entry, 0, len(packs))
		for _, p := range packs {
			entries = append(entries, ledger.Entry{
				IdeaID:   p.ID,
				RunID:    m.RunID,
				Name:     p.Name,
				Slug:     p.Slug,
				Rank:     p.Rank,
				Score:    p.Score,
				RunDate:  runDate,
				Command:  string(m.Command),
				Artifact: artifactPath,
				IdeaDir:  p.Dir,
				Summary:  p.Summary,
			})
		}
		if err := f.ledger.Append(entries); err != nil {
			return err
		}
	}
	view, err := f.ledger.RebuildGlobalView()
	if err != nil {
		return err
	}
	f.journals.For(m.RunID).Info("leaderboard updated (%d ideas overall)", view.Count)
	return nil
}

func (f *Factory) complete(m *run.Manifest) error {
	if err := m.Transition(run.StatusCompleted, f.now()); err != nil {
		return err
	}
	if err := f.repo.SaveManifest(*m); err != nil {
		return err
	}
	f.journals.For(m.RunID).Info("run completed")
	f.logger.Info("run completed", "run", m.RunID, "command", m.Command)
	return nil
}

// resolveIdea finds the research run and index entry named by req.
func (f *Factory) resolveIdea(req BuildRequest) (run.Manifest, run.IndexEntry, error) {
	query := strings.TrimSpace(req.Idea)
	if query == "" {
		return run.Manifest{}, run.IndexEntry{}, fmt.Errorf("factory: idea is required")
	}
	var runIDs []string
	if req.RunID != "" {
		runIDs = []string{req.RunID}
	} else {
		ids, err := f.repo.ListRunIDs()
		if err != nil {
			return run.Manifest{}, run.IndexEntry{}, err
		}
		for i := len(ids) - 1; i >= 0; i-- {
			runIDs = append(runIDs, ids[i])
		}
	}
	for _, id := range runIDs {
		idx, err := f.repo.LoadIdeaIndex(id)
		if err != nil {
			if errors.Is(err, store.ErrNotFound) {
				continue
			}
			return run.Manifest{}, run.IndexEntry{}, err
		}
		entry, ok := idx.Find(query)
		if !ok {
			continue
		}
		owner, err := f.repo.LoadManifest(id)
		if err != nil {
			return run.Manifest{}, run.IndexEntry{}, err
		}
		if owner.Command == run.CommandBuild {
			continue
		}
		return owner, entry, nil
	}
	if req.RunID != "" {
		return run.Manifest{}, run.IndexEntry{}, failure.Validation("", "", "", fmt.Sprintf("idea %q not found in run %s", query, req.RunID), nil)
	}
	return run.Manifest{}, run.IndexEntry{}, failure.Validation("", "", "", fmt.Sprintf("idea %q not found in any run", query), nil)
}

func (f *Factory) resumeTarget(runID string) (run.Manifest, error) {
	if runID != "" {
		return f.repo.LoadManifest(runID)
	}
	ids, err := f.repo.ListRunIDs()
	if err != nil {
		return run.Manifest{}, err
	}
	for i := len(ids) - 1; i >= 0; i-- {
		m, err := f.repo.LoadManifest(ids[i])
		if err != nil {
			return run.Manifest{}, err
		}
		if m.Status != run.StatusCompleted {
			return m, nil
		}
	}
	return run.Manifest{}, ErrNothingToResume
}
