package pipeline

import (
	"context"
	"errors"
	"fmt"

	"github.com/kingrea/appfactory/internal/artifact"
	"github.com/kingrea/appfactory/internal/boundary"
	"github.com/kingrea/appfactory/internal/failure"
	"github.com/kingrea/appfactory/internal/layout"
	"github.com/kingrea/appfactory/internal/run"
	"github.com/kingrea/appfactory/internal/store"
)

// Target selects the idea pack a chain runs for.
type Target struct {
	// Invocation is the run being executed. Its manifest receives completed
	// stages and the failure record.
	Invocation *run.Manifest
	// Owner is the run that created the pack. For dream runs and resumed
	// research runs it is the same manifest as Invocation.
	Owner  *run.Manifest
	Pack   run.IdeaPack
	Intake string
}

// RunChain drives one idea pack through stages 02..09 and materializes its
// build. Stages with a valid artifact on disk are accepted without invoking
// the executor.
func (s *Sequencer) RunChain(ctx context.Context, t *Target) (BuildResult, error) {
	if t == nil || t.Invocation == nil || t.Owner == nil {
		return BuildResult{}, fmt.Errorf("pipeline: chain target requires invocation and owner runs")
	}
	if err := s.start(t.Invocation); err != nil {
		return BuildResult{}, err
	}
	rec, err := s.loadBoundary(t)
	if err != nil {
		return BuildResult{}, s.recordFailure(ctx, t, nil, "", err)
	}
	st, err := s.repo.LoadIdeaStatus(t.Owner.RunID, t.Pack.Dir)
	switch {
	case err == nil:
	case errors.Is(err, store.ErrNotFound):
		st = run.NewIdeaStatus(t.Pack, s.now())
	default:
		return BuildResult{}, s.recordFailure(ctx, t, nil, "", failure.WithStage(err, "", t.Pack.ID))
	}
	if err := st.Transition(run.IdeaInProgress, s.now()); err != nil {
		return BuildResult{}, err
	}
	if err := s.persistIdea(t, &st); err != nil {
		return BuildResult{}, s.recordFailure(ctx, t, &st, "", err)
	}

	stages := ChainStages()
	checks, err := s.scanChain(t, &st, stages)
	if err != nil {
		return BuildResult{}, s.recordFailure(ctx, t, &st, "", err)
	}

	links := make([]boundary.ChainLink, 0, len(stages))
	for i, stage := range stages {
		if err := s.checkpoint(ctx, stage.ID); err != nil {
			return BuildResult{}, err
		}
		var (
			art    artifact.Artifact
			reused bool
		)
		if checks[i].State == artifact.StateReady {
			art = *checks[i].Artifact
			if err := s.enforcer.CheckArtifact(rec, stage.ID, art); err != nil {
				return BuildResult{}, s.recordFailure(ctx, t, &st, stage.ID, err)
			}
			reused = true
		} else {
			path := StagePath(s.layout, t.Owner.RunID, t.Pack.Dir, stage)
			art, err = s.produce(ctx, t, rec, stage, path, links, "")
			if err != nil {
				return BuildResult{}, s.recordFailure(ctx, t, &st, stage.ID, err)
			}
		}
		links = append(links, boundary.ChainLink{Stage: stage.ID, Artifact: art})
		st.CompleteStage(stage.ID)
		t.Invocation.CompleteStage(stage.ID)
		if err := s.persistIdea(t, &st); err != nil {
			return BuildResult{}, s.recordFailure(ctx, t, &st, stage.ID, err)
		}
		s.stageDone(t.Invocation.RunID, stage.ID, t.Pack.ID, reused)
	}
	return s.materialize(ctx, t, rec, &st, links)
}

func (s *Sequencer) loadBoundary(t *Target) (boundary.Record, error) {
	path := s.layout.IdeaMetaPath(t.Owner.RunID, t.Pack.Dir, layout.FileBoundary)
	rec, err := s.repo.LoadBoundary(t.Owner.RunID, t.Pack.Dir)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return boundary.Record{}, failure.Validation("", t.Pack.ID, s.rel(path), "boundary record missing", nil)
		}
		return boundary.Record{}, failure.WithStage(err, "", t.Pack.ID)
	}
	if err := rec.Validate(); err != nil {
		return boundary.Record{}, failure.Validation("", t.Pack.ID, s.rel(path), "invalid boundary record", err)
	}
	switch {
	case rec.RunID != t.Owner.RunID:
		return boundary.Record{}, failure.Boundary("", t.Pack.ID, s.rel(path), "run_id", t.Owner.RunID, rec.RunID)
	case rec.IdeaID != t.Pack.ID:
		return boundary.Record{}, failure.Boundary("", t.Pack.ID, s.rel(path), "idea_id", t.Pack.ID, rec.IdeaID)
	case rec.IdeaDir != t.Pack.Dir:
		return boundary.Record{}, failure.Boundary("", t.Pack.ID, s.rel(path), "idea_dir", t.Pack.Dir, rec.IdeaDir)
	}
	return rec, nil
}

// scanChain inspects every chain artifact before anything executes. Stages
// recorded as complete must still be on disk, no artifact may exist after a
// gap, and unreadable artifacts stop the chain.
func (s *Sequencer) scanChain(t *Target, st *run.IdeaStatus, stages []Stage) ([]artifact.CheckResult, error) {
	checks := make([]artifact.CheckResult, len(stages))
	var missing []string
	for i, stage := range stages {
		path := StagePath(s.layout, t.Owner.RunID, t.Pack.Dir, stage)
		checks[i] = s.artifacts.Check(path, stage.Kind)
		switch checks[i].State {
		case artifact.StateReady:
		case artifact.StateMissing:
			if st.HasStage(stage.ID) {
				st.AddMissing(s.rel(path))
				missing = append(missing, stage.ID)
			}
		default:
			return nil, failure.WithStage(checks[i].Err, stage.ID, t.Pack.ID)
		}
	}
	if len(missing) > 0 {
		first := StagePath(s.layout, t.Owner.RunID, t.Pack.Dir, mustLookup(missing[0]))
		return nil, failure.Validation(missing[0], t.Pack.ID, s.rel(first), fmt.Sprintf("stages %v recorded complete but missing", missing), nil)
	}
	gap := -1
	for i, c := range checks {
		if c.State == artifact.StateMissing && gap < 0 {
			gap = i
			continue
		}
		if c.State == artifact.StateReady && gap >= 0 {
			return nil, failure.Validation(stages[i].ID, t.Pack.ID, s.rel(c.Path),
				fmt.Sprintf("stage %s exists but earlier stage %s is missing", stages[i].ID, stages[gap].ID), nil)
		}
	}
	return checks, nil
}

// produce executes stage and writes its artifact to path after the declared
// provenance passes the boundary checks. Nothing is written on a violation.
func (s *Sequencer) produce(ctx context.Context, t *Target, rec boundary.Record, stage Stage, path string, prior []boundary.ChainLink, buildID string) (artifact.Artifact, error) {
	if err := s.enforcer.CheckWrite(rec, stage.ID, path); err != nil {
		return artifact.Artifact{}, err
	}
	inputs, err := s.gatherInputs(t, prior)
	if err != nil {
		return artifact.Artifact{}, err
	}
	req := Request{
		Stage:     stage.ID,
		StageName: stage.Name,
		Kind:      stage.Kind,
		Command:   t.Invocation.Command,
		Engine:    s.engineFor(t.Invocation),
		RunID:     t.Owner.RunID,
		IdeaID:    t.Pack.ID,
		IdeaDir:   t.Pack.Dir,
		Scope: ScopePaths{
			Root:     ".",
			RunDir:   s.rel(s.layout.RunPath(t.Owner.RunID)),
			IdeaPack: s.rel(s.layout.IdeaPackPath(t.Owner.RunID, t.Pack.Dir)),
		},
		Inputs:    inputs,
		Intake:    t.Intake,
		IdeaCount: t.Owner.IdeaCount,
	}
	if buildID != "" {
		req.Scope.BuildDir = s.rel(s.layout.BuildStagingPath(t.Pack.Dir, buildID))
	}
	s.logger.Info("executing stage", "run", t.Invocation.RunID, "stage", stage.ID, "idea", t.Pack.ID)
	out, err := s.executor.Execute(ctx, req)
	if err != nil {
		return artifact.Artifact{}, executorFailure(ctx, stage.ID, t.Pack.ID, err)
	}
	p := declaredProvenance(out, req)
	if err := s.enforcer.CheckProvenance(rec, stage.ID, path, p); err != nil {
		return artifact.Artifact{}, err
	}
	return s.artifacts.Write(path, stage.Kind, out.Body, artifact.Metadata{
		Stage:   stage.ID,
		RunID:   p.RunID,
		IdeaID:  p.IdeaID,
		IdeaDir: p.IdeaDir,
		Inputs:  p.Inputs,
		BuildID: buildID,
	})
}

type inputSource struct {
	stage string
	path  string
}

// gatherInputs collects the pack identity, the shared research outputs and
// every earlier chain artifact.
func (s *Sequencer) gatherInputs(t *Target, prior []boundary.ChainLink) ([]Input, error) {
	sources := []inputSource{
		{"idea", s.layout.IdeaMetaPath(t.Owner.RunID, t.Pack.Dir, layout.FileIdea)},
		{StageResearch, s.layout.ResearchPath(t.Owner.RunID)},
		{"index", s.layout.IdeaIndexPath(t.Owner.RunID)},
	}
	for _, link := range prior {
		sources = append(sources, inputSource{link.Stage, link.Artifact.Path})
	}
	inputs := make([]Input, 0, len(sources))
	for _, src := range sources {
		data, err := store.ReadFile(src.path)
		if err != nil {
			if errors.Is(err, store.ErrNotFound) {
				return nil, failure.Validation("", t.Pack.ID, s.rel(src.path), "required input missing", nil)
			}
			return nil, err
		}
		inputs = append(inputs, Input{Stage: src.stage, Path: s.rel(src.path), Content: string(data)})
	}
	return inputs, nil
}

func mustLookup(id string) Stage {
	stage, ok := Lookup(id)
	if !ok {
		panic("pipeline: unknown stage " + id)
	}
	return stage
}
