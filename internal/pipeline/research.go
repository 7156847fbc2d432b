package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/kingrea/appfactory/internal/artifact"
	"github.com/kingrea/appfactory/internal/boundary"
	"github.com/kingrea/appfactory/internal/failure"
	"github.com/kingrea/appfactory/internal/identity"
	"github.com/kingrea/appfactory/internal/layout"
	"github.com/kingrea/appfactory/internal/run"
	"github.com/kingrea/appfactory/internal/store"
)

// ResearchOptions configure the research stage.
type ResearchOptions struct {
	Intake string
	Ideas  int
	// Dream expects exactly one idea and names it after the intake text.
	Dream bool
}

// ResearchIdea is one candidate listed in the research artifact. Unknown
// fields are preserved in the artifact but ignored here.
type ResearchIdea struct {
	ID      string   `json:"id,omitempty"`
	Name    string   `json:"name"`
	Score   *float64 `json:"score,omitempty"`
	Summary string   `json:"summary,omitempty"`
}

type researchBody struct {
	Ideas []ResearchIdea `json:"ideas"`
}

// ParseResearch extracts the ranked idea list from a research artifact body.
func ParseResearch(body []byte, dream bool) ([]ResearchIdea, error) {
	var parsed researchBody
	if err := json.Unmarshal(body, &parsed); err != nil {
		return nil, fmt.Errorf("research: decode ideas: %w", err)
	}
	if len(parsed.Ideas) == 0 {
		return nil, fmt.Errorf("research: no ideas listed")
	}
	if dream && len(parsed.Ideas) != 1 {
		return nil, fmt.Errorf("research: dream expects exactly one idea, got %d", len(parsed.Ideas))
	}
	seen := map[string]int{}
	for i, idea := range parsed.Ideas {
		if strings.TrimSpace(idea.Name) == "" {
			return nil, fmt.Errorf("research: idea %d has no name", i+1)
		}
		id := strings.TrimSpace(idea.ID)
		if id == "" {
			continue
		}
		if err := layout.CheckID(id); err != nil {
			return nil, fmt.Errorf("research: idea %d: %w", i+1, err)
		}
		if prev, ok := seen[id]; ok {
			return nil, fmt.Errorf("research: ideas %d and %d share id %q", prev, i+1, id)
		}
		seen[id] = i + 1
		parsed.Ideas[i].ID = id
	}
	return parsed.Ideas, nil
}

// RunResearch executes stage 01 for m and creates one idea pack per listed
// idea. A valid research artifact already on disk is reused without invoking
// the executor, and existing packs are kept as they are.
func (s *Sequencer) RunResearch(ctx context.Context, m *run.Manifest, opts ResearchOptions) ([]run.IdeaPack, error) {
	stage := ResearchStage()
	t := &Target{Invocation: m, Owner: m, Intake: opts.Intake}
	if err := s.start(m); err != nil {
		return nil, err
	}
	if err := s.checkpoint(ctx, stage.ID); err != nil {
		return nil, err
	}
	path := s.layout.ResearchPath(m.RunID)
	res := s.artifacts.Check(path, stage.Kind)
	var (
		art    artifact.Artifact
		reused bool
	)
	switch res.State {
	case artifact.StateReady:
		art = *res.Artifact
		if err := s.checkRunArtifact(m.RunID, stage.ID, art); err != nil {
			return nil, s.recordFailure(ctx, t, nil, stage.ID, err)
		}
		reused = true
	case artifact.StateMissing:
		if m.HasStage(stage.ID) {
			err := failure.Validation(stage.ID, "", s.rel(path), "research listed as complete but its artifact is missing", nil)
			return nil, s.recordFailure(ctx, t, nil, stage.ID, err)
		}
		produced, err := s.produceResearch(ctx, m, stage, path, opts)
		if err != nil {
			return nil, s.recordFailure(ctx, t, nil, stage.ID, err)
		}
		art = produced
	default:
		return nil, s.recordFailure(ctx, t, nil, stage.ID, failure.WithStage(res.Err, stage.ID, ""))
	}

	ideas, err := ParseResearch(art.Body, opts.Dream)
	if err != nil {
		return nil, s.recordFailure(ctx, t, nil, stage.ID, failure.Validation(stage.ID, "", s.rel(path), "invalid research artifact", err))
	}
	packs, err := s.createPacks(m, ideas, opts)
	if err != nil {
		return nil, s.recordFailure(ctx, t, nil, stage.ID, err)
	}
	if err := s.repo.SaveIdeaIndex(run.NewIdeaIndex(m.RunID, packs)); err != nil {
		return nil, s.recordFailure(ctx, t, nil, stage.ID, err)
	}
	m.IdeaCount = len(packs)
	m.CompleteStage(stage.ID)
	m.UpdatedAt = s.now()
	if err := s.repo.SaveManifest(*m); err != nil {
		return nil, s.recordFailure(ctx, t, nil, stage.ID, err)
	}
	s.stageDone(m.RunID, stage.ID, "", reused)
	return packs, nil
}

func (s *Sequencer) produceResearch(ctx context.Context, m *run.Manifest, stage Stage, path string, opts ResearchOptions) (artifact.Artifact, error) {
	req := Request{
		Stage:     stage.ID,
		StageName: stage.Name,
		Kind:      stage.Kind,
		Command:   m.Command,
		Engine:    s.engineFor(m),
		RunID:     m.RunID,
		Scope: ScopePaths{
			Root:   ".",
			RunDir: s.rel(s.layout.RunPath(m.RunID)),
		},
		Inputs: []Input{{
			Stage:   "intake",
			Path:    s.rel(s.layout.IntakePath(m.RunID)),
			Content: opts.Intake,
		}},
		Intake:    opts.Intake,
		IdeaCount: opts.Ideas,
	}
	s.logger.Info("executing stage", "run", m.RunID, "stage", stage.ID)
	out, err := s.executor.Execute(ctx, req)
	if err != nil {
		return artifact.Artifact{}, executorFailure(ctx, stage.ID, "", err)
	}
	p := declaredProvenance(out, req)
	if err := s.enforcer.CheckRunArtifact(m.RunID, stage.ID, path, p); err != nil {
		return artifact.Artifact{}, err
	}
	if _, err := ParseResearch(out.Body, opts.Dream); err != nil {
		return artifact.Artifact{}, failure.Validation(stage.ID, "", s.rel(path), "invalid research output", err)
	}
	return s.artifacts.Write(path, stage.Kind, out.Body, artifact.Metadata{
		Stage:  stage.ID,
		RunID:  p.RunID,
		Inputs: p.Inputs,
	})
}

func (s *Sequencer) checkRunArtifact(runID, stage string, art artifact.Artifact) error {
	if art.Metadata.Stage != stage {
		return failure.Validation(stage, "", s.rel(art.Path), fmt.Sprintf("artifact declares stage %q", art.Metadata.Stage), nil)
	}
	return s.enforcer.CheckRunArtifact(runID, stage, art.Path, boundary.FromMetadata(art.Metadata))
}

// createPacks materializes the idea packs listed by research. Identity files
// that already exist must agree with the research artifact; they are never
// rewritten.
func (s *Sequencer) createPacks(m *run.Manifest, ideas []ResearchIdea, opts ResearchOptions) ([]run.IdeaPack, error) {
	now := s.now()
	packs := make([]run.IdeaPack, 0, len(ideas))
	seen := map[string]bool{}
	for i, idea := range ideas {
		rank := i + 1
		id := idea.ID
		switch {
		case opts.Dream:
			id = identity.DreamIdeaID(opts.Intake)
		case id == "":
			id = identity.DerivedIdeaID(m.RunID, rank, idea.Name)
		}
		if seen[id] {
			return nil, failure.Validation(StageResearch, id, s.rel(s.layout.ResearchPath(m.RunID)), "duplicate idea id", nil)
		}
		seen[id] = true
		pack := run.NewIdeaPack(m.RunID, id, idea.Name, rank, now)
		if err := layout.CheckID(pack.Dir); err != nil {
			return nil, failure.Validation(StageResearch, "", s.rel(s.layout.ResearchPath(m.RunID)), "unusable idea id", err)
		}
		pack.Score = idea.Score
		pack.Summary = strings.TrimSpace(idea.Summary)

		existing, err := s.repo.LoadIdeaPack(m.RunID, pack.Dir)
		switch {
		case err == nil:
			if existing.ID != pack.ID || existing.Dir != pack.Dir || existing.RunID != pack.RunID {
				path := s.layout.IdeaMetaPath(m.RunID, pack.Dir, layout.FileIdea)
				return nil, failure.Boundary(StageResearch, id, s.rel(path), "idea", pack.ID, existing.ID)
			}
			pack = existing
		case errors.Is(err, store.ErrNotFound):
			if err := s.repo.SaveIdeaPack(pack); err != nil {
				return nil, err
			}
		default:
			return nil, err
		}

		if _, err := s.repo.LoadBoundary(m.RunID, pack.Dir); err != nil {
			if !errors.Is(err, store.ErrNotFound) {
				return nil, err
			}
			rec, err := boundary.NewRecord(s.layout, m.RunID, pack.ID, pack.Dir, now)
			if err != nil {
				return nil, failure.Validation(StageResearch, id, s.rel(s.layout.ResearchPath(m.RunID)), "idea pack escapes its run", err)
			}
			if err := s.repo.SaveBoundary(rec); err != nil {
				return nil, err
			}
		}

		st, err := s.repo.LoadIdeaStatus(m.RunID, pack.Dir)
		if err != nil {
			if !errors.Is(err, store.ErrNotFound) {
				return nil, err
			}
			st = run.NewIdeaStatus(pack, now)
			if err := s.repo.SaveIdeaStatus(m.RunID, st); err != nil {
				return nil, err
			}
		}
		m.SetIdea(st)
		packs = append(packs, pack)
	}
	return packs, nil
}

// start moves the invoking run into progress.
func (s *Sequencer) start(m *run.Manifest) error {
	if m.Status == run.StatusInProgress {
		return nil
	}
	if err := m.Transition(run.StatusInProgress, s.now()); err != nil {
		return err
	}
	return s.repo.SaveManifest(*m)
}

func (s *Sequencer) engineFor(m *run.Manifest) string {
	if m.Engine != "" {
		return m.Engine
	}
	return s.engine
}

// executorFailure classifies an executor error. Interruptions and errors the
// executor already classified pass through unchanged.
func executorFailure(ctx context.Context, stage, ideaID string, err error) error {
	if interrupted(ctx) {
		return err
	}
	if _, ok := failure.KindOf(err); ok {
		return failure.WithStage(err, stage, ideaID)
	}
	return failure.Executor(stage, ideaID, err)
}

// declaredProvenance returns the executor's provenance, defaulting the input
// list to the inputs it was handed.
func declaredProvenance(out Output, req Request) boundary.Provenance {
	p := out.Provenance
	if len(p.Inputs) == 0 {
		p.Inputs = req.InputPaths()
	} else {
		p.Inputs = append([]string{}, p.Inputs...)
	}
	return p
}
