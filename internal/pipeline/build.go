package pipeline

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/kingrea/appfactory/internal/artifact"
	"github.com/kingrea/appfactory/internal/boundary"
	"github.com/kingrea/appfactory/internal/failure"
	"github.com/kingrea/appfactory/internal/identity"
	"github.com/kingrea/appfactory/internal/run"
	"github.com/kingrea/appfactory/internal/store"
)

// BuildResult describes the materialized build of an idea pack.
type BuildResult struct {
	BuildID string
	// Path is the absolute build directory.
	Path string
	// Reused is set when an identical build already existed.
	Reused   bool
	Manifest artifact.Artifact
}

// BuildIDFor derives the build id of a validated chain.
func BuildIDFor(rec boundary.Record, links []boundary.ChainLink) string {
	sums := make([]string, 0, len(links))
	for _, link := range links {
		sums = append(sums, link.Artifact.Checksum)
	}
	return identity.BuildID(rec.RunID, rec.IdeaID, sums)
}

// materialize runs the terminal build stage. The build is produced in a
// staging directory and renamed into builds/<ideaDir>/<buildId> once its
// manifest is written, so a build directory is either complete or absent.
func (s *Sequencer) materialize(ctx context.Context, t *Target, rec boundary.Record, st *run.IdeaStatus, links []boundary.ChainLink) (BuildResult, error) {
	stage := BuildStage()
	if err := s.checkpoint(ctx, stage.ID); err != nil {
		return BuildResult{}, err
	}
	if err := s.enforcer.CheckChain(rec, links); err != nil {
		return BuildResult{}, s.recordFailure(ctx, t, st, stage.ID, err)
	}
	buildID := BuildIDFor(rec, links)
	final := s.layout.BuildPath(rec.IdeaDir, buildID)
	result := BuildResult{BuildID: buildID, Path: final}

	var (
		art artifact.Artifact
		err error
	)
	if store.DirExists(final) {
		art, err = s.existingBuild(rec, stage, final, buildID)
		if err != nil {
			return BuildResult{}, s.recordFailure(ctx, t, st, stage.ID, err)
		}
		result.Reused = true
	} else {
		art, err = s.freshBuild(ctx, t, rec, stage, final, buildID, links)
		if err != nil {
			return BuildResult{}, s.recordFailure(ctx, t, st, stage.ID, err)
		}
	}
	result.Manifest = art

	st.BuildID = buildID
	st.CompleteStage(stage.ID)
	t.Invocation.CompleteStage(stage.ID)
	if err := st.Transition(run.IdeaCompleted, s.now()); err != nil {
		return BuildResult{}, err
	}
	if err := s.persistIdea(t, st); err != nil {
		return BuildResult{}, s.recordFailure(ctx, t, st, stage.ID, err)
	}
	s.stageDone(t.Invocation.RunID, stage.ID, t.Pack.ID, result.Reused)
	s.logger.Info("build ready", "run", t.Invocation.RunID, "idea", t.Pack.ID, "build", buildID, "path", s.rel(final), "reused", result.Reused)
	return result, nil
}

// existingBuild validates a build directory already in place. It is never
// overwritten, so an invalid one is a hard failure.
func (s *Sequencer) existingBuild(rec boundary.Record, stage Stage, dir, buildID string) (artifact.Artifact, error) {
	path := filepath.Join(dir, stage.FileName())
	art, err := s.artifacts.Read(path, stage.Kind)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return artifact.Artifact{}, failure.Validation(stage.ID, rec.IdeaID, s.rel(path), "build directory exists without a build manifest", nil)
		}
		return artifact.Artifact{}, failure.WithStage(err, stage.ID, rec.IdeaID)
	}
	if err := s.enforcer.CheckArtifact(rec, stage.ID, art); err != nil {
		return artifact.Artifact{}, err
	}
	if art.Metadata.BuildID != buildID {
		return artifact.Artifact{}, failure.Validation(stage.ID, rec.IdeaID, s.rel(path), fmt.Sprintf("build manifest declares build %q", art.Metadata.BuildID), nil)
	}
	return art, nil
}

func (s *Sequencer) freshBuild(ctx context.Context, t *Target, rec boundary.Record, stage Stage, final, buildID string, links []boundary.ChainLink) (artifact.Artifact, error) {
	staging := s.layout.BuildStagingPath(rec.IdeaDir, buildID)
	if err := s.enforcer.CheckWrite(rec, stage.ID, staging); err != nil {
		return artifact.Artifact{}, err
	}
	if err := os.RemoveAll(staging); err != nil {
		return artifact.Artifact{}, failure.Write(s.rel(staging), err)
	}
	if err := store.EnsureDir(staging); err != nil {
		return artifact.Artifact{}, failure.Write(s.rel(staging), err)
	}
	stagedPath := filepath.Join(staging, stage.FileName())
	if _, err := s.produce(ctx, t, rec, stage, stagedPath, links, buildID); err != nil {
		return artifact.Artifact{}, err
	}
	s.artifacts.Forget(stagedPath)
	if err := os.Rename(staging, final); err != nil {
		return artifact.Artifact{}, failure.Write(s.rel(final), err)
	}
	art, err := s.artifacts.Read(filepath.Join(final, stage.FileName()), stage.Kind)
	if err != nil {
		return artifact.Artifact{}, failure.WithStage(err, stage.ID, rec.IdeaID)
	}
	return art, nil
}
