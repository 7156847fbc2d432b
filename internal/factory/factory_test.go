package factory

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kingrea/appfactory/internal/artifact"
	"github.com/kingrea/appfactory/internal/boundary"
	"github.com/kingrea/appfactory/internal/failure"
	"github.com/kingrea/appfactory/internal/identity"
	"github.com/kingrea/appfactory/internal/layout"
	"github.com/kingrea/appfactory/internal/lock"
	"github.com/kingrea/appfactory/internal/mirror"
	"github.com/kingrea/appfactory/internal/pipeline"
	"github.com/kingrea/appfactory/internal/registry"
	"github.com/kingrea/appfactory/internal/run"
	"github.com/kingrea/appfactory/internal/store"
)

// tickingClock advances one second per call so every run gets its own
// timestamp.
func tickingClock() func() time.Time {
	var mu sync.Mutex
	now := time.Date(2026, 6, 1, 8, 0, 0, 0, time.UTC)
	return func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		now = now.Add(time.Second)
		return now
	}
}

type stubExecutor struct {
	root  string
	ideas []pipeline.ResearchIdea

	mu     sync.Mutex
	calls  []string
	failAt string
}

func (e *stubExecutor) Execute(ctx context.Context, req pipeline.Request) (pipeline.Output, error) {
	e.mu.Lock()
	e.calls = append(e.calls, req.Stage)
	failAt := e.failAt
	e.mu.Unlock()
	if req.Stage == failAt {
		return pipeline.Output{}, errors.New("model overloaded")
	}
	var body []byte
	switch {
	case req.Stage == pipeline.StageResearch:
		body, _ = json.Marshal(map[string]any{"ideas": e.ideas})
	case req.Kind == artifact.KindDocument:
		body = []byte("# Release\n\nShip it.\n")
	default:
		body, _ = json.Marshal(map[string]any{"stage": req.StageName, "idea": req.IdeaID})
	}
	if req.Scope.BuildDir != "" {
		dir := filepath.Join(e.root, filepath.FromSlash(req.Scope.BuildDir))
		if err := os.WriteFile(filepath.Join(dir, "App.tsx"), []byte("export default App;\n"), 0o644); err != nil {
			return pipeline.Output{}, err
		}
	}
	return pipeline.Output{
		Body: body,
		Provenance: boundary.Provenance{
			RunID:   req.RunID,
			IdeaID:  req.IdeaID,
			IdeaDir: req.IdeaDir,
			Inputs:  req.InputPaths(),
		},
	}, nil
}

func (e *stubExecutor) take() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	calls := e.calls
	e.calls = nil
	return calls
}

type fakePublisher struct {
	err  error
	keys []string
}

func (p *fakePublisher) Publish(ctx context.Context, dir, key string) (mirror.Result, error) {
	p.keys = append(p.keys, key)
	if p.err != nil {
		return mirror.Result{Bucket: "factory"}, p.err
	}
	return mirror.Result{Bucket: "factory", Prefix: "builds/" + key, Objects: 2}, nil
}

func score(v float64) *float64 { return &v }

func newFactory(t *testing.T, ideas []pipeline.ResearchIdea, opts ...Option) (*Factory, *stubExecutor) {
	t.Helper()
	root := t.TempDir()
	exec := &stubExecutor{root: root, ideas: ideas}
	opts = append([]Option{WithClock(tickingClock()), WithEngine("test-engine"), WithIdeaCount(len(ideas))}, opts...)
	f, err := New(layout.New(root, layout.Dirs{}), exec, opts...)
	require.NoError(t, err)
	return f, exec
}

func threeIdeas() []pipeline.ResearchIdea {
	return []pipeline.ResearchIdea{
		{Name: "Sleep Sounds", Score: score(8.5)},
		{ID: "habit-7", Name: "Habit Loop", Score: score(9.1)},
		{Name: "Focus Timer"},
	}
}

func TestFreshResearchRun(t *testing.T) {
	f, exec := newFactory(t, threeIdeas())

	res, err := f.StartRun(context.Background(), ResearchRequest{Intake: "apps for tired parents"})
	require.NoError(t, err)
	assert.Equal(t, []string{"01"}, exec.take())
	assert.Equal(t, run.StatusCompleted, res.Run.Status)
	require.Len(t, res.Packs, 3)

	idx, err := f.Repository().LoadIdeaIndex(res.Run.RunID)
	require.NoError(t, err)
	require.Len(t, idx.Ideas, 3)
	for i, entry := range idx.Ideas {
		pack := res.Packs[i]
		assert.Equal(t, i+1, entry.Rank)
		assert.Equal(t, layout.IdeaDirName(i+1, pack.Name, pack.ID), entry.Dir)
		assert.DirExists(t, f.Layout().IdeaPackPath(res.Run.RunID, entry.Dir))
	}
	assert.Equal(t, "habit-7", res.Packs[1].ID)

	entries, err := f.ledger.Entries()
	require.NoError(t, err)
	require.Len(t, entries, 3)
	keys := map[string]bool{}
	for _, e := range entries {
		assert.Equal(t, res.Run.RunID, e.RunID)
		keys[e.IdeaID] = true
	}
	assert.Len(t, keys, 3)

	top, err := f.Leaderboard(2)
	require.NoError(t, err)
	require.Len(t, top, 2)
	assert.Equal(t, "habit-7", top[0].IdeaID)
	assert.Equal(t, 1, top[0].Position)
	assert.FileExists(t, f.Layout().GlobalViewPath())

	saved, err := f.Repository().LoadManifest(res.Run.RunID)
	require.NoError(t, err)
	assert.Equal(t, []string{"01"}, saved.CompletedStages)
	assert.Equal(t, 3, saved.IdeaCount)
}

func TestInterruptedBuildResumes(t *testing.T) {
	f, exec := newFactory(t, threeIdeas())
	research, err := f.StartRun(context.Background(), ResearchRequest{Intake: "apps"})
	require.NoError(t, err)
	exec.take()

	exec.failAt = "06"
	failed, err := f.BuildIdea(context.Background(), BuildRequest{Idea: "sleep sounds"})
	require.Error(t, err)
	assert.ErrorIs(t, err, failure.ErrExecutor)
	assert.Equal(t, []string{"02", "03", "04", "05", "06"}, exec.take())
	require.NotNil(t, failed)
	assert.Equal(t, run.StatusFailed, failed.Run.Status)
	require.NotNil(t, failed.Run.Failure)
	assert.Equal(t, "06", failed.Run.Failure.Stage)

	pack := research.Packs[0]
	before := map[string][]byte{}
	for _, id := range []string{"02", "03", "04", "05"} {
		stage, ok := pipeline.Lookup(id)
		require.True(t, ok)
		data, err := os.ReadFile(pipeline.StagePath(f.Layout(), research.Run.RunID, pack.Dir, stage))
		require.NoError(t, err)
		before[id] = data
	}
	stage06, _ := pipeline.Lookup("06")
	assert.NoFileExists(t, pipeline.StagePath(f.Layout(), research.Run.RunID, pack.Dir, stage06))

	exec.failAt = ""
	resumed, err := f.ResumeRun(context.Background(), "")
	require.NoError(t, err)
	assert.Equal(t, failed.Run.RunID, resumed.Run.RunID)
	assert.Equal(t, []string{"06", "07", "08", "09", "10"}, exec.take())
	assert.Equal(t, run.StatusCompleted, resumed.Run.Status)
	require.NotNil(t, resumed.Build)

	for id, data := range before {
		stage, _ := pipeline.Lookup(id)
		after, err := os.ReadFile(pipeline.StagePath(f.Layout(), research.Run.RunID, pack.Dir, stage))
		require.NoError(t, err)
		assert.Equal(t, data, after, "stage %s was rewritten", id)
	}

	idx, err := f.Builds()
	require.NoError(t, err)
	require.Len(t, idx.Builds, 1)
	b := idx.Builds[0]
	assert.Equal(t, resumed.Build.BuildID, b.BuildID)
	assert.Equal(t, registry.ModePipeline, b.Origin.Mode)
	assert.Equal(t, research.Run.RunID, b.Origin.RunID)
	assert.DirExists(t, f.Layout().Abs(b.BuildPath))

	problems, err := f.ValidateBuilds()
	require.NoError(t, err)
	assert.Empty(t, problems)

	_, err = f.ResumeRun(context.Background(), "")
	assert.ErrorIs(t, err, ErrNothingToResume)
}

func TestRebuildReusesBuild(t *testing.T) {
	pub := &fakePublisher{}
	f, exec := newFactory(t, threeIdeas(), WithPublisher(pub))
	research, err := f.StartRun(context.Background(), ResearchRequest{Intake: "apps"})
	require.NoError(t, err)
	exec.take()

	first, err := f.BuildIdea(context.Background(), BuildRequest{Idea: "habit-7", RunID: research.Run.RunID})
	require.NoError(t, err)
	second, err := f.BuildIdea(context.Background(), BuildRequest{Idea: "habit-7"})
	require.NoError(t, err)

	assert.NotEqual(t, first.Run.RunID, second.Run.RunID)
	assert.Equal(t, first.Build.BuildID, second.Build.BuildID)
	assert.True(t, second.Build.Reused)
	assert.Equal(t, []string{research.Packs[1].Dir + "/" + first.Build.BuildID}, pub.keys)
	require.NotNil(t, second.Mirror)
	assert.Equal(t, 2, second.Mirror.Objects)

	entries, err := f.ledger.Entries()
	require.NoError(t, err)
	assert.Len(t, entries, 3, "builds must not touch the leaderboard")
}

func TestMirrorFailureDoesNotFailBuild(t *testing.T) {
	pub := &fakePublisher{err: errors.New("access denied")}
	f, _ := newFactory(t, threeIdeas(), WithPublisher(pub))
	_, err := f.StartRun(context.Background(), ResearchRequest{Intake: "apps"})
	require.NoError(t, err)

	res, err := f.BuildIdea(context.Background(), BuildRequest{Idea: "focus_timer"})
	require.NoError(t, err)
	assert.Equal(t, run.StatusCompleted, res.Run.Status)
	require.NotNil(t, res.Mirror)
	assert.Equal(t, "access denied", res.Mirror.Error)
}

func TestDreamBuildsWithoutLeaderboard(t *testing.T) {
	f, exec := newFactory(t, []pipeline.ResearchIdea{{Name: "Calm Night"}})
	text := "an app that reads bedtime stories"

	res, err := f.DreamIdea(context.Background(), text)
	require.NoError(t, err)
	assert.Equal(t, []string{"01", "02", "03", "04", "05", "06", "07", "08", "09", "10"}, exec.take())
	require.Len(t, res.Packs, 1)
	assert.Equal(t, identity.DreamIdeaID(text), res.Packs[0].ID)

	idx, err := f.Builds()
	require.NoError(t, err)
	require.Len(t, idx.Builds, 1)
	assert.Equal(t, registry.ModeDream, idx.Builds[0].Origin.Mode)
	assert.Equal(t, identity.PromptHash(text), idx.Builds[0].Origin.DreamPromptHash)

	entries, err := f.ledger.Entries()
	require.NoError(t, err)
	assert.Empty(t, entries)

	_, err = f.DreamIdea(context.Background(), "  ")
	require.Error(t, err)
}

func TestLockHeldRejectsEntryPoints(t *testing.T) {
	f, exec := newFactory(t, threeIdeas())
	held := time.Date(2026, 6, 1, 8, 0, 0, 0, time.UTC)
	lease, err := lock.New(f.Layout().LockPath(), lock.WithClock(func() time.Time { return held })).Acquire("someone else")
	require.NoError(t, err)

	_, err = f.StartRun(context.Background(), ResearchRequest{Intake: "apps"})
	require.ErrorIs(t, err, failure.ErrLockUnavailable)
	assert.Empty(t, exec.take())
	assert.NoDirExists(t, f.Layout().RunsDir())

	holder, err := f.LockHolder()
	require.NoError(t, err)
	require.NotNil(t, holder)
	assert.Equal(t, "someone else", holder.Owner)

	forced, err := f.Unlock()
	require.NoError(t, err)
	assert.Equal(t, lease.Marker().Token, forced.Token)

	_, err = f.StartRun(context.Background(), ResearchRequest{Intake: "apps"})
	require.NoError(t, err)
	assert.NoFileExists(t, f.Layout().LockPath())
}

func TestBuildUnknownIdea(t *testing.T) {
	f, exec := newFactory(t, threeIdeas())
	_, err := f.StartRun(context.Background(), ResearchRequest{Intake: "apps"})
	require.NoError(t, err)
	exec.take()

	_, err = f.BuildIdea(context.Background(), BuildRequest{Idea: "teleporter"})
	require.ErrorIs(t, err, failure.ErrArtifactValidation)
	assert.Empty(t, exec.take())

	runs, err := f.ListRuns()
	require.NoError(t, err)
	assert.Len(t, runs, 1, "no build run is created for an unknown idea")
}

func TestBuildWithMissingIdeaPackFailsDurably(t *testing.T) {
	f, exec := newFactory(t, threeIdeas())
	research, err := f.StartRun(context.Background(), ResearchRequest{Intake: "apps"})
	require.NoError(t, err)
	exec.take()
	pack := research.Packs[1]
	ideaFile := f.Layout().IdeaMetaPath(research.Run.RunID, pack.Dir, layout.FileIdea)
	require.NoError(t, os.Remove(ideaFile))

	res, err := f.BuildIdea(context.Background(), BuildRequest{Idea: "habit-7"})
	require.ErrorIs(t, err, failure.ErrArtifactValidation)
	require.NotNil(t, res)
	assert.Empty(t, exec.take())

	stored, err := f.Repository().LoadManifest(res.Run.RunID)
	require.NoError(t, err)
	assert.Equal(t, run.StatusFailed, stored.Status)
	require.NotNil(t, stored.Failure)
	assert.Equal(t, failure.KindArtifactValidation, stored.Failure.Kind)

	reports, err := failure.ListReports(f.Layout().FailuresDir(res.Run.RunID))
	require.NoError(t, err)
	require.Len(t, reports, 1)
	assert.Equal(t, f.Layout().MustRel(ideaFile), reports[0].Path)

	_, err = f.ResumeRun(context.Background(), "")
	require.ErrorIs(t, err, failure.ErrArtifactValidation)
	reports, err = failure.ListReports(f.Layout().FailuresDir(res.Run.RunID))
	require.NoError(t, err)
	assert.Len(t, reports, 2)
}

func TestResumeWithMissingIntakeFailsDurably(t *testing.T) {
	f, exec := newFactory(t, threeIdeas())
	exec.failAt = pipeline.StageResearch
	res, err := f.StartRun(context.Background(), ResearchRequest{Intake: "apps"})
	require.ErrorIs(t, err, failure.ErrExecutor)
	exec.failAt = ""
	require.NoError(t, os.Remove(f.Layout().IntakePath(res.Run.RunID)))

	_, err = f.ResumeRun(context.Background(), res.Run.RunID)
	require.ErrorIs(t, err, failure.ErrArtifactValidation)
	assert.Equal(t, []string{pipeline.StageResearch}, exec.take())

	stored, err := f.Repository().LoadManifest(res.Run.RunID)
	require.NoError(t, err)
	assert.Equal(t, run.StatusFailed, stored.Status)
	assert.Equal(t, failure.KindArtifactValidation, stored.Failure.Kind)
	reports, err := failure.ListReports(f.Layout().FailuresDir(res.Run.RunID))
	require.NoError(t, err)
	assert.Len(t, reports, 2)
}

func TestUnsafeRunIDsAreRejected(t *testing.T) {
	f, exec := newFactory(t, threeIdeas())
	_, err := f.StartRun(context.Background(), ResearchRequest{Intake: "apps"})
	require.NoError(t, err)
	exec.take()

	_, err = f.ResumeRun(context.Background(), "../../outside")
	assert.ErrorIs(t, err, failure.ErrArtifactValidation)
	_, err = f.BuildIdea(context.Background(), BuildRequest{Idea: "habit-7", RunID: "../x"})
	assert.ErrorIs(t, err, failure.ErrArtifactValidation)
	_, err = f.Status("a/b", 5)
	assert.ErrorIs(t, err, failure.ErrArtifactValidation)
	assert.Empty(t, exec.take())
}

func TestStatusAndListRuns(t *testing.T) {
	f, exec := newFactory(t, threeIdeas())
	research, err := f.StartRun(context.Background(), ResearchRequest{Intake: "apps"})
	require.NoError(t, err)
	exec.failAt = "03"
	failed, err := f.BuildIdea(context.Background(), BuildRequest{Idea: "habit-7"})
	require.Error(t, err)

	runs, err := f.ListRuns()
	require.NoError(t, err)
	require.Len(t, runs, 2)
	assert.Equal(t, failed.Run.RunID, runs[0].RunID)
	assert.Equal(t, run.StatusFailed, runs[0].Status)
	assert.Equal(t, research.Run.RunID, runs[1].RunID)
	assert.Equal(t, 3, runs[1].Ideas)

	report, err := f.Status("", 50)
	require.NoError(t, err)
	assert.Equal(t, failed.Run.RunID, report.Run.RunID)
	require.Len(t, report.Failures, 1)
	assert.Equal(t, failure.KindExecutor, report.Failures[0].Kind)
	require.Len(t, report.Ideas, 1)
	assert.Equal(t, run.IdeaFailed, report.Ideas[0].State)
	assert.NotEmpty(t, report.Journal)
	assert.Nil(t, report.Lock)

	_, err = f.Status("missing-run", 10)
	assert.ErrorIs(t, err, run.ErrRunNotFound)
	assert.False(t, store.Exists(f.Layout().LockPath()))
}

func TestStatusFlagsHandEditedArtifacts(t *testing.T) {
	f, exec := newFactory(t, threeIdeas())
	research, err := f.StartRun(context.Background(), ResearchRequest{Intake: "apps"})
	require.NoError(t, err)
	exec.failAt = "03"
	_, err = f.BuildIdea(context.Background(), BuildRequest{Idea: "habit-7"})
	require.Error(t, err)

	report, err := f.Status("", 10)
	require.NoError(t, err)
	assert.Empty(t, report.Edited)

	spec := pipeline.ChainStages()[0]
	path := pipeline.StagePath(f.Layout(), research.Run.RunID, research.Packs[1].Dir, spec)
	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	edited := strings.Replace(string(raw), `"product_spec"`, `"product_plan"`, 1)
	require.NotEqual(t, string(raw), edited)
	require.NoError(t, os.WriteFile(path, []byte(edited), 0o644))

	report, err = f.Status("", 10)
	require.NoError(t, err)
	rel, err := f.Layout().Rel(path)
	require.NoError(t, err)
	assert.Equal(t, []string{rel}, report.Edited)
}

func TestValidateBuildsReportsStagingLeftovers(t *testing.T) {
	f, _ := newFactory(t, threeIdeas())
	research, err := f.StartRun(context.Background(), ResearchRequest{Intake: "apps"})
	require.NoError(t, err)
	_, err = f.BuildIdea(context.Background(), BuildRequest{Idea: "habit-7"})
	require.NoError(t, err)

	problems, err := f.ValidateBuilds()
	require.NoError(t, err)
	assert.Empty(t, problems)

	dir := research.Packs[1].Dir
	require.NoError(t, os.MkdirAll(f.Layout().BuildStagingPath(dir, "b-interrupted"), 0o755))
	require.NoError(t, os.MkdirAll(filepath.Join(f.Layout().IdeaBuildsDir(dir), "notes"), 0o755))

	problems, err = f.ValidateBuilds()
	require.NoError(t, err)
	require.Len(t, problems, 1)
	assert.Contains(t, problems[0], dir+"/.staging-b-interrupted")
}
