package run

import (
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kingrea/appfactory/internal/boundary"
	"github.com/kingrea/appfactory/internal/failure"
	"github.com/kingrea/appfactory/internal/layout"
	"github.com/kingrea/appfactory/internal/store"
)

var now = time.Date(2026, 6, 1, 12, 0, 0, 0, time.UTC)

func TestManifestTransitions(t *testing.T) {
	m := NewManifest("r1", CommandResearch, "engine-x", "hash", now)
	assert.Equal(t, StatusPending, m.Status)

	require.Error(t, m.Transition(StatusCompleted, now))
	require.NoError(t, m.Transition(StatusInProgress, now))
	require.NoError(t, m.Fail(FailureRecord{Stage: "01", Kind: failure.KindExecutor, Message: "boom"}, now))
	assert.Equal(t, StatusFailed, m.Status)
	require.NotNil(t, m.Failure)

	require.NoError(t, m.Transition(StatusInProgress, now.Add(time.Minute)))
	assert.Nil(t, m.Failure)
	require.NoError(t, m.Transition(StatusCompleted, now))
	assert.Error(t, m.Transition(StatusInProgress, now))
}

func TestCompleteStageIsExactlyOnce(t *testing.T) {
	m := NewManifest("r1", CommandDream, "", "", now)
	assert.True(t, m.CompleteStage("01"))
	assert.False(t, m.CompleteStage("01"))
	assert.True(t, m.CompleteStage("02"))
	assert.Equal(t, []string{"01", "02"}, m.CompletedStages)

	st := IdeaStatus{IdeaID: "i", State: IdeaUnbuilt}
	assert.True(t, st.CompleteStage("02"))
	assert.False(t, st.CompleteStage("02"))
	assert.True(t, st.HasStage("02"))
}

func TestIdeaStatusTransitions(t *testing.T) {
	pack := NewIdeaPack("r1", "idea-1", "Sleep Sounds", 2, now)
	st := NewIdeaStatus(pack, now)
	assert.Equal(t, "02_sleep_sounds__idea-1", st.Dir)

	require.Error(t, st.Transition(IdeaCompleted, now))
	require.NoError(t, st.Transition(IdeaInProgress, now))
	st.AddMissing("a")
	st.AddMissing("a")
	assert.Equal(t, []string{"a"}, st.Missing)
	require.NoError(t, st.Transition(IdeaFailed, now))
	require.NoError(t, st.Transition(IdeaInProgress, now))
	assert.Nil(t, st.Missing)
	require.NoError(t, st.Transition(IdeaCompleted, now))
	require.NoError(t, st.Transition(IdeaInProgress, now))
}

func TestIdeaIndexFind(t *testing.T) {
	packs := []IdeaPack{
		NewIdeaPack("r1", "idea-a", "Plant Pal", 1, now),
		NewIdeaPack("r1", "idea-b", "Budget Buddy", 2, now),
	}
	idx := NewIdeaIndex("r1", packs)

	for _, q := range []string{"idea-b", "02_budget_buddy__idea-b", "Budget Buddy", "budget_buddy"} {
		e, ok := idx.Find(q)
		require.True(t, ok, q)
		assert.Equal(t, "idea-b", e.IdeaID, q)
	}
	_, ok := idx.Find("nothing")
	assert.False(t, ok)
}

func TestRepositoryRoundTrip(t *testing.T) {
	l := layout.New(t.TempDir(), layout.Dirs{})
	repo := NewRepository(l)

	m := NewManifest("20260601T120000Z-research-aaaa0000", CommandResearch, "e", "h", now)
	require.NoError(t, repo.CreateManifest(m))
	assert.ErrorIs(t, repo.CreateManifest(m), ErrRunExists)

	pack := NewIdeaPack(m.RunID, "idea-1", "Plant Pal", 1, now)
	st := NewIdeaStatus(pack, now)
	m.SetIdea(st)
	require.NoError(t, repo.SaveManifest(m))
	require.NoError(t, repo.SaveIdeaPack(pack))
	require.NoError(t, repo.SaveIdeaStatus(m.RunID, st))
	boundaryRec, err := boundary.NewRecord(l, m.RunID, pack.ID, pack.Dir, now)
	require.NoError(t, err)
	require.NoError(t, repo.SaveBoundary(boundaryRec))
	require.NoError(t, repo.SaveIdeaIndex(NewIdeaIndex(m.RunID, []IdeaPack{pack})))
	require.NoError(t, repo.WriteIntake(m.RunID, "habit apps"))

	loaded, err := repo.LoadManifest(m.RunID)
	require.NoError(t, err)
	assert.Equal(t, IdeaUnbuilt, loaded.Ideas["idea-1"].State)

	gotPack, err := repo.LoadIdeaPack(m.RunID, pack.Dir)
	require.NoError(t, err)
	assert.Equal(t, pack.Name, gotPack.Name)

	rec, err := repo.LoadBoundary(m.RunID, pack.Dir)
	require.NoError(t, err)
	assert.True(t, rec.Owns(l.MustRel(l.IdeaStagePath(m.RunID, pack.Dir, "x.json"))))

	intake, err := repo.ReadIntake(m.RunID)
	require.NoError(t, err)
	assert.Equal(t, "habit apps", intake)

	ids, err := repo.ListRunIDs()
	require.NoError(t, err)
	assert.Equal(t, []string{m.RunID}, ids)
}

func TestRepositoryErrors(t *testing.T) {
	l := layout.New(t.TempDir(), layout.Dirs{})
	repo := NewRepository(l)

	_, err := repo.LoadManifest("missing")
	assert.ErrorIs(t, err, ErrRunNotFound)

	_, err = repo.LoadIdeaStatus("missing", "dir")
	assert.ErrorIs(t, err, store.ErrNotFound)

	path := l.ManifestPath("broken")
	require.NoError(t, os.MkdirAll(l.RunPath("broken"), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(`{"run_id": "broken", "bogus": 1}`), 0o644))
	_, err = repo.LoadManifest("broken")
	assert.ErrorIs(t, err, failure.ErrArtifactValidation)

	ids, err := repo.ListRunIDs()
	require.NoError(t, err)
	assert.Equal(t, []string{"broken"}, ids)
}

func TestParseCommand(t *testing.T) {
	c, err := ParseCommand(" Dream ")
	require.NoError(t, err)
	assert.Equal(t, CommandDream, c)
	_, err = ParseCommand("deploy")
	assert.Error(t, err)
}
