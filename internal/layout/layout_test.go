package layout

import (
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSlugify(t *testing.T) {
	cases := map[string]string{
		"Habit Tracker":          "habit_tracker",
		"  Focus -- Timer!! ":    "focus_timer",
		"AI/ML Recipe Planner 2": "ai_ml_recipe_planner_2",
		"¿¿??":                   "idea",
		"":                       "idea",
		"Café Finder":            "caf_finder",
	}
	for in, want := range cases {
		assert.Equal(t, want, Slugify(in), "slugify(%q)", in)
	}
}

func TestSlugifyTruncates(t *testing.T) {
	long := strings.Repeat("word ", 30)
	slug := Slugify(long)
	assert.LessOrEqual(t, len(slug), MaxSlugLength)
	assert.False(t, strings.HasSuffix(slug, "_"), "slug %q ends with separator", slug)
}

func TestIdeaDirNameIsDeterministic(t *testing.T) {
	first := IdeaDirName(3, "Sleep Sounds Pro", "idea-abc123")
	second := IdeaDirName(3, "Sleep Sounds Pro", "idea-abc123")
	assert.Equal(t, "03_sleep_sounds_pro__idea-abc123", first)
	assert.Equal(t, first, second)
}

func TestIdeaDirNamesSortByRank(t *testing.T) {
	names := []string{
		IdeaDirName(10, "zebra", "z"),
		IdeaDirName(2, "alpha", "a"),
		IdeaDirName(1, "mango", "m"),
	}
	assert.True(t, names[2] < names[1] && names[1] < names[0])
}

func TestLayoutPaths(t *testing.T) {
	root := t.TempDir()
	l := New(root, Dirs{})
	dir := IdeaDirName(1, "Plant Care", "idea-1")

	assert.Equal(t, filepath.Join(root, "runs", "r1"), l.RunPath("r1"))
	assert.Equal(t, filepath.Join(root, "runs", "r1", "ideas", dir), l.IdeaPackPath("r1", dir))
	assert.Equal(t, filepath.Join(root, "builds", dir, "b1"), l.BuildPath(dir, "b1"))
	assert.Equal(t, filepath.Join(root, ".appfactory", "pipeline.lock"), l.LockPath())
	assert.Equal(t, l.IdeaPackPath("r1", dir), l.IdeaPackPath("r1", dir))
}

func TestLayoutCustomDirs(t *testing.T) {
	root := t.TempDir()
	l := New(root, Dirs{Runs: "out/runs", Builds: "out/builds"})
	assert.Equal(t, filepath.Join(root, "out", "runs", "x"), l.RunPath("x"))
	assert.Equal(t, filepath.Join(root, "out", "builds", "d", "b"), l.BuildPath("d", "b"))
	assert.Equal(t, filepath.Join(root, "leaderboards", "ledger.json"), l.LedgerPath())
}

func TestRelRejectsEscapes(t *testing.T) {
	root := t.TempDir()
	l := New(root, Dirs{})

	rel, err := l.Rel(l.IdeaIndexPath("r1"))
	require.NoError(t, err)
	assert.Equal(t, "runs/r1/ideas/idea_index.json", rel)
	assert.Equal(t, l.IdeaIndexPath("r1"), l.Abs(rel))

	_, err = l.Rel(filepath.Join(root, "..", "elsewhere"))
	assert.Error(t, err)
}

func TestCheckID(t *testing.T) {
	for _, id := range []string{"habit-7", "idea-0f3a", "20260601T080000Z-build-abcd1234", "02_habit_loop__habit-7", "v1.2"} {
		assert.NoError(t, CheckID(id), id)
	}
	for _, id := range []string{"", "..", "a/../b", "a/b", `a\b`, ".hidden", "-flag", "a b", "x..y", strings.Repeat("a", MaxIDLength+1)} {
		assert.ErrorIs(t, CheckID(id), ErrInvalidID, id)
	}
}

func TestIsStagingDir(t *testing.T) {
	l := New(t.TempDir(), Dirs{})
	assert.True(t, IsStagingDir(filepath.Base(l.BuildStagingPath("d", "abc"))))
	assert.False(t, IsStagingDir("abc"))
}
