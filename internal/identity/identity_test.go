package identity

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewRunIDFormat(t *testing.T) {
	now := time.Date(2026, 3, 9, 14, 5, 7, 0, time.UTC)
	id := newRunID("Research", now, "1a2b3c4d-0000-4000-8000-000000000000")
	assert.Equal(t, "20260309T140507Z-research-1a2b3c4d", id)

	got, ok := RunTime(id)
	require.True(t, ok)
	assert.True(t, got.Equal(now))
}

func TestNewRunIDsSortByCreation(t *testing.T) {
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	first := NewRunID("dream", base)
	second := NewRunID("build", base.Add(time.Second))
	assert.Less(t, first, second)
	assert.NotEqual(t, NewRunID("build", base), NewRunID("build", base))
}

func TestHashInputsIgnoresKeyOrder(t *testing.T) {
	a, err := HashInputs([]byte(`{"b": 1, "a": {"y": 2, "x": 1.50}}`))
	require.NoError(t, err)
	b, err := HashInputs([]byte(`{"a": {"x": 1.50, "y": 2}, "b": 1}`))
	require.NoError(t, err)
	assert.Equal(t, a, b)

	c, err := HashInputs(map[string]any{"b": 2})
	require.NoError(t, err)
	assert.NotEqual(t, a, c)
}

func TestCanonicalizeKeepsNumbers(t *testing.T) {
	out, err := Canonicalize([]byte(`{"z": 10000000000000001, "a": "<b>"}`))
	require.NoError(t, err)
	assert.Equal(t, `{"a":"<b>","z":10000000000000001}`, string(out))
}

func TestBuildIDDeterminism(t *testing.T) {
	sums := []string{"aa", "bb", "cc"}
	first := BuildID("run-1", "idea-1", sums)
	assert.Len(t, first, BuildIDLength)
	assert.Equal(t, first, BuildID("run-1", "idea-1", append([]string{}, sums...)))

	assert.NotEqual(t, first, BuildID("run-1", "idea-1", []string{"aa", "bb", "cd"}))
	assert.NotEqual(t, first, BuildID("run-2", "idea-1", sums))
	assert.NotEqual(t, first, BuildID("run-1", "idea-2", sums))
	assert.NotEqual(t, BuildID("r", "ab", []string{"c"}), BuildID("r", "a", []string{"bc"}))
}

func TestIdeaIDs(t *testing.T) {
	derived := DerivedIdeaID("run-1", 2, "Budget Buddy")
	assert.True(t, strings.HasPrefix(derived, "idea-"))
	assert.Len(t, derived, len("idea-")+10)
	assert.Equal(t, derived, DerivedIdeaID("run-1", 2, " Budget Buddy "))
	assert.NotEqual(t, derived, DerivedIdeaID("run-1", 3, "Budget Buddy"))

	dream := DreamIdeaID("an app that waters my plants")
	assert.True(t, strings.HasPrefix(dream, "dream-"))
	assert.Equal(t, dream, DreamIdeaID("an app that waters my plants\n"))
}

func TestRunTimeRejectsGarbage(t *testing.T) {
	_, ok := RunTime("short")
	assert.False(t, ok)
	_, ok = RunTime("notatimestamp-research-1234")
	assert.False(t, ok)
}
