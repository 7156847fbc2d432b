package artifact

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kingrea/appfactory/internal/failure"
	"github.com/kingrea/appfactory/internal/store"
)

var fixedNow = time.Date(2026, 4, 2, 9, 30, 0, 0, time.UTC)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := NewStore(WithClock(func() time.Time { return fixedNow }))
	require.NoError(t, err)
	return s
}

func sampleMeta() Metadata {
	return Metadata{
		Stage:   "03",
		RunID:   "20260402T093000Z-research-abcd1234",
		IdeaID:  "idea-1",
		IdeaDir: "01_habit_tracker__idea-1",
		Inputs:  []string{"runs/r/ideas/01_habit_tracker__idea-1/stages/stage02_product_spec.json"},
	}
}

func TestWriteReadJSONArtifact(t *testing.T) {
	s := newTestStore(t)
	path := filepath.Join(t.TempDir(), "stage03_ux_design.json")

	written, err := s.Write(path, KindJSON, []byte(`{"screens": ["home", "stats"], "theme": "dark"}`), sampleMeta())
	require.NoError(t, err)
	assert.Equal(t, FormatVersion, written.Metadata.Version)
	assert.True(t, written.Metadata.CreatedAt.Equal(fixedNow))
	assert.NotEmpty(t, written.Metadata.Checksum)
	assert.False(t, written.Drifted())

	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(raw), `"_factory"`)
	assert.Contains(t, string(raw), `"idea_dir": "01_habit_tracker__idea-1"`)

	got, err := s.Read(path, KindJSON)
	require.NoError(t, err)
	assert.Equal(t, `{"screens":["home","stats"],"theme":"dark"}`, string(got.Body))
	assert.Equal(t, written.Metadata.Checksum, got.Checksum)
	assert.Equal(t, sampleMeta().Inputs, got.Metadata.Inputs)
}

func TestChecksumIgnoresKeyOrderAndTimestamps(t *testing.T) {
	s := newTestStore(t)
	dir := t.TempDir()
	first, err := s.Write(filepath.Join(dir, "a.json"), KindJSON, []byte(`{"a":1,"b":{"c":2}}`), sampleMeta())
	require.NoError(t, err)

	later, err := NewStore(WithClock(func() time.Time { return fixedNow.Add(time.Hour) }))
	require.NoError(t, err)
	second, err := later.Write(filepath.Join(dir, "b.json"), KindJSON, []byte(`{"b":{"c":2},"a":1}`), sampleMeta())
	require.NoError(t, err)

	assert.Equal(t, first.Checksum, second.Checksum)
	assert.False(t, first.Metadata.CreatedAt.Equal(second.Metadata.CreatedAt))
}

func TestWriteReadDocumentArtifact(t *testing.T) {
	s := newTestStore(t)
	path := filepath.Join(t.TempDir(), "stage09_release_planning.md")
	meta := sampleMeta()
	meta.Stage = "09"

	written, err := s.Write(path, KindDocument, []byte("# Release plan\r\n\r\n- beta in May\r\n"), meta)
	require.NoError(t, err)

	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(string(raw), "---\nfactory:\n"))

	got, err := s.Read(path, KindDocument)
	require.NoError(t, err)
	assert.Equal(t, "# Release plan\n\n- beta in May\n", string(got.Body))
	assert.Equal(t, written.Checksum, got.Checksum)
	assert.Equal(t, "09", got.Metadata.Stage)
	assert.Equal(t, "idea-1", got.Metadata.IdeaID)
}

func TestReadRejectsMalformedArtifacts(t *testing.T) {
	s := newTestStore(t)
	dir := t.TempDir()
	cases := map[string]string{
		"no_meta.json":      `{"screens": []}`,
		"bad_meta.json":     `{"_factory": {"stage": "02", "run": "r", "surprise": 1}}`,
		"not_object.json":   `["a"]`,
		"escaping.json":     `{"_factory": {"stage": "02", "run": "r", "inputs": ["../secrets"], "created": "2026-01-01T00:00:00Z", "checksum": "", "version": "1"}}`,
		"no_frontmatter.md": "# just markdown\n",
	}
	for name, body := range cases {
		path := filepath.Join(dir, name)
		require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
		_, err := s.Read(path, KindFor(path))
		assert.ErrorIs(t, err, failure.ErrArtifactValidation, name)
		assert.Equal(t, StateInvalid, s.Check(path, KindFor(path)).State, name)
	}
}

func TestCheckMissing(t *testing.T) {
	s := newTestStore(t)
	path := filepath.Join(t.TempDir(), "absent.json")
	res := s.Check(path, KindJSON)
	assert.Equal(t, StateMissing, res.State)
	_, err := s.Read(path, KindJSON)
	assert.True(t, errors.Is(err, store.ErrNotFound))
}

func TestWriteRejectsReservedKeyAndBadInputs(t *testing.T) {
	s := newTestStore(t)
	dir := t.TempDir()

	_, err := s.Write(filepath.Join(dir, "x.json"), KindJSON, []byte(`{"_factory": {}}`), sampleMeta())
	assert.ErrorIs(t, err, failure.ErrArtifactValidation)

	meta := sampleMeta()
	meta.Inputs = []string{"/etc/passwd"}
	_, err = s.Write(filepath.Join(dir, "y.json"), KindJSON, []byte(`{}`), meta)
	assert.ErrorIs(t, err, failure.ErrArtifactValidation)
	assert.False(t, store.Exists(filepath.Join(dir, "y.json")))
}

func TestReadNoticesEditsAfterCaching(t *testing.T) {
	s := newTestStore(t)
	path := filepath.Join(t.TempDir(), "stage04_monetization.json")
	first, err := s.Write(path, KindJSON, []byte(`{"model": "freemium"}`), sampleMeta())
	require.NoError(t, err)
	_, err = s.Read(path, KindJSON)
	require.NoError(t, err)

	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	edited := strings.Replace(string(raw), `"freemium"`, `"subscription-only"`, 1)
	require.NoError(t, os.WriteFile(path, []byte(edited), 0o644))

	got, err := s.Read(path, KindJSON)
	require.NoError(t, err)
	assert.NotEqual(t, first.Checksum, got.Checksum)
	assert.True(t, got.Drifted())
}

func TestValidateInputPath(t *testing.T) {
	valid := []string{"runs/r/stage01/market_research.json", "runs/r/ideas/idea_index.json"}
	for _, p := range valid {
		assert.NoError(t, ValidateInputPath(p), p)
	}
	invalid := []string{"", "/abs/path", "../up", "runs/../../up", "runs//double", "runs/./dot", `runs\win`}
	for _, p := range invalid {
		assert.Error(t, ValidateInputPath(p), p)
	}
}

func TestKindFor(t *testing.T) {
	assert.Equal(t, KindDocument, KindFor("stages/stage09_release_planning.md"))
	assert.Equal(t, KindJSON, KindFor("stages/stage02_product_spec.json"))
}
