package store

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type record struct {
	ID    string            `json:"id"`
	Count int               `json:"count"`
	Tags  map[string]string `json:"tags,omitempty"`
}

func TestWriteJSONRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "record.json")
	require.NoError(t, WriteJSON(path, record{ID: "a", Count: 2}))

	var got record
	require.NoError(t, ReadJSON(path, &got))
	assert.Equal(t, record{ID: "a", Count: 2}, got)
}

func TestReadJSONMissingIsNotFound(t *testing.T) {
	var got record
	err := ReadJSON(filepath.Join(t.TempDir(), "absent.json"), &got)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestReadJSONRejectsMalformedContent(t *testing.T) {
	dir := t.TempDir()
	cases := map[string]string{
		"truncated": `{"id": "a", "cou`,
		"unknown":   `{"id": "a", "surprise": true}`,
		"trailing":  `{"id": "a"} {"id": "b"}`,
	}
	for name, body := range cases {
		path := filepath.Join(dir, name+".json")
		require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
		var got record
		err := ReadJSON(path, &got)
		assert.ErrorIs(t, err, ErrMalformed, name)
		assert.False(t, errors.Is(err, ErrNotFound), name)
	}
}

func TestMarshalStableIsByteIdentical(t *testing.T) {
	v := record{ID: "x", Tags: map[string]string{"b": "2", "a": "1", "c": "3"}}
	first, err := MarshalStable(v)
	require.NoError(t, err)
	for i := 0; i < 5; i++ {
		again, err := MarshalStable(v)
		require.NoError(t, err)
		assert.Equal(t, first, again)
	}
}

// A crash between writing the temp file and the rename leaves only a stray
// temp file; the previous record must stay visible and intact.
func TestInterruptedWriteKeepsPriorRecord(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "manifest.json")
	require.NoError(t, WriteJSON(path, record{ID: "before", Count: 1}))

	stray, err := os.CreateTemp(dir, filepath.Base(path)+tempPattern)
	require.NoError(t, err)
	_, err = stray.WriteString(`{"id": "after", "co`)
	require.NoError(t, err)
	require.NoError(t, stray.Close())

	var got record
	require.NoError(t, ReadJSON(path, &got))
	assert.Equal(t, "before", got.ID)
}

func TestInterruptedFirstWriteLeavesNoRecord(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "index.json")
	stray, err := os.CreateTemp(dir, filepath.Base(path)+tempPattern)
	require.NoError(t, err)
	require.NoError(t, stray.Close())

	assert.False(t, Exists(path))
	var got record
	assert.ErrorIs(t, ReadJSON(path, &got), ErrNotFound)
}

func TestWriteFileLeavesNoTempFiles(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "status.json")
	for i := 0; i < 3; i++ {
		require.NoError(t, WriteJSON(path, record{ID: "s", Count: i}))
	}
	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "status.json", entries[0].Name())
}

func TestWriteFileFailsWhenDirectoryIsReadOnly(t *testing.T) {
	if os.Geteuid() == 0 {
		t.Skip("root ignores directory permissions")
	}
	dir := t.TempDir()
	require.NoError(t, os.Chmod(dir, 0o500))
	t.Cleanup(func() { _ = os.Chmod(dir, 0o755) })
	err := WriteFile(filepath.Join(dir, "x.json"), []byte("{}"))
	assert.Error(t, err)
}
