package run

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"sort"

	"github.com/kingrea/appfactory/internal/boundary"
	"github.com/kingrea/appfactory/internal/failure"
	"github.com/kingrea/appfactory/internal/layout"
	"github.com/kingrea/appfactory/internal/store"
)

var (
	// ErrRunNotFound is returned when a run has no manifest.
	ErrRunNotFound = errors.New("run: not found")
	// ErrRunExists is returned when creating a run whose manifest already exists.
	ErrRunExists = errors.New("run: already exists")
)

// Repository persists run state under the project layout.
type Repository struct {
	layout *layout.Layout
}

// NewRepository creates a repository rooted at l.
func NewRepository(l *layout.Layout) *Repository {
	return &Repository{layout: l}
}

// Layout exposes the path resolver backing the repository.
func (r *Repository) Layout() *layout.Layout {
	return r.layout
}

// CreateManifest writes the first manifest of a new run.
func (r *Repository) CreateManifest(m Manifest) error {
	if store.Exists(r.layout.ManifestPath(m.RunID)) {
		return fmt.Errorf("%w: %s", ErrRunExists, m.RunID)
	}
	return r.SaveManifest(m)
}

// SaveManifest atomically replaces the run manifest.
func (r *Repository) SaveManifest(m Manifest) error {
	return r.save(r.layout.ManifestPath(m.RunID), m)
}

// LoadManifest reads the manifest of runID.
func (r *Repository) LoadManifest(runID string) (Manifest, error) {
	if err := checkRunID(runID); err != nil {
		return Manifest{}, err
	}
	var m Manifest
	if err := r.load(r.layout.ManifestPath(runID), &m); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return Manifest{}, fmt.Errorf("%w: %s", ErrRunNotFound, runID)
		}
		return Manifest{}, err
	}
	if m.Ideas == nil {
		m.Ideas = map[string]IdeaStatus{}
	}
	if m.CompletedStages == nil {
		m.CompletedStages = []string{}
	}
	return m, nil
}

// ListRunIDs returns every run with a manifest, oldest first.
func (r *Repository) ListRunIDs() ([]string, error) {
	entries, err := os.ReadDir(r.layout.RunsDir())
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("run: list runs: %w", err)
	}
	var ids []string
	for _, entry := range entries {
		if entry.IsDir() && store.Exists(r.layout.ManifestPath(entry.Name())) {
			ids = append(ids, entry.Name())
		}
	}
	sort.Strings(ids)
	return ids, nil
}

// WriteIntake stores the raw intake text of a run.
func (r *Repository) WriteIntake(runID, text string) error {
	path := r.layout.IntakePath(runID)
	if err := store.WriteFile(path, []byte(text)); err != nil {
		return failure.Write(path, err)
	}
	return nil
}

// ReadIntake returns the intake text, or "" when the run has none.
func (r *Repository) ReadIntake(runID string) (string, error) {
	if err := checkRunID(runID); err != nil {
		return "", err
	}
	data, err := store.ReadFile(r.layout.IntakePath(runID))
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return "", nil
		}
		return "", err
	}
	return string(data), nil
}

// SaveIdeaIndex writes the shared idea index of a run.
func (r *Repository) SaveIdeaIndex(idx IdeaIndex) error {
	return r.save(r.layout.IdeaIndexPath(idx.RunID), idx)
}

// LoadIdeaIndex reads the idea index of runID.
func (r *Repository) LoadIdeaIndex(runID string) (IdeaIndex, error) {
	var idx IdeaIndex
	if err := checkRunID(runID); err != nil {
		return idx, err
	}
	err := r.load(r.layout.IdeaIndexPath(runID), &idx)
	return idx, err
}

// SaveIdeaPack writes meta/idea.json of a pack.
func (r *Repository) SaveIdeaPack(p IdeaPack) error {
	return r.save(r.layout.IdeaMetaPath(p.RunID, p.Dir, layout.FileIdea), p)
}

// LoadIdeaPack reads meta/idea.json of a pack.
func (r *Repository) LoadIdeaPack(runID, dir string) (IdeaPack, error) {
	var p IdeaPack
	if err := checkRunID(runID); err != nil {
		return p, err
	}
	if err := layout.CheckID(dir); err != nil {
		return p, failure.Validation("", "", "", "invalid idea directory", err)
	}
	err := r.load(r.layout.IdeaMetaPath(runID, dir, layout.FileIdea), &p)
	return p, err
}

// SaveBoundary writes meta/boundary.json of a pack.
func (r *Repository) SaveBoundary(rec boundary.Record) error {
	return r.save(r.layout.IdeaMetaPath(rec.RunID, rec.IdeaDir, layout.FileBoundary), rec)
}

// LoadBoundary reads meta/boundary.json of a pack.
func (r *Repository) LoadBoundary(runID, dir string) (boundary.Record, error) {
	var rec boundary.Record
	err := r.load(r.layout.IdeaMetaPath(runID, dir, layout.FileBoundary), &rec)
	return rec, err
}

// SaveIdeaStatus writes meta/status.json of a pack.
func (r *Repository) SaveIdeaStatus(runID string, st IdeaStatus) error {
	return r.save(r.layout.IdeaMetaPath(runID, st.Dir, layout.FileStatus), st)
}

// LoadIdeaStatus reads meta/status.json of a pack.
func (r *Repository) LoadIdeaStatus(runID, dir string) (IdeaStatus, error) {
	var st IdeaStatus
	if err := r.load(r.layout.IdeaMetaPath(runID, dir, layout.FileStatus), &st); err != nil {
		return IdeaStatus{}, err
	}
	if st.CompletedStages == nil {
		st.CompletedStages = []string{}
	}
	return st, nil
}

func (r *Repository) save(path string, v any) error {
	if err := store.WriteJSON(path, v); err != nil {
		return failure.Write(path, err)
	}
	return nil
}

// load returns store.ErrNotFound for missing files and an artifact
// validation failure for malformed ones.
func (r *Repository) load(path string, dst any) error {
	err := store.ReadJSON(path, dst)
	switch {
	case err == nil:
		return nil
	case errors.Is(err, store.ErrNotFound):
		return err
	case errors.Is(err, store.ErrMalformed):
		return failure.Validation("", "", r.rel(path), "malformed record", err)
	default:
		return fmt.Errorf("run: read %s: %w", path, err)
	}
}

func (r *Repository) rel(path string) string {
	if rel, err := r.layout.Rel(path); err == nil {
		return rel
	}
	return path
}

func checkRunID(runID string) error {
	if err := layout.CheckID(runID); err != nil {
		return failure.Validation("", "", "", "invalid run id", err)
	}
	return nil
}
