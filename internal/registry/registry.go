// Package registry tracks materialized builds across runs in
// builds/build_index.json.
package registry

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/kingrea/appfactory/internal/failure"
	"github.com/kingrea/appfactory/internal/store"
)

// Origin modes.
const (
	ModePipeline = "pipeline"
	ModeDream    = "dream"
)

// Build statuses.
const (
	StatusSuccess = "success"
	StatusFailed  = "failed"
)

// Origin says which run and idea produced a build.
type Origin struct {
	Mode            string `json:"mode"`
	RunID           string `json:"run_id,omitempty"`
	IdeaID          string `json:"idea_id,omitempty"`
	IdeaDir         string `json:"idea_dir,omitempty"`
	DreamPromptHash string `json:"dream_prompt_hash,omitempty"`
}

// Mirror records where a build was published.
type Mirror struct {
	Bucket      string    `json:"bucket"`
	Prefix      string    `json:"prefix"`
	Objects     int       `json:"objects"`
	PublishedAt time.Time `json:"published_at"`
	Error       string    `json:"error,omitempty"`
}

// Build is one registry entry.
type Build struct {
	BuildID   string    `json:"build_id"`
	Name      string    `json:"name"`
	Slug      string    `json:"slug"`
	Origin    Origin    `json:"origin"`
	BuildPath string    `json:"build_path"`
	Status    string    `json:"status"`
	CreatedAt time.Time `json:"created_at"`
	Mirror    *Mirror   `json:"mirror,omitempty"`
}

// Index is the registry document.
type Index struct {
	UpdatedAt time.Time `json:"updated_at"`
	Builds    []Build   `json:"builds"`
}

// Find returns the build with id.
func (idx Index) Find(id string) (Build, bool) {
	for _, b := range idx.Builds {
		if b.BuildID == id {
			return b, true
		}
	}
	return Build{}, false
}

// Validate lists every problem in the index. An empty result means the index
// is valid.
func (idx Index) Validate() []string {
	var problems []string
	seen := map[string]bool{}
	for i, b := range idx.Builds {
		label := fmt.Sprintf("build %d", i)
		if b.BuildID != "" {
			label = fmt.Sprintf("build %d (%s)", i, b.BuildID)
		}
		required := []struct {
			field string
			value string
		}{
			{"build_id", b.BuildID},
			{"name", b.Name},
			{"slug", b.Slug},
			{"origin.mode", b.Origin.Mode},
			{"build_path", b.BuildPath},
			{"status", b.Status},
		}
		for _, r := range required {
			if strings.TrimSpace(r.value) == "" {
				problems = append(problems, fmt.Sprintf("%s: missing required field %q", label, r.field))
			}
		}
		if b.CreatedAt.IsZero() {
			problems = append(problems, fmt.Sprintf("%s: missing required field %q", label, "created_at"))
		}
		switch b.Origin.Mode {
		case ModeDream:
			if b.Origin.DreamPromptHash == "" {
				problems = append(problems, fmt.Sprintf("%s: dream build missing dream_prompt_hash", label))
			}
		case ModePipeline:
			if b.Origin.RunID == "" {
				problems = append(problems, fmt.Sprintf("%s: pipeline build missing run_id", label))
			}
		case "":
		default:
			problems = append(problems, fmt.Sprintf("%s: unknown origin mode %q", label, b.Origin.Mode))
		}
		if b.BuildID != "" && seen[b.BuildID] {
			problems = append(problems, fmt.Sprintf("%s: duplicate build id", label))
		}
		seen[b.BuildID] = true
	}
	return problems
}

// Registry reads and updates the build index. Callers serialize writes
// through the repository lock.
type Registry struct {
	path  string
	clock func() time.Time
}

// Option customizes a Registry.
type Option func(*Registry)

// WithClock overrides the timestamp source.
func WithClock(clock func() time.Time) Option {
	return func(r *Registry) {
		if clock != nil {
			r.clock = clock
		}
	}
}

// New returns a registry stored at path.
func New(path string, opts ...Option) *Registry {
	r := &Registry{path: path, clock: time.Now}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Path returns the index file.
func (r *Registry) Path() string {
	return r.path
}

// Load reads the index. A missing index is empty.
func (r *Registry) Load() (Index, error) {
	var idx Index
	if err := store.ReadJSON(r.path, &idx); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return Index{Builds: []Build{}}, nil
		}
		if errors.Is(err, store.ErrMalformed) {
			return Index{}, failure.Validation("", "", r.path, "malformed build registry", err)
		}
		return Index{}, err
	}
	if idx.Builds == nil {
		idx.Builds = []Build{}
	}
	return idx, nil
}

// Upsert inserts b or replaces the entry with the same build id, keeping the
// entries sorted by build id.
func (r *Registry) Upsert(b Build) (Index, error) {
	if strings.TrimSpace(b.BuildID) == "" {
		return Index{}, fmt.Errorf("registry: build id is required")
	}
	idx, err := r.Load()
	if err != nil {
		return Index{}, err
	}
	now := r.clock().UTC()
	if b.CreatedAt.IsZero() {
		b.CreatedAt = now
	}
	replaced := false
	for i := range idx.Builds {
		if idx.Builds[i].BuildID == b.BuildID {
			idx.Builds[i] = b
			replaced = true
			break
		}
	}
	if !replaced {
		idx.Builds = append(idx.Builds, b)
	}
	sort.SliceStable(idx.Builds, func(i, j int) bool {
		return idx.Builds[i].BuildID < idx.Builds[j].BuildID
	})
	idx.UpdatedAt = now
	if err := store.WriteJSON(r.path, idx); err != nil {
		return Index{}, failure.Write(r.path, err)
	}
	return idx, nil
}

// Validate loads the index and lists its problems.
func (r *Registry) Validate() ([]string, error) {
	if !store.Exists(r.path) {
		return []string{fmt.Sprintf("build registry not found at %s", r.path)}, nil
	}
	idx, err := r.Load()
	if err != nil {
		return nil, err
	}
	return idx.Validate(), nil
}
