// Package artifact defines the on-disk contract of stage artifacts. Every
// artifact embeds its provenance: the stage that produced it, the owning run
// and idea pack, and the root-relative paths of the artifacts it consumed.

package artifact

import (
	"fmt"
	"path"
	"path/filepath"
	"strings"
	"time"
)

// Kind captures the storage shape and serialization format for an artifact.
type Kind string

const (
	// KindJSON is a JSON object enriched with a _factory metadata block.
	KindJSON Kind = "json"
	// KindDocument is a markdown document with YAML frontmatter.
	KindDocument Kind = "document"
)

// MetadataKey is the reserved top-level key of JSON artifacts.
const MetadataKey = "_factory"

// FormatVersion is written to metadata when the caller leaves it empty.
const FormatVersion = "1"

// KindFor infers the artifact kind from the file extension.
func KindFor(p string) Kind {
	switch strings.ToLower(filepath.Ext(p)) {
	case ".md", ".markdown":
		return KindDocument
	default:
		return KindJSON
	}
}

// Metadata captures provenance stored inside the metadata block or frontmatter.
type Metadata struct {
	Stage     string    `json:"stage"`
	RunID     string    `json:"run"`
	IdeaID    string    `json:"idea,omitempty"`
	IdeaDir   string    `json:"idea_dir,omitempty"`
	Inputs    []string  `json:"inputs"`
	BuildID   string    `json:"build,omitempty"`
	CreatedAt time.Time `json:"created"`
	Checksum  string    `json:"checksum"`
	Version   string    `json:"version"`
}

// WithDefaults fills the version and creation timestamp.
func (m Metadata) WithDefaults(now time.Time) Metadata {
	clone := m
	clone.Inputs = append([]string{}, m.Inputs...)
	if clone.Version == "" {
		clone.Version = FormatVersion
	}
	if clone.CreatedAt.IsZero() {
		clone.CreatedAt = now.UTC()
	} else {
		clone.CreatedAt = clone.CreatedAt.UTC()
	}
	return clone
}

// Validate checks that the metadata is complete and its input paths are
// well-formed.
func (m Metadata) Validate() error {
	if strings.TrimSpace(m.Stage) == "" {
		return fmt.Errorf("artifact: metadata stage is required")
	}
	if strings.TrimSpace(m.RunID) == "" {
		return fmt.Errorf("artifact: metadata run is required")
	}
	if m.Version == "" {
		return fmt.Errorf("artifact: metadata version is required")
	}
	if m.CreatedAt.IsZero() {
		return fmt.Errorf("artifact: metadata created timestamp is required")
	}
	if m.IdeaDir != "" && m.IdeaID == "" {
		return fmt.Errorf("artifact: metadata idea_dir without idea")
	}
	for _, in := range m.Inputs {
		if err := ValidateInputPath(in); err != nil {
			return err
		}
	}
	return nil
}

// ValidateInputPath rejects input references that are not clean,
// slash-separated, project-relative paths.
func ValidateInputPath(p string) error {
	if strings.TrimSpace(p) == "" {
		return fmt.Errorf("artifact: empty input path")
	}
	if strings.Contains(p, `\`) {
		return fmt.Errorf("artifact: input %q must use forward slashes", p)
	}
	if path.IsAbs(p) || filepath.IsAbs(filepath.FromSlash(p)) || filepath.VolumeName(p) != "" {
		return fmt.Errorf("artifact: input %q must be relative to the project root", p)
	}
	if path.Clean(p) != p {
		return fmt.Errorf("artifact: input %q is not a clean path", p)
	}
	if p == ".." || strings.HasPrefix(p, "../") {
		return fmt.Errorf("artifact: input %q escapes the project root", p)
	}
	return nil
}

// Artifact is a decoded stage artifact.
type Artifact struct {
	Path     string
	Kind     Kind
	Metadata Metadata
	// Body is the content without metadata: canonical compact JSON for JSON
	// artifacts, newline-normalized markdown for documents.
	Body []byte
	// Checksum is recomputed from Body on every read.
	Checksum string
}

// Drifted reports whether the body was edited after the artifact was written.
func (a Artifact) Drifted() bool {
	return a.Metadata.Checksum != "" && a.Metadata.Checksum != a.Checksum
}

// State captures the readiness of an artifact on disk.
type State string

const (
	StateMissing State = "missing"
	StateReady   State = "ready"
	StateInvalid State = "invalid"
	StateError   State = "error"
)

// CheckResult captures Store.Check results.
type CheckResult struct {
	Path     string
	State    State
	Artifact *Artifact
	Err      error
}
