// Package boundary enforces idea-pack isolation. Each idea pack owns its own
// subtree (its pack directory and its builds directory) and may additionally
// read a small whitelist of shared run outputs. Artifacts whose provenance
// points anywhere else are rejected before they are written or consumed.
package boundary

import (
	"fmt"
	"strings"
	"time"

	"github.com/kingrea/appfactory/internal/artifact"
	"github.com/kingrea/appfactory/internal/failure"
	"github.com/kingrea/appfactory/internal/layout"
)

// Record declares the paths an idea pack owns and the shared paths it may read.
// All paths are project-root-relative and slash separated.
type Record struct {
	RunID     string    `json:"run_id"`
	IdeaID    string    `json:"idea_id"`
	IdeaDir   string    `json:"idea_dir"`
	Owned     []string  `json:"owned"`
	Shared    []string  `json:"shared"`
	CreatedAt time.Time `json:"created_at"`
}

// NewRecord derives the boundary of one idea pack. It fails when the pack
// or its builds would resolve outside the project.
func NewRecord(l *layout.Layout, runID, ideaID, ideaDir string, now time.Time) (Record, error) {
	paths := []string{
		l.IdeaPackPath(runID, ideaDir),
		l.IdeaBuildsDir(ideaDir),
		l.ResearchPath(runID),
		l.IdeaIndexPath(runID),
	}
	rels := make([]string, len(paths))
	for i, p := range paths {
		rel, err := l.Rel(p)
		if err != nil {
			return Record{}, fmt.Errorf("boundary: %s: %w", ideaID, err)
		}
		rels[i] = rel
	}
	return Record{
		RunID:     runID,
		IdeaID:    ideaID,
		IdeaDir:   ideaDir,
		Owned:     []string{rels[0], rels[1]},
		Shared:    []string{rels[2], rels[3]},
		CreatedAt: now.UTC(),
	}, nil
}

// Validate checks the record is complete.
func (r Record) Validate() error {
	if r.RunID == "" || r.IdeaID == "" || r.IdeaDir == "" {
		return fmt.Errorf("boundary: record requires run, idea and idea dir")
	}
	if len(r.Owned) == 0 {
		return fmt.Errorf("boundary: record for %s owns no paths", r.IdeaID)
	}
	return nil
}

// Owns reports whether rel lies inside one of the owned subtrees.
func (r Record) Owns(rel string) bool {
	for _, root := range r.Owned {
		if within(rel, root) {
			return true
		}
	}
	return false
}

// MayRead reports whether rel is owned or whitelisted.
func (r Record) MayRead(rel string) bool {
	if r.Owns(rel) {
		return true
	}
	for _, shared := range r.Shared {
		if rel == shared {
			return true
		}
	}
	return false
}

func within(rel, root string) bool {
	return rel == root || strings.HasPrefix(rel, root+"/")
}

// Provenance is what an artifact (or an executor response) claims about its
// origin.
type Provenance struct {
	RunID   string   `json:"run"`
	IdeaID  string   `json:"idea"`
	IdeaDir string   `json:"idea_dir"`
	Inputs  []string `json:"inputs"`
}

// FromMetadata extracts the provenance stored on an artifact.
func FromMetadata(meta artifact.Metadata) Provenance {
	return Provenance{
		RunID:   meta.RunID,
		IdeaID:  meta.IdeaID,
		IdeaDir: meta.IdeaDir,
		Inputs:  append([]string{}, meta.Inputs...),
	}
}

// Enforcer checks artifacts against boundary records.
type Enforcer struct {
	layout *layout.Layout
}

// NewEnforcer creates an enforcer resolving paths against l.
func NewEnforcer(l *layout.Layout) *Enforcer {
	return &Enforcer{layout: l}
}

// CheckWrite verifies that target (an absolute path) lies inside the idea's
// owned subtree.
func (e *Enforcer) CheckWrite(rec Record, stage, target string) error {
	rel, err := e.layout.Rel(target)
	if err != nil {
		return failure.Boundary(stage, rec.IdeaID, target, "path", "inside project root", target)
	}
	if !rec.Owns(rel) {
		return failure.Boundary(stage, rec.IdeaID, rel, "path", strings.Join(rec.Owned, " | "), rel)
	}
	return nil
}

// CheckProvenance verifies declared provenance for an artifact about to be
// written to target.
func (e *Enforcer) CheckProvenance(rec Record, stage, target string, p Provenance) error {
	rel := e.relOrAbs(target)
	if p.RunID == "" || p.IdeaID == "" || p.IdeaDir == "" {
		return failure.Validation(stage, rec.IdeaID, rel, "provenance must declare run, idea and idea_dir", nil)
	}
	if p.RunID != rec.RunID {
		return failure.Boundary(stage, rec.IdeaID, rel, "run", rec.RunID, p.RunID)
	}
	if p.IdeaID != rec.IdeaID {
		return failure.Boundary(stage, rec.IdeaID, rel, "idea", rec.IdeaID, p.IdeaID)
	}
	if p.IdeaDir != rec.IdeaDir {
		return failure.Boundary(stage, rec.IdeaID, rel, "idea_dir", rec.IdeaDir, p.IdeaDir)
	}
	if err := e.CheckWrite(rec, stage, target); err != nil {
		return err
	}
	return e.checkInputs(rec, stage, rel, p.Inputs)
}

// CheckArtifact verifies an artifact already on disk.
func (e *Enforcer) CheckArtifact(rec Record, stage string, art artifact.Artifact) error {
	rel := e.relOrAbs(art.Path)
	if art.Metadata.Stage != stage {
		return failure.Validation(stage, rec.IdeaID, rel, fmt.Sprintf("artifact declares stage %q", art.Metadata.Stage), nil)
	}
	return e.CheckProvenance(rec, stage, art.Path, FromMetadata(art.Metadata))
}

// ChainLink is one already-produced artifact of an idea's stage chain.
type ChainLink struct {
	Stage    string
	Artifact artifact.Artifact
}

// CheckChain verifies every link of a chain in order. The first violation is
// returned.
func (e *Enforcer) CheckChain(rec Record, links []ChainLink) error {
	if err := rec.Validate(); err != nil {
		return failure.Validation("", rec.IdeaID, "", "invalid boundary record", err)
	}
	prev := ""
	for _, link := range links {
		if prev != "" && link.Stage <= prev {
			return failure.Validation(link.Stage, rec.IdeaID, e.relOrAbs(link.Artifact.Path), fmt.Sprintf("stage %s follows %s out of order", link.Stage, prev), nil)
		}
		if err := e.CheckArtifact(rec, link.Stage, link.Artifact); err != nil {
			return err
		}
		prev = link.Stage
	}
	return nil
}

// CheckRunArtifact verifies a run-scoped artifact (the research output): it
// must belong to runID, must not claim an idea, and may only consume paths
// inside the run directory.
func (e *Enforcer) CheckRunArtifact(runID, stage string, target string, p Provenance) error {
	rel := e.relOrAbs(target)
	runRoot := e.layout.MustRel(e.layout.RunPath(runID))
	if p.RunID == "" {
		return failure.Validation(stage, "", rel, "provenance must declare run", nil)
	}
	if p.RunID != runID {
		return failure.Boundary(stage, "", rel, "run", runID, p.RunID)
	}
	if p.IdeaID != "" {
		return failure.Boundary(stage, "", rel, "idea", "", p.IdeaID)
	}
	if !within(rel, runRoot) {
		return failure.Boundary(stage, "", rel, "path", runRoot, rel)
	}
	for _, in := range p.Inputs {
		if err := artifact.ValidateInputPath(in); err != nil {
			return failure.Validation(stage, "", rel, "invalid input path", err)
		}
		if !within(in, runRoot) {
			return failure.Boundary(stage, "", rel, "inputs", runRoot, in)
		}
	}
	return nil
}

func (e *Enforcer) checkInputs(rec Record, stage, rel string, inputs []string) error {
	for _, in := range inputs {
		if err := artifact.ValidateInputPath(in); err != nil {
			return failure.Validation(stage, rec.IdeaID, rel, "invalid input path", err)
		}
		if !rec.MayRead(in) {
			return failure.Boundary(stage, rec.IdeaID, rel, "inputs", "owned subtree or shared run output", in)
		}
	}
	return nil
}

func (e *Enforcer) relOrAbs(path string) string {
	if rel, err := e.layout.Rel(path); err == nil {
		return rel
	}
	return path
}
