// Package pipeline sequences stage execution for runs and idea packs.
//
// Stages run strictly in catalog order. Before a stage is executed its
// artifact is checked on disk: a valid, boundary-clean artifact is accepted as
// already complete, so resuming never re-invokes the executor for finished
// work. Progress is persisted after every stage.
package pipeline

import (
	"github.com/kingrea/appfactory/internal/artifact"
	"github.com/kingrea/appfactory/internal/layout"
	"github.com/kingrea/appfactory/internal/run"
)

// Scope says where a stage's artifact lives.
type Scope string

const (
	// ScopeRun artifacts are shared, read-only outputs of a run.
	ScopeRun Scope = "run"
	// ScopeIdea artifacts live inside one idea pack.
	ScopeIdea Scope = "idea"
	// ScopeBuild is the terminal build directory of an idea pack.
	ScopeBuild Scope = "build"
)

// Stage is one entry of the stage catalog.
type Stage struct {
	ID    string
	Name  string
	Scope Scope
	Kind  artifact.Kind
}

// FileName is the artifact file name of the stage.
func (s Stage) FileName() string {
	switch s.Scope {
	case ScopeRun:
		return s.Name + ".json"
	case ScopeBuild:
		return layout.FileBuildResult
	}
	ext := ".json"
	if s.Kind == artifact.KindDocument {
		ext = ".md"
	}
	return "stage" + s.ID + "_" + s.Name + ext
}

const (
	StageResearch = "01"
	StageBuild    = "10"
)

var catalog = []Stage{
	{ID: "01", Name: "market_research", Scope: ScopeRun, Kind: artifact.KindJSON},
	{ID: "02", Name: "product_spec", Scope: ScopeIdea, Kind: artifact.KindJSON},
	{ID: "03", Name: "ux_design", Scope: ScopeIdea, Kind: artifact.KindJSON},
	{ID: "04", Name: "monetization", Scope: ScopeIdea, Kind: artifact.KindJSON},
	{ID: "05", Name: "architecture", Scope: ScopeIdea, Kind: artifact.KindJSON},
	{ID: "06", Name: "builder_handoff", Scope: ScopeIdea, Kind: artifact.KindJSON},
	{ID: "07", Name: "polish", Scope: ScopeIdea, Kind: artifact.KindJSON},
	{ID: "08", Name: "brand_identity", Scope: ScopeIdea, Kind: artifact.KindJSON},
	{ID: "09", Name: "release_planning", Scope: ScopeIdea, Kind: artifact.KindDocument},
	{ID: "10", Name: "app_build", Scope: ScopeBuild, Kind: artifact.KindJSON},
}

// Catalog returns every stage in execution order.
func Catalog() []Stage {
	return append([]Stage{}, catalog...)
}

// Lookup finds a stage by id.
func Lookup(id string) (Stage, bool) {
	for _, s := range catalog {
		if s.ID == id {
			return s, true
		}
	}
	return Stage{}, false
}

// ResearchStage returns stage 01.
func ResearchStage() Stage {
	return catalog[0]
}

// ChainStages returns the per-idea stages 02..09.
func ChainStages() []Stage {
	var out []Stage
	for _, s := range catalog {
		if s.Scope == ScopeIdea {
			out = append(out, s)
		}
	}
	return out
}

// BuildStage returns the terminal build stage.
func BuildStage() Stage {
	return catalog[len(catalog)-1]
}

// StagesFor lists the stages a command executes.
func StagesFor(cmd run.Command) []Stage {
	switch cmd {
	case run.CommandResearch:
		return []Stage{ResearchStage()}
	case run.CommandBuild:
		return append(ChainStages(), BuildStage())
	case run.CommandDream:
		return Catalog()
	default:
		return nil
	}
}

// StagePath resolves the artifact path of an idea-scope or run-scope stage.
// Build-scope paths depend on the build id and are resolved separately.
func StagePath(l *layout.Layout, runID, ideaDir string, s Stage) string {
	if s.Scope == ScopeRun {
		return l.RunStagePath(runID, s.ID, s.FileName())
	}
	return l.IdeaStagePath(runID, ideaDir, s.FileName())
}
