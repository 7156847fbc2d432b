// internal/layout/layout.go
//
// Defines the project directory structure and file constants.
// Run, idea-pack, and build state all live in plain directories next to
// the project so they can be inspected (and git-tracked) by hand.

package layout

import (
	"errors"
	"fmt"
	"path/filepath"
	"regexp"
	"strings"
)

// Directory names under the project root
const (
	FactoryDir     = ".appfactory"
	RunsDir        = "runs"
	BuildsDir      = "builds"
	LeaderboardDir = "leaderboards"
	LogsDir        = "logs"
)

// Directory names inside a run
const (
	IdeasDir    = "ideas"
	FailuresDir = "failures"
	MetaDir     = "meta"
	StagesDir   = "stages"
)

// File names
const (
	FileConfig      = "config.yaml"
	FileResearch    = "market_research.json"
	FileLock        = "pipeline.lock"
	FileLog         = "appfactory.log"
	FileManifest    = "manifest.json"
	FileIntake      = "intake.md"
	FileJournal     = "journal.log"
	FileIdeaIndex   = "idea_index.json"
	FileIdea        = "idea.json"
	FileBoundary    = "boundary.json"
	FileStatus      = "status.json"
	FileBuildIndex  = "build_index.json"
	FileBuildResult = "build_manifest.json"
	FileLedger      = "ledger.json"
	FileGlobalView  = "global_leaderboard.json"
)

// MaxSlugLength bounds the slug segment of idea-pack directory names.
const MaxSlugLength = 40

const stagingPrefix = ".staging-"

// MaxIDLength bounds run and idea ids.
const MaxIDLength = 128

// ErrInvalidID is returned for ids that cannot be a single path element.
var ErrInvalidID = errors.New("layout: invalid id")

var idPattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._-]*$`)

// Dirs overrides the top-level directory names. Empty fields keep defaults.
type Dirs struct {
	Runs         string
	Builds       string
	Leaderboards string
}

// Layout resolves canonical paths for a project. It has no side effects.
type Layout struct {
	root string
	dirs Dirs
}

// New creates a Layout rooted at the project directory.
func New(root string, dirs Dirs) *Layout {
	if strings.TrimSpace(dirs.Runs) == "" {
		dirs.Runs = RunsDir
	}
	if strings.TrimSpace(dirs.Builds) == "" {
		dirs.Builds = BuildsDir
	}
	if strings.TrimSpace(dirs.Leaderboards) == "" {
		dirs.Leaderboards = LeaderboardDir
	}
	return &Layout{root: filepath.Clean(root), dirs: dirs}
}

// Root returns the project root.
func (l *Layout) Root() string {
	return l.root
}

// FactoryDir returns .appfactory under the project root
func (l *Layout) FactoryDir() string {
	return filepath.Join(l.root, FactoryDir)
}

// ConfigPath returns .appfactory/config.yaml
func (l *Layout) ConfigPath() string {
	return filepath.Join(l.FactoryDir(), FileConfig)
}

// LockPath returns the repository-wide lock marker
func (l *Layout) LockPath() string {
	return filepath.Join(l.FactoryDir(), FileLock)
}

// LogsDir returns .appfactory/logs
func (l *Layout) LogsDir() string {
	return filepath.Join(l.FactoryDir(), LogsDir)
}

// LogPath returns the JSON log file
func (l *Layout) LogPath() string {
	return filepath.Join(l.LogsDir(), FileLog)
}

// RunsDir returns the directory holding every run
func (l *Layout) RunsDir() string {
	return filepath.Join(l.root, l.dirs.Runs)
}

// RunPath returns the directory of a single run
func (l *Layout) RunPath(runID string) string {
	return filepath.Join(l.RunsDir(), runID)
}

// ManifestPath returns runs/<id>/manifest.json
func (l *Layout) ManifestPath(runID string) string {
	return filepath.Join(l.RunPath(runID), FileManifest)
}

// IntakePath returns runs/<id>/intake.md
func (l *Layout) IntakePath(runID string) string {
	return filepath.Join(l.RunPath(runID), FileIntake)
}

// JournalPath returns runs/<id>/journal.log
func (l *Layout) JournalPath(runID string) string {
	return filepath.Join(l.RunPath(runID), FileJournal)
}

// FailuresDir returns runs/<id>/failures
func (l *Layout) FailuresDir(runID string) string {
	return filepath.Join(l.RunPath(runID), FailuresDir)
}

// RunStagePath returns the path of a run-scoped stage artifact.
func (l *Layout) RunStagePath(runID, stageID, file string) string {
	return filepath.Join(l.RunPath(runID), "stage"+stageID, file)
}

// ResearchPath returns the run-scoped research artifact shared read-only
// with every idea pack of the run.
func (l *Layout) ResearchPath(runID string) string {
	return l.RunStagePath(runID, "01", FileResearch)
}

// IdeasDir returns runs/<id>/ideas
func (l *Layout) IdeasDir(runID string) string {
	return filepath.Join(l.RunPath(runID), IdeasDir)
}

// IdeaIndexPath returns runs/<id>/ideas/idea_index.json
func (l *Layout) IdeaIndexPath(runID string) string {
	return filepath.Join(l.IdeasDir(runID), FileIdeaIndex)
}

// IdeaPackPath returns the subtree owned by one idea pack
func (l *Layout) IdeaPackPath(runID, ideaDir string) string {
	return filepath.Join(l.IdeasDir(runID), ideaDir)
}

// IdeaMetaPath returns a file inside the idea pack meta directory
func (l *Layout) IdeaMetaPath(runID, ideaDir, file string) string {
	return filepath.Join(l.IdeaPackPath(runID, ideaDir), MetaDir, file)
}

// IdeaStagePath returns the path of an idea-scoped stage artifact.
func (l *Layout) IdeaStagePath(runID, ideaDir, file string) string {
	return filepath.Join(l.IdeaPackPath(runID, ideaDir), StagesDir, file)
}

// BuildsDir returns the directory holding every materialized build
func (l *Layout) BuildsDir() string {
	return filepath.Join(l.root, l.dirs.Builds)
}

// IdeaBuildsDir returns builds/<ideaDir>, which the idea pack owns
func (l *Layout) IdeaBuildsDir(ideaDir string) string {
	return filepath.Join(l.BuildsDir(), ideaDir)
}

// BuildPath returns builds/<ideaDir>/<buildId>
func (l *Layout) BuildPath(ideaDir, buildID string) string {
	return filepath.Join(l.IdeaBuildsDir(ideaDir), buildID)
}

// BuildStagingPath returns the directory a build is materialized into before
// it is renamed into place.
func (l *Layout) BuildStagingPath(ideaDir, buildID string) string {
	return filepath.Join(l.IdeaBuildsDir(ideaDir), stagingPrefix+buildID)
}

// BuildIndexPath returns builds/build_index.json
func (l *Layout) BuildIndexPath() string {
	return filepath.Join(l.BuildsDir(), FileBuildIndex)
}

// LeaderboardDir returns the leaderboard directory
func (l *Layout) LeaderboardDir() string {
	return filepath.Join(l.root, l.dirs.Leaderboards)
}

// LedgerPath returns the append-only ledger
func (l *Layout) LedgerPath() string {
	return filepath.Join(l.LeaderboardDir(), FileLedger)
}

// GlobalViewPath returns the derived, globally sorted leaderboard
func (l *Layout) GlobalViewPath() string {
	return filepath.Join(l.LeaderboardDir(), FileGlobalView)
}

// Rel converts an absolute path under the root into a slash-separated,
// root-relative path. Paths outside the root are returned as an error.
func (l *Layout) Rel(path string) (string, error) {
	rel, err := filepath.Rel(l.root, filepath.Clean(path))
	if err != nil {
		return "", fmt.Errorf("layout: %s is not under %s: %w", path, l.root, err)
	}
	if rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("layout: %s escapes project root", path)
	}
	return filepath.ToSlash(rel), nil
}

// MustRel is Rel for paths the layout itself produced.
func (l *Layout) MustRel(path string) string {
	rel, err := l.Rel(path)
	if err != nil {
		panic(err)
	}
	return rel
}

// Abs converts a root-relative path back into an absolute path.
func (l *Layout) Abs(rel string) string {
	return filepath.Join(l.root, filepath.FromSlash(rel))
}

// IdeaDirName builds the canonical idea-pack directory name:
// <2-digit rank>_<slug>__<idea id>.
func IdeaDirName(rank int, name, ideaID string) string {
	return fmt.Sprintf("%02d_%s__%s", rank, Slugify(name), ideaID)
}

// Slugify lower-cases name, collapses runs of non-alphanumerics into a
// single underscore and truncates to MaxSlugLength.
func Slugify(name string) string {
	var b strings.Builder
	pendingSep := false
	for _, r := range strings.ToLower(name) {
		isAlnum := (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9')
		if !isAlnum {
			pendingSep = true
			continue
		}
		if pendingSep && b.Len() > 0 {
			b.WriteByte('_')
		}
		pendingSep = false
		b.WriteRune(r)
	}
	slug := b.String()
	if len(slug) > MaxSlugLength {
		slug = strings.TrimRight(slug[:MaxSlugLength], "_")
	}
	if slug == "" {
		return "idea"
	}
	return slug
}

// CheckID rejects ids that are not a single plain path element. Run ids,
// idea ids and idea directory names all pass through it before they are
// joined into a path.
func CheckID(id string) error {
	if len(id) > MaxIDLength || !idPattern.MatchString(id) || strings.Contains(id, "..") {
		return fmt.Errorf("%w: %q", ErrInvalidID, id)
	}
	return nil
}

// IsStagingDir reports whether a directory name under builds/<ideaDir> is an
// unfinished build.
func IsStagingDir(name string) bool {
	return strings.HasPrefix(name, stagingPrefix)
}
