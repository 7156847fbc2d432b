package factory

import (
	"errors"
	"os"
	"path/filepath"
	"slices"
	"sort"

	"github.com/kingrea/appfactory/internal/artifact"
	"github.com/kingrea/appfactory/internal/failure"
	"github.com/kingrea/appfactory/internal/layout"
	"github.com/kingrea/appfactory/internal/ledger"
	"github.com/kingrea/appfactory/internal/lock"
	"github.com/kingrea/appfactory/internal/logbook"
	"github.com/kingrea/appfactory/internal/pipeline"
	"github.com/kingrea/appfactory/internal/registry"
	"github.com/kingrea/appfactory/internal/run"
	"github.com/kingrea/appfactory/internal/store"
)

// The read-only queries below never take the lock. Every record they read is
// replaced atomically, so they observe either the old or the new version.

// RunSummary is one line of the run list.
type RunSummary struct {
	RunID     string
	Command   run.Command
	Status    run.Status
	Engine    string
	Stages    []string
	Ideas     int
	Source    *run.Source
	Failure   *run.FailureRecord
	UpdatedAt string
}

// ListRuns returns every run, newest first.
func (f *Factory) ListRuns() ([]RunSummary, error) {
	ids, err := f.repo.ListRunIDs()
	if err != nil {
		return nil, err
	}
	out := make([]RunSummary, 0, len(ids))
	for i := len(ids) - 1; i >= 0; i-- {
		m, err := f.repo.LoadManifest(ids[i])
		if err != nil {
			return nil, err
		}
		ideas := m.IdeaCount
		if len(m.Ideas) > ideas {
			ideas = len(m.Ideas)
		}
		out = append(out, RunSummary{
			RunID:     m.RunID,
			Command:   m.Command,
			Status:    m.Status,
			Engine:    m.Engine,
			Stages:    m.CompletedStages,
			Ideas:     ideas,
			Source:    m.Source,
			Failure:   m.Failure,
			UpdatedAt: m.UpdatedAt.Format("2006-01-02 15:04:05Z"),
		})
	}
	return out, nil
}

// StatusReport is everything status shows for one run.
type StatusReport struct {
	Run      run.Manifest
	Ideas    []run.IdeaStatus
	Failures []failure.Report
	Journal  []string
	// JournalTotal counts every journal line, shown or not.
	JournalTotal int
	Lock         *lock.Marker
	LockProblem  string
	// Edited lists stage artifacts whose body no longer matches the
	// checksum recorded when they were written.
	Edited []string
}

// Status reports on runID, or on the newest run when runID is empty.
func (f *Factory) Status(runID string, journalLines int) (*StatusReport, error) {
	if runID == "" {
		ids, err := f.repo.ListRunIDs()
		if err != nil {
			return nil, err
		}
		if len(ids) == 0 {
			return nil, run.ErrRunNotFound
		}
		runID = ids[len(ids)-1]
	}
	m, err := f.repo.LoadManifest(runID)
	if err != nil {
		return nil, err
	}
	report := &StatusReport{Run: m}

	// status.json is authoritative; the manifest copy fills in packs that
	// have not been written yet.
	for ideaID, st := range m.Ideas {
		owner := m.RunID
		if m.Source != nil && m.Source.IdeaID == ideaID {
			owner = m.Source.RunID
		}
		if fresh, err := f.repo.LoadIdeaStatus(owner, st.Dir); err == nil {
			st = fresh
		} else if !errors.Is(err, store.ErrNotFound) {
			return nil, err
		}
		report.Ideas = append(report.Ideas, st)
		report.Edited = append(report.Edited, f.editedStages(owner, st)...)
	}
	sort.Slice(report.Ideas, func(i, j int) bool {
		return report.Ideas[i].Dir < report.Ideas[j].Dir
	})
	sort.Strings(report.Edited)

	failures, err := failure.ListReports(f.layout.FailuresDir(m.RunID))
	if err != nil {
		return nil, err
	}
	report.Failures = failures
	report.Journal, report.JournalTotal = logbook.Tail(f.layout.JournalPath(m.RunID), journalLines)

	holder, err := f.locks.Inspect()
	if err == nil {
		report.Lock = holder
	}
	if cerr := f.locks.Check(); cerr != nil {
		var stale *lock.StaleError
		if errors.As(cerr, &stale) {
			report.LockProblem = stale.Error()
		}
	}
	return report, nil
}

// Leaderboard returns the top entries of the global view. A missing view is
// derived from the ledger in memory.
func (f *Factory) Leaderboard(limit int) ([]ledger.Ranked, error) {
	view, err := f.ledger.LoadView()
	if err != nil {
		if !errors.Is(err, store.ErrNotFound) {
			return nil, err
		}
		entries, err := f.ledger.Entries()
		if err != nil {
			return nil, err
		}
		view = ledger.Sorted(entries)
	}
	return view.Top(limit), nil
}

// Builds returns the build registry.
func (f *Factory) Builds() (registry.Index, error) {
	return f.builds.Load()
}

// ValidateBuilds lists problems with the build registry and with the build
// directories it points at.
func (f *Factory) ValidateBuilds() ([]string, error) {
	problems, err := f.builds.Validate()
	if err != nil {
		return nil, err
	}
	idx, err := f.builds.Load()
	if err != nil {
		return nil, err
	}
	for _, b := range idx.Builds {
		if b.BuildPath == "" {
			continue
		}
		if !store.DirExists(f.layout.Abs(b.BuildPath)) {
			problems = append(problems, "build "+b.BuildID+": directory "+b.BuildPath+" is missing")
		}
	}
	leftovers, err := f.stagingLeftovers()
	if err != nil {
		return nil, err
	}
	for _, dir := range leftovers {
		problems = append(problems, "staging directory "+dir+" was left by an interrupted build")
	}
	return problems, nil
}

// stagingLeftovers lists .staging-* directories under builds/<ideaDir>/. A
// build that finished renamed its staging directory into place, so any that
// remain belong to a build that never completed.
func (f *Factory) stagingLeftovers() ([]string, error) {
	ideaDirs, err := os.ReadDir(f.layout.BuildsDir())
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}
	var out []string
	for _, ideaDir := range ideaDirs {
		if !ideaDir.IsDir() {
			continue
		}
		entries, err := os.ReadDir(filepath.Join(f.layout.BuildsDir(), ideaDir.Name()))
		if err != nil {
			return nil, err
		}
		for _, e := range entries {
			if e.IsDir() && layout.IsStagingDir(e.Name()) {
				out = append(out, f.rel(filepath.Join(f.layout.BuildsDir(), ideaDir.Name(), e.Name())))
			}
		}
	}
	return out, nil
}

// editedStages returns the completed idea-scoped stage artifacts of st that
// were changed by hand after they were written.
func (f *Factory) editedStages(owner string, st run.IdeaStatus) []string {
	var out []string
	for _, stage := range pipeline.ChainStages() {
		if !slices.Contains(st.CompletedStages, stage.ID) {
			continue
		}
		res := f.artifacts.Check(pipeline.StagePath(f.layout, owner, st.Dir, stage), stage.Kind)
		if res.State == artifact.StateReady && res.Artifact.Drifted() {
			out = append(out, f.rel(res.Path))
		}
	}
	return out
}
