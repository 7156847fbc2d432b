package failure

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/kingrea/appfactory/internal/layout"
	"github.com/kingrea/appfactory/internal/store"
)

// Report is the durable form of a failure, written under runs/<id>/failures.
type Report struct {
	Kind     Kind      `json:"kind"`
	RunID    string    `json:"run_id"`
	Stage    string    `json:"stage,omitempty"`
	IdeaID   string    `json:"idea_id,omitempty"`
	Path     string    `json:"path,omitempty"`
	Field    string    `json:"field,omitempty"`
	Expected string    `json:"expected,omitempty"`
	Actual   string    `json:"actual,omitempty"`
	Message  string    `json:"message"`
	Time     time.Time `json:"time"`
}

// NewReport captures err for runID. Unclassified errors are recorded as write
// failures when they come from the filesystem and as executor failures
// otherwise.
func NewReport(runID string, err error, at time.Time) Report {
	r := Report{RunID: runID, Time: at.UTC(), Message: err.Error()}
	var fe *Error
	if errors.As(err, &fe) {
		r.Kind = fe.Kind
		r.Stage = fe.Stage
		r.IdeaID = fe.IdeaID
		r.Path = fe.Path
		r.Field = fe.Field
		r.Expected = fe.Expected
		r.Actual = fe.Actual
		return r
	}
	if kind, ok := KindOf(err); ok {
		r.Kind = kind
		return r
	}
	var pathErr *os.PathError
	if errors.As(err, &pathErr) {
		r.Kind = KindWrite
		r.Path = pathErr.Path
		return r
	}
	r.Kind = KindExecutor
	return r
}

// FileName returns <timestamp>_<stage>[_<idea>].json.
func (r Report) FileName() string {
	parts := []string{r.Time.UTC().Format("20060102T150405.000Z")}
	if r.Stage != "" {
		parts = append(parts, "stage"+r.Stage)
	} else {
		parts = append(parts, string(r.Kind))
	}
	if r.IdeaID != "" && layout.CheckID(r.IdeaID) == nil {
		parts = append(parts, r.IdeaID)
	}
	return strings.Join(parts, "_") + ".json"
}

// WriteReport persists r into dir and returns the written path. An existing
// report with the same name is never replaced.
func WriteReport(dir string, r Report) (string, error) {
	name := r.FileName()
	path := filepath.Join(dir, name)
	for i := 2; store.Exists(path); i++ {
		path = filepath.Join(dir, fmt.Sprintf("%s-%d.json", strings.TrimSuffix(name, ".json"), i))
	}
	if err := store.WriteJSON(path, r); err != nil {
		return "", fmt.Errorf("failure: write report: %w", err)
	}
	return path, nil
}

// ListReports returns the reports in dir, oldest first.
func ListReports(dir string) ([]Report, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("failure: list reports: %w", err)
	}
	var reports []Report
	for _, entry := range entries {
		if entry.IsDir() || filepath.Ext(entry.Name()) != ".json" {
			continue
		}
		var r Report
		if err := store.ReadJSON(filepath.Join(dir, entry.Name()), &r); err != nil {
			return nil, fmt.Errorf("failure: read report %s: %w", entry.Name(), err)
		}
		reports = append(reports, r)
	}
	sort.SliceStable(reports, func(i, j int) bool {
		return reports[i].Time.Before(reports[j].Time)
	})
	return reports, nil
}
