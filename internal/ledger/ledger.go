// Package ledger maintains the cross-run leaderboard: an append-only ledger
// of ranked ideas and a globally sorted view derived from it.
package ledger

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/kingrea/appfactory/internal/failure"
	"github.com/kingrea/appfactory/internal/store"
)

// Version of the ledger and view documents.
const Version = 1

// Entry is one ranked idea of one research run.
type Entry struct {
	IdeaID  string    `json:"idea_id"`
	RunID   string    `json:"run_id"`
	Name    string    `json:"name"`
	Slug    string    `json:"slug"`
	Rank    int       `json:"rank"`
	Score   *float64  `json:"score,omitempty"`
	RunDate time.Time `json:"run_date"`
	Command string    `json:"command"`
	// Artifact is the root-relative path of the research artifact that
	// listed the idea.
	Artifact string `json:"artifact"`
	IdeaDir  string `json:"idea_dir"`
	Summary  string `json:"summary,omitempty"`
}

// Key identifies an entry.
type Key struct {
	IdeaID string
	RunID  string
}

// Key returns the identity of e.
func (e Entry) Key() Key {
	return Key{IdeaID: e.IdeaID, RunID: e.RunID}
}

func (e Entry) validate() error {
	switch {
	case strings.TrimSpace(e.IdeaID) == "":
		return fmt.Errorf("entry has no idea id")
	case strings.TrimSpace(e.RunID) == "":
		return fmt.Errorf("entry %s has no run id", e.IdeaID)
	case e.Rank < 1:
		return fmt.Errorf("entry %s has rank %d", e.IdeaID, e.Rank)
	}
	return nil
}

type document struct {
	Version int     `json:"version"`
	Entries []Entry `json:"entries"`
}

// Ranked is an entry with its global position.
type Ranked struct {
	Position int `json:"position"`
	Entry
}

// View is the derived global leaderboard.
type View struct {
	Version int      `json:"version"`
	Count   int      `json:"count"`
	Entries []Ranked `json:"entries"`
}

// Top returns at most n entries; n <= 0 returns all of them.
func (v View) Top(n int) []Ranked {
	if n <= 0 || n >= len(v.Entries) {
		return v.Entries
	}
	return v.Entries[:n]
}

// Ledger reads and appends the ledger file and rebuilds the view file.
// Callers serialize access through the repository lock.
type Ledger struct {
	path     string
	viewPath string
}

// New returns a ledger stored at path whose view is written to viewPath.
func New(path, viewPath string) *Ledger {
	return &Ledger{path: path, viewPath: viewPath}
}

// Entries returns every entry in append order. A missing ledger is empty.
func (l *Ledger) Entries() ([]Entry, error) {
	var doc document
	if err := store.ReadJSON(l.path, &doc); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, nil
		}
		if errors.Is(err, store.ErrMalformed) {
			return nil, failure.Validation("", "", l.path, "malformed leaderboard ledger", err)
		}
		return nil, err
	}
	return doc.Entries, nil
}

// HasRun reports whether any entry belongs to runID.
func (l *Ledger) HasRun(runID string) (bool, error) {
	entries, err := l.Entries()
	if err != nil {
		return false, err
	}
	for _, e := range entries {
		if e.RunID == runID {
			return true, nil
		}
	}
	return false, nil
}

// Append adds entries to the ledger. The batch is rejected as a whole when
// any entry is incomplete or its (idea, run) key is already recorded.
func (l *Ledger) Append(entries []Entry) error {
	existing, err := l.Entries()
	if err != nil {
		return err
	}
	seen := make(map[Key]bool, len(existing)+len(entries))
	for _, e := range existing {
		seen[e.Key()] = true
	}
	for _, e := range entries {
		if err := e.validate(); err != nil {
			return failure.Validation("", e.IdeaID, l.path, "invalid leaderboard entry", err)
		}
		if seen[e.Key()] {
			return failure.Validation("", e.IdeaID, l.path, fmt.Sprintf("leaderboard already holds idea %s of run %s", e.IdeaID, e.RunID), nil)
		}
		seen[e.Key()] = true
	}
	doc := document{Version: Version, Entries: append(existing, entries...)}
	if err := store.WriteJSON(l.path, doc); err != nil {
		return failure.Write(l.path, err)
	}
	return nil
}

// RebuildGlobalView sorts every entry and rewrites the view file. The output
// depends only on the ledger contents.
func (l *Ledger) RebuildGlobalView() (View, error) {
	entries, err := l.Entries()
	if err != nil {
		return View{}, err
	}
	view := Sorted(entries)
	if err := store.WriteJSON(l.viewPath, view); err != nil {
		return View{}, failure.Write(l.viewPath, err)
	}
	return view, nil
}

// LoadView reads the last written view.
func (l *Ledger) LoadView() (View, error) {
	var view View
	if err := store.ReadJSON(l.viewPath, &view); err != nil {
		return View{}, err
	}
	return view, nil
}

// Sorted ranks entries globally: score descending with missing scores last,
// then newer runs first, then rank within the run, then idea id and run id.
func Sorted(entries []Entry) View {
	sorted := append([]Entry{}, entries...)
	sort.SliceStable(sorted, func(i, j int) bool {
		return less(sorted[i], sorted[j])
	})
	view := View{Version: Version, Count: len(sorted), Entries: make([]Ranked, 0, len(sorted))}
	for i, e := range sorted {
		view.Entries = append(view.Entries, Ranked{Position: i + 1, Entry: e})
	}
	return view
}

func less(a, b Entry) bool {
	if c := compareScore(a.Score, b.Score); c != 0 {
		return c > 0
	}
	if !a.RunDate.Equal(b.RunDate) {
		return a.RunDate.After(b.RunDate)
	}
	if a.Rank != b.Rank {
		return a.Rank < b.Rank
	}
	if a.IdeaID != b.IdeaID {
		return a.IdeaID < b.IdeaID
	}
	return a.RunID < b.RunID
}

func compareScore(a, b *float64) int {
	switch {
	case a == nil && b == nil:
		return 0
	case a == nil:
		return -1
	case b == nil:
		return 1
	case *a > *b:
		return 1
	case *a < *b:
		return -1
	default:
		return 0
	}
}
