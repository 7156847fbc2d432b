// Package run models the persisted state of pipeline runs and idea packs.
//
// The manifest of a run and the status file of each idea pack are the
// authoritative progress records. Directory listings are only a human-facing
// mirror of them.
package run

import (
	"fmt"
	"strings"
	"time"

	"github.com/kingrea/appfactory/internal/failure"
	"github.com/kingrea/appfactory/internal/layout"
)

// Command names the entry point that created a run.
type Command string

const (
	CommandResearch Command = "research"
	CommandBuild    Command = "build"
	CommandDream    Command = "dream"
)

// ParseCommand validates a command name.
func ParseCommand(value string) (Command, error) {
	switch c := Command(strings.ToLower(strings.TrimSpace(value))); c {
	case CommandResearch, CommandBuild, CommandDream:
		return c, nil
	default:
		return "", fmt.Errorf("run: unknown command %q", value)
	}
}

// Status is the lifecycle state of a run.
type Status string

const (
	StatusPending    Status = "pending"
	StatusInProgress Status = "in_progress"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
)

var runTransitions = map[Status][]Status{
	StatusPending:    {StatusInProgress, StatusFailed},
	StatusInProgress: {StatusInProgress, StatusCompleted, StatusFailed},
	StatusFailed:     {StatusInProgress},
	StatusCompleted:  {StatusCompleted},
}

// IdeaState is the lifecycle state of one idea pack.
type IdeaState string

const (
	IdeaUnbuilt    IdeaState = "unbuilt"
	IdeaInProgress IdeaState = "in_progress"
	IdeaCompleted  IdeaState = "completed"
	IdeaFailed     IdeaState = "failed"
)

var ideaTransitions = map[IdeaState][]IdeaState{
	IdeaUnbuilt:    {IdeaInProgress},
	IdeaInProgress: {IdeaInProgress, IdeaCompleted, IdeaFailed},
	IdeaFailed:     {IdeaInProgress},
	IdeaCompleted:  {IdeaInProgress, IdeaCompleted},
}

func allowed[S comparable](table map[S][]S, from, to S) bool {
	for _, next := range table[from] {
		if next == to {
			return true
		}
	}
	return false
}

// FailureRecord is the failure summary stored on manifests and idea status.
type FailureRecord struct {
	Stage   string       `json:"stage"`
	IdeaID  string       `json:"idea_id,omitempty"`
	Kind    failure.Kind `json:"kind"`
	Message string       `json:"message"`
	Report  string       `json:"report,omitempty"`
	At      time.Time    `json:"at"`
}

// Source points a build run at the idea pack it builds.
type Source struct {
	RunID  string `json:"run_id"`
	IdeaID string `json:"idea_id"`
}

// Manifest is the persisted record of one run.
type Manifest struct {
	RunID           string                `json:"run_id"`
	Command         Command               `json:"command"`
	Engine          string                `json:"engine"`
	InputHash       string                `json:"input_hash"`
	Status          Status                `json:"status"`
	CompletedStages []string              `json:"completed_stages"`
	Failure         *FailureRecord        `json:"failure,omitempty"`
	Ideas           map[string]IdeaStatus `json:"ideas"`
	Source          *Source               `json:"source,omitempty"`
	IdeaCount       int                   `json:"idea_count,omitempty"`
	CreatedAt       time.Time             `json:"created_at"`
	UpdatedAt       time.Time             `json:"updated_at"`
}

// NewManifest returns a pending manifest.
func NewManifest(runID string, command Command, engine, inputHash string, now time.Time) Manifest {
	return Manifest{
		RunID:           runID,
		Command:         command,
		Engine:          engine,
		InputHash:       inputHash,
		Status:          StatusPending,
		CompletedStages: []string{},
		Ideas:           map[string]IdeaStatus{},
		CreatedAt:       now.UTC(),
		UpdatedAt:       now.UTC(),
	}
}

// Transition moves the run to a new status.
func (m *Manifest) Transition(to Status, now time.Time) error {
	if !allowed(runTransitions, m.Status, to) {
		return fmt.Errorf("run: %s cannot move from %s to %s", m.RunID, m.Status, to)
	}
	m.Status = to
	if to == StatusInProgress {
		m.Failure = nil
	}
	m.UpdatedAt = now.UTC()
	return nil
}

// Fail records rec and marks the run failed.
func (m *Manifest) Fail(rec FailureRecord, now time.Time) error {
	if err := m.Transition(StatusFailed, now); err != nil {
		return err
	}
	m.Failure = &rec
	return nil
}

// CompleteStage appends stage to the completed list once. It reports whether
// the list changed.
func (m *Manifest) CompleteStage(stage string) bool {
	if m.HasStage(stage) {
		return false
	}
	m.CompletedStages = append(m.CompletedStages, stage)
	return true
}

// HasStage reports whether stage is recorded as completed.
func (m Manifest) HasStage(stage string) bool {
	return contains(m.CompletedStages, stage)
}

// SetIdea mirrors an idea status into the manifest.
func (m *Manifest) SetIdea(st IdeaStatus) {
	if m.Ideas == nil {
		m.Ideas = map[string]IdeaStatus{}
	}
	m.Ideas[st.IdeaID] = st.Clone()
}

// IdeaPack is the immutable identity of one candidate idea within a run.
type IdeaPack struct {
	RunID     string    `json:"run_id"`
	ID        string    `json:"idea_id"`
	Name      string    `json:"name"`
	Slug      string    `json:"slug"`
	Rank      int       `json:"rank"`
	Dir       string    `json:"dir"`
	Score     *float64  `json:"score,omitempty"`
	Summary   string    `json:"summary,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// NewIdeaPack derives slug and directory name for an idea.
func NewIdeaPack(runID, ideaID, name string, rank int, now time.Time) IdeaPack {
	return IdeaPack{
		RunID:     runID,
		ID:        ideaID,
		Name:      strings.TrimSpace(name),
		Slug:      layout.Slugify(name),
		Rank:      rank,
		Dir:       layout.IdeaDirName(rank, name, ideaID),
		CreatedAt: now.UTC(),
	}
}

// IdeaStatus is the mutable progress record of one idea pack.
type IdeaStatus struct {
	IdeaID          string         `json:"idea_id"`
	Dir             string         `json:"dir"`
	State           IdeaState      `json:"state"`
	CompletedStages []string       `json:"completed_stages"`
	Missing         []string       `json:"missing,omitempty"`
	BuildID         string         `json:"build_id,omitempty"`
	Failure         *FailureRecord `json:"failure,omitempty"`
	UpdatedAt       time.Time      `json:"updated_at"`
}

// NewIdeaStatus returns the initial status of a freshly created pack.
func NewIdeaStatus(pack IdeaPack, now time.Time) IdeaStatus {
	return IdeaStatus{
		IdeaID:          pack.ID,
		Dir:             pack.Dir,
		State:           IdeaUnbuilt,
		CompletedStages: []string{},
		UpdatedAt:       now.UTC(),
	}
}

// Transition moves the idea to a new state.
func (s *IdeaStatus) Transition(to IdeaState, now time.Time) error {
	if !allowed(ideaTransitions, s.State, to) {
		return fmt.Errorf("run: idea %s cannot move from %s to %s", s.IdeaID, s.State, to)
	}
	s.State = to
	if to == IdeaInProgress {
		s.Failure = nil
		s.Missing = nil
	}
	s.UpdatedAt = now.UTC()
	return nil
}

// CompleteStage appends stage once and reports whether the list changed.
func (s *IdeaStatus) CompleteStage(stage string) bool {
	if s.HasStage(stage) {
		return false
	}
	s.CompletedStages = append(s.CompletedStages, stage)
	return true
}

// HasStage reports whether stage is recorded as completed.
func (s IdeaStatus) HasStage(stage string) bool {
	return contains(s.CompletedStages, stage)
}

// AddMissing records a required artifact that is absent.
func (s *IdeaStatus) AddMissing(rel string) {
	if !contains(s.Missing, rel) {
		s.Missing = append(s.Missing, rel)
	}
}

// Clone returns a deep copy.
func (s IdeaStatus) Clone() IdeaStatus {
	clone := s
	clone.CompletedStages = append([]string{}, s.CompletedStages...)
	if s.Missing != nil {
		clone.Missing = append([]string{}, s.Missing...)
	}
	if s.Failure != nil {
		f := *s.Failure
		clone.Failure = &f
	}
	return clone
}

// IndexEntry lists one idea pack in the idea index.
type IndexEntry struct {
	Rank   int    `json:"rank"`
	IdeaID string `json:"idea_id"`
	Name   string `json:"name"`
	Slug   string `json:"slug"`
	Dir    string `json:"dir"`
}

// IdeaIndex is the ordered list of idea packs of a run.
type IdeaIndex struct {
	RunID string       `json:"run_id"`
	Ideas []IndexEntry `json:"ideas"`
}

// NewIdeaIndex builds an index from packs in rank order.
func NewIdeaIndex(runID string, packs []IdeaPack) IdeaIndex {
	idx := IdeaIndex{RunID: runID, Ideas: make([]IndexEntry, 0, len(packs))}
	for _, p := range packs {
		idx.Ideas = append(idx.Ideas, IndexEntry{Rank: p.Rank, IdeaID: p.ID, Name: p.Name, Slug: p.Slug, Dir: p.Dir})
	}
	return idx
}

// Find matches query against idea id, directory name, then slug.
func (idx IdeaIndex) Find(query string) (IndexEntry, bool) {
	q := strings.TrimSpace(query)
	if q == "" {
		return IndexEntry{}, false
	}
	for _, e := range idx.Ideas {
		if e.IdeaID == q || e.Dir == q {
			return e, true
		}
	}
	slug := layout.Slugify(q)
	for _, e := range idx.Ideas {
		if e.Slug == slug {
			return e, true
		}
	}
	return IndexEntry{}, false
}

func contains(values []string, target string) bool {
	for _, v := range values {
		if v == target {
			return true
		}
	}
	return false
}
