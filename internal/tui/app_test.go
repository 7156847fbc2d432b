package tui

import (
	"errors"
	"strings"
	"testing"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kingrea/appfactory/internal/factory"
	"github.com/kingrea/appfactory/internal/failure"
	"github.com/kingrea/appfactory/internal/run"
)

type fakeSource struct {
	report *factory.StatusReport
	err    error
	asked  []string
}

func (f *fakeSource) Status(runID string, lines int) (*factory.StatusReport, error) {
	f.asked = append(f.asked, runID)
	return f.report, f.err
}

func sampleReport() *factory.StatusReport {
	m := run.NewManifest("20260601T080000Z-build-abcd1234", run.CommandBuild, "test-engine", "hash", time.Now())
	m.Status = run.StatusFailed
	m.CompletedStages = []string{"02", "03"}
	m.Source = &run.Source{RunID: "20260601T070000Z-research-0000aaaa", IdeaID: "habit-7"}
	m.Failure = &run.FailureRecord{Stage: "04", Kind: failure.KindExecutor, Message: "model overloaded", Report: "runs/x/failures/r.json"}
	return &factory.StatusReport{
		Run: m,
		Ideas: []run.IdeaStatus{{
			IdeaID:          "habit-7",
			Dir:             "02_habit_loop__habit-7",
			State:           run.IdeaFailed,
			CompletedStages: []string{"02", "03"},
		}},
		Journal: []string{"[08:00:01] INFO stage 03 completed for habit-7"},
	}
}

func TestStatusViewRendersReport(t *testing.T) {
	src := &fakeSource{report: sampleReport()}
	app := NewApp(src, "")

	msg := app.Init()()
	model, cmd := app.Update(msg)
	require.NotNil(t, cmd, "a refresh must be scheduled")
	app = model.(*App)

	view := app.View()
	for _, want := range []string{
		"20260601T080000Z-build-abcd1234",
		"02_habit_loop__habit-7",
		"■■□□□□□□□",
		"model overloaded",
		"stage 03 completed",
	} {
		assert.Contains(t, view, want)
	}
	assert.Equal(t, "20260601T080000Z-build-abcd1234", app.runID, "the run shown is pinned")
}

func TestStatusViewKeepsLastReportOnError(t *testing.T) {
	src := &fakeSource{report: sampleReport()}
	app := NewApp(src, "r1", WithRefreshInterval(time.Millisecond))
	model, _ := app.Update(app.Init()())
	app = model.(*App)

	src.err = errors.New("manifest unreadable")
	src.report = nil
	model, _ = app.Update(app.fetch()())
	app = model.(*App)

	view := app.View()
	assert.Contains(t, view, "02_habit_loop__habit-7")
	assert.Contains(t, view, "refresh failed: manifest unreadable")
	assert.Equal(t, "r1", src.asked[0])
}

func TestStatusViewQuits(t *testing.T) {
	app := NewApp(&fakeSource{err: errors.New("no runs")}, "")
	model, _ := app.Update(app.Init()())
	assert.True(t, strings.Contains(model.View(), "no runs"))

	_, cmd := app.Update(tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune("q")})
	require.NotNil(t, cmd)
	assert.Equal(t, tea.Quit(), cmd())
}
