// internal/tui/app.go
//
// Live status view for `appfactory status --watch`. It uses bubbletea,
// which follows The Elm Architecture:
//
// 1. Model: the last status report and the idea table
// 2. Update: refresh ticks and key presses
// 3. View: renders the report with lipgloss
//
// The view is read-only. It never takes the pipeline lock, so it can watch a
// run that another process is executing.

package tui

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/table"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/kingrea/appfactory/internal/factory"
	"github.com/kingrea/appfactory/internal/layout"
	"github.com/kingrea/appfactory/internal/pipeline"
	"github.com/kingrea/appfactory/internal/run"
)

const (
	defaultRefreshInterval = 2 * time.Second
	journalLines           = 8
)

var (
	headerStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("#FF6B6B")).MarginBottom(1)
	boxStyle    = lipgloss.NewStyle().Border(lipgloss.RoundedBorder()).BorderForeground(lipgloss.Color("#444444")).Padding(0, 1)
	labelStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("#5B8DEF")).Bold(true)
	mutedStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("#888888"))
	logStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("#AAAAAA"))

	statusStyles = map[string]lipgloss.Style{
		string(run.StatusCompleted):  lipgloss.NewStyle().Foreground(lipgloss.Color("#4CAF50")).Bold(true),
		string(run.StatusInProgress): lipgloss.NewStyle().Foreground(lipgloss.Color("#5B8DEF")).Bold(true),
		string(run.StatusFailed):     lipgloss.NewStyle().Foreground(lipgloss.Color("#FF6B6B")).Bold(true),
		string(run.StatusPending):    lipgloss.NewStyle().Foreground(lipgloss.Color("#F7B801")),
		string(run.IdeaUnbuilt):      lipgloss.NewStyle().Foreground(lipgloss.Color("#999999")),
	}
)

// StatusSource supplies status reports. *factory.Factory satisfies it.
type StatusSource interface {
	Status(runID string, journalLines int) (*factory.StatusReport, error)
}

// AppOption customizes App construction for tests.
type AppOption func(*App)

// WithRefreshInterval overrides how often the report is reloaded.
func WithRefreshInterval(d time.Duration) AppOption {
	return func(a *App) {
		if d > 0 {
			a.interval = d
		}
	}
}

type statusMsg struct {
	report *factory.StatusReport
	err    error
	at     time.Time
}

// App is the bubbletea model of the status view.
type App struct {
	source   StatusSource
	runID    string
	interval time.Duration

	report  *factory.StatusReport
	err     error
	updated time.Time
	ideas   table.Model
	width   int
	height  int
}

// NewApp creates the status view for runID, or for the newest run when
// runID is empty.
func NewApp(source StatusSource, runID string, opts ...AppOption) *App {
	a := &App{
		source:   source,
		runID:    runID,
		interval: defaultRefreshInterval,
		ideas: table.New(
			table.WithColumns(ideaColumns(100)),
			table.WithFocused(true),
			table.WithHeight(8),
		),
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Run starts the program and blocks until the user quits or ctx ends.
func Run(ctx context.Context, source StatusSource, runID string, opts ...AppOption) error {
	_, err := tea.NewProgram(NewApp(source, runID, opts...), tea.WithContext(ctx), tea.WithAltScreen()).Run()
	if err != nil && ctx.Err() != nil {
		return nil
	}
	return err
}

// Init is called once when the program starts.
func (a *App) Init() tea.Cmd {
	return a.fetch()
}

// Update is called when a message is received.
func (a *App) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		a.width = msg.Width
		a.height = msg.Height
		a.ideas.SetColumns(ideaColumns(msg.Width - 4))
		a.ideas.SetHeight(max(4, msg.Height/3))
		return a, nil

	case statusMsg:
		a.updated = msg.at
		a.err = msg.err
		if msg.err == nil {
			a.report = msg.report
			// Pin the run so a newer run does not replace the one on screen.
			a.runID = msg.report.Run.RunID
			a.ideas.SetRows(ideaRows(msg.report))
		}
		return a, a.schedule()

	case tea.KeyMsg:
		switch msg.String() {
		case "ctrl+c", "q", "esc":
			return a, tea.Quit
		case "r":
			return a, a.fetch()
		}
	}

	var cmd tea.Cmd
	a.ideas, cmd = a.ideas.Update(msg)
	return a, cmd
}

func (a *App) fetch() tea.Cmd {
	return func() tea.Msg {
		return a.load(time.Now())
	}
}

func (a *App) schedule() tea.Cmd {
	return tea.Tick(a.interval, func(t time.Time) tea.Msg {
		return a.load(t)
	})
}

func (a *App) load(at time.Time) statusMsg {
	report, err := a.source.Status(a.runID, journalLines)
	return statusMsg{report: report, err: err, at: at}
}

// View renders the current report.
func (a *App) View() string {
	sections := []string{headerStyle.Render("⬡ APPFACTORY")}
	switch {
	case a.report == nil && a.err != nil:
		sections = append(sections, statusStyles[string(run.StatusFailed)].Render(a.err.Error()))
	case a.report == nil:
		sections = append(sections, mutedStyle.Render("Loading status..."))
	default:
		sections = append(sections, a.renderRun(), boxStyle.Render(a.ideas.View()))
		if panel := a.renderFailure(); panel != "" {
			sections = append(sections, panel)
		}
		if panel := a.renderJournal(); panel != "" {
			sections = append(sections, panel)
		}
	}
	sections = append(sections, a.renderFooter())
	return strings.Join(sections, "\n")
}

func (a *App) renderRun() string {
	m := a.report.Run
	lines := []string{
		fmt.Sprintf("%s %s", labelStyle.Render("Run:"), m.RunID),
		fmt.Sprintf("%s %s · %s", labelStyle.Render("Command:"), m.Command, styledStatus(string(m.Status))),
		fmt.Sprintf("%s %s", labelStyle.Render("Stages:"), stageSummary(m.CompletedStages)),
	}
	if m.Source != nil {
		lines = append(lines, fmt.Sprintf("%s %s in %s", labelStyle.Render("Builds:"), m.Source.IdeaID, m.Source.RunID))
	}
	if m.Engine != "" {
		lines = append(lines, fmt.Sprintf("%s %s", labelStyle.Render("Engine:"), m.Engine))
	}
	if lk := a.report.Lock; lk != nil {
		lines = append(lines, fmt.Sprintf("%s held by %s (pid %d) since %s",
			labelStyle.Render("Lock:"), lk.Owner, lk.PID, lk.AcquiredAt.Format(time.Kitchen)))
	}
	if a.report.LockProblem != "" {
		lines = append(lines, statusStyles[string(run.StatusPending)].Render(a.report.LockProblem))
	}
	return boxStyle.Render(strings.Join(lines, "\n"))
}

func (a *App) renderFailure() string {
	rec := a.report.Run.Failure
	if rec == nil {
		return ""
	}
	head := statusStyles[string(run.StatusFailed)].Render(fmt.Sprintf("FAILED · stage %s · %s", rec.Stage, rec.Kind))
	body := rec.Message
	if rec.Report != "" {
		body += "\n" + mutedStyle.Render("report: "+rec.Report)
	}
	return boxStyle.Render(head + "\n" + body)
}

func (a *App) renderJournal() string {
	if len(a.report.Journal) == 0 {
		return ""
	}
	head := labelStyle.Render("LOG · " + layout.FileJournal)
	return boxStyle.Render(head + "\n" + logStyle.Render(strings.Join(a.report.Journal, "\n")))
}

func (a *App) renderFooter() string {
	text := "q quit · r refresh · ↑/↓ select"
	if !a.updated.IsZero() {
		text = fmt.Sprintf("updated %s · %s", a.updated.Format("15:04:05"), text)
	}
	if a.err != nil && a.report != nil {
		text = "refresh failed: " + a.err.Error() + " · " + text
	}
	return mutedStyle.MarginTop(1).Render(text)
}

func ideaColumns(width int) []table.Column {
	width = max(60, width)
	progress := len(pipeline.ChainStages()) + 3
	idea := max(20, width-progress-12-18-12)
	return []table.Column{
		{Title: "Idea", Width: idea},
		{Title: "State", Width: 12},
		{Title: "Stages", Width: progress},
		{Title: "Build", Width: 18},
	}
}

func ideaRows(report *factory.StatusReport) []table.Row {
	rows := make([]table.Row, 0, len(report.Ideas))
	for _, st := range report.Ideas {
		build := st.BuildID
		if build == "" {
			build = "-"
		}
		rows = append(rows, table.Row{st.Dir, string(st.State), progressBar(st), build})
	}
	return rows
}

// progressBar renders one cell per chain stage plus the build step.
func progressBar(st run.IdeaStatus) string {
	var b strings.Builder
	for _, stage := range append(pipeline.ChainStages(), pipeline.BuildStage()) {
		if st.HasStage(stage.ID) {
			b.WriteString("■")
		} else {
			b.WriteString("□")
		}
	}
	return b.String()
}

func stageSummary(stages []string) string {
	if len(stages) == 0 {
		return "none"
	}
	return strings.Join(stages, " → ")
}

func styledStatus(status string) string {
	if style, ok := statusStyles[status]; ok {
		return style.Render(status)
	}
	return status
}
