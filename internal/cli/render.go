package cli

import (
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"

	"github.com/kingrea/appfactory/internal/factory"
	"github.com/kingrea/appfactory/internal/ledger"
	"github.com/kingrea/appfactory/internal/lock"
	"github.com/kingrea/appfactory/internal/registry"
	"github.com/kingrea/appfactory/internal/run"
)

var (
	labelStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("#5B8DEF")).Bold(true)
	mutedStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("#888888"))
	okStyle     = lipgloss.NewStyle().Foreground(lipgloss.Color("#4CAF50")).Bold(true)
	warnStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("#F7B801"))
	errStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("#FF6B6B")).Bold(true)
	borderStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("#444444"))
	headerStyle = lipgloss.NewStyle().Bold(true).Padding(0, 1)
	cellStyle   = lipgloss.NewStyle().Padding(0, 1)
)

func styledStatus(status string) string {
	switch status {
	case string(run.StatusCompleted), registry.StatusSuccess:
		return okStyle.Render(status)
	case string(run.StatusFailed):
		return errStyle.Render(status)
	case string(run.StatusInProgress), string(run.StatusPending):
		return warnStyle.Render(status)
	default:
		return status
	}
}

func newTable(headers ...string) *table.Table {
	return table.New().
		Border(lipgloss.RoundedBorder()).
		BorderStyle(borderStyle).
		StyleFunc(func(row, col int) lipgloss.Style {
			if row == table.HeaderRow {
				return headerStyle
			}
			return cellStyle
		}).
		Headers(headers...)
}

func renderRuns(w io.Writer, runs []factory.RunSummary) {
	t := newTable("RUN", "COMMAND", "STATUS", "STAGES", "IDEAS", "UPDATED")
	for _, r := range runs {
		t.Row(r.RunID, string(r.Command), styledStatus(string(r.Status)), joinOr(r.Stages, ","), strconv.Itoa(r.Ideas), r.UpdatedAt)
	}
	fmt.Fprintln(w, t.String())
}

func renderPacks(w io.Writer, packs []run.IdeaPack) {
	if len(packs) == 0 {
		return
	}
	t := newTable("#", "IDEA", "NAME", "SCORE", "DIR")
	for _, p := range packs {
		t.Row(strconv.Itoa(p.Rank), p.ID, p.Name, formatScore(p.Score), p.Dir)
	}
	fmt.Fprintln(w, t.String())
	fmt.Fprintln(w, mutedStyle.Render("Build one with `appfactory build <idea>`."))
}

func renderBuild(w io.Writer, res *factory.Result) {
	if res == nil || res.Build == nil {
		return
	}
	verb := "Built"
	if res.Build.Reused {
		verb = "Reused"
	}
	fmt.Fprintf(w, "%s %s\n", okStyle.Render(verb), res.Build.BuildID)
	fmt.Fprintf(w, "%s %s\n", labelStyle.Render("Path"), res.Build.Path)
	if m := res.Mirror; m != nil {
		if m.Error != "" {
			fmt.Fprintf(w, "%s %s\n", warnStyle.Render("Mirror failed:"), m.Error)
		} else {
			fmt.Fprintf(w, "%s %d objects to %s/%s\n", labelStyle.Render("Mirrored"), m.Objects, m.Bucket, m.Prefix)
		}
	}
}

func renderStatus(w io.Writer, report *factory.StatusReport) {
	m := report.Run
	fmt.Fprintf(w, "%s %s\n", labelStyle.Render("Run:    "), m.RunID)
	fmt.Fprintf(w, "%s %s · %s\n", labelStyle.Render("Command:"), m.Command, styledStatus(string(m.Status)))
	if m.Engine != "" {
		fmt.Fprintf(w, "%s %s\n", labelStyle.Render("Engine: "), m.Engine)
	}
	fmt.Fprintf(w, "%s %s\n", labelStyle.Render("Stages: "), joinOr(m.CompletedStages, " → "))
	if m.Source != nil {
		fmt.Fprintf(w, "%s %s in %s\n", labelStyle.Render("Idea:   "), m.Source.IdeaID, m.Source.RunID)
	}
	if rec := m.Failure; rec != nil {
		fmt.Fprintf(w, "%s stage %s · %s: %s\n", errStyle.Render("Failed: "), rec.Stage, rec.Kind, rec.Message)
		if rec.Report != "" {
			fmt.Fprintln(w, mutedStyle.Render("         report: "+rec.Report))
		}
	}

	if len(report.Ideas) > 0 {
		t := newTable("IDEA", "STATE", "STAGES", "BUILD", "MISSING")
		for _, st := range report.Ideas {
			t.Row(st.Dir, styledStatus(string(st.State)), joinOr(st.CompletedStages, ","), orDash(st.BuildID), joinOr(st.Missing, ", "))
		}
		fmt.Fprintln(w, t.String())
	}
	for _, path := range report.Edited {
		fmt.Fprintln(w, warnStyle.Render("Edited by hand: ")+path)
	}

	if n := len(report.Failures); n > 0 {
		fmt.Fprintf(w, "%s %d report(s), latest: %s\n", labelStyle.Render("Failures:"), n, report.Failures[n-1].Message)
	}
	if report.Lock != nil {
		renderLockHolder(w, report.Lock, nil)
	}
	if report.LockProblem != "" {
		fmt.Fprintln(w, warnStyle.Render(report.LockProblem))
	}
	if len(report.Journal) > 0 {
		fmt.Fprintln(w, labelStyle.Render(fmt.Sprintf("Journal (last %d of %d):", len(report.Journal), report.JournalTotal)))
		for _, line := range report.Journal {
			fmt.Fprintln(w, "  "+line)
		}
	}
}

func renderLeaderboard(w io.Writer, ranked []ledger.Ranked) {
	t := newTable("#", "IDEA", "NAME", "SCORE", "RUN", "DATE")
	for _, r := range ranked {
		t.Row(strconv.Itoa(r.Position), r.IdeaID, r.Name, formatScore(r.Score), r.RunID, r.RunDate.Format("2006-01-02"))
	}
	fmt.Fprintln(w, t.String())
}

func renderBuilds(w io.Writer, builds []registry.Build) {
	t := newTable("BUILD", "NAME", "MODE", "ORIGIN", "STATUS", "MIRROR")
	for _, b := range builds {
		origin := b.Origin.IdeaID
		if b.Origin.RunID != "" {
			origin += " @ " + b.Origin.RunID
		}
		t.Row(b.BuildID, b.Name, b.Origin.Mode, origin, styledStatus(b.Status), mirrorState(b.Mirror))
	}
	fmt.Fprintln(w, t.String())
}

func renderLockHolder(w io.Writer, holder *lock.Marker, problem error) {
	fmt.Fprintf(w, "%s held by %s (pid %d on %s) since %s\n",
		labelStyle.Render("Lock:"), holder.Owner, holder.PID, holder.Host, holder.AcquiredAt.Format("2006-01-02 15:04:05Z07:00"))
	if problem != nil {
		fmt.Fprintln(w, warnStyle.Render(problem.Error()))
	}
}

func mirrorState(m *registry.Mirror) string {
	switch {
	case m == nil:
		return "-"
	case m.Error != "":
		return errStyle.Render("failed")
	default:
		return fmt.Sprintf("%d objects", m.Objects)
	}
}

func formatScore(score *float64) string {
	if score == nil {
		return "-"
	}
	return strconv.FormatFloat(*score, 'f', 1, 64)
}

func joinOr(values []string, sep string) string {
	if len(values) == 0 {
		return "-"
	}
	return strings.Join(values, sep)
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
