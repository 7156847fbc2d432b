package cli

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/kingrea/appfactory/internal/factory"
	"github.com/kingrea/appfactory/internal/tui"
)

func (a *app) researchCommand() *cobra.Command {
	var (
		ideas      int
		intakeFile string
	)
	cmd := &cobra.Command{
		Use:   "research [TEXT...]",
		Short: "Research a brief into ranked idea packs",
		Long: `Run the research stage for a brief and create one idea pack per ranked
idea. The ideas are appended to the leaderboard.

The brief is read from --intake FILE, from the arguments, or from stdin
when neither is given ("-" reads stdin explicitly).

Examples:
  appfactory research "sleep apps for new parents"
  appfactory research --intake brief.md --ideas 5`,
		RunE: func(cmd *cobra.Command, args []string) error {
			intake, err := readIntake(cmd.InOrStdin(), intakeFile, args)
			if err != nil {
				return err
			}
			res, err := a.factory.StartRun(cmd.Context(), factory.ResearchRequest{Intake: intake, Ideas: ideas})
			a.printRunHeader(res)
			if err != nil {
				return err
			}
			renderPacks(a.out, res.Packs)
			return nil
		},
	}
	cmd.Flags().IntVarP(&ideas, "ideas", "n", 0, "number of ideas to request (default from config)")
	cmd.Flags().StringVarP(&intakeFile, "intake", "i", "", "read the brief from FILE")
	return cmd
}

func (a *app) buildCommand() *cobra.Command {
	var runID string
	cmd := &cobra.Command{
		Use:   "build <idea>",
		Short: "Drive one idea pack through its stages to a build",
		Long: `Build an idea pack. The idea is matched by id, directory name, or slug;
without --run the newest research run that lists it wins.

Stages that already have a valid artifact are not executed again, and an
unchanged chain reuses its existing build.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			res, err := a.factory.BuildIdea(cmd.Context(), factory.BuildRequest{Idea: args[0], RunID: runID})
			a.printRunHeader(res)
			if err != nil {
				return err
			}
			renderBuild(a.out, res)
			return nil
		},
	}
	cmd.Flags().StringVar(&runID, "run", "", "research run that owns the idea")
	return cmd
}

func (a *app) dreamCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "dream <text...>",
		Short: "Turn one freeform idea into a build",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			res, err := a.factory.DreamIdea(cmd.Context(), strings.Join(args, " "))
			a.printRunHeader(res)
			if err != nil {
				return err
			}
			renderBuild(a.out, res)
			return nil
		},
	}
}

func (a *app) resumeCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "resume [RUN]",
		Short: "Continue an interrupted or failed run",
		Long: `Resume RUN, or the newest run that is not completed. Stages whose
artifacts are already valid are skipped, so execution continues at the first
incomplete stage.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			runID := ""
			if len(args) == 1 {
				runID = args[0]
			}
			res, err := a.factory.ResumeRun(cmd.Context(), runID)
			if errors.Is(err, factory.ErrNothingToResume) {
				fmt.Fprintln(a.out, "Nothing to resume: every run is completed.")
				return nil
			}
			a.printRunHeader(res)
			if err != nil {
				return err
			}
			switch {
			case res.AlreadyComplete:
				fmt.Fprintln(a.out, "Run is already completed.")
			case res.Build != nil:
				renderBuild(a.out, res)
			default:
				renderPacks(a.out, res.Packs)
			}
			return nil
		},
	}
}

func (a *app) listCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List runs, newest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			runs, err := a.factory.ListRuns()
			if err != nil {
				return err
			}
			if len(runs) == 0 {
				fmt.Fprintln(a.out, "No runs yet.")
				return nil
			}
			renderRuns(a.out, runs)
			return nil
		},
	}
}

func (a *app) statusCommand() *cobra.Command {
	var (
		watch bool
		lines int
	)
	cmd := &cobra.Command{
		Use:   "status [RUN]",
		Short: "Show the state of a run",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			runID := ""
			if len(args) == 1 {
				runID = args[0]
			}
			if watch {
				return tui.Run(cmd.Context(), a.factory, runID)
			}
			report, err := a.factory.Status(runID, lines)
			if err != nil {
				return err
			}
			renderStatus(a.out, report)
			return nil
		},
	}
	cmd.Flags().BoolVarP(&watch, "watch", "w", false, "keep refreshing in a full-screen view")
	cmd.Flags().IntVar(&lines, "lines", 10, "journal lines to show")
	return cmd
}

func (a *app) leaderboardCommand() *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "leaderboard",
		Short: "Show ideas from every research run, best first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ranked, err := a.factory.Leaderboard(limit)
			if err != nil {
				return err
			}
			if len(ranked) == 0 {
				fmt.Fprintln(a.out, "The leaderboard is empty.")
				return nil
			}
			renderLeaderboard(a.out, ranked)
			return nil
		},
	}
	cmd.Flags().IntVarP(&limit, "limit", "n", 20, "max entries (0 for all)")
	return cmd
}

func (a *app) buildsCommand() *cobra.Command {
	var validate bool
	cmd := &cobra.Command{
		Use:   "builds",
		Short: "List materialized builds",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if validate {
				problems, err := a.factory.ValidateBuilds()
				if err != nil {
					return err
				}
				if len(problems) == 0 {
					fmt.Fprintln(a.out, okStyle.Render("Build registry is valid."))
					return nil
				}
				for _, p := range problems {
					fmt.Fprintln(a.out, errStyle.Render("✗ ")+p)
				}
				return errRegistryInvalid
			}
			idx, err := a.factory.Builds()
			if err != nil {
				return err
			}
			if len(idx.Builds) == 0 {
				fmt.Fprintln(a.out, "No builds yet.")
				return nil
			}
			renderBuilds(a.out, idx.Builds)
			return nil
		},
	}
	cmd.Flags().BoolVar(&validate, "validate", false, "check the registry and build directories")
	return cmd
}

func (a *app) unlockCommand() *cobra.Command {
	var force bool
	cmd := &cobra.Command{
		Use:   "unlock",
		Short: "Remove the pipeline lock left by a dead process",
		Long: `Show who holds the pipeline lock. With --force the lock is removed
regardless of its owner; only do this when the holder is no longer running.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if !force {
				holder, err := a.factory.LockHolder()
				if err != nil {
					return err
				}
				if holder == nil {
					fmt.Fprintln(a.out, "The lock is free.")
					return nil
				}
				renderLockHolder(a.out, holder, a.factory.CheckLock())
				fmt.Fprintln(a.out, mutedStyle.Render("Re-run with --force to remove it."))
				return nil
			}
			holder, err := a.factory.Unlock()
			if err != nil {
				return err
			}
			if holder == nil {
				fmt.Fprintln(a.out, "The lock is free.")
				return nil
			}
			fmt.Fprintf(a.out, "Removed lock held by %s (pid %d on %s).\n", holder.Owner, holder.PID, holder.Host)
			return nil
		},
	}
	cmd.Flags().BoolVar(&force, "force", false, "remove the lock regardless of its owner")
	return cmd
}

func (a *app) printRunHeader(res *factory.Result) {
	if res == nil || res.Run.RunID == "" {
		return
	}
	fmt.Fprintf(a.out, "%s %s (%s)\n", labelStyle.Render("Run"), res.Run.RunID, styledStatus(string(res.Run.Status)))
}

// readIntake returns the brief from a file, the arguments, or stdin.
func readIntake(stdin io.Reader, file string, args []string) (string, error) {
	var text string
	switch {
	case file != "":
		data, err := os.ReadFile(file)
		if err != nil {
			return "", fmt.Errorf("read intake: %w", err)
		}
		text = string(data)
	case len(args) > 0 && !(len(args) == 1 && args[0] == "-"):
		text = strings.Join(args, " ")
	default:
		data, err := io.ReadAll(stdin)
		if err != nil {
			return "", fmt.Errorf("read intake from stdin: %w", err)
		}
		text = string(data)
	}
	if strings.TrimSpace(text) == "" {
		return "", fmt.Errorf("research needs a brief: pass TEXT, --intake FILE, or pipe it on stdin")
	}
	return text, nil
}
