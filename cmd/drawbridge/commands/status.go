package commands

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"text/tabwriter"

	"github.com/charmbracelet/lipgloss"
	"github.com/spf13/cobra"

	"github.com/intralog/drawbridge/pkg/config"
	"github.com/intralog/drawbridge/pkg/intake"
	"github.com/intralog/drawbridge/pkg/stores"
)

var (
	stageStyleDone    = lipgloss.NewStyle().Foreground(lipgloss.Color("10"))
	stageStyleFailed  = lipgloss.NewStyle().Foreground(lipgloss.Color("9"))
	stageStyleRunning = lipgloss.NewStyle().Foreground(lipgloss.Color("11"))
	headerStyle       = lipgloss.NewStyle().Bold(true)
)

func newStatusCommand() *cobra.Command {
	var (
		limit  int
		offset int
		key    string
	)

	cmd := &cobra.Command{
		Use:   "status [key]",
		Short: "Show job status",
		Long: `List jobs and their pipeline stage, most recently updated first. With a
job key, show the full attempt history of that job instead.`,
		Example: `  # Recent jobs
  drawbridge status

  # Page through older jobs
  drawbridge status --limit 50 --offset 50

  # Attempt history for one job
  drawbridge status '/watch|acme-job12'

  # Machine-readable output
  drawbridge status --json`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(args) == 1 {
				key = args[0]
			}
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}

			store, err := stores.NewSQLiteStore(stores.Config{Path: cfg.Store.Path})
			if err != nil {
				return err
			}
			if err := store.Init(cmd.Context()); err != nil {
				return fmt.Errorf("failed to open job store: %w", err)
			}
			defer store.Close()
			if err := store.Migrate(cmd.Context()); err != nil {
				return fmt.Errorf("failed to migrate job store: %w", err)
			}

			if key != "" {
				return showAttempts(cmd, store, key)
			}
			return listJobs(cmd, store, limit, offset)
		},
	}

	cmd.Flags().IntVar(&limit, "limit", 20, "maximum jobs to list")
	cmd.Flags().IntVar(&offset, "offset", 0, "jobs to skip")
	return cmd
}

func listJobs(cmd *cobra.Command, store *stores.SQLiteStore, limit, offset int) error {
	jobs, err := store.ListJobs(cmd.Context(), limit, offset)
	if err != nil {
		return err
	}

	if jsonOutput {
		return json.NewEncoder(os.Stdout).Encode(jobs)
	}

	if len(jobs) == 0 {
		fmt.Println("No jobs.")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 2, 4, 2, ' ', 0)
	fmt.Fprintln(w, headerStyle.Render("PAIR\tSTAGE\tATTEMPTS\tOPPORTUNITY\tUPDATED"))
	for _, job := range jobs {
		opp := "-"
		if job.Opportunity != nil {
			opp = *job.Opportunity
		}
		fmt.Fprintf(w, "%s\t%s\t%d\t%s\t%s\n",
			filepath.Base(job.CADPath),
			renderStage(job.Stage),
			job.AttemptCount,
			opp,
			job.UpdatedAt.Local().Format("2006-01-02 15:04:05"),
		)
	}
	return w.Flush()
}

func showAttempts(cmd *cobra.Command, store *stores.SQLiteStore, key string) error {
	job, err := store.GetJob(cmd.Context(), key)
	if err != nil {
		return err
	}
	attempts, err := store.Attempts(cmd.Context(), key)
	if err != nil {
		return err
	}

	if jsonOutput {
		return json.NewEncoder(os.Stdout).Encode(struct {
			Job      *intake.Job            `json:"job"`
			Attempts []*intake.StageAttempt `json:"attempts"`
		}{job, attempts})
	}

	fmt.Printf("%s  %s\n", headerStyle.Render("Job:"), job.Key)
	fmt.Printf("%s  %s\n", headerStyle.Render("Stage:"), renderStage(job.Stage))
	if job.TerminalErr != nil {
		fmt.Printf("%s  %s\n", headerStyle.Render("Error:"), stageStyleFailed.Render(*job.TerminalErr))
	}
	fmt.Println()

	w := tabwriter.NewWriter(os.Stdout, 2, 4, 2, ' ', 0)
	fmt.Fprintln(w, headerStyle.Render("TIME\tSTAGE\tOUTCOME\tERROR"))
	for _, a := range attempts {
		errMsg := ""
		if a.Error != nil {
			errMsg = *a.Error
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\n",
			a.Timestamp.Local().Format("2006-01-02 15:04:05"),
			a.Stage,
			a.Outcome,
			errMsg,
		)
	}
	return w.Flush()
}

func renderStage(stage intake.Stage) string {
	switch {
	case stage == intake.StageComplete:
		return stageStyleDone.Render(string(stage))
	case stage == intake.StageFailed:
		return stageStyleFailed.Render(string(stage))
	default:
		return stageStyleRunning.Render(string(stage))
	}
}
