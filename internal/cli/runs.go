package cli

import (
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/stellarlink/pilot-swe/internal/config"
	"github.com/stellarlink/pilot-swe/internal/runstore"
)

var runsFlags struct {
	limit  int
	repo   string
	number int
}

var runsCmd = &cobra.Command{
	Use:   "runs",
	Short: "List recorded pipeline runs",
	RunE: func(cmd *cobra.Command, args []string) error {
		_ = godotenv.Load()

		if (runsFlags.repo == "") != (runsFlags.number == 0) {
			return fmt.Errorf("--repo and --issue must be set together")
		}

		cfg, err := config.LoadForCLI()
		if err != nil {
			return err
		}

		store, err := runstore.Open(cfg.RunStorePath)
		if err != nil {
			return err
		}
		defer store.Close()

		var runs []runstore.Run
		if runsFlags.repo != "" {
			runs, err = store.ForIssue(cmd.Context(), runsFlags.repo, runsFlags.number)
		} else {
			runs, err = store.Recent(cmd.Context(), runsFlags.limit)
		}
		if err != nil {
			return err
		}
		if len(runs) == 0 {
			fmt.Println("no runs recorded")
			return nil
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "ID\tWHEN\tREPO\tISSUE\tKIND\tSTATUS\tBRANCH\tPR\tSUMMARY")
		for _, r := range runs {
			pr := ""
			if r.PRNumber > 0 {
				pr = fmt.Sprintf("#%d", r.PRNumber)
			}
			fmt.Fprintf(w, "%d\t%s\t%s\t#%d\t%s\t%s\t%s\t%s\t%s\n",
				r.ID, r.CreatedAt.Format("2006-01-02 15:04"), r.Repo, r.Number, r.Kind, r.Status, r.Branch, pr, r.Summary)
		}
		return w.Flush()
	},
}

func init() {
	runsCmd.Flags().IntVar(&runsFlags.limit, "limit", 20, "maximum number of runs to show")
	runsCmd.Flags().StringVar(&runsFlags.repo, "repo", "", "filter to one repository (owner/name, requires --issue)")
	runsCmd.Flags().IntVar(&runsFlags.number, "issue", 0, "filter to one issue or pull request number (requires --repo)")
}
