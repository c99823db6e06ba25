package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"text/tabwriter"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/Strob0t/agentrelay/internal/service"
)

var (
	sweepOrgs  []string
	sweepLimit int
	sweepJSON  bool
)

var sweepCmd = &cobra.Command{
	Use:   "sweep",
	Short: "Run one compensation cycle and print its report",
	Long: "Runs the compensation scanner once: requeues stuck queue messages, fails stale tasks,\n" +
		"dispatches pending topics and reclaims undelivered task messages.",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, flush, err := loadConfig()
		if err != nil {
			return err
		}
		defer flush()

		a, err := newApp(cmd.Context(), cfg, false)
		if err != nil {
			return err
		}
		defer a.Close()

		scope := a.compensation.DefaultScope()
		if len(sweepOrgs) > 0 {
			scope.OrganizationCodes = sweepOrgs
		}
		if sweepLimit > 0 {
			scope.Limit = sweepLimit
		}

		rep, runErr := a.compensation.RunOnce(cmd.Context(), scope)
		if sweepJSON {
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			if err := enc.Encode(rep); err != nil {
				return err
			}
		} else if err := printReport(cmd.OutOrStdout(), rep); err != nil {
			return err
		}
		return runErr
	},
}

func init() {
	sweepCmd.Flags().StringSliceVar(&sweepOrgs, "org", nil, "Organization codes to scan (default: configured scope)")
	sweepCmd.Flags().IntVar(&sweepLimit, "limit", 0, "Maximum rows per step (default: configured limit)")
	sweepCmd.Flags().BoolVar(&sweepJSON, "json", false, "Print the report as JSON")
}

func printReport(out io.Writer, rep service.Report) error {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintf(w, "topics scanned\t%d\n", rep.TopicsScanned)
	_, _ = fmt.Fprintf(w, "claimed\t%d\n", rep.Claimed)
	_, _ = fmt.Fprintf(w, "executed\t%d\n", rep.Executed)
	_, _ = fmt.Fprintf(w, "requeued\t%d\n", rep.Requeued)
	_, _ = fmt.Fprintf(w, "failed messages\t%d\n", rep.FailedMessages)
	_, _ = fmt.Fprintf(w, "stale tasks\t%d\n", rep.StaleTasks)
	_, _ = fmt.Fprintf(w, "reclaimed messages\t%d\n", rep.ReclaimedMessages)
	errs := fmt.Sprint(rep.Errors)
	if rep.Errors > 0 {
		errs = color.RedString(errs)
	}
	_, _ = fmt.Fprintf(w, "errors\t%s\n", errs)
	_, _ = fmt.Fprintf(w, "duration\t%s\n", rep.Duration)
	return w.Flush()
}
