package cli

import (
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"ledger/internal/ledger/handler"
)

func newDetectCmd(opts *options) *cobra.Command {
	var (
		lookback   time.Duration
		start, end string
	)
	cmd := &cobra.Command{
		Use:   "detect",
		Short: "Run anomaly heuristics over a time window",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			from, err := parseFlagTime("start", start)
			if err != nil {
				return err
			}
			to, err := parseFlagTime("end", end)
			if err != nil {
				return err
			}
			if (from == nil) != (to == nil) {
				return fmt.Errorf("--start and --end must be given together")
			}

			c, err := opts.client()
			if err != nil {
				return err
			}
			var resp *handler.FindingsResponse
			if from != nil {
				resp, err = c.Detect(cmd.Context(), *from, *to)
			} else {
				resp, err = c.DetectRecent(cmd.Context(), lookback)
			}
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			if opts.json {
				return printJSON(out, resp)
			}
			fmt.Fprintf(out, "window %s to %s: %d findings\n",
				resp.WindowStart.UTC().Format(time.RFC3339), resp.WindowEnd.UTC().Format(time.RFC3339), resp.Count)
			if resp.Count == 0 {
				return nil
			}
			tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "SEVERITY\tTYPE\tUSER\tIP\tCOUNT\tDESCRIPTION")
			for _, f := range resp.Findings {
				fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%d/%d\t%s\n",
					f.Severity, f.Type, orDash(f.AffectedUserID), orDash(f.SourceIP),
					f.ObservedCount, f.Threshold, f.Description)
			}
			return tw.Flush()
		},
	}
	cmd.Flags().DurationVar(&lookback, "lookback", 24*time.Hour, "Window length ending now")
	cmd.Flags().StringVar(&start, "start", "", "Window start (RFC3339)")
	cmd.Flags().StringVar(&end, "end", "", "Window end (RFC3339)")
	return cmd
}
