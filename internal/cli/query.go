package cli

import (
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"ledger/internal/ledger/models"
	audit "ledger/pkg/platform/audit"
	liststr "ledger/pkg/platform/strings"
)

type queryFlags struct {
	since      time.Duration
	start      string
	end        string
	tenant     string
	actor      string
	eventTypes []string
	limit      int
	offset     int
}

func (f *queryFlags) filter(now time.Time) (models.QueryFilter, error) {
	var filter models.QueryFilter
	var err error
	if filter.Start, err = parseFlagTime("start", f.start); err != nil {
		return filter, err
	}
	if filter.End, err = parseFlagTime("end", f.end); err != nil {
		return filter, err
	}
	if f.since > 0 && filter.Start == nil {
		start := now.Add(-f.since)
		filter.Start = &start
	}
	filter.TenantID = f.tenant
	filter.ActorUserID = f.actor
	for _, t := range liststr.SplitList(f.eventTypes...) {
		et := audit.EventType(t)
		if !et.Known() {
			return filter, fmt.Errorf("unknown event type %q", t)
		}
		filter.EventTypes = append(filter.EventTypes, et)
	}
	filter.Limit = f.limit
	filter.Offset = f.offset
	return filter, nil
}

func parseFlagTime(name, v string) (*time.Time, error) {
	if v == "" {
		return nil, nil
	}
	t, err := time.Parse(time.RFC3339, v)
	if err != nil {
		return nil, fmt.Errorf("--%s must be RFC3339: %w", name, err)
	}
	return &t, nil
}

func newQueryCmd(opts *options) *cobra.Command {
	flags := &queryFlags{}
	cmd := &cobra.Command{
		Use:   "query",
		Short: "List ledger entries, newest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			filter, err := flags.filter(time.Now())
			if err != nil {
				return err
			}
			c, err := opts.client()
			if err != nil {
				return err
			}
			resp, err := c.Query(cmd.Context(), filter)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			if opts.json {
				return printJSON(out, resp)
			}
			tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "SEQ\tTIMESTAMP\tEVENT\tACTOR\tRESULT\tBLOCK\tID")
			for _, e := range resp.Entries {
				block := "-"
				if e.IsSealed() {
					block = fmt.Sprint(e.BlockHeight)
				}
				fmt.Fprintf(tw, "%d\t%s\t%s\t%s\t%s\t%s\t%s\n",
					e.Sequence, e.Timestamp.UTC().Format(time.RFC3339), e.EventType,
					orDash(e.ActorUserID), e.Result, block, e.ID)
			}
			if err := tw.Flush(); err != nil {
				return err
			}
			fmt.Fprintf(out, "%d entries\n", resp.Count)
			return nil
		},
	}
	cmd.Flags().DurationVar(&flags.since, "since", 0, "Only entries newer than this duration")
	cmd.Flags().StringVar(&flags.start, "start", "", "Inclusive lower bound (RFC3339)")
	cmd.Flags().StringVar(&flags.end, "end", "", "Exclusive upper bound (RFC3339)")
	cmd.Flags().StringVar(&flags.tenant, "tenant", "", "Tenant ID")
	cmd.Flags().StringVar(&flags.actor, "actor", "", "Actor user ID")
	cmd.Flags().StringSliceVar(&flags.eventTypes, "type", nil, "Event type (repeatable or comma-separated)")
	cmd.Flags().IntVar(&flags.limit, "limit", models.DefaultQueryLimit, "Maximum entries")
	cmd.Flags().IntVar(&flags.offset, "offset", 0, "Entries to skip")
	return cmd
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
