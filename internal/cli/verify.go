package cli

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"
)

// errChainInvalid makes verify exit non-zero on a broken chain.
var errChainInvalid = errors.New("chain verification failed")

func newVerifyCmd(opts *options) *cobra.Command {
	var record bool
	cmd := &cobra.Command{
		Use:   "verify",
		Short: "Replay the chain and report integrity violations",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := opts.client()
			if err != nil {
				return err
			}
			report, err := c.Verify(cmd.Context(), record)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			if opts.json {
				if err := printJSON(out, report); err != nil {
					return err
				}
			} else {
				status := "VALID"
				if !report.IsValid {
					status = "INVALID"
				}
				fmt.Fprintf(out, "%s: %s\n", status, report.Message)
				fmt.Fprintf(out, "blocks checked:  %d\n", report.BlocksChecked)
				fmt.Fprintf(out, "entries checked: %d\n", report.EntriesChecked)
				for _, h := range report.InvalidBlocks {
					fmt.Fprintf(out, "  invalid block %d\n", h)
				}
				for _, id := range report.InvalidEntries {
					fmt.Fprintf(out, "  invalid entry %s\n", id)
				}
				for _, seq := range report.MissingSequences {
					fmt.Fprintf(out, "  missing sequence %d\n", seq)
				}
			}
			if !report.IsValid {
				return errChainInvalid
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&record, "record", false, "Write a violation entry into the ledger when the chain is broken")
	return cmd
}
