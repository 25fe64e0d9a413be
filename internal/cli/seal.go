package cli

import (
	"fmt"

	"github.com/spf13/cobra"
)

func newSealCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "seal",
		Short: "Seal all pending entries into a new block",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := opts.client()
			if err != nil {
				return err
			}
			resp, err := c.Seal(cmd.Context())
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			if opts.json {
				return printJSON(out, resp)
			}
			if !resp.Sealed {
				fmt.Fprintln(out, "nothing to seal")
				return nil
			}
			b := resp.Block
			fmt.Fprintf(out, "sealed block %d: %d entries (sequence %d-%d)\n", b.Height, b.EntryCount, b.FirstSequence, b.LastSequence)
			fmt.Fprintf(out, "block hash:  %s\n", b.BlockHash)
			fmt.Fprintf(out, "merkle root: %s\n", b.MerkleRoot)
			return nil
		},
	}
}
