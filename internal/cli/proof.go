package cli

import (
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"ledger/internal/ledger/integrity"
)

var errProofInvalid = errors.New("inclusion proof does not match the block root")

func newProofCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "proof <entry-id>",
		Short: "Fetch and check the Merkle inclusion proof for a sealed entry",
		Long:  "Fetches the proof, recomputes the root locally and compares it with the root stored on the block.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := uuid.Parse(args[0])
			if err != nil {
				return fmt.Errorf("entry id must be a UUID: %w", err)
			}
			c, err := opts.client()
			if err != nil {
				return err
			}
			proof, err := c.Proof(cmd.Context(), id)
			if err != nil {
				return err
			}
			block, err := c.GetBlock(cmd.Context(), proof.BlockHeight)
			if err != nil {
				return err
			}
			valid := integrity.VerifyProof(proof) && integrity.Equal(proof.MerkleRoot, block.MerkleRoot)

			out := cmd.OutOrStdout()
			if opts.json {
				if err := printJSON(out, map[string]any{"proof": proof, "valid": valid}); err != nil {
					return err
				}
			} else {
				fmt.Fprintf(out, "entry %s in block %d (leaf %d of %d)\n", proof.EntryID, proof.BlockHeight, proof.LeafIndex+1, proof.TreeSize)
				fmt.Fprintf(out, "leaf:  %s\n", proof.LeafHash)
				for i, step := range proof.Path {
					fmt.Fprintf(out, "  %2d %-5s %s\n", i, step.Position, step.Hash)
				}
				fmt.Fprintf(out, "root:  %s\n", proof.MerkleRoot)
				if valid {
					fmt.Fprintln(out, "proof OK")
				}
			}
			if !valid {
				return errProofInvalid
			}
			return nil
		},
	}
}
