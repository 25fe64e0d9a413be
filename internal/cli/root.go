// Package cli implements ledgerctl, the operator command line for the audit
// ledger's internal RPC.
package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/spf13/cobra"

	"ledger/internal/ledger/client"
)

const (
	envAddr  = "LEDGER_URL"
	envToken = "LEDGER_ADMIN_TOKEN"
)

type options struct {
	addr    string
	token   string
	timeout time.Duration
	json    bool
}

func (o *options) client() (*client.Client, error) {
	if o.token == "" {
		return nil, fmt.Errorf("admin token required (--token or %s)", envToken)
	}
	return client.New(o.addr, o.token, client.WithTimeout(o.timeout))
}

// NewRootCmd builds the ledgerctl command tree.
func NewRootCmd() *cobra.Command {
	opts := &options{}
	root := &cobra.Command{
		Use:           "ledgerctl",
		Short:         "Operate the tamper-evident audit ledger",
		Long:          "Seals blocks, verifies the chain, queries entries, fetches inclusion proofs and runs anomaly detection against a running ledger.",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&opts.addr, "addr", envOr(envAddr, "http://localhost:8080"), "Ledger base URL (env "+envAddr+")")
	root.PersistentFlags().StringVar(&opts.token, "token", os.Getenv(envToken), "Admin token (env "+envToken+")")
	root.PersistentFlags().DurationVar(&opts.timeout, "timeout", client.DefaultTimeout, "Request timeout")
	root.PersistentFlags().BoolVar(&opts.json, "json", false, "Print JSON instead of text")

	root.AddCommand(
		newVerifyCmd(opts),
		newSealCmd(opts),
		newQueryCmd(opts),
		newDetectCmd(opts),
		newProofCmd(opts),
	)
	return root
}

// Execute runs ledgerctl and exits non-zero on failure.
func Execute() {
	root := NewRootCmd()
	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "ledgerctl:", err)
		os.Exit(1)
	}
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
