package main

import (
	"encoding/json"
	"os"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/clearledger/importer/internal/store"
)

var (
	ledgerAccount string
	ledgerFrom    string
	ledgerTo      string
	ledgerLimit   int
)

var ledgerCmd = &cobra.Command{
	Use:   "ledger",
	Short: "Query committed ledger entries for an account",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		if err := cfg.Validate(); err != nil {
			return err
		}

		st, err := initStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close()

		if err := st.Migrate(ctx); err != nil {
			return eris.Wrap(err, "migrate store")
		}

		f := store.LedgerFilter{AccountID: ledgerAccount, Limit: ledgerLimit}
		if ledgerFrom != "" {
			f.From, err = time.Parse("2006-01-02", ledgerFrom)
			if err != nil {
				return eris.Wrapf(err, "invalid --from %q", ledgerFrom)
			}
		}
		if ledgerTo != "" {
			f.To, err = time.Parse("2006-01-02", ledgerTo)
			if err != nil {
				return eris.Wrapf(err, "invalid --to %q", ledgerTo)
			}
		}

		entries, err := st.LedgerEntries(ctx, f)
		if err != nil {
			return err
		}

		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(entries)
	},
}

func init() {
	ledgerCmd.Flags().StringVar(&ledgerAccount, "account", "", "account id (required)")
	ledgerCmd.Flags().StringVar(&ledgerFrom, "from", "", "start date, YYYY-MM-DD")
	ledgerCmd.Flags().StringVar(&ledgerTo, "to", "", "end date, YYYY-MM-DD")
	ledgerCmd.Flags().IntVar(&ledgerLimit, "limit", 100, "max entries")
	_ = ledgerCmd.MarkFlagRequired("account")
	rootCmd.AddCommand(ledgerCmd)
}
