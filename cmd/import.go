package main

import (
	"encoding/json"
	"os"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/clearledger/importer/internal/rawrows"
)

var (
	importFile        string
	importInstitution string
	importAccount     string
	importSheet       string
	importNoHeader    bool
)

var importCmd = &cobra.Command{
	Use:   "import",
	Short: "Stage a statement file for review",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		env, err := initPipeline(ctx)
		if err != nil {
			return err
		}
		defer env.Close()

		rows, err := rawrows.Load(importFile, rawrows.Options{
			NoHeader: importNoHeader,
			Sheet:    importSheet,
		})
		if err != nil {
			return eris.Wrapf(err, "load %s", importFile)
		}

		sessionID, err := env.Importer.BeginImport(ctx, importInstitution, importAccount, rows)
		if err != nil {
			return err
		}

		sess, err := env.Importer.GetSession(ctx, sessionID)
		if err != nil {
			return err
		}

		zap.L().Info("statement staged",
			zap.String("session", sessionID),
			zap.String("institution", importInstitution),
			zap.String("account", importAccount),
			zap.Int("records", len(sess.Records)),
			zap.Int("rows", sess.RowCount()),
			zap.Int("findings", len(sess.Findings)),
			zap.Int("duplicates", len(sess.Candidates)),
		)

		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(sess)
	},
}

func init() {
	importCmd.Flags().StringVar(&importFile, "file", "", "statement file, .csv or .xlsx (required)")
	importCmd.Flags().StringVar(&importInstitution, "institution", "", "institution template id (required)")
	importCmd.Flags().StringVar(&importAccount, "account", "", "default account id (required)")
	importCmd.Flags().StringVar(&importSheet, "sheet", "", "xlsx sheet name (default first sheet)")
	importCmd.Flags().BoolVar(&importNoHeader, "no-header", false, "treat the first row as data, not a header")
	_ = importCmd.MarkFlagRequired("file")
	_ = importCmd.MarkFlagRequired("institution")
	_ = importCmd.MarkFlagRequired("account")
	rootCmd.AddCommand(importCmd)
}
