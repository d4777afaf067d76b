package main

import (
	"encoding/json"
	"os"

	"github.com/spf13/cobra"

	"github.com/clearledger/importer/internal/model"
	"github.com/clearledger/importer/internal/store"
)

var (
	sessionsStatus      string
	sessionsInstitution string
	sessionsAccount     string
	sessionsLimit       int
	sessionsOffset      int
	showAudit           bool
)

var sessionsCmd = &cobra.Command{
	Use:   "sessions",
	Short: "List staging sessions",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		env, err := initPipeline(ctx)
		if err != nil {
			return err
		}
		defer env.Close()

		list, err := env.Importer.ListSessions(ctx, store.SessionFilter{
			Status:        model.SessionStatus(sessionsStatus),
			InstitutionID: sessionsInstitution,
			AccountID:     sessionsAccount,
			Limit:         sessionsLimit,
			Offset:        sessionsOffset,
		})
		if err != nil {
			return err
		}

		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(list)
	},
}

var showCmd = &cobra.Command{
	Use:   "show <session-id>",
	Short: "Show one session with findings and duplicate candidates",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		env, err := initPipeline(ctx)
		if err != nil {
			return err
		}
		defer env.Close()

		sess, err := env.Importer.GetSession(ctx, args[0])
		if err != nil {
			return err
		}

		out := struct {
			*model.StagingSession
			Audit []model.AuditEntry `json:"audit,omitempty"`
		}{StagingSession: sess}

		if showAudit {
			trail, err := env.Importer.AuditTrail(ctx, args[0])
			if err != nil {
				return err
			}
			out.Audit = trail
		}

		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(out)
	},
}

func init() {
	sessionsCmd.Flags().StringVar(&sessionsStatus, "status", "", "filter by status (pending, approved, rejected, committed, expired)")
	sessionsCmd.Flags().StringVar(&sessionsInstitution, "institution", "", "filter by institution")
	sessionsCmd.Flags().StringVar(&sessionsAccount, "account", "", "filter by account")
	sessionsCmd.Flags().IntVar(&sessionsLimit, "limit", 50, "max sessions to return")
	sessionsCmd.Flags().IntVar(&sessionsOffset, "offset", 0, "pagination offset")
	rootCmd.AddCommand(sessionsCmd)

	showCmd.Flags().BoolVar(&showAudit, "audit", false, "include the audit trail")
	rootCmd.AddCommand(showCmd)
}
