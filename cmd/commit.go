package main

import (
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var commitActor string

var commitCmd = &cobra.Command{
	Use:   "commit <session-id>",
	Short: "Commit an approved session to the ledger",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		env, err := initPipeline(ctx)
		if err != nil {
			return err
		}
		defer env.Close()

		status, err := env.Importer.Commit(ctx, args[0], commitActor)
		if err != nil {
			return err
		}

		zap.L().Info("commit finished",
			zap.String("session", args[0]),
			zap.String("status", string(status)),
		)

		fmt.Println(status)
		return nil
	},
}

func init() {
	commitCmd.Flags().StringVar(&commitActor, "actor", "", "identity recorded in the audit trail (required)")
	_ = commitCmd.MarkFlagRequired("actor")
	rootCmd.AddCommand(commitCmd)
}
