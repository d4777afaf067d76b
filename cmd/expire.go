package main

import (
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var expireCmd = &cobra.Command{
	Use:   "expire",
	Short: "Expire sessions past the retention window",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		env, err := initPipeline(ctx)
		if err != nil {
			return err
		}
		defer env.Close()

		n, err := env.Importer.ExpireStale(ctx)
		if err != nil {
			return err
		}

		zap.L().Info("expiry sweep finished",
			zap.Int("expired", n),
			zap.Int("retention_hours", cfg.Staging.RetentionHours),
		)

		fmt.Printf("expired %d session(s)\n", n)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(expireCmd)
}
