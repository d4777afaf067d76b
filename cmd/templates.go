package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/clearledger/importer/internal/template"
)

var templatesCmd = &cobra.Command{
	Use:   "templates",
	Short: "List registered institution templates",
	RunE: func(cmd *cobra.Command, args []string) error {
		registry := template.NewRegistry()
		if cfg.Templates.Dir != "" {
			if err := registry.LoadDir(cfg.Templates.Dir); err != nil {
				return err
			}
		}

		for _, t := range registry.List() {
			name := t.DisplayName
			if name == "" {
				name = t.Institution
			}
			fmt.Printf("%-24s %s\n", t.Institution, name)
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(templatesCmd)
}
