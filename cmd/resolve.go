package main

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/clearledger/importer/internal/model"
)

var (
	resolveAction       string
	resolveActor        string
	resolveNote         string
	resolveDecisionFile string
	resolveDuplicates   []string
	resolveOverrides    []string
)

var resolveCmd = &cobra.Command{
	Use:   "resolve <session-id>",
	Short: "Approve or reject a pending session",
	Long: `Records the reviewer's decision on a pending session.

Approval requires a keep/discard choice for every duplicate candidate
(--dup id=keep) and a rationale for every discrepant record
(--override index=reason). A full decision can also be supplied as JSON
via --decision-file.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		env, err := initPipeline(ctx)
		if err != nil {
			return err
		}
		defer env.Close()

		decision, err := buildDecision()
		if err != nil {
			return err
		}

		status, err := env.Importer.ResolveSession(ctx, args[0], decision)
		if err != nil {
			return err
		}

		zap.L().Info("session resolved",
			zap.String("session", args[0]),
			zap.String("actor", decision.Actor),
			zap.String("status", string(status)),
		)

		fmt.Println(status)
		return nil
	},
}

func buildDecision() (*model.Decision, error) {
	if resolveDecisionFile != "" {
		data, err := os.ReadFile(resolveDecisionFile)
		if err != nil {
			return nil, eris.Wrap(err, "read decision file")
		}
		var d model.Decision
		if err := json.Unmarshal(data, &d); err != nil {
			return nil, eris.Wrap(err, "parse decision file")
		}
		if d.Actor == "" {
			d.Actor = resolveActor
		}
		return &d, nil
	}

	d := &model.Decision{
		Action: model.ResolutionAction(resolveAction),
		Actor:  resolveActor,
		Note:   resolveNote,
	}

	for _, pair := range resolveDuplicates {
		id, choice, ok := strings.Cut(pair, "=")
		if !ok {
			return nil, eris.Errorf("invalid --dup %q, want id=keep or id=discard", pair)
		}
		if d.Duplicates == nil {
			d.Duplicates = make(map[string]model.DuplicateChoice)
		}
		d.Duplicates[id] = model.DuplicateChoice(choice)
	}

	for _, pair := range resolveOverrides {
		idx, reason, ok := strings.Cut(pair, "=")
		if !ok {
			return nil, eris.Errorf("invalid --override %q, want index=reason", pair)
		}
		i, err := strconv.Atoi(idx)
		if err != nil {
			return nil, eris.Wrapf(err, "invalid --override index %q", idx)
		}
		if d.Overrides == nil {
			d.Overrides = make(map[int]string)
		}
		d.Overrides[i] = reason
	}

	return d, nil
}

func init() {
	resolveCmd.Flags().StringVar(&resolveAction, "action", "", "approve or reject (required unless --decision-file)")
	resolveCmd.Flags().StringVar(&resolveActor, "actor", "", "reviewer identity (required)")
	resolveCmd.Flags().StringVar(&resolveNote, "note", "", "free-form reviewer note")
	resolveCmd.Flags().StringVar(&resolveDecisionFile, "decision-file", "", "JSON file with the full decision")
	resolveCmd.Flags().StringArrayVar(&resolveDuplicates, "dup", nil, "duplicate choice, id=keep or id=discard (repeatable)")
	resolveCmd.Flags().StringArrayVar(&resolveOverrides, "override", nil, "discrepancy override, recordIndex=reason (repeatable)")
	_ = resolveCmd.MarkFlagRequired("actor")
	rootCmd.AddCommand(resolveCmd)
}
