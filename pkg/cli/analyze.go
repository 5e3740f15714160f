package cli

import (
	"context"
	"encoding/json"

	"github.com/spf13/cobra"

	"github.com/lucid-vigil/agentwatch/pkg/actions"
	"github.com/lucid-vigil/agentwatch/pkg/detection"
	agerrors "github.com/lucid-vigil/agentwatch/pkg/errors"
	"github.com/lucid-vigil/agentwatch/pkg/events"
	"github.com/lucid-vigil/agentwatch/pkg/ingest"
	"github.com/lucid-vigil/agentwatch/pkg/logger"
	"github.com/lucid-vigil/agentwatch/pkg/pipeline"
)

var minLevel string

var analyzeCmd = &cobra.Command{
	Use:   "analyze <feed.jsonl[.zst]>",
	Short: "Replay a recorded event feed and print the results",
	Long: `Replay a JSON Lines event feed through the engine in file order and print
one result per line as JSON. Feeds ending in .zst are decompressed.

Examples:
  agentwatch analyze session.jsonl
  agentwatch analyze archive.jsonl.zst --min-level high`,
	Args: cobra.ExactArgs(1),
	RunE: runAnalyze,
}

func init() {
	analyzeCmd.Flags().StringVar(&minLevel, "min-level", string(detection.LevelLow),
		"Only print results at or above this level (low, medium, high, critical)")
}

func runAnalyze(cmd *cobra.Command, args []string) error {
	threshold, err := detection.ParseRiskLevel(minLevel)
	if err != nil {
		return err
	}

	analyzer, err := buildAnalyzer()
	if err != nil {
		return err
	}

	log := logger.Component("analyze")
	dedup := events.NewDeduplicator(cfg.Ingest.DedupWindow)
	defer dedup.Stop()

	pipe := pipeline.NewPipeline(analyzer, dedup, nil, log)

	enc := json.NewEncoder(cmd.OutOrStdout())
	printed := 0
	pipe.AddResultHandler(pipeline.ResultHandlerFunc(func(_ context.Context, ev events.SecurityEvent, result detection.AnalysisResult) error {
		if result.Level.Rank() < threshold.Rank() {
			return nil
		}
		printed++
		return enc.Encode(actions.NewAlert(ev, result))
	}))

	reader, err := ingest.NewReader(events.NewValidator(cfg.Ingest.MaxTargetBytes), agerrors.NewErrorHandler(log), log)
	if err != nil {
		return err
	}

	ctx := cmd.Context()
	duplicates := 0
	n, err := reader.ReadFile(ctx, args[0], func(ev events.SecurityEvent) error {
		_, analyzed, err := pipe.Process(ctx, ev)
		if !analyzed {
			duplicates++
		}
		return err
	})
	if err != nil {
		return err
	}

	_, rejected := reader.Stats()
	log.Info().
		Int("events", n).
		Int64("rejected", rejected).
		Int("printed", printed).
		Int("duplicates", duplicates).
		Msg("Replay finished")
	return nil
}
