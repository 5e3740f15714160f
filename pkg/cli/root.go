// Package cli implements the agentwatch command line.
package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/lucid-vigil/agentwatch/pkg/config"
	"github.com/lucid-vigil/agentwatch/pkg/detection"
	"github.com/lucid-vigil/agentwatch/pkg/logger"
)

var (
	// Global flags
	configFile string
	rulesFile  string

	// Loaded by PersistentPreRunE
	cfg *config.Config
)

// rootCmd is the base command
var rootCmd = &cobra.Command{
	Use:   "agentwatch",
	Short: "Risk scoring for AI coding agent actions",
	Long: `agentwatch scores the actions of AI coding agents (file reads and writes,
shell commands, web fetches) for security risk. It matches dangerous and
mitigating patterns, follows multi-step kill chains across a session and
tags results with MITRE ATT&CK techniques.

Examples:
  # Tail agent event feeds and alert on high risk actions
  agentwatch watch --config /etc/agentwatch/config.yaml

  # Replay a recorded feed
  agentwatch analyze session.jsonl --min-level medium

  # Check a custom rules file
  agentwatch rules validate --rules rules.yaml`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if cmd.Name() == "help" || cmd.Name() == "version" {
			return nil
		}

		var err error
		if configFile != "" {
			cfg, err = config.LoadConfigFrom(configFile)
		} else {
			cfg, err = config.LoadConfig()
		}
		if err != nil {
			return fmt.Errorf("failed to load configuration: %w", err)
		}

		// The daemon logs to stdout; one-shot commands keep stdout for results.
		if cmd == watchCmd {
			logger.InitLogger(cfg.LogLevel, cfg.LogFormat)
		} else {
			logger.InitLoggerTo(cmd.ErrOrStderr(), cfg.LogLevel, cfg.LogFormat)
		}
		return nil
	},
}

// Execute runs the CLI
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", "",
		"Path to config file (default: ./config.yaml or /etc/agentwatch/config.yaml)")
	rootCmd.PersistentFlags().StringVarP(&rulesFile, "rules", "r", "",
		"Path to a rules file, overriding engine.rules_file")

	rootCmd.AddCommand(watchCmd)
	rootCmd.AddCommand(analyzeCmd)
	rootCmd.AddCommand(rulesCmd)
	rootCmd.AddCommand(versionCmd)
}

// rulesPath returns the rules file selected by flag or configuration.
func rulesPath() string {
	if rulesFile != "" {
		return rulesFile
	}
	return cfg.Engine.RulesFile
}

// buildAnalyzer loads the rule set and compiles the engine.
func buildAnalyzer() (*detection.SecurityAnalyzer, error) {
	rules, err := detection.LoadRuleSet(rulesPath())
	if err != nil {
		return nil, err
	}
	return detection.NewSecurityAnalyzer(rules, cfg.EngineOptions(), logger.Component("engine"))
}
