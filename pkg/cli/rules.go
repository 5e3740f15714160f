package cli

import (
	"encoding/json"
	"fmt"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"
	"go.uber.org/multierr"

	"github.com/lucid-vigil/agentwatch/pkg/detection"
)

var listJSON bool

var rulesCmd = &cobra.Command{
	Use:   "rules",
	Short: "Inspect and validate detection rules",
}

var rulesValidateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Compile the rule set and report every problem",
	Long: `Compile the configured rule set exactly as the daemon does at startup.

Every invalid rule is reported, not just the first. The command exits
non-zero when any rule is invalid.

Examples:
  agentwatch rules validate
  agentwatch rules validate --rules custom-rules.yaml`,
	Args: cobra.NoArgs,
	RunE: runRulesValidate,
}

var rulesListCmd = &cobra.Command{
	Use:   "list",
	Short: "List the active rules",
	Args:  cobra.NoArgs,
	RunE:  runRulesList,
}

func init() {
	rulesListCmd.Flags().BoolVar(&listJSON, "json", false, "Print the rule set as JSON")

	rulesCmd.AddCommand(rulesValidateCmd)
	rulesCmd.AddCommand(rulesListCmd)
}

func runRulesValidate(cmd *cobra.Command, args []string) error {
	out := cmd.OutOrStdout()

	analyzer, err := buildAnalyzer()
	if err != nil {
		errs := multierr.Errors(err)
		for _, e := range errs {
			fmt.Fprintf(out, "  ✗ %v\n", e)
		}
		return fmt.Errorf("%d rule error(s)", len(errs))
	}

	stats := analyzer.Stats()
	fmt.Fprintf(out, "✓ Rules OK: %d pattern(s), %d kill chain(s), %d correlation(s)\n",
		stats.PatternRules, stats.KillChains, stats.CorrelationRules)
	return nil
}

func runRulesList(cmd *cobra.Command, args []string) error {
	analyzer, err := buildAnalyzer()
	if err != nil {
		return err
	}

	rules := detection.RuleSet{
		Patterns:     analyzer.Catalog().Rules(),
		KillChains:   analyzer.Sequences().Definitions(),
		Correlations: analyzer.Correlator().Rules(),
	}

	out := cmd.OutOrStdout()
	if listJSON {
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		return enc.Encode(rules)
	}

	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "PATTERN\tCATEGORY\tSCORE\tMITRE")
	for _, r := range rules.Patterns {
		fmt.Fprintf(w, "%s\t%s\t%+d\t%s\n", r.ID, r.Category, r.ScoreDelta, strings.Join(r.MITRE, ","))
	}
	fmt.Fprintln(w)
	fmt.Fprintln(w, "KILL CHAIN\tSTEPS\tBONUS\tWINDOW\tMITRE")
	for _, d := range rules.KillChains {
		fmt.Fprintf(w, "%s\t%d\t+%d\t%s\t%s\n", d.Name, len(d.Steps), d.ScoreBonus, d.Window(), d.MITRE)
	}
	fmt.Fprintln(w)
	fmt.Fprintln(w, "CORRELATION\tMODIFIER\tWINDOW\tMITRE")
	for _, c := range rules.Correlations {
		fmt.Fprintf(w, "%s\t%+d\t%s\t%s\n", c.Name, c.ScoreModifier, c.Window(), c.MITRE)
	}
	return w.Flush()
}
