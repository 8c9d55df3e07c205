package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/mhmlab/mhm/internal/period"
	"github.com/mhmlab/mhm/internal/pipeline"
	"github.com/mhmlab/mhm/internal/summary"
)

// summarizeCmd represents the summarize command
var summarizeCmd = &cobra.Command{
	Use:   "summarize",
	Short: "Write participant period summaries from the merged data",
	Long: `Evaluate summary rules for every participant and period and write one JSON
summary per participant period to the summaries directory.

Rules come from a YAML rules file (--rules, or summary.rules_file, or
.mhm/rules.yaml) and from the rule flags, which are appended to the file's
rules. A period with no data for a rule's metric gets an absent result, not a
zero.

Rule flag syntax:
  --feature                  name:metric:time_field:filter_field:filter_value:value_field
                             name:metric:time_field:value_field:unit
  --questionnaire            metric:time_field
  --questionnaire-slider     name:metric:answers_base:target_prefix:value_suffix:time_field
  --questionnaire-histogram  name:metric:answers_base:question_id:value_suffix:time_field

Examples:
  mhm summarize --rules rules.yaml
  mhm summarize --resolution week --participants P1,P2
  mhm summarize --feature "steps:android_phone_step_count:value.time:value.steps:steps"`,
	RunE: runSummarize,
}

var (
	summarizeRules         string
	summarizeFeatures      []string
	summarizeQuestionnaire []string
	summarizeSliders       []string
	summarizeHistograms    []string
	summarizeResolution    string
	summarizeFrom          string
	summarizeTo            string
	summarizeParticipants  []string
)

func init() {
	rootCmd.AddCommand(summarizeCmd)
	summarizeCmd.Flags().StringVar(&summarizeRules, "rules", "", "YAML rules file (default: summary.rules_file)")
	summarizeCmd.Flags().StringArrayVar(&summarizeFeatures, "feature", nil, "Feature rule (repeatable)")
	summarizeCmd.Flags().StringArrayVar(&summarizeQuestionnaire, "questionnaire", nil, "Questionnaire response counter rule (repeatable)")
	summarizeCmd.Flags().StringArrayVar(&summarizeSliders, "questionnaire-slider", nil, "Questionnaire slider rule (repeatable)")
	summarizeCmd.Flags().StringArrayVar(&summarizeHistograms, "questionnaire-histogram", nil, "Questionnaire histogram rule (repeatable)")
	summarizeCmd.Flags().StringVar(&summarizeResolution, "resolution", "", "Summary period: week, month or year (default: summary.resolution)")
	summarizeCmd.Flags().StringVar(&summarizeFrom, "from", "", "First day to summarize, YYYY-MM-DD")
	summarizeCmd.Flags().StringVar(&summarizeTo, "to", "", "Last day to summarize, YYYY-MM-DD")
	summarizeCmd.Flags().StringSliceVar(&summarizeParticipants, "participants", nil, "Only these participants")
}

// summarizeView is the printed result of the summarize command.
type summarizeView struct {
	Run       interface{} `json:"run" yaml:"run"`
	Summaries int         `json:"summaries" yaml:"summaries"`
}

func runSummarize(cmd *cobra.Command, args []string) error {
	rs, err := loadRuleSet()
	if err != nil {
		return err
	}
	from, err := parseDateFlag("from", summarizeFrom)
	if err != nil {
		return err
	}
	to, err := parseDateFlag("to", summarizeTo)
	if err != nil {
		return err
	}

	p, closeFn, err := openPipeline()
	if err != nil {
		return err
	}
	defer closeFn()

	run := p.NewRun("summarize")
	out, err := p.Summarize(cmd.Context(), run, pipeline.SummarizeOptions{
		Rules:        rs,
		Resolution:   summarizeResolution,
		Participants: summarizeParticipants,
		From:         from,
		To:           to,
	})
	if err == nil {
		err = printResult(cmd, summarizeView{Run: run, Summaries: len(out)})
	}
	return finish(p, run, err)
}

// loadRuleSet reads the rules file, when there is one, and appends the rules
// given as flags.
func loadRuleSet() (*summary.RuleSet, error) {
	rs := &summary.RuleSet{}

	path := summarizeRules
	if path == "" {
		path = cfg.RulesPath()
		if _, err := os.Stat(path); os.IsNotExist(err) {
			path = ""
		}
	}
	if path != "" {
		loaded, err := summary.LoadRules(path)
		if err != nil {
			return nil, err
		}
		rs = loaded
	}

	flagRules, err := summary.Flags{
		Features:      summarizeFeatures,
		Questionnaire: summarizeQuestionnaire,
		Sliders:       summarizeSliders,
		Histograms:    summarizeHistograms,
	}.RuleSet()
	if err != nil {
		return nil, err
	}
	rs.Add(flagRules.Rules...)

	if len(rs.Rules) == 0 {
		return nil, fmt.Errorf("no summary rules: pass --rules or a rule flag, or create %s", relPath(cfg.RulesPath()))
	}
	return rs, rs.Validate()
}

// parseDateFlag parses an optional YYYY-MM-DD flag value.
func parseDateFlag(name, value string) (*period.Date, error) {
	if value == "" {
		return nil, nil
	}
	d, err := period.ParseDate(value)
	if err != nil {
		return nil, fmt.Errorf("--%s: %w", name, err)
	}
	return &d, nil
}
