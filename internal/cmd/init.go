package cmd

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/mhmlab/mhm/internal/config"
	"github.com/mhmlab/mhm/internal/summary"
)

// initCmd represents the init command
var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Initialize .mhm directory with a default config and rules file",
	Long: `Initialize the .mhm directory in the current directory.

Writes .mhm/config.yaml with the default settings and .mhm/rules.yaml with an
example summary rule. Relative data paths in the config are resolved against
the directory containing .mhm.

Examples:
  mhm init          # Initialize in current directory
  mhm init --force  # Overwrite existing config and rules`,
	RunE: runInit,
}

var initForce bool

func init() {
	rootCmd.AddCommand(initCmd)
	initCmd.Flags().BoolVar(&initForce, "force", false, "Overwrite existing config and rules files")
}

func runInit(cmd *cobra.Command, args []string) error {
	cwd, err := os.Getwd()
	if err != nil {
		return fmt.Errorf("get working directory: %w", err)
	}

	configDir := filepath.Join(cwd, config.ConfigDirName)
	configFile := filepath.Join(configDir, config.ConfigFileName)
	if _, err := os.Stat(configFile); err == nil {
		if !initForce {
			fmt.Fprintf(cmd.OutOrStdout(), "Already initialized at %s\n", relPath(configDir))
			return nil
		}
		if err := os.Remove(configFile); err != nil {
			return fmt.Errorf("removing existing config: %w", err)
		}
	} else if !os.IsNotExist(err) {
		return fmt.Errorf("checking config path: %w", err)
	}

	if _, err := config.SaveDefault(cwd); err != nil {
		return err
	}

	rulesFile := filepath.Join(configDir, config.RulesFileName)
	if _, err := os.Stat(rulesFile); os.IsNotExist(err) || initForce {
		if err := writeExampleRules(rulesFile); err != nil {
			return err
		}
	}

	fmt.Fprintf(cmd.OutOrStdout(), "Initialized mhm at %s\n", relPath(configDir))
	return nil
}

func writeExampleRules(path string) error {
	rs := &summary.RuleSet{}
	rs.Add(&summary.FeatureRule{
		Base:        summary.Base{Name: "daily_steps", Metric: "android_phone_step_count"},
		ValueField:  "value.steps",
		Aggregation: summary.AggSum,
	})
	data, err := yaml.Marshal(rs)
	if err != nil {
		return fmt.Errorf("marshaling rules: %w", err)
	}
	header := "# Summary rules. Kinds: feature, slider, histogram, responses.\n\n"
	if err := os.WriteFile(path, append([]byte(header), data...), 0644); err != nil {
		return fmt.Errorf("writing rules file: %w", err)
	}
	return nil
}
