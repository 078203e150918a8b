package commands

import (
	"encoding/json"
	"fmt"
	"sort"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/teranos/slate/am"
	"github.com/teranos/slate/errors"
)

// AmCmd represents the am (configuration) command
var AmCmd = &cobra.Command{
	Use:   "am",
	Short: "Manage slate configuration",
	Long: `am — Manage slate configuration

Configuration sources (later overrides earlier):
1. Default values
2. System config (/etc/slate/am.toml)
3. User config (~/.slate/am.toml)
4. Project config (nearest ./am.toml, searching up)
5. Environment variables (SLATE_* prefix)

Examples:
  slate am show                   # Show current configuration
  slate am show --format json     # Show configuration in JSON format
  slate am get pulse.interval_ms  # Get specific config value
  slate am where                  # Show where each setting came from
  slate am init                   # Write a default ./am.toml
  slate am lint                   # Find unknown keys in ./am.toml`,
}

var amShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show current configuration",
	RunE:  runAmShow,
}

var amGetCmd = &cobra.Command{
	Use:   "get <key>",
	Short: "Get a specific configuration value",
	Long:  "Get a specific configuration value using dot notation (e.g., database.path, jobs.ladder-run.max_stage_loops)",
	Args:  cobra.ExactArgs(1),
	RunE:  runAmGet,
}

var amValidateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Validate current configuration",
	RunE:  runAmValidate,
}

var amWhereCmd = &cobra.Command{
	Use:   "where",
	Short: "Show where configuration is loaded from",
	RunE:  runAmWhere,
}

var amInitCmd = &cobra.Command{
	Use:   "init [path]",
	Short: "Write a default config file",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		path := pathArg(args)
		if err := am.Init(path, amForce); err != nil {
			return err
		}
		pterm.Success.Printf("Wrote %s\n", path)
		return nil
	},
}

var amLintCmd = &cobra.Command{
	Use:   "lint [path]",
	Short: "Check a config file for unknown keys and invalid values",
	Args:  cobra.MaximumNArgs(1),
	RunE:  runAmLint,
}

var amLimitsCmd = &cobra.Command{
	Use:   "limits <job-type>",
	Short: "Set per-type job limits in the project config",
	Long: `Set per-type job limits in the project config.

A running server watching the file applies the new limits to later ticks.`,
	Args: cobra.ExactArgs(1),
	RunE: runAmLimits,
}

var (
	configFormat string
	amForce      bool
	amLimits     am.JobLimits
)

func init() {
	amShowCmd.Flags().StringVar(&configFormat, "format", "toml", "Output format: toml, json, yaml")
	amInitCmd.Flags().BoolVar(&amForce, "force", false, "Overwrite an existing file")
	amLimitsCmd.Flags().IntVar(&amLimits.MaxAttempts, "max-attempts", 0, "Attempts per batch item")
	amLimitsCmd.Flags().IntVar(&amLimits.MaxStageLoops, "max-stage-loops", 0, "Loops per ladder stage")
	amLimitsCmd.Flags().IntVar(&amLimits.MaxTotalSteps, "max-total-steps", 0, "Steps per job (0 derives it from the item count)")
	amLimitsCmd.Flags().Float64Var(&amLimits.ConvergenceTarget, "convergence-target", 0, "Score a ladder stage must reach (0..1)")

	AmCmd.AddCommand(amShowCmd, amGetCmd, amValidateCmd, amWhereCmd, amInitCmd, amLintCmd, amLimitsCmd)
}

// pathArg returns the explicit path argument or the project config path.
func pathArg(args []string) string {
	if len(args) == 1 {
		return args[0]
	}
	if p := am.FindProjectConfig(); p != "" {
		return p
	}
	return "am.toml"
}

func runAmShow(cmd *cobra.Command, args []string) error {
	cfg, err := am.Load()
	if err != nil {
		return errors.Wrap(err, "failed to load config")
	}

	switch configFormat {
	case "json":
		data, err := json.MarshalIndent(cfg, "", "  ")
		if err != nil {
			return errors.Wrap(err, "failed to marshal config to JSON")
		}
		fmt.Println(string(data))
	case "yaml":
		data, err := yaml.Marshal(cfg)
		if err != nil {
			return errors.Wrap(err, "failed to marshal config to YAML")
		}
		fmt.Printf("# slate configuration\n%s", string(data))
	case "toml":
		data, err := am.Marshal(cfg)
		if err != nil {
			return err
		}
		fmt.Printf("# slate configuration\n%s", string(data))
	default:
		return errors.NewInvalidRequestError("unsupported format: %s (supported: toml, json, yaml)", configFormat)
	}
	return nil
}

func runAmGet(cmd *cobra.Command, args []string) error {
	key := args[0]
	if !am.GetViper().IsSet(key) {
		return errors.NewNotFoundError("configuration key %q not found", key)
	}
	fmt.Println(am.Get(key))
	return nil
}

func runAmValidate(cmd *cobra.Command, args []string) error {
	cfg, err := am.Load()
	if err != nil {
		return errors.Wrap(err, "failed to load config")
	}
	if err := cfg.Validate(); err != nil {
		return errors.Wrap(err, "configuration validation failed")
	}
	pterm.Success.Println("Configuration is valid")
	return nil
}

func runAmWhere(cmd *cobra.Command, args []string) error {
	intro, err := am.GetConfigIntrospection()
	if err != nil {
		return errors.Wrap(err, "failed to get config introspection")
	}

	fmt.Println("Configuration cascade (later overrides earlier):")
	for i, f := range intro.Files {
		state := pterm.Gray("missing")
		if f.Exists {
			state = pterm.Green("found")
		}
		fmt.Printf("  %d. [%-8s] %s (%s)\n", i+1, f.Source, f.Path, state)
	}
	fmt.Println("     [ENV]      SLATE_* environment variables")
	fmt.Println()

	settings := append([]am.SettingInfo(nil), intro.Settings...)
	sort.Slice(settings, func(i, j int) bool { return settings[i].Key < settings[j].Key })

	rows := [][]string{{"Key", "Value", "Source"}}
	for _, s := range settings {
		source := string(s.Source)
		if s.SourcePath != "" {
			source += " " + s.SourcePath
		}
		rows = append(rows, []string{s.Key, truncate(fmt.Sprintf("%v", s.Value), 50), source})
	}
	return pterm.DefaultTable.WithHasHeader().WithData(rows).Render()
}

func runAmLint(cmd *cobra.Command, args []string) error {
	path := pathArg(args)
	report, err := am.Lint(path)
	if err != nil {
		return err
	}
	if report.OK() {
		pterm.Success.Printf("%s looks good\n", path)
		return nil
	}
	for _, key := range report.Unknown {
		pterm.Warning.Printf("%s: unknown key %s\n", path, key)
	}
	if report.Invalid != nil {
		pterm.Error.Printf("%s: %v\n", path, report.Invalid)
	}
	return errors.Newf("%s has problems", path)
}

func runAmLimits(cmd *cobra.Command, args []string) error {
	path := pathArg(nil)
	if err := am.SetJobLimits(path, args[0], amLimits); err != nil {
		return err
	}
	pterm.Success.Printf("Updated [jobs.%s] in %s\n", args[0], path)
	return nil
}
