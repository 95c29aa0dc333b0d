package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/JedizLaPulga/knockdoor/internal/config"
	"github.com/JedizLaPulga/knockdoor/internal/portknock"
	"github.com/JedizLaPulga/knockdoor/internal/ui"
)

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Inspect the configuration",
	Long: `Inspect the configuration file knockdoor uses.

EXAMPLES:
    knockdoor config path
    knockdoor config validate
    knockdoor config show -c ./conf.json`,
}

var configPathCmd = &cobra.Command{
	Use:   "path",
	Short: "Print the config file in use",
	Args:  cobra.NoArgs,
	RunE:  runConfigPath,
}

var configValidateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Check every service entry",
	Long: `Check that every service has a name, a target, at least one valid knock
port and a host:port test address. Malformed knock ports are reported as
warnings because knocking skips them.`,
	Args: cobra.NoArgs,
	RunE: runConfigValidate,
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Print the effective config as YAML",
	Args:  cobra.NoArgs,
	RunE:  runConfigShow,
}

func init() {
	configCmd.AddCommand(configPathCmd, configValidateCmd, configShowCmd)
	rootCmd.AddCommand(configCmd)
}

func runConfigPath(cmd *cobra.Command, _ []string) error {
	out := cmd.OutOrStdout()
	cfg, err := config.Load(cfgFile)
	if err == nil {
		fmt.Fprintln(out, cfg.Path)
		return nil
	}

	fmt.Fprintln(out, "No config file found. Searched:")
	for _, p := range config.SearchPaths() {
		fmt.Fprintf(out, "  %s\n", p)
	}
	return errReported
}

func runConfigValidate(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()

	fmt.Fprintln(out, ui.Bold("Validating "+cfg.Path+"..."))

	issues := cfg.Validate()
	bad := make(map[string]bool)
	for _, is := range issues.Errors() {
		bad[is.Service] = true
	}
	for _, s := range cfg.Services {
		if s.Name == "" || bad[s.Name] {
			continue
		}
		specs, _ := portknock.ParseSequence(s.PortsToKnock, portknock.TCP)
		fmt.Fprintln(out, ui.ValidationOK(s.Name, portknock.FormatSequence(specs)+" then "+s.TestingAddressAndPort))
	}
	if len(issues) > 0 {
		fmt.Fprintln(out, ui.FormatIssues(issues))
	}

	errs := issues.Errors()
	fmt.Fprintln(out)
	if len(errs) == 0 {
		ui.Success(out, fmt.Sprintf("%d services valid, %d warnings", len(cfg.Services), len(issues)))
		return nil
	}
	fmt.Fprintf(out, "%d errors, %d warnings\n", len(errs), len(issues)-len(errs))
	return errReported
}

func runConfigShow(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	data, err := cfg.YAML()
	if err != nil {
		return fmt.Errorf("render config: %w", err)
	}
	fmt.Fprintf(cmd.OutOrStdout(), "# %s\n%s", cfg.Path, data)
	return nil
}
