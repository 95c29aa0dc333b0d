package main

import (
	"github.com/spf13/cobra"
)

var checkCmd = &cobra.Command{
	Use:   "check [service...]",
	Short: "Probe test addresses without knocking",
	Long: `Probe the test address of each named service once, without sending any
knocks. With no names every configured service is checked concurrently.

The exit status is non-zero when any checked service is not reachable.

EXAMPLES:
    knockdoor check
    knockdoor check ssh
    knockdoor check -q && echo "all open"`,
	RunE: runCheck,
}

func init() {
	rootCmd.AddCommand(checkCmd)
}

func runCheck(cmd *cobra.Command, args []string) error {
	a, err := loadApp()
	if err != nil {
		return err
	}
	defer a.Close()

	services, err := a.services(args)
	if err != nil {
		return err
	}

	ctx, stop := signalContext()
	defer stop()

	c := a.newChecker(progress(cmd.ErrOrStderr()))
	outcomes := c.CheckAll(ctx, services)
	return printOutcomes(cmd.OutOrStdout(), outcomes, false)
}
