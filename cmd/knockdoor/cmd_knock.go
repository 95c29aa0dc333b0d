package main

import (
	"errors"

	"github.com/spf13/cobra"
)

var (
	knockAll    bool
	knockReport bool
)

var knockCmd = &cobra.Command{
	Use:   "knock [service...]",
	Short: "Send a service's knock sequence and verify it opened",
	Long: `Send the configured knock sequence to each named service, wait for the
firewall to settle, then probe the test address with growing timeouts
(500ms, 1s, 2s, 5s by default).

Bare port numbers are knocked over TCP. Entries that are not valid ports
are skipped with a warning. Several services are knocked concurrently.

EXAMPLES:
    knockdoor knock ssh
    knockdoor knock ssh web --report
    knockdoor knock --all`,
	RunE: runKnock,
}

func init() {
	knockCmd.Flags().BoolVarP(&knockAll, "all", "a", false, "knock every configured service")
	knockCmd.Flags().BoolVarP(&knockReport, "report", "r", false, "print the per-knock table")
	rootCmd.AddCommand(knockCmd)
}

func runKnock(cmd *cobra.Command, args []string) error {
	if len(args) == 0 && !knockAll {
		return errors.New("name at least one service or pass --all")
	}
	if len(args) > 0 && knockAll {
		return errors.New("--all cannot be combined with service names")
	}

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
	outcomes := c.KnockAll(ctx, services)
	return printOutcomes(cmd.OutOrStdout(), outcomes, knockReport)
}
