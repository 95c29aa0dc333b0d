package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/JedizLaPulga/knockdoor/internal/logging"
	"github.com/JedizLaPulga/knockdoor/internal/ui"
)

var logsTail int

var logsCmd = &cobra.Command{
	Use:   "logs",
	Short: "Show the log directory and recent entries",
	Long: `Print the log directory and its daily log files, newest first.
With --tail, print the last lines of the newest file.

EXAMPLES:
    knockdoor logs
    knockdoor logs --tail 20`,
	Args: cobra.NoArgs,
	RunE: runLogs,
}

func init() {
	logsCmd.Flags().IntVarP(&logsTail, "tail", "n", 0, "print the last N lines of the newest log")
	rootCmd.AddCommand(logsCmd)
}

func runLogs(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()
	dir := cfg.LogDir()

	fmt.Fprintln(out, ui.Bold(dir))
	files, err := logging.Files(dir)
	if err != nil {
		return fmt.Errorf("list logs: %w", err)
	}
	if len(files) == 0 {
		fmt.Fprintln(out, ui.Hint("no log files yet"))
		return nil
	}
	for _, f := range files {
		fmt.Fprintf(out, "  %s\n", f)
	}

	if logsTail > 0 {
		lines, err := logging.Tail(files[0], logsTail)
		if err != nil {
			return fmt.Errorf("read log: %w", err)
		}
		fmt.Fprintln(out)
		for _, l := range lines {
			fmt.Fprintln(out, l)
		}
	}
	return nil
}
