package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/JedizLaPulga/knockdoor/internal/ui"
)

const version = "0.1.0"

var (
	cfgFile  string
	logLevel string
	verbose  bool
	quiet    bool
)

// errReported marks failures already printed to the user.
var errReported = errors.New("reported")

var rootCmd = &cobra.Command{
	Use:   "knockdoor",
	Short: "Knock on firewall doors and check the services behind them",
	Long: `knockdoor sends port-knock sequences to hosts guarded by a knock daemon
and verifies that the protected service became reachable.

Services are read from conf.json. Each entry names the host to knock,
the sequence of ports (e.g. "7000:udp", "8000", "9000tcp"), the
host:port to test afterwards and an optional delay between knocks.

EXAMPLES:
    knockdoor knock ssh
    knockdoor knock --all
    knockdoor check
    knockdoor watch --interval 1m
    knockdoor config validate`,
	Version:       version,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	pf := rootCmd.PersistentFlags()
	pf.StringVarP(&cfgFile, "config", "c", "", "config file (default: $KNOCKDOOR_CONFIG, ./conf.json, then the user config dir)")
	pf.StringVar(&logLevel, "log-level", "", "console log level: debug, info, warn, error (default: warn)")
	pf.BoolVar(&verbose, "verbose", false, "log every knock and probe attempt to stderr")
	pf.BoolVarP(&quiet, "quiet", "q", false, "hide progress lines")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		if !errors.Is(err, errReported) {
			fmt.Fprint(os.Stderr, ui.FormatError(err.Error(), "", ""))
		}
		os.Exit(1)
	}
}
