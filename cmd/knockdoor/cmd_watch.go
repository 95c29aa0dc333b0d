package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/JedizLaPulga/knockdoor/internal/checker"
	"github.com/JedizLaPulga/knockdoor/internal/ui"
)

var watchInterval time.Duration

var watchCmd = &cobra.Command{
	Use:   "watch [service...]",
	Short: "Re-check services periodically and show their status",
	Long: `Check every service immediately, then again each interval, printing
the status table after every round. No knocks are sent.

SIGHUP reloads the service list and resets every status to unknown;
settings changes take effect on the next start.
Interrupt with Ctrl+C.

EXAMPLES:
    knockdoor watch
    knockdoor watch --interval 30s
    knockdoor watch ssh web`,
	RunE: runWatch,
}

func init() {
	watchCmd.Flags().DurationVarP(&watchInterval, "interval", "i", 0, "time between rounds (default: settings.watch_interval or 5m)")
	rootCmd.AddCommand(watchCmd)
}

func runWatch(cmd *cobra.Command, args []string) error {
	a, err := loadApp()
	if err != nil {
		return err
	}
	defer a.Close()

	ctx, stop := signalContext()
	defer stop()

	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	defer signal.Stop(hup)

	w := &watcher{
		app:      a,
		names:    args,
		interval: watchInterval,
		reload:   hup,
		out:      cmd.OutOrStdout(),
		checker:  a.newChecker(nil),
	}
	return w.run(ctx)
}

// watcher runs checker rounds and restarts them with a fresh service list
// whenever reload fires.
type watcher struct {
	app      *app
	names    []string // services to watch; empty means all
	interval time.Duration
	reload   <-chan os.Signal
	out      io.Writer
	checker  *checker.Checker

	afterRound func() // called after each printed round
}

func (w *watcher) run(ctx context.Context) error {
	c := w.checker
	for {
		services, err := w.app.services(w.names)
		if err != nil {
			return err
		}
		interval := w.interval
		if interval <= 0 {
			interval = w.app.cfg.WatchInterval()
		}

		names := make([]string, len(services))
		for i, s := range services {
			names[i] = s.Name
		}

		round, cancelRound := context.WithCancel(ctx)
		go func() {
			select {
			case <-w.reload:
				cancelRound()
			case <-round.Done():
			}
		}()

		fmt.Fprintf(w.out, "Watching %d services every %v\n", len(services), interval)
		err = c.Watch(round, services, interval, func([]checker.Outcome) {
			fmt.Fprintf(w.out, "\n%s\n", ui.Bold(time.Now().Format("15:04:05")))
			fmt.Fprint(w.out, ui.StatusTable(names, c.Board().Snapshot()))
			if w.afterRound != nil {
				w.afterRound()
			}
		})
		cancelRound()

		if ctx.Err() != nil {
			fmt.Fprintln(w.out, "\nInterrupted.")
			return nil
		}
		if !errors.Is(err, context.Canceled) {
			return err
		}

		cfg, err := loadConfig()
		if err != nil {
			w.app.log.Error("reload failed, keeping previous config")
			continue
		}
		w.app.cfg = cfg
		c.Board().Reset(cfg.Names())
		w.app.log.Info("config reloaded", zap.String("path", cfg.Path), zap.Int("services", len(cfg.Services)))
	}
}
