package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"

	"go.uber.org/zap"

	"github.com/JedizLaPulga/knockdoor/internal/checker"
	"github.com/JedizLaPulga/knockdoor/internal/config"
	"github.com/JedizLaPulga/knockdoor/internal/logging"
	"github.com/JedizLaPulga/knockdoor/internal/probe"
	"github.com/JedizLaPulga/knockdoor/internal/resolve"
	"github.com/JedizLaPulga/knockdoor/internal/ui"
)

// app holds what every command needs after startup.
type app struct {
	cfg      *config.Config
	log      *zap.Logger
	closeLog func() error
}

func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(cfgFile)
	if err == nil {
		return cfg, nil
	}
	if errors.Is(err, config.ErrNotFound) {
		fmt.Fprint(os.Stderr, ui.FormatError("No config file", err.Error(),
			"create conf.json in one of: "+strings.Join(config.SearchPaths(), ", ")))
	} else {
		fmt.Fprint(os.Stderr, ui.FormatError("Failed to load config", err.Error(), "run 'knockdoor config validate'"))
	}
	return nil, errReported
}

func consoleLevel() string {
	switch {
	case logLevel != "":
		return logLevel
	case verbose:
		return "debug"
	default:
		return "warn"
	}
}

func loadApp() (*app, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}

	log, closeLog, err := logging.New(logging.Options{
		Level:        cfg.Settings.LogLevel,
		ConsoleLevel: consoleLevel(),
		Dir:          cfg.LogDir(),
		Console:      os.Stderr,
	})
	if err != nil {
		return nil, err
	}

	log.Info("config loaded", zap.String("path", cfg.Path), zap.Int("services", len(cfg.Services)))
	for _, is := range cfg.Validate() {
		if is.Warning {
			log.Warn("config warning", zap.String("service", is.Service), zap.String("field", is.Field), zap.String("detail", is.Message))
		} else {
			log.Error("service skipped", zap.String("service", is.Service), zap.String("field", is.Field), zap.String("detail", is.Message))
		}
	}

	return &app{cfg: cfg, log: log, closeLog: closeLog}, nil
}

func (a *app) Close() {
	_ = a.closeLog()
}

func (a *app) newChecker(onPhase func(string, checker.Phase)) *checker.Checker {
	ropts := a.cfg.ResolverOptions()
	ropts.Logger = a.log
	res := resolve.New(ropts)

	popts := a.cfg.ProbeOptions()
	popts.Resolver = res
	popts.Logger = a.log

	opts := a.cfg.CheckerOptions()
	opts.Resolver = res
	opts.Prober = probe.New(popts)
	opts.Board = checker.NewBoard(a.cfg.Names()...)
	opts.Logger = a.log
	opts.OnPhase = onPhase
	return checker.New(opts)
}

// services returns the named services in the order given, or every valid
// service when names is empty.
func (a *app) services(names []string) ([]checker.ServiceSpec, error) {
	if len(names) == 0 {
		specs, _ := a.cfg.Specs()
		if len(specs) == 0 {
			return nil, errors.New("no valid services configured")
		}
		return specs, nil
	}

	out := make([]checker.ServiceSpec, 0, len(names))
	for _, name := range names {
		s, ok := a.cfg.Lookup(name)
		if !ok {
			return nil, fmt.Errorf("unknown or invalid service %q (configured: %s)", name, strings.Join(a.cfg.Names(), ", "))
		}
		out = append(out, s)
	}
	return out, nil
}

func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

// progress prints a line as each service enters a working phase.
func progress(w io.Writer) func(string, checker.Phase) {
	if quiet {
		return nil
	}
	var mu sync.Mutex
	return func(service string, p checker.Phase) {
		if p == checker.PhaseDone {
			return
		}
		mu.Lock()
		defer mu.Unlock()
		fmt.Fprintln(w, ui.PhaseLine(service, p))
	}
}

// printOutcomes writes one line per outcome and fails when any service is
// not reachable.
func printOutcomes(w io.Writer, outcomes []checker.Outcome, withReport bool) error {
	failed := 0
	for _, o := range outcomes {
		if withReport && o.Knocks != nil {
			fmt.Fprint(w, ui.FormatReport(o.Knocks))
			if o.Probe.Attempts > 0 {
				fmt.Fprintln(w, probe.FormatResult(o.Probe))
			}
		}
		fmt.Fprintln(w, ui.FormatOutcome(o))
		if o.Verdict != checker.VerdictReachable {
			failed++
		}
	}

	fmt.Fprintln(w)
	if failed == 0 {
		ui.Success(w, fmt.Sprintf("%d of %d services reachable", len(outcomes), len(outcomes)))
		return nil
	}
	fmt.Fprintf(w, "%d of %d services reachable\n", len(outcomes)-failed, len(outcomes))
	return errReported
}
