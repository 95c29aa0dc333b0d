// Package checker runs knock-and-verify and passive reachability checks
// for configured services and keeps their last known status.
package checker

import (
	"context"
	"fmt"
	"net/netip"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/JedizLaPulga/knockdoor/internal/portknock"
	"github.com/JedizLaPulga/knockdoor/internal/probe"
	"github.com/JedizLaPulga/knockdoor/internal/resolve"
)

// Resolver turns a host into an address.
type Resolver interface {
	Resolve(ctx context.Context, host string) (netip.Addr, error)
}

// Options configures a Checker. Zero timeouts take the defaults below;
// a zero Settle means probing starts right after the last knock.
type Options struct {
	KnockTimeout time.Duration   // per-knock connect wait, default 200ms
	Settle       time.Duration   // pause between the last knock and probing, default 500ms
	Ladder       []time.Duration // probe timeouts after knocking, default probe.DefaultLadder
	CheckTimeout time.Duration   // single probe timeout for check-only runs, default 2s

	Resolver  Resolver
	Sequencer *portknock.Sequencer
	Prober    *probe.Prober
	Board     *Board
	Clock     clock.Clock
	Logger    *zap.Logger

	// OnPhase, if set, is called as each run moves between phases.
	OnPhase func(service string, phase Phase)
}

// DefaultOptions returns sensible defaults.
func DefaultOptions() Options {
	return Options{
		KnockTimeout: portknock.DefaultKnockTimeout,
		Settle:       500 * time.Millisecond,
		Ladder:       probe.DefaultLadder,
		CheckTimeout: probe.DefaultTimeout,
	}
}

// Checker orchestrates knocking and probing. It is safe for concurrent use;
// each call owns its own sockets and only the Board is shared.
type Checker struct {
	opts      Options
	resolver  Resolver
	sequencer *portknock.Sequencer
	prober    *probe.Prober
	board     *Board
	clock     clock.Clock
	log       *zap.Logger
}

// New creates a Checker.
func New(opts Options) *Checker {
	def := DefaultOptions()
	if opts.KnockTimeout <= 0 {
		opts.KnockTimeout = def.KnockTimeout
	}
	if opts.Settle < 0 {
		opts.Settle = 0
	}
	if len(opts.Ladder) == 0 {
		opts.Ladder = def.Ladder
	}
	if opts.CheckTimeout <= 0 {
		opts.CheckTimeout = def.CheckTimeout
	}

	c := &Checker{
		opts:      opts,
		resolver:  opts.Resolver,
		sequencer: opts.Sequencer,
		prober:    opts.Prober,
		board:     opts.Board,
		clock:     opts.Clock,
		log:       opts.Logger,
	}
	if c.log == nil {
		c.log = zap.NewNop()
	}
	if c.clock == nil {
		c.clock = clock.New()
	}
	if c.resolver == nil {
		ropts := resolve.DefaultOptions()
		ropts.Logger = c.log
		c.resolver = resolve.New(ropts)
	}
	if c.sequencer == nil {
		c.sequencer = portknock.NewSequencer(portknock.WithClock(c.clock), portknock.WithLogger(c.log))
	}
	if c.prober == nil {
		c.prober = probe.New(probe.Options{Resolver: c.resolver, Clock: c.clock, Logger: c.log})
	}
	if c.board == nil {
		c.board = NewBoard()
	}
	return c
}

// Board returns the status board the checker writes to.
func (c *Checker) Board() *Board {
	return c.board
}

// KnockAndVerify resolves the target, sends the knock sequence, waits for
// the firewall to settle, then probes the test address with the timeout
// ladder. The result is recorded on the board before returning.
func (c *Checker) KnockAndVerify(ctx context.Context, svc ServiceSpec) Outcome {
	run := c.begin(svc)
	start := c.clock.Now()
	out := Outcome{Service: svc.Name, RunID: run.id}

	finish := func() Outcome {
		out.Duration = c.clock.Since(start)
		c.done(run, out)
		return out
	}
	fail := func(err error) Outcome {
		out.Verdict, out.Err = VerdictFailed, err
		return finish()
	}

	target, err := probe.ParseTarget(svc.TestAddress)
	if err != nil {
		return fail(fmt.Errorf("test address %q: %w", svc.TestAddress, err))
	}

	c.phase(svc.Name, PhaseKnocking)
	ip, err := c.resolver.Resolve(ctx, svc.TargetAddress)
	if err != nil {
		return fail(err)
	}

	delay := svc.Delay
	if delay < 0 {
		delay = 0
	}
	run.log.Info("knocking",
		zap.String("target", svc.TargetAddress),
		zap.Stringer("addr", ip),
		zap.Strings("ports", svc.PortsToKnock),
		zap.Duration("delay", delay))

	report, err := c.sequencer.FireTokens(ctx, ip, svc.PortsToKnock, portknock.TCP, delay, c.opts.KnockTimeout)
	out.Knocks = report
	if err != nil {
		return fail(fmt.Errorf("knock sequence: %w", err))
	}
	for _, kr := range report.Failed() {
		run.log.Warn("knock not sent", zap.Int("seq", kr.Seq), zap.String("outcome", kr.Outcome()))
	}

	if err := c.sleep(ctx, c.opts.Settle); err != nil {
		return fail(err)
	}

	c.phase(svc.Name, PhaseProbing)
	out.Probe = c.prober.ProbeWithBackoff(ctx, target.Host, target.Port, c.opts.Ladder)
	if !out.Probe.Reachable && ctx.Err() != nil {
		return fail(ctx.Err())
	}
	if out.Probe.Reachable {
		out.Verdict = VerdictReachable
	} else {
		out.Verdict = VerdictUnreachable
	}
	return finish()
}

// CheckOnly probes the test address once with CheckTimeout, without
// knocking.
func (c *Checker) CheckOnly(ctx context.Context, svc ServiceSpec) Outcome {
	run := c.begin(svc)
	start := c.clock.Now()
	out := Outcome{Service: svc.Name, RunID: run.id}

	target, err := probe.ParseTarget(svc.TestAddress)
	if err != nil {
		out.Verdict, out.Err = VerdictFailed, fmt.Errorf("test address %q: %w", svc.TestAddress, err)
	} else {
		c.phase(svc.Name, PhaseProbing)
		out.Probe = c.prober.ProbeWithBackoff(ctx, target.Host, target.Port, []time.Duration{c.opts.CheckTimeout})
		switch {
		case out.Probe.Reachable:
			out.Verdict = VerdictReachable
		case ctx.Err() != nil:
			out.Verdict, out.Err = VerdictFailed, ctx.Err()
		default:
			out.Verdict = VerdictUnreachable
		}
	}

	out.Duration = c.clock.Since(start)
	c.done(run, out)
	return out
}

// CheckAll runs CheckOnly for every service concurrently and returns the
// outcomes in input order.
func (c *Checker) CheckAll(ctx context.Context, services []ServiceSpec) []Outcome {
	return c.fanOut(ctx, services, c.CheckOnly)
}

// KnockAll runs KnockAndVerify for every service concurrently and returns
// the outcomes in input order.
func (c *Checker) KnockAll(ctx context.Context, services []ServiceSpec) []Outcome {
	return c.fanOut(ctx, services, c.KnockAndVerify)
}

func (c *Checker) fanOut(ctx context.Context, services []ServiceSpec, fn func(context.Context, ServiceSpec) Outcome) []Outcome {
	outcomes := make([]Outcome, len(services))
	var g errgroup.Group
	for i, svc := range services {
		i, svc := i, svc
		g.Go(func() error {
			outcomes[i] = fn(ctx, svc)
			return nil
		})
	}
	_ = g.Wait()
	return outcomes
}

type runInfo struct {
	id  string
	log *zap.Logger
}

func (c *Checker) begin(svc ServiceSpec) runInfo {
	id := uuid.NewString()
	return runInfo{
		id:  id,
		log: c.log.With(zap.String("service", svc.Name), zap.String("run", id)),
	}
}

func (c *Checker) done(r runInfo, out Outcome) {
	c.board.Set(out.Service, out.status())
	c.phase(out.Service, PhaseDone)

	fields := []zap.Field{
		zap.String("verdict", out.Verdict.String()),
		zap.Duration("elapsed", out.Duration),
		zap.Int("attempts", out.Probe.Attempts),
	}
	if out.Verdict == VerdictFailed {
		r.log.Error("check failed", append(fields, zap.Error(out.Err))...)
		return
	}
	r.log.Info("check finished", fields...)
}

func (c *Checker) phase(service string, p Phase) {
	if c.opts.OnPhase != nil {
		c.opts.OnPhase(service, p)
	}
}

func (c *Checker) sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := c.clock.Timer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
