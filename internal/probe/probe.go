// Package probe tests whether a TCP endpoint accepts connections, with an
// escalating ladder of connect timeouts.
package probe

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/netip"
	"strconv"
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/zap"
)

// Defaults used when Options leave a field zero.
var (
	DefaultLadder  = []time.Duration{500 * time.Millisecond, time.Second, 2 * time.Second, 5 * time.Second}
	DefaultPause   = 200 * time.Millisecond
	DefaultTimeout = 2 * time.Second
)

// Target is a host:port probe endpoint.
type Target struct {
	Host string
	Port uint16
}

// Address returns the host:port address.
func (t Target) Address() string {
	return net.JoinHostPort(t.Host, strconv.Itoa(int(t.Port)))
}

// ParseTarget parses a string like "host:port" or "[::1]:22" into a Target.
func ParseTarget(s string) (Target, error) {
	host, portStr, err := net.SplitHostPort(s)
	if err != nil {
		return Target{}, fmt.Errorf("invalid format (expected host:port): %w", err)
	}
	if host == "" {
		return Target{}, errors.New("missing host")
	}
	port, err := strconv.ParseUint(portStr, 10, 16)
	if err != nil || port == 0 {
		return Target{}, fmt.Errorf("invalid port number %q", portStr)
	}
	return Target{Host: host, Port: uint16(port)}, nil
}

// Resolver turns a host into an address.
type Resolver interface {
	Resolve(ctx context.Context, host string) (netip.Addr, error)
}

// DialFunc opens a connection; it must honour ctx cancellation.
type DialFunc func(ctx context.Context, network, addr string) (net.Conn, error)

// Options configures a Prober.
type Options struct {
	Resolver Resolver
	Dial     DialFunc
	Pause    time.Duration // pause between failed ladder attempts
	Clock    clock.Clock
	Logger   *zap.Logger
}

// Result holds the result of a ladder probe.
type Result struct {
	Target    Target
	Reachable bool
	Attempts  int
	Duration  time.Duration
	Err       error // last failure, nil when reachable
}

// Prober performs reachability probes.
type Prober struct {
	resolver Resolver
	dial     DialFunc
	pause    time.Duration
	clock    clock.Clock
	log      *zap.Logger
}

// New creates a Prober.
func New(opts Options) *Prober {
	p := &Prober{
		resolver: opts.Resolver,
		dial:     opts.Dial,
		pause:    opts.Pause,
		clock:    opts.Clock,
		log:      opts.Logger,
	}
	if p.dial == nil {
		var d net.Dialer
		p.dial = d.DialContext
	}
	if p.pause <= 0 {
		p.pause = DefaultPause
	}
	if p.clock == nil {
		p.clock = clock.New()
	}
	if p.log == nil {
		p.log = zap.NewNop()
	}
	return p
}

// Probe makes one blocking TCP connect bounded by timeout and closes the
// connection straight away. It reports whether the connect completed.
func (p *Prober) Probe(ctx context.Context, host string, port uint16, timeout time.Duration) bool {
	addr, err := p.resolve(ctx, host)
	if err != nil {
		return false
	}
	return p.attempt(ctx, netip.AddrPortFrom(addr, port), timeout) == nil
}

// ProbeWithBackoff tries Probe once per timeout, in order, stopping at the
// first success and pausing briefly between failures. An empty ladder
// means a single attempt with DefaultTimeout.
func (p *Prober) ProbeWithBackoff(ctx context.Context, host string, port uint16, timeouts []time.Duration) (result Result) {
	result.Target = Target{Host: host, Port: port}
	start := p.clock.Now()
	defer func() { result.Duration = p.clock.Since(start) }()

	if len(timeouts) == 0 {
		timeouts = []time.Duration{DefaultTimeout}
	}

	addr, err := p.resolve(ctx, host)
	if err != nil {
		result.Err = err
		return result
	}
	target := netip.AddrPortFrom(addr, port)

	for i, timeout := range timeouts {
		result.Attempts++
		err := p.attempt(ctx, target, timeout)
		if err == nil {
			result.Reachable = true
			result.Err = nil
			return result
		}
		result.Err = err

		if i == len(timeouts)-1 {
			break
		}
		if err := p.sleep(ctx, p.pause); err != nil {
			result.Err = err
			break
		}
	}
	return result
}

func (p *Prober) resolve(ctx context.Context, host string) (netip.Addr, error) {
	if p.resolver == nil {
		addr, err := netip.ParseAddr(host)
		if err != nil {
			return netip.Addr{}, fmt.Errorf("no resolver for %q", host)
		}
		return addr, nil
	}
	return p.resolver.Resolve(ctx, host)
}

func (p *Prober) attempt(ctx context.Context, target netip.AddrPort, timeout time.Duration) error {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	conn, err := p.dial(ctx, "tcp", target.String())
	if err != nil {
		p.log.Debug("probe failed", zap.Stringer("target", target), zap.Duration("timeout", timeout), zap.Error(err))
		return err
	}
	conn.Close()
	p.log.Debug("probe connected", zap.Stringer("target", target), zap.Duration("timeout", timeout))
	return nil
}

func (p *Prober) sleep(ctx context.Context, d time.Duration) error {
	t := p.clock.Timer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// FormatResult formats a result for display.
func FormatResult(r Result) string {
	if r.Reachable {
		return fmt.Sprintf("✓ %s is reachable (%.2fs, %d attempts)",
			r.Target.Address(), r.Duration.Seconds(), r.Attempts)
	}
	return fmt.Sprintf("✕ %s is not reachable after %.2fs (%d attempts): %v",
		r.Target.Address(), r.Duration.Seconds(), r.Attempts, r.Err)
}
