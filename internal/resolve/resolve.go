// Package resolve turns a hostname or IP literal into a single address
// suitable for socket operations.
package resolve

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/netip"
	"time"

	"github.com/miekg/dns"
	"go.uber.org/zap"
)

// Family restricts which address families a lookup may return.
type Family string

const (
	Any  Family = "any"
	IPv4 Family = "ip4"
	IPv6 Family = "ip6"
)

// ErrNoAddress is returned when a lookup succeeds but yields no usable record.
var ErrNoAddress = errors.New("no address records")

// Error reports a failed resolution of Host.
type Error struct {
	Host string
	Err  error
}

func (e *Error) Error() string {
	return fmt.Sprintf("resolve %s: %v", e.Host, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Options configures a Resolver.
type Options struct {
	Family     Family
	Nameserver string        // host or host:port; empty uses the system resolver
	Timeout    time.Duration // bound on a single lookup
	Logger     *zap.Logger
}

// DefaultOptions returns sensible defaults.
func DefaultOptions() Options {
	return Options{
		Family:  Any,
		Timeout: 5 * time.Second,
	}
}

// Resolver resolves host strings to addresses.
type Resolver struct {
	opts   Options
	system *net.Resolver
	client *dns.Client
}

// New creates a Resolver.
func New(opts Options) *Resolver {
	if opts.Family == "" {
		opts.Family = Any
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 5 * time.Second
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Nameserver != "" {
		if _, _, err := net.SplitHostPort(opts.Nameserver); err != nil {
			opts.Nameserver = net.JoinHostPort(opts.Nameserver, "53")
		}
	}
	return &Resolver{
		opts:   opts,
		system: net.DefaultResolver,
		client: &dns.Client{Timeout: opts.Timeout},
	}
}

// Resolve returns host unchanged when it is an IP literal, otherwise the
// first address of a forward lookup restricted to the configured family.
func (r *Resolver) Resolve(ctx context.Context, host string) (netip.Addr, error) {
	if addr, err := netip.ParseAddr(host); err == nil {
		return addr, nil
	}
	if host == "" {
		return netip.Addr{}, &Error{Host: host, Err: errors.New("empty host")}
	}

	ctx, cancel := context.WithTimeout(ctx, r.opts.Timeout)
	defer cancel()

	var (
		addrs []netip.Addr
		err   error
	)
	if r.opts.Nameserver != "" {
		addrs, err = r.lookupNameserver(ctx, host)
	} else {
		addrs, err = r.system.LookupNetIP(ctx, r.network(), host)
	}
	if err != nil {
		r.opts.Logger.Error("resolution failed", zap.String("host", host), zap.Error(err))
		return netip.Addr{}, &Error{Host: host, Err: err}
	}
	for _, a := range addrs {
		a = a.Unmap()
		if r.allowed(a) {
			r.opts.Logger.Debug("resolved", zap.String("host", host), zap.Stringer("addr", a))
			return a, nil
		}
	}
	r.opts.Logger.Error("resolution failed", zap.String("host", host), zap.Error(ErrNoAddress))
	return netip.Addr{}, &Error{Host: host, Err: ErrNoAddress}
}

func (r *Resolver) network() string {
	switch r.opts.Family {
	case IPv4:
		return "ip4"
	case IPv6:
		return "ip6"
	default:
		return "ip"
	}
}

func (r *Resolver) allowed(a netip.Addr) bool {
	switch r.opts.Family {
	case IPv4:
		return a.Is4()
	case IPv6:
		return a.Is6()
	default:
		return a.IsValid()
	}
}

// lookupNameserver queries the configured server directly, A before AAAA.
func (r *Resolver) lookupNameserver(ctx context.Context, host string) ([]netip.Addr, error) {
	var qtypes []uint16
	switch r.opts.Family {
	case IPv4:
		qtypes = []uint16{dns.TypeA}
	case IPv6:
		qtypes = []uint16{dns.TypeAAAA}
	default:
		qtypes = []uint16{dns.TypeA, dns.TypeAAAA}
	}

	var lastErr error
	for _, qt := range qtypes {
		msg := new(dns.Msg)
		msg.SetQuestion(dns.Fqdn(host), qt)
		msg.RecursionDesired = true

		resp, _, err := r.client.ExchangeContext(ctx, msg, r.opts.Nameserver)
		if err != nil {
			lastErr = err
			continue
		}
		if resp.Rcode != dns.RcodeSuccess {
			lastErr = fmt.Errorf("nameserver %s: %s", r.opts.Nameserver, dns.RcodeToString[resp.Rcode])
			continue
		}
		addrs := addrsFromAnswer(resp.Answer)
		if len(addrs) > 0 {
			return addrs, nil
		}
	}
	if lastErr != nil {
		return nil, lastErr
	}
	return nil, ErrNoAddress
}

func addrsFromAnswer(rrs []dns.RR) []netip.Addr {
	var out []netip.Addr
	for _, rr := range rrs {
		var ip net.IP
		switch v := rr.(type) {
		case *dns.A:
			ip = v.A
		case *dns.AAAA:
			ip = v.AAAA
		default:
			continue
		}
		if a, ok := netip.AddrFromSlice(ip); ok {
			out = append(out, a.Unmap())
		}
	}
	return out
}
