// Package portknock implements TCP/UDP port knock sequence sending.
package portknock

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/netip"
	"syscall"
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/zap"
)

// ErrNoPorts is returned when a sequence has nothing that can be knocked.
var ErrNoPorts = errors.New("no knockable ports")

// State is the outcome of one entry in a knock sequence.
type State string

const (
	StateSent    State = "sent"
	StateError   State = "error"
	StateSkipped State = "skipped" // token could not be parsed
)

// KnockResult holds the result of a single port knock.
type KnockResult struct {
	Seq      int
	Token    string // raw token, set for entries parsed from text
	Spec     PortSpec
	State    State
	Err      error
	SentAt   time.Time
	Duration time.Duration
}

// Outcome returns "sent" or "error:<reason>".
func (k KnockResult) Outcome() string {
	if k.Err != nil {
		return fmt.Sprintf("%s:%v", k.State, k.Err)
	}
	return string(k.State)
}

// Report holds the overall knock sequence result.
type Report struct {
	Addr    netip.Addr
	Results []KnockResult
	// AllAttempted is true when every knockable entry had a send attempt,
	// whether or not the send itself succeeded.
	AllAttempted bool
	Duration     time.Duration
}

// Sent returns the number of knocks that left without a transport error.
func (r *Report) Sent() int {
	n := 0
	for _, kr := range r.Results {
		if kr.State == StateSent {
			n++
		}
	}
	return n
}

// Failed returns the results that did not go out.
func (r *Report) Failed() []KnockResult {
	var out []KnockResult
	for _, kr := range r.Results {
		if kr.State != StateSent {
			out = append(out, kr)
		}
	}
	return out
}

// Transport sends a single knock.
type Transport interface {
	Knock(ctx context.Context, proto Protocol, addr netip.AddrPort, timeout time.Duration) error
}

// NetTransport knocks with real sockets, one per knock.
type NetTransport struct{}

// Knock opens a socket for this knock only. TCP starts a connect and waits
// at most timeout; the handshake outcome does not matter, so refused and
// timed-out connects count as sent. UDP sends one empty datagram.
func (NetTransport) Knock(ctx context.Context, proto Protocol, addr netip.AddrPort, timeout time.Duration) error {
	dialer := net.Dialer{Timeout: timeout}

	switch proto {
	case UDP:
		conn, err := dialer.DialContext(ctx, "udp", addr.String())
		if err != nil {
			return err
		}
		defer conn.Close()
		_, err = conn.Write([]byte{})
		return err

	default:
		conn, err := dialer.DialContext(ctx, "tcp", addr.String())
		if err != nil {
			if isTimeout(err) || isConnectionRefused(err) {
				return nil
			}
			return err
		}
		return conn.Close()
	}
}

// Sequencer fires knock sequences.
type Sequencer struct {
	transport Transport
	clock     clock.Clock
	log       *zap.Logger
}

// Option customises a Sequencer.
type Option func(*Sequencer)

// WithTransport replaces the socket transport.
func WithTransport(t Transport) Option {
	return func(s *Sequencer) { s.transport = t }
}

// WithClock replaces the clock used for inter-knock delays.
func WithClock(c clock.Clock) Option {
	return func(s *Sequencer) { s.clock = c }
}

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(s *Sequencer) { s.log = l }
}

// NewSequencer creates a Sequencer.
func NewSequencer(opts ...Option) *Sequencer {
	s := &Sequencer{
		transport: NetTransport{},
		clock:     clock.New(),
		log:       zap.NewNop(),
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Fire sends a knock to every spec in order, sleeping delay between
// consecutive knocks but not after the last. A failed knock is recorded
// and the sequence continues. Cancelling ctx stops the sequence early and
// returns the partial report with ctx.Err().
func (s *Sequencer) Fire(ctx context.Context, ip netip.Addr, specs []PortSpec, delay, perKnockTimeout time.Duration) (*Report, error) {
	if len(specs) == 0 {
		return nil, ErrNoPorts
	}
	entries := make([]KnockResult, len(specs))
	for i, ps := range specs {
		entries[i] = KnockResult{Spec: ps}
	}
	return s.fire(ctx, ip, entries, delay, perKnockTimeout)
}

// FireTokens parses tokens with def as the bare-number protocol and fires
// the result. Malformed tokens appear in the report as skipped.
func (s *Sequencer) FireTokens(ctx context.Context, ip netip.Addr, tokens []string, def Protocol, delay, perKnockTimeout time.Duration) (*Report, error) {
	entries := make([]KnockResult, 0, len(tokens))
	knockable := 0
	for _, tok := range tokens {
		ps, err := Parse(tok, def)
		kr := KnockResult{Token: tok, Spec: ps}
		if err != nil {
			kr.State, kr.Err = StateSkipped, err
			s.log.Warn("skipping port spec", zap.String("token", tok), zap.Error(err))
		} else {
			knockable++
		}
		entries = append(entries, kr)
	}
	if knockable == 0 {
		return nil, fmt.Errorf("%w: none of %d entries parsed", ErrNoPorts, len(tokens))
	}
	return s.fire(ctx, ip, entries, delay, perKnockTimeout)
}

func (s *Sequencer) fire(ctx context.Context, ip netip.Addr, entries []KnockResult, delay, timeout time.Duration) (*Report, error) {
	if timeout <= 0 {
		timeout = DefaultKnockTimeout
	}
	if delay < 0 {
		delay = 0
	}

	start := s.clock.Now()
	report := &Report{
		Addr:    ip,
		Results: make([]KnockResult, 0, len(entries)),
	}
	finish := func(err error) (*Report, error) {
		report.Duration = s.clock.Since(start)
		return report, err
	}

	knocked := 0
	for i, kr := range entries {
		kr.Seq = i + 1
		if kr.State == StateSkipped {
			report.Results = append(report.Results, kr)
			continue
		}

		if knocked > 0 && delay > 0 {
			if err := s.sleep(ctx, delay); err != nil {
				return finish(err)
			}
		}
		if err := ctx.Err(); err != nil {
			return finish(err)
		}

		s.knock(ctx, ip, &kr, timeout)
		report.Results = append(report.Results, kr)
		knocked++
	}

	report.AllAttempted = true
	return finish(nil)
}

func (s *Sequencer) knock(ctx context.Context, ip netip.Addr, kr *KnockResult, timeout time.Duration) {
	target := netip.AddrPortFrom(ip, kr.Spec.Port)
	s.log.Debug("knock", zap.Int("seq", kr.Seq), zap.Stringer("target", target), zap.String("proto", string(kr.Spec.Protocol)))

	kr.SentAt = s.clock.Now()
	err := s.transport.Knock(ctx, kr.Spec.Protocol, target, timeout)
	kr.Duration = s.clock.Since(kr.SentAt)
	if err != nil {
		kr.State, kr.Err = StateError, err
		s.log.Warn("knock failed", zap.Int("seq", kr.Seq), zap.Stringer("target", target), zap.Error(err))
		return
	}
	kr.State = StateSent
}

func (s *Sequencer) sleep(ctx context.Context, d time.Duration) error {
	t := s.clock.Timer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// DefaultKnockTimeout bounds the TCP connect readiness wait of one knock.
const DefaultKnockTimeout = 200 * time.Millisecond

func isTimeout(err error) bool {
	var netErr net.Error
	if errors.As(err, &netErr) {
		return netErr.Timeout()
	}
	return false
}

func isConnectionRefused(err error) bool {
	return errors.Is(err, syscall.ECONNREFUSED)
}
