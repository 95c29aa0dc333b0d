package portknock

import (
	"context"
	"errors"
	"net"
	"net/netip"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var loopback = netip.MustParseAddr("127.0.0.1")

type sentKnock struct {
	proto Protocol
	port  uint16
	at    time.Time
}

// recorder is a Transport that records every knock and can fail chosen ports.
type recorder struct {
	mu    sync.Mutex
	sent  []sentKnock
	fails map[uint16]error
}

func (r *recorder) Knock(_ context.Context, proto Protocol, addr netip.AddrPort, _ time.Duration) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sent = append(r.sent, sentKnock{proto: proto, port: addr.Port(), at: time.Now()})
	return r.fails[addr.Port()]
}

func (r *recorder) ports() []uint16 {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]uint16, len(r.sent))
	for i, k := range r.sent {
		out[i] = k.port
	}
	return out
}

func TestParse(t *testing.T) {
	tests := []struct {
		token string
		def   Protocol
		want  PortSpec
	}{
		{"80:tcp", TCP, PortSpec{80, TCP}},
		{"80tcp", TCP, PortSpec{80, TCP}},
		{"80", TCP, PortSpec{80, TCP}},
		{"53:udp", TCP, PortSpec{53, UDP}},
		{"53udp", TCP, PortSpec{53, UDP}},
		{"53", UDP, PortSpec{53, UDP}},
		{"53:TCP", UDP, PortSpec{53, TCP}},
		{" 7000:UDP ", TCP, PortSpec{7000, UDP}},
		{"65535", "", PortSpec{65535, TCP}},
	}

	for _, tt := range tests {
		t.Run(tt.token, func(t *testing.T) {
			got, err := Parse(tt.token, tt.def)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestParseFormsAgree(t *testing.T) {
	for _, proto := range []Protocol{TCP, UDP} {
		explicit, err := Parse("8443:"+string(proto), TCP)
		require.NoError(t, err)
		legacy, err := Parse("8443"+string(proto), TCP)
		require.NoError(t, err)
		bare, err := Parse("8443", proto)
		require.NoError(t, err)

		assert.Equal(t, explicit, legacy)
		assert.Equal(t, explicit, bare)
	}
}

func TestParseMalformed(t *testing.T) {
	tests := []string{"", "abc", "0", "65536", "-1", "80:sctp", "80:", "80:foo", ":tcp", "tcp", "8o80", "1.5"}

	for _, tok := range tests {
		t.Run(tok, func(t *testing.T) {
			_, err := Parse(tok, TCP)
			require.Error(t, err)
			assert.True(t, errors.Is(err, ErrMalformedPortSpec))

			var pe *PortSpecError
			require.True(t, errors.As(err, &pe))
			assert.Equal(t, tok, pe.Token)
		})
	}
}

func TestParseSequence(t *testing.T) {
	specs, errs := ParseSequence([]string{"1000:tcp", "bad", "2000udp", "1000:tcp"}, TCP)

	assert.Equal(t, []PortSpec{{1000, TCP}, {2000, UDP}, {1000, TCP}}, specs)
	assert.Len(t, errs, 1)
}

func TestFormatSequence(t *testing.T) {
	got := FormatSequence([]PortSpec{{100, TCP}, {200, UDP}})
	assert.Equal(t, "100:tcp → 200:udp", got)
}

func TestFireOrderAndDelay(t *testing.T) {
	rec := &recorder{}
	s := NewSequencer(WithTransport(rec))

	specs := []PortSpec{{3000, TCP}, {1000, UDP}, {2000, TCP}, {1000, UDP}}
	delay := 40 * time.Millisecond

	start := time.Now()
	report, err := s.Fire(context.Background(), loopback, specs, delay, time.Second)
	elapsed := time.Since(start)

	require.NoError(t, err)
	assert.True(t, report.AllAttempted)
	assert.Equal(t, []uint16{3000, 1000, 2000, 1000}, rec.ports())
	assert.GreaterOrEqual(t, elapsed, time.Duration(len(specs)-1)*delay)
	assert.Equal(t, 4, report.Sent())

	for i, kr := range report.Results {
		assert.Equal(t, i+1, kr.Seq)
		assert.Equal(t, specs[i], kr.Spec)
		assert.Equal(t, "sent", kr.Outcome())
	}
	for i := 1; i < len(rec.sent); i++ {
		gap := rec.sent[i].at.Sub(rec.sent[i-1].at)
		assert.GreaterOrEqual(t, gap, delay, "gap before knock %d", i+1)
	}
}

func TestFireNoDelayAfterLast(t *testing.T) {
	rec := &recorder{}
	s := NewSequencer(WithTransport(rec))

	start := time.Now()
	_, err := s.Fire(context.Background(), loopback, []PortSpec{{1, TCP}}, time.Second, time.Second)
	require.NoError(t, err)
	assert.Less(t, time.Since(start), 500*time.Millisecond)
}

func TestFireEmpty(t *testing.T) {
	s := NewSequencer(WithTransport(&recorder{}))

	_, err := s.Fire(context.Background(), loopback, nil, 0, time.Second)
	assert.ErrorIs(t, err, ErrNoPorts)
}

func TestFireTransportErrorContinues(t *testing.T) {
	rec := &recorder{fails: map[uint16]error{2000: errors.New("network is unreachable")}}
	s := NewSequencer(WithTransport(rec))

	specs := []PortSpec{{1000, TCP}, {2000, TCP}, {3000, UDP}}
	report, err := s.Fire(context.Background(), loopback, specs, 0, time.Second)

	require.NoError(t, err)
	assert.True(t, report.AllAttempted)
	assert.Equal(t, []uint16{1000, 2000, 3000}, rec.ports())
	assert.Equal(t, 2, report.Sent())

	failed := report.Failed()
	require.Len(t, failed, 1)
	assert.Equal(t, uint16(2000), failed[0].Spec.Port)
	assert.Equal(t, StateError, failed[0].State)
	assert.Equal(t, "error:network is unreachable", failed[0].Outcome())
}

func TestFireTokensSkipsMalformed(t *testing.T) {
	rec := &recorder{}
	s := NewSequencer(WithTransport(rec))

	tokens := []string{"bogus", "1001:udp", "99999", "1002tcp", "1003"}
	report, err := s.FireTokens(context.Background(), loopback, tokens, TCP, 10*time.Millisecond, time.Second)

	require.NoError(t, err)
	assert.Equal(t, []uint16{1001, 1002, 1003}, rec.ports())
	require.Len(t, report.Results, 5)
	assert.Equal(t, StateSkipped, report.Results[0].State)
	assert.Equal(t, StateSkipped, report.Results[2].State)
	assert.Equal(t, "99999", report.Results[2].Token)
	assert.Equal(t, 3, report.Sent())
	assert.True(t, report.AllAttempted)
	assert.Equal(t, UDP, rec.sent[0].proto)
	assert.Equal(t, TCP, rec.sent[2].proto)
}

func TestFireTokensNothingParses(t *testing.T) {
	rec := &recorder{}
	s := NewSequencer(WithTransport(rec))

	_, err := s.FireTokens(context.Background(), loopback, []string{"x", "y:tcp"}, TCP, 0, time.Second)
	assert.ErrorIs(t, err, ErrNoPorts)
	assert.Empty(t, rec.ports())
}

func TestFireContextCancellation(t *testing.T) {
	rec := &recorder{}
	s := NewSequencer(WithTransport(rec))

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	specs := []PortSpec{{1111, TCP}, {2222, TCP}, {3333, TCP}, {4444, TCP}, {5555, TCP}}
	report, err := s.Fire(ctx, loopback, specs, 500*time.Millisecond, time.Second)

	assert.ErrorIs(t, err, context.DeadlineExceeded)
	require.NotNil(t, report)
	assert.False(t, report.AllAttempted)
	assert.Less(t, len(report.Results), 5, "cancellation should stop the sequence early")
}

func TestNetTransportTCPOpen(t *testing.T) {
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer listener.Close()

	accepted := make(chan struct{}, 1)
	go func() {
		conn, err := listener.Accept()
		if err != nil {
			return
		}
		conn.Close()
		accepted <- struct{}{}
	}()

	port := uint16(listener.Addr().(*net.TCPAddr).Port)
	err = NetTransport{}.Knock(context.Background(), TCP, netip.AddrPortFrom(loopback, port), time.Second)
	require.NoError(t, err)

	select {
	case <-accepted:
	case <-time.After(2 * time.Second):
		t.Fatal("listener never saw the knock")
	}
}

func TestNetTransportTCPClosed(t *testing.T) {
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	port := uint16(listener.Addr().(*net.TCPAddr).Port)
	listener.Close()

	// Refused still means the SYN went out.
	err = NetTransport{}.Knock(context.Background(), TCP, netip.AddrPortFrom(loopback, port), time.Second)
	assert.NoError(t, err)
}

func TestNetTransportUDP(t *testing.T) {
	pc, err := net.ListenPacket("udp", "127.0.0.1:0")
	require.NoError(t, err)
	defer pc.Close()

	port := uint16(pc.LocalAddr().(*net.UDPAddr).Port)
	err = NetTransport{}.Knock(context.Background(), UDP, netip.AddrPortFrom(loopback, port), time.Second)
	require.NoError(t, err)

	require.NoError(t, pc.SetReadDeadline(time.Now().Add(2*time.Second)))
	buf := make([]byte, 16)
	n, _, err := pc.ReadFrom(buf)
	require.NoError(t, err)
	assert.Equal(t, 0, n)
}

func TestIsTimeout(t *testing.T) {
	assert.False(t, isTimeout(errors.New("random error")))
}
