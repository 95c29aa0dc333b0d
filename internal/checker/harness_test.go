package checker

import (
	"context"
	"fmt"
	"net"
	"net/netip"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/JedizLaPulga/knockdoor/internal/portknock"
)

// knockServer imitates a knock daemon on loopback: it listens on one port
// per sequence step and opens the guarded test port once it has seen every
// step in order.
type knockServer struct {
	Tokens   []string // knock tokens in the expected order
	TestAddr string

	testPort int
	events   chan int
	opened   chan struct{}
	closers  []func()
	mu       sync.Mutex
}

func newKnockServer(t *testing.T, protos ...portknock.Protocol) *knockServer {
	t.Helper()

	ks := &knockServer{
		events: make(chan int, 64),
		opened: make(chan struct{}),
	}

	for i, proto := range protos {
		switch proto {
		case portknock.UDP:
			pc, err := net.ListenPacket("udp", "127.0.0.1:0")
			require.NoError(t, err)
			ks.closers = append(ks.closers, func() { pc.Close() })
			ks.Tokens = append(ks.Tokens, fmt.Sprintf("%d:udp", pc.LocalAddr().(*net.UDPAddr).Port))
			go func(step int) {
				buf := make([]byte, 64)
				for {
					if _, _, err := pc.ReadFrom(buf); err != nil {
						return
					}
					ks.events <- step
				}
			}(i)
		default:
			ln, err := net.Listen("tcp", "127.0.0.1:0")
			require.NoError(t, err)
			ks.closers = append(ks.closers, func() { ln.Close() })
			ks.Tokens = append(ks.Tokens, fmt.Sprintf("%d:tcp", ln.Addr().(*net.TCPAddr).Port))
			go func(step int) {
				for {
					conn, err := ln.Accept()
					if err != nil {
						return
					}
					conn.Close()
					ks.events <- step
				}
			}(i)
		}
	}

	ks.testPort = freePort(t)
	ks.TestAddr = fmt.Sprintf("127.0.0.1:%d", ks.testPort)

	done := make(chan struct{})
	go ks.run(t, len(protos), done)
	t.Cleanup(func() {
		close(done)
		ks.mu.Lock()
		defer ks.mu.Unlock()
		for _, c := range ks.closers {
			c()
		}
	})
	return ks
}

func (ks *knockServer) run(t *testing.T, steps int, done <-chan struct{}) {
	next := 0
	for {
		select {
		case <-done:
			return
		case step := <-ks.events:
			switch {
			case step == next:
				next++
			case step == 0:
				next = 1
			default:
				next = 0
			}
			if next == steps {
				ks.open(t)
				return
			}
		}
	}
}

func (ks *knockServer) open(t *testing.T) {
	ln, err := net.Listen("tcp", ks.TestAddr)
	if err != nil {
		t.Errorf("open test port: %v", err)
		return
	}
	ks.mu.Lock()
	ks.closers = append(ks.closers, func() { ln.Close() })
	ks.mu.Unlock()
	close(ks.opened)

	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			conn.Close()
		}
	}()
}

func (ks *knockServer) isOpen() bool {
	select {
	case <-ks.opened:
		return true
	default:
		return false
	}
}

func freePort(t *testing.T) int {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	port := ln.Addr().(*net.TCPAddr).Port
	ln.Close()
	return port
}

// countingTransport records knocks without touching the network.
type countingTransport struct {
	mu   sync.Mutex
	sent []netip.AddrPort
}

func (c *countingTransport) Knock(_ context.Context, _ portknock.Protocol, addr netip.AddrPort, _ time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sent = append(c.sent, addr)
	return nil
}

func (c *countingTransport) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.sent)
}
