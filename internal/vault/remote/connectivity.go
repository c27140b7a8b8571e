package remote

import (
	"context"
	"net"
	"sync/atomic"
	"time"
)

// Connectivity reports whether the device can currently reach the network.
type Connectivity interface {
	IsOnline(ctx context.Context) bool
}

// Static is a Connectivity whose state is set by hand.
// The zero value is offline.
type Static struct {
	online atomic.Bool
}

// NewStatic returns a Static connectivity in the given state.
func NewStatic(online bool) *Static {
	s := &Static{}
	s.online.Store(online)
	return s
}

func (s *Static) IsOnline(ctx context.Context) bool {
	return s.online.Load()
}

// Set changes the reported state.
func (s *Static) Set(online bool) {
	s.online.Store(online)
}

// DefaultProbeTimeout bounds a single NetProbe dial.
const DefaultProbeTimeout = 3 * time.Second

// NetProbe reports online when a TCP connection to Address succeeds.
type NetProbe struct {
	Address string
	Timeout time.Duration
}

// NewNetProbe returns a probe dialing address ("host:port").
func NewNetProbe(address string) *NetProbe {
	return &NetProbe{Address: address, Timeout: DefaultProbeTimeout}
}

func (p *NetProbe) IsOnline(ctx context.Context) bool {
	timeout := p.Timeout
	if timeout <= 0 {
		timeout = DefaultProbeTimeout
	}
	d := net.Dialer{Timeout: timeout}
	conn, err := d.DialContext(ctx, "tcp", p.Address)
	if err != nil {
		return false
	}
	_ = conn.Close()
	return true
}
