package mesh

import (
	"fmt"
	"net/netip"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/temoto/meshtele/log2"
)

func TestStatic(t *testing.T) {
	t.Parallel()

	s := NewStatic(false, false, true)
	assert.False(t, s.HasJoined())
	assert.False(t, s.IsReachable())
	s.SetJoined(true)
	s.SetReachable(true)
	assert.True(t, s.HasJoined())
	assert.True(t, s.IsReachable())

	_, ok := s.RootPrefix()
	assert.False(t, ok)
	prefix := netip.MustParsePrefix("aaaa::/64")
	assert.True(t, s.BecomeRoot(prefix, InfiniteLifetime))
	assert.True(t, s.BecomeRoot(prefix, InfiniteLifetime), "idempotent")
	p, ok := s.RootPrefix()
	assert.True(t, ok)
	assert.Equal(t, prefix, p)

	assert.False(t, s.BecomeRoot(netip.Prefix{}, InfiniteLifetime))
	s.SetRootOK(false)
	assert.False(t, s.BecomeRoot(prefix, InfiniteLifetime))
}

func TestHost(t *testing.T) {
	t.Parallel()

	prefix := netip.MustParsePrefix("aaaa::/64")
	root := netip.MustParseAddr("aaaa::1")
	type Case struct {
		name      string
		addrs     []string
		addrsErr  error
		routeErr  error
		joined    bool
		reachable bool
		becomeOK  bool
	}
	cases := []Case{
		{name: "no-addrs"},
		{name: "other-prefix", addrs: []string{"127.0.0.1", "fe80::1", "bbbb::5"}},
		{name: "joined-no-route", addrs: []string{"aaaa::5"}, routeErr: fmt.Errorf("network is unreachable"), joined: true},
		{name: "joined-reachable", addrs: []string{"aaaa::5"}, joined: true, reachable: true},
		{name: "root", addrs: []string{"127.0.0.1", "aaaa::1"}, joined: true, reachable: true, becomeOK: true},
		{name: "addrs-error", addrsErr: fmt.Errorf("permission denied")},
	}
	for _, c := range cases {
		c := c
		t.Run(c.name, func(t *testing.T) {
			t.Parallel()
			h := NewHost(log2.NewTest(t, log2.LDebug), prefix, root)
			h.InterfaceAddrs = func() ([]netip.Addr, error) {
				out := make([]netip.Addr, 0, len(c.addrs))
				for _, s := range c.addrs {
					out = append(out, netip.MustParseAddr(s))
				}
				return out, c.addrsErr
			}
			h.RouteTo = func(netip.Addr) error { return c.routeErr }
			assert.Equal(t, c.joined, h.HasJoined())
			assert.Equal(t, c.reachable, h.IsReachable())
			assert.Equal(t, c.becomeOK, h.BecomeRoot(prefix, time.Hour))
		})
	}
}

func TestHostRootOutsidePrefix(t *testing.T) {
	t.Parallel()

	h := NewHost(nil, netip.MustParsePrefix("aaaa::/64"), netip.MustParseAddr("bbbb::1"))
	h.InterfaceAddrs = func() ([]netip.Addr, error) {
		return []netip.Addr{netip.MustParseAddr("bbbb::1")}, nil
	}
	assert.False(t, h.BecomeRoot(h.Prefix, InfiniteLifetime))
}

func TestHostLoopback(t *testing.T) {
	t.Parallel()

	h := NewHost(nil, netip.MustParsePrefix("127.0.0.0/8"), netip.MustParseAddr("127.0.0.1"))
	assert.True(t, h.HasJoined())
	assert.True(t, h.IsReachable())
	isRoot, _ := h.IsRoot()
	assert.False(t, isRoot)
	assert.True(t, h.BecomeRoot(h.Prefix, time.Minute))
	isRoot, lifetime := h.IsRoot()
	assert.True(t, isRoot)
	assert.Equal(t, time.Minute, lifetime)
}
