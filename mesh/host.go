package mesh

import (
	"net"
	"net/netip"
	"sync"
	"time"

	"github.com/temoto/meshtele/log2"
)

// Host router reads state of the host network stack where the mesh
// (6LoWPAN border router, RPL daemon, or plain LAN) is already configured.
// - joined: some local interface address lies inside prefix
// - reachable: joined and kernel has a route to root address
// - BecomeRoot: root address is assigned locally and lies inside prefix
type Host struct {
	Log    *log2.Log
	Prefix netip.Prefix
	Root   netip.Addr

	// replaceable in tests
	InterfaceAddrs func() ([]netip.Addr, error)
	RouteTo        func(dst netip.Addr) error

	mu       sync.Mutex
	isRoot   bool
	lifetime time.Duration
}

var _ Router = (*Host)(nil)

func NewHost(log *log2.Log, prefix netip.Prefix, root netip.Addr) *Host {
	return &Host{
		Log:            log,
		Prefix:         prefix,
		Root:           root,
		InterfaceAddrs: hostInterfaceAddrs,
		RouteTo:        hostRouteTo,
	}
}

func (h *Host) HasJoined() bool {
	_, ok := h.localIn(h.Prefix)
	return ok
}

func (h *Host) IsReachable() bool {
	if !h.HasJoined() {
		return false
	}
	if err := h.RouteTo(h.Root); err != nil {
		h.Log.Debugf("mesh: route to root=%s err=%v", h.Root, err)
		return false
	}
	return true
}

func (h *Host) BecomeRoot(prefix netip.Prefix, lifetime time.Duration) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if !prefix.IsValid() || !prefix.Contains(h.Root) {
		h.Log.Errorf("mesh: root=%s outside prefix=%s", h.Root, prefix)
		return false
	}
	addrs, err := h.InterfaceAddrs()
	if err != nil {
		h.Log.Errorf("mesh: interface addrs err=%v", err)
		return false
	}
	for _, a := range addrs {
		if a == h.Root.WithZone("") {
			h.isRoot = true
			h.lifetime = lifetime
			return true
		}
	}
	h.Log.Errorf("mesh: root=%s is not assigned to any local interface", h.Root)
	return false
}

// IsRoot reports successful BecomeRoot and requested prefix lifetime.
func (h *Host) IsRoot() (bool, time.Duration) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.isRoot, h.lifetime
}

func (h *Host) localIn(prefix netip.Prefix) (netip.Addr, bool) {
	addrs, err := h.InterfaceAddrs()
	if err != nil {
		h.Log.Debugf("mesh: interface addrs err=%v", err)
		return netip.Addr{}, false
	}
	for _, a := range addrs {
		if prefix.Contains(a) {
			return a, true
		}
	}
	return netip.Addr{}, false
}

func hostInterfaceAddrs() ([]netip.Addr, error) {
	list, err := net.InterfaceAddrs()
	if err != nil {
		return nil, err
	}
	out := make([]netip.Addr, 0, len(list))
	for _, a := range list {
		ipnet, ok := a.(*net.IPNet)
		if !ok {
			continue
		}
		if addr, ok := netip.AddrFromSlice(ipnet.IP); ok {
			out = append(out, addr.Unmap())
		}
	}
	return out, nil
}

// Connected UDP socket performs route lookup without sending anything.
func hostRouteTo(dst netip.Addr) error {
	conn, err := net.DialUDP("udp", nil, net.UDPAddrFromAddrPort(netip.AddrPortFrom(dst, 9)))
	if err != nil {
		return err
	}
	return conn.Close()
}
