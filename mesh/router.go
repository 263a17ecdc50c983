// Package mesh exposes mesh routing state to telemetry agents.
// Route formation itself belongs to the network stack; agents only ask
// "joined?", "reachable?" and root asks once to become routing root.
package mesh

import (
	"net/netip"
	"sync/atomic"
	"time"
)

// InfiniteLifetime marks prefix that never expires.
const InfiniteLifetime time.Duration = 0

type Router interface {
	// HasJoined: node completed membership/address autoconfiguration.
	HasJoined() bool
	// IsReachable: node currently has a usable route toward root.
	IsReachable() bool
	// BecomeRoot is idempotent, false means mesh layer rejected root assignment.
	BecomeRoot(prefix netip.Prefix, lifetime time.Duration) bool
}

// Static router answers from flags set by config or tests.
type Static struct {
	joined    atomic.Bool
	reachable atomic.Bool
	rootOK    atomic.Bool
	root      atomic.Value // netip.Prefix
}

var _ Router = (*Static)(nil) // compile-time interface test

func NewStatic(joined, reachable, rootOK bool) *Static {
	s := &Static{}
	s.joined.Store(joined)
	s.reachable.Store(reachable)
	s.rootOK.Store(rootOK)
	return s
}

func (s *Static) HasJoined() bool   { return s.joined.Load() }
func (s *Static) IsReachable() bool { return s.reachable.Load() }

func (s *Static) BecomeRoot(prefix netip.Prefix, lifetime time.Duration) bool {
	if !s.rootOK.Load() || !prefix.IsValid() {
		return false
	}
	s.root.Store(prefix)
	return true
}

// RootPrefix returns prefix of successful BecomeRoot.
func (s *Static) RootPrefix() (netip.Prefix, bool) {
	p, ok := s.root.Load().(netip.Prefix)
	return p, ok
}

func (s *Static) SetJoined(v bool)    { s.joined.Store(v) }
func (s *Static) SetReachable(v bool) { s.reachable.Store(v) }
func (s *Static) SetRootOK(v bool)    { s.rootOK.Store(v) }
