package tele

import (
	"context"
	"net/netip"
	"sync"

	"github.com/juju/errors"
)

// MockNetwork delivers datagrams between MockTransport nodes in memory,
// synchronously within Send. Multicast destination reaches every other node.
type MockNetwork struct {
	mu    sync.Mutex
	nodes map[netip.Addr]*MockTransport
	drop  func(Datagram) bool
}

func NewMockNetwork() *MockNetwork {
	return &MockNetwork{nodes: make(map[netip.Addr]*MockTransport)}
}

// Node returns transport attached to network with given address.
func (n *MockNetwork) Node(addr netip.Addr) *MockTransport {
	n.mu.Lock()
	defer n.mu.Unlock()
	if ex, ok := n.nodes[addr]; ok {
		return ex
	}
	m := NewMockTransport(addr)
	m.net = n
	n.nodes[addr] = m
	return m
}

// SetDrop installs loss filter, true means datagram is lost.
func (n *MockNetwork) SetDrop(f func(Datagram) bool) {
	n.mu.Lock()
	n.drop = f
	n.mu.Unlock()
}

func (n *MockNetwork) route(d Datagram) {
	n.mu.Lock()
	drop := n.drop
	targets := make([]*MockTransport, 0, 1)
	dst := d.To.Addr()
	if dst.IsMulticast() {
		for addr, node := range n.nodes {
			if addr != d.From.Addr() {
				targets = append(targets, node)
			}
		}
	} else if node, ok := n.nodes[dst]; ok {
		targets = append(targets, node)
	}
	n.mu.Unlock()

	if drop != nil && drop(d) {
		return
	}
	for _, node := range targets {
		in := d
		in.Payload = copyBytes(d.Payload)
		node.Deliver(in)
	}
}

// MockTransport records sent datagrams and lets tests inject inbound ones.
type MockTransport struct {
	mu       sync.Mutex
	addr     netip.Addr
	net      *MockNetwork
	handlers map[uint16]Handler
	sent     []Datagram
	sendErr  error
	closed   bool
}

var _ Transporter = (*MockTransport)(nil)

func NewMockTransport(addr netip.Addr) *MockTransport {
	return &MockTransport{addr: addr, handlers: make(map[uint16]Handler)}
}

func (m *MockTransport) Addr() netip.Addr { return m.addr }

func (m *MockTransport) Register(port uint16, h Handler) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosing
	}
	if _, ok := m.handlers[port]; ok {
		return errors.AlreadyExistsf("port=%d handler", port)
	}
	m.handlers[port] = h
	return nil
}

func (m *MockTransport) Send(ctx context.Context, payload []byte, dst netip.Addr, port uint16) error {
	d := Datagram{
		Payload: copyBytes(payload),
		From:    netip.AddrPortFrom(m.addr, port),
		To:      netip.AddrPortFrom(dst, port),
	}
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return ErrClosing
	}
	if err := m.sendErr; err != nil {
		m.mu.Unlock()
		return err
	}
	m.sent = append(m.sent, d)
	network := m.net
	m.mu.Unlock()

	if network != nil {
		network.route(d)
	}
	return nil
}

func (m *MockTransport) Close() error {
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()
	return nil
}

// Deliver calls handler registered for d.To port, false if none.
func (m *MockTransport) Deliver(d Datagram) bool {
	m.mu.Lock()
	h, ok := m.handlers[d.To.Port()]
	closed := m.closed
	m.mu.Unlock()
	if !ok || closed {
		return false
	}
	h(d)
	return true
}

// SetSendError makes following Send calls fail with err, nil restores.
func (m *MockTransport) SetSendError(err error) {
	m.mu.Lock()
	m.sendErr = err
	m.mu.Unlock()
}

func (m *MockTransport) Sent() []Datagram {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Datagram, len(m.sent))
	copy(out, m.sent)
	return out
}

// TakeSent returns and forgets sent datagrams.
func (m *MockTransport) TakeSent() []Datagram {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := m.sent
	m.sent = nil
	return out
}
