package tele

import (
	"context"
	"fmt"
	"net/netip"
)

// Transport contract:
// - unreliable datagrams: loss, reorder, duplicates are normal
// - Send is fire-and-forget, error only reports local failure
// - Register binds a handler to local port; handler is called from
//   transport goroutine once per inbound datagram and must not block
// - application may start without network available
type Transporter interface {
	Register(port uint16, h Handler) error
	Send(ctx context.Context, payload []byte, dst netip.Addr, port uint16) error
	Close() error
}

type Handler func(Datagram)

type Datagram struct {
	Payload []byte
	From    netip.AddrPort
	To      netip.AddrPort
}

func (d Datagram) String() string {
	return fmt.Sprintf("from=%s to=%s payload=%q", d.From, d.To, d.Payload)
}

var ErrClosing = fmt.Errorf("closing")

// split send/receive buffer identity for safe concurrent access
func copyBytes(b []byte) []byte {
	new := make([]byte, len(b))
	copy(new, b)
	return new
}
