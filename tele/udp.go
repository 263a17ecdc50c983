package tele

import (
	"context"
	stderrors "errors"
	"net"
	"net/netip"
	"sync"
	"time"

	"github.com/juju/errors"
	"github.com/temoto/alive/v2"
	"github.com/temoto/meshtele/log2"
)

const (
	DefaultNetworkTimeout = 5 * time.Second
	DefaultReadLimit      = 1280 // IPv6 minimum MTU, larger than any mote frame
)

type UDPOptions struct {
	Log *log2.Log
	// Local address to bind registered ports, zero value means all interfaces.
	ListenAddr     netip.Addr
	NetworkTimeout time.Duration
	ReadLimit      int
}

// UDP transport, one socket per registered port.
// Datagrams are sent from the socket bound to destination port when present,
// so peers see matching source port, otherwise from an ephemeral socket.
type UDP struct {
	alive *alive.Alive
	opt   UDPOptions
	mu    sync.Mutex // protects conns and ephemeral
	conns map[uint16]*net.UDPConn

	ephemeral *net.UDPConn
}

var _ Transporter = (*UDP)(nil) // compile-time interface test

func NewUDP(opt UDPOptions) *UDP {
	if opt.NetworkTimeout == 0 {
		opt.NetworkTimeout = DefaultNetworkTimeout
	}
	if opt.ReadLimit == 0 {
		opt.ReadLimit = DefaultReadLimit
	}
	return &UDP{
		alive: alive.NewAlive(),
		opt:   opt,
		conns: make(map[uint16]*net.UDPConn),
	}
}

func (u *UDP) Register(port uint16, h Handler) error {
	if h == nil {
		return errors.NotValidf("code error Register port=%d handler=nil", port)
	}
	if !u.alive.Add(1) {
		return ErrClosing
	}
	u.mu.Lock()
	defer u.mu.Unlock()
	if _, ok := u.conns[port]; ok {
		u.alive.Done()
		return errors.AlreadyExistsf("port=%d handler", port)
	}
	conn, err := net.ListenUDP("udp", net.UDPAddrFromAddrPort(netip.AddrPortFrom(u.opt.ListenAddr, port)))
	if err != nil {
		u.alive.Done()
		return errors.Annotatef(err, "listen udp addr=%s port=%d", u.opt.ListenAddr, port)
	}
	u.conns[port] = conn
	u.opt.Log.Debugf("udp listen local=%s", conn.LocalAddr())
	go u.readLoop(conn, h)
	return nil
}

// LocalAddr returns bound address of registered port, for tests with port 0.
func (u *UDP) LocalAddr(port uint16) netip.AddrPort {
	u.mu.Lock()
	defer u.mu.Unlock()
	if conn, ok := u.conns[port]; ok {
		return conn.LocalAddr().(*net.UDPAddr).AddrPort()
	}
	return netip.AddrPort{}
}

func (u *UDP) Send(ctx context.Context, payload []byte, dst netip.Addr, port uint16) error {
	if !u.alive.Add(1) {
		return ErrClosing
	}
	defer u.alive.Done()

	conn, err := u.sendConn(port)
	if err != nil {
		return err
	}
	deadline := time.Now().Add(u.opt.NetworkTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	if err = conn.SetWriteDeadline(deadline); err != nil {
		return errors.Annotate(err, "udp set deadline")
	}
	to := netip.AddrPortFrom(dst, port)
	if _, err = conn.WriteToUDPAddrPort(payload, to); err != nil {
		return errors.Annotatef(err, "udp send to=%s", to)
	}
	u.opt.Log.Debugf("udp sent to=%s payload=%q", to, payload)
	return nil
}

func (u *UDP) Close() error {
	u.alive.Stop()
	u.mu.Lock()
	var err error
	for port, conn := range u.conns {
		if e := conn.Close(); e != nil && err == nil {
			err = errors.Annotatef(e, "close port=%d", port)
		}
	}
	if u.ephemeral != nil {
		_ = u.ephemeral.Close()
	}
	u.mu.Unlock()
	u.alive.Wait()
	return err
}

func (u *UDP) sendConn(port uint16) (*net.UDPConn, error) {
	u.mu.Lock()
	defer u.mu.Unlock()
	if conn, ok := u.conns[port]; ok {
		return conn, nil
	}
	if u.ephemeral == nil {
		conn, err := net.ListenUDP("udp", net.UDPAddrFromAddrPort(netip.AddrPortFrom(u.opt.ListenAddr, 0)))
		if err != nil {
			return nil, errors.Annotate(err, "listen udp ephemeral")
		}
		u.ephemeral = conn
	}
	return u.ephemeral, nil
}

func (u *UDP) readLoop(conn *net.UDPConn, h Handler) {
	defer u.alive.Done()
	local := conn.LocalAddr().(*net.UDPAddr).AddrPort()
	buf := make([]byte, u.opt.ReadLimit)
	for {
		n, from, err := conn.ReadFromUDPAddrPort(buf)
		if !u.alive.IsRunning() {
			return
		}
		if err != nil {
			if stderrors.Is(err, net.ErrClosed) {
				return
			}
			u.opt.Log.Errorf("udp read local=%s err=%v", local, err)
			continue
		}
		h(Datagram{
			Payload: copyBytes(buf[:n]),
			From:    netip.AddrPortFrom(from.Addr().Unmap(), from.Port()),
			To:      local,
		})
	}
}
