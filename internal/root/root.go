// Package root implements the telemetry collector at the mesh root.
package root

import (
	"context"
	"net/netip"
	"time"

	"github.com/juju/errors"
	"github.com/temoto/alive/v2"
	"github.com/temoto/meshtele/internal/clock"
	"github.com/temoto/meshtele/internal/metrics"
	"github.com/temoto/meshtele/internal/record"
	"github.com/temoto/meshtele/log2"
	"github.com/temoto/meshtele/mesh"
	"github.com/temoto/meshtele/tele"
)

const DefaultInbox = 64

type Options struct {
	Log       *log2.Log
	Router    mesh.Router
	Transport tele.Transporter
	Clock     clock.Clock
	Sink      record.Sink   // optional
	Metrics   *metrics.Root // optional

	Prefix   netip.Prefix
	Lifetime time.Duration // mesh.InfiniteLifetime
	Port     uint16
	SyncPort uint16
	// Zero disables periodic sync, root still answers each telemetry with sync.
	SyncInterval time.Duration
	SyncGroup    netip.Addr
	Inbox        int
}

type Agent struct {
	alive *alive.Alive
	log   *log2.Log
	opt   Options
	inbox chan tele.Datagram
	root  bool
}

func New(opt Options) (*Agent, error) {
	if opt.Router == nil || opt.Transport == nil || opt.Clock == nil {
		return nil, errors.NotValidf("code error root.New router, transport and clock required")
	}
	if opt.Port == 0 || opt.SyncPort == 0 || opt.Port == opt.SyncPort {
		return nil, errors.NotValidf("root ports port=%d sync_port=%d", opt.Port, opt.SyncPort)
	}
	if opt.SyncInterval > 0 && !opt.SyncGroup.IsValid() {
		return nil, errors.NotValidf("root sync group")
	}
	if opt.Inbox <= 0 {
		opt.Inbox = DefaultInbox
	}
	if opt.Sink == nil {
		opt.Sink = record.Discard{}
	}
	return &Agent{
		alive: alive.NewAlive(),
		log:   opt.Log,
		opt:   opt,
		inbox: make(chan tele.Datagram, opt.Inbox),
	}, nil
}

// Start claims mesh root and registers receivers.
// Rejected root claim is logged and agent continues degraded.
// Only transport registration errors are returned.
func (a *Agent) Start() error {
	a.root = a.opt.Router.BecomeRoot(a.opt.Prefix, a.opt.Lifetime)
	a.opt.Metrics.SetStarted(a.root)
	if a.root {
		a.log.Infof("root start ok prefix=%s lifetime=%v", a.opt.Prefix, a.opt.Lifetime)
	} else {
		a.log.Errorf("root start failed prefix=%s", a.opt.Prefix)
	}

	if err := a.opt.Transport.Register(a.opt.Port, a.push); err != nil {
		return errors.Annotatef(err, "root register port=%d", a.opt.Port)
	}
	// bound only to send sync from well known port
	syncDiscard := func(d tele.Datagram) { a.log.Debugf("root sync port ignore %s", d) }
	if err := a.opt.Transport.Register(a.opt.SyncPort, syncDiscard); err != nil {
		return errors.Annotatef(err, "root register sync_port=%d", a.opt.SyncPort)
	}
	return nil
}

// IsRoot reports result of root claim in Start.
func (a *Agent) IsRoot() bool { return a.root }

// Run blocks until ctx is done or Stop.
func (a *Agent) Run(ctx context.Context) error {
	if !a.alive.Add(1) {
		return errors.Errorf("root Run after Stop")
	}
	defer a.alive.Done()

	var syncTick <-chan time.Time
	if a.opt.SyncInterval > 0 {
		ticker := time.NewTicker(a.opt.SyncInterval)
		defer ticker.Stop()
		syncTick = ticker.C
		a.SendSync(ctx, a.opt.SyncGroup)
	}
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-a.alive.StopChan():
			return nil
		case <-syncTick:
			a.SendSync(ctx, a.opt.SyncGroup)
		case d := <-a.inbox:
			a.OnReceive(ctx, d)
		}
	}
}

func (a *Agent) Stop() {
	a.alive.Stop()
	a.alive.Wait()
}

// OnReceive records and acknowledges one telemetry datagram.
// Returns false when payload was rejected. Event loop only.
func (a *Agent) OnReceive(ctx context.Context, d tele.Datagram) bool {
	s, err := tele.UnmarshalSample(d.Payload)
	if err != nil {
		a.log.Warnf("payload parse failed from=%s len=%d err=%v", d.From.Addr(), len(d.Payload), err)
		a.opt.Metrics.Rejected()
		return false
	}
	now := a.opt.Clock.Now()
	sender := d.From.Addr()
	a.opt.Metrics.Received()
	r := record.RX{Sender: sender.String(), Seq: s.Seq, RecvTime: now, Len: len(d.Payload)}
	if err := a.opt.Sink.Write(r); err != nil {
		a.log.Errorf("record seq=%d err=%v", s.Seq, err)
	}
	a.log.Debugf("RX from=%s %s t_recv=%d", sender, s, now)

	if err := a.opt.Transport.Send(ctx, s.Marshal(), sender, a.opt.Port); err != nil {
		a.log.Errorf("ack dst=%s seq=%d err=%v", sender, s.Seq, err)
		a.opt.Metrics.SendError()
	} else {
		a.opt.Metrics.Acked()
	}
	a.SendSync(ctx, sender)
	return true
}

// SendSync sends current root time to dst sync port.
func (a *Agent) SendSync(ctx context.Context, dst netip.Addr) {
	msg := tele.Sync{Time: a.opt.Clock.Now()}
	if err := a.opt.Transport.Send(ctx, msg.Marshal(), dst, a.opt.SyncPort); err != nil {
		a.log.Errorf("sync dst=%s err=%v", dst, err)
		a.opt.Metrics.SendError()
		return
	}
	a.log.Debugf("sync tx dst=%s %s", dst, msg)
	a.opt.Metrics.SyncSentInc()
}

func (a *Agent) push(d tele.Datagram) {
	select {
	case a.inbox <- d:
	default:
		a.opt.Metrics.Dropped()
		a.log.Debugf("root inbox full, drop %s", d)
	}
}
