// Package sensor implements the periodic telemetry sender of a mesh node.
//
// Agent contract:
// - one event loop goroutine (Run) owns sequence counter, offset window and flags
// - transport handlers only push into bounded inbox, full inbox drops datagram
// - tick sends at most one datagram, skipped ticks are not retried
// - sequence number is consumed on send attempt, even if Send fails
package sensor

import (
	"context"
	"net/netip"
	"time"

	"github.com/juju/errors"
	"github.com/temoto/alive/v2"
	"github.com/temoto/meshtele/internal/clock"
	"github.com/temoto/meshtele/internal/clocksync"
	"github.com/temoto/meshtele/internal/metrics"
	"github.com/temoto/meshtele/internal/record"
	"github.com/temoto/meshtele/log2"
	"github.com/temoto/meshtele/mesh"
	"github.com/temoto/meshtele/tele"
)

const (
	DefaultInterval = 10 * time.Second
	DefaultInbox    = 64
)

type Policy string

const (
	// PolicySync waits for first sync and adjusts timestamps by offset average.
	PolicySync Policy = "sync"
	// PolicyReachable sends raw local time as soon as root is reachable.
	PolicyReachable Policy = "reachable"
)

func (p Policy) Valid() bool { return p == PolicySync || p == PolicyReachable }

type Options struct {
	Log       *log2.Log
	Router    mesh.Router
	Transport tele.Transporter
	Clock     clock.Clock
	Sink      record.Sink     // optional
	Metrics   *metrics.Sensor // optional

	RootAddr netip.Addr
	Port     uint16 // telemetry and ack
	SyncPort uint16
	Interval time.Duration
	Window   int
	Policy   Policy
	Inbox    int
}

type Result struct {
	Sent   bool
	Sample tele.Sample
	Skip   string // metrics.Skip* when not sent
	Err    error
}

type inbound struct {
	sync bool
	d    tele.Datagram
}

type Agent struct {
	alive *alive.Alive
	log   *log2.Log
	opt   Options
	est   *clocksync.Estimator
	inbox chan inbound

	// event loop state
	seq           uint32
	issued        uint64 // sequence numbers used so far
	lastReachable bool
}

func New(opt Options) (*Agent, error) {
	if opt.Router == nil || opt.Transport == nil || opt.Clock == nil {
		return nil, errors.NotValidf("code error sensor.New router, transport and clock required")
	}
	if !opt.RootAddr.IsValid() {
		return nil, errors.NotValidf("sensor root address")
	}
	if opt.Port == 0 || opt.SyncPort == 0 || opt.Port == opt.SyncPort {
		return nil, errors.NotValidf("sensor ports port=%d sync_port=%d", opt.Port, opt.SyncPort)
	}
	if opt.Policy == "" {
		opt.Policy = PolicySync
	}
	if !opt.Policy.Valid() {
		return nil, errors.NotValidf("sensor policy=%s", opt.Policy)
	}
	if opt.Interval <= 0 {
		opt.Interval = DefaultInterval
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
		est:   clocksync.New(opt.Window),
		inbox: make(chan inbound, opt.Inbox),
	}, nil
}

// Start registers ack and sync receivers. Does not wait for network.
func (a *Agent) Start() error {
	if err := a.opt.Transport.Register(a.opt.Port, a.receiver(false)); err != nil {
		return errors.Annotatef(err, "sensor register port=%d", a.opt.Port)
	}
	if err := a.opt.Transport.Register(a.opt.SyncPort, a.receiver(true)); err != nil {
		return errors.Annotatef(err, "sensor register sync_port=%d", a.opt.SyncPort)
	}
	a.log.Infof("sensor started root=%s port=%d sync_port=%d interval=%v policy=%s",
		a.opt.RootAddr, a.opt.Port, a.opt.SyncPort, a.opt.Interval, a.opt.Policy)
	return nil
}

// Run blocks until ctx is done or Stop.
func (a *Agent) Run(ctx context.Context) error {
	if !a.alive.Add(1) {
		return errors.Errorf("sensor Run after Stop")
	}
	defer a.alive.Done()

	timer := time.NewTicker(a.opt.Interval)
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-a.alive.StopChan():
			return nil
		case <-timer.C:
			a.Tick(ctx)
		case in := <-a.inbox:
			if in.sync {
				a.OnSync(in.d)
			} else {
				a.OnAck(in.d)
			}
		}
	}
}

func (a *Agent) Stop() {
	a.alive.Stop()
	a.alive.Wait()
}

// Tick evaluates mesh state and maybe sends one telemetry datagram.
// Event loop only.
func (a *Agent) Tick(ctx context.Context) Result {
	joined := a.opt.Router.HasJoined()
	reachable := a.opt.Router.IsReachable()
	if reachable != a.lastReachable {
		a.log.Infof("reachable changed: %t -> %t", a.lastReachable, reachable)
		a.lastReachable = reachable
	}
	a.log.Debugf("routing state joined=%t reachable=%t sync_samples=%d", joined, reachable, a.est.Len())

	switch {
	case !joined:
		a.log.Info("not joined yet")
		return a.skip(metrics.SkipNotJoined)
	case a.opt.Policy == PolicySync && !a.est.HasData():
		a.log.Info("waiting for sync")
		return a.skip(metrics.SkipNoSync)
	case !reachable:
		a.log.Info("not reachable yet")
		return a.skip(metrics.SkipNotReachable)
	}

	a.seq++
	a.issued++
	s := tele.Sample{Seq: a.seq, Time: a.timestamp(a.opt.Clock.Now())}
	a.log.Infof("TX seq=%d t=%d", s.Seq, s.Time)
	if err := a.opt.Transport.Send(ctx, s.Marshal(), a.opt.RootAddr, a.opt.Port); err != nil {
		err = errors.Annotatef(err, "TX seq=%d dst=%s", s.Seq, a.opt.RootAddr)
		a.log.Error(err)
		a.opt.Metrics.SendError()
		return Result{Sample: s, Err: err}
	}
	a.opt.Metrics.Sent()
	return Result{Sent: true, Sample: s}
}

// OnSync feeds offset window from `SYNC t=<root time>`. Event loop only.
func (a *Agent) OnSync(d tele.Datagram) {
	msg, err := tele.UnmarshalSync(d.Payload)
	if err != nil {
		a.log.Debugf("sync rx discard %s err=%v", d, err)
		a.opt.Metrics.SyncInvalid()
		return
	}
	local := a.opt.Clock.Now()
	offset := a.est.Observe(msg.Time, local)
	avg, _ := a.est.Average()
	a.log.Infof("sync rx: t_root=%d t_local=%d offset=%d avg=%d", msg.Time, local, offset, avg)
	a.opt.Metrics.Synced(avg)
}

// OnAck emits RTT record for root echo of our telemetry. Event loop only.
func (a *Agent) OnAck(d tele.Datagram) {
	s, err := tele.UnmarshalSample(d.Payload)
	if err != nil {
		a.log.Debugf("ack rx discard %s err=%v", d, err)
		return
	}
	if !a.wasIssued(s.Seq) {
		a.log.Debugf("ack rx discard %s seq=%d never sent, last=%d", d, s.Seq, a.seq)
		a.opt.Metrics.AckUnknown()
		return
	}
	tAck := a.timestamp(a.opt.Clock.Now())
	rtt := tAck - s.Time
	a.opt.Metrics.Acked(rtt)
	r := record.RTT{Seq: s.Seq, T0: s.Time, TAck: tAck, RTT: rtt, Len: len(d.Payload)}
	if err := a.opt.Sink.Write(r); err != nil {
		a.log.Errorf("record seq=%d err=%v", s.Seq, err)
	}
}

// Seq is last used sequence number. Not safe concurrently with Run.
func (a *Agent) Seq() uint32 { return a.seq }

// Offset is current offset average. Not safe concurrently with Run.
func (a *Agent) Offset() (int32, bool) { return a.est.Average() }

// wasIssued reports whether seq is among sequence numbers already used by Tick.
func (a *Agent) wasIssued(seq uint32) bool {
	return uint64(a.seq-seq) < a.issued
}

// timestamp in outgoing timebase: local clock, adjusted under PolicySync.
func (a *Agent) timestamp(now uint32) uint32 {
	if a.opt.Policy != PolicySync {
		return now
	}
	avg, _ := a.est.Average()
	return Adjust(now, avg)
}

func (a *Agent) skip(reason string) Result {
	a.opt.Metrics.Skipped(reason)
	return Result{Skip: reason}
}

func (a *Agent) receiver(sync bool) tele.Handler {
	return func(d tele.Datagram) {
		select {
		case a.inbox <- inbound{sync: sync, d: d}:
		default:
			a.opt.Metrics.Dropped()
			a.log.Debugf("sensor inbox full, drop %s", d)
		}
	}
}

// Adjust applies offset average to local time.
// Negative result clamps to 0, result above 2^32-1 wraps.
func Adjust(now uint32, avg int32) uint32 {
	v := int64(now) + int64(avg)
	if v < 0 {
		return 0
	}
	return uint32(v)
}
