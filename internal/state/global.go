package state

import (
	"context"
	"fmt"
	"net/netip"
	"sync"
	"time"

	"github.com/juju/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/temoto/alive/v2"
	"github.com/temoto/meshtele/helpers"
	"github.com/temoto/meshtele/internal/clock"
	"github.com/temoto/meshtele/internal/clocksync"
	"github.com/temoto/meshtele/internal/metrics"
	"github.com/temoto/meshtele/internal/record"
	"github.com/temoto/meshtele/internal/sensor"
	"github.com/temoto/meshtele/log2"
	"github.com/temoto/meshtele/mesh"
	"github.com/temoto/meshtele/tele"
)

const (
	RouterHost   = "host"
	RouterStatic = "static"
)

// Global is per-process node state: config, lifecycle and collaborators.
// Node fields may be assigned before first use to replace config driven ones.
type Global struct {
	Alive        *alive.Alive
	BuildVersion string
	Config       *Config
	Log          *log2.Log
	Registry     *prometheus.Registry

	// Parsed from Config by Init.
	Net struct {
		Prefix     netip.Prefix
		RootAddr   netip.Addr
		ListenAddr netip.Addr
		SyncGroup  netip.Addr
	}

	Node struct {
		Clock     clock.Clock
		Router    mesh.Router
		Transport tele.Transporter
		Sink      record.Sink
	}

	lk sync.Mutex
}

const ContextKey = "run/state-global"

func NewContext(log *log2.Log) (context.Context, *Global) {
	if log == nil {
		panic("code error NewContext() log=nil")
	}

	g := &Global{
		Alive:    alive.NewAlive(),
		Log:      log,
		Registry: prometheus.NewRegistry(),
	}
	if _, err := metrics.CountErrors(g.Registry, log); err != nil {
		panic("code error NewContext() " + err.Error())
	}
	ctx := context.WithValue(context.Background(), ContextKey, g)
	return ctx, g
}

func GetGlobal(ctx context.Context) *Global {
	v := ctx.Value(ContextKey)
	if v == nil {
		panic(fmt.Sprintf("context['%s'] is nil", ContextKey))
	}
	if g, ok := v.(*Global); ok {
		return g
	}
	panic(fmt.Sprintf("context['%s'] expected type *Global actual=%#v", ContextKey, v))
}

// Init applies defaults and validates cfg.
// If `Init` fails, consider `Global` is in broken state.
func (g *Global) Init(ctx context.Context, cfg *Config) error {
	g.Config = cfg
	if cfg.LogDebug {
		g.Log.SetLevel(log2.LDebug)
	}

	errs := make([]error, 0)
	add := func(err error) { errs = append(errs, err) }

	c := &g.Config.Clock
	if c.TicksPerSecond == 0 {
		c.TicksPerSecond = clock.DefaultTicksPerSecond
	} else if c.TicksPerSecond < 0 {
		add(errors.NotValidf("config: clock.ticks_per_second=%d", c.TicksPerSecond))
	}

	m := &g.Config.Mesh
	if m.Router == "" {
		m.Router = RouterHost
	}
	if m.Router != RouterHost && m.Router != RouterStatic {
		add(errors.NotValidf("config: mesh.router=%s (expected host|static)", m.Router))
	}
	if m.Prefix == "" {
		m.Prefix = "aaaa::/64"
	}
	if p, err := netip.ParsePrefix(m.Prefix); err != nil {
		add(errors.Annotatef(err, "config: mesh.prefix"))
	} else {
		g.Net.Prefix = p.Masked()
	}
	if m.RootAddr == "" {
		m.RootAddr = "aaaa::1"
	}
	if a, err := netip.ParseAddr(m.RootAddr); err != nil {
		add(errors.Annotatef(err, "config: mesh.root_addr"))
	} else {
		g.Net.RootAddr = a
	}
	if m.RootLifetimeSec < 0 {
		add(errors.NotValidf("config: mesh.root_lifetime_sec=%d", m.RootLifetimeSec))
	}

	t := &g.Config.Tele
	if t.Port == 0 {
		t.Port = 8765
	}
	if t.SyncPort == 0 {
		t.SyncPort = 8766
	}
	add(validPort("tele.port", t.Port))
	add(validPort("tele.sync_port", t.SyncPort))
	if t.Port == t.SyncPort {
		add(errors.NotValidf("config: tele.sync_port=tele.port=%d", t.Port))
	}
	if t.ListenAddr != "" {
		if a, err := netip.ParseAddr(t.ListenAddr); err != nil {
			add(errors.Annotatef(err, "config: tele.listen_addr"))
		} else {
			g.Net.ListenAddr = a
		}
	}
	if t.NetworkTimeoutSec < 0 {
		add(errors.NotValidf("config: tele.network_timeout_sec=%d", t.NetworkTimeoutSec))
	}

	s := &g.Config.Sensor
	if s.IntervalSec == 0 {
		s.IntervalSec = 10
	} else if s.IntervalSec < 0 {
		add(errors.NotValidf("config: sensor.interval_sec=%d", s.IntervalSec))
	}
	if s.SyncWindow == 0 {
		s.SyncWindow = clocksync.DefaultWindow
	} else if s.SyncWindow < 0 {
		add(errors.NotValidf("config: sensor.sync_window=%d", s.SyncWindow))
	}
	if s.Policy == "" {
		s.Policy = string(sensor.PolicySync)
	}
	if !sensor.Policy(s.Policy).Valid() {
		add(errors.NotValidf("config: sensor.policy=%s (expected sync|reachable)", s.Policy))
	}
	if s.Inbox <= 0 {
		s.Inbox = 64
	}

	r := &g.Config.Root
	if r.SyncIntervalSec == nil {
		def := 10
		r.SyncIntervalSec = &def
	} else if *r.SyncIntervalSec < 0 {
		add(errors.NotValidf("config: root.sync_interval_sec=%d", *r.SyncIntervalSec))
	}
	if r.SyncGroup == "" {
		r.SyncGroup = "ff02::1"
	}
	if a, err := netip.ParseAddr(r.SyncGroup); err != nil {
		add(errors.Annotatef(err, "config: root.sync_group"))
	} else {
		g.Net.SyncGroup = a
	}
	if r.Inbox <= 0 {
		r.Inbox = 64
	}

	rec := &g.Config.Record
	if rec.MaxSizeMB == 0 {
		rec.MaxSizeMB = 10
	}
	if rec.MaxBackups == 0 {
		rec.MaxBackups = 3
	}
	if rec.MqttTopic == "" {
		rec.MqttTopic = record.DefaultMQTTTopic
	}

	if err := helpers.FoldErrors(errs); err != nil {
		return err
	}
	g.Log.Debugf("config: mesh.router=%s prefix=%s root=%s tele.port=%d sync_port=%d",
		m.Router, g.Net.Prefix, g.Net.RootAddr, t.Port, t.SyncPort)
	return nil
}

func (g *Global) MustInit(ctx context.Context, cfg *Config) {
	err := g.Init(ctx, cfg)
	if err != nil {
		g.Log.Fatal(errors.ErrorStack(err))
	}
}

func (g *Global) Error(err error, args ...interface{}) {
	if err != nil {
		if len(args) != 0 {
			msg := args[0].(string)
			args = args[1:]
			err = errors.Annotatef(err, msg, args...)
		}
		g.Log.Errorf("%s", errors.ErrorStack(err))
	}
}

func (g *Global) Clock() clock.Clock {
	g.lk.Lock()
	defer g.lk.Unlock()
	if g.Node.Clock == nil {
		g.Node.Clock = clock.NewMonotonic(g.Config.Clock.TicksPerSecond)
	}
	return g.Node.Clock
}

func (g *Global) Router() mesh.Router {
	g.lk.Lock()
	defer g.lk.Unlock()
	if g.Node.Router == nil {
		m := &g.Config.Mesh
		switch m.Router {
		case RouterStatic:
			g.Node.Router = mesh.NewStatic(m.Static.Joined, m.Static.Reachable, m.Static.Root)
		default:
			g.Node.Router = mesh.NewHost(g.Log, g.Net.Prefix, g.Net.RootAddr)
		}
	}
	return g.Node.Router
}

func (g *Global) Transport() tele.Transporter {
	g.lk.Lock()
	defer g.lk.Unlock()
	if g.Node.Transport == nil {
		g.Node.Transport = tele.NewUDP(tele.UDPOptions{
			Log:            g.Log,
			ListenAddr:     g.Net.ListenAddr,
			NetworkTimeout: helpers.IntSecondDefault(g.Config.Tele.NetworkTimeoutSec, tele.DefaultNetworkTimeout),
		})
	}
	return g.Node.Transport
}

// Sink returns record output: file or stdout, plus MQTT when broker is set.
func (g *Global) Sink() (record.Sink, error) {
	g.lk.Lock()
	defer g.lk.Unlock()
	if g.Node.Sink != nil {
		return g.Node.Sink, nil
	}
	rec := &g.Config.Record
	file := record.NewFile(record.FileOptions{
		Path:       rec.Path,
		MaxSizeMB:  rec.MaxSizeMB,
		MaxBackups: rec.MaxBackups,
		MaxAgeDays: rec.MaxAgeDays,
	})
	if rec.MqttBroker == "" {
		g.Node.Sink = file
		return file, nil
	}
	mq, err := record.NewMQTT(record.MQTTOptions{
		Log:            g.Log,
		BrokerURL:      rec.MqttBroker,
		ClientID:       rec.MqttClientID,
		Topic:          rec.MqttTopic,
		NetworkTimeout: helpers.IntSecondDefault(g.Config.Tele.NetworkTimeoutSec, tele.DefaultNetworkTimeout),
	})
	if err != nil {
		return nil, err
	}
	g.Node.Sink = record.Multi{file, mq}
	return g.Node.Sink, nil
}

func (g *Global) Interval() time.Duration {
	return time.Duration(g.Config.Sensor.IntervalSec) * time.Second
}

// SyncInterval zero means periodic sync is disabled.
func (g *Global) SyncInterval() time.Duration {
	return time.Duration(*g.Config.Root.SyncIntervalSec) * time.Second
}

func (g *Global) RootLifetime() time.Duration {
	return time.Duration(g.Config.Mesh.RootLifetimeSec) * time.Second
}

// Close releases node collaborators created or assigned so far.
func (g *Global) Close() error {
	g.lk.Lock()
	defer g.lk.Unlock()
	errs := make([]error, 0, 2)
	if g.Node.Transport != nil {
		errs = append(errs, g.Node.Transport.Close())
	}
	if g.Node.Sink != nil {
		errs = append(errs, g.Node.Sink.Close())
	}
	return helpers.FoldErrors(errs)
}

func validPort(name string, p int) error {
	if p <= 0 || p > 65535 {
		return errors.NotValidf("config: %s=%d", name, p)
	}
	return nil
}
