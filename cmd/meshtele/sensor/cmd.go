// Sensor node: periodic time-synchronized telemetry toward root.
package sensor

import (
	"context"

	"github.com/coreos/go-systemd/daemon"
	"github.com/juju/errors"
	"github.com/temoto/meshtele/cmd/meshtele/subcmd"
	"github.com/temoto/meshtele/internal/metrics"
	agent "github.com/temoto/meshtele/internal/sensor"
	"github.com/temoto/meshtele/internal/state"
)

var Mod = subcmd.Mod{Name: "sensor", Usage: "run sensor node", Main: Main}

func Main(ctx context.Context, config *state.Config) error {
	g := state.GetGlobal(ctx)
	if err := g.Init(ctx, config); err != nil {
		return errors.Annotate(err, "config")
	}
	defer g.Close()

	sink, err := g.Sink()
	if err != nil {
		return errors.Annotate(err, "record sink")
	}
	m, err := metrics.NewSensor(g.Registry)
	if err != nil {
		return err
	}
	a, err := agent.New(agent.Options{
		Log:       g.Log,
		Router:    g.Router(),
		Transport: g.Transport(),
		Clock:     g.Clock(),
		Sink:      sink,
		Metrics:   m,
		RootAddr:  g.Net.RootAddr,
		Port:      uint16(g.Config.Tele.Port),
		SyncPort:  uint16(g.Config.Tele.SyncPort),
		Interval:  g.Interval(),
		Window:    g.Config.Sensor.SyncWindow,
		Policy:    agent.Policy(g.Config.Sensor.Policy),
		Inbox:     g.Config.Sensor.Inbox,
	})
	if err != nil {
		return err
	}
	if err := a.Start(); err != nil {
		return err
	}
	subcmd.ServeMetrics(ctx, g)

	subcmd.SdNotify(daemon.SdNotifyReady)
	g.Log.Debugf("sensor init complete")
	return subcmd.StopErr(a.Run(ctx))
}
