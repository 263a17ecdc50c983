// Support sub-commands in meshtele application.
// It's simple but fine so far.
package subcmd

import (
	"context"
	"fmt"
	"log"
	"strings"

	"github.com/coreos/go-systemd/daemon"
	"github.com/juju/errors"
	"github.com/temoto/meshtele/internal/metrics"
	"github.com/temoto/meshtele/internal/state"
)

type Mod struct {
	Name  string
	Usage string
	Main  func(context.Context, *state.Config) error
}

func Parse(command string, modules []Mod) (*Mod, error) {
	if command == "" {
		return nil, fmt.Errorf("empty command, expected one of: %s", Names(modules))
	}

	for i := range modules {
		m := &modules[i]
		if m.Name == "" {
			panic(fmt.Sprintf("code error Name='' module=%#v", m))
		}
		if command == m.Name {
			return m, nil
		}
	}
	return nil, fmt.Errorf("unknown command='%s', expected one of: %s", command, Names(modules))
}

func Names(modules []Mod) string {
	names := make([]string, len(modules))
	for i, m := range modules {
		names[i] = m.Name
	}
	return strings.Join(names, "|")
}

func SdNotify(s string) bool {
	ok, err := daemon.SdNotify(false, s)
	if err != nil {
		log.Fatal("sdnotify: ", errors.ErrorStack(err))
	}
	return ok
}

// ServeMetrics starts exporter when metrics.listen is configured.
func ServeMetrics(ctx context.Context, g *state.Global) {
	listen := g.Config.Metrics.Listen
	if listen == "" {
		return
	}
	go func() {
		if err := metrics.Serve(ctx, g.Log, listen, g.Registry); err != nil {
			g.Error(err)
		}
	}()
}

// Ignore cancellation caused by normal shutdown.
func StopErr(err error) error {
	if errors.Cause(err) == context.Canceled {
		return nil
	}
	return err
}
