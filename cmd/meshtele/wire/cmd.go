// Interactive payload codec console, also reads commands from stdin pipe.
package wire

import (
	"context"
	"net/netip"
	"strconv"
	"strings"

	"github.com/c-bata/go-prompt"
	"github.com/juju/errors"
	"github.com/temoto/meshtele/cmd/meshtele/subcmd"
	"github.com/temoto/meshtele/helpers/cli"
	"github.com/temoto/meshtele/internal/clocksync"
	"github.com/temoto/meshtele/internal/sensor"
	"github.com/temoto/meshtele/internal/state"
	"github.com/temoto/meshtele/tele"
)

const modName = "wire"

var Mod = subcmd.Mod{Name: modName, Usage: "payload codec console", Main: Main}

var suggests = []prompt.Suggest{
	{Text: "decode", Description: "decode <payload> telemetry or sync datagram text"},
	{Text: "sample", Description: "sample <seq> <t0> encode telemetry"},
	{Text: "sync", Description: "sync <t> encode sync"},
	{Text: "offset", Description: "offset <reported> <local> clock offset of one sync"},
	{Text: "adjust", Description: "adjust <now> <avg> outgoing timestamp"},
	{Text: "send", Description: "send <addr> <port> <payload> raw datagram"},
}

func Main(ctx context.Context, config *state.Config) error {
	g := state.GetGlobal(ctx)
	if err := g.Init(ctx, config); err != nil {
		return errors.Annotate(err, "config")
	}
	defer g.Close()

	g.Log.Debugf("wire console ready")
	return cli.MainLoop(modName, newExecutor(ctx, g), cli.Suggester(suggests))
}

func newExecutor(ctx context.Context, g *state.Global) func(string) {
	return func(line string) {
		out, err := Exec(ctx, g.Transport(), line)
		if err != nil {
			g.Log.Error(err)
			return
		}
		g.Log.Info(out)
	}
}

// Exec runs one console command. Transport is used by send only.
func Exec(ctx context.Context, tr tele.Transporter, line string) (string, error) {
	cmd, rest, _ := strings.Cut(line, " ")
	args := strings.Fields(rest)
	switch cmd {
	case "decode":
		return decode([]byte(rest)), nil

	case "sample":
		vs, err := parseU32s(args, "seq", "t0")
		if err != nil {
			return "", err
		}
		s := tele.Sample{Seq: vs[0], Time: vs[1]}
		return string(s.Marshal()), nil

	case "sync":
		vs, err := parseU32s(args, "t")
		if err != nil {
			return "", err
		}
		return string(tele.Sync{Time: vs[0]}.Marshal()), nil

	case "offset":
		vs, err := parseU32s(args, "reported", "local")
		if err != nil {
			return "", err
		}
		return strconv.Itoa(int(clocksync.Offset(vs[0], vs[1]))), nil

	case "adjust":
		if len(args) != 2 {
			return "", errors.NotValidf("usage: adjust <now> <avg>")
		}
		vs, err := parseU32s(args[:1], "now")
		if err != nil {
			return "", err
		}
		avg, err := strconv.ParseInt(args[1], 10, 32)
		if err != nil {
			return "", errors.Annotate(err, "avg")
		}
		return strconv.FormatUint(uint64(sensor.Adjust(vs[0], int32(avg))), 10), nil

	case "send":
		parts := strings.SplitN(rest, " ", 3)
		if len(parts) != 3 {
			return "", errors.NotValidf("usage: send <addr> <port> <payload>")
		}
		addr, err := netip.ParseAddr(parts[0])
		if err != nil {
			return "", errors.Annotate(err, "addr")
		}
		port, err := strconv.ParseUint(parts[1], 10, 16)
		if err != nil {
			return "", errors.Annotate(err, "port")
		}
		if err := tr.Send(ctx, []byte(parts[2]), addr, uint16(port)); err != nil {
			return "", errors.Annotate(err, "send")
		}
		return "sent " + strconv.Itoa(len(parts[2])) + " bytes", nil
	}
	return "", errors.NotFoundf("command '%s'", cmd)
}

func decode(b []byte) string {
	if s, err := tele.UnmarshalSample(b); err == nil {
		return "telemetry " + s.String()
	}
	if s, err := tele.UnmarshalSync(b); err == nil {
		return "sync " + s.String()
	}
	return "no match"
}

func parseU32s(args []string, names ...string) ([]uint32, error) {
	if len(args) != len(names) {
		return nil, errors.NotValidf("expected arguments: %s", strings.Join(names, " "))
	}
	vs := make([]uint32, len(args))
	for i, a := range args {
		v, err := strconv.ParseUint(a, 10, 32)
		if err != nil {
			return nil, errors.Annotate(err, names[i])
		}
		vs[i] = uint32(v)
	}
	return vs, nil
}
