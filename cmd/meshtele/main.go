package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/juju/errors"
	cmd_root "github.com/temoto/meshtele/cmd/meshtele/root"
	cmd_sensor "github.com/temoto/meshtele/cmd/meshtele/sensor"
	"github.com/temoto/meshtele/cmd/meshtele/subcmd"
	cmd_wire "github.com/temoto/meshtele/cmd/meshtele/wire"
	"github.com/temoto/meshtele/internal/state"
	"github.com/temoto/meshtele/log2"
)

var BuildVersion string = "unknown" // set by ldflags -X

var modules = []subcmd.Mod{
	cmd_root.Mod,
	cmd_sensor.Mod,
	cmd_wire.Mod,
}

func main() {
	flagConfig := flag.String("config", state.DefaultConfigName, "")
	flagVersion := flag.Bool("version", false, "print build version and exit")
	flag.Usage = usage
	flag.Parse()

	if *flagVersion {
		fmt.Printf("meshtele %s\n", BuildVersion)
		return
	}

	log := log2.NewStderr(log2.LInfo)
	if subcmd.SdNotify("start") {
		// we're under systemd, assume systemd journal logging, remove timestamp
		log.SetFlags(log2.LServiceFlags)
	} else {
		log.SetFlags(log2.LInteractiveFlags)
	}

	mod, err := subcmd.Parse(flag.Arg(0), modules)
	if err != nil {
		log.Error(err)
		usage()
		os.Exit(2)
	}
	log.SetPrefix(mod.Name + ": ")
	log.Infof("meshtele version=%s", BuildVersion)

	ctx, g := state.NewContext(log)
	g.BuildVersion = BuildVersion
	config := state.MustReadConfig(log, state.NewOsFullReader(), *flagConfig)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	sigch := make(chan os.Signal, 1)
	signal.Notify(sigch, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigch
		log.Infof("signal=%v stopping", sig)
		g.Alive.Stop()
	}()
	go func() {
		<-g.Alive.StopChan()
		cancel()
	}()

	err = mod.Main(ctx, config)
	g.Alive.Stop()
	if err != nil {
		log.Fatal(errors.ErrorStack(err))
	}
}

func usage() {
	fmt.Fprintf(flag.CommandLine.Output(), "usage: %s [-config meshtele.hcl] <command>\n\ncommands:\n", os.Args[0])
	for _, m := range modules {
		fmt.Fprintf(flag.CommandLine.Output(), "  %-8s %s\n", m.Name, m.Usage)
	}
	fmt.Fprintln(flag.CommandLine.Output(), "\nflags:")
	flag.PrintDefaults()
}
