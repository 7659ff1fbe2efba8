// berryd is the BerryConnect satellite daemon.
package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/berryconnect/berrylink/agent"
	agent_config "github.com/berryconnect/berrylink/agent/config"
	"github.com/berryconnect/berrylink/log2"
	"github.com/coreos/go-systemd/daemon"
	"github.com/juju/errors"
)

var BuildVersion string = "unknown" // set by ldflags -X

func main() {
	flagConfig := flag.String("config", "berryd.hcl", "")
	flagVersion := flag.Bool("version", false, "print build version")
	flag.Parse()
	if *flagVersion {
		log.Printf("berryd %s", BuildVersion)
		return
	}

	logger := log2.NewStderr(log2.LInfo)
	if sdnotify(logger, "start") {
		// under systemd, journal adds timestamps
		logger.SetFlags(log2.LServiceFlags)
	} else {
		logger.SetFlags(log2.LInteractiveFlags)
	}
	logger.Infof("berryd %s", BuildVersion)

	cfg := agent_config.MustReadConfig(logger, agent_config.NewOsFullReader("."), *flagConfig)
	if cfg.Agent.LogDebug {
		logger.SetLevel(log2.LDebug)
	}
	logger.Debugf("config=%+v", cfg)

	a := &agent.Agent{}
	ctx := context.Background()
	if err := a.Init(ctx, logger, cfg, agent.NewSysSource()); err != nil {
		logger.Fatal(errors.ErrorStack(err))
	}
	sdnotify(logger, daemon.SdNotifyReady)
	logger.Infof("agent id=%s running", cfg.Agent.ID)

	sigch := make(chan os.Signal, 1)
	signal.Notify(sigch, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigch
	logger.Infof("signal=%v stopping", sig)
	sdnotify(logger, daemon.SdNotifyStopping)
	a.Close()
}

func sdnotify(logger *log2.Log, s string) bool {
	ok, err := daemon.SdNotify(false, s)
	if err != nil {
		logger.Fatal("sdnotify: ", errors.ErrorStack(err))
	}
	return ok
}
