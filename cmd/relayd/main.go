// relayd bridges local telemetry producers to one upstream connection.
package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/coreos/go-systemd/daemon"
	"github.com/juju/errors"

	"github.com/avnet-iotconnect/iotc-relay-service/log2"
	"github.com/avnet-iotconnect/iotc-relay-service/relay"
	"github.com/avnet-iotconnect/iotc-relay-service/state"
	"github.com/avnet-iotconnect/iotc-relay-service/upstream"
)

const statusInterval = 1 * time.Minute

func main() {
	flagConfig := flag.String("config", "relayd.hcl", "")
	flag.Parse()

	logger := log2.NewStderr(log2.LInfo)
	if sdnotify(logger, "start") {
		// under systemd the journal already stamps time
		logger.SetFlags(log2.LServiceFlags)
	} else {
		logger.SetFlags(log2.LInteractiveFlags)
	}

	config := state.MustReadConfigFile(*flagConfig, logger)
	if config.LogDebug {
		logger.SetLevel(log2.LDebug)
	}

	server := relay.NewServer(config.Relay, logger)
	if err := server.Start(); err != nil {
		logger.Fatal(errors.ErrorStack(err))
	}

	bridge := upstream.NewBridge(server, nil)
	if err := bridge.Init(context.Background(), logger, config.Upstream); err != nil {
		server.Stop()
		logger.Fatal(errors.ErrorStack(err))
	}

	sdnotify(logger, daemon.SdNotifyReady)
	logger.Infof("relayd running")

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	tick := time.NewTicker(statusInterval)
	defer tick.Stop()
	for {
		select {
		case sig := <-sigCh:
			logger.Infof("signal %v, stopping", sig)
			sdnotify(logger, daemon.SdNotifyStopping)
			bridge.Close()
			server.Stop()
			return

		case <-tick.C:
			logger.Infof("status clients=%d stat=%s", server.ClientCount(), server.Stat().String())
		}
	}
}

func sdnotify(logger *log2.Log, s string) bool {
	ok, err := daemon.SdNotify(false, s)
	if err != nil {
		logger.Fatal("sdnotify: ", errors.ErrorStack(err))
	}
	return ok
}
