// uplinkd is the telemetry uplink daemon: registers the cellular
// module to the network and posts measurement batches to the
// ingestion service over CoAP.
package main

import (
	"flag"
	"os"
	"os/signal"
	"syscall"

	"github.com/coreos/go-systemd/daemon"
	"github.com/juju/errors"
	"github.com/temoto/alive/v2"

	"github.com/airgradient/cellular-uplink/helpers"
	"github.com/airgradient/cellular-uplink/log2"
	"github.com/airgradient/cellular-uplink/modem"
	"github.com/airgradient/cellular-uplink/persist"
	"github.com/airgradient/cellular-uplink/state"
	"github.com/airgradient/cellular-uplink/telemetry"
	"github.com/airgradient/cellular-uplink/uplink"
)

var log = log2.NewStderr(log2.LInfo)

func main() {
	flagConfig := flag.String("config", "uplink.hcl", "")
	flag.Parse()

	if sdnotify("READY=0\nSTATUS=starting\n") {
		// under systemd, journal adds timestamps
		log.SetFlags(log2.LServiceFlags)
	} else {
		log.SetFlags(log2.LInteractiveFlags)
	}

	config := state.MustReadConfigFile(log, *flagConfig)
	if config.LogDebug {
		log.SetLevel(log2.LDebug)
	}
	log.Infof("config loaded serial=%s", config.Device.Serial)

	a := alive.NewAlive()

	store, err := persist.Open(log, config.Persist.Root)
	if err != nil {
		log.Fatal(errors.ErrorStack(err))
	}

	queue, err := uplink.OpenQueue(log, config.Persist.Root+"/queue")
	if err != nil {
		log.Fatal(errors.ErrorStack(err))
	}
	defer queue.Close()

	at := modem.NewFileAT(log)
	if err = at.Open(config.Cellular.UartDevice, config.Cellular.UartBaudrate); err != nil {
		log.Fatal(errors.ErrorStack(err))
	}
	defer at.Close()

	var power modem.PowerControl = modem.NullPower{}
	if config.Cellular.PowerChip != "" {
		power, err = modem.NewGpioPower(config.Cellular.PowerChip, uint32(config.Cellular.PowerLine), "cellular-uplink")
		if err != nil {
			log.Fatal(errors.ErrorStack(err))
		}
	}

	m := modem.New(log, at, power)
	defer m.Close()

	client := uplink.NewClient(log, m)
	client.APN = config.Cellular.APN
	client.ExtendedPM = config.Device.ExtendedPM
	client.Store = store
	client.Queue = queue
	client.RegistrationTimeout = helpers.IntSecondDefault(config.Cellular.RegistrationTimeoutSec, uplink.DefaultRegistrationTimeout)
	client.CoapHost = config.Coap.Host
	client.CoapPort = uint16(config.Coap.Port)
	client.CoapDomain = config.Coap.Domain
	client.CoapReceiveTimeout = helpers.IntMillisecondDefault(config.Coap.ReceiveTimeoutMs, 0)

	if err = client.Begin(config.Device.Serial, config.PayloadType()); err != nil {
		// stay up: the worker keeps retrying with backoff
		log.Errorf("uplink begin err=%v", errors.ErrorStack(err))
	}

	worker := uplink.NewWorker(log, client, pendingBatch(config))
	worker.OnConfig = func(body string) {
		log.Infof("configuration received (%d bytes)", len(body))
	}
	worker.PostInterval = helpers.IntSecondDefault(config.Telemetry.PostIntervalSec, uplink.DefaultPostInterval)
	worker.FetchInterval = helpers.IntSecondDefault(config.Telemetry.FetchIntervalSec, uplink.DefaultFetchInterval)

	if !a.Add(1) {
		log.Fatal("code error alive stopped before start")
	}
	go worker.Run(a)
	sdnotify(daemon.SdNotifyReady)
	log.Infof("uplinkd running")

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	select {
	case sig := <-sigCh:
		log.Infof("signal %v, stopping", sig)
	case <-a.StopChan():
	}
	sdnotify(daemon.SdNotifyStopping)
	a.Stop()
	a.Wait()
}

// pendingBatch is the MeasureFunc seam for the sensor acquisition side.
// Hardware drivers live outside this module; this default source has
// nothing to report, so the worker only drains the disk queue and
// fetches configuration until a real source is wired in.
func pendingBatch(config *state.Config) uplink.MeasureFunc {
	return func() (*telemetry.Batch, error) {
		b := &telemetry.Batch{Interval: uint8(config.Telemetry.IntervalMinutes)}
		return b, nil
	}
}

func sdnotify(s string) bool {
	ok, err := daemon.SdNotify(false, s)
	if err != nil {
		log.Fatal("sdnotify: ", errors.ErrorStack(err))
	}
	return ok
}
