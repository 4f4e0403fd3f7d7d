// Package upstream forwards combined telemetry from the relay to the
// cloud peer and fans cloud commands back out through the relay.
package upstream

import (
	"context"
	"encoding/json"
	"time"

	"github.com/juju/errors"
	"github.com/temoto/alive/v2"

	"github.com/avnet-iotconnect/iotc-relay-service/helpers"
	"github.com/avnet-iotconnect/iotc-relay-service/log2"
)

const DefaultPeriod = 5 * time.Second

// Relay is the server surface the bridge consumes.
type Relay interface {
	ClientCount() int
	CombinedTelemetry() map[string]interface{}
	BroadcastCommand(name, parameters string) int
}

// Bridge polls the relay's combined telemetry on a fixed period and
// forwards it upstream; commands arriving from upstream are broadcast to
// all relay clients. Telemetry is consumed from the relay exactly when
// read, so a sample travels upstream at most once.
type Bridge struct {
	alive     *alive.Alive
	log       *log2.Log
	config    Config
	relay     Relay
	transport Transporter
	period    time.Duration
}

// NewBridge with transport=nil uses the production MQTT transport; tests
// inject their own.
func NewBridge(relay Relay, transport Transporter) *Bridge {
	if transport == nil {
		transport = &transportMqtt{}
	}
	return &Bridge{
		alive:     alive.NewAlive(),
		relay:     relay,
		transport: transport,
	}
}

// Init fails only with invalid config; an unreachable upstream is a
// transient condition handled by the transport.
func (b *Bridge) Init(ctx context.Context, log *log2.Log, config Config) error {
	b.config = config
	b.log = log
	if config.LogDebug {
		b.log.SetLevel(log2.LDebug)
	}
	b.period = helpers.IntSecondDefault(config.PeriodSec, DefaultPeriod)
	if !config.Enabled {
		b.log.Debugf("upstream bridge disabled in config")
		return nil
	}
	if err := b.transport.Init(ctx, log, config, b.onCommand); err != nil {
		return errors.Annotate(err, "upstream transport")
	}
	b.alive.Add(1)
	go b.worker()
	return nil
}

// Close stops the poll loop, then tears the transport down.
func (b *Bridge) Close() {
	b.alive.Stop()
	b.alive.Wait()
	if b.config.Enabled {
		b.transport.Close()
	}
}

func (b *Bridge) worker() {
	defer b.alive.Done()
	tick := time.NewTicker(b.period)
	defer tick.Stop()
	for {
		select {
		case <-tick.C:
			b.pushTelemetry()

		case <-b.alive.StopChan():
			return
		}
	}
}

func (b *Bridge) pushTelemetry() {
	count := b.relay.ClientCount()
	statePayload, err := json.Marshal(map[string]interface{}{
		"connected": true,
		"clients":   count,
	})
	if err == nil {
		_ = b.transport.SendState(statePayload)
	}

	tm := b.relay.CombinedTelemetry()
	if tm == nil {
		if count == 0 {
			b.log.Infof("no clients connected to relay")
		}
		return
	}
	payload, err := json.Marshal(tm)
	if err != nil {
		b.log.Errorf("CRITICAL telemetry marshal tm=%#v err=%v", tm, err)
		return
	}
	if !b.transport.SendTelemetry(payload) {
		// current-state semantics: the next cycle carries fresh data
		b.log.Errorf("telemetry delivery failed, sample dropped")
	}
}

func (b *Bridge) onCommand(name, parameters string) {
	count := b.relay.ClientCount()
	b.log.Infof("broadcasting command --- %s %s --- to %d client(s)", name, parameters, count)
	b.relay.BroadcastCommand(name, parameters)
}
