package upstream

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/json"
	"fmt"
	"os"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/juju/errors"

	"github.com/avnet-iotconnect/iotc-relay-service/helpers"
	"github.com/avnet-iotconnect/iotc-relay-service/log2"
)

const (
	defaultNetworkTimeout = 30 * time.Second
	qosAtLeastOnce        = 1
)

type transportMqtt struct {
	log       *log2.Log
	onCommand CommandFunc
	m         mqtt.Client
	mopt      *mqtt.ClientOptions
	stopCh    chan struct{}

	topicState     string
	topicTelemetry string
	topicCommand   string
}

// commandEnvelope is the cloud-side command payload.
type commandEnvelope struct {
	CommandName string `json:"command_name"`
	Parameters  string `json:"parameters"`
}

func (t *transportMqtt) Init(ctx context.Context, log *log2.Log, config Config, onCommand CommandFunc) error {
	t.log = log.Clone(log2.LInfo)
	if config.LogDebug {
		t.log.SetLevel(log2.LDebug)
	}
	t.onCommand = onCommand
	t.stopCh = make(chan struct{})

	mqttLog := t.log.Clone(log2.LDebug)
	mqtt.CRITICAL = mqttLog
	mqtt.ERROR = mqttLog
	mqtt.WARN = mqttLog
	if config.MqttLogDebug {
		mqtt.DEBUG = mqttLog
	}

	if config.DeviceID == "" {
		return errors.NotValidf("upstream device_id empty")
	}
	clientID := config.DeviceID
	t.topicState = fmt.Sprintf("%s/w/1s", clientID)
	t.topicTelemetry = fmt.Sprintf("%s/w/1t", clientID)
	t.topicCommand = fmt.Sprintf("%s/r/c", clientID)

	networkTimeout := helpers.IntSecondDefault(config.NetworkTimeoutSec, defaultNetworkTimeout)
	if networkTimeout < 1*time.Second {
		networkTimeout = 1 * time.Second
	}
	connectTimeout := networkTimeout * 3
	keepalive := helpers.IntSecondDefault(config.KeepaliveSec, networkTimeout/2)

	tlsconf := new(tls.Config)
	if config.TlsCaFile != "" {
		cabytes, err := os.ReadFile(config.TlsCaFile)
		if err != nil {
			return errors.Annotatef(err, "upstream tls_ca_file=%s", config.TlsCaFile)
		}
		tlsconf.RootCAs = x509.NewCertPool()
		if !tlsconf.RootCAs.AppendCertsFromPEM(cabytes) {
			return errors.Errorf("upstream tls_ca_file=%s no certificates found", config.TlsCaFile)
		}
	}

	defaultHandler := func(_ mqtt.Client, msg mqtt.Message) {
		t.log.Errorf("unexpected mqtt message topic=%s", msg.Topic())
	}
	credFun := func() (string, string) { return clientID, config.MqttPassword }

	willPayload := []byte(`{"connected":false}`)
	t.mopt = mqtt.NewClientOptions().
		AddBroker(config.MqttBroker).
		SetAutoReconnect(true).
		SetBinaryWill(t.topicState, willPayload, qosAtLeastOnce, true).
		SetCleanSession(false).
		SetClientID(clientID).
		SetConnectTimeout(connectTimeout).
		SetCredentialsProvider(credFun).
		SetDefaultPublishHandler(defaultHandler).
		SetKeepAlive(keepalive).
		SetMaxReconnectInterval(connectTimeout).
		SetOrderMatters(false).
		SetPingTimeout(networkTimeout).
		SetTLSConfig(tlsconf).
		SetWriteTimeout(networkTimeout)
	t.m = mqtt.NewClient(t.mopt)

	go t.online()
	return nil
}

func (t *transportMqtt) Close() {
	close(t.stopCh)
	t.m.Disconnect(uint(defaultNetworkTimeout / time.Millisecond))
}

func (t *transportMqtt) SendTelemetry(payload []byte) bool {
	tok := t.m.Publish(t.topicTelemetry, qosAtLeastOnce, false, payload)
	return t.tokenWait(tok, "publish telemetry") == nil
}

func (t *transportMqtt) SendState(payload []byte) bool {
	tok := t.m.Publish(t.topicState, qosAtLeastOnce, true, payload)
	return t.tokenWait(tok, "publish state") == nil
}

// online connects and subscribes for commands, retrying until stopped.
func (t *transportMqtt) online() {
	for t.isRunning() {
		tok := t.m.Connect()
		if t.tokenWait(tok, "connect") == nil {
			break
		}
		time.Sleep(1 * time.Second)
	}
	for t.isRunning() {
		tok := t.m.Subscribe(t.topicCommand, qosAtLeastOnce, t.onCommandMessage)
		if t.tokenWait(tok, "subscribe:"+t.topicCommand) == nil {
			break
		}
		time.Sleep(1 * time.Second)
	}
}

func (t *transportMqtt) isRunning() bool {
	select {
	case <-t.stopCh:
		return false
	default:
		return true
	}
}

func (t *transportMqtt) onCommandMessage(_ mqtt.Client, msg mqtt.Message) {
	var env commandEnvelope
	if err := json.Unmarshal(msg.Payload(), &env); err != nil {
		t.log.Errorf("upstream command payload=%x err=%v", msg.Payload(), err)
		return
	}
	if env.CommandName == "" {
		t.log.Errorf("upstream command without command_name payload=%x", msg.Payload())
		return
	}
	t.onCommand(env.CommandName, env.Parameters)
}

func (t *transportMqtt) tokenWait(tok mqtt.Token, tag string) error {
	if !tok.WaitTimeout(t.mopt.WriteTimeout) {
		err := errors.Errorf("%s timeout", tag)
		t.log.Errorf("upstream mqtt %s", err.Error())
		return err
	}
	if err := tok.Error(); err != nil {
		err = errors.Annotate(err, tag)
		t.log.Errorf("upstream mqtt %s", err.Error())
		return err
	}
	return nil
}
