package transport

import (
	"context"
	"fmt"
	"time"

	"github.com/berryconnect/berrylink/bcp"
	"github.com/berryconnect/berrylink/helpers"
	"github.com/berryconnect/berrylink/log2"
	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/juju/errors"
)

// transportMQTT publishes agent frames under tio/agents/<id>/ and listens on
// the commands and hub key exchange topics. Key exchange uses two topics so
// the agent does not receive its own handshake frame back.
type transportMQTT struct {
	log     *log2.Log
	onFrame func([]byte) bool
	m       mqtt.Client
	mopt    *mqtt.ClientOptions

	topicPrefix    string
	topicStatus    string
	topicTelemetry string
	topicAlerts    string
	topicCommands  string
	topicResponses string
	topicKexAgent  string
	topicKexHub    string

	networkTimeout time.Duration
}

func NewMQTT() Transporter { return &transportMQTT{} }

func (t *transportMQTT) Init(ctx context.Context, log *log2.Log, opt Options, onFrame FrameCallback) error {
	if opt.AgentID == "" {
		return errors.Errorf("mqtt transport: agent_id empty")
	}
	if opt.BrokerURL == "" {
		return errors.Errorf("mqtt transport: broker url empty")
	}
	t.log = log
	mqtt.ERROR = log
	mqtt.CRITICAL = log
	mqtt.WARN = log

	t.onFrame = func(frame []byte) bool { return onFrame(frame) }
	t.topicPrefix = fmt.Sprintf("tio/agents/%s", opt.AgentID)
	t.topicStatus = t.topicPrefix + "/status"
	t.topicTelemetry = t.topicPrefix + "/telemetry"
	t.topicAlerts = t.topicPrefix + "/alerts"
	t.topicCommands = t.topicPrefix + "/commands"
	t.topicResponses = t.topicPrefix + "/responses"
	t.topicKexAgent = t.topicPrefix + "/keyexchange/agent"
	t.topicKexHub = t.topicPrefix + "/keyexchange/hub"
	t.networkTimeout = helpers.IntSecondDefault(opt.NetworkTimeoutSec, defaultNetworkTimeout)

	clientID := "berry_agent_" + opt.AgentID
	keepAlive := helpers.IntSecondDefault(opt.KeepaliveSec, 60*time.Second)
	pingTimeout := helpers.IntSecondDefault(opt.PingTimeoutSec, 30*time.Second)

	t.mopt = mqtt.NewClientOptions().
		AddBroker(opt.BrokerURL).
		SetBinaryWill(t.topicStatus, []byte("offline"), 1, true).
		SetCleanSession(false).
		SetClientID(clientID).
		SetDefaultPublishHandler(t.messageHandler).
		SetKeepAlive(keepAlive).
		SetPingTimeout(pingTimeout).
		SetOrderMatters(false).
		SetResumeSubs(true).
		SetConnectRetryInterval(keepAlive / 2).
		SetOnConnectHandler(t.onConnectHandler).
		SetConnectionLostHandler(t.connectLostHandler).
		SetConnectRetry(true)
	if opt.StorePath != "" {
		t.mopt.SetStore(mqtt.NewFileStore(opt.StorePath))
	}
	t.m = mqtt.NewClient(t.mopt)
	if token := t.m.Connect(); token.Error() != nil {
		t.log.Errorf("mqtt connect err=%v", token.Error())
	}
	return nil
}

func (t *transportMQTT) Close() {
	if token := t.m.Unsubscribe(t.topicCommands, t.topicKexHub); token.WaitTimeout(t.networkTimeout) && token.Error() != nil {
		t.log.Infof("mqtt unsubscribe err=%v", token.Error())
	}
	t.m.Publish(t.topicStatus, 1, true, []byte("offline"))
	t.m.Disconnect(250)
}

func (t *transportMQTT) SendFrame(mt bcp.MessageType, frame []byte) bool {
	var topic string
	switch mt {
	case bcp.TypeTelemetry, bcp.TypeHeartbeat:
		topic = t.topicTelemetry
	case bcp.TypeAlert:
		topic = t.topicAlerts
	case bcp.TypeResponse:
		topic = t.topicResponses
	case bcp.TypeKeyExchange:
		topic = t.topicKexAgent
	default:
		t.log.Errorf("mqtt agent does not publish type=%s", mt)
		return false
	}
	token := t.m.Publish(topic, 1, false, frame)
	if !token.WaitTimeout(t.networkTimeout) {
		t.log.Debugf("mqtt publish topic=%s timeout", topic)
		return false
	}
	if err := token.Error(); err != nil {
		t.log.Debugf("mqtt publish topic=%s err=%v", topic, err)
		return false
	}
	return true
}

func (t *transportMQTT) messageHandler(c mqtt.Client, msg mqtt.Message) {
	frame := msg.Payload()
	t.log.Debugf("mqtt income topic=%s frame=%x", msg.Topic(), frame)
	t.onFrame(frame)
}

func (t *transportMQTT) connectLostHandler(c mqtt.Client, err error) {
	t.log.Infof("mqtt disconnect err=%v", err)
}

func (t *transportMQTT) onConnectHandler(c mqtt.Client) {
	t.log.Infof("mqtt connect")
	subs := map[string]byte{t.topicCommands: 1, t.topicKexHub: 1}
	if token := c.SubscribeMultiple(subs, nil); token.Wait() && token.Error() != nil {
		t.log.Errorf("mqtt subscribe err=%v", token.Error())
		return
	}
	c.Publish(t.topicStatus, 1, true, []byte("online"))
}
