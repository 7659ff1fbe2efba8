package transport_test

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/256dpi/gomqtt/broker"
	gomqtt_transport "github.com/256dpi/gomqtt/transport"
	"github.com/berryconnect/berrylink/bcp"
	"github.com/berryconnect/berrylink/log2"
	"github.com/berryconnect/berrylink/transport"
	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// launchBroker starts an in-process MQTT broker on a random port.
func launchBroker(t testing.TB) string {
	server, err := gomqtt_transport.Launch("tcp://127.0.0.1:0")
	require.NoError(t, err)
	backend := broker.NewMemoryBackend()
	engine := broker.NewEngine(backend)
	engine.Accept(server)
	t.Cleanup(func() {
		backend.Close(1 * time.Second)
		_ = server.Close()
		engine.Close()
	})
	return "tcp://" + server.Addr().String()
}

func hubClient(t testing.TB, url, id string) mqtt.Client {
	c := mqtt.NewClient(mqtt.NewClientOptions().AddBroker(url).SetClientID(id))
	token := c.Connect()
	require.True(t, token.WaitTimeout(5*time.Second))
	require.NoError(t, token.Error())
	t.Cleanup(func() { c.Disconnect(100) })
	return c
}

// FIXME ugly `mqtt.CRITICAL/ERROR/WARN` global variables forbid t.Parallel()
func TestMQTTHandshakeAndTelemetry(t *testing.T) {
	log := log2.NewTest(t, log2.LDebug)
	url := launchBroker(t)

	const agentID = "it-1"
	hub := hubClient(t, url, "hub-test")
	hubSession := bcp.NewSession()
	kexAgentCh := make(chan []byte, 8)
	telemetryCh := make(chan []byte, 8)
	statusCh := make(chan string, 8)
	token := hub.Subscribe("tio/agents/"+agentID+"/#", 1, func(_ mqtt.Client, msg mqtt.Message) {
		switch {
		case strings.HasSuffix(msg.Topic(), "/keyexchange/agent"):
			kexAgentCh <- msg.Payload()
		case strings.HasSuffix(msg.Topic(), "/telemetry"):
			telemetryCh <- msg.Payload()
		case strings.HasSuffix(msg.Topic(), "/status"):
			statusCh <- string(msg.Payload())
		}
	})
	require.True(t, token.WaitTimeout(5*time.Second))
	require.NoError(t, token.Error())

	sink := &frameSink{session: bcp.NewSession()}
	tr := transport.NewMQTT()
	require.NoError(t, tr.Init(context.Background(), log, transport.Options{
		AgentID:           agentID,
		BrokerURL:         url,
		NetworkTimeoutSec: 5,
	}, sink.onFrame))
	defer tr.Close()

	kex, err := sink.session.BeginHandshake()
	require.NoError(t, err)
	require.True(t, tr.SendFrame(bcp.TypeKeyExchange, kex))

	var agentKex []byte
	select {
	case agentKex = <-kexAgentCh:
	case <-time.After(10 * time.Second):
		t.Fatal("hub did not receive agent key exchange")
	}
	require.NoError(t, hubSession.CompleteHandshake(agentKex))
	hubKex, err := hubSession.BeginHandshake()
	require.NoError(t, err)
	// retained so the reply survives subscription races
	hub.Publish("tio/agents/"+agentID+"/keyexchange/hub", 1, true, hubKex)

	deadline := time.Now().Add(10 * time.Second)
	for !sink.session.Keyed() && time.Now().Before(deadline) {
		time.Sleep(20 * time.Millisecond)
	}
	require.True(t, sink.session.Keyed(), "agent session never keyed")

	frame, err := sink.session.Encode(&bcp.Telemetry{CPUPercent: 12.5, RAMPercent: 50, Uptime: 33, Timestamp: 1700000001})
	require.NoError(t, err)
	require.True(t, tr.SendFrame(bcp.TypeTelemetry, frame))

	select {
	case b := <-telemetryCh:
		m, err := hubSession.Decode(b)
		require.NoError(t, err)
		tm := m.(*bcp.Telemetry)
		assert.InDelta(t, 12.5, tm.CPUPercent, 0.01)
		assert.EqualValues(t, 33, tm.Uptime)
	case <-time.After(10 * time.Second):
		t.Fatal("hub did not receive telemetry")
	}

	select {
	case s := <-statusCh:
		assert.Equal(t, "online", s)
	case <-time.After(10 * time.Second):
		t.Fatal("hub did not receive status")
	}
}

func TestMQTTCommandDelivery(t *testing.T) {
	log := log2.NewTest(t, log2.LDebug)
	url := launchBroker(t)

	const agentID = "it-2"
	hub := hubClient(t, url, "hub-test-2")
	hubSession := bcp.NewSession()
	kexAgentCh := make(chan []byte, 8)
	token := hub.Subscribe("tio/agents/"+agentID+"/keyexchange/agent", 1, func(_ mqtt.Client, msg mqtt.Message) {
		kexAgentCh <- msg.Payload()
	})
	require.True(t, token.WaitTimeout(5*time.Second))
	require.NoError(t, token.Error())

	sink := &frameSink{session: bcp.NewSession()}
	tr := transport.NewMQTT()
	require.NoError(t, tr.Init(context.Background(), log, transport.Options{
		AgentID:           agentID,
		BrokerURL:         url,
		NetworkTimeoutSec: 5,
	}, sink.onFrame))
	defer tr.Close()

	kex, err := sink.session.BeginHandshake()
	require.NoError(t, err)
	require.True(t, tr.SendFrame(bcp.TypeKeyExchange, kex))
	require.NoError(t, hubSession.CompleteHandshake(<-kexAgentCh))
	hubKex, err := hubSession.BeginHandshake()
	require.NoError(t, err)
	hub.Publish("tio/agents/"+agentID+"/keyexchange/hub", 1, true, hubKex)

	deadline := time.Now().Add(10 * time.Second)
	for !sink.session.Keyed() && time.Now().Before(deadline) {
		time.Sleep(20 * time.Millisecond)
	}
	require.True(t, sink.session.Keyed())

	cmd, err := hubSession.Encode(&bcp.Command{Code: bcp.CommandGetStatus, ID: 99})
	require.NoError(t, err)
	hub.Publish("tio/agents/"+agentID+"/commands", 1, false, cmd)

	deadline = time.Now().Add(10 * time.Second)
	for time.Now().Before(deadline) {
		if msgs := sink.messages(); len(msgs) > 0 {
			got := msgs[0].(*bcp.Command)
			assert.Equal(t, bcp.CommandGetStatus, got.Code)
			assert.EqualValues(t, 99, got.ID)
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatal("agent did not receive command")
}

func TestMQTTInitInvalid(t *testing.T) {
	sink := &frameSink{session: bcp.NewSession()}
	log := log2.NewTest(t, log2.LDebug)
	err := transport.NewMQTT().Init(context.Background(), log, transport.Options{BrokerURL: "tcp://x:1"}, sink.onFrame)
	require.Error(t, err)
	err = transport.NewMQTT().Init(context.Background(), log, transport.Options{AgentID: "a"}, sink.onFrame)
	require.Error(t, err)
}
