package transport

import (
	"context"

	"github.com/berryconnect/berrylink/bcp"
	"github.com/berryconnect/berrylink/log2"
	"github.com/juju/errors"
)

// GATT channel layout of the hub service. One characteristic per message
// direction, metadata is a plain read.
const (
	ServiceUUID     = "6ba1b001-90a1-11ec-b909-0242ac120002"
	TelemetryUUID   = "6ba1b002-90a1-11ec-b909-0242ac120002"
	AlertsUUID      = "6ba1b003-90a1-11ec-b909-0242ac120002"
	CommandsUUID    = "6ba1b004-90a1-11ec-b909-0242ac120002"
	ResponsesUUID   = "6ba1b005-90a1-11ec-b909-0242ac120002"
	MetadataUUID    = "6ba1b006-90a1-11ec-b909-0242ac120002"
	KeyExchangeUUID = "6ba1b007-90a1-11ec-b909-0242ac120002"
)

// Radio is the minimal GATT client surface the link needs. BLE stacks are
// platform-specific, callers plug in a real one; tests use MockRadio.
type Radio interface {
	Write(uuid string, frame []byte) error
	Read(uuid string) ([]byte, error)
	SubscribeNotify(uuid string, handler func(frame []byte)) error
	Close() error
}

// ChannelFor maps an outgoing message type to its characteristic.
// Heartbeats ride the telemetry channel.
func ChannelFor(mt bcp.MessageType) (string, bool) {
	switch mt {
	case bcp.TypeTelemetry, bcp.TypeHeartbeat:
		return TelemetryUUID, true
	case bcp.TypeAlert:
		return AlertsUUID, true
	case bcp.TypeResponse:
		return ResponsesUUID, true
	case bcp.TypeKeyExchange:
		return KeyExchangeUUID, true
	}
	return "", false
}

// transportRadio adapts a Radio to the Transporter surface. GATT key
// exchange is synchronous: write our frame, read the hub's back. The read
// result goes through onFrame like the MQTT path so the session driver sees
// one shape of handshake.
type transportRadio struct {
	log     *log2.Log
	radio   Radio
	onFrame func([]byte) bool
}

func NewRadio(r Radio) Transporter { return &transportRadio{radio: r} }

func (t *transportRadio) Init(ctx context.Context, log *log2.Log, opt Options, onFrame FrameCallback) error {
	if t.radio == nil {
		t.radio = opt.Radio
	}
	if t.radio == nil {
		return errors.Errorf("radio transport: no radio")
	}
	t.log = log
	t.onFrame = func(frame []byte) bool { return onFrame(frame) }

	if err := t.radio.SubscribeNotify(CommandsUUID, func(frame []byte) {
		t.log.Debugf("radio income frame=%x", frame)
		t.onFrame(frame)
	}); err != nil {
		return errors.Annotate(err, "radio transport subscribe")
	}

	if meta, err := t.radio.Read(MetadataUUID); err != nil {
		t.log.Infof("radio metadata unavailable err=%v", err)
	} else {
		t.log.Infof("radio hub metadata=%s", meta)
	}
	return nil
}

func (t *transportRadio) Close() {
	if err := t.radio.Close(); err != nil {
		t.log.Infof("radio close err=%v", err)
	}
}

func (t *transportRadio) SendFrame(mt bcp.MessageType, frame []byte) bool {
	uuid, ok := ChannelFor(mt)
	if !ok {
		t.log.Errorf("radio agent does not send type=%s", mt)
		return false
	}
	if err := t.radio.Write(uuid, frame); err != nil {
		t.log.Debugf("radio write uuid=%s err=%v", uuid, err)
		return false
	}
	if mt != bcp.TypeKeyExchange {
		return true
	}
	// hub's half of the handshake
	hubKex, err := t.radio.Read(KeyExchangeUUID)
	if err != nil {
		t.log.Debugf("radio kex read err=%v", err)
		return false
	}
	return t.onFrame(hubKex)
}
