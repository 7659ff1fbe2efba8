package bcp

// Pure payload codec: typed message <-> exact byte layout. No crypto, no IO.

import (
	"encoding/binary"
	"fmt"
	"strings"
	"time"

	"github.com/juju/errors"
)

const (
	telemetrySize = 18 // u16 cpu + u16 ram + u16 temp + u32 battery + u32 uptime + u32 time
	alertMinSize  = 5  // u8 code + u32 time, then 0..11 bytes of text
	alertTextMax  = 11
	commandSize   = 5 // u8 code + u32 id
	responseMin   = 5 // u32 id + u8 status, then opaque data
	heartbeatSize = 5 // u32 time + u8 status
)

// absent optional field marker; note battery uses the same value in a
// 4-byte field, matching peer firmware.
const fieldAbsent = 0xFFFF

// MarshalPayload never fails on a valid typed message; message structs keep
// no invalid states, so failure here is a code error.
func MarshalPayload(m Message) []byte {
	switch x := m.(type) {
	case *Telemetry:
		return marshalTelemetry(x)
	case *Alert:
		return marshalAlert(x)
	case *Command:
		return marshalCommand(x)
	case *Response:
		return marshalResponse(x)
	case *Heartbeat:
		return marshalHeartbeat(x)
	case *KeyExchange:
		panic("code error key exchange carries no encrypted payload")
	default:
		panic(fmt.Sprintf("code error MarshalPayload unknown message %T", m))
	}
}

func UnmarshalPayload(t MessageType, b []byte) (Message, error) {
	switch t {
	case TypeTelemetry:
		return unmarshalTelemetry(b)
	case TypeAlert:
		return unmarshalAlert(b)
	case TypeCommand:
		return unmarshalCommand(b)
	case TypeResponse:
		return unmarshalResponse(b)
	case TypeHeartbeat:
		return unmarshalHeartbeat(b)
	default:
		return nil, errors.Annotatef(ErrMessageType, "type=%02x", byte(t))
	}
}

func marshalTelemetry(m *Telemetry) []byte {
	b := make([]byte, telemetrySize)
	binary.BigEndian.PutUint16(b[0:], uint16(m.CPUPercent*100))
	binary.BigEndian.PutUint16(b[2:], uint16(m.RAMPercent*100))
	temp := uint16(fieldAbsent)
	if m.HasTemp {
		temp = uint16(m.Temp * 100)
	}
	binary.BigEndian.PutUint16(b[4:], temp)
	battery := uint32(fieldAbsent)
	if m.HasBattery {
		battery = m.Battery
	}
	binary.BigEndian.PutUint32(b[6:], battery)
	binary.BigEndian.PutUint32(b[10:], m.Uptime)
	binary.BigEndian.PutUint32(b[14:], timestamp(m.Timestamp))
	return b
}

func unmarshalTelemetry(b []byte) (Message, error) {
	if len(b) < telemetrySize {
		return nil, errors.Annotatef(ErrPayloadShort, "telemetry len=%d", len(b))
	}
	m := &Telemetry{
		CPUPercent: float64(binary.BigEndian.Uint16(b[0:])) / 100,
		RAMPercent: float64(binary.BigEndian.Uint16(b[2:])) / 100,
		Uptime:     binary.BigEndian.Uint32(b[10:]),
		Timestamp:  binary.BigEndian.Uint32(b[14:]),
	}
	if temp := binary.BigEndian.Uint16(b[4:]); temp != fieldAbsent {
		m.Temp = float64(temp) / 100
		m.HasTemp = true
	}
	if battery := binary.BigEndian.Uint32(b[6:]); battery != fieldAbsent {
		m.Battery = battery
		m.HasBattery = true
	}
	return m, nil
}

func marshalAlert(m *Alert) []byte {
	text := m.Text
	if len(text) > alertTextMax {
		text = text[:alertTextMax]
	}
	b := make([]byte, alertMinSize, alertMinSize+alertTextMax)
	b[0] = byte(m.Code)
	binary.BigEndian.PutUint32(b[1:], timestamp(m.Timestamp))
	return append(b, text...)
}

func unmarshalAlert(b []byte) (Message, error) {
	if len(b) < alertMinSize {
		return nil, errors.Annotatef(ErrPayloadShort, "alert len=%d", len(b))
	}
	code := AlertCode(b[0])
	if !code.valid() {
		return nil, errors.Annotatef(ErrCodeUnknown, "alert code=%02x", b[0])
	}
	return &Alert{
		Code:      code,
		Timestamp: binary.BigEndian.Uint32(b[1:]),
		// best effort text: truncation may split a rune, invalid bytes are dropped
		Text: strings.ToValidUTF8(string(b[alertMinSize:]), ""),
	}, nil
}

func marshalCommand(m *Command) []byte {
	b := make([]byte, commandSize)
	b[0] = byte(m.Code)
	binary.BigEndian.PutUint32(b[1:], m.ID)
	return b
}

func unmarshalCommand(b []byte) (Message, error) {
	if len(b) < commandSize {
		return nil, errors.Annotatef(ErrPayloadShort, "command len=%d", len(b))
	}
	code := CommandCode(b[0])
	if !code.valid() {
		return nil, errors.Annotatef(ErrCodeUnknown, "command code=%02x", b[0])
	}
	return &Command{Code: code, ID: binary.BigEndian.Uint32(b[1:])}, nil
}

func marshalResponse(m *Response) []byte {
	b := make([]byte, responseMin, responseMin+len(m.Data))
	binary.BigEndian.PutUint32(b[0:], m.ID)
	b[4] = byte(m.Status)
	return append(b, m.Data...)
}

func unmarshalResponse(b []byte) (Message, error) {
	if len(b) < responseMin {
		return nil, errors.Annotatef(ErrPayloadShort, "response len=%d", len(b))
	}
	status := StatusCode(b[4])
	if !status.valid() {
		return nil, errors.Annotatef(ErrCodeUnknown, "status code=%02x", b[4])
	}
	m := &Response{ID: binary.BigEndian.Uint32(b[0:]), Status: status}
	if rest := b[responseMin:]; len(rest) > 0 {
		m.Data = append([]byte(nil), rest...)
	}
	return m, nil
}

func marshalHeartbeat(m *Heartbeat) []byte {
	b := make([]byte, heartbeatSize)
	binary.BigEndian.PutUint32(b[0:], timestamp(m.Timestamp))
	b[4] = m.Status
	return b
}

func unmarshalHeartbeat(b []byte) (Message, error) {
	if len(b) < heartbeatSize {
		return nil, errors.Annotatef(ErrPayloadShort, "heartbeat len=%d", len(b))
	}
	return &Heartbeat{Timestamp: binary.BigEndian.Uint32(b[0:]), Status: b[4]}, nil
}

func timestamp(explicit uint32) uint32 {
	if explicit != 0 {
		return explicit
	}
	return uint32(time.Now().Unix())
}
