// Package bcp implements the BerryConnect Protocol v1: a compact binary
// frame format for satellite-to-hub telemetry with AES-128-GCM payload
// encryption over an ephemeral ECDH key exchange.
//
// Frame layouts, big-endian:
//
//	KeyExchange: [version:1][type=0x06:1][seq:1][flags=0x00:1][pubkey:65]
//	Encrypted:   [version:1][type:1][seq:1][flags:1][nonce:12][ciphertext+tag:N]
//
// The first 4 header bytes double as AEAD associated data, so header
// tampering invalidates the authentication tag.
package bcp

import "fmt"

const Version = byte(0x01)

const (
	HeaderSize    = 4
	NonceSize     = 12
	TagSize       = 16
	PublicKeySize = 65 // uncompressed P-256 point

	KeyExchangeFrameSize = HeaderSize + PublicKeySize
	MinEncryptedSize     = HeaderSize + NonceSize
)

// flags bit 2 marks an encrypted payload; key exchange frames carry 0x00.
const FlagEncrypted = byte(0x04)

var (
	ErrFrameShort        = fmt.Errorf("frame too short")
	ErrPayloadShort      = fmt.Errorf("payload too short")
	ErrVersion           = fmt.Errorf("unsupported protocol version")
	ErrMessageType       = fmt.Errorf("unknown message type")
	ErrCodeUnknown       = fmt.Errorf("unrecognized code")
	ErrKeyNotEstablished = fmt.Errorf("encryption key not established")
	ErrAuthFailed        = fmt.Errorf("authentication failed: invalid or tampered message")
	ErrHandshakeData     = fmt.Errorf("invalid key exchange data")
)

type MessageType byte

const (
	TypeTelemetry   MessageType = 0x01
	TypeAlert       MessageType = 0x02
	TypeCommand     MessageType = 0x03
	TypeResponse    MessageType = 0x04
	TypeHeartbeat   MessageType = 0x05
	TypeKeyExchange MessageType = 0x06
)

func (t MessageType) valid() bool { return t >= TypeTelemetry && t <= TypeKeyExchange }

func (t MessageType) String() string {
	switch t {
	case TypeTelemetry:
		return "telemetry"
	case TypeAlert:
		return "alert"
	case TypeCommand:
		return "command"
	case TypeResponse:
		return "response"
	case TypeHeartbeat:
		return "heartbeat"
	case TypeKeyExchange:
		return "key_exchange"
	}
	return fmt.Sprintf("invalid:%02x", byte(t))
}

type AlertCode byte

const (
	AlertMotion   AlertCode = 0x01
	AlertDoor     AlertCode = 0x02
	AlertSmoke    AlertCode = 0x03
	AlertIntruder AlertCode = 0x04
	AlertCamera   AlertCode = 0x05
	AlertCustom   AlertCode = 0xFE
	AlertSystem   AlertCode = 0xFF
)

func (c AlertCode) valid() bool {
	return (c >= AlertMotion && c <= AlertCamera) || c == AlertCustom || c == AlertSystem
}

type CommandCode byte

const (
	CommandPing         CommandCode = 0x01
	CommandGetStatus    CommandCode = 0x02
	CommandGetTelemetry CommandCode = 0x03
)

func (c CommandCode) valid() bool { return c >= CommandPing && c <= CommandGetTelemetry }

type StatusCode byte

const (
	StatusOk           StatusCode = 0x00
	StatusError        StatusCode = 0x01
	StatusNotSupported StatusCode = 0x02
)

func (c StatusCode) valid() bool { return c <= StatusNotSupported }

// Message is the closed set of BCP payload variants. Decoding dispatches on
// the header type tag, so adding a variant requires a new wire code.
type Message interface {
	Type() MessageType
}

// Telemetry carries system vitals. Percent values use x100 fixed point on
// the wire; Temp and Battery are optional, absent is 0xFFFF on the wire.
type Telemetry struct {
	CPUPercent float64
	RAMPercent float64
	Temp       float64 // valid only when HasTemp
	HasTemp    bool
	Battery    uint32 // valid only when HasBattery
	HasBattery bool
	Uptime     uint32 // seconds since boot
	Timestamp  uint32 // unix seconds, 0 = stamp at encode
}

func (*Telemetry) Type() MessageType { return TypeTelemetry }

// Alert text is truncated to 11 bytes of UTF-8 on the wire.
type Alert struct {
	Code      AlertCode
	Timestamp uint32 // unix seconds, 0 = stamp at encode
	Text      string
}

func (*Alert) Type() MessageType { return TypeAlert }

type Command struct {
	Code CommandCode
	ID   uint32
}

func (*Command) Type() MessageType { return TypeCommand }

type Response struct {
	ID     uint32
	Status StatusCode
	Data   []byte // opaque, variable length
}

func (*Response) Type() MessageType { return TypeResponse }

type Heartbeat struct {
	Timestamp uint32 // unix seconds, 0 = stamp at encode
	Status    byte
}

func (*Heartbeat) Type() MessageType { return TypeHeartbeat }

// KeyExchange appears only on decode; outbound key exchange frames are
// built by Session.BeginHandshake.
type KeyExchange struct {
	Seq       byte
	PublicKey []byte // 65 bytes, uncompressed point
}

func (*KeyExchange) Type() MessageType { return TypeKeyExchange }
