package bcp_test

import (
	"testing"

	"github.com/berryconnect/berrylink/bcp"
	"github.com/juju/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPayloadRoundTrip(t *testing.T) {
	t.Parallel()
	cases := []struct {
		name string
		m    bcp.Message
	}{
		{"telemetry", &bcp.Telemetry{CPUPercent: 45.2, RAMPercent: 62.8, Temp: 52.31, HasTemp: true, Battery: 85, HasBattery: true, Uptime: 86400, Timestamp: 1700000000}},
		{"telemetry-absent", &bcp.Telemetry{CPUPercent: 1.5, RAMPercent: 99.99, Uptime: 1, Timestamp: 1700000001}},
		{"alert", &bcp.Alert{Code: bcp.AlertMotion, Timestamp: 1700000002, Text: "front door"}},
		{"alert-empty", &bcp.Alert{Code: bcp.AlertSystem, Timestamp: 1700000003}},
		{"command", &bcp.Command{Code: bcp.CommandPing, ID: 0xdeadbeef}},
		{"response", &bcp.Response{ID: 7, Status: bcp.StatusOk, Data: []byte{0x01, 0x02}}},
		{"response-nodata", &bcp.Response{ID: 8, Status: bcp.StatusNotSupported}},
		{"heartbeat", &bcp.Heartbeat{Timestamp: 1700000004, Status: 0x01}},
	}
	for _, c := range cases {
		c := c
		t.Run(c.name, func(t *testing.T) {
			t.Parallel()
			b := bcp.MarshalPayload(c.m)
			back, err := bcp.UnmarshalPayload(c.m.Type(), b)
			require.NoError(t, err)
			assert.Equal(t, c.m, back)
		})
	}
}

func TestTelemetryFixedPoint(t *testing.T) {
	t.Parallel()
	m := &bcp.Telemetry{CPUPercent: 45.2, RAMPercent: 62.8, Temp: 52.3, HasTemp: true, Timestamp: 1}
	b := bcp.MarshalPayload(m)
	require.Len(t, b, 18)
	back, err := bcp.UnmarshalPayload(bcp.TypeTelemetry, b)
	require.NoError(t, err)
	tm := back.(*bcp.Telemetry)
	assert.InDelta(t, 45.2, tm.CPUPercent, 0.01)
	assert.InDelta(t, 62.8, tm.RAMPercent, 0.01)
	assert.InDelta(t, 52.3, tm.Temp, 0.01)
	assert.False(t, tm.HasBattery)
}

func TestAlertTextTruncate(t *testing.T) {
	t.Parallel()
	m := &bcp.Alert{Code: bcp.AlertCustom, Timestamp: 5, Text: "motion detected in hallway"}
	b := bcp.MarshalPayload(m)
	require.Len(t, b, 5+11)
	back, err := bcp.UnmarshalPayload(bcp.TypeAlert, b)
	require.NoError(t, err)
	assert.Equal(t, "motion dete", back.(*bcp.Alert).Text)
}

func TestAlertTextSplitRune(t *testing.T) {
	t.Parallel()
	// 11 byte cut lands inside the multibyte rune, decode drops the tail
	m := &bcp.Alert{Code: bcp.AlertDoor, Timestamp: 5, Text: "0123456789é"}
	back, err := bcp.UnmarshalPayload(bcp.TypeAlert, bcp.MarshalPayload(m))
	require.NoError(t, err)
	assert.Equal(t, "0123456789", back.(*bcp.Alert).Text)
}

func TestPayloadErrors(t *testing.T) {
	t.Parallel()
	cases := []struct {
		name   string
		t      bcp.MessageType
		b      []byte
		expect error
	}{
		{"telemetry-short", bcp.TypeTelemetry, make([]byte, 17), bcp.ErrPayloadShort},
		{"alert-short", bcp.TypeAlert, []byte{0x01, 0, 0, 0}, bcp.ErrPayloadShort},
		{"alert-badcode", bcp.TypeAlert, []byte{0x77, 0, 0, 0, 0}, bcp.ErrCodeUnknown},
		{"command-short", bcp.TypeCommand, []byte{0x01}, bcp.ErrPayloadShort},
		{"command-badcode", bcp.TypeCommand, []byte{0x44, 0, 0, 0, 1}, bcp.ErrCodeUnknown},
		{"response-short", bcp.TypeResponse, []byte{0, 0, 0, 1}, bcp.ErrPayloadShort},
		{"response-badstatus", bcp.TypeResponse, []byte{0, 0, 0, 1, 0x09}, bcp.ErrCodeUnknown},
		{"heartbeat-short", bcp.TypeHeartbeat, []byte{0, 0, 0, 1}, bcp.ErrPayloadShort},
		{"unknown-type", bcp.MessageType(0x42), []byte{0, 0, 0, 0, 0}, bcp.ErrMessageType},
	}
	for _, c := range cases {
		c := c
		t.Run(c.name, func(t *testing.T) {
			t.Parallel()
			m, err := bcp.UnmarshalPayload(c.t, c.b)
			require.Error(t, err)
			assert.Nil(t, m)
			assert.Equal(t, c.expect, errors.Cause(err))
		})
	}
}
