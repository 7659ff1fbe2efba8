// Package transport carries encoded BCP frames between a satellite agent and
// the hub. Two adapters implement the same surface: MQTT over the local
// broker and a GATT link through a pluggable radio stack.
package transport

import (
	"context"
	"time"

	"github.com/berryconnect/berrylink/bcp"
	"github.com/berryconnect/berrylink/log2"
)

const defaultNetworkTimeout = 30 * time.Second

// Transport contract:
// - Init fails only with invalid options, network errors are ignored
// - SendFrame delivers within the network timeout or returns false;
//   the caller owns retries
// - incoming frames (commands, hub key exchange) arrive via OnFrame
// - application may start without network available
// - assume worst link quality: loss, reorder, duplicates, corruption
type Transporter interface {
	Init(ctx context.Context, log *log2.Log, opt Options, onFrame FrameCallback) error
	SendFrame(mt bcp.MessageType, frame []byte) bool
	Close()
}

// OnFrame gets the raw frame; the type byte is inside. Return value reports
// whether the frame was consumed, failures are only logged.
type FrameCallback func(frame []byte) bool

type Options struct {
	AgentID           string
	BrokerURL         string // tcp://host:port
	KeepaliveSec      int
	PingTimeoutSec    int
	NetworkTimeoutSec int
	StorePath         string // paho message store; empty = in-memory
	Radio             Radio
}
