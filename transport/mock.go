package transport

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/berryconnect/berrylink/bcp"
	"github.com/berryconnect/berrylink/log2"
	"github.com/juju/errors"
)

type MockSent struct {
	Type  bcp.MessageType
	Frame []byte
}

// Mock records sent frames and feeds incoming ones, for agent tests.
type Mock struct {
	t              testing.TB
	Out            chan MockSent
	networkTimeout time.Duration
	onFrame        func([]byte) bool
	broken         int32
}

func NewMock(t testing.TB, buffer int) *Mock {
	return &Mock{
		t:              t,
		Out:            make(chan MockSent, buffer),
		networkTimeout: 1 * time.Second,
	}
}

func (m *Mock) Init(ctx context.Context, log *log2.Log, opt Options, onFrame FrameCallback) error {
	m.onFrame = func(frame []byte) bool {
		m.t.Logf("mock income frame=%x", frame)
		return onFrame(frame)
	}
	return nil
}

func (m *Mock) Close() {}

func (m *Mock) SendFrame(mt bcp.MessageType, frame []byte) bool {
	if atomic.LoadInt32(&m.broken) != 0 {
		m.t.Logf("mock network is broken")
		return false
	}
	select {
	case m.Out <- MockSent{Type: mt, Frame: frame}:
		m.t.Logf("mock delivered type=%s frame=%x", mt, frame)
		return true
	case <-time.After(m.networkTimeout):
		m.t.Logf("mock network timeout")
		return false
	}
}

// SetBroken toggles simulated link loss.
func (m *Mock) SetBroken(b bool) {
	if b {
		atomic.StoreInt32(&m.broken, 1)
	} else {
		atomic.StoreInt32(&m.broken, 0)
	}
}

// FeedFrame injects a frame as if the hub sent it.
func (m *Mock) FeedFrame(frame []byte) bool { return m.onFrame(frame) }

// MockRadio emulates the hub end of the GATT service: it runs its own
// session, answers the key exchange characteristic and decodes whatever the
// agent writes.
type MockRadio struct {
	t          testing.TB
	mu         sync.Mutex
	hub        *bcp.Session
	pendingKex []byte
	received   []bcp.Message
	notify     map[string]func([]byte)
	closed     bool
}

func NewMockRadio(t testing.TB) *MockRadio {
	return &MockRadio{
		t:      t,
		hub:    bcp.NewSession(),
		notify: make(map[string]func([]byte)),
	}
}

func (r *MockRadio) Write(uuid string, frame []byte) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return errors.Errorf("mock radio closed")
	}
	switch uuid {
	case KeyExchangeUUID:
		if err := r.hub.CompleteHandshake(frame); err != nil {
			return errors.Annotate(err, "mock hub kex")
		}
		kex, err := r.hub.BeginHandshake()
		if err != nil {
			return errors.Annotate(err, "mock hub kex reply")
		}
		r.pendingKex = kex
		return nil
	case TelemetryUUID, AlertsUUID, ResponsesUUID:
		m, err := r.hub.Decode(frame)
		if err != nil {
			return errors.Annotatef(err, "mock hub decode uuid=%s", uuid)
		}
		r.received = append(r.received, m)
		return nil
	}
	return errors.Errorf("mock radio write unknown uuid=%s", uuid)
}

func (r *MockRadio) Read(uuid string) ([]byte, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	switch uuid {
	case KeyExchangeUUID:
		if r.pendingKex == nil {
			return nil, errors.Errorf("mock radio kex not ready")
		}
		return r.pendingKex, nil
	case MetadataUUID:
		return []byte("WatermelonD/1"), nil
	}
	return nil, errors.Errorf("mock radio read unknown uuid=%s", uuid)
}

func (r *MockRadio) SubscribeNotify(uuid string, handler func(frame []byte)) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.notify[uuid] = handler
	return nil
}

func (r *MockRadio) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closed = true
	return nil
}

// PushCommand encrypts m with the hub session and notifies the agent.
func (r *MockRadio) PushCommand(m bcp.Message) error {
	r.mu.Lock()
	frame, err := r.hub.Encode(m)
	handler := r.notify[CommandsUUID]
	r.mu.Unlock()
	if err != nil {
		return err
	}
	if handler == nil {
		return errors.Errorf("mock radio no command subscriber")
	}
	handler(frame)
	return nil
}

func (r *MockRadio) HubKeyed() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.hub.Keyed()
}

// Received returns a snapshot of messages the hub decoded so far.
func (r *MockRadio) Received() []bcp.Message {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]bcp.Message(nil), r.received...)
}
