// Package connect decides which transport a satellite should use right now.
// It probes the MQTT broker and the radio hub on a fixed interval and fires
// a callback on every mode transition. Priority: MQTT > BLE > offline.
package connect

import (
	"context"
	"net"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/berryconnect/berrylink/log2"
	"github.com/temoto/alive/v2"
)

type Mode uint32

const (
	ModeOffline Mode = iota
	ModeMQTT
	ModeBLE
)

func (m Mode) String() string {
	switch m {
	case ModeOffline:
		return "offline"
	case ModeMQTT:
		return "mqtt"
	case ModeBLE:
		return "ble"
	}
	return "invalid"
}

// BrokerAuto marks a not-yet-discovered broker address. Discovery is an
// external concern; the probe treats it as unreachable.
const BrokerAuto = "AUTO"

const (
	DefaultCheckInterval = 30 * time.Second
	DefaultProbeTimeout  = 3 * time.Second
	DefaultScanTimeout   = 5 * time.Second

	stopTimeout = 5 * time.Second
)

// OnChange runs on the monitor goroutine, at most once per transition.
// Transport teardown/setup may happen inline but must stay short; a slow
// handler delays the next probe tick.
type OnChange func(old, next Mode)

// ScanFunc reports whether a radio hub advertising under name is in range.
// The radio stack is external; nil means no radio available.
type ScanFunc func(ctx context.Context, name string) (bool, error)

type Options struct {
	BrokerHost    string
	BrokerPort    int
	RadioName     string
	CheckInterval time.Duration
	ProbeTimeout  time.Duration
	ScanTimeout   time.Duration
	Scan          ScanFunc
	Log           *log2.Log
}

// Manager owns the current connection mode. The monitor goroutine is the
// only writer during monitoring; reads elsewhere are snapshots that may lag
// by up to one check interval.
type Manager struct {
	mu      sync.Mutex // guards alive and handler
	alive   *alive.Alive
	handler OnChange
	current uint32 // atomic Mode
	opt     Options
}

func NewManager(opt Options) *Manager {
	if opt.CheckInterval == 0 {
		opt.CheckInterval = DefaultCheckInterval
	}
	if opt.ProbeTimeout == 0 {
		opt.ProbeTimeout = DefaultProbeTimeout
	}
	if opt.ScanTimeout == 0 {
		opt.ScanTimeout = DefaultScanTimeout
	}
	return &Manager{opt: opt}
}

func (m *Manager) Current() Mode { return Mode(atomic.LoadUint32(&m.current)) }

// CheckBroker probes the broker with a bounded-timeout TCP connect.
// Failures are transient by design: not reachable now, retry next tick.
func (m *Manager) CheckBroker() bool {
	if m.opt.BrokerHost == BrokerAuto || m.opt.BrokerHost == "" {
		m.opt.Log.Debugf("connect: broker=AUTO skip probe")
		return false
	}
	addr := net.JoinHostPort(m.opt.BrokerHost, strconv.Itoa(m.opt.BrokerPort))
	conn, err := net.DialTimeout("tcp", addr, m.opt.ProbeTimeout)
	if err != nil {
		m.opt.Log.Debugf("connect: broker %s not reachable err=%v", addr, err)
		return false
	}
	_ = conn.Close()
	m.opt.Log.Debugf("connect: broker %s reachable", addr)
	return true
}

// CheckRadio asks the external scanner for an advertising hub.
func (m *Manager) CheckRadio() bool {
	if m.opt.Scan == nil {
		m.opt.Log.Debugf("connect: no radio scanner, radio unavailable")
		return false
	}
	ctx, cancel := context.WithTimeout(context.Background(), m.opt.ScanTimeout)
	defer cancel()
	found, err := m.opt.Scan(ctx, m.opt.RadioName)
	if err != nil {
		m.opt.Log.Errorf("connect: radio scan err=%v", err)
		return false
	}
	return found
}

// Evaluate returns the best reachable mode. The radio scan is skipped
// entirely when the broker already answered.
func (m *Manager) Evaluate() Mode {
	if m.CheckBroker() {
		return ModeMQTT
	}
	if m.CheckRadio() {
		return ModeBLE
	}
	return ModeOffline
}

// Start launches the monitor goroutine. Calling it again while running is a
// no-op with a warning.
func (m *Manager) Start(handler OnChange) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.alive != nil && m.alive.IsRunning() {
		m.opt.Log.Infof("connect: monitoring already started, ignored")
		return
	}
	m.handler = handler
	m.alive = alive.NewAlive()
	m.alive.Add(1)
	go m.loop(m.alive)
}

// Stop signals the monitor to exit and waits for it, bounded. Safe to call
// when never started.
func (m *Manager) Stop() {
	m.mu.Lock()
	a := m.alive
	m.mu.Unlock()
	if a == nil {
		return
	}
	a.Stop()
	select {
	case <-a.WaitChan():
	case <-time.After(stopTimeout):
		m.opt.Log.Errorf("connect: monitor did not stop within %v", stopTimeout)
	}
}

// ForceMode stops monitoring and pins the mode directly. Manual override
// and test hook.
func (m *Manager) ForceMode(mode Mode) {
	m.Stop()
	old := Mode(atomic.SwapUint32(&m.current, uint32(mode)))
	m.opt.Log.Infof("connect: force mode=%s", mode)
	if old != mode {
		m.notify(old, mode)
	}
}

func (m *Manager) loop(a *alive.Alive) {
	defer a.Done()
	m.opt.Log.Infof("connect: monitoring started interval=%v", m.opt.CheckInterval)
	stopch := a.StopChan()
	for {
		next := m.Evaluate()
		if old := Mode(atomic.SwapUint32(&m.current, uint32(next))); old != next {
			m.opt.Log.Infof("connect: mode change %s -> %s", old, next)
			m.notify(old, next)
		}
		select {
		case <-time.After(m.opt.CheckInterval):
		case <-stopch:
			m.opt.Log.Infof("connect: monitoring stopped")
			return
		}
	}
}

// handler failures must not kill the monitor
func (m *Manager) notify(old, next Mode) {
	m.mu.Lock()
	handler := m.handler
	m.mu.Unlock()
	if handler == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			m.opt.Log.Errorf("connect: mode change handler %s -> %s panic=%v", old, next, r)
		}
	}()
	handler(old, next)
}
