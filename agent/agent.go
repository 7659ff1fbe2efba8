// Package agent runs a BerryConnect satellite: it samples telemetry, keeps
// an encrypted session with the hub over whichever transport is reachable
// and executes hub commands.
package agent

import (
	"context"
	"fmt"
	"sync"
	"time"

	agent_config "github.com/berryconnect/berrylink/agent/config"
	"github.com/berryconnect/berrylink/bcp"
	"github.com/berryconnect/berrylink/connect"
	"github.com/berryconnect/berrylink/helpers"
	"github.com/berryconnect/berrylink/log2"
	"github.com/berryconnect/berrylink/transport"
	"github.com/juju/errors"
	"github.com/temoto/alive/v2"
	"github.com/temoto/spq"
)

const (
	defaultTelemetryInterval = 10 * time.Second
	kexRetryTimeout          = 10 * time.Second
)

// Agent contract:
// - Init fails only with invalid config or persistence errors
// - outgoing messages are queued to disk first, delivered in background
//   at least once; undelivered messages survive restart
// - network may be slow or absent, the agent starts anyway
type Agent struct { //nolint:maligned
	cfg    *agent_config.Config
	ctx    context.Context
	log    *log2.Log
	alive  *alive.Alive
	q      *spq.Queue
	source Source
	conn   *connect.Manager
	kexCh  chan struct{}

	mu        sync.Mutex
	session   *bcp.Session
	transport transport.Transporter

	// test code sets these before Init
	transportFactory func(connect.Mode) transport.Transporter
	scan             connect.ScanFunc
	radio            transport.Radio
}

func (a *Agent) Init(ctx context.Context, log *log2.Log, cfg *agent_config.Config, source Source) error {
	a.cfg = cfg
	a.ctx = ctx
	a.log = log.Clone(log2.LInfo)
	if cfg.Agent.LogDebug {
		a.log.SetLevel(log2.LDebug)
	}
	a.source = source
	a.alive = alive.NewAlive()
	a.kexCh = make(chan struct{}, 1)
	a.session = bcp.NewSession()

	if cfg.Persist.Root == "" {
		panic("code error must set config persist.root")
	}
	var err error
	a.q, err = spq.Open(cfg.Persist.Root)
	if err != nil {
		return errors.Annotate(err, "agent queue")
	}

	a.conn = connect.NewManager(connect.Options{
		BrokerHost:    cfg.Broker.Address,
		BrokerPort:    cfg.Broker.Port,
		RadioName:     cfg.Radio.Name,
		CheckInterval: helpers.IntSecondDefault(cfg.Connect.CheckIntervalSec, connect.DefaultCheckInterval),
		Scan:          a.scan,
		Log:           a.log,
	})

	a.alive.Add(2)
	go a.qworker()
	go a.telemetryWorker()
	if cfg.Agent.HeartbeatIntervalSec > 0 {
		a.alive.Add(1)
		go a.heartbeatWorker()
	}

	if err := a.SendAlert(bcp.AlertSystem, "agent start"); err != nil {
		return errors.Annotate(err, "agent start alert")
	}
	a.conn.Start(a.onModeChange)
	return nil
}

// Close stops monitoring and workers. The queue keeps whatever was not
// delivered for the next run.
func (a *Agent) Close() {
	_ = a.SendAlert(bcp.AlertSystem, "agent stop")
	a.conn.Stop()
	a.alive.Stop()
	a.q.Close()
	a.mu.Lock()
	tr := a.transport
	a.transport = nil
	a.mu.Unlock()
	if tr != nil {
		tr.Close()
	}
	a.alive.Wait()
}

func (a *Agent) Mode() connect.Mode { return a.conn.Current() }

// SendAlert queues an alert for delivery.
func (a *Agent) SendAlert(code bcp.AlertCode, text string) error {
	return a.qpush(&bcp.Alert{Code: code, Text: text})
}

// SendTelemetry queues a telemetry sample for delivery.
func (a *Agent) SendTelemetry(tm *bcp.Telemetry) error {
	return a.qpush(tm)
}

func (a *Agent) onModeChange(old, next connect.Mode) {
	a.log.Infof("agent mode %s -> %s", old, next)
	a.mu.Lock()
	prev := a.transport
	a.transport = nil
	// transport change means new peer, old key is useless
	a.session = bcp.NewSession()
	a.mu.Unlock()
	if prev != nil {
		prev.Close()
	}

	tr := a.newTransport(next)
	if tr == nil {
		return
	}
	if err := tr.Init(a.ctx, a.log, a.transportOptions(), a.onFrame); err != nil {
		a.log.Errorf("agent transport init mode=%s err=%v", next, err)
		return
	}
	a.mu.Lock()
	a.transport = tr
	a.mu.Unlock()
	if a.alive.Add(1) {
		go a.handshake(tr)
	}
}

func (a *Agent) newTransport(mode connect.Mode) transport.Transporter {
	if a.transportFactory != nil {
		return a.transportFactory(mode)
	}
	switch mode {
	case connect.ModeMQTT:
		return transport.NewMQTT()
	case connect.ModeBLE:
		if a.radio == nil {
			a.log.Errorf("agent ble mode without radio stack")
			return nil
		}
		return transport.NewRadio(a.radio)
	}
	return nil
}

func (a *Agent) transportOptions() transport.Options {
	return transport.Options{
		AgentID:           a.cfg.Agent.ID,
		BrokerURL:         fmt.Sprintf("tcp://%s:%d", a.cfg.Broker.Address, a.cfg.Broker.Port),
		KeepaliveSec:      a.cfg.Broker.KeepaliveSec,
		NetworkTimeoutSec: a.cfg.Broker.NetworkTimeoutSec,
		StorePath:         a.cfg.Broker.StorePath,
		Radio:             a.radio,
	}
}

// handshake keeps offering our public key until the hub answers or the
// transport is replaced.
func (a *Agent) handshake(tr transport.Transporter) {
	defer a.alive.Done()
	bo := helpers.Backoff{Min: 1 * time.Second, Max: 30 * time.Second, K: 2}
	stopch := a.alive.StopChan()
	for {
		a.mu.Lock()
		cur, s := a.transport, a.session
		a.mu.Unlock()
		if cur != tr || s.Keyed() {
			return
		}

		kex, err := s.BeginHandshake()
		if err != nil {
			a.log.Errorf("agent handshake begin err=%v", err)
			return
		}
		if !tr.SendFrame(bcp.TypeKeyExchange, kex) {
			a.log.Debugf("agent handshake send failed")
		}
		select {
		case <-a.kexCh:
			a.log.Infof("agent session established")
			return
		case <-time.After(kexRetryTimeout):
			bo.Failure()
		case <-stopch:
			return
		}
		if delay := bo.DelayBefore(); delay > 0 {
			select {
			case <-time.After(delay):
			case <-stopch:
				return
			}
		}
	}
}

// onFrame handles everything the hub sends: its half of the key exchange,
// then encrypted commands.
func (a *Agent) onFrame(frame []byte) bool {
	a.mu.Lock()
	s := a.session
	a.mu.Unlock()
	if s == nil {
		return false
	}
	if len(frame) >= bcp.HeaderSize && frame[1] == byte(bcp.TypeKeyExchange) {
		if err := s.CompleteHandshake(frame); err != nil {
			a.log.Errorf("agent hub key exchange err=%v", err)
			return false
		}
		select {
		case a.kexCh <- struct{}{}:
		default:
		}
		return true
	}

	m, err := s.Decode(frame)
	if err != nil {
		a.log.Errorf("agent decode frame=%x err=%v", frame, err)
		return false
	}
	switch msg := m.(type) {
	case *bcp.Command:
		a.log.Debugf("agent command code=%02x id=%d", byte(msg.Code), msg.ID)
		resp := a.execute(msg)
		if err := a.qpush(resp); err != nil {
			a.log.Errorf("agent response queue err=%v", err)
			return false
		}
		return true
	default:
		a.log.Infof("agent ignores incoming type=%s", m.Type())
		return false
	}
}

func (a *Agent) execute(cmd *bcp.Command) *bcp.Response {
	switch cmd.Code {
	case bcp.CommandPing:
		return &bcp.Response{ID: cmd.ID, Status: bcp.StatusOk, Data: []byte("pong")}

	case bcp.CommandGetStatus:
		data := fmt.Sprintf("mode=%s", a.conn.Current())
		return &bcp.Response{ID: cmd.ID, Status: bcp.StatusOk, Data: []byte(data)}

	case bcp.CommandGetTelemetry:
		tm, err := a.source.Sample()
		if err != nil {
			a.log.Errorf("agent sample err=%v", err)
			return &bcp.Response{ID: cmd.ID, Status: bcp.StatusError, Data: []byte(err.Error())}
		}
		if err := a.qpush(tm); err != nil {
			return &bcp.Response{ID: cmd.ID, Status: bcp.StatusError, Data: []byte(err.Error())}
		}
		return &bcp.Response{ID: cmd.ID, Status: bcp.StatusOk}
	}
	return &bcp.Response{ID: cmd.ID, Status: bcp.StatusNotSupported}
}

// queue entry is one tag byte (message type) then the plaintext payload;
// frames are encrypted at delivery time with whatever session is live.
func (a *Agent) qpush(m bcp.Message) error {
	payload := bcp.MarshalPayload(m)
	buf := make([]byte, 1+len(payload))
	buf[0] = byte(m.Type())
	copy(buf[1:], payload)
	return a.q.Push(buf)
}

func (a *Agent) qworker() {
	defer a.alive.Done()
	bo := helpers.Backoff{Min: 100 * time.Millisecond, Max: 30 * time.Second, K: 2}
	stopch := a.alive.StopChan()
	for {
		box, err := a.q.Peek()
		switch err {
		case nil:
			b := box.Bytes()
			del, err := a.qhandle(b)
			if err != nil {
				a.log.Errorf("agent qhandle b=%x err=%v", b, err)
			}
			if del {
				if err = a.q.Delete(box); err != nil {
					a.log.Errorf("agent queue delete b=%x err=%v", b, err)
				}
				bo.Reset()
			} else {
				if err = a.q.DeletePush(box); err != nil {
					a.log.Errorf("agent queue requeue b=%x err=%v", b, err)
				}
				bo.Failure()
				select {
				case <-time.After(bo.DelayBefore()):
				case <-stopch:
					return
				}
			}

		case spq.ErrClosed:
			select {
			case <-stopch: // success path
			default:
				a.log.Errorf("CRITICAL agent spq closed unexpectedly")
			}
			return

		default:
			a.log.Errorf("CRITICAL agent spq err=%v", err)
			select {
			case <-time.After(1 * time.Second):
			case <-stopch:
				return
			}
		}
	}
}

func (a *Agent) qhandle(b []byte) (bool, error) {
	if len(b) == 0 {
		a.log.Errorf("agent spq peek=empty")
		return true, nil
	}
	mt := bcp.MessageType(b[0])
	m, err := bcp.UnmarshalPayload(mt, b[1:])
	if err != nil {
		// poison entry, retry will not help
		return true, err
	}

	a.mu.Lock()
	s, tr := a.session, a.transport
	a.mu.Unlock()
	if tr == nil || !s.Keyed() {
		return false, nil
	}
	frame, err := s.Encode(m)
	if err != nil {
		return false, err
	}
	return tr.SendFrame(mt, frame), nil
}

func (a *Agent) telemetryWorker() {
	defer a.alive.Done()
	interval := helpers.IntSecondDefault(a.cfg.Agent.TelemetryIntervalSec, defaultTelemetryInterval)
	stopch := a.alive.StopChan()
	for {
		tm, err := a.source.Sample()
		if err != nil {
			a.log.Errorf("agent sample err=%v", err)
		} else if err = a.SendTelemetry(tm); err != nil {
			a.log.Errorf("agent telemetry queue err=%v", err)
		}
		select {
		case <-time.After(interval):
		case <-stopch:
			return
		}
	}
}

func (a *Agent) heartbeatWorker() {
	defer a.alive.Done()
	interval := time.Duration(a.cfg.Agent.HeartbeatIntervalSec) * time.Second
	stopch := a.alive.StopChan()
	for {
		select {
		case <-time.After(interval):
			if err := a.qpush(&bcp.Heartbeat{Status: 0x00}); err != nil {
				a.log.Errorf("agent heartbeat queue err=%v", err)
			}
		case <-stopch:
			return
		}
	}
}
