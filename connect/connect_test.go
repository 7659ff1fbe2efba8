package connect_test

import (
	"context"
	"net"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/berryconnect/berrylink/connect"
	"github.com/berryconnect/berrylink/log2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// listenTCP returns a live listener on loopback and its port.
func listenTCP(t testing.TB) (net.Listener, int) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { _ = ln.Close() })
	_, portstr, err := net.SplitHostPort(ln.Addr().String())
	require.NoError(t, err)
	port, err := strconv.Atoi(portstr)
	require.NoError(t, err)
	return ln, port
}

// closedPort returns a loopback port with nothing listening on it.
func closedPort(t testing.TB) int {
	ln, port := listenTCP(t)
	require.NoError(t, ln.Close())
	return port
}

func scanYes(context.Context, string) (bool, error) { return true, nil }
func scanNo(context.Context, string) (bool, error)  { return false, nil }

func TestEvaluatePriority(t *testing.T) {
	t.Parallel()
	log := log2.NewTest(t, log2.LDebug)
	_, openPort := listenTCP(t)
	deadPort := closedPort(t)

	cases := []struct {
		name   string
		host   string
		port   int
		scan   connect.ScanFunc
		expect connect.Mode
	}{
		{"broker-wins", "127.0.0.1", openPort, scanYes, connect.ModeMQTT},
		{"fallback-radio", "127.0.0.1", deadPort, scanYes, connect.ModeBLE},
		{"all-dark", "127.0.0.1", deadPort, scanNo, connect.ModeOffline},
		{"auto-broker", connect.BrokerAuto, 1883, scanNo, connect.ModeOffline},
		{"auto-broker-radio", connect.BrokerAuto, 1883, scanYes, connect.ModeBLE},
		{"no-scanner", "127.0.0.1", deadPort, nil, connect.ModeOffline},
	}
	for _, c := range cases {
		c := c
		t.Run(c.name, func(t *testing.T) {
			t.Parallel()
			m := connect.NewManager(connect.Options{
				BrokerHost:   c.host,
				BrokerPort:   c.port,
				RadioName:    "WatermelonD",
				ProbeTimeout: 500 * time.Millisecond,
				Scan:         c.scan,
				Log:          log,
			})
			assert.Equal(t, c.expect, m.Evaluate())
		})
	}
}

func TestCheckRadioScanError(t *testing.T) {
	t.Parallel()
	m := connect.NewManager(connect.Options{
		Scan: func(context.Context, string) (bool, error) {
			return true, context.DeadlineExceeded
		},
		Log: log2.NewTest(t, log2.LDebug),
	})
	assert.False(t, m.CheckRadio())
}

// recorder collects mode transitions from the monitor goroutine.
type recorder struct {
	mu sync.Mutex
	ts []string
}

func (r *recorder) onChange(old, next connect.Mode) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.ts = append(r.ts, old.String()+">"+next.String())
}

func (r *recorder) transitions() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.ts...)
}

func TestMonitorNotifiesOncePerTransition(t *testing.T) {
	t.Parallel()
	ln, port := listenTCP(t)

	rec := &recorder{}
	m := connect.NewManager(connect.Options{
		BrokerHost:    "127.0.0.1",
		BrokerPort:    port,
		CheckInterval: 20 * time.Millisecond,
		ProbeTimeout:  200 * time.Millisecond,
		Scan:          scanNo,
		Log:           log2.NewTest(t, log2.LDebug),
	})
	m.Start(rec.onChange)
	defer m.Stop()

	// offline -> mqtt on first tick, then stable: no duplicate notifications
	waitMode(t, m, connect.ModeMQTT)
	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, []string{"offline>mqtt"}, rec.transitions())

	// broker dies -> mqtt>offline exactly once
	require.NoError(t, ln.Close())
	waitMode(t, m, connect.ModeOffline)
	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, []string{"offline>mqtt", "mqtt>offline"}, rec.transitions())
}

func TestStartTwiceIgnored(t *testing.T) {
	t.Parallel()
	rec := &recorder{}
	m := connect.NewManager(connect.Options{
		BrokerHost:    connect.BrokerAuto,
		CheckInterval: 10 * time.Millisecond,
		Log:           log2.NewTest(t, log2.LDebug),
	})
	m.Start(rec.onChange)
	m.Start(rec.onChange) // must not spawn a second monitor
	defer m.Stop()
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, connect.ModeOffline, m.Current())
}

func TestStopUnstarted(t *testing.T) {
	t.Parallel()
	m := connect.NewManager(connect.Options{Log: log2.NewTest(t, log2.LDebug)})
	m.Stop() // must not hang or panic
}

func TestForceMode(t *testing.T) {
	t.Parallel()
	rec := &recorder{}
	m := connect.NewManager(connect.Options{
		BrokerHost:    connect.BrokerAuto,
		CheckInterval: 10 * time.Millisecond,
		Log:           log2.NewTest(t, log2.LDebug),
	})
	m.Start(rec.onChange)
	m.ForceMode(connect.ModeBLE)
	assert.Equal(t, connect.ModeBLE, m.Current())
	// monitoring was stopped by the override, mode stays pinned
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, connect.ModeBLE, m.Current())
	assert.Contains(t, rec.transitions(), "offline>ble")

	// forcing the same mode again does not notify
	before := len(rec.transitions())
	m.ForceMode(connect.ModeBLE)
	assert.Len(t, rec.transitions(), before)
}

func TestHandlerPanicDoesNotKillMonitor(t *testing.T) {
	t.Parallel()
	ln, port := listenTCP(t)
	m := connect.NewManager(connect.Options{
		BrokerHost:    "127.0.0.1",
		BrokerPort:    port,
		CheckInterval: 20 * time.Millisecond,
		ProbeTimeout:  200 * time.Millisecond,
		Log:           log2.NewTest(t, log2.LDebug),
	})
	m.Start(func(old, next connect.Mode) { panic("boom") })
	defer m.Stop()

	waitMode(t, m, connect.ModeMQTT)
	require.NoError(t, ln.Close())
	// monitor survived the panic and keeps evaluating
	waitMode(t, m, connect.ModeOffline)
}

func waitMode(t testing.TB, m *connect.Manager, want connect.Mode) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if m.Current() == want {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("mode did not reach %s, current=%s", want, m.Current())
}
