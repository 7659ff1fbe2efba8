package agent

import (
	"io/ioutil"
	"strconv"
	"strings"
	"sync"

	"github.com/berryconnect/berrylink/bcp"
	"github.com/juju/errors"
)

// Source samples the machine for one telemetry message.
type Source interface {
	Sample() (*bcp.Telemetry, error)
}

const (
	procStat    = "/proc/stat"
	procMeminfo = "/proc/meminfo"
	procUptime  = "/proc/uptime"
	thermalZone = "/sys/class/thermal/thermal_zone0/temp"
	batteryCap  = "/sys/class/power_supply/BAT0/capacity"
)

// SysSource reads Linux proc and sysfs. CPU load is the delta between two
// samples, the first call reports 0. Temperature and battery are optional,
// Pi-class boards usually lack a battery.
type SysSource struct {
	mu        sync.Mutex
	prevIdle  uint64
	prevTotal uint64
}

func NewSysSource() *SysSource { return &SysSource{} }

func (s *SysSource) Sample() (*bcp.Telemetry, error) {
	tm := &bcp.Telemetry{}

	cpu, err := s.cpuPercent()
	if err != nil {
		return nil, errors.Annotate(err, "sample cpu")
	}
	tm.CPUPercent = cpu

	ram, err := ramPercent()
	if err != nil {
		return nil, errors.Annotate(err, "sample ram")
	}
	tm.RAMPercent = ram

	up, err := uptimeSeconds()
	if err != nil {
		return nil, errors.Annotate(err, "sample uptime")
	}
	tm.Uptime = up

	if t, err := readMilliUnits(thermalZone); err == nil {
		tm.Temp = t
		tm.HasTemp = true
	}
	if b, err := readUintFile(batteryCap); err == nil {
		tm.Battery = uint32(b)
		tm.HasBattery = true
	}
	return tm, nil
}

func (s *SysSource) cpuPercent() (float64, error) {
	b, err := ioutil.ReadFile(procStat)
	if err != nil {
		return 0, err
	}
	line, _, _ := strings.Cut(string(b), "\n")
	fields := strings.Fields(line)
	if len(fields) < 5 || fields[0] != "cpu" {
		return 0, errors.Errorf("unexpected %s first line=%q", procStat, line)
	}
	var total, idle uint64
	for i, f := range fields[1:] {
		v, err := strconv.ParseUint(f, 10, 64)
		if err != nil {
			return 0, errors.Annotatef(err, "%s field=%q", procStat, f)
		}
		total += v
		if i == 3 { // idle column
			idle = v
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	dTotal := total - s.prevTotal
	dIdle := idle - s.prevIdle
	first := s.prevTotal == 0
	s.prevTotal, s.prevIdle = total, idle
	if first || dTotal == 0 {
		return 0, nil
	}
	return float64(dTotal-dIdle) / float64(dTotal) * 100, nil
}

func ramPercent() (float64, error) {
	b, err := ioutil.ReadFile(procMeminfo)
	if err != nil {
		return 0, err
	}
	var total, available uint64
	for _, line := range strings.Split(string(b), "\n") {
		fields := strings.Fields(line)
		if len(fields) < 2 {
			continue
		}
		switch fields[0] {
		case "MemTotal:":
			total, _ = strconv.ParseUint(fields[1], 10, 64)
		case "MemAvailable:":
			available, _ = strconv.ParseUint(fields[1], 10, 64)
		}
	}
	if total == 0 {
		return 0, errors.Errorf("%s has no MemTotal", procMeminfo)
	}
	return float64(total-available) / float64(total) * 100, nil
}

func uptimeSeconds() (uint32, error) {
	b, err := ioutil.ReadFile(procUptime)
	if err != nil {
		return 0, err
	}
	first, _, _ := strings.Cut(strings.TrimSpace(string(b)), " ")
	f, err := strconv.ParseFloat(first, 64)
	if err != nil {
		return 0, errors.Annotatef(err, "%s value=%q", procUptime, first)
	}
	return uint32(f), nil
}

// readMilliUnits converts sysfs millidegrees to degrees.
func readMilliUnits(path string) (float64, error) {
	v, err := readUintFile(path)
	if err != nil {
		return 0, err
	}
	return float64(v) / 1000, nil
}

func readUintFile(path string) (uint64, error) {
	b, err := ioutil.ReadFile(path)
	if err != nil {
		return 0, err
	}
	return strconv.ParseUint(strings.TrimSpace(string(b)), 10, 64)
}
