// Package log2 is a thin leveled wrapper around stdlib log.
// Motivation: safe concurrent level changes and logging into t.Logf so
// parallel tests stay readable. A nil *Log discards everything, which lets
// library code log unconditionally.
package log2

import (
	"fmt"
	"io"
	"log"
	"math"
	"os"
	"sync/atomic"
	"testing"
)

const (
	Lmicroseconds     = log.Lmicroseconds
	Lshortfile        = log.Lshortfile
	LStdFlags         = log.Ltime | log.Lshortfile
	LInteractiveFlags = log.Ltime | log.Lshortfile | log.Lmicroseconds
	LServiceFlags     = log.Lshortfile
	LTestFlags        = log.Lshortfile | log.Lmicroseconds
)

type Level int32

const (
	LError Level = iota
	LInfo
	LDebug
	LAll Level = math.MaxInt32
)

type Log struct {
	l      *log.Logger
	level  Level
	w      io.Writer
	fatalf func(format string, args ...interface{})
}

func NewStderr(level Level) *Log { return NewWriter(os.Stderr, level) }

func NewWriter(w io.Writer, level Level) *Log {
	if w == io.Discard {
		return nil
	}
	return &Log{
		l:     log.New(w, "", LStdFlags),
		level: level,
		w:     w,
	}
}

type funcWriter func(format string, args ...interface{})

func (f funcWriter) Write(b []byte) (int, error) {
	f(string(b))
	return len(b), nil
}

// NewTest routes into t.Logf and makes Fatal fail the test.
func NewTest(t testing.TB, level Level) *Log {
	l := NewWriter(funcWriter(t.Logf), level)
	l.fatalf = t.Fatalf
	return l
}

func (l *Log) Clone(level Level) *Log {
	if l == nil {
		return nil
	}
	n := NewWriter(l.w, level)
	n.l.SetFlags(l.l.Flags())
	n.fatalf = l.fatalf
	return n
}

func (l *Log) SetLevel(level Level) {
	if l == nil {
		return
	}
	atomic.StoreInt32((*int32)(&l.level), int32(level))
}

func (l *Log) SetFlags(f int) {
	if l == nil {
		return
	}
	l.l.SetFlags(f)
}

func (l *Log) SetPrefix(prefix string) {
	if l == nil {
		return
	}
	l.l.SetPrefix(prefix)
}

func (l *Log) Enabled(level Level) bool {
	if l == nil {
		return false
	}
	return atomic.LoadInt32((*int32)(&l.level)) >= int32(level)
}

func (l *Log) Logf(level Level, format string, args ...interface{}) {
	if l.Enabled(level) {
		_ = l.l.Output(3, fmt.Sprintf(format, args...))
	}
}

func (l *Log) Error(args ...interface{}) { l.Logf(LError, "error: "+fmt.Sprint(args...)) }
func (l *Log) Errorf(format string, args ...interface{}) {
	l.Logf(LError, "error: "+format, args...)
}
func (l *Log) Info(args ...interface{}) { l.Logf(LInfo, fmt.Sprint(args...)) }
func (l *Log) Infof(format string, args ...interface{}) {
	l.Logf(LInfo, format, args...)
}
func (l *Log) Debug(args ...interface{}) { l.Logf(LDebug, "debug: "+fmt.Sprint(args...)) }
func (l *Log) Debugf(format string, args ...interface{}) {
	l.Logf(LDebug, "debug: "+format, args...)
}

// satisfy paho mqtt.Logger
func (l *Log) Printf(format string, args ...interface{}) { l.Logf(LDebug, format, args...) }
func (l *Log) Println(args ...interface{})               { l.Logf(LDebug, "%s", fmt.Sprintln(args...)) }

func (l *Log) Fatalf(format string, args ...interface{}) {
	if l != nil && l.fatalf != nil {
		l.fatalf(format, args...)
		return
	}
	l.Logf(LError, "fatal: "+format, args...)
	os.Exit(1)
}

func (l *Log) Fatal(args ...interface{}) { l.Fatalf(fmt.Sprint(args...)) }
