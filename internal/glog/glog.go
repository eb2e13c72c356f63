// Package glog is a small leveled logger: a global verbosity threshold
// gates V(n) calls, while Infof/Warningf/Errorf/Fatalf always log.
package glog

import (
	"fmt"
	"log"
	"os"
	"sync/atomic"
)

var verbosity int32

// Level is a verbosity level, as passed to V.
type Level int32

// Verbose is returned by V; logging calls on it are gated by the
// current verbosity threshold.
type Verbose bool

// SetVerbosity sets the global verbosity threshold. Calls to V(n) where
// n > threshold are no-ops.
func SetVerbosity(level int) {
	atomic.StoreInt32(&verbosity, int32(level))
}

// V reports whether verbosity at the given level is enabled.
func V(level Level) Verbose {
	return Verbose(int32(level) <= atomic.LoadInt32(&verbosity))
}

func (v Verbose) Infof(format string, args ...interface{}) {
	if v {
		output("I", format, args...)
	}
}

func (v Verbose) Infoln(args ...interface{}) {
	if v {
		output("I", "%s", fmt.Sprintln(args...))
	}
}

func Infof(format string, args ...interface{}) {
	output("I", format, args...)
}

func Warningf(format string, args ...interface{}) {
	output("W", format, args...)
}

func Errorf(format string, args ...interface{}) {
	output("E", format, args...)
}

func Fatalf(format string, args ...interface{}) {
	output("F", format, args...)
	os.Exit(1)
}

func output(level, format string, args ...interface{}) {
	log.Printf(level+" "+format, args...)
}
