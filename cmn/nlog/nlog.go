package nlog

import (
	"fmt"

	"github.com/golang/glog"
)

// tailBuf is the process-wide ring buffer backing Tail(); sized to hold
// a few thousand lines of recent migration activity.
var tailBuf = newFixed(64 * 1024)

func Infof(format string, args ...interface{})    { emit(glog.InfoDepth, format, args...) }
func Warningf(format string, args ...interface{}) { emit(glog.WarningDepth, format, args...) }
func Errorf(format string, args ...interface{})    { emit(glog.ErrorDepth, format, args...) }

func emit(depth func(int, ...interface{}), format string, args ...interface{}) {
	line := fmt.Sprintf(format, args...)
	depth(1, line)
	_, _ = tailBuf.Write([]byte(line))
	_, _ = tailBuf.Write([]byte{'\n'})
}

// Tail returns the most recent buffered log output, oldest first.
func Tail() []byte { return tailBuf.tail() }

// ResetTail clears the ring buffer; used by tests between scenarios.
func ResetTail() { tailBuf.reset() }
