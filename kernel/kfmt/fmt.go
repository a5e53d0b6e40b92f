package kfmt

import (
	"fmt"
	"io"
	"sync"
)

var (
	// sinkMu serializes writes to the active sink; log lines may be
	// emitted by goroutines that do not hold the VM worker token.
	sinkMu sync.Mutex

	// earlyPrintBuffer is a ring buffer that stores output until an
	// output sink is attached.
	earlyPrintBuffer ringBuffer

	// outputSink is a io.Writer where Printf and the loggers returned by
	// Logger send their output. If set to nil, then the output will be
	// redirected to the earlyPrintBuffer.
	outputSink io.Writer
)

// SetOutputSink sets the default target for calls to Printf to w and copies
// any data accumulated in the earlyPrintBuffer to it.
func SetOutputSink(w io.Writer) {
	sinkMu.Lock()
	defer sinkMu.Unlock()

	outputSink = w
	if w != nil {
		_, _ = io.Copy(w, &earlyPrintBuffer)
	}
}

// GetOutputSink returns the currently active output sink or nil if output is
// still being buffered.
func GetOutputSink() io.Writer {
	sinkMu.Lock()
	defer sinkMu.Unlock()
	return outputSink
}

// Printf formats according to a format specifier and writes to the active
// output sink. If no sink is attached, the output is buffered into a ring
// buffer and flushed to the first sink passed to SetOutputSink.
func Printf(format string, args ...interface{}) {
	_, _ = fmt.Fprintf(sinkWriter{}, format, args...)
}

// sinkWriter forwards writes to the active output sink or the early print
// buffer.
type sinkWriter struct{}

func (sinkWriter) Write(p []byte) (int, error) {
	sinkMu.Lock()
	defer sinkMu.Unlock()

	if outputSink == nil {
		return earlyPrintBuffer.Write(p)
	}
	return outputSink.Write(p)
}
