package kfmt

import (
	"bytes"
	"io"
)

// PrefixWriter is an io.Writer that tags every line written through it with
// a fixed prefix before passing it on to Sink. Lines may be split across
// several Write calls; the prefix is emitted once, when the first byte of a
// line arrives.
type PrefixWriter struct {
	Sink   io.Writer
	Prefix []byte

	// midLine is set while the current line has been started but not
	// terminated.
	midLine bool
}

// Write implements io.Writer. The returned count only includes bytes from
// p, not the injected prefixes.
func (w *PrefixWriter) Write(p []byte) (int, error) {
	var written int

	for len(p) > 0 {
		if !w.midLine {
			if _, err := w.Sink.Write(w.Prefix); err != nil {
				return written, err
			}
			w.midLine = true
		}

		line := p
		if eol := bytes.IndexByte(p, '\n'); eol >= 0 {
			line = p[:eol+1]
		}

		n, err := w.Sink.Write(line)
		written += n
		if err != nil {
			return written, err
		}

		if line[len(line)-1] == '\n' {
			w.midLine = false
		}
		p = p[len(line):]
	}

	return written, nil
}
