// Reopenable sink: absorbs write failures and reattaches transparently.
package emit

import (
	"fmt"
	"io"
	"os"

	"github.com/sirupsen/logrus"
)

// OpenSinkFunc opens the byte-stream destination read by the external
// capture process. It is called at setup and again on every reattach probe
// while the sink is down.
type OpenSinkFunc func() (io.WriteCloser, error)

// fileSink returns an OpenSinkFunc appending to the file or pipe at path.
func fileSink(path string) OpenSinkFunc {
	return func() (io.WriteCloser, error) {
		f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_APPEND, 0o644)
		if err != nil {
			return nil, fmt.Errorf("opening sink: %w", err)
		}
		return f, nil
	}
}

// sink wraps the current sink writer. Only the transport's drain goroutine
// touches it, so no locking is needed. A failed write detaches the sink; the
// drain discards records until a reattach probe succeeds.
type sink struct {
	open OpenSinkFunc
	w    io.WriteCloser
	log  *logrus.Entry
}

func newSink(open OpenSinkFunc, log *logrus.Entry) *sink {
	return &sink{open: open, log: log}
}

// attached reports whether the sink is currently writable.
func (s *sink) attached() bool {
	return s.w != nil
}

// write sends one batch. On failure the sink detaches and the batch is lost;
// the caller counts its records as discarded.
func (s *sink) write(p []byte) bool {
	if s.w == nil {
		return false
	}
	if _, err := s.w.Write(p); err != nil {
		s.log.WithError(err).Warn("sink write failed, detaching")
		_ = s.w.Close()
		s.w = nil
		return false
	}
	return true
}

// reattach attempts to open the sink. Returns true only on the transition
// from detached to attached, which is when the caller writes the stream
// header and resynchronization marker.
func (s *sink) reattach() bool {
	if s.w != nil {
		return false
	}
	w, err := s.open()
	if err != nil {
		s.log.WithError(err).Debug("sink reattach probe failed")
		return false
	}
	s.w = w
	s.log.Info("sink attached")
	return true
}

func (s *sink) close() {
	if s.w != nil {
		_ = s.w.Close()
		s.w = nil
	}
}
