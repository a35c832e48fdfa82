package buildlog

import (
	"bytes"
	"sync"

	"github.com/rs/zerolog"
)

// LineWriter turns a byte stream, such as a command's output, into one log
// event per line.
type LineWriter struct {
	logger *zerolog.Logger
	level  zerolog.Level

	mu  sync.Mutex
	buf []byte
}

// NewLineWriter logs each line written at level.
func NewLineWriter(logger *zerolog.Logger, level zerolog.Level) *LineWriter {
	return &LineWriter{logger: logger, level: level}
}

func (w *LineWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.buf = append(w.buf, p...)
	for {
		i := bytes.IndexByte(w.buf, '\n')
		if i < 0 {
			break
		}
		w.emit(w.buf[:i])
		w.buf = w.buf[i+1:]
	}
	return len(p), nil
}

// Flush logs any trailing partial line.
func (w *LineWriter) Flush() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if len(w.buf) > 0 {
		w.emit(w.buf)
		w.buf = nil
	}
}

func (w *LineWriter) emit(line []byte) {
	line = bytes.TrimRight(line, "\r")
	if len(bytes.TrimSpace(line)) == 0 {
		return
	}
	w.logger.WithLevel(w.level).Msg(string(line))
}
