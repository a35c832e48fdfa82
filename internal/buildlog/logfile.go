package buildlog

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/3cpo-dev/vpb/internal/task"
)

// PropertySetter is the part of a task descriptor a LogFile updates.
type PropertySetter interface {
	SetProperty(key, value string)
}

// LogFile is a shared, line-oriented sink for operation messages. When bound
// to a task descriptor, the latest message is mirrored into it so that an
// inspecting process can follow progress.
type LogFile struct {
	mu     sync.Mutex
	w      io.Writer
	closer io.Closer
	task   PropertySetter
}

// NewLogFile wraps an existing writer.
func NewLogFile(w io.Writer) *LogFile { return &LogFile{w: w} }

// OpenLogFile creates (or truncates) the file at path.
func OpenLogFile(path string) (*LogFile, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("mkdir log dir: %w", err)
	}
	f, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("create log file: %w", err)
	}
	return &LogFile{w: f, closer: f}, nil
}

// BindTask mirrors subsequent messages into t.
func (lf *LogFile) BindTask(t PropertySetter) {
	lf.mu.Lock()
	lf.task = t
	lf.mu.Unlock()
}

// Write appends one message.
func (lf *LogFile) Write(m Message) {
	lf.mu.Lock()
	defer lf.mu.Unlock()
	stamp := m.Time.Format(time.RFC3339Nano)
	fmt.Fprintf(lf.w, "%s\t:%s\n", stamp, m.Text)
	if lf.task != nil {
		lf.task.SetProperty(task.KeyLastMessageTime, stamp)
		lf.task.SetProperty(task.KeyLastMessage, m.Text)
	}
}

// Close closes the underlying file when the LogFile owns it.
func (lf *LogFile) Close() error {
	if lf.closer == nil {
		return nil
	}
	return lf.closer.Close()
}
