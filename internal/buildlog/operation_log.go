// Package buildlog tracks build operations through their pending, running
// and completed states and captures the log output each operation emits.
package buildlog

import (
	"bytes"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Message is one log line captured by an OperationLog.
type Message struct {
	Time  time.Time
	Level zerolog.Level
	Text  string
}

// OperationLog records the timing and the messages of one build operation.
// Unset times are the zero time.
type OperationLog struct {
	name   string
	logger zerolog.Logger

	mu           sync.Mutex
	startPending time.Time
	startRunning time.Time
	endRunning   time.Time
	messages     []Message
	logFile      *LogFile
	recorder     Recorder
}

// NewOperationLog creates an empty log for the named operation.
func NewOperationLog(name string) *OperationLog {
	op := &OperationLog{name: name}
	op.logger = zerolog.New(eventSink{op}).With().Str("operation", name).Logger()
	return op
}

// eventText renders the message and fields of an event, without time or level.
var eventText = zerolog.ConsoleWriter{
	NoColor:       true,
	PartsOrder:    []string{zerolog.MessageFieldName},
	FieldsExclude: []string{"operation"},
}

// eventSink turns each event written to an operation's logger into a Message.
type eventSink struct{ op *OperationLog }

func (s eventSink) Write(p []byte) (int, error) {
	return s.WriteLevel(zerolog.NoLevel, p)
}

func (s eventSink) WriteLevel(level zerolog.Level, p []byte) (int, error) {
	var buf bytes.Buffer
	w := eventText
	w.Out = &buf
	if _, err := w.Write(p); err != nil {
		return 0, err
	}
	s.op.Log(level, strings.TrimRight(buf.String(), "\n"))
	return len(p), nil
}

// Name returns the operation name.
func (op *OperationLog) Name() string { return op.name }

// Logger returns a zerolog logger whose events land in this log.
func (op *OperationLog) Logger() *zerolog.Logger { return &op.logger }

// Log appends a message and forwards it to the attached log file.
func (op *OperationLog) Log(level zerolog.Level, text string) {
	m := Message{Time: time.Now(), Level: level, Text: text}

	op.mu.Lock()
	op.messages = append(op.messages, m)
	lf, rec := op.logFile, op.recorder
	op.mu.Unlock()

	if lf != nil {
		lf.Write(m)
	}
	if rec != nil {
		if err := rec.RecordMessage(op.name, m); err != nil {
			log.Debug().Err(err).Msg("record message")
		}
	}
}

// Logf formats and appends a message.
func (op *OperationLog) Logf(level zerolog.Level, format string, args ...any) {
	op.Log(level, fmt.Sprintf(format, args...))
}

// Messages returns a copy of the captured messages in arrival order.
func (op *OperationLog) Messages() []Message {
	op.mu.Lock()
	defer op.mu.Unlock()
	out := make([]Message, len(op.messages))
	copy(out, op.messages)
	return out
}

// SetLogFile attaches a shared file sink; nil detaches it.
func (op *OperationLog) SetLogFile(lf *LogFile) {
	op.mu.Lock()
	op.logFile = lf
	op.mu.Unlock()
}

func (op *OperationLog) setRecorder(r Recorder) {
	op.mu.Lock()
	op.recorder = r
	op.mu.Unlock()
}

// StartPendingTime is when the operation was queued.
func (op *OperationLog) StartPendingTime() time.Time {
	op.mu.Lock()
	defer op.mu.Unlock()
	return op.startPending
}

// StartRunningTime is when the operation started executing.
func (op *OperationLog) StartRunningTime() time.Time {
	op.mu.Lock()
	defer op.mu.Unlock()
	return op.startRunning
}

// EndRunningTime is when the operation finished executing.
func (op *OperationLog) EndRunningTime() time.Time {
	op.mu.Lock()
	defer op.mu.Unlock()
	return op.endRunning
}

// WaitingTime is the time spent queued, or zero while either end is unset.
func (op *OperationLog) WaitingTime() time.Duration {
	op.mu.Lock()
	defer op.mu.Unlock()
	return span(op.startPending, op.startRunning)
}

// RunningTime is the time spent executing, or zero while either end is unset.
func (op *OperationLog) RunningTime() time.Duration {
	op.mu.Lock()
	defer op.mu.Unlock()
	return span(op.startRunning, op.endRunning)
}

func span(from, to time.Time) time.Duration {
	if from.IsZero() || to.IsZero() {
		return 0
	}
	return to.Sub(from)
}

func (op *OperationLog) setTime(state State, t time.Time) {
	op.mu.Lock()
	defer op.mu.Unlock()
	switch state {
	case StatePending:
		op.startPending = t
	case StateRunning:
		op.startRunning = t
	case StateCompleted:
		op.endRunning = t
	}
}

// Report writes the operation timings followed by its messages.
func (op *OperationLog) Report(w io.Writer) {
	fmt.Fprintf(w, "%s:: waiting time: %s running time: %s\n", op.name, op.WaitingTime(), op.RunningTime())
	for _, m := range op.Messages() {
		fmt.Fprintf(w, "    %s : %s\n", m.Time.Format(time.RFC3339Nano), m.Text)
	}
	fmt.Fprintln(w)
}
