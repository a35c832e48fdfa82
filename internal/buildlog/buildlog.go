package buildlog

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// State is the lifecycle position of an operation within a BuildLog.
type State int

const (
	StatePending State = iota + 1
	StateRunning
	StateCompleted
)

func (s State) String() string {
	switch s {
	case StatePending:
		return "pending"
	case StateRunning:
		return "running"
	case StateCompleted:
		return "completed"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// ErrInvalidTransition is returned when an operation is moved out of order.
var ErrInvalidTransition = errors.New("invalid operation transition")

// Recorder receives every transition and message so a build can be audited
// after the process is gone.
type Recorder interface {
	RecordTransition(name string, state State, at time.Time) error
	RecordMessage(name string, m Message) error
}

type entry struct {
	state State
	seq   uint64
}

// BuildLog is the ledger of all operations of a build. Each registered
// operation is in exactly one state at any instant; transitions happen under
// a single lock.
type BuildLog struct {
	*OperationLog

	logFile  *LogFile
	recorder Recorder
	now      func() time.Time

	mu      sync.Mutex
	entries map[*OperationLog]*entry
	seq     uint64
	pending int
	running int
	changed chan struct{}
}

// Option configures a BuildLog.
type Option func(*BuildLog)

// WithLogFile attaches a file that every running operation also writes to.
func WithLogFile(lf *LogFile) Option { return func(b *BuildLog) { b.logFile = lf } }

// WithRecorder forwards transitions and messages to r.
func WithRecorder(r Recorder) Option { return func(b *BuildLog) { b.recorder = r } }

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option { return func(b *BuildLog) { b.now = now } }

// New creates an empty BuildLog.
func New(name string, opts ...Option) *BuildLog {
	b := &BuildLog{
		OperationLog: NewOperationLog(name),
		now:          time.Now,
		entries:      map[*OperationLog]*entry{},
		changed:      make(chan struct{}),
	}
	for _, opt := range opts {
		opt(b)
	}
	b.OperationLog.SetLogFile(b.logFile)
	return b
}

// LogFile returns the shared log file, if any.
func (b *BuildLog) LogFile() *LogFile { return b.logFile }

// PendingOperation registers op as queued.
func (b *BuildLog) PendingOperation(op *OperationLog) error {
	t := b.now()

	b.mu.Lock()
	if _, ok := b.entries[op]; ok {
		b.mu.Unlock()
		return fmt.Errorf("%w: %s already registered", ErrInvalidTransition, op.Name())
	}
	op.setTime(StatePending, t)
	b.seq++
	b.entries[op] = &entry{state: StatePending, seq: b.seq}
	b.pending++
	b.notifyLocked()
	b.mu.Unlock()

	if b.recorder != nil {
		op.setRecorder(b.recorder)
	}
	b.record(op, StatePending, t)
	return nil
}

// RunningOperation moves op from pending to running.
func (b *BuildLog) RunningOperation(op *OperationLog) error {
	return b.transition(op, StatePending, StateRunning)
}

// CompletedOperation moves op from running to completed.
func (b *BuildLog) CompletedOperation(op *OperationLog) error {
	return b.transition(op, StateRunning, StateCompleted)
}

func (b *BuildLog) transition(op *OperationLog, from, to State) error {
	t := b.now()

	b.mu.Lock()
	e, ok := b.entries[op]
	if !ok || e.state != from {
		b.mu.Unlock()
		current := "unregistered"
		if ok {
			current = e.state.String()
		}
		return fmt.Errorf("%w: %s is %s, want %s", ErrInvalidTransition, op.Name(), current, from)
	}
	op.setTime(to, t)
	b.seq++
	e.state, e.seq = to, b.seq
	b.adjustLocked(from, -1)
	b.adjustLocked(to, 1)
	b.notifyLocked()
	b.mu.Unlock()

	b.record(op, to, t)
	return nil
}

func (b *BuildLog) adjustLocked(s State, delta int) {
	switch s {
	case StatePending:
		b.pending += delta
	case StateRunning:
		b.running += delta
	}
}

func (b *BuildLog) notifyLocked() {
	close(b.changed)
	b.changed = make(chan struct{})
}

func (b *BuildLog) record(op *OperationLog, s State, t time.Time) {
	if b.recorder == nil {
		return
	}
	if err := b.recorder.RecordTransition(op.Name(), s, t); err != nil {
		log.Warn().Err(err).Str("operation", op.Name()).Str("state", s.String()).Msg("record transition")
	}
}

// StateOf reports the state of op and whether it is registered.
func (b *BuildLog) StateOf(op *OperationLog) (State, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	e, ok := b.entries[op]
	if !ok {
		return 0, false
	}
	return e.state, true
}

// Pending returns the queued operations in the order they were queued.
func (b *BuildLog) Pending() []*OperationLog { return b.inState(StatePending) }

// Running returns the executing operations in the order they started.
func (b *BuildLog) Running() []*OperationLog { return b.inState(StateRunning) }

// Completed returns the finished operations in the order they finished.
func (b *BuildLog) Completed() []*OperationLog { return b.inState(StateCompleted) }

func (b *BuildLog) inState(s State) []*OperationLog {
	b.mu.Lock()
	type ordered struct {
		op  *OperationLog
		seq uint64
	}
	var list []ordered
	for op, e := range b.entries {
		if e.state == s {
			list = append(list, ordered{op, e.seq})
		}
	}
	b.mu.Unlock()

	sort.Slice(list, func(i, j int) bool { return list[i].seq < list[j].seq })
	out := make([]*OperationLog, len(list))
	for i, o := range list {
		out[i] = o.op
	}
	return out
}

// IsComplete reports whether nothing is pending or running.
func (b *BuildLog) IsComplete() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.pending+b.running == 0
}

// WaitForCompletion blocks until IsComplete holds or ctx is done.
func (b *BuildLog) WaitForCompletion(ctx context.Context) error {
	for {
		b.mu.Lock()
		if b.pending+b.running == 0 {
			b.mu.Unlock()
			return nil
		}
		ch := b.changed
		b.mu.Unlock()

		select {
		case <-ch:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// Report writes the build's own messages followed by every operation grouped
// by state.
func (b *BuildLog) Report(w io.Writer) {
	fmt.Fprintln(w, "BuildLog report")
	fmt.Fprintln(w, "===============")
	b.OperationLog.Report(w)

	for _, group := range []struct {
		title string
		ops   []*OperationLog
	}{
		{"Pending Operations", b.Pending()},
		{"Running Operations", b.Running()},
		{"Completed Operations", b.Completed()},
	} {
		fmt.Fprintf(w, "\n%-21s%d\n", group.title, len(group.ops))
		for _, op := range group.ops {
			op.Report(w)
		}
	}
}
