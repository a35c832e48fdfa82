package pool

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"syscall"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/3cpo-dev/vpb/internal/buildlog"
	"github.com/3cpo-dev/vpb/internal/task"
	"github.com/3cpo-dev/vpb/internal/telemetry"
)

type runnerFunc func(ctx context.Context, command string, out io.Writer) error

func (f runnerFunc) RunCommand(ctx context.Context, command string, out io.Writer) error {
	return f(ctx, command, out)
}

func withRunner(r Runner) Option {
	return WithRunnerFactory(func(Spec) (Runner, error) { return r, nil })
}

type recordingObserver struct {
	mu       sync.Mutex
	outcomes []string
}

func (o *recordingObserver) TaskQueued(int)     {}
func (o *recordingObserver) TaskStarted(string) {}
func (o *recordingObserver) TaskFinished(_ string, outcome string, _ time.Duration) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.outcomes = append(o.outcomes, outcome)
}

func newTask(t *testing.T, dir, name string, props map[string]string) *task.File {
	t.Helper()
	return task.New(filepath.Join(dir, name+task.Extension), props)
}

func TestCommandComposition(t *testing.T) {
	m := newMachine(Spec{Hostname: "build01", Postfix: "> /dev/null"}, nil)
	assert.Equal(t, "osgdem --tile 3 > /dev/null", m.Command("osgdem", "--tile 3"))
	assert.Equal(t, "osgdem > /dev/null", m.Command("osgdem", ""))

	m = newMachine(Spec{Hostname: "build01", Prefix: "nice -n 10"}, nil)
	assert.Equal(t, "nice -n 10 osgdem -d src.tif", m.Command("osgdem", "-d src.tif"))

	m = newMachine(Spec{Hostname: "build01", Prefix: "ssh build01", Postfix: "2>&1"}, nil)
	assert.Equal(t, "ssh build01 osgdem 2>&1", m.Command("osgdem", " "))
}

func TestThreadCountIsAtLeastOne(t *testing.T) {
	assert.Equal(t, 1, newMachine(Spec{Threads: -1}, nil).NumThreads())
	assert.Equal(t, 1, newMachine(Spec{Threads: 0}, nil).NumThreads())
	assert.Equal(t, 4, newMachine(Spec{Threads: 4}, nil).NumThreads())
}

func TestWaitForCompletionWaitsForExecution(t *testing.T) {
	var finished atomic.Int32
	r := runnerFunc(func(ctx context.Context, command string, out io.Writer) error {
		time.Sleep(5 * time.Millisecond)
		finished.Add(1)
		return nil
	})
	p := New(withRunner(r))
	defer p.Close()
	_, err := p.AddMachine(Spec{Hostname: "build01", Threads: 3})
	require.NoError(t, err)
	_, err = p.AddMachine(Spec{Hostname: "build02", Threads: 2})
	require.NoError(t, err)
	assert.Equal(t, 5, p.NumThreads())

	dir := t.TempDir()
	const k = 40
	for i := 0; i < k; i++ {
		require.NoError(t, p.Run(newTask(t, dir, fmt.Sprintf("tile_%d", i), map[string]string{task.KeyApplication: "osgdem"})))
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	require.NoError(t, p.WaitForCompletion(ctx))
	assert.Equal(t, int32(k), finished.Load())
	assert.Zero(t, p.NumThreadsActive())
}

func TestWaitForCompletionOnIdlePool(t *testing.T) {
	p := New(withRunner(runnerFunc(func(context.Context, string, io.Writer) error { return nil })))
	defer p.Close()
	require.NoError(t, p.WaitForCompletion(context.Background()))
}

func TestTaskWithoutApplicationIsSkipped(t *testing.T) {
	var calls atomic.Int32
	obs := &recordingObserver{}
	p := New(WithObserver(obs), withRunner(runnerFunc(func(context.Context, string, io.Writer) error {
		calls.Add(1)
		return nil
	})))
	defer p.Close()
	_, err := p.AddMachine(Spec{Hostname: "build01"})
	require.NoError(t, err)

	tk := newTask(t, t.TempDir(), "empty", nil)
	require.NoError(t, p.Run(tk))
	require.NoError(t, p.WaitForCompletion(context.Background()))

	assert.Zero(t, calls.Load())
	_, err = os.Stat(tk.Path())
	assert.True(t, errors.Is(err, os.ErrNotExist))
	assert.Equal(t, []string{telemetry.OutcomeSkipped}, obs.outcomes)
}

func TestHostnameIsPersistedBeforeExecution(t *testing.T) {
	var seen atomic.Value
	var gotCommand atomic.Value
	var path string
	r := runnerFunc(func(ctx context.Context, command string, out io.Writer) error {
		gotCommand.Store(command)
		onDisk, err := task.Load(path)
		if err != nil {
			return err
		}
		host, _ := onDisk.Property(task.KeyHostname)
		seen.Store(host)
		return nil
	})
	p := New(withRunner(r))
	defer p.Close()
	_, err := p.AddMachine(Spec{Hostname: "build07", Postfix: "2>&1"})
	require.NoError(t, err)

	tk := newTask(t, t.TempDir(), "tile", map[string]string{
		task.KeyApplication: "osgdem",
		task.KeyArguments:   "--tile 7",
	})
	path = tk.Path()
	require.NoError(t, p.Run(tk))
	require.NoError(t, p.WaitForCompletion(context.Background()))

	assert.Equal(t, "build07", seen.Load())
	assert.Equal(t, "osgdem --tile 7 2>&1", gotCommand.Load())
}

func TestCommandFailureLeavesStatusAlone(t *testing.T) {
	obs := &recordingObserver{}
	p := New(WithObserver(obs), withRunner(runnerFunc(func(context.Context, string, io.Writer) error {
		return errors.New("exit status 1")
	})))
	defer p.Close()
	_, err := p.AddMachine(Spec{Hostname: "build01"})
	require.NoError(t, err)

	tk := newTask(t, t.TempDir(), "tile", map[string]string{task.KeyApplication: "osgdem", task.KeyStatus: task.StatusPending})
	require.NoError(t, p.Run(tk))
	require.NoError(t, p.WaitForCompletion(context.Background()))

	status, _ := tk.Property(task.KeyStatus)
	assert.Equal(t, task.StatusPending, status)
	assert.Equal(t, []string{telemetry.OutcomeFailed}, obs.outcomes)
}

func TestCommandFailureIsCapturedInOperationLog(t *testing.T) {
	b := buildlog.New("build")
	p := New(WithBuildLog(b), withRunner(runnerFunc(func(context.Context, string, io.Writer) error {
		return errors.New("exit status 3: disk full")
	})))
	defer p.Close()
	_, err := p.AddMachine(Spec{Hostname: "build01"})
	require.NoError(t, err)

	tk := newTask(t, t.TempDir(), "tile", map[string]string{task.KeyApplication: "osgdem", task.KeyArguments: "--tile 7"})
	require.NoError(t, p.Run(tk))
	require.NoError(t, p.WaitForCompletion(context.Background()))

	completed := b.Completed()
	require.Len(t, completed, 1)
	var started, failed string
	for _, m := range completed[0].Messages() {
		switch {
		case strings.HasPrefix(m.Text, "running task"):
			started = m.Text
		case strings.HasPrefix(m.Text, "task command failed"):
			failed = m.Text
			assert.Equal(t, zerolog.ErrorLevel, m.Level)
		}
	}
	assert.Contains(t, started, "osgdem --tile 7")
	assert.Contains(t, started, "machine=build01")
	assert.Contains(t, failed, "exit status 3: disk full")
	assert.NotContains(t, failed, "operation=")
}

func TestBuildLogTracksTasksAndCapturesOutput(t *testing.T) {
	b := buildlog.New("build")
	p := New(WithBuildLog(b), withRunner(runnerFunc(func(ctx context.Context, command string, out io.Writer) error {
		_, err := io.WriteString(out, "reading source\nwriting tile\n")
		return err
	})))
	defer p.Close()
	_, err := p.AddMachine(Spec{Hostname: "build01", Threads: 2})
	require.NoError(t, err)

	dir := t.TempDir()
	for i := 0; i < 3; i++ {
		require.NoError(t, p.Run(newTask(t, dir, fmt.Sprintf("tile_%d", i), map[string]string{task.KeyApplication: "osgdem"})))
	}
	require.NoError(t, p.WaitForCompletion(context.Background()))

	assert.True(t, b.IsComplete())
	completed := b.Completed()
	require.Len(t, completed, 3)
	var texts []string
	for _, m := range completed[0].Messages() {
		texts = append(texts, m.Text)
	}
	assert.Contains(t, texts, "reading source")
	assert.Contains(t, texts, "writing tile")
}

func TestExitDiscardsQueuedWork(t *testing.T) {
	release := make(chan struct{})
	started := make(chan struct{}, 1)
	var finished atomic.Int32
	r := runnerFunc(func(ctx context.Context, command string, out io.Writer) error {
		started <- struct{}{}
		<-release
		finished.Add(1)
		return nil
	})
	b := buildlog.New("build")
	p := New(WithBuildLog(b), withRunner(r))
	defer p.Close()
	_, err := p.AddMachine(Spec{Hostname: "build01", Threads: 1})
	require.NoError(t, err)

	dir := t.TempDir()
	for i := 0; i < 3; i++ {
		require.NoError(t, p.Run(newTask(t, dir, fmt.Sprintf("tile_%d", i), map[string]string{task.KeyApplication: "osgdem"})))
	}
	<-started

	p.Exit(syscall.SIGTERM)
	assert.ErrorIs(t, p.Run(newTask(t, dir, "late", map[string]string{task.KeyApplication: "osgdem"})), ErrExiting)

	waited := make(chan error, 1)
	go func() { waited <- p.WaitForCompletion(context.Background()) }()
	select {
	case <-waited:
		t.Fatal("returned while a task was still running")
	case <-time.After(20 * time.Millisecond):
	}

	close(release)
	require.NoError(t, <-waited)
	assert.Equal(t, int32(1), finished.Load())

	exiting, sig := p.Exiting()
	assert.True(t, exiting)
	assert.Equal(t, syscall.SIGTERM, sig)
	assert.Len(t, b.Pending(), 2)
	assert.Len(t, b.Completed(), 1)
}

func TestWaitForCompletionHonoursContext(t *testing.T) {
	release := make(chan struct{})
	defer close(release)
	p := New(withRunner(runnerFunc(func(context.Context, string, io.Writer) error {
		<-release
		return nil
	})))
	_, err := p.AddMachine(Spec{Hostname: "build01"})
	require.NoError(t, err)
	require.NoError(t, p.Run(newTask(t, t.TempDir(), "stuck", map[string]string{task.KeyApplication: "sleep"})))

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, p.WaitForCompletion(ctx), context.DeadlineExceeded)
}

func TestMachineLookup(t *testing.T) {
	p := New(withRunner(runnerFunc(func(context.Context, string, io.Writer) error { return nil })))
	defer p.Close()
	_, err := p.AddMachine(Spec{Hostname: "build01", CacheDirectory: "/scratch/cache"})
	require.NoError(t, err)

	m, ok := p.Machine("build01")
	require.True(t, ok)
	assert.Equal(t, "/scratch/cache", m.CacheDirectory())
	_, ok = p.Machine("build99")
	assert.False(t, ok)
	assert.Len(t, p.Machines(), 1)
}

func TestRunAfterClose(t *testing.T) {
	p := New(withRunner(runnerFunc(func(context.Context, string, io.Writer) error { return nil })))
	p.Close()
	assert.ErrorIs(t, p.Run(task.New("x.task", nil)), ErrClosed)
	_, err := p.AddMachine(Spec{Hostname: "build01"})
	assert.ErrorIs(t, err, ErrClosed)
}

func TestShellRunner(t *testing.T) {
	var out strings.Builder
	require.NoError(t, ShellRunner{}.RunCommand(context.Background(), "echo hello; echo oops 1>&2", &out))
	assert.Equal(t, "hello\noops\n", out.String())
	assert.Error(t, ShellRunner{}.RunCommand(context.Background(), "exit 2", io.Discard))
}

func TestLoadMachines(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "machines.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
- hostname: build01
  threads: 4
  prefix: nice -n 5
  cache_directory: /scratch/vpb
- hostname: " build02 "
  agent: http://build02:8088
- hostname: build03
  ssh:
    user: vpb
    port: 2222
    timeout: 5s
`), 0o644))

	specs, err := LoadMachines(path)
	require.NoError(t, err)
	require.Len(t, specs, 3)
	assert.Equal(t, 4, specs[0].Threads)
	assert.Equal(t, "nice -n 5", specs[0].Prefix)
	assert.Equal(t, "build02", specs[1].Hostname)
	assert.Equal(t, "http://build02:8088", specs[1].Agent)
	require.NotNil(t, specs[2].SSH)
	assert.Equal(t, 2222, specs[2].SSH.Port)
	assert.Equal(t, 5*time.Second, specs[2].SSH.Timeout)

	require.NoError(t, os.WriteFile(path, []byte("- hostname: a\n- hostname: a\n- threads: 2\n"), 0o644))
	_, err = LoadMachines(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "listed twice")
	assert.Contains(t, err.Error(), "hostname required")
}

func TestDefaultRunnerSelection(t *testing.T) {
	r, err := DefaultRunner(Spec{Hostname: "localhost"})
	require.NoError(t, err)
	assert.IsType(t, ShellRunner{}, r)

	r, err = DefaultRunner(Spec{Hostname: "build02", Agent: "http://build02:8088"})
	require.NoError(t, err)
	assert.NotNil(t, r)
}
