// Package pool dispatches build tasks to the worker threads of a set of
// machines that all pull from one shared queue.
package pool

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/3cpo-dev/vpb/internal/buildlog"
	"github.com/3cpo-dev/vpb/internal/task"
)

var (
	// ErrExiting is returned by Run after Exit.
	ErrExiting = errors.New("machine pool is exiting")
	// ErrClosed is returned after Close.
	ErrClosed = errors.New("machine pool is closed")
)

// Observer is notified of queue and task activity.
type Observer interface {
	TaskQueued(depth int)
	TaskStarted(machine string)
	TaskFinished(machine, outcome string, d time.Duration)
}

type nopObserver struct{}

func (nopObserver) TaskQueued(int)                             {}
func (nopObserver) TaskStarted(string)                         {}
func (nopObserver) TaskFinished(string, string, time.Duration) {}

type item struct {
	task *task.File
	op   *buildlog.Operation
}

// Pool owns the shared queue and the machines working it.
type Pool struct {
	build     *buildlog.BuildLog
	observer  Observer
	newRunner RunnerFactory

	mu          sync.Mutex
	cond        *sync.Cond
	queue       []item
	machines    []*Machine
	outstanding int
	idle        chan struct{}
	exiting     bool
	signal      os.Signal
	closed      bool

	wg sync.WaitGroup
}

// Option configures a Pool.
type Option func(*Pool)

// WithBuildLog tracks every task as an operation of b.
func WithBuildLog(b *buildlog.BuildLog) Option { return func(p *Pool) { p.build = b } }

// WithObserver reports activity to o.
func WithObserver(o Observer) Option { return func(p *Pool) { p.observer = o } }

// WithRunnerFactory overrides how machines reach their hosts.
func WithRunnerFactory(f RunnerFactory) Option { return func(p *Pool) { p.newRunner = f } }

// New creates an empty pool.
func New(opts ...Option) *Pool {
	p := &Pool{
		observer:  nopObserver{},
		newRunner: DefaultRunner,
		idle:      make(chan struct{}),
	}
	close(p.idle)
	p.cond = sync.NewCond(&p.mu)
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// AddMachine creates a machine bound to the pool's queue and starts its
// workers.
func (p *Pool) AddMachine(spec Spec) (*Machine, error) {
	runner, err := p.newRunner(spec)
	if err != nil {
		return nil, err
	}
	m := newMachine(spec, runner)

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil, ErrClosed
	}
	p.machines = append(p.machines, m)
	for i := 0; i < m.threads; i++ {
		p.wg.Add(1)
		go p.worker(m)
	}
	log.Info().Str("machine", m.hostname).Int("threads", m.threads).Msg("machine added")
	return m, nil
}

// Run enqueues t and returns immediately.
func (p *Pool) Run(t *task.File) error {
	if err := p.accepting(t); err != nil {
		return err
	}

	it := item{task: t}
	if p.build != nil {
		op, err := buildlog.NewOperation(p.build, t.Name(), func(ctx context.Context) error {
			return p.current(ctx).execute(ctx, t, p.observer)
		})
		if err != nil {
			return fmt.Errorf("track task %s: %w", t.Name(), err)
		}
		it.op = op
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.acceptingLocked(t); err != nil {
		return err
	}
	p.queue = append(p.queue, it)
	if p.outstanding == 0 {
		p.idle = make(chan struct{})
	}
	p.outstanding++
	p.observer.TaskQueued(len(p.queue))
	p.cond.Signal()
	return nil
}

func (p *Pool) accepting(t *task.File) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.acceptingLocked(t)
}

func (p *Pool) acceptingLocked(t *task.File) error {
	switch {
	case p.closed:
		return ErrClosed
	case p.exiting:
		log.Warn().Str("task", t.Name()).Msg("pool exiting, task not run")
		return ErrExiting
	}
	return nil
}

type machineKey struct{}

func (p *Pool) current(ctx context.Context) *Machine {
	return ctx.Value(machineKey{}).(*Machine)
}

func (p *Pool) worker(m *Machine) {
	defer p.wg.Done()
	for {
		p.mu.Lock()
		for len(p.queue) == 0 && !p.closed {
			p.cond.Wait()
		}
		if len(p.queue) == 0 {
			p.mu.Unlock()
			return
		}
		it := p.queue[0]
		p.queue[0] = item{}
		p.queue = p.queue[1:]
		m.active.Add(1)
		p.observer.TaskQueued(len(p.queue))
		p.mu.Unlock()

		p.execute(m, it)

		p.mu.Lock()
		m.active.Add(-1)
		p.done(1)
		p.mu.Unlock()
	}
}

func (p *Pool) execute(m *Machine, it item) {
	ctx := context.WithValue(context.Background(), machineKey{}, m)
	var err error
	if it.op != nil {
		err = it.op.Run(ctx)
	} else {
		err = m.execute(ctx, it.task, p.observer)
	}
	if err != nil {
		log.Debug().Err(err).Str("task", it.task.Name()).Msg("task finished with error")
	}
}

// done retires n units of outstanding work. Callers hold p.mu.
func (p *Pool) done(n int) {
	p.outstanding -= n
	if p.outstanding == 0 {
		close(p.idle)
	}
}

// WaitForCompletion blocks until every submitted task has finished executing
// or ctx is done.
func (p *Pool) WaitForCompletion(ctx context.Context) error {
	p.mu.Lock()
	idle := p.idle
	p.mu.Unlock()
	select {
	case <-idle:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Exit stops dispatch: queued tasks are discarded, later Run calls are
// rejected and tasks already running are left to finish.
func (p *Pool) Exit(sig os.Signal) {
	p.mu.Lock()
	p.exiting = true
	p.signal = sig
	discarded := p.queue
	p.queue = nil
	if len(discarded) > 0 {
		p.done(len(discarded))
	}
	p.observer.TaskQueued(0)
	p.mu.Unlock()

	ev := log.Warn().Int("discarded", len(discarded))
	if sig != nil {
		ev = ev.Str("signal", sig.String())
	}
	ev.Msg("machine pool exiting")
	for _, it := range discarded {
		log.Info().Str("task", it.task.Name()).Msg("task discarded")
	}
}

// Exiting reports whether Exit was called and with which signal.
func (p *Pool) Exiting() (bool, os.Signal) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.exiting, p.signal
}

// Close lets the workers drain the queue, then stops them.
func (p *Pool) Close() {
	p.mu.Lock()
	p.closed = true
	p.cond.Broadcast()
	p.mu.Unlock()
	p.wg.Wait()
}

// Machines returns the machines in the order they were added.
func (p *Pool) Machines() []*Machine {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]*Machine(nil), p.machines...)
}

// Machine returns the machine with the given hostname.
func (p *Pool) Machine(hostname string) (*Machine, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, m := range p.machines {
		if m.hostname == hostname {
			return m, true
		}
	}
	return nil, false
}

// NumThreads returns the total worker count.
func (p *Pool) NumThreads() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := 0
	for _, m := range p.machines {
		n += m.threads
	}
	return n
}

// NumThreadsActive returns how many workers are executing a task.
func (p *Pool) NumThreadsActive() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := 0
	for _, m := range p.machines {
		n += m.NumThreadsActive()
	}
	return n
}
