package pool

import (
	"context"
	"strings"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/3cpo-dev/vpb/internal/buildlog"
	"github.com/3cpo-dev/vpb/internal/ssh"
	"github.com/3cpo-dev/vpb/internal/task"
	"github.com/3cpo-dev/vpb/internal/telemetry"
)

// Spec describes one machine of the pool.
type Spec struct {
	Hostname       string       `yaml:"hostname"`
	Prefix         string       `yaml:"prefix"`
	Postfix        string       `yaml:"postfix"`
	Threads        int          `yaml:"threads"`
	CacheDirectory string       `yaml:"cache_directory"`
	SSH            *ssh.Options `yaml:"ssh,omitempty"`
	Agent          string       `yaml:"agent,omitempty"`
	AgentToken     string       `yaml:"agent_token,omitempty"`
}

// Machine is a named execution target whose workers pull from the pool's
// shared queue.
type Machine struct {
	hostname string
	prefix   string
	postfix  string
	threads  int
	cacheDir string
	runner   Runner

	active atomic.Int32
}

func newMachine(spec Spec, runner Runner) *Machine {
	threads := spec.Threads
	if threads < 1 {
		threads = 1
	}
	return &Machine{
		hostname: spec.Hostname,
		prefix:   spec.Prefix,
		postfix:  spec.Postfix,
		threads:  threads,
		cacheDir: spec.CacheDirectory,
		runner:   runner,
	}
}

func (m *Machine) Hostname() string       { return m.hostname }
func (m *Machine) Prefix() string         { return m.prefix }
func (m *Machine) Postfix() string        { return m.postfix }
func (m *Machine) NumThreads() int        { return m.threads }
func (m *Machine) CacheDirectory() string { return m.cacheDir }

// NumThreadsActive returns how many of the machine's workers are executing a
// task.
func (m *Machine) NumThreadsActive() int { return int(m.active.Load()) }

// Command joins prefix, application, arguments and postfix, skipping empty
// parts.
func (m *Machine) Command(application, arguments string) string {
	var parts []string
	for _, p := range []string{m.prefix, application, arguments, m.postfix} {
		if p = strings.TrimSpace(p); p != "" {
			parts = append(parts, p)
		}
	}
	return strings.Join(parts, " ")
}

// execute runs one task on this machine. A task without an application is
// skipped.
func (m *Machine) execute(ctx context.Context, t *task.File, obs Observer) error {
	logger := buildlog.Logger(ctx)

	app, _ := t.Property(task.KeyApplication)
	if strings.TrimSpace(app) == "" {
		logger.Debug().Str("task", t.Name()).Msg("no application, skipping task")
		obs.TaskStarted(m.hostname)
		obs.TaskFinished(m.hostname, telemetry.OutcomeSkipped, 0)
		return nil
	}
	args, _ := t.Property(task.KeyArguments)

	t.SetProperty(task.KeyHostname, m.hostname)
	if err := t.Write(); err != nil {
		logger.Warn().Err(err).Str("task", t.Path()).Msg("could not persist task")
	}

	cmd := m.Command(app, args)
	logger.Info().Str("machine", m.hostname).Str("task", t.Name()).Str("command", cmd).Msg("running task")

	out := buildlog.NewLineWriter(logger, zerolog.InfoLevel)
	obs.TaskStarted(m.hostname)
	start := time.Now()
	err := m.runner.RunCommand(ctx, cmd, out)
	out.Flush()
	elapsed := time.Since(start)

	if err != nil {
		logger.Error().Err(err).Str("machine", m.hostname).Str("task", t.Name()).Dur("elapsed", elapsed).Msg("task command failed")
		obs.TaskFinished(m.hostname, telemetry.OutcomeFailed, elapsed)
		return err
	}
	logger.Info().Str("machine", m.hostname).Str("task", t.Name()).Dur("elapsed", elapsed).Msg("task command finished")
	obs.TaskFinished(m.hostname, telemetry.OutcomeOK, elapsed)
	return nil
}
