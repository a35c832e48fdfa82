// Package system wires the process-wide build services: the machine pool,
// the build log, both caches, the ledger and metrics.
package system

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"runtime"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/singleflight"

	"github.com/3cpo-dev/vpb/internal/buildlog"
	"github.com/3cpo-dev/vpb/internal/config"
	"github.com/3cpo-dev/vpb/internal/datasetcache"
	"github.com/3cpo-dev/vpb/internal/pool"
	"github.com/3cpo-dev/vpb/internal/store"
	"github.com/3cpo-dev/vpb/internal/task"
	"github.com/3cpo-dev/vpb/internal/telemetry"
	"github.com/3cpo-dev/vpb/internal/variant"
)

// ErrNoVariant is returned when no registered variant fits the requested
// profile and the caller has to derive one.
var ErrNoVariant = errors.New("no suitable variant")

// Deriver produces a new variant of original matching sp and returns its
// path.
type Deriver func(ctx context.Context, original string, sp variant.SpatialProperties) (string, error)

// System holds the shared services of one build process.
type System struct {
	cfg      *config.Config
	name     string
	hostname string

	Metrics  *telemetry.Metrics
	Datasets *datasetcache.Cache
	Variants *variant.Cache
	Build    *buildlog.BuildLog
	Pool     *pool.Pool

	// Ledger and Run are nil when no ledger database is configured.
	Ledger *store.Store
	Run    *store.Run

	logFile *buildlog.LogFile
	monitor *telemetry.MonitoringServer
	derive  singleflight.Group
}

type options struct {
	name     string
	opener   datasetcache.Opener
	runners  pool.RunnerFactory
	machines []pool.Spec
}

// Option configures New.
type Option func(*options)

// WithBuildName names the build log and the ledger run.
func WithBuildName(name string) Option { return func(o *options) { o.name = name } }

// WithOpener sets how datasets are opened.
func WithOpener(open datasetcache.Opener) Option { return func(o *options) { o.opener = open } }

// WithRunnerFactory overrides the machine transports.
func WithRunnerFactory(f pool.RunnerFactory) Option { return func(o *options) { o.runners = f } }

// WithMachines adds machines besides those of the machine file.
func WithMachines(specs ...pool.Spec) Option {
	return func(o *options) { o.machines = append(o.machines, specs...) }
}

// LocalHostName returns the configured host name or the OS one.
func LocalHostName(cfg *config.Config) string {
	if cfg != nil && cfg.Hostname != "" {
		return cfg.Hostname
	}
	h, err := os.Hostname()
	if err != nil {
		log.Warn().Err(err).Msg("could not determine host name")
		return "localhost"
	}
	return h
}

// New builds every service from cfg. Missing cache or machine files are
// tolerated; a broken ledger is not.
func New(ctx context.Context, cfg *config.Config, opts ...Option) (*System, error) {
	o := options{name: "build", opener: datasetcache.OpenFile}
	for _, opt := range opts {
		opt(&o)
	}

	s := &System{
		cfg:      cfg,
		name:     o.name,
		hostname: LocalHostName(cfg),
		Metrics:  telemetry.New(),
	}
	s.Datasets = datasetcache.New(o.opener,
		datasetcache.WithCapacity(cfg.MaximumOpenDatasets),
		datasetcache.WithTrimCount(cfg.NumDatasetsToTrim),
		datasetcache.WithPolicy(cfg.TrimPolicy()),
		datasetcache.WithObserver(s.Metrics),
	)
	s.Variants = variant.New(s.hostname,
		variant.WithObserver(s.Metrics),
		variant.WithMirrorParallelism(cfg.MirrorParallelism),
	)
	if cfg.CacheFile != "" {
		if err := s.Variants.Open(cfg.CacheFile); err != nil {
			log.Warn().Err(err).Str("path", cfg.CacheFile).Msg("could not read variant cache")
		}
	}

	if err := s.openLedger(ctx); err != nil {
		s.release(ctx)
		return nil, err
	}
	if err := s.openBuildLog(); err != nil {
		s.release(ctx)
		return nil, err
	}

	popts := []pool.Option{pool.WithBuildLog(s.Build), pool.WithObserver(s.Metrics)}
	if o.runners != nil {
		popts = append(popts, pool.WithRunnerFactory(o.runners))
	}
	s.Pool = pool.New(popts...)
	if err := s.addMachines(o.machines); err != nil {
		s.release(ctx)
		return nil, err
	}

	if cfg.MetricsAddr != "" {
		s.startMonitor(cfg.MetricsAddr)
	}
	return s, nil
}

func (s *System) openLedger(ctx context.Context) error {
	if s.cfg.LedgerDB == "" {
		return nil
	}
	st, err := store.Open(s.cfg.LedgerDB)
	if err != nil {
		return fmt.Errorf("open ledger: %w", err)
	}
	s.Ledger = st
	run, err := st.StartRun(ctx, s.name)
	if err != nil {
		return err
	}
	s.Run = run
	log.Info().Str("run", run.ID()).Str("ledger", s.cfg.LedgerDB).Msg("build run started")
	return nil
}

func (s *System) openBuildLog() error {
	var bopts []buildlog.Option
	if s.cfg.LogDir != "" {
		if err := os.MkdirAll(s.cfg.LogDir, 0o755); err != nil {
			return fmt.Errorf("create log dir: %w", err)
		}
		lf, err := buildlog.OpenLogFile(filepath.Join(s.cfg.LogDir, s.name+".log"))
		if err != nil {
			return err
		}
		s.logFile = lf
		bopts = append(bopts, buildlog.WithLogFile(lf))
	}
	if s.Run != nil {
		bopts = append(bopts, buildlog.WithRecorder(s.Run))
	}
	s.Build = buildlog.New(s.name, bopts...)
	return nil
}

func (s *System) addMachines(extra []pool.Spec) error {
	specs := append([]pool.Spec(nil), extra...)
	if s.cfg.MachineFile != "" {
		loaded, err := pool.LoadMachines(s.cfg.MachineFile)
		switch {
		case errors.Is(err, os.ErrNotExist):
			log.Warn().Str("path", s.cfg.MachineFile).Msg("machine file not found")
		case err != nil:
			return err
		default:
			specs = append(specs, loaded...)
		}
	}
	if len(specs) == 0 {
		specs = []pool.Spec{{Hostname: s.hostname, Threads: runtime.NumCPU()}}
	}
	for _, spec := range specs {
		if spec.Agent != "" && spec.AgentToken == "" {
			spec.AgentToken = s.cfg.AgentToken
		}
		if _, err := s.Pool.AddMachine(spec); err != nil {
			return fmt.Errorf("add machine %s: %w", spec.Hostname, err)
		}
	}
	return nil
}

func (s *System) startMonitor(addr string) {
	s.monitor = telemetry.NewMonitoringServer(addr, s.Metrics)
	s.monitor.RegisterHealthCheck("goroutines", telemetry.GoroutineCheck)
	if s.Ledger != nil {
		s.monitor.RegisterHealthCheck("ledger", func() telemetry.HealthCheck {
			hc := telemetry.HealthCheck{Name: "ledger", Status: telemetry.HealthStatusHealthy, Message: "ok"}
			if err := s.Ledger.Ping(context.Background()); err != nil {
				hc.Status = telemetry.HealthStatusUnhealthy
				hc.Message = err.Error()
			}
			return hc
		})
	}
	go func() {
		if err := s.monitor.Start(); err != nil {
			log.Error().Err(err).Str("addr", addr).Msg("monitoring server stopped")
		}
	}()
	log.Info().Str("addr", addr).Msg("serving metrics")
}

// Hostname is the name this process registers variants under.
func (s *System) Hostname() string { return s.hostname }

// Config returns the configuration the system was built from.
func (s *System) Config() *config.Config { return s.cfg }

// Submit enqueues every task whose status is not completed and returns how
// many were queued.
func (s *System) Submit(tasks []*task.File) (int, error) {
	n := 0
	for _, t := range tasks {
		if st, _ := t.Property(task.KeyStatus); st == task.StatusCompleted {
			log.Debug().Str("task", t.Name()).Msg("already completed, skipping")
			continue
		}
		if err := s.Pool.Run(t); err != nil {
			return n, err
		}
		n++
	}
	return n, nil
}

// Wait blocks until every submitted task has finished.
func (s *System) Wait(ctx context.Context) error { return s.Pool.WaitForCompletion(ctx) }

// OpenOptimumDataset opens the registered variant of original that best
// fits sp. The caller releases the handle.
func (s *System) OpenOptimumDataset(original string, sp variant.SpatialProperties) (*datasetcache.Handle, error) {
	file, ok := s.Variants.BestForProfile(original, sp)
	if !ok {
		return nil, fmt.Errorf("%w for %s", ErrNoVariant, original)
	}
	return s.Datasets.Open(file)
}

// DeriveVariant returns a registered variant of original fitting sp, or
// derives and registers one. Concurrent calls for the same original and
// profile share a single derivation.
func (s *System) DeriveVariant(ctx context.Context, original string, sp variant.SpatialProperties, derive Deriver) (string, error) {
	key := fmt.Sprintf("%s\x00%+v", original, sp)
	v, err, shared := s.derive.Do(key, func() (any, error) {
		if len(s.Variants.Variants(original)) > 0 {
			if file, ok := s.Variants.BestForProfile(original, sp); ok {
				return file, nil
			}
		}
		file, err := derive(ctx, original, sp)
		if err != nil {
			return "", fmt.Errorf("derive variant of %s: %w", original, err)
		}
		s.Variants.Add(variant.FileDetails{
			Original: original,
			File:     file,
			Host:     s.hostname,
			Build:    s.name,
			Spatial:  sp,
		})
		log.Info().Str("original", original).Str("file", file).Msg("variant derived")
		return file, nil
	})
	if shared {
		log.Debug().Str("original", original).Msg("variant derivation shared")
	}
	if err != nil {
		return "", err
	}
	return v.(string), nil
}

// Report writes the build log report.
func (s *System) Report(w io.Writer) { s.Build.Report(w) }

// Close drains the pool, finishes the ledger run, saves the variant cache
// and releases every resource.
func (s *System) Close(ctx context.Context) error {
	var errs []error
	if s.Pool != nil {
		s.Pool.Close()
	}
	if s.Run != nil {
		status := store.StatusCompleted
		if exiting, _ := s.Pool.Exiting(); exiting {
			status = store.StatusExited
		}
		if err := s.Run.Finish(ctx, status); err != nil {
			errs = append(errs, err)
		}
	}
	if err := s.Variants.Sync(); err != nil {
		errs = append(errs, fmt.Errorf("save variant cache: %w", err))
	}
	errs = append(errs, s.release(ctx))
	return errors.Join(errs...)
}

func (s *System) release(ctx context.Context) error {
	var errs []error
	s.Datasets.Clear()
	if s.logFile != nil {
		errs = append(errs, s.logFile.Close())
	}
	if s.Ledger != nil {
		errs = append(errs, s.Ledger.Close())
	}
	if s.monitor != nil {
		errs = append(errs, s.monitor.Shutdown(ctx))
	}
	return errors.Join(errs...)
}
