package system

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/3cpo-dev/vpb/internal/config"
	"github.com/3cpo-dev/vpb/internal/datasetcache"
	"github.com/3cpo-dev/vpb/internal/pool"
	"github.com/3cpo-dev/vpb/internal/store"
	"github.com/3cpo-dev/vpb/internal/task"
	"github.com/3cpo-dev/vpb/internal/variant"
)

type runnerFunc func(ctx context.Context, command string, out io.Writer) error

func (f runnerFunc) RunCommand(ctx context.Context, command string, out io.Writer) error {
	return f(ctx, command, out)
}

type nopDataset struct{}

func (nopDataset) Close() error { return nil }

type openRecorder struct {
	mu    sync.Mutex
	paths []string
}

func (r *openRecorder) open(path string) (datasetcache.Dataset, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.paths = append(r.paths, path)
	return nopDataset{}, nil
}

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	dir := t.TempDir()
	return &config.Config{
		TaskDir:             filepath.Join(dir, "tasks"),
		LogDir:              filepath.Join(dir, "logs"),
		CacheFile:           filepath.Join(dir, "variants.txt"),
		LedgerDB:            filepath.Join(dir, "ledger.db"),
		TrimTilesScheme:     "oldest",
		NumDatasetsToTrim:   1,
		MaximumOpenDatasets: 4,
		MirrorParallelism:   2,
		Hostname:            "master",
	}
}

func newSystem(t *testing.T, cfg *config.Config, run runnerFunc, opts ...Option) *System {
	t.Helper()
	if run == nil {
		run = func(context.Context, string, io.Writer) error { return nil }
	}
	opts = append([]Option{
		WithBuildName("terrain"),
		WithMachines(pool.Spec{Hostname: "worker1", Threads: 2}),
		WithRunnerFactory(func(pool.Spec) (pool.Runner, error) { return run, nil }),
	}, opts...)
	s, err := New(context.Background(), cfg, opts...)
	require.NoError(t, err)
	return s
}

func profile(cs string, maxX float64, size int) variant.SpatialProperties {
	return variant.SpatialProperties{
		CoordinateSystem: cs,
		Extents:          variant.Extents{MinX: 0, MinY: 0, MaxX: maxX, MaxY: maxX},
		SizeX:            size,
		SizeY:            size,
		SizeZ:            1,
	}
}

func TestLocalHostName(t *testing.T) {
	assert.Equal(t, "override", LocalHostName(&config.Config{Hostname: "override"}))
	assert.NotEmpty(t, LocalHostName(nil))
}

func TestSubmitSkipsCompletedTasks(t *testing.T) {
	cfg := testConfig(t)
	require.NoError(t, os.MkdirAll(cfg.TaskDir, 0o755))

	var ran atomic.Int32
	s := newSystem(t, cfg, func(ctx context.Context, command string, out io.Writer) error {
		ran.Add(1)
		fmt.Fprintln(out, "tile written")
		return nil
	})

	var tasks []*task.File
	for i, status := range []string{task.StatusPending, task.StatusCompleted, task.StatusFailed, ""} {
		props := map[string]string{task.KeyApplication: "osgdem", task.KeyArguments: fmt.Sprintf("--tile %d", i)}
		if status != "" {
			props[task.KeyStatus] = status
		}
		tf := task.New(filepath.Join(cfg.TaskDir, fmt.Sprintf("tile_%d%s", i, task.Extension)), props)
		require.NoError(t, tf.Write())
		tasks = append(tasks, tf)
	}

	n, err := s.Submit(tasks)
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	require.NoError(t, s.Wait(ctx))
	assert.Equal(t, int32(3), ran.Load())
	assert.True(t, s.Build.IsComplete())

	ops, err := s.Ledger.Operations(ctx, s.Run.ID())
	require.NoError(t, err)
	require.Len(t, ops, 3)
	for _, op := range ops {
		assert.Equal(t, "completed", op.State)
	}
	msgs, err := s.Ledger.Messages(ctx, s.Run.ID(), "tile_0.task")
	require.NoError(t, err)
	var texts []string
	for _, m := range msgs {
		texts = append(texts, m.Text)
	}
	assert.Contains(t, texts, "tile written")

	runID := s.Run.ID()
	require.NoError(t, s.Close(ctx))

	st, err := store.Open(cfg.LedgerDB)
	require.NoError(t, err)
	defer st.Close()
	info, err := st.RunInfo(ctx, runID)
	require.NoError(t, err)
	assert.Equal(t, store.StatusCompleted, info.Status)

	_, err = os.Stat(filepath.Join(cfg.LogDir, "terrain.log"))
	assert.NoError(t, err)
}

func TestCloseAfterExitMarksRunExited(t *testing.T) {
	cfg := testConfig(t)
	s := newSystem(t, cfg, nil)
	runID := s.Run.ID()
	s.Pool.Exit(os.Interrupt)
	require.NoError(t, s.Close(context.Background()))

	st, err := store.Open(cfg.LedgerDB)
	require.NoError(t, err)
	defer st.Close()
	info, err := st.RunInfo(context.Background(), runID)
	require.NoError(t, err)
	assert.Equal(t, store.StatusExited, info.Status)
}

func TestWithoutLedger(t *testing.T) {
	cfg := testConfig(t)
	cfg.LedgerDB = ""
	s := newSystem(t, cfg, nil)
	assert.Nil(t, s.Ledger)
	assert.Nil(t, s.Run)
	require.NoError(t, s.Close(context.Background()))
}

func TestDeriveVariantIsShared(t *testing.T) {
	cfg := testConfig(t)
	s := newSystem(t, cfg, nil)
	defer s.Close(context.Background())

	sp := profile("EPSG:4326", 10, 11)
	var derived atomic.Int32
	derive := func(ctx context.Context, original string, sp variant.SpatialProperties) (string, error) {
		derived.Add(1)
		time.Sleep(10 * time.Millisecond)
		return original + ".4326.tif", nil
	}

	var wg sync.WaitGroup
	results := make([]string, 8)
	errs := make([]error, 8)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = s.DeriveVariant(context.Background(), "/src/dem.tif", sp, derive)
		}(i)
	}
	wg.Wait()

	for i := range results {
		require.NoError(t, errs[i])
		assert.Equal(t, "/src/dem.tif.4326.tif", results[i])
	}
	assert.Equal(t, int32(1), derived.Load())

	vs := s.Variants.Variants("/src/dem.tif")
	require.Len(t, vs, 1)
	assert.Equal(t, "master", vs[0].Host)
	assert.Equal(t, "terrain", vs[0].Build)
	assert.True(t, s.Variants.Dirty())
}

func TestDeriveVariantError(t *testing.T) {
	cfg := testConfig(t)
	s := newSystem(t, cfg, nil)
	defer s.Close(context.Background())

	boom := errors.New("gdalwarp failed")
	_, err := s.DeriveVariant(context.Background(), "/src/dem.tif", profile("EPSG:4326", 10, 11),
		func(context.Context, string, variant.SpatialProperties) (string, error) { return "", boom })
	assert.ErrorIs(t, err, boom)
	assert.Zero(t, s.Variants.Len())
}

func TestOpenOptimumDataset(t *testing.T) {
	cfg := testConfig(t)
	rec := &openRecorder{}
	s := newSystem(t, cfg, nil, WithOpener(rec.open))
	defer s.Close(context.Background())

	h, err := s.OpenOptimumDataset("/src/unknown.tif", profile("EPSG:4326", 10, 11))
	require.NoError(t, err)
	assert.Equal(t, "/src/unknown.tif", h.Path())
	h.Release()

	s.Variants.Add(variant.FileDetails{
		Original: "/src/dem.tif",
		File:     "/cache/dem.4326.tif",
		Host:     "master",
		Spatial:  profile("EPSG:4326", 10, 11),
	})
	h, err = s.OpenOptimumDataset("/src/dem.tif", profile("EPSG:4326", 10, 11))
	require.NoError(t, err)
	assert.Equal(t, "/cache/dem.4326.tif", h.Path())
	h.Release()

	_, err = s.OpenOptimumDataset("/src/dem.tif", profile("EPSG:3857", 10, 11))
	assert.ErrorIs(t, err, ErrNoVariant)

	assert.Equal(t, []string{"/src/unknown.tif", "/cache/dem.4326.tif"}, rec.paths)
}

func TestVariantCacheSavedOnClose(t *testing.T) {
	cfg := testConfig(t)
	s := newSystem(t, cfg, nil)
	_, err := s.DeriveVariant(context.Background(), "/src/dem.tif", profile("EPSG:4326", 10, 11),
		func(_ context.Context, original string, _ variant.SpatialProperties) (string, error) {
			return "/cache/dem.tif", nil
		})
	require.NoError(t, err)
	require.NoError(t, s.Close(context.Background()))

	reloaded := variant.New("master")
	require.NoError(t, reloaded.Read(cfg.CacheFile))
	assert.Len(t, reloaded.Variants("/src/dem.tif"), 1)
}

func TestDefaultLocalMachine(t *testing.T) {
	cfg := testConfig(t)
	cfg.LedgerDB = ""
	s, err := New(context.Background(), cfg,
		WithRunnerFactory(func(pool.Spec) (pool.Runner, error) { return pool.ShellRunner{}, nil }))
	require.NoError(t, err)
	defer s.Close(context.Background())

	ms := s.Pool.Machines()
	require.Len(t, ms, 1)
	assert.Equal(t, "master", ms[0].Hostname())
}

func TestMissingMachineFileIsTolerated(t *testing.T) {
	cfg := testConfig(t)
	cfg.MachineFile = filepath.Join(t.TempDir(), "missing.yaml")
	s := newSystem(t, cfg, nil)
	defer s.Close(context.Background())
	assert.Len(t, s.Pool.Machines(), 1)
}
