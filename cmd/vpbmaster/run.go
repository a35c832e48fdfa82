package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/3cpo-dev/vpb/internal/pool"
	"github.com/3cpo-dev/vpb/internal/system"
	"github.com/3cpo-dev/vpb/internal/task"
)

// Run the task directory on the machine pool
func newRunCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run every unfinished task of the task directory on the machine pool",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			name, _ := cmd.Flags().GetString("name")
			sys, err := system.New(cmd.Context(), cfg, system.WithBuildName(name))
			if err != nil {
				return err
			}

			done := make(chan struct{})
			defer close(done)
			sigc := make(chan os.Signal, 1)
			signal.Notify(sigc, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP, syscall.SIGQUIT)
			defer signal.Stop(sigc)
			go func() {
				select {
				case sig := <-sigc:
					sys.Pool.Exit(sig)
				case <-done:
				}
			}()

			tasks, err := task.Discover(cfg.TaskDir)
			if err != nil {
				log.Warn().Err(err).Str("dir", cfg.TaskDir).Msg("some tasks could not be read")
			}
			n, err := sys.Submit(tasks)
			if err != nil && !errors.Is(err, pool.ErrExiting) {
				_ = sys.Close(context.Background())
				return err
			}
			log.Info().Int("queued", n).Int("found", len(tasks)).Int("threads", sys.Pool.NumThreads()).Msg("tasks submitted")

			werr := sys.Wait(cmd.Context())
			sys.Report(os.Stdout)
			exiting, sig := sys.Pool.Exiting()
			if sys.Run != nil {
				fmt.Printf("run %s\n", sys.Run.ID())
			}
			cerr := sys.Close(context.Background())
			if exiting {
				return errors.Join(fmt.Errorf("build interrupted by %v", sig), cerr)
			}
			return errors.Join(werr, cerr)
		},
	}
	cmd.Flags().String("name", "build", "build name used for the log file and the ledger run")
	return cmd
}

// Run a command as a task from the worker side
func newExecCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "exec --task <file> -- <command...>",
		Short: "Run a command on behalf of a task, recording its status and messages",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path, _ := cmd.Flags().GetString("task")
			t, err := task.Load(path)
			if err != nil {
				return err
			}
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			w := os.Stdout
			if cfg.LogDir != "" {
				if err := os.MkdirAll(cfg.LogDir, 0o755); err != nil {
					return err
				}
				f, err := os.OpenFile(filepath.Join(cfg.LogDir, strings.TrimSuffix(t.Name(), task.Extension)+".log"),
					os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
				if err != nil {
					return err
				}
				defer f.Close()
				w = f
			}
			return pool.RunTaskCommand(cmd.Context(), t, strings.Join(args, " "), pool.ShellRunner{}, w)
		},
	}
	cmd.Flags().String("task", "", "task descriptor file")
	_ = cmd.MarkFlagRequired("task")
	return cmd
}
