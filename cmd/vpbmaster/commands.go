package main

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/3cpo-dev/vpb/internal/config"
	"github.com/3cpo-dev/vpb/internal/pool"
	gssh "github.com/3cpo-dev/vpb/internal/ssh"
	"github.com/3cpo-dev/vpb/internal/store"
	"github.com/3cpo-dev/vpb/internal/system"
	"github.com/3cpo-dev/vpb/internal/variant"
)

func openVariants(cfg *config.Config) (*variant.Cache, error) {
	if cfg.CacheFile == "" {
		return nil, fmt.Errorf("no variant cache file configured")
	}
	c := variant.New(system.LocalHostName(cfg), variant.WithMirrorParallelism(cfg.MirrorParallelism))
	if err := c.Open(cfg.CacheFile); err != nil {
		return nil, err
	}
	return c, nil
}

// Inspect the variant cache
func newCacheCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "cache",
		Short: "Inspect the variant cache",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "report",
		Short: "Print every registered variant",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			c, err := openVariants(cfg)
			if err != nil {
				return err
			}
			c.Report(os.Stdout)
			return nil
		},
	})
	cmd.AddCommand(newCacheBestCmd())
	cmd.AddCommand(newCacheMirrorCmd())
	return cmd
}

func newCacheBestCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "best <original>",
		Short: "Pick the best variant of a file for a coordinate system or a profile",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cs, _ := cmd.Flags().GetString("cs")
			extents, _ := cmd.Flags().GetString("extents")
			size, _ := cmd.Flags().GetString("size")
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			c, err := openVariants(cfg)
			if err != nil {
				return err
			}
			if extents == "" {
				if cs == "" {
					return fmt.Errorf("either --cs or --extents is required")
				}
				fmt.Println(c.BestForCoordinateSystem(args[0], cs))
				return nil
			}
			sp, err := parseProfile(cs, extents, size)
			if err != nil {
				return err
			}
			file, ok := c.BestForProfile(args[0], sp)
			if !ok {
				return fmt.Errorf("no variant of %s fits, derive one", args[0])
			}
			fmt.Println(file)
			return nil
		},
	}
	cmd.Flags().String("cs", "", "coordinate system")
	cmd.Flags().String("extents", "", "profile extents minX,minY,maxX,maxY")
	cmd.Flags().String("size", "1,1", "profile raster size x,y")
	return cmd
}

func parseProfile(cs, extents, size string) (variant.SpatialProperties, error) {
	e, err := parseFloats(extents, 4)
	if err != nil {
		return variant.SpatialProperties{}, fmt.Errorf("--extents: %w", err)
	}
	s, err := parseFloats(size, 2)
	if err != nil {
		return variant.SpatialProperties{}, fmt.Errorf("--size: %w", err)
	}
	return variant.SpatialProperties{
		CoordinateSystem: cs,
		Extents:          variant.Extents{MinX: e[0], MinY: e[1], MaxX: e[2], MaxY: e[3]},
		SizeX:            int(s[0]),
		SizeY:            int(s[1]),
		SizeZ:            1,
	}, nil
}

func parseFloats(s string, n int) ([]float64, error) {
	parts := strings.Split(s, ",")
	if len(parts) != n {
		return nil, fmt.Errorf("want %d comma separated numbers, got %q", n, s)
	}
	out := make([]float64, n)
	for i, p := range parts {
		v, err := strconv.ParseFloat(strings.TrimSpace(p), 64)
		if err != nil {
			return nil, err
		}
		out[i] = v
	}
	return out, nil
}

func newCacheMirrorCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "mirror <machine>",
		Short: "Copy the variants produced here into a machine's cache directory over SFTP",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			spec, err := findMachine(cfg, args[0])
			if err != nil {
				return err
			}
			if spec.SSH == nil || spec.CacheDirectory == "" {
				return fmt.Errorf("machine %s needs an ssh block and a cache_directory", spec.Hostname)
			}
			c, err := openVariants(cfg)
			if err != nil {
				return err
			}
			client, err := gssh.NewClient(spec.Hostname, *spec.SSH)
			if err != nil {
				return err
			}
			pusher := gssh.NewPusher(client)
			defer pusher.Close()
			n, err := c.Mirror(cmd.Context(), pusher, spec.Hostname, spec.CacheDirectory)
			if serr := c.Sync(); serr != nil && err == nil {
				err = serr
			}
			fmt.Printf("mirrored %d files to %s:%s\n", n, spec.Hostname, spec.CacheDirectory)
			return err
		},
	}
}

func findMachine(cfg *config.Config, hostname string) (pool.Spec, error) {
	if cfg.MachineFile == "" {
		return pool.Spec{}, fmt.Errorf("no machine file configured")
	}
	specs, err := pool.LoadMachines(cfg.MachineFile)
	if err != nil {
		return pool.Spec{}, err
	}
	for _, s := range specs {
		if s.Hostname == hostname {
			return s, nil
		}
	}
	return pool.Spec{}, fmt.Errorf("machine %s not in %s", hostname, cfg.MachineFile)
}

// Print the ledger
func newLedgerCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "ledger [run-id]",
		Short: "List recorded runs, or the operations of one run",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			if cfg.LedgerDB == "" {
				return fmt.Errorf("no ledger database configured")
			}
			st, err := store.Open(cfg.LedgerDB)
			if err != nil {
				return err
			}
			defer st.Close()

			if len(args) == 0 {
				runs, err := st.Runs(cmd.Context(), 20)
				if err != nil {
					return err
				}
				for _, r := range runs {
					fmt.Printf("%s\t%s\t%s\t%s\n", r.ID, r.Name, r.StartedAt.Format(time.RFC3339), r.Status)
				}
				return nil
			}

			unfinished, _ := cmd.Flags().GetBool("unfinished")
			info, err := st.RunInfo(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			ops, err := st.Operations(cmd.Context(), info.ID)
			if unfinished {
				ops, err = st.Unfinished(cmd.Context(), info.ID)
			}
			if err != nil {
				return err
			}
			fmt.Printf("run %s (%s) %s, %d operations\n", info.ID, info.Name, info.Status, len(ops))
			for _, op := range ops {
				fmt.Printf("  %s\t%s\twaiting %s\trunning %s\n", op.Name, op.State,
					span(op.PendingAt, op.RunningAt), span(op.RunningAt, op.CompletedAt))
			}
			return nil
		},
	}
	cmd.Flags().Bool("unfinished", false, "only operations that never completed")
	return cmd
}

func span(from, to time.Time) string {
	if from.IsZero() || to.IsZero() {
		return "-"
	}
	return to.Sub(from).String()
}

// List the machine pool
func newMachinesCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "machines",
		Short: "List configured machines and their thread counts",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			if cfg.MachineFile == "" {
				fmt.Printf("%s\tlocal\t(default)\n", system.LocalHostName(cfg))
				return nil
			}
			specs, err := pool.LoadMachines(cfg.MachineFile)
			if err != nil {
				return err
			}
			for _, s := range specs {
				transport := "local"
				switch {
				case s.Agent != "":
					transport = "agent " + s.Agent
				case s.SSH != nil:
					transport = "ssh"
				}
				threads := s.Threads
				if threads < 1 {
					threads = 1
				}
				fmt.Printf("%s\t%d\t%s\t%s\n", s.Hostname, threads, transport, s.CacheDirectory)
			}
			return nil
		},
	}
}

// Generate an SSH key for the worker machines
func newKeygenCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "keygen [private-key-path]",
		Short: "Generate an ed25519 key pair and print the authorized key",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := filepath.Join(filepath.Dir(gssh.DefaultKnownHostsFile()), "id_ed25519")
			if len(args) == 1 {
				path = args[0]
			}
			if _, err := os.Stat(path); err == nil {
				return fmt.Errorf("%s already exists", path)
			}
			pub, err := gssh.GenerateEd25519Keypair(path)
			if err != nil {
				return err
			}
			fmt.Print(pub)
			return nil
		},
	}
}

// Trust a worker's host key
func newTrustCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "trust <host[:port]> <host-key-file>",
		Short: "Add a machine's public host key to known_hosts",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			knownHosts, _ := cmd.Flags().GetString("known-hosts")
			key, err := os.ReadFile(args[1])
			if err != nil {
				return err
			}
			if err := gssh.AppendKnownHost(knownHosts, args[0], strings.TrimSpace(string(key))); err != nil {
				return err
			}
			fmt.Printf("trusted %s in %s\n", args[0], knownHosts)
			return nil
		},
	}
	cmd.Flags().String("known-hosts", gssh.DefaultKnownHostsFile(), "known_hosts file")
	return cmd
}
