// ============================================================================
// forgec CLI - Command Line Interface
// ============================================================================
//
// Package: internal/cli
// File: cli.go
// Purpose: Cobra commands driving the compile pipeline
//
// Command Structure:
//   forgec                         # Root command
//   ├── build                      # Compile the project
//   │   ├── --jobs, -j             # Parallel compiler invocations (0 = NumCPU)
//   │   ├── --force                # Drop the cache before compiling
//   │   ├── --no-cache             # Compile everything, do not persist the cache
//   │   ├── --offline-fake         # Use the built-in fake compiler
//   │   └── --sparse               # Only request full output for matching files
//   ├── serve                      # Expose the configured compiler over gRPC
//   │   └── --port                 # Listen port (default 50051)
//   ├── status                     # Print config, cache and build log summary
//   ├── clean                      # Remove cache, artifacts and build infos
//   ├── --config, -c               # Config file (yaml or toml)
//   └── --version
//
// Configuration:
//   forgec.yaml (or foundry.toml). A missing default config file means an
//   all-defaults project rooted at the working directory.
//
// Compiler selection, first match wins:
//   1. --offline-fake
//   2. `remote` address in the config
//   3. `compilers` binaries in the config, or solc/vyper found on PATH
//
// Signal Handling:
//   serve stops gracefully on SIGINT or SIGTERM.
//
// Metrics Service:
//   If enabled in config, serve starts /metrics on metrics.port.
//
// ============================================================================

package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"syscall"

	"github.com/Masterminds/semver/v3"
	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/foundry-rs/foundry-sub026/internal/buildinfo"
	"github.com/foundry-rs/foundry-sub026/internal/buildlog"
	"github.com/foundry-rs/foundry-sub026/internal/cache"
	"github.com/foundry-rs/foundry-sub026/internal/compile"
	"github.com/foundry-rs/foundry-sub026/internal/compilers"
	"github.com/foundry-rs/foundry-sub026/internal/compilers/fake"
	"github.com/foundry-rs/foundry-sub026/internal/compilers/multi"
	"github.com/foundry-rs/foundry-sub026/internal/compilers/remote"
	"github.com/foundry-rs/foundry-sub026/internal/compilers/solc"
	"github.com/foundry-rs/foundry-sub026/internal/config"
	"github.com/foundry-rs/foundry-sub026/internal/metrics"
	"github.com/foundry-rs/foundry-sub026/internal/report"
	"github.com/foundry-rs/foundry-sub026/internal/server"
)

var log = slog.Default()

const defaultConfigFile = "forgec.yaml"

// ErrBuildFailed is returned by build when the compiler reported failing diagnostics.
var ErrBuildFailed = errors.New("compilation failed")

var (
	fakeSolidityVersions = []string{"0.6.12", "0.7.6", "0.8.19", "0.8.28"}
	fakeVyperVersions    = []string{"0.3.10", "0.4.0"}
)

var configFile string

func BuildCLI() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "forgec",
		Short: "forgec: incremental Solidity and Vyper compilation",
		Long: `forgec compiles smart-contract projects with:
- content-hash based dirty detection and an artifacts cache
- one compiler invocation per (version, profile) group
- optional parallel invocations and sparse output selection`,
		Version:       "0.1.0",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", defaultConfigFile, "config file path (yaml or toml)")

	rootCmd.AddCommand(buildBuildCommand())
	rootCmd.AddCommand(buildServeCommand())
	rootCmd.AddCommand(buildStatusCommand())
	rootCmd.AddCommand(buildCleanCommand())

	return rootCmd
}

// ============================================================================
// build
// ============================================================================

type buildOptions struct {
	jobs        int
	force       bool
	noCache     bool
	offlineFake bool
	sparse      []string
}

func buildBuildCommand() *cobra.Command {
	var opts buildOptions

	cmd := &cobra.Command{
		Use:   "build",
		Short: "Compile the project",
		Long:  "Compile every dirty source of the project and write artifacts, build infos and the cache",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runBuild(cmd.Context(), cmd.OutOrStdout(), cmd.Flags().Changed("jobs"), opts)
		},
	}

	cmd.Flags().IntVarP(&opts.jobs, "jobs", "j", 0, "parallel compiler invocations (0 = number of CPUs)")
	cmd.Flags().BoolVar(&opts.force, "force", false, "remove the cache before compiling")
	cmd.Flags().BoolVar(&opts.noCache, "no-cache", false, "ignore and do not write the cache")
	cmd.Flags().BoolVar(&opts.offlineFake, "offline-fake", false, "use the built-in fake compiler")
	cmd.Flags().StringSliceVar(&opts.sparse, "sparse", nil, "globs of files that need full compiler output")

	return cmd
}

func runBuild(ctx context.Context, w io.Writer, jobsSet bool, opts buildOptions) error {
	if ctx == nil {
		ctx = context.Background()
	}
	cfg, err := loadConfig(configFile)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	if jobsSet {
		cfg.Jobs = opts.jobs
	}
	if opts.noCache {
		cfg.Cache = false
	}
	if len(opts.sparse) > 0 {
		cfg.Sparse = opts.sparse
	}
	if err := cfg.Validate(); err != nil {
		return err
	}
	project, err := cfg.Project()
	if err != nil {
		return err
	}

	if opts.force {
		if err := cache.NewStore(project.Paths.CacheFile).Remove(); err != nil {
			return fmt.Errorf("failed to remove cache: %w", err)
		}
	}

	compiler, closeCompiler, err := newCompiler(ctx, cfg, opts.offlineFake)
	if err != nil {
		return err
	}
	defer closeCompiler()

	runID := uuid.NewString()
	reporters := report.Multi{report.NewBasic(w)}
	var collector *metrics.Collector
	if cfg.Metrics.Enabled {
		collector = metrics.NewCollector()
		reporters = append(reporters, report.NewMetrics(collector))
	}
	var blog *report.BuildLog
	if cfg.BuildLog != "" {
		l, err := buildlog.Open(project.Paths.BuildLog)
		if err != nil {
			return fmt.Errorf("failed to open build log: %w", err)
		}
		defer l.Close()
		blog = report.NewBuildLog(l, runID)
		reporters = append(reporters, blog)
	}

	pc, err := compile.New(project, compiler,
		compile.WithReporter(reporters),
		compile.WithMetrics(collector),
		compile.WithRunID(runID),
	)
	if err != nil {
		return err
	}
	out, err := pc.Compile(ctx)
	if err != nil {
		return err
	}
	if blog != nil && blog.Err() != nil {
		log.Warn("build log write failed", "error", blog.Err())
	}

	if err := out.WriteDiagnostics(w); err != nil {
		return err
	}
	switch {
	case out.IsUnchanged():
		fmt.Fprintln(w, "No files changed, compilation skipped")
	case out.Succeeded():
		fmt.Fprintf(w, "Compiler run successful: %d artifacts written, %d cached\n", out.Compiled.Len(), out.Cached.Len())
	}
	if !out.Succeeded() {
		return ErrBuildFailed
	}
	return nil
}

// newCompiler selects the compiler backend. The returned func releases it.
func newCompiler(ctx context.Context, cfg *config.Config, offlineFake bool) (compilers.Compiler, func(), error) {
	noop := func() {}
	if offlineFake {
		return fake.New(fakeSolidityVersions...).WithVyper(fakeVyperVersions...), noop, nil
	}
	if cfg.Remote != "" {
		c, conn, err := remote.Dial(cfg.Remote)
		if err != nil {
			return nil, nil, err
		}
		return c, func() { conn.Close() }, nil
	}

	local := solc.New()
	for _, b := range cfg.Compilers {
		bin, err := binary(ctx, b)
		if err != nil {
			return nil, nil, err
		}
		local.Add(bin)
	}
	if len(cfg.Compilers) == 0 {
		for lang, name := range map[compilers.Language]string{compilers.Solidity: "solc", compilers.Vyper: "vyper"} {
			bin, err := solc.Detect(ctx, lang, name)
			if err != nil {
				log.Debug("compiler not found on PATH", "name", name, "error", err)
				continue
			}
			local.Add(bin)
		}
	}
	return multi.New().With(compilers.Solidity, local).With(compilers.Vyper, local), noop, nil
}

func binary(ctx context.Context, b config.Binary) (solc.Binary, error) {
	lang := b.LanguageOrDefault()
	if b.Version == "" {
		return solc.Detect(ctx, lang, b.Path)
	}
	v, err := semver.NewVersion(b.Version)
	if err != nil {
		return solc.Binary{}, fmt.Errorf("compiler %s: %w", b.Path, err)
	}
	return solc.Binary{Language: lang, Version: v, Path: b.Path}, nil
}

// ============================================================================
// serve
// ============================================================================

func buildServeCommand() *cobra.Command {
	var port int
	var offlineFake bool

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start a gRPC compile server",
		Long:  "Expose the configured compiler backend to remote forgec builds",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(port, offlineFake)
		},
	}

	cmd.Flags().IntVar(&port, "port", 50051, "port to listen on")
	cmd.Flags().BoolVar(&offlineFake, "offline-fake", false, "serve the built-in fake compiler")

	return cmd
}

func runServe(port int, offlineFake bool) error {
	cfg, err := loadConfig(configFile)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	compiler, closeCompiler, err := newCompiler(ctx, cfg, offlineFake)
	if err != nil {
		return err
	}
	defer closeCompiler()

	var collector *metrics.Collector
	if cfg.Metrics.Enabled {
		collector = metrics.NewCollector()
		go func() {
			log.Info("starting metrics server", "port", cfg.Metrics.Port)
			if err := metrics.StartServer(cfg.Metrics.Port); err != nil {
				log.Error("metrics server error", "error", err)
			}
		}()
	}

	lis, err := net.Listen("tcp", fmt.Sprintf(":%d", port))
	if err != nil {
		return fmt.Errorf("failed to listen on port %d: %w", port, err)
	}
	return server.Serve(ctx, lis, server.NewServer(compiler, collector))
}

// ============================================================================
// status
// ============================================================================

func buildStatusCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show project, cache and build log status",
		Long:  "Display the resolved project layout, what the cache holds and how many build events were logged",
		RunE: func(cmd *cobra.Command, args []string) error {
			return showStatus(cmd.OutOrStdout())
		},
	}
	return cmd
}

func showStatus(w io.Writer) error {
	cfg, err := loadConfig(configFile)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	project, err := cfg.Project()
	if err != nil {
		return err
	}
	paths := project.Paths

	fmt.Fprintln(w, "Configuration:")
	fmt.Fprintf(w, "  config file:  %s\n", configFile)
	fmt.Fprintf(w, "  root:         %s\n", paths.Root)
	fmt.Fprintf(w, "  sources:      %s\n", paths.Sources)
	fmt.Fprintf(w, "  artifacts:    %s\n", paths.Artifacts)
	fmt.Fprintf(w, "  jobs:         %d\n", project.Jobs)
	fmt.Fprintf(w, "  profiles:     %d\n", len(project.Profiles)+1)
	fmt.Fprintln(w)

	fmt.Fprintln(w, "Cache:")
	store := cache.NewStore(paths.CacheFile)
	switch f, err := store.Load(); {
	case !store.Exists():
		fmt.Fprintf(w, "  %s: not written yet\n", paths.CacheFile)
	case err != nil:
		fmt.Fprintf(w, "  %s: unreadable (%v)\n", paths.CacheFile, err)
	default:
		fmt.Fprintf(w, "  file:         %s\n", paths.CacheFile)
		fmt.Fprintf(w, "  sources:      %d\n", len(f.Files))
		fmt.Fprintf(w, "  artifacts:    %d\n", f.ArtifactCount())
		fmt.Fprintf(w, "  builds:       %d\n", len(f.Builds))
	}
	infos, err := buildinfo.ReadDir(paths.BuildInfos)
	if err != nil {
		fmt.Fprintf(w, "  build infos:  unreadable (%v)\n", err)
	} else {
		fmt.Fprintf(w, "  build infos:  %d\n", len(infos))
	}
	fmt.Fprintln(w)

	fmt.Fprintln(w, "Build log:")
	if cfg.BuildLog == "" {
		fmt.Fprintln(w, "  disabled")
	} else if n, err := buildlog.Count(paths.BuildLog); err != nil {
		fmt.Fprintf(w, "  %s: unreadable (%v)\n", paths.BuildLog, err)
	} else {
		fmt.Fprintf(w, "  %s: %d events\n", paths.BuildLog, n)
	}
	fmt.Fprintln(w)

	fmt.Fprintln(w, "Metrics:")
	if cfg.Metrics.Enabled {
		fmt.Fprintf(w, "  enabled on http://localhost:%d/metrics (serve only)\n", cfg.Metrics.Port)
	} else {
		fmt.Fprintln(w, "  disabled")
	}
	return nil
}

// ============================================================================
// clean
// ============================================================================

func buildCleanCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "clean",
		Short: "Remove the cache, artifacts and build infos",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runClean(cmd.OutOrStdout())
		},
	}
	return cmd
}

func runClean(w io.Writer) error {
	cfg, err := loadConfig(configFile)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	project, err := cfg.Project()
	if err != nil {
		return err
	}
	paths := project.Paths

	if err := cache.NewStore(paths.CacheFile).Remove(); err != nil {
		return fmt.Errorf("failed to remove cache: %w", err)
	}
	for _, dir := range []string{paths.BuildInfos, paths.Artifacts} {
		if err := os.RemoveAll(dir); err != nil {
			return fmt.Errorf("failed to remove %s: %w", dir, err)
		}
	}
	fmt.Fprintf(w, "Removed %s, %s and %s\n", paths.CacheFile, paths.Artifacts, paths.BuildInfos)
	return nil
}

// ============================================================================
// config
// ============================================================================

// loadConfig reads path. The default path may be absent, in which case the
// defaults rooted at the working directory are used.
func loadConfig(path string) (*config.Config, error) {
	if path == defaultConfigFile {
		if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
			cfg := config.Default()
			return cfg, cfg.Validate()
		}
	}
	return config.Load(path)
}
