// Package main is the entry point for the dockyard session server.
//
// dockyard provisions one Docker container per session, attaches directly
// to its stdin/stdout, and exposes session lifecycle and step operations
// over HTTP for AI-agent training/evaluation workloads (DockerGym-style
// gym environments).
//
// Usage:
//
//	dockyard --docker-image IMAGE --worker-command "python3 worker.py" [flags]
package main

import (
	"context"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/dockyard/dockyard/internal/api"
	"github.com/dockyard/dockyard/internal/batch"
	"github.com/dockyard/dockyard/internal/config"
	"github.com/dockyard/dockyard/internal/driver"

	_ "github.com/dockyard/dockyard/internal/driver/docker"

	"github.com/dockyard/dockyard/internal/hooks"
	"github.com/dockyard/dockyard/internal/session"
)

var (
	Version   = "dev"
	GitCommit = "unknown"
)

var (
	dockerImage    string
	workerCommand  string
	volumes        []string
	envFileList    string
	containerLabel string
	maxSessions    int
	batchWindowMs  int
	idleTimeoutS   int
	commandTimeoutS int
	host           string
	port           int
	apiKey         string
	verbose        bool
)

var rootCmd = &cobra.Command{
	Use:   "dockyard",
	Short: "Dockyard session orchestration server",
	Run: func(cmd *cobra.Command, args []string) {
		runServer()
	},
}

func init() {
	defaults := config.Default()

	rootCmd.Flags().StringVar(&dockerImage, "docker-image", "", "Docker image to launch for each session (required)")
	rootCmd.Flags().StringVar(&workerCommand, "worker-command", "", "worker entrypoint command, e.g. \"python3 worker.py\" (required)")
	rootCmd.Flags().StringArrayVar(&volumes, "volume", nil, "host:container[:mode] bind mount, repeatable")
	rootCmd.Flags().StringVar(&envFileList, "env-file-list", "", "newline-delimited file of logical environment ids")
	rootCmd.Flags().StringVar(&containerLabel, "container-label", defaults.ContainerLabel, "label key used to tag and find session containers")
	rootCmd.Flags().IntVar(&maxSessions, "max-sessions", defaults.MaxSessions, "maximum number of concurrently active sessions")
	rootCmd.Flags().IntVar(&batchWindowMs, "batch-window-ms", int(defaults.BatchWindow.Milliseconds()), "step batch coalescing window, in milliseconds")
	rootCmd.Flags().IntVar(&idleTimeoutS, "idle-timeout", int(defaults.IdleTimeout.Seconds()), "seconds of inactivity before a session is evicted")
	rootCmd.Flags().IntVar(&commandTimeoutS, "command-timeout", int(defaults.CommandTimeout.Seconds()), "seconds to wait for a worker response before marking the session done")
	rootCmd.Flags().StringVar(&host, "host", defaults.Host, "bind host")
	rootCmd.Flags().IntVar(&port, "port", defaults.Port, "bind port")
	rootCmd.Flags().StringVar(&apiKey, "api-key", os.Getenv("DOCKYARD_API_KEY"), "optional API key required on every request except /health")
	rootCmd.Flags().BoolVarP(&verbose, "verbose", "v", false, "enable debug logging")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func buildConfig() config.ServerConfig {
	cfg := config.Default()
	cfg.DockerImage = dockerImage
	cfg.WorkerCommand = strings.Fields(workerCommand)
	cfg.ContainerLabel = containerLabel
	cfg.MaxSessions = maxSessions
	cfg.BatchWindow = time.Duration(batchWindowMs) * time.Millisecond
	cfg.IdleTimeout = time.Duration(idleTimeoutS) * time.Second
	cfg.CommandTimeout = time.Duration(commandTimeoutS) * time.Second
	cfg.Host = host
	cfg.Port = port
	cfg.APIKey = apiKey
	cfg.Version = Version

	for _, spec := range volumes {
		v, err := config.ParseVolume(spec)
		if err != nil {
			log.Fatal().Err(err).Str("volume", spec).Msg("invalid volume spec")
		}
		cfg.Volumes = append(cfg.Volumes, v)
	}

	if envFileList != "" {
		ids, err := config.LoadEnvFileList(envFileList)
		if err != nil {
			log.Fatal().Err(err).Str("path", envFileList).Msg("failed to load env file list")
		}
		cfg.EnvFiles = ids
	}

	return cfg
}

func runServer() {
	zerolog.TimeFieldFormat = time.RFC3339Nano
	if os.Getenv("DOCKYARD_ENV") != "production" {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: "15:04:05"})
	}
	if verbose {
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	}

	cfg := buildConfig()
	if err := cfg.Validate(); err != nil {
		log.Fatal().Err(err).Msg("invalid configuration")
	}

	log.Info().Str("version", Version).Str("commit", GitCommit).Msg("dockyard server starting")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigChan
		log.Info().Str("signal", sig.String()).Msg("shutdown signal received")
		cancel()
	}()

	drv, err := driver.New("docker", nil)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to initialize docker driver")
	}
	defer drv.Close()

	healthCtx, healthCancel := context.WithTimeout(ctx, 5*time.Second)
	if err := drv.Healthy(healthCtx); err != nil {
		log.Fatal().Err(err).Msg("docker daemon unreachable")
	}
	healthCancel()

	manager := session.NewManager(cfg, drv)
	manager.CleanupOrphans(ctx)
	manager.StartEvictionLoop()

	hookSet := hooks.Default(cfg)
	if err := hookSet.OnStartup(ctx); err != nil {
		log.Fatal().Err(err).Msg("startup hook failed")
	}

	batcher := batch.NewCoordinator(manager, cfg.BatchWindow)
	h := api.NewHandler(manager, batcher, hookSet, cfg.APIKey, cfg.Title, Version)

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	h.RegisterRoutes(e)

	serverErr := make(chan error, 1)
	go func() {
		addr := cfg.Host + ":" + strconv.Itoa(cfg.Port)
		log.Info().Str("addr", addr).Msg("server listening")
		serverErr <- e.Start(addr)
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer shutdownCancel()
		if err := hookSet.OnShutdown(shutdownCtx); err != nil {
			log.Warn().Err(err).Msg("shutdown hook failed")
		}
		manager.Shutdown(shutdownCtx)
		if err := e.Shutdown(shutdownCtx); err != nil {
			log.Error().Err(err).Msg("server forced to shut down")
		}
	case err := <-serverErr:
		if err != nil && err != echo.ErrServerClosed {
			log.Fatal().Err(err).Msg("server startup failed")
		}
	}
}
