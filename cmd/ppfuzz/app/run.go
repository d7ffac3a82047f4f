package app

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/ppfuzz/scheduler/internal/agentproto"
	"github.com/ppfuzz/scheduler/internal/campaign"
	"github.com/ppfuzz/scheduler/internal/config"
	"github.com/ppfuzz/scheduler/internal/logger"
	"github.com/ppfuzz/scheduler/internal/worker"
	"github.com/ppfuzz/scheduler/internal/workdir"
)

// NewRunCommand creates the "run" subcommand: the main fuzzing loop.
func NewRunCommand() *cobra.Command {
	var (
		configPath string
		numWorkers int
		logLevel   string
	)

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Start a fuzzing campaign.",
		Long: `Start a fuzzing campaign against the configured Source/Sink pair.

The campaign spawns the requested number of workers, synchronizes them at
an init barrier, and lets each one cycle through the Discovery, Mutate,
Add, and Combine phases until interrupted. Crashed workers are restarted
up to a fixed bound. On SIGINT/SIGTERM the campaign shuts down cleanly,
dumping the queue and a final introspection snapshot into the work
directory.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			logger.Init(logLevel)
			return runCampaign(cfg, numWorkers)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "config.yaml", "path to the campaign configuration file")
	cmd.Flags().IntVarP(&numWorkers, "workers", "j", 1, "number of parallel fuzzing workers")
	cmd.Flags().StringVar(&logLevel, "log-level", "info", "log level (debug|info|warn|error)")

	return cmd
}

func runCampaign(cfg *config.Config, numWorkers int) error {
	log := logger.Default()

	layout := workdir.New(cfg.WorkDirectory)
	if err := layout.Create(); err != nil {
		return err
	}

	// Probe the Source once for its patch-point enumeration; it is
	// immutable for the lifetime of the binary, so every worker shares
	// this snapshot.
	source, _, err := agentproto.Spawn(0)
	if err != nil {
		return fmt.Errorf("probing source: %w", err)
	}
	patchPoints, err := source.PatchPoints(context.Background())
	if err != nil {
		return fmt.Errorf("enumerating patch points: %w", err)
	}
	log.Infof("source exposes %d patch points", len(patchPoints))

	agents := func(uid worker.UID) (agentproto.Source, agentproto.Sink, error) {
		return agentproto.Spawn(uint64(uid))
	}

	c := campaign.New(
		cfg.PhaseConfig(),
		cfg.TraceConfig(),
		patchPoints,
		agents,
		campaign.WithLogger(log),
		campaign.WithWorkDirs(layout.WorkDirs()),
		campaign.WithQueueDumpPath(layout.QueueDumpPath()),
	)

	if err := c.WriteConfigSnapshot(layout.ConfigSnapshotPath(), cfg); err != nil {
		log.Warnf("writing config snapshot: %v", err)
	}
	if err := c.WritePatchPointsSnapshot(layout.PatchPointsPath()); err != nil {
		log.Warnf("writing patch point snapshot: %v", err)
	}

	if err := c.Start(numWorkers); err != nil {
		return err
	}

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)

	ticker := time.NewTicker(10 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case sig := <-stop:
			log.Infof("received %v, shutting down", sig)
			if err := c.Dump(); err != nil {
				log.Warnf("dumping queue: %v", err)
			}
			if err := c.WriteIntrospection(layout.IntrospectionPath()); err != nil {
				log.Warnf("writing introspection: %v", err)
			}
			return c.Shutdown()

		case <-ticker.C:
			if err := c.WriteIntrospection(layout.IntrospectionPath()); err != nil {
				log.Warnf("writing introspection: %v", err)
			}
			if err := c.RestartCrashedWorker(); err != nil {
				log.Errorf("restarting crashed worker: %v", err)
			}
			if !c.IsAnyWorkerAlive() {
				log.Errorf("all workers are dead and the restart budget is exhausted")
				if err := c.Dump(); err != nil {
					log.Warnf("dumping queue: %v", err)
				}
				return c.Shutdown()
			}
		}
	}
}
