// cmd/kueue-worker/main.go
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/hochfrequenz/kueue/internal/config"
	"github.com/hochfrequenz/kueue/internal/logging"
	"github.com/hochfrequenz/kueue/internal/resources"
	"github.com/hochfrequenz/kueue/internal/workerctl"
)

var (
	configPath string
	workerName string
	maxJobs    int
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "kueue-worker",
		Short: "Worker that connects to a kueue-server and executes offered jobs",
		RunE:  run,
	}
	rootCmd.Flags().StringVar(&configPath, "config", "", "Path to config file (default "+config.DefaultConfigPath()+")")
	rootCmd.Flags().StringVar(&workerName, "name", "", "Worker name reported to the server")
	rootCmd.Flags().IntVar(&maxJobs, "jobs", 0, "Maximum parallel job slots")

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func run(cmd *cobra.Command, args []string) error {
	cfgPath := configPath
	if cfgPath == "" {
		cfgPath = config.DefaultConfigPath()
	}

	cfg, err := config.EnsureOnDisk(cfgPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	logger := logging.New(logging.ParseLevel(cfg.General.LogLevel))
	logger.Infof("worker: loaded config from %s", cfgPath)

	if workerName != "" {
		cfg.Worker.Name = workerName
	}
	if cfg.Worker.Name == "" {
		hostname, _ := os.Hostname()
		cfg.Worker.Name = hostname
	}
	if cmd.Flags().Changed("jobs") {
		cfg.Worker.MaxParallelJobs = maxJobs
	}

	budget := resources.Budget{
		JobSlots:     uint64(cfg.Worker.MaxParallelJobs),
		CPUs:         uint64(cfg.Worker.CPUs),
		RAMMB:        uint64(cfg.Worker.RAMMB),
		DynamicCheck: cfg.Worker.DynamicCheckFree,
		LoadScale:    cfg.Worker.DynamicCPULoadScale,
	}
	// Unset cpus/ram_mb mean the whole machine; a worker advertising a zero
	// ceiling could never be offered anything that needs CPU or RAM.
	budget, err = budget.FillFromOS(context.Background())
	if err != nil {
		return fmt.Errorf("probing system resources: %w", err)
	}
	logger.Infof("worker: resource budget: %d job slots, %d cpus, %d MB ram (dynamic=%v)",
		budget.JobSlots, budget.CPUs, budget.RAMMB, budget.DynamicCheck)

	controller := workerctl.New(context.Background(), workerctl.Config{
		ServerAddr:           cfg.ResolveServerAddr(),
		WorkerName:           cfg.Worker.Name,
		Secret:               cfg.General.SharedSecret,
		Budget:               budget,
		AcceptConfirmTimeout: time.Duration(cfg.Server.AcceptConfirmTimeoutSecs) * time.Second,
		ReconnectInitial:     time.Duration(cfg.Worker.ReconnectInitialSecs) * time.Second,
		ReconnectMax:         time.Duration(cfg.Worker.ReconnectMaxSecs) * time.Second,
	})

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		logger.Infof("worker: shutting down (running children are left to finish on their own)")
		controller.Stop()
	}()

	logger.Infof("worker: starting %q connecting to %s (max_parallel_jobs=%d)...",
		cfg.Worker.Name, cfg.ResolveServerAddr(), cfg.Worker.MaxParallelJobs)

	controller.RunWithReconnect()
	return nil
}
