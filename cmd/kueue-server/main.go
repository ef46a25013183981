// cmd/kueue-server/main.go
package main

import (
	"context"
	"fmt"
	"net"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/hochfrequenz/kueue/internal/config"
	"github.com/hochfrequenz/kueue/internal/history"
	"github.com/hochfrequenz/kueue/internal/logging"
	"github.com/hochfrequenz/kueue/internal/manager"
	"github.com/hochfrequenz/kueue/internal/serverconn"
)

var configPath string

func main() {
	rootCmd := &cobra.Command{
		Use:   "kueue-server",
		Short: "Job manager that dispatches jobs to connected kueue-worker processes",
		RunE:  run,
	}
	rootCmd.Flags().StringVar(&configPath, "config", "", "Path to config file (default "+config.DefaultConfigPath()+")")

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
	logger.Infof("server: loaded config from %s (log_level=%s)", cfgPath, logging.ParseLevel(cfg.General.LogLevel))

	mgr := manager.New()

	var store *history.Store
	if cfg.Server.HistoryDatabasePath != "" {
		store, err = history.Open(cfg.Server.HistoryDatabasePath)
		if err != nil {
			// Best-effort: a terminal-job archive is a convenience, not part
			// of the scheduler's authoritative state.
			logger.Warnf("server: history disabled: %v", err)
			store = nil
		} else {
			defer store.Close()
		}
	}

	srv := serverconn.New(mgr, cfg.General.SharedSecret)
	if store != nil {
		srv.OnCleanJob = store.Archive
		srv.OnHistoryQuery = store.RecentJobInfo
	}

	stopMaintenance, err := mgr.StartMaintenance(cfg.Server.MaintenanceSchedule)
	if err != nil {
		return fmt.Errorf("starting maintenance schedule: %w", err)
	}
	defer stopMaintenance()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		logger.Infof("server: shutting down...")
		cancel()
	}()

	var wg sync.WaitGroup
	var listenedAny bool

	listen := func(bindAddr string) {
		if bindAddr == "" {
			return
		}
		addr := net.JoinHostPort(bindAddr, fmt.Sprintf("%d", cfg.Server.Port))
		ln, err := net.Listen("tcp", addr)
		if err != nil {
			logger.Errorf("server: failed to listen on %s: %v", addr, err)
			return
		}
		listenedAny = true
		logger.Infof("server: listening on %s", ln.Addr())

		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := srv.Serve(ctx, ln); err != nil {
				logger.Errorf("server: accept loop on %s stopped: %v", addr, err)
			}
		}()
	}

	listen(cfg.Server.BindV4)
	listen(cfg.Server.BindV6)

	if !listenedAny {
		return fmt.Errorf("no listener started: bind_v4 and bind_v6 are unset or failed to listen")
	}

	wg.Wait()
	return nil
}
