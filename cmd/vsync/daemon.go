package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/Mschirtzinger/vaultsync/internal/vault/daemon"
	"github.com/Mschirtzinger/vaultsync/internal/vault/dashboard"
)

var daemonCmd = &cobra.Command{
	Use:     "daemon",
	GroupID: "sync",
	Short:   "Commit pending changes in the background",
	Long: `Run commit passes in the background until interrupted.

A pass runs when:
- the interval timer fires
- the device comes back online (when probe_address is set)
- the change ledger is written (folder backend with --watch)

With --dashboard-addr a WebSocket dashboard streams commit events:
  ws://<addr>/ws       commit, type_update and stats messages
  http://<addr>/metrics Prometheus metrics

Example usage:
  vsync daemon
  vsync daemon --interval 1m --dashboard-addr localhost:8080`,
	Run: func(cmd *cobra.Command, args []string) {
		ctx, cancel := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer cancel()

		s := settings.Daemon
		if cmd.Flags().Changed("interval") {
			s.Interval, _ = cmd.Flags().GetString("interval")
		}
		if cmd.Flags().Changed("watch") {
			s.Watch, _ = cmd.Flags().GetBool("watch")
		}
		if cmd.Flags().Changed("dashboard-addr") {
			s.DashboardAddr, _ = cmd.Flags().GetString("dashboard-addr")
		}
		if err := runDaemon(ctx, s); err != nil {
			fmt.Fprintf(os.Stderr, "%s %v\n", renderFail("Error:"), err)
			os.Exit(1)
		}
	},
}

func runDaemon(ctx context.Context, s DaemonSettings) error {
	interval, debounce, poll, err := s.durations()
	if err != nil {
		return err
	}
	e, err := openEnv(ctx, settings, logger)
	if err != nil {
		return err
	}
	defer e.Close()

	cfg := daemon.DefaultConfig()
	cfg.Interval = interval
	cfg.DebounceInterval = debounce
	cfg.NetworkPollInterval = poll
	cfg.Connectivity = e.connect
	cfg.Logger = logger
	if s.Watch {
		if root := e.folderRoot(); root != "" {
			cfg.WatchDirs = daemon.ChangeDirs(root, e.table.Records())
		} else {
			logger.Info("ledger watching needs the folder backend, relying on timer and network triggers")
		}
	}

	sched, err := daemon.NewWithConfig(e.table, cfg)
	if err != nil {
		return err
	}

	if s.DashboardAddr != "" {
		server := dashboard.NewServer(&dashboard.Config{
			Addr:     s.DashboardAddr,
			Gatherer: e.registry,
			Logger:   logger,
		})
		handler, err := dashboard.NewHandler(server, logger)
		if err != nil {
			return err
		}
		defer handler.Close()
		if err := handler.WatchRecord(e.record); err != nil {
			return err
		}
		if err := server.Start(); err != nil {
			return fmt.Errorf("failed to start dashboard: %w", err)
		}
		defer func() {
			if err := server.Stop(); err != nil {
				fmt.Fprintf(os.Stderr, "Error during dashboard shutdown: %v\n", err)
			}
		}()
		fmt.Printf("Dashboard: ws://%s/ws  metrics: http://%s/metrics\n", server.Addr(), server.Addr())
	}

	fmt.Printf("%s Committing %s every %v", renderPass("●"), renderAccent(e.record.ID()), interval)
	if len(cfg.WatchDirs) > 0 {
		fmt.Print(" and on ledger writes")
	}
	fmt.Println("\nPress Ctrl+C to stop...")

	// catch up on anything left from the last session
	sched.Trigger(daemon.ReasonManual)
	if err := sched.Start(ctx); err != nil {
		return err
	}

	st := sched.Stats()
	fmt.Printf("\nStopped after %d pass(es), %d skipped, %d failed\n", st.Runs, st.Skipped, st.Failures)
	return nil
}

func init() {
	daemonCmd.Flags().String("interval", "", "time between timer passes (default from config)")
	daemonCmd.Flags().Bool("watch", true, "run a pass when the change ledger is written")
	daemonCmd.Flags().String("dashboard-addr", "", "serve the WebSocket dashboard on this address")
	rootCmd.AddCommand(daemonCmd)
}
