package main

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"

	"github.com/Mschirtzinger/vaultsync/internal/vault/loadtest"
	"github.com/Mschirtzinger/vaultsync/internal/vault/objectstore"
	"github.com/Mschirtzinger/vaultsync/internal/vault/remote"
	"github.com/Mschirtzinger/vaultsync/internal/vault/store"
)

var benchCmd = &cobra.Command{
	Use:     "bench",
	GroupID: "advanced",
	Short:   "Run a concurrent editing load test",
	Long: `Run a load test against a scratch service and local store.

Concurrent editors read, add and edit items of one type while a background
committer drains the ledger. Nothing under the configured data directory is
touched.

Example usage:
  vsync bench
  vsync bench --editors 20 --ops 200 --items 500 --backend sqlite`,
	Run: func(cmd *cobra.Command, args []string) {
		ctx := cmd.Context()
		editors, _ := cmd.Flags().GetInt("editors")
		ops, _ := cmd.Flags().GetInt("ops")
		items, _ := cmd.Flags().GetInt("items")
		commitEvery, _ := cmd.Flags().GetDuration("commit-interval")
		backend, _ := cmd.Flags().GetString("backend")
		keep, _ := cmd.Flags().GetBool("keep")

		dir, err := os.MkdirTemp("", "vsync-bench-")
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: failed to create scratch directory: %v\n", err)
			os.Exit(1)
		}
		if keep {
			fmt.Printf("Scratch data kept in %s\n", dir)
		} else {
			defer os.RemoveAll(dir)
		}

		svc, err := remote.OpenService(filepath.Join(dir, "service.db"), remote.ServiceConfig{Logger: logger})
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		defer svc.Close()

		var root objectstore.Store
		switch backend {
		case "memory":
			root = objectstore.NewMemory()
		case "folder":
			f, err := objectstore.OpenFolder(filepath.Join(dir, "records"))
			if err != nil {
				fmt.Fprintf(os.Stderr, "Error: %v\n", err)
				os.Exit(1)
			}
			root = f
		case "sqlite":
			db, err := objectstore.OpenSQLite(filepath.Join(dir, "records.db"))
			if err != nil {
				fmt.Fprintf(os.Stderr, "Error: %v\n", err)
				os.Exit(1)
			}
			defer db.Close()
			root = db
		case "bolt":
			db, err := objectstore.OpenBolt(filepath.Join(dir, "records.bolt"))
			if err != nil {
				fmt.Fprintf(os.Stderr, "Error: %v\n", err)
				os.Exit(1)
			}
			defer db.Close()
			root = db
		default:
			fmt.Fprintf(os.Stderr, "Error: unknown backend %q\n", backend)
			os.Exit(1)
		}

		opts := loadtest.DefaultOptions()
		opts.Editors = editors
		opts.OpsPerEditor = ops
		opts.CommitInterval = commitEvery

		rs := svc.Record("bench")
		if _, err := loadtest.SeedRemote(ctx, rs, opts.TypeID, items); err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}

		cfg := store.DefaultConfig()
		cfg.ImmediateCommit = false
		cfg.Logger = logger
		rec, err := store.NewRecordStore(ctx, root, "bench", rs, nil, cfg)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		defer rec.Close()

		fmt.Printf("%s %d editors × %d ops over %d seeded items (%s backend)\n\n",
			renderAccent("Load test:"), editors, ops, items, backend)
		start := time.Now()
		report, err := loadtest.Run(ctx, rec, opts)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: load test failed after %v: %v\n", time.Since(start), err)
			os.Exit(1)
		}
		report.Print(os.Stdout)

		if len(report.Errors) > 0 {
			fmt.Printf("\n%s first errors:\n", renderWarn("⚠"))
			for i, err := range report.Errors {
				if i == 5 {
					break
				}
				fmt.Printf("  %v\n", err)
			}
		}
		if report.Pending {
			fmt.Printf("\n%s ledger not drained\n", renderFail("✗"))
			os.Exit(1)
		}
		fmt.Printf("\n%s ledger drained\n", renderPass("✓"))
	},
}

func init() {
	benchCmd.Flags().Int("editors", 10, "number of concurrent editors")
	benchCmd.Flags().Int("ops", 50, "operations per editor")
	benchCmd.Flags().Int("items", 100, "items seeded on the service")
	benchCmd.Flags().Duration("commit-interval", 50*time.Millisecond, "background commit interval (0 commits only at the end)")
	benchCmd.Flags().String("backend", "memory", "local store: memory, folder, sqlite or bolt")
	benchCmd.Flags().Bool("keep", false, "keep the scratch directory")
	rootCmd.AddCommand(benchCmd)
}
