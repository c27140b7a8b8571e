package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"
)

var syncCmd = &cobra.Command{
	Use:     "sync <type>...",
	GroupID: "sync",
	Short:   "Refresh type views from the service",
	Long: `Refresh the key lists of the given types from the service.

Types updated within --max-age are left alone. Items are downloaded on
demand; use 'vsync list' to fetch them.`,
	Args: cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		maxAge, _ := cmd.Flags().GetDuration("max-age")

		e, err := openEnv(ctx, settings, logger)
		if err != nil {
			return err
		}
		defer e.Close()

		types, err := e.record.Types().GetMultiple(ctx, args)
		if err != nil {
			return err
		}
		defer e.record.Types().Release(types...)

		updated, err := e.record.Types().SynchronizeTypes(ctx, args, maxAge)
		if err != nil {
			return fmt.Errorf("failed to synchronize: %w", err)
		}
		changed := make(map[string]bool, len(updated))
		for _, id := range updated {
			changed[id] = true
		}
		for _, typ := range types {
			status := renderMuted("unchanged")
			if changed[typ.TypeID()] {
				status = renderPass("updated")
			}
			fmt.Printf("%-20s %6d items  %s\n", renderAccent(typ.TypeID()), typ.Len(), status)
		}
		return nil
	},
}

var commitCmd = &cobra.Command{
	Use:     "commit",
	GroupID: "sync",
	Short:   "Send pending changes to the service",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		e, err := openEnv(ctx, settings, logger)
		if err != nil {
			return err
		}
		defer e.Close()

		before, err := e.record.Data().Changes().Table().ChangeCount(ctx)
		if err != nil {
			return err
		}
		if before == 0 {
			fmt.Println(renderMuted("nothing to commit"))
			return nil
		}
		if !e.connect.IsOnline(ctx) {
			fmt.Printf("%s offline, %d change(s) left pending\n", renderWarn("⚠"), before)
			return nil
		}

		start := time.Now()
		if err := e.record.CommitChanges(ctx); err != nil {
			return fmt.Errorf("commit failed: %w", err)
		}
		after, err := e.record.Data().Changes().Table().ChangeCount(ctx)
		if err != nil {
			return err
		}
		fmt.Printf("%s Committed %d change(s) in %v\n", renderPass("✓"), before-after, time.Since(start).Round(time.Millisecond))
		if after > 0 {
			fmt.Printf("%s %d change(s) still pending, see 'vsync changes list'\n", renderWarn("⚠"), after)
		}
		return nil
	},
}

func init() {
	syncCmd.Flags().Duration("max-age", 0, "skip types refreshed more recently than this")
	rootCmd.AddCommand(syncCmd, commitCmd)
}
