package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/Mschirtzinger/vaultsync/internal/vault/changes"
	"github.com/Mschirtzinger/vaultsync/internal/vault/export"
)

var changesCmd = &cobra.Command{
	Use:     "changes",
	GroupID: "sync",
	Short:   "Inspect the pending change ledger",
}

// changeRow is the yaml and json shape of a pending change.
type changeRow struct {
	ItemID   string `json:"item_id" yaml:"item_id"`
	TypeID   string `json:"type_id" yaml:"type_id"`
	Kind     string `json:"kind" yaml:"kind"`
	Version  string `json:"version,omitempty" yaml:"version,omitempty"`
	Attempts int    `json:"attempts" yaml:"attempts"`
	Queued   string `json:"queued" yaml:"queued"`
	ChangeID string `json:"change_id" yaml:"change_id"`
}

func toRow(c *changes.Change) changeRow {
	return changeRow{
		ItemID:   c.ItemID(),
		TypeID:   c.TypeID,
		Kind:     string(c.Type),
		Version:  c.Key.Version,
		Attempts: c.Attempt,
		Queued:   time.Unix(0, c.Timestamp).Local().Format("2006-01-02 15:04:05"),
		ChangeID: c.ChangeID,
	}
}

func writeChanges(w io.Writer, list []*changes.Change, format string) error {
	rows := make([]changeRow, len(list))
	for i, c := range list {
		rows[i] = toRow(c)
	}
	switch format {
	case "json":
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(rows)
	case "yaml":
		enc := yaml.NewEncoder(w)
		enc.SetIndent(2)
		defer enc.Close()
		return enc.Encode(rows)
	case "table":
		if len(rows) == 0 {
			fmt.Fprintln(w, renderMuted("no pending changes"))
			return nil
		}
		fmt.Fprintf(w, "%-8s %-16s %-38s %8s  %s\n", "KIND", "TYPE", "ITEM", "ATTEMPTS", "QUEUED")
		for _, r := range rows {
			attempts := fmt.Sprintf("%d", r.Attempts)
			if r.Attempts > 0 {
				attempts = renderWarn(attempts)
			}
			fmt.Fprintf(w, "%-8s %-16s %-38s %8s  %s\n", r.Kind, r.TypeID, r.ItemID, attempts, r.Queued)
		}
		return nil
	default:
		return fmt.Errorf("unknown format %q (want table, json or yaml)", format)
	}
}

var changesListCmd = &cobra.Command{
	Use:   "list",
	Short: "List pending changes, oldest first",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		format, _ := cmd.Flags().GetString("format")
		e, err := openEnv(ctx, settings, logger)
		if err != nil {
			return err
		}
		defer e.Close()

		list, err := e.record.Data().Changes().Table().Changes(ctx)
		if err != nil {
			return err
		}
		return writeChanges(os.Stdout, list, format)
	},
}

var changesExportCmd = &cobra.Command{
	Use:   "export <file>",
	Short: "Write pending changes as JSONL",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		e, err := openEnv(ctx, settings, logger)
		if err != nil {
			return err
		}
		defer e.Close()

		var result *export.Result
		err = export.WriteFile(args[0], false, func(w io.Writer) error {
			var werr error
			result, werr = export.ExportChanges(ctx, e.record.Data().Changes().Table(), w)
			return werr
		})
		if err != nil {
			return err
		}
		fmt.Printf("%s Exported %d change(s) to %s\n", renderPass("✓"), result.Exported, args[0])
		return nil
	},
}

var changesDropCmd = &cobra.Command{
	Use:   "drop <item-id>",
	Short: "Discard the pending change of an item",
	Long: `Discard the pending change of an item without sending it.

The local copy keeps the edit until the type is synchronized again.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		e, err := openEnv(ctx, settings, logger)
		if err != nil {
			return err
		}
		defer e.Close()
		return dropChange(ctx, e.record.Data().Changes().Table(), args[0])
	},
}

func dropChange(ctx context.Context, table *changes.Table, itemID string) error {
	has, err := table.HasChangesForItem(ctx, itemID)
	if err != nil {
		return err
	}
	if !has {
		return fmt.Errorf("no pending change for %s", itemID)
	}
	if err := table.RemoveChange(ctx, itemID); err != nil {
		return err
	}
	fmt.Printf("%s Dropped change for %s\n", renderPass("✓"), renderAccent(itemID))
	return nil
}

func init() {
	changesListCmd.Flags().String("format", "table", "output format: table, json or yaml")
	changesCmd.AddCommand(changesListCmd, changesExportCmd, changesDropCmd)
	rootCmd.AddCommand(changesCmd)
}
