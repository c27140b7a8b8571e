package main

import (
	"context"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/Mschirtzinger/vaultsync/internal/vault/export"
	"github.com/Mschirtzinger/vaultsync/internal/vault/store"
)

var exportCmd = &cobra.Command{
	Use:     "export <type> <file>",
	GroupID: "data",
	Short:   "Export every item of a type as JSONL",
	Long: `Export every item of a type as JSON Lines, downloading items that are
not yet local. Use "-" to write to stdout.`,
	Args: cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		typeID, path := args[0], args[1]
		backup, _ := cmd.Flags().GetBool("backup")

		return withType(cmd, typeID, func(ctx context.Context, e *env, typ *store.SynchronizedType) error {
			var result *export.Result
			write := func(w io.Writer) error {
				var err error
				result, err = export.ExportType(ctx, typ, w)
				return err
			}
			if path == "-" {
				if err := write(os.Stdout); err != nil {
					return err
				}
			} else if err := export.WriteFile(path, backup, write); err != nil {
				return err
			}

			fmt.Fprintf(os.Stderr, "%s Exported %d %s item(s)\n", renderPass("✓"), result.Exported, typeID)
			if result.Missing > 0 {
				fmt.Fprintf(os.Stderr, "%s %d item(s) could not be downloaded\n", renderWarn("⚠"), result.Missing)
			}
			return nil
		})
	},
}

var importCmd = &cobra.Command{
	Use:     "import <type> <file>",
	GroupID: "data",
	Short:   "Import items of a type from JSONL",
	Long: `Import items of a type from JSON Lines.

Items whose id is already in the type are skipped unless --overwrite is set.
Other items are added as new items and committed like any other edit.`,
	Args: cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		typeID, path := args[0], args[1]
		dryRun, _ := cmd.Flags().GetBool("dry-run")
		overwrite, _ := cmd.Flags().GetBool("overwrite")

		f, err := os.Open(path)
		if err != nil {
			return fmt.Errorf("failed to open %s: %w", path, err)
		}
		defer f.Close()

		return withType(cmd, typeID, func(ctx context.Context, e *env, typ *store.SynchronizedType) error {
			result, err := export.ImportType(ctx, typ, f, export.ImportOptions{DryRun: dryRun, Overwrite: overwrite})
			if err != nil {
				return err
			}
			printImportResult(os.Stdout, result, dryRun)
			if !dryRun && result.Imported+result.Updated > 0 {
				e.commitIfImmediate(ctx)
			}
			return nil
		})
	},
}

func printImportResult(w io.Writer, r *export.Result, dryRun bool) {
	verb := "Imported"
	if dryRun {
		verb = "Would import"
	}
	fmt.Fprintf(w, "%s %s %d, updated %d, skipped %d\n", renderPass("✓"), verb, r.Imported, r.Updated, r.Skipped)
	for _, msg := range r.Errors {
		fmt.Fprintf(w, "  %s %s\n", renderWarn("⚠"), msg)
	}
}

func init() {
	exportCmd.Flags().Bool("backup", false, "keep a timestamped copy of an existing file")
	importCmd.Flags().Bool("dry-run", false, "validate without changing anything")
	importCmd.Flags().Bool("overwrite", false, "replace items that already exist")
	rootCmd.AddCommand(exportCmd, importCmd)
}
