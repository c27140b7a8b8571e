package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/charmbracelet/huh"
	"github.com/olebedev/when"
	"github.com/olebedev/when/rules/common"
	"github.com/olebedev/when/rules/en"
	"github.com/spf13/cobra"

	"github.com/Mschirtzinger/vaultsync/internal/vault/item"
	"github.com/Mschirtzinger/vaultsync/internal/vault/store"
)

var dateParser = func() *when.Parser {
	w := when.New(nil)
	w.Add(en.All...)
	w.Add(common.All...)
	return w
}()

// parseDate accepts RFC 3339, a plain date or natural language such as
// "last week" or "3 days ago", resolved against now.
func parseDate(s string, now time.Time) (time.Time, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}, fmt.Errorf("empty date")
	}
	for _, layout := range []string{time.RFC3339, "2006-01-02"} {
		if t, err := time.Parse(layout, s); err == nil {
			return t, nil
		}
	}
	r, err := dateParser.Parse(s, now)
	if err != nil {
		return time.Time{}, fmt.Errorf("failed to parse date %q: %w", s, err)
	}
	if r == nil {
		return time.Time{}, fmt.Errorf("unrecognized date %q", s)
	}
	return r.Time, nil
}

// filterSince keeps keys whose effective date is not before since. A zero
// since keeps everything. limit <= 0 means no limit.
func filterSince(keys []item.ViewKey, since time.Time, limit int) []item.ViewKey {
	out := make([]item.ViewKey, 0, len(keys))
	for _, k := range keys {
		if !since.IsZero() && k.EffectiveDate.Before(since) {
			continue
		}
		out = append(out, k)
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out
}

// withType opens the environment and the named type, synchronizing it when
// it has never been loaded.
func withType(cmd *cobra.Command, typeID string, fn func(ctx context.Context, e *env, typ *store.SynchronizedType) error) error {
	ctx := cmd.Context()
	e, err := openEnv(ctx, settings, logger)
	if err != nil {
		return err
	}
	defer e.Close()

	typ, err := e.record.Types().Get(ctx, typeID)
	if err != nil {
		return fmt.Errorf("failed to open type %s: %w", typeID, err)
	}
	defer e.record.Types().Release(typ)

	if typ.LastUpdated().IsZero() {
		if _, err := typ.Synchronize(ctx); err != nil {
			fmt.Fprintf(os.Stderr, "%s could not synchronize %s, showing local data: %v\n", renderWarn("Warning:"), typeID, err)
		}
	}
	return fn(ctx, e, typ)
}

var addCmd = &cobra.Command{
	Use:     "add <type> [json]",
	GroupID: "data",
	Short:   "Add a new item",
	Long: `Add a new item of the given type.

The payload is a JSON object. With --interactive the payload and effective
date are prompted for.

Examples:
  vsync add weight '{"kg": 72.4}'
  vsync add weight '{"kg": 72.4}' --date "yesterday 8am"
  vsync add note --interactive`,
	Args: cobra.RangeArgs(1, 2),
	RunE: func(cmd *cobra.Command, args []string) error {
		typeID := args[0]
		interactive, _ := cmd.Flags().GetBool("interactive")
		dateStr, _ := cmd.Flags().GetString("date")

		var payload string
		if len(args) == 2 {
			payload = args[1]
		}
		if interactive {
			var err error
			payload, dateStr, err = promptItem(typeID, payload, dateStr)
			if err != nil {
				return err
			}
		}
		if payload == "" {
			return fmt.Errorf("payload required (pass JSON or use --interactive)")
		}
		if !json.Valid([]byte(payload)) {
			return fmt.Errorf("payload is not valid JSON")
		}

		it := &item.Item{TypeID: typeID, Data: json.RawMessage(payload)}
		if dateStr != "" {
			d, err := parseDate(dateStr, time.Now())
			if err != nil {
				return err
			}
			it.EffectiveDate = d.UTC()
		}

		return withType(cmd, typeID, func(ctx context.Context, e *env, typ *store.SynchronizedType) error {
			if err := typ.AddNew(ctx, it); err != nil {
				return fmt.Errorf("failed to add item: %w", err)
			}
			fmt.Printf("%s Added %s %s\n", renderPass("✓"), typeID, renderAccent(it.Key.ID))
			e.commitIfImmediate(ctx)
			return nil
		})
	},
}

func promptItem(typeID, payload, date string) (string, string, error) {
	form := huh.NewForm(
		huh.NewGroup(
			huh.NewText().
				Title(fmt.Sprintf("%s payload (JSON)", typeID)).
				Value(&payload).
				Validate(func(s string) error {
					if !json.Valid([]byte(s)) {
						return fmt.Errorf("not valid JSON")
					}
					return nil
				}),
			huh.NewInput().
				Title("Effective date").
				Placeholder("now, yesterday, 2024-05-01").
				Value(&date),
		),
	)
	if err := form.Run(); err != nil {
		return "", "", fmt.Errorf("prompt cancelled: %w", err)
	}
	if date == "now" {
		date = ""
	}
	return payload, date, nil
}

var listCmd = &cobra.Command{
	Use:     "list <type>",
	GroupID: "data",
	Short:   "List items of a type, newest first",
	Long: `List items of a type, newest first.

Examples:
  vsync list weight
  vsync list weight --since "last month" --limit 20
  vsync list weight --keys`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		sinceStr, _ := cmd.Flags().GetString("since")
		limit, _ := cmd.Flags().GetInt("limit")
		keysOnly, _ := cmd.Flags().GetBool("keys")

		var since time.Time
		if sinceStr != "" {
			var err error
			if since, err = parseDate(sinceStr, time.Now()); err != nil {
				return err
			}
		}

		return withType(cmd, args[0], func(ctx context.Context, e *env, typ *store.SynchronizedType) error {
			keys := filterSince(typ.Keys().All(), since, limit)
			if len(keys) == 0 {
				fmt.Println(renderMuted("no items"))
				return nil
			}
			for _, vk := range keys {
				line := fmt.Sprintf("%s  %s", vk.EffectiveDate.Format("2006-01-02 15:04"), renderAccent(vk.Key.ID))
				if keysOnly {
					fmt.Printf("%s  %s\n", line, renderMuted(vk.Key.Version))
					continue
				}
				it, err := typ.EnsureItemAvailableAndGetByKey(ctx, vk.Key)
				switch {
				case err != nil:
					fmt.Printf("%s  %s\n", line, renderWarn(err.Error()))
				case it == nil:
					fmt.Printf("%s  %s\n", line, renderMuted("(not available)"))
				default:
					fmt.Printf("%s  %s\n", line, string(it.Data))
				}
			}
			return nil
		})
	},
}

var getCmd = &cobra.Command{
	Use:     "get <type> <index|id>",
	GroupID: "data",
	Short:   "Show one item by position or id",
	Args:    cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withType(cmd, args[0], func(ctx context.Context, e *env, typ *store.SynchronizedType) error {
			var (
				it  *item.Item
				err error
			)
			if index, convErr := strconv.Atoi(args[1]); convErr == nil {
				it, err = typ.EnsureItemAvailableAndGet(ctx, index)
			} else {
				vk, ok := typ.Keys().ByID(args[1])
				if !ok {
					return fmt.Errorf("no %s item with id %s", args[0], args[1])
				}
				it, err = typ.EnsureItemAvailableAndGetByKey(ctx, vk.Key)
			}
			if err != nil {
				return err
			}
			if it == nil {
				return fmt.Errorf("item is not available locally and could not be downloaded")
			}
			out, err := json.MarshalIndent(it, "", "  ")
			if err != nil {
				return err
			}
			fmt.Println(string(out))
			return nil
		})
	},
}

var editCmd = &cobra.Command{
	Use:     "edit <type> <id> <json>",
	GroupID: "data",
	Short:   "Replace the payload of an item",
	Args:    cobra.ExactArgs(3),
	RunE: func(cmd *cobra.Command, args []string) error {
		typeID, id, payload := args[0], args[1], args[2]
		if !json.Valid([]byte(payload)) {
			return fmt.Errorf("payload is not valid JSON")
		}
		dateStr, _ := cmd.Flags().GetString("date")

		return withType(cmd, typeID, func(ctx context.Context, e *env, typ *store.SynchronizedType) error {
			vk, ok := typ.Keys().ByID(id)
			if !ok {
				return fmt.Errorf("no %s item with id %s", typeID, id)
			}
			op, err := typ.OpenForEdit(ctx, vk.Key)
			if err != nil {
				return err
			}
			if op == nil {
				return fmt.Errorf("item %s is being edited or is not available", id)
			}
			defer op.Close()

			op.Item().Data = json.RawMessage(payload)
			if dateStr != "" {
				d, err := parseDate(dateStr, time.Now())
				if err != nil {
					return err
				}
				op.Item().EffectiveDate = d.UTC()
			}
			if err := op.Commit(ctx); err != nil {
				return fmt.Errorf("failed to save edit: %w", err)
			}
			fmt.Printf("%s Updated %s %s\n", renderPass("✓"), typeID, renderAccent(id))
			e.commitIfImmediate(ctx)
			return nil
		})
	},
}

var rmCmd = &cobra.Command{
	Use:     "rm <type> <id>",
	GroupID: "data",
	Short:   "Remove an item",
	Args:    cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		typeID, id := args[0], args[1]
		return withType(cmd, typeID, func(ctx context.Context, e *env, typ *store.SynchronizedType) error {
			vk, ok := typ.Keys().ByID(id)
			if !ok {
				return fmt.Errorf("no %s item with id %s", typeID, id)
			}
			removed, err := typ.Remove(ctx, vk.Key)
			if err != nil {
				return err
			}
			if !removed {
				return fmt.Errorf("item %s is being edited", id)
			}
			fmt.Printf("%s Removed %s %s\n", renderPass("✓"), typeID, renderAccent(id))
			e.commitIfImmediate(ctx)
			return nil
		})
	},
}

func init() {
	addCmd.Flags().BoolP("interactive", "i", false, "prompt for the payload")
	addCmd.Flags().String("date", "", "effective date (default now)")
	listCmd.Flags().String("since", "", "only items effective on or after this date")
	listCmd.Flags().IntP("limit", "n", 0, "maximum number of items")
	listCmd.Flags().Bool("keys", false, "print keys only, without downloading items")
	editCmd.Flags().String("date", "", "new effective date")

	rootCmd.AddCommand(addCmd, listCmd, getCmd, editCmd, rmCmd)
}
