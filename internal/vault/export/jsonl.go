// Package export reads and writes items and pending changes as JSON Lines.
//
// Items are written one JSON object per line in the same shape the local
// store keeps them. Importing a file adds its items to a type as new local
// items, or edits existing ones, and leaves them pending for commit.
package export

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/Mschirtzinger/vaultsync/internal/vault/changes"
	"github.com/Mschirtzinger/vaultsync/internal/vault/item"
	"github.com/Mschirtzinger/vaultsync/internal/vault/store"
)

// Result contains statistics about an export or import.
type Result struct {
	Exported int
	Imported int
	Updated  int
	Skipped  int
	// Missing counts view keys whose item could not be downloaded.
	Missing int
	Errors  []string
}

// ImportOptions configures ImportType.
type ImportOptions struct {
	// DryRun validates the input without changing the type.
	DryRun bool
	// Overwrite edits items whose id is already in the type's view. Without
	// it they are skipped.
	Overwrite bool
}

// WriteItems writes items as JSON Lines and returns how many were written.
// Nil entries are skipped.
func WriteItems(w io.Writer, items []*item.Item) (int, error) {
	enc := json.NewEncoder(w)
	n := 0
	for _, it := range items {
		if it == nil {
			continue
		}
		if err := enc.Encode(it); err != nil {
			return n, fmt.Errorf("failed to write item %s: %w", it.Key, err)
		}
		n++
	}
	return n, nil
}

// ReadItems parses JSON Lines into items.
func ReadItems(r io.Reader) ([]*item.Item, error) {
	var items []*item.Item
	err := decodeLines(r, func() any { return &item.Item{} }, func(v any) {
		items = append(items, v.(*item.Item))
	})
	return items, err
}

// WriteChanges writes pending changes as JSON Lines.
func WriteChanges(w io.Writer, list []*changes.Change) (int, error) {
	enc := json.NewEncoder(w)
	for i, c := range list {
		if err := enc.Encode(c); err != nil {
			return i, fmt.Errorf("failed to write change %s: %w", c, err)
		}
	}
	return len(list), nil
}

// ReadChanges parses JSON Lines into changes and validates each one.
func ReadChanges(r io.Reader) ([]*changes.Change, error) {
	var list []*changes.Change
	var invalid error
	err := decodeLines(r, func() any { return &changes.Change{} }, func(v any) {
		c := v.(*changes.Change)
		if err := c.Validate(); err != nil && invalid == nil {
			invalid = fmt.Errorf("invalid change at line %d: %w", len(list)+1, err)
		}
		list = append(list, c)
	})
	if err != nil {
		return nil, err
	}
	if invalid != nil {
		return nil, invalid
	}
	return list, nil
}

func decodeLines(r io.Reader, alloc func() any, add func(any)) error {
	dec := json.NewDecoder(r)
	line := 0
	for {
		v := alloc()
		if err := dec.Decode(v); err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return fmt.Errorf("invalid JSON at line %d: %w", line+1, err)
		}
		line++
		add(v)
	}
}

// ExportType writes every item in the type's view, downloading those not
// cached locally.
func ExportType(ctx context.Context, typ *store.SynchronizedType, w io.Writer) (*Result, error) {
	if typ == nil {
		return nil, fmt.Errorf("type cannot be nil")
	}
	result := &Result{}
	items, err := typ.EnsureItemsAvailableAndGet(ctx, 0, typ.Len())
	if err != nil {
		return nil, fmt.Errorf("failed to load %s items: %w", typ.TypeID(), err)
	}
	for _, it := range items {
		if it == nil {
			result.Missing++
		}
	}
	n, err := WriteItems(w, items)
	result.Exported = n
	if err != nil {
		return result, err
	}
	return result, nil
}

// ExportChanges writes every pending change of table.
func ExportChanges(ctx context.Context, table *changes.Table, w io.Writer) (*Result, error) {
	if table == nil {
		return nil, fmt.Errorf("table cannot be nil")
	}
	list, err := table.Changes(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to read changes: %w", err)
	}
	n, err := WriteChanges(w, list)
	return &Result{Exported: n}, err
}

// ImportType adds the items read from r to typ. Items of another type are
// reported in Result.Errors and skipped; an item whose id is already in the
// view is skipped unless opts.Overwrite is set, in which case its payload
// and effective date are replaced.
func ImportType(ctx context.Context, typ *store.SynchronizedType, r io.Reader, opts ImportOptions) (*Result, error) {
	if typ == nil {
		return nil, fmt.Errorf("type cannot be nil")
	}
	items, err := ReadItems(r)
	if err != nil {
		return nil, fmt.Errorf("failed to parse items: %w", err)
	}

	result := &Result{}
	for _, it := range items {
		if it.TypeID != typ.TypeID() {
			result.Errors = append(result.Errors,
				fmt.Sprintf("item %s has type %q, want %q", it.Key.ID, it.TypeID, typ.TypeID()))
			continue
		}

		if _, exists := typ.Keys().ByID(it.Key.ID); it.Key.ID != "" && exists {
			if !opts.Overwrite {
				result.Skipped++
				continue
			}
			if opts.DryRun {
				result.Updated++
				continue
			}
			if err := overwrite(ctx, typ, it); err != nil {
				result.Errors = append(result.Errors, fmt.Sprintf("failed to update %s: %v", it.Key.ID, err))
				continue
			}
			result.Updated++
			continue
		}

		if opts.DryRun {
			result.Imported++
			continue
		}
		fresh := &item.Item{TypeID: it.TypeID, EffectiveDate: it.EffectiveDate, Data: it.Data}
		if err := typ.AddNew(ctx, fresh); err != nil {
			result.Errors = append(result.Errors, fmt.Sprintf("failed to add item: %v", err))
			continue
		}
		result.Imported++
	}
	return result, nil
}

func overwrite(ctx context.Context, typ *store.SynchronizedType, it *item.Item) error {
	vk, _ := typ.Keys().ByID(it.Key.ID)
	op, err := typ.OpenForEdit(ctx, vk.Key)
	if err != nil {
		return err
	}
	if op == nil {
		return fmt.Errorf("item is locked or unavailable")
	}
	defer op.Close()
	edited := op.Item()
	edited.Data = it.Data
	if !it.EffectiveDate.IsZero() {
		edited.EffectiveDate = it.EffectiveDate
	}
	return op.Commit(ctx)
}

// WriteFile writes a file atomically via a temp file in the same directory.
// When backup is set and path exists, the old file is kept as
// path.backup.<timestamp>.
func WriteFile(path string, backup bool, write func(io.Writer) error) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create directory: %w", err)
	}
	if backup {
		if _, err := os.Stat(path); err == nil {
			backupPath := path + ".backup." + time.Now().Format("20060102-150405")
			if err := os.Rename(path, backupPath); err != nil {
				return fmt.Errorf("failed to create backup: %w", err)
			}
		}
	}

	tmp, err := os.CreateTemp(filepath.Dir(path), filepath.Base(path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	tmpPath := tmp.Name()
	if err := write(tmp); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpPath)
		return err
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("failed to close temp file: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("failed to rename temp file: %w", err)
	}
	return nil
}
