package objectstore

import (
	"context"
	"errors"
	"net/url"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"
)

// ValueExt is the file extension of stored values in a Folder store.
const ValueExt = ".obj"

// Folder stores each value as a file in a directory and each child store as
// a subdirectory. Writes go through a temp file and rename, so readers never
// see a partial value.
type Folder struct {
	dir string
}

// OpenFolder returns a Folder rooted at dir, creating it if needed.
func OpenFolder(dir string) (*Folder, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, Error.New("failed to create folder %s: %v", dir, err)
	}
	return &Folder{dir: dir}, nil
}

// Dir returns the directory backing the store.
func (f *Folder) Dir() string {
	return f.dir
}

// KeyForFile returns the key stored in a file name, or false when the name
// is not a value file.
func KeyForFile(name string) (string, bool) {
	if !strings.HasSuffix(name, ValueExt) {
		return "", false
	}
	key, err := url.PathUnescape(strings.TrimSuffix(name, ValueExt))
	if err != nil {
		return "", false
	}
	return key, true
}

func (f *Folder) path(key string) string {
	return filepath.Join(f.dir, url.PathEscape(key)+ValueExt)
}

func (f *Folder) Get(ctx context.Context, key string) ([]byte, error) {
	// #nosec G304 - path is derived from an escaped key inside the store directory
	data, err := os.ReadFile(f.path(key))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, ErrKeyNotFound.New("%q", key)
		}
		return nil, Error.Wrap(err)
	}
	return data, nil
}

func (f *Folder) Put(ctx context.Context, key string, value []byte) error {
	if err := validateKey(key); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(f.dir, ".tmp-*")
	if err != nil {
		return Error.New("failed to create temp file: %v", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(value); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return Error.New("failed to write %q: %v", key, err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpName)
		return Error.New("failed to close %q: %v", key, err)
	}
	if err := os.Rename(tmpName, f.path(key)); err != nil {
		_ = os.Remove(tmpName)
		return Error.New("failed to rename %q: %v", key, err)
	}
	return nil
}

func (f *Folder) Delete(ctx context.Context, key string) error {
	err := os.Remove(f.path(key))
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return Error.Wrap(err)
	}
	return nil
}

func (f *Folder) Exists(ctx context.Context, key string) (bool, error) {
	_, err := os.Stat(f.path(key))
	if err == nil {
		return true, nil
	}
	if errors.Is(err, os.ErrNotExist) {
		return false, nil
	}
	return false, Error.Wrap(err)
}

func (f *Folder) Keys(ctx context.Context) ([]string, error) {
	entries, err := os.ReadDir(f.dir)
	if err != nil {
		return nil, Error.Wrap(err)
	}
	keys := make([]string, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		if key, ok := KeyForFile(e.Name()); ok {
			keys = append(keys, key)
		}
	}
	sort.Strings(keys)
	return keys, nil
}

func (f *Folder) DeleteAll(ctx context.Context) error {
	entries, err := os.ReadDir(f.dir)
	if err != nil {
		return Error.Wrap(err)
	}
	for _, e := range entries {
		if err := os.RemoveAll(filepath.Join(f.dir, e.Name())); err != nil {
			return Error.Wrap(err)
		}
	}
	return nil
}

func (f *Folder) UpdateDate(ctx context.Context, key string) (time.Time, error) {
	info, err := os.Stat(f.path(key))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return time.Time{}, ErrKeyNotFound.New("%q", key)
		}
		return time.Time{}, Error.Wrap(err)
	}
	return info.ModTime(), nil
}

func (f *Folder) CreateChild(ctx context.Context, name string) (Store, error) {
	if err := validateChildName(name); err != nil {
		return nil, err
	}
	child, err := OpenFolder(filepath.Join(f.dir, name))
	if err != nil {
		return nil, err
	}
	return child, nil
}

func (f *Folder) DeleteChild(ctx context.Context, name string) error {
	if err := validateChildName(name); err != nil {
		return err
	}
	if err := os.RemoveAll(filepath.Join(f.dir, name)); err != nil {
		return Error.Wrap(err)
	}
	return nil
}

func (f *Folder) ChildExists(ctx context.Context, name string) (bool, error) {
	if err := validateChildName(name); err != nil {
		return false, err
	}
	info, err := os.Stat(filepath.Join(f.dir, name))
	if err == nil {
		return info.IsDir(), nil
	}
	if errors.Is(err, os.ErrNotExist) {
		return false, nil
	}
	return false, Error.Wrap(err)
}
