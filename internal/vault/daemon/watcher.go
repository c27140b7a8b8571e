package daemon

import (
	"fmt"
	"path/filepath"
	"sync"

	"github.com/fsnotify/fsnotify"

	"github.com/Mschirtzinger/vaultsync/internal/vault/objectstore"
)

// EventOp is the kind of change seen on a ledger file.
type EventOp int

const (
	OpCreate EventOp = iota
	OpModify
	OpDelete
)

func (op EventOp) String() string {
	switch op {
	case OpCreate:
		return "create"
	case OpModify:
		return "modify"
	case OpDelete:
		return "delete"
	default:
		return "unknown"
	}
}

// WatchDir is the change ledger folder of one record.
type WatchDir struct {
	Record string
	Dir    string
}

// FileEvent reports a change to one value file of a watched ledger.
type FileEvent struct {
	// Path is the file that changed.
	Path string
	// Record owns the ledger.
	Record string
	// Key is the object store key held by the file.
	Key string
	Op  EventOp
}

// FileWatcher watches change ledger folders for value file changes. Only
// files written by objectstore.Folder are reported; temp files and
// subdirectories are ignored.
type FileWatcher struct {
	watcher *fsnotify.Watcher
	events  chan FileEvent
	errors  chan error
	done    chan struct{}
	wg      sync.WaitGroup

	mu      sync.Mutex
	running bool
	dirs    map[string]string // absolute dir -> record
}

// NewFileWatcher creates a watcher. Call Start to begin receiving events.
func NewFileWatcher() (*FileWatcher, error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create fsnotify watcher: %w", err)
	}
	return &FileWatcher{
		watcher: watcher,
		events:  make(chan FileEvent, 100),
		errors:  make(chan error, 10),
		done:    make(chan struct{}),
		dirs:    make(map[string]string),
	}, nil
}

// Start watches dirs. Either every directory is watched or none is.
func (fw *FileWatcher) Start(dirs ...WatchDir) error {
	fw.mu.Lock()
	defer fw.mu.Unlock()
	if fw.running {
		return fmt.Errorf("watcher already running")
	}
	if len(dirs) == 0 {
		return fmt.Errorf("no directories to watch")
	}

	var added []string
	for _, d := range dirs {
		abs, err := filepath.Abs(d.Dir)
		if err != nil {
			fw.removeAll(added)
			return fmt.Errorf("failed to resolve %s: %w", d.Dir, err)
		}
		if err := fw.watcher.Add(abs); err != nil {
			fw.removeAll(added)
			return fmt.Errorf("failed to watch %s: %w", d.Dir, err)
		}
		added = append(added, abs)
		fw.dirs[abs] = d.Record
	}

	fw.running = true
	fw.wg.Add(1)
	go fw.processEvents()
	return nil
}

// Stop stops watching and closes the event and error channels. It is safe
// to call on a watcher that was never started.
func (fw *FileWatcher) Stop() error {
	fw.mu.Lock()
	if !fw.running {
		fw.mu.Unlock()
		return fw.watcher.Close()
	}
	fw.running = false
	fw.mu.Unlock()

	close(fw.done)
	if err := fw.watcher.Close(); err != nil {
		return fmt.Errorf("failed to close watcher: %w", err)
	}
	fw.wg.Wait()
	close(fw.events)
	close(fw.errors)
	return nil
}

// Events returns the event channel. It is closed by Stop.
func (fw *FileWatcher) Events() <-chan FileEvent {
	return fw.events
}

// Errors returns the error channel. It is closed by Stop.
func (fw *FileWatcher) Errors() <-chan error {
	return fw.errors
}

func (fw *FileWatcher) IsRunning() bool {
	fw.mu.Lock()
	defer fw.mu.Unlock()
	return fw.running
}

func (fw *FileWatcher) processEvents() {
	defer fw.wg.Done()
	for {
		select {
		case <-fw.done:
			return
		case event, ok := <-fw.watcher.Events:
			if !ok {
				return
			}
			if fe, ok := fw.convertEvent(event); ok {
				select {
				case fw.events <- fe:
				case <-fw.done:
					return
				}
			}
		case err, ok := <-fw.watcher.Errors:
			if !ok {
				return
			}
			select {
			case fw.errors <- err:
			case <-fw.done:
				return
			}
		}
	}
}

// convertEvent maps an fsnotify event to a FileEvent, reporting false for
// events that should be ignored.
func (fw *FileWatcher) convertEvent(event fsnotify.Event) (FileEvent, bool) {
	key, ok := objectstore.KeyForFile(filepath.Base(event.Name))
	if !ok {
		return FileEvent{}, false
	}
	record, ok := fw.recordFor(event.Name)
	if !ok {
		return FileEvent{}, false
	}

	var op EventOp
	switch {
	case event.Has(fsnotify.Create):
		op = OpCreate
	case event.Has(fsnotify.Write):
		op = OpModify
	case event.Has(fsnotify.Remove), event.Has(fsnotify.Rename):
		op = OpDelete
	default:
		return FileEvent{}, false
	}
	return FileEvent{Path: event.Name, Record: record, Key: key, Op: op}, true
}

func (fw *FileWatcher) recordFor(path string) (string, bool) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return "", false
	}
	fw.mu.Lock()
	defer fw.mu.Unlock()
	record, ok := fw.dirs[filepath.Dir(abs)]
	return record, ok
}

func (fw *FileWatcher) removeAll(dirs []string) {
	for _, d := range dirs {
		_ = fw.watcher.Remove(d)
		delete(fw.dirs, d)
	}
}
