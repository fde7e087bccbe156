package calendar

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"calalarm/internal/ics"
	appLog "calalarm/internal/log"
	"calalarm/internal/model"
)

const defaultReloadDebounce = 300 * time.Millisecond

// FileSource is a MemorySource backed by a local ICS file. Writes are
// serialized back to the file atomically; external edits are picked up by
// Watch and reported as OnLoad.
type FileSource struct {
	*MemorySource

	path     string
	debounce time.Duration

	// lastBody is the file content last read or written by us, used to tell
	// our own writes apart from external edits.
	bodyMu   sync.Mutex
	lastBody []byte
}

func NewFileSource(id, name, path string, opts ...MemoryOption) *FileSource {
	f := &FileSource{
		MemorySource: NewMemorySource(id, name, opts...),
		path:         path,
		debounce:     defaultReloadDebounce,
	}
	f.self = f
	if !f.readOnly {
		f.persist = f.save
	}
	return f
}

func (f *FileSource) Path() string { return f.path }

// Load reads and parses the file, replacing the current content. A missing
// file is an empty calendar.
func (f *FileSource) Load() error {
	data, err := os.ReadFile(f.path)
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("load %s: %w", f.path, err)
	}

	var items []*model.Item
	if len(bytes.TrimSpace(data)) > 0 {
		items, err = ics.Parse(f.id, data, f.loc)
		if err != nil {
			return fmt.Errorf("load %s: %w", f.path, err)
		}
	}

	f.bodyMu.Lock()
	f.lastBody = data
	f.bodyMu.Unlock()

	appLog.Info("calendar file loaded", "calendar", f.id, "path", f.path, "item_count", len(items))
	f.Replace(items)
	return nil
}

// reloadIfChanged reloads unless the file holds what we last read or wrote.
func (f *FileSource) reloadIfChanged() error {
	data, err := os.ReadFile(f.path)
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	f.bodyMu.Lock()
	same := bytes.Equal(data, f.lastBody)
	f.bodyMu.Unlock()
	if same {
		return nil
	}
	return f.Load()
}

// save writes items to the file via a temp file + rename in the same
// directory, with 0600 permissions.
func (f *FileSource) save(items []*model.Item) error {
	data, err := ics.Marshal(items)
	if err != nil {
		return err
	}

	dir := filepath.Dir(f.path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(dir, ".calalarm-*.ics.tmp")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	// Ensure we clean up temp file on error.
	defer os.Remove(tmpName)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	if err := os.Chmod(tmpName, 0o600); err != nil {
		return err
	}

	f.bodyMu.Lock()
	defer f.bodyMu.Unlock()
	if err := os.Rename(tmpName, f.path); err != nil {
		return err
	}
	f.lastBody = data
	return nil
}

// Watch reloads the file when it changes on disk, until ctx is done. The
// parent directory is watched so that atomic replacements are seen.
func (f *FileSource) Watch(ctx context.Context) error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create watcher: %w", err)
	}
	defer w.Close()

	absPath, err := filepath.Abs(f.path)
	if err != nil {
		return fmt.Errorf("failed to resolve path: %w", err)
	}
	if err := w.Add(filepath.Dir(absPath)); err != nil {
		return fmt.Errorf("failed to watch directory: %w", err)
	}

	reload := make(chan struct{}, 1)
	var timer *time.Timer
	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case event, ok := <-w.Events:
			if !ok {
				return nil
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename|fsnotify.Remove) == 0 {
				continue
			}
			if p, err := filepath.Abs(event.Name); err != nil || p != absPath {
				continue
			}
			// Debounce rapid changes
			if timer != nil {
				timer.Stop()
			}
			timer = time.AfterFunc(f.debounce, func() {
				select {
				case reload <- struct{}{}:
				default:
				}
			})

		case <-reload:
			if err := f.reloadIfChanged(); err != nil {
				appLog.Error("calendar file reload failed", err, "calendar", f.id, "path", f.path)
			}

		case err, ok := <-w.Errors:
			if !ok {
				return nil
			}
			appLog.Error("calendar file watch error", err, "calendar", f.id)
		}
	}
}
