// Package graveyard implements the reaper: a recursive deletion pass
// over the graveyard directory, re-armed after each run via a
// directory-change notification.
//
// Grounded on original_source/cachefilesd.c's reap_graveyard/
// reap_graveyard_aux (the rewind-until-dry loop, and destroy_file's
// unique-name rename for directories). The original arms a one-shot
// dnotify (F_NOTIFY/DN_CREATE) on the graveyard fd; this is replaced
// with github.com/fsnotify/fsnotify's watcher, the way gcsfuse watches
// config files for change, re-armed the same way (one watch added
// before each reap pass).
package graveyard

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
	"github.com/google/uuid"
)

// Reaper walks and empties a single graveyard directory.
type Reaper struct {
	root    string
	watcher *fsnotify.Watcher
}

// New creates a Reaper over the graveyard directory at root.
func New(root string) (*Reaper, error) {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("graveyard: new watcher: %w", err)
	}
	return &Reaper{root: root, watcher: w}, nil
}

// Arm (re-)establishes the directory-change notification on the
// graveyard directory, re-arming it before each reap. fsnotify watches
// are not one-shot, so Arm only needs to add the watch once; calling it
// again on an already-watched path is a no-op in fsnotify, matching the
// re-arm semantics without double-registration.
func (r *Reaper) Arm() error {
	if err := r.watcher.Add(r.root); err != nil {
		return fmt.Errorf("graveyard: arm notification on %s: %w", r.root, err)
	}
	return nil
}

// Events exposes the underlying notification channel so the control loop
// can select on it alongside the kernel channel's poll.
func (r *Reaper) Events() <-chan fsnotify.Event { return r.watcher.Events }

// Errors exposes the watcher's error channel.
func (r *Reaper) Errors() <-chan error { return r.watcher.Errors }

// Close releases the watcher.
func (r *Reaper) Close() error { return r.watcher.Close() }

// Reap empties the graveyard: unlinks regular files, renames directories
// to unique names and recursively empties them.
//
// Because unlinking during enumeration may skip directory entries (the
// same caveat the original documents at reap_graveyard_aux), the walk
// rewinds and re-reads the directory until a full pass deletes nothing.
func (r *Reaper) Reap() error {
	return reapDir(r.root)
}

func reapDir(dirname string) error {
	for {
		entries, err := os.ReadDir(dirname)
		if err != nil {
			return fmt.Errorf("graveyard: read dir %s: %w", dirname, err)
		}

		deleted := false
		for _, de := range entries {
			path := filepath.Join(dirname, de.Name())
			deleted = true

			if !de.IsDir() {
				if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
					return fmt.Errorf("graveyard: unlink %s: %w", path, err)
				}
				continue
			}

			renamed := filepath.Join(dirname, UniqueName())
			if err := os.Rename(path, renamed); err != nil && !errors.Is(err, os.ErrNotExist) {
				return fmt.Errorf("graveyard: rename %s: %w", path, err)
			} else if err == nil {
				path = renamed
			}

			if err := reapDir(path); err != nil {
				return err
			}
			if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
				return fmt.Errorf("graveyard: rmdir %s: %w", path, err)
			}
		}

		if !deleted {
			return nil
		}
	}
}

// UniqueName generates a collision-proof name for a directory moved out
// of the hot path by destroy_file's rename step, which renames
// encountered subdirectories to unique timestamp names. A UUID replaces
// the original's "%lx%x" (seconds, uniquifier) pair, which is not unique
// across daemon restarts within the same second.
func UniqueName() string {
	return "x" + uuid.NewString()
}
