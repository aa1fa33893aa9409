// Package cachestate holds the singleton cache state: cache root path,
// derived paths, geometry, and the daemon's init/read/bound/need_fsck/
// fsck_running flags.
//
// Grounded on _examples/original_source/cachefilesd.c's global
// cachefilesd_daemon_t and common/cachefilesd.h; converted into an
// explicit struct threaded through the control loop rather than process
// globals.
package cachestate

import (
	"fmt"
	"path/filepath"
	"sync"

	"github.com/cachefilesd/cachefilesd/internal/indexio"
)

// Reserved slot values.
const (
	NoCullSlot uint32 = 0xFFFFFFFF
	Pinned     uint32 = 0xFFFFFFFE
)

// Flags holds the daemon's lifecycle flags. Guarded by a mutex because
// internal/daemon runs the deep fsck on its own goroutine alongside the
// main control loop, which sets and clears FsckRunning/NeedFsck.
type Flags struct {
	mu          sync.Mutex
	init        bool
	read        bool
	bound       bool
	needFsck    bool
	fsckRunning bool
}

func (f *Flags) SetInit(v bool)  { f.mu.Lock(); f.init = v; f.mu.Unlock() }
func (f *Flags) Init() bool      { f.mu.Lock(); defer f.mu.Unlock(); return f.init }
func (f *Flags) SetRead(v bool)  { f.mu.Lock(); f.read = v; f.mu.Unlock() }
func (f *Flags) Read() bool      { f.mu.Lock(); defer f.mu.Unlock(); return f.read }
func (f *Flags) SetBound(v bool) { f.mu.Lock(); f.bound = v; f.mu.Unlock() }
func (f *Flags) Bound() bool     { f.mu.Lock(); defer f.mu.Unlock(); return f.bound }

func (f *Flags) SetNeedFsck(v bool) { f.mu.Lock(); f.needFsck = v; f.mu.Unlock() }
func (f *Flags) NeedFsck() bool     { f.mu.Lock(); defer f.mu.Unlock(); return f.needFsck }

func (f *Flags) SetFsckRunning(v bool) { f.mu.Lock(); f.fsckRunning = v; f.mu.Unlock() }
func (f *Flags) FsckRunning() bool     { f.mu.Lock(); defer f.mu.Unlock(); return f.fsckRunning }

// State is the cache-wide singleton.
type State struct {
	Root           string
	CacheDir       string
	GraveyardDir   string
	CullIndexPath  string
	CullAtimesPath string
	LockPath       string

	Geo indexio.Geometry

	AtimeBase uint64

	Flags Flags
}

// New derives all paths from the cache root.
func New(root string) *State {
	return &State{
		Root:           root,
		CacheDir:       filepath.Join(root, "cache"),
		GraveyardDir:   filepath.Join(root, "graveyard"),
		CullIndexPath:  filepath.Join(root, "cull_index"),
		CullAtimesPath: filepath.Join(root, "cull_atimes"),
		LockPath:       filepath.Join(root, ".lock"),
	}
}

// ValidateSlot reports whether slot is a usable index into [0,
// NumIndices), as opposed to one of the two reserved sentinels.
func (s *State) ValidateSlot(slot uint32) error {
	if slot == NoCullSlot || slot == Pinned {
		return fmt.Errorf("cachestate: slot %d is a reserved sentinel", slot)
	}
	if slot >= s.Geo.NumIndices {
		return fmt.Errorf("cachestate: slot %d out of range [0,%d)", slot, s.Geo.NumIndices)
	}
	return nil
}
