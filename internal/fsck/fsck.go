// Package fsck implements the index consistency checker: a preflight
// light scan plus a three-phase deep scan (table pass 1, directory tree
// pass, table pass 2 duplicate elimination).
//
// Grounded on original_source/common/fsck.c's cachefilesd_fsck_light/
// cachefilesd_fsck_deep/fsck_table/fsck_slot/fsck_tree/fsck_file family.
// The original's doubly-linked directory-object tree (used to track
// parent/child relationships while scanning) is dropped: the tree pass
// here keeps at most one open directory fd per recursion level plus the
// current page of index records, via plain recursive descent instead of
// a persistent in-memory tree.
package fsck

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/cachefilesd/cachefilesd/internal/cachestate"
	"github.com/cachefilesd/cachefilesd/internal/handle"
	"github.com/cachefilesd/cachefilesd/internal/indexio"
	"github.com/cachefilesd/cachefilesd/internal/xattr"
	"golang.org/x/sys/unix"
)

// Mode selects remediation strategy: fsck runs in two modes, selected by
// whether the daemon has issued bind to the kernel.
type Mode int

const (
	Offline Mode = iota
	Online
)

// KernelOps is the subset of the kernel channel fsck needs for online
// remediation, delegated to the kernel via rmslot/fixslot/cull.
type KernelOps interface {
	RmSlot(slot uint32) error
	FixSlot(slot uint32) error
}

// Checker runs preflight and deep-scan passes against one cache's state.
type Checker struct {
	state      *cachestate.State
	pager      *indexio.Pager
	indexFile  *os.File
	atimesFile *os.File
	rootFD     int // fd open on <cacheroot>, for open_by_handle_at
	mode       Mode
	kernel     KernelOps

	Fixes int // count of remedial actions applied, for reporting

	phase        string // "table1"|"tree"|"table2", set by whichever pass is running
	fixesByPhase map[string]int
}

// NewChecker builds a Checker over already-open index/atimes files and a
// cache-root directory fd.
func NewChecker(state *cachestate.State, indexFile, atimesFile *os.File, rootFD int, mode Mode, kernel KernelOps) *Checker {
	return &Checker{
		state:        state,
		pager:        indexio.NewPager(state.Geo, indexFile, atimesFile),
		indexFile:    indexFile,
		atimesFile:   atimesFile,
		rootFD:       rootFD,
		mode:         mode,
		kernel:       kernel,
		fixesByPhase: make(map[string]int),
	}
}

// addFix records a remedial action against both the running total and
// the currently active phase.
func (c *Checker) addFix() {
	c.Fixes++
	c.fixesByPhase[c.phase]++
}

// FixesByPhase returns the count of remedial actions applied per phase
// ("table1", "tree", "table2").
func (c *Checker) FixesByPhase() map[string]int {
	return c.fixesByPhase
}

// Preflight runs the light scan.
//
// lockMTime is the modification time of an existing .lock file (zero
// value if absent); daemonStart is this process's own start time. A
// .lock is only stale if it predates the current run, a rule
// supplemented from common/fsck.c, see DESIGN.md's Open Question
// decisions.
func Preflight(state *cachestate.State, lockExists bool, lockMTime, daemonStart time.Time) (needFsck bool, err error) {
	if lockExists && lockMTime.Before(daemonStart) {
		needFsck = true
	}

	indexExists := fileExists(state.CullIndexPath)
	atimesExists := fileExists(state.CullAtimesPath)

	switch {
	case atimesExists && !indexExists:
		if err := os.Remove(state.CullAtimesPath); err != nil {
			return needFsck, fmt.Errorf("fsck: preflight remove orphan atimes: %w", err)
		}
	case indexExists && !atimesExists:
		f, err := os.OpenFile(state.CullAtimesPath, os.O_CREATE|os.O_RDWR, 0o600)
		if err != nil {
			return needFsck, fmt.Errorf("fsck: preflight create atimes: %w", err)
		}
		_ = f.Close()
	}

	rootFile, err := os.Open(state.Root)
	if err != nil {
		return needFsck, fmt.Errorf("fsck: preflight open cache root: %w", err)
	}
	defer rootFile.Close()

	entSizeBuf, err := xattr.Get(rootFile, xattr.NameCullIndex)
	if err != nil {
		return needFsck, fmt.Errorf("fsck: preflight read entity-size xattr: %w", err)
	}
	entSize := parseHexUint(string(entSizeBuf))
	if entSize == 0 {
		return needFsck, fmt.Errorf("fsck: fatal: entity_size xattr is zero")
	}
	state.Geo.EntSize = int(entSize)

	atimeBaseBuf, err := xattr.Get(rootFile, xattr.NameAtimeBase)
	if err != nil {
		if errors.Is(err, xattr.ErrNotFound) {
			needFsck = true
		} else {
			return needFsck, fmt.Errorf("fsck: preflight read atime-base xattr: %w", err)
		}
	} else {
		state.AtimeBase = parseHexUint(string(atimeBaseBuf))
	}

	if state.Geo.PageSize == 0 {
		state.Geo.PageSize = os.Getpagesize()
	}
	state.Geo.NumPerPage = state.Geo.PageSize / state.Geo.EntSize

	extended, err := roundSizes(state)
	if err != nil {
		return needFsck, err
	}
	if extended {
		needFsck = true
	}

	return needFsck, nil
}

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

func parseHexUint(s string) uint64 {
	s = strings.TrimPrefix(strings.TrimSpace(s), "0x")
	var v uint64
	fmt.Sscanf(s, "%x", &v)
	return v
}

// roundSizes extends the index file to a whole number of pages and the
// atimes file to num_perpage*4 and record-count parity with the index.
// Any truncate extension marks need_fsck.
func roundSizes(state *cachestate.State) (extended bool, err error) {
	idx, err := os.OpenFile(state.CullIndexPath, os.O_RDWR, 0o600)
	if err != nil {
		return false, fmt.Errorf("fsck: open index for size rounding: %w", err)
	}
	defer idx.Close()

	fi, err := idx.Stat()
	if err != nil {
		return false, err
	}
	size := fi.Size()
	pageSize := int64(state.Geo.PageSize)
	rounded := multCeil(size, pageSize)
	if rounded != size {
		if err := idx.Truncate(rounded); err != nil {
			return false, fmt.Errorf("fsck: extend index: %w", err)
		}
		extended = true
	}
	state.Geo.NumIndices = uint32(rounded / int64(state.Geo.EntSize))

	atm, err := os.OpenFile(state.CullAtimesPath, os.O_RDWR|os.O_CREATE, 0o600)
	if err != nil {
		return extended, fmt.Errorf("fsck: open atimes for size rounding: %w", err)
	}
	defer atm.Close()

	afi, err := atm.Stat()
	if err != nil {
		return extended, err
	}
	want := int64(state.Geo.NumIndices) * 4
	want = multCeil(want, int64(state.Geo.NumPerPage)*4)
	if afi.Size() != want {
		if err := atm.Truncate(want); err != nil {
			return extended, fmt.Errorf("fsck: resize atimes: %w", err)
		}
		extended = true
	}
	return extended, nil
}

func multCeil(n, multiple int64) int64 {
	if multiple == 0 {
		return n
	}
	if rem := n % multiple; rem != 0 {
		return n + (multiple - rem)
	}
	return n
}

// TablePass runs one scan of every index slot: phase 1 (when
// duplicatePass is false) or phase 3 (when true).
func (c *Checker) TablePass(duplicatePass bool) error {
	if duplicatePass {
		c.phase = "table2"
	} else {
		c.phase = "table1"
	}
	for slot := uint32(0); slot < c.state.Geo.NumIndices; slot++ {
		if err := c.fsckSlot(slot, duplicatePass); err != nil {
			return fmt.Errorf("fsck: table pass slot %d: %w", slot, err)
		}
	}
	return c.pager.Close()
}

func (c *Checker) fsckSlot(slot uint32, duplicatePass bool) error {
	recBytes, err := c.pager.RecordSeek(slot)
	if err != nil {
		return err
	}
	rec, err := handle.DecodeRecord(recBytes)
	if err != nil {
		return err
	}

	atimeBytes := c.pager.AtimeBytes(slot)
	atime := indexio.GetUint32(atimeBytes)

	if rec.Empty() {
		if atime != 0 {
			indexio.PutUint32(atimeBytes, 0)
			c.pager.MarkDirty()
			c.addFix()
		}
		return nil
	}

	fh := handle.FromRecord(rec)
	fd, err := handle.OpenByHandle(c.rootFD, fh, os.O_RDONLY)
	if err != nil {
		if isStale(err) {
			return c.deleteSlot(slot)
		}
		return err
	}
	f := os.NewFile(uintptr(fd), fmt.Sprintf("slot-%d", slot))
	defer f.Close()

	cx, err := xattr.GetCache(f)
	if err != nil {
		if errors.Is(err, xattr.ErrNotFound) {
			return c.deleteSlot(slot)
		}
		return err
	}

	switch {
	case cx.CullSlot == slot:
		return nil
	case cx.CullSlot == cachestate.Pinned:
		return c.deleteSlot(slot)
	case duplicatePass:
		return c.deleteSlot(slot)
	default:
		if cx.CullSlot < slot && cx.CullSlot < c.state.Geo.NumIndices {
			// An earlier slot scanned in this pass holds the same handle
			// and already owns the object: leave this slot for phase 3's
			// duplicate elimination instead of stealing the object.
			otherBytes, err := c.pager.RecordSeek(cx.CullSlot)
			if err != nil {
				return err
			}
			other, err := handle.DecodeRecord(otherBytes)
			if err != nil {
				return err
			}
			if other.Type == rec.Type && string(other.FH) == string(rec.FH) {
				return nil
			}
		}
		return c.repairSlot(slot, f)
	}
}

func isStale(err error) bool {
	return errors.Is(err, unix.ESTALE)
}

func (c *Checker) deleteSlot(slot uint32) error {
	c.addFix()
	if c.mode == Online {
		return c.kernel.RmSlot(slot)
	}
	recBytes, err := c.pager.RecordSeek(slot)
	if err != nil {
		return err
	}
	for i := range recBytes {
		recBytes[i] = 0
	}
	indexio.PutUint32(c.pager.AtimeBytes(slot), 0)
	c.pager.MarkDirty()
	return nil
}

func (c *Checker) repairSlot(slot uint32, f *os.File) error {
	c.addFix()
	if c.mode == Online {
		return c.kernel.FixSlot(slot)
	}
	return xattr.SetCacheCullSlot(f, slot)
}

// TreePass spiders the cache/ subtree (phase 2). root is
// <cacheroot>/cache.
func (c *Checker) TreePass(root string) error {
	c.phase = "tree"
	_, err := c.walkDir(root)
	return err
}

// validPrefixes lists the leading letters the tree pass recognizes:
// "IDSJET+@". 'D' denotes a directory-typed cache object;
// '+'/'@' denote intermediate hash-tree nodes and may be either type; the
// rest denote regular-file cache objects.
const validPrefixes = "IDSJET+@"

func isExpectedName(name string, isDir bool) bool {
	if name == "" {
		return false
	}
	prefix := name[0]
	if strings.IndexByte(validPrefixes, prefix) < 0 {
		return false
	}
	switch prefix {
	case '+', '@':
		return true // intermediate nodes: type-agnostic
	case 'D':
		return isDir
	default:
		return !isDir
	}
}

func isIntermediate(name string) bool {
	return name != "" && (name[0] == '@' || name[0] == '+')
}

// walkDir returns the number of entries remaining in dir after this pass,
// matching fsck_tree's *num output convention (0 means the directory was
// found empty and has been removed).
func (c *Checker) walkDir(dir string) (int, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return 0, nil
		}
		return 0, fmt.Errorf("fsck: read dir %s: %w", dir, err)
	}

	remaining := len(entries)
	for _, de := range entries {
		name := de.Name()
		path := filepath.Join(dir, name)

		if isIntermediate(name) {
			continue
		}

		isDir := de.IsDir()
		if !isExpectedName(name, isDir) {
			if err := c.deleteFile(path, isDir); err != nil {
				return remaining, err
			}
			remaining--
			continue
		}

		if isDir {
			childRemaining, err := c.walkDir(path)
			if err != nil {
				return remaining, err
			}
			if childRemaining == 0 {
				remaining--
				continue
			}
		}

		if err := c.fsckFile(dir, name, isDir); err != nil {
			if errors.Is(err, errShouldDelete) {
				if delErr := c.deleteFile(path, isDir); delErr != nil {
					return remaining, delErr
				}
				remaining--
				continue
			}
			return remaining, err
		}
	}

	if remaining == 0 {
		if err := c.orphanOnRemoval(dir); err != nil {
			return 0, err
		}
		if err := os.Remove(dir); err != nil && !errors.Is(err, os.ErrNotExist) {
			return 0, fmt.Errorf("fsck: remove empty dir %s: %w", dir, err)
		}
	}
	return remaining, nil
}

// orphanOnRemoval implements the tree pass's empty-directory rule: if
// empty, remove it and (offline) zero any orphaned index slot
// referenced by its xattr, since before an emptied directory is
// unlinked, its own cache xattr (if any) points at an index slot that
// must now be cleared.
func (c *Checker) orphanOnRemoval(dir string) error {
	if c.mode != Offline {
		return nil
	}
	f, err := os.Open(dir)
	if err != nil {
		return nil
	}
	defer f.Close()

	cx, err := xattr.GetCache(f)
	if err != nil {
		return nil
	}
	if cx.CullSlot == cachestate.Pinned || cx.CullSlot >= c.state.Geo.NumIndices {
		return nil
	}
	return c.deleteSlot(cx.CullSlot)
}

// errShouldDelete signals that fsckFile determined the object is an
// orphan and must be deleted by the caller (mirrors fsck_file's EEXIST
// return convention).
var errShouldDelete = errors.New("fsck: object should be deleted")

func (c *Checker) fsckFile(dirPath, name string, isDir bool) error {
	dirFile, err := os.Open(dirPath)
	if err != nil {
		return fmt.Errorf("fsck: open dir %s: %w", dirPath, err)
	}
	defer dirFile.Close()

	objPath := filepath.Join(dirPath, name)
	objFile, err := os.Open(objPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("fsck: open %s: %w", objPath, err)
	}
	defer objFile.Close()

	cx, err := xattr.GetCache(objFile)
	if err != nil {
		if errors.Is(err, xattr.ErrNotFound) {
			return errShouldDelete
		}
		return err
	}
	if cx.CullSlot == cachestate.Pinned {
		return nil
	}
	if cx.CullSlot > c.state.Geo.NumIndices {
		return errShouldDelete
	}

	fh, err := handle.EncodeHandle(int(dirFile.Fd()), name)
	if err != nil {
		return fmt.Errorf("fsck: encode handle for %s: %w", objPath, err)
	}
	encoded := fh.Bytes
	if !isDir {
		parentFH, err := handle.EncodeHandle(int(dirFile.Fd()), ".")
		if err != nil {
			return fmt.Errorf("fsck: encode parent handle for %s: %w", dirPath, err)
		}
		encoded = append(append([]byte(nil), parentFH.Bytes...), fh.Bytes...)
	}

	recBytes, err := c.pager.RecordSeek(cx.CullSlot)
	if err != nil {
		return err
	}
	rec, err := handle.DecodeRecord(recBytes)
	if err != nil {
		return err
	}
	if string(rec.FH) != string(encoded) {
		return errShouldDelete
	}
	return nil
}

func (c *Checker) deleteFile(path string, isDir bool) error {
	c.addFix()
	if isDir {
		return os.RemoveAll(path)
	}
	return os.Remove(path)
}

// RunDeep runs all three phases in order: table pass 1, tree pass,
// table pass 2 (duplicate elimination).
func (c *Checker) RunDeep(cacheDir string) error {
	if err := c.TablePass(false); err != nil {
		return err
	}
	if err := c.TreePass(cacheDir); err != nil {
		return err
	}
	return c.TablePass(true)
}

// Complete reports fsck completion: online completion writes "fsck <rc>"
// to the kernel; offline completion, if no errors, removes the .lock
// file.
func (c *Checker) Complete(runErr error, fsckFn func(rc int) error) error {
	rc := 0
	if runErr != nil {
		rc = 1
	}
	if c.mode == Online {
		return fsckFn(rc)
	}
	if runErr == nil {
		if err := os.Remove(c.state.LockPath); err != nil && !errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("fsck: remove lock file: %w", err)
		}
	}
	return nil
}
