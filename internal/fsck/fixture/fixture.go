// Package fixture synthesizes well-formed cache-root layouts (index,
// atimes, cache/ object tree, and matching cache xattrs) for fsck's own
// tests, the way original_source/gen.c fabricates atimes/data pairs for
// cull_test.c rather than depending on a live kernel cache.
package fixture

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/cachefilesd/cachefilesd/internal/cachestate"
	"github.com/cachefilesd/cachefilesd/internal/handle"
	"github.com/cachefilesd/cachefilesd/internal/indexio"
	"github.com/cachefilesd/cachefilesd/internal/xattr"
)

// EntSize is the fixture's fixed record size: 2 header bytes plus room
// for a real exportfs handle payload (tmpfs/overlay handles commonly run
// well under 64 bytes, but this leaves headroom).
const EntSize = 128

// Cache lays out a complete temporary cache root: cull_index, cull_atimes,
// cache/ with one regular file per populated slot, and the cache-wide
// xattrs fsck.Preflight expects.
type Cache struct {
	t        *testing.T
	Root     string
	CacheDir string
	State    *cachestate.State

	numSlots uint32
}

// New creates an empty cache root with numSlots index slots, all initially
// empty.
func New(t *testing.T, numSlots uint32) *Cache {
	t.Helper()
	root := t.TempDir()
	cacheDir := filepath.Join(root, "cache")
	if err := os.Mkdir(cacheDir, 0o700); err != nil {
		t.Fatalf("fixture: mkdir cache dir: %v", err)
	}
	if err := os.Mkdir(filepath.Join(root, "graveyard"), 0o700); err != nil {
		t.Fatalf("fixture: mkdir graveyard: %v", err)
	}

	state := cachestate.New(root)
	state.Geo = indexio.Geometry{
		PageSize:   os.Getpagesize(),
		EntSize:    EntSize,
		NumIndices: numSlots,
	}
	state.Geo.NumPerPage = state.Geo.PageSize / state.Geo.EntSize
	state.AtimeBase = 1000

	indexSize := int64(numSlots) * int64(EntSize)
	indexSize = roundUp(indexSize, int64(state.Geo.PageSize))
	idx, err := os.Create(state.CullIndexPath)
	if err != nil {
		t.Fatalf("fixture: create index: %v", err)
	}
	if err := idx.Truncate(indexSize); err != nil {
		t.Fatalf("fixture: truncate index: %v", err)
	}
	idx.Close()

	atimesSize := int64(numSlots) * 4
	atimesSize = roundUp(atimesSize, int64(state.Geo.NumPerPage)*4)
	atm, err := os.Create(state.CullAtimesPath)
	if err != nil {
		t.Fatalf("fixture: create atimes: %v", err)
	}
	if err := atm.Truncate(atimesSize); err != nil {
		t.Fatalf("fixture: truncate atimes: %v", err)
	}
	atm.Close()

	root64 := rootHandleFile(t, root)
	if err := xattr.Set(root64, xattr.NameCullIndex, []byte("80")); err != nil {
		t.Fatalf("fixture: set entity-size xattr: %v", err)
	}
	if err := xattr.Set(root64, xattr.NameAtimeBase, []byte("00000000000003e8")); err != nil {
		t.Fatalf("fixture: set atime-base xattr: %v", err)
	}
	root64.Close()

	return &Cache{t: t, Root: root, CacheDir: cacheDir, State: state, numSlots: numSlots}
}

func rootHandleFile(t *testing.T, root string) *os.File {
	t.Helper()
	f, err := os.Open(root)
	if err != nil {
		t.Fatalf("fixture: open root: %v", err)
	}
	return f
}

func roundUp(n, multiple int64) int64 {
	if rem := n % multiple; rem != 0 {
		return n + (multiple - rem)
	}
	return n
}

// PutObject creates a regular cache object named name directly under
// cache/, writes its cache xattr with the given cullslot, and records a
// matching index entry at cullslot pointing at the object's file handle.
// It returns the encoded handle bytes stored in the index, for tests that
// need to construct a deliberate mismatch.
func (c *Cache) PutObject(name string, cullslot uint32) []byte {
	c.t.Helper()
	path := filepath.Join(c.CacheDir, name)
	if err := os.WriteFile(path, []byte("x"), 0o600); err != nil {
		c.t.Fatalf("fixture: write object %s: %v", name, err)
	}

	f, err := os.Open(path)
	if err != nil {
		c.t.Fatalf("fixture: open object %s: %v", name, err)
	}
	defer f.Close()

	if err := xattr.Set(f, xattr.NameCache, xattr.EncodeCache(xattr.CacheXattr{CullSlot: cullslot})); err != nil {
		c.t.Fatalf("fixture: set cache xattr on %s: %v", name, err)
	}

	dir, err := os.Open(c.CacheDir)
	if err != nil {
		c.t.Fatalf("fixture: open cache dir: %v", err)
	}
	defer dir.Close()

	fh, err := handle.EncodeHandle(int(dir.Fd()), name)
	if err != nil {
		c.t.Fatalf("fixture: encode handle for %s: %v", name, err)
	}

	c.putIndexRecord(cullslot, fh.ToRecord())
	return fh.Bytes
}

// PutIndexRecord writes a raw record at slot without touching cache/,
// for tests that need an index entry with no backing object (e.g. a
// dangling handle that must provoke ESTALE).
func (c *Cache) PutIndexRecord(slot uint32, rec handle.Record) {
	c.t.Helper()
	c.putIndexRecord(slot, rec)
}

func (c *Cache) putIndexRecord(slot uint32, rec handle.Record) {
	buf, err := handle.EncodeRecord(rec, c.State.Geo.EntSize)
	if err != nil {
		c.t.Fatalf("fixture: encode record for slot %d: %v", slot, err)
	}
	idx, err := os.OpenFile(c.State.CullIndexPath, os.O_RDWR, 0o600)
	if err != nil {
		c.t.Fatalf("fixture: open index: %v", err)
	}
	defer idx.Close()
	if _, err := idx.WriteAt(buf, int64(slot)*int64(c.State.Geo.EntSize)); err != nil {
		c.t.Fatalf("fixture: write record slot %d: %v", slot, err)
	}
}

// PutAtime writes a raw file_atime value into the atimes file at slot,
// for tests that exercise cullqueue's atimes-file-backed Build/Refresh/
// Cull paths without a live kernel populating it.
func (c *Cache) PutAtime(slot uint32, atime uint32) {
	c.t.Helper()
	atm, err := os.OpenFile(c.State.CullAtimesPath, os.O_RDWR, 0o600)
	if err != nil {
		c.t.Fatalf("fixture: open atimes for slot %d: %v", slot, err)
	}
	defer atm.Close()
	var buf [4]byte
	indexio.PutUint32(buf[:], atime)
	if _, err := atm.WriteAt(buf[:], int64(slot)*4); err != nil {
		c.t.Fatalf("fixture: write atime slot %d: %v", slot, err)
	}
}

// RootFD opens the cache root directory and returns its fd, for use with
// open_by_handle_at in fsck's table pass. The caller is responsible for
// closing the returned file.
func (c *Cache) RootFD() *os.File {
	c.t.Helper()
	f, err := os.Open(c.Root)
	if err != nil {
		c.t.Fatalf("fixture: open root fd: %v", err)
	}
	return f
}

// IndexFile opens the index file read-write, for handing to fsck.NewChecker.
func (c *Cache) IndexFile() *os.File {
	c.t.Helper()
	f, err := os.OpenFile(c.State.CullIndexPath, os.O_RDWR, 0o600)
	if err != nil {
		c.t.Fatalf("fixture: open index file: %v", err)
	}
	return f
}

// AtimesFile opens the atimes file read-write, for handing to fsck.NewChecker.
func (c *Cache) AtimesFile() *os.File {
	c.t.Helper()
	f, err := os.OpenFile(c.State.CullAtimesPath, os.O_RDWR, 0o600)
	if err != nil {
		c.t.Fatalf("fixture: open atimes file: %v", err)
	}
	return f
}
