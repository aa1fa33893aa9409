package fsck

import (
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cachefilesd/cachefilesd/internal/fsck/fixture"
	"github.com/cachefilesd/cachefilesd/internal/handle"
	"github.com/cachefilesd/cachefilesd/internal/xattr"
)

type fakeKernel struct {
	removed []uint32
	fixed   []uint32
}

func (k *fakeKernel) RmSlot(slot uint32) error  { k.removed = append(k.removed, slot); return nil }
func (k *fakeKernel) FixSlot(slot uint32) error { k.fixed = append(k.fixed, slot); return nil }

func newChecker(t *testing.T, c *fixture.Cache, mode Mode, kernel KernelOps) (*Checker, func()) {
	t.Helper()
	rootFD := c.RootFD()
	idx := c.IndexFile()
	atm := c.AtimesFile()
	checker := NewChecker(c.State, idx, atm, int(rootFD.Fd()), mode, kernel)
	cleanup := func() {
		idx.Close()
		atm.Close()
		rootFD.Close()
	}
	return checker, cleanup
}

func TestPreflightZeroEntitySizeIsFatal(t *testing.T) {
	c := fixture.New(t, 16)
	root, err := os.Open(c.Root)
	require.NoError(t, err)
	require.NoError(t, xattr.Set(root, xattr.NameCullIndex, []byte("0")))
	root.Close()

	_, err = Preflight(c.State, false, time.Time{}, time.Now())
	require.Error(t, err)
}

func TestPreflightMissingAtimeBaseSetsNeedFsck(t *testing.T) {
	c := fixture.New(t, 16)
	root, err := os.Open(c.Root)
	require.NoError(t, err)
	require.NoError(t, xattr.Remove(root, xattr.NameAtimeBase))
	root.Close()

	needFsck, err := Preflight(c.State, false, time.Time{}, time.Now())
	require.NoError(t, err)
	assert.True(t, needFsck)
}

func TestPreflightStaleLockSetsNeedFsck(t *testing.T) {
	c := fixture.New(t, 16)
	start := time.Now()
	lockMTime := start.Add(-time.Hour)

	needFsck, err := Preflight(c.State, true, lockMTime, start)
	require.NoError(t, err)
	assert.True(t, needFsck)
}

func TestPreflightOrphanAtimesFileIsRemoved(t *testing.T) {
	c := fixture.New(t, 16)
	require.NoError(t, os.Remove(c.State.CullIndexPath))

	_, err := Preflight(c.State, false, time.Time{}, time.Now())
	require.Error(t, err) // index was removed, so the later size-rounding pass has nothing to open
	_, statErr := os.Stat(c.State.CullAtimesPath)
	assert.True(t, os.IsNotExist(statErr))
}

// TestFsckRepairsMismatchedCullSlot exercises scenario 4:
// a single-entry index whose file reports a stale cullslot gets repaired
// to match the slot that actually references it.
func TestFsckRepairsMismatchedCullSlot(t *testing.T) {
	c := fixture.New(t, 16)
	fhBytes := c.PutObject("Eobjone", 7)

	// Now corrupt the object's xattr to claim a different cullslot.
	objPath := c.CacheDir + "/Eobjone"
	f, err := os.OpenFile(objPath, os.O_RDWR, 0o600)
	require.NoError(t, err)
	require.NoError(t, xattr.Set(f, xattr.NameCache, xattr.EncodeCache(xattr.CacheXattr{CullSlot: 99})))
	f.Close()

	checker, cleanup := newChecker(t, c, Offline, nil)
	defer cleanup()

	require.NoError(t, checker.TablePass(false))
	assert.Equal(t, 1, checker.Fixes)

	f, err = os.Open(objPath)
	require.NoError(t, err)
	defer f.Close()
	cx, err := xattr.GetCache(f)
	require.NoError(t, err)
	assert.Equal(t, uint32(7), cx.CullSlot)
	_ = fhBytes
}

// TestFsckDuplicateEliminationDeletesSecondSlot exercises scenario 5:
// two slots referencing the same file; phase 1 repairs the
// object's xattr towards whichever slot is scanned first, phase 3 then
// deletes the later slot as a duplicate.
func TestFsckDuplicateEliminationDeletesSecondSlot(t *testing.T) {
	c := fixture.New(t, 16)
	c.PutObject("Eshared", 3)

	rec, err := decodeIndexRecord(c, 3)
	require.NoError(t, err)
	c.PutIndexRecord(9, rec)

	checker, cleanup := newChecker(t, c, Offline, nil)
	defer cleanup()

	require.NoError(t, checker.TablePass(false))
	require.NoError(t, checker.TablePass(true))

	assert.True(t, checker.Fixes >= 1)

	slot9, err := decodeIndexRecord(c, 9)
	require.NoError(t, err)
	assert.True(t, slot9.Empty())
}

func decodeIndexRecord(c *fixture.Cache, slot uint32) (handle.Record, error) {
	f := c.IndexFile()
	defer f.Close()
	buf := make([]byte, c.State.Geo.EntSize)
	if _, err := f.ReadAt(buf, int64(slot)*int64(c.State.Geo.EntSize)); err != nil {
		return handle.Record{}, err
	}
	return handle.DecodeRecord(buf)
}

func TestFsckEmptySlotWithNonzeroAtimeIsZeroed(t *testing.T) {
	c := fixture.New(t, 16)

	atm, err := os.OpenFile(c.State.CullAtimesPath, os.O_RDWR, 0o600)
	require.NoError(t, err)
	_, err = atm.WriteAt([]byte{0x05, 0x00, 0x00, 0x00}, 5*4)
	require.NoError(t, err)
	atm.Close()

	checker, cleanup := newChecker(t, c, Offline, nil)
	defer cleanup()

	require.NoError(t, checker.TablePass(false))
	assert.Equal(t, 1, checker.Fixes)

	atm, err = os.Open(c.State.CullAtimesPath)
	require.NoError(t, err)
	defer atm.Close()
	var buf [4]byte
	_, err = atm.ReadAt(buf[:], 5*4)
	require.NoError(t, err)
	assert.Equal(t, [4]byte{0, 0, 0, 0}, buf)
}

func TestFsckOnlineModeDelegatesToKernel(t *testing.T) {
	c := fixture.New(t, 16)
	c.PutObject("Eonline", 2)

	f, err := os.OpenFile(c.CacheDir+"/Eonline", os.O_RDWR, 0o600)
	require.NoError(t, err)
	require.NoError(t, xattr.Set(f, xattr.NameCache, xattr.EncodeCache(xattr.CacheXattr{CullSlot: 55})))
	f.Close()

	kernel := &fakeKernel{}
	checker, cleanup := newChecker(t, c, Online, kernel)
	defer cleanup()

	require.NoError(t, checker.TablePass(false))
	assert.Equal(t, []uint32{2}, kernel.fixed)
}

func TestTreePassDeletesUnexpectedPrefix(t *testing.T) {
	c := fixture.New(t, 16)
	require.NoError(t, os.WriteFile(c.CacheDir+"/Xbogus", []byte("x"), 0o600))

	checker, cleanup := newChecker(t, c, Offline, nil)
	defer cleanup()

	require.NoError(t, checker.TreePass(c.CacheDir))

	_, err := os.Stat(c.CacheDir + "/Xbogus")
	assert.True(t, os.IsNotExist(err))
}

func TestTreePassSkipsIntermediateNames(t *testing.T) {
	c := fixture.New(t, 16)
	require.NoError(t, os.WriteFile(c.CacheDir+"/@intermediate", []byte("x"), 0o600))

	checker, cleanup := newChecker(t, c, Offline, nil)
	defer cleanup()

	require.NoError(t, checker.TreePass(c.CacheDir))

	_, err := os.Stat(c.CacheDir + "/@intermediate")
	assert.NoError(t, err)
}

func TestTreePassDeletesFileWithMismatchedHandle(t *testing.T) {
	c := fixture.New(t, 16)
	c.PutObject("Emismatch", 4)

	// Point slot 4's record at garbage bytes so the reciprocal handle
	// check fails.
	rec := handle.Record{Len: 4, Type: 1, FH: []byte{0xde, 0xad, 0xbe, 0xef}}
	c.PutIndexRecord(4, rec)

	checker, cleanup := newChecker(t, c, Offline, nil)
	defer cleanup()

	require.NoError(t, checker.TreePass(c.CacheDir))

	_, err := os.Stat(c.CacheDir + "/Emismatch")
	assert.True(t, os.IsNotExist(err))
}

func TestRunDeepCompletesAllPhases(t *testing.T) {
	c := fixture.New(t, 16)
	c.PutObject("Egood", 1)

	checker, cleanup := newChecker(t, c, Offline, nil)
	defer cleanup()

	require.NoError(t, checker.RunDeep(c.CacheDir))
}

func TestCompleteOfflineRemovesLockFile(t *testing.T) {
	c := fixture.New(t, 16)
	require.NoError(t, os.WriteFile(c.State.LockPath, nil, 0o600))

	checker, cleanup := newChecker(t, c, Offline, nil)
	defer cleanup()

	require.NoError(t, checker.Complete(nil, nil))
	_, err := os.Stat(c.State.LockPath)
	assert.True(t, os.IsNotExist(err))
}

func TestCompleteOnlineWritesFsckRC(t *testing.T) {
	c := fixture.New(t, 16)
	checker, cleanup := newChecker(t, c, Online, &fakeKernel{})
	defer cleanup()

	var gotRC int
	called := false
	err := checker.Complete(nil, func(rc int) error {
		called = true
		gotRC = rc
		return nil
	})
	require.NoError(t, err)
	assert.True(t, called)
	assert.Equal(t, 0, gotRC)
}
