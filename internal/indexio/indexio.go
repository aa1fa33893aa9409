// Package indexio implements the paged read/write access to the cull
// index and cull atimes files.
//
// Grounded on _examples/original_source/common/cull.c's page-cache
// functions (fsck_page_seek/load_page/save_page/record_seek), using
// golang.org/x/sys/unix's Mmap/Msync/Munmap the way gcsfuse uses
// the same package for low-level file I/O.
package indexio

import (
	"fmt"
	"os"

	"golang.org/x/sys/unix"
)

// Geometry bundles the on-disk layout constants.
type Geometry struct {
	PageSize   int
	EntSize    int
	NumPerPage int
	NumIndices uint32
}

// NumPages returns how many whole pages the index file occupies for this
// geometry's NumIndices.
func (g Geometry) NumPages() int {
	if g.NumPerPage == 0 {
		return 0
	}
	n := int(g.NumIndices) / g.NumPerPage
	if int(g.NumIndices)%g.NumPerPage != 0 {
		n++
	}
	return n
}

// Pager holds the currently mapped page of the index file and the
// corresponding page of the atimes file, plus dirty tracking: current
// pageno, page-dirty flag, paged buffers.
type Pager struct {
	geo Geometry

	indexFile  *os.File
	atimesFile *os.File

	pageno    int
	loaded    bool
	dirty     bool
	indexMap  []byte // mmap of one page of the index file
	atimesMap []byte // mmap of the corresponding atimes region
	atimeOff  int64  // file offset atimesMap was mapped at
	mapDelta  int    // byte offset of pageno's atimes within atimesMap
}

// NewPager opens a pager over an already-open index file and atimes file.
func NewPager(geo Geometry, indexFile, atimesFile *os.File) *Pager {
	return &Pager{geo: geo, indexFile: indexFile, atimesFile: atimesFile, pageno: -1}
}

// PageSeek implements page_seek: if pageno differs from the loaded one,
// save the page (if dirty) then load the new one.
func (p *Pager) PageSeek(pageno int) error {
	if p.loaded && p.pageno == pageno {
		return nil
	}
	if p.loaded && p.dirty {
		if err := p.SavePage(); err != nil {
			return err
		}
	}
	return p.loadPage(pageno)
}

// loadPage maps one page from the index file at pageno*pagesize, and
// num_perpage atimes from pageno*num_perpage*4. Atimes may not align to a
// page boundary, so the mmap offset is rounded down and mapDelta carries
// the remainder.
func (p *Pager) loadPage(pageno int) error {
	p.unmapLocked()

	indexOff := int64(pageno) * int64(p.geo.PageSize)
	idxMap, err := unix.Mmap(int(p.indexFile.Fd()), indexOff, p.geo.PageSize,
		unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		return fmt.Errorf("indexio: mmap index page %d: %w", pageno, err)
	}

	atimesLen := p.geo.NumPerPage * 4
	atimesByteOff := int64(pageno) * int64(atimesLen)
	pageSize := int64(os.Getpagesize())
	mapOff := (atimesByteOff / pageSize) * pageSize
	delta := int(atimesByteOff - mapOff)

	atMap, err := unix.Mmap(int(p.atimesFile.Fd()), mapOff, delta+atimesLen,
		unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		_ = unix.Munmap(idxMap)
		return fmt.Errorf("indexio: mmap atimes page %d: %w", pageno, err)
	}

	p.indexMap = idxMap
	p.atimesMap = atMap
	p.atimeOff = mapOff
	p.mapDelta = delta
	p.pageno = pageno
	p.loaded = true
	p.dirty = false
	return nil
}

// SavePage implements save_page: if dirty, write both buffers back
// (index first, then atimes). If the index write succeeds but the atime
// write fails, callers should log that resynchronization is needed.
// Msync is the write-back mechanism for mmap'd pages; the
// "index first, then atimes" ordering is preserved as two separate
// syncs so a mid-failure leaves exactly that inconsistency, not a mix.
func (p *Pager) SavePage() error {
	if !p.loaded || !p.dirty {
		return nil
	}
	if err := unix.Msync(p.indexMap, unix.MS_SYNC); err != nil {
		return fmt.Errorf("indexio: sync index page %d: %w", p.pageno, err)
	}
	if err := unix.Msync(p.atimesMap, unix.MS_SYNC); err != nil {
		return fmt.Errorf("indexio: sync atimes page %d (resync needed): %w", p.pageno, err)
	}
	p.dirty = false
	return nil
}

// RecordBytes returns the slice of the mapped index page backing the
// record at slot's in-page offset, for record_seek. The caller must
// have PageSeek'd to slot/NumPerPage first.
func (p *Pager) RecordBytes(slot uint32) []byte {
	local := int(slot) % p.geo.NumPerPage
	off := local * p.geo.EntSize
	return p.indexMap[off : off+p.geo.EntSize]
}

// AtimeBytes returns the 4 bytes of the mapped atimes page backing slot.
func (p *Pager) AtimeBytes(slot uint32) []byte {
	local := int(slot) % p.geo.NumPerPage
	off := p.mapDelta + local*4
	return p.atimesMap[off : off+4]
}

// MarkDirty flags the currently loaded page as needing write-back.
func (p *Pager) MarkDirty() { p.dirty = true }

// RecordSeek implements record_seek: page_seek to slot/num_perpage, then
// returns the record bytes at slot's local offset.
func (p *Pager) RecordSeek(slot uint32) ([]byte, error) {
	if err := p.PageSeek(int(slot) / p.geo.NumPerPage); err != nil {
		return nil, err
	}
	return p.RecordBytes(slot), nil
}

// AtimeSeek page_seeks to slot's page, then returns the mapped atime
// bytes at slot's local offset.
func (p *Pager) AtimeSeek(slot uint32) ([]byte, error) {
	if err := p.PageSeek(int(slot) / p.geo.NumPerPage); err != nil {
		return nil, err
	}
	return p.AtimeBytes(slot), nil
}

func (p *Pager) unmapLocked() {
	if p.indexMap != nil {
		_ = unix.Munmap(p.indexMap)
		p.indexMap = nil
	}
	if p.atimesMap != nil {
		_ = unix.Munmap(p.atimesMap)
		p.atimesMap = nil
	}
	p.loaded = false
}

// Close flushes any dirty page and releases the mappings.
func (p *Pager) Close() error {
	if p.loaded && p.dirty {
		if err := p.SavePage(); err != nil {
			p.unmapLocked()
			return err
		}
	}
	p.unmapLocked()
	return nil
}

// ReadAtimeAt reads a single atime directly from the atimes file at
// slot*4, bypassing the page cache — used by cullqueue's build/refresh,
// which streams the whole atimes file rather than paging through it.
func ReadAtimeAt(f *os.File, slot uint32) (uint32, error) {
	var buf [4]byte
	if _, err := f.ReadAt(buf[:], int64(slot)*4); err != nil {
		return 0, fmt.Errorf("indexio: read atime slot %d: %w", slot, err)
	}
	return getUint32(buf[:]), nil
}

func getUint32(b []byte) uint32 {
	return uint32(b[0]) | uint32(b[1])<<8 | uint32(b[2])<<16 | uint32(b[3])<<24
}

func putUint32(b []byte, v uint32) {
	b[0] = byte(v)
	b[1] = byte(v >> 8)
	b[2] = byte(v >> 16)
	b[3] = byte(v >> 24)
}

// PutUint32 is exported for callers outside this package (cullqueue,
// fsck) that need the same little-endian-of-host encoding used for the
// atimes file.
func PutUint32(b []byte, v uint32) { putUint32(b, v) }

// GetUint32 is the matching exported decode helper.
func GetUint32(b []byte) uint32 { return getUint32(b) }
