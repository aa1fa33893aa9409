// Package handle implements the packed index-record format and the
// kernel file-handle open/encode primitives fsck needs.
//
// Grounded on _examples/original_source/common/cull.h (record struct) and
// common/fsck.c's exportfs_encode_fh-mimicking concatenation in phase 2.
package handle

import (
	"fmt"

	"golang.org/x/sys/unix"
)

// Record is one decoded index entry:
// { len: u8, type: u8, fh: u8[len] }.
type Record struct {
	Len  uint8
	Type uint8
	FH   []byte
}

// Empty reports whether a record denotes an unused slot: len == 0 or
// type == 0 means the slot is empty.
func (r Record) Empty() bool {
	return r.Len == 0 || r.Type == 0
}

// EncodeRecord packs a Record into a fixed-size ent-size buffer, zero-padding the
// tail. ent_size must be at least 2+len(r.FH).
func EncodeRecord(r Record, entSize int) ([]byte, error) {
	if entSize < 2+len(r.FH) {
		return nil, fmt.Errorf("handle: record of %d handle bytes does not fit in ent_size %d", len(r.FH), entSize)
	}
	buf := make([]byte, entSize)
	buf[0] = r.Len
	buf[1] = r.Type
	copy(buf[2:], r.FH)
	return buf, nil
}

// DecodeRecord unpacks a fixed-size ent-size buffer into a Record. Only the
// first Len bytes of the handle payload are meaningful; DecodeRecord still
// returns exactly Len bytes in FH so callers never see the zero padding.
func DecodeRecord(buf []byte) (Record, error) {
	if len(buf) < 2 {
		return Record{}, fmt.Errorf("handle: record buffer too short: %d bytes", len(buf))
	}
	length, typ := buf[0], buf[1]
	if int(length) > len(buf)-2 {
		return Record{}, fmt.Errorf("handle: record length %d exceeds buffer", length)
	}
	fh := append([]byte(nil), buf[2:2+int(length)]...)
	return Record{Len: length, Type: typ, FH: fh}, nil
}

// FileHandle is the in-memory form of a kernel file handle suitable for
// unix.OpenByHandleAt, split the way Linux's struct file_handle is: a
// handle_type plus opaque handle bytes.
type FileHandle struct {
	Type  int32
	Bytes []byte
}

// ToRecord packs a FileHandle into the Record wire form (type truncated to a
// single byte — cachefilesd only ever deals with small, positive
// exportfs handle types).
func (fh FileHandle) ToRecord() Record {
	return Record{Len: uint8(len(fh.Bytes)), Type: uint8(fh.Type), FH: fh.Bytes}
}

// FromRecord reconstructs a FileHandle from a decoded Record.
func FromRecord(r Record) FileHandle {
	return FileHandle{Type: int32(r.Type), Bytes: r.FH}
}

// OpenByHandle opens an object given its kernel file handle, relative to
// mountFD (an fd open on the cache root filesystem): decode fh to a
// kernel file handle, then open by handle relative to the cache root.
func OpenByHandle(mountFD int, fh FileHandle, flags int) (int, error) {
	h := unix.NewFileHandle(fh.Type, fh.Bytes)
	fd, err := unix.OpenByHandleAt(mountFD, h, flags)
	if err != nil {
		return -1, fmt.Errorf("open_by_handle_at: %w", err)
	}
	return fd, nil
}

// EncodeHandle encodes a file handle for the object at path, relative to
// dirFD, for use in the deep scan's directory-tree pass.
func EncodeHandle(dirFD int, path string) (FileHandle, error) {
	h, _, err := unix.NameToHandleAt(dirFD, path, 0)
	if err != nil {
		return FileHandle{}, fmt.Errorf("name_to_handle_at %s: %w", path, err)
	}
	return FileHandle{Type: int32(h.Type()), Bytes: append([]byte(nil), h.Bytes()...)}, nil
}
