// Package xattr wraps the extended-attribute primitives the daemon needs
// to read and write the per-object cache xattr and the two cache-wide
// xattrs (entity size, atime base).
//
// Grounded on _examples/original_source/common/xattr.c and backed by
// the same third-party library (github.com/pkg/xattr) gcsfuse already
// pulls in transitively.
package xattr

import (
	"errors"
	"fmt"
	"os"

	pkgxattr "github.com/pkg/xattr"
)

// Well-known xattr names.
const (
	NameCullIndex = "user.CacheFiles.cull_index"
	NameAtimeBase = "user.CacheFiles.atime_base"
	NameCache     = "user.CacheFiles.cache"
)

// ErrNotFound is returned when the requested xattr is not present.
var ErrNotFound = pkgxattr.ENOATTR

// Get reads a named xattr from an open file.
func Get(f *os.File, name string) ([]byte, error) {
	v, err := pkgxattr.FGet(f, name)
	if err != nil {
		return nil, fmt.Errorf("xattr get %s: %w", name, err)
	}
	return v, nil
}

// Set writes a named xattr on an open file.
func Set(f *os.File, name string, value []byte) error {
	if err := pkgxattr.FSet(f, name, value); err != nil {
		return fmt.Errorf("xattr set %s: %w", name, err)
	}
	return nil
}

// Remove deletes a named xattr from an open file. Missing-attribute errors
// are swallowed since the caller's intent ("make sure it's gone") is
// already satisfied.
func Remove(f *os.File, name string) error {
	if err := pkgxattr.FRemove(f, name); err != nil && !errors.Is(err, ErrNotFound) {
		return fmt.Errorf("xattr remove %s: %w", name, err)
	}
	return nil
}

// List enumerates the xattr names present on an open file.
func List(f *os.File) ([]string, error) {
	names, err := pkgxattr.FList(f)
	if err != nil {
		return nil, fmt.Errorf("xattr list: %w", err)
	}
	return names, nil
}

// CacheXattr is the decoded form of the per-object cache xattr:
// { cullslot: u32, type: u8, handle_bytes... }.
type CacheXattr struct {
	CullSlot uint32
	Type     uint8
	Handle   []byte
}

// EncodeCache packs a CacheXattr into its wire form.
func EncodeCache(c CacheXattr) []byte {
	buf := make([]byte, 5+len(c.Handle))
	putUint32(buf[0:4], c.CullSlot)
	buf[4] = c.Type
	copy(buf[5:], c.Handle)
	return buf
}

// DecodeCache unpacks a CacheXattr from its wire form.
func DecodeCache(buf []byte) (CacheXattr, error) {
	if len(buf) < 5 {
		return CacheXattr{}, fmt.Errorf("cache xattr too short: %d bytes", len(buf))
	}
	return CacheXattr{
		CullSlot: getUint32(buf[0:4]),
		Type:     buf[4],
		Handle:   append([]byte(nil), buf[5:]...),
	}, nil
}

// GetCache reads and decodes the object's cache xattr.
func GetCache(f *os.File) (CacheXattr, error) {
	raw, err := Get(f, NameCache)
	if err != nil {
		return CacheXattr{}, err
	}
	return DecodeCache(raw)
}

// SetCacheCullSlot rewrites only the cullslot field of an object's cache
// xattr, used by fsck's offline repair path (phase 1: set the object's
// cullslot to its table index).
func SetCacheCullSlot(f *os.File, slot uint32) error {
	cur, err := GetCache(f)
	if err != nil {
		return err
	}
	cur.CullSlot = slot
	return Set(f, NameCache, EncodeCache(cur))
}

func putUint32(b []byte, v uint32) {
	b[0] = byte(v)
	b[1] = byte(v >> 8)
	b[2] = byte(v >> 16)
	b[3] = byte(v >> 24)
}

func getUint32(b []byte) uint32 {
	return uint32(b[0]) | uint32(b[1])<<8 | uint32(b[2])<<16 | uint32(b[3])<<24
}
