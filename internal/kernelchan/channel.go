// Package kernelchan wraps the fixed kernel control-channel file
// descriptor: a single fd (conventionally 3) over which the daemon
// writes commands and reads a whitespace-separated key=value state
// blob.
//
// Grounded on original_source/cachefilesd.c's cachefilesd_read_state and
// the various cachefd write call sites (bind/cull/cullslot/rmslot/
// fixslot/inuse/fsck), wrapped behind a small interface so tests can
// substitute a pipe instead of the real /dev/cachefiles fd.
package kernelchan

import (
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"

	"golang.org/x/sys/unix"
)

// Non-fatal errno values on command writes.
var (
	ErrStale = unix.ESTALE
	ErrGone  = unix.ENOENT
	ErrBusy  = unix.EBUSY
)

// IsRecoverable reports whether err corresponds to one of the non-fatal
// errnos a command write may return.
func IsRecoverable(err error) bool {
	return errors.Is(err, unix.ESTALE) || errors.Is(err, unix.ENOENT) || errors.Is(err, unix.EBUSY)
}

// State is the decoded kernel state blob.
type State struct {
	Cull     bool
	NeedFsck bool
	Brun     uint64
	Bcull    uint64
	Bstop    uint64
	Frun     uint64
	Fcull    uint64
	Fstop    uint64
}

// maxBlob is the maximum size of one key=value state blob.
const maxBlob = 4096

// Channel is the fd-based command/response protocol. Production code
// wraps the real device fd; tests wrap an in-memory io.ReadWriter.
type Channel struct {
	fd int
	rw io.ReadWriter
}

// New wraps an already-open fd (typically dup2'd onto fd 3 by the caller)
// in a Channel.
func New(fd int, rw io.ReadWriter) *Channel {
	return &Channel{fd: fd, rw: rw}
}

// Fd returns the underlying file descriptor, used by the control loop's
// poll.
func (c *Channel) Fd() int { return c.fd }

// ReadState reads and decodes one state blob.
//
// Unlike the original's read_cache_state (whose if/else-if chain lets the
// "cull" key's bare if fall through into the fsck branch — the
// documented off-by-one), this decodes with one switch case per key so
// every key updates exactly its own field regardless of token order; see
// DESIGN.md's Open Question decisions.
func (c *Channel) ReadState() (State, error) {
	buf := make([]byte, maxBlob)
	n, err := c.rw.Read(buf)
	if err != nil && err != io.EOF {
		return State{}, fmt.Errorf("kernelchan: read state: %w", err)
	}
	var st State
	fields := strings.Fields(string(buf[:n]))
	for _, tok := range fields {
		key, arg, ok := strings.Cut(tok, "=")
		if !ok {
			continue // malformed token, silently ignored
		}
		switch key {
		case "cull":
			st.Cull = parseBool(arg)
		case "fsck":
			st.NeedFsck = st.NeedFsck || parseBool(arg)
		case "brun":
			st.Brun = parseHex(arg)
		case "bcull":
			st.Bcull = parseHex(arg)
		case "bstop":
			st.Bstop = parseHex(arg)
		case "frun":
			st.Frun = parseHex(arg)
		case "fcull":
			st.Fcull = parseHex(arg)
		case "fstop":
			st.Fstop = parseHex(arg)
		}
	}
	return st, nil
}

func parseBool(s string) bool {
	v, _ := strconv.ParseUint(s, 0, 64)
	return v != 0
}

func parseHex(s string) uint64 {
	v, _ := strconv.ParseUint(s, 16, 64)
	return v
}

// writeLine writes one command line and classifies the error.
func (c *Channel) writeLine(line string) error {
	_, err := io.WriteString(c.rw, line)
	if err == nil {
		return nil
	}
	return fmt.Errorf("kernelchan: write %q: %w", line, err)
}

// Bind issues the one-time bind command.
func (c *Channel) Bind() error { return c.writeLine("bind") }

// Cull requests culling of an object by name.
func (c *Channel) Cull(name string) error { return c.writeLine("cull " + name) }

// CullSlot is the drain command cullqueue.Ops.SendCullSlot issues.
func (c *Channel) CullSlot(slot uint32) error {
	return c.writeLine(fmt.Sprintf("cullslot %d", slot))
}

// RmSlot asks the kernel to drop an index slot outright (online fsck repair).
func (c *Channel) RmSlot(slot uint32) error {
	return c.writeLine(fmt.Sprintf("rmslot %d", slot))
}

// FixSlot asks the kernel to repair the cullslot recorded on an object
// (online fsck repair).
func (c *Channel) FixSlot(slot uint32) error {
	return c.writeLine(fmt.Sprintf("fixslot %d", slot))
}

// InUse asks the kernel whether an object is currently in use. EBUSY
// means "yes"; any other error propagates.
func (c *Channel) InUse(name string) (bool, error) {
	err := c.writeLine("inuse " + name)
	if err == nil {
		return false, nil
	}
	if errors.Is(err, unix.EBUSY) {
		return true, nil
	}
	return false, err
}

// Fsck reports fsck completion with its result code: online completion
// writes "fsck <rc>" to the kernel.
func (c *Channel) Fsck(rc int) error {
	return c.writeLine(fmt.Sprintf("fsck %d", rc))
}

// ConfigLine passes a config-file line through verbatim: every unknown
// or non-local line is written verbatim to the kernel channel.
func (c *Channel) ConfigLine(line string) error { return c.writeLine(line) }

// Open opens the kernel control device, preferring /dev/cachefiles and
// falling back to /proc/fs/cachefiles.
func Open() (int, error) {
	fd, err := unix.Open("/dev/cachefiles", unix.O_RDWR, 0)
	if err == nil {
		return fd, nil
	}
	if !errors.Is(err, unix.ENOENT) {
		return -1, fmt.Errorf("kernelchan: open /dev/cachefiles: %w", err)
	}
	fd, err = unix.Open("/proc/fs/cachefiles", unix.O_RDWR, 0)
	if err != nil {
		return -1, fmt.Errorf("kernelchan: open /proc/fs/cachefiles: %w", err)
	}
	return fd, nil
}

// Wait blocks until the channel fd is readable or one of SIGIO/SIGINT/
// SIGTERM arrives, implemented as a plain unix.Poll with a bounded
// timeout the control loop uses to re-check its atomic signal flags
// between syscalls (Go cannot install a C-style ppoll signal mask swap;
// the control loop compensates by polling on a short timeout and
// checking flags itself, see internal/daemon).
func (c *Channel) Wait(timeoutMillis int) (ready bool, err error) {
	fds := []unix.PollFd{{Fd: int32(c.fd), Events: unix.POLLIN}}
	n, err := unix.Poll(fds, timeoutMillis)
	if err != nil {
		if errors.Is(err, unix.EINTR) {
			return false, nil
		}
		return false, fmt.Errorf("kernelchan: poll: %w", err)
	}
	return n > 0, nil
}
