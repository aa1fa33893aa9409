package daemon

import (
	"github.com/cachefilesd/cachefilesd/internal/cachestate"
	"github.com/cachefilesd/cachefilesd/internal/cullqueue"
	"github.com/cachefilesd/cachefilesd/internal/fsck"
	"github.com/cachefilesd/cachefilesd/internal/handle"
	"github.com/cachefilesd/cachefilesd/internal/indexio"
	"github.com/cachefilesd/cachefilesd/internal/kernelchan"
)

// cullOps is the production cullqueue.Ops: index-record liveness and
// file_atime both come from the on-disk index/atimes pager, and the
// drain command goes out over the real kernel channel.
type cullOps struct {
	state   *cachestate.State
	pager   *indexio.Pager
	channel *kernelchan.Channel
}

func newCullOps(state *cachestate.State, pager *indexio.Pager, channel *kernelchan.Channel) *cullOps {
	return &cullOps{state: state, pager: pager, channel: channel}
}

func (o *cullOps) RecordActive(slot uint32) (bool, error) {
	buf, err := o.pager.RecordSeek(slot)
	if err != nil {
		return false, err
	}
	rec, err := handle.DecodeRecord(buf)
	if err != nil {
		return false, err
	}
	return !rec.Empty(), nil
}

// FileAtime returns the slot's stored file_atime read straight from the
// on-disk atimes file, the same value cullqueue.Build/Refresh populate
// the queue from, so a drain decision compares like against like.
func (o *cullOps) FileAtime(slot uint32) (uint32, error) {
	buf, err := o.pager.AtimeSeek(slot)
	if err != nil {
		return 0, err
	}
	return indexio.GetUint32(buf), nil
}

func (o *cullOps) SendCullSlot(slot uint32) error {
	return o.channel.CullSlot(slot)
}

var _ cullqueue.Ops = (*cullOps)(nil)

// fsckKernelOps adapts the kernel channel to fsck.KernelOps for online
// remediation.
type fsckKernelOps struct {
	channel *kernelchan.Channel
}

func (k fsckKernelOps) RmSlot(slot uint32) error  { return k.channel.RmSlot(slot) }
func (k fsckKernelOps) FixSlot(slot uint32) error { return k.channel.FixSlot(slot) }

var _ fsck.KernelOps = fsckKernelOps{}
