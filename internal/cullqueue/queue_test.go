package cullqueue

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeAtimes stands in for the on-disk atimes file, mirroring the
// fixture/harness split _examples/original_source/cull_test.c uses
// against common/cull.c's real cullmgr_* routines.
type fakeAtimes struct {
	values []uint32
}

func (f *fakeAtimes) Atime(slot uint32) (uint32, error) { return f.values[slot], nil }
func (f *fakeAtimes) NumSlots() (uint32, error)         { return uint32(len(f.values)), nil }

// fakeOps is a controllable Ops implementation for Cull tests.
type fakeOps struct {
	active     map[uint32]bool
	fileAtimes map[uint32]uint32
	sent       []uint32
	sendErr    error
}

func newFakeOps(atimes []uint32) *fakeOps {
	active := map[uint32]bool{}
	fa := map[uint32]uint32{}
	for s, a := range atimes {
		active[uint32(s)] = true
		fa[uint32(s)] = a
	}
	return &fakeOps{active: active, fileAtimes: fa}
}

func (o *fakeOps) RecordActive(slot uint32) (bool, error) { return o.active[slot], nil }
func (o *fakeOps) FileAtime(slot uint32) (uint32, error)  { return o.fileAtimes[slot], nil }
func (o *fakeOps) SendCullSlot(slot uint32) error {
	o.sent = append(o.sent, slot)
	return o.sendErr
}

// TestBuildAndDrain is scenario 1.
func TestBuildAndDrain(t *testing.T) {
	atimes := &fakeAtimes{values: []uint32{10, 0, 30, 20, 50, 0, 40, 60}}
	q := newWithCapacity(4)

	require.NoError(t, q.Build(atimes, false, nil))
	assert.True(t, q.Ready())
	assert.Equal(t, 4, q.Len())

	wantOrder := []uint32{0, 3, 2, 6}
	ops := newFakeOps([]uint32{10, 0, 30, 20, 50, 0, 40, 60})
	for _, want := range wantOrder {
		drained, err := q.Cull(ops)
		require.NoError(t, err)
		assert.GreaterOrEqual(t, drained, 1)
		assert.Equal(t, want, ops.sent[len(ops.sent)-1])
	}
	assert.True(t, q.Empty())
}

// TestRefreshSkipsTouchedSlot is scenario 2.
func TestRefreshSkipsTouchedSlot(t *testing.T) {
	atimes := &fakeAtimes{values: []uint32{10, 0, 30, 20, 50, 0, 40, 60}}
	q := newWithCapacity(4)
	require.NoError(t, q.Build(atimes, false, nil))

	ops := newFakeOps([]uint32{10, 0, 30, 20, 50, 0, 40, 60})
	ops.fileAtimes[0] = 100 // slot 0 touched since queueing

	_, err := q.Cull(ops)
	require.NoError(t, err)
	require.Len(t, ops.sent, 1)
	assert.Equal(t, uint32(3), ops.sent[0])
}

// TestThrashDetection is scenario 3.
func TestThrashDetection(t *testing.T) {
	atimes := &fakeAtimes{values: []uint32{10, 20, 30, 40}}
	q := newWithCapacity(4)
	require.NoError(t, q.Build(atimes, false, nil))

	// Every slot's atime changes between build and drain.
	ops := newFakeOps([]uint32{999, 999, 999, 999})

	for i := 0; i < 5; i++ {
		_, err := q.Cull(ops)
		require.NoError(t, err, "iteration %d should not yet be fatal", i)
		require.NoError(t, q.Build(atimes, false, nil))
	}

	_, err := q.Cull(ops)
	assert.ErrorIs(t, err, ErrThrashLimitExceeded)
}

func TestBuildOnEmptyAtimesFileStaysEmpty(t *testing.T) {
	atimes := &fakeAtimes{values: nil}
	q, err := New(12)
	require.NoError(t, err)
	require.NoError(t, q.Build(atimes, false, nil))
	assert.True(t, q.Empty())
	assert.False(t, q.Ready())
}

func TestBuildRefuseNonEmptyQueue(t *testing.T) {
	atimes := &fakeAtimes{values: []uint32{10}}
	q, err := New(12)
	require.NoError(t, err)
	require.NoError(t, q.Build(atimes, false, nil))
	err = q.Build(atimes, false, nil)
	assert.Error(t, err)
}

func TestBuildThenRefreshRoundTrip(t *testing.T) {
	values := make([]uint32, 16)
	for i := range values {
		values[i] = uint32(100 + i)
	}
	atimes := &fakeAtimes{values: values}

	q1 := newWithCapacity(16) // exactly matches slot count
	require.NoError(t, q1.Build(atimes, false, nil))
	before := append([]pair(nil), q1.arr...)

	// Build followed by refresh without atime changes yields an
	// identical queue.
	require.NoError(t, q1.Refresh(atimes))
	assert.Equal(t, 16, q1.Len())
	assert.Equal(t, before, q1.arr)
}

func TestQueueCapacityNeverExceeded(t *testing.T) {
	values := make([]uint32, 1000)
	for i := range values {
		values[i] = uint32(i + 1)
	}
	atimes := &fakeAtimes{values: values}
	q := newWithCapacity(16)
	require.NoError(t, q.Build(atimes, true, func(n int) int { return n - 1 }))
	assert.LessOrEqual(t, q.Len(), 16)
}

func TestCommonAtimeAllEqual(t *testing.T) {
	const n = 1 << 14
	values := make([]uint32, n)
	for i := range values {
		values[i] = 42
	}
	atimes := &fakeAtimes{values: values}
	q, err := New(12) // capacity 4096
	require.NoError(t, err)
	require.NoError(t, q.Build(atimes, false, nil))
	assert.Equal(t, 1<<12, q.Len())
}
