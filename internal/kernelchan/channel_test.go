package kernelchan

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// pipeRW lets a test feed a canned read and capture what was written,
// without needing a real fd.
type pipeRW struct {
	readBuf  bytes.Buffer
	writeBuf bytes.Buffer
}

func (p *pipeRW) Read(b []byte) (int, error)  { return p.readBuf.Read(b) }
func (p *pipeRW) Write(b []byte) (int, error) { return p.writeBuf.Write(b) }

func TestReadStateDecodesRecognizedKeys(t *testing.T) {
	rw := &pipeRW{}
	rw.readBuf.WriteString("cull=1 fsck=0 brun=a bcull=7 bstop=3 frun=a fcull=7 fstop=3")
	ch := New(3, rw)

	st, err := ch.ReadState()
	require.NoError(t, err)
	assert.True(t, st.Cull)
	assert.False(t, st.NeedFsck)
	assert.Equal(t, uint64(0xa), st.Brun)
	assert.Equal(t, uint64(0x7), st.Bcull)
	assert.Equal(t, uint64(0x3), st.Bstop)
}

func TestReadStateIgnoresMalformedTokens(t *testing.T) {
	rw := &pipeRW{}
	rw.readBuf.WriteString("garbage cull=1")
	ch := New(3, rw)

	st, err := ch.ReadState()
	require.NoError(t, err)
	assert.True(t, st.Cull)
}

func TestFsckKeyIsIndependentOfCull(t *testing.T) {
	// Regression for the documented off-by-one: "fsck" must
	// update need_fsck regardless of whether "cull" appeared earlier in
	// the blob, rather than falling into an else-if chain keyed off cull.
	rw := &pipeRW{}
	rw.readBuf.WriteString("cull=0 fsck=1")
	ch := New(3, rw)

	st, err := ch.ReadState()
	require.NoError(t, err)
	assert.False(t, st.Cull)
	assert.True(t, st.NeedFsck)
}

func TestCullSlotWritesCommand(t *testing.T) {
	rw := &pipeRW{}
	ch := New(3, rw)
	require.NoError(t, ch.CullSlot(42))
	assert.Equal(t, "cullslot 42", rw.writeBuf.String())
}

func TestConfigLinePassedVerbatim(t *testing.T) {
	rw := &pipeRW{}
	ch := New(3, rw)
	require.NoError(t, ch.ConfigLine("tag mycache"))
	assert.Equal(t, "tag mycache", rw.writeBuf.String())
}
