package wire

import (
	"bytes"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tinylib/msgp/msgp"
)

func writeEmptyMap(w io.Writer) error {
	mw := msgp.NewWriter(w)
	if err := mw.WriteMapHeader(0); err != nil {
		return err
	}
	return mw.Flush()
}

func TestMessageRoundTrip(t *testing.T) {
	gen := uint32(7)
	vt := uint32(99)
	lut := uint64(12345)
	info := uint32(InfoLDTSubrec)
	ver := uint64(42)

	m := &Message{
		Op:             OpInsert,
		EmigID:         3,
		EmigInsertID:   9,
		ClusterKey:     555,
		Digest:         []byte{1, 2, 3, 4},
		Generation:     &gen,
		VoidTime:       &vt,
		LastUpdateTime: &lut,
		Record:         []byte("hello"),
		Info:           &info,
		Version:        &ver,
		PDigest:        []byte{9, 9},
	}

	var buf bytes.Buffer
	require.NoError(t, m.EncodeMsg(&buf))

	var out Message
	require.NoError(t, out.DecodeMsg(&buf))

	assert.Equal(t, m.Op, out.Op)
	assert.Equal(t, m.EmigID, out.EmigID)
	assert.Equal(t, m.EmigInsertID, out.EmigInsertID)
	assert.Equal(t, m.ClusterKey, out.ClusterKey)
	assert.Equal(t, m.Digest, out.Digest)
	require.NotNil(t, out.Generation)
	assert.Equal(t, *m.Generation, *out.Generation)
	require.NotNil(t, out.LastUpdateTime)
	assert.Equal(t, *m.LastUpdateTime, *out.LastUpdateTime)
	assert.Equal(t, m.Record, out.Record)
	require.NotNil(t, out.Info)
	assert.Equal(t, *m.Info, *out.Info)
	require.NotNil(t, out.Version)
	assert.Equal(t, *m.Version, *out.Version)
	assert.Equal(t, m.PDigest, out.PDigest)
	assert.Nil(t, out.EDigest)
}

func TestMessageMissingOp(t *testing.T) {
	var empty bytes.Buffer
	require.NoError(t, writeEmptyMap(&empty))
	var out Message
	err := out.DecodeMsg(&empty)
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "missing OP")
}

func TestMessageUnknownFieldSkipped(t *testing.T) {
	// hand-built map: OP, a field id no decoder case knows, GENERATION.
	var buf bytes.Buffer
	mw := msgp.NewWriter(&buf)
	require.NoError(t, mw.WriteMapHeader(3))
	writeU32Field(mw, fOp, uint32(OpDone))
	_ = mw.WriteUint32(999)
	_ = mw.WriteString("field from a newer sender")
	writeU32Field(mw, fGeneration, 1)
	require.NoError(t, mw.Flush())

	var out Message
	require.NoError(t, out.DecodeMsg(&buf))
	assert.Equal(t, OpDone, out.Op)
	require.NotNil(t, out.Generation)
	assert.Equal(t, uint32(1), *out.Generation)
}
