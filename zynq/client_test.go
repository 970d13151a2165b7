package zynq

import (
	"context"
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/labctrl/errors"
	"github.com/c360/labctrl/tree"
)

// scriptedQuerier answers every query with the same reply and records
// the request frames.
type scriptedQuerier struct {
	reply []byte
	err   error
	sent  [][][]byte
}

func (q *scriptedQuerier) Query(_ context.Context, frames ...[]byte) ([][]byte, error) {
	q.sent = append(q.sent, frames)
	if q.err != nil {
		return nil, q.err
	}
	return [][]byte{q.reply}, nil
}

func le32(vals ...uint32) []byte {
	var buf []byte
	for _, v := range vals {
		buf = binary.LittleEndian.AppendUint32(buf, v)
	}
	return buf
}

func TestBufferReader(t *testing.T) {
	buf := append([]byte{0xff, 7}, le32(0xfffffffe)...)
	buf = append(buf, "abc\x00rest"...)
	r := NewBufferReader(buf)

	assert.Equal(t, int8(-1), r.Int8())
	assert.Equal(t, uint8(7), r.Uint8())
	assert.Equal(t, int32(-2), r.Int32())
	s, ok := r.Str0()
	assert.True(t, ok)
	assert.Equal(t, "abc", s)
	assert.Equal(t, 4, r.Remaining())

	_, ok = r.Str0()
	assert.False(t, ok, "no terminator")
	assert.Equal(t, 4, r.Remaining())
	require.NoError(t, r.Err())

	assert.Equal(t, uint64(0), r.Uint64())
	assert.ErrorIs(t, r.Err(), errors.ErrShortReply)
	assert.Equal(t, uint32(0), r.Uint32(), "reads stay zero after a short read")
}

func TestClient_ShortRepliesFallBack(t *testing.T) {
	ctx := context.Background()
	q := &scriptedQuerier{reply: []byte{}}
	c := NewClient(q, nil)

	clock, err := c.GetClock(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint8(ClockOff), clock)

	st, err := c.StateID(ctx)
	require.NoError(t, err)
	assert.True(t, st.Unknown())

	ok, err := c.SetClock(ctx, 3)
	require.NoError(t, err)
	assert.False(t, ok)

	_, _, ok, err = c.RunCmdlist(ctx, make([]byte, 12))
	require.NoError(t, err)
	assert.False(t, ok)

	q.err = errors.ErrSocketClosed
	_, err = c.GetClock(ctx)
	assert.ErrorIs(t, err, errors.ErrSocketClosed)
}

func TestClient_RequestEncoding(t *testing.T) {
	ctx := context.Background()
	q := &scriptedQuerier{reply: []byte{0}}
	c := NewClient(q, nil)

	_, _, _ = c.OverrideTTL(ctx, 1, 2, 4)
	_, _ = c.SetDDS(ctx, []DDSValue{{ID: DDSID(DDSAmp, 3), Value: -1}})
	_, _ = c.SetTTLNames(ctx, []ChannelName{{Chn: 2, Name: "a"}, {Chn: 5, Name: "bc"}})
	_, _ = c.WaitSeq(ctx, SeqID{1, 2, 3, 4}, WaitFinish)
	_, _ = c.CancelSeq(ctx, nil)

	require.Len(t, q.sent, 5)
	assert.Equal(t, [][]byte{[]byte("override_ttl"), le32(1, 2, 4)}, q.sent[0])
	assert.Equal(t, [][]byte{[]byte("set_dds"), {67, 0xff, 0xff, 0xff, 0xff}}, q.sent[1])
	assert.Equal(t, [][]byte{[]byte("set_ttl_names"), []byte("\x02a\x00\x05bc\x00")}, q.sent[2])
	assert.Equal(t, [][]byte{[]byte("wait_seq"), append(le32(1, 2, 3, 4), 2)}, q.sent[3])
	assert.Equal(t, [][]byte{[]byte("cancel_seq")}, q.sent[4])
}

func TestClient_Decoding(t *testing.T) {
	ctx := context.Background()

	t.Run("names", func(t *testing.T) {
		c := NewClient(&scriptedQuerier{reply: []byte("\x01x\x00\x03yz\x00\x04trunc")}, nil)
		names, err := c.GetDDSNames(ctx)
		require.NoError(t, err)
		assert.Equal(t, []ChannelName{{1, "x"}, {3, "yz"}}, names)
	})

	t.Run("dds values", func(t *testing.T) {
		reply := append([]byte{DDSID(DDSPhase, 2)}, le32(uint32(90))...)
		reply = append(reply, 0xaa, 0xbb)
		c := NewClient(&scriptedQuerier{reply: reply}, nil)
		vals, err := c.GetDDS(ctx)
		require.NoError(t, err)
		assert.Equal(t, []DDSValue{{ID: 130, Value: 90}}, vals)
	})

	t.Run("state id", func(t *testing.T) {
		reply := binary.LittleEndian.AppendUint64(nil, uint64(0xfffffffffffffffb))
		reply = binary.LittleEndian.AppendUint64(reply, 9)
		c := NewClient(&scriptedQuerier{reply: reply}, nil)
		st, err := c.StateID(ctx)
		require.NoError(t, err)
		assert.Equal(t, StateID{Counter: -5, Instance: 9}, st)
		assert.True(t, st.Running())
	})

	t.Run("startup parse error", func(t *testing.T) {
		reply := append([]byte{1}, "expected value\x00ttl(0) =\x00"...)
		for _, v := range []int32{3, 8, 7, 9} {
			reply = binary.LittleEndian.AppendUint32(reply, uint32(v))
		}
		c := NewClient(&scriptedQuerier{reply: reply}, nil)
		ok, perr, err := c.SetStartup(ctx, "ttl(0) =")
		require.NoError(t, err)
		assert.False(t, ok)
		require.NotNil(t, perr)
		assert.Equal(t, "expected value", perr.Msg)
		assert.Equal(t, "ttl(0) =", perr.Line)
		assert.Equal(t, []int32{3, 8, 7, 9}, []int32{perr.Lineno, perr.Colnum, perr.Colstart, perr.Colend})
	})

	t.Run("truncated parse error", func(t *testing.T) {
		c := NewClient(&scriptedQuerier{reply: []byte("\x01msg\x00")}, nil)
		ok, perr, err := c.SetStartup(ctx, "x")
		require.NoError(t, err)
		assert.False(t, ok)
		assert.Nil(t, perr)
	})
}

func TestDDSID(t *testing.T) {
	for kind := DDSFreq; kind <= DDSPhase; kind++ {
		for chn := 0; chn < NumDDS; chn++ {
			k, c := SplitDDSID(DDSID(kind, chn))
			if k != kind || c != chn {
				t.Errorf("SplitDDSID(DDSID(%v, %d)) = %v, %d", kind, chn, k, c)
			}
		}
	}
	assert.Equal(t, "phase", DDSPhase.String())
}

func TestReconcileValues(t *testing.T) {
	vals := reconcileValues(4, 1<<1, 1<<2, 1<<1|1<<3,
		[]DDSValue{{ID: DDSID(DDSFreq, 0), Value: 10}, {ID: DDSID(DDSAmp, 0), Value: 3}},
		[]DDSValue{{ID: DDSID(DDSAmp, 0), Value: 8}, {ID: 0xff, Value: 1}})

	lookup := func(path ...string) tree.Node {
		n, _ := tree.Lookup(vals, path...)
		return n
	}
	assert.Equal(t, leaf(4.0), lookup("clock"))
	assert.Equal(t, leaf(false), lookup("ttl", "val1"), "forced low")
	assert.Equal(t, leaf(true), lookup("ttl", "ovr1"))
	assert.Equal(t, leaf(true), lookup("ttl", "val2"), "forced high")
	assert.Equal(t, leaf(true), lookup("ttl", "val3"))
	assert.Equal(t, leaf(false), lookup("ttl", "ovr3"))
	assert.Equal(t, leaf(10.0), lookup("dds", "freq0"))
	assert.Equal(t, leaf(8.0), lookup("dds", "amp0"))
	assert.Equal(t, leaf(true), lookup("dds", "ovr_amp0"))
	assert.Equal(t, tree.Tombstone{}, lookup("dds", "phase0"))
	assert.Equal(t, leaf(false), lookup("dds", "ovr_phase0"))
}

func TestValueHelpers(t *testing.T) {
	assert.True(t, truthy(leaf("x")))
	assert.False(t, truthy(leaf(0.0)))
	assert.False(t, truthy(nil))
	assert.False(t, truthy(tree.Tombstone{}))
	assert.True(t, truthy(tree.Branch{}))

	n, ok := number(leaf(" 12.5 "))
	assert.True(t, ok)
	assert.Equal(t, 12.5, n)
	_, ok = number(leaf("abc"))
	assert.False(t, ok)

	assert.Equal(t, "3", text(leaf(3.0)))
	assert.Equal(t, "", text(tree.Branch{}))
}
