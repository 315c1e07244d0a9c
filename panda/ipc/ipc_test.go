package ipc

import (
	"errors"
	"testing"

	"github.com/jonian/libretro-panda3ds/panda/result"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHeader(t *testing.T) {
	h := MakeHeader(0x0005, 4, 2)

	assert.Equal(t, Header(0x00050102), h)
	assert.Equal(t, uint16(5), h.Command())
	assert.Equal(t, 4, h.Normal())
	assert.Equal(t, 2, h.Translate())
	assert.Equal(t, 7, h.Words())
}

func TestParseRequest(t *testing.T) {
	msg := []uint32{
		uint32(MakeHeader(0x0001, 2, 11)),
		0x11, 0x22,
		CopyHandlesDesc(2), 0x1000, 0x1001,
		MoveHandlesDesc(1), 0x2000,
		CallingPIDDesc(), 0,
		StaticDesc(0x40, 3), 0x08001000,
		MappedDesc(0x100, MapWrite), 0x08002000,
	}

	req, err := ParseRequest(msg)
	require.NoError(t, err)

	assert.Equal(t, uint16(1), req.Command())
	assert.Equal(t, []uint32{0x11, 0x22}, req.Params)
	assert.Equal(t, uint32(0x22), req.Param(1))
	assert.Equal(t, uint32(0), req.Param(5), "missing params read as zero")
	assert.Equal(t, []uint32{0x1000, 0x1001}, req.CopyHandles)
	assert.Equal(t, []uint32{0x2000}, req.MoveHandles)
	assert.True(t, req.HasPID)
	assert.Equal(t, []StaticBuffer{{Index: 3, Addr: 0x08001000, Size: 0x40}}, req.Statics)
	assert.Equal(t, []MappedBuffer{{Addr: 0x08002000, Size: 0x100, Perm: MapWrite}}, req.Mapped)
}

func TestParseRequestErrors(t *testing.T) {
	testCases := []struct {
		desc string
		msg  []uint32
	}{
		{"empty", nil},
		{"too many words", []uint32{uint32(MakeHeader(1, 63, 2))}},
		{"truncated", []uint32{uint32(MakeHeader(1, 3, 0)), 1}},
		{"descriptor overrun", []uint32{uint32(MakeHeader(1, 0, 2)), CopyHandlesDesc(3), 1}},
		{"bad handle descriptor", []uint32{uint32(MakeHeader(1, 0, 2)), 0x30, 1}},
		{"mapped without permission", []uint32{uint32(MakeHeader(1, 0, 2)), 0x108, 1}},
	}

	for _, tc := range testCases {
		t.Run(tc.desc, func(t *testing.T) {
			_, err := ParseRequest(tc.msg)

			var perr *ProtocolError
			require.True(t, errors.As(err, &perr), "got %v", err)
			assert.Equal(t, result.InvalidBufferDesc, perr.Result())
		})
	}
}

func TestResponseEncode(t *testing.T) {
	resp := Reply(result.Success, 7, 8)
	resp.CopyHandles = []uint32{0x30}
	resp.Then(SignalEvent, 9)

	msg := resp.Encode(0x000A)

	assert.Equal(t, []uint32{
		uint32(MakeHeader(0x000A, 3, 2)),
		0, 7, 8,
		CopyHandlesDesc(1), 0x30,
	}, msg)
	assert.Equal(t, []Action{{Kind: SignalEvent, Object: 9}}, resp.Actions)

	descs, err := Descriptors(msg)
	require.NoError(t, err)
	require.Len(t, descs, 1)
	assert.Equal(t, DescCopyHandles, descs[0].Kind)
	assert.Equal(t, 4, descs[0].At)
}

func TestResponseEncodeStatics(t *testing.T) {
	resp := Reply(result.Success)
	resp.Statics = []StaticData{{Index: 0, Data: make([]byte, 8), Addr: 0x08002000}}

	msg := resp.Encode(0x0004)

	assert.Equal(t, []uint32{
		uint32(MakeHeader(0x0004, 1, 2)),
		0,
		StaticDesc(8, 0), 0x08002000,
	}, msg)
	descs, err := Descriptors(msg)
	require.NoError(t, err)
	require.Len(t, descs, 1)
	assert.Equal(t, DescStatic, descs[0].Kind)
	assert.Equal(t, uint32(8), descs[0].Size)
}

func TestErrorReply(t *testing.T) {
	msg := ErrorReply(0x1234, result.NotImplemented)
	assert.Equal(t, []uint32{0x12340040, 0xD900182F}, msg)
}
