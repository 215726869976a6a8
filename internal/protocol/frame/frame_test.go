package frame

import (
	"errors"
	"testing"

	"github.com/danmuck/tensorbridge/internal/protocol"
	"github.com/danmuck/tensorbridge/internal/tensor"
	"github.com/danmuck/tensorbridge/internal/testutil/testlog"
	"github.com/stretchr/testify/require"
)

func TestEncodeDecodeHeaderRoundTrip(t *testing.T) {
	testlog.Start(t)
	cases := []Header{
		{MsgType: MsgData, DType: tensor.Bool, Flags: FlagNone, Rows: 1, Cols: 1, Seq: 0, PayloadBytes: 1},
		{MsgType: MsgData, DType: tensor.Int32, Flags: FlagStringTensor, Rows: 64, Cols: 3, Seq: 7, PayloadBytes: 768},
		{MsgType: MsgData, DType: tensor.Float64, Flags: 0xFF, Rows: ^uint32(0), Cols: 2, Seq: ^uint64(0), PayloadBytes: ^uint32(0)},
	}
	for _, in := range cases {
		b := EncodeHeader(in)
		require.Len(t, b, HeaderLen)
		out, err := DecodeHeader(b)
		require.NoError(t, err)
		require.Equal(t, in, out)
	}
}

func TestEncodeHeaderLayout(t *testing.T) {
	testlog.Start(t)
	b := EncodeHeader(Header{MsgType: MsgData, DType: tensor.Float32, Flags: FlagStringTensor, Rows: 2, Cols: 3, Seq: 258, PayloadBytes: 24})
	require.Equal(t, []byte{
		'E', 'I', 'Z', 'M', 1, 1, 2, 1,
		2, 0, 0, 0,
		3, 0, 0, 0,
		2, 1, 0, 0, 0, 0, 0, 0,
		24, 0, 0, 0,
	}, b)
}

func TestDecodeHeaderRejects(t *testing.T) {
	testlog.Start(t)
	good := EncodeHeader(Header{MsgType: MsgData, DType: tensor.Float32, Rows: 1, Cols: 1, PayloadBytes: 4})

	_, err := DecodeHeader(good[:HeaderLen-1])
	require.ErrorIs(t, err, protocol.ErrProtocol)
	_, err = DecodeHeader(append(append([]byte{}, good...), 0))
	require.ErrorIs(t, err, protocol.ErrProtocol)

	badMagic := append([]byte{}, good...)
	badMagic[0] = 'X'
	_, err = DecodeHeader(badMagic)
	require.ErrorIs(t, err, protocol.ErrProtocol)
	var perr *protocol.Error
	require.True(t, errors.As(err, &perr))
	require.Equal(t, "magic", perr.Field)

	badVersion := append([]byte{}, good...)
	badVersion[4] = Version + 1
	_, err = DecodeHeader(badVersion)
	require.ErrorIs(t, err, protocol.ErrProtocol)

	badDType := append([]byte{}, good...)
	badDType[6] = 4
	_, err = DecodeHeader(badDType)
	require.ErrorIs(t, err, protocol.ErrProtocol)
}

func TestDecodeFrameValidatesParts(t *testing.T) {
	testlog.Start(t)
	src, err := tensor.FromFloat32(2, 3, []float32{1.5, -2.0, 3.25, 4.75, 5.0, -6.125})
	require.NoError(t, err)

	parts := EncodeFrame(src, FlagNone, 3)
	h, payload, err := DecodeFrame(parts)
	require.NoError(t, err)
	require.Equal(t, uint64(3), h.Seq)
	got, err := PayloadTensor(h, payload, true)
	require.NoError(t, err)
	require.Equal(t, src.Float32s(), got.Float32s())

	_, _, err = DecodeFrame(parts[:1])
	require.ErrorIs(t, err, protocol.ErrProtocol)
	_, _, err = DecodeFrame(append(parts, []byte{}))
	require.ErrorIs(t, err, protocol.ErrProtocol)
	_, _, err = DecodeFrame([][]byte{parts[0], parts[1][:20]})
	require.ErrorIs(t, err, protocol.ErrProtocol)

	// declared length agrees with the payload but not with the shape
	lying := EncodeHeader(Header{MsgType: MsgData, DType: tensor.Float32, Rows: 2, Cols: 2, PayloadBytes: 24})
	_, _, err = DecodeFrame([][]byte{lying, parts[1]})
	require.ErrorIs(t, err, protocol.ErrProtocol)
}
