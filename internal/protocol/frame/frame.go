package frame

import (
	"encoding/binary"

	"github.com/danmuck/tensorbridge/internal/protocol"
	"github.com/danmuck/tensorbridge/internal/tensor"
)

// Fixed header layout: magic(4) version(1) msg_type(1) dtype(1) flags(1)
// rows(4) cols(4) seq(8) payload_nbytes(4), little-endian.
const (
	HeaderLen = 28
	Version   = 1

	MsgData uint8 = 1

	FlagNone         uint8 = 0
	FlagStringTensor uint8 = 1 << 0
)

// Magic identifies tensor mirror frames.
var Magic = [4]byte{'E', 'I', 'Z', 'M'}

// Header is the fixed wire header.
type Header struct {
	MsgType      uint8
	DType        tensor.DType
	Flags        uint8
	Rows         uint32
	Cols         uint32
	Seq          uint64
	PayloadBytes uint32
}

// HeaderFor describes t as a data frame.
func HeaderFor(t *tensor.Tensor, flags uint8, seq uint64) Header {
	return Header{
		MsgType:      MsgData,
		DType:        t.DType(),
		Flags:        flags,
		Rows:         uint32(t.Rows()),
		Cols:         uint32(t.Cols()),
		Seq:          seq,
		PayloadBytes: uint32(t.NBytes()),
	}
}

func (h Header) StringTensor() bool {
	return h.Flags&FlagStringTensor != 0
}

// ExpectedPayload is the payload size implied by shape and dtype.
func (h Header) ExpectedPayload() uint64 {
	return uint64(h.Rows) * uint64(h.Cols) * uint64(h.DType.Size())
}

func EncodeHeader(h Header) []byte {
	buf := make([]byte, HeaderLen)
	copy(buf[0:4], Magic[:])
	buf[4] = Version
	buf[5] = h.MsgType
	buf[6] = byte(h.DType)
	buf[7] = h.Flags
	binary.LittleEndian.PutUint32(buf[8:12], h.Rows)
	binary.LittleEndian.PutUint32(buf[12:16], h.Cols)
	binary.LittleEndian.PutUint64(buf[16:24], h.Seq)
	binary.LittleEndian.PutUint32(buf[24:28], h.PayloadBytes)
	return buf
}

func DecodeHeader(b []byte) (Header, error) {
	if len(b) != HeaderLen {
		return Header{}, protocol.Mismatch(protocol.ErrProtocol, "frame.DecodeHeader", "header_len", HeaderLen, len(b))
	}
	if [4]byte(b[0:4]) != Magic {
		return Header{}, protocol.Mismatch(protocol.ErrProtocol, "frame.DecodeHeader", "magic", string(Magic[:]), string(b[0:4]))
	}
	if b[4] != Version {
		return Header{}, protocol.Mismatch(protocol.ErrProtocol, "frame.DecodeHeader", "version", Version, b[4])
	}
	dtype := tensor.DType(b[6])
	if !dtype.Valid() {
		return Header{}, protocol.Protocolf("frame.DecodeHeader", "dtype_code", "unrecognized element type code %d", b[6])
	}
	return Header{
		MsgType:      b[5],
		DType:        dtype,
		Flags:        b[7],
		Rows:         binary.LittleEndian.Uint32(b[8:12]),
		Cols:         binary.LittleEndian.Uint32(b[12:16]),
		Seq:          binary.LittleEndian.Uint64(b[16:24]),
		PayloadBytes: binary.LittleEndian.Uint32(b[24:28]),
	}, nil
}

// DecodeFrame validates a two-part message and returns its header and
// payload. The payload slice aliases parts[1].
func DecodeFrame(parts [][]byte) (Header, []byte, error) {
	if len(parts) != 2 {
		return Header{}, nil, protocol.Mismatch(protocol.ErrProtocol, "frame.DecodeFrame", "parts", 2, len(parts))
	}
	h, err := DecodeHeader(parts[0])
	if err != nil {
		return Header{}, nil, err
	}
	payload := parts[1]
	if uint64(len(payload)) != uint64(h.PayloadBytes) {
		return Header{}, nil, protocol.Mismatch(protocol.ErrProtocol, "frame.DecodeFrame", "payload_nbytes", h.PayloadBytes, len(payload))
	}
	if want := h.ExpectedPayload(); uint64(len(payload)) != want {
		return Header{}, nil, protocol.Mismatch(protocol.ErrProtocol, "frame.DecodeFrame", "payload_shape", want, len(payload))
	}
	return h, payload, nil
}

// EncodeFrame builds the two-part message for t.
func EncodeFrame(t *tensor.Tensor, flags uint8, seq uint64) [][]byte {
	return [][]byte{EncodeHeader(HeaderFor(t, flags, seq)), t.Bytes()}
}

// PayloadTensor views (or copies) a validated payload as a tensor.
func PayloadTensor(h Header, payload []byte, copyPayload bool) (*tensor.Tensor, error) {
	data := payload
	if copyPayload {
		data = make([]byte, len(payload))
		copy(data, payload)
	}
	t, err := tensor.FromBytes(int(h.Rows), int(h.Cols), h.DType, data)
	if err != nil {
		return nil, protocol.Protocolf("frame.PayloadTensor", "payload", "%v", err)
	}
	return t, nil
}
