package topic

import (
	"github.com/vmihailenco/msgpack/v5"

	"github.com/danmuck/tensorbridge/internal/protocol"
	"github.com/danmuck/tensorbridge/internal/tensor"
)

// ScalarMessage carries one metadata value.
type ScalarMessage struct {
	Data int32 `msgpack:"data"`
}

// ArrayMessage carries the flattened row-major tensor bytes.
type ArrayMessage struct {
	DType uint8  `msgpack:"dtype"`
	Data  []byte `msgpack:"data"`
}

func EncodeScalar(v int32) ([]byte, error) {
	return msgpack.Marshal(ScalarMessage{Data: v})
}

func DecodeScalar(b []byte) (int32, error) {
	var msg ScalarMessage
	if err := msgpack.Unmarshal(b, &msg); err != nil {
		return 0, protocol.Protocolf("topic.DecodeScalar", "payload", "%v", err)
	}
	return msg.Data, nil
}

func EncodeArray(t *tensor.Tensor) ([]byte, error) {
	return msgpack.Marshal(ArrayMessage{DType: uint8(t.DType()), Data: t.Bytes()})
}

func DecodeArray(b []byte) (ArrayMessage, error) {
	var msg ArrayMessage
	if err := msgpack.Unmarshal(b, &msg); err != nil {
		return ArrayMessage{}, protocol.Protocolf("topic.DecodeArray", "payload", "%v", err)
	}
	if !tensor.DType(msg.DType).Valid() {
		return ArrayMessage{}, protocol.Protocolf("topic.DecodeArray", "dtype", "unrecognized element type code %d", msg.DType)
	}
	return msg, nil
}
