package transport

import (
	"github.com/hashicorp/go-msgpack/v2/codec"
)

var mpHandle = &codec.MsgpackHandle{}

// callPayload is the wire body of a KindCall frame: the method name, its
// ordered argument sequence, and the per-call options (ignoreNullValues,
// timeout).
type callPayload struct {
	Method           string        `codec:"method"`
	Args             []interface{} `codec:"args"`
	IgnoreNullValues bool          `codec:"ignoreNullValues"`
	TimeoutMs        int64         `codec:"timeoutMs"`
}

func encodeValue(v interface{}) ([]byte, error) {
	var buf []byte
	enc := codec.NewEncoderBytes(&buf, mpHandle)
	if err := enc.Encode(v); err != nil {
		return nil, err
	}
	return buf, nil
}

func decodeValue(data []byte, out interface{}) error {
	dec := codec.NewDecoderBytes(data, mpHandle)
	return dec.Decode(out)
}

// DecodeValue decodes a msgpack-encoded data record payload (as delivered
// on a Call's Event.Data) into out. Exported for verb shims that need to
// interpret reply records beyond raw bytes.
func DecodeValue(data []byte, out interface{}) error {
	return decodeValue(data, out)
}
