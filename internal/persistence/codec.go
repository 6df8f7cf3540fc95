package persistence

import (
	"reflect"

	"github.com/fxamacker/cbor/v2"
)

var (
	encMode cbor.EncMode
	decMode cbor.DecMode
)

func init() {
	var err error
	encMode, err = cbor.CanonicalEncOptions().EncMode()
	if err != nil {
		panic(err)
	}
	decMode, err = cbor.DecOptions{
		DefaultMapType: reflect.TypeOf(map[string]any(nil)),
	}.DecMode()
	if err != nil {
		panic(err)
	}
}

// EncodePayload serializes a payload map with CBOR. A nil map encodes to nil.
func EncodePayload(m map[string]any) ([]byte, error) {
	if m == nil {
		return nil, nil
	}
	return encMode.Marshal(m)
}

// DecodePayload is the inverse of EncodePayload. Nested maps decode as
// map[string]any.
func DecodePayload(data []byte) (map[string]any, error) {
	if len(data) == 0 {
		return nil, nil
	}
	var m map[string]any
	if err := decMode.Unmarshal(data, &m); err != nil {
		return nil, err
	}
	return m, nil
}
