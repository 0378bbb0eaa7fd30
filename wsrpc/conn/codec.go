package conn

import (
	"bytes"
	"encoding/json"
	"fmt"
	"reflect"

	"github.com/fxamacker/cbor/v2"
	"github.com/tinylib/msgp/msgp"
)

// A Codec converts binary frame payloads to and from JSON documents.
type Codec interface {
	Decode(bin []byte) ([]byte, error) // binary frame to JSON request
	Encode(js []byte) ([]byte, error)  // JSON response to binary frame
}

// MsgpackCodec converts between MessagePack and JSON.
type MsgpackCodec struct{}

func (MsgpackCodec) Decode(bin []byte) ([]byte, error) {
	var buf bytes.Buffer
	rest, err := msgp.UnmarshalAsJSON(&buf, bin)
	if err != nil {
		return nil, fmt.Errorf(`%w while decoding MessagePack`, err)
	}
	if len(rest) > 0 {
		return nil, fmt.Errorf(`%d bytes after MessagePack document`, len(rest))
	}
	return buf.Bytes(), nil
}

// Encode writes integral numbers as integers so request IDs survive the round trip.
func (MsgpackCodec) Encode(js []byte) ([]byte, error) {
	v, err := decodeJSON(js)
	if err != nil {
		return nil, err
	}
	return msgp.AppendIntf(nil, v)
}

// CBORCodec converts between CBOR and JSON.  CBOR maps must have string keys.
type CBORCodec struct{}

var cborDecoder = func() cbor.DecMode {
	dm, err := cbor.DecOptions{
		DefaultMapType: reflect.TypeOf(map[string]any(nil)),
	}.DecMode()
	if err != nil {
		panic(err)
	}
	return dm
}()

func (CBORCodec) Decode(bin []byte) ([]byte, error) {
	var v any
	err := cborDecoder.Unmarshal(bin, &v)
	if err != nil {
		return nil, fmt.Errorf(`%w while decoding CBOR`, err)
	}
	js, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf(`%w while converting CBOR to JSON`, err)
	}
	return js, nil
}

func (CBORCodec) Encode(js []byte) ([]byte, error) {
	v, err := decodeJSON(js)
	if err != nil {
		return nil, err
	}
	return cbor.Marshal(v)
}

func decodeJSON(js []byte) (any, error) {
	dec := json.NewDecoder(bytes.NewReader(js))
	dec.UseNumber()
	var v any
	err := dec.Decode(&v)
	if err != nil {
		return nil, fmt.Errorf(`%w while decoding JSON`, err)
	}
	return numbers(v), nil
}

func numbers(v any) any {
	switch v := v.(type) {
	case json.Number:
		if n, err := v.Int64(); err == nil {
			return n
		}
		f, _ := v.Float64()
		return f
	case []any:
		for i, it := range v {
			v[i] = numbers(it)
		}
		return v
	case map[string]any:
		for k, it := range v {
			v[k] = numbers(it)
		}
		return v
	default:
		return v
	}
}
