package contracts

import (
	"encoding/json"
	"fmt"
	"reflect"
)

// Codec encodes request payloads and decodes payloads into an explicit target type
type Codec interface {
	Marshal(v any) ([]byte, error)
	Unmarshal(data []byte, v any) error
	ContentType() string
}

// JSONCodec is the default codec.
// Strings and byte slices are passed through unchanged.
type JSONCodec struct{}

// Marshal implements Codec
func (JSONCodec) Marshal(v any) ([]byte, error) {
	switch t := v.(type) {
	case nil:
		return nil, nil
	case []byte:
		return t, nil
	case string:
		return []byte(t), nil
	case json.RawMessage:
		return t, nil
	}
	return json.Marshal(v)
}

// Unmarshal implements Codec
func (JSONCodec) Unmarshal(data []byte, v any) error {
	switch t := v.(type) {
	case *[]byte:
		*t = append([]byte(nil), data...)
		return nil
	case *string:
		*t = string(data)
		return nil
	}
	if len(data) == 0 {
		return fmt.Errorf("empty payload")
	}
	return json.Unmarshal(data, v)
}

// ContentType implements Codec
func (JSONCodec) ContentType() string {
	return "application/json"
}

// Decode decodes data into v with codec, wrapping failures in a DeserializationError
func Decode(codec Codec, data []byte, v any) error {
	if codec == nil {
		codec = JSONCodec{}
	}
	if v == nil || reflect.ValueOf(v).Kind() != reflect.Pointer {
		return &DeserializationError{Target: fmt.Sprintf("%T", v), Err: fmt.Errorf("target must be a non-nil pointer")}
	}
	if err := codec.Unmarshal(data, v); err != nil {
		return &DeserializationError{Target: reflect.TypeOf(v).Elem().String(), Err: err}
	}
	return nil
}
