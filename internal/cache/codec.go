package cache

import (
	"encoding/json"

	cerrors "github.com/objectfs/tiercache/pkg/errors"
)

// Codec converts values to and from the bytes held by the distributed tier.
type Codec[T any] interface {
	Encode(value T) ([]byte, error)
	Decode(data []byte) (T, error)
}

// JSONCodec encodes values with encoding/json.
type JSONCodec[T any] struct{}

// Encode implements Codec.
func (JSONCodec[T]) Encode(value T) ([]byte, error) {
	data, err := json.Marshal(value)
	if err != nil {
		return nil, cerrors.NewError(cerrors.ErrCodeCodecFailed, "encode").WithCause(err)
	}
	return data, nil
}

// Decode implements Codec.
func (JSONCodec[T]) Decode(data []byte) (T, error) {
	var value T
	if err := json.Unmarshal(data, &value); err != nil {
		return value, cerrors.NewError(cerrors.ErrCodeCodecFailed, "decode").WithCause(err)
	}
	return value, nil
}

// StringCodec stores strings as their raw bytes.
type StringCodec struct{}

// Encode implements Codec.
func (StringCodec) Encode(value string) ([]byte, error) { return []byte(value), nil }

// Decode implements Codec.
func (StringCodec) Decode(data []byte) (string, error) { return string(data), nil }
