// Package utils provides big-endian helpers shared by the NetFlow decoders.
package utils

import (
	"bytes"
	"encoding/binary"
	"errors"
	"io"
)

// BytesBuffer is the subset of *bytes.Buffer used by the decoders.
type BytesBuffer interface {
	io.Reader
	Next(int) []byte
}

// BinaryDecoder reads every destination in order from the payload, big-endian.
func BinaryDecoder(payload *bytes.Buffer, dests ...interface{}) error {
	for _, dest := range dests {
		if err := BinaryRead(payload, binary.BigEndian, dest); err != nil {
			return err
		}
	}
	return nil
}

// BinaryRead is a shortcut of binary.Read for the fixed-size types found in
// NetFlow headers. It falls back to binary.Read for anything else.
func BinaryRead(payload BytesBuffer, order binary.ByteOrder, data any) error {
	var n int
	switch data := data.(type) {
	case *uint8, *int8:
		n = 1
	case *uint16, *int16:
		n = 2
	case *uint32, *int32:
		n = 4
	case *uint64, *int64:
		n = 8
	case []byte:
		n = len(data)
	case []uint16:
		n = 2 * len(data)
	case []uint32:
		n = 4 * len(data)
	default:
		return binary.Read(payload, order, data)
	}

	bs := payload.Next(n)
	if len(bs) < n {
		return io.ErrUnexpectedEOF
	}

	switch data := data.(type) {
	case *uint8:
		*data = bs[0]
	case *int8:
		*data = int8(bs[0])
	case *uint16:
		*data = order.Uint16(bs)
	case *int16:
		*data = int16(order.Uint16(bs))
	case *uint32:
		*data = order.Uint32(bs)
	case *int32:
		*data = int32(order.Uint32(bs))
	case *uint64:
		*data = order.Uint64(bs)
	case *int64:
		*data = int64(order.Uint64(bs))
	case []byte:
		copy(data, bs)
	case []uint16:
		for i := range data {
			data[i] = order.Uint16(bs[2*i:])
		}
	case []uint32:
		for i := range data {
			data[i] = order.Uint32(bs[4*i:])
		}
	default:
		return errors.New("binary read: unsupported type")
	}
	return nil
}
