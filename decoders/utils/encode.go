package utils

import (
	"bytes"
	"encoding/binary"
)

func WriteU8(buf *bytes.Buffer, v uint8) error {
	return buf.WriteByte(v)
}

func WriteU16(buf *bytes.Buffer, v uint16) error {
	var b [2]byte
	binary.BigEndian.PutUint16(b[:], v)
	_, err := buf.Write(b[:])
	return err
}

func WriteU32(buf *bytes.Buffer, v uint32) error {
	var b [4]byte
	binary.BigEndian.PutUint32(b[:], v)
	_, err := buf.Write(b[:])
	return err
}

// WriteFields writes a list of big-endian values, stopping at the first error.
func WriteFields(buf *bytes.Buffer, values ...interface{}) error {
	for _, v := range values {
		var err error
		switch v := v.(type) {
		case uint8:
			err = WriteU8(buf, v)
		case uint16:
			err = WriteU16(buf, v)
		case uint32:
			err = WriteU32(buf, v)
		case []byte:
			_, err = buf.Write(v)
		default:
			err = binary.Write(buf, binary.BigEndian, v)
		}
		if err != nil {
			return err
		}
	}
	return nil
}
