// Package binary ships framed buffers untouched.
package binary

import (
	"encoding"

	"github.com/netsampler/nf9reassembler/format"
)

// BinaryDriver formats messages via MarshalBinary.
type BinaryDriver struct{}

func (d *BinaryDriver) Prepare() error {
	return nil
}

func (d *BinaryDriver) Init() error {
	return nil
}

// Format marshals the payload via encoding.BinaryMarshaler, preserving a Key when available.
func (d *BinaryDriver) Format(data interface{}) ([]byte, []byte, error) {
	var key []byte
	if dataIf, ok := data.(interface{ Key() []byte }); ok {
		key = dataIf.Key()
	}
	if dataIf, ok := data.(encoding.BinaryMarshaler); ok {
		text, err := dataIf.MarshalBinary()
		return key, text, err
	}
	return key, nil, format.ErrNoSerializer
}

func init() {
	d := &BinaryDriver{}
	format.RegisterFormatDriver("bin", d)
}
