// Package json decodes framed buffers and renders the NetFlow packets they carry.
package json

import (
	"encoding/json"
	"net/netip"

	"github.com/netsampler/nf9reassembler/decoders/ordered"
	"github.com/netsampler/nf9reassembler/format"
)

type JsonDriver struct {
}

type jsonMessage struct {
	Type      string        `json:"type"`
	Sender    string        `json:"sender,omitempty"`
	Templates []uint16      `json:"templates,omitempty"`
	Options   []uint16      `json:"options_templates,omitempty"`
	Packets   []interface{} `json:"packets"`
	Error     string        `json:"error,omitempty"`
}

func (d *JsonDriver) Prepare() error {
	return nil
}

func (d *JsonDriver) Init() error {
	return nil
}

// Format renders a message exposing Framed(). Datagrams that fail to decode
// are left out and the decoding error is reported alongside the others.
func (d *JsonDriver) Format(data interface{}) ([]byte, []byte, error) {
	var key []byte
	if dataIf, ok := data.(interface{ Key() []byte }); ok {
		key = dataIf.Key()
	}
	framed, ok := data.(interface{ Framed() []byte })
	if !ok {
		return key, nil, format.ErrNoSerializer
	}

	msg, err := ordered.DecodeMessage(framed.Framed())
	if msg == nil {
		return key, nil, err
	}
	out := jsonMessage{
		Type:    "passthrough",
		Packets: msg.Packets,
	}
	if out.Packets == nil {
		out.Packets = []interface{}{}
	}
	if msg.Marker == ordered.MarkerOrdered {
		out.Type = "ordered"
	}
	if msg.Container != nil {
		out.Templates, out.Options = msg.Container.TemplateIds()
	}
	if dataIf, ok := data.(interface{ Sender() netip.AddrPort }); ok {
		out.Sender = dataIf.Sender().String()
	}
	if err != nil {
		out.Error = err.Error()
	}

	output, err := json.Marshal(out)
	return key, output, err
}

func init() {
	d := &JsonDriver{}
	format.RegisterFormatDriver("json", d)
}
