package netflow

import (
	"encoding/json"
	"fmt"
)

// MarshalJSON encodes the packet without triggering MarshalText.
func (p *NFv9Packet) MarshalJSON() ([]byte, error) {
	return json.Marshal(*p) // this is a trick to avoid having the JSON marshaller defaults to MarshalText
}

// MarshalText formats a concise summary of the packet.
func (p *NFv9Packet) MarshalText() ([]byte, error) {
	return []byte(fmt.Sprintf("NetFlowV%d count:%d seq:%d", p.Version, p.Count, p.SequenceNumber)), nil
}

// MarshalText formats a concise summary of the shallow packet.
func (p *RawShallowPacket) MarshalText() ([]byte, error) {
	return []byte(fmt.Sprintf("NetFlowV%d source:%d seq:%d templates:%d options:%d records:%d",
		p.Header.Version, p.Header.SourceId, p.Header.SequenceNumber,
		len(p.Templates), len(p.OptionTemplates), len(p.Records))), nil
}
