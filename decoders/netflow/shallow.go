package netflow

import (
	"encoding/binary"
	"fmt"
)

// ShallowParse locates the templates, options templates and data flow sets of
// a NetFlow v9 packet without decoding any record. Returned spans alias payload.
//
// Reserved flow set IDs (2-255) are reported in Skipped. A flow set declaring a
// length shorter than its own header stops the scan: what was found so far is
// returned and the tail is reported in Skipped.
func ShallowParse(payload []byte) (*RawShallowPacket, error) {
	if len(payload) < HeaderSize {
		return nil, &DecoderError{"NetFlowV9 header", fmt.Errorf("%d bytes [%w]", len(payload), ErrMalformedPacket)}
	}

	packet := &RawShallowPacket{
		Header: NFv9Header{
			Version:        binary.BigEndian.Uint16(payload[0:2]),
			Count:          binary.BigEndian.Uint16(payload[2:4]),
			SystemUptime:   binary.BigEndian.Uint32(payload[4:8]),
			UnixSeconds:    binary.BigEndian.Uint32(payload[8:12]),
			SequenceNumber: binary.BigEndian.Uint32(payload[12:16]),
			SourceId:       binary.BigEndian.Uint32(payload[16:20]),
		},
		Templates:       make(map[uint16][]byte),
		OptionTemplates: make(map[uint16][]byte),
		UsedTemplates:   make(map[uint16]struct{}),
	}

	offset := HeaderSize
	for len(payload)-offset >= FlowSetHeaderSize {
		fsheader := FlowSetHeader{
			Id:     binary.BigEndian.Uint16(payload[offset:]),
			Length: binary.BigEndian.Uint16(payload[offset+2:]),
		}
		if fsheader.Length < FlowSetHeaderSize {
			packet.Skipped = append(packet.Skipped, fsheader)
			break
		}
		end := offset + int(fsheader.Length)
		if end > len(payload) {
			return nil, &FlowError{9, "FlowSet", packet.Header.SourceId, fsheader.Id,
				fmt.Errorf("length %d exceeds remaining %d bytes [%w]", fsheader.Length, len(payload)-offset, ErrMalformedPacket)}
		}
		body := payload[offset+FlowSetHeaderSize : end]

		switch {
		case fsheader.Id == TemplateFlowSetId:
			if err := shallowTemplateSet(body, packet.Templates); err != nil {
				return nil, &FlowError{9, "TemplateSet", packet.Header.SourceId, fsheader.Id, err}
			}
		case fsheader.Id == OptionsTemplateFlowSetId:
			if err := shallowOptionsTemplateSet(body, packet.OptionTemplates); err != nil {
				return nil, &FlowError{9, "OptionsTemplateSet", packet.Header.SourceId, fsheader.Id, err}
			}
		case fsheader.Id >= MinDataFlowSetId:
			packet.Records = append(packet.Records, RawDataRecord{
				TemplateId: fsheader.Id,
				Raw:        payload[offset:end],
			})
			packet.UsedTemplates[fsheader.Id] = struct{}{}
		default:
			packet.Skipped = append(packet.Skipped, fsheader)
		}
		offset = end
	}
	return packet, nil
}

// shallowTemplateSet splits a template flow set body into template records.
// Trailing padding shorter than a record header is ignored.
func shallowTemplateSet(body []byte, dest map[uint16][]byte) error {
	offset := 0
	for len(body)-offset >= 4 {
		templateId := binary.BigEndian.Uint16(body[offset:])
		fieldCount := binary.BigEndian.Uint16(body[offset+2:])
		end := offset + 4 + int(fieldCount)*4
		if end > len(body) {
			return fmt.Errorf("template %d declares %d fields [%w]", templateId, fieldCount, ErrMalformedPacket)
		}
		dest[templateId] = body[offset:end]
		offset = end
	}
	return nil
}

// shallowOptionsTemplateSet splits an options template flow set body into records.
func shallowOptionsTemplateSet(body []byte, dest map[uint16][]byte) error {
	offset := 0
	for len(body)-offset >= 6 {
		templateId := binary.BigEndian.Uint16(body[offset:])
		scopeLength := binary.BigEndian.Uint16(body[offset+2:])
		optionLength := binary.BigEndian.Uint16(body[offset+4:])
		end := offset + 6 + int(scopeLength)/4*4 + int(optionLength)/4*4
		if end > len(body) {
			return fmt.Errorf("options template %d declares %d+%d bytes [%w]", templateId, scopeLength, optionLength, ErrMalformedPacket)
		}
		dest[templateId] = body[offset:end]
		offset = end
	}
	return nil
}
