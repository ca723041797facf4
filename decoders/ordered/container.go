package ordered

import (
	"fmt"
	"sort"

	"google.golang.org/protobuf/encoding/protowire"
)

const (
	fieldTemplate       protowire.Number = 1
	fieldOptionTemplate protowire.Number = 2
	fieldPacket         protowire.Number = 3

	fieldEntryId  protowire.Number = 1
	fieldEntryRaw protowire.Number = 2
)

// Container is a self-contained set of NetFlow v9 datagrams with every template they reference.
type Container struct {
	Templates       map[uint16][]byte
	OptionTemplates map[uint16][]byte
	Packets         [][]byte
}

func sortedIds(templates map[uint16][]byte) []uint16 {
	ids := make([]uint16, 0, len(templates))
	for id := range templates {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

func appendEntry(b []byte, num protowire.Number, id uint16, raw []byte) []byte {
	entry := protowire.AppendTag(nil, fieldEntryId, protowire.VarintType)
	entry = protowire.AppendVarint(entry, uint64(id))
	entry = protowire.AppendTag(entry, fieldEntryRaw, protowire.BytesType)
	entry = protowire.AppendBytes(entry, raw)

	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendBytes(b, entry)
}

// AppendBinary appends the container encoding to b. Templates are written in ID order.
func (c *Container) AppendBinary(b []byte) []byte {
	for _, id := range sortedIds(c.Templates) {
		b = appendEntry(b, fieldTemplate, id, c.Templates[id])
	}
	for _, id := range sortedIds(c.OptionTemplates) {
		b = appendEntry(b, fieldOptionTemplate, id, c.OptionTemplates[id])
	}
	for _, packet := range c.Packets {
		b = protowire.AppendTag(b, fieldPacket, protowire.BytesType)
		b = protowire.AppendBytes(b, packet)
	}
	return b
}

// TemplateIds lists the template and options template IDs carried, in ascending order.
func (c *Container) TemplateIds() (templates, options []uint16) {
	return sortedIds(c.Templates), sortedIds(c.OptionTemplates)
}

func (c *Container) MarshalBinary() ([]byte, error) {
	return c.AppendBinary(nil), nil
}

func consumeEntry(b []byte) (uint16, []byte, error) {
	var (
		id    uint64
		raw   []byte
		hasId bool
	)
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return 0, nil, protowire.ParseError(n)
		}
		b = b[n:]
		switch {
		case num == fieldEntryId && typ == protowire.VarintType:
			id, n = protowire.ConsumeVarint(b)
			hasId = true
		case num == fieldEntryRaw && typ == protowire.BytesType:
			raw, n = protowire.ConsumeBytes(b)
		default:
			n = protowire.ConsumeFieldValue(num, typ, b)
		}
		if n < 0 {
			return 0, nil, protowire.ParseError(n)
		}
		b = b[n:]
	}
	if !hasId || id > 0xffff {
		return 0, nil, fmt.Errorf("invalid template id %d", id)
	}
	return uint16(id), raw, nil
}

// UnmarshalBinary decodes a container. Byte slices alias b. Unknown fields are ignored.
func (c *Container) UnmarshalBinary(b []byte) error {
	c.Templates = make(map[uint16][]byte)
	c.OptionTemplates = make(map[uint16][]byte)
	c.Packets = nil

	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return fmt.Errorf("%w: %v", ErrMalformedContainer, protowire.ParseError(n))
		}
		b = b[n:]

		if typ != protowire.BytesType || num < fieldTemplate || num > fieldPacket {
			n = protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return fmt.Errorf("%w: %v", ErrMalformedContainer, protowire.ParseError(n))
			}
			b = b[n:]
			continue
		}

		value, n := protowire.ConsumeBytes(b)
		if n < 0 {
			return fmt.Errorf("%w: field %d: %v", ErrMalformedContainer, num, protowire.ParseError(n))
		}
		b = b[n:]

		switch num {
		case fieldTemplate, fieldOptionTemplate:
			id, raw, err := consumeEntry(value)
			if err != nil {
				return fmt.Errorf("%w: field %d: %v", ErrMalformedContainer, num, err)
			}
			if num == fieldTemplate {
				c.Templates[id] = raw
			} else {
				c.OptionTemplates[id] = raw
			}
		case fieldPacket:
			c.Packets = append(c.Packets, value)
		}
	}
	return nil
}
