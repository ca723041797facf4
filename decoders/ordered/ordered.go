// Package ordered frames reassembled NetFlow v9 output and dispatches framed buffers to the decoders.
package ordered

import (
	"bytes"
	"errors"
	"fmt"

	"github.com/netsampler/nf9reassembler/decoders/netflow"
	"github.com/netsampler/nf9reassembler/decoders/netflowlegacy"
)

const (
	// MarkerPassthrough prefixes an untouched datagram.
	MarkerPassthrough byte = 0x00
	// MarkerOrdered prefixes a Container.
	MarkerOrdered byte = 0x01
)

var (
	ErrUnsupportedVersion = errors.New("unsupported version")
	ErrUnknownMarker      = errors.New("unknown marker")
	ErrMalformedContainer = errors.New("malformed container")
)

type DecoderError struct {
	Marker byte
	Err    error
}

func (e *DecoderError) Error() string {
	return fmt.Sprintf("Ordered marker:%d %s", e.Marker, e.Err.Error())
}

func (e *DecoderError) Unwrap() error {
	return e.Err
}

// EncodePassthrough prefixes a copy of the datagram with the passthrough marker.
func EncodePassthrough(payload []byte) []byte {
	b := make([]byte, 0, len(payload)+1)
	b = append(b, MarkerPassthrough)
	return append(b, payload...)
}

// EncodeReady serializes a container prefixed with the ordered marker.
func EncodeReady(container *Container) []byte {
	return container.AppendBinary([]byte{MarkerOrdered})
}

// Message is the result of decoding a framed buffer. Packets holds
// *netflowlegacy.PacketNetFlowV5 or *netflow.NFv9Packet values, in the framed order.
type Message struct {
	Marker    byte
	Container *Container
	Packets   []interface{}
}

// DecodeMessage decodes a framed buffer. With an ordered container, every
// datagram is decoded even when another fails; errors are joined and the
// datagrams that decoded are returned.
func DecodeMessage(payload []byte) (*Message, error) {
	if len(payload) == 0 {
		return nil, &DecoderError{0, fmt.Errorf("empty buffer [%w]", ErrUnknownMarker)}
	}
	msg := &Message{
		Marker: payload[0],
	}
	body := payload[1:]

	switch msg.Marker {
	case MarkerPassthrough:
		packet, err := decodePassthrough(body)
		if err != nil {
			return msg, &DecoderError{msg.Marker, err}
		}
		msg.Packets = append(msg.Packets, packet)
	case MarkerOrdered:
		container := &Container{}
		if err := container.UnmarshalBinary(body); err != nil {
			return msg, &DecoderError{msg.Marker, err}
		}
		msg.Container = container
		var errs error
		for i, raw := range container.Packets {
			packet, err := netflow.DecodeMessageOrdered(raw, container.Templates, container.OptionTemplates)
			if err != nil {
				errs = errors.Join(errs, fmt.Errorf("packet %d: %w", i, err))
			}
			if packet != nil {
				msg.Packets = append(msg.Packets, packet)
			}
		}
		if errs != nil {
			return msg, &DecoderError{msg.Marker, errs}
		}
	default:
		return msg, &DecoderError{msg.Marker, ErrUnknownMarker}
	}
	return msg, nil
}

func decodePassthrough(body []byte) (interface{}, error) {
	if len(body) < 2 {
		return nil, fmt.Errorf("%d bytes [%w]", len(body), netflow.ErrMalformedPacket)
	}
	version := uint16(body[0])<<8 | uint16(body[1])
	switch version {
	case 5:
		var packet netflowlegacy.PacketNetFlowV5
		if err := netflowlegacy.DecodeMessageVersion(bytes.NewBuffer(body), &packet); err != nil {
			return nil, err
		}
		return &packet, nil
	case 9:
		return netflow.DecodeMessageOrdered(body, nil, nil)
	default:
		return nil, fmt.Errorf("version %d [%w]", version, ErrUnsupportedVersion)
	}
}
