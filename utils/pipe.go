package utils

import (
	"fmt"
	"net/netip"
	"time"

	"github.com/netsampler/nf9reassembler/format"
	"github.com/netsampler/nf9reassembler/transport"
)

// FlowPipe describes a datagram processing pipeline.
type FlowPipe interface {
	DecodeFlow(msg interface{}) error
	Close()
}

// Reassembler turns received datagrams into framed buffers.
type Reassembler interface {
	Process(src netip.AddrPort, payload []byte) Result
}

// PipeConfig wires the reassembly engine with its output.
type PipeConfig struct {
	Aggregator Reassembler
	Format     format.FormatInterface
	Transport  transport.TransportInterface
}

// ReassembledMessage is a framed buffer ready to be formatted and sent.
type ReassembledMessage struct {
	Src      netip.AddrPort
	Dst      netip.AddrPort
	Received time.Time
	Outcome  Outcome
	Released int
	Payload  []byte
}

// Key partitions output by exporter address.
func (m *ReassembledMessage) Key() []byte {
	key, _ := m.Src.Addr().MarshalBinary()
	return key
}

func (m *ReassembledMessage) Sender() netip.AddrPort {
	return m.Src
}

func (m *ReassembledMessage) Framed() []byte {
	return m.Payload
}

func (m *ReassembledMessage) MarshalBinary() ([]byte, error) {
	return m.Payload, nil
}

// PipeMessageError wraps a format or transport error with source message metadata.
type PipeMessageError struct {
	Message *Message
	Err     error
}

func (e *PipeMessageError) Error() string {
	return fmt.Sprintf("message from %s %s", e.Message.Src.String(), e.Err.Error())
}

func (e *PipeMessageError) Unwrap() error {
	return e.Err
}

// ReassemblyPipe runs every datagram through an aggregator and ships what it emits.
type ReassemblyPipe struct {
	aggregator Reassembler
	format     format.FormatInterface
	transport  transport.TransportInterface
}

func NewReassemblyPipe(cfg *PipeConfig) *ReassemblyPipe {
	return &ReassemblyPipe{
		aggregator: cfg.Aggregator,
		format:     cfg.Format,
		transport:  cfg.Transport,
	}
}

func (p *ReassemblyPipe) Close() {
}

// DecodeFlow processes a *Message. Buffered, consumed and discarded datagrams produce no output.
func (p *ReassemblyPipe) DecodeFlow(msg interface{}) error {
	pkt, ok := msg.(*Message)
	if !ok {
		return fmt.Errorf("flow is not *Message")
	}
	if p.aggregator == nil {
		return nil
	}

	result := p.aggregator.Process(pkt.Src, pkt.Payload)
	if result.Payload == nil {
		return nil
	}
	out := &ReassembledMessage{
		Src:      pkt.Src,
		Dst:      pkt.Dst,
		Received: pkt.Received,
		Outcome:  result.Outcome,
		Released: result.Released,
		Payload:  result.Payload,
	}
	if err := p.formatSend(out); err != nil {
		return &PipeMessageError{pkt, err}
	}
	return nil
}

func (p *ReassemblyPipe) formatSend(msg *ReassembledMessage) error {
	if p.format == nil {
		return nil
	}
	key, data, err := p.format.Format(msg)
	if err != nil {
		return err
	}
	if p.transport != nil {
		return p.transport.Send(key, data)
	}
	return nil
}
