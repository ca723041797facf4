// Package netflowlegacy decodes NetFlow v5 packets relayed untouched by the reassembler.
package netflowlegacy

import (
	"bytes"
	"fmt"

	"github.com/netsampler/nf9reassembler/decoders/utils"
)

type DecoderError struct {
	Err error
}

func (e *DecoderError) Error() string {
	return fmt.Sprintf("NetFlowLegacy %s", e.Err.Error())
}

func (e *DecoderError) Unwrap() error {
	return e.Err
}

func DecodeMessageVersion(payload *bytes.Buffer, packet *PacketNetFlowV5) error {
	var version uint16
	if err := utils.BinaryDecoder(payload, &version); err != nil {
		return &DecoderError{err}
	}
	packet.Version = version
	if packet.Version != 5 {
		return &DecoderError{fmt.Errorf("unknown version %d", version)}
	}
	return DecodeMessage(payload, packet)
}

func DecodeMessage(payload *bytes.Buffer, packet *PacketNetFlowV5) error {
	if err := utils.BinaryDecoder(payload,
		&packet.Count,
		&packet.SysUptime,
		&packet.UnixSecs,
		&packet.UnixNSecs,
		&packet.FlowSequence,
		&packet.EngineType,
		&packet.EngineId,
		&packet.SamplingInterval,
	); err != nil {
		return &DecoderError{err}
	}

	count := int(packet.Count)
	if available := payload.Len() / netflowV5RecordLen; count > available {
		count = available
	}
	packet.Records = make([]RecordsNetFlowV5, count)
	for i := range packet.Records {
		record := &packet.Records[i]
		if err := utils.BinaryDecoder(payload,
			&record.SrcAddr,
			&record.DstAddr,
			&record.NextHop,
			&record.Input,
			&record.Output,
			&record.DPkts,
			&record.DOctets,
			&record.First,
			&record.Last,
			&record.SrcPort,
			&record.DstPort,
			&record.Pad1,
			&record.TCPFlags,
			&record.Proto,
			&record.Tos,
			&record.SrcAS,
			&record.DstAS,
			&record.SrcMask,
			&record.DstMask,
			&record.Pad2,
		); err != nil {
			return &DecoderError{err}
		}
	}

	return nil
}
