package netflowlegacy

import (
	"bytes"
	"errors"
	"fmt"

	"github.com/netsampler/nf9reassembler/decoders/utils"
)

const (
	netflowV5HeaderLen = 24
	netflowV5RecordLen = 48
)

func (p *PacketNetFlowV5) MarshalBinary() ([]byte, error) {
	return EncodeMessage(p)
}

// EncodeMessage serializes a NetFlow v5 packet; Count defaults to the number of records.
func EncodeMessage(packet *PacketNetFlowV5) ([]byte, error) {
	if packet == nil {
		return nil, errors.New("netflowlegacy: nil packet")
	}

	version := packet.Version
	if version == 0 {
		version = 5
	}
	if version != 5 {
		return nil, fmt.Errorf("netflowlegacy: unsupported version %d", version)
	}

	count := packet.Count
	if count == 0 {
		count = uint16(len(packet.Records))
	}
	if int(count) != len(packet.Records) {
		return nil, fmt.Errorf("netflowlegacy: count mismatch header:%d records:%d", count, len(packet.Records))
	}

	buf := bytes.NewBuffer(make([]byte, 0, netflowV5HeaderLen+netflowV5RecordLen*len(packet.Records)))
	if err := utils.WriteFields(buf,
		version, count,
		packet.SysUptime, packet.UnixSecs, packet.UnixNSecs, packet.FlowSequence,
		packet.EngineType, packet.EngineId, packet.SamplingInterval,
	); err != nil {
		return nil, err
	}
	for _, r := range packet.Records {
		if err := utils.WriteFields(buf,
			r.SrcAddr, r.DstAddr, r.NextHop,
			r.Input, r.Output,
			r.DPkts, r.DOctets, r.First, r.Last,
			r.SrcPort, r.DstPort,
			r.Pad1, r.TCPFlags, r.Proto, r.Tos,
			r.SrcAS, r.DstAS,
			r.SrcMask, r.DstMask,
			r.Pad2,
		); err != nil {
			return nil, err
		}
	}
	return buf.Bytes(), nil
}
