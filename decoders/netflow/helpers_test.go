package netflow

import (
	"bytes"

	"github.com/netsampler/nf9reassembler/decoders/utils"
)

type testFlowSet struct {
	id   uint16
	body []byte
}

func buildTestPacket(sourceId uint32, flowSets ...testFlowSet) []byte {
	buf := &bytes.Buffer{}
	utils.WriteFields(buf, uint16(9), uint16(len(flowSets)), uint32(1000), uint32(1700000000), uint32(42), sourceId)
	for _, fs := range flowSets {
		utils.WriteFields(buf, fs.id, uint16(len(fs.body)+4), fs.body)
	}
	return buf.Bytes()
}

// template 256: in/out bytes counter (4) + protocol (1)
func buildTestTemplate(templateId uint16) []byte {
	buf := &bytes.Buffer{}
	utils.WriteFields(buf, templateId, uint16(2), uint16(1), uint16(4), uint16(4), uint16(1))
	return buf.Bytes()
}

func buildTestOptionsTemplate(templateId uint16) []byte {
	buf := &bytes.Buffer{}
	utils.WriteFields(buf, templateId, uint16(4), uint16(4), uint16(1), uint16(4), uint16(34), uint16(4))
	return buf.Bytes()
}
