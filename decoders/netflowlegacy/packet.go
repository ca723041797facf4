package netflowlegacy

type PacketNetFlowV5 struct {
	Version          uint16             `json:"version"`
	Count            uint16             `json:"count"`
	SysUptime        uint32             `json:"sys-uptime"`
	UnixSecs         uint32             `json:"unix-secs"`
	UnixNSecs        uint32             `json:"unix-nsecs"`
	FlowSequence     uint32             `json:"flow-sequence"`
	EngineType       uint8              `json:"engine-type"`
	EngineId         uint8              `json:"engine-id"`
	SamplingInterval uint16             `json:"sampling-interval"`
	Records          []RecordsNetFlowV5 `json:"records"`
}

type RecordsNetFlowV5 struct {
	SrcAddr  uint32
	DstAddr  uint32
	NextHop  uint32
	Input    uint16
	Output   uint16
	DPkts    uint32
	DOctets  uint32
	First    uint32
	Last     uint32
	SrcPort  uint16
	DstPort  uint16
	Pad1     byte
	TCPFlags uint8
	Proto    uint8
	Tos      uint8
	SrcAS    uint16
	DstAS    uint16
	SrcMask  uint8
	DstMask  uint8
	Pad2     uint16
}
