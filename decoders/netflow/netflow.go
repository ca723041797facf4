package netflow

import (
	"bytes"
	"errors"
	"fmt"

	"github.com/netsampler/nf9reassembler/decoders/utils"
)

const (
	// HeaderSize is the size of the fixed NetFlow v9 header.
	HeaderSize = 20
	// FlowSetHeaderSize is the size of the id/length pair preceding each flow set.
	FlowSetHeaderSize = 4

	TemplateFlowSetId        = 0
	OptionsTemplateFlowSetId = 1
	MinDataFlowSetId         = 256
)

var (
	ErrMalformedPacket = errors.New("malformed packet")

	errShortFlowSet = errors.New("flowset shorter than its header")
)

type DecoderError struct {
	Decoder string
	Err     error
}

func (e *DecoderError) Error() string {
	return fmt.Sprintf("%s %s", e.Decoder, e.Err.Error())
}

func (e *DecoderError) Unwrap() error {
	return e.Err
}

type FlowError struct {
	Version     uint16
	Type        string
	ObsDomainId uint32
	TemplateId  uint16
	Err         error
}

func (e *FlowError) Error() string {
	return fmt.Sprintf("[version:%d type:%s obsDomainId:%v: templateId:%d] %s", e.Version, e.Type, e.ObsDomainId, e.TemplateId, e.Err.Error())
}

func (e *FlowError) Unwrap() error {
	return e.Err
}

func DecodeNFv9OptionsTemplateSet(payload *bytes.Buffer) ([]NFv9OptionsTemplateRecord, error) {
	var records []NFv9OptionsTemplateRecord
	for payload.Len() >= 6 {
		optsTemplateRecord := NFv9OptionsTemplateRecord{}
		if err := utils.BinaryDecoder(payload,
			&optsTemplateRecord.TemplateId,
			&optsTemplateRecord.ScopeLength,
			&optsTemplateRecord.OptionLength,
		); err != nil {
			return records, err
		}

		sizeScope := int(optsTemplateRecord.ScopeLength) / 4
		sizeOptions := int(optsTemplateRecord.OptionLength) / 4
		if payload.Len() < (sizeScope+sizeOptions)*4 {
			return records, fmt.Errorf("NFv9OptionsTemplateSet: fields overflow [%w]", ErrMalformedPacket)
		}

		fields := make([]Field, sizeScope)
		for i := 0; i < sizeScope; i++ {
			if err := DecodeField(payload, &fields[i]); err != nil {
				return records, fmt.Errorf("NFv9OptionsTemplateSet: scope:%d [%w]", i, err)
			}
		}
		optsTemplateRecord.Scopes = fields

		fields = make([]Field, sizeOptions)
		for i := 0; i < sizeOptions; i++ {
			if err := DecodeField(payload, &fields[i]); err != nil {
				return records, fmt.Errorf("NFv9OptionsTemplateSet: option:%d [%w]", i, err)
			}
		}
		optsTemplateRecord.Options = fields

		records = append(records, optsTemplateRecord)
	}

	return records, nil
}

func DecodeField(payload *bytes.Buffer, field *Field) error {
	return utils.BinaryDecoder(payload,
		&field.Type,
		&field.Length,
	)
}

func DecodeTemplateSet(payload *bytes.Buffer) ([]TemplateRecord, error) {
	var records []TemplateRecord
	for payload.Len() >= 4 {
		templateRecord := TemplateRecord{}
		if err := utils.BinaryDecoder(payload,
			&templateRecord.TemplateId,
			&templateRecord.FieldCount,
		); err != nil {
			return records, fmt.Errorf("TemplateSet: reading header [%w]", err)
		}

		if payload.Len() < int(templateRecord.FieldCount)*4 {
			return records, fmt.Errorf("TemplateSet: fields overflow [%w]", ErrMalformedPacket)
		}

		fields := make([]Field, int(templateRecord.FieldCount)) // max 65535 which would be 262KB
		for i := range fields {
			if err := DecodeField(payload, &fields[i]); err != nil {
				return records, fmt.Errorf("TemplateSet: reading field [%w]", err)
			}
		}
		templateRecord.Fields = fields
		records = append(records, templateRecord)
	}

	return records, nil
}

func GetTemplateSize(template []Field) int {
	sum := 0
	for _, templateField := range template {
		sum += int(templateField.Length)
	}
	return sum
}

func DecodeDataSetUsingFields(payload *bytes.Buffer, listFields []Field) []DataField {
	dataFields := make([]DataField, len(listFields))
	for i, templateField := range listFields {
		value := payload.Next(int(templateField.Length))
		dataFields[i] = DataField{
			Type:  templateField.Type,
			Value: value,
		}
	}
	return dataFields
}

func DecodeOptionsDataSet(payload *bytes.Buffer, listFieldsScopes, listFieldsOption []Field) ([]OptionsDataRecord, error) {
	var records []OptionsDataRecord

	recordSize := GetTemplateSize(listFieldsScopes) + GetTemplateSize(listFieldsOption)
	if recordSize == 0 {
		return records, fmt.Errorf("OptionsDataSet: empty template")
	}

	for payload.Len() >= recordSize {
		records = append(records, OptionsDataRecord{
			ScopesValues:  DecodeDataSetUsingFields(payload, listFieldsScopes),
			OptionsValues: DecodeDataSetUsingFields(payload, listFieldsOption),
		})
	}
	return records, nil
}

func DecodeDataSet(payload *bytes.Buffer, listFields []Field) ([]DataRecord, error) {
	var records []DataRecord

	listFieldsSize := GetTemplateSize(listFields)
	if listFieldsSize == 0 {
		return records, fmt.Errorf("DataSet: empty template")
	}
	for payload.Len() >= listFieldsSize {
		records = append(records, DataRecord{
			Values: DecodeDataSetUsingFields(payload, listFields),
		})
	}
	return records, nil
}

func DecodeMessageCommon(payload *bytes.Buffer, templates NetFlowTemplateSystem, obsDomainId uint32) (flowSets []interface{}, err error) {
	for payload.Len() >= FlowSetHeaderSize {
		flowSet, lerr := DecodeMessageCommonFlowSet(payload, templates, obsDomainId)
		if errors.Is(lerr, errShortFlowSet) {
			break
		}
		if lerr != nil && !errors.Is(lerr, ErrorTemplateNotFound) {
			return flowSets, lerr
		}
		if flowSet != nil {
			flowSets = append(flowSets, flowSet)
		}
		if lerr != nil {
			err = errors.Join(err, lerr)
		}
	}
	return flowSets, err
}

func DecodeMessageCommonFlowSet(payload *bytes.Buffer, templates NetFlowTemplateSystem, obsDomainId uint32) (flowSet interface{}, err error) {
	fsheader := FlowSetHeader{}
	if err := utils.BinaryDecoder(payload,
		&fsheader.Id,
		&fsheader.Length,
	); err != nil {
		return flowSet, fmt.Errorf("header [%w]", err)
	}

	nextrelpos := int(fsheader.Length) - FlowSetHeaderSize
	if nextrelpos < 0 {
		return flowSet, errShortFlowSet
	}
	if nextrelpos > payload.Len() {
		return flowSet, fmt.Errorf("flowset length %d overflows [%w]", fsheader.Length, ErrMalformedPacket)
	}
	body := payload.Next(nextrelpos)

	switch {
	case fsheader.Id == TemplateFlowSetId:
		records, err := DecodeTemplateSet(bytes.NewBuffer(body))
		if err != nil {
			return flowSet, &FlowError{9, "FlowSet", obsDomainId, fsheader.Id, err}
		}
		flowSet = TemplateFlowSet{
			FlowSetHeader: fsheader,
			Records:       records,
		}

		if templates != nil {
			for _, record := range records {
				if err := templates.AddTemplate(obsDomainId, record.TemplateId, record); err != nil {
					return flowSet, &FlowError{9, "FlowSet", obsDomainId, fsheader.Id, err}
				}
			}
		}

	case fsheader.Id == OptionsTemplateFlowSetId:
		records, err := DecodeNFv9OptionsTemplateSet(bytes.NewBuffer(body))
		if err != nil {
			return flowSet, &FlowError{9, "NetFlow OptionsTemplateSet", obsDomainId, fsheader.Id, err}
		}
		flowSet = NFv9OptionsTemplateFlowSet{
			FlowSetHeader: fsheader,
			Records:       records,
		}

		if templates != nil {
			for _, record := range records {
				if err := templates.AddTemplate(obsDomainId, record.TemplateId, record); err != nil {
					return flowSet, &FlowError{9, "OptionsTemplateSet", obsDomainId, fsheader.Id, err}
				}
			}
		}

	case fsheader.Id >= MinDataFlowSetId:
		flowSet = RawFlowSet{
			FlowSetHeader: fsheader,
			Records:       body,
		}

		if templates == nil {
			return flowSet, &FlowError{9, "Templates", obsDomainId, fsheader.Id, ErrorTemplateNotFound}
		}

		template, err := templates.GetTemplate(obsDomainId, fsheader.Id)
		if err != nil {
			return flowSet, &FlowError{9, "Decode", obsDomainId, fsheader.Id, err}
		}

		dataReader := bytes.NewBuffer(body)
		switch templatec := template.(type) {
		case TemplateRecord:
			records, err := DecodeDataSet(dataReader, templatec.Fields)
			if err != nil {
				return flowSet, &FlowError{9, "DataSet", obsDomainId, fsheader.Id, err}
			}
			flowSet = DataFlowSet{
				FlowSetHeader: fsheader,
				Records:       records,
			}
		case NFv9OptionsTemplateRecord:
			records, err := DecodeOptionsDataSet(dataReader, templatec.Scopes, templatec.Options)
			if err != nil {
				return flowSet, &FlowError{9, "OptionDataSet", obsDomainId, fsheader.Id, err}
			}
			flowSet = OptionsDataFlowSet{
				FlowSetHeader: fsheader,
				Records:       records,
			}
		}

	default:
		// reserved flow set IDs are skipped, same as the shallow parser
		return nil, nil
	}
	return flowSet, nil
}

func decodeHeader(payload *bytes.Buffer, header *NFv9Header) error {
	if payload.Len() < HeaderSize-2 {
		return fmt.Errorf("header needs %d bytes [%w]", HeaderSize, ErrMalformedPacket)
	}
	return utils.BinaryDecoder(payload,
		&header.Count,
		&header.SystemUptime,
		&header.UnixSeconds,
		&header.SequenceNumber,
		&header.SourceId,
	)
}

// DecodeMessageNetFlow decodes a NetFlow v9 packet whose version field was already consumed.
func DecodeMessageNetFlow(payload *bytes.Buffer, templates NetFlowTemplateSystem, packetNFv9 *NFv9Packet) error {
	packetNFv9.Version = 9
	if err := decodeHeader(payload, &packetNFv9.NFv9Header); err != nil {
		return &DecoderError{"NetFlowV9 header", err}
	}
	flowSets, err := DecodeMessageCommon(payload, templates, packetNFv9.SourceId)
	packetNFv9.FlowSets = flowSets
	if err != nil {
		return &DecoderError{"NetFlowV9", err}
	}
	return nil
}

// DecodeMessageVersion reads the version and decodes a NetFlow v9 packet
// using (and updating) the supplied template system.
func DecodeMessageVersion(payload *bytes.Buffer, templates NetFlowTemplateSystem, packetNFv9 *NFv9Packet) error {
	var version uint16

	if err := utils.BinaryDecoder(payload,
		&version,
	); err != nil {
		return &DecoderError{"NetFlowV9 version", err}
	}

	if version == 9 {
		return DecodeMessageNetFlow(payload, templates, packetNFv9)
	}
	return &DecoderError{"NetFlowV9", fmt.Errorf("unknown version %d", version)}
}

// DecodeMessageOrdered fully decodes a NetFlow v9 packet against the raw
// templates carried next to it. Templates defined inside the packet itself are
// also honored.
func DecodeMessageOrdered(payload []byte, templates, optionTemplates map[uint16][]byte) (*NFv9Packet, error) {
	if len(payload) < HeaderSize {
		return nil, &DecoderError{"NetFlowV9 header", ErrMalformedPacket}
	}
	buf := bytes.NewBuffer(payload)
	var version uint16
	if err := utils.BinaryDecoder(buf, &version); err != nil {
		return nil, &DecoderError{"NetFlowV9 version", err}
	}
	if version != 9 {
		return nil, &DecoderError{"NetFlowV9", fmt.Errorf("unknown version %d", version)}
	}

	packet := &NFv9Packet{}
	packet.Version = version
	if err := decodeHeader(buf, &packet.NFv9Header); err != nil {
		return nil, &DecoderError{"NetFlowV9 header", err}
	}

	ts, err := CreateTemplateSystemFromRaw(packet.SourceId, templates, optionTemplates)
	if err != nil {
		return nil, &DecoderError{"NetFlowV9 templates", err}
	}

	flowSets, err := DecodeMessageCommon(buf, ts, packet.SourceId)
	packet.FlowSets = flowSets
	if err != nil {
		return packet, &DecoderError{"NetFlowV9", err}
	}
	return packet, nil
}
