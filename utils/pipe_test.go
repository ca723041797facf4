package utils

import (
	"encoding"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/netsampler/nf9reassembler/decoders/ordered"
)

type capturedFormat struct {
	messages []*ReassembledMessage
}

func (f *capturedFormat) Format(data interface{}) ([]byte, []byte, error) {
	msg := data.(*ReassembledMessage)
	f.messages = append(f.messages, msg)
	text, err := data.(encoding.BinaryMarshaler).MarshalBinary()
	return msg.Key(), text, err
}

type capturedTransport struct {
	keys [][]byte
	data [][]byte
	err  error
}

func (t *capturedTransport) Send(key, data []byte) error {
	if t.err != nil {
		return t.err
	}
	t.keys = append(t.keys, key)
	t.data = append(t.data, data)
	return nil
}

func newTestPipe(t *testing.T) (*ReassemblyPipe, *capturedFormat, *capturedTransport) {
	f := &capturedFormat{}
	tr := &capturedTransport{}
	p := NewReassemblyPipe(&PipeConfig{
		Aggregator: newTestAggregator(t, AggregatorConfig{}),
		Format:     f,
		Transport:  tr,
	})
	t.Cleanup(p.Close)
	return p, f, tr
}

func TestReassemblyPipe(t *testing.T) {
	p, f, tr := newTestPipe(t)

	data := nfv9Packet(1, nfv9FlowSet(256, []byte{0, 0, 0, 1, 6}))
	require.NoError(t, p.DecodeFlow(&Message{Src: exporterE, Payload: data, Received: time.Now()}))
	assert.Empty(t, tr.data, "buffered packets are not sent")

	require.NoError(t, p.DecodeFlow(&Message{Src: exporterE, Payload: nfv9Packet(1, nfv9FlowSet(0, nfv9Template(256)))}))
	require.Len(t, tr.data, 1)
	require.Len(t, f.messages, 1)
	assert.Equal(t, OutcomeReady, f.messages[0].Outcome)
	assert.Equal(t, 1, f.messages[0].Released)
	assert.Equal(t, exporterE, f.messages[0].Sender())
	assert.Equal(t, []byte{203, 0, 113, 5}, tr.keys[0])
	assert.Equal(t, ordered.MarkerOrdered, tr.data[0][0])

	require.NoError(t, p.DecodeFlow(&Message{Src: exporterE, Payload: []byte{0, 10, 0, 0}}))
	require.Len(t, tr.data, 2)
	assert.Equal(t, []byte{ordered.MarkerPassthrough, 0, 10, 0, 0}, tr.data[1])
	assert.Equal(t, tr.data[1], f.messages[1].Framed())
}

func TestReassemblyPipeErrors(t *testing.T) {
	p, _, tr := newTestPipe(t)

	assert.Error(t, p.DecodeFlow("not a message"))

	tr.err = errors.New("unreachable")
	err := p.DecodeFlow(&Message{Src: exporterE, Payload: []byte{0, 5}})
	var pErr *PipeMessageError
	require.ErrorAs(t, err, &pErr)
	assert.Equal(t, exporterE, pErr.Message.Src)
	assert.ErrorIs(t, err, tr.err)
}

func TestReassemblyPipeWithoutOutput(t *testing.T) {
	p := NewReassemblyPipe(&PipeConfig{})
	assert.NoError(t, p.DecodeFlow(&Message{Src: exporterE, Payload: []byte{0, 9}}))

	var _ FlowPipe = p
}
