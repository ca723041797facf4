package metrics

import (
	"errors"
	"fmt"
	"time"

	"github.com/netsampler/nf9reassembler/decoders/netflow"
	"github.com/netsampler/nf9reassembler/decoders/ordered"
	"github.com/netsampler/nf9reassembler/format"
	"github.com/netsampler/nf9reassembler/transport"
	"github.com/netsampler/nf9reassembler/utils"
	"github.com/netsampler/nf9reassembler/utils/debug"

	"github.com/prometheus/client_golang/prometheus"
)

func errorLabel(err error) string {
	switch {
	case errors.Is(err, debug.ErrPanic):
		return "panic"
	case errors.Is(err, netflow.ErrorTemplateNotFound):
		return "template_not_found"
	case errors.Is(err, netflow.ErrMalformedPacket), errors.Is(err, ordered.ErrMalformedContainer):
		return "malformed"
	case errors.Is(err, ordered.ErrUnsupportedVersion):
		return "unsupported_version"
	case errors.Is(err, format.ErrFormat):
		return "format"
	case errors.Is(err, transport.ErrTransport):
		return "transport"
	}
	return "error_decoding"
}

// PromDecoderWrapper records traffic, timing and errors of a decoding function.
func PromDecoderWrapper(wrapped utils.DecoderFunc, name string) utils.DecoderFunc {
	return func(msg interface{}) error {
		pkt, ok := msg.(*utils.Message)
		if !ok {
			return fmt.Errorf("flow is not *Message")
		}
		remote := pkt.Src.Addr().Unmap().String()
		labels := prometheus.Labels{
			"remote_ip":  remote,
			"local_ip":   pkt.Dst.Addr().Unmap().String(),
			"local_port": fmt.Sprintf("%d", pkt.Dst.Port()),
			"type":       name,
		}
		size := len(pkt.Payload)

		MetricTrafficBytes.With(labels).Add(float64(size))
		MetricTrafficPackets.With(labels).Inc()
		MetricPacketSizeSum.With(labels).Observe(float64(size))

		timeTrackStart := time.Now().UTC()

		err := wrapped(msg)

		DecoderTime.With(
			prometheus.Labels{
				"name": name,
			}).
			Observe(float64(time.Since(timeTrackStart).Nanoseconds()) / 1000)

		if err != nil {
			DecoderErrors.With(
				prometheus.Labels{
					"router": remote,
					"name":   name,
					"error":  errorLabel(err),
				}).
				Inc()
		}
		return err
	}
}
