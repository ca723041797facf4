package utils

import (
	"errors"
	"fmt"
	"net"
	"net/netip"
	"sync"
	"time"

	reuseport "github.com/libp2p/go-reuseport"
)

// DecoderFunc processes one received message, typically a *Message.
type DecoderFunc func(msg interface{}) error

// ReceiverCallback is notified of packets that could not be queued.
type ReceiverCallback interface {
	Dropped(msg Message)
}

// Message is a received datagram. Payload is only valid during the DecoderFunc call.
type Message struct {
	Src      netip.AddrPort
	Dst      netip.AddrPort
	Payload  []byte
	Received time.Time
}

type udpPacket struct {
	src      *net.UDPAddr
	dst      *net.UDPAddr
	size     int
	payload  []byte
	received time.Time
}

var packetPool = sync.Pool{
	New: func() any {
		return &udpPacket{
			payload: make([]byte, 9000),
		}
	},
}

// unmap turns IPv4-mapped IPv6 sources from dual-stack sockets into IPv4.
func unmap(addr netip.AddrPort) netip.AddrPort {
	return netip.AddrPortFrom(addr.Addr().Unmap(), addr.Port())
}

func (pkt *udpPacket) message() Message {
	return Message{
		Src:      unmap(pkt.src.AddrPort()),
		Dst:      pkt.dst.AddrPort(),
		Payload:  pkt.payload[0:pkt.size],
		Received: pkt.received,
	}
}

type UDPReceiver struct {
	q        chan bool
	wg       *sync.WaitGroup
	dispatch chan *udpPacket
	errCh    chan error

	sockets  int
	workers  int
	blocking bool

	cb ReceiverCallback
}

type UDPReceiverConfig struct {
	Sockets   int
	Workers   int
	QueueSize int
	Blocking  bool

	ReceiverCallback ReceiverCallback
}

func NewUDPReceiver(cfg *UDPReceiverConfig) (*UDPReceiver, error) {
	r := &UDPReceiver{
		q:       make(chan bool),
		wg:      &sync.WaitGroup{},
		errCh:   make(chan error, 64),
		sockets: 2,
		workers: 2,
	}

	dispatchSize := 1000000
	if cfg != nil {
		if cfg.Sockets > 0 {
			r.sockets = cfg.Sockets
		}
		if cfg.Workers > 0 {
			r.workers = cfg.Workers
		}
		if cfg.QueueSize >= 0 {
			dispatchSize = cfg.QueueSize
		}
		r.blocking = cfg.Blocking
		r.cb = cfg.ReceiverCallback
	}
	if dispatchSize == 0 && !r.blocking {
		return nil, fmt.Errorf("non-blocking receiver needs a queue")
	}

	r.dispatch = make(chan *udpPacket, dispatchSize)

	return r, nil
}

// Errors returns decoding and socket errors. Errors are dropped when nobody reads them.
func (r *UDPReceiver) Errors() <-chan error {
	return r.errCh
}

func (r *UDPReceiver) sendError(err error) {
	select {
	case r.errCh <- err:
	default:
	}
}

func (r *UDPReceiver) receive(addr string, port int, started chan error) error {
	pconn, err := reuseport.ListenPacket("udp", net.JoinHostPort(addr, fmt.Sprintf("%d", port)))
	started <- err
	if err != nil {
		return err
	}

	q := make(chan bool)
	// function to quit
	go func() {
		select {
		case <-q: // if routine has exited before
		case <-r.q: // upon general close
		}
		pconn.Close()
	}()
	defer close(q)

	udpconn, ok := pconn.(*net.UDPConn)
	if !ok {
		return fmt.Errorf("listener is not a UDP socket")
	}
	localAddr, _ := udpconn.LocalAddr().(*net.UDPAddr)

	for {
		pkt := packetPool.Get().(*udpPacket)
		pkt.size, pkt.src, err = udpconn.ReadFromUDP(pkt.payload)
		if err != nil {
			packetPool.Put(pkt)
			return err
		}
		pkt.dst = localAddr
		pkt.received = time.Now().UTC()
		if pkt.size == 0 {
			packetPool.Put(pkt)
			continue
		}

		if r.blocking {
			select {
			case r.dispatch <- pkt:
			case <-r.q:
				return nil
			}
		} else {
			select {
			case r.dispatch <- pkt:
			case <-r.q:
				return nil
			default:
				if r.cb != nil {
					r.cb.Dropped(pkt.message())
				}
				packetPool.Put(pkt)
			}
		}
	}
}

func (r *UDPReceiver) decoders(workers int, decodeFunc DecoderFunc) {
	for i := 0; i < workers; i++ {
		r.wg.Add(1)
		go func() {
			defer r.wg.Done()
			for {
				select {
				case pkt := <-r.dispatch:
					if pkt == nil {
						return
					}
					if decodeFunc != nil {
						msg := pkt.message()
						if err := decodeFunc(&msg); err != nil {
							r.sendError(err)
						}
					}
					packetPool.Put(pkt)
				case <-r.q:
					return
				}
			}
		}()
	}
}

func (r *UDPReceiver) receivers(sockets int, addr string, port int) error {
	for i := 0; i < sockets; i++ {
		r.wg.Add(1)
		started := make(chan error, 1)
		go func() {
			defer r.wg.Done()
			if err := r.receive(addr, port, started); err != nil && !errors.Is(err, net.ErrClosed) {
				r.sendError(fmt.Errorf("receiver: %w", err))
			}
		}()
		if err := <-started; err != nil {
			return err
		}
	}
	return nil
}

// Start listens on addr:port with the configured number of sockets and
// hands every datagram to decodeFunc from the worker routines.
func (r *UDPReceiver) Start(addr string, port int, decodeFunc DecoderFunc) error {
	select {
	case <-r.q:
		return fmt.Errorf("receiver is stopped")
	default:
	}
	r.decoders(r.workers, decodeFunc)
	if err := r.receivers(r.sockets, addr, port); err != nil {
		r.Stop()
		return err
	}
	return nil
}

// Stop closes the sockets and waits for the workers to return.
func (r *UDPReceiver) Stop() error {
	select {
	case <-r.q:
		return nil
	default:
		close(r.q)
	}
	r.wg.Wait()
	return nil
}
