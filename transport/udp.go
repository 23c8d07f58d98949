package transport

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/netip"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"
)

const (
	// udpQueueLength is how many received datagrams wait for RecvFrom
	// before new ones are dropped.
	udpQueueLength = 512
	readTimeout    = 100 * time.Millisecond
)

// UDPSocket is a UDP socket with a non-blocking receive side. A reader
// goroutine drains the kernel socket into a bounded queue that RecvFrom
// polls.
type UDPSocket struct {
	conn      *net.UDPConn
	localAddr netip.AddrPort
	queue     chan datagram
	dropped   atomic.Uint64
	ctx       context.Context
	cancel    context.CancelFunc
	wg        sync.WaitGroup
	closeOnce sync.Once
}

// ListenUDP binds a UDP socket to listenAddr, for example ":28000".
func ListenUDP(listenAddr string) (*UDPSocket, error) {
	pc, err := net.ListenPacket("udp", listenAddr)
	if err != nil {
		return nil, fmt.Errorf("listen %s: %w", listenAddr, err)
	}
	conn, ok := pc.(*net.UDPConn)
	if !ok {
		pc.Close()
		return nil, fmt.Errorf("listen %s: not a UDP socket", listenAddr)
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &UDPSocket{
		conn:      conn,
		localAddr: conn.LocalAddr().(*net.UDPAddr).AddrPort(),
		queue:     make(chan datagram, udpQueueLength),
		ctx:       ctx,
		cancel:    cancel,
	}
	s.wg.Add(1)
	go s.processPackets()

	logrus.WithFields(logrus.Fields{
		"function": "ListenUDP",
		"address":  s.localAddr.String(),
	}).Info("UDP socket bound")
	return s, nil
}

// SendTo writes one datagram.
func (s *UDPSocket) SendTo(addr netip.AddrPort, data []byte) error {
	if s.ctx.Err() != nil {
		return ErrClosed
	}
	_, err := s.conn.WriteToUDPAddrPort(data, addr)
	return err
}

// RecvFrom implements Socket.
func (s *UDPSocket) RecvFrom(buf []byte) (int, netip.AddrPort, error) {
	select {
	case d, ok := <-s.queue:
		if !ok {
			return 0, netip.AddrPort{}, ErrClosed
		}
		return copy(buf, d.data), d.from, nil
	default:
		if s.ctx.Err() != nil {
			return 0, netip.AddrPort{}, ErrClosed
		}
		return 0, netip.AddrPort{}, ErrWouldBlock
	}
}

// LocalAddr returns the bound address.
func (s *UDPSocket) LocalAddr() netip.AddrPort { return s.localAddr }

// Dropped returns the number of datagrams discarded because the receive
// queue was full.
func (s *UDPSocket) Dropped() uint64 { return s.dropped.Load() }

// Close stops the reader and releases the socket.
func (s *UDPSocket) Close() error {
	var err error
	s.closeOnce.Do(func() {
		s.cancel()
		err = s.conn.Close()
		s.wg.Wait()
		close(s.queue)
	})
	return err
}

// processPackets moves datagrams from the kernel into the queue until the
// socket is closed.
func (s *UDPSocket) processPackets() {
	defer s.wg.Done()
	buffer := make([]byte, ReceiveBufferSize+1)

	for {
		select {
		case <-s.ctx.Done():
			return
		default:
			s.processIncomingPacket(buffer)
		}
	}
}

func (s *UDPSocket) processIncomingPacket(buffer []byte) {
	_ = s.conn.SetReadDeadline(time.Now().Add(readTimeout))
	n, addr, err := s.conn.ReadFromUDPAddrPort(buffer)
	if err != nil {
		s.handleReadError(err)
		return
	}
	if n > ReceiveBufferSize {
		logrus.WithFields(logrus.Fields{
			"function": "processIncomingPacket",
			"from":     addr.String(),
		}).Debug("Oversized datagram discarded")
		return
	}

	d := datagram{from: addr, data: append([]byte(nil), buffer[:n]...)}
	select {
	case s.queue <- d:
	default:
		s.dropped.Add(1)
	}
}

func (s *UDPSocket) handleReadError(err error) {
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return
	}
	if s.ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
		return
	}
	logrus.WithFields(logrus.Fields{
		"function": "handleReadError",
		"address":  s.localAddr.String(),
		"error":    err.Error(),
	}).Warn("UDP read failed")
}
