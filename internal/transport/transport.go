// Package transport owns the UDP sockets. Each bound socket gets a stable
// local socket ID; the switch addresses sends by (socket ID, remote) and
// every received datagram is tagged with the socket it arrived on.
package transport

import (
	"errors"
	"fmt"
	"net"
	"net/netip"
	"sync"

	"golang.org/x/net/ipv4"
	"golang.org/x/net/ipv6"

	"firestige.xyz/weft/internal/log"
)

var ErrNoSocket = errors.New("weft: no usable local socket")

// Receiver consumes one received datagram. The data slice is owned by the
// receiver.
type Receiver func(localSocket int64, from netip.AddrPort, data []byte)

// SocketSet is the set of bound UDP sockets.
type SocketSet struct {
	mu      sync.Mutex
	sockets []*socket
	closed  bool
	wg      sync.WaitGroup
}

type socket struct {
	id   int64
	conn *net.UDPConn
	v6   bool
}

// Listen binds one UDP socket per address. Sockets get IDs 1..n in
// listen order.
func Listen(addrs []string) (*SocketSet, error) {
	set := &SocketSet{}
	for _, a := range addrs {
		udpAddr, err := net.ResolveUDPAddr("udp", a)
		if err != nil {
			set.Close()
			return nil, fmt.Errorf("invalid listen address %q: %w", a, err)
		}
		conn, err := net.ListenUDP("udp", udpAddr)
		if err != nil {
			set.Close()
			return nil, fmt.Errorf("failed to bind %q: %w", a, err)
		}
		v6 := udpAddr.IP == nil || udpAddr.IP.To4() == nil
		// Raise the hop limit on overlay sockets; relayed traffic should
		// not die early inside carrier networks.
		if v6 {
			if pc := ipv6.NewPacketConn(conn); pc != nil {
				_ = pc.SetHopLimit(64)
			}
		} else {
			if pc := ipv4.NewPacketConn(conn); pc != nil {
				_ = pc.SetTTL(64)
			}
		}
		set.sockets = append(set.sockets, &socket{id: int64(len(set.sockets) + 1), conn: conn, v6: v6})
		log.GetLogger().Infof("listening on %s (socket %d)", conn.LocalAddr(), len(set.sockets))
	}
	if len(set.sockets) == 0 {
		return nil, ErrNoSocket
	}
	return set, nil
}

// Run starts one read loop per socket, handing datagrams to recv until
// Close.
func (s *SocketSet) Run(recv Receiver) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, sk := range s.sockets {
		s.wg.Add(1)
		go s.readLoop(sk, recv)
	}
}

func (s *SocketSet) readLoop(sk *socket, recv Receiver) {
	defer s.wg.Done()
	buf := make([]byte, 65536)
	for {
		n, from, err := sk.conn.ReadFromUDPAddrPort(buf)
		if err != nil {
			s.mu.Lock()
			closed := s.closed
			s.mu.Unlock()
			if closed {
				return
			}
			log.GetLogger().WithError(err).Warnf("read error on socket %d", sk.id)
			continue
		}
		data := make([]byte, n)
		copy(data, buf[:n])
		recv(sk.id, from, data)
	}
}

// Send writes one datagram. localSocket <= 0 picks the first socket whose
// address family matches the destination.
func (s *SocketSet) Send(localSocket int64, remote netip.AddrPort, data []byte) error {
	sk := s.pick(localSocket, remote)
	if sk == nil {
		return ErrNoSocket
	}
	_, err := sk.conn.WriteToUDPAddrPort(data, remote)
	return err
}

func (s *SocketSet) pick(localSocket int64, remote netip.AddrPort) *socket {
	s.mu.Lock()
	defer s.mu.Unlock()
	if localSocket > 0 && int(localSocket) <= len(s.sockets) {
		return s.sockets[localSocket-1]
	}
	wantV6 := remote.Addr().Is6() && !remote.Addr().Is4In6()
	for _, sk := range s.sockets {
		if sk.v6 == wantV6 {
			return sk
		}
	}
	if len(s.sockets) > 0 {
		return s.sockets[0]
	}
	return nil
}

// Close shuts every socket and waits for the read loops.
func (s *SocketSet) Close() error {
	s.mu.Lock()
	s.closed = true
	socks := s.sockets
	s.mu.Unlock()
	for _, sk := range socks {
		sk.conn.Close()
	}
	s.wg.Wait()
	return nil
}
