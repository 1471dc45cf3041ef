package xiaozhi

import (
	"errors"
	"fmt"
	"net"
	"os"
	"strconv"
	"sync"
	"sync/atomic"
	"time"
)

// PacketConn is the unreliable transport association of one session.
type PacketConn interface {
	Send(packet []byte) error
	// Receive waits at most timeout for one datagram from the peer.
	Receive(buf []byte, timeout time.Duration) (int, error)
	Close() error
}

// Dialer opens an association to server:port.
type Dialer func(server string, port int) (PacketConn, error)

// DialUDP is the default Dialer.
func DialUDP(server string, port int) (PacketConn, error) {
	return dialUDP(server, port)
}

// udpAssociation is an unconnected UDP socket bound to one remote peer.
// Datagrams from any other source are discarded.
type udpAssociation struct {
	conn   *net.UDPConn
	remote *net.UDPAddr
	closed atomic.Bool
	once   sync.Once
}

func dialUDP(server string, port int) (*udpAssociation, error) {
	remote, err := net.ResolveUDPAddr("udp", net.JoinHostPort(server, strconv.Itoa(port)))
	if err != nil {
		return nil, fmt.Errorf("resolve udp %s:%d: %w", server, port, err)
	}
	network := "udp4"
	if remote.IP.To4() == nil {
		network = "udp6"
	}
	conn, err := net.ListenUDP(network, nil)
	if err != nil {
		return nil, fmt.Errorf("listen udp: %w", err)
	}
	return &udpAssociation{conn: conn, remote: remote}, nil
}

// LocalAddr returns the bound local address.
func (a *udpAssociation) LocalAddr() *net.UDPAddr {
	return a.conn.LocalAddr().(*net.UDPAddr)
}

func (a *udpAssociation) Send(packet []byte) error {
	if a.closed.Load() {
		return net.ErrClosed
	}
	_, err := a.conn.WriteToUDP(packet, a.remote)
	return err
}

func (a *udpAssociation) Receive(buf []byte, timeout time.Duration) (int, error) {
	deadline := time.Now().Add(timeout)
	for {
		if a.closed.Load() {
			return 0, net.ErrClosed
		}
		if err := a.conn.SetReadDeadline(deadline); err != nil {
			return 0, err
		}
		n, from, err := a.conn.ReadFromUDP(buf)
		if err != nil {
			if a.closed.Load() {
				return 0, net.ErrClosed
			}
			return 0, err
		}
		if !a.fromPeer(from) {
			continue
		}
		return n, nil
	}
}

func (a *udpAssociation) fromPeer(addr *net.UDPAddr) bool {
	return addr != nil && addr.Port == a.remote.Port && addr.IP.Equal(a.remote.IP)
}

// Close unblocks a pending Receive with an expired deadline and a
// zero-length datagram to the socket itself, then closes it.
func (a *udpAssociation) Close() error {
	var err error
	a.once.Do(func() {
		a.closed.Store(true)
		_ = a.conn.SetReadDeadline(time.Now())
		local := a.LocalAddr()
		loopback := net.IPv4(127, 0, 0, 1)
		if a.remote.IP.To4() == nil {
			loopback = net.IPv6loopback
		}
		_, _ = a.conn.WriteToUDP(nil, &net.UDPAddr{IP: loopback, Port: local.Port})
		err = a.conn.Close()
	})
	return err
}

func isTimeout(err error) bool {
	if errors.Is(err, os.ErrDeadlineExceeded) {
		return true
	}
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}
