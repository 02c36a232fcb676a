package rudp

import (
	"errors"
	"fmt"
	"net"
	"os"
	"time"

	"golang.org/x/net/ipv4"
)

// PacketConn is the datagram transport a Session runs on. *net.UDPConn
// satisfies it. ReadFrom must honour SetReadDeadline so that the dispatch
// loop can observe cancellation.
type PacketConn interface {
	ReadFrom(p []byte) (n int, addr net.Addr, err error)
	WriteTo(p []byte, addr net.Addr) (n int, err error)
	SetReadDeadline(t time.Time) error
	Close() error
}

// SocketBufferSize is the send and receive buffer ListenUDP asks the kernel
// for. Large buffers keep bursts of window traffic from being dropped locally.
const SocketBufferSize = 8 * 1024 * 1024

// ListenUDP binds a UDP socket on local ("host:port") and enlarges its
// kernel buffers. Buffer sizing failures are not fatal.
func ListenUDP(local string) (*net.UDPConn, error) {
	addr, err := net.ResolveUDPAddr("udp", local)
	if err != nil {
		return nil, WrapError(ErrInvalidConfiguration, "bad local address "+local, err)
	}
	conn, err := net.ListenUDP("udp", addr)
	if err != nil {
		return nil, WrapError(ErrIO, "bind "+local, err)
	}
	_ = conn.SetReadBuffer(SocketBufferSize)
	_ = conn.SetWriteBuffer(SocketBufferSize)
	return conn, nil
}

// SetTOS sets the IPv4 type-of-service byte of datagrams sent on conn.
// Sockets bound to an IPv6 address reject it.
func SetTOS(conn *net.UDPConn, tos int) error {
	if tos < 0 || tos > 0xff {
		return NewError(ErrInvalidConfiguration, fmt.Sprintf("type of service %d out of range", tos))
	}
	if err := ipv4.NewConn(conn).SetTOS(tos); err != nil {
		return WrapError(ErrIO, "set type of service", err)
	}
	return nil
}

// ResolvePeer resolves the peer address ("host:port").
func ResolvePeer(peer string) (*net.UDPAddr, error) {
	addr, err := net.ResolveUDPAddr("udp", peer)
	if err != nil {
		return nil, WrapError(ErrInvalidConfiguration, "bad peer address "+peer, err)
	}
	return addr, nil
}

// isTimeout reports whether err is a read deadline expiry.
func isTimeout(err error) bool {
	if errors.Is(err, os.ErrDeadlineExceeded) {
		return true
	}
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}

// sameAddr compares two addresses by network and textual form.
func sameAddr(a, b net.Addr) bool {
	if a == nil || b == nil {
		return false
	}
	return a.Network() == b.Network() && a.String() == b.String()
}
