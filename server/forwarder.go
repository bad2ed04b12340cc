package server

import (
	"fmt"
	"net"
)

// Forwarder sends raw datagrams to a destination. Implementations make a
// single best-effort attempt and never retry.
type Forwarder interface {
	Relay(dst *net.UDPAddr, data []byte) error
}

// UDPForwarder relays datagrams through the resolver's own socket, so
// upstream responses come back to the listening port.
type UDPForwarder struct {
	conn net.PacketConn
}

// NewUDPForwarder returns a Forwarder writing to conn.
func NewUDPForwarder(conn net.PacketConn) *UDPForwarder {
	return &UDPForwarder{conn: conn}
}

// Relay sends data unmodified to dst.
func (f *UDPForwarder) Relay(dst *net.UDPAddr, data []byte) error {
	n, err := f.conn.WriteTo(data, dst)
	if err != nil {
		return err
	}
	if n != len(data) {
		return fmt.Errorf("short write to %s: %d of %d bytes", dst, n, len(data))
	}
	return nil
}
