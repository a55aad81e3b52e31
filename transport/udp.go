// SPDX-FileCopyrightText: © 2024 rollback contributors
// SPDX-License-Identifier: AGPL-3.0-only

package transport

import (
	"errors"
	"net"
	"time"

	"github.com/synctide/rollback/wire"
)

// maxDatagramSize bounds a single read; compressed input batches plus
// header and connection-status vector comfortably fit well under this.
const maxDatagramSize = 4096

// UDPAddr adapts *net.UDPAddr to the Addr interface.
type UDPAddr struct {
	*net.UDPAddr
}

// UDPSocket is the reference Socket implementation: a plain UDP socket
// drained non-blockingly by setting an already-elapsed read deadline
// before every read attempt, the same trick used by the UDP connection
// read loops in the retrieval pack's other peer-to-peer examples.
// Hosts that embed this library in an environment with its own
// datagram transport (a game engine's netcode layer, an in-process
// test harness) implement Socket directly instead.
type UDPSocket struct {
	conn *net.UDPConn
}

// NewUDPSocket binds a UDP socket at localAddr (host:port, or
// ":0" for an ephemeral port).
func NewUDPSocket(localAddr string) (*UDPSocket, error) {
	addr, err := net.ResolveUDPAddr("udp", localAddr)
	if err != nil {
		return nil, err
	}
	conn, err := net.ListenUDP("udp", addr)
	if err != nil {
		return nil, err
	}
	return &UDPSocket{conn: conn}, nil
}

// LocalAddr returns the socket's bound address.
func (s *UDPSocket) LocalAddr() *net.UDPAddr {
	return s.conn.LocalAddr().(*net.UDPAddr)
}

// Close releases the underlying UDP socket.
func (s *UDPSocket) Close() error {
	return s.conn.Close()
}

// SendTo implements Socket. Marshal/send errors are dropped silently,
// consistent with treating the transport as unreliable (spec.md §7).
func (s *UDPSocket) SendTo(msg *wire.Message, addr Addr) {
	udpAddr, ok := addr.(*UDPAddr)
	if !ok {
		return
	}
	data, err := msg.Marshal()
	if err != nil {
		return
	}
	_, _ = s.conn.WriteToUDP(data, udpAddr.UDPAddr)
}

// ReceiveAll implements Socket. It drains every datagram currently
// queued on the socket without blocking; malformed datagrams are
// dropped rather than surfaced, per spec.md §7.
func (s *UDPSocket) ReceiveAll() []Packet {
	var packets []Packet
	buf := make([]byte, maxDatagramSize)

	for {
		if err := s.conn.SetReadDeadline(time.Now()); err != nil {
			break
		}
		n, from, err := s.conn.ReadFromUDP(buf)
		if err != nil {
			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Timeout() {
				break
			}
			break
		}

		msg, err := wire.Unmarshal(buf[:n])
		if err != nil {
			continue
		}
		packets = append(packets, Packet{From: &UDPAddr{UDPAddr: from}, Msg: msg})
	}

	return packets
}
