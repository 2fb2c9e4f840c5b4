package xdp

import (
	"encoding/binary"
	"net/netip"

	"github.com/pkg/errors"
)

// Ethernet/IPv4/UDP encapsulation for the kernel-bypass path. The socket
// deals in raw frames, so the transport adapter builds and parses the full
// headers itself.

const (
	ethHeaderSize  = 14
	ipv4HeaderSize = 20
	udpHeaderSize  = 8
	encapOverhead  = ethHeaderSize + ipv4HeaderSize + udpHeaderSize

	etherTypeIPv4 = 0x0800
	protoUDP      = 17
)

// encapUDP writes an Ethernet+IPv4+UDP frame around payload into buf and
// returns the total length.
func encapUDP(buf []byte, srcMAC, dstMAC [6]byte, src, dst netip.AddrPort, payload []byte) (int, error) {
	total := encapOverhead + len(payload)
	if len(buf) < total {
		return 0, errors.Errorf("frame too small: %d < %d", len(buf), total)
	}
	if !src.Addr().Is4() || !dst.Addr().Is4() {
		return 0, errors.New("AF_XDP encapsulation is IPv4-only")
	}

	// Ethernet.
	copy(buf[0:6], dstMAC[:])
	copy(buf[6:12], srcMAC[:])
	binary.BigEndian.PutUint16(buf[12:14], etherTypeIPv4)

	// IPv4.
	ip := buf[ethHeaderSize:]
	ip[0] = 0x45 // version 4, IHL 5
	ip[1] = 0
	binary.BigEndian.PutUint16(ip[2:4], uint16(ipv4HeaderSize+udpHeaderSize+len(payload)))
	binary.BigEndian.PutUint16(ip[4:6], 0)      // identification
	binary.BigEndian.PutUint16(ip[6:8], 0x4000) // don't fragment
	ip[8] = 64                                  // TTL
	ip[9] = protoUDP
	binary.BigEndian.PutUint16(ip[10:12], 0) // checksum below
	srcIP := src.Addr().As4()
	dstIP := dst.Addr().As4()
	copy(ip[12:16], srcIP[:])
	copy(ip[16:20], dstIP[:])
	binary.BigEndian.PutUint16(ip[10:12], ipChecksum(ip[:ipv4HeaderSize]))

	// UDP. Checksum zero is legal for IPv4.
	udp := ip[ipv4HeaderSize:]
	binary.BigEndian.PutUint16(udp[0:2], src.Port())
	binary.BigEndian.PutUint16(udp[2:4], dst.Port())
	binary.BigEndian.PutUint16(udp[4:6], uint16(udpHeaderSize+len(payload)))
	binary.BigEndian.PutUint16(udp[6:8], 0)

	copy(udp[udpHeaderSize:], payload)
	return total, nil
}

// decapUDP parses a received frame, returning the payload and the sender.
// Non-UDP/IPv4 frames return ok=false and should be released back to the
// fill ring.
func decapUDP(frame []byte) (payload []byte, from netip.AddrPort, to netip.AddrPort, ok bool) {
	if len(frame) < encapOverhead {
		return nil, from, to, false
	}
	if binary.BigEndian.Uint16(frame[12:14]) != etherTypeIPv4 {
		return nil, from, to, false
	}
	ip := frame[ethHeaderSize:]
	if ip[0]>>4 != 4 {
		return nil, from, to, false
	}
	ihl := int(ip[0]&0x0f) * 4
	if ihl < ipv4HeaderSize || len(ip) < ihl+udpHeaderSize {
		return nil, from, to, false
	}
	if ip[9] != protoUDP {
		return nil, from, to, false
	}

	srcIP := netip.AddrFrom4([4]byte(ip[12:16]))
	dstIP := netip.AddrFrom4([4]byte(ip[16:20]))

	udp := ip[ihl:]
	srcPort := binary.BigEndian.Uint16(udp[0:2])
	dstPort := binary.BigEndian.Uint16(udp[2:4])
	udpLen := int(binary.BigEndian.Uint16(udp[4:6]))
	if udpLen < udpHeaderSize || len(udp) < udpLen {
		return nil, from, to, false
	}

	return udp[udpHeaderSize:udpLen],
		netip.AddrPortFrom(srcIP, srcPort),
		netip.AddrPortFrom(dstIP, dstPort),
		true
}

// ipChecksum is the RFC 1071 header checksum.
func ipChecksum(hdr []byte) uint16 {
	var sum uint32
	for i := 0; i+1 < len(hdr); i += 2 {
		sum += uint32(binary.BigEndian.Uint16(hdr[i : i+2]))
	}
	for sum>>16 != 0 {
		sum = sum&0xffff + sum>>16
	}
	return ^uint16(sum)
}
