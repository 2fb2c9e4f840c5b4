package xdp

import (
	"bytes"
	"net/netip"
	"testing"
)

func TestEncapDecapRoundTrip(t *testing.T) {
	src := netip.MustParseAddrPort("192.0.2.10:7401")
	dst := netip.MustParseAddrPort("198.51.100.20:7401")
	srcMAC := [6]byte{0x02, 0, 0, 0, 0, 1}
	dstMAC := [6]byte{0x02, 0, 0, 0, 0, 2}
	payload := []byte("kernel bypass datagram")

	frame := make([]byte, 2048)
	n, err := encapUDP(frame, srcMAC, dstMAC, src, dst, payload)
	if err != nil {
		t.Fatal(err)
	}
	if n != encapOverhead+len(payload) {
		t.Errorf("frame length = %d", n)
	}

	got, from, to, ok := decapUDP(frame[:n])
	if !ok {
		t.Fatal("decap rejected our own frame")
	}
	if !bytes.Equal(got, payload) {
		t.Errorf("payload = %q", got)
	}
	if from != src || to != dst {
		t.Errorf("addresses = %s -> %s", from, to)
	}

	// The IP checksum must verify: summing the header including the
	// checksum field yields 0xffff complemented to zero.
	ip := frame[ethHeaderSize : ethHeaderSize+ipv4HeaderSize]
	if ipChecksum(ip) != 0 {
		t.Error("IP header checksum does not verify")
	}
}

func TestDecapRejectsNonUDP(t *testing.T) {
	src := netip.MustParseAddrPort("192.0.2.10:1")
	dst := netip.MustParseAddrPort("198.51.100.20:2")
	frame := make([]byte, 2048)
	n, err := encapUDP(frame, [6]byte{}, [6]byte{}, src, dst, []byte("x"))
	if err != nil {
		t.Fatal(err)
	}

	tcp := append([]byte(nil), frame[:n]...)
	tcp[ethHeaderSize+9] = 6 // protocol TCP
	if _, _, _, ok := decapUDP(tcp); ok {
		t.Error("TCP frame accepted")
	}

	arp := append([]byte(nil), frame[:n]...)
	arp[12], arp[13] = 0x08, 0x06 // EtherType ARP
	if _, _, _, ok := decapUDP(arp); ok {
		t.Error("ARP frame accepted")
	}

	if _, _, _, ok := decapUDP(frame[:10]); ok {
		t.Error("runt frame accepted")
	}
}

func TestEncapRejectsIPv6AndOversize(t *testing.T) {
	v6 := netip.MustParseAddrPort("[2001:db8::1]:1")
	v4 := netip.MustParseAddrPort("192.0.2.1:1")
	frame := make([]byte, 2048)
	if _, err := encapUDP(frame, [6]byte{}, [6]byte{}, v6, v4, nil); err == nil {
		t.Error("IPv6 source accepted")
	}
	if _, err := encapUDP(make([]byte, 10), [6]byte{}, [6]byte{}, v4, v4, []byte("toolong")); err == nil {
		t.Error("oversized payload accepted")
	}
}
