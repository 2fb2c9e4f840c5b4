package stun

import (
	"crypto/hmac"
	"crypto/sha1"
	"encoding/binary"
	"fmt"
	"hash/crc32"
	"net"

	"github.com/doublegate/wraith/internal/packet"
)

// An Attribute is one TLV entry. Values are padded to 4-byte boundaries on
// the wire; Value holds the unpadded bytes.
type Attribute struct {
	Type  uint16
	Value []byte
}

// Attribute types used by this stack (RFC 5389, RFC 8445, RFC 5766).
const (
	AttrMappedAddress      = 0x0001
	AttrUsername           = 0x0006
	AttrMessageIntegrity   = 0x0008
	AttrErrorCode          = 0x0009
	AttrUnknownAttributes  = 0x000A
	AttrRealm              = 0x0014
	AttrNonce              = 0x0015
	AttrXorRelayedAddress  = 0x0016
	AttrRequestedTransport = 0x0019
	AttrXorMappedAddress   = 0x0020
	AttrPriority           = 0x0024
	AttrUseCandidate       = 0x0025
	AttrSoftware           = 0x8022
	AttrFingerprint        = 0x8028
	AttrIceControlled      = 0x8029
	AttrIceControlling     = 0x802A
)

// ErrorRoleConflict is the ERROR-CODE number for RFC 8445 §7.3.1.1.
const ErrorRoleConflict = 487

// ErrorUnauthorized is the long-term-credential challenge of RFC 5389 §10.2.
const ErrorUnauthorized = 401

// padding bytes needed after an attribute value of length n.
func padding(n int) int {
	if r := n % 4; r != 0 {
		return 4 - r
	}
	return 0
}

// wireSize is an attribute's full on-wire footprint.
func (attr *Attribute) wireSize() int {
	return 4 + len(attr.Value) + padding(len(attr.Value))
}

func readAttribute(r *packet.Reader) (*Attribute, error) {
	if err := r.CheckRemaining(4); err != nil {
		return nil, fmt.Errorf("truncated STUN attribute: %v", err)
	}
	attr := &Attribute{Type: r.ReadUint16()}
	length := int(r.ReadUint16())
	if err := r.CheckRemaining(length); err != nil {
		return nil, fmt.Errorf("STUN attribute %#x overruns message: %v", attr.Type, err)
	}
	attr.Value = append([]byte(nil), r.ReadSlice(length)...)
	pad := padding(length)
	if r.Remaining() < pad {
		return nil, fmt.Errorf("STUN attribute %#x missing padding", attr.Type)
	}
	r.Skip(pad)
	return attr, nil
}

func writeAttribute(w *packet.Writer, attr *Attribute) {
	w.WriteUint16(attr.Type)
	w.WriteUint16(uint16(len(attr.Value)))
	w.WriteSlice(attr.Value)
	w.ZeroPad(padding(len(attr.Value)))
}

// AddAttribute appends a raw attribute and accounts for its wire size.
func (msg *Message) AddAttribute(t uint16, v []byte) *Attribute {
	attr := &Attribute{Type: t, Value: append([]byte(nil), v...)}
	msg.Attributes = append(msg.Attributes, attr)
	msg.Length += uint16(attr.wireSize())
	return attr
}

func (msg *Message) find(t uint16) *Attribute {
	for _, attr := range msg.Attributes {
		if attr.Type == t {
			return attr
		}
	}
	return nil
}

// ---------------------------------------------------------------------------
// Addresses

// MappedAddress returns the XOR-MAPPED-ADDRESS if present, else the plain
// MAPPED-ADDRESS, else nil.
func (msg *Message) MappedAddress() *net.UDPAddr {
	if attr := msg.find(AttrXorMappedAddress); attr != nil {
		return attr.address(msg.TransactionID, true)
	}
	if attr := msg.find(AttrMappedAddress); attr != nil {
		return attr.address(msg.TransactionID, false)
	}
	return nil
}

// RelayedAddress returns the XOR-RELAYED-ADDRESS of a TURN Allocate
// response, or nil.
func (msg *Message) RelayedAddress() *net.UDPAddr {
	if attr := msg.find(AttrXorRelayedAddress); attr != nil {
		return attr.address(msg.TransactionID, true)
	}
	return nil
}

// Address attribute layout: zero byte, family (1=v4, 2=v6), port, IP. The
// XOR variants mask port and IP with the magic cookie (and, for v6, the
// transaction ID).
func (attr *Attribute) address(transactionID string, xored bool) *net.UDPAddr {
	v := attr.Value
	if len(v) < 8 {
		return nil
	}
	var ipLen int
	switch v[1] {
	case 1:
		ipLen = net.IPv4len
	case 2:
		ipLen = net.IPv6len
	default:
		return nil
	}
	if len(v) < 4+ipLen {
		return nil
	}

	addr := &net.UDPAddr{
		Port: int(binary.BigEndian.Uint16(v[2:4])),
		IP:   append(net.IP(nil), v[4:4+ipLen]...),
	}
	if xored {
		addr.Port ^= MagicCookie >> 16
		mask := make([]byte, 4+transactionIDSize)
		binary.BigEndian.PutUint32(mask, MagicCookie)
		copy(mask[4:], transactionID)
		for i := range addr.IP {
			addr.IP[i] ^= mask[i]
		}
	}
	return addr
}

// SetXorMappedAddress reflects the sender's observed address.
func (msg *Message) SetXorMappedAddress(addr net.Addr) {
	var ip net.IP
	var port int
	switch a := addr.(type) {
	case *net.UDPAddr:
		ip, port = a.IP, a.Port
	case *net.TCPAddr:
		ip, port = a.IP, a.Port
	default:
		return
	}

	family := byte(2)
	if ip4 := ip.To4(); ip4 != nil {
		ip = ip4
		family = 1
	} else {
		ip = ip.To16()
	}

	v := make([]byte, 4+len(ip))
	v[1] = family
	binary.BigEndian.PutUint16(v[2:4], uint16(port)^uint16(MagicCookie>>16))
	mask := make([]byte, 4+transactionIDSize)
	binary.BigEndian.PutUint32(mask, MagicCookie)
	copy(mask[4:], msg.TransactionID)
	for i := range ip {
		v[4+i] = ip[i] ^ mask[i]
	}
	msg.AddAttribute(AttrXorMappedAddress, v)
}

// ---------------------------------------------------------------------------
// Integrity and fingerprint

// digestInput serializes the header and the first n attributes, with the
// header length adjusted as if the message ended after `covers` further
// wire bytes. Both MESSAGE-INTEGRITY and FINGERPRINT hash this shape.
func (msg *Message) digestInput(n int, covers int) []byte {
	size := HeaderLength
	for _, attr := range msg.Attributes[:n] {
		size += attr.wireSize()
	}
	w := packet.NewWriterSize(size)
	msg.writeHeader(w, uint16(size-HeaderLength+covers))
	for _, attr := range msg.Attributes[:n] {
		writeAttribute(w, attr)
	}
	return w.Bytes()
}

// integritySize is the wire size of a MESSAGE-INTEGRITY attribute.
const integritySize = 4 + sha1.Size

// AddMessageIntegrity appends MESSAGE-INTEGRITY: HMAC-SHA1 over everything
// before it, with the header length covering the attribute itself
// (RFC 5389 §15.4). Short-term credentials key the HMAC with the password
// directly.
func (msg *Message) AddMessageIntegrity(password string) {
	msg.AddMessageIntegrityKey([]byte(password))
}

// AddMessageIntegrityKey is the long-term-credential form, keyed with
// MD5(user:realm:password) per RFC 5389 §15.4.
func (msg *Message) AddMessageIntegrityKey(key []byte) {
	mac := hmac.New(sha1.New, key)
	mac.Write(msg.digestInput(len(msg.Attributes), integritySize))
	msg.AddAttribute(AttrMessageIntegrity, mac.Sum(nil))
}

// VerifyMessageIntegrity recomputes the HMAC over the message up to the
// MESSAGE-INTEGRITY attribute and compares. Attributes after it (i.e.
// FINGERPRINT) are excluded per RFC 5389.
func (msg *Message) VerifyMessageIntegrity(password string) bool {
	return msg.VerifyMessageIntegrityKey([]byte(password))
}

func (msg *Message) VerifyMessageIntegrityKey(key []byte) bool {
	for i, attr := range msg.Attributes {
		if attr.Type != AttrMessageIntegrity {
			continue
		}
		if len(attr.Value) != sha1.Size {
			return false
		}
		mac := hmac.New(sha1.New, key)
		mac.Write(msg.digestInput(i, integritySize))
		return hmac.Equal(mac.Sum(nil), attr.Value)
	}
	return false
}

// AddFingerprint appends FINGERPRINT: CRC-32 of the preceding bytes XORed
// with "STUN" (RFC 5389 §15.5).
func (msg *Message) AddFingerprint() {
	const fingerprintSize = 4 + 4
	crc := crc32.ChecksumIEEE(msg.digestInput(len(msg.Attributes), fingerprintSize))
	v := make([]byte, 4)
	binary.BigEndian.PutUint32(v, crc^0x5354554e)
	msg.AddAttribute(AttrFingerprint, v)
}

// ---------------------------------------------------------------------------
// ICE and TURN attributes

func (msg *Message) AddPriority(p uint32) {
	v := make([]byte, 4)
	binary.BigEndian.PutUint32(v, p)
	msg.AddAttribute(AttrPriority, v)
}

func (msg *Message) Priority() uint32 {
	if attr := msg.find(AttrPriority); attr != nil && len(attr.Value) == 4 {
		return binary.BigEndian.Uint32(attr.Value)
	}
	return 0
}

func (msg *Message) AddUsername(username string) {
	msg.AddAttribute(AttrUsername, []byte(username))
}

func (msg *Message) Username() string {
	if attr := msg.find(AttrUsername); attr != nil {
		return string(attr.Value)
	}
	return ""
}

// AddControlling attaches ICE-CONTROLLING with the agent's tie-breaker.
func (msg *Message) AddControlling(tieBreaker uint64) {
	v := make([]byte, 8)
	binary.BigEndian.PutUint64(v, tieBreaker)
	msg.AddAttribute(AttrIceControlling, v)
}

// AddControlled attaches ICE-CONTROLLED with the agent's tie-breaker.
func (msg *Message) AddControlled(tieBreaker uint64) {
	v := make([]byte, 8)
	binary.BigEndian.PutUint64(v, tieBreaker)
	msg.AddAttribute(AttrIceControlled, v)
}

// Controlling returns (tieBreaker, true) if ICE-CONTROLLING is present.
func (msg *Message) Controlling() (uint64, bool) {
	if attr := msg.find(AttrIceControlling); attr != nil && len(attr.Value) == 8 {
		return binary.BigEndian.Uint64(attr.Value), true
	}
	return 0, false
}

// Controlled returns (tieBreaker, true) if ICE-CONTROLLED is present.
func (msg *Message) Controlled() (uint64, bool) {
	if attr := msg.find(AttrIceControlled); attr != nil && len(attr.Value) == 8 {
		return binary.BigEndian.Uint64(attr.Value), true
	}
	return 0, false
}

func (msg *Message) AddUseCandidate() {
	msg.AddAttribute(AttrUseCandidate, nil)
}

func (msg *Message) HasUseCandidate() bool {
	return msg.find(AttrUseCandidate) != nil
}

// AddErrorCode attaches ERROR-CODE: two reserved bytes, class, number,
// then the reason phrase.
func (msg *Message) AddErrorCode(code int, reason string) {
	v := make([]byte, 4+len(reason))
	v[2] = byte(code / 100)
	v[3] = byte(code % 100)
	copy(v[4:], reason)
	msg.AddAttribute(AttrErrorCode, v)
}

// ErrorCode returns the ERROR-CODE number, or 0 if absent.
func (msg *Message) ErrorCode() int {
	if attr := msg.find(AttrErrorCode); attr != nil && len(attr.Value) >= 4 {
		return int(attr.Value[2])*100 + int(attr.Value[3])
	}
	return 0
}

// AddRequestedTransport asks a TURN server for a UDP allocation.
func (msg *Message) AddRequestedTransport() {
	msg.AddAttribute(AttrRequestedTransport, []byte{17, 0, 0, 0}) // protocol 17 = UDP
}

// Realm and Nonce carry the long-term-credential challenge state.
func (msg *Message) Realm() string {
	if attr := msg.find(AttrRealm); attr != nil {
		return string(attr.Value)
	}
	return ""
}

func (msg *Message) Nonce() []byte {
	if attr := msg.find(AttrNonce); attr != nil {
		return attr.Value
	}
	return nil
}

func (msg *Message) AddRealm(realm string) {
	msg.AddAttribute(AttrRealm, []byte(realm))
}

func (msg *Message) AddNonce(nonce []byte) {
	msg.AddAttribute(AttrNonce, nonce)
}
