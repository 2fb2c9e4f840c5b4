// Package stun implements the subset of RFC 5389 needed by the NAT prober
// and the ICE agent: Binding requests/responses with the ICE extension
// attributes (PRIORITY, USE-CANDIDATE, ICE-CONTROLLING/ICE-CONTROLLED),
// MESSAGE-INTEGRITY, and FINGERPRINT.
package stun

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"net"
	"strings"

	"github.com/doublegate/wraith/internal/packet"
)

// A Message is one STUN message: a 20-byte header (type, length, magic
// cookie, 96-bit transaction ID) followed by TLV attributes padded to
// 4-byte boundaries.
type Message struct {
	// Length of the attribute section in bytes (excludes the header).
	Length uint16

	// Class, 2 bits: request / indication / success / error.
	Class uint16

	// Method, 12 bits; only Binding and Allocate are used here.
	Method uint16

	// TransactionID is 12 random bytes matching responses to requests.
	TransactionID string

	Attributes []*Attribute
}

// Message classes.
const (
	ClassRequest         = 0
	ClassIndication      = 1
	ClassSuccessResponse = 2
	ClassErrorResponse   = 3
)

// Methods.
const (
	MethodBinding  = 0x1
	MethodAllocate = 0x3 // TURN (RFC 5766)
)

const HeaderLength = 20
const MagicCookie = 0x2112A442

const transactionIDSize = 12

// The method's 12 bits interleave with the 2 class bits in the 14-bit type
// field: class bit 0 sits at bit 4, class bit 1 at bit 8, and the method
// bits fill the rest in order.
func packMessageType(class, method uint16) uint16 {
	return method&0x000f |
		(method&0x0070)<<1 |
		(method&0x0f80)<<2 |
		(class&0x1)<<4 |
		(class&0x2)<<7
}

func unpackMessageType(t uint16) (class, method uint16) {
	class = (t>>4)&0x1 | (t>>7)&0x2
	method = t&0x000f | (t>>1)&0x0070 | (t>>2)&0x0f80
	return
}

// Parse decodes a datagram. Returns (nil, nil) when the bytes are not STUN
// at all (wrong leading bits, cookie, or alignment), so demultiplexers can
// pass them on; an error means STUN framing that is internally broken.
func Parse(data []byte) (*Message, error) {
	if len(data) < HeaderLength {
		return nil, nil
	}
	r := packet.NewReader(data)

	messageType := r.ReadUint16()
	length := r.ReadUint16()
	if messageType>>14 != 0 || length%4 != 0 {
		return nil, nil
	}
	if r.ReadUint32() != MagicCookie {
		return nil, nil
	}

	msg := &Message{Length: length}
	msg.Class, msg.Method = unpackMessageType(messageType)
	msg.TransactionID = string(r.ReadSlice(transactionIDSize))

	if int(length) != r.Remaining() {
		return nil, fmt.Errorf("STUN length %d does not match %d attribute bytes", length, r.Remaining())
	}
	for r.Remaining() > 0 {
		attr, err := readAttribute(r)
		if err != nil {
			return msg, err
		}
		msg.Attributes = append(msg.Attributes, attr)
	}
	return msg, nil
}

// New constructs an empty message, generating a transaction ID if none is
// given.
func New(class, method uint16, transactionID string) *Message {
	if class > ClassErrorResponse {
		panic(fmt.Sprintf("invalid STUN class %#x", class))
	}
	if method >= 1<<12 {
		panic(fmt.Sprintf("invalid STUN method %#x", method))
	}
	if transactionID == "" {
		tid := make([]byte, transactionIDSize)
		rand.Read(tid)
		transactionID = string(tid)
	} else if len(transactionID) != transactionIDSize {
		panic("invalid STUN transaction ID")
	}
	return &Message{Class: class, Method: method, TransactionID: transactionID}
}

func NewBindingRequest(transactionID string) *Message {
	return New(ClassRequest, MethodBinding, transactionID)
}

func NewBindingIndication() *Message {
	msg := New(ClassIndication, MethodBinding, "")
	msg.AddFingerprint()
	return msg
}

// NewBindingResponse builds a Binding success response echoing the
// request's transaction ID and reflecting the sender's observed address.
func NewBindingResponse(transactionID string, raddr net.Addr, password string) *Message {
	msg := New(ClassSuccessResponse, MethodBinding, transactionID)
	msg.SetXorMappedAddress(raddr)
	if password != "" {
		msg.AddMessageIntegrity(password)
	}
	msg.AddFingerprint()
	return msg
}

// NewBindingError builds a Binding error response, e.g. the 487 Role
// Conflict answer of RFC 8445 §7.3.1.1.
func NewBindingError(transactionID string, code int, reason string) *Message {
	msg := New(ClassErrorResponse, MethodBinding, transactionID)
	msg.AddErrorCode(code, reason)
	msg.AddFingerprint()
	return msg
}

// Bytes serializes the message.
func (msg *Message) Bytes() []byte {
	w := packet.NewWriterSize(HeaderLength + int(msg.Length))
	msg.writeHeader(w, msg.Length)
	for _, attr := range msg.Attributes {
		writeAttribute(w, attr)
	}
	return w.Bytes()
}

func (msg *Message) writeHeader(w *packet.Writer, length uint16) {
	w.WriteUint16(packMessageType(msg.Class, msg.Method))
	w.WriteUint16(length)
	w.WriteUint32(MagicCookie)
	w.WriteString(msg.TransactionID)
}

func (msg *Message) String() string {
	b := new(strings.Builder)
	switch msg.Class {
	case ClassRequest:
		b.WriteString("STUN request")
	case ClassIndication:
		b.WriteString("STUN indication")
	case ClassSuccessResponse:
		b.WriteString("STUN success response")
	case ClassErrorResponse:
		b.WriteString("STUN error response")
	}
	if msg.Method != MethodBinding {
		fmt.Fprintf(b, ", method %x", msg.Method)
	}
	fmt.Fprintf(b, ", tid=%s", hex.EncodeToString([]byte(msg.TransactionID)))
	for _, attr := range msg.Attributes {
		switch attr.Type {
		case AttrMappedAddress:
			fmt.Fprintf(b, ", MAPPED-ADDRESS %s", attr.address(msg.TransactionID, false))
		case AttrXorMappedAddress:
			fmt.Fprintf(b, ", XOR-MAPPED-ADDRESS %s", attr.address(msg.TransactionID, true))
		case AttrXorRelayedAddress:
			fmt.Fprintf(b, ", XOR-RELAYED-ADDRESS %s", attr.address(msg.TransactionID, true))
		case AttrUsername:
			fmt.Fprintf(b, ", USERNAME %s", string(attr.Value))
		case AttrErrorCode:
			fmt.Fprintf(b, ", ERROR-CODE %d", msg.ErrorCode())
		case AttrUseCandidate:
			b.WriteString(", USE-CANDIDATE")
		case AttrIceControlled:
			b.WriteString(", ICE-CONTROLLED")
		case AttrIceControlling:
			b.WriteString(", ICE-CONTROLLING")
		case AttrPriority:
			fmt.Fprintf(b, ", PRIORITY %d", msg.Priority())
		case AttrSoftware, AttrFingerprint, AttrMessageIntegrity, AttrRealm, AttrNonce:
			// Not worth printing.
		default:
			fmt.Fprintf(b, ", unknown attribute %x", attr.Type)
		}
	}
	return b.String()
}
