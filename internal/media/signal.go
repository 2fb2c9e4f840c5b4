package media

import (
	"github.com/pkg/errors"

	"github.com/doublegate/wraith/internal/packet"
)

// Call signaling messages on the session's control stream.
type SignalKind byte

const (
	SignalOffer SignalKind = iota + 1
	SignalAnswer
	SignalReject
	SignalHangup
	SignalRinging
	SignalHold
	SignalResume
	SignalPing
	SignalPong

	SignalVideoOffer
	SignalVideoAccept
	SignalVideoReject
	SignalVideoEnable
	SignalVideoDisable
	SignalVideoSourceSwitch
	SignalKeyframeRequest
	SignalBandwidthUpdate
)

func (k SignalKind) String() string {
	names := map[SignalKind]string{
		SignalOffer:             "Offer",
		SignalAnswer:            "Answer",
		SignalReject:            "Reject",
		SignalHangup:            "Hangup",
		SignalRinging:           "Ringing",
		SignalHold:              "Hold",
		SignalResume:            "Resume",
		SignalPing:              "Ping",
		SignalPong:              "Pong",
		SignalVideoOffer:        "VideoOffer",
		SignalVideoAccept:       "VideoAccept",
		SignalVideoReject:       "VideoReject",
		SignalVideoEnable:       "VideoEnable",
		SignalVideoDisable:      "VideoDisable",
		SignalVideoSourceSwitch: "VideoSourceSwitch",
		SignalKeyframeRequest:   "KeyframeRequest",
		SignalBandwidthUpdate:   "BandwidthUpdate",
	}
	if n, ok := names[k]; ok {
		return n
	}
	return "Unknown"
}

// A Signal is one call-control message.
type Signal struct {
	Kind   SignalKind
	CallID [32]byte

	// SignalOffer / SignalAnswer / SignalVideoOffer
	CodecTag uint8
	Bitrate  uint32

	// Video negotiation riding the Offer, so the callee knows both paths
	// before ringing. Mid-call video uses SignalVideoOffer.
	HasVideo   bool
	VideoCodec uint8

	// SignalVideoSourceSwitch
	SourceID uint8

	// SignalBandwidthUpdate
	BandwidthBPS uint32

	// SignalPing / SignalPong
	Token uint32
}

var ErrMalformedSignal = errors.New("malformed call signal")

const signalSize = 1 + 32 + 1 + 4 + 1 + 1 + 1 + 4 + 4

func (s *Signal) Marshal() []byte {
	w := packet.NewWriterSize(signalSize)
	w.WriteByte(byte(s.Kind))
	w.WriteSlice(s.CallID[:])
	w.WriteByte(s.CodecTag)
	w.WriteUint32(s.Bitrate)
	if s.HasVideo {
		w.WriteByte(1)
	} else {
		w.WriteByte(0)
	}
	w.WriteByte(s.VideoCodec)
	w.WriteByte(s.SourceID)
	w.WriteUint32(s.BandwidthBPS)
	w.WriteUint32(s.Token)
	return w.Bytes()
}

func UnmarshalSignal(data []byte) (*Signal, error) {
	r := packet.NewReader(data)
	if err := r.CheckRemaining(signalSize); err != nil {
		return nil, errors.Wrap(ErrMalformedSignal, err.Error())
	}
	s := new(Signal)
	s.Kind = SignalKind(r.ReadByte())
	if s.Kind == 0 || s.Kind > SignalBandwidthUpdate {
		return nil, errors.Wrapf(ErrMalformedSignal, "kind %d", s.Kind)
	}
	copy(s.CallID[:], r.ReadSlice(32))
	s.CodecTag = r.ReadByte()
	s.Bitrate = r.ReadUint32()
	s.HasVideo = r.ReadByte() != 0
	s.VideoCodec = r.ReadByte()
	s.SourceID = r.ReadByte()
	s.BandwidthBPS = r.ReadUint32()
	s.Token = r.ReadUint32()
	return s, nil
}
