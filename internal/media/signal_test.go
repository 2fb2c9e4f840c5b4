package media

import "testing"

func TestSignalRoundTrip(t *testing.T) {
	signals := []*Signal{
		{Kind: SignalOffer, CallID: [32]byte{1}, CodecTag: 1, Bitrate: 64_000, HasVideo: true, VideoCodec: 9},
		{Kind: SignalAnswer, CallID: [32]byte{2}, CodecTag: 1},
		{Kind: SignalVideoSourceSwitch, CallID: [32]byte{3}, SourceID: 2},
		{Kind: SignalBandwidthUpdate, CallID: [32]byte{4}, BandwidthBPS: 1_200_000},
		{Kind: SignalPing, CallID: [32]byte{5}, Token: 0xCAFE},
		{Kind: SignalKeyframeRequest, CallID: [32]byte{6}},
	}
	for _, s := range signals {
		got, err := UnmarshalSignal(s.Marshal())
		if err != nil {
			t.Fatalf("%s: %v", s.Kind, err)
		}
		if *got != *s {
			t.Errorf("%s: %+v != %+v", s.Kind, got, s)
		}
	}

	if _, err := UnmarshalSignal(nil); err == nil {
		t.Error("empty signal decoded")
	}
	bad := (&Signal{Kind: SignalOffer}).Marshal()
	bad[0] = 0xEE
	if _, err := UnmarshalSignal(bad); err == nil {
		t.Error("unknown kind decoded")
	}
}
