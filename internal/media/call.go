package media

import (
	"context"
	"crypto/rand"
	"sync"
	"time"

	"github.com/pkg/errors"

	"github.com/doublegate/wraith/internal/peer"
)

// CallState is the per-call state machine.
type CallState int

const (
	CallInitiating CallState = iota
	CallRinging
	CallIncoming
	CallConnected
	CallOnHold
	CallReconnecting
	CallEnded
)

func (s CallState) String() string {
	switch s {
	case CallInitiating:
		return "initiating"
	case CallRinging:
		return "ringing"
	case CallIncoming:
		return "incoming"
	case CallConnected:
		return "connected"
	case CallOnHold:
		return "on_hold"
	case CallReconnecting:
		return "reconnecting"
	case CallEnded:
		return "ended"
	default:
		return "?"
	}
}

// Direction of call establishment.
type CallDirection int

const (
	Outgoing CallDirection = iota
	Incoming
)

// AudioConfig and VideoConfig select codecs and rates.
type AudioConfig struct {
	CodecTag uint8
	Bitrate  uint32
}

type VideoConfig struct {
	CodecTag   uint8
	Resolution Resolution
}

// CallStats aggregates the per-call counters.
type CallStats struct {
	FramesSent     uint64
	FramesReceived uint64
	FramesDropped  uint64
	KeyframeReqs   uint64
	LastRTT        time.Duration
}

// A Call is one voice/video call with a peer.
type Call struct {
	ID        [32]byte
	PeerID    peer.ID
	Direction CallDirection

	mu    sync.Mutex
	state CallState

	Audio AudioConfig
	Video *VideoConfig

	stats CallStats

	// Sequence counters, monotonic per direction.
	sendSeq uint32

	jitter *JitterBuffer
	abr    *BitrateController

	encoder FrameEncoder
	decoder FrameDecoder
	source  Source
	sink    Sink

	// Video path codec contexts, present only when video is negotiated.
	videoEncoder FrameEncoder
	videoDecoder FrameDecoder
	videoEnabled bool

	// Device switches flow to the capture loop here; the loop reopens its
	// source without touching the session.
	sourceSwitch chan Source

	muted bool

	captureLoop  *singletonLoop
	playbackLoop *singletonLoop

	answered chan struct{} // closed when Answer/Reject arrives

	// Closed when the peer's VideoAccept/VideoReject arrives; rejected
	// downgrades the call to audio-only before connecting.
	videoAnswered chan struct{}
	videoRejected bool

	ended   chan struct{}
	endOnce sync.Once
}

func (c *Call) State() CallState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *Call) setState(s CallState) {
	c.mu.Lock()
	c.state = s
	c.mu.Unlock()
	log.Debug("Call %x: %s", c.ID[:4], s)
}

// Stats returns a copy of the call counters.
func (c *Call) Stats() CallStats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stats
}

// SetMuted pauses encoding; the capture cadence continues.
func (c *Call) SetMuted(muted bool) {
	c.mu.Lock()
	c.muted = muted
	c.mu.Unlock()
}

// VideoReady reports whether the video path has its codec contexts built.
func (c *Call) VideoReady() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.videoEncoder != nil && c.videoDecoder != nil
}

// answerVideo resolves the video negotiation exactly once.
func (c *Call) answerVideo(rejected bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	select {
	case <-c.videoAnswered:
	default:
		c.videoRejected = rejected
		close(c.videoAnswered)
	}
}

func (c *Call) setVideoEnabled(enabled bool) {
	c.mu.Lock()
	c.videoEnabled = enabled
	c.mu.Unlock()
}

// ---------------------------------------------------------------------------

// A Channel carries one peer's control and media streams.
type Channel interface {
	SendControl(payload []byte) error
	SendMedia(payload []byte) error
	RecvControl(ctx context.Context) ([]byte, error)
	RecvMedia(ctx context.Context) ([]byte, error)
}

// CodecSuite supplies codec and device implementations; the application
// wires its bindings in here.
type CodecSuite struct {
	NewEncoder func(codecTag uint8, res Resolution) (FrameEncoder, error)
	NewDecoder func(codecTag uint8) (FrameDecoder, error)
	NewSource  func(sourceID uint8) (Source, error)
	NewSink    func() (Sink, error)
}

// The Manager drives the calls of one peer channel: signaling, the capture
// and playback loops, and adaptation.
type Manager struct {
	peerID peer.ID
	ch     Channel
	codecs CodecSuite

	mu    sync.Mutex
	calls map[[32]byte]*Call

	// IncomingCalls announces inbound offers awaiting Accept/Reject.
	IncomingCalls chan *Call

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewManager(peerID peer.ID, ch Channel, codecs CodecSuite) *Manager {
	ctx, cancel := context.WithCancel(context.Background())
	return &Manager{
		peerID:        peerID,
		ch:            ch,
		codecs:        codecs,
		calls:         make(map[[32]byte]*Call),
		IncomingCalls: make(chan *Call, 4),
		ctx:           ctx,
		cancel:        cancel,
	}
}

// Start launches the control and media dispatch loops.
func (m *Manager) Start() {
	m.wg.Add(2)
	go m.controlLoop()
	go m.mediaLoop()
}

// Close hangs up every call and stops the loops.
func (m *Manager) Close() {
	m.mu.Lock()
	calls := make([]*Call, 0, len(m.calls))
	for _, c := range m.calls {
		calls = append(calls, c)
	}
	m.mu.Unlock()
	for _, c := range calls {
		m.Hangup(c.ID)
	}
	m.cancel()
	m.wg.Wait()
}

// Lookup returns a call by ID.
func (m *Manager) Lookup(id [32]byte) (*Call, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if c, ok := m.calls[id]; ok {
		return c, nil
	}
	return nil, ErrCallNotFound
}

// ---------------------------------------------------------------------------
// Outgoing calls

// StartCall sends an Offer (carrying the video request, if any) and waits
// for the peer's verdict. On Answer — and the video verdict when video was
// offered — the codec contexts are built and the loops start; only then is
// the call Connected.
func (m *Manager) StartCall(ctx context.Context, audio AudioConfig, video *VideoConfig) (*Call, error) {
	c := m.newCall(Outgoing, audio, video)

	offer := &Signal{Kind: SignalOffer, CallID: c.ID, CodecTag: audio.CodecTag, Bitrate: audio.Bitrate}
	if video != nil {
		offer.HasVideo = true
		offer.VideoCodec = video.CodecTag
	}
	if err := m.ch.SendControl(offer.Marshal()); err != nil {
		m.dropCall(c)
		return nil, err
	}

	select {
	case <-c.answered:
	case <-ctx.Done():
		m.Hangup(c.ID)
		return nil, ctx.Err()
	case <-m.ctx.Done():
		return nil, errors.New("manager closed")
	}
	if c.State() == CallEnded {
		return nil, errors.Wrap(ErrInvalidCallState, "call rejected")
	}

	if video != nil {
		// The video path needs the peer's VideoAccept before its codec
		// contexts may be built. A peer that never answers downgrades the
		// call to audio-only.
		select {
		case <-c.videoAnswered:
		case <-time.After(5 * time.Second):
			c.answerVideo(true)
		case <-ctx.Done():
			m.Hangup(c.ID)
			return nil, ctx.Err()
		case <-c.ended:
			return nil, errors.Wrap(ErrInvalidCallState, "call ended during video negotiation")
		case <-m.ctx.Done():
			return nil, errors.New("manager closed")
		}
		c.mu.Lock()
		rejected := c.videoRejected
		if rejected {
			c.Video = nil
			c.videoEnabled = false
		}
		c.mu.Unlock()
		if rejected {
			log.Info("Call %x: video declined, continuing audio-only", c.ID[:4])
		}
	}

	if err := m.connect(c); err != nil {
		m.Hangup(c.ID)
		return nil, err
	}
	return c, nil
}

// Accept answers an incoming call.
func (m *Manager) Accept(id [32]byte) (*Call, error) {
	c, err := m.Lookup(id)
	if err != nil {
		return nil, err
	}
	if c.State() != CallIncoming {
		return nil, ErrInvalidCallState
	}
	answer := &Signal{Kind: SignalAnswer, CallID: c.ID, CodecTag: c.Audio.CodecTag}
	if err := m.ch.SendControl(answer.Marshal()); err != nil {
		return nil, err
	}
	if c.Video != nil {
		va := &Signal{Kind: SignalVideoAccept, CallID: c.ID, CodecTag: c.Video.CodecTag}
		if err := m.ch.SendControl(va.Marshal()); err != nil {
			return nil, err
		}
	}
	if err := m.connect(c); err != nil {
		m.Hangup(c.ID)
		return nil, err
	}
	return c, nil
}

// Reject declines an incoming call.
func (m *Manager) Reject(id [32]byte) error {
	c, err := m.Lookup(id)
	if err != nil {
		return err
	}
	m.ch.SendControl((&Signal{Kind: SignalReject, CallID: c.ID}).Marshal())
	m.endCall(c)
	return nil
}

// Hangup terminates a call in any state.
func (m *Manager) Hangup(id [32]byte) error {
	c, err := m.Lookup(id)
	if err != nil {
		return err
	}
	m.ch.SendControl((&Signal{Kind: SignalHangup, CallID: c.ID}).Marshal())
	m.endCall(c)
	return nil
}

// Hold pauses media; Resume continues it.
func (m *Manager) Hold(id [32]byte) error {
	c, err := m.Lookup(id)
	if err != nil {
		return err
	}
	if c.State() != CallConnected {
		return ErrInvalidCallState
	}
	m.ch.SendControl((&Signal{Kind: SignalHold, CallID: c.ID}).Marshal())
	c.setState(CallOnHold)
	return nil
}

func (m *Manager) Resume(id [32]byte) error {
	c, err := m.Lookup(id)
	if err != nil {
		return err
	}
	if c.State() != CallOnHold {
		return ErrInvalidCallState
	}
	m.ch.SendControl((&Signal{Kind: SignalResume, CallID: c.ID}).Marshal())
	c.setState(CallConnected)
	return nil
}

// SetVideoEnabled toggles the video path mid-call and tells the peer.
func (m *Manager) SetVideoEnabled(id [32]byte, enabled bool) error {
	c, err := m.Lookup(id)
	if err != nil {
		return err
	}
	if !c.VideoReady() {
		return errors.Wrap(ErrInvalidCallState, "no video path negotiated")
	}
	kind := SignalVideoDisable
	if enabled {
		kind = SignalVideoEnable
	}
	if err := m.ch.SendControl((&Signal{Kind: kind, CallID: c.ID}).Marshal()); err != nil {
		return err
	}
	c.setVideoEnabled(enabled)
	return nil
}

// SwitchSource changes the capture device mid-call. The capture loop
// reopens its source; the session is untouched.
func (m *Manager) SwitchSource(id [32]byte, sourceID uint8) error {
	c, err := m.Lookup(id)
	if err != nil {
		return err
	}
	if m.codecs.NewSource == nil {
		return errors.Wrap(ErrCodec, "no source factory")
	}
	src, err := m.codecs.NewSource(sourceID)
	if err != nil {
		return errors.Wrap(ErrCodec, err.Error())
	}
	m.ch.SendControl((&Signal{Kind: SignalVideoSourceSwitch, CallID: c.ID, SourceID: sourceID}).Marshal())
	select {
	case c.sourceSwitch <- src:
		return nil
	case <-c.ended:
		src.Close()
		return ErrInvalidCallState
	}
}

// ---------------------------------------------------------------------------

func (m *Manager) newCall(dir CallDirection, audio AudioConfig, video *VideoConfig) *Call {
	c := &Call{
		PeerID:        m.peerID,
		Direction:     dir,
		state:         CallInitiating,
		Audio:         audio,
		Video:         video,
		jitter:        NewJitterBuffer(defaultJitterCapacity, defaultTargetDepth),
		abr:           NewBitrateController(DefaultBitrateControllerConfig(), ResHD),
		sourceSwitch:  make(chan Source, 1),
		answered:      make(chan struct{}),
		videoAnswered: make(chan struct{}),
		ended:         make(chan struct{}),
	}
	if video != nil {
		c.videoEnabled = true
	}
	rand.Read(c.ID[:])
	if dir == Incoming {
		c.state = CallIncoming
	}
	m.mu.Lock()
	m.calls[c.ID] = c
	m.mu.Unlock()
	return c
}

func (m *Manager) dropCall(c *Call) {
	m.mu.Lock()
	delete(m.calls, c.ID)
	m.mu.Unlock()
}

// connect builds the codec contexts and starts the loops. The Connected
// state is entered only once the audio path — and the video path, when
// video was negotiated — has its contexts ready.
func (m *Manager) connect(c *Call) error {
	if m.codecs.NewEncoder == nil || m.codecs.NewDecoder == nil {
		return errors.Wrap(ErrCodec, "no codec factories")
	}

	var built []interface{ Close() error }
	abort := func(err error) error {
		for _, closer := range built {
			closer.Close()
		}
		return errors.Wrap(ErrCodec, err.Error())
	}

	enc, err := m.codecs.NewEncoder(c.Audio.CodecTag, c.abr.CurrentResolution())
	if err != nil {
		return abort(err)
	}
	built = append(built, enc)
	dec, err := m.codecs.NewDecoder(c.Audio.CodecTag)
	if err != nil {
		return abort(err)
	}
	built = append(built, dec)

	var videoEnc FrameEncoder
	var videoDec FrameDecoder
	c.mu.Lock()
	video := c.Video
	c.mu.Unlock()
	if video != nil {
		if videoEnc, err = m.codecs.NewEncoder(video.CodecTag, video.Resolution); err != nil {
			return abort(err)
		}
		built = append(built, videoEnc)
		if videoDec, err = m.codecs.NewDecoder(video.CodecTag); err != nil {
			return abort(err)
		}
		built = append(built, videoDec)
	}

	var src Source
	if m.codecs.NewSource != nil {
		if src, err = m.codecs.NewSource(0); err != nil {
			return abort(err)
		}
		built = append(built, src)
	}
	var sink Sink
	if m.codecs.NewSink != nil {
		if sink, err = m.codecs.NewSink(); err != nil {
			return abort(err)
		}
	}

	c.mu.Lock()
	c.encoder, c.decoder, c.source, c.sink = enc, dec, src, sink
	c.videoEncoder, c.videoDecoder = videoEnc, videoDec
	c.mu.Unlock()

	c.captureLoop = newSingletonLoop(func(quit <-chan struct{}) { m.runCapture(c, quit) })
	c.playbackLoop = newSingletonLoop(func(quit <-chan struct{}) { m.runPlayback(c, quit) })
	c.captureLoop.start()
	c.playbackLoop.start()

	c.setState(CallConnected)
	return nil
}

// buildVideo attaches video codec contexts to an already-connected call
// (mid-call video offer).
func (m *Manager) buildVideo(c *Call, video *VideoConfig) error {
	videoEnc, err := m.codecs.NewEncoder(video.CodecTag, video.Resolution)
	if err != nil {
		return errors.Wrap(ErrCodec, err.Error())
	}
	videoDec, err := m.codecs.NewDecoder(video.CodecTag)
	if err != nil {
		videoEnc.Close()
		return errors.Wrap(ErrCodec, err.Error())
	}
	c.mu.Lock()
	c.Video = video
	c.videoEncoder, c.videoDecoder = videoEnc, videoDec
	c.videoEnabled = true
	c.mu.Unlock()
	return nil
}

func (m *Manager) endCall(c *Call) {
	c.endOnce.Do(func() {
		close(c.ended)
		c.setState(CallEnded)
		if c.captureLoop != nil {
			c.captureLoop.stop()
		}
		if c.playbackLoop != nil {
			c.playbackLoop.stop()
		}
		c.mu.Lock()
		if c.encoder != nil {
			c.encoder.Close()
		}
		if c.decoder != nil {
			c.decoder.Close()
		}
		if c.videoEncoder != nil {
			c.videoEncoder.Close()
		}
		if c.videoDecoder != nil {
			c.videoDecoder.Close()
		}
		if c.source != nil {
			c.source.Close()
		}
		if c.sink != nil {
			c.sink.Close()
		}
		c.mu.Unlock()

		select {
		case <-c.answered:
		default:
			close(c.answered)
		}
	})
	m.dropCall(c)
}

// ---------------------------------------------------------------------------
// Loops

// runCapture drives capture → encode → send at the configured frame rate.
// Device APIs block, so this loop owns a dedicated goroutine.
func (m *Manager) runCapture(c *Call, quit <-chan struct{}) {
	frameRate := c.abr.CurrentResolution().FrameRate()
	ticker := time.NewTicker(time.Second / time.Duration(frameRate))
	defer ticker.Stop()

	for {
		select {
		case <-quit:
			return
		case src := <-c.sourceSwitch:
			c.mu.Lock()
			old := c.source
			c.source = src
			c.mu.Unlock()
			if old != nil {
				old.Close()
			}
			log.Info("Call %x: capture source switched", c.ID[:4])

		case <-ticker.C:
			c.mu.Lock()
			muted := c.muted || c.state != CallConnected
			src := c.source
			enc := c.encoder
			tag := c.Audio.CodecTag
			if c.videoEncoder != nil && c.videoEnabled {
				enc = c.videoEncoder
				tag = c.Video.CodecTag
			}
			c.mu.Unlock()
			if muted || src == nil || enc == nil {
				continue // keep cadence, skip encoding
			}

			ctx, cancel := context.WithTimeout(m.ctx, time.Second)
			raw, err := src.Capture(ctx)
			cancel()
			if err != nil {
				log.Debug("Call %x: capture: %v", c.ID[:4], err)
				continue
			}
			payload, keyframe, err := enc.Encode(raw)
			if err != nil {
				log.Warn("Call %x: encode: %v", c.ID[:4], err)
				continue
			}

			c.mu.Lock()
			seq := c.sendSeq
			c.sendSeq++
			c.stats.FramesSent++
			c.mu.Unlock()

			pkt := &Packet{
				CallID:      c.ID,
				Sequence:    seq,
				TimestampUS: uint64(time.Now().UnixMicro()),
				IsKeyframe:  keyframe,
				CodecTag:    tag,
				Payload:     payload,
			}
			if err := m.ch.SendMedia(pkt.Marshal()); err != nil {
				log.Debug("Call %x: media send: %v", c.ID[:4], err)
			}
		}
	}
}

// runPlayback pops the jitter buffer, decodes, and delivers to the sink.
// Persistent decode failure requests a keyframe from the peer.
func (m *Manager) runPlayback(c *Call, quit <-chan struct{}) {
	frameRate := c.abr.CurrentResolution().FrameRate()
	ticker := time.NewTicker(time.Second / time.Duration(frameRate))
	defer ticker.Stop()

	decodeFailures := 0
	for {
		select {
		case <-quit:
			return
		case <-ticker.C:
			pkt := c.jitter.Pop()
			if pkt == nil {
				continue
			}
			c.mu.Lock()
			dec := c.decoder
			if c.videoDecoder != nil && c.Video != nil && pkt.CodecTag == c.Video.CodecTag {
				dec = c.videoDecoder
			}
			sink := c.sink
			c.mu.Unlock()
			if dec == nil {
				continue
			}

			raw, err := dec.Decode(pkt.Payload, pkt.IsKeyframe)
			if err != nil {
				decodeFailures++
				c.mu.Lock()
				c.stats.FramesDropped++
				c.mu.Unlock()
				if decodeFailures >= 3 {
					decodeFailures = 0
					c.jitter.Reset()
					m.requestKeyframe(c)
				}
				continue
			}
			decodeFailures = 0
			c.mu.Lock()
			c.stats.FramesReceived++
			c.mu.Unlock()
			if sink != nil {
				if err := sink.Play(raw); err != nil {
					log.Debug("Call %x: sink: %v", c.ID[:4], err)
				}
			}
		}
	}
}

func (m *Manager) requestKeyframe(c *Call) {
	c.mu.Lock()
	c.stats.KeyframeReqs++
	c.mu.Unlock()
	m.ch.SendControl((&Signal{Kind: SignalKeyframeRequest, CallID: c.ID}).Marshal())
}

// ---------------------------------------------------------------------------
// Dispatch

func (m *Manager) controlLoop() {
	defer m.wg.Done()
	for {
		data, err := m.ch.RecvControl(m.ctx)
		if err != nil {
			return
		}
		sig, err := UnmarshalSignal(data)
		if err != nil {
			log.Debug("Dropping malformed signal: %v", err)
			continue
		}
		m.handleSignal(sig)
	}
}

func (m *Manager) handleSignal(sig *Signal) {
	switch sig.Kind {
	case SignalOffer:
		var video *VideoConfig
		if sig.HasVideo {
			video = &VideoConfig{CodecTag: sig.VideoCodec, Resolution: ResHD}
		}
		c := m.newCall(Incoming, AudioConfig{CodecTag: sig.CodecTag, Bitrate: sig.Bitrate}, video)
		m.mu.Lock()
		delete(m.calls, c.ID) // re-key under the remote's call ID
		c.ID = sig.CallID
		m.calls[sig.CallID] = c
		m.mu.Unlock()
		m.ch.SendControl((&Signal{Kind: SignalRinging, CallID: c.ID}).Marshal())
		select {
		case m.IncomingCalls <- c:
		default:
			log.Warn("Dropping incoming call: acceptor not keeping up")
			m.Reject(c.ID)
		}
		return
	}

	c, err := m.Lookup(sig.CallID)
	if err != nil {
		log.Debug("Signal %s for unknown call %x", sig.Kind, sig.CallID[:4])
		return
	}

	switch sig.Kind {
	case SignalRinging:
		if c.State() == CallInitiating {
			c.setState(CallRinging)
		}
	case SignalAnswer:
		select {
		case <-c.answered:
		default:
			close(c.answered)
		}
	case SignalReject, SignalHangup:
		m.endCall(c)
	case SignalHold:
		if c.State() == CallConnected {
			c.setState(CallOnHold)
		}
	case SignalResume:
		if c.State() == CallOnHold {
			c.setState(CallConnected)
		}
	case SignalPing:
		m.ch.SendControl((&Signal{Kind: SignalPong, CallID: c.ID, Token: sig.Token}).Marshal())
	case SignalPong:
		// RTT bookkeeping is driven by the ping sender.
	case SignalVideoOffer:
		// Mid-call video: build the video codec contexts before accepting.
		video := &VideoConfig{CodecTag: sig.CodecTag, Resolution: ResHD}
		if err := m.buildVideo(c, video); err != nil {
			log.Warn("Call %x: video offer declined: %v", c.ID[:4], err)
			m.ch.SendControl((&Signal{Kind: SignalVideoReject, CallID: c.ID}).Marshal())
			return
		}
		m.ch.SendControl((&Signal{Kind: SignalVideoAccept, CallID: c.ID, CodecTag: sig.CodecTag}).Marshal())
	case SignalVideoAccept:
		c.answerVideo(false)
	case SignalVideoReject:
		c.answerVideo(true)
	case SignalVideoEnable:
		c.setVideoEnabled(true)
	case SignalVideoDisable:
		c.setVideoEnabled(false)
	case SignalVideoSourceSwitch:
		// Peer switched its source; nothing to do locally.
	case SignalKeyframeRequest:
		c.mu.Lock()
		enc := c.encoder
		if c.videoEncoder != nil {
			enc = c.videoEncoder
		}
		c.mu.Unlock()
		if enc != nil {
			enc.RequestKeyframe()
		}
	case SignalBandwidthUpdate:
		adj := c.abr.Update(float64(sig.BandwidthBPS), 0, 0)
		if adj.Kind != NoChange {
			m.applyAdjustment(c, adj)
		}
	}
}

func (m *Manager) applyAdjustment(c *Call, adj Adjustment) {
	c.mu.Lock()
	enc := c.encoder
	c.mu.Unlock()
	if enc != nil {
		w, h := adj.NewResolution.Dimensions()
		enc.SetTargetBitrate(adj.NewBitrate, w, h)
	}
	log.Info("Call %x: %s", c.ID[:4], adj)
}

func (m *Manager) mediaLoop() {
	defer m.wg.Done()
	for {
		data, err := m.ch.RecvMedia(m.ctx)
		if err != nil {
			return
		}
		pkt, err := UnmarshalPacket(data)
		if err != nil {
			log.Debug("Dropping malformed media packet: %v", err)
			continue
		}
		c, err := m.Lookup(pkt.CallID)
		if err != nil {
			continue
		}
		c.jitter.Push(pkt)
	}
}
