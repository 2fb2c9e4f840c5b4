package media

import (
	"fmt"
	"sync"
)

// Resolution is a fixed rung on the encode ladder.
type Resolution int

const (
	ResUltraLow Resolution = iota // 240p
	ResLow                        // 360p
	ResMedium                     // 480p
	ResHD                         // 720p
	ResFullHD                     // 1080p
)

// Fixed dimensions, target bitrates, and recommended frame rates per rung.
var resolutionTable = [...]struct {
	width, height int
	targetBitrate int
	frameRate     int
}{
	ResUltraLow: {426, 240, 150_000, 15},
	ResLow:      {640, 360, 300_000, 24},
	ResMedium:   {854, 480, 600_000, 30},
	ResHD:       {1280, 720, 1_500_000, 30},
	ResFullHD:   {1920, 1080, 3_000_000, 30},
}

func (r Resolution) Dimensions() (w, h int) {
	return resolutionTable[r].width, resolutionTable[r].height
}

func (r Resolution) TargetBitrate() int {
	return resolutionTable[r].targetBitrate
}

func (r Resolution) FrameRate() int {
	return resolutionTable[r].frameRate
}

func (r Resolution) String() string {
	switch r {
	case ResUltraLow:
		return "240p"
	case ResLow:
		return "360p"
	case ResMedium:
		return "480p"
	case ResHD:
		return "720p"
	case ResFullHD:
		return "1080p"
	default:
		return "?"
	}
}

// qualityBand buckets the measured loss and RTT.
type qualityBand int

const (
	bandUnknown qualityBand = iota
	bandExcellent
	bandGood
	bandFair
	bandPoor
	bandCritical
)

func classifyQuality(lossPct, rttMS float64) qualityBand {
	switch {
	case lossPct < 1 && rttMS < 100:
		return bandExcellent
	case lossPct < 3 && rttMS < 200:
		return bandGood
	case lossPct < 5 && rttMS < 300:
		return bandFair
	case lossPct < 10 && rttMS < 500:
		return bandPoor
	default:
		return bandCritical
	}
}

// resolution each band drives toward.
func (b qualityBand) resolution() Resolution {
	switch b {
	case bandExcellent:
		return ResHD
	case bandGood:
		return ResMedium
	case bandFair, bandPoor:
		return ResLow
	default:
		return ResUltraLow
	}
}

// An Adjustment is the controller's verdict for one frame.
type Adjustment struct {
	Kind          AdjustmentKind
	OldBitrate    int
	NewBitrate    int
	NewResolution Resolution
}

type AdjustmentKind int

const (
	NoChange AdjustmentKind = iota
	BitrateIncreased
	BitrateDecreased
)

func (a Adjustment) String() string {
	switch a.Kind {
	case BitrateIncreased:
		return fmt.Sprintf("increase %d -> %d (%s)", a.OldBitrate, a.NewBitrate, a.NewResolution)
	case BitrateDecreased:
		return fmt.Sprintf("decrease %d -> %d (%s)", a.OldBitrate, a.NewBitrate, a.NewResolution)
	default:
		return "no change"
	}
}

// BitrateControllerConfig bounds the adaptation.
type BitrateControllerConfig struct {
	MinBitrate             int
	MaxBitrate             int
	MinFramesBetweenChange int
	HistorySize            int
}

func DefaultBitrateControllerConfig() BitrateControllerConfig {
	return BitrateControllerConfig{
		MinBitrate:             100_000,
		MaxBitrate:             4_000_000,
		MinFramesBetweenChange: 60,
		HistorySize:            30,
	}
}

// The BitrateController adjusts encoder bitrate and resolution from rolling
// bandwidth, loss, and RTT measurements, with hysteresis between changes.
type BitrateController struct {
	mu  sync.Mutex
	cfg BitrateControllerConfig

	bandwidth history
	loss      history
	rtt       history

	currentBitrate    int
	currentResolution Resolution
	currentBand       qualityBand

	framesSinceChange int
}

type history struct {
	samples []float64
	max     int
}

func (h *history) add(v float64) {
	h.samples = append(h.samples, v)
	if len(h.samples) > h.max {
		h.samples = h.samples[1:]
	}
}

func (h *history) average() float64 {
	if len(h.samples) == 0 {
		return 0
	}
	sum := 0.0
	for _, v := range h.samples {
		sum += v
	}
	return sum / float64(len(h.samples))
}

func NewBitrateController(cfg BitrateControllerConfig, start Resolution) *BitrateController {
	if cfg.HistorySize <= 0 {
		cfg.HistorySize = 30
	}
	return &BitrateController{
		cfg:               cfg,
		bandwidth:         history{max: cfg.HistorySize},
		loss:              history{max: cfg.HistorySize},
		rtt:               history{max: cfg.HistorySize},
		currentBitrate:    start.TargetBitrate(),
		currentResolution: start,
	}
}

// CurrentBitrate returns the controller's present target.
func (c *BitrateController) CurrentBitrate() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.currentBitrate
}

// CurrentResolution returns the controller's present ladder rung.
func (c *BitrateController) CurrentResolution() Resolution {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.currentResolution
}

// Update ingests one frame's measurements and returns the adjustment to
// apply, if any.
func (c *BitrateController) Update(bandwidthBPS, lossPct, rttMS float64) Adjustment {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.bandwidth.add(bandwidthBPS)
	c.loss.add(lossPct)
	c.rtt.add(rttMS)
	c.framesSinceChange++

	// Hysteresis: no change too soon after the previous one.
	if c.framesSinceChange <= c.cfg.MinFramesBetweenChange {
		return Adjustment{Kind: NoChange}
	}

	avgBW := c.bandwidth.average()
	avgLoss := c.loss.average()
	avgRTT := c.rtt.average()

	band := classifyQuality(avgLoss, avgRTT)
	old := c.currentBitrate

	if band != c.currentBand {
		c.currentBand = band
		res := band.resolution()
		target := float64(res.TargetBitrate())
		if cap := 0.9 * avgBW; cap > 0 && cap < target {
			target = cap
		}
		newBitrate := c.clamp(int(target))
		if newBitrate != old || res != c.currentResolution {
			c.currentBitrate = newBitrate
			c.currentResolution = res
			c.framesSinceChange = 0
			return c.verdict(old, newBitrate, res)
		}
		return Adjustment{Kind: NoChange}
	}

	switch {
	case avgBW > 1.2*float64(old):
		newBitrate := c.clamp(old + old/10)
		if newBitrate == old {
			return Adjustment{Kind: NoChange}
		}
		c.currentBitrate = newBitrate
		c.framesSinceChange = 0
		return c.verdict(old, newBitrate, c.currentResolution)

	case avgBW < 0.8*float64(old):
		newBitrate := c.clamp(old - old/10)
		if newBitrate == old {
			return Adjustment{Kind: NoChange}
		}
		c.currentBitrate = newBitrate
		c.framesSinceChange = 0
		return c.verdict(old, newBitrate, c.currentResolution)
	}
	return Adjustment{Kind: NoChange}
}

// ForceBitrate overrides adaptation and restarts the hysteresis window.
func (c *BitrateController) ForceBitrate(bitrate int, res Resolution) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.currentBitrate = c.clamp(bitrate)
	c.currentResolution = res
	c.framesSinceChange = 0
}

func (c *BitrateController) clamp(bps int) int {
	if c.cfg.MinBitrate > 0 && bps < c.cfg.MinBitrate {
		return c.cfg.MinBitrate
	}
	if c.cfg.MaxBitrate > 0 && bps > c.cfg.MaxBitrate {
		return c.cfg.MaxBitrate
	}
	return bps
}

func (c *BitrateController) verdict(old, next int, res Resolution) Adjustment {
	kind := BitrateIncreased
	if next < old {
		kind = BitrateDecreased
	}
	return Adjustment{Kind: kind, OldBitrate: old, NewBitrate: next, NewResolution: res}
}
