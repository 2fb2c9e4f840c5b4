package media

import "testing"

func TestHysteresisSuppressesChanges(t *testing.T) {
	cfg := DefaultBitrateControllerConfig()
	cfg.MinFramesBetweenChange = 60
	c := NewBitrateController(cfg, ResHD)

	// Identical inputs for fewer frames than the hysteresis window: only
	// NoChange, even though the measurements justify a step down.
	for i := 0; i < 59; i++ {
		if adj := c.Update(300_000, 8.0, 400.0); adj.Kind != NoChange {
			t.Fatalf("frame %d: adjustment %v inside hysteresis window", i, adj)
		}
	}
}

func TestAdaptiveStepDown(t *testing.T) {
	cfg := DefaultBitrateControllerConfig()
	cfg.MinFramesBetweenChange = 0
	c := NewBitrateController(cfg, ResHD)

	sawDecrease := false
	for i := 0; i < 100; i++ {
		adj := c.Update(300_000, 8.0, 400.0)
		if adj.Kind == BitrateDecreased {
			sawDecrease = true
		}
		if adj.Kind == BitrateIncreased {
			t.Fatalf("frame %d: increase under 8%% loss and 400ms RTT", i)
		}
	}
	if !sawDecrease {
		t.Error("no BitrateDecreased emitted")
	}
	if br := c.CurrentBitrate(); br >= 1_500_000 {
		t.Errorf("final bitrate %d, want < 1.5 Mbps", br)
	}
	if res := c.CurrentResolution(); res != ResLow && res != ResUltraLow {
		t.Errorf("final resolution %s, want Low or UltraLow", res)
	}
}

func TestBandwidthHeadroomIncrease(t *testing.T) {
	cfg := DefaultBitrateControllerConfig()
	cfg.MinFramesBetweenChange = 0
	c := NewBitrateController(cfg, ResMedium)

	// Excellent conditions with abundant bandwidth: after the band settles,
	// spare headroom raises the bitrate in 10% steps.
	sawIncrease := false
	var last Adjustment
	for i := 0; i < 50; i++ {
		last = c.Update(5_000_000, 0.1, 20)
		if last.Kind == BitrateIncreased {
			sawIncrease = true
		}
	}
	if !sawIncrease {
		t.Error("no increase despite 5 Mbps measured bandwidth")
	}
	if c.CurrentBitrate() > cfg.MaxBitrate {
		t.Errorf("bitrate %d exceeds max", c.CurrentBitrate())
	}
}

func TestBitrateClamping(t *testing.T) {
	cfg := DefaultBitrateControllerConfig()
	cfg.MinFramesBetweenChange = 0
	cfg.MinBitrate = 200_000
	c := NewBitrateController(cfg, ResLow)

	for i := 0; i < 200; i++ {
		c.Update(50_000, 15.0, 900.0)
	}
	if br := c.CurrentBitrate(); br < cfg.MinBitrate {
		t.Errorf("bitrate %d fell below the floor", br)
	}
}

func TestForceBitrateResetsHysteresis(t *testing.T) {
	cfg := DefaultBitrateControllerConfig()
	cfg.MinFramesBetweenChange = 60
	c := NewBitrateController(cfg, ResHD)

	c.ForceBitrate(800_000, ResMedium)
	if c.CurrentBitrate() != 800_000 || c.CurrentResolution() != ResMedium {
		t.Fatalf("force not applied: %d %s", c.CurrentBitrate(), c.CurrentResolution())
	}

	// The hysteresis window restarts at the force.
	if adj := c.Update(5_000_000, 0.1, 20); adj.Kind != NoChange {
		t.Errorf("change emitted immediately after force: %v", adj)
	}
}

func TestResolutionLadder(t *testing.T) {
	wantBitrates := map[Resolution]int{
		ResUltraLow: 150_000,
		ResLow:      300_000,
		ResMedium:   600_000,
		ResHD:       1_500_000,
		ResFullHD:   3_000_000,
	}
	wantRates := map[Resolution]int{
		ResUltraLow: 15, ResLow: 24, ResMedium: 30, ResHD: 30, ResFullHD: 30,
	}
	for res, want := range wantBitrates {
		if got := res.TargetBitrate(); got != want {
			t.Errorf("%s target bitrate = %d, want %d", res, got, want)
		}
	}
	for res, want := range wantRates {
		if got := res.FrameRate(); got != want {
			t.Errorf("%s frame rate = %d, want %d", res, got, want)
		}
	}
	if w, h := ResHD.Dimensions(); w != 1280 || h != 720 {
		t.Errorf("HD dimensions = %dx%d", w, h)
	}
}
