package detector

// SmoothingWindow and HysteresisFrames are the frame counts behind the
// W and H constants in the motion contract: scores are averaged over
// the last SmoothingWindow frames, and HysteresisFrames consecutive
// sub-threshold frames are required before motion is declared over.
const (
	SmoothingWindow  = 15
	HysteresisFrames = 30
)

// Config bundles Detector's algorithmic tunables.
type Config struct {
	MotionThreshold     float64 // default 0.02, fraction of pixels in [0,1]
	LightJumpThreshold  float64 // default 30, luminance delta in [0,255]
	MinMotionSeconds    float64 // 0 fires MotionStart on the first triggered frame; config.Load defaults it to 0.5
	StartupDelaySeconds float64 // 0 disables the startup delay; config.Load defaults it to 10

	// PixelThreshold and BackgroundAlpha tune the background model; no
	// camera-specific reason to expose these on the CLI surface, but
	// they are overridable for tests that need a tighter background.
	PixelThreshold  float64 // default 25, per-pixel deviation in [0,255]
	BackgroundAlpha float64 // default 0.05, background learning rate
}

func (c *Config) applyDefaults() {
	if c.MotionThreshold == 0 {
		c.MotionThreshold = 0.02
	}
	if c.LightJumpThreshold == 0 {
		c.LightJumpThreshold = 30
	}
	if c.PixelThreshold == 0 {
		c.PixelThreshold = 25
	}
	if c.BackgroundAlpha == 0 {
		c.BackgroundAlpha = 0.05
	}
}

// Result is one frame's analysis.
type Result struct {
	MotionDetected      bool
	LightEventDetected  bool
	MotionScore         float64
	SmoothedMotionScore float64
	Brightness          float64
	BrightnessDelta     float64
}

// backgroundModel is a per-pixel exponential moving average standing
// in for the mixture-of-Gaussians background subtractor the motion
// contract describes. No computer-vision library appears anywhere in
// the example pack to ground a fuller model on, and this one is pure
// numeric logic with no I/O — an EMA per pixel plus a deviation
// threshold, not a full MOG2 implementation.
type backgroundModel struct {
	avg   []float64
	alpha float64
}

func newBackgroundModel(alpha float64) *backgroundModel {
	return &backgroundModel{alpha: alpha}
}

// apply compares gray against the running average, updates it in
// place, and returns the fraction of pixels whose deviation exceeds
// threshold. The first frame for a given resolution seeds the average
// and reports zero motion.
func (m *backgroundModel) apply(gray []byte, threshold float64) float64 {
	if len(m.avg) != len(gray) {
		m.avg = make([]float64, len(gray))
		for i, v := range gray {
			m.avg[i] = float64(v)
		}
		return 0
	}
	var foreground int
	for i, v := range gray {
		fv := float64(v)
		diff := fv - m.avg[i]
		if diff < 0 {
			diff = -diff
		}
		if diff > threshold {
			foreground++
		}
		m.avg[i] += m.alpha * (fv - m.avg[i])
	}
	return float64(foreground) / float64(len(gray))
}

func (m *backgroundModel) reset() {
	m.avg = nil
}

// analyzer is the pure DetectorState: a smoothing ring of motion
// scores, a hysteresis counter, the background model, and the last
// frame's luminance. It performs no I/O; Loop drives it frame by
// frame and owns reconnection.
type analyzer struct {
	cfg Config
	bg  *backgroundModel

	scores     []float64
	scoreHead  int
	scoreCount int

	motionState    bool
	lowMotionCount int
	lastBrightness float64
	haveBrightness bool
}

func newAnalyzer(cfg Config) *analyzer {
	cfg.applyDefaults()
	return &analyzer{
		cfg:    cfg,
		bg:     newBackgroundModel(cfg.BackgroundAlpha),
		scores: make([]float64, SmoothingWindow),
	}
}

// reset clears all state: background model, smoothing window, and
// hysteresis, so a reconnect never carries stale state across an
// abrupt scene change.
func (a *analyzer) reset() {
	a.bg.reset()
	a.scoreHead = 0
	a.scoreCount = 0
	a.motionState = false
	a.lowMotionCount = 0
	a.haveBrightness = false
}

func (a *analyzer) analyze(f Frame) Result {
	raw := a.bg.apply(f.Gray, a.cfg.PixelThreshold)

	a.scores[a.scoreHead] = raw
	a.scoreHead = (a.scoreHead + 1) % len(a.scores)
	if a.scoreCount < len(a.scores) {
		a.scoreCount++
	}
	var sum float64
	for i := 0; i < a.scoreCount; i++ {
		sum += a.scores[i]
	}
	smoothed := sum / float64(a.scoreCount)

	if smoothed > a.cfg.MotionThreshold {
		a.motionState = true
		a.lowMotionCount = 0
	} else if a.motionState {
		a.lowMotionCount++
		if a.lowMotionCount >= HysteresisFrames {
			a.motionState = false
		}
	}

	brightness := meanLuminance(f.Gray)
	var delta float64
	if a.haveBrightness {
		delta = brightness - a.lastBrightness
		if delta < 0 {
			delta = -delta
		}
	}
	a.lastBrightness = brightness
	a.haveBrightness = true

	return Result{
		MotionDetected:      a.motionState,
		LightEventDetected:  delta > a.cfg.LightJumpThreshold,
		MotionScore:         raw,
		SmoothedMotionScore: smoothed,
		Brightness:          brightness,
		BrightnessDelta:     delta,
	}
}

func meanLuminance(gray []byte) float64 {
	if len(gray) == 0 {
		return 0
	}
	var sum int
	for _, v := range gray {
		sum += int(v)
	}
	return float64(sum) / float64(len(gray))
}
