// Package detector implements the Detector component: it reads frames
// from the SUB RTSP stream, runs motion/light analysis with smoothing
// and hysteresis, and emits MotionStart/MotionStop in strict
// alternation to the event loop.
package detector

import (
	"context"
	"log"
	"math"
	"time"

	"devicepilot/clock"
)

// SourceFactory builds a FrameSource for the SUB stream; overridable
// for tests so nothing actually execs ffmpeg.
type SourceFactory func(ctx context.Context, rtspSubURL string) (FrameSource, error)

// LoopConfig bundles the producer's tunables on top of the pure
// analyzer Config.
type LoopConfig struct {
	Config
	RTSPSubURL string
	MaxBackoff time.Duration // default 30s, same cap as the buffer's restart policy

	SourceFactory SourceFactory
}

func (c *LoopConfig) applyDefaults() {
	c.Config.applyDefaults()
	if c.MaxBackoff == 0 {
		c.MaxBackoff = 30 * time.Second
	}
	if c.SourceFactory == nil {
		c.SourceFactory = func(ctx context.Context, url string) (FrameSource, error) {
			return newFFmpegFrameSource(ctx, url)
		}
	}
}

// Loop is the DetectorLoop producer: it owns the FrameSource
// connection, drives the pure analyzer frame by frame, and emits
// MotionStart/MotionStop to listener.
type Loop struct {
	cfg      LoopConfig
	clk      clock.Clock
	analyzer *analyzer
	listener Listener
}

func NewLoop(cfg LoopConfig, clk clock.Clock, listener Listener) *Loop {
	cfg.applyDefaults()
	return &Loop{
		cfg:      cfg,
		clk:      clk,
		analyzer: newAnalyzer(cfg.Config),
		listener: listener,
	}
}

// Run blocks, connecting and reconnecting to the SUB stream until ctx
// is cancelled. Reconnection uses the same exponential backoff policy
// as the buffer's FFmpeg supervisor: 1s doubling to a 30s cap.
func (l *Loop) Run(ctx context.Context) {
	backoff := time.Second
	for ctx.Err() == nil {
		src, err := l.cfg.SourceFactory(ctx, l.cfg.RTSPSubURL)
		if err != nil {
			log.Printf("[detector] connect failed: %v, retrying in %v", err, backoff)
			if !sleepCtx(ctx, backoff) {
				return
			}
			backoff = nextBackoff(backoff, l.cfg.MaxBackoff)
			continue
		}

		backoff = time.Second
		l.runConnected(ctx, src)
		src.Close()
		if ctx.Err() != nil {
			return
		}
		log.Printf("[detector] reconnecting in %v", backoff)
		if !sleepCtx(ctx, backoff) {
			return
		}
		backoff = nextBackoff(backoff, l.cfg.MaxBackoff)
	}
}

func nextBackoff(cur, max time.Duration) time.Duration {
	return time.Duration(math.Min(float64(cur*2), float64(max)))
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	select {
	case <-time.After(d):
		return true
	case <-ctx.Done():
		return false
	}
}

// runConnected drives frames from a single connection until a read
// fails or ctx is cancelled. The analyzer is reset on every call so a
// reconnect never carries stale background/smoothing state across an
// abrupt scene change.
func (l *Loop) runConnected(ctx context.Context, src FrameSource) {
	l.analyzer.reset()
	start := l.clk.Now()
	detectionEnabled := false
	startupDelay := time.Duration(l.cfg.StartupDelaySeconds * float64(time.Second))

	var motionStartedAt time.Time
	inMotionWindow := false
	emittedStart := false

	for {
		if ctx.Err() != nil {
			return
		}
		frame, err := src.Read()
		if err != nil {
			log.Printf("[detector] frame read failed: %v", err)
			return
		}

		now := l.clk.Now()
		if !detectionEnabled {
			if l.clk.Since(start) < startupDelay {
				continue
			}
			detectionEnabled = true
			log.Printf("[detector] detection enabled after startup delay")
		}

		result := l.analyzer.analyze(frame)
		triggered := result.MotionDetected || result.LightEventDetected

		if triggered {
			if !inMotionWindow {
				inMotionWindow = true
				motionStartedAt = now
			}
			if !emittedStart && now.Sub(motionStartedAt).Seconds() >= l.cfg.MinMotionSeconds {
				emittedStart = true
				l.listener(Event{Kind: MotionStart, At: now})
			}
			continue
		}

		inMotionWindow = false
		if emittedStart {
			emittedStart = false
			l.listener(Event{Kind: MotionStop, At: now})
		}
	}
}
