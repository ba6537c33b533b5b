// Package buffer implements the SegmentBuffer component: it runs
// FFmpeg against the MAIN RTSP stream, discovers closed HLS segments
// through a filesystem watcher, enforces retention, and supervises the
// sub-process with exponential-backoff restart and hard reset.
package buffer

import (
	"context"
	"fmt"
	"log"
	"math"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"sync"
	"time"

	"devicepilot/clock"
	"devicepilot/session"
	"devicepilot/watcher"
)

// Health is the buffer's self-reported supervision state.
type Health int

const (
	Healthy Health = iota
	Degraded
	Resetting
)

func (h Health) String() string {
	switch h {
	case Healthy:
		return "healthy"
	case Degraded:
		return "degraded"
	case Resetting:
		return "resetting"
	default:
		return "unknown"
	}
}

// Config bundles SegmentBuffer tunables, all grounded in section 4.1.
type Config struct {
	RTSPMainURL     string
	BufferDir       string
	SegmentDuration time.Duration // S
	MaxPreRollSecs  float64
	Headroom        int // default 2

	MaxBackoff          time.Duration // default 30s
	MaxConsecutiveFails int           // default 10, triggers hard reset
	MaxUnhealthyWindow  time.Duration // default 2m, triggers hard reset

	// WatcherFactory creates the filesystem watcher used to discover
	// closed segments. Defaults to watcher.WatchDir; tests inject a
	// polling or fake implementation.
	WatcherFactory func(dir string) (watcher.Watcher, error)

	// CommandFactory builds the FFmpeg command to run. Overridable for
	// tests so nothing actually execs ffmpeg.
	CommandFactory func(ctx context.Context, cfg Config) ProcessRunner

	// OnSegmentCaptured, OnRestart, and OnHardReset are optional metrics
	// hooks invoked by the supervisor on a segment discovery, a
	// scheduled restart, and a hard reset respectively. Nil hooks are
	// no-ops; callers wire these to the audit log's counters.
	OnSegmentCaptured func()
	OnRestart         func()
	OnHardReset       func()
}

func (c *Config) applyDefaults() {
	if c.SegmentDuration == 0 {
		c.SegmentDuration = 5 * time.Second
	}
	if c.Headroom == 0 {
		c.Headroom = 2
	}
	if c.MaxBackoff == 0 {
		c.MaxBackoff = 30 * time.Second
	}
	if c.MaxConsecutiveFails == 0 {
		c.MaxConsecutiveFails = 10
	}
	if c.MaxUnhealthyWindow == 0 {
		c.MaxUnhealthyWindow = 2 * time.Minute
	}
	if c.WatcherFactory == nil {
		c.WatcherFactory = func(dir string) (watcher.Watcher, error) {
			return watcher.WatchDir(dir)
		}
	}
	if c.CommandFactory == nil {
		c.CommandFactory = defaultFFmpegCommand
	}
}

// Retention computes R = ceil(maxPreRoll/S) + headroom.
func (c Config) Retention() int {
	s := c.SegmentDuration.Seconds()
	if s <= 0 {
		s = 5
	}
	return int(math.Ceil(c.MaxPreRollSecs/s)) + c.Headroom
}

// Listener receives newly discovered segments in sequence order.
type Listener func(session.Segment)

var clipNamePattern = regexp.MustCompile(`clip_(\d+)\.ts$`)

// Buffer is the SegmentBuffer component.
type Buffer struct {
	cfg   Config
	clock clock.Clock

	mu          sync.Mutex
	segments    []session.Segment
	listeners   []Listener
	health      Health
	restartEpoch uint64

	sup *supervisor
}

func New(cfg Config, clk clock.Clock) *Buffer {
	cfg.applyDefaults()
	return &Buffer{cfg: cfg, clock: clk, health: Resetting}
}

// Subscribe registers a listener for newly discovered segments.
// Delivery is single-threaded and ordered by sequence number.
func (b *Buffer) Subscribe(l Listener) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.listeners = append(b.listeners, l)
}

// RecentSegments returns the youngest count segment paths in playback
// order. Never blocks.
func (b *Buffer) RecentSegments(count int) []session.Segment {
	b.mu.Lock()
	defer b.mu.Unlock()
	if count <= 0 || len(b.segments) == 0 {
		return nil
	}
	if count >= len(b.segments) {
		out := make([]session.Segment, len(b.segments))
		copy(out, b.segments)
		return out
	}
	start := len(b.segments) - count
	out := make([]session.Segment, count)
	copy(out, b.segments[start:])
	return out
}

// Health reports the buffer's current supervision state.
func (b *Buffer) Health() Health {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.health
}

func (b *Buffer) setHealth(h Health) {
	b.mu.Lock()
	b.health = h
	b.mu.Unlock()
}

// Start creates the buffer directory, clears stale files from a
// previous run, and launches the supervised FFmpeg capture loop.
func (b *Buffer) Start(ctx context.Context) error {
	if err := os.MkdirAll(b.cfg.BufferDir, 0o755); err != nil {
		return fmt.Errorf("buffer: create dir: %w", err)
	}
	b.clearStaleFiles()

	b.sup = newSupervisor(b)
	return b.sup.start(ctx)
}

// Stop terminates FFmpeg, waiting up to 5s before a force-kill, and
// stops the watcher.
func (b *Buffer) Stop() {
	if b.sup != nil {
		b.sup.stop()
	}
}

func (b *Buffer) clearStaleFiles() {
	cleared := 0
	for _, pattern := range []string{"clip_*.ts", "playlist.m3u8"} {
		matches, _ := filepath.Glob(filepath.Join(b.cfg.BufferDir, pattern))
		for _, m := range matches {
			if err := os.Remove(m); err == nil {
				cleared++
			}
		}
	}
	if cleared > 0 {
		log.Printf("[buffer] cleared %d stale files from previous run", cleared)
	}
}

// onSegmentDiscovered is called by the supervisor for every
// closed-write clip_*.ts event.
func (b *Buffer) onSegmentDiscovered(path string) {
	idx, err := parseClipIndex(path)
	if err != nil {
		log.Printf("[buffer] ignoring unrecognized file %s: %v", path, err)
		return
	}
	info, err := os.Stat(path)
	if err != nil {
		log.Printf("[buffer] segment disappeared before stat: %s", path)
		return
	}

	b.mu.Lock()
	seq := b.restartEpoch*1_000_000 + uint64(idx)
	seg := session.Segment{Path: path, Seq: seq, CreatedAt: info.ModTime()}
	b.segments = append(b.segments, seg)
	sort.Slice(b.segments, func(i, j int) bool { return b.segments[i].Seq < b.segments[j].Seq })
	b.applyRetention()
	listeners := append([]Listener(nil), b.listeners...)
	b.mu.Unlock()

	for _, l := range listeners {
		l(seg)
	}
	if b.cfg.OnSegmentCaptured != nil {
		b.cfg.OnSegmentCaptured()
	}
}

// applyRetention deletes files older than the youngest R segments and
// self-heals an unexpected overflow, mirroring the margin-based guard
// in the original buffer implementation. Caller must hold b.mu.
func (b *Buffer) applyRetention() {
	r := b.cfg.Retention()
	const overflowMargin = 5
	threshold := r + overflowMargin

	if len(b.segments) <= r {
		return
	}

	excess := len(b.segments) - r
	if len(b.segments) > threshold {
		log.Printf("[buffer] overflow detected: %d segments (expected max %d), trimming", len(b.segments), r)
	}

	toDelete := b.segments[:excess]
	b.segments = append([]session.Segment(nil), b.segments[excess:]...)
	for _, seg := range toDelete {
		if err := os.Remove(seg.Path); err != nil && !os.IsNotExist(err) {
			log.Printf("[buffer] failed to remove retired segment %s: %v", seg.Path, err)
		}
	}
}

func parseClipIndex(path string) (int, error) {
	m := clipNamePattern.FindStringSubmatch(filepath.Base(path))
	if m == nil {
		return 0, fmt.Errorf("does not match clip_NNNNN.ts")
	}
	var idx int
	_, err := fmt.Sscanf(m[1], "%d", &idx)
	return idx, err
}
