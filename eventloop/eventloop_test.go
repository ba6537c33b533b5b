package eventloop

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"testing"
	"time"

	"devicepilot/buffer"
	"devicepilot/clock"
	"devicepilot/detector"
	"devicepilot/recorder"
	"devicepilot/sessionmanager"
	"devicepilot/watcher"
)

type fakeWatcher struct {
	events chan watcher.Event
	errs   chan error
}

func newFakeWatcher() *fakeWatcher {
	return &fakeWatcher{events: make(chan watcher.Event, 16), errs: make(chan error, 4)}
}

func (f *fakeWatcher) Events() <-chan watcher.Event { return f.events }
func (f *fakeWatcher) Errors() <-chan error         { return f.errs }
func (f *fakeWatcher) Close() error                 { return nil }

type fakeProcess struct{ stopped chan struct{} }

func newFakeProcess() *fakeProcess { return &fakeProcess{stopped: make(chan struct{})} }
func (p *fakeProcess) Start() error { return nil }
func (p *fakeProcess) Wait() error  { <-p.stopped; return nil }
func (p *fakeProcess) Terminate(time.Duration) {
	select {
	case <-p.stopped:
	default:
		close(p.stopped)
	}
}

type fakeFrameSource struct {
	frames chan detector.Frame
}

func newFakeFrameSource() *fakeFrameSource {
	return &fakeFrameSource{frames: make(chan detector.Frame, 64)}
}

func (f *fakeFrameSource) Read() (detector.Frame, error) { return <-f.frames, nil }
func (f *fakeFrameSource) Close() error                  { return nil }

func flatFrame(val byte) detector.Frame {
	const w, h = 320, 180
	g := make([]byte, w*h)
	for i := range g {
		g[i] = val
	}
	return detector.Frame{Gray: g, Width: w, Height: h}
}

func fakeFFmpegConcat(ctx context.Context, manifestPath, outputPath string) *exec.Cmd {
	return exec.CommandContext(ctx, "sh", "-c", "touch '"+outputPath+"'")
}

// TestFullSessionLifecycle drives one motion event end to end through
// real buffer/detector/sessionmanager/recorder wiring, with only the
// FFmpeg sub-processes and RTSP sources faked out, and asserts an
// evidence MP4 is produced and the session is pruned afterward.
func TestFullSessionLifecycle(t *testing.T) {
	tmp := t.TempDir()
	bufferDir := filepath.Join(tmp, "buffer")
	evidenceDir := filepath.Join(tmp, "evidence")
	sessionsDir := filepath.Join(tmp, "sessions")

	fw := newFakeWatcher()
	fs := newFakeFrameSource()

	bufCfg := buffer.Config{
		RTSPMainURL:     "rtsp://test/main",
		BufferDir:       bufferDir,
		SegmentDuration: time.Second,
		MaxPreRollSecs:  2,
		WatcherFactory:  func(string) (watcher.Watcher, error) { return fw, nil },
		CommandFactory:  func(context.Context, buffer.Config) buffer.ProcessRunner { return newFakeProcess() },
	}
	detCfg := detector.LoopConfig{
		Config: detector.Config{
			MotionThreshold:     0.3,
			PixelThreshold:      10,
			BackgroundAlpha:     0,
			LightJumpThreshold:  1000,
			MinMotionSeconds:    0,
			StartupDelaySeconds: 0,
		},
		RTSPSubURL:    "rtsp://test/sub",
		SourceFactory: func(context.Context, string) (detector.FrameSource, error) { return fs, nil },
	}
	mgrCfg := sessionmanager.Config{
		PreRollSeconds:   0,
		SegmentDuration:  time.Second,
		CooldownDuration: 0,
		EvidenceDir:      evidenceDir,
	}
	recCfg := recorder.Config{
		SessionsDir:   sessionsDir,
		Workers:       1,
		FFmpegFactory: fakeFFmpegConcat,
	}

	clk := clock.NewFake(time.Unix(0, 0))
	idN := 0
	idGen := func() string { idN++; return fmt.Sprintf("sess-%d", idN) }

	loop := New(bufCfg, detCfg, mgrCfg, recCfg, clk, idGen)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go loop.Run(ctx)

	// Give the buffer a real segment on disk so the session has
	// something to collect.
	segPath := filepath.Join(bufferDir, "clip_00000.ts")
	waitForDir(t, bufferDir)
	if err := os.WriteFile(segPath, []byte("x"), 0o644); err != nil {
		t.Fatalf("write segment: %v", err)
	}
	fw.events <- watcher.Event{Path: segPath, Kind: watcher.ClosedWrite}

	fs.frames <- flatFrame(100) // seeds the background
	fs.frames <- flatFrame(200) // triggers MotionStart immediately (MinMotionSeconds=0)

	var active *sessionSnapshot
	waitFor(t, func() bool {
		active = findRecording(loop)
		return active != nil
	})

	// The only segment so far arrived before the session existed (pre-
	// roll is configured to 0 here), so the RECORDING session has
	// nothing to collect yet. Give it one live segment to assemble.
	liveSegPath := filepath.Join(bufferDir, "clip_00001.ts")
	if err := os.WriteFile(liveSegPath, []byte("y"), 0o644); err != nil {
		t.Fatalf("write live segment: %v", err)
	}
	fw.events <- watcher.Event{Path: liveSegPath, Kind: watcher.ClosedWrite}
	waitFor(t, func() bool { return len(loop.Sessions()) == 1 && len(loop.Sessions()[0].Segments()) > 0 })

	for i := 0; i < 60; i++ {
		fs.frames <- flatFrame(100) // eventually clears hysteresis -> MotionStop
	}

	waitFor(t, func() bool { return findRecording(loop) == nil })

	// Advance ticks until the cooled-down session reaches FINALIZING
	// and the recorder has a chance to run.
	var outputPath string
	waitFor(t, func() bool {
		clk.Advance(tickInterval)
		for _, s := range loop.Sessions() {
			if s.OutputPath() != "" {
				outputPath = s.OutputPath()
			}
		}
		return outputPath != ""
	})

	waitFor(t, func() bool {
		_, err := os.Stat(outputPath)
		return err == nil
	})

	waitFor(t, func() bool { return len(loop.Sessions()) == 0 })
}

type sessionSnapshot struct{ id string }

func findRecording(loop *Loop) *sessionSnapshot {
	for _, s := range loop.Sessions() {
		if s.Phase().String() == "RECORDING" {
			return &sessionSnapshot{id: s.ID}
		}
	}
	return nil
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	if !cond() {
		t.Fatal("condition not met before deadline")
	}
}

func waitForDir(t *testing.T, dir string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if _, err := os.Stat(dir); err == nil {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("buffer directory %s was never created", dir)
}
