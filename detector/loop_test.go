package detector

import (
	"context"
	"testing"
	"time"

	"devicepilot/clock"
)

type fakeSource struct {
	frames chan Frame
	errs   chan error
	closed bool
}

func newFakeSource() *fakeSource {
	return &fakeSource{frames: make(chan Frame, 64), errs: make(chan error, 1)}
}

func (f *fakeSource) Read() (Frame, error) {
	select {
	case fr := <-f.frames:
		return fr, nil
	case err := <-f.errs:
		return Frame{}, err
	}
}

func (f *fakeSource) Close() error {
	f.closed = true
	return nil
}

func collectListener() (Listener, chan Event) {
	ch := make(chan Event, 64)
	return func(ev Event) { ch <- ev }, ch
}

func expectEvent(t *testing.T, ch chan Event, kind EventKind) {
	t.Helper()
	select {
	case ev := <-ch:
		if ev.Kind != kind {
			t.Fatalf("expected %v, got %v", kind, ev.Kind)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for %v", kind)
	}
}

func expectNoEvent(t *testing.T, ch chan Event) {
	t.Helper()
	select {
	case ev := <-ch:
		t.Fatalf("expected no event, got %v", ev.Kind)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestLoopSuppressesEventsDuringStartupDelay(t *testing.T) {
	clk := clock.NewFake(time.Unix(0, 0))
	src := newFakeSource()
	listener, events := collectListener()

	cfg := LoopConfig{
		Config: Config{
			MotionThreshold:     0.01,
			PixelThreshold:      1,
			BackgroundAlpha:     1,
			LightJumpThreshold:  1000,
			MinMotionSeconds:    0,
			StartupDelaySeconds: 10,
		},
		SourceFactory: func(ctx context.Context, url string) (FrameSource, error) { return src, nil },
	}
	loop := NewLoop(cfg, clk, listener)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go loop.Run(ctx)

	src.frames <- flatFrame(0)
	src.frames <- flatFrame(255)
	expectNoEvent(t, events)

	clk.Advance(11 * time.Second)
	src.frames <- flatFrame(0)
	src.frames <- flatFrame(255)
	expectEvent(t, events, MotionStart)
}

func TestLoopEmitsStartOnlyAfterMinMotionSeconds(t *testing.T) {
	clk := clock.NewFake(time.Unix(0, 0))
	src := newFakeSource()
	listener, events := collectListener()

	cfg := LoopConfig{
		Config: Config{
			MotionThreshold:     0.3,
			PixelThreshold:      10,
			BackgroundAlpha:     0,
			LightJumpThreshold:  1000,
			MinMotionSeconds:    2,
			StartupDelaySeconds: 0,
		},
		SourceFactory: func(ctx context.Context, url string) (FrameSource, error) { return src, nil },
	}
	loop := NewLoop(cfg, clk, listener)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go loop.Run(ctx)

	src.frames <- flatFrame(100) // seeds the background
	src.frames <- flatFrame(200) // triggers, elapsed 0s
	expectNoEvent(t, events)

	clk.Advance(1 * time.Second)
	src.frames <- flatFrame(200) // still triggered, elapsed 1s < 2s
	expectNoEvent(t, events)

	clk.Advance(1500 * time.Millisecond)
	src.frames <- flatFrame(200) // elapsed 2.5s >= 2s
	expectEvent(t, events, MotionStart)

	for i := 0; i < 60; i++ {
		src.frames <- flatFrame(100)
	}
	expectEvent(t, events, MotionStop)
}

func TestLoopResetsAnalyzerStateOnReconnect(t *testing.T) {
	clk := clock.NewFake(time.Unix(0, 0))
	first := newFakeSource()
	second := newFakeSource()
	listener, events := collectListener()

	call := 0
	cfg := LoopConfig{
		Config: Config{
			MotionThreshold:     0.3,
			PixelThreshold:      10,
			BackgroundAlpha:     0,
			LightJumpThreshold:  1000,
			MinMotionSeconds:    0,
			StartupDelaySeconds: 0,
		},
		SourceFactory: func(ctx context.Context, url string) (FrameSource, error) {
			call++
			if call == 1 {
				return first, nil
			}
			return second, nil
		},
	}
	loop := NewLoop(cfg, clk, listener)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go loop.Run(ctx)

	first.frames <- flatFrame(100)
	first.frames <- flatFrame(200)
	expectEvent(t, events, MotionStart)

	first.errs <- context.DeadlineExceeded
	// Run()'s reconnect backoff starts at a real 1s (the same policy as
	// the buffer's supervisor); wait past it before using the second
	// source.
	time.Sleep(1200 * time.Millisecond)

	second.frames <- flatFrame(200)
	expectNoEvent(t, events)
	if !first.closed {
		t.Fatal("expected the failed source to be closed before reconnecting")
	}
}
