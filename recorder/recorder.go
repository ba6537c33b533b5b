// Package recorder implements the Recorder component: it assembles a
// FINALIZING session's segment list into a concat manifest and invokes
// FFmpeg in stream-copy mode to produce the final MP4.
package recorder

import (
	"bytes"
	"context"
	"fmt"
	"log"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"devicepilot/session"
)

// Config bundles Recorder tunables.
type Config struct {
	SessionsDir string
	Workers     int // default 2

	// FFmpegFactory builds the concat-assembly command; overridable
	// for tests so nothing actually execs ffmpeg.
	FFmpegFactory func(ctx context.Context, manifestPath, outputPath string) *exec.Cmd
}

func (c *Config) applyDefaults() {
	if c.Workers <= 0 {
		c.Workers = 2
	}
	if c.FFmpegFactory == nil {
		c.FFmpegFactory = defaultFFmpegConcat
	}
}

func defaultFFmpegConcat(ctx context.Context, manifestPath, outputPath string) *exec.Cmd {
	return exec.CommandContext(ctx, "ffmpeg",
		"-y",
		"-f", "concat",
		"-safe", "0",
		"-i", manifestPath,
		"-c", "copy",
		"-movflags", "+faststart",
		outputPath,
	)
}

// Outcome is the terminal transition a worker reports back to the
// event loop once FFmpeg assembly has finished. The event loop, not
// the worker, applies it to the session — the worker pool is not
// allowed to mutate session state directly.
type Outcome struct {
	SessionID string
	Success   bool
	Err       error
}

// Recorder is the Recorder component: a bounded worker pool that
// drains FINALIZING sessions and reports Outcomes.
type Recorder struct {
	cfg      Config
	queue    chan *session.Session
	g        *errgroup.Group
	outcomes chan Outcome
}

func New(cfg Config) *Recorder {
	cfg.applyDefaults()
	return &Recorder{
		cfg:      cfg,
		queue:    make(chan *session.Session, 64),
		outcomes: make(chan Outcome, 64),
	}
}

// Outcomes is the channel the event loop reads terminal transitions
// from.
func (r *Recorder) Outcomes() <-chan Outcome { return r.outcomes }

// Start launches the bounded worker pool on an errgroup.Group. Worker
// functions never return an error (a failed assembly becomes a FAILED
// Outcome instead), so one session's failure never cancels another's
// in-flight FFmpeg invocation the way errgroup.WithContext would.
func (r *Recorder) Start(ctx context.Context) {
	r.g = &errgroup.Group{}
	for i := 0; i < r.cfg.Workers; i++ {
		r.g.Go(func() error {
			r.workerLoop(ctx)
			return nil
		})
	}
}

// Submit enqueues a FINALIZING session for assembly. Never blocks the
// caller (the event loop): the enqueue happens on a short-lived
// goroutine so a full queue cannot stall session-manager ticks.
func (r *Recorder) Submit(s *session.Session) {
	go func() { r.queue <- s }()
}

// Shutdown stops accepting new work and waits up to grace for
// in-flight assemblies to finish.
func (r *Recorder) Shutdown(grace time.Duration) {
	close(r.queue)
	done := make(chan struct{})
	go func() {
		r.g.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(grace):
		log.Printf("[recorder] grace period elapsed with workers still draining")
	}
}

func (r *Recorder) workerLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case s, ok := <-r.queue:
			if !ok {
				return
			}
			r.finalize(ctx, s)
		}
	}
}

func (r *Recorder) finalize(ctx context.Context, s *session.Session) {
	scratchDir := filepath.Join(r.cfg.SessionsDir, s.ID)
	if err := os.MkdirAll(scratchDir, 0o755); err != nil {
		r.outcomes <- Outcome{SessionID: s.ID, Success: false, Err: fmt.Errorf("recorder: scratch dir: %w", err)}
		return
	}

	paths := dedupeExisting(s.Segments())
	if len(paths) == 0 {
		r.outcomes <- Outcome{SessionID: s.ID, Success: false, Err: fmt.Errorf("recorder: no usable segments for session %s", s.ID)}
		return
	}

	manifestPath := filepath.Join(scratchDir, "concat.txt")
	if err := writeManifest(manifestPath, paths); err != nil {
		r.outcomes <- Outcome{SessionID: s.ID, Success: false, Err: err}
		return
	}

	outputPath := s.OutputPath()
	if err := os.MkdirAll(filepath.Dir(outputPath), 0o755); err != nil {
		r.outcomes <- Outcome{SessionID: s.ID, Success: false, Err: fmt.Errorf("recorder: evidence dir: %w", err)}
		return
	}

	err := r.runConcat(ctx, manifestPath, outputPath)
	if err != nil {
		log.Printf("[recorder] session %s: first concat attempt failed: %v, retrying", s.ID, err)
		time.Sleep(1 * time.Second)
		err = r.runConcat(ctx, manifestPath, outputPath)
	}

	if err != nil {
		log.Printf("[recorder] session %s: concat failed twice, marking FAILED, scratch preserved at %s: %v", s.ID, scratchDir, err)
		r.outcomes <- Outcome{SessionID: s.ID, Success: false, Err: err}
		return
	}

	if f, ferr := os.Open(outputPath); ferr == nil {
		f.Sync()
		f.Close()
	}
	os.Remove(manifestPath)
	log.Printf("[recorder] session %s: wrote %s", s.ID, outputPath)
	r.outcomes <- Outcome{SessionID: s.ID, Success: true}
}

func (r *Recorder) runConcat(ctx context.Context, manifestPath, outputPath string) error {
	cmd := r.cfg.FFmpegFactory(ctx, manifestPath, outputPath)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return fmt.Errorf("ffmpeg concat: %w: %s", err, strings.TrimSpace(stderr.String()))
	}
	return nil
}

// dedupeExisting materializes the segment list, de-duplicates by path
// preserving order, and skips files that no longer exist or are
// empty — retention may have deleted a segment before the recorder
// got to it, which is a WARN, not a failure.
func dedupeExisting(segs []session.Segment) []string {
	seen := map[string]bool{}
	var out []string
	for _, seg := range segs {
		if seen[seg.Path] {
			continue
		}
		seen[seg.Path] = true
		info, err := os.Stat(seg.Path)
		if err != nil || info.Size() == 0 {
			log.Printf("[recorder] WARN: skipping missing/empty segment %s", seg.Path)
			continue
		}
		out = append(out, seg.Path)
	}
	return out
}

func writeManifest(path string, segmentPaths []string) error {
	var buf bytes.Buffer
	for _, p := range segmentPaths {
		abs, err := filepath.Abs(p)
		if err != nil {
			abs = p
		}
		escaped := strings.ReplaceAll(abs, "'", `'\''`)
		fmt.Fprintf(&buf, "file '%s'\n", escaped)
	}
	return os.WriteFile(path, buf.Bytes(), 0o644)
}
