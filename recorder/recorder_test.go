package recorder

import (
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"testing"
	"time"

	"devicepilot/session"
)

// fakeFFmpegSuccess returns a command that just creates the output file,
// simulating a successful concat without touching a real ffmpeg
// binary. Used for the success-path tests.
func fakeFFmpegSuccess(ctx context.Context, manifestPath, outputPath string) *exec.Cmd {
	return exec.CommandContext(ctx, "sh", "-c", "touch '"+outputPath+"'")
}

func fakeFFmpegFailure(ctx context.Context, manifestPath, outputPath string) *exec.Cmd {
	return exec.CommandContext(ctx, "sh", "-c", "exit 1")
}

func newSession(t *testing.T, dir string, segPaths []string) *session.Session {
	t.Helper()
	var segs []session.Segment
	base := time.Unix(0, 0)
	for i, p := range segPaths {
		segs = append(segs, session.Segment{Path: p, Seq: uint64(i + 1), CreatedAt: base})
	}
	s := session.Open("sess1", segs, base, base, 0)
	s.OnMotionStop(base, 0)
	s.Tick(base, dir)
	return s
}

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write %s: %v", path, err)
	}
}

func TestFinalizeSuccessProducesCompleteOutcome(t *testing.T) {
	tmp := t.TempDir()
	bufDir := filepath.Join(tmp, "buf")
	evidenceDir := filepath.Join(tmp, "evidence")
	sessionsDir := filepath.Join(tmp, "sessions")
	os.MkdirAll(bufDir, 0o755)

	seg1 := filepath.Join(bufDir, "clip_00001.ts")
	seg2 := filepath.Join(bufDir, "clip_00002.ts")
	writeFile(t, seg1, "data")
	writeFile(t, seg2, "data")

	s := newSession(t, evidenceDir, []string{seg1, seg2})

	r := New(Config{SessionsDir: sessionsDir, Workers: 1, FFmpegFactory: fakeFFmpegSuccess})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	r.Start(ctx)
	r.Submit(s)

	select {
	case out := <-r.Outcomes():
		if !out.Success {
			t.Fatalf("expected success, got error: %v", out.Err)
		}
		if out.SessionID != s.ID {
			t.Fatalf("expected session id %s, got %s", s.ID, out.SessionID)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for outcome")
	}

	if _, err := os.Stat(s.OutputPath()); err != nil {
		t.Fatalf("expected output file to exist: %v", err)
	}
	if _, err := os.Stat(filepath.Join(sessionsDir, s.ID, "concat.txt")); !os.IsNotExist(err) {
		t.Fatal("expected manifest to be removed on success")
	}
}

func TestFinalizeFailureTwicePreservesScratch(t *testing.T) {
	tmp := t.TempDir()
	bufDir := filepath.Join(tmp, "buf")
	evidenceDir := filepath.Join(tmp, "evidence")
	sessionsDir := filepath.Join(tmp, "sessions")
	os.MkdirAll(bufDir, 0o755)

	seg1 := filepath.Join(bufDir, "clip_00001.ts")
	writeFile(t, seg1, "data")

	s := newSession(t, evidenceDir, []string{seg1})

	r := New(Config{SessionsDir: sessionsDir, Workers: 1, FFmpegFactory: fakeFFmpegFailure})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	r.Start(ctx)
	r.Submit(s)

	select {
	case out := <-r.Outcomes():
		if out.Success {
			t.Fatal("expected failure outcome")
		}
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for outcome")
	}

	if _, err := os.Stat(filepath.Join(sessionsDir, s.ID, "concat.txt")); err != nil {
		t.Fatalf("expected scratch manifest to be preserved on failure: %v", err)
	}
}

func TestFinalizeSkipsMissingSegments(t *testing.T) {
	tmp := t.TempDir()
	bufDir := filepath.Join(tmp, "buf")
	evidenceDir := filepath.Join(tmp, "evidence")
	sessionsDir := filepath.Join(tmp, "sessions")
	os.MkdirAll(bufDir, 0o755)

	existing := filepath.Join(bufDir, "clip_00002.ts")
	missing := filepath.Join(bufDir, "clip_00001.ts")
	writeFile(t, existing, "data")

	s := newSession(t, evidenceDir, []string{missing, existing})

	r := New(Config{SessionsDir: sessionsDir, Workers: 1, FFmpegFactory: fakeFFmpegSuccess})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	r.Start(ctx)
	r.Submit(s)

	select {
	case out := <-r.Outcomes():
		if !out.Success {
			t.Fatalf("expected session still COMPLETED with remaining usable input, got: %v", out.Err)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for outcome")
	}
}
