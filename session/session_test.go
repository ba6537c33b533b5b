package session

import (
	"testing"
	"time"
)

func seg(seq uint64, createdAt time.Time) Segment {
	return Segment{Path: "/buf/clip.ts", Seq: seq, CreatedAt: createdAt}
}

func TestOpenAdoptsPreRollAndEntersRecording(t *testing.T) {
	base := time.Unix(0, 0)
	preRoll := []Segment{seg(1, base.Add(7*time.Second)), seg(2, base.Add(10*time.Second))}
	s := Open("abc", preRoll, base.Add(12*time.Second), base.Add(12*time.Second), 3)

	if s.Phase() != Recording {
		t.Fatalf("expected RECORDING, got %s", s.Phase())
	}
	if len(s.Segments()) != 2 {
		t.Fatalf("expected 2 pre-roll segments, got %d", len(s.Segments()))
	}
}

func TestAppendSegmentRejectsBeforePreRollCutoff(t *testing.T) {
	base := time.Unix(0, 0)
	detect := base.Add(12 * time.Second)
	s := Open("abc", nil, detect, detect, 3)

	// cutoff = detect - 3s = t=9s; a segment created at t=5s must be dropped
	s.OnSegment(seg(1, base.Add(5*time.Second)))
	if len(s.Segments()) != 0 {
		t.Fatalf("expected segment before cutoff to be rejected, got %d", len(s.Segments()))
	}

	s.OnSegment(seg(2, base.Add(10*time.Second)))
	if len(s.Segments()) != 1 {
		t.Fatalf("expected segment after cutoff to be kept, got %d", len(s.Segments()))
	}
}

func TestMotionStopThenDeadlineFinalizes(t *testing.T) {
	base := time.Unix(0, 0)
	s := Open("abc", nil, base, base, 3)

	s.OnMotionStop(base.Add(20*time.Second), 3*time.Second)
	if s.Phase() != Cooldown {
		t.Fatalf("expected COOLDOWN, got %s", s.Phase())
	}

	s.Tick(base.Add(22*time.Second), "/evidence")
	if s.Phase() != Cooldown {
		t.Fatalf("expected still COOLDOWN before deadline, got %s", s.Phase())
	}

	s.Tick(base.Add(23*time.Second), "/evidence")
	if s.Phase() != Finalizing {
		t.Fatalf("expected FINALIZING at deadline, got %s", s.Phase())
	}
	if s.OutputPath() == "" {
		t.Fatal("expected output path to be assigned on entering FINALIZING")
	}
}

func TestMotionStartExtendsCooldownBackToRecording(t *testing.T) {
	base := time.Unix(0, 0)
	s := Open("abc", nil, base, base, 3)
	s.OnMotionStop(base.Add(20*time.Second), 3*time.Second)
	s.OnMotionStart(base.Add(22 * time.Second))

	if s.Phase() != Recording {
		t.Fatalf("expected RECORDING after extension, got %s", s.Phase())
	}
	if !s.Deadline().IsZero() {
		t.Fatal("expected deadline cleared after extension")
	}
}

func TestRepeatedMotionStartWhileRecordingIsNoOp(t *testing.T) {
	base := time.Unix(0, 0)
	s := Open("abc", nil, base, base, 3)
	s.OnMotionStart(base.Add(1 * time.Second))
	s.OnMotionStart(base.Add(2 * time.Second))

	if s.Phase() != Recording {
		t.Fatalf("expected RECORDING, got %s", s.Phase())
	}
}

func TestCompleteAndFailOnlyValidFromFinalizing(t *testing.T) {
	base := time.Unix(0, 0)
	s := Open("abc", nil, base, base, 3)
	s.Complete()
	if s.Phase() != Recording {
		t.Fatalf("Complete from RECORDING must be a no-op, got %s", s.Phase())
	}

	s.OnMotionStop(base.Add(1*time.Second), 0)
	s.Tick(base.Add(1*time.Second), "/evidence")
	if s.Phase() != Finalizing {
		t.Fatalf("expected FINALIZING, got %s", s.Phase())
	}
	s.Complete()
	if s.Phase() != Completed {
		t.Fatalf("expected COMPLETED, got %s", s.Phase())
	}
}

func TestZeroCooldownFinalizesWithinOneTick(t *testing.T) {
	base := time.Unix(0, 0)
	s := Open("abc", nil, base, base, 3)
	s.OnMotionStop(base.Add(5*time.Second), 0)
	s.Tick(base.Add(5*time.Second), "/evidence")
	if s.Phase() != Finalizing {
		t.Fatalf("expected FINALIZING within one tick of zero cooldown, got %s", s.Phase())
	}
}
