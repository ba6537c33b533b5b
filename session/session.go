// Package session implements the per-event recording state machine:
// RECORDING, COOLDOWN, FINALIZING, COMPLETED and FAILED, and the
// pre-roll/live segment collection that feeds the recorder.
package session

import (
	"fmt"
	"path/filepath"
	"time"
)

// Phase is one state in a session's lifecycle.
type Phase int

const (
	Recording Phase = iota
	Cooldown
	Finalizing
	Completed
	Failed
)

func (p Phase) String() string {
	switch p {
	case Recording:
		return "RECORDING"
	case Cooldown:
		return "COOLDOWN"
	case Finalizing:
		return "FINALIZING"
	case Completed:
		return "COMPLETED"
	case Failed:
		return "FAILED"
	default:
		return "UNKNOWN"
	}
}

// Segment is a read-only reference to a buffer-owned segment file.
type Segment struct {
	Path      string
	Seq       uint64
	CreatedAt time.Time
}

// Session is a single event's recording, born on the first MotionStart
// not absorbed by an existing RECORDING session and destroyed once the
// Recorder has either produced its MP4 or given up.
//
// Session performs no I/O itself; every method is a pure transition
// driven by the event loop.
type Session struct {
	ID string

	phase Phase

	startTime      time.Time // wall-clock time the session was opened
	detectStart    time.Time // time of the triggering MotionStart
	preRollSeconds float64

	segments  []Segment
	lastSeq   uint64
	haveSeq   bool
	deadline  time.Time // valid only in COOLDOWN
	outputMP4 string
}

// Open creates a new session in RECORDING carrying the supplied
// pre-roll segments, which must already be in playback order.
func Open(id string, preRoll []Segment, startTime, detectStart time.Time, preRollSeconds float64) *Session {
	s := &Session{
		ID:             id,
		phase:          Recording,
		startTime:      startTime,
		detectStart:    detectStart,
		preRollSeconds: preRollSeconds,
	}
	for _, seg := range preRoll {
		s.addSegment(seg)
	}
	return s
}

// appendSegment adds a live segment, ignoring any created before the
// detection start minus the pre-roll duration.
func (s *Session) appendSegment(seg Segment) {
	cutoff := s.detectStart.Add(-time.Duration(s.preRollSeconds * float64(time.Second)))
	if seg.CreatedAt.Before(cutoff) {
		return
	}
	s.addSegment(seg)
}

func (s *Session) addSegment(seg Segment) {
	if s.haveSeq && seg.Seq <= s.lastSeq {
		// Sequence numbers need not be continuous across buffer
		// restarts, but duplicates and out-of-order delivery are
		// rejected so the list stays strictly increasing.
		return
	}
	s.segments = append(s.segments, seg)
	s.lastSeq = seg.Seq
	s.haveSeq = true
}

// Phase returns the session's current phase.
func (s *Session) Phase() Phase { return s.phase }

// Segments returns the collected segment list in playback order. The
// returned slice is a copy; callers must not mutate session state
// through it.
func (s *Session) Segments() []Segment {
	out := make([]Segment, len(s.segments))
	copy(out, s.segments)
	return out
}

// OutputPath returns the MP4 path assigned on entering FINALIZING, or
// the empty string before that.
func (s *Session) OutputPath() string { return s.outputMP4 }

// IsActive reports whether the session still occupies a slot in the
// manager's live set.
func (s *Session) IsActive() bool {
	switch s.phase {
	case Recording, Cooldown, Finalizing:
		return true
	default:
		return false
	}
}

// OnSegment drains a newly discovered segment into the session if it
// is still collecting footage (RECORDING or COOLDOWN).
func (s *Session) OnSegment(seg Segment) {
	if s.phase != Recording && s.phase != Cooldown {
		return
	}
	s.appendSegment(seg)
}

// OnMotionStop transitions RECORDING to COOLDOWN and arms the cooldown
// deadline. A no-op outside RECORDING.
func (s *Session) OnMotionStop(t time.Time, cooldown time.Duration) {
	if s.phase != Recording {
		return
	}
	s.phase = Cooldown
	s.deadline = t.Add(cooldown)
}

// OnMotionStart extends a COOLDOWN session back to RECORDING, clearing
// the deadline. Idempotent while already RECORDING.
func (s *Session) OnMotionStart(t time.Time) {
	switch s.phase {
	case Cooldown:
		s.phase = Recording
		s.deadline = time.Time{}
	case Recording:
		// idempotent
	}
}

// Tick advances COOLDOWN to FINALIZING once the deadline has passed,
// assigning the session's output MP4 path under evidenceDir.
func (s *Session) Tick(now time.Time, evidenceDir string) {
	if s.phase != Cooldown {
		return
	}
	if now.Before(s.deadline) {
		return
	}
	s.phase = Finalizing
	s.deadline = time.Time{}
	name := fmt.Sprintf("%s_%s.mp4", s.startTime.Format("2006-01-02_15-04-05"), s.ID)
	s.outputMP4 = filepath.Join(evidenceDir, name)
}

// Complete marks a FINALIZING session COMPLETED. Attributes are frozen
// from this point on.
func (s *Session) Complete() {
	if s.phase == Finalizing {
		s.phase = Completed
	}
}

// Fail marks a FINALIZING session FAILED. Attributes are frozen from
// this point on.
func (s *Session) Fail() {
	if s.phase == Finalizing {
		s.phase = Failed
	}
}

// Deadline returns the COOLDOWN deadline; zero if not in COOLDOWN.
func (s *Session) Deadline() time.Time { return s.deadline }

// StartTime returns the wall-clock time the session was opened.
func (s *Session) StartTime() time.Time { return s.startTime }
