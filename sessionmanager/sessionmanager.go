// Package sessionmanager holds the live sessions, routes detector
// events to them, and is the only component that decides whether a
// MotionStart extends the active session or opens a new one.
package sessionmanager

import (
	"fmt"
	"math"
	"time"

	"devicepilot/clock"
	"devicepilot/session"
)

// RecentSegments is the subset of the SegmentBuffer contract the
// manager needs to assemble pre-roll for a new session.
type RecentSegments interface {
	RecentSegments(count int) []session.Segment
}

// IDGenerator mints a session identifier; swappable for deterministic
// tests.
type IDGenerator func() string

// Config bundles the manager's tunables.
type Config struct {
	PreRollSeconds   float64
	SegmentDuration  time.Duration
	CooldownDuration time.Duration
	EvidenceDir      string
}

// Manager is the SessionManager component: it owns the live-session
// set and is driven exclusively from the single-threaded event loop,
// so no internal locking is required.
type Manager struct {
	cfg     Config
	buf     RecentSegments
	clock   clock.Clock
	idGen   IDGenerator
	onFinal func(*session.Session)

	sessions []*session.Session
	active   *session.Session // the session currently in RECORDING, if any
}

func New(cfg Config, buf RecentSegments, clk clock.Clock, idGen IDGenerator, onFinalizing func(*session.Session)) *Manager {
	return &Manager{cfg: cfg, buf: buf, clock: clk, idGen: idGen, onFinal: onFinalizing}
}

// Sessions returns the live session set in creation order. For
// inspection (tests, status API) only; callers must not mutate.
func (m *Manager) Sessions() []*session.Session {
	out := make([]*session.Session, len(m.sessions))
	copy(out, m.sessions)
	return out
}

// ActiveRecording returns the session currently in RECORDING, or nil.
func (m *Manager) ActiveRecording() *session.Session { return m.active }

// OnMotionStart routes a detector MotionStart: extends the active
// RECORDING session if one exists, otherwise opens a new session
// seeded with pre-roll segments from the buffer. A MotionStart
// arriving while an older session is in COOLDOWN always opens a new
// session; the COOLDOWN session continues independently.
func (m *Manager) OnMotionStart(t time.Time) {
	if m.active != nil {
		m.active.OnMotionStart(t)
		return
	}

	count := int(math.Ceil(m.cfg.PreRollSeconds / m.cfg.SegmentDuration.Seconds()))
	if count < 0 {
		count = 0
	}
	preRoll := m.buf.RecentSegments(count)

	id := m.idGen()
	s := session.Open(id, preRoll, m.clock.Now(), t, m.cfg.PreRollSeconds)
	m.sessions = append(m.sessions, s)
	m.active = s
}

// OnMotionStop forwards to the single RECORDING session. It is an
// error for the detector contract (strict Start/Stop alternation) to
// be violated; the manager reports this rather than guessing.
func (m *Manager) OnMotionStop(t time.Time) error {
	if m.active == nil {
		return fmt.Errorf("sessionmanager: MotionStop at %s with no active RECORDING session", t)
	}
	m.active.OnMotionStop(t, m.cfg.CooldownDuration)
	m.active = nil
	return nil
}

// OnSegment forwards a newly discovered segment to every session still
// collecting footage (RECORDING or COOLDOWN) — this is what makes
// overlapping sessions share tail/pre-roll footage.
func (m *Manager) OnSegment(seg session.Segment) {
	for _, s := range m.sessions {
		if s.Phase() == session.Recording || s.Phase() == session.Cooldown {
			s.OnSegment(seg)
		}
	}
}

// Tick advances every live session's cooldown timer, hands newly
// FINALIZING sessions off to the recorder callback, and prunes any
// session that has reached a terminal phase.
func (m *Manager) Tick(now time.Time) {
	for _, s := range m.sessions {
		before := s.Phase()
		s.Tick(now, m.cfg.EvidenceDir)
		if before != session.Finalizing && s.Phase() == session.Finalizing && m.onFinal != nil {
			m.onFinal(s)
		}
	}
	m.prune()
}

func (m *Manager) prune() {
	live := m.sessions[:0]
	for _, s := range m.sessions {
		if s.IsActive() {
			live = append(live, s)
		}
	}
	m.sessions = live
}
