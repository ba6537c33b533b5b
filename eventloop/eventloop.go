// Package eventloop implements the core event loop described in
// section 5: a single goroutine serializes all state mutation for
// segment arrivals, motion events, periodic ticks, and recorder
// outcomes, while producers (SegmentBuffer, Detector) and the
// Recorder worker pool run independently and push messages in.
package eventloop

import (
	"context"
	"log"
	"sync"
	"time"

	"devicepilot/buffer"
	"devicepilot/clock"
	"devicepilot/detector"
	"devicepilot/recorder"
	"devicepilot/session"
	"devicepilot/sessionmanager"
)

// tickInterval is the Ticker producer's period (spec.md §5: 250ms).
const tickInterval = 250 * time.Millisecond

// recorderShutdownGrace is how long in-flight Recorder work is allowed
// to finish during shutdown before remaining sessions are marked
// FAILED (spec.md §5: 30s).
const recorderShutdownGrace = 30 * time.Second

// producerShutdownGrace bounds how long each producer goroutine is
// given to exit once asked to stop (spec.md §5: 5s each).
const producerShutdownGrace = 5 * time.Second

// message is the loop's single input queue item; exactly one of its
// fields is set.
type message struct {
	segment      *session.Segment
	motion       *detector.Event
	tick         *time.Time
	recorderDone *recorder.Outcome
}

// SessionObserver receives lifecycle transitions for the audit log
// (database package) and the status API; both are optional.
type SessionObserver interface {
	OnTransition(s *session.Session, phase session.Phase)
}

// Loop wires the five components together on one dedicated goroutine.
type Loop struct {
	buf *buffer.Buffer
	det *detector.Loop
	mgr *sessionmanager.Manager
	rec *recorder.Recorder
	clk clock.Clock

	observers []SessionObserver

	in chan message

	wg sync.WaitGroup
}

// New builds every component and wires it into the event loop. The
// detector needs a listener at construction time, which is why this
// constructor builds components itself rather than accepting
// already-built ones: the loop must exist first so detector.NewLoop
// can bind l.onMotion as its listener. The loop discovers newly
// FINALIZING sessions itself on every tick (see dispatch), so the
// SessionManager's own onFinalizing callback is left nil here and free
// for other uses (audit logging, tests) if constructed separately.
func New(bufCfg buffer.Config, detCfg detector.LoopConfig, mgrCfg sessionmanager.Config, recCfg recorder.Config, clk clock.Clock, idGen sessionmanager.IDGenerator) *Loop {
	l := &Loop{clk: clk, in: make(chan message, 256)}
	l.buf = buffer.New(bufCfg, clk)
	l.det = detector.NewLoop(detCfg, clk, l.onMotion)
	l.mgr = sessionmanager.New(mgrCfg, l.buf, clk, idGen, nil)
	l.rec = recorder.New(recCfg)
	return l
}

// Observe registers a SessionObserver. Must be called before Run.
func (l *Loop) Observe(o SessionObserver) {
	l.observers = append(l.observers, o)
}

// Sessions returns a snapshot of the live session set, for the status
// API and tests. Safe to call concurrently: SessionManager.Sessions
// copies its slice, and the returned Session pointers only ever mutate
// on the loop goroutine via the exposed state-transition methods.
func (l *Loop) Sessions() []*session.Session { return l.mgr.Sessions() }

// BufferHealth reports the SegmentBuffer's current supervision state.
func (l *Loop) BufferHealth() buffer.Health { return l.buf.Health() }

// onSegment is the buffer subscriber; it only ever enqueues, never
// blocks the buffer's own goroutine.
func (l *Loop) onSegment(seg session.Segment) {
	s := seg
	l.in <- message{segment: &s}
}

// onMotion is the detector listener; it only ever enqueues.
func (l *Loop) onMotion(ev detector.Event) {
	e := ev
	l.in <- message{motion: &e}
}

// outcomePump forwards a terminal transition from the Recorder
// worker pool back into the loop's input queue. The worker pool itself
// never mutates session state (see recorder.Outcome's doc comment);
// only this loop does, by calling Complete/Fail below.
func (l *Loop) outcomePump(ctx context.Context) {
	defer l.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case out, ok := <-l.rec.Outcomes():
			if !ok {
				return
			}
			o := out
			select {
			case l.in <- message{recorderDone: &o}:
			case <-ctx.Done():
				return
			}
		}
	}
}

func (l *Loop) tickPump(ctx context.Context) {
	defer l.wg.Done()
	ticker := l.clk.NewTicker(tickInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now, ok := <-ticker.C():
			if !ok {
				return
			}
			t := now
			select {
			case l.in <- message{tick: &t}:
			case <-ctx.Done():
				return
			}
		}
	}
}

// Run starts the producers and blocks the calling goroutine, draining
// the input queue until ctx is cancelled. All session-state mutation
// below happens on this single goroutine.
func (l *Loop) Run(ctx context.Context) {
	l.buf.Subscribe(l.onSegment)

	bufCtx, bufCancel := context.WithCancel(ctx)
	detCtx, detCancel := context.WithCancel(ctx)
	defer bufCancel()
	defer detCancel()

	if err := l.buf.Start(bufCtx); err != nil {
		log.Printf("[eventloop] buffer failed to start: %v", err)
	}

	l.wg.Add(1)
	go func() {
		defer l.wg.Done()
		l.det.Run(detCtx)
	}()

	l.rec.Start(ctx)

	l.wg.Add(2)
	go l.outcomePump(ctx)
	go l.tickPump(ctx)

	inFlightOutcomes := map[string]*session.Session{}

	for {
		select {
		case <-ctx.Done():
			l.shutdown(inFlightOutcomes)
			return
		case msg := <-l.in:
			l.dispatch(msg, inFlightOutcomes)
		}
	}
}

func (l *Loop) dispatch(msg message, inFlight map[string]*session.Session) {
	switch {
	case msg.segment != nil:
		l.mgr.OnSegment(*msg.segment)

	case msg.motion != nil:
		switch msg.motion.Kind {
		case detector.MotionStart:
			before := l.mgr.ActiveRecording()
			l.mgr.OnMotionStart(msg.motion.At)
			if s := l.mgr.ActiveRecording(); s != nil && s != before {
				l.notify(s, session.Recording)
			}
		case detector.MotionStop:
			s := l.mgr.ActiveRecording()
			if err := l.mgr.OnMotionStop(msg.motion.At); err != nil {
				log.Printf("[eventloop] %v", err)
			} else {
				l.notify(s, session.Cooldown)
			}
		}

	case msg.tick != nil:
		l.mgr.Tick(*msg.tick)
		for _, s := range l.mgr.Sessions() {
			if s.Phase() == session.Finalizing {
				if _, queued := inFlight[s.ID]; !queued {
					inFlight[s.ID] = s
					l.notify(s, session.Finalizing)
					l.rec.Submit(s)
				}
			}
		}

	case msg.recorderDone != nil:
		s, ok := inFlight[msg.recorderDone.SessionID]
		if !ok {
			log.Printf("[eventloop] outcome for unknown session %s", msg.recorderDone.SessionID)
			return
		}
		delete(inFlight, msg.recorderDone.SessionID)
		if msg.recorderDone.Success {
			s.Complete()
			l.notify(s, session.Completed)
		} else {
			log.Printf("[eventloop] session %s failed: %v", s.ID, msg.recorderDone.Err)
			s.Fail()
			l.notify(s, session.Failed)
		}
		l.mgr.Tick(l.clk.Now()) // prune the now-terminal session promptly
	}
}

func (l *Loop) notify(s *session.Session, phase session.Phase) {
	for _, o := range l.observers {
		o.OnTransition(s, phase)
	}
}

// shutdown stops producers within their grace periods and gives the
// Recorder up to recorderShutdownGrace to drain in-flight work before
// force-failing whatever remains.
func (l *Loop) shutdown(inFlight map[string]*session.Session) {
	log.Printf("[eventloop] shutting down")
	l.buf.Stop()

	done := make(chan struct{})
	go func() {
		l.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(producerShutdownGrace):
		log.Printf("[eventloop] producers did not exit within grace period")
	}

	l.rec.Shutdown(recorderShutdownGrace)

	// Drain any outcomes that arrived during shutdown, then fail
	// whatever never reported back within the grace period.
	drain := time.After(100 * time.Millisecond)
drainLoop:
	for {
		select {
		case out, ok := <-l.rec.Outcomes():
			if !ok {
				break drainLoop
			}
			if s, found := inFlight[out.SessionID]; found {
				delete(inFlight, out.SessionID)
				if out.Success {
					s.Complete()
				} else {
					s.Fail()
				}
			}
		case <-drain:
			break drainLoop
		}
	}
	for id, s := range inFlight {
		log.Printf("[eventloop] session %s did not finalize before shutdown, marking FAILED", id)
		s.Fail()
	}
}
