package cron

import (
	"log"
	"os"
	"path/filepath"
	"time"

	"github.com/robfig/cron/v3"
)

// LiveSessionIDs reports which session IDs currently exist, so the
// sweep never removes a scratch directory still in use.
type LiveSessionIDs func() map[string]bool

// ScratchSweepJob removes sessionsDir/<id>/ directories left behind by a
// crash between a session being marked FAILED and the Recorder's own
// 30s grace period expiring — see recorder.Recorder's Shutdown grace.
type ScratchSweepJob struct {
	cron        *cron.Cron
	sessionsDir string
	liveIDs     LiveSessionIDs
	staleAfter  time.Duration
}

// NewScratchSweepJob builds the job. staleAfter bounds how old an
// orphaned scratch directory's newest file must be before it is
// removed, so a directory mid-assembly is never touched.
func NewScratchSweepJob(sessionsDir string, liveIDs LiveSessionIDs, staleAfter time.Duration) *ScratchSweepJob {
	return &ScratchSweepJob{
		cron:        cron.New(cron.WithSeconds()),
		sessionsDir: sessionsDir,
		liveIDs:     liveIDs,
		staleAfter:  staleAfter,
	}
}

// Start schedules the sweep to run every 10 minutes.
func (j *ScratchSweepJob) Start() error {
	log.Println("[cron] starting scratch sweep job (every 10 minutes)")
	if _, err := j.cron.AddFunc("0 */10 * * * *", j.run); err != nil {
		return err
	}
	j.cron.Start()
	return nil
}

// Stop halts the scheduler, waiting for any in-flight run to finish.
func (j *ScratchSweepJob) Stop() {
	ctx := j.cron.Stop()
	<-ctx.Done()
}

func (j *ScratchSweepJob) run() {
	entries, err := os.ReadDir(j.sessionsDir)
	if err != nil {
		if !os.IsNotExist(err) {
			log.Printf("[cron] scratch sweep: failed to read %s: %v", j.sessionsDir, err)
		}
		return
	}

	live := j.liveIDs()
	cutoff := time.Now().Add(-j.staleAfter)
	removed := 0

	for _, entry := range entries {
		if !entry.IsDir() || live[entry.Name()] {
			continue
		}
		dir := filepath.Join(j.sessionsDir, entry.Name())
		if newestModTime(dir).After(cutoff) {
			continue // might still be mid-assembly; leave it for next sweep
		}
		if err := os.RemoveAll(dir); err != nil {
			log.Printf("[cron] scratch sweep: failed to remove %s: %v", dir, err)
			continue
		}
		removed++
	}
	if removed > 0 {
		log.Printf("[cron] scratch sweep: removed %d orphaned scratch dir(s)", removed)
	}
}

func newestModTime(dir string) time.Time {
	var newest time.Time
	filepath.Walk(dir, func(_ string, info os.FileInfo, err error) error {
		if err != nil || info == nil {
			return nil
		}
		if info.ModTime().After(newest) {
			newest = info.ModTime()
		}
		return nil
	})
	return newest
}
