// Package cron schedules the housekeeping jobs described in section 11.2:
// evidence retention and scratch-directory cleanup, both adapted from the
// teacher's robfig/cron-backed cron package (health_check_cron.go's
// cron.New(cron.WithSeconds()) / AddFunc / Start shape).
package cron

import (
	"log"
	"os"
	"path/filepath"
	"time"

	"github.com/robfig/cron/v3"
)

// EvidenceRetentionJob deletes evidence MP4s older than retentionDays.
// retentionDays == 0 disables the job entirely.
type EvidenceRetentionJob struct {
	cron          *cron.Cron
	evidenceDir   string
	retentionDays int
}

// NewEvidenceRetentionJob builds the job. evidenceDir is scanned
// top-level for *.mp4 files; retentionDays <= 0 disables deletion.
func NewEvidenceRetentionJob(evidenceDir string, retentionDays int) *EvidenceRetentionJob {
	return &EvidenceRetentionJob{
		cron:          cron.New(cron.WithSeconds()),
		evidenceDir:   evidenceDir,
		retentionDays: retentionDays,
	}
}

// Start schedules the job to run daily at 03:00 and once immediately.
func (j *EvidenceRetentionJob) Start() error {
	if j.retentionDays <= 0 {
		log.Println("[cron] evidence retention disabled (--archive-retention-days=0)")
		return nil
	}

	log.Println("[cron] starting evidence retention job (daily at 03:00)")
	if _, err := j.cron.AddFunc("0 0 3 * * *", j.run); err != nil {
		return err
	}
	j.cron.Start()
	go j.run()
	return nil
}

// Stop halts the scheduler, waiting for any in-flight run to finish.
func (j *EvidenceRetentionJob) Stop() {
	ctx := j.cron.Stop()
	<-ctx.Done()
}

func (j *EvidenceRetentionJob) run() {
	cutoff := time.Now().AddDate(0, 0, -j.retentionDays)
	entries, err := os.ReadDir(j.evidenceDir)
	if err != nil {
		log.Printf("[cron] evidence retention: failed to read %s: %v", j.evidenceDir, err)
		return
	}

	deleted := 0
	for _, entry := range entries {
		if entry.IsDir() || filepath.Ext(entry.Name()) != ".mp4" {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			continue
		}
		if info.ModTime().After(cutoff) {
			continue
		}
		path := filepath.Join(j.evidenceDir, entry.Name())
		if err := os.Remove(path); err != nil {
			log.Printf("[cron] evidence retention: failed to remove %s: %v", path, err)
			continue
		}
		deleted++
	}
	log.Printf("[cron] evidence retention: deleted %d file(s) older than %d day(s)", deleted, j.retentionDays)
}
