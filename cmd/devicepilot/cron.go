package main

import (
	"time"

	"devicepilot/config"
	"devicepilot/cron"
	"devicepilot/database"
	"devicepilot/eventloop"
)

// cronJobs bundles the housekeeping schedulers so main can start/stop
// them as a unit.
type cronJobs struct {
	retention *cron.EvidenceRetentionJob
	sweep     *cron.ScratchSweepJob
}

func newCronJobs(cfg config.Config, audit database.AuditLog, loop *eventloop.Loop) *cronJobs {
	liveIDs := func() map[string]bool {
		out := map[string]bool{}
		for _, s := range loop.Sessions() {
			out[s.ID] = true
		}
		return out
	}

	return &cronJobs{
		retention: cron.NewEvidenceRetentionJob(cfg.EvidenceDir, cfg.ArchiveRetentionDays),
		sweep:     cron.NewScratchSweepJob(cfg.SessionsDir, liveIDs, 30*time.Second),
	}
}

func (j *cronJobs) start() error {
	if err := j.retention.Start(); err != nil {
		return err
	}
	return j.sweep.Start()
}

func (j *cronJobs) stop() {
	j.retention.Stop()
	j.sweep.Stop()
}
