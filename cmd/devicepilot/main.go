// Command devicepilot wires configuration, the session audit log, the
// core event loop, the scheduled housekeeping jobs, resource
// monitoring, and the read-only status API, then blocks until
// SIGINT/SIGTERM for a graceful shutdown — in the style of the
// teacher's main.go, with signal handling adapted from the
// graceful-shutdown pattern in recording/resilience.go's worker
// lifecycle (context cancellation + bounded wait), since the teacher
// itself never trapped signals.
package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"

	"devicepilot/api"
	"devicepilot/buffer"
	"devicepilot/clock"
	"devicepilot/config"
	"devicepilot/database"
	"devicepilot/detector"
	"devicepilot/eventloop"
	"devicepilot/monitoring"
	"devicepilot/recorder"
	"devicepilot/session"
	"devicepilot/sessionmanager"
	"devicepilot/storage"
)

func main() {
	cfg, err := config.Load(os.Args[1:])
	if err != nil {
		log.Printf("configuration error: %v", err)
		os.Exit(1)
	}

	if err := run(cfg); err != nil {
		log.Printf("fatal: %v", err)
		os.Exit(2)
	}
}

func run(cfg config.Config) error {
	for _, dir := range []string{cfg.BufferDir, cfg.SessionsDir, cfg.EvidenceDir} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create directory %s: %w", dir, err)
		}
	}

	audit, err := database.NewSQLiteLog(cfg.DatabasePath)
	if err != nil {
		return fmt.Errorf("open audit log: %w", err)
	}
	defer audit.Close()

	var archiver *storage.Archiver
	if cfg.ArchiveBucket != "" {
		archiver, err = storage.NewArchiver(storage.Config{
			Bucket:    cfg.ArchiveBucket,
			AccessKey: os.Getenv("ARCHIVE_ACCESS_KEY"),
			SecretKey: os.Getenv("ARCHIVE_SECRET_KEY"),
			AccountID: os.Getenv("ARCHIVE_ACCOUNT_ID"),
			Endpoint:  os.Getenv("ARCHIVE_ENDPOINT"),
			BaseURL:   os.Getenv("ARCHIVE_BASE_URL"),
		})
		if err != nil {
			log.Printf("[main] archival disabled: %v", err)
			archiver = nil
		}
	}

	clk := clock.Real{}
	loop := eventloop.New(
		buffer.Config{
			RTSPMainURL:     cfg.RTSPMainURL,
			BufferDir:       cfg.BufferDir,
			SegmentDuration: 5 * time.Second,
			MaxPreRollSecs:  cfg.PreRollSeconds,
			MaxBackoff:      cfg.MaxReconnectDelay,
			OnSegmentCaptured: func() {
				_ = audit.IncrementCounter("segments_captured")
			},
			OnRestart: func() {
				_ = audit.IncrementCounter("buffer_restarts")
			},
			OnHardReset: func() {
				_ = audit.IncrementCounter("buffer_hard_resets")
			},
		},
		detector.LoopConfig{
			Config: detector.Config{
				MotionThreshold:     cfg.MotionThreshold,
				LightJumpThreshold:  cfg.LightThreshold,
				MinMotionSeconds:    cfg.MinMotionSeconds,
				StartupDelaySeconds: cfg.StartupDelaySeconds,
			},
			RTSPSubURL: cfg.RTSPSubURL,
			MaxBackoff: cfg.MaxReconnectDelay,
		},
		sessionmanager.Config{
			PreRollSeconds:   cfg.PreRollSeconds,
			SegmentDuration:  5 * time.Second,
			CooldownDuration: cfg.CooldownDuration(),
			EvidenceDir:      cfg.EvidenceDir,
		},
		recorder.Config{
			SessionsDir: cfg.SessionsDir,
		},
		clk,
		func() string { return uuid.NewString() },
	)

	obs := &auditObserver{audit: audit, archiver: archiver}
	loop.Observe(obs)

	retention := newCronJobs(cfg, audit, loop)
	if err := retention.start(); err != nil {
		return fmt.Errorf("start cron jobs: %w", err)
	}
	defer retention.stop()

	stopMonitor := make(chan struct{})
	monitoring.New(cfg.BufferDir, cfg.EvidenceDir, 5, 30*time.Second).Start(stopMonitor)
	defer close(stopMonitor)

	statusSrv := api.New(cfg.StatusAddr, loop, audit)
	go func() {
		if err := statusSrv.Start(); err != nil {
			log.Printf("[main] status API exited: %v", err)
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	log.Printf("[main] devicepilot starting (main=%s sub=%s)", cfg.RTSPMainURL, cfg.RTSPSubURL)
	loop.Run(ctx)
	log.Printf("[main] shutdown complete")
	return nil
}

// auditObserver records each session transition the event loop reports
// (RECORDING, COOLDOWN, FINALIZING, COMPLETED, FAILED) to the audit log
// and kicks off best-effort archival on COMPLETED, never touching
// session state itself (spec.md §11.4). Sessions completed or failed
// inside the event loop's shutdown are not reported to it.
type auditObserver struct {
	audit    database.AuditLog
	archiver *storage.Archiver
}

func (o *auditObserver) OnTransition(s *session.Session, phase session.Phase) {
	t := database.Transition{SessionID: s.ID, Phase: phase.String(), At: time.Now()}
	if phase == session.Completed {
		t.OutputPath = s.OutputPath()
	}
	if err := o.audit.RecordTransition(t); err != nil {
		log.Printf("[main] failed to record transition for %s: %v", s.ID, err)
	}

	switch phase {
	case session.Completed:
		_ = o.audit.IncrementCounter("sessions_completed")
		if o.archiver != nil && s.OutputPath() != "" {
			go func(id, path string) {
				url, err := o.archiver.ArchiveSession(id, path)
				if err != nil {
					log.Printf("[main] archival failed for %s: %v", id, err)
					return
				}
				log.Printf("[main] archived %s to %s", id, url)
			}(s.ID, s.OutputPath())
		}
	case session.Failed:
		_ = o.audit.IncrementCounter("sessions_failed")
	}
}
