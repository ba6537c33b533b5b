// Package config builds Config from, in increasing precedence: compiled-in
// defaults, a .env file, environment variables, and CLI flags.
package config

import (
	"fmt"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
)

// Config holds every tunable named in the CLI surface, plus the
// additions in SPEC_FULL section 11.
type Config struct {
	RTSPMainURL string
	RTSPSubURL  string

	BufferDir   string
	SessionsDir string
	EvidenceDir string

	PreRollSeconds      float64
	CooldownSeconds     float64
	MotionThreshold     float64
	LightThreshold      float64
	MinMotionSeconds    float64
	StartupDelaySeconds float64
	MaxReconnectDelay   time.Duration

	Verbose bool

	ArchiveBucket        string
	ArchiveRetentionDays int
	StatusAddr           string

	DatabasePath string
}

func defaults() Config {
	return Config{
		BufferDir:            "./data/buffer",
		SessionsDir:          "./data/sessions",
		EvidenceDir:          "./data/evidence",
		PreRollSeconds:       10,
		CooldownSeconds:      10,
		MotionThreshold:      0.02,
		LightThreshold:       30,
		MinMotionSeconds:     0.5,
		StartupDelaySeconds:  10,
		MaxReconnectDelay:    30 * time.Second,
		ArchiveRetentionDays: 30,
		StatusAddr:           "127.0.0.1:8585",
		DatabasePath:         "./data/devicepilot.db",
	}
}

// Load reads a .env file if present (ignored if absent — this mirrors
// the teacher's godotenv.Load() call in main.go, which also tolerates a
// missing file), then binds cobra flags seeded from environment
// variables, parses argv, and validates the result.
func Load(args []string) (Config, error) {
	_ = godotenv.Load()

	cfg := defaults()

	cmd := &cobra.Command{
		Use:           "devicepilot",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return nil
		},
	}

	flags := cmd.Flags()
	flags.StringVar(&cfg.RTSPMainURL, "rtsp-main", envOr("RTSP_URL_MAIN", cfg.RTSPMainURL), "RTSP URL for the high-resolution MAIN stream")
	flags.StringVar(&cfg.RTSPSubURL, "rtsp-sub", envOr("RTSP_URL_SUB", cfg.RTSPSubURL), "RTSP URL for the low-resolution SUB stream")
	flags.StringVar(&cfg.BufferDir, "buffer-dir", envOr("PILOT_BUFFER_DIR", cfg.BufferDir), "directory for rolling MAIN segments")
	flags.StringVar(&cfg.SessionsDir, "sessions-dir", envOr("PILOT_SESSIONS_DIR", cfg.SessionsDir), "scratch directory for in-progress concat manifests")
	flags.StringVar(&cfg.EvidenceDir, "evidence-dir", envOr("PILOT_EVIDENCE_DIR", cfg.EvidenceDir), "directory for finished evidence MP4s")
	flags.Float64Var(&cfg.PreRollSeconds, "pre-roll", envOrFloat("PILOT_PRE_ROLL_SECONDS", cfg.PreRollSeconds), "seconds of MAIN footage captured before an event")
	flags.Float64Var(&cfg.CooldownSeconds, "cooldown", envOrFloat("PILOT_COOLDOWN_SECONDS", cfg.CooldownSeconds), "seconds to keep recording after motion stops")
	flags.Float64Var(&cfg.MotionThreshold, "motion-threshold", envOrFloat("PILOT_MOTION_THRESHOLD", cfg.MotionThreshold), "fraction of foreground pixels that counts as motion (0..1)")
	flags.Float64Var(&cfg.LightThreshold, "light-threshold", envOrFloat("PILOT_LIGHT_JUMP_THRESHOLD", cfg.LightThreshold), "absolute mean-luminance delta that counts as a light event (0..255)")
	flags.Float64Var(&cfg.MinMotionSeconds, "min-motion-seconds", envOrFloat("PILOT_MIN_MOTION_SECONDS", cfg.MinMotionSeconds), "seconds a trigger must sustain before MotionStart fires")
	flags.Float64Var(&cfg.StartupDelaySeconds, "startup-delay-seconds", envOrFloat("PILOT_STARTUP_DELAY_SECONDS", cfg.StartupDelaySeconds), "seconds after connecting before the detector emits events")
	flags.DurationVar(&cfg.MaxReconnectDelay, "max-reconnect-delay", envOrDuration("PILOT_MAX_RECONNECT_DELAY", cfg.MaxReconnectDelay), "cap on the buffer/detector reconnect backoff")
	flags.BoolVarP(&cfg.Verbose, "verbose", "v", envOrBool("PILOT_VERBOSE", cfg.Verbose), "sets Config.Verbose; no log output depends on it")
	flags.StringVar(&cfg.ArchiveBucket, "archive-bucket", envOr("ARCHIVE_BUCKET", cfg.ArchiveBucket), "S3-compatible bucket for best-effort evidence archival; empty disables archival")
	flags.IntVar(&cfg.ArchiveRetentionDays, "archive-retention-days", envOrInt("ARCHIVE_RETENTION_DAYS", cfg.ArchiveRetentionDays), "days to keep evidence MP4s before deletion; 0 disables")
	flags.StringVar(&cfg.StatusAddr, "status-addr", envOr("STATUS_ADDR", cfg.StatusAddr), "address for the read-only status API; empty disables it")
	flags.StringVar(&cfg.DatabasePath, "database-path", envOr("DATABASE_PATH", cfg.DatabasePath), "path to the session audit log SQLite file")

	cmd.SetArgs(args)
	if err := cmd.Execute(); err != nil {
		return cfg, fmt.Errorf("parsing flags: %w", err)
	}

	if err := cfg.validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func (c Config) validate() error {
	if c.RTSPMainURL == "" {
		return fmt.Errorf("config: --rtsp-main is required")
	}
	if c.RTSPSubURL == "" {
		return fmt.Errorf("config: --rtsp-sub is required")
	}
	if c.MotionThreshold < 0 || c.MotionThreshold > 1 {
		return fmt.Errorf("config: --motion-threshold must be in [0,1], got %v", c.MotionThreshold)
	}
	if c.LightThreshold < 0 || c.LightThreshold > 255 {
		return fmt.Errorf("config: --light-threshold must be in [0,255], got %v", c.LightThreshold)
	}
	return nil
}

// PreRollDuration and CooldownDuration convert the float-seconds CLI
// values into time.Duration for the components that want one.
func (c Config) PreRollDuration() time.Duration  { return toDuration(c.PreRollSeconds) }
func (c Config) CooldownDuration() time.Duration { return toDuration(c.CooldownSeconds) }

func toDuration(seconds float64) time.Duration {
	return time.Duration(seconds * float64(time.Second))
}
