// Package storage optionally uploads COMPLETED evidence MP4s to an
// S3-compatible bucket, adapted from the teacher's storage/r2.go (same
// AWS SDK session/uploader construction; the HLS/directory/multipart-
// reference methods that had no equivalent here are dropped — see
// DESIGN.md). Archival never affects session phase: it runs strictly
// after the Recorder has already marked a session COMPLETED.
package storage

import (
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/credentials"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/s3"
	"github.com/aws/aws-sdk-go/service/s3/s3manager"
)

const maxUploadAttempts = 3

// Config holds the S3-compatible endpoint details for evidence archival.
type Config struct {
	AccessKey string
	SecretKey string
	AccountID string
	Bucket    string
	Endpoint  string
	Region    string
	BaseURL   string
}

// Archiver uploads completed evidence files to a bucket.
type Archiver struct {
	cfg      Config
	client   *s3.S3
	uploader *s3manager.Uploader
}

// NewArchiver builds an Archiver. Disabled callers should simply not
// construct one (gated on cfg.Bucket != "" at the call site).
func NewArchiver(cfg Config) (*Archiver, error) {
	if cfg.Region == "" {
		cfg.Region = "auto"
	}
	if cfg.Endpoint == "" && cfg.AccountID != "" {
		cfg.Endpoint = fmt.Sprintf("https://%s.r2.cloudflarestorage.com", cfg.AccountID)
	}

	sess, err := session.NewSession(&aws.Config{
		Credentials:      credentials.NewStaticCredentials(cfg.AccessKey, cfg.SecretKey, ""),
		Endpoint:         aws.String(cfg.Endpoint),
		Region:           aws.String(cfg.Region),
		S3ForcePathStyle: aws.Bool(true),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create AWS session: %w", err)
	}

	uploader := s3manager.NewUploader(sess, func(u *s3manager.Uploader) {
		u.PartSize = 10 * 1024 * 1024
		u.Concurrency = 1
	})

	return &Archiver{cfg: cfg, client: s3.New(sess), uploader: uploader}, nil
}

// ArchiveSession uploads a completed session's evidence MP4 under
// sessionID's name and returns its public URL. Retries a handful of
// times with backoff; a failure here is logged by the caller at WARN
// and never rolled back into session state.
func (a *Archiver) ArchiveSession(sessionID, localPath string) (string, error) {
	remotePath := fmt.Sprintf("evidence/%s%s", sessionID, strings.ToLower(filepath.Ext(localPath)))

	file, err := os.Open(localPath)
	if err != nil {
		return "", fmt.Errorf("failed to open %s: %w", localPath, err)
	}
	defer file.Close()

	info, err := file.Stat()
	if err != nil {
		return "", fmt.Errorf("failed to stat %s: %w", localPath, err)
	}

	metadata := map[string]*string{
		"SessionId":  aws.String(sessionID),
		"UploadedAt": aws.String(time.Now().Format(time.RFC3339)),
		"FileSize":   aws.String(fmt.Sprintf("%d", info.Size())),
	}

	var lastErr error
	for attempt := 1; attempt <= maxUploadAttempts; attempt++ {
		if _, err := file.Seek(0, 0); err != nil {
			return "", fmt.Errorf("failed to seek %s: %w", localPath, err)
		}
		_, lastErr = a.uploader.Upload(&s3manager.UploadInput{
			Bucket:      aws.String(a.cfg.Bucket),
			Key:         aws.String(remotePath),
			Body:        file,
			ContentType: aws.String("video/mp4"),
			Metadata:    metadata,
		})
		if lastErr == nil {
			break
		}
		log.Printf("[storage] archive attempt %d/%d failed for %s: %v", attempt, maxUploadAttempts, sessionID, lastErr)
		time.Sleep(time.Duration(1<<uint(attempt)) * time.Second)
	}
	if lastErr != nil {
		return "", fmt.Errorf("failed to archive %s after %d attempts: %w", sessionID, maxUploadAttempts, lastErr)
	}

	return fmt.Sprintf("%s/%s", a.baseURL(), remotePath), nil
}

// DeleteArchived removes a previously archived object, addressed by
// session ID and file extension. EvidenceRetentionJob does not call it;
// its local deletions leave archived copies in place.
func (a *Archiver) DeleteArchived(sessionID, ext string) error {
	remotePath := fmt.Sprintf("evidence/%s%s", sessionID, ext)
	_, err := a.client.DeleteObject(&s3.DeleteObjectInput{
		Bucket: aws.String(a.cfg.Bucket),
		Key:    aws.String(remotePath),
	})
	if err != nil {
		return fmt.Errorf("failed to delete archived object %s: %w", remotePath, err)
	}
	return nil
}

func (a *Archiver) baseURL() string {
	if a.cfg.BaseURL != "" {
		return a.cfg.BaseURL
	}
	return fmt.Sprintf("%s/%s", a.cfg.Endpoint, a.cfg.Bucket)
}
