package maintenance

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/ternarybob/arbor"
	"github.com/ternarybob/catalogd/internal/queue"
)

// Service runs periodic housekeeping: temp uploads whose job never
// consumed them get removed after a grace period, and the queue index
// is swept of entries left behind by expired messages.
type Service struct {
	cron       *cron.Cron
	queueMgr   *queue.Manager
	tmpDir     string
	staleAfter time.Duration
	schedule   string
	logger     arbor.ILogger
}

// NewService creates the maintenance service. Schedule uses six-field
// cron syntax with seconds.
func NewService(queueMgr *queue.Manager, tmpDir string, staleAfter time.Duration, schedule string, logger arbor.ILogger) *Service {
	if staleAfter <= 0 {
		staleAfter = 24 * time.Hour
	}
	return &Service{
		cron:       cron.New(cron.WithSeconds()),
		queueMgr:   queueMgr,
		tmpDir:     tmpDir,
		staleAfter: staleAfter,
		schedule:   schedule,
		logger:     logger,
	}
}

// Start schedules the sweep and launches the cron loop
func (s *Service) Start() error {
	if _, err := s.cron.AddFunc(s.schedule, func() {
		if err := s.RunSweep(context.Background()); err != nil {
			s.logger.Warn().Err(err).Msg("Maintenance sweep failed")
		}
	}); err != nil {
		return fmt.Errorf("failed to schedule maintenance sweep: %w", err)
	}

	s.cron.Start()
	s.logger.Info().Str("schedule", s.schedule).Msg("Maintenance service started")
	return nil
}

// Stop halts the cron loop, waiting for a running sweep to finish
func (s *Service) Stop() {
	ctx := s.cron.Stop()
	<-ctx.Done()
	s.logger.Info().Msg("Maintenance service stopped")
}

// RunSweep executes one housekeeping pass
func (s *Service) RunSweep(ctx context.Context) error {
	removed, err := s.sweepStaleUploads()
	if err != nil {
		return err
	}

	swept, err := s.queueMgr.Sweep(ctx)
	if err != nil {
		return fmt.Errorf("queue sweep: %w", err)
	}

	if removed > 0 || swept > 0 {
		s.logger.Info().Int("stale_uploads", removed).Int("queue_entries", swept).Msg("Maintenance sweep completed")
	}
	return nil
}

// sweepStaleUploads removes temp files that outlived the grace period.
// Workers delete their input file on completion, so anything old here
// belongs to a job that never ran or a crashed worker whose message
// also expired.
func (s *Service) sweepStaleUploads() (int, error) {
	if s.tmpDir == "" {
		return 0, nil
	}

	entries, err := os.ReadDir(s.tmpDir)
	if os.IsNotExist(err) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("upload sweep: %w", err)
	}

	cutoff := time.Now().Add(-s.staleAfter)
	removed := 0
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			continue
		}
		if info.ModTime().After(cutoff) {
			continue
		}

		path := filepath.Join(s.tmpDir, entry.Name())
		if err := os.Remove(path); err != nil {
			s.logger.Warn().Err(err).Str("path", path).Msg("Failed to remove stale upload")
			continue
		}
		removed++
		s.logger.Debug().Str("path", path).Msg("Removed stale upload")
	}
	return removed, nil
}
