// Package scheduler runs the background maintenance jobs: nightly pruning
// of old race results, log directory cleanup, and a daily activity summary.
package scheduler

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/slipstream-racing/slipstream/internal/config"
	"github.com/slipstream-racing/slipstream/internal/db"
)

const maintenanceHour = 4 // local time, quietest point of the day

// Scheduler manages periodic background tasks.
type Scheduler struct {
	cfg   *config.Config
	store *db.ResultsStore // nil when persistence is disabled
}

// NewScheduler creates a new task scheduler.
func NewScheduler(cfg *config.Config, store *db.ResultsStore) *Scheduler {
	return &Scheduler{cfg: cfg, store: store}
}

// Start runs the scheduled tasks until ctx is cancelled. Blocking.
func (s *Scheduler) Start(ctx context.Context) {
	log.Info().Msg("scheduler started")

	go s.runMaintenanceLoop(ctx)

	<-ctx.Done()
	log.Info().Msg("scheduler stopped")
}

// runMaintenanceLoop fires the nightly maintenance pass at the configured hour.
func (s *Scheduler) runMaintenanceLoop(ctx context.Context) {
	for {
		next := nextMaintenanceTime()
		sleep := time.Until(next)
		log.Info().
			Time("next_run", next).
			Dur("sleep", sleep).
			Msg("maintenance scheduled")

		select {
		case <-ctx.Done():
			return
		case <-time.After(sleep):
			s.runMaintenance()
		}
	}
}

func (s *Scheduler) runMaintenance() {
	s.pruneResults()
	s.cleanLogs()
	s.logDailySummary()
}

// pruneResults drops races older than the configured retention window.
func (s *Scheduler) pruneResults() {
	if s.store == nil {
		return
	}
	retention := s.cfg.GetApplicationData().Database.RetentionDays
	if retention <= 0 {
		return
	}

	pruned, err := s.store.PruneOlderThan(time.Duration(retention) * 24 * time.Hour)
	if err != nil {
		log.Warn().Err(err).Msg("result pruning failed")
		return
	}
	if pruned > 0 {
		log.Info().Int64("races", pruned).Int("retention_days", retention).
			Msg("old race results pruned")
	}
}

// cleanLogs removes rotated log files beyond the configured backup count.
func (s *Scheduler) cleanLogs() {
	logCfg := s.cfg.GetApplicationData().Logging
	if logCfg.Directory == "" || logCfg.MaxBackups <= 0 {
		return
	}

	entries, err := os.ReadDir(logCfg.Directory)
	if err != nil {
		return
	}

	var (
		deletedCount int
		deletedSize  int64
	)
	type logFile struct {
		path string
		mod  time.Time
		size int64
	}
	var files []logFile
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".log") {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			continue
		}
		files = append(files, logFile{
			path: filepath.Join(logCfg.Directory, entry.Name()),
			mod:  info.ModTime(),
			size: info.Size(),
		})
	}
	if len(files) <= logCfg.MaxBackups {
		return
	}

	// Oldest first
	for i := 0; i < len(files); i++ {
		for j := i + 1; j < len(files); j++ {
			if files[j].mod.Before(files[i].mod) {
				files[i], files[j] = files[j], files[i]
			}
		}
	}
	for _, f := range files[:len(files)-logCfg.MaxBackups] {
		if err := os.Remove(f.path); err == nil {
			deletedCount++
			deletedSize += f.size
		}
	}

	if deletedCount > 0 {
		log.Info().
			Int("deleted_files", deletedCount).
			Str("freed_space", formatBytes(deletedSize)).
			Msg("log cleanup completed")
	}
}

// logDailySummary reports stored race totals.
func (s *Scheduler) logDailySummary() {
	if s.store == nil {
		return
	}
	count, err := s.store.RaceCount()
	if err != nil {
		log.Warn().Err(err).Msg("daily summary failed")
		return
	}
	log.Info().Int("stored_races", count).Msg("daily stats collected")
}

// nextMaintenanceTime returns the next occurrence of the maintenance hour.
func nextMaintenanceTime() time.Time {
	now := time.Now()
	next := time.Date(now.Year(), now.Month(), now.Day(), maintenanceHour, 0, 0, 0, now.Location())
	if !next.After(now) {
		next = next.Add(24 * time.Hour)
	}
	return next
}

// formatBytes formats bytes into human-readable form.
func formatBytes(bytes int64) string {
	const (
		KB = 1024
		MB = KB * 1024
		GB = MB * 1024
	)

	switch {
	case bytes >= GB:
		return fmt.Sprintf("%.2f GB", float64(bytes)/float64(GB))
	case bytes >= MB:
		return fmt.Sprintf("%.2f MB", float64(bytes)/float64(MB))
	case bytes >= KB:
		return fmt.Sprintf("%.2f KB", float64(bytes)/float64(KB))
	default:
		return fmt.Sprintf("%d B", bytes)
	}
}
