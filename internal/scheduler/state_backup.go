package scheduler

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/jbeckert/crosswind/internal/backup"
	"github.com/jbeckert/crosswind/internal/state"
)

// StateBackupSchedule copies the state file at the top of every hour.
const StateBackupSchedule = "0 0 * * * *"

// backupRetention bounds the local copies; S3 keeps the long tail.
const backupRetention = 48 * time.Hour

// StateBackupJob snapshots the state document into the backup directory
// and optionally ships the copy to S3.
type StateBackupJob struct {
	store    *state.Store
	dir      string
	uploader *backup.Uploader // nil keeps backups local only
	log      zerolog.Logger
	now      func() time.Time
}

// NewStateBackupJob creates the backup job.
func NewStateBackupJob(store *state.Store, dir string, uploader *backup.Uploader, log zerolog.Logger) *StateBackupJob {
	return &StateBackupJob{
		store:    store,
		dir:      dir,
		uploader: uploader,
		log:      log.With().Str("job", "state_backup").Logger(),
		now:      time.Now,
	}
}

// Name returns the job name.
func (j *StateBackupJob) Name() string {
	return "state_backup"
}

// Run copies the current state file. The store replaces the file by
// rename, so a plain read always sees a complete document.
func (j *StateBackupJob) Run() error {
	data, err := os.ReadFile(j.store.Path())
	if os.IsNotExist(err) {
		j.log.Debug().Msg("No state file yet, nothing to back up")
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to read state file: %w", err)
	}

	if err := os.MkdirAll(j.dir, 0o755); err != nil {
		return fmt.Errorf("failed to create backup directory: %w", err)
	}

	name := "state_" + j.now().UTC().Format("20060102T150405") + ".json"
	dst := filepath.Join(j.dir, name)
	if err := os.WriteFile(dst, data, 0o644); err != nil {
		return fmt.Errorf("failed to write backup: %w", err)
	}
	j.log.Info().Str("path", dst).Int("bytes", len(data)).Msg("State backed up")

	if err := j.rotate(); err != nil {
		j.log.Warn().Err(err).Msg("Failed to rotate old backups")
	}

	if j.uploader != nil {
		if err := j.uploader.UploadFile(context.Background(), dst, "state/"+name); err != nil {
			// The local copy succeeded; S3 retries next hour.
			j.log.Warn().Err(err).Msg("S3 upload failed")
		}
	}
	return nil
}

// rotate deletes local copies older than the retention window.
func (j *StateBackupJob) rotate() error {
	cutoff := j.now().Add(-backupRetention)

	entries, err := os.ReadDir(j.dir)
	if err != nil {
		return fmt.Errorf("failed to read backup directory: %w", err)
	}

	for _, entry := range entries {
		if entry.IsDir() || !strings.HasPrefix(entry.Name(), "state_") || !strings.HasSuffix(entry.Name(), ".json") {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			continue
		}
		if info.ModTime().Before(cutoff) {
			path := filepath.Join(j.dir, entry.Name())
			if err := os.Remove(path); err != nil {
				j.log.Warn().Err(err).Str("path", path).Msg("Failed to delete old backup")
			} else {
				j.log.Debug().Str("path", path).Msg("Deleted old backup")
			}
		}
	}
	return nil
}
