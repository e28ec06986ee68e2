package scheduler

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/jbeckert/crosswind/internal/marketdata"
)

// CacheMaintenanceSchedule runs during the quiet minutes after the 01:00
// UTC cycle finishes.
const CacheMaintenanceSchedule = "0 30 1 * * *"

const maintenanceTimeout = 5 * time.Minute

// CacheMaintenanceJob trims candles past retention, drops expired
// snapshots and vacuums the sqlite cache to return the space.
type CacheMaintenanceJob struct {
	data      *marketdata.Service
	snapshots *marketdata.SnapshotRepository
	db        *sql.DB
	log       zerolog.Logger
}

// NewCacheMaintenanceJob creates the maintenance job.
func NewCacheMaintenanceJob(data *marketdata.Service, snapshots *marketdata.SnapshotRepository, db *sql.DB, log zerolog.Logger) *CacheMaintenanceJob {
	return &CacheMaintenanceJob{
		data:      data,
		snapshots: snapshots,
		db:        db,
		log:       log.With().Str("job", "cache_maintenance").Logger(),
	}
}

// Name returns the job name.
func (j *CacheMaintenanceJob) Name() string {
	return "cache_maintenance"
}

// Run performs one maintenance pass.
func (j *CacheMaintenanceJob) Run() error {
	ctx, cancel := context.WithTimeout(context.Background(), maintenanceTimeout)
	defer cancel()
	start := time.Now()

	pruned, err := j.data.Prune(ctx)
	if err != nil {
		return fmt.Errorf("failed to prune candles: %w", err)
	}

	expired := int64(0)
	if j.snapshots != nil {
		expired, err = j.snapshots.DeleteExpired(ctx)
		if err != nil {
			j.log.Warn().Err(err).Msg("Failed to delete expired snapshots")
		}
	}

	// VACUUM reclaims the pages the deletes freed. It takes a write lock,
	// which is why this runs on the overnight schedule.
	if _, err := j.db.ExecContext(ctx, "VACUUM"); err != nil {
		return fmt.Errorf("failed to vacuum cache: %w", err)
	}

	j.log.Info().
		Int64("candles_pruned", pruned).
		Int64("snapshots_expired", expired).
		Dur("duration", time.Since(start)).
		Msg("Cache maintenance completed")
	return nil
}
