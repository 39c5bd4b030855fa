package settings

import (
	"context"
	"time"

	log "github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

const defaultRefreshInterval = 30 * time.Second

// Refresher periodically reloads the settings snapshot so edits made by
// another process take effect without a restart.
type Refresher struct {
	db       *gorm.DB
	interval time.Duration
}

// NewRefresher constructs a Refresher. A non-positive interval uses 30s.
func NewRefresher(db *gorm.DB, interval time.Duration) *Refresher {
	if db == nil {
		return nil
	}
	if interval <= 0 {
		interval = defaultRefreshInterval
	}
	return &Refresher{db: db, interval: interval}
}

// Start launches the refresh loop in a background goroutine.
func (r *Refresher) Start(ctx context.Context) {
	if r == nil {
		return
	}
	if ctx == nil {
		ctx = context.Background()
	}
	go r.run(ctx)
	log.Infof("settings refresher started (interval=%s)", r.interval)
}

func (r *Refresher) run(ctx context.Context) {
	for {
		timer := time.NewTimer(r.interval)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
		before := DBConfigUpdatedAt()
		if errRefresh := RefreshDBConfigSnapshot(ctx, r.db); errRefresh != nil {
			if ctx.Err() != nil {
				return
			}
			log.WithError(errRefresh).Warn("settings refresher: reload failed")
			continue
		}
		if after := DBConfigUpdatedAt(); after.After(before) {
			log.WithField("updated_at", after).Info("settings refresher: snapshot updated")
		}
	}
}
