package scheduler

import (
	"context"
	"time"

	"github.com/robfig/cron/v3"
	"golang.org/x/sync/singleflight"

	"github.com/MimeLyc/mediacards/internal/jobs"
	"github.com/MimeLyc/mediacards/internal/metrics"
	"github.com/MimeLyc/mediacards/pkg/icron"
	"github.com/MimeLyc/mediacards/pkg/log"
)

// Maintainer is the queue housekeeping run by the maintenance entry.
type Maintainer interface {
	ReclaimStuck(ctx context.Context) (jobs.ReclaimResult, error)
	CleanupOld(ctx context.Context, olderThanDays int) (int64, error)
}

type CronConfig struct {
	TickExpr        string
	Iterations      int
	Delay           time.Duration
	MaintenanceExpr string

	// RetentionDays <= 0 uses jobs.DefaultRetentionDays.
	RetentionDays int
}

// Cron fires Tick and queue maintenance on their schedules. A tick that
// fires while the previous one still runs joins it instead of starting a
// second loop.
type Cron struct {
	cron       *cron.Cron
	driver     *Driver
	maintainer Maintainer
	cfg        CronConfig
	group      singleflight.Group
}

func NewCron(driver *Driver, maintainer Maintainer, cfg CronConfig) *Cron {
	return &Cron{
		cron:       cron.New(cron.WithParser(icron.Parser)),
		driver:     driver,
		maintainer: maintainer,
		cfg:        cfg,
	}
}

// Schedule registers the entries. An empty expression disables its entry.
func (c *Cron) Schedule(ctx context.Context) error {
	if c.cfg.TickExpr != "" {
		if _, err := icron.Parse(c.cfg.TickExpr); err != nil {
			return err
		}
		if _, err := c.cron.AddFunc(c.cfg.TickExpr, func() { c.RunTick(ctx) }); err != nil {
			return err
		}
		log.Info("Scheduled worker tick: %s", c.cfg.TickExpr)
	}
	if c.cfg.MaintenanceExpr != "" && c.maintainer != nil {
		if _, err := icron.Parse(c.cfg.MaintenanceExpr); err != nil {
			return err
		}
		if _, err := c.cron.AddFunc(c.cfg.MaintenanceExpr, func() { c.RunMaintenance(ctx) }); err != nil {
			return err
		}
		log.Info("Scheduled queue maintenance: %s", c.cfg.MaintenanceExpr)
	}
	return nil
}

func (c *Cron) Start() {
	c.cron.Start()
}

// Stop waits for running entries to return or ctx to end.
func (c *Cron) Stop(ctx context.Context) {
	done := c.cron.Stop()
	select {
	case <-done.Done():
	case <-ctx.Done():
	}
}

// RunTick runs one scheduled tick. shared reports whether the call joined a
// tick that was already in flight.
func (c *Cron) RunTick(ctx context.Context) (res TickResult, shared bool) {
	v, _, shared := c.group.Do("tick", func() (any, error) {
		return c.driver.Tick(ctx, c.cfg.Iterations, c.cfg.Delay), nil
	})
	return v.(TickResult), shared
}

func (c *Cron) RunMaintenance(ctx context.Context) {
	_, _, _ = c.group.Do("maintenance", func() (any, error) {
		reclaimed, err := c.maintainer.ReclaimStuck(ctx)
		if err != nil {
			log.WithError(err).Error("Failed to reclaim stuck jobs")
		} else {
			metrics.JobsReclaimedTotal.Add(float64(reclaimed.Reclaimed))
		}

		deleted, err := c.maintainer.CleanupOld(ctx, c.cfg.RetentionDays)
		if err != nil {
			log.WithError(err).Error("Failed to clean up old jobs")
		} else {
			metrics.JobsCleanedTotal.Add(float64(deleted))
		}
		return nil, nil
	})
}
