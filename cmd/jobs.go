package main

import (
	"context"
	"time"

	"fleetwatch/internal/jobs"
	"fleetwatch/internal/service"
	"fleetwatch/pkg/logger"
)

func (app *Application) initJobs() error {
	if app.fleetService == nil {
		logger.WarnCtx(app.ctx, "Service layer not initialized yet, skipping background task registration")
		return nil
	}

	manager := jobs.NewManager(app.ctx)

	manager.Register(newStatisticsRecomputeJob(app.config.Fleet.RecomputeInterval, app.fleetService))
	manager.Register(newLiveUpdatesRetryJob(app.config.Fleet.RecomputeInterval, app.fleetService))

	// Periodic snapshots are optional, live events keep the fleet current
	if app.config.Fleet.RefreshInterval > 0 {
		manager.Register(newSnapshotRefreshJob(app.config.Fleet.RefreshInterval, app.fleetService, app.session))
	}

	app.jobsManager = manager
	return nil
}

// statisticsRecomputeJob replaces incrementally adjusted statistics with a
// full recompute, so servers drift from active to idle without new events.
type statisticsRecomputeJob struct {
	interval     time.Duration
	fleetService *service.FleetService
}

func newStatisticsRecomputeJob(interval time.Duration, svc *service.FleetService) jobs.Job {
	if interval <= 0 {
		interval = time.Minute
	}
	return &statisticsRecomputeJob{interval: interval, fleetService: svc}
}

func (j *statisticsRecomputeJob) Name() string { return "fleet-statistics-recompute" }

func (j *statisticsRecomputeJob) Interval() time.Duration { return j.interval }

func (j *statisticsRecomputeJob) Run(ctx context.Context) error {
	stats := j.fleetService.RecomputeStatistics()
	logger.DebugCtx(ctx, "Fleet statistics: total=%d active=%d idle=%d",
		stats.TotalServers, stats.ActiveServers, stats.IdleServers)
	return nil
}

// liveUpdatesRetryJob resubscribes after a failed subscription attempt.
type liveUpdatesRetryJob struct {
	interval     time.Duration
	fleetService *service.FleetService
}

func newLiveUpdatesRetryJob(interval time.Duration, svc *service.FleetService) jobs.Job {
	if interval <= 0 {
		interval = time.Minute
	}
	return &liveUpdatesRetryJob{interval: interval, fleetService: svc}
}

func (j *liveUpdatesRetryJob) Name() string { return "fleet-live-updates-retry" }

func (j *liveUpdatesRetryJob) Interval() time.Duration { return j.interval }

// SkipInitialRun the cold start just attempted the subscription
func (j *liveUpdatesRetryJob) SkipInitialRun() bool { return true }

func (j *liveUpdatesRetryJob) Run(ctx context.Context) error {
	return j.fleetService.ResumeLiveUpdates(ctx)
}

// snapshotRefreshJob periodically reloads the authoritative roster.
type snapshotRefreshJob struct {
	interval     time.Duration
	fleetService *service.FleetService
	session      *service.Session
}

func newSnapshotRefreshJob(interval time.Duration, svc *service.FleetService, session *service.Session) jobs.Job {
	return &snapshotRefreshJob{interval: interval, fleetService: svc, session: session}
}

func (j *snapshotRefreshJob) Name() string { return "fleet-snapshot-refresh" }

func (j *snapshotRefreshJob) Interval() time.Duration { return j.interval }

// SkipInitialRun the cold start already fetched a snapshot
func (j *snapshotRefreshJob) SkipInitialRun() bool { return true }

func (j *snapshotRefreshJob) Run(ctx context.Context) error {
	if !j.session.Valid() {
		logger.DebugCtx(ctx, "No session, skipping snapshot refresh")
		return nil
	}
	return j.fleetService.Refresh(ctx)
}
