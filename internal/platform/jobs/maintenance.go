package jobs

import (
	"context"
	"time"
)

// Names of the built-in jobs.
const (
	NotificationCleanup = "notification_cleanup"
	SessionPurge        = "session_purge"
	ScheduledDelivery   = "scheduled_delivery"
)

// Cleaner deletes read notifications older than a retention window.
type Cleaner interface {
	Cleanup(ctx context.Context, retention time.Duration) (int64, error)
}

// Purger deletes expired sessions.
type Purger interface {
	PurgeExpired(ctx context.Context) (int64, error)
}

// DueDeliverer pushes scheduled notifications whose time has come.
type DueDeliverer interface {
	DeliverDue(ctx context.Context) (int, error)
}

func CleanupJob(spec string, c Cleaner, retention time.Duration) Job {
	return Job{
		Name: NotificationCleanup,
		Spec: spec,
		Run: func(ctx context.Context) (int64, error) {
			return c.Cleanup(ctx, retention)
		},
	}
}

func SessionPurgeJob(spec string, p Purger) Job {
	return Job{Name: SessionPurge, Spec: spec, Run: p.PurgeExpired}
}

func DeliveryJob(spec string, d DueDeliverer) Job {
	return Job{
		Name: ScheduledDelivery,
		Spec: spec,
		Run: func(ctx context.Context) (int64, error) {
			n, err := d.DeliverDue(ctx)
			return int64(n), err
		},
	}
}
