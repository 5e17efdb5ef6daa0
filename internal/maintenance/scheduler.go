package maintenance

import (
	"context"
	"fmt"

	"go.temporal.io/sdk/activity"
	"go.temporal.io/sdk/client"
	"go.temporal.io/sdk/worker"
	"go.temporal.io/sdk/workflow"
)

// Scheduler owns the Temporal worker that runs Workflow on a cron schedule
// and the client used to (idempotently) start that schedule. It holds no
// queue/proposals state itself — Activities does — so it only coordinates
// registration and lifecycle.
type Scheduler struct {
	Client    client.Client
	TaskQueue string
	Cron      string // standard 5-field cron expression, e.g. "*/5 * * * *"

	worker worker.Worker
}

// NewScheduler wires a Temporal worker for taskQueue, registering Workflow
// and every Activities method under the names Workflow's ExecuteActivity
// calls reference. cron is a standard 5-field cron expression; Temporal
// evaluates it server-side, so the workflow itself needs no sleep loop.
func NewScheduler(c client.Client, taskQueue, cron string, activities *Activities) *Scheduler {
	w := worker.New(c, taskQueue, worker.Options{})
	w.RegisterWorkflowWithOptions(Workflow, workflow.RegisterOptions{Name: WorkflowName})
	w.RegisterActivityWithOptions(activities.NormalizeExpiredLeasesActivity, activity.RegisterOptions{Name: activityNormalizeLeases})
	w.RegisterActivityWithOptions(activities.ExpireSnoozedProposalsActivity, activity.RegisterOptions{Name: activityExpireSnoozes})
	w.RegisterActivityWithOptions(activities.RetryFailedNotificationsActivity, activity.RegisterOptions{Name: activityRetryNotifications})

	return &Scheduler{Client: c, TaskQueue: taskQueue, Cron: cron, worker: w}
}

// Start runs the worker in the background; it blocks until ctx is
// cancelled or worker.Run returns an error (e.g. connection loss).
func (s *Scheduler) Start(ctx context.Context) error {
	return s.worker.Run(worker.InterruptCh())
}

// Stop gracefully shuts the worker down. Safe to call even if Start was
// never called.
func (s *Scheduler) Stop() {
	s.worker.Stop()
}

// EnsureCronSchedule starts the cron-scheduled workflow execution under a
// deterministic workflow ID, so calling it again on process restart is a
// no-op (Temporal rejects a duplicate ID with the same run policy rather
// than starting a second cron chain).
func (s *Scheduler) EnsureCronSchedule(ctx context.Context) error {
	_, err := s.Client.ExecuteWorkflow(ctx, client.StartWorkflowOptions{
		ID:                       "moonmind-maintenance-cron",
		TaskQueue:                s.TaskQueue,
		CronSchedule:             s.Cron,
		WorkflowIDReusePolicy:    0, // AllowDuplicate would start a parallel chain; default rejects a running duplicate ID
		WorkflowExecutionTimeout: 0,
	}, Workflow)
	if err != nil {
		return fmt.Errorf("maintenance: start cron schedule: %w", err)
	}
	return nil
}

// RunOnce executes a single maintenance sweep synchronously without the
// cron schedule, for the CLI's one-shot `moonmindd maintenance run` and for
// tests that want a Report without standing up a worker.
func RunOnce(ctx context.Context, a *Activities) (Report, error) {
	var report Report
	leases, err := a.NormalizeExpiredLeasesActivity(ctx)
	if err != nil {
		return report, err
	}
	report.LeasesNormalized = leases

	unsnoozed, err := a.ExpireSnoozedProposalsActivity(ctx)
	if err != nil {
		return report, err
	}
	report.ProposalsUnsnoozed = unsnoozed

	retried, err := a.RetryFailedNotificationsActivity(ctx, notificationRetryBatchSize)
	if err != nil {
		return report, err
	}
	report.NotificationsRetried = retried

	return report, nil
}
