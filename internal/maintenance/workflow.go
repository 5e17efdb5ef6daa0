package maintenance

import (
	"time"

	"go.temporal.io/sdk/temporal"
	"go.temporal.io/sdk/workflow"
)

const (
	// WorkflowName is registered with the Temporal worker and used as the
	// deterministic workflow ID so EnsureCronSchedule is idempotent across
	// process restarts.
	WorkflowName = "moonmind.maintenance.sweep"

	activityNormalizeLeases    = "NormalizeExpiredLeases"
	activityExpireSnoozes      = "ExpireSnoozedProposals"
	activityRetryNotifications = "RetryFailedNotifications"

	notificationRetryBatchSize = 50
)

// Workflow runs one maintenance sweep: normalize expired leases, clear
// elapsed proposal snoozes, retry failed proposal notifications. It is
// meant to be started with StartWorkflowOptions.CronSchedule so Temporal
// itself re-invokes it on a timer; the workflow body performs exactly one
// round and returns, matching the "out-of-band, not a long-lived
// in-process loop" shape the rest of the module uses for background work.
//
// Each step runs even if an earlier one failed, so a notification-webhook
// outage never blocks lease normalization. The workflow itself only
// aggregates activity results; all actual I/O happens in the Activities
// methods via ExecuteActivity so failures retry per Temporal's activity
// retry policy instead of restarting the whole sweep.
func Workflow(ctx workflow.Context) (Report, error) {
	ao := workflow.ActivityOptions{
		StartToCloseTimeout: 2 * time.Minute,
		RetryPolicy: &temporal.RetryPolicy{
			InitialInterval:    time.Second,
			BackoffCoefficient: 2.0,
			MaximumInterval:    time.Minute,
			MaximumAttempts:    5,
		},
	}
	ctx = workflow.WithActivityOptions(ctx, ao)
	logger := workflow.GetLogger(ctx)

	var report Report

	var leases int
	if err := workflow.ExecuteActivity(ctx, activityNormalizeLeases).Get(ctx, &leases); err != nil {
		logger.Warn("lease normalization activity failed", "error", err)
	} else {
		report.LeasesNormalized = leases
	}

	var unsnoozed int
	if err := workflow.ExecuteActivity(ctx, activityExpireSnoozes).Get(ctx, &unsnoozed); err != nil {
		logger.Warn("snooze expiry activity failed", "error", err)
	} else {
		report.ProposalsUnsnoozed = unsnoozed
	}

	var retried int
	if err := workflow.ExecuteActivity(ctx, activityRetryNotifications, notificationRetryBatchSize).Get(ctx, &retried); err != nil {
		logger.Warn("notification retry activity failed", "error", err)
	} else {
		report.NotificationsRetried = retried
	}

	return report, nil
}
