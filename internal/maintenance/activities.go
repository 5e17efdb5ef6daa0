// Package maintenance drives out-of-band queue hygiene that the claim path
// intentionally does not perform inline: normalizing leases that expired
// without a worker ever calling heartbeat/complete/fail, clearing elapsed
// proposal snoozes, and retrying proposal webhook notifications that failed
// delivery. It never claims or executes a job itself — every activity here
// is a thin call into a Service method that already exists for the
// synchronous request path.
package maintenance

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/MoonLadderStudios/MoonMind-sub000/internal/proposals"
	"github.com/MoonLadderStudios/MoonMind-sub000/internal/queue"
)

// Activities bundles the Service references the maintenance workflow's
// activities call into. All fields are required.
type Activities struct {
	Queue     *queue.Service
	Proposals *proposals.Service
	Log       *slog.Logger
}

// Report is the outcome of a single maintenance sweep, returned from the
// workflow so callers (tests, the CLI's one-shot `maintenance run`) can
// observe what happened without parsing logs.
type Report struct {
	LeasesNormalized      int `json:"leasesNormalized"`
	ProposalsUnsnoozed    int `json:"proposalsUnsnoozed"`
	NotificationsRetried  int `json:"notificationsRetried"`
}

func (a *Activities) logger() *slog.Logger {
	if a.Log != nil {
		return a.Log
	}
	return slog.Default()
}

// NormalizeExpiredLeasesActivity re-normalizes running jobs whose lease
// expired without a worker heartbeat, exactly as ClaimJob does inline; this
// bounds observation latency for jobs no worker is actively polling for.
func (a *Activities) NormalizeExpiredLeasesActivity(ctx context.Context) (int, error) {
	n, err := a.Queue.NormalizeExpiredLeases(ctx)
	if err != nil {
		return 0, fmt.Errorf("maintenance: normalize expired leases: %w", err)
	}
	if n > 0 {
		a.logger().Info("maintenance normalized expired leases", "count", n)
	}
	return n, nil
}

// ExpireSnoozedProposalsActivity clears snooze fields on proposals whose
// snooze elapsed, the same cleanup ListProposals performs opportunistically
// on read, so a proposal list stays accurate even with no reviewer traffic.
func (a *Activities) ExpireSnoozedProposalsActivity(ctx context.Context) (int, error) {
	n, err := a.Proposals.ExpireSnoozedProposals(ctx)
	if err != nil {
		return 0, fmt.Errorf("maintenance: expire snoozed proposals: %w", err)
	}
	if n > 0 {
		a.logger().Info("maintenance expired proposal snoozes", "count", n)
	}
	return n, nil
}

// RetryFailedNotificationsActivity re-attempts delivery of proposal webhook
// notifications whose last attempt failed, bounded to limit per sweep so a
// persistently-down webhook target cannot make one sweep run unbounded.
func (a *Activities) RetryFailedNotificationsActivity(ctx context.Context, limit int) (int, error) {
	n, err := a.Proposals.RetryFailedNotifications(ctx, limit)
	if err != nil {
		return 0, fmt.Errorf("maintenance: retry failed notifications: %w", err)
	}
	if n > 0 {
		a.logger().Info("maintenance retried proposal notifications", "count", n)
	}
	return n, nil
}
