package quota

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/renderforge/server/internal/domain"
	"github.com/renderforge/server/internal/infra"
	"github.com/renderforge/server/internal/sqlinline"
)

// Ledger performs atomic reserve/release of per-tenant monthly usage against
// a plan limit plus bonus credits. Correctness under concurrency rests on the
// database's conditional-write atomicity, not on any in-process lock, so it
// holds across multiple server instances.
type Ledger struct {
	logger zerolog.Logger

	// Now is the clock used for billing-window checks. Overridable in tests.
	Now func() time.Time
}

func NewLedger(logger zerolog.Logger) *Ledger {
	return &Ledger{logger: logger, Now: time.Now}
}

// Reserve claims n units of the tenant's quota. Unlimited tenants (a plan
// with a zero monthly limit) get an unconditional increment, kept for
// reporting only. Limited tenants go through a single conditional update;
// zero rows affected means the reservation would exceed the limit and
// nothing changed.
func (l *Ledger) Reserve(ctx context.Context, q infra.SQLExecutor, t *domain.Tenant, n int) (*domain.QuotaReservation, error) {
	if n <= 0 {
		return nil, fmt.Errorf("reserve count must be positive, got %d", n)
	}
	if t.Plan == "" {
		return nil, domain.ErrPlanMissing
	}

	now := l.Now()
	if !t.Unlimited() && !t.SubscriptionPeriodEnd.IsZero() && t.SubscriptionPeriodEnd.Before(now) {
		return nil, domain.ErrBillingPeriodExpired
	}

	query := sqlinline.QReserveUsageLimited
	if t.Unlimited() {
		query = sqlinline.QIncrementUsage
	}
	tag, err := q.Exec(ctx, query, t.ID, n)
	if err != nil {
		return nil, fmt.Errorf("reserve quota: %w", err)
	}
	if tag.RowsAffected() == 0 {
		if t.Unlimited() {
			return nil, domain.ErrNotFound
		}
		return nil, domain.ErrQuotaExceeded
	}

	return &domain.QuotaReservation{ReservedCount: n, ReservedAt: now}, nil
}

// Release returns n units to the tenant. The decrement is guarded by
// used_this_cycle >= n so concurrent or duplicate releases cannot drive the
// counter negative; a guarded-out release is a logged no-op.
func (l *Ledger) Release(ctx context.Context, q infra.SQLExecutor, tenantID string, n int) error {
	if n <= 0 {
		return nil
	}
	tag, err := q.Exec(ctx, sqlinline.QReleaseUsage, tenantID, n)
	if err != nil {
		return fmt.Errorf("release quota: %w", err)
	}
	if tag.RowsAffected() == 0 {
		l.logger.Warn().Str("tenant_id", tenantID).Int("count", n).Msg("quota release skipped, counter below requested amount")
	}
	return nil
}

// IncrementUsage unconditionally bumps the usage counter. Completion of jobs
// created before the reservation protocol still accounts usage here; jobs
// carrying a reservation must never pass through this path.
func (l *Ledger) IncrementUsage(ctx context.Context, q infra.SQLExecutor, tenantID string, n int) error {
	if n <= 0 {
		return nil
	}
	if _, err := q.Exec(ctx, sqlinline.QIncrementUsage, tenantID, n); err != nil {
		return fmt.Errorf("increment usage: %w", err)
	}
	return nil
}

// RolloverIfDue advances the tenant's billing cycle when next_billing_date
// has passed, resetting the usage counter to the cycle that contains now.
func (l *Ledger) RolloverIfDue(ctx context.Context, q infra.SQLExecutor, t *domain.Tenant) error {
	now := l.Now()
	if t.NextBillingDate.IsZero() || now.Before(t.NextBillingDate) {
		return nil
	}
	start, next := ResolveUsageCycle(t.BillingCycleStart, t.NextBillingDate, now)
	if _, err := q.Exec(ctx, sqlinline.QResetUsageCycle, t.ID, start, next); err != nil {
		return fmt.Errorf("reset usage cycle: %w", err)
	}
	t.BillingCycleStart = start
	t.NextBillingDate = next
	t.UsedThisCycle = 0
	return nil
}

// ApplyActivation applies the quota side-effects of a subscription
// activation: fresh cycle anchored at now, zeroed usage, active status, and
// the subscription period end reported by billing.
func (l *Ledger) ApplyActivation(ctx context.Context, q infra.SQLExecutor, tenantID string, periodEnd time.Time) error {
	now := l.Now()
	if _, err := q.Exec(ctx, sqlinline.QResetUsageCycle, tenantID, now, NextBillingDate(now)); err != nil {
		return fmt.Errorf("activation cycle reset: %w", err)
	}
	if _, err := q.Exec(ctx, sqlinline.QActivateTenant, tenantID, periodEnd); err != nil {
		return fmt.Errorf("activate tenant: %w", err)
	}
	return nil
}

// NextBillingDate returns from advanced by one month, preserving the
// day-of-month and clamping to the last day of the target month
// (Jan 31 -> Feb 28/29).
func NextBillingDate(from time.Time) time.Time {
	return advanceKeepingDay(from, from.Day())
}

// ResolveUsageCycle advances the billing cycle until the next billing date
// is in the future. The anchor day-of-month comes from the original cycle
// start, so a 31st anchor clamped to Feb 28 snaps back to the 31st in March.
func ResolveUsageCycle(cycleStart, nextBillingDate, now time.Time) (start, next time.Time) {
	start, next = cycleStart, nextBillingDate
	if next.IsZero() {
		next = NextBillingDate(start)
	}
	anchorDay := cycleStart.Day()
	if cycleStart.IsZero() {
		anchorDay = next.Day()
	}
	for !next.After(now) {
		start = next
		next = advanceKeepingDay(start, anchorDay)
	}
	return start, next
}

func advanceKeepingDay(from time.Time, day int) time.Time {
	year, month, _ := from.Date()
	month++
	if month > time.December {
		month = time.January
		year++
	}
	if last := daysIn(year, month); day > last {
		day = last
	}
	return time.Date(year, month, day, from.Hour(), from.Minute(), from.Second(), from.Nanosecond(), from.Location())
}

func daysIn(year int, month time.Month) int {
	return time.Date(year, month+1, 0, 0, 0, 0, 0, time.UTC).Day()
}
