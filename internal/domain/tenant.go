package domain

import (
	"fmt"
	"time"
)

// TenantStatus enumerates account lifecycle states.
type TenantStatus string

const (
	TenantStatusPending   TenantStatus = "pending"
	TenantStatusActive    TenantStatus = "active"
	TenantStatusSuspended TenantStatus = "suspended"
)

// PaymentStatus enumerates billing standing.
type PaymentStatus string

const (
	PaymentStatusCurrent  PaymentStatus = "current"
	PaymentStatusPastDue  PaymentStatus = "past_due"
	PaymentStatusCanceled PaymentStatus = "canceled"
)

// Tenant represents a billed customer account with its own usage quota
// and storage namespace.
type Tenant struct {
	ID                    string
	Name                  string
	Plan                  string
	MonthlyLimit          int
	BonusCredits          int
	UsedThisCycle         int
	BillingCycleStart     time.Time
	NextBillingDate       time.Time
	SubscriptionPeriodEnd time.Time
	Status                TenantStatus
	PaymentStatus         PaymentStatus
	ExecutorSecrets       string // encrypted blob, decrypted just-in-time by the vault
	CreatedAt             time.Time
	UpdatedAt             time.Time
}

// Unlimited reports whether the tenant has a plan with no usage metering.
// A zero monthly limit only means unlimited when a plan is assigned.
func (t Tenant) Unlimited() bool {
	return t.Plan != "" && t.MonthlyLimit == 0
}

// EffectiveLimit returns the usage ceiling for limited tenants.
func (t Tenant) EffectiveLimit() int {
	return t.MonthlyLimit + t.BonusCredits
}

// CanSubmit reports whether the account may create jobs, answering the
// sentinel that explains a refusal.
func (t Tenant) CanSubmit() error {
	switch t.Status {
	case TenantStatusActive:
	case TenantStatusPending:
		return ErrTenantPending
	case TenantStatusSuspended:
		return ErrTenantSuspended
	default:
		return fmt.Errorf("tenant status %q cannot submit", t.Status)
	}
	if t.Plan == "" {
		return ErrPlanMissing
	}
	return nil
}

// RemainingQuota returns how many generations the tenant can still start
// this cycle, minus reserved units not yet reflected in the loaded usage
// counter. Unlimited tenants report -1.
func (t Tenant) RemainingQuota(reserved int) int {
	if t.Unlimited() {
		return -1
	}
	if r := t.EffectiveLimit() - t.UsedThisCycle - reserved; r > 0 {
		return r
	}
	return 0
}
