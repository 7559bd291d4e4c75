package domain

import "errors"

var (
	ErrNotFound             = errors.New("not found")
	ErrQuotaExceeded        = errors.New("quota exceeded")
	ErrBillingPeriodExpired = errors.New("billing period expired")
	ErrTenantPending        = errors.New("tenant pending activation")
	ErrTenantSuspended      = errors.New("tenant suspended")
	ErrPlanMissing          = errors.New("tenant has no plan")
	ErrWorkflowConfig       = errors.New("workflow configuration invalid")
	ErrAssetTooLarge        = errors.New("asset exceeds size cap")
	ErrAlreadyFinalized     = errors.New("job already finalized")
)
