package sqlinline

const QSelectTenantByID = `--sql 3f7c1a92-8e4d-4b1f-9c77-2a5d6e0f14b8
select id, name, plan, monthly_limit, bonus_credits, used_this_cycle,
       billing_cycle_start, next_billing_date, subscription_period_end,
       status, payment_status, coalesce(executor_secrets, ''), created_at, updated_at
from tenants
where id = $1::uuid
limit 1;
`

const QSelectTenantByAPIToken = `--sql 91d04be7-52a3-4c6e-8f12-b7e9a0c43d55
select id, name, plan, monthly_limit, bonus_credits, used_this_cycle,
       billing_cycle_start, next_billing_date, subscription_period_end,
       status, payment_status, coalesce(executor_secrets, ''), created_at, updated_at
from tenants
where api_token = $1::text
limit 1;
`

// QReserveUsageLimited is the conditional increment that arbitrates quota
// under concurrency. Zero rows affected means the reservation would exceed
// monthly_limit + bonus_credits and nothing changed.
const QReserveUsageLimited = `--sql 5ab8e2f0-1c9d-44a7-b3e6-70d1f8c29a46
update tenants
set used_this_cycle = used_this_cycle + $2::int,
    updated_at = now()
where id = $1::uuid
  and used_this_cycle <= monthly_limit + bonus_credits - $2::int;
`

// QIncrementUsage increments usage unconditionally. Used for unlimited
// tenants (reporting only) and for the legacy completion path of jobs
// created without a reservation.
const QIncrementUsage = `--sql c2e94d17-6f30-48ba-a1c5-8d27e3b9f061
update tenants
set used_this_cycle = used_this_cycle + $2::int,
    updated_at = now()
where id = $1::uuid;
`

// QReleaseUsage decrements usage, guarded so duplicate releases cannot
// drive the counter negative.
const QReleaseUsage = `--sql 7d61f5c8-0a2e-4893-bf74-15c3a9e82d07
update tenants
set used_this_cycle = used_this_cycle - $2::int,
    updated_at = now()
where id = $1::uuid
  and used_this_cycle >= $2::int;
`

// QResetUsageCycle rolls the tenant onto a fresh billing cycle and zeroes
// the usage counter.
const QResetUsageCycle = `--sql e8307a54-9bd1-4f26-8c4a-d65f02e17b93
update tenants
set used_this_cycle = 0,
    billing_cycle_start = $2::timestamptz,
    next_billing_date = $3::timestamptz,
    updated_at = now()
where id = $1::uuid;
`

const QActivateTenant = `--sql 2a9d50c7-b3f8-4e61-97a5-c04e82d61f38
update tenants
set status = 'active',
    payment_status = 'current',
    subscription_period_end = $2::timestamptz,
    updated_at = now()
where id = $1::uuid;
`
