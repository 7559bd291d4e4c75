package sqlinline

const QInsertJob = `--sql 24b6f8d1-3a0c-47e5-9d82-c1f7065e4a39
insert into jobs(id, tenant_id, status, options, created_at, updated_at)
values ($1::uuid, $2::uuid, 'pending', $3::jsonb, now(), now());
`

const QSelectJobByID = `--sql a19c5e73-dc48-42bf-8061-f5b2d8a7c940
select id, tenant_id, status, options, coalesce(error_message, ''), created_at, updated_at, finished_at
from jobs
where id = $1::uuid
limit 1;
`

const QMarkJobDispatched = `--sql 68f2a0b9-71ce-4d54-a3f8-0e96c4d125b7
update jobs
set status = $2::text,
    updated_at = now()
where id = $1::uuid
  and status = 'pending';
`

// QFinalizeJobSuccess claims the success transition. The finished_at guard
// plus the non-terminal status set make the claim idempotent: zero rows
// affected means the job is already terminal and the caller must no-op.
const QFinalizeJobSuccess = `--sql 4d80c3e6-952f-41ab-b7d0-86e14f2a9c53
update jobs
set status = 'completed',
    options = $2::jsonb,
    finished_at = now(),
    updated_at = now()
where id = $1::uuid
  and finished_at is null
  and status in ('pending', 'running', 'processing');
`

const QFinalizeJobFailure = `--sql b5e71d28-40f9-4c36-a8b4-d2076c9e135a
update jobs
set status = 'failed',
    error_message = $2::text,
    finished_at = now(),
    updated_at = now()
where id = $1::uuid
  and finished_at is null
  and status in ('pending', 'running', 'processing');
`

// QSelectStaleJobs keys staleness on updated_at so dispatch progress
// refreshes the clock.
const QSelectStaleJobs = `--sql f0c82b45-6ad3-49e1-b592-3e8d17f6a04c
select id
from jobs
where finished_at is null
  and status in ('pending', 'running', 'processing')
  and updated_at < $1::timestamptz
order by updated_at asc
limit $2::int;
`

// QSelectPrunableJobs returns the oldest jobs past the tenant's retention
// cap, newest first kept.
const QSelectPrunableJobs = `--sql 835a9f1e-27c6-4b08-9ed4-61b0f3c8d2a7
select id
from jobs
where tenant_id = $1::uuid
order by created_at desc
offset $2::int;
`

const QDeleteJobs = `--sql 1c47e690-b8d5-4f2a-83c1-59a6d40e7fb2
delete from jobs
where id = any($1::uuid[]);
`
