package sqlinline

const QInsertAsset = `--sql 9e53b7a0-4d18-4c6f-b2e9-07c5f81a36d4
insert into assets(id, tenant_id, job_id, type, url, thumbnail_url, duration_seconds, bytes, source_origin, created_at)
values ($1::uuid, $2::uuid, $3::uuid, $4::text, $5::text, $6::text, $7::int, $8::bigint, $9::text, now());
`

const QSelectAssetsByJob = `--sql 60d9c4f2-e1b7-485a-9306-af25d8e71c09
select id, tenant_id, job_id, type, url, coalesce(thumbnail_url, ''), coalesce(duration_seconds, 0), bytes, coalesce(source_origin, ''), created_at
from assets
where job_id = $1::uuid
order by created_at asc;
`

const QDeleteAssetsByJobs = `--sql d7f10a86-3c5e-4b94-a0d2-8e6b47c95f13
delete from assets
where job_id = any($1::uuid[]);
`
