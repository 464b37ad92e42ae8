package sqlinline

// QWorkerClaimJob atomically claims the oldest dispatchable queued job and
// marks it PROCESSING. SKIP LOCKED keeps a claimed job invisible to other
// workers until released.
const QWorkerClaimJob = `--sql 4f55a9b7-4e9f-4e45-a3b3-5a532d21d9db
with next_job as (
    select id
    from jobs
    where status = 'QUEUED'
      and next_attempt_at <= now()
    order by created_at asc
    for update skip locked
    limit 1
),
updated as (
    update jobs
    set status = 'PROCESSING', updated_at = now()
    where id in (select id from next_job)
    returning id, property_id, batch_id, status, retry_count, cancel_requested, created_at, updated_at
)
select * from updated;
`

// QWorkerRequeueStale returns jobs abandoned in any in-flight status past the
// liveness deadline to QUEUED. A crash or a lost status write can strand a job
// in CLASSIFIED/GENERATING/QC_REVIEW, not only PROCESSING. Render/attempt
// idempotency keys make re-execution safe.
const QWorkerRequeueStale = `--sql 9c1e2f64-8b3a-4f0e-9f6d-2d7c4b1a8e55
update jobs
set status = 'QUEUED', updated_at = now()
where status in ('PROCESSING', 'CLASSIFIED', 'GENERATING', 'QC_REVIEW')
  and updated_at < now() - ($1 * interval '1 second')
returning id;
`

// QWorkerPurgeAudit drops raw generator/evaluator payloads older than the
// retention window. The structured attempt fields are kept.
const QWorkerPurgeAudit = `--sql 1a7d9c02-5e44-4b6b-8c31-f0b92a6d4e18
update generation_attempts
set raw_response = null
where raw_response is not null
  and created_at < now() - ($1 * interval '1 day');
`
