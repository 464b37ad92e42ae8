package sqlinline

// Operator read models. These queries feed the dashboard endpoints and the
// websocket status feed; they never mutate pipeline state.

const QStatsJobsByStatus = `--sql 0f0557a2-1731-4fc6-8cbe-8540b1d2b6df
select status, count(*)
from jobs
group by status;
`

const QStatsRecentRenders = `--sql 3b8e1d47-90aa-4f12-bc5e-7d2a6c91f034
select r.id, r.job_id, j.status, r.state, r.source_image_ref,
       r.detected_shot_type, r.confidence, r.processing_seconds, r.updated_at
from renders r
join jobs j on j.id = r.job_id
order by r.updated_at desc
limit $1;
`

const QStatsRenderRetryTotals = `--sql 6e2c0b91-44d7-4a3f-8f15-9b0d3e7a2c58
select r.id, r.job_id, r.state,
       count(a.id) as attempts,
       count(*) filter (where a.qc_verdict = 'PASS') as passed,
       count(*) filter (where a.qc_verdict = 'FAIL') as failed
from renders r
left join generation_attempts a on a.render_id = r.id
group by r.id, r.job_id, r.state
order by attempts desc
limit $1;
`

const QStatsRecentAttempts = `--sql 82f4a6d0-1c3b-4e88-a97d-5e6b2f0c91a3
select a.id, a.render_id, a.attempt_number, a.qc_verdict, a.failure_reason,
       a.suggested_fix, r.detected_shot_type, r.state, a.created_at
from generation_attempts a
join renders r on r.id = a.render_id
order by a.created_at desc
limit $1;
`
