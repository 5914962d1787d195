package sqlinline

// QApplyRenderEvent records a completed render in the webhook ledger and bumps
// the owner's card counters in the same statement. The counter update only
// runs when the ledger insert wins, so replays of the same provider event
// return 0 and leave the counters untouched.
const QApplyRenderEvent = `--sql c3515716-79db-49dc-a707-f7e7f22b2ada
with recorded as (
    insert into webhook_events (id, provider, provider_event_id, request_id, user_id, status, download_url, payload, created_at)
    values (gen_random_uuid(), $1::text, $2::text, $3::text, $4::uuid, 'completed', $5::text, coalesce($6::jsonb, '{}'::jsonb), now())
    on conflict (provider, provider_event_id) do nothing
    returning user_id
),
counted as (
    update users
    set cards_used = cards_used + 1,
        cards_mailed = cards_mailed + 1,
        updated_at = now()
    where id in (select user_id from recorded)
    returning id
)
select count(*)::int from counted;
`

// QRecordFailedRenderEvent stores a failed render for audit. Counters are
// never touched for failures.
const QRecordFailedRenderEvent = `--sql 0715f1b7-1724-4968-bc94-d8971357a029
insert into webhook_events (id, provider, provider_event_id, request_id, user_id, status, error_detail, payload, created_at)
values (gen_random_uuid(), $1::text, $2::text, $3::text, $4::uuid, 'failed', $5::text, coalesce($6::jsonb, '{}'::jsonb), now())
on conflict (provider, provider_event_id) do nothing;
`

// QSelectWebhookEventExists reports whether a provider event is already in the
// ledger, whatever its status.
const QSelectWebhookEventExists = `--sql ced7bf61-93fc-4c56-aede-c3e32fe0251b
select exists (
    select 1 from webhook_events
    where provider = $1::text and provider_event_id = $2::text
);
`

const QSelectUserCardCounters = `--sql a49dda1c-e40b-4768-9756-280fa9a7861d
select cards_used, cards_mailed
from users
where id = $1::uuid
limit 1;
`
