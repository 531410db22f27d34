package sqlinline

const QEnsurePackageSchema = `--sql 11bb2d26-95a9-4973-9f58-d0b77a09ebce
create table if not exists asset_packages (
  id            text primary key,
  mission_id    text not null default '',
  state         text not null,
  progress_json jsonb not null,
  manifest_json jsonb,
  result_json   jsonb,
  created_at    timestamptz not null default now(),
  updated_at    timestamptz not null default now()
);
`

const QUpsertPackageProgress = `--sql aa4c1014-1f33-4966-b10a-9f7cc9527fae
insert into asset_packages (id, state, progress_json)
values ($1::text, $2::text, $3::jsonb)
on conflict (id) do update
set state = excluded.state,
    progress_json = excluded.progress_json,
    updated_at = now();
`

const QGetPackageProgress = `--sql 085d2f88-d515-4e6d-b092-010aea38ae56
select progress_json
from asset_packages
where id = $1::text;
`

const QSavePackageManifest = `--sql c9fca0a6-836b-4927-9fe3-6e7ab13d55d9
update asset_packages
set manifest_json = $2::jsonb,
    mission_id = $3::text,
    updated_at = now()
where id = $1::text;
`

const QGetPackageManifest = `--sql 62430be8-1477-47c7-b76f-9c2e157a2e7f
select manifest_json
from asset_packages
where id = $1::text
  and manifest_json is not null;
`

const QSavePackageResult = `--sql d9c28e52-f2f3-4674-8c8e-dfe568ebc71b
update asset_packages
set result_json = $2::jsonb,
    updated_at = now()
where id = $1::text;
`

const QGetPackageResult = `--sql 8ccda592-de5e-4dbf-97d0-f01ad9d41e82
select result_json
from asset_packages
where id = $1::text
  and result_json is not null;
`
