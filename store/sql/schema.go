package sqlstore

// Migrations creates the three tables the store needs. Callers run these
// once against a fresh schema; the store itself never migrates.
var Migrations = []string{
	`
	create table workflows (
		id          varchar(255) not null,
		handler     varchar(255) not null,
		input       blob,
		status      varchar(32) not null,
		timeout_at  datetime(3) not null,
		failures    int not null default 0,
		last_error  text,
		created_at  datetime(3) not null,
		updated_at  datetime(3) not null,

		primary key (id),
		index by_status_timeout (status, timeout_at)
	)`,
	`
	create table workflow_steps (
		workflow_id varchar(255) not null,
		step_id     varchar(255) not null,
		output      blob not null,
		created_at  datetime(3) not null,

		primary key (workflow_id, step_id)
	)`,
	`
	create table workflow_naps (
		workflow_id varchar(255) not null,
		nap_id      varchar(255) not null,
		wake_up_at  datetime(3) not null,
		created_at  datetime(3) not null,

		primary key (workflow_id, nap_id)
	)`,
}
