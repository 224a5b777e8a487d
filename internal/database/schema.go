package database

import (
	"context"
	"fmt"
	"strings"
)

// schema 建表语句。{ts}/{json}/{bool} 按方言替换
var schema = []string{
	`CREATE TABLE IF NOT EXISTS departments (
		id          TEXT PRIMARY KEY,
		code        TEXT NOT NULL UNIQUE,
		name        TEXT NOT NULL,
		hospital_id TEXT,
		is_active   {bool} NOT NULL DEFAULT TRUE,
		created_at  {ts} NOT NULL,
		updated_at  {ts} NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS job_levels (
		id         TEXT PRIMARY KEY,
		code       TEXT NOT NULL UNIQUE,
		name       TEXT NOT NULL,
		priority   INTEGER NOT NULL DEFAULT 0,
		created_at {ts} NOT NULL,
		updated_at {ts} NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS skills (
		id         TEXT PRIMARY KEY,
		code       TEXT NOT NULL UNIQUE,
		name       TEXT NOT NULL,
		created_at {ts} NOT NULL,
		updated_at {ts} NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS shift_codes (
		id         TEXT PRIMARY KEY,
		code       TEXT NOT NULL UNIQUE,
		name       TEXT NOT NULL,
		start_time TEXT NOT NULL DEFAULT '',
		end_time   TEXT NOT NULL DEFAULT '',
		kind       TEXT NOT NULL,
		is_night   {bool} NOT NULL DEFAULT FALSE,
		is_active  {bool} NOT NULL DEFAULT TRUE,
		created_at {ts} NOT NULL,
		updated_at {ts} NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS nurses (
		id              TEXT PRIMARY KEY,
		staff_no        TEXT NOT NULL UNIQUE,
		name            TEXT NOT NULL,
		department_code TEXT NOT NULL,
		job_level_code  TEXT NOT NULL DEFAULT '',
		skills          TEXT NOT NULL DEFAULT '',
		group_codes     TEXT NOT NULL DEFAULT '',
		is_active       {bool} NOT NULL DEFAULT TRUE,
		created_at      {ts} NOT NULL,
		updated_at      {ts} NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_nurses_department ON nurses (department_code)`,
	`CREATE TABLE IF NOT EXISTS schedule_periods (
		id                    TEXT PRIMARY KEY,
		name                  TEXT NOT NULL,
		hospital_id           TEXT,
		department_code       TEXT NOT NULL,
		start_date            TEXT NOT NULL,
		end_date              TEXT NOT NULL,
		active_rule_bundle_id TEXT,
		published_version_id  TEXT,
		created_at            {ts} NOT NULL,
		updated_at            {ts} NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS demands (
		period_id  TEXT NOT NULL REFERENCES schedule_periods (id),
		date       TEXT NOT NULL,
		shift_code TEXT NOT NULL,
		skill_code TEXT NOT NULL DEFAULT '',
		required   INTEGER NOT NULL,
		PRIMARY KEY (period_id, date, shift_code, skill_code)
	)`,
	`CREATE TABLE IF NOT EXISTS locks (
		period_id  TEXT NOT NULL REFERENCES schedule_periods (id),
		nurse_id   TEXT NOT NULL REFERENCES nurses (id),
		date       TEXT NOT NULL,
		shift_code TEXT NOT NULL,
		PRIMARY KEY (period_id, nurse_id, date)
	)`,
	`CREATE TABLE IF NOT EXISTS rules (
		id                 TEXT PRIMARY KEY,
		title              TEXT NOT NULL,
		scope_type         TEXT NOT NULL,
		scope_id           TEXT NOT NULL DEFAULT '',
		category           TEXT NOT NULL,
		priority           INTEGER NOT NULL DEFAULT 0,
		enabled            {bool} NOT NULL DEFAULT TRUE,
		current_version_id TEXT,
		created_at         {ts} NOT NULL,
		updated_at         {ts} NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_rules_scope ON rules (scope_type, scope_id)`,
	`CREATE TABLE IF NOT EXISTS rule_versions (
		id                  TEXT PRIMARY KEY,
		rule_id             TEXT NOT NULL REFERENCES rules (id),
		version             INTEGER NOT NULL,
		nl_text             TEXT NOT NULL DEFAULT '',
		dsl_text            TEXT NOT NULL,
		dsl_hash            TEXT NOT NULL,
		reverse_translation TEXT NOT NULL DEFAULT '',
		validation_status   TEXT NOT NULL,
		validation_report   {json} NOT NULL DEFAULT '{}',
		created_at          {ts} NOT NULL,
		updated_at          {ts} NOT NULL,
		CONSTRAINT rule_versions_rule_version_key UNIQUE (rule_id, version)
	)`,
	`CREATE TABLE IF NOT EXISTS templates (
		id              TEXT PRIMARY KEY,
		name            TEXT NOT NULL,
		hospital_id     TEXT,
		department_code TEXT NOT NULL DEFAULT '',
		is_active       {bool} NOT NULL DEFAULT TRUE,
		created_at      {ts} NOT NULL,
		updated_at      {ts} NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS template_rule_links (
		template_id TEXT NOT NULL REFERENCES templates (id),
		rule_id     TEXT NOT NULL REFERENCES rules (id),
		included    {bool} NOT NULL DEFAULT TRUE,
		overrides   {json} NOT NULL DEFAULT '{}',
		PRIMARY KEY (template_id, rule_id)
	)`,
	`CREATE TABLE IF NOT EXISTS rule_bundles (
		id                TEXT PRIMARY KEY,
		period_id         TEXT NOT NULL REFERENCES schedule_periods (id),
		name              TEXT NOT NULL,
		content_hash      TEXT NOT NULL,
		validation_status TEXT NOT NULL,
		validation_report {json} NOT NULL DEFAULT '{}',
		source_config     {json} NOT NULL DEFAULT '{}',
		created_at        {ts} NOT NULL,
		updated_at        {ts} NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS bundle_items (
		bundle_id        TEXT NOT NULL REFERENCES rule_bundles (id),
		seq              INTEGER NOT NULL,
		layer            TEXT NOT NULL,
		rule_id          TEXT NOT NULL REFERENCES rules (id),
		rule_version_id  TEXT NOT NULL REFERENCES rule_versions (id),
		dsl_hash         TEXT NOT NULL,
		category         TEXT NOT NULL,
		priority_at_time INTEGER NOT NULL,
		enabled_at_time  {bool} NOT NULL,
		exclusions       {json},
		PRIMARY KEY (bundle_id, seq)
	)`,
	`CREATE TABLE IF NOT EXISTS optimization_jobs (
		id                TEXT PRIMARY KEY,
		period_id         TEXT NOT NULL REFERENCES schedule_periods (id),
		bundle_id         TEXT NOT NULL REFERENCES rule_bundles (id),
		base_version_id   TEXT,
		status            TEXT NOT NULL,
		progress          INTEGER NOT NULL DEFAULT 0,
		options           {json} NOT NULL DEFAULT '{}',
		compile_report    {json} NOT NULL DEFAULT '{}',
		solve_report      {json} NOT NULL DEFAULT '{}',
		result_version_id TEXT,
		error             {json} NOT NULL DEFAULT '{}',
		message           TEXT NOT NULL DEFAULT '',
		cancel_requested  {bool} NOT NULL DEFAULT FALSE,
		started_at        {ts},
		finished_at       {ts},
		applied_at        {ts},
		created_at        {ts} NOT NULL,
		updated_at        {ts} NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_jobs_period ON optimization_jobs (period_id, created_at)`,
	`CREATE TABLE IF NOT EXISTS job_transitions (
		job_id      TEXT NOT NULL REFERENCES optimization_jobs (id),
		seq         INTEGER NOT NULL,
		from_status TEXT NOT NULL,
		to_status   TEXT NOT NULL,
		message     TEXT NOT NULL DEFAULT '',
		at          {ts} NOT NULL,
		PRIMARY KEY (job_id, seq)
	)`,
	`CREATE TABLE IF NOT EXISTS schedule_versions (
		id              TEXT PRIMARY KEY,
		period_id       TEXT NOT NULL REFERENCES schedule_periods (id),
		job_id          TEXT,
		base_version_id TEXT,
		bundle_id       TEXT,
		status          TEXT NOT NULL,
		objective       BIGINT NOT NULL DEFAULT 0,
		summary         {json} NOT NULL DEFAULT '{}',
		created_at      {ts} NOT NULL,
		updated_at      {ts} NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS assignments (
		version_id TEXT NOT NULL REFERENCES schedule_versions (id),
		nurse_id   TEXT NOT NULL,
		date       TEXT NOT NULL,
		shift_code TEXT NOT NULL,
		locked     {bool} NOT NULL DEFAULT FALSE,
		CONSTRAINT assignments_version_nurse_date_key UNIQUE (version_id, nurse_id, date)
	)`,
	`CREATE TABLE IF NOT EXISTS publications (
		id                  TEXT PRIMARY KEY,
		period_id           TEXT NOT NULL REFERENCES schedule_periods (id),
		version_id          TEXT NOT NULL REFERENCES schedule_versions (id),
		job_id              TEXT,
		previous_version_id TEXT,
		archive_key         TEXT NOT NULL DEFAULT '',
		published_at        {ts} NOT NULL
	)`,
}

// Tables 按依赖顺序列出数据表
var Tables = []string{
	"departments", "job_levels", "skills", "shift_codes", "nurses",
	"schedule_periods", "demands", "locks",
	"rules", "rule_versions", "templates", "template_rule_links",
	"rule_bundles", "bundle_items",
	"optimization_jobs", "job_transitions",
	"schedule_versions", "assignments", "publications",
}

// Migrate 建表（幂等）
func (db *DB) Migrate(ctx context.Context) error {
	r := db.typeReplacer()
	for _, stmt := range schema {
		if _, err := db.DB.ExecContext(ctx, r.Replace(stmt)); err != nil {
			return fmt.Errorf("建表失败: %w (%s)", err, truncateQuery(stmt))
		}
	}
	return nil
}

func (db *DB) typeReplacer() *strings.Replacer {
	if db.dialect == DialectSQLite {
		return strings.NewReplacer("{ts}", "TIMESTAMP", "{json}", "TEXT", "{bool}", "BOOLEAN")
	}
	return strings.NewReplacer("{ts}", "TIMESTAMPTZ", "{json}", "JSONB", "{bool}", "BOOLEAN")
}
