package store

// schemaStatements is applied in order on every Open. Foreign keys from job
// tables to nodes.id are ON DELETE RESTRICT, enforcing "hard delete
// forbidden while any job references it" at the database layer rather than
// relying on application-level checks alone. job_logs has no foreign key
// (job_id spans several job tables); each Delete*Job method removes the
// job's logs before the job, since Job Logs are owned by the Job.
var schemaStatements = []string{
	`CREATE TABLE IF NOT EXISTS nodes (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		name TEXT NOT NULL UNIQUE,
		hostname TEXT NOT NULL,
		ssh_port INTEGER NOT NULL DEFAULT 22,
		ssh_user TEXT NOT NULL DEFAULT 'root',
		ssh_key_path TEXT NOT NULL DEFAULT '',
		kind TEXT NOT NULL DEFAULT 'pve',
		pbs_datastore TEXT NOT NULL DEFAULT '',
		pbs_tls_fingerprint TEXT NOT NULL DEFAULT '',
		pbs_api_password TEXT NOT NULL DEFAULT '',
		btrfs_mount TEXT NOT NULL DEFAULT '',
		btrfs_snapshot_dir TEXT NOT NULL DEFAULT '',
		sanoid_present INTEGER NOT NULL DEFAULT 0,
		btrfs_present INTEGER NOT NULL DEFAULT 0,
		pbs_client_present INTEGER NOT NULL DEFAULT 0,
		pbs_server_present INTEGER NOT NULL DEFAULT 0,
		online INTEGER NOT NULL DEFAULT 0,
		last_check DATETIME,
		active INTEGER NOT NULL DEFAULT 1
	)`,

	`CREATE TABLE IF NOT EXISTS datasets (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		node_id INTEGER NOT NULL REFERENCES nodes(id) ON DELETE CASCADE,
		path TEXT NOT NULL,
		used_bytes INTEGER NOT NULL DEFAULT 0,
		snapshot_count INTEGER NOT NULL DEFAULT 0,
		last_snapshot_at DATETIME,
		retention_policy TEXT NOT NULL DEFAULT '',
		autosnap INTEGER NOT NULL DEFAULT 0,
		autoprune INTEGER NOT NULL DEFAULT 0,
		UNIQUE(node_id, path)
	)`,

	`CREATE TABLE IF NOT EXISTS sync_jobs (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		name TEXT NOT NULL,
		method TEXT NOT NULL,
		source_node_id INTEGER NOT NULL REFERENCES nodes(id) ON DELETE RESTRICT,
		source_path TEXT NOT NULL,
		dest_node_id INTEGER NOT NULL REFERENCES nodes(id) ON DELETE RESTRICT,
		dest_path TEXT NOT NULL,
		compress TEXT NOT NULL DEFAULT '',
		mbuffer_size TEXT NOT NULL DEFAULT '',
		recursive INTEGER NOT NULL DEFAULT 0,
		extra_args TEXT NOT NULL DEFAULT '',
		cron_schedule TEXT NOT NULL DEFAULT '',
		retain_count INTEGER NOT NULL DEFAULT 0,
		vm_id INTEGER,
		guest_type TEXT NOT NULL DEFAULT '',
		source_storage TEXT NOT NULL DEFAULT '',
		dest_storage TEXT NOT NULL DEFAULT '',
		group_key TEXT NOT NULL DEFAULT '',
		retry_enabled INTEGER NOT NULL DEFAULT 0,
		retry_max_attempts INTEGER NOT NULL DEFAULT 0,
		retry_backoff_minutes INTEGER NOT NULL DEFAULT 0,
		notify_mode TEXT NOT NULL DEFAULT 'on_failure',
		last_run DATETIME,
		last_status TEXT NOT NULL DEFAULT '',
		last_duration_seconds INTEGER NOT NULL DEFAULT 0,
		last_transferred TEXT NOT NULL DEFAULT '',
		run_count INTEGER NOT NULL DEFAULT 0,
		error_count INTEGER NOT NULL DEFAULT 0,
		consecutive_failures INTEGER NOT NULL DEFAULT 0
	)`,

	`CREATE TABLE IF NOT EXISTS recovery_jobs (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		name TEXT NOT NULL,
		source_node_id INTEGER NOT NULL REFERENCES nodes(id) ON DELETE RESTRICT,
		source_vm_id INTEGER NOT NULL,
		guest_type TEXT NOT NULL,
		pbs_node_id INTEGER NOT NULL REFERENCES nodes(id) ON DELETE RESTRICT,
		pbs_datastore TEXT NOT NULL,
		storage_alias TEXT NOT NULL DEFAULT '',
		dest_node_id INTEGER NOT NULL REFERENCES nodes(id) ON DELETE RESTRICT,
		dest_vm_id INTEGER,
		name_suffix TEXT NOT NULL DEFAULT '',
		dest_storage TEXT NOT NULL DEFAULT '',
		backup_mode TEXT NOT NULL DEFAULT 'snapshot',
		backup_compress TEXT NOT NULL DEFAULT 'zstd',
		include_all_disks INTEGER NOT NULL DEFAULT 1,
		restore_start_after INTEGER NOT NULL DEFAULT 0,
		restore_regenerate_ids INTEGER NOT NULL DEFAULT 0,
		restore_overwrite_existing INTEGER NOT NULL DEFAULT 0,
		backup_cron_schedule TEXT NOT NULL DEFAULT '',
		restore_cron_schedule TEXT NOT NULL DEFAULT '',
		retry_enabled INTEGER NOT NULL DEFAULT 0,
		retry_max_attempts INTEGER NOT NULL DEFAULT 0,
		retry_backoff_minutes INTEGER NOT NULL DEFAULT 0,
		notify_mode TEXT NOT NULL DEFAULT 'on_failure',
		current_status TEXT NOT NULL DEFAULT 'pending',
		last_backup_id TEXT NOT NULL DEFAULT '',
		last_run DATETIME,
		last_status TEXT NOT NULL DEFAULT '',
		last_duration_seconds INTEGER NOT NULL DEFAULT 0,
		run_count INTEGER NOT NULL DEFAULT 0,
		error_count INTEGER NOT NULL DEFAULT 0,
		consecutive_failures INTEGER NOT NULL DEFAULT 0
	)`,

	`CREATE TABLE IF NOT EXISTS migration_jobs (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		name TEXT NOT NULL,
		source_node_id INTEGER NOT NULL REFERENCES nodes(id) ON DELETE RESTRICT,
		source_vm_id INTEGER NOT NULL,
		guest_type TEXT NOT NULL,
		dest_node_id INTEGER NOT NULL REFERENCES nodes(id) ON DELETE RESTRICT,
		dest_vm_id INTEGER,
		name_suffix TEXT NOT NULL DEFAULT '',
		mode TEXT NOT NULL DEFAULT 'copy',
		create_snapshot INTEGER NOT NULL DEFAULT 1,
		keep_snapshots INTEGER NOT NULL DEFAULT 0,
		start_after INTEGER NOT NULL DEFAULT 0,
		hw_remap_json TEXT NOT NULL DEFAULT '',
		cron_schedule TEXT NOT NULL DEFAULT '',
		notify_mode TEXT NOT NULL DEFAULT 'on_failure',
		last_run DATETIME,
		last_status TEXT NOT NULL DEFAULT '',
		last_duration_seconds INTEGER NOT NULL DEFAULT 0,
		run_count INTEGER NOT NULL DEFAULT 0,
		error_count INTEGER NOT NULL DEFAULT 0,
		consecutive_failures INTEGER NOT NULL DEFAULT 0
	)`,

	`CREATE TABLE IF NOT EXISTS host_backup_jobs (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		name TEXT NOT NULL,
		node_id INTEGER NOT NULL REFERENCES nodes(id) ON DELETE RESTRICT,
		dest_path TEXT NOT NULL,
		compress INTEGER NOT NULL DEFAULT 1,
		encrypt_password TEXT NOT NULL DEFAULT '',
		retain_count INTEGER NOT NULL DEFAULT 7,
		cron_schedule TEXT NOT NULL DEFAULT '',
		last_run DATETIME,
		last_status TEXT NOT NULL DEFAULT '',
		last_duration_seconds INTEGER NOT NULL DEFAULT 0,
		run_count INTEGER NOT NULL DEFAULT 0,
		error_count INTEGER NOT NULL DEFAULT 0
	)`,

	`CREATE TABLE IF NOT EXISTS job_logs (
		id TEXT PRIMARY KEY,
		job_type TEXT NOT NULL,
		job_id INTEGER NOT NULL,
		phase TEXT NOT NULL,
		started_at DATETIME NOT NULL,
		completed_at DATETIME,
		duration_seconds INTEGER NOT NULL DEFAULT 0,
		stdout_tail TEXT NOT NULL DEFAULT '',
		stderr_tail TEXT NOT NULL DEFAULT '',
		bytes_transferred TEXT NOT NULL DEFAULT '',
		backup_id TEXT NOT NULL DEFAULT '',
		triggering_user TEXT NOT NULL DEFAULT ''
	)`,
	`CREATE INDEX IF NOT EXISTS idx_job_logs_job ON job_logs(job_type, job_id, started_at)`,

	`CREATE TABLE IF NOT EXISTS vm_registry (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		source_node_id INTEGER NOT NULL REFERENCES nodes(id) ON DELETE RESTRICT,
		source_vm_id INTEGER NOT NULL,
		dest_node_id INTEGER NOT NULL REFERENCES nodes(id) ON DELETE RESTRICT,
		dest_vm_id INTEGER NOT NULL,
		guest_type TEXT NOT NULL,
		source_dataset TEXT NOT NULL,
		dest_dataset TEXT NOT NULL,
		group_key TEXT NOT NULL DEFAULT '',
		registered_at DATETIME NOT NULL,
		UNIQUE(source_node_id, source_vm_id, dest_node_id)
	)`,

	`CREATE TABLE IF NOT EXISTS settings (
		key TEXT PRIMARY KEY,
		value TEXT NOT NULL
	)`,
}
