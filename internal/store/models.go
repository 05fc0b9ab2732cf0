package store

import (
	"database/sql"
	"time"
)

// NodeRow mirrors the nodes table, sqlx-scannable via `db` tags.
type NodeRow struct {
	ID               int64        `db:"id"`
	Name             string       `db:"name"`
	Hostname         string       `db:"hostname"`
	SSHPort          int          `db:"ssh_port"`
	SSHUser          string       `db:"ssh_user"`
	SSHKeyPath       string       `db:"ssh_key_path"`
	Kind             string       `db:"kind"`
	PBSDatastore     string       `db:"pbs_datastore"`
	PBSTLSFingerprint string      `db:"pbs_tls_fingerprint"`
	PBSAPIPassword   string       `db:"pbs_api_password"`
	BTRFSMount       string       `db:"btrfs_mount"`
	BTRFSSnapshotDir string       `db:"btrfs_snapshot_dir"`
	SanoidPresent    bool         `db:"sanoid_present"`
	BTRFSPresent     bool         `db:"btrfs_present"`
	PBSClientPresent bool         `db:"pbs_client_present"`
	PBSServerPresent bool         `db:"pbs_server_present"`
	Online           bool         `db:"online"`
	LastCheck        sql.NullTime `db:"last_check"`
	Active           bool         `db:"active"`
}

// DatasetRow mirrors the datasets table.
type DatasetRow struct {
	ID              int64        `db:"id"`
	NodeID          int64        `db:"node_id"`
	Path            string       `db:"path"`
	UsedBytes       int64        `db:"used_bytes"`
	SnapshotCount   int          `db:"snapshot_count"`
	LastSnapshotAt  sql.NullTime `db:"last_snapshot_at"`
	RetentionPolicy string       `db:"retention_policy"`
	Autosnap        bool         `db:"autosnap"`
	Autoprune       bool         `db:"autoprune"`
}

// SyncJobRow mirrors the sync_jobs table (ZFS and BTRFS unified by Method).
type SyncJobRow struct {
	ID                  int64          `db:"id"`
	Name                string         `db:"name"`
	Method              string         `db:"method"`
	SourceNodeID        int64          `db:"source_node_id"`
	SourcePath          string         `db:"source_path"`
	DestNodeID          int64          `db:"dest_node_id"`
	DestPath            string         `db:"dest_path"`
	Compress            string         `db:"compress"`
	MbufferSize         string         `db:"mbuffer_size"`
	Recursive           bool           `db:"recursive"`
	ExtraArgs           string         `db:"extra_args"`
	CronSchedule        string         `db:"cron_schedule"`
	RetainCount         int            `db:"retain_count"`
	VMID                sql.NullInt64  `db:"vm_id"`
	GuestType           string         `db:"guest_type"`
	SourceStorage       string         `db:"source_storage"`
	DestStorage         string         `db:"dest_storage"`
	GroupKey            string         `db:"group_key"`
	RetryEnabled        bool           `db:"retry_enabled"`
	RetryMaxAttempts    int            `db:"retry_max_attempts"`
	RetryBackoffMinutes int            `db:"retry_backoff_minutes"`
	NotifyMode          string         `db:"notify_mode"`
	LastRun             sql.NullTime   `db:"last_run"`
	LastStatus          string         `db:"last_status"`
	LastDurationSeconds int            `db:"last_duration_seconds"`
	LastTransferred     string         `db:"last_transferred"`
	RunCount            int            `db:"run_count"`
	ErrorCount          int            `db:"error_count"`
	ConsecutiveFailures int            `db:"consecutive_failures"`
}

// RecoveryJobRow mirrors the recovery_jobs table.
type RecoveryJobRow struct {
	ID                       int64         `db:"id"`
	Name                     string        `db:"name"`
	SourceNodeID             int64         `db:"source_node_id"`
	SourceVMID               int           `db:"source_vm_id"`
	GuestType                string        `db:"guest_type"`
	PBSNodeID                int64         `db:"pbs_node_id"`
	PBSDatastore             string        `db:"pbs_datastore"`
	StorageAlias             string        `db:"storage_alias"`
	DestNodeID               int64         `db:"dest_node_id"`
	DestVMID                 sql.NullInt64 `db:"dest_vm_id"`
	NameSuffix               string        `db:"name_suffix"`
	DestStorage              string        `db:"dest_storage"`
	BackupMode               string        `db:"backup_mode"`
	BackupCompress           string        `db:"backup_compress"`
	IncludeAllDisks          bool          `db:"include_all_disks"`
	RestoreStartAfter        bool          `db:"restore_start_after"`
	RestoreRegenerateIDs     bool          `db:"restore_regenerate_ids"`
	RestoreOverwriteExisting bool          `db:"restore_overwrite_existing"`
	BackupCronSchedule       string        `db:"backup_cron_schedule"`
	RestoreCronSchedule      string        `db:"restore_cron_schedule"`
	RetryEnabled             bool          `db:"retry_enabled"`
	RetryMaxAttempts         int           `db:"retry_max_attempts"`
	RetryBackoffMinutes      int           `db:"retry_backoff_minutes"`
	NotifyMode               string        `db:"notify_mode"`
	CurrentStatus            string        `db:"current_status"`
	LastBackupID             string        `db:"last_backup_id"`
	LastRun                  sql.NullTime  `db:"last_run"`
	LastStatus               string        `db:"last_status"`
	LastDurationSeconds      int           `db:"last_duration_seconds"`
	RunCount                 int           `db:"run_count"`
	ErrorCount               int           `db:"error_count"`
	ConsecutiveFailures      int           `db:"consecutive_failures"`
}

// MigrationJobRow mirrors the migration_jobs table.
type MigrationJobRow struct {
	ID                  int64         `db:"id"`
	Name                string        `db:"name"`
	SourceNodeID        int64         `db:"source_node_id"`
	SourceVMID          int           `db:"source_vm_id"`
	GuestType           string        `db:"guest_type"`
	DestNodeID          int64         `db:"dest_node_id"`
	DestVMID            sql.NullInt64 `db:"dest_vm_id"`
	NameSuffix          string        `db:"name_suffix"`
	Mode                string        `db:"mode"`
	CreateSnapshot      bool          `db:"create_snapshot"`
	KeepSnapshots       bool          `db:"keep_snapshots"`
	StartAfter          bool          `db:"start_after"`
	HWRemapJSON         string        `db:"hw_remap_json"`
	CronSchedule        string        `db:"cron_schedule"`
	NotifyMode          string        `db:"notify_mode"`
	LastRun             sql.NullTime  `db:"last_run"`
	LastStatus          string        `db:"last_status"`
	LastDurationSeconds int           `db:"last_duration_seconds"`
	RunCount            int           `db:"run_count"`
	ErrorCount          int           `db:"error_count"`
	ConsecutiveFailures int           `db:"consecutive_failures"`
}

// HostBackupJobRow mirrors the host_backup_jobs table.
type HostBackupJobRow struct {
	ID                  int64        `db:"id"`
	Name                string       `db:"name"`
	NodeID              int64        `db:"node_id"`
	DestPath            string       `db:"dest_path"`
	Compress            bool         `db:"compress"`
	EncryptPassword     string       `db:"encrypt_password"`
	RetainCount         int          `db:"retain_count"`
	CronSchedule        string       `db:"cron_schedule"`
	LastRun             sql.NullTime `db:"last_run"`
	LastStatus          string       `db:"last_status"`
	LastDurationSeconds int          `db:"last_duration_seconds"`
	RunCount            int          `db:"run_count"`
	ErrorCount          int          `db:"error_count"`
}

// JobLogRow mirrors the job_logs table.
type JobLogRow struct {
	ID               string       `db:"id"`
	JobType          string       `db:"job_type"`
	JobID            int64        `db:"job_id"`
	Phase            string       `db:"phase"`
	StartedAt        time.Time    `db:"started_at"`
	CompletedAt      sql.NullTime `db:"completed_at"`
	DurationSeconds  int          `db:"duration_seconds"`
	StdoutTail       string       `db:"stdout_tail"`
	StderrTail       string       `db:"stderr_tail"`
	BytesTransferred string       `db:"bytes_transferred"`
	BackupID         string       `db:"backup_id"`
	TriggeringUser   string       `db:"triggering_user"`
}

// VMRegistryRow mirrors the vm_registry table.
type VMRegistryRow struct {
	ID            int64     `db:"id"`
	SourceNodeID  int64     `db:"source_node_id"`
	SourceVMID    int       `db:"source_vm_id"`
	DestNodeID    int64     `db:"dest_node_id"`
	DestVMID      int       `db:"dest_vm_id"`
	GuestType     string    `db:"guest_type"`
	SourceDataset string    `db:"source_dataset"`
	DestDataset   string    `db:"dest_dataset"`
	GroupKey      string    `db:"group_key"`
	RegisteredAt  time.Time `db:"registered_at"`
}

// JobPhase enumerates the Job Log phase values.
type JobPhase string

const (
	PhaseStarted            JobPhase = "started"
	PhaseRunning            JobPhase = "running"
	PhaseSuccess            JobPhase = "success"
	PhaseFailed             JobPhase = "failed"
	PhasePendingConfirmation JobPhase = "pending_confirmation"
)
