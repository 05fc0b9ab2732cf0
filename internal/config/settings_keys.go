package config

// ValueType is the declared type of a settings-store key.
type ValueType string

const (
	ValueString ValueType = "string"
	ValueInt    ValueType = "int"
	ValueBool   ValueType = "bool"
	ValueJSON   ValueType = "json"
)

// RecognisedSettings is the fixed set of settings-store keys, each with its
// declared value type. internal/store.Settings validates writes against
// this table; internal/store never invents new keys on the fly.
var RecognisedSettings = map[string]ValueType{
	"auth_method":               ValueString,
	"auth_proxmox_node":         ValueString,
	"auth_proxmox_port":         ValueInt,
	"auth_proxmox_verify_ssl":   ValueBool,
	"auth_session_timeout":      ValueInt,
	"auth_allow_local_fallback": ValueBool,
	"syncoid_default_compress":  ValueString,
	"syncoid_default_mbuffer":   ValueString,
	"syncoid_timeout":           ValueInt,
	"btrfs_default_mount":       ValueString,
	"btrfs_default_snapshot_dir": ValueString,
	"btrfs_max_snapshots":       ValueInt,
	"btrfs_sync_timeout":        ValueInt,
	"pbs_default_datastore":     ValueString,
	"pbs_backup_mode":           ValueString,
	"pbs_backup_compress":       ValueString,
	"pbs_restore_timeout":       ValueInt,
	"pbs_backup_timeout":        ValueInt,
	"log_retention_days":        ValueInt,
	"audit_retention_days":      ValueInt,
	"daily_summary_hour":        ValueInt,
	"daily_summary_enabled":     ValueBool,
	"ui_theme":                  ValueString,
	"ui_refresh_interval":       ValueInt,
}

// DefaultSettings seeds a fresh Job Store with sane values for every
// recognised key, so Settings.GetInt/.GetBool/.GetString never need a
// fallback path once the store has been initialized once.
var DefaultSettings = map[string]string{
	"auth_method":                "password",
	"auth_proxmox_node":          "",
	"auth_proxmox_port":          "8006",
	"auth_proxmox_verify_ssl":    "true",
	"auth_session_timeout":       "3600",
	"auth_allow_local_fallback":  "false",
	"syncoid_default_compress":   "lz4",
	"syncoid_default_mbuffer":    "16M",
	"syncoid_timeout":            "7200",
	"btrfs_default_mount":        "/mnt/btrfs",
	"btrfs_default_snapshot_dir": "/mnt/btrfs/.snapshots",
	"btrfs_max_snapshots":        "5",
	"btrfs_sync_timeout":         "3600",
	"pbs_default_datastore":      "backups",
	"pbs_backup_mode":            "snapshot",
	"pbs_backup_compress":        "zstd",
	"pbs_restore_timeout":        "7200",
	"pbs_backup_timeout":         "7200",
	"log_retention_days":         "90",
	"audit_retention_days":       "365",
	"daily_summary_hour":         "7",
	"daily_summary_enabled":      "true",
	"ui_theme":                   "dark",
	"ui_refresh_interval":        "30",
}
