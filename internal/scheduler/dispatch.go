package scheduler

import (
	"context"
	"database/sql"

	"github.com/grandir66/dapx-backandrepl/internal/hostbackup"
	"github.com/grandir66/dapx-backandrepl/internal/notify"
	"github.com/grandir66/dapx-backandrepl/internal/pipeline/btrfssync"
	"github.com/grandir66/dapx-backandrepl/internal/pipeline/migration"
	"github.com/grandir66/dapx-backandrepl/internal/pipeline/recovery"
	"github.com/grandir66/dapx-backandrepl/internal/pipeline/zfssync"
	"github.com/grandir66/dapx-backandrepl/internal/store"
)

func nullInt(v sql.NullInt64, fallback int) int {
	if v.Valid {
		return int(v.Int64)
	}
	return fallback
}

// diskSlotFromPath derives a disk label from a sync job's source path
// (e.g. "/mnt/vmdata/disk-scsi0" -> "disk-scsi0") -- sync_jobs has no
// dedicated disk-slot column for BTRFS jobs, unlike ZFS jobs which carry
// one implicitly in the dataset path's last component too.
func diskSlotFromPath(p string) string {
	for i := len(p) - 1; i >= 0; i-- {
		if p[i] == '/' {
			return p[i+1:]
		}
	}
	return p
}

func (s *Scheduler) runSyncJob(ctx context.Context, j store.SyncJobRow) {
	start := s.nowFunc()

	srcNode, err := s.store.GetNode(ctx, j.SourceNodeID)
	if err != nil {
		s.finishSyncFailure(ctx, j, err)
		return
	}
	destNode, err := s.store.GetNode(ctx, j.DestNodeID)
	if err != nil {
		s.finishSyncFailure(ctx, j, err)
		return
	}

	var reg *zfssync.VMRegistration
	if j.VMID.Valid {
		reg = &zfssync.VMRegistration{
			VMID:          int(j.VMID.Int64),
			GuestType:     j.GuestType,
			SourceStorage: j.SourceStorage,
			DestStorage:   j.DestStorage,
			GroupKey:      j.GroupKey,
		}
	}

	var success bool
	var transferred string
	var runErr error

	switch j.Method {
	case "btrfs":
		res := s.btrfs.Run(ctx, btrfssync.Params{
			SourceNode:      srcNode,
			DestNode:        destNode,
			DiskPath:        j.SourcePath,
			VMID:            int(j.VMID.Int64),
			Disk:            diskSlotFromPath(j.SourcePath),
			SnapshotDir:     srcNode.BTRFSSnapshotDir,
			RemoteDir:       j.DestPath,
			MaxSnapshots:    j.RetainCount,
			ConvertIfNeeded: true,
		})
		success = res.Success
		s.recordRun(ctx, "sync", j.ID, res.Phases, res.Success, "", "")
		runErr = summaryError(res.Phases)
	default: // "zfs"
		res := s.zfs.Run(ctx, zfssync.Params{
			SourceNode:    srcNode,
			DestNode:      destNode,
			SourceDataset: j.SourcePath,
			DestDataset:   j.DestPath,
			Recursive:     j.Recursive,
			Compress:      j.Compress,
			MbufferSize:   j.MbufferSize,
			ExtraArgs:     j.ExtraArgs,
			Registration:  reg,
		})
		success = res.Success
		transferred = res.Transferred
		s.recordRun(ctx, "sync", j.ID, res.Phases, res.Success, res.Transferred, "")
		runErr = summaryError(res.Phases)
	}

	status := "success"
	if !success {
		status = "failed"
	}
	if err := s.store.FinishSyncJobRun(ctx, j.ID, status, int(s.nowFunc().Sub(start).Seconds()), transferred, runErr); err != nil {
		s.logger.Error("scheduler: finish sync job %d: %v", j.ID, err)
	}

	s.notify(ctx, notify.Descriptor{
		JobType: "sync", JobName: j.Name, Success: success,
		Source: srcNode.Name, Destination: destNode.Name,
		Duration: s.nowFunc().Sub(start), Err: runErr, BytesMoved: transferred,
		JobID: j.ID, IsScheduled: true, NotifyMode: notify.Mode(j.NotifyMode),
	})
}

func (s *Scheduler) finishSyncFailure(ctx context.Context, j store.SyncJobRow, err error) {
	s.logger.Error("scheduler: sync job %d: %v", j.ID, err)
	_ = s.store.FinishSyncJobRun(ctx, j.ID, "failed", 0, "", err)
	s.notify(ctx, notify.Descriptor{
		JobType: "sync", JobName: j.Name, Success: false, Err: err,
		JobID: j.ID, IsScheduled: true, NotifyMode: notify.Mode(j.NotifyMode),
	})
}

func (s *Scheduler) runHostBackupJob(ctx context.Context, j store.HostBackupJobRow) {
	start := s.nowFunc()

	n, err := s.store.GetNode(ctx, j.NodeID)
	if err != nil {
		s.logger.Error("scheduler: host backup job %d: %v", j.ID, err)
		_ = s.store.FinishHostBackupJobRun(ctx, j.ID, "failed", 0, err)
		return
	}

	destPath := j.DestPath
	if destPath == "" {
		destPath = "/var/backups/proxmox-config"
	}

	result := s.hostbackup.Run(ctx, hostbackup.Params{
		Node: n, DestPath: destPath, Compress: j.Compress,
		Encrypt: j.EncryptPassword != "", EncryptPassword: j.EncryptPassword,
	})
	duration := int(s.nowFunc().Sub(start).Seconds())

	parentID, logErr := s.store.StartJobLog(ctx, "hostbackup", j.ID, "scheduler")
	if logErr == nil {
		phase := store.PhaseSuccess
		stderrTail := ""
		if !result.Success {
			phase = store.PhaseFailed
			if result.Err != nil {
				stderrTail = result.Err.Error()
			}
		}
		_ = s.store.CompleteJobLog(ctx, parentID, phase, result.BackupFile, stderrTail, "", "")
	}

	status := "success"
	if !result.Success {
		status = "failed"
	}
	if err := s.store.FinishHostBackupJobRun(ctx, j.ID, status, duration, result.Err); err != nil {
		s.logger.Error("scheduler: finish host backup job %d: %v", j.ID, err)
	}

	if result.Success && j.RetainCount > 0 {
		kind := string(n.Kind)
		if kind == "" {
			kind = "pve"
		}
		if pruneRes := s.pruner.PruneHostConfigArchives(ctx, n, destPath, kind, j.RetainCount); len(pruneRes.Deleted) > 0 {
			s.logger.Debug("scheduler: pruned %d host-config archives on %s", len(pruneRes.Deleted), n.Name)
		}
	}

	s.notify(ctx, notify.Descriptor{
		JobType: "hostbackup", JobName: j.Name, Success: result.Success,
		Source: n.Name, Duration: s.nowFunc().Sub(start), Err: result.Err,
		JobID: j.ID, IsScheduled: true, NotifyMode: notify.Mode("always"),
	})
}

func (s *Scheduler) runMigrationJob(ctx context.Context, j store.MigrationJobRow) {
	start := s.nowFunc()

	srcNode, err := s.store.GetNode(ctx, j.SourceNodeID)
	if err != nil {
		s.finishMigrationFailure(ctx, j, err)
		return
	}
	destNode, err := s.store.GetNode(ctx, j.DestNodeID)
	if err != nil {
		s.finishMigrationFailure(ctx, j, err)
		return
	}

	var success bool
	var runErr error

	if j.Mode == "move" {
		res := s.migr.RunMove(ctx, migration.MoveParams{
			SourceNode: srcNode, DestNode: destNode,
			VMID: j.SourceVMID, GuestType: j.GuestType,
			NewVMID: nullInt(j.DestVMID, 0),
		})
		success = res.Success
		s.recordRun(ctx, "migration", j.ID, res.Phases, res.Success, "", "")
		runErr = summaryError(res.Phases)
	} else {
		keep := 0
		if j.KeepSnapshots {
			keep = defaultMigrationSnapshotRetain
		}
		res := s.migr.RunCopy(ctx, migration.CopyParams{
			SourceNode: srcNode, DestNode: destNode,
			SourceVMID: j.SourceVMID, TargetVMID: nullInt(j.DestVMID, j.SourceVMID),
			GuestType:      j.GuestType,
			SnapshotFirst:  j.CreateSnapshot,
			Compress:       "zstd",
			ForceOverwrite: true, // automatic for scheduled runs
			KeepSnapshots:  keep,
			StartAfter:     j.StartAfter,
			HW:             hwConfigFromJSON(j.HWRemapJSON),
		})
		success = res.Success
		s.recordRun(ctx, "migration", j.ID, res.Phases, res.Success, "", res.ArchivePath)
		runErr = summaryError(res.Phases)
		if res.Confirmation != nil {
			// A state conflict (target VMID exists) is not a failure, and
			// RunCopy reports it only when ForceOverwrite is off, which a
			// scheduled run never sets above. Should one appear anyway, it
			// is surfaced as a failed run so it is visible and retried on
			// the job's own schedule.
			success = false
			if runErr == nil {
				runErr = res.Confirmation
			}
		}
	}

	status := "success"
	if !success {
		status = "failed"
	}
	if err := s.store.FinishMigrationJobRun(ctx, j.ID, status, int(s.nowFunc().Sub(start).Seconds()), runErr); err != nil {
		s.logger.Error("scheduler: finish migration job %d: %v", j.ID, err)
	}

	s.notify(ctx, notify.Descriptor{
		JobType: "migration", JobName: j.Name, Success: success,
		Source: srcNode.Name, Destination: destNode.Name,
		Duration: s.nowFunc().Sub(start), Err: runErr,
		JobID: j.ID, IsScheduled: true, NotifyMode: notify.Mode(j.NotifyMode),
	})
}

func (s *Scheduler) finishMigrationFailure(ctx context.Context, j store.MigrationJobRow, err error) {
	s.logger.Error("scheduler: migration job %d: %v", j.ID, err)
	_ = s.store.FinishMigrationJobRun(ctx, j.ID, "failed", 0, err)
	s.notify(ctx, notify.Descriptor{
		JobType: "migration", JobName: j.Name, Success: false, Err: err,
		JobID: j.ID, IsScheduled: true, NotifyMode: notify.Mode(j.NotifyMode),
	})
}

// runRecoveryBackupThenRestore drives the full BACKUP -> RESTORE ->
// REGISTERING sequence for a job whose backup_cron_schedule fired.
func (s *Scheduler) runRecoveryBackupThenRestore(ctx context.Context, j store.RecoveryJobRow) {
	start := s.nowFunc()

	srcNode, err := s.store.GetNode(ctx, j.SourceNodeID)
	if err != nil {
		s.finishRecoveryFailure(ctx, j, err)
		return
	}
	pbsNode, err := s.store.GetNode(ctx, j.PBSNodeID)
	if err != nil {
		s.finishRecoveryFailure(ctx, j, err)
		return
	}
	destNode, err := s.store.GetNode(ctx, j.DestNodeID)
	if err != nil {
		s.finishRecoveryFailure(ctx, j, err)
		return
	}

	const pbsUser = "root@pam"

	backupRes := s.recov.RunBackup(ctx, recovery.BackupParams{
		SourceNode: srcNode, SourceVMID: j.SourceVMID, GuestType: j.GuestType,
		PBSNode: pbsNode, PBSDatastore: j.PBSDatastore, StorageAlias: j.StorageAlias,
		PBSUser: pbsUser, Mode: j.BackupMode, Compress: j.BackupCompress,
		IncludeAllDisks: j.IncludeAllDisks,
	})
	s.recordRun(ctx, "recovery", j.ID, backupRes.Phases, backupRes.Success, "", backupRes.BackupID)

	if !backupRes.Success {
		runErr := summaryError(backupRes.Phases)
		s.finishRecoveryFailure(ctx, j, runErr)
		return
	}

	if err := s.store.AdvanceRecoveryJobPhase(ctx, j.ID, store.RecoveryRestoring, backupRes.BackupID); err != nil {
		s.logger.Error("scheduler: advance recovery job %d to restoring: %v", j.ID, err)
	}

	destVMID := nullInt(j.DestVMID, j.SourceVMID)
	restoreRes := s.recov.RunRestore(ctx, recovery.RestoreParams{
		DestNode: destNode, DestVMID: destVMID, GuestType: j.GuestType,
		NameSuffix: j.NameSuffix, DestStorage: j.DestStorage,
		StartAfter: j.RestoreStartAfter, RegenerateUniqueIDs: j.RestoreRegenerateIDs,
		OverwriteExisting: j.RestoreOverwriteExisting, BackupVolID: backupRes.BackupID,
	}, pbsNode, j.PBSDatastore, pbsUser, j.StorageAlias)
	s.recordRun(ctx, "recovery", j.ID, restoreRes.Phases, restoreRes.Success, "", "")

	if !restoreRes.Success {
		runErr := summaryError(restoreRes.Phases)
		s.finishRecoveryFailure(ctx, j, runErr)
		return
	}

	if err := s.store.AdvanceRecoveryJobPhase(ctx, j.ID, store.RecoveryRegistering, ""); err != nil {
		s.logger.Error("scheduler: advance recovery job %d to registering: %v", j.ID, err)
	}
	if _, err := s.store.RegisterVM(ctx, store.VMRegistryRow{
		SourceNodeID: j.SourceNodeID, SourceVMID: j.SourceVMID,
		DestNodeID: j.DestNodeID, DestVMID: destVMID, GuestType: j.GuestType,
	}); err != nil {
		s.logger.Error("scheduler: register recovered vm for job %d: %v", j.ID, err)
	}

	duration := int(s.nowFunc().Sub(start).Seconds())
	if err := s.store.FinishRecoveryJobRun(ctx, j.ID, store.RecoveryCompleted, duration, nil); err != nil {
		s.logger.Error("scheduler: finish recovery job %d: %v", j.ID, err)
	}

	s.notify(ctx, notify.Descriptor{
		JobType: "recovery", JobName: j.Name, Success: true,
		Source: srcNode.Name, Destination: destNode.Name,
		Duration: s.nowFunc().Sub(start), JobID: j.ID, IsScheduled: true,
		NotifyMode: notify.Mode(j.NotifyMode),
	})
}

// runRecoveryRestoreOnly re-runs just the RESTORE phase from the last known
// backup id, for a DR-drill restore_cron_schedule fire that does not want
// to take a fresh backup first.
func (s *Scheduler) runRecoveryRestoreOnly(ctx context.Context, j store.RecoveryJobRow) {
	start := s.nowFunc()

	pbsNode, err := s.store.GetNode(ctx, j.PBSNodeID)
	if err != nil {
		s.finishRecoveryFailure(ctx, j, err)
		return
	}
	destNode, err := s.store.GetNode(ctx, j.DestNodeID)
	if err != nil {
		s.finishRecoveryFailure(ctx, j, err)
		return
	}

	destVMID := nullInt(j.DestVMID, j.SourceVMID)
	restoreRes := s.recov.RunRestore(ctx, recovery.RestoreParams{
		DestNode: destNode, DestVMID: destVMID, GuestType: j.GuestType,
		NameSuffix: j.NameSuffix, DestStorage: j.DestStorage,
		StartAfter: j.RestoreStartAfter, RegenerateUniqueIDs: j.RestoreRegenerateIDs,
		OverwriteExisting: j.RestoreOverwriteExisting, BackupVolID: j.LastBackupID,
	}, pbsNode, j.PBSDatastore, "root@pam", j.StorageAlias)
	s.recordRun(ctx, "recovery", j.ID, restoreRes.Phases, restoreRes.Success, "", "")

	duration := int(s.nowFunc().Sub(start).Seconds())
	if !restoreRes.Success {
		s.finishRecoveryFailure(ctx, j, summaryError(restoreRes.Phases))
		return
	}

	if err := s.store.FinishRecoveryJobRun(ctx, j.ID, store.RecoveryCompleted, duration, nil); err != nil {
		s.logger.Error("scheduler: finish recovery restore %d: %v", j.ID, err)
	}
	s.notify(ctx, notify.Descriptor{
		JobType: "recovery", JobName: j.Name, Success: true,
		Destination: destNode.Name, Duration: s.nowFunc().Sub(start),
		JobID: j.ID, IsScheduled: true, NotifyMode: notify.Mode(j.NotifyMode),
	})
}

func (s *Scheduler) finishRecoveryFailure(ctx context.Context, j store.RecoveryJobRow, err error) {
	s.logger.Error("scheduler: recovery job %d: %v", j.ID, err)
	duration := 0
	if ferr := s.store.FinishRecoveryJobRun(ctx, j.ID, store.RecoveryFailed, duration, err); ferr != nil {
		s.logger.Error("scheduler: finish recovery job %d as failed: %v", j.ID, ferr)
	}
	s.notify(ctx, notify.Descriptor{
		JobType: "recovery", JobName: j.Name, Success: false, Err: err,
		JobID: j.ID, IsScheduled: true, NotifyMode: notify.Mode(j.NotifyMode),
	})
}

func (s *Scheduler) notify(ctx context.Context, d notify.Descriptor) {
	if err := s.notifier.Handle(ctx, d); err != nil {
		s.logger.Error("scheduler: notify job %s/%d: %v", d.JobType, d.JobID, err)
	}
}
