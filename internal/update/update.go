package update

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/appstead/appstead/internal/app"
	"github.com/appstead/appstead/internal/config"
)

// EnvProvisioner rebuilds an app's isolated environment against its
// current source tree.
type EnvProvisioner interface {
	Provision(ctx context.Context, name string) error
}

// Updater swaps an app's source tree for a staged replacement as an
// all-or-nothing transaction: snapshot the current tree, rename the
// staged tree into place, re-provision, and on any failure restore the
// snapshot and re-provision the old tree. The caller owns stopping the
// app before Apply and deciding whether to start it after.
type Updater struct {
	paths config.Paths
	prov  EnvProvisioner
	now   func() time.Time
}

func New(paths config.Paths, prov EnvProvisioner) *Updater {
	return &Updater{paths: paths, prov: prov, now: time.Now}
}

// manifestName matches what the provisioner installs from.
const manifestName = "requirements.txt"

// Options tunes one Apply transaction. The zero value keeps the safe
// defaults: retain the snapshot and rebuild the environment.
type Options struct {
	// SkipBackup discards the snapshot once the swap has succeeded.
	SkipBackup bool
	// SkipReinstall re-provisions only when the dependency manifest
	// differs between the old and new trees.
	SkipReinstall bool
}

// Apply runs the swap transaction for name with stagedDir as the new
// source tree. On success the previous tree remains as the returned
// backup directory, empty with SkipBackup, and stagedDir no longer
// exists. On failure the previous tree, and its environment, are back
// in place.
func (u *Updater) Apply(ctx context.Context, name, stagedDir string, opts Options) (string, error) {
	srcDir := u.paths.SourceDir(name)
	backupDir := u.paths.BackupDir(name, u.now())

	// the snapshot is taken even with SkipBackup: rollback needs the
	// previous tree until the whole transaction has succeeded
	if err := os.MkdirAll(filepath.Dir(backupDir), 0o755); err != nil {
		return "", &app.UpdateFailedError{App: name, Step: "backup", Err: err}
	}
	if err := os.Rename(srcDir, backupDir); err != nil {
		return "", &app.UpdateFailedError{App: name, Step: "backup", Err: err}
	}
	if err := os.Rename(stagedDir, srcDir); err != nil {
		// the backup move succeeded, put it back
		if rbErr := os.Rename(backupDir, srcDir); rbErr != nil {
			slog.Error("rollback rename failed", "app", name, "err", rbErr)
		}
		return "", &app.UpdateFailedError{App: name, Step: "swap", Err: err}
	}
	if !opts.SkipReinstall || manifestChanged(backupDir, srcDir) {
		if err := u.prov.Provision(ctx, name); err != nil {
			u.rollback(ctx, name, srcDir, backupDir)
			return "", &app.UpdateFailedError{App: name, Step: "provision", Err: err}
		}
	}
	if opts.SkipBackup {
		if err := os.RemoveAll(backupDir); err != nil {
			slog.Warn("dropping snapshot failed", "app", name, "err", err)
		}
		slog.Info("source tree updated", "app", name)
		return "", nil
	}
	slog.Info("source tree updated", "app", name, "backup", backupDir)
	return backupDir, nil
}

// manifestChanged reports whether the dependency manifest differs
// between two trees. A missing manifest reads as empty.
func manifestChanged(oldDir, newDir string) bool {
	oldB, _ := os.ReadFile(filepath.Join(oldDir, manifestName))
	newB, _ := os.ReadFile(filepath.Join(newDir, manifestName))
	return !bytes.Equal(oldB, newB)
}

// rollback restores the snapshot and rebuilds the old environment.
func (u *Updater) rollback(ctx context.Context, name, srcDir, backupDir string) {
	if err := os.RemoveAll(srcDir); err != nil {
		slog.Error("rollback cleanup failed", "app", name, "err", err)
	}
	if err := os.Rename(backupDir, srcDir); err != nil {
		slog.Error("rollback rename failed", "app", name, "err", err)
		return
	}
	if err := u.prov.Provision(ctx, name); err != nil {
		slog.Error("rollback re-provision failed", "app", name, "err", err)
	}
	slog.Warn("update rolled back", "app", name)
}

// PruneBackups keeps the newest keep snapshots for an app and removes
// the rest.
func (u *Updater) PruneBackups(name string, keep int) error {
	if keep < 0 {
		return fmt.Errorf("negative keep count %d", keep)
	}
	dir := u.paths.AppBackupsDir(name)
	entries, err := os.ReadDir(dir)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return err
	}
	// backup names are sortable timestamps
	if len(entries) <= keep {
		return nil
	}
	for _, e := range entries[:len(entries)-keep] {
		if err := os.RemoveAll(filepath.Join(dir, e.Name())); err != nil {
			return err
		}
	}
	return nil
}
