package config

import (
	"path/filepath"
	"time"
)

// Paths derives every on-disk location from one data directory:
//
//	apps/<name>/app       active source tree
//	apps/<name>/upload    last uploaded archive
//	envs/<name>           isolated interpreter environment
//	backups/<name>/<ts>   pre-update source snapshots
//	logs/<name>           per-execution stdout/stderr capture
//	tmp                   staging for extraction and swaps
type Paths struct {
	DataDir string
}

func (p Paths) AppsDir() string    { return filepath.Join(p.DataDir, "apps") }
func (p Paths) EnvsDir() string    { return filepath.Join(p.DataDir, "envs") }
func (p Paths) BackupsDir() string { return filepath.Join(p.DataDir, "backups") }
func (p Paths) LogsDir() string    { return filepath.Join(p.DataDir, "logs") }
func (p Paths) TempDir() string    { return filepath.Join(p.DataDir, "tmp") }

// AppDir is the root owned by one app.
func (p Paths) AppDir(name string) string { return filepath.Join(p.AppsDir(), name) }

// SourceDir holds the active source tree the app runs from.
func (p Paths) SourceDir(name string) string { return filepath.Join(p.AppDir(name), "app") }

// ArchivePath holds the most recently uploaded archive for an app.
func (p Paths) ArchivePath(name string) string {
	return filepath.Join(p.AppDir(name), "upload", "source.zip")
}

// EnvDir is the isolated environment for one app.
func (p Paths) EnvDir(name string) string { return filepath.Join(p.EnvsDir(), name) }

// AppBackupsDir holds all snapshots for one app.
func (p Paths) AppBackupsDir(name string) string { return filepath.Join(p.BackupsDir(), name) }

// BackupDir is one timestamped snapshot of the source tree.
func (p Paths) BackupDir(name string, at time.Time) string {
	return filepath.Join(p.AppBackupsDir(name), at.UTC().Format("20060102_150405"))
}

// AppLogDir holds the execution capture files for one app.
func (p Paths) AppLogDir(name string) string { return filepath.Join(p.LogsDir(), name) }

// ExecutionLogPaths returns the stdout and stderr capture files for one
// execution.
func (p Paths) ExecutionLogPaths(name, executionID string) (stdout, stderr string) {
	dir := p.AppLogDir(name)
	return filepath.Join(dir, executionID+".stdout.log"),
		filepath.Join(dir, executionID+".stderr.log")
}

// StagingDir is a scratch area for one in-flight extraction or swap.
func (p Paths) StagingDir(name, suffix string) string {
	return filepath.Join(p.TempDir(), name+"-"+suffix)
}
