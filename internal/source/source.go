package source

import (
	"archive/zip"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strings"
)

// entrypointCandidates are probed in order when no entrypoint is given.
var entrypointCandidates = []string{"main.py", "app.py", "__main__.py", "run.py", "start.py"}

// ExtractArchive unpacks a zip archive into destDir. Entries that would
// escape destDir (absolute paths, traversal, symlinks) are rejected and
// fail the whole extraction, leaving destDir partially written; callers
// extract into a staging directory and swap on success.
func ExtractArchive(archivePath, destDir string) error {
	zr, err := zip.OpenReader(archivePath)
	if err != nil {
		return fmt.Errorf("open archive: %w", err)
	}
	defer func() { _ = zr.Close() }()

	if err := os.MkdirAll(destDir, 0o755); err != nil {
		return err
	}
	for _, f := range zr.File {
		if err := extractEntry(f, destDir); err != nil {
			return err
		}
	}
	return nil
}

func extractEntry(f *zip.File, destDir string) error {
	name := filepath.FromSlash(f.Name)
	if filepath.IsAbs(name) || strings.Contains(f.Name, "..") {
		return fmt.Errorf("archive entry %q escapes destination", f.Name)
	}
	target := filepath.Join(destDir, name)
	if rel, err := filepath.Rel(destDir, target); err != nil || strings.HasPrefix(rel, "..") {
		return fmt.Errorf("archive entry %q escapes destination", f.Name)
	}
	mode := f.Mode()
	if mode&os.ModeSymlink != 0 {
		return fmt.Errorf("archive entry %q is a symlink", f.Name)
	}
	if f.FileInfo().IsDir() {
		return os.MkdirAll(target, 0o755)
	}
	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return err
	}
	rc, err := f.Open()
	if err != nil {
		return err
	}
	defer func() { _ = rc.Close() }()
	perm := mode.Perm()
	if perm == 0 {
		perm = 0o644
	}
	out, err := os.OpenFile(target, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, perm)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, rc); err != nil {
		_ = out.Close()
		return err
	}
	return out.Close()
}

// WriteArchive stores an uploaded archive body on disk so it can be
// extracted into staging.
func WriteArchive(path string, body io.Reader) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	out, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, body); err != nil {
		_ = out.Close()
		return err
	}
	return out.Close()
}

// CloneGit performs a shallow clone of url at branch (empty means the
// remote default) into destDir and returns the checked-out commit.
func CloneGit(ctx context.Context, url, branch, destDir string) (string, error) {
	args := []string{"clone", "--depth", "1"}
	if branch != "" {
		args = append(args, "--branch", branch)
	}
	args = append(args, url, destDir)
	if out, err := runGit(ctx, "", args...); err != nil {
		return "", fmt.Errorf("git clone: %w: %s", err, out)
	}
	commit, err := runGit(ctx, destDir, "rev-parse", "HEAD")
	if err != nil {
		return "", fmt.Errorf("git rev-parse: %w", err)
	}
	// the tree must not carry its own history into the app dir
	_ = os.RemoveAll(filepath.Join(destDir, ".git"))
	return strings.TrimSpace(commit), nil
}

func runGit(ctx context.Context, dir string, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, "git", args...)
	cmd.Dir = dir
	var buf bytes.Buffer
	cmd.Stdout = &buf
	cmd.Stderr = &buf
	err := cmd.Run()
	return buf.String(), err
}

// DetectEntrypoint returns the relative path of the script to run for a
// source tree that did not declare one. Well-known names win; otherwise
// a lone top-level python file is accepted.
func DetectEntrypoint(dir string) (string, error) {
	for _, c := range entrypointCandidates {
		if fi, err := os.Stat(filepath.Join(dir, c)); err == nil && !fi.IsDir() {
			return c, nil
		}
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		return "", err
	}
	var scripts []string
	for _, e := range entries {
		if !e.IsDir() && strings.HasSuffix(e.Name(), ".py") {
			scripts = append(scripts, e.Name())
		}
	}
	sort.Strings(scripts)
	if len(scripts) == 0 {
		return "", errors.New("no python entrypoint found")
	}
	return scripts[0], nil
}

// ValidateEntrypoint checks that a declared entrypoint exists inside dir.
func ValidateEntrypoint(dir, entrypoint string) error {
	if entrypoint == "" {
		return errors.New("empty entrypoint")
	}
	target := filepath.Join(dir, filepath.FromSlash(entrypoint))
	if rel, err := filepath.Rel(dir, target); err != nil || strings.HasPrefix(rel, "..") {
		return fmt.Errorf("entrypoint %q escapes source tree", entrypoint)
	}
	fi, err := os.Stat(target)
	if err != nil {
		return fmt.Errorf("entrypoint %q: %w", entrypoint, err)
	}
	if fi.IsDir() {
		return fmt.Errorf("entrypoint %q is a directory", entrypoint)
	}
	return nil
}
