package source

import (
	"archive/zip"
	"bytes"
	"os"
	"path/filepath"
	"testing"
)

func makeZip(t *testing.T, files map[string]string) string {
	t.Helper()
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	for name, body := range files {
		w, err := zw.Create(name)
		if err != nil {
			t.Fatal(err)
		}
		if _, err := w.Write([]byte(body)); err != nil {
			t.Fatal(err)
		}
	}
	if err := zw.Close(); err != nil {
		t.Fatal(err)
	}
	path := filepath.Join(t.TempDir(), "src.zip")
	if err := os.WriteFile(path, buf.Bytes(), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestExtractArchive(t *testing.T) {
	zipPath := makeZip(t, map[string]string{
		"main.py":          "print('hi')",
		"pkg/util.py":      "x = 1",
		"requirements.txt": "requests\n",
	})
	dest := t.TempDir()
	if err := ExtractArchive(zipPath, dest); err != nil {
		t.Fatalf("extract: %v", err)
	}
	for _, f := range []string{"main.py", "pkg/util.py", "requirements.txt"} {
		if _, err := os.Stat(filepath.Join(dest, f)); err != nil {
			t.Errorf("missing %s: %v", f, err)
		}
	}
	b, _ := os.ReadFile(filepath.Join(dest, "main.py"))
	if string(b) != "print('hi')" {
		t.Errorf("content mangled: %q", b)
	}
}

func TestExtractArchiveRejectsTraversal(t *testing.T) {
	zipPath := makeZip(t, map[string]string{
		"../evil.py": "boom",
	})
	if err := ExtractArchive(zipPath, t.TempDir()); err == nil {
		t.Fatal("traversal entry accepted")
	}

	zipPath = makeZip(t, map[string]string{
		"ok.py":             "fine",
		"a/../../../un.txt": "boom",
	})
	if err := ExtractArchive(zipPath, t.TempDir()); err == nil {
		t.Fatal("nested traversal entry accepted")
	}
}

func TestDetectEntrypoint(t *testing.T) {
	dir := t.TempDir()
	write := func(name string) {
		if err := os.WriteFile(filepath.Join(dir, name), []byte("pass"), 0o644); err != nil {
			t.Fatal(err)
		}
	}

	if _, err := DetectEntrypoint(dir); err == nil {
		t.Fatal("empty dir should have no entrypoint")
	}

	write("worker.py")
	got, err := DetectEntrypoint(dir)
	if err != nil || got != "worker.py" {
		t.Fatalf("got %q, %v", got, err)
	}

	// a well-known name wins over other scripts
	write("app.py")
	got, err = DetectEntrypoint(dir)
	if err != nil || got != "app.py" {
		t.Fatalf("got %q, %v", got, err)
	}
	write("main.py")
	got, err = DetectEntrypoint(dir)
	if err != nil || got != "main.py" {
		t.Fatalf("got %q, %v", got, err)
	}
}

func TestValidateEntrypoint(t *testing.T) {
	dir := t.TempDir()
	if err := os.MkdirAll(filepath.Join(dir, "srv"), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, "srv", "run.py"), []byte("pass"), 0o644); err != nil {
		t.Fatal(err)
	}

	if err := ValidateEntrypoint(dir, "srv/run.py"); err != nil {
		t.Errorf("valid entrypoint rejected: %v", err)
	}
	if err := ValidateEntrypoint(dir, "missing.py"); err == nil {
		t.Error("missing entrypoint accepted")
	}
	if err := ValidateEntrypoint(dir, "../escape.py"); err == nil {
		t.Error("escaping entrypoint accepted")
	}
	if err := ValidateEntrypoint(dir, "srv"); err == nil {
		t.Error("directory entrypoint accepted")
	}
	if err := ValidateEntrypoint(dir, ""); err == nil {
		t.Error("empty entrypoint accepted")
	}
}

func TestWriteArchive(t *testing.T) {
	path := filepath.Join(t.TempDir(), "uploads", "a.zip")
	if err := WriteArchive(path, bytes.NewReader([]byte("zipbytes"))); err != nil {
		t.Fatalf("write: %v", err)
	}
	b, err := os.ReadFile(path)
	if err != nil || string(b) != "zipbytes" {
		t.Fatalf("read back: %q, %v", b, err)
	}
}
