package storage

import (
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"testing"
)

func TestUniqueFileNameAppendsCounter(t *testing.T) {
	dir := t.TempDir()

	if got := UniqueFileName(dir, "report.txt"); got != "report.txt" {
		t.Fatalf("expected unchanged name, got %q", got)
	}

	mustWriteFile(t, filepath.Join(dir, "report.txt"))
	if got := UniqueFileName(dir, "report.txt"); got != "report_1.txt" {
		t.Fatalf("expected report_1.txt, got %q", got)
	}

	mustWriteFile(t, filepath.Join(dir, "report_1.txt"))
	if got := UniqueFileName(dir, "report.txt"); got != "report_2.txt" {
		t.Fatalf("expected report_2.txt, got %q", got)
	}
}

func TestUniqueFileNameHandlesDotFilesAndNoExtension(t *testing.T) {
	dir := t.TempDir()
	mustWriteFile(t, filepath.Join(dir, ".bashrc"))
	mustWriteFile(t, filepath.Join(dir, "Makefile"))

	if got := UniqueFileName(dir, ".bashrc"); got != ".bashrc_1" {
		t.Fatalf("expected .bashrc_1, got %q", got)
	}
	if got := UniqueFileName(dir, "Makefile"); got != "Makefile_1" {
		t.Fatalf("expected Makefile_1, got %q", got)
	}
}

func TestSaveIncomingWritesUniqueFiles(t *testing.T) {
	dir := t.TempDir()

	first, err := SaveIncoming(dir, "photo.jpg", strings.NewReader("first"))
	if err != nil {
		t.Fatalf("SaveIncoming failed: %v", err)
	}
	second, err := SaveIncoming(dir, "photo.jpg", strings.NewReader("second"))
	if err != nil {
		t.Fatalf("SaveIncoming (second) failed: %v", err)
	}

	if filepath.Base(first) != "photo.jpg" || filepath.Base(second) != "photo_1.jpg" {
		t.Fatalf("unexpected paths %q and %q", first, second)
	}
	raw, err := os.ReadFile(second)
	if err != nil {
		t.Fatalf("read saved file: %v", err)
	}
	if string(raw) != "second" {
		t.Fatalf("unexpected content %q", raw)
	}
}

func TestSaveIncomingStripsDirectoryComponents(t *testing.T) {
	dir := t.TempDir()

	saved, err := SaveIncoming(dir, "../../etc/passwd", strings.NewReader("x"))
	if err != nil {
		t.Fatalf("SaveIncoming failed: %v", err)
	}
	if filepath.Dir(saved) != dir || filepath.Base(saved) != "passwd" {
		t.Fatalf("file escaped the save folder: %q", saved)
	}

	if got := SanitizeFileName(`..\..\evil.exe`); got != "evil.exe" {
		t.Fatalf("expected backslash paths to be stripped, got %q", got)
	}
	if got := SanitizeFileName(".."); got != fallbackFileName {
		t.Fatalf("expected fallback name, got %q", got)
	}
}

func TestSaveIncomingCreatesMissingFolder(t *testing.T) {
	missing := filepath.Join(t.TempDir(), "does-not-exist")
	path, err := SaveIncoming(missing, "a.txt", strings.NewReader("x"))
	if err != nil {
		t.Fatalf("SaveIncoming failed: %v", err)
	}
	if path != filepath.Join(missing, "a.txt") {
		t.Fatalf("unexpected path %q", path)
	}
}

func TestSaveIncomingFailsWhenFolderIsAFile(t *testing.T) {
	blocker := filepath.Join(t.TempDir(), "blocker")
	if err := os.WriteFile(blocker, []byte("x"), 0o600); err != nil {
		t.Fatalf("write blocker: %v", err)
	}
	if _, err := SaveIncoming(blocker, "a.txt", strings.NewReader("x")); err == nil {
		t.Fatalf("expected error when the save folder is a file")
	}
}

func TestCleanFilePath(t *testing.T) {
	if runtime.GOOS == "windows" {
		if got := CleanFilePath("file:///C:/Users/me/a.txt"); got != `C:\Users\me\a.txt` {
			t.Fatalf("unexpected windows path %q", got)
		}
		return
	}

	if got := CleanFilePath("file:///home/me/a%20b.txt"); got != "/home/me/a b.txt" {
		t.Fatalf("unexpected path %q", got)
	}
	if got := CleanFilePath("/home/me/plain.txt"); got != "/home/me/plain.txt" {
		t.Fatalf("plain path changed to %q", got)
	}
}

func mustWriteFile(t *testing.T, path string) {
	t.Helper()
	if err := os.WriteFile(path, []byte("x"), 0o600); err != nil {
		t.Fatalf("write %q: %v", path, err)
	}
}
