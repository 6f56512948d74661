package storage

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"
)

const (
	fallbackFileName = "received"
	maxCreateRetries = 16
)

// UniqueFileName returns name, or name with a counter suffix before its
// extension ("report_1.txt", "report_2.txt", ...) when folder already holds it.
func UniqueFileName(folder, name string) string {
	if !exists(filepath.Join(folder, name)) {
		return name
	}

	ext := filepath.Ext(name)
	stem := strings.TrimSuffix(name, ext)
	if stem == "" {
		stem, ext = name, ""
	}

	for counter := 1; ; counter++ {
		candidate := stem + "_" + strconv.Itoa(counter) + ext
		if !exists(filepath.Join(folder, candidate)) {
			return candidate
		}
	}
}

// SaveIncoming writes src into folder under a collision-free version of name
// and returns the full path written.
func SaveIncoming(folder, name string, src io.Reader) (string, error) {
	name = SanitizeFileName(name)
	if err := os.MkdirAll(folder, 0o755); err != nil {
		return "", fmt.Errorf("create save folder: %w", err)
	}

	for attempt := 0; attempt < maxCreateRetries; attempt++ {
		target := filepath.Join(folder, UniqueFileName(folder, name))
		dst, err := os.OpenFile(target, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
		if err != nil {
			if errors.Is(err, fs.ErrExist) {
				continue
			}
			return "", fmt.Errorf("create %q: %w", target, err)
		}

		_, copyErr := io.Copy(dst, src)
		closeErr := dst.Close()
		if copyErr != nil || closeErr != nil {
			_ = os.Remove(target)
			if copyErr != nil {
				return "", fmt.Errorf("write %q: %w", target, copyErr)
			}
			return "", fmt.Errorf("close %q: %w", target, closeErr)
		}
		return target, nil
	}

	return "", fmt.Errorf("no free file name for %q in %q", name, folder)
}

// SanitizeFileName strips directory components from a remote-supplied name.
func SanitizeFileName(name string) string {
	name = path.Base(strings.ReplaceAll(strings.TrimSpace(name), "\\", "/"))
	switch name {
	case "", ".", "..", "/":
		return fallbackFileName
	}
	return name
}

// CleanFilePath converts a file:// URL into a local path. Plain paths are
// returned unchanged.
func CleanFilePath(raw string) string {
	raw = strings.TrimSpace(raw)
	if !strings.HasPrefix(raw, "file:") {
		return raw
	}

	parsed, err := url.Parse(raw)
	if err != nil || parsed.Path == "" {
		return strings.TrimPrefix(strings.TrimPrefix(raw, "file://"), "file:")
	}

	local := parsed.Path
	if runtime.GOOS == "windows" && len(local) > 2 && local[0] == '/' && local[2] == ':' {
		local = local[1:]
	}
	return filepath.FromSlash(local)
}

func exists(path string) bool {
	_, err := os.Lstat(path)
	return err == nil
}
