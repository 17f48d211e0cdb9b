// Package atomicfile implements crash-safe file replacement. A write either
// publishes the complete new contents or leaves the previous version of the
// target untouched; readers never observe a partially-written file.
package atomicfile

import (
	"fmt"
	"os"
	"path/filepath"
)

// fileSync is swapped by tests to simulate flush failures.
var fileSync = func(f *os.File) error { return f.Sync() }

// WriteFile writes data to path via a temp file in the same directory
// followed by rename. The temp file is synced before the rename so a crash
// between the two steps cannot publish truncated contents.
func WriteFile(path string, data []byte, perm os.FileMode) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("atomic write %s: %w", path, err)
	}

	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("atomic write %s: %w", path, err)
	}
	tmpName := tmp.Name()
	defer func() {
		if tmpName != "" {
			_ = os.Remove(tmpName)
		}
	}()

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("atomic write %s: %w", path, err)
	}
	if err := fileSync(tmp); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("atomic write %s: sync: %w", path, err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("atomic write %s: %w", path, err)
	}
	if err := os.Chmod(tmpName, perm); err != nil {
		return fmt.Errorf("atomic write %s: %w", path, err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		return fmt.Errorf("atomic write %s: %w", path, err)
	}
	tmpName = ""

	// Sync the directory so the rename itself survives a crash.
	if d, err := os.Open(dir); err == nil {
		_ = d.Sync()
		_ = d.Close()
	}
	return nil
}

// AppendLine rewrites path with line appended, using the same replace
// pattern as WriteFile. Daily ledger files stay small enough that the
// copy is cheap, and the guarantee matters more than the extra IO.
func AppendLine(path string, line []byte, perm os.FileMode) error {
	existing, err := os.ReadFile(path)
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("atomic append %s: %w", path, err)
	}
	buf := make([]byte, 0, len(existing)+len(line)+1)
	buf = append(buf, existing...)
	buf = append(buf, line...)
	if len(line) == 0 || line[len(line)-1] != '\n' {
		buf = append(buf, '\n')
	}
	return WriteFile(path, buf, perm)
}
