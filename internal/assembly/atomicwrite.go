package assembly

import (
	"fmt"
	"os"
	"path/filepath"
)

// syncFile is indirected so tests can stub out fsync on filesystems (or
// CI sandboxes) where it is unavailable, the way the teacher's
// assembler.go does for its chunk-staging writes.
var syncFile = func(f *os.File) error {
	return f.Sync()
}

// writeFileAtomic implements the normative atomic write protocol: create
// a *.tmp sibling of finalPath, write data, fsync, close, verify the
// written size, rename into place, then fsync the parent directory so
// the rename itself is durable. Any failure before the rename leaves no
// file at finalPath; if the final directory fsync fails, the renamed file
// stays in place and the error is returned.
func writeFileAtomic(finalPath string, data []byte) error {
	dir := filepath.Dir(finalPath)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("creating staging directory: %w", err)
	}

	tmp, err := os.CreateTemp(dir, filepath.Base(finalPath)+".*.tmp")
	if err != nil {
		return fmt.Errorf("creating temp file: %w", err)
	}
	tmpPath := tmp.Name()

	n, err := tmp.Write(data)
	if err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("writing temp file: %w", err)
	}
	if err := syncFile(tmp); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("fsyncing temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("closing temp file: %w", err)
	}
	if n != len(data) {
		os.Remove(tmpPath)
		return fmt.Errorf("short write: wrote %d of %d bytes", n, len(data))
	}

	if err := os.Rename(tmpPath, finalPath); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("renaming temp to final: %w", err)
	}
	if err := fsyncDir(dir); err != nil {
		return fmt.Errorf("fsyncing parent directory after rename: %w", err)
	}
	return nil
}

// fsyncDir fsyncs a directory so a preceding rename within it is durable
// on power loss. Step 7 of the atomic write protocol.
func fsyncDir(dir string) error {
	d, err := os.Open(dir)
	if err != nil {
		return fmt.Errorf("opening directory for fsync: %w", err)
	}
	defer d.Close()
	return d.Sync()
}
