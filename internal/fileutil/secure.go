// Package fileutil writes policy documents and compiled programs so that
// readers never observe a partial file and other users cannot read them.
//
// On Unix the mode bits (0600, 0700) do the work. On Windows those bits are
// ignored by the kernel, so a protected DACL naming only the current user is
// applied instead.
package fileutil

import (
	"fmt"
	"os"
	"path/filepath"
)

// WriteAtomic replaces path with data. The bytes go to an owner-only
// temporary file in the same directory, which is synced and then renamed
// over path. A policy watcher therefore sees either the old document or the
// new one.
func WriteAtomic(path string, data []byte) (err error) {
	dir := filepath.Dir(path)
	f, err := os.CreateTemp(dir, "."+filepath.Base(path)+".*")
	if err != nil {
		return err
	}
	tmp := f.Name()
	defer func() {
		if err != nil {
			f.Close()
			_ = os.Remove(tmp)
		}
	}()

	if err = restrictToOwner(tmp); err != nil {
		return fmt.Errorf("restrict %s: %w", tmp, err)
	}
	if _, err = f.Write(data); err != nil {
		return err
	}
	if err = f.Sync(); err != nil {
		return err
	}
	if err = f.Close(); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

// MkdirPrivate creates a directory tree and restricts the leaf to the
// current user.
func MkdirPrivate(path string) error {
	if err := os.MkdirAll(path, 0o700); err != nil {
		return err
	}
	return restrictToOwner(path)
}
