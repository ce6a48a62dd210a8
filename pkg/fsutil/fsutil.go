// Package fsutil writes files shared with other services on the host, such
// as the ensemble tables read by JupyterHub.
package fsutil

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

// Owner holds the UID/GID files are handed to after writing.
type Owner struct {
	UID int
	GID int
}

// ParseOwner parses a "UID:GID" string. It returns nil for "".
func ParseOwner(owner string) (*Owner, error) {
	if owner == "" {
		return nil, nil
	}

	uidStr, gidStr, ok := strings.Cut(owner, ":")
	if !ok {
		return nil, fmt.Errorf("invalid owner %q, expected UID:GID", owner)
	}

	uid, err := strconv.Atoi(uidStr)
	if err != nil {
		return nil, fmt.Errorf("invalid UID %q: %w", uidStr, err)
	}

	gid, err := strconv.Atoi(gidStr)
	if err != nil {
		return nil, fmt.Errorf("invalid GID %q: %w", gidStr, err)
	}

	return &Owner{UID: uid, GID: gid}, nil
}

// Chown hands path to owner. A nil owner is a no-op.
func (o *Owner) Chown(path string) error {
	if o == nil {
		return nil
	}

	if err := os.Chown(path, o.UID, o.GID); err != nil {
		return fmt.Errorf("chown %s: %w", path, err)
	}

	return nil
}

// MkdirAll creates path and any missing parents below root, handing each
// directory it creates to owner.
func MkdirAll(path string, perm os.FileMode, owner *Owner) error {
	var missing []string

	for dir := path; ; dir = filepath.Dir(dir) {
		if _, err := os.Stat(dir); err == nil {
			break
		}

		missing = append(missing, dir)

		if parent := filepath.Dir(dir); parent == dir {
			break
		}
	}

	if err := os.MkdirAll(path, perm); err != nil {
		return fmt.Errorf("creating %s: %w", path, err)
	}

	for i := len(missing) - 1; i >= 0; i-- {
		if err := owner.Chown(missing[i]); err != nil {
			return err
		}
	}

	return nil
}

// WriteAtomic replaces path with whatever write produces. Readers see
// either the old or the new content, never a partial file.
func WriteAtomic(path string, perm os.FileMode, owner *Owner, write func(io.Writer) error) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), filepath.Base(path)+".*.tmp")
	if err != nil {
		return fmt.Errorf("creating temp file: %w", err)
	}

	cleanup := func() {
		_ = tmp.Close()
		_ = os.Remove(tmp.Name())
	}

	if err := tmp.Chmod(perm); err != nil {
		cleanup()

		return fmt.Errorf("setting permissions: %w", err)
	}

	if err := write(tmp); err != nil {
		cleanup()

		return err
	}

	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmp.Name())

		return fmt.Errorf("closing temp file: %w", err)
	}

	if err := owner.Chown(tmp.Name()); err != nil {
		_ = os.Remove(tmp.Name())

		return err
	}

	if err := os.Rename(tmp.Name(), path); err != nil {
		_ = os.Remove(tmp.Name())

		return fmt.Errorf("replacing %s: %w", path, err)
	}

	return nil
}
