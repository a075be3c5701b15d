// Package store persists files reconstructed by the transfer server.
//
// Both implementations satisfy xfer.Store. Names are generated by the
// server and are unique by construction; Local additionally refuses to
// overwrite an existing file so that a naming bug shows up as an error
// instead of silent data loss.
package store

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// Local writes files into a directory on the local filesystem.
type Local struct {
	dir string
}

// LocalOptions configures NewLocal.
type LocalOptions struct {
	// Clear removes every regular file already in the directory. This is
	// destructive and meant for a server that owns its download directory.
	Clear bool

	// OnClearError is called for every file that could not be removed
	// while clearing. Clearing continues after a failure.
	OnClearError func(path string, err error)
}

// NewLocal creates dir if needed and returns a store writing into it.
func NewLocal(dir string, options LocalOptions) (*Local, error) {
	if dir == "" {
		return nil, fmt.Errorf("local store directory is empty")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("creating %s: %w", dir, err)
	}
	if options.Clear {
		if err := clearDir(dir, options.OnClearError); err != nil {
			return nil, err
		}
	}
	return &Local{dir: dir}, nil
}

// Dir returns the directory files are written into.
func (l *Local) Dir() string {
	return l.dir
}

// Put writes data to a new file called name. It fails if the file already
// exists. A partially written file is removed.
func (l *Local) Put(ctx context.Context, name string, data []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := validateName(name); err != nil {
		return err
	}

	path := filepath.Join(l.dir, name)
	file, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		return fmt.Errorf("creating %s: %w", path, err)
	}
	if _, err := file.Write(data); err != nil {
		file.Close()
		os.Remove(path)
		return fmt.Errorf("writing %s: %w", path, err)
	}
	if err := file.Close(); err != nil {
		os.Remove(path)
		return fmt.Errorf("closing %s: %w", path, err)
	}
	return nil
}

func validateName(name string) error {
	if name == "" || name == "." || name == ".." || strings.ContainsAny(name, `/\`) {
		return fmt.Errorf("invalid file name %q", name)
	}
	return nil
}

// clearDir removes the regular files directly inside dir. Subdirectories
// are left alone.
func clearDir(dir string, onError func(string, error)) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return fmt.Errorf("listing %s: %w", dir, err)
	}
	var failed []error
	for _, entry := range entries {
		if !entry.Type().IsRegular() {
			continue
		}
		path := filepath.Join(dir, entry.Name())
		if err := os.Remove(path); err != nil {
			if onError != nil {
				onError(path, err)
			}
			failed = append(failed, err)
		}
	}
	if onError == nil && len(failed) > 0 {
		return fmt.Errorf("clearing %s: %w", dir, errors.Join(failed...))
	}
	return nil
}
