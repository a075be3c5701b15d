package xfer

import (
	"os"
	"path/filepath"
	"sort"
)

// ListFiles returns the paths of the regular files directly inside dir,
// sorted lexicographically by name. Entries that are directories, symlinks
// to directories, or otherwise not regular files are skipped.
//
// A directory that cannot be listed is not fatal: the error is logged and
// an empty list is returned, which leads to a session declaring zero files.
func ListFiles(dir string, logger Logger) []string {
	if logger == nil {
		logger = NoopLogger{}
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		switch {
		case os.IsNotExist(err):
			logger.Error("The directory %s does not exist", dir)
		case os.IsPermission(err):
			logger.Error("Permission denied to access the directory %s", dir)
		default:
			logger.Error("Listing %s failed: %v", dir, err)
		}
		return []string{}
	}

	names := make([]string, 0, len(entries))
	for _, entry := range entries {
		path := filepath.Join(dir, entry.Name())
		info, err := os.Stat(path)
		if err != nil {
			logger.Error("Skipping %s: %v", path, err)
			continue
		}
		if !info.Mode().IsRegular() {
			continue
		}
		names = append(names, entry.Name())
	}
	sort.Strings(names)

	paths := make([]string, len(names))
	for i, name := range names {
		paths[i] = filepath.Join(dir, name)
	}
	return paths
}
