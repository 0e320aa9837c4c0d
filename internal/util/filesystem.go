package util

import (
	"os"
	"path/filepath"
)

// EnsureDir creates path and any missing parents.
func EnsureDir(path string) error {
	return os.MkdirAll(path, 0755)
}

// EnsureParent creates the directory that will hold path.
func EnsureParent(path string) error {
	return EnsureDir(filepath.Dir(path))
}
