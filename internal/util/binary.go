// Package util provides shared helpers for locating and supervising child processes.
package util

import (
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
)

// ErrBinaryNotFound is returned when no usable executable can be located.
var ErrBinaryNotFound = errors.New("binary not found")

// FindBinary searches for an executable binary by name.
// Search order:
//  1. Environment variable (if envVar is non-empty and set)
//  2. name itself, when it contains a path separator
//  3. ./name (current directory, useful for development)
//  4. name on PATH (via exec.LookPath)
//
// Each candidate is verified to exist and be executable before being returned.
func FindBinary(name string, envVar string) (string, error) {
	if envVar != "" {
		if envPath := os.Getenv(envVar); envPath != "" && isExecutable(envPath) {
			return envPath, nil
		}
	}

	if name == "" {
		return "", fmt.Errorf("%w: empty name", ErrBinaryNotFound)
	}

	if strings.ContainsRune(name, filepath.Separator) {
		if isExecutable(name) {
			return name, nil
		}
		return "", fmt.Errorf("%w: %s is not an executable file", ErrBinaryNotFound, name)
	}

	localPath := "./" + name
	if isExecutable(localPath) {
		return localPath, nil
	}

	if path, err := exec.LookPath(name); err == nil {
		return path, nil
	}

	return "", fmt.Errorf("%w: %s", ErrBinaryNotFound, name)
}

// isExecutable checks if a file exists and is executable by the current user.
func isExecutable(path string) bool {
	info, err := os.Stat(path)
	if err != nil {
		return false
	}
	if info.IsDir() {
		return false
	}
	return info.Mode()&0o111 != 0
}
