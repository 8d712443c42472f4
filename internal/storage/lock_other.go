//go:build !linux && !darwin

package storage

import "os"

// Without flock only the in-process mutex guards extension.
func lockFile(*os.File) error   { return nil }
func unlockFile(*os.File) error { return nil }
