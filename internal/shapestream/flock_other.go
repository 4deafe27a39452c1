//go:build !unix

package shapestream

import "os"

// Advisory locking is unix-only; elsewhere the in-process mutex is the only guard.
func lockFile(*os.File) error   { return nil }
func unlockFile(*os.File) error { return nil }
