//go:build !(linux || darwin || freebsd || netbsd || openbsd || dragonfly || windows)

package registry

import "os"

// No OS-level locking is available; only in-process exclusion applies.
func tryLockFile(*os.File) (bool, error) { return true, nil }

func unlockFile(*os.File) error { return nil }

func isUnsupportedSync(error) bool { return true }
