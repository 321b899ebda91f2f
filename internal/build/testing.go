package build

import (
	"os"
	"path/filepath"
	"time"
)

// TestDir is the directory that contains all of the files and folders
// created during testing.
var TestDir = filepath.Join(os.TempDir(), "pmemkvTesting")

// TempDir joins the provided directories and prefixes them with the pmemkv
// testing directory, removing any stale contents from a previous run.
func TempDir(dirs ...string) string {
	path := filepath.Join(TestDir, filepath.Join(dirs...))
	os.RemoveAll(path)
	return path
}

// Retry will call fn up to tries times, waiting durationBetweenAttempts
// between each attempt, returning nil the first time fn succeeds. If fn
// never succeeds the last error it returned is returned. This backs the
// bounded retry spec.md §7 requires for Transient failures.
func Retry(tries int, durationBetweenAttempts time.Duration, fn func() error) (err error) {
	for i := 1; i < tries; i++ {
		err = fn()
		if err == nil {
			return nil
		}
		time.Sleep(durationBetweenAttempts)
	}
	return fn()
}
