// Package config centralizes the environment knobs pmemkv reads at startup
// and the Dependencies seam every component uses instead of calling the
// operating system directly, so tests can inject disk failures, clock
// control, and fault injection without touching real persistent memory.
package config

import (
	"crypto/rand"
	"os"
	"time"

	"github.com/mcas-go/pmemkv/internal/persist"
)

// Dependencies is implemented by every environment pmemkv can run against:
// the real operating system in production, and a mock in tests that wants
// to simulate a failure partway through a multi-step operation.
type Dependencies interface {
	// AfterDuration lets a caller wait for a duration before receiving on a
	// channel, without calling time.After directly.
	AfterDuration(time.Duration) <-chan time.Time

	// OpenFile opens path with the given flag and permissions.
	OpenFile(path string, flag int, perm os.FileMode) (*os.File, error)

	// RemoveFile removes the file at path.
	RemoveFile(path string) error

	// MkdirAll creates path and any missing parents.
	MkdirAll(path string, perm os.FileMode) error

	// NewLogger creates a logger backed by the file at path.
	NewLogger(path string) (*persist.Logger, error)

	// RandRead fills b with random bytes. Nothing in this module calls it;
	// region base addresses are handed out in address order.
	RandRead(b []byte) (int, error)

	// Disrupt is a fault-injection hook: it reports whether a fault named
	// name has been armed. Nothing in this module calls it; the
	// crash-consistency tests inject crashes through
	// pm/persister.CrashingPersister instead.
	Disrupt(name string) bool
}

// ProductionDependencies implements Dependencies using the real operating
// system. It is the zero-configuration default pmemkv uses outside of tests.
type ProductionDependencies struct{}

// AfterDuration implements Dependencies.
func (ProductionDependencies) AfterDuration(d time.Duration) <-chan time.Time {
	return time.After(d)
}

// OpenFile implements Dependencies.
func (ProductionDependencies) OpenFile(path string, flag int, perm os.FileMode) (*os.File, error) {
	return os.OpenFile(path, flag, perm)
}

// RemoveFile implements Dependencies.
func (ProductionDependencies) RemoveFile(path string) error {
	return os.Remove(path)
}

// MkdirAll implements Dependencies.
func (ProductionDependencies) MkdirAll(path string, perm os.FileMode) error {
	return os.MkdirAll(path, perm)
}

// NewLogger implements Dependencies.
func (ProductionDependencies) NewLogger(path string) (*persist.Logger, error) {
	return persist.NewFileLogger(path)
}

// RandRead implements Dependencies.
func (ProductionDependencies) RandRead(b []byte) (int, error) {
	return rand.Read(b)
}

// Disrupt always returns false in production; no fault is ever injected.
func (ProductionDependencies) Disrupt(name string) bool {
	return false
}
