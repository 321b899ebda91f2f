// Package persist provides the small set of on-disk-metadata primitives
// shared by every component that keeps a side file next to a region: region
// address maps, pool settings snapshots, and ACL exports. It does not touch
// mapped persistent memory itself - that discipline lives in pm/persister.
package persist

import (
	"crypto/rand"
	"encoding/hex"
	"os"
	"path/filepath"
)

// Metadata is the header written at the top of every persisted file so that
// a later load can detect a version mismatch before trusting the body.
type Metadata struct {
	Header  string
	Version string
}

// RandomSuffix returns a random hex string suitable for building a unique,
// collision-resistant temporary filename.
func RandomSuffix() string {
	b := make([]byte, 8)
	_, err := rand.Read(b)
	if err != nil {
		panic("persist: could not read random bytes: " + err.Error())
	}
	return hex.EncodeToString(b)
}

// SafeFile wraps an *os.File that was created under a temporary name in the
// same directory as its eventual final name. Callers write to it freely and
// call Commit to atomically rename it into place, or Close (without Commit)
// to abandon it; an abandoned file is left on disk under its temporary name
// and the final name is never touched. This is the mechanism behind every "all or nothing" side
// file write in pmemkv - the region map file and the pool settings file -
// where a reader must never observe a half-written file.
type SafeFile struct {
	*os.File
	finalName string
}

// NewSafeFile creates a new SafeFile whose eventual name (after Commit) will
// be name. The path is resolved to an absolute path at creation time so that
// a later os.Chdir between creation and Commit cannot change where the file
// ends up.
func NewSafeFile(name string) (*SafeFile, error) {
	absName, err := filepath.Abs(name)
	if err != nil {
		return nil, err
	}
	tmpName := absName + ".tmp." + RandomSuffix()
	f, err := os.Create(tmpName)
	if err != nil {
		return nil, err
	}
	return &SafeFile{File: f, finalName: absName}, nil
}

// Commit syncs the temporary file to disk and atomically renames it to its
// final name, then closes it.
func (sf *SafeFile) Commit() error {
	if err := sf.File.Sync(); err != nil {
		return err
	}
	if err := sf.File.Close(); err != nil {
		return err
	}
	return os.Rename(sf.File.Name(), sf.finalName)
}
