package persist

import (
	"encoding/json"
	"errors"
	"os"
)

var (
	// ErrBadHeader is returned by LoadJSON when the file's header does not
	// match the metadata the caller expects.
	ErrBadHeader = errors.New("persist: wrong header, are you trying to load the wrong file?")
	// ErrBadVersion is returned by LoadJSON when the file's version does not
	// match the metadata the caller expects.
	ErrBadVersion = errors.New("persist: unsupported file version")
)

// jsonEnvelope is the on-disk shape: metadata followed by the caller's
// object, so a version bump never requires a bespoke migration reader for
// the common case.
type jsonEnvelope struct {
	Metadata
	Data json.RawMessage
}

// SaveJSON writes object to filename wrapped in meta, atomically.
func SaveJSON(meta Metadata, object interface{}, filename string) error {
	data, err := json.MarshalIndent(object, "", "\t")
	if err != nil {
		return err
	}
	env := jsonEnvelope{Metadata: meta, Data: data}
	envBytes, err := json.MarshalIndent(env, "", "\t")
	if err != nil {
		return err
	}
	sf, err := NewSafeFile(filename)
	if err != nil {
		return err
	}
	defer sf.Close()
	if _, err := sf.Write(envBytes); err != nil {
		return err
	}
	return sf.Commit()
}

// SaveFileSync is an alias for SaveJSON kept for call sites that want to
// make explicit that the write must be durable before returning - SaveJSON
// already syncs as part of Commit.
func SaveFileSync(meta Metadata, object interface{}, filename string) error {
	return SaveJSON(meta, object, filename)
}

// LoadJSON reads filename, verifies it matches meta, and decodes its body
// into object. Returns an *os.PathError satisfying os.IsNotExist when the
// file is absent, so callers can distinguish "never created" from
// "corrupt".
func LoadJSON(meta Metadata, object interface{}, filename string) error {
	f, err := os.Open(filename)
	if err != nil {
		return err
	}
	defer f.Close()

	var env jsonEnvelope
	if err := json.NewDecoder(f).Decode(&env); err != nil {
		return err
	}
	if env.Header != meta.Header {
		return ErrBadHeader
	}
	if env.Version != meta.Version {
		return ErrBadVersion
	}
	return json.Unmarshal(env.Data, object)
}

// LoadFile is the dependency-injection-friendly name used by components
// that mock persistence for testing (mirroring the teacher's
// dependencies.loadFile seam).
func LoadFile(meta Metadata, object interface{}, filename string) error {
	return LoadJSON(meta, object, filename)
}
