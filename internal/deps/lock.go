// SPDX-License-Identifier: MPL-2.0

package deps

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"

	"github.com/pelletier/go-toml/v2"
)

// LockVersion is the lock file format version.
const LockVersion = 1

type (
	// Lock is the on-disk form of a Set.
	Lock struct {
		Version int         `toml:"version"`
		Digest  string      `toml:"digest"`
		Groups  []LockGroup `toml:"group"`
	}

	// LockGroup is one [[group]] table of the lock file.
	LockGroup struct {
		Name     string   `toml:"name"`
		Packages []string `toml:"packages"`
	}
)

// Lock converts the set to its lock form.
func (s Set) Lock() Lock {
	l := Lock{Version: LockVersion, Digest: s.Digest()}
	for _, g := range s.Groups {
		lg := LockGroup{Name: g.Name}
		for _, r := range g.Requirements {
			lg.Packages = append(lg.Packages, r.String())
		}
		l.Groups = append(l.Groups, lg)
	}
	return l
}

// Set parses the lock back into a Set and verifies its digest.
func (l Lock) Set() (Set, error) {
	if l.Version != LockVersion {
		return Set{}, fmt.Errorf("unsupported lock version %d", l.Version)
	}
	var s Set
	for _, lg := range l.Groups {
		g, err := NewGroup(lg.Name, lg.Packages...)
		if err != nil {
			return Set{}, err
		}
		s.Groups = append(s.Groups, g)
	}
	if l.Digest != "" && l.Digest != s.Digest() {
		return Set{}, fmt.Errorf("lock digest mismatch: recorded %s, content %s", l.Digest, s.Digest())
	}
	return s, nil
}

// MarshalLock encodes the set as TOML.
func MarshalLock(s Set) ([]byte, error) {
	var buf bytes.Buffer
	enc := toml.NewEncoder(&buf)
	enc.SetIndentTables(true)
	if err := enc.Encode(s.Lock()); err != nil {
		return nil, fmt.Errorf("encode lock: %w", err)
	}
	return buf.Bytes(), nil
}

// UnmarshalLock decodes a TOML lock into a Set.
func UnmarshalLock(data []byte) (Set, error) {
	var l Lock
	if err := toml.Unmarshal(data, &l); err != nil {
		return Set{}, fmt.Errorf("decode lock: %w", err)
	}
	return l.Set()
}

// WriteLock writes the lock file atomically.
func WriteLock(path string, s Set) error {
	data, err := MarshalLock(s)
	if err != nil {
		return err
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), ".nodeforge-lock-*")
	if err != nil {
		return fmt.Errorf("write lock: %w", err)
	}
	defer func() { _ = os.Remove(tmp.Name()) }()

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("write lock: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("write lock: %w", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("write lock: %w", err)
	}
	return nil
}

// ReadLock reads a lock file written by WriteLock.
func ReadLock(path string) (Set, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Set{}, fmt.Errorf("read lock: %w", err)
	}
	return UnmarshalLock(data)
}
