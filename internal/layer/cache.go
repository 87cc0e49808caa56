// SPDX-License-Identifier: MPL-2.0

package layer

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"

	"github.com/pelletier/go-toml/v2"
	"golang.org/x/exp/maps"
)

// IndexFile is the name of the FileCache index inside its directory.
const IndexFile = "layers.toml"

type (
	// Cache remembers which layer digests have been committed.
	Cache interface {
		// Lookup returns the record for digest; ok is false on a miss.
		Lookup(ctx context.Context, digest string) (rec Record, ok bool, err error)
		Commit(ctx context.Context, rec Record) error
		Forget(ctx context.Context, digest string) error
	}

	// MemoryCache is a process-local Cache.
	MemoryCache struct {
		mu      sync.Mutex
		records map[string]Record
	}

	// FileCache persists records in a TOML index under Dir. Every change
	// rewrites the index atomically.
	FileCache struct {
		Dir string
		mu  sync.Mutex
	}

	index struct {
		Layers []Record `toml:"layer"`
	}
)

// NewMemoryCache returns an empty MemoryCache.
func NewMemoryCache() *MemoryCache {
	return &MemoryCache{records: make(map[string]Record)}
}

func (c *MemoryCache) Lookup(_ context.Context, digest string) (Record, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	rec, ok := c.records[digest]
	return rec, ok, nil
}

func (c *MemoryCache) Commit(_ context.Context, rec Record) error {
	if rec.Digest == "" {
		return errors.New("commit: empty digest")
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.records[rec.Digest] = rec
	return nil
}

func (c *MemoryCache) Forget(_ context.Context, digest string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.records, digest)
	return nil
}

// NewFileCache returns a FileCache rooted at dir.
func NewFileCache(dir string) *FileCache {
	return &FileCache{Dir: dir}
}

func (c *FileCache) path() string {
	return filepath.Join(c.Dir, IndexFile)
}

// Records returns every committed record ordered by commit time.
func (c *FileCache) Records() ([]Record, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	m, err := c.load()
	if err != nil {
		return nil, err
	}
	return sortedRecords(m), nil
}

func (c *FileCache) Lookup(ctx context.Context, digest string) (Record, bool, error) {
	if err := ctx.Err(); err != nil {
		return Record{}, false, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	m, err := c.load()
	if err != nil {
		return Record{}, false, err
	}
	rec, ok := m[digest]
	return rec, ok, nil
}

func (c *FileCache) Commit(ctx context.Context, rec Record) error {
	if rec.Digest == "" {
		return errors.New("commit: empty digest")
	}
	return c.update(ctx, func(m map[string]Record) { m[rec.Digest] = rec })
}

func (c *FileCache) Forget(ctx context.Context, digest string) error {
	return c.update(ctx, func(m map[string]Record) { delete(m, digest) })
}

func (c *FileCache) update(ctx context.Context, fn func(map[string]Record)) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	m, err := c.load()
	if err != nil {
		return err
	}
	fn(m)
	return c.store(m)
}

func (c *FileCache) load() (map[string]Record, error) {
	m := make(map[string]Record)
	data, err := os.ReadFile(c.path())
	if errors.Is(err, fs.ErrNotExist) {
		return m, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read layer index: %w", err)
	}
	var idx index
	if err := toml.Unmarshal(data, &idx); err != nil {
		return nil, fmt.Errorf("parse layer index %s: %w", c.path(), err)
	}
	for _, rec := range idx.Layers {
		m[rec.Digest] = rec
	}
	return m, nil
}

func (c *FileCache) store(m map[string]Record) error {
	data, err := toml.Marshal(index{Layers: sortedRecords(m)})
	if err != nil {
		return fmt.Errorf("encode layer index: %w", err)
	}
	if err := os.MkdirAll(c.Dir, 0o755); err != nil {
		return fmt.Errorf("create cache dir: %w", err)
	}
	tmp, err := os.CreateTemp(c.Dir, ".layers-*")
	if err != nil {
		return fmt.Errorf("write layer index: %w", err)
	}
	defer func() { _ = os.Remove(tmp.Name()) }()
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("write layer index: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("write layer index: %w", err)
	}
	if err := os.Rename(tmp.Name(), c.path()); err != nil {
		return fmt.Errorf("write layer index: %w", err)
	}
	return nil
}

func sortedRecords(m map[string]Record) []Record {
	recs := maps.Values(m)
	slices.SortFunc(recs, func(a, b Record) int {
		if c := a.CommittedAt.Compare(b.CommittedAt); c != 0 {
			return c
		}
		return strings.Compare(a.Digest, b.Digest)
	})
	return recs
}
