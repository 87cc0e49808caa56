// SPDX-License-Identifier: MPL-2.0

package payload

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"runtime"
	"sort"
	"strings"

	"github.com/gobwas/glob"
	"golang.org/x/sync/errgroup"
)

// DefaultIgnore lists paths never shipped into an image.
var DefaultIgnore = []string{".git", "__pycache__", "*.pyc", "*.egg-info", ".mypy_cache", ".pytest_cache"}

// ErrNotDirectory is returned when the payload root is not a directory.
var ErrNotDirectory = errors.New("payload root is not a directory")

type (
	// Tree is a payload source directory with ignore patterns. Patterns use glob
	// syntax with '/' as separator; a pattern without '/' matches a base name
	// at any depth, otherwise it matches the slash-separated relative path.
	Tree struct {
		Root   string
		Ignore []string
	}

	// File is one regular file or symlink of a tree.
	File struct {
		// Path is slash-separated and relative to the tree root.
		Path string
		Mode fs.FileMode
		Size int64
		// Link is the target of a symlink.
		Link string
	}

	matcher struct {
		base []glob.Glob
		full []glob.Glob
	}
)

// New returns a tree rooted at root ignoring DefaultIgnore plus extra.
func New(root string, extra ...string) Tree {
	ignore := append(append([]string{}, DefaultIgnore...), extra...)
	return Tree{Root: root, Ignore: ignore}
}

func (t Tree) matcher() (*matcher, error) {
	m := &matcher{}
	for _, p := range t.Ignore {
		g, err := glob.Compile(p, '/')
		if err != nil {
			return nil, fmt.Errorf("ignore pattern %q: %w", p, err)
		}
		if strings.Contains(p, "/") {
			m.full = append(m.full, g)
		} else {
			m.base = append(m.base, g)
		}
	}
	return m, nil
}

func (m *matcher) ignored(rel string) bool {
	base := path.Base(rel)
	for _, g := range m.base {
		if g.Match(base) {
			return true
		}
	}
	for _, g := range m.full {
		if g.Match(rel) {
			return true
		}
	}
	return false
}

// Files walks the tree and returns every shipped file sorted by path.
func (t Tree) Files() ([]File, error) {
	info, err := os.Stat(t.Root)
	if err != nil {
		return nil, fmt.Errorf("payload root: %w", err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("%w: %s", ErrNotDirectory, t.Root)
	}
	m, err := t.matcher()
	if err != nil {
		return nil, err
	}

	var files []File
	err = filepath.WalkDir(t.Root, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if p == t.Root {
			return nil
		}
		rel, err := filepath.Rel(t.Root, p)
		if err != nil {
			return err
		}
		rel = filepath.ToSlash(rel)
		if m.ignored(rel) {
			if d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		if d.IsDir() {
			return nil
		}

		fi, err := d.Info()
		if err != nil {
			return err
		}
		f := File{Path: rel, Mode: fi.Mode(), Size: fi.Size()}
		switch {
		case fi.Mode()&fs.ModeSymlink != 0:
			if f.Link, err = os.Readlink(p); err != nil {
				return err
			}
		case !fi.Mode().IsRegular():
			// sockets, fifos and devices are not payload
			return nil
		}
		files = append(files, f)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("walk payload: %w", err)
	}

	sort.Slice(files, func(i, j int) bool { return files[i].Path < files[j].Path })
	return files, nil
}

// Digest identifies the shipped content: relative paths, the executable bit,
// symlink targets and file contents. Timestamps and ownership are excluded, so
// an unchanged tree keeps its digest across checkouts.
func (t Tree) Digest(ctx context.Context) (string, error) {
	files, err := t.Files()
	if err != nil {
		return "", err
	}

	sums := make([]string, len(files))
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(runtime.GOMAXPROCS(0))
	for i, f := range files {
		if f.Link != "" {
			sums[i] = "link:" + f.Link
			continue
		}
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			sum, err := hashFile(filepath.Join(t.Root, filepath.FromSlash(f.Path)))
			if err != nil {
				return fmt.Errorf("hash %s: %w", f.Path, err)
			}
			sums[i] = sum
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return "", err
	}

	h := sha256.New()
	for i, f := range files {
		fmt.Fprintf(h, "%s\x00%s\x00%s\n", f.Path, execBit(f.Mode), sums[i])
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// Stage copies the shipped files into dst, creating it if needed.
func (t Tree) Stage(dst string) error {
	files, err := t.Files()
	if err != nil {
		return err
	}
	if err := os.MkdirAll(dst, 0o755); err != nil {
		return fmt.Errorf("failed to create staging directory: %w", err)
	}
	for _, f := range files {
		target := filepath.Join(dst, filepath.FromSlash(f.Path))
		if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
			return fmt.Errorf("failed to create staging directory: %w", err)
		}
		if f.Link != "" {
			if err := os.Symlink(f.Link, target); err != nil {
				return fmt.Errorf("failed to stage symlink %s: %w", f.Path, err)
			}
			continue
		}
		if err := CopyFile(filepath.Join(t.Root, filepath.FromSlash(f.Path)), target); err != nil {
			return fmt.Errorf("stage %s: %w", f.Path, err)
		}
	}
	return nil
}

func hashFile(p string) (string, error) {
	f, err := os.Open(p)
	if err != nil {
		return "", err
	}
	defer func() { _ = f.Close() }() // Read-only file; close error non-critical

	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

func execBit(m fs.FileMode) string {
	if m&0o111 != 0 {
		return "x"
	}
	return "-"
}
