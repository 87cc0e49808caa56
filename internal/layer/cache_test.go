// SPDX-License-Identifier: MPL-2.0

package layer

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/nodeforge/nodeforge/internal/recipe"
)

func sampleRecord(digest string, at time.Time) Record {
	return Record{
		Digest:      digest,
		Step:        recipe.StepDeps,
		Parent:      "parent",
		Image:       ImageRef(digest),
		CommittedAt: at,
	}
}

func exerciseCache(t *testing.T, c Cache) {
	t.Helper()
	ctx := t.Context()

	if _, ok, err := c.Lookup(ctx, "abc"); ok || err != nil {
		t.Fatalf("empty cache Lookup = %v, %v", ok, err)
	}
	rec := sampleRecord("abc", time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC))
	if err := c.Commit(ctx, rec); err != nil {
		t.Fatal(err)
	}
	got, ok, err := c.Lookup(ctx, "abc")
	if err != nil || !ok {
		t.Fatalf("Lookup after Commit = %v, %v", ok, err)
	}
	if diff := cmp.Diff(rec, got); diff != "" {
		t.Errorf("record mismatch (-want +got):\n%s", diff)
	}
	if err := c.Commit(ctx, Record{}); err == nil {
		t.Error("empty digest accepted")
	}
	if err := c.Forget(ctx, "abc"); err != nil {
		t.Fatal(err)
	}
	if _, ok, _ := c.Lookup(ctx, "abc"); ok {
		t.Error("record still present after Forget")
	}
}

func TestMemoryCache(t *testing.T) {
	t.Parallel()
	exerciseCache(t, NewMemoryCache())
}

func TestFileCache(t *testing.T) {
	t.Parallel()
	exerciseCache(t, NewFileCache(filepath.Join(t.TempDir(), "cache")))
}

func TestFileCache_Persists(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	ctx := t.Context()
	t0 := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

	first := NewFileCache(dir)
	for i, d := range []string{"bbb", "aaa"} {
		if err := first.Commit(ctx, sampleRecord(d, t0.Add(time.Duration(i)*time.Minute))); err != nil {
			t.Fatal(err)
		}
	}

	second := NewFileCache(dir)
	recs, err := second.Records()
	if err != nil {
		t.Fatal(err)
	}
	var got []string
	for _, r := range recs {
		got = append(got, r.Digest)
	}
	if diff := cmp.Diff([]string{"bbb", "aaa"}, got); diff != "" {
		t.Errorf("records not ordered by commit time (-want +got):\n%s", diff)
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 1 || entries[0].Name() != IndexFile {
		t.Errorf("cache dir holds stray files: %v", entries)
	}
}

func TestFileCache_CorruptIndex(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, IndexFile), []byte("[[layer]\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, _, err := NewFileCache(dir).Lookup(t.Context(), "x"); err == nil {
		t.Error("corrupt index accepted")
	}
}
