// SPDX-License-Identifier: MPL-2.0

package deps

import (
	"errors"
	"path/filepath"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/hashicorp/go-multierror"
)

func TestParse(t *testing.T) {
	t.Parallel()

	tests := []struct {
		in      string
		want    Requirement
		pinned  bool
		wantErr bool
	}{
		{in: "ray==2.4.0", want: Requirement{Name: "ray", Constraints: []Constraint{{OpExact, "2.4.0"}}}, pinned: true},
		{in: "protobuf<4.0.0", want: Requirement{Name: "protobuf", Constraints: []Constraint{{OpLess, "4.0.0"}}}},
		{in: "urllib3 >= 1.26, <2", want: Requirement{Name: "urllib3", Constraints: []Constraint{{OpGreaterEq, "1.26"}, {OpLess, "2"}}}},
		{in: "rich", want: Requirement{Name: "rich"}},
		{in: "foo~=1.4", want: Requirement{Name: "foo", Constraints: []Constraint{{OpCompatible, "1.4"}}}},
		{in: "foo==1.*", want: Requirement{Name: "foo", Constraints: []Constraint{{OpExact, "1.*"}}}},
		{in: "", wantErr: true},
		{in: "==1.0", wantErr: true},
		{in: "foo=1.0", wantErr: true},
		{in: "foo==", wantErr: true},
		{in: "foo; rm -rf /", wantErr: true},
	}

	for _, tt := range tests {
		got, err := Parse(tt.in)
		if tt.wantErr {
			if !errors.Is(err, ErrInvalidRequirement) {
				t.Errorf("Parse(%q) error = %v, want ErrInvalidRequirement", tt.in, err)
			}
			continue
		}
		if err != nil {
			t.Errorf("Parse(%q) unexpected error: %v", tt.in, err)
			continue
		}
		if diff := cmp.Diff(tt.want, got); diff != "" {
			t.Errorf("Parse(%q) mismatch (-want +got):\n%s", tt.in, diff)
		}
		if got.Pinned() != tt.pinned {
			t.Errorf("Parse(%q).Pinned() = %v, want %v", tt.in, got.Pinned(), tt.pinned)
		}
	}
}

func TestRequirement_Key(t *testing.T) {
	t.Parallel()

	a, b := MustParse("PrettyTable==3.7.0"), MustParse("prettytable==3.7.0")
	if a.Key() != b.Key() {
		t.Errorf("keys differ: %q vs %q", a.Key(), b.Key())
	}
	if MustParse("oauth2_client").Key() != MustParse("oauth2.client").Key() {
		t.Error("separators should normalize to the same key")
	}
}

func TestDefaultSet_StrictValid(t *testing.T) {
	t.Parallel()

	s := DefaultSet()
	if err := s.Validate(Policy{StrictPins: true}); err != nil {
		t.Fatalf("default set rejected: %v", err)
	}
	if !strings.Contains(s.String(), "ray==2.4.0") {
		t.Error("default set must pin the cluster runtime to 2.4.0")
	}
	groupOf := make(map[string]string)
	for _, g := range s.Groups {
		for _, r := range g.Requirements {
			groupOf[r.Name] = g.Name
		}
	}
	for pkg, want := range map[string]string{
		"rich":         "cli",
		"tabulate":     "cli",
		"jsonschema":   "serialization",
		"protobuf":     "serialization",
		"pulp":         "data",
		"ray":          "runtime",
		"oauth2client": "cloud",
		"kubernetes":   "orchestration",
	} {
		if got := groupOf[pkg]; got != want {
			t.Errorf("%s is in group %q, want %q", pkg, got, want)
		}
	}
}

func TestSet_ValidateAggregates(t *testing.T) {
	t.Parallel()

	g1, _ := NewGroup("a", "rich", "ray==2.4.0")
	g2, _ := NewGroup("b", "Ray==2.4.0", "protobuf<4.0.0")
	s := Set{Groups: []Group{g1, g2, {Name: "empty"}}}

	err := s.Validate(Policy{StrictPins: true})
	var merr *multierror.Error
	if !errors.As(err, &merr) {
		t.Fatalf("expected *multierror.Error, got %T", err)
	}
	if len(merr.Errors) != 4 {
		t.Fatalf("expected 4 errors, got %d: %v", len(merr.Errors), err)
	}
	if !errors.Is(err, ErrUnpinned) || !errors.Is(err, ErrDuplicate) || !errors.Is(err, ErrEmptyGroup) {
		t.Errorf("missing expected sentinel in %v", err)
	}

	var reqErr *RequirementError
	if !errors.As(err, &reqErr) || reqErr.Group != "a" || reqErr.Requirement != "rich" {
		t.Errorf("first requirement error = %+v", reqErr)
	}
}

func TestSet_ValidateLenient(t *testing.T) {
	t.Parallel()

	g, _ := NewGroup("a", "rich", "protobuf<4.0.0")
	if err := (Set{Groups: []Group{g}}).Validate(Policy{}); err != nil {
		t.Errorf("lenient policy rejected ranges: %v", err)
	}
}

func TestSet_InstallCommands(t *testing.T) {
	t.Parallel()

	g1, _ := NewGroup("one", "wheel==0.40.0", "click==8.1.3")
	g2, _ := NewGroup("two", "protobuf<4.0.0")
	cmds, err := Set{Groups: []Group{g1, g2}}.InstallCommands("pip install --no-cache-dir")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(cmds) != 2 {
		t.Fatalf("expected one command per group, got %v", cmds)
	}
	for _, want := range []string{"pip install --no-cache-dir ", "wheel==0.40.0", "click==8.1.3"} {
		if !strings.Contains(cmds[0], want) {
			t.Errorf("command %q missing %q", cmds[0], want)
		}
	}
	if cmds[1] != "pip install --no-cache-dir 'protobuf<4.0.0'" {
		t.Errorf("range specifier must be quoted: %q", cmds[1])
	}
}

func TestSet_DigestStable(t *testing.T) {
	t.Parallel()

	if DefaultSet().Digest() != DefaultSet().Digest() {
		t.Fatal("digest is not deterministic")
	}
	a, _ := NewGroup("x", "a==1", "b==1")
	b1, _ := NewGroup("x", "a==1")
	b2, _ := NewGroup("y", "b==1")
	if (Set{Groups: []Group{a}}).Digest() == (Set{Groups: []Group{b1, b2}}).Digest() {
		t.Error("regrouping should change the digest")
	}
}

func TestLock_RoundTripFile(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "deps.lock.toml")
	want := DefaultSet()
	if err := WriteLock(path, want); err != nil {
		t.Fatalf("WriteLock: %v", err)
	}
	got, err := ReadLock(path)
	if err != nil {
		t.Fatalf("ReadLock: %v", err)
	}
	if got.Digest() != want.Digest() {
		t.Errorf("digest changed across lock file:\n%s\nvs\n%s", got, want)
	}
}

func TestLock_DigestMismatch(t *testing.T) {
	t.Parallel()

	data := []byte(`version = 1
digest = "0000"

[[group]]
name = "runtime"
packages = ["ray==2.4.0"]
`)
	if _, err := UnmarshalLock(data); err == nil || !strings.Contains(err.Error(), "digest mismatch") {
		t.Errorf("expected digest mismatch, got %v", err)
	}
}
