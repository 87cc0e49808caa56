// SPDX-License-Identifier: MPL-2.0

package recipe

import (
	"errors"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/nodeforge/nodeforge/internal/deps"
	"github.com/nodeforge/nodeforge/internal/shell"
)

func mustRecipe(t *testing.T, opts Options) *Recipe {
	t.Helper()
	r, err := New(opts)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return r
}

func TestNew_DefaultHasFiveOrderedSteps(t *testing.T) {
	t.Parallel()

	r := mustRecipe(t, DefaultOptions())
	var got []StepName
	for _, s := range r.Steps {
		got = append(got, s.Name)
	}
	if diff := cmp.Diff(StepNames(), got); diff != "" {
		t.Errorf("step order mismatch (-want +got):\n%s", diff)
	}
}

func TestDockerfile_Content(t *testing.T) {
	t.Parallel()

	df := mustRecipe(t, DefaultOptions()).Dockerfile()
	for _, want := range []string{
		"FROM continuumio/miniconda3:23.3.1-0\n",
		"apt-get install -y gcc rsync sudo patch openssh-server pciutils nano fuse",
		"apt-get remove -y python3",
		"rm -rf /var/lib/apt/lists/*",
		"mkdir -p /var/run/sshd",
		"'PermitRootLogin yes'",
		"pam_loginuid",
		"ssh-keygen -A",
		"EXPOSE 22\n",
		"useradd -m -d /home/sky -s /bin/bash sky",
		"visudo -cf /etc/sudoers.d/nodeforge-sky",
		"/opt/conda/bin:/usr/local/sbin",
		"USER sky\n",
		"ray==2.4.0",
		"COPY --chown=sky:sky payload/ /skypilot/sky/\n",
		"sudo mv -v sky/setup_files/* .",
		"-e '.[kubernetes]'",
		"sudo chown -R sky:sky /skypilot",
		"WORKDIR /home/sky\n",
		`CMD ["sudo","/usr/sbin/sshd","-D"]`,
	} {
		if !strings.Contains(df, want) {
			t.Errorf("Dockerfile missing %q\n%s", want, df)
		}
	}
	if strings.Count(df, "FROM ") != 1 {
		t.Error("flattened Dockerfile must have exactly one FROM")
	}
}

func TestDockerfile_Deterministic(t *testing.T) {
	t.Parallel()

	a := mustRecipe(t, DefaultOptions()).Dockerfile()
	b := mustRecipe(t, DefaultOptions()).Dockerfile()
	if a != b {
		t.Error("rendering the same options twice produced different Dockerfiles")
	}
}

func TestRunInstructionsParse(t *testing.T) {
	t.Parallel()

	opts := DefaultOptions()
	opts.Access.HostKeys = HostKeysPinned
	opts.Access.HostKeyDir = "/tmp/keys"
	for _, s := range mustRecipe(t, opts).Steps {
		for _, in := range s.Instructions {
			if in.Op != OpRun {
				continue
			}
			if err := shell.Validate(in.Args); err != nil {
				t.Errorf("step %s: RUN does not parse: %v\n%s", s.Name, err, in.Args)
			}
		}
	}
}

func TestStepText_OnlyDepsChangeWithDeps(t *testing.T) {
	t.Parallel()

	before := mustRecipe(t, DefaultOptions())

	opts := DefaultOptions()
	g, err := deps.NewGroup("extra", "A==1.0", "B==2.3")
	if err != nil {
		t.Fatal(err)
	}
	opts.Deps = deps.Set{Groups: []deps.Group{g}}
	after := mustRecipe(t, opts)

	for i, s := range before.Steps {
		changed := s.Text() != after.Steps[i].Text()
		if wantChanged := s.Name == StepDeps; changed != wantChanged {
			t.Errorf("step %s changed=%v, want %v", s.Name, changed, wantChanged)
		}
	}
}

func TestStepText_PayloadSourceNotInText(t *testing.T) {
	t.Parallel()

	a := DefaultOptions()
	b := DefaultOptions()
	b.Payload.Source = "/elsewhere/checkout"
	ra, rb := mustRecipe(t, a), mustRecipe(t, b)
	for i := range ra.Steps {
		if ra.Steps[i].Text() != rb.Steps[i].Text() {
			t.Errorf("step %s text depends on the payload host path", ra.Steps[i].Name)
		}
	}
	in, ok := rb.Steps[4].Input(InputPayload)
	if !ok || in.Source != "/elsewhere/checkout" {
		t.Errorf("payload input = %+v, %v", in, ok)
	}
}

func TestCheckOrder_SwapDepsAndPayloadCopy(t *testing.T) {
	t.Parallel()

	good := []Action{ActionInstallDeps, ActionCopyPayload, ActionInstallPayload}
	if err := CheckOrder(good, PayloadOrderRules()); err != nil {
		t.Fatalf("valid order rejected: %v", err)
	}

	swapped := []Action{ActionCopyPayload, ActionInstallDeps, ActionInstallPayload}
	err := CheckOrder(swapped, PayloadOrderRules())
	if !errors.Is(err, ErrOrderViolation) {
		t.Fatalf("expected ErrOrderViolation, got %v", err)
	}
	var ove *OrderViolationError
	if !errors.As(err, &ove) {
		t.Fatalf("expected *OrderViolationError, got %T", err)
	}
	if ove.Action != string(ActionCopyPayload) || ove.Prerequisite != string(ActionInstallDeps) {
		t.Errorf("unexpected violation %+v", ove)
	}
}

func TestCheckOrder_MissingPrerequisite(t *testing.T) {
	t.Parallel()

	err := CheckOrder([]Action{ActionCopyPayload, ActionInstallPayload}, PayloadOrderRules())
	if !errors.Is(err, ErrOrderViolation) {
		t.Errorf("payload without dependency install must be rejected, got %v", err)
	}
}

func TestValidate_DefaultActionsSatisfyRules(t *testing.T) {
	t.Parallel()

	r := mustRecipe(t, DefaultOptions())
	if err := CheckOrder(r.Actions(), DefaultOrderRules()); err != nil {
		t.Errorf("default recipe violates rules: %v", err)
	}
}

func TestValidate_RejectsReorderedSteps(t *testing.T) {
	t.Parallel()

	r := mustRecipe(t, DefaultOptions())
	r.Steps[3], r.Steps[4] = r.Steps[4], r.Steps[3]
	if err := r.Validate(); !errors.Is(err, ErrOrderViolation) {
		t.Errorf("expected ErrOrderViolation, got %v", err)
	}
}

func TestOrder(t *testing.T) {
	t.Parallel()

	r := mustRecipe(t, DefaultOptions())
	got, err := r.Order()
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff(StepNames(), got); diff != "" {
		t.Errorf("order (-want +got):\n%s", diff)
	}

	// prerequisites win over the position in the recipe
	r.Steps[3], r.Steps[4] = r.Steps[4], r.Steps[3]
	got, err = r.Order()
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff(StepNames(), got); diff != "" {
		t.Errorf("order of reordered recipe (-want +got):\n%s", diff)
	}

	base, _ := r.Step(StepBase)
	base.Requires = []StepName{StepPayload}
	if _, err := r.Order(); !errors.Is(err, ErrInvalidRecipe) {
		t.Errorf("expected ErrInvalidRecipe for a cycle, got %v", err)
	}
}

func TestValidate_RejectsMovedAction(t *testing.T) {
	t.Parallel()

	r := mustRecipe(t, DefaultOptions())
	ds, _ := r.Step(StepDeps)
	// the payload copy loses its prerequisite
	ds.Actions = ds.Actions[1:]
	if err := r.Validate(); !errors.Is(err, ErrOrderViolation) {
		t.Errorf("expected ErrOrderViolation, got %v", err)
	}
}

func TestValidate_Structure(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		mutate func(r *Recipe)
	}{
		{"duplicate step", func(r *Recipe) { r.Steps = append(r.Steps, r.Steps[0]) }},
		{"unknown prerequisite", func(r *Recipe) { r.Steps[1].Requires = []StepName{"nope"} }},
		{"empty step", func(r *Recipe) { r.Steps[2].Instructions = nil }},
		{"nested FROM", func(r *Recipe) { r.Steps[2].Instructions = []Instruction{From("x")} }},
		{"no base", func(r *Recipe) { r.Base = "" }},
	}
	for _, tt := range tests {
		r := mustRecipe(t, DefaultOptions())
		tt.mutate(r)
		if err := r.Validate(); !errors.Is(err, ErrInvalidRecipe) {
			t.Errorf("%s: expected ErrInvalidRecipe, got %v", tt.name, err)
		}
	}
}

func TestNew_OptionErrors(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		mutate func(o *Options)
		target error
	}{
		{"no base image", func(o *Options) { o.BaseImage = "" }, ErrInvalidOptions},
		{"root identity", func(o *Options) { o.Identity.Name = "root" }, ErrInvalidOptions},
		{"bad login", func(o *Options) { o.Identity.Name = "Sky User" }, ErrInvalidOptions},
		{"relative home", func(o *Options) { o.Identity.Home = "home/sky" }, ErrInvalidOptions},
		{"pinned without dir", func(o *Options) { o.Access.HostKeys = HostKeysPinned }, ErrInvalidOptions},
		{"unknown key mode", func(o *Options) { o.Access.HostKeys = "borrowed" }, ErrInvalidOptions},
		{"nested package", func(o *Options) { o.Payload.Package = "a/b" }, ErrInvalidOptions},
		{"unpinned dependency", func(o *Options) {
			g, _ := deps.NewGroup("serialization", "protobuf<4.0.0")
			o.Deps = deps.Set{Groups: []deps.Group{g}}
		}, deps.ErrUnpinned},
	}
	for _, tt := range tests {
		opts := DefaultOptions()
		tt.mutate(&opts)
		if _, err := New(opts); !errors.Is(err, tt.target) {
			t.Errorf("%s: expected %v, got %v", tt.name, tt.target, err)
		}
	}
}

func TestNew_LenientPinsAllowRanges(t *testing.T) {
	t.Parallel()

	opts := DefaultOptions()
	g, _ := deps.NewGroup("serialization", "protobuf<4.0.0")
	opts.Deps = deps.Set{Groups: []deps.Group{g}}
	opts.DepsPolicy.StrictPins = false
	r := mustRecipe(t, opts)
	if !strings.Contains(r.Dockerfile(), "'protobuf<4.0.0'") {
		t.Error("range requirement not rendered quoted")
	}
}

// writeAccountShims puts id, getent and useradd on a fresh PATH directory.
// Accounts are read from the passwd file; useradd appends its arguments to log.
func writeAccountShims(t *testing.T, passwd, log string) string {
	t.Helper()
	dir := t.TempDir()
	shims := map[string]string{
		"id":      `[ "$1" = -u ] && grep -q "^$2:" '` + passwd + "'\n",
		"getent":  `[ "$1" = passwd ] && grep "^$2:" '` + passwd + "'\n",
		"useradd": `echo "$@" >> '` + log + "'\n",
	}
	for name, body := range shims {
		if err := os.WriteFile(filepath.Join(dir, name), []byte("#!/bin/sh\n"+body), 0o755); err != nil {
			t.Fatal(err)
		}
	}
	return dir
}

func TestIdentityScript_ExistsPolicy(t *testing.T) {
	t.Parallel()

	if runtime.GOOS != "linux" {
		t.Skip("identity script targets a Linux image")
	}
	script, err := identityScript(DefaultOptions().Identity)
	if err != nil {
		t.Fatal(err)
	}
	if err := shell.Validate(script); err != nil {
		t.Fatalf("identity script does not parse: %v", err)
	}

	tests := []struct {
		name        string
		passwd      string
		wantFail    bool
		wantUseradd string
	}{
		{
			name:        "absent account is created",
			wantUseradd: "-m -d /home/sky -s /bin/bash sky\n",
		},
		{
			name:   "matching account is reused",
			passwd: "sky:x:1000:1000::/home/sky:/bin/bash\n",
		},
		{
			name:     "different home conflicts",
			passwd:   "sky:x:1000:1000::/srv/sky:/bin/bash\n",
			wantFail: true,
		},
		{
			name:     "different shell conflicts",
			passwd:   "sky:x:1000:1000::/home/sky:/bin/sh\n",
			wantFail: true,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			tmp := t.TempDir()
			passwd := filepath.Join(tmp, "passwd")
			log := filepath.Join(tmp, "useradd.log")
			if err := os.WriteFile(passwd, []byte("root:x:0:0::/root:/bin/bash\n"+tt.passwd), 0o644); err != nil {
				t.Fatal(err)
			}
			bin := writeAccountShims(t, passwd, log)

			cmd := exec.Command("/bin/sh", "-c", script)
			cmd.Env = []string{"PATH=" + bin + ":/usr/bin:/bin"}
			var stderr strings.Builder
			cmd.Stderr = &stderr
			err := cmd.Run()

			if tt.wantFail {
				var exitErr *exec.ExitError
				if !errors.As(err, &exitErr) || exitErr.ExitCode() != 1 {
					t.Fatalf("expected exit status 1, got %v", err)
				}
				if !strings.Contains(stderr.String(), IdentityConflictMarker+": sky exists") {
					t.Errorf("conflict marker not printed, stderr: %q", stderr.String())
				}
			} else if err != nil {
				t.Fatalf("script failed: %v, stderr: %q", err, stderr.String())
			}

			got, err := os.ReadFile(log)
			if err != nil && !os.IsNotExist(err) {
				t.Fatal(err)
			}
			if string(got) != tt.wantUseradd {
				t.Errorf("useradd calls = %q, want %q", got, tt.wantUseradd)
			}
		})
	}
}

func TestPinnedHostKeys(t *testing.T) {
	t.Parallel()

	opts := DefaultOptions()
	opts.Access.HostKeys = HostKeysPinned
	opts.Access.HostKeyDir = "/var/lib/nodeforge/hostkeys"
	r := mustRecipe(t, opts)

	s, _ := r.Step(StepAccessBootstrap)
	in, ok := s.Input(InputHostKeys)
	if !ok || in.Source != "/var/lib/nodeforge/hostkeys" {
		t.Fatalf("host key input = %+v, %v", in, ok)
	}
	if !s.HasAction(ActionInstallHostKeys) || !strings.Contains(s.Text(), "COPY hostkeys/ /etc/ssh/\n") {
		t.Errorf("pinned keys not copied:\n%s", s.Text())
	}
	// missing algorithms are still filled in
	if !strings.Contains(s.Text(), "ssh-keygen -A") {
		t.Error("ssh-keygen -A must still run after copying pinned keys")
	}
}

func TestStepDockerfile(t *testing.T) {
	t.Parallel()

	r := mustRecipe(t, DefaultOptions())
	df, err := r.StepDockerfile(3, "nodeforge-layer:0123456789ab")
	if err != nil {
		t.Fatal(err)
	}
	if !strings.HasPrefix(df, "FROM nodeforge-layer:0123456789ab\nRUN pip install") {
		t.Errorf("unexpected step Dockerfile:\n%s", df)
	}
	if _, err := r.StepDockerfile(5, "x"); !errors.Is(err, ErrInvalidRecipe) {
		t.Errorf("expected out-of-range error, got %v", err)
	}
}
