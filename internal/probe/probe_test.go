// SPDX-License-Identifier: MPL-2.0

package probe

import (
	"crypto/ed25519"
	"crypto/rand"
	"errors"
	"fmt"
	"net"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"
	"time"

	charmssh "github.com/charmbracelet/ssh"
	"github.com/charmbracelet/wish"
	"golang.org/x/crypto/ssh"

	"github.com/nodeforge/nodeforge/internal/hostkeys"
)

// fakeNode is an sshd stand-in answering commands from a table.
type fakeNode struct {
	addr        string
	fingerprint string
}

// startFakeNode serves commands: each key is a raw command, the value its exit
// status. Unknown commands exit 127.
func startFakeNode(t *testing.T, client ssh.PublicKey, commands map[string]int) *fakeNode {
	t.Helper()

	dir := t.TempDir()
	if _, err := hostkeys.Ensure(dir, hostkeys.Ed25519); err != nil {
		t.Fatal(err)
	}
	keys, err := hostkeys.Load(dir)
	if err != nil {
		t.Fatal(err)
	}

	srv, err := wish.NewServer(
		wish.WithHostKeyPath(filepath.Join(dir, hostkeys.Ed25519.FileName())),
		wish.WithPublicKeyAuth(func(_ charmssh.Context, key charmssh.PublicKey) bool {
			return charmssh.KeysEqual(key, client)
		}),
		wish.WithMiddleware(func(next charmssh.Handler) charmssh.Handler {
			return func(sess charmssh.Session) {
				code, ok := commands[sess.RawCommand()]
				if !ok {
					fmt.Fprintf(sess.Stderr(), "%s: not found\n", sess.RawCommand())
					code = 127
				}
				_ = sess.Exit(code)
			}
		}),
	)
	if err != nil {
		t.Fatal(err)
	}

	var lc net.ListenConfig
	l, err := lc.Listen(t.Context(), "tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	go func() { _ = srv.Serve(l) }()
	t.Cleanup(func() { _ = srv.Close() })

	return &fakeNode{addr: l.Addr().String(), fingerprint: hostkeys.Fingerprints(keys)[0]}
}

func clientSigner(t *testing.T) ssh.Signer {
	t.Helper()
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatal(err)
	}
	s, err := ssh.NewSignerFromKey(priv)
	if err != nil {
		t.Fatal(err)
	}
	return s
}

func fastWait() WaitOptions {
	return WaitOptions{Timeout: 5 * time.Second, Interval: 10 * time.Millisecond, MaxInterval: 50 * time.Millisecond, DialTimeout: time.Second}
}

func TestDefaultChecks(t *testing.T) {
	t.Parallel()

	checks, err := DefaultChecks("conda", "sky", "/bin/bash")
	if err != nil {
		t.Fatal(err)
	}
	want := []string{"sudo -n true", "sudo -n sh -c 'command -v conda'", "/bin/bash -ilc 'command -v sky'"}
	for i, c := range checks {
		if c.Command != want[i] {
			t.Errorf("check %d = %q, want %q", i, c.Command, want[i])
		}
	}
}

// The entry point is typically put on PATH by an rc block that a
// non-interactive shell skips, as in Debian's skel .bashrc.
func TestDefaultChecks_EntryPointSeesInteractiveRC(t *testing.T) {
	t.Parallel()

	bash, err := exec.LookPath("bash")
	if err != nil {
		t.Skip("bash not available")
	}
	home := t.TempDir()
	bin := filepath.Join(home, "env", "bin")
	if err := os.MkdirAll(bin, 0o755); err != nil {
		t.Fatal(err)
	}
	files := map[string]string{
		filepath.Join(bin, "sky"): "#!/bin/sh\n",
		filepath.Join(home, ".profile"): `if [ -n "$BASH_VERSION" ] && [ -f "$HOME/.bashrc" ]; then . "$HOME/.bashrc"; fi` + "\n",
		filepath.Join(home, ".bashrc"): "case $- in *i*) ;; *) return;; esac\nexport PATH=\"" + bin + ":$PATH\"\n",
	}
	for path, content := range files {
		if err := os.WriteFile(path, []byte(content), 0o755); err != nil {
			t.Fatal(err)
		}
	}

	checks, err := DefaultChecks("conda", "sky", bash)
	if err != nil {
		t.Fatal(err)
	}
	cmd := exec.Command("/bin/sh", "-c", checks[2].Command)
	cmd.Env = []string{"HOME=" + home, "PATH=/usr/bin:/bin"}
	out, err := cmd.Output()
	if err != nil {
		t.Fatalf("%s: %v", checks[2].Command, err)
	}
	if got := strings.TrimSpace(string(out)); got != filepath.Join(bin, "sky") {
		t.Errorf("entry point resolved to %q", got)
	}
}

func TestWaitAndRunChecks(t *testing.T) {
	t.Parallel()

	signer := clientSigner(t)
	checks, err := DefaultChecks("conda", "sky", "/bin/bash")
	if err != nil {
		t.Fatal(err)
	}
	node := startFakeNode(t, signer.PublicKey(), map[string]int{
		checks[0].Command: 0,
		checks[1].Command: 0,
		checks[2].Command: 1,
	})

	client, err := Wait(t.Context(), Target{
		Addr:            node.addr,
		User:            "sky",
		Signer:          signer,
		HostKeyCallback: PinnedHostKeys(node.fingerprint),
	}, fastWait())
	if err != nil {
		t.Fatalf("Wait: %v", err)
	}
	defer client.Close()

	report := RunChecks(t.Context(), client, checks)
	if len(report.Results) != 3 {
		t.Fatalf("results = %d", len(report.Results))
	}
	if !report.Results[0].OK || !report.Results[1].OK || report.Results[2].OK {
		t.Errorf("unexpected results: %+v", report.Results)
	}
	if report.OK() {
		t.Error("report OK with a failed check")
	}
	err = report.Err()
	if !errors.Is(err, ErrNotReady) || !strings.Contains(err.Error(), "login shell entry point") {
		t.Errorf("report error = %v", err)
	}
	if md := report.Markdown(); !strings.Contains(md, "| passwordless elevation | `sudo -n true` | ok |") {
		t.Errorf("markdown:\n%s", md)
	}
}

func TestWait_HostKeyMismatch(t *testing.T) {
	t.Parallel()

	signer := clientSigner(t)
	node := startFakeNode(t, signer.PublicKey(), nil)

	start := time.Now()
	_, err := Wait(t.Context(), Target{
		Addr:            node.addr,
		User:            "sky",
		Signer:          signer,
		HostKeyCallback: PinnedHostKeys("SHA256:not-the-key"),
	}, fastWait())
	if !errors.Is(err, ErrHostKeyMismatch) {
		t.Fatalf("expected ErrHostKeyMismatch, got %v", err)
	}
	if time.Since(start) > 3*time.Second {
		t.Error("host key mismatch was retried")
	}
}

func TestWait_Unreachable(t *testing.T) {
	t.Parallel()

	var lc net.ListenConfig
	l, err := lc.Listen(t.Context(), "tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	addr := l.Addr().String()
	_ = l.Close()

	opts := fastWait()
	opts.Timeout = 200 * time.Millisecond
	_, err = Wait(t.Context(), Target{
		Addr:            addr,
		User:            "sky",
		Signer:          clientSigner(t),
		HostKeyCallback: PinnedHostKeys(),
	}, opts)
	if !errors.Is(err, ErrNotReady) {
		t.Errorf("expected ErrNotReady, got %v", err)
	}
}

func TestWait_RequiresCredentials(t *testing.T) {
	t.Parallel()

	if _, err := Wait(t.Context(), Target{Addr: "127.0.0.1:22"}, fastWait()); err == nil {
		t.Error("expected error without signer and host key callback")
	}
}
