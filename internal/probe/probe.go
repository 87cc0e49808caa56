// SPDX-License-Identifier: MPL-2.0

// Package probe confirms over SSH that a booted worker meets the image's
// end-state contract: the identity can elevate without a password, the
// environment manager survives elevation, and the payload entry point is on
// the login shell's PATH.
package probe

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net"
	"slices"
	"strings"
	"time"

	"golang.org/x/crypto/ssh"

	"github.com/nodeforge/nodeforge/internal/retry"
	"github.com/nodeforge/nodeforge/internal/shell"
)

var (
	// ErrNotReady is returned when the node cannot be reached in time or a
	// check fails.
	ErrNotReady = errors.New("node not ready")
	// ErrHostKeyMismatch is returned when the node presents an unpinned host key.
	ErrHostKeyMismatch = errors.New("host key mismatch")
)

type (
	// Target is the node to probe.
	Target struct {
		// Addr is host:port.
		Addr            string
		User            string
		Signer          ssh.Signer
		HostKeyCallback ssh.HostKeyCallback
	}

	// WaitOptions bound how long Wait keeps dialing.
	WaitOptions struct {
		Timeout     time.Duration
		Interval    time.Duration
		MaxInterval time.Duration
		DialTimeout time.Duration
	}

	// Check is one command run on the node; it passes on exit status 0.
	Check struct {
		Name    string
		Command string
	}

	// CheckResult is the outcome of one check.
	CheckResult struct {
		Check
		OK     bool
		Output string
		Err    error
	}

	// Report collects check results.
	Report struct {
		Addr    string
		Results []CheckResult
	}
)

// DefaultWaitOptions suit a freshly booted container.
func DefaultWaitOptions() WaitOptions {
	return WaitOptions{
		Timeout:     2 * time.Minute,
		Interval:    500 * time.Millisecond,
		MaxInterval: 10 * time.Second,
		DialTimeout: 5 * time.Second,
	}
}

// PinnedHostKeys accepts only host keys with one of the given SHA256
// fingerprints.
func PinnedHostKeys(fingerprints ...string) ssh.HostKeyCallback {
	return func(hostname string, _ net.Addr, key ssh.PublicKey) error {
		fp := ssh.FingerprintSHA256(key)
		if slices.Contains(fingerprints, fp) {
			return nil
		}
		return fmt.Errorf("%w: %s presented %s", ErrHostKeyMismatch, hostname, fp)
	}
}

func (t Target) clientConfig(timeout time.Duration) *ssh.ClientConfig {
	return &ssh.ClientConfig{
		User:            t.User,
		Auth:            []ssh.AuthMethod{ssh.PublicKeys(t.Signer)},
		HostKeyCallback: t.HostKeyCallback,
		Timeout:         timeout,
	}
}

// Wait dials target until the SSH handshake succeeds. A host key mismatch
// ends the wait immediately.
func Wait(ctx context.Context, target Target, opts WaitOptions) (*ssh.Client, error) {
	if target.Signer == nil || target.HostKeyCallback == nil {
		return nil, errors.New("probe target needs a signer and a host key callback")
	}
	ctx, cancel := context.WithTimeout(ctx, opts.Timeout)
	defer cancel()

	var client *ssh.Client
	err := retry.DoCapped(ctx, 0, opts.Interval, opts.MaxInterval, func(int) (bool, error) {
		c, err := dial(ctx, target, opts.DialTimeout)
		if err != nil {
			return !errors.Is(err, ErrHostKeyMismatch), err
		}
		client = c
		return false, nil
	})
	if err != nil {
		if errors.Is(err, ErrHostKeyMismatch) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: %s: %w", ErrNotReady, target.Addr, err)
	}
	return client, nil
}

func dial(ctx context.Context, target Target, timeout time.Duration) (*ssh.Client, error) {
	d := net.Dialer{Timeout: timeout}
	conn, err := d.DialContext(ctx, "tcp", target.Addr)
	if err != nil {
		return nil, err
	}
	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(deadline)
	}
	c, chans, reqs, err := ssh.NewClientConn(conn, target.Addr, target.clientConfig(timeout))
	if err != nil {
		_ = conn.Close()
		return nil, err
	}
	_ = conn.SetDeadline(time.Time{})
	return ssh.NewClient(c, chans, reqs), nil
}

// DefaultChecks returns the checks that prove the identity's contract. tool is
// an executable under the environment manager's bin dir; cli is the payload
// entry point, looked up through loginShell started as an interactive login
// shell so the identity's rc files apply.
func DefaultChecks(tool, cli, loginShell string) ([]Check, error) {
	qtool, err := shell.Quote("command -v " + tool)
	if err != nil {
		return nil, err
	}
	qcli, err := shell.Quote("command -v " + cli)
	if err != nil {
		return nil, err
	}
	qshell, err := shell.Quote(loginShell)
	if err != nil {
		return nil, err
	}
	return []Check{
		{Name: "passwordless elevation", Command: "sudo -n true"},
		{Name: "elevated path", Command: "sudo -n sh -c " + qtool},
		{Name: "login shell entry point", Command: qshell + " -ilc " + qcli},
	}, nil
}

// RunChecks executes checks on client in order.
func RunChecks(ctx context.Context, client *ssh.Client, checks []Check) *Report {
	r := &Report{Addr: client.RemoteAddr().String()}
	for _, c := range checks {
		r.Results = append(r.Results, runCheck(ctx, client, c))
	}
	return r
}

func runCheck(ctx context.Context, client *ssh.Client, c Check) CheckResult {
	res := CheckResult{Check: c}
	sess, err := client.NewSession()
	if err != nil {
		res.Err = fmt.Errorf("open session: %w", err)
		return res
	}
	defer sess.Close()

	var out bytes.Buffer
	sess.Stdout = &out
	sess.Stderr = &out

	done := make(chan error, 1)
	go func() { done <- sess.Run(c.Command) }()

	select {
	case <-ctx.Done():
		_ = sess.Close()
		res.Err = ctx.Err()
		return res
	case err = <-done:
	}

	res.Output = strings.TrimSpace(out.String())
	var exitErr *ssh.ExitError
	switch {
	case err == nil:
		res.OK = true
	case errors.As(err, &exitErr):
		res.Err = fmt.Errorf("exit status %d", exitErr.ExitStatus())
	default:
		res.Err = err
	}
	return res
}

// OK reports whether every check passed.
func (r *Report) OK() bool {
	for _, res := range r.Results {
		if !res.OK {
			return false
		}
	}
	return true
}

// Err returns ErrNotReady naming the failed checks, or nil.
func (r *Report) Err() error {
	var failed []string
	for _, res := range r.Results {
		if !res.OK {
			failed = append(failed, res.Name)
		}
	}
	if len(failed) == 0 {
		return nil
	}
	return fmt.Errorf("%w: %s failed %s", ErrNotReady, r.Addr, strings.Join(failed, ", "))
}

// Markdown renders the report as a table.
func (r *Report) Markdown() string {
	var b strings.Builder
	fmt.Fprintf(&b, "# Probe %s\n\n| Check | Command | Result |\n|---|---|---|\n", r.Addr)
	for _, res := range r.Results {
		status := "ok"
		if !res.OK {
			status = "FAILED"
			if res.Err != nil {
				status += " (" + res.Err.Error() + ")"
			}
		}
		fmt.Fprintf(&b, "| %s | `%s` | %s |\n", res.Name, res.Command, status)
	}
	return b.String()
}
