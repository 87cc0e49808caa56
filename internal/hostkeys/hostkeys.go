// SPDX-License-Identifier: MPL-2.0

// Package hostkeys manages the SSH host identity baked into a worker image.
//
// Keys are generated on the build host so their fingerprints are known before
// a node boots and can be pinned by clients. Generation is idempotent: only
// missing algorithms are generated, existing keys are never touched.
package hostkeys

import (
	"crypto"
	"crypto/ecdsa"
	"crypto/ed25519"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"encoding/hex"
	"encoding/pem"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"
)

// Supported algorithms in the order sshd offers them.
const (
	Ed25519 Algorithm = "ed25519"
	ECDSA   Algorithm = "ecdsa"
	RSA     Algorithm = "rsa"
)

const rsaBits = 3072

// ErrUnknownAlgorithm is returned for an algorithm outside Algorithms.
var ErrUnknownAlgorithm = errors.New("unknown host key algorithm")

type (
	// Algorithm names a host key type as it appears in ssh_host_<alg>_key.
	Algorithm string

	// Key is one loaded host key pair.
	Key struct {
		Algorithm Algorithm
		Signer    ssh.Signer
		// PrivatePath and PublicPath are the on-disk locations.
		PrivatePath string
		PublicPath  string
	}

	// Result reports what Ensure did.
	Result struct {
		Generated []Algorithm
		Existing  []Algorithm
	}
)

// Algorithms returns every supported algorithm.
func Algorithms() []Algorithm {
	return []Algorithm{Ed25519, ECDSA, RSA}
}

// FileName is the private key file name sshd expects.
func (a Algorithm) FileName() string {
	return "ssh_host_" + string(a) + "_key"
}

func (a Algorithm) generate() (crypto.PrivateKey, error) {
	switch a {
	case Ed25519:
		_, priv, err := ed25519.GenerateKey(rand.Reader)
		return priv, err
	case ECDSA:
		return ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	case RSA:
		return rsa.GenerateKey(rand.Reader, rsaBits)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownAlgorithm, a)
	}
}

// Ensure makes sure dir holds a key pair for every algorithm in algs
// (all supported algorithms when empty).
func Ensure(dir string, algs ...Algorithm) (*Result, error) {
	if len(algs) == 0 {
		algs = Algorithms()
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("create host key directory: %w", err)
	}

	res := &Result{}
	for _, alg := range algs {
		priv := filepath.Join(dir, alg.FileName())
		if _, err := os.Stat(priv); err == nil {
			res.Existing = append(res.Existing, alg)
			continue
		} else if !os.IsNotExist(err) {
			return nil, fmt.Errorf("stat %s: %w", priv, err)
		}
		if err := generate(alg, priv); err != nil {
			return nil, err
		}
		res.Generated = append(res.Generated, alg)
	}
	return res, nil
}

func generate(alg Algorithm, privPath string) error {
	key, err := alg.generate()
	if err != nil {
		return fmt.Errorf("generate %s host key: %w", alg, err)
	}
	block, err := ssh.MarshalPrivateKey(key, "nodeforge")
	if err != nil {
		return fmt.Errorf("marshal %s host key: %w", alg, err)
	}
	signer, err := ssh.NewSignerFromKey(key)
	if err != nil {
		return fmt.Errorf("load %s host key: %w", alg, err)
	}

	// public half first so a crash never leaves a private key without it
	pub := ssh.MarshalAuthorizedKey(signer.PublicKey())
	if err := os.WriteFile(privPath+".pub", pub, 0o644); err != nil {
		return fmt.Errorf("write %s public key: %w", alg, err)
	}
	if err := os.WriteFile(privPath, pem.EncodeToMemory(block), 0o600); err != nil {
		return fmt.Errorf("write %s private key: %w", alg, err)
	}
	return nil
}

// Load reads every key pair present in dir, in Algorithms order.
func Load(dir string) ([]Key, error) {
	var keys []Key
	for _, alg := range Algorithms() {
		priv := filepath.Join(dir, alg.FileName())
		data, err := os.ReadFile(priv)
		if os.IsNotExist(err) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("read %s: %w", priv, err)
		}
		signer, err := ssh.ParsePrivateKey(data)
		if err != nil {
			return nil, fmt.Errorf("parse %s: %w", priv, err)
		}
		keys = append(keys, Key{Algorithm: alg, Signer: signer, PrivatePath: priv, PublicPath: priv + ".pub"})
	}
	return keys, nil
}

// Fingerprints returns the SHA256 fingerprints of keys.
func Fingerprints(keys []Key) []string {
	fps := make([]string, 0, len(keys))
	for _, k := range keys {
		fps = append(fps, ssh.FingerprintSHA256(k.Signer.PublicKey()))
	}
	return fps
}

// KnownHostsLines returns one known_hosts line per key for host.
func KnownHostsLines(host string, keys []Key) []string {
	lines := make([]string, 0, len(keys))
	for _, k := range keys {
		lines = append(lines, knownhosts.Line([]string{knownhosts.Normalize(host)}, k.Signer.PublicKey()))
	}
	return lines
}

// Digest identifies the public host identity in dir. Only public keys are
// hashed.
func Digest(dir string) (string, error) {
	keys, err := Load(dir)
	if err != nil {
		return "", err
	}
	h := sha256.New()
	for _, k := range keys {
		fmt.Fprintf(h, "%s %s\n", k.Algorithm, strings.TrimSpace(string(ssh.MarshalAuthorizedKey(k.Signer.PublicKey()))))
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}
