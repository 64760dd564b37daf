// Package keyring wraps OpenPGP detached-signature verification for
// package manifests. It does not reimplement any cryptographic
// primitive; it only tracks which keys are known to it and at what
// confidence, and reports that confidence back as a TrustLevel.
package keyring

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/ProtonMail/gopenpgp/v2/crypto"

	"github.com/limba-pkg/limba/internal/httputil"
)

const (
	// MaxKeySize is the maximum allowed size for a fetched PGP public key.
	MaxKeySize = 100 * 1024

	// KeyFetchTimeout bounds a key fetch over HTTP.
	KeyFetchTimeout = 30 * time.Second
)

// TrustLevel ranks how confident the Keyring is in a signature's signer.
type TrustLevel int

const (
	// TrustNone means the signature did not verify against any key the
	// Keyring holds.
	TrustNone TrustLevel = iota
	// TrustLow means the signature verified against a key observed on
	// first use (trust-on-first-use); its fingerprint was never
	// independently confirmed.
	TrustLow
	// TrustMedium means the signature verified against a key fetched
	// fresh and matched against a caller-supplied expected fingerprint,
	// but the key is not locally pinned.
	TrustMedium
	// TrustHigh means the signature verified against a key loaded from
	// the local trusted-key directory.
	TrustHigh
)

// String returns a lowercase label for the trust level, suitable for
// log lines and CLI output.
func (t TrustLevel) String() string {
	switch t {
	case TrustHigh:
		return "high"
	case TrustMedium:
		return "medium"
	case TrustLow:
		return "low"
	default:
		return "none"
	}
}

// ManifestEntry is one line of a verified manifest: the SHA-256 digest
// of a file paired with its path relative to the bundle root.
type ManifestEntry struct {
	SHA256 string
	Path   string
}

type namedKey struct {
	fingerprint string
	key         *crypto.Key
}

// Keyring holds the keys used to verify bundle and repository
// signatures, split by how much confidence each key carries.
type Keyring struct {
	mu sync.RWMutex

	trustedKeyDir string
	trusted       []namedKey // loaded from trustedKeyDir at New(); always TrustHigh
	known         []namedKey // added via AddKnownKey; TrustMedium
	observed      []namedKey // added via AddObservedKey; TrustLow
}

// New creates a Keyring, loading every armored key found directly under
// trustedKeyDir (files named "<fingerprint>.asc", same layout as
// actions.PGPKeyCache's cache directory). A missing or unreadable
// directory yields an empty trusted set rather than an error: an
// operator who hasn't pinned any keys yet should still be able to
// verify against keys it learns about later.
func New(trustedKeyDir string) *Keyring {
	k := &Keyring{trustedKeyDir: trustedKeyDir}

	entries, err := os.ReadDir(trustedKeyDir)
	if err != nil {
		return k
	}

	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".asc") {
			continue
		}
		data, err := os.ReadFile(filepath.Join(trustedKeyDir, entry.Name()))
		if err != nil {
			continue
		}
		key, err := crypto.NewKeyFromArmored(string(data))
		if err != nil {
			continue
		}
		k.trusted = append(k.trusted, namedKey{
			fingerprint: strings.ToUpper(key.GetFingerprint()),
			key:         key,
		})
	}

	return k
}

// AddKnownKey registers an armored key whose fingerprint has been
// independently confirmed against expectedFingerprint (e.g. one pulled
// from a repository's source configuration), without pinning it in the
// trusted-key directory. Signatures from this key verify at
// TrustMedium. Returns the key's normalized fingerprint.
func (k *Keyring) AddKnownKey(armoredKey, expectedFingerprint string) (string, error) {
	key, fingerprint, err := parseAndMatch(armoredKey, expectedFingerprint)
	if err != nil {
		return "", err
	}
	k.mu.Lock()
	k.known = append(k.known, namedKey{fingerprint: fingerprint, key: key})
	k.mu.Unlock()
	return fingerprint, nil
}

// AddObservedKey registers an armored key seen for the first time, with
// no independent fingerprint to confirm it against (trust-on-first-use).
// Signatures from this key verify at TrustLow. Returns the key's
// normalized fingerprint.
func (k *Keyring) AddObservedKey(armoredKey string) (string, error) {
	key, err := crypto.NewKeyFromArmored(armoredKey)
	if err != nil {
		return "", fmt.Errorf("keyring: parse observed key: %w", err)
	}
	fingerprint := strings.ToUpper(key.GetFingerprint())
	k.mu.Lock()
	k.observed = append(k.observed, namedKey{fingerprint: fingerprint, key: key})
	k.mu.Unlock()
	return fingerprint, nil
}

func parseAndMatch(armoredKey, expectedFingerprint string) (*crypto.Key, string, error) {
	key, err := crypto.NewKeyFromArmored(armoredKey)
	if err != nil {
		return nil, "", fmt.Errorf("keyring: parse key: %w", err)
	}
	fingerprint := strings.ToUpper(key.GetFingerprint())
	expected := strings.ToUpper(strings.ReplaceAll(expectedFingerprint, " ", ""))
	if fingerprint != expected {
		return nil, "", fmt.Errorf("keyring: key fingerprint mismatch: expected %s, got %s", expected, fingerprint)
	}
	return key, fingerprint, nil
}

// FetchKey downloads an armored key from keyURL, bounding the response
// to MaxKeySize, for the caller to hand to AddKnownKey or
// AddObservedKey. It does not itself validate the fingerprint.
func FetchKey(ctx context.Context, keyURL string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, KeyFetchTimeout)
	defer cancel()

	client := httputil.NewSecureClient(httputil.ClientOptions{Timeout: KeyFetchTimeout})

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, keyURL, nil)
	if err != nil {
		return "", fmt.Errorf("keyring: build key request: %w", err)
	}

	resp, err := client.Do(req)
	if err != nil {
		return "", fmt.Errorf("keyring: fetch key from %s: %w", keyURL, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("keyring: fetch key: HTTP %d", resp.StatusCode)
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, MaxKeySize+1))
	if err != nil {
		return "", fmt.Errorf("keyring: read key: %w", err)
	}
	if len(data) > MaxKeySize {
		return "", fmt.Errorf("keyring: key exceeds maximum size of %d bytes", MaxKeySize)
	}

	return string(data), nil
}

// VerifyDetached verifies an armored (or raw binary) detached signature
// over cleartext against every key the Keyring holds, trusted keys
// first, then known keys, then observed keys. It returns the trust
// level of whichever key verified and that key's fingerprint, or
// TrustNone with an error if no key verifies.
func (k *Keyring) VerifyDetached(cleartext, signature []byte) (TrustLevel, string, error) {
	sig, err := crypto.NewPGPSignatureFromArmored(string(signature))
	if err != nil {
		sig = crypto.NewPGPSignature(signature)
	}
	message := crypto.NewPlainMessage(cleartext)

	k.mu.RLock()
	defer k.mu.RUnlock()

	if fp, ok := verifyAgainst(message, sig, k.trusted); ok {
		return TrustHigh, fp, nil
	}
	if fp, ok := verifyAgainst(message, sig, k.known); ok {
		return TrustMedium, fp, nil
	}
	if fp, ok := verifyAgainst(message, sig, k.observed); ok {
		return TrustLow, fp, nil
	}

	return TrustNone, "", fmt.Errorf("keyring: signature did not verify against any known key")
}

func verifyAgainst(message *crypto.PlainMessage, sig *crypto.PGPSignature, keys []namedKey) (string, bool) {
	for _, nk := range keys {
		keyRing, err := crypto.NewKeyRing(nk.key)
		if err != nil {
			continue
		}
		if err := keyRing.VerifyDetached(message, sig, 0); err == nil {
			return nk.fingerprint, true
		}
	}
	return "", false
}

// ParseManifestLines splits verified manifest cleartext into hash/path
// pairs. Each non-blank line is "<hex-sha256>\t<relative-path>"; blank
// lines (including a trailing one) are skipped.
func ParseManifestLines(cleartext []byte) ([]ManifestEntry, error) {
	var entries []ManifestEntry

	for i, line := range strings.Split(string(cleartext), "\n") {
		line = strings.TrimRight(line, "\r")
		if line == "" {
			continue
		}
		sha, path, ok := strings.Cut(line, "\t")
		if !ok {
			return nil, fmt.Errorf("keyring: manifest line %d: missing tab separator", i+1)
		}
		if len(sha) != 64 {
			return nil, fmt.Errorf("keyring: manifest line %d: expected 64-character SHA-256 digest, got %d characters", i+1, len(sha))
		}
		if path == "" {
			return nil, fmt.Errorf("keyring: manifest line %d: empty path", i+1)
		}
		entries = append(entries, ManifestEntry{SHA256: strings.ToLower(sha), Path: path})
	}

	return entries, nil
}
