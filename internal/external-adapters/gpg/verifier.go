// Package gpg provides GPG signature verification capabilities.
package gpg

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/ProtonMail/go-crypto/openpgp"
)

// DefaultKeyservers are queried in order when importing keys by ID
var DefaultKeyservers = []string{
	"https://keys.openpgp.org",
	"https://keyserver.ubuntu.com",
}

const (
	maxKeysSize      = 10 * 1024 * 1024
	maxSignatureSize = 64 * 1024
	armorPrefix      = "-----BEGIN PGP SIGNATURE-----"
)

// Verifier checks detached signatures against an in-memory keyring.
// It is not safe for concurrent imports; build one per source.
type Verifier struct {
	keyring    openpgp.EntityList
	httpClient *http.Client
	keyservers []string
}

// Option configures a Verifier
type Option func(*Verifier)

// WithHTTPClient overrides the client used for keys and signatures
func WithHTTPClient(c *http.Client) Option {
	return func(v *Verifier) { v.httpClient = c }
}

// WithKeyservers overrides DefaultKeyservers
func WithKeyservers(servers ...string) Option {
	return func(v *Verifier) { v.keyservers = servers }
}

// NewVerifier creates a new GPG verifier
func NewVerifier(opts ...Option) *Verifier {
	v := &Verifier{
		keyring:    make(openpgp.EntityList, 0),
		httpClient: &http.Client{Timeout: 30 * time.Second},
		keyservers: DefaultKeyservers,
	}
	for _, opt := range opts {
		opt(v)
	}
	return v
}

// ImportKeys fetches each key ID from the configured keyservers. A key is
// only accepted when its fingerprint (or the 16 digit long ID) matches.
func (v *Verifier) ImportKeys(ctx context.Context, keyIDs []string) error {
	if len(keyIDs) == 0 {
		return errors.New("no key IDs provided")
	}

	for _, keyID := range keyIDs {
		keyID = strings.ToUpper(strings.TrimPrefix(strings.TrimSpace(keyID), "0x"))
		if keyID == "" {
			continue
		}
		if err := v.importKey(ctx, keyID); err != nil {
			return err
		}
	}
	return nil
}

func (v *Verifier) importKey(ctx context.Context, keyID string) error {
	lastErr := errors.New("no keyservers configured")
	for _, keyserver := range v.keyservers {
		urls := []string{
			fmt.Sprintf("%s/vks/v1/by-fingerprint/%s", keyserver, keyID),
			fmt.Sprintf("%s/pks/lookup?op=get&search=0x%s", keyserver, keyID),
		}
		for _, url := range urls {
			data, err := v.fetch(ctx, url, maxKeysSize)
			if err != nil {
				lastErr = err
				continue
			}
			keys, err := openpgp.ReadArmoredKeyRing(bytes.NewReader(data))
			if err != nil {
				lastErr = err
				continue
			}
			if !matchesKeyID(keys, keyID) {
				lastErr = fmt.Errorf("no keys found matching fingerprint %s", keyID)
				continue
			}
			v.keyring = append(v.keyring, keys...)
			return nil
		}
	}
	return fmt.Errorf("failed to import key %s from all keyservers: %w", keyID, lastErr)
}

func matchesKeyID(keys openpgp.EntityList, keyID string) bool {
	for _, key := range keys {
		fingerprint := fmt.Sprintf("%X", key.PrimaryKey.Fingerprint)
		if fingerprint == keyID || (len(keyID) >= 16 && strings.HasSuffix(fingerprint, keyID)) {
			return true
		}
	}
	return false
}

// ImportKeysFromURL imports every key in a published KEYS file
func (v *Verifier) ImportKeysFromURL(ctx context.Context, keysURL string) error {
	data, err := v.fetch(ctx, keysURL, maxKeysSize)
	if err != nil {
		return fmt.Errorf("failed to download KEYS file: %w", err)
	}
	keys, err := openpgp.ReadArmoredKeyRing(bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("failed to parse KEYS file: %w", err)
	}
	if len(keys) == 0 {
		return errors.New("no keys found in KEYS file")
	}
	v.keyring = append(v.keyring, keys...)
	return nil
}

// ImportKeyFromFile imports an armored or binary public key file
func (v *Verifier) ImportKeyFromFile(keyPath string) error {
	//nolint:gosec // G304: keyPath comes from the recipe
	data, err := os.ReadFile(keyPath)
	if err != nil {
		return fmt.Errorf("failed to open key file: %w", err)
	}

	keys, err := openpgp.ReadArmoredKeyRing(bytes.NewReader(data))
	if err != nil {
		keys, err = openpgp.ReadKeyRing(bytes.NewReader(data))
		if err != nil {
			return fmt.Errorf("failed to read key: %w", err)
		}
	}
	if len(keys) == 0 {
		return errors.New("no keys found in file")
	}

	v.keyring = append(v.keyring, keys...)
	return nil
}

// VerifySignature downloads a detached signature and checks filePath against it
func (v *Verifier) VerifySignature(ctx context.Context, filePath, sigURL string) error {
	if len(v.keyring) == 0 {
		return errors.New("no GPG keys imported, call ImportKeys first")
	}

	sig, err := v.fetch(ctx, sigURL, maxSignatureSize)
	if err != nil {
		return fmt.Errorf("failed to download signature: %w", err)
	}
	return v.check(filePath, sig)
}

// VerifySignatureFromFile verifies a detached signature from a local file
func (v *Verifier) VerifySignatureFromFile(filePath, sigPath string) error {
	if len(v.keyring) == 0 {
		return errors.New("no GPG keys imported, call ImportKeys first")
	}

	//nolint:gosec // G304: sigPath is next to the downloaded archive
	sig, err := os.ReadFile(sigPath)
	if err != nil {
		return fmt.Errorf("failed to open signature file: %w", err)
	}
	return v.check(filePath, sig)
}

func (v *Verifier) check(filePath string, sig []byte) error {
	if len(sig) < 10 {
		return errors.New("signature file too small to be valid GPG signature")
	}

	//nolint:gosec // G304: filePath is the downloaded archive
	f, err := os.Open(filePath)
	if err != nil {
		return fmt.Errorf("failed to open file: %w", err)
	}
	//nolint:errcheck // Defer close
	defer f.Close()

	if bytes.HasPrefix(bytes.TrimSpace(sig), []byte(armorPrefix)) {
		_, err = openpgp.CheckArmoredDetachedSignature(v.keyring, f, bytes.NewReader(sig), nil)
	} else {
		_, err = openpgp.CheckDetachedSignature(v.keyring, f, bytes.NewReader(sig), nil)
	}
	if err != nil {
		return fmt.Errorf("signature verification failed: %w", err)
	}
	return nil
}

func (v *Verifier) fetch(ctx context.Context, url string, limit int64) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	resp, err := v.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	//nolint:errcheck // Defer close
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%s returned status %d", url, resp.StatusCode)
	}
	return io.ReadAll(io.LimitReader(resp.Body, limit))
}

// GetKeyringSize returns the number of keys in the keyring
func (v *Verifier) GetKeyringSize() int {
	return len(v.keyring)
}

// ClearKeyring clears all imported keys
func (v *Verifier) ClearKeyring() {
	v.keyring = make(openpgp.EntityList, 0)
}
