package secrets

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"strings"

	"filippo.io/age"
	"github.com/spf13/afero"
	"github.com/zalando/go-keyring"
)

// ErrNoIdentity is returned when an encrypted secrets file is loaded without
// any way to obtain an age identity.
var ErrNoIdentity = errors.New("no age identity configured for encrypted secrets file")

var keyringGet = keyring.Get

// resolveIdentities collects age identities from, in order, the inline
// identity, the identity file and the OS keyring.
func resolveIdentities(opts LoadOptions) ([]age.Identity, error) {
	var sources []string
	if opts.Identity != "" {
		sources = append(sources, opts.Identity)
	}
	if opts.IdentityFile != "" {
		data, err := afero.ReadFile(opts.fs(), opts.IdentityFile)
		if err != nil {
			return nil, fmt.Errorf("read age identity file: %w", err)
		}
		sources = append(sources, string(data))
	}
	if len(sources) == 0 && opts.KeyringService != "" {
		key, err := keyringGet(opts.KeyringService, opts.KeyringUser)
		if err != nil && !errors.Is(err, keyring.ErrNotFound) {
			return nil, fmt.Errorf("read age identity from keyring: %w", err)
		}
		if key != "" {
			sources = append(sources, key)
		}
	}
	if len(sources) == 0 {
		return nil, ErrNoIdentity
	}

	identities, err := age.ParseIdentities(strings.NewReader(strings.Join(sources, "\n")))
	if err != nil {
		return nil, fmt.Errorf("parse age identity: %w", err)
	}
	return identities, nil
}

func decrypt(ciphertext []byte, identities []age.Identity) ([]byte, error) {
	r, err := age.Decrypt(bytes.NewReader(ciphertext), identities...)
	if err != nil {
		return nil, err
	}
	return io.ReadAll(r)
}

// Seal encrypts a plaintext secrets file to the given age recipients
// (age1... public keys).
func Seal(plaintext []byte, recipients ...string) ([]byte, error) {
	if len(recipients) == 0 {
		return nil, fmt.Errorf("at least one recipient is required")
	}
	parsed := make([]age.Recipient, 0, len(recipients))
	for _, r := range recipients {
		rec, err := age.ParseX25519Recipient(r)
		if err != nil {
			return nil, fmt.Errorf("parse recipient %q: %w", r, err)
		}
		parsed = append(parsed, rec)
	}

	var buf bytes.Buffer
	w, err := age.Encrypt(&buf, parsed...)
	if err != nil {
		return nil, fmt.Errorf("create age encryptor: %w", err)
	}
	if _, err := w.Write(plaintext); err != nil {
		return nil, fmt.Errorf("write plaintext: %w", err)
	}
	if err := w.Close(); err != nil {
		return nil, fmt.Errorf("finalize encryption: %w", err)
	}
	return buf.Bytes(), nil
}
