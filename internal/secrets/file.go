package secrets

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/afero"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"
)

// File layout:
//
//	global:
//	  api_key: "abc"
//	  github_totp_code: {value: "JBSWY3DPEHPK3PXP", totp: true}
//	scopes:
//	  "https://example.com":
//	    username: alice
//	    password: {env: EXAMPLE_PASSWORD}
//
// Scopes keep their declaration order, which decides precedence when two
// applicable scopes define the same name.
type fileEntry struct {
	Value string `yaml:"value"`
	Env   string `yaml:"env"`
	TOTP  *bool  `yaml:"totp"`
}

// LoadOptions controls how a secrets file is read.
type LoadOptions struct {
	// Identity is an age identity (AGE-SECRET-KEY-1...) used for *.age files.
	Identity string
	// IdentityFile is a file holding age identities.
	IdentityFile string
	// KeyringService/KeyringUser locate an age identity in the OS keyring.
	KeyringService string
	KeyringUser    string

	Logger *zap.Logger
	// Getenv resolves {env: NAME} entries. Defaults to os.Getenv.
	Getenv func(string) string
	// Fs reads the secrets and identity files. Defaults to the OS filesystem.
	Fs afero.Fs
}

func (o LoadOptions) fs() afero.Fs {
	if o.Fs == nil {
		return afero.NewOsFs()
	}
	return o.Fs
}

// Load reads a secrets file. Files ending in .age are decrypted first.
func Load(path string, opts LoadOptions) (*Store, error) {
	data, err := afero.ReadFile(opts.fs(), path)
	if err != nil {
		return nil, fmt.Errorf("read secrets file: %w", err)
	}
	if strings.HasSuffix(path, ".age") {
		identities, err := resolveIdentities(opts)
		if err != nil {
			return nil, err
		}
		data, err = decrypt(data, identities)
		if err != nil {
			return nil, fmt.Errorf("decrypt %s: %w", path, err)
		}
	}
	return Parse(data, opts)
}

// Parse decodes the YAML secrets layout into a Store.
func Parse(data []byte, opts LoadOptions) (*Store, error) {
	getenv := opts.Getenv
	if getenv == nil {
		getenv = os.Getenv
	}

	var doc yaml.Node
	dec := yaml.NewDecoder(bytes.NewReader(data))
	if err := dec.Decode(&doc); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("parse secrets: %w", err)
	}
	if len(doc.Content) == 0 {
		return New(nil, nil, WithLogger(opts.Logger)), nil
	}
	root := doc.Content[0]
	if root.Kind != yaml.MappingNode {
		return nil, fmt.Errorf("parse secrets: top level must be a mapping")
	}

	var global []Entry
	var scopes []Scope
	for i := 0; i+1 < len(root.Content); i += 2 {
		key, val := root.Content[i].Value, root.Content[i+1]
		switch key {
		case "global":
			entries, err := decodeEntries(val, getenv)
			if err != nil {
				return nil, fmt.Errorf("global: %w", err)
			}
			global = append(global, entries...)
		case "scopes":
			if val.Kind != yaml.MappingNode {
				return nil, fmt.Errorf("scopes: must be a mapping of pattern to secrets")
			}
			for j := 0; j+1 < len(val.Content); j += 2 {
				pattern := val.Content[j].Value
				entries, err := decodeEntries(val.Content[j+1], getenv)
				if err != nil {
					return nil, fmt.Errorf("scope %q: %w", pattern, err)
				}
				scopes = append(scopes, Scope{Pattern: pattern, Entries: entries})
			}
		default:
			return nil, fmt.Errorf("parse secrets: unknown section %q", key)
		}
	}
	return New(global, scopes, WithLogger(opts.Logger)), nil
}

func decodeEntries(node *yaml.Node, getenv func(string) string) ([]Entry, error) {
	if node.Kind != yaml.MappingNode {
		return nil, fmt.Errorf("must be a mapping of name to secret")
	}
	var out []Entry
	for i := 0; i+1 < len(node.Content); i += 2 {
		name := node.Content[i].Value
		if name == "" {
			return nil, fmt.Errorf("empty secret name")
		}
		val := node.Content[i+1]

		switch val.Kind {
		case yaml.ScalarNode:
			out = append(out, NewEntry(name, val.Value))
		case yaml.MappingNode:
			var fe fileEntry
			if err := val.Decode(&fe); err != nil {
				return nil, fmt.Errorf("secret %q: %w", name, err)
			}
			e := NewEntry(name, fe.Value)
			if fe.Env != "" {
				e.Value = getenv(fe.Env)
				if e.Value == "" {
					return nil, fmt.Errorf("secret %q: environment variable %s is empty", name, fe.Env)
				}
			}
			if fe.TOTP != nil {
				e.IsTOTPSeed = *fe.TOTP
			}
			out = append(out, e)
		default:
			return nil, fmt.Errorf("secret %q: unsupported value", name)
		}
	}
	return out, nil
}
