package secrets

import (
	"os"
	"path/filepath"
	"testing"

	"filippo.io/age"
	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/zalando/go-keyring"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func values(m map[string]Entry) map[string]string {
	out := make(map[string]string, len(m))
	for n, e := range m {
		out[n] = e.Value
	}
	return out
}

func TestResolveApplicable_Scoped(t *testing.T) {
	s := NewScoped(map[string]map[string]string{
		"https://example.com": {"username": "alice", "password": "p@ss"},
	})

	assert.Equal(t, map[string]string{"username": "alice", "password": "p@ss"},
		values(s.ResolveApplicable("https://example.com/login")))
	assert.Empty(t, s.ResolveApplicable("https://other.com"))
	assert.Empty(t, s.ResolveApplicable(""))
	assert.Empty(t, s.ResolveApplicable("about:blank"))
}

func TestResolveApplicable_GlobalAlwaysIncluded(t *testing.T) {
	s := New(
		[]Entry{NewEntry("api_key", "k1")},
		[]Scope{{Pattern: "example.com", Entries: []Entry{NewEntry("username", "alice")}}},
	)

	assert.Equal(t, map[string]string{"api_key": "k1"}, values(s.ResolveApplicable("")))
	assert.Equal(t, map[string]string{"api_key": "k1", "username": "alice"},
		values(s.ResolveApplicable("https://example.com")))
}

func TestResolveApplicable_LastDeclaredScopeWins(t *testing.T) {
	s := New(nil, []Scope{
		{Pattern: "*.example.com", Entries: []Entry{NewEntry("password", "wide")}},
		{Pattern: "https://login.example.com", Entries: []Entry{NewEntry("password", "narrow")}},
	})

	assert.Equal(t, "narrow", s.ResolveApplicable("https://login.example.com")["password"].Value)
	assert.Equal(t, "wide", s.ResolveApplicable("https://api.example.com")["password"].Value)

	reversed := New(nil, []Scope{
		{Pattern: "https://login.example.com", Entries: []Entry{NewEntry("password", "narrow")}},
		{Pattern: "*.example.com", Entries: []Entry{NewEntry("password", "wide")}},
	})
	assert.Equal(t, "wide", reversed.ResolveApplicable("https://login.example.com")["password"].Value)
}

func TestResolveApplicable_ScopedShadowsGlobal(t *testing.T) {
	s := New(
		[]Entry{NewEntry("username", "global-user")},
		[]Scope{{Pattern: "example.com", Entries: []Entry{NewEntry("username", "scoped-user")}}},
	)
	assert.Equal(t, "scoped-user", s.ResolveApplicable("https://example.com")["username"].Value)
	assert.Equal(t, "global-user", s.ResolveApplicable("https://other.com")["username"].Value)
}

func TestNew_UnsafePatternNeverApplies(t *testing.T) {
	core, logs := observer.New(zapcore.WarnLevel)
	s := New(nil, []Scope{{Pattern: "*google.com", Entries: []Entry{NewEntry("password", "x")}}},
		WithLogger(zap.New(core)))

	assert.Equal(t, 1, logs.Len(), "unsafe pattern logged at registration")
	assert.Empty(t, s.ResolveApplicable("https://evilgoogle.com"))
	assert.Empty(t, s.ResolveApplicable("https://google.com"))
	assert.Equal(t, 1, logs.Len(), "no repeated logging on resolution")
}

func TestAll_IncludesEveryScope(t *testing.T) {
	s := New(
		[]Entry{NewEntry("api_key", "k")},
		[]Scope{
			{Pattern: "a.com", Entries: []Entry{NewEntry("password", "pa")}},
			{Pattern: "b.com", Entries: []Entry{NewEntry("password", "pb")}},
		},
	)
	all := s.All()
	require.Len(t, all, 3)
	assert.Equal(t, "api_key", all[0].Name)
	assert.Equal(t, "pa", all[1].Value)
	assert.Equal(t, "pb", all[2].Value)
	assert.Equal(t, []string{"a.com", "b.com"}, s.Patterns())
	assert.Equal(t, []string{"api_key", "password"}, s.Names())
	assert.False(t, s.Empty())
	assert.True(t, New(nil, nil).Empty())
}

func TestHasTOTPMarker(t *testing.T) {
	assert.True(t, NewEntry("github_totp_code", "JBSWY3DPEHPK3PXP").IsTOTPSeed)
	assert.True(t, NewEntry("site_bu_2fa_code", "JBSWY3DPEHPK3PXP").IsTOTPSeed)
	assert.False(t, NewEntry("password", "x").IsTOTPSeed)
}

const sampleFile = `
global:
  api_key: k1
  github_totp_code: {value: JBSWY3DPEHPK3PXP}
  pin_totp_code_hint: {value: "1234", totp: false}
scopes:
  "*.example.com":
    password: wide
  "https://login.example.com":
    username: alice
    password: {env: LOGIN_PASSWORD}
    otp: {value: JBSWY3DPEHPK3PXP, totp: true}
`

func TestParse(t *testing.T) {
	env := map[string]string{"LOGIN_PASSWORD": "from-env"}
	s, err := Parse([]byte(sampleFile), LoadOptions{Getenv: func(k string) string { return env[k] }})
	require.NoError(t, err)

	assert.Equal(t, []string{"*.example.com", "https://login.example.com"}, s.Patterns())

	got := s.ResolveApplicable("https://login.example.com/")
	assert.Equal(t, "from-env", got["password"].Value, "later scope wins")
	assert.Equal(t, "alice", got["username"].Value)
	assert.True(t, got["otp"].IsTOTPSeed)
	assert.True(t, got["github_totp_code"].IsTOTPSeed)
	assert.False(t, got["pin_totp_code_hint"].IsTOTPSeed, "explicit flag overrides naming convention")
}

func TestParse_Errors(t *testing.T) {
	cases := map[string]string{
		"not a mapping":   "- a\n- b\n",
		"unknown section": "other: {}\n",
		"scopes list":     "scopes: [a]\n",
		"missing env":     "global:\n  x: {env: NOPE}\n",
		"nested list":     "global:\n  x: [1, 2]\n",
	}
	for name, doc := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := Parse([]byte(doc), LoadOptions{Getenv: func(string) string { return "" }})
			assert.Error(t, err)
		})
	}

	s, err := Parse(nil, LoadOptions{})
	require.NoError(t, err)
	assert.True(t, s.Empty())
}

func TestLoad_AgeEncrypted(t *testing.T) {
	id, err := age.GenerateX25519Identity()
	require.NoError(t, err)

	sealed, err := Seal([]byte("global:\n  api_key: sealed-value\n"), id.Recipient().String())
	require.NoError(t, err)

	dir := t.TempDir()
	path := filepath.Join(dir, "secrets.yaml.age")
	require.NoError(t, os.WriteFile(path, sealed, 0o600))

	_, err = Load(path, LoadOptions{})
	assert.ErrorIs(t, err, ErrNoIdentity)

	s, err := Load(path, LoadOptions{Identity: id.String()})
	require.NoError(t, err)
	assert.Equal(t, "sealed-value", s.ResolveApplicable("")["api_key"].Value)

	idFile := filepath.Join(dir, "key.txt")
	require.NoError(t, os.WriteFile(idFile, []byte(id.String()+"\n"), 0o600))
	s, err = Load(path, LoadOptions{IdentityFile: idFile})
	require.NoError(t, err)
	assert.Equal(t, "sealed-value", s.ResolveApplicable("")["api_key"].Value)

	other, err := age.GenerateX25519Identity()
	require.NoError(t, err)
	_, err = Load(path, LoadOptions{Identity: other.String()})
	assert.Error(t, err)
}

func TestLoad_FromFs(t *testing.T) {
	id, err := age.GenerateX25519Identity()
	require.NoError(t, err)
	sealed, err := Seal([]byte("global:\n  api_key: in-memory\n"), id.Recipient().String())
	require.NoError(t, err)

	fs := afero.NewMemMapFs()
	require.NoError(t, afero.WriteFile(fs, "/cfg/secrets.yaml", []byte("global:\n  api_key: plain\n"), 0o600))
	require.NoError(t, afero.WriteFile(fs, "/cfg/secrets.yaml.age", sealed, 0o600))
	require.NoError(t, afero.WriteFile(fs, "/cfg/key.txt", []byte(id.String()+"\n"), 0o600))

	s, err := Load("/cfg/secrets.yaml", LoadOptions{Fs: fs})
	require.NoError(t, err)
	assert.Equal(t, "plain", s.ResolveApplicable("")["api_key"].Value)

	s, err = Load("/cfg/secrets.yaml.age", LoadOptions{Fs: fs, IdentityFile: "/cfg/key.txt"})
	require.NoError(t, err)
	assert.Equal(t, "in-memory", s.ResolveApplicable("")["api_key"].Value)

	_, err = Load("/cfg/missing.yaml", LoadOptions{Fs: fs})
	assert.Error(t, err)
}

func TestLoad_AgeIdentityFromKeyring(t *testing.T) {
	keyring.MockInit()

	id, err := age.GenerateX25519Identity()
	require.NoError(t, err)
	require.NoError(t, keyring.Set("browsernerd", "age", id.String()))

	sealed, err := Seal([]byte("global:\n  api_key: from-keyring\n"), id.Recipient().String())
	require.NoError(t, err)
	path := filepath.Join(t.TempDir(), "secrets.age")
	require.NoError(t, os.WriteFile(path, sealed, 0o600))

	s, err := Load(path, LoadOptions{KeyringService: "browsernerd", KeyringUser: "age"})
	require.NoError(t, err)
	assert.Equal(t, "from-keyring", s.ResolveApplicable("")["api_key"].Value)

	_, err = Load(path, LoadOptions{KeyringService: "browsernerd", KeyringUser: "missing"})
	assert.ErrorIs(t, err, ErrNoIdentity)
}

func TestCheckCoverage(t *testing.T) {
	s := New(nil, []Scope{
		{Pattern: "https://example.com", Entries: []Entry{NewEntry("u", "v")}},
		{Pattern: "*.bank.com", Entries: []Entry{NewEntry("p", "q")}},
	})

	core, logs := observer.New(zapcore.WarnLevel)
	uncovered := CheckCoverage(s, []string{"example.com"}, zap.New(core))
	assert.Equal(t, []string{"*.bank.com"}, uncovered)
	require.Equal(t, 1, logs.Len())
	assert.Equal(t, "*.bank.com", logs.All()[0].ContextMap()["pattern"])

	core, logs = observer.New(zapcore.WarnLevel)
	assert.Nil(t, CheckCoverage(s, nil, zap.New(core)))
	require.Equal(t, 1, logs.Len())
	assert.Equal(t, zapcore.ErrorLevel, logs.All()[0].Level)

	assert.Nil(t, CheckCoverage(New(nil, nil), nil, nil))
}

func TestCheckCoverage_WildcardDoesNotCoverApex(t *testing.T) {
	s := New(nil, []Scope{
		{Pattern: "bank.com", Entries: []Entry{NewEntry("p", "q")}},
		{Pattern: "https://login.bank.com", Entries: []Entry{NewEntry("p", "r")}},
	})
	uncovered := CheckCoverage(s, []string{"*.bank.com"}, nil)
	assert.Equal(t, []string{"bank.com"}, uncovered)
}
