package main

import (
	"bytes"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"testing"

	"browsernerd/internal/actions"
	"browsernerd/internal/secrets"
	"browsernerd/internal/storagestate"

	"filippo.io/age"
	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const secretsYAML = `
global:
  api_key: s3cr3t-api
  github_totp_code: GEZDGNBVGY3TQOJQGEZDGNBVGY3TQOJQ
scopes:
  "https://example.com":
    password: hunter2-example
  "*.bank.com":
    pin: "990011"
`

// setup writes a config and secrets file into a temp dir and returns the
// config path.
func setup(t *testing.T, allowed ...string) (dir, configPath string) {
	t.Helper()
	for _, k := range []string{
		"BROWSERNERD_STORAGE_STATE",
		"BROWSERNERD_SECRETS_FILE",
		"BROWSERNERD_DEBUGGER_URL",
		"BROWSERNERD_AGE_IDENTITY",
	} {
		t.Setenv(k, "")
	}

	dir = t.TempDir()
	secretsPath := filepath.Join(dir, "secrets.yaml")
	require.NoError(t, os.WriteFile(secretsPath, []byte(secretsYAML), 0o600))

	var b strings.Builder
	b.WriteString("secrets:\n  file: " + secretsPath + "\n")
	b.WriteString("storage_state:\n  path: " + filepath.Join(dir, "state.json") + "\n")
	if len(allowed) > 0 {
		b.WriteString("browser:\n  allowed_domains:\n")
		for _, a := range allowed {
			b.WriteString("    - \"" + a + "\"\n")
		}
	}
	configPath = filepath.Join(dir, "browsernerd.yaml")
	require.NoError(t, os.WriteFile(configPath, []byte(b.String()), 0o644))
	return dir, configPath
}

// execute runs the root command with args and returns everything written
// to the command's stdout and stderr.
func execute(t *testing.T, stdin string, args ...string) (string, error) {
	t.Helper()
	showCookies, mergeOutput = false, ""
	strictCoverage, totpURL = false, ""
	sealRecipients, sealOutput = nil, ""
	actionsFile, exitAfter = "", false
	fs = afero.NewOsFs()

	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetErr(&out)
	rootCmd.SetIn(strings.NewReader(stdin))
	rootCmd.SetArgs(args)
	err := rootCmd.Execute()
	return out.String(), err
}

func TestSecretsCheck(t *testing.T) {
	_, cfgPath := setup(t, "example.com")

	out, err := execute(t, "", "--config", cfgPath, "secrets", "check")
	require.NoError(t, err)

	assert.Contains(t, out, "api_key")
	assert.Contains(t, out, "password")
	assert.Contains(t, out, "https://example.com")
	assert.Contains(t, out, "*.bank.com  (not covered)")
	for _, v := range []string{"s3cr3t-api", "hunter2-example", "990011", "GEZDGNBV"} {
		assert.NotContains(t, out, v)
	}
}

func TestSecretsCheck_UncoveredScopeInBootLog(t *testing.T) {
	dir, cfgPath := setup(t, "example.com")
	logsDir := filepath.Join(dir, "logs")
	f, err := os.OpenFile(cfgPath, os.O_APPEND|os.O_WRONLY, 0o644)
	require.NoError(t, err)
	_, err = f.WriteString("logging:\n  debug_mode: true\n  logs_dir: " + logsDir + "\n")
	require.NoError(t, err)
	require.NoError(t, f.Close())

	_, err = execute(t, "", "--config", cfgPath, "secrets", "check")
	require.NoError(t, err)

	boot, err := filepath.Glob(filepath.Join(logsDir, "*_boot.log"))
	require.NoError(t, err)
	require.Len(t, boot, 1)
	raw, err := os.ReadFile(boot[0])
	require.NoError(t, err)
	assert.Contains(t, string(raw), "not covered by allowed_domains: *.bank.com")
}

func TestSecretsCheck_Strict(t *testing.T) {
	_, cfgPath := setup(t, "example.com")
	_, err := execute(t, "", "--config", cfgPath, "secrets", "check", "--strict")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not covered")

	_, cfgPath = setup(t, "example.com", "*.bank.com")
	_, err = execute(t, "", "--config", cfgPath, "secrets", "check", "--strict")
	assert.NoError(t, err)
}

func TestSecretsTOTP(t *testing.T) {
	_, cfgPath := setup(t)

	out, err := execute(t, "", "--config", cfgPath, "secrets", "totp", "github_totp_code")
	require.NoError(t, err)
	assert.Regexp(t, regexp.MustCompile(`^\d{6} `), out)

	_, err = execute(t, "", "--config", cfgPath, "secrets", "totp", "api_key")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not a TOTP seed")

	_, err = execute(t, "", "--config", cfgPath, "secrets", "totp", "password")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "--url")
}

func TestSecretsFilter(t *testing.T) {
	_, cfgPath := setup(t)

	out, err := execute(t, "token=s3cr3t-api pw=hunter2-example",
		"--config", cfgPath, "secrets", "filter")
	require.NoError(t, err)
	assert.Equal(t, "token=<secret>api_key</secret> pw=<secret>password</secret>", out)
}

func TestSecretsSeal(t *testing.T) {
	dir, cfgPath := setup(t)
	id, err := age.GenerateX25519Identity()
	require.NoError(t, err)

	_, err = execute(t, "", "--config", cfgPath, "secrets", "seal",
		filepath.Join(dir, "secrets.yaml"), "-r", id.Recipient().String())
	require.NoError(t, err)

	sealedPath := filepath.Join(dir, "secrets.yaml.age")
	raw, err := os.ReadFile(sealedPath)
	require.NoError(t, err)
	assert.NotContains(t, string(raw), "s3cr3t-api")

	store, err := secrets.Load(sealedPath, secrets.LoadOptions{Identity: id.String()})
	require.NoError(t, err)
	assert.Equal(t, []string{"api_key", "github_totp_code", "password", "pin"}, store.Names())
}

func TestSecretsSeal_RejectsBrokenFile(t *testing.T) {
	dir, cfgPath := setup(t)
	bad := filepath.Join(dir, "bad.yaml")
	require.NoError(t, os.WriteFile(bad, []byte("nonsense: {}\n"), 0o600))

	_, err := execute(t, "", "--config", cfgPath, "secrets", "seal", bad, "-r", "age1xyz")
	require.Error(t, err)
	assert.NoFileExists(t, bad+".age")
}

func writeSnapshot(t *testing.T, path string, snap storagestate.Snapshot) {
	t.Helper()
	require.NoError(t, storagestate.WriteFile(afero.NewOsFs(), path, snap))
}

func TestStateShow(t *testing.T) {
	dir, cfgPath := setup(t)
	writeSnapshot(t, filepath.Join(dir, "state.json"), storagestate.Snapshot{
		Cookies: []storagestate.Cookie{
			{Name: "sid", Value: "cookie-value-1", Domain: "example.com", Path: "/", Expires: -1},
			{Name: "old", Value: "cookie-value-2", Domain: "example.com", Path: "/", Expires: 1},
		},
		Origins: []storagestate.OriginStorage{{
			Origin:       "https://example.com",
			LocalStorage: []storagestate.StorageItem{{Name: "theme", Value: "dark"}},
		}},
	})

	out, err := execute(t, "", "--config", cfgPath, "state", "show", "--cookies")
	require.NoError(t, err)
	assert.Contains(t, out, "2 (1 expired)")
	assert.Contains(t, out, "sid example.com/")
	assert.Contains(t, out, "old example.com/  (expired)")
	assert.Contains(t, out, "https://example.com  local=1 session=0")
	assert.NotContains(t, out, "cookie-value")
	assert.NotContains(t, out, "dark")
}

func TestStateShow_Corrupt(t *testing.T) {
	dir, cfgPath := setup(t)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "state.json"), []byte("{not json"), 0o644))

	_, err := execute(t, "", "--config", cfgPath, "state", "show")
	require.Error(t, err)
	assert.ErrorIs(t, err, storagestate.ErrCorruptState)
}

func TestStateMerge(t *testing.T) {
	dir, cfgPath := setup(t)
	base := filepath.Join(dir, "a.json")
	incoming := filepath.Join(dir, "b.json")
	out := filepath.Join(dir, "out.json")

	writeSnapshot(t, base, storagestate.Snapshot{Cookies: []storagestate.Cookie{
		{Name: "a", Value: "1", Domain: "x.com", Path: "/"},
		{Name: "b", Value: "2", Domain: "x.com", Path: "/"},
	}})
	writeSnapshot(t, incoming, storagestate.Snapshot{Cookies: []storagestate.Cookie{
		{Name: "b", Value: "3", Domain: "x.com", Path: "/"},
	}})

	_, err := execute(t, "", "--config", cfgPath, "state", "merge", base, incoming, "-o", out)
	require.NoError(t, err)

	merged, err := storagestate.ReadFile(afero.NewOsFs(), out)
	require.NoError(t, err)
	require.Len(t, merged.Cookies, 2)
	assert.Equal(t, "1", merged.Cookies[0].Value)
	assert.Equal(t, "3", merged.Cookies[1].Value)
	assert.NoFileExists(t, out+".bak", "no previous file to back up")
}

func TestStateMerge_MissingBase(t *testing.T) {
	dir, cfgPath := setup(t)
	incoming := filepath.Join(dir, "b.json")
	writeSnapshot(t, incoming, storagestate.Snapshot{Cookies: []storagestate.Cookie{
		{Name: "b", Value: "3", Domain: "x.com", Path: "/"},
	}})

	base := filepath.Join(dir, "fresh.json")
	_, err := execute(t, "", "--config", cfgPath, "state", "merge", base, incoming)
	require.NoError(t, err)

	merged, err := storagestate.ReadFile(afero.NewOsFs(), base)
	require.NoError(t, err)
	assert.Len(t, merged.Cookies, 1)
}

func TestInvalidConfig(t *testing.T) {
	_, cfgPath := setup(t, "*google.com")
	_, err := execute(t, "", "--config", cfgPath, "state", "show")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "allowed_domains")
}

func TestReadActions(t *testing.T) {
	batch, err := readActions(strings.NewReader(
		`[{"name":"navigate","params":{"url":"https://example.com"}},
		  {"name":"input_text","params":{"selector":"#pw","text":"<secret>password</secret>"}}]`), "-")
	require.NoError(t, err)
	require.Len(t, batch, 2)
	assert.Equal(t, "input_text", batch[1].Name)
	assert.Equal(t, "<secret>password</secret>", batch[1].Params["text"])

	_, err = readActions(strings.NewReader(`[{"params":{}}]`), "-")
	assert.ErrorContains(t, err, "no name")

	_, err = readActions(strings.NewReader(`{`), "-")
	assert.ErrorContains(t, err, "parse actions")
}

func TestPrintResults(t *testing.T) {
	var buf bytes.Buffer
	printResults(&buf, []actions.Result{
		{Action: "input_text", URL: "https://example.com/login", Resolved: []string{"password"}},
		{Action: "input_text", URL: "https://other.com", Unresolved: []string{"password"}},
	})
	out := buf.String()
	assert.Contains(t, out, "filled: password")
	assert.Contains(t, out, "not applicable: password")
}
