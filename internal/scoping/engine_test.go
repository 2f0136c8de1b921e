package scoping

import (
	"strings"
	"testing"
	"time"

	"browsernerd/internal/secrets"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

// RFC 6238 appendix B SHA1 seed ("12345678901234567890" in base32).
const rfcSeed = "GEZDGNBVGY3TQOJQGEZDGNBVGY3TQOJQ"

func exampleStore() *secrets.Store {
	return secrets.NewScoped(map[string]map[string]string{
		"https://example.com": {"username": "alice", "password": "p@ss"},
	})
}

func TestResolveInbound_InScope(t *testing.T) {
	e := New(exampleStore())
	res := e.ResolveInbound("<secret>username</secret>:<secret>password</secret>", "https://example.com/login")
	assert.Equal(t, "alice:p@ss", res.Text)
	assert.Equal(t, []string{"password", "username"}, res.Resolved)
	assert.Empty(t, res.Unresolved)
}

func TestResolveInbound_OutOfScope(t *testing.T) {
	e := New(exampleStore())
	in := "<secret>username</secret>:<secret>password</secret>"
	res := e.ResolveInbound(in, "https://other.com")
	assert.Equal(t, in, res.Text)
	assert.Equal(t, []string{"password", "username"}, res.Unresolved)

	assert.Equal(t, in, e.ResolveInbound(in, "").Text)
	assert.Equal(t, in, e.ResolveInbound(in, "about:blank").Text)
}

func TestResolveInbound_PartiallyApplicable(t *testing.T) {
	e := New(secrets.NewScoped(map[string]map[string]string{
		"https://example.com": {"username": "alice"},
	}))
	res := e.ResolveInbound("<secret>username</secret>:<secret>password</secret>", "https://example.com")
	assert.Equal(t, "alice:<secret>password</secret>", res.Text)
	assert.Equal(t, []string{"password"}, res.Unresolved)
}

func TestResolveInbound_UnresolvedLogsNamesOnly(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	e := New(exampleStore(), WithLogger(zap.New(core)))

	e.ResolveInbound("<secret>password</secret>", "https://other.com")
	require.Equal(t, 1, logs.Len())
	entry := logs.All()[0]
	assert.Equal(t, []interface{}{"password"}, entry.ContextMap()["secrets"])
	for _, f := range entry.Context {
		assert.NotContains(t, f.String, "p@ss")
	}
}

func TestResolveInbound_TOTP(t *testing.T) {
	store := secrets.New(nil, []secrets.Scope{{
		Pattern: "github.com",
		Entries: []secrets.Entry{secrets.NewEntry("github_totp_code", rfcSeed)},
	}})
	e := New(store, WithClock(func() time.Time { return time.Unix(59, 0) }))

	res := e.ResolveInbound("code=<secret>github_totp_code</secret>", "https://github.com/sessions/two-factor")
	assert.Equal(t, "code=287082", res.Text)

	res = e.ResolveInbound("<secret>github_totp_code</secret>", "https://gitlab.com")
	assert.Equal(t, "<secret>github_totp_code</secret>", res.Text)
}

func TestResolveInbound_BadTOTPSeedFailsClosed(t *testing.T) {
	store := secrets.New([]secrets.Entry{{Name: "otp", Value: "not base32!", IsTOTPSeed: true}}, nil)
	core, logs := observer.New(zapcore.WarnLevel)
	e := New(store, WithLogger(zap.New(core)))

	res := e.ResolveInbound("<secret>otp</secret>", "https://example.com")
	assert.Equal(t, "<secret>otp</secret>", res.Text)
	assert.Equal(t, []string{"otp"}, res.Unresolved)
	assert.Equal(t, 1, logs.Len())
}

func TestResolveInbound_ExplicitFlagNotName(t *testing.T) {
	store := secrets.New([]secrets.Entry{{Name: "backup_totp_code_note", Value: "keep me", IsTOTPSeed: false}}, nil)
	e := New(store)
	assert.Equal(t, "keep me", e.ResolveInbound("<secret>backup_totp_code_note</secret>", "").Text)
}

func TestFilterOutbound(t *testing.T) {
	e := New(secrets.New(
		[]secrets.Entry{secrets.NewEntry("api_key", "sk-123")},
		[]secrets.Scope{
			{Pattern: "a.com", Entries: []secrets.Entry{secrets.NewEntry("password", "hunter2")}},
			{Pattern: "b.com", Entries: []secrets.Entry{secrets.NewEntry("password_long", "hunter2hunter2")}},
			{Pattern: "c.com", Entries: []secrets.Entry{secrets.NewEntry("empty", "")}},
		},
	))

	got := e.FilterOutbound("key sk-123, pw hunter2hunter2 and hunter2")
	assert.Equal(t,
		"key <secret>api_key</secret>, pw <secret>password_long</secret> and <secret>password</secret>",
		got)
	assert.Equal(t, "nothing here", e.FilterOutbound("nothing here"))
	assert.Equal(t, "", e.FilterOutbound(""))
}

func TestFilterOutbound_EmptyStore(t *testing.T) {
	e := New(secrets.New(nil, nil))
	assert.Equal(t, "p@ss", e.FilterOutbound("p@ss"))
}

func TestFilterOutbound_NoLiteralLeaks(t *testing.T) {
	values := map[string]string{
		"a": "Tr0ub4dor&3",
		"b": "Tr0ub4dor",
		"c": "xyzzy-42",
		"d": "42-xyzzy-42",
	}
	e := New(secrets.NewGlobal(values))

	texts := []string{
		"Tr0ub4dor&3",
		"Tr0ub4dorTr0ub4dor&3Tr0ub4dor",
		"prefix 42-xyzzy-42-xyzzy-42 suffix",
		"xyzzy-42xyzzy-42",
	}
	for _, text := range texts {
		out := e.FilterOutbound(text)
		for _, v := range values {
			assert.NotContains(t, out, v, "text %q", text)
		}
	}
}

func TestRoundTrip(t *testing.T) {
	store := secrets.New(
		[]secrets.Entry{secrets.NewEntry("api_key", "sk-live-999")},
		[]secrets.Scope{
			{Pattern: "*.example.com", Entries: []secrets.Entry{
				secrets.NewEntry("username", "alice@example.com"),
				secrets.NewEntry("password", "correct horse"),
			}},
			{Pattern: "bank.com", Entries: []secrets.Entry{secrets.NewEntry("pin", "8642")}},
		},
	)
	e := New(store)
	original := "login alice@example.com / correct horse, key sk-live-999, pin 8642"
	filtered := e.FilterOutbound(original)
	for _, v := range []string{"alice@example.com", "correct horse", "sk-live-999", "8642"} {
		assert.NotContains(t, filtered, v)
	}

	res := e.ResolveInbound(filtered, "https://www.example.com")
	assert.Equal(t, "login alice@example.com / correct horse, key sk-live-999, pin <secret>pin</secret>", res.Text)
	assert.Equal(t, []string{"pin"}, res.Unresolved)

	res = e.ResolveInbound(filtered, "https://bank.com")
	assert.Equal(t, "login <secret>username</secret> / <secret>password</secret>, key sk-live-999, pin 8642", res.Text)
}

func TestResolveParams(t *testing.T) {
	e := New(exampleStore())
	params := map[string]any{
		"index": 12,
		"text":  "<secret>password</secret>",
		"clear": true,
		"nested": map[string]any{
			"list":  []any{"<secret>username</secret>", 3.5, nil},
			"other": "<secret>api_key</secret>",
		},
		"<secret>username</secret>": "key untouched",
	}

	out, res := e.ResolveParams(params, "https://example.com/login")
	want := map[string]any{
		"index": 12,
		"text":  "p@ss",
		"clear": true,
		"nested": map[string]any{
			"list":  []any{"alice", 3.5, nil},
			"other": "<secret>api_key</secret>",
		},
		"<secret>username</secret>": "key untouched",
	}
	if diff := cmp.Diff(want, out); diff != "" {
		t.Errorf("ResolveParams mismatch (-want +got):\n%s", diff)
	}
	assert.Equal(t, []string{"password", "username"}, res.Resolved)
	assert.Equal(t, []string{"api_key"}, res.Unresolved)

	// Input is left untouched.
	assert.Equal(t, "<secret>password</secret>", params["text"])
}

func TestGenerateTOTP(t *testing.T) {
	cases := []struct {
		unix int64
		want string
	}{
		{59, "287082"},
		{1111111109, "081804"},
		{1234567890, "005924"},
	}
	for _, tc := range cases {
		code, err := GenerateTOTP(rfcSeed, time.Unix(tc.unix, 0))
		require.NoError(t, err)
		assert.Equal(t, tc.want, code)
	}

	a, err := GenerateTOTP(strings.ToLower(rfcSeed), time.Unix(60, 0))
	require.NoError(t, err)
	b, err := GenerateTOTP(rfcSeed, time.Unix(89, 0))
	require.NoError(t, err)
	assert.Equal(t, a, b, "same 30s window")
	assert.Len(t, a, 6)

	_, err = GenerateTOTP("", time.Now())
	assert.Error(t, err)
	_, err = GenerateTOTP("!!!", time.Now())
	assert.Error(t, err)
}
