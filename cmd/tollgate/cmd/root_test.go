package cmd

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewLogger(t *testing.T) {
	var buf bytes.Buffer
	logger, err := newLogger("warn", "json", &buf)
	require.NoError(t, err)
	logger.Info("dropped")
	logger.Warn("kept", "k", "v")

	var line map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &line))
	assert.Equal(t, "kept", line["msg"])
	assert.Equal(t, "tollgate", line["service"])

	buf.Reset()
	logger, err = newLogger("DEBUG", "text", &buf)
	require.NoError(t, err)
	logger.Debug("hello")
	assert.Contains(t, buf.String(), "msg=hello")

	_, err = newLogger("loud", "json", &buf)
	assert.Error(t, err)
	_, err = newLogger("info", "xml", &buf)
	assert.Error(t, err)
}

func TestReadContext(t *testing.T) {
	got, err := readContext("", nil)
	require.NoError(t, err)
	assert.Empty(t, got)

	got, err = readContext(`{"cart":{"id":1}}`, nil)
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"cart": map[string]any{"id": float64(1)}}, got)

	got, err = readContext("-", strings.NewReader(`{"a":true}`))
	require.NoError(t, err)
	assert.Equal(t, true, got["a"])

	path := filepath.Join(t.TempDir(), "ctx.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"b":"x"}`), 0o600))
	got, err = readContext(path, nil)
	require.NoError(t, err)
	assert.Equal(t, "x", got["b"])

	_, err = readContext("-", strings.NewReader(`[1,2]`))
	assert.Error(t, err)
	_, err = readContext(filepath.Join(t.TempDir(), "missing.json"), nil)
	assert.Error(t, err)
}

func TestPickSecretID(t *testing.T) {
	a, b := strings.Repeat("a", 32), strings.Repeat("b", 32)

	got, err := pickSecretID("", []string{a})
	require.NoError(t, err)
	assert.Equal(t, a, got)

	got, err = pickSecretID(b, []string{a, b})
	require.NoError(t, err)
	assert.Equal(t, b, got)

	_, err = pickSecretID("", []string{a, b})
	assert.Error(t, err)
	_, err = pickSecretID("", nil)
	assert.Error(t, err)
	_, err = pickSecretID(strings.Repeat("c", 32), []string{a})
	assert.Error(t, err)
}

const cliSeed = `
entry_points:
  - code: checkout_start
    name: Start

rules:
  - rule_code: welcome
    entry_point: checkout_start
    condition:
      "==": [{var: user.country}, GB]
    actions:
      - type: display_message
        title: Welcome
        content: "Hello {{user.name}}"
`

func run(t *testing.T, args ...string) string {
	t.Helper()
	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetErr(&out)
	rootCmd.SetArgs(args)
	require.NoError(t, rootCmd.Execute(), out.String())
	return out.String()
}

func TestCLI_MigrateSeedEvaluate(t *testing.T) {
	for _, key := range []string{"TG_DATABASE_URL", "TG_REDIS_URL", "TG_HMAC_SECRET_1"} {
		t.Setenv(key, "")
	}
	secretID := strings.Repeat("0", 32)
	t.Setenv("TG_HMAC_SECRET", secretID+":"+base64.StdEncoding.EncodeToString(bytes.Repeat([]byte("k"), 32)))

	dir := t.TempDir()
	dbFlag := "--db-url=sqlite://" + filepath.Join(dir, "tollgate.db")
	seedPath := filepath.Join(dir, "seed.yaml")
	require.NoError(t, os.WriteFile(seedPath, []byte(cliSeed), 0o600))

	out := run(t, "migrate", "up", dbFlag, "--log-level=error")
	assert.Contains(t, out, "applied")

	out = run(t, "migrate", "status", dbFlag, "--log-level=error")
	assert.Contains(t, out, "applied")
	assert.NotContains(t, out, "pending")

	out = run(t, "seed", "--file", seedPath, dbFlag, "--log-level=error")
	assert.Contains(t, out, "entry points: 1")
	assert.Contains(t, out, "rules: 1")

	out = run(t, "evaluate", dbFlag, "--log-level=error",
		"--entry-point", "checkout_start",
		"--context", `{"user":{"country":"GB","name":"Ada"}}`)
	var res struct {
		Success  bool `json:"success"`
		Messages []struct {
			Content string `json:"content"`
		} `json:"messages"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &res), out)
	assert.True(t, res.Success)
	require.Len(t, res.Messages, 1)
	assert.Equal(t, "Hello Ada", res.Messages[0].Content)

	out = run(t, "keys", "issue", "--channel", "web-store", "--name", "storefront", dbFlag, "--log-level=error")
	assert.Contains(t, out, "api_key:    tg-v1-"+secretID)
}
