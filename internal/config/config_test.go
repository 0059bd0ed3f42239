package config

import (
	"encoding/binary"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
	"unicode/utf16"

	"github.com/spf13/pflag"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testKey = "0123456789abcdef0123456789abcdef0123"

// isolate runs the test in an empty directory so no .env or sqlinx.yaml leaks in.
func isolate(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	t.Chdir(dir)
	t.Setenv(SessionKeyEnv, testKey)
	return dir
}

func TestLoad_Defaults(t *testing.T) {
	isolate(t)

	cfg, err := Load("", nil)
	require.NoError(t, err)

	assert.Equal(t, 8080, cfg.Port)
	assert.Equal(t, 10*time.Second, cfg.ConnectTimeout)
	assert.Equal(t, 2*time.Hour, cfg.Session.TTL)
	assert.Equal(t, 10000, cfg.Convert.SampleLimit)
	assert.Equal(t, int64(200<<20), cfg.Upload.MaxBytes())
	assert.Equal(t, 60*time.Second, cfg.AI.Timeout)
	assert.Equal(t, 1000, cfg.AI.MaxTokens)
	assert.InDelta(t, 0.3, cfg.AI.Temperature, 1e-9)
	assert.Equal(t, testKey, cfg.Session.Key)
	assert.True(t, strings.HasSuffix(cfg.DataDir, "sqlinx"))
}

func TestLoad_Precedence(t *testing.T) {
	dir := isolate(t)

	yamlFile := filepath.Join(dir, "custom.yaml")
	require.NoError(t, os.WriteFile(yamlFile, []byte(`
port: 9000
log:
  level: debug
ai:
  model: from-file
  sample_rows: 3
convert:
  sample_limit: 500
`), 0o600))

	t.Setenv("SQLINX_AI_MODEL", "from-env")
	t.Setenv("SQLINX_CONVERT_SAMPLE_LIMIT", "700")

	flags := pflag.NewFlagSet("test", pflag.ContinueOnError)
	flags.Int("port", 8080, "")
	flags.Int("sample-limit", 0, "")
	flags.String("unrelated", "", "")
	require.NoError(t, flags.Parse([]string{"--sample-limit=900", "--unrelated=x"}))

	cfg, err := Load(yamlFile, flags)
	require.NoError(t, err)

	assert.Equal(t, 9000, cfg.Port, "unchanged flag does not override the file")
	assert.Equal(t, "debug", cfg.Log.Level)
	assert.Equal(t, 3, cfg.AI.SampleRows)
	assert.Equal(t, "from-env", cfg.AI.Model)
	assert.Equal(t, 900, cfg.Convert.SampleLimit)
}

func TestLoad_DefaultFileInWorkingDir(t *testing.T) {
	dir := isolate(t)
	require.NoError(t, os.WriteFile(filepath.Join(dir, DefaultFile), []byte("port: 7070\n"), 0o600))

	cfg, err := Load("", nil)
	require.NoError(t, err)
	assert.Equal(t, 7070, cfg.Port)
}

func TestLoad_InvalidValues(t *testing.T) {
	isolate(t)
	t.Setenv("SQLINX_AI_TEMPERATURE", "5")

	_, err := Load("", nil)
	assert.ErrorContains(t, err, "ai.temperature")
}

func TestLoad_GeneratesSessionKey(t *testing.T) {
	dir := isolate(t)
	t.Setenv(SessionKeyEnv, "short")

	cfg, err := Load("", nil)
	require.NoError(t, err)
	assert.GreaterOrEqual(t, len(cfg.Session.Key), minSessionKey)

	saved, err := os.ReadFile(filepath.Join(dir, ".env"))
	require.NoError(t, err)
	assert.Equal(t, SessionKeyEnv+"="+cfg.Session.Key+"\n", string(saved))
}

func TestSaveKeyToEnv_ReplacesExistingKey(t *testing.T) {
	path := filepath.Join(t.TempDir(), ".env")
	require.NoError(t, os.WriteFile(path, []byte("SQLINX_PORT=9000\r\nSQLINX_SESSION_KEY=old\r\n"), 0o600))

	require.NoError(t, saveKeyToEnv(path, "new"))

	saved, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "SQLINX_PORT=9000\nSQLINX_SESSION_KEY=new\n", string(saved))
}

func TestSaveKeyToEnv_UTF16File(t *testing.T) {
	path := filepath.Join(t.TempDir(), ".env")

	u16 := utf16.Encode([]rune("SQLINX_PORT=9000\n"))
	raw := []byte{0xff, 0xfe}
	for _, c := range u16 {
		raw = binary.LittleEndian.AppendUint16(raw, c)
	}
	require.NoError(t, os.WriteFile(path, raw, 0o600))

	require.NoError(t, saveKeyToEnv(path, "k"))

	saved, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "SQLINX_PORT=9000\nSQLINX_SESSION_KEY=k\n", string(saved))
}

func TestEnvKey(t *testing.T) {
	assert.Equal(t, "port", envKey("SQLINX_PORT"))
	assert.Equal(t, "data_dir", envKey("SQLINX_DATA_DIR"))
	assert.Equal(t, "ai.rate_per_minute", envKey("SQLINX_AI_RATE_PER_MINUTE"))
	assert.Equal(t, "session.key", envKey("SQLINX_SESSION_KEY"))
	assert.Equal(t, "log.level", envKey("SQLINX_LOG_LEVEL"))
}
