package config

import (
	"crypto/rand"
	"encoding/base64"
	"encoding/binary"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"
	"unicode/utf16"

	"github.com/adrg/xdg"
	"github.com/joho/godotenv"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/confmap"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/posflag"
	"github.com/knadh/koanf/v2"
	"github.com/spf13/pflag"
)

const (
	EnvPrefix      = "SQLINX_"
	SessionKeyEnv  = EnvPrefix + "SESSION_KEY"
	DefaultFile    = "sqlinx.yaml"
	minSessionKey  = 32
	defaultEnvFile = ".env"
)

// sections are the nested config groups; SQLINX_AI_MODEL maps to ai.model.
var sections = []string{"log", "session", "upload", "convert", "ai"}

// flagKeys maps command-line flag names onto config keys.
var flagKeys = map[string]string{
	"port":            "port",
	"data-dir":        "data_dir",
	"log-dir":         "log.dir",
	"log-level":       "log.level",
	"connect-timeout": "connect_timeout",
	"sample-limit":    "convert.sample_limit",
	"ai-endpoint":     "ai.endpoint",
	"ai-model":        "ai.model",
}

type Config struct {
	Port           int           `koanf:"port"`
	DataDir        string        `koanf:"data_dir"`
	ConnectTimeout time.Duration `koanf:"connect_timeout"`

	Log     LogConfig     `koanf:"log"`
	Session SessionConfig `koanf:"session"`
	Upload  UploadConfig  `koanf:"upload"`
	Convert ConvertConfig `koanf:"convert"`
	AI      AIConfig      `koanf:"ai"`
}

type LogConfig struct {
	Dir   string `koanf:"dir"`
	Level string `koanf:"level"`
}

type SessionConfig struct {
	Key          string        `koanf:"key"`
	TTL          time.Duration `koanf:"ttl"`
	SecureCookie bool          `koanf:"secure_cookie"`
}

type UploadConfig struct {
	MaxMB int64 `koanf:"max_mb"`
}

// MaxBytes is the request body limit for uploads.
func (u UploadConfig) MaxBytes() int64 {
	return u.MaxMB << 20
}

type ConvertConfig struct {
	SampleLimit int `koanf:"sample_limit"`
}

type AIConfig struct {
	Endpoint      string        `koanf:"endpoint"`
	Model         string        `koanf:"model"`
	Timeout       time.Duration `koanf:"timeout"`
	MaxTokens     int           `koanf:"max_tokens"`
	Temperature   float64       `koanf:"temperature"`
	SampleRows    int           `koanf:"sample_rows"`
	RatePerMinute float64       `koanf:"rate_per_minute"`
	Burst         int           `koanf:"burst"`
}

func defaults() map[string]any {
	return map[string]any{
		"port":                  8080,
		"data_dir":              filepath.Join(xdg.CacheHome, "sqlinx"),
		"connect_timeout":       "10s",
		"log.dir":               "logs",
		"log.level":             "info",
		"session.ttl":           "2h",
		"session.secure_cookie": false,
		"upload.max_mb":         200,
		"convert.sample_limit":  10000,
		"ai.endpoint":           "https://api.cohere.com/v2/chat",
		"ai.model":              "command-a-03-2025",
		"ai.timeout":            "60s",
		"ai.max_tokens":         1000,
		"ai.temperature":        0.3,
		"ai.sample_rows":        5,
		"ai.rate_per_minute":    10,
		"ai.burst":              3,
	}
}

// Load reads .env, then layers defaults, the YAML file, SQLINX_ environment
// variables and explicitly set flags, in increasing precedence. A missing or short
// session key is generated and saved to .env.
func Load(cfgFile string, flags *pflag.FlagSet) (*Config, error) {
	// Try loading .env file, but don't fail if it doesn't exist
	_ = godotenv.Load()

	k := koanf.New(".")

	if err := k.Load(confmap.Provider(defaults(), "."), nil); err != nil {
		return nil, fmt.Errorf("load defaults: %w", err)
	}

	if cfgFile == "" {
		if _, err := os.Stat(DefaultFile); err == nil {
			cfgFile = DefaultFile
		}
	}
	if cfgFile != "" {
		if err := k.Load(file.Provider(cfgFile), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("read config file %s: %w", cfgFile, err)
		}
	}

	if err := k.Load(env.Provider(EnvPrefix, ".", envKey), nil); err != nil {
		return nil, fmt.Errorf("load env vars: %w", err)
	}

	if flags != nil {
		if err := k.Load(posflag.ProviderWithFlag(flags, ".", k, func(f *pflag.Flag) (string, any) {
			if !f.Changed {
				return "", nil
			}
			key, ok := flagKeys[f.Name]
			if !ok {
				return "", nil
			}
			return key, posflag.FlagVal(flags, f)
		}), nil); err != nil {
			return nil, fmt.Errorf("load flags: %w", err)
		}
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}

	if len(cfg.Session.Key) < minSessionKey {
		slog.Info(SessionKeyEnv + " not found or too short, generating a new key")
		newKey, err := generateRandomKey(minSessionKey)
		if err != nil {
			return nil, fmt.Errorf("generate session key: %w", err)
		}
		if err := saveKeyToEnv(defaultEnvFile, newKey); err != nil {
			slog.Warn("failed to save generated session key", "file", defaultEnvFile, "error", err)
		} else {
			slog.Info("new session key saved", "file", defaultEnvFile)
		}
		cfg.Session.Key = newKey
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate rejects values the server cannot run with.
func (c *Config) Validate() error {
	switch {
	case c.Port <= 0 || c.Port > 65535:
		return fmt.Errorf("invalid port %d", c.Port)
	case c.DataDir == "":
		return fmt.Errorf("data_dir is required")
	case c.Upload.MaxMB <= 0:
		return fmt.Errorf("upload.max_mb must be positive")
	case c.AI.Temperature < 0 || c.AI.Temperature > 2:
		return fmt.Errorf("ai.temperature %v out of range [0, 2]", c.AI.Temperature)
	}
	return nil
}

// LogValue hides the session key when the config is logged.
func (c Config) LogValue() slog.Value {
	return slog.GroupValue(
		slog.Int("port", c.Port),
		slog.String("data_dir", c.DataDir),
		slog.String("log_level", c.Log.Level),
		slog.Duration("session_ttl", c.Session.TTL),
		slog.Int("sample_limit", c.Convert.SampleLimit),
		slog.String("ai_endpoint", c.AI.Endpoint),
	)
}

func envKey(s string) string {
	key := strings.ToLower(strings.TrimPrefix(s, EnvPrefix))
	for _, section := range sections {
		if rest, ok := strings.CutPrefix(key, section+"_"); ok {
			return section + "." + rest
		}
	}
	return key
}

func generateRandomKey(length int) (string, error) {
	b := make([]byte, length)
	_, err := rand.Read(b)
	if err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(b), nil
}

// saveKeyToEnv writes or replaces the session key line in an env file. Files saved
// as UTF-16LE by Windows editors are rewritten as UTF-8.
func saveKeyToEnv(filename, key string) error {
	line := SessionKeyEnv + "=" + key

	content, err := os.ReadFile(filename)
	if os.IsNotExist(err) {
		return os.WriteFile(filename, []byte(line+"\n"), 0o600)
	} else if err != nil {
		return err
	}

	text := decodeEnvFile(content)

	found := false
	var lines []string
	for _, l := range strings.Split(text, "\n") {
		trimmed := strings.ReplaceAll(strings.TrimSpace(l), "\x00", "")
		switch {
		case strings.HasPrefix(trimmed, SessionKeyEnv+"="):
			lines = append(lines, line)
			found = true
		case trimmed != "":
			lines = append(lines, trimmed)
		}
	}
	if !found {
		lines = append(lines, line)
	}

	return os.WriteFile(filename, []byte(strings.Join(lines, "\n")+"\n"), 0o600)
}

func decodeEnvFile(content []byte) string {
	hasBOM := len(content) >= 2 && content[0] == 0xff && content[1] == 0xfe

	// More than 30% NUL bytes without a BOM is treated as UTF-16LE.
	nulls := 0
	if !hasBOM && len(content) > 10 {
		for _, b := range content {
			if b == 0 {
				nulls++
			}
		}
	}
	implicit := !hasBOM && len(content) > 0 && float64(nulls)/float64(len(content)) > 0.3
	if !hasBOM && !implicit {
		return string(content)
	}

	data := content
	if hasBOM {
		data = content[2:]
	}
	if len(data)%2 != 0 {
		data = data[:len(data)-1]
	}
	u16s := make([]uint16, len(data)/2)
	for i := range u16s {
		u16s[i] = binary.LittleEndian.Uint16(data[i*2:])
	}
	return string(utf16.Decode(u16s))
}
