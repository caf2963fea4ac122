package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
	"github.com/rand/council/internal/council"
	"gopkg.in/yaml.v3"
)

// DataDirEnv overrides the default data directory.
const DataDirEnv = "COUNCIL_DATA_DIR"

// Init loads the configuration for a process started in cwd. An explicit
// path must exist; otherwise the first file found by Paths is used and
// defaults apply when none exists. dataDir and debug override the file.
func Init(cwd, path, dataDir string, debug bool) (*Config, error) {
	if err := godotenv.Load(filepath.Join(cwd, ".env")); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("load .env: %w", err)
	}

	dir := ResolveDataDir(dataDir)
	cfg := Default()
	cfg.Options.DataDirectory = dir

	if path == "" {
		for _, candidate := range Paths(cwd, dir) {
			if _, err := os.Stat(candidate); err == nil {
				path = candidate
				break
			}
		}
	}
	if path != "" {
		if err := cfg.readFile(path); err != nil {
			return nil, err
		}
		slog.Debug("Loaded configuration", "path", path)
	}

	if dataDir != "" || cfg.Options.DataDirectory == "" {
		cfg.Options.DataDirectory = dir
	}
	if debug {
		cfg.Options.Debug = true
	}
	cfg.expandEnv(os.Getenv)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// Paths lists config file candidates in order of precedence.
func Paths(cwd, dataDir string) []string {
	return []string{
		filepath.Join(cwd, ".council.yaml"),
		filepath.Join(cwd, ".council.yml"),
		filepath.Join(cwd, ".council.toml"),
		filepath.Join(dataDir, "config.yaml"),
	}
}

// ResolveDataDir picks the data directory: the explicit value, then
// $COUNCIL_DATA_DIR, then ~/.council.
func ResolveDataDir(explicit string) string {
	if explicit != "" {
		return explicit
	}
	if env := os.Getenv(DataDirEnv); env != "" {
		return env
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return ".council"
	}
	return filepath.Join(home, ".council")
}

func (c *Config) readFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config: %w", err)
	}
	if err := c.decode(path, data); err != nil {
		return fmt.Errorf("parse config %s: %w", path, err)
	}
	c.source = path
	return nil
}

// decode layers a file on top of c. The extension picks the format.
func (c *Config) decode(path string, data []byte) error {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".toml":
		_, err := toml.Decode(string(data), c)
		var parseErr toml.ParseError
		if errors.As(err, &parseErr) {
			return errors.New(parseErr.ErrorWithPosition())
		}
		return err
	case ".yaml", ".yml", "":
		dec := yaml.NewDecoder(bytes.NewReader(data))
		dec.KnownFields(true)
		if err := dec.Decode(c); err != nil && !errors.Is(err, io.EOF) {
			return err
		}
		return nil
	default:
		return fmt.Errorf("unsupported config format %q", filepath.Ext(path))
	}
}

// expandEnv resolves $VAR and ${VAR} references in credentials and endpoints.
func (c *Config) expandEnv(getenv func(string) string) {
	expand := func(s string) string {
		if !strings.Contains(s, "$") {
			return s
		}
		return os.Expand(s, getenv)
	}
	bindings := []*council.Binding{&c.Council.Chairman.Binding, &c.Council.Title, &c.Council.Custom}
	for i := range c.Council.Members {
		bindings = append(bindings, &c.Council.Members[i].Binding)
	}
	for _, b := range bindings {
		b.APIKey, b.BaseURL = expand(b.APIKey), expand(b.BaseURL)
	}
	c.Options.DataDirectory = expand(c.Options.DataDirectory)
	c.Options.LogFile = expand(c.Options.LogFile)
}

// WriteDefault writes the default configuration as YAML, refusing to
// overwrite an existing file.
func WriteDefault(path string) error {
	if _, err := os.Stat(path); err == nil {
		return fmt.Errorf("%s already exists", path)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create config directory: %w", err)
	}

	cfg := Default()
	var buf bytes.Buffer
	buf.WriteString("# Council configuration. API keys fall back to the provider environment\n# variable (OPENROUTER_API_KEY, OPENAI_API_KEY, ...) when empty.\n")
	enc := yaml.NewEncoder(&buf)
	enc.SetIndent(2)
	if err := enc.Encode(cfg); err != nil {
		return fmt.Errorf("encode config: %w", err)
	}
	if err := enc.Close(); err != nil {
		return fmt.Errorf("encode config: %w", err)
	}
	return os.WriteFile(path, buf.Bytes(), 0o600)
}
