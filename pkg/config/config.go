// Package config loads the gateway configuration from YAML with
// environment expansion and built-in defaults.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"text/template"
	"time"

	"dario.cat/mergo"
	"gopkg.in/yaml.v3"
)

var (
	ErrConfigNotFound = errors.New("config file not found")
	ErrInvalidYAML    = errors.New("invalid YAML")
)

// EngineKind selects the adapter implementation for an engine entry.
type EngineKind string

const (
	KindMock  EngineKind = "mock"
	KindStdio EngineKind = "stdio"
	KindHTTP  EngineKind = "http"
)

// ServerConfig is the gateway's listen configuration.
type ServerConfig struct {
	Host      string `yaml:"host"`
	Port      int    `yaml:"port"`
	WSPath    string `yaml:"wsPath"`
	AuthToken string `yaml:"authToken"`
}

func (s ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

// StorageConfig locates the on-disk session store.
type StorageConfig struct {
	UserDataDir string `yaml:"userDataDir"`
}

// EngineConfig describes one backend engine.
type EngineConfig struct {
	Type            string        `yaml:"type"`
	Kind            EngineKind    `yaml:"kind"`
	Command         []string      `yaml:"command"`
	WorkDir         string        `yaml:"workDir"`
	Env             []string      `yaml:"env"`
	Port            int           `yaml:"port"`
	PortSearchRange int           `yaml:"portSearchRange"`
	StartTimeout    time.Duration `yaml:"startTimeout"`
}

// Config is the full gateway configuration.
type Config struct {
	Server  ServerConfig   `yaml:"server"`
	Storage StorageConfig  `yaml:"storage"`
	Engines []EngineConfig `yaml:"engines"`
}

// Default returns the built-in configuration: a local listener and the mock
// engine only.
func Default() *Config {
	userData := ""
	if dir, err := os.UserConfigDir(); err == nil {
		userData = filepath.Join(dir, "agentgate")
	}
	return &Config{
		Server: ServerConfig{
			Host:   "127.0.0.1",
			Port:   8137,
			WSPath: "/ws",
		},
		Storage: StorageConfig{UserDataDir: userData},
		Engines: []EngineConfig{{Type: "mock", Kind: KindMock}},
	}
}

// Load reads a YAML config file, expands {{.ENV_VAR}} references, and
// merges the result over the built-in defaults. An empty path returns the
// defaults unchanged.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s", ErrConfigNotFound, path)
		}
		return nil, err
	}

	var loaded Config
	if err := yaml.Unmarshal(expandEnv(data), &loaded); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidYAML, err)
	}
	if err := mergo.Merge(cfg, loaded, mergo.WithOverride); err != nil {
		return nil, fmt.Errorf("merge config: %w", err)
	}
	if len(loaded.Engines) > 0 {
		cfg.Engines = loaded.Engines
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	seen := make(map[string]bool)
	for i, e := range c.Engines {
		if e.Type == "" {
			return fmt.Errorf("engine %d: type is required", i)
		}
		if seen[e.Type] {
			return fmt.Errorf("engine %q: duplicate type", e.Type)
		}
		seen[e.Type] = true
		switch e.Kind {
		case KindMock:
		case KindStdio:
			if len(e.Command) == 0 {
				return fmt.Errorf("engine %q: stdio engines need a command", e.Type)
			}
		case KindHTTP:
			if e.Port == 0 && len(e.Command) == 0 {
				return fmt.Errorf("engine %q: http engines need a port or a command", e.Type)
			}
		default:
			return fmt.Errorf("engine %q: unknown kind %q", e.Type, e.Kind)
		}
	}
	if c.Storage.UserDataDir == "" {
		return fmt.Errorf("storage.userDataDir is required")
	}
	return nil
}

// expandEnv substitutes {{.VAR}} template references with environment
// values. Template syntax avoids colliding with literal $ in commands and
// tokens; malformed templates pass through untouched for the YAML parser to
// report.
func expandEnv(data []byte) []byte {
	tmpl, err := template.New("config").Option("missingkey=zero").Parse(string(data))
	if err != nil {
		return data
	}
	envMap := make(map[string]string)
	for _, kv := range os.Environ() {
		if idx := bytes.IndexByte([]byte(kv), '='); idx > 0 {
			envMap[kv[:idx]] = kv[idx+1:]
		}
	}
	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, envMap); err != nil {
		return data
	}
	return buf.Bytes()
}
