package main

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"
)

// options is the merged result of the config file and flags.
type options struct {
	Socket       string
	TCP          string
	PID          int
	Name         string
	Capabilities []string
	Lenient      bool
	LogLevel     string
	Color        string
	Timeout      time.Duration
	Watch        []string
	Args         []string
	ArgsJSON     string
	ArgsFile     string
}

func defaultOptions() options {
	return options{
		LogLevel: "warn",
		Color:    "auto",
		Timeout:  30 * time.Second,
	}
}

// qmpctl.toml (or .yaml) key mapping.
type fileConfig struct {
	Socket       string   `toml:"socket" yaml:"socket"`
	TCP          string   `toml:"tcp" yaml:"tcp"`
	Name         string   `toml:"name" yaml:"name"`
	Capabilities []string `toml:"capabilities" yaml:"capabilities"`
	Lenient      bool     `toml:"lenient" yaml:"lenient"`
	LogLevel     string   `toml:"log_level" yaml:"log_level"`
	Color        string   `toml:"color" yaml:"color"`
	Timeout      string   `toml:"timeout" yaml:"timeout"`
}

// loadConfigFile overlays the keys present in path onto opts. Files ending
// in .yaml or .yml are read as YAML, anything else as TOML.
func loadConfigFile(path string, opts *options) error {
	var raw fileConfig
	var isDefined func(key string) bool

	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		b, err := os.ReadFile(path)
		if err != nil {
			return fmt.Errorf("load qmpctl config: %w", err)
		}
		var keys map[string]any
		if err := yaml.Unmarshal(b, &keys); err != nil {
			return fmt.Errorf("load qmpctl config: %w", err)
		}
		if err := yaml.Unmarshal(b, &raw); err != nil {
			return fmt.Errorf("load qmpctl config: %w", err)
		}
		isDefined = func(key string) bool {
			_, ok := keys[key]
			return ok
		}
	default:
		meta, err := toml.DecodeFile(path, &raw)
		if err != nil {
			return fmt.Errorf("load qmpctl config: %w", err)
		}
		isDefined = func(key string) bool { return meta.IsDefined(key) }
	}

	if isDefined("socket") {
		opts.Socket = strings.TrimSpace(raw.Socket)
	}
	if isDefined("tcp") {
		opts.TCP = strings.TrimSpace(raw.TCP)
	}
	if isDefined("name") {
		opts.Name = strings.TrimSpace(raw.Name)
	}
	if isDefined("capabilities") {
		opts.Capabilities = raw.Capabilities
	}
	if isDefined("lenient") {
		opts.Lenient = raw.Lenient
	}
	if isDefined("log_level") {
		opts.LogLevel = strings.TrimSpace(raw.LogLevel)
	}
	if isDefined("color") {
		opts.Color = strings.TrimSpace(raw.Color)
	}
	if isDefined("timeout") {
		d, err := time.ParseDuration(strings.TrimSpace(raw.Timeout))
		if err != nil {
			return fmt.Errorf("load qmpctl config: timeout: %w", err)
		}
		opts.Timeout = d
	}
	return nil
}
