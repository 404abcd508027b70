// Package config loads settings from an optional YAML file, a .env file and
// CLIP_* environment variables, in increasing order of precedence.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"net"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"
	"github.com/spf13/viper"

	"github.com/renderinc/clip-search/internal/source"
)

const envPrefix = "CLIP"

type LogConfig struct {
	Level  string `mapstructure:"level"`  // trace, debug, info, warn, error
	Format string `mapstructure:"format"` // text, json
}

type ServerConfig struct {
	Host string `mapstructure:"host"`
	Port int    `mapstructure:"port"`
}

type IngestConfig struct {
	BatchSize int `mapstructure:"batch_size"`
	Workers   int `mapstructure:"workers"`
}

type SourceConfig struct {
	Encoding string `mapstructure:"encoding"`
}

// Token grants a bearer token a role and, for non-admins, a project list.
type Token struct {
	Token    string   `mapstructure:"token"`
	Role     string   `mapstructure:"role"`
	Projects []string `mapstructure:"projects"`
}

type AuthConfig struct {
	Tokens []Token `mapstructure:"tokens"`
}

type Config struct {
	DataDir string       `mapstructure:"data_dir"`
	Log     LogConfig    `mapstructure:"log"`
	Server  ServerConfig `mapstructure:"server"`
	Ingest  IngestConfig `mapstructure:"ingest"`
	Source  SourceConfig `mapstructure:"source"`
	Auth    AuthConfig   `mapstructure:"auth"`
}

func Default() *Config {
	return &Config{
		DataDir: "./data",
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
		Server: ServerConfig{
			Host: "localhost",
			Port: 6893,
		},
		Ingest: IngestConfig{
			BatchSize: 1000,
			Workers:   4,
		},
		Source: SourceConfig{
			Encoding: "utf-8",
		},
	}
}

// Load reads the configuration. An empty path looks for clip-search.yaml
// in the working directory and carries on without it.
func Load(path string) (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("load .env: %w", err)
	}

	v := viper.New()
	setDefaults(v, Default())
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("cannot read the file %s: %w", path, err)
		}
	} else {
		v.SetConfigName("clip-search")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		var notFound viper.ConfigFileNotFoundError
		if err := v.ReadInConfig(); err != nil && !errors.As(err, &notFound) {
			return nil, fmt.Errorf("cannot read the config file: %w", err)
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("error reading the config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func setDefaults(v *viper.Viper, d *Config) {
	v.SetDefault("data_dir", d.DataDir)
	v.SetDefault("log.level", d.Log.Level)
	v.SetDefault("log.format", d.Log.Format)
	v.SetDefault("server.host", d.Server.Host)
	v.SetDefault("server.port", d.Server.Port)
	v.SetDefault("ingest.batch_size", d.Ingest.BatchSize)
	v.SetDefault("ingest.workers", d.Ingest.Workers)
	v.SetDefault("source.encoding", d.Source.Encoding)
	v.SetDefault("auth.tokens", []Token{})
}

// Validate rejects settings the rest of the program cannot run with.
func (c *Config) Validate() error {
	var errs []error
	if c.DataDir == "" {
		errs = append(errs, errors.New("data_dir must be set"))
	}
	if _, err := logrus.ParseLevel(c.Log.Level); err != nil {
		errs = append(errs, fmt.Errorf("log.level: %w", err))
	}
	if f := c.Log.Format; f != "text" && f != "json" {
		errs = append(errs, fmt.Errorf("log.format must be text or json, got %q", f))
	}
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		errs = append(errs, fmt.Errorf("server.port out of range: %d", c.Server.Port))
	}
	if c.Ingest.BatchSize <= 0 {
		errs = append(errs, fmt.Errorf("ingest.batch_size must be positive, got %d", c.Ingest.BatchSize))
	}
	if c.Ingest.Workers <= 0 {
		errs = append(errs, fmt.Errorf("ingest.workers must be positive, got %d", c.Ingest.Workers))
	}
	if _, err := source.Decoder(c.Source.Encoding); err != nil {
		errs = append(errs, fmt.Errorf("source.encoding: %w", err))
	}
	for i, t := range c.Auth.Tokens {
		if t.Token == "" {
			errs = append(errs, fmt.Errorf("auth.tokens[%d]: empty token", i))
		}
		if t.Role != "admin" && t.Role != "user" {
			errs = append(errs, fmt.Errorf("auth.tokens[%d]: role must be admin or user, got %q", i, t.Role))
		}
	}
	return errors.Join(errs...)
}

// Addr is the listen address of the HTTP server.
func (c *Config) Addr() string {
	return net.JoinHostPort(c.Server.Host, strconv.Itoa(c.Server.Port))
}

// DBPath is the SQLite file holding the dataset registry and run journal.
func (c *Config) DBPath() string {
	return filepath.Join(c.DataDir, "clip-search.db")
}
