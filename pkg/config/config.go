package config

import (
	"os"

	"github.com/pkg/errors"
	"github.com/spf13/afero"
	"gopkg.in/yaml.v3"
)

type DuckDBConnection struct {
	Name string `yaml:"name"`
	Path string `yaml:"path"`
}

type PostgresConnection struct {
	Name     string `yaml:"name"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Database string `yaml:"database"`
	Schema   string `yaml:"schema,omitempty"`
	SSLMode  string `yaml:"ssl_mode,omitempty"`
}

type Connections struct {
	DuckDB   []DuckDBConnection   `yaml:"duckdb,omitempty"`
	Postgres []PostgresConnection `yaml:"postgres,omitempty"`
}

type Config struct {
	fs   afero.Fs
	path string

	DefaultConnection string      `yaml:"default_connection,omitempty"`
	Connections       Connections `yaml:"connections"`
}

// LoadFromFile reads the connection configuration. Values may reference
// environment variables with ${VAR} so secrets stay out of the file.
func LoadFromFile(fs afero.Fs, path string) (*Config, error) {
	content, err := afero.ReadFile(fs, path)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to read the config file at %s", path)
	}

	expanded := os.ExpandEnv(string(content))

	config := Config{fs: fs, path: path}
	if err := yaml.Unmarshal([]byte(expanded), &config); err != nil {
		return nil, errors.Wrap(err, "malformed config file")
	}

	return &config, nil
}

// LoadOrCreate returns the config at the given path, writing a default
// single-connection DuckDB config on first use.
func LoadOrCreate(fs afero.Fs, path string) (*Config, error) {
	exists, err := afero.Exists(fs, path)
	if err != nil {
		return nil, err
	}

	if exists {
		return LoadFromFile(fs, path)
	}

	config := &Config{
		fs:                fs,
		path:              path,
		DefaultConnection: "default",
		Connections: Connections{
			DuckDB: []DuckDBConnection{{Name: "default", Path: "strata.db"}},
		},
	}

	if err := config.Persist(); err != nil {
		return nil, errors.Wrap(err, "failed to write the default config")
	}

	return config, nil
}

func (c *Config) Persist() error {
	content, err := yaml.Marshal(c)
	if err != nil {
		return err
	}

	return afero.WriteFile(c.fs, c.path, content, 0o644)
}
