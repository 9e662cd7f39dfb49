package configuration

import (
	"fmt"
	"io"
	"io/ioutil"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v2"
)

// Configuration is a versioned application configuration. Parameters may be
// set through a yaml file, and some may be overridden through environment
// variables following the scheme FUNDRAISING_<section>_<parameter>.
type Configuration struct {
	// Log supports setting various parameters related to the logging
	// subsystem.
	Log Log `yaml:"log"`

	// Database configures the PostgreSQL connection used by the migration
	// tooling.
	Database Database `yaml:"database"`
}

// Log holds the options related to the logging subsystem.
type Log struct {
	// Level is the granularity at which application logs are emitted. One of
	// "error", "warn", "info" or "debug". Defaults to "info".
	Level string `yaml:"level,omitempty"`

	// Formatter overrides the default formatter with another. Options
	// include "text" and "json". The default is "text".
	Formatter string `yaml:"formatter,omitempty"`
}

// Database holds the PostgreSQL connection parameters.
type Database struct {
	Host     string `yaml:"host,omitempty"`
	Port     int    `yaml:"port,omitempty"`
	User     string `yaml:"user,omitempty"`
	Password string `yaml:"password,omitempty"`
	DBName   string `yaml:"dbname,omitempty"`
	SSLMode  string `yaml:"sslmode,omitempty"`

	// ConnectTimeout is the maximum amount of time to wait while establishing
	// and verifying the database connection.
	ConnectTimeout Duration `yaml:"connecttimeout,omitempty"`

	Pool Pool `yaml:"pool,omitempty"`
}

// Pool holds the connection pool limits.
type Pool struct {
	MaxIdle     int      `yaml:"maxidle,omitempty"`
	MaxOpen     int      `yaml:"maxopen,omitempty"`
	MaxLifetime Duration `yaml:"maxlifetime,omitempty"`
	MaxIdleTime Duration `yaml:"maxidletime,omitempty"`
}

// Duration is a time.Duration that knows how to unmarshal itself from a yaml
// scalar such as "5s" or "10m".
type Duration time.Duration

// UnmarshalYAML implements the yaml.Unmarshaler interface.
func (d *Duration) UnmarshalYAML(unmarshal func(interface{}) error) error {
	var s string
	if err := unmarshal(&s); err != nil {
		return err
	}
	v, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("parsing duration %q: %w", s, err)
	}
	*d = Duration(v)
	return nil
}

// AsDuration returns d as a standard time.Duration.
func (d Duration) AsDuration() time.Duration {
	return time.Duration(d)
}

var logLevels = map[string]struct{}{
	"error": {},
	"warn":  {},
	"info":  {},
	"debug": {},
}

var logFormatters = map[string]struct{}{
	"text": {},
	"json": {},
}

// Parse parses an input configuration yaml document into a Configuration
// struct.
//
// Environment variables may be used to override configuration parameters,
// following the scheme FUNDRAISING_<section>_<parameter>. For example, the
// database password can be set through FUNDRAISING_DATABASE_PASSWORD so it
// does not have to be stored in the configuration file.
func Parse(rd io.Reader) (*Configuration, error) {
	in, err := ioutil.ReadAll(rd)
	if err != nil {
		return nil, err
	}

	config := &Configuration{}
	if err := yaml.UnmarshalStrict(in, config); err != nil {
		return nil, fmt.Errorf("parsing configuration: %w", err)
	}

	if err := applyEnvOverrides(config); err != nil {
		return nil, err
	}
	applyDefaults(config)

	if err := config.validate(); err != nil {
		return nil, err
	}

	return config, nil
}

// ParseFile is a convenience wrapper around Parse for a configuration stored
// on the filesystem.
func ParseFile(path string) (*Configuration, error) {
	fp, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer fp.Close()

	config, err := Parse(fp)
	if err != nil {
		return nil, fmt.Errorf("parsing %s: %w", path, err)
	}

	return config, nil
}

func applyEnvOverrides(config *Configuration) error {
	for _, o := range []struct {
		name  string
		field *string
	}{
		{"FUNDRAISING_LOG_LEVEL", &config.Log.Level},
		{"FUNDRAISING_LOG_FORMATTER", &config.Log.Formatter},
		{"FUNDRAISING_DATABASE_HOST", &config.Database.Host},
		{"FUNDRAISING_DATABASE_USER", &config.Database.User},
		{"FUNDRAISING_DATABASE_PASSWORD", &config.Database.Password},
		{"FUNDRAISING_DATABASE_DBNAME", &config.Database.DBName},
		{"FUNDRAISING_DATABASE_SSLMODE", &config.Database.SSLMode},
	} {
		if v, ok := os.LookupEnv(o.name); ok {
			*o.field = v
		}
	}

	if v, ok := os.LookupEnv("FUNDRAISING_DATABASE_PORT"); ok {
		port, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("parsing FUNDRAISING_DATABASE_PORT: %w", err)
		}
		config.Database.Port = port
	}

	return nil
}

func applyDefaults(config *Configuration) {
	if config.Log.Level == "" {
		config.Log.Level = "info"
	}
	if config.Log.Formatter == "" {
		config.Log.Formatter = "text"
	}
	if config.Database.Port == 0 {
		config.Database.Port = 5432
	}
	if config.Database.SSLMode == "" {
		config.Database.SSLMode = "prefer"
	}
	if config.Database.ConnectTimeout == 0 {
		config.Database.ConnectTimeout = Duration(5 * time.Second)
	}
}

func (config *Configuration) validate() error {
	if _, ok := logLevels[config.Log.Level]; !ok {
		return fmt.Errorf("invalid log level %q", config.Log.Level)
	}
	if _, ok := logFormatters[config.Log.Formatter]; !ok {
		return fmt.Errorf("invalid log formatter %q", config.Log.Formatter)
	}
	if config.Database.Host == "" {
		return fmt.Errorf("database host is required")
	}
	if config.Database.DBName == "" {
		return fmt.Errorf("database dbname is required")
	}
	if config.Database.Port < 1 || config.Database.Port > 65535 {
		return fmt.Errorf("invalid database port %d", config.Database.Port)
	}

	return nil
}
