// Package config loads the YAML configuration of an import run.
//
// A configuration file can name a secrets file (password_config_file) that
// is merged on top of it. Environment variables (optionally from .env files)
// override both.
package config

import (
	"io/ioutil"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
	"github.com/pkg/errors"
	yaml "gopkg.in/yaml.v2"
)

const (
	defaultDBHost        = "localhost"
	defaultDBPort        = 5432
	defaultSSLMode       = "disable"
	defaultSSHPort       = 22
	defaultSSHLocalPort  = 1111
	defaultExecutable    = "osm2pgsql"
	defaultStagingSchema = "osm_staging"
	defaultTargetSchema  = "public"
	defaultPgpassFile    = "~/.pgpass_roadgraph"
	defaultLogLevel      = "info"
)

// DefaultEnvFiles are loaded by LoadEnv when present.
var DefaultEnvFiles = []string{".env", ".env.local"}

type Config struct {
	DB                 DB       `yaml:"db"`
	Importer           Importer `yaml:"importer"`
	Area               Area     `yaml:"area"`
	PasswordConfigFile string   `yaml:"password_config_file"`
	LogLevel           string   `yaml:"log_level" env:"LOG_LEVEL"`

	// Dir is the directory of the loaded config file. Relative paths are
	// resolved against it.
	Dir string `yaml:"-"`
}

type DB struct {
	Host     string `yaml:"db_host" env:"DB_HOST"`
	Port     int    `yaml:"db_server_port" env:"DB_PORT"`
	Name     string `yaml:"db_name" env:"DB_NAME"`
	User     string `yaml:"username" env:"DB_USER"`
	Password string `yaml:"db_password" env:"DB_PASSWORD"`
	SSLMode  string `yaml:"sslmode" env:"DB_SSLMODE"`

	// SSH is nil for direct connections.
	SSH *SSH `yaml:"ssh"`
}

type SSH struct {
	Server               string `yaml:"server" env:"SSH_SERVER"`
	ServerPort           int    `yaml:"server_port" env:"SSH_SERVER_PORT"`
	User                 string `yaml:"server_username" env:"SSH_USER"`
	PrivateKeyPath       string `yaml:"private_key_path" env:"SSH_PRIVATE_KEY_PATH"`
	PrivateKeyPassphrase string `yaml:"private_key_passphrase" env:"SSH_PRIVATE_KEY_PASSPHRASE"`
	KnownHostsFile       string `yaml:"known_hosts_file" env:"SSH_KNOWN_HOSTS_FILE"`
	// Host is the database host as seen from the SSH server.
	Host string `yaml:"host" env:"SSH_REMOTE_HOST"`
	// LocalPort defaults to 1111, a negative value selects an ephemeral
	// port.
	LocalPort int `yaml:"local_port" env:"SSH_LOCAL_PORT"`
}

type Importer struct {
	Executable   string        `yaml:"executable" env:"IMPORTER_EXECUTABLE"`
	InputFile    string        `yaml:"input_file"`
	StyleFile    string        `yaml:"style_file"`
	Schema       string        `yaml:"schema"`
	TargetSchema string        `yaml:"target_schema"`
	Force        bool          `yaml:"force"`
	Pgpass       bool          `yaml:"pgpass"`
	PgpassFile   string        `yaml:"pgpass_file" env:"IMPORTER_PGPASS_FILE"`
	BBox         string        `yaml:"bbox"`
	Timeout      time.Duration `yaml:"timeout"`
	SQLDir       string        `yaml:"sql_dir"`
	DropStaging  bool          `yaml:"drop_staging"`
	Tables       []string      `yaml:"tables"`
}

type Area struct {
	Name        string `yaml:"name"`
	Description string `yaml:"description"`
	// Boundary is a GeoJSON file.
	Boundary string `yaml:"boundary"`
}

// New returns a Config with all defaults set.
func New() *Config {
	return &Config{
		DB: DB{
			Host:    defaultDBHost,
			Port:    defaultDBPort,
			SSLMode: defaultSSLMode,
		},
		Importer: Importer{
			Executable:   defaultExecutable,
			Schema:       defaultStagingSchema,
			TargetSchema: defaultTargetSchema,
			PgpassFile:   defaultPgpassFile,
		},
		LogLevel: defaultLogLevel,
	}
}

// Load reads the config file and the secrets file it references.
func Load(fileName string) (*Config, error) {
	conf := New()
	if err := decodeFile(fileName, conf); err != nil {
		return nil, err
	}
	// absolute, so that a second ExpandPaths does not join it again
	dir, err := filepath.Abs(filepath.Dir(fileName))
	if err != nil {
		return nil, errors.Wrapf(err, "resolving directory of %q", fileName)
	}
	conf.Dir = dir

	if conf.PasswordConfigFile != "" {
		secrets := conf.resolve(conf.PasswordConfigFile)
		// decoding into the same struct only overwrites keys present in
		// the secrets file
		if err := decodeFile(secrets, conf); err != nil {
			return nil, errors.Wrap(err, "reading password config")
		}
	}
	conf.setSSHDefaults()
	conf.ExpandPaths()
	return conf, nil
}

func decodeFile(fileName string, conf *Config) error {
	b, err := ioutil.ReadFile(fileName)
	if err != nil {
		return errors.Wrapf(err, "reading config %q", fileName)
	}
	if err := yaml.Unmarshal(b, conf); err != nil {
		return errors.Wrapf(err, "parsing config %q", fileName)
	}
	return nil
}

// LoadEnv loads all existing files of envFiles into the environment. It
// returns the number of loaded files.
func LoadEnv(envFiles []string) (int, error) {
	existing := make([]string, 0, len(envFiles))
	for _, f := range envFiles {
		if fi, err := os.Stat(f); err == nil && !fi.IsDir() {
			existing = append(existing, f)
		}
	}
	if len(existing) == 0 {
		return 0, nil
	}
	return len(existing), godotenv.Load(existing...)
}

// ApplyEnv overrides values with environment variables (DB_HOST, DB_PORT,
// SSH_SERVER, ...). Unset variables leave the values untouched.
func (c *Config) ApplyEnv() error {
	// nested value structs (DB, Importer) are parsed recursively, the
	// optional SSH section is handled separately
	if err := env.Parse(c); err != nil {
		return errors.Wrap(err, "parsing environment")
	}
	if c.DB.SSH == nil && os.Getenv("SSH_SERVER") != "" {
		c.DB.SSH = &SSH{}
	}
	if c.DB.SSH != nil {
		if err := env.Parse(c.DB.SSH); err != nil {
			return errors.Wrap(err, "parsing ssh environment")
		}
		c.setSSHDefaults()
	}
	return nil
}

func (c *Config) setSSHDefaults() {
	if c.DB.SSH == nil {
		return
	}
	if c.DB.SSH.ServerPort == 0 {
		c.DB.SSH.ServerPort = defaultSSHPort
	}
	if c.DB.SSH.Host == "" {
		c.DB.SSH.Host = "localhost"
	}
	if c.DB.SSH.LocalPort == 0 {
		c.DB.SSH.LocalPort = defaultSSHLocalPort
	}
}

// resolve returns path relative to the config directory, unless it is
// absolute or empty. A leading ~ is replaced by the home directory.
func (c *Config) resolve(path string) string {
	if path == "" {
		return path
	}
	if path == "~" || strings.HasPrefix(path, "~/") {
		if home, err := os.UserHomeDir(); err == nil {
			return filepath.Join(home, path[1:])
		}
		return path
	}
	if filepath.IsAbs(path) || c.Dir == "" {
		return path
	}
	return filepath.Join(c.Dir, path)
}

// ExpandPaths resolves all configured file paths against Dir.
func (c *Config) ExpandPaths() {
	c.Importer.InputFile = c.resolve(c.Importer.InputFile)
	c.Importer.StyleFile = c.resolve(c.Importer.StyleFile)
	c.Importer.PgpassFile = c.resolve(c.Importer.PgpassFile)
	c.Importer.SQLDir = c.resolve(c.Importer.SQLDir)
	c.Area.Boundary = c.resolve(c.Area.Boundary)
	if c.DB.SSH != nil {
		c.DB.SSH.PrivateKeyPath = c.resolve(c.DB.SSH.PrivateKeyPath)
		c.DB.SSH.KnownHostsFile = c.resolve(c.DB.SSH.KnownHostsFile)
	}
}

// Check returns all problems that prevent an import.
func (c *Config) Check() []error {
	errs := []error{}
	if c.DB.User == "" {
		errs = append(errs, errors.New("missing db.username"))
	}
	if c.DB.Name == "" {
		errs = append(errs, errors.New("missing db.db_name"))
	}
	if c.DB.Port <= 0 || c.DB.Port > 65535 {
		errs = append(errs, errors.Errorf("invalid db.db_server_port %d", c.DB.Port))
	}
	if c.Importer.InputFile == "" {
		errs = append(errs, errors.New("missing importer.input_file"))
	}
	if c.Importer.StyleFile == "" {
		errs = append(errs, errors.New("missing importer.style_file"))
	}
	if c.Importer.Schema == "" {
		errs = append(errs, errors.New("missing importer.schema"))
	}
	if c.Importer.TargetSchema == "" {
		errs = append(errs, errors.New("missing importer.target_schema"))
	}
	if c.Importer.Schema != "" && c.Importer.Schema == c.Importer.TargetSchema {
		errs = append(errs, errors.New("importer.schema and importer.target_schema must differ"))
	}
	if c.Importer.Pgpass && c.Importer.PgpassFile == "" {
		errs = append(errs, errors.New("importer.pgpass requires importer.pgpass_file"))
	}
	if ssh := c.DB.SSH; ssh != nil {
		if ssh.Server == "" {
			errs = append(errs, errors.New("missing db.ssh.server"))
		}
		if ssh.User == "" {
			errs = append(errs, errors.New("missing db.ssh.server_username"))
		}
		if ssh.PrivateKeyPath == "" {
			errs = append(errs, errors.New("missing db.ssh.private_key_path"))
		}
	}
	return errs
}
