package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"

	"github.com/beyondstorage/beyond-fetch/constants"
)

// A Config stores a configuration of BeyondFetch.
type Config struct {
	ListenHost  string                   `toml:"host"`
	ListenPort  int                      `toml:"port"`
	PprofAddr   string                   `toml:"pprof-addr"`
	AllowAdhoc  bool                     `toml:"allow-adhoc"`
	LogLevel    string                   `toml:"log-level"`
	Development bool                     `toml:"development"`
	Sources     map[string]*SourceConfig `toml:"sources"`
}

// SourceConfig describes one remote server files can be fetched from.
type SourceConfig struct {
	Protocol         string   `toml:"protocol"`
	Host             string   `toml:"host"`
	Port             int      `toml:"port"`
	User             string   `toml:"user"`
	Password         string   `toml:"password"`
	Timeout          Duration `toml:"timeout"`
	DisableEPSV      bool     `toml:"disable-epsv"`
	FilenameEncoding string   `toml:"filename-encoding"`
	ConnectErrors    string   `toml:"connect-errors"`
	TransferErrors   string   `toml:"transfer-errors"`
	HostKeyPolicy    string   `toml:"host-key-policy"`
	KnownHosts       string   `toml:"known-hosts"`
	HostKey          string   `toml:"host-key"`
	Service          string   `toml:"service"`
}

// ServerSettings define all the HTTP server settings.
type ServerSettings struct {
	ListenHost string // Host to receive connections on
	ListenPort int    // Port to listen on
	AllowAdhoc bool   // Accept per-request credentials on POST /download
}

// Duration is a time.Duration decoded from strings like "30s".
type Duration struct {
	time.Duration
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (d *Duration) UnmarshalText(text []byte) error {
	var err error
	d.Duration, err = time.ParseDuration(string(text))
	return err
}

// Protocols known to the configuration.
var Protocols = []string{"ftp", "sftp", "storage"}

// LoadConfigFromFilepath loads configuration from a specified local path.
// An empty path yields the defaults.
func LoadConfigFromFilepath(p string) (*Config, error) {
	conf := &Config{}
	if p != "" {
		if _, err := toml.DecodeFile(p, conf); err != nil {
			return nil, err
		}
	}
	if err := setDefaultValue(conf); err != nil {
		return nil, err
	}
	return conf, nil
}

// LoadEnvFile loads variables from a dotenv file into the process
// environment. A missing default ".env" is not an error.
func LoadEnvFile(p string) error {
	if p != "" {
		return godotenv.Load(p)
	}
	err := godotenv.Load()
	if err != nil && errors.Is(err, os.ErrNotExist) {
		return nil
	}
	return err
}

// setDefaultValue fills defaults, applies environment overrides and checks
// the configuration.
func setDefaultValue(c *Config) error {
	if c.ListenHost == "" {
		c.ListenHost = "0.0.0.0"
	}
	if c.ListenPort == 0 {
		c.ListenPort = 8080
	} else if c.ListenPort == -1 {
		// Let the system decide.
		c.ListenPort = 0
	}
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
	if c.Sources == nil {
		c.Sources = make(map[string]*SourceConfig)
	}

	for name, s := range c.Sources {
		if s == nil {
			return fmt.Errorf("source %s: empty definition", name)
		}
		s.Protocol = strings.ToLower(s.Protocol)
		switch s.Protocol {
		case "ftp":
			if s.Port == 0 {
				s.Port = 21
			}
		case "sftp":
			if s.Port == 0 {
				s.Port = 22
			}
			if s.HostKeyPolicy == "" {
				s.HostKeyPolicy = "insecure"
			}
		case "storage":
			if s.Service == "" {
				return fmt.Errorf("source %s: service is required", name)
			}
		default:
			return fmt.Errorf("source %s: unknown protocol %q, want one of %v", name, s.Protocol, Protocols)
		}
		if s.Protocol != "storage" && s.Host == "" {
			return fmt.Errorf("source %s: host is required", name)
		}
		if s.Timeout.Duration == 0 {
			s.Timeout.Duration = 30 * time.Second
		}
		if v, ok := os.LookupEnv(PasswordEnv(name)); ok {
			s.Password = v
		}
	}

	return nil
}

// PasswordEnv is the variable overriding the password of source name.
func PasswordEnv(name string) string {
	name = strings.ToUpper(strings.NewReplacer("-", "_", ".", "_").Replace(name))
	return constants.PasswordEnvPrefix + name + "_PASSWORD"
}

// GetServerSetting extracts the HTTP server settings.
func GetServerSetting(c *Config) *ServerSettings {
	return &ServerSettings{
		ListenHost: c.ListenHost,
		ListenPort: c.ListenPort,
		AllowAdhoc: c.AllowAdhoc,
	}
}
