package config

import (
	"fmt"
	"os"

	log "github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"

	"github.com/bilbercode/camstream/internal/auth"
	"github.com/bilbercode/camstream/internal/monitors"
)

const (
	DefaultBasePort    = 10000
	DefaultHTTPAddress = ":8080"
	DefaultLogLevel    = "info"
)

type Config struct {
	BasePort    int              `yaml:"base_port"`
	Address     string           `yaml:"address"`
	PublicHost  string           `yaml:"public_host"`
	HTTPAddress string           `yaml:"http_address"`
	QueueSize   int              `yaml:"queue_size"`
	SessionName string           `yaml:"session_name"`
	LogLevel    string           `yaml:"log_level"`
	StateDir    string           `yaml:"state_dir"`
	Auth        *AuthConfig      `yaml:"auth"`
	Monitors    []*monitors.Meta `yaml:"monitors"`
}

// AuthConfig enables digest authentication on every camera.
type AuthConfig struct {
	Realm string            `yaml:"realm"`
	Users map[string]string `yaml:"users"`
}

func Default() *Config {
	return &Config{
		BasePort:    DefaultBasePort,
		HTTPAddress: DefaultHTTPAddress,
		LogLevel:    DefaultLogLevel,
	}
}

// Load reads path over the defaults. An empty path yields the defaults.
func Load(path string) (*Config, error) {
	config := Default()
	if path == "" {
		return config, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, config); err != nil {
		return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
	}
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return config, nil
}

func (c *Config) Validate() error {
	if c.BasePort < 1 || c.BasePort > 65535 {
		return fmt.Errorf("base_port must be between 1 and 65535, got %d", c.BasePort)
	}
	if c.QueueSize < 0 {
		return fmt.Errorf("queue_size cannot be negative, got %d", c.QueueSize)
	}
	if _, err := log.ParseLevel(c.LogLevel); err != nil {
		return fmt.Errorf("log_level: %w", err)
	}

	seen := make(map[int]bool)
	for _, m := range c.Monitors {
		if m.ID < 0 {
			return fmt.Errorf("monitor id cannot be negative, got %d", m.ID)
		}
		if seen[m.ID] {
			return fmt.Errorf("monitor id %d is used twice", m.ID)
		}
		seen[m.ID] = true
		if port := c.BasePort + m.ID; port > 65535 {
			return fmt.Errorf("monitor %d would listen on port %d", m.ID, port)
		}
	}
	if c.Auth != nil && len(c.Auth.Users) == 0 {
		return fmt.Errorf("auth needs at least one user")
	}
	return nil
}

// AuthDatabase builds the digest database, nil when auth is off.
func (c *Config) AuthDatabase() *auth.Database {
	if c.Auth == nil {
		return nil
	}
	db := auth.NewDatabase(c.Auth.Realm)
	for user, password := range c.Auth.Users {
		db.AddUser(user, password)
	}
	return db
}
