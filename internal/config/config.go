package config

import (
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Server ServerConfig `yaml:"server"`
	WS     WSConfig     `yaml:"ws"`
	Mock   MockConfig   `yaml:"mock"`
}

type ServerConfig struct {
	Host           string   `yaml:"host"`
	Port           int      `yaml:"port"`
	AuthToken      string   `yaml:"auth_token"`
	AllowedOrigins []string `yaml:"allowed_origins"`
}

type WSConfig struct {
	SendBuffer     int           `yaml:"send_buffer"`
	MaxConnections int           `yaml:"max_connections"` // 0 = unlimited
	WriteTimeout   time.Duration `yaml:"write_timeout"`
	PingInterval   time.Duration `yaml:"ping_interval"`
	PongTimeout    time.Duration `yaml:"pong_timeout"`
}

type MockConfig struct {
	TickInterval time.Duration `yaml:"tick_interval"`
}

func defaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Host: "0.0.0.0",
			Port: 8080,
		},
		WS: WSConfig{
			SendBuffer:     64,
			MaxConnections: 0,
			WriteTimeout:   10 * time.Second,
			PingInterval:   30 * time.Second,
			PongTimeout:    60 * time.Second,
		},
		Mock: MockConfig{
			TickInterval: 2 * time.Second,
		},
	}
}

// Load reads the YAML config at path on top of the defaults. A missing file
// is not an error: the server runs fine on defaults alone.
func Load(path string) (*Config, error) {
	cfg := defaultConfig()

	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return cfg, nil
	}
	if err != nil {
		return nil, err
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, err
	}

	return cfg, nil
}
