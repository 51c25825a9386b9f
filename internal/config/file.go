package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// FileConfig represents the structure of the configuration file
type FileConfig struct {
	Server struct {
		Port    int    `yaml:"port"`
		DataDir string `yaml:"data_dir"`
	} `yaml:"server"`

	TLS struct {
		Enabled      bool     `yaml:"enabled"`
		CertFile     string   `yaml:"cert_file"`
		KeyFile      string   `yaml:"key_file"`
		GenerateCert bool     `yaml:"generate_cert"`
		Hosts        []string `yaml:"hosts"`
	} `yaml:"tls"`

	CORS struct {
		Enabled          bool   `yaml:"enabled"`
		AllowOrigins     string `yaml:"allow_origins"`
		AllowMethods     string `yaml:"allow_methods"`
		AllowHeaders     string `yaml:"allow_headers"`
		AllowCredentials bool   `yaml:"allow_credentials"`
		MaxAge           int    `yaml:"max_age"`
	} `yaml:"cors"`

	Auth struct {
		JWTSecret string        `yaml:"jwt_secret"`
		TokenTTL  time.Duration `yaml:"token_ttl"`
	} `yaml:"auth"`

	Storage struct {
		Driver      string `yaml:"driver"`
		DatabaseURL string `yaml:"database_url"`
		DataDir     string `yaml:"data_dir"`
	} `yaml:"storage"`

	Broadcast struct {
		Driver        string `yaml:"driver"`
		RedisAddr     string `yaml:"redis_addr"`
		RedisPassword string `yaml:"redis_password"`
		RedisDB       int    `yaml:"redis_db"`
		ChannelPrefix string `yaml:"channel_prefix"`
	} `yaml:"broadcast"`

	Sync struct {
		DebounceInterval time.Duration `yaml:"debounce_interval"`
		EchoMarkerTTL    time.Duration `yaml:"echo_marker_ttl"`
		HistoryPageSize  int           `yaml:"history_page_size"`
		WriteTimeout     time.Duration `yaml:"write_timeout"`
	} `yaml:"sync"`
}

// Default returns the configuration used when no file is given
func Default() *Config {
	return &Config{
		Port:    3000,
		DataDir: ".",
		TLS: TLSConfig{
			Enabled:      false,
			CertFile:     "cert/cert.pem",
			KeyFile:      "cert/key.pem",
			GenerateCert: false,
			Hosts:        []string{"localhost", "127.0.0.1"},
		},
		CORS: CORSConfig{
			Enabled:          false,
			AllowOrigins:     "*",
			AllowMethods:     "GET, POST, PUT, DELETE, OPTIONS, PATCH",
			AllowHeaders:     "Content-Type, Authorization, If-None-Match",
			AllowCredentials: false,
			MaxAge:           86400,
		},
		Auth: AuthConfig{
			TokenTTL: 24 * time.Hour,
		},
		Storage: StorageConfig{
			Driver:  "memory",
			DataDir: "data",
		},
		Broadcast: BroadcastConfig{
			Driver:        "memory",
			RedisAddr:     "localhost:6379",
			ChannelPrefix: "mapsync",
		},
		Sync: SyncConfig{
			DebounceInterval: 500 * time.Millisecond,
			EchoMarkerTTL:    3 * time.Second,
			HistoryPageSize:  50,
			WriteTimeout:     10 * time.Second,
		},
	}
}

// LoadConfig loads configuration from a YAML file
func LoadConfig(filePath string) (*Config, error) {
	config := Default()

	// If no config file specified, return default config
	if filePath == "" {
		return config, nil
	}

	// Read config file
	data, err := os.ReadFile(filePath)
	if err != nil {
		return nil, fmt.Errorf("error reading config file: %w", err)
	}

	// Parse YAML
	var fileConfig FileConfig
	if err := yaml.Unmarshal(data, &fileConfig); err != nil {
		return nil, fmt.Errorf("error parsing config file: %w", err)
	}

	// Update config with values from file
	if fileConfig.Server.Port != 0 {
		config.Port = fileConfig.Server.Port
	}
	if fileConfig.Server.DataDir != "" {
		config.DataDir = fileConfig.Server.DataDir
	}

	// TLS settings
	config.TLS.Enabled = fileConfig.TLS.Enabled
	if fileConfig.TLS.CertFile != "" {
		config.TLS.CertFile = fileConfig.TLS.CertFile
	}
	if fileConfig.TLS.KeyFile != "" {
		config.TLS.KeyFile = fileConfig.TLS.KeyFile
	}
	config.TLS.GenerateCert = fileConfig.TLS.GenerateCert
	if len(fileConfig.TLS.Hosts) > 0 {
		config.TLS.Hosts = fileConfig.TLS.Hosts
	}

	// CORS settings
	config.CORS.Enabled = fileConfig.CORS.Enabled
	if fileConfig.CORS.AllowOrigins != "" {
		config.CORS.AllowOrigins = fileConfig.CORS.AllowOrigins
	}
	if fileConfig.CORS.AllowMethods != "" {
		config.CORS.AllowMethods = fileConfig.CORS.AllowMethods
	}
	if fileConfig.CORS.AllowHeaders != "" {
		config.CORS.AllowHeaders = fileConfig.CORS.AllowHeaders
	}
	config.CORS.AllowCredentials = fileConfig.CORS.AllowCredentials
	if fileConfig.CORS.MaxAge != 0 {
		config.CORS.MaxAge = fileConfig.CORS.MaxAge
	}

	// Auth settings
	if fileConfig.Auth.JWTSecret != "" {
		config.Auth.JWTSecret = fileConfig.Auth.JWTSecret
	}
	if fileConfig.Auth.TokenTTL != 0 {
		config.Auth.TokenTTL = fileConfig.Auth.TokenTTL
	}

	// Storage settings
	if fileConfig.Storage.Driver != "" {
		config.Storage.Driver = fileConfig.Storage.Driver
	}
	if fileConfig.Storage.DatabaseURL != "" {
		config.Storage.DatabaseURL = fileConfig.Storage.DatabaseURL
	}
	if fileConfig.Storage.DataDir != "" {
		config.Storage.DataDir = fileConfig.Storage.DataDir
	}

	// Broadcast settings
	if fileConfig.Broadcast.Driver != "" {
		config.Broadcast.Driver = fileConfig.Broadcast.Driver
	}
	if fileConfig.Broadcast.RedisAddr != "" {
		config.Broadcast.RedisAddr = fileConfig.Broadcast.RedisAddr
	}
	if fileConfig.Broadcast.RedisPassword != "" {
		config.Broadcast.RedisPassword = fileConfig.Broadcast.RedisPassword
	}
	config.Broadcast.RedisDB = fileConfig.Broadcast.RedisDB
	if fileConfig.Broadcast.ChannelPrefix != "" {
		config.Broadcast.ChannelPrefix = fileConfig.Broadcast.ChannelPrefix
	}

	// Sync settings
	if fileConfig.Sync.DebounceInterval != 0 {
		config.Sync.DebounceInterval = fileConfig.Sync.DebounceInterval
	}
	if fileConfig.Sync.EchoMarkerTTL != 0 {
		config.Sync.EchoMarkerTTL = fileConfig.Sync.EchoMarkerTTL
	}
	if fileConfig.Sync.HistoryPageSize != 0 {
		config.Sync.HistoryPageSize = fileConfig.Sync.HistoryPageSize
	}
	if fileConfig.Sync.WriteTimeout != 0 {
		config.Sync.WriteTimeout = fileConfig.Sync.WriteTimeout
	}

	switch config.Storage.Driver {
	case "memory", "postgres", "file":
	default:
		return nil, fmt.Errorf("unknown storage driver %q", config.Storage.Driver)
	}
	switch config.Broadcast.Driver {
	case "memory", "redis":
	default:
		return nil, fmt.Errorf("unknown broadcast driver %q", config.Broadcast.Driver)
	}

	return config, nil
}

// SaveDefaultConfig saves a default configuration file
func SaveDefaultConfig(filePath string) error {
	defaults := Default()
	var fileConfig FileConfig

	// Server settings
	fileConfig.Server.Port = defaults.Port
	fileConfig.Server.DataDir = defaults.DataDir

	// TLS settings
	fileConfig.TLS.Enabled = defaults.TLS.Enabled
	fileConfig.TLS.CertFile = defaults.TLS.CertFile
	fileConfig.TLS.KeyFile = defaults.TLS.KeyFile
	fileConfig.TLS.GenerateCert = defaults.TLS.GenerateCert
	fileConfig.TLS.Hosts = defaults.TLS.Hosts

	// CORS settings
	fileConfig.CORS.Enabled = defaults.CORS.Enabled
	fileConfig.CORS.AllowOrigins = defaults.CORS.AllowOrigins
	fileConfig.CORS.AllowMethods = defaults.CORS.AllowMethods
	fileConfig.CORS.AllowHeaders = defaults.CORS.AllowHeaders
	fileConfig.CORS.AllowCredentials = defaults.CORS.AllowCredentials
	fileConfig.CORS.MaxAge = defaults.CORS.MaxAge

	fileConfig.Auth.TokenTTL = defaults.Auth.TokenTTL

	fileConfig.Storage.Driver = defaults.Storage.Driver
	fileConfig.Storage.DataDir = defaults.Storage.DataDir

	fileConfig.Broadcast.Driver = defaults.Broadcast.Driver
	fileConfig.Broadcast.RedisAddr = defaults.Broadcast.RedisAddr
	fileConfig.Broadcast.ChannelPrefix = defaults.Broadcast.ChannelPrefix

	fileConfig.Sync.DebounceInterval = defaults.Sync.DebounceInterval
	fileConfig.Sync.EchoMarkerTTL = defaults.Sync.EchoMarkerTTL
	fileConfig.Sync.HistoryPageSize = defaults.Sync.HistoryPageSize
	fileConfig.Sync.WriteTimeout = defaults.Sync.WriteTimeout

	// Marshal to YAML
	data, err := yaml.Marshal(fileConfig)
	if err != nil {
		return fmt.Errorf("error creating default config: %w", err)
	}

	// Add helpful comments
	yamlWithComments := "# Map Sync Server Configuration\n" +
		"# Secrets can also come from DATABASE_URL, REDIS_ADDR, REDIS_PASSWORD and MAPSYNC_JWT_SECRET\n\n" +
		string(data)

	// Write to file
	if err := os.WriteFile(filePath, []byte(yamlWithComments), 0644); err != nil {
		return fmt.Errorf("error writing config file: %w", err)
	}

	return nil
}
