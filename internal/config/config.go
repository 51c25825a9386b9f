package config

import (
	"flag"
	"os"
	"time"

	"github.com/golang/glog"
)

// TLSConfig holds TLS configuration options
type TLSConfig struct {
	Enabled      bool
	CertFile     string
	KeyFile      string
	GenerateCert bool
	// Hosts are the DNS names and IPs a generated certificate is valid for
	Hosts []string
}

// CORSConfig holds CORS configuration options
type CORSConfig struct {
	Enabled          bool
	AllowOrigins     string
	AllowMethods     string
	AllowHeaders     string
	AllowCredentials bool
	MaxAge           int
}

// AuthConfig holds the token signing options
type AuthConfig struct {
	JWTSecret string
	TokenTTL  time.Duration
}

// StorageConfig selects the durable store
type StorageConfig struct {
	// Driver is one of memory, postgres or file
	Driver      string
	DatabaseURL string
	DataDir     string
}

// BroadcastConfig selects the realtime bus
type BroadcastConfig struct {
	// Driver is memory or redis
	Driver        string
	RedisAddr     string
	RedisPassword string
	RedisDB       int
	ChannelPrefix string
}

// SyncConfig holds the timing knobs of sync sessions
type SyncConfig struct {
	DebounceInterval time.Duration
	EchoMarkerTTL    time.Duration
	HistoryPageSize  int
	WriteTimeout     time.Duration
}

// Config holds the application configuration
type Config struct {
	Port      int
	DataDir   string
	TLS       TLSConfig
	CORS      CORSConfig
	Auth      AuthConfig
	Storage   StorageConfig
	Broadcast BroadcastConfig
	Sync      SyncConfig
}

// ParseFlags parses command line flags and merges with config file
func ParseFlags() (*Config, error) {
	// Define flags
	configFlag := flag.String("config", "config.yml", "Path to configuration file")
	generateConfigFlag := flag.Bool("generate-config", false, "Generate a default configuration file")
	configFilePathFlag := flag.String("config-path", "config.yml", "Path where config file should be generated")

	// Simple flags for overriding config file
	dirFlag := flag.String("d", "", "Directory for file storage and generated certificates (overrides config)")
	portFlag := flag.Int("p", 0, "Port to listen on (overrides config)")

	// Parse flags
	flag.Parse()

	// Handle config file generation
	if *generateConfigFlag {
		glog.Infof("Generating default configuration file at %s", *configFilePathFlag)
		if err := SaveDefaultConfig(*configFilePathFlag); err != nil {
			return nil, err
		}
		glog.Infof("Configuration file generated successfully")
	}

	// Load configuration from file
	config, err := LoadConfig(*configFlag)
	if err != nil {
		glog.Warningf("Could not load config file: %v", err)
		glog.Infof("Using default configuration")

		// If config file doesn't exist, use default config
		config, _ = LoadConfig("")
	}

	// Override with command line flags if provided
	if *dirFlag != "" {
		config.DataDir = *dirFlag
		config.Storage.DataDir = *dirFlag
	}

	if *portFlag != 0 {
		config.Port = *portFlag
	}

	ApplyEnv(config, os.LookupEnv)
	return config, nil
}

// ApplyEnv overrides secrets and connection strings from the environment
func ApplyEnv(config *Config, lookup func(string) (string, bool)) {
	if v, ok := lookup("DATABASE_URL"); ok && v != "" {
		config.Storage.DatabaseURL = v
	}
	if v, ok := lookup("REDIS_ADDR"); ok && v != "" {
		config.Broadcast.RedisAddr = v
	}
	if v, ok := lookup("REDIS_PASSWORD"); ok && v != "" {
		config.Broadcast.RedisPassword = v
	}
	if v, ok := lookup("MAPSYNC_JWT_SECRET"); ok && v != "" {
		config.Auth.JWTSecret = v
	}
}
