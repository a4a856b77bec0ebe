// Package config loads runtime settings from flags, environment and an optional config file.
package config

import (
	"fmt"
	"net"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const (
	envPrefix                 = "BAZA"
	defaultRootDir            = "baza"
	defaultHTTPAddress        = "0.0.0.0:8023"
	defaultLogLevel           = "info"
	defaultAppName            = "arhiv"
	defaultSyncInterval       = 5 * time.Minute
	defaultRPCTimeout         = 30 * time.Second
	defaultDiscoveryTimeout   = 3 * time.Second
	defaultAutoCommitInterval = 600 * time.Second
	defaultAPITokenTTL        = 30 * 24 * time.Hour

	databaseFileName = "baza.sqlite"
	blobDirName      = "blobs"
)

// AppConfig captures runtime configuration for a baza instance.
type AppConfig struct {
	RootDir            string
	HTTPAddress        string
	AllowedOrigins     []string
	LogLevel           string
	AppName            string
	Debug              bool
	Prime              bool
	SyncSecret         string
	SyncPeers          []string
	SyncInterval       time.Duration
	RPCTimeout         time.Duration
	DiscoveryTimeout   time.Duration
	MDNSEnabled        bool
	AutoCommitInterval time.Duration
	MetricsEnabled     bool
	APITokenTTL        time.Duration
}

// NewViper returns a viper instance with defaults and env bindings configured.
func NewViper() *viper.Viper {
	configViper := viper.New()
	ApplyDefaults(configViper)
	return configViper
}

// ApplyDefaults configures defaults and env bindings on the provided viper instance.
func ApplyDefaults(configViper *viper.Viper) {
	configViper.SetEnvPrefix(envPrefix)
	configViper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	configViper.AutomaticEnv()

	configViper.SetDefault("root_dir", defaultRootDir)
	configViper.SetDefault("http.address", defaultHTTPAddress)
	configViper.SetDefault("http.allowed_origins", []string{})
	configViper.SetDefault("log_level", defaultLogLevel)
	configViper.SetDefault("app_name", defaultAppName)
	configViper.SetDefault("debug", false)
	configViper.SetDefault("prime", false)
	configViper.SetDefault("sync.peers", []string{})
	configViper.SetDefault("sync.interval", defaultSyncInterval)
	configViper.SetDefault("sync.rpc_timeout", defaultRPCTimeout)
	configViper.SetDefault("sync.discovery_timeout", defaultDiscoveryTimeout)
	configViper.SetDefault("sync.mdns", true)
	configViper.SetDefault("auto_commit.interval", defaultAutoCommitInterval)
	configViper.SetDefault("metrics.enabled", true)
	configViper.SetDefault("api.token_ttl", defaultAPITokenTTL)
}

// Load parses runtime configuration from viper.
func Load(configViper *viper.Viper) (AppConfig, error) {
	cfg := AppConfig{
		RootDir:            strings.TrimSpace(configViper.GetString("root_dir")),
		HTTPAddress:        strings.TrimSpace(configViper.GetString("http.address")),
		AllowedOrigins:     splitList(configViper.GetStringSlice("http.allowed_origins")),
		LogLevel:           configViper.GetString("log_level"),
		AppName:            strings.TrimSpace(configViper.GetString("app_name")),
		Debug:              configViper.GetBool("debug"),
		Prime:              configViper.GetBool("prime"),
		SyncSecret:         configViper.GetString("sync.secret"),
		SyncPeers:          splitList(configViper.GetStringSlice("sync.peers")),
		SyncInterval:       configViper.GetDuration("sync.interval"),
		RPCTimeout:         configViper.GetDuration("sync.rpc_timeout"),
		DiscoveryTimeout:   configViper.GetDuration("sync.discovery_timeout"),
		MDNSEnabled:        configViper.GetBool("sync.mdns"),
		AutoCommitInterval: configViper.GetDuration("auto_commit.interval"),
		MetricsEnabled:     configViper.GetBool("metrics.enabled"),
		APITokenTTL:        configViper.GetDuration("api.token_ttl"),
	}

	if err := cfg.validate(); err != nil {
		return AppConfig{}, err
	}

	return cfg, nil
}

// DatabasePath is the sqlite file inside the root directory.
func (c AppConfig) DatabasePath() string {
	return filepath.Join(c.RootDir, databaseFileName)
}

// BlobDir is the blob directory inside the root directory.
func (c AppConfig) BlobDir() string {
	return filepath.Join(c.RootDir, blobDirName)
}

// HTTPPort extracts the listen port advertised over mDNS.
func (c AppConfig) HTTPPort() (int, error) {
	_, rawPort, err := net.SplitHostPort(c.HTTPAddress)
	if err != nil {
		return 0, fmt.Errorf("http.address: %w", err)
	}
	port, err := strconv.Atoi(rawPort)
	if err != nil || port <= 0 || port > 65535 {
		return 0, fmt.Errorf("http.address: invalid port %q", rawPort)
	}
	return port, nil
}

func (c AppConfig) validate() error {
	if c.RootDir == "" {
		return fmt.Errorf("root_dir is required")
	}
	if c.AppName == "" {
		return fmt.Errorf("app_name is required")
	}
	if strings.ContainsAny(c.AppName, " ./") {
		return fmt.Errorf("app_name %q must not contain spaces, dots or slashes", c.AppName)
	}
	if strings.TrimSpace(c.SyncSecret) == "" {
		return fmt.Errorf("sync.secret is required")
	}
	if _, err := c.HTTPPort(); err != nil {
		return err
	}
	if c.RPCTimeout <= 0 {
		return fmt.Errorf("sync.rpc_timeout must be positive")
	}
	if c.DiscoveryTimeout <= 0 {
		return fmt.Errorf("sync.discovery_timeout must be positive")
	}
	if c.AutoCommitInterval <= 0 {
		return fmt.Errorf("auto_commit.interval must be positive")
	}
	if c.APITokenTTL <= 0 {
		return fmt.Errorf("api.token_ttl must be positive")
	}
	for _, origin := range c.AllowedOrigins {
		if origin == "*" {
			return fmt.Errorf("http.allowed_origins must list explicit origins")
		}
		if !strings.HasPrefix(origin, "http://") && !strings.HasPrefix(origin, "https://") {
			return fmt.Errorf("http.allowed_origins: %q must start with http:// or https://", origin)
		}
	}
	return nil
}

// splitList accepts both repeated values and comma separated lists.
func splitList(raw []string) []string {
	var items []string
	for _, value := range raw {
		for _, item := range strings.Split(value, ",") {
			if trimmed := strings.TrimSpace(item); trimmed != "" {
				items = append(items, trimmed)
			}
		}
	}
	return items
}
