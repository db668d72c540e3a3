package config

import (
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/viper"

	"qnet/pkg/logging"
	"qnet/pkg/qnetd"
	"qnet/pkg/tlv"
)

// Config represents the daemon configuration
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Heartbeat HeartbeatConfig `mapstructure:"heartbeat"`
	TLS       TLSConfig       `mapstructure:"tls"`
	Admin     AdminConfig     `mapstructure:"admin"`
	Logging   LoggingConfig   `mapstructure:"logging"`
	Device    DeviceConfig    `mapstructure:"device"`
}

// ServerConfig contains the quorum listener configuration
type ServerConfig struct {
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	MaxConnections  int           `mapstructure:"max_connections"`
	MaxRequestSize  uint32        `mapstructure:"max_request_size"`
	MaxReplySize    uint32        `mapstructure:"max_reply_size"`
	InitTimeout     time.Duration `mapstructure:"init_timeout"`
	AllowedClusters []string      `mapstructure:"allowed_clusters"`
}

// HeartbeatConfig bounds the heartbeat intervals clients may ask for
type HeartbeatConfig struct {
	Min time.Duration `mapstructure:"min"`
	Max time.Duration `mapstructure:"max"`
}

// TLSConfig contains the arbitrator TLS policy and material
type TLSConfig struct {
	Mode               string `mapstructure:"mode"`
	CertFile           string `mapstructure:"cert_file"`
	KeyFile            string `mapstructure:"key_file"`
	CAFile             string `mapstructure:"ca_file"`
	ClientCertRequired bool   `mapstructure:"client_cert_required"`
}

// AdminConfig contains the admin gRPC endpoint; empty disables it
type AdminConfig struct {
	Address string `mapstructure:"address"`
}

// LoggingConfig contains logging configuration
type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
	File   string `mapstructure:"file"`
}

// DeviceConfig contains the quorum device daemon configuration
type DeviceConfig struct {
	CmapFile string `mapstructure:"cmap_file"`
	Watch    bool   `mapstructure:"watch"`
}

// LoadConfig loads configuration from file and environment into v. Flags
// bound to v beforehand take precedence over both.
func LoadConfig(v *viper.Viper, configPath string) (*Config, error) {
	if v == nil {
		v = viper.New()
	}

	v.SetConfigName("qnetd")
	v.SetConfigType("yaml")

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.AddConfigPath(".")
		v.AddConfigPath("./config")
		v.AddConfigPath("/etc/qnet")
	}

	setDefaults(v)

	v.SetEnvPrefix("QNETD")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := validateConfig(&config); err != nil {
		return nil, err
	}

	return &config, nil
}

// setDefaults sets default configuration values
func setDefaults(v *viper.Viper) {
	v.SetDefault("server.host", "")
	v.SetDefault("server.port", qnetd.DefaultPort)
	v.SetDefault("server.max_connections", 0)
	v.SetDefault("server.max_request_size", tlv.DefaultMaxFrameSize)
	v.SetDefault("server.max_reply_size", tlv.DefaultMaxFrameSize)
	v.SetDefault("server.init_timeout", qnetd.DefaultInitTimeout)
	v.SetDefault("server.allowed_clusters", []string{})

	v.SetDefault("heartbeat.min", qnetd.DefaultHeartbeatMin)
	v.SetDefault("heartbeat.max", qnetd.DefaultHeartbeatMax)

	v.SetDefault("tls.mode", "off")
	v.SetDefault("tls.cert_file", "")
	v.SetDefault("tls.key_file", "")
	v.SetDefault("tls.ca_file", "")
	v.SetDefault("tls.client_cert_required", false)

	v.SetDefault("admin.address", "127.0.0.1:5404")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "text")
	v.SetDefault("logging.file", "")

	v.SetDefault("device.cmap_file", "/etc/qnet/cmap.toml")
	v.SetDefault("device.watch", true)
}

// validateConfig validates the configuration
func validateConfig(config *Config) error {
	if config.Server.Port < 1 || config.Server.Port > 65535 {
		return fmt.Errorf("server.port must be between 1 and 65535")
	}

	if config.Server.MaxConnections < 0 {
		return fmt.Errorf("server.max_connections must not be negative")
	}

	if config.Heartbeat.Min <= 0 || config.Heartbeat.Min > config.Heartbeat.Max {
		return fmt.Errorf("heartbeat.min must be positive and not above heartbeat.max")
	}

	mode, err := tlv.ParseTLSSupported(config.TLS.Mode)
	if err != nil {
		return fmt.Errorf("tls.mode: %w", err)
	}

	if mode != tlv.TLSOff && (config.TLS.CertFile == "" || config.TLS.KeyFile == "") {
		return fmt.Errorf("tls.cert_file and tls.key_file are required when tls.mode is %s", config.TLS.Mode)
	}

	if config.Admin.Address != "" {
		if _, _, err := net.SplitHostPort(config.Admin.Address); err != nil {
			return fmt.Errorf("admin.address: %w", err)
		}
	}

	if config.Device.CmapFile != "" {
		config.Device.CmapFile = filepath.Clean(config.Device.CmapFile)
	}

	return nil
}

// Addr is the quorum listener address
func (c *Config) Addr() string {
	return net.JoinHostPort(c.Server.Host, strconv.Itoa(c.Server.Port))
}

// LogConfig returns the logger settings for the named daemon
func (c *Config) LogConfig(name string) logging.Config {
	return logging.Config{
		Name:   name,
		Level:  c.Logging.Level,
		Format: c.Logging.Format,
		File:   c.Logging.File,
	}
}

// Arbitrator builds the arbitrator configuration, loading TLS material
func (c *Config) Arbitrator() (qnetd.Config, error) {
	mode, err := tlv.ParseTLSSupported(c.TLS.Mode)
	if err != nil {
		return qnetd.Config{}, err
	}

	cfg := qnetd.Config{
		Addr:               c.Addr(),
		MaxSessions:        c.Server.MaxConnections,
		TLSMode:            mode,
		ClientCertRequired: c.TLS.ClientCertRequired,
		HeartbeatMin:       c.Heartbeat.Min,
		HeartbeatMax:       c.Heartbeat.Max,
		MaxRequestSize:     c.Server.MaxRequestSize,
		MaxReplySize:       c.Server.MaxReplySize,
		InitTimeout:        c.Server.InitTimeout,
		AllowedClusters:    c.Server.AllowedClusters,
	}

	if mode == tlv.TLSOff {
		return cfg, nil
	}

	cert, err := tls.LoadX509KeyPair(c.TLS.CertFile, c.TLS.KeyFile)
	if err != nil {
		return qnetd.Config{}, fmt.Errorf("failed to load server certificate: %w", err)
	}

	cfg.TLSConfig = &tls.Config{
		MinVersion:   tls.VersionTLS12,
		Certificates: []tls.Certificate{cert},
	}

	if c.TLS.CAFile != "" {
		pem, err := os.ReadFile(c.TLS.CAFile)
		if err != nil {
			return qnetd.Config{}, fmt.Errorf("failed to read ca file: %w", err)
		}

		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(pem) {
			return qnetd.Config{}, fmt.Errorf("no certificates in %s", c.TLS.CAFile)
		}

		cfg.TLSConfig.ClientCAs = pool
	}

	return cfg, nil
}
