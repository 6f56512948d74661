// Package config loads FileSwoosh settings from defaults, an optional YAML
// file, a .env file and FILESWOOSH_* environment variables.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"net/netip"
	"os"
	"os/user"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"

	"fileswoosh/discovery"
	"fileswoosh/network"
)

const (
	// AppDirectoryName is the per-user application data directory name.
	AppDirectoryName = "fileswoosh"
	// DefaultPort is the fixed TCP/UDP port every peer uses.
	DefaultPort = network.DefaultPort
	// DefaultAnnounceInterval is the period of the multicast presence probe.
	DefaultAnnounceInterval = discovery.DefaultAnnounceInterval
	// DefaultPeerTTL is how long a discovered peer survives without a refresh.
	DefaultPeerTTL = discovery.DefaultPeerTTL
	// DefaultRequestTimeout bounds every outbound protocol call.
	DefaultRequestTimeout = network.DefaultRequestTimeout
	// DefaultMDNSService is the DNS-SD service type used by the optional beacon.
	DefaultMDNSService = discovery.DefaultService

	envPrefix      = "FILESWOOSH"
	configBaseName = "fileswoosh"
)

// Config is the root application configuration.
type Config struct {
	Port             int           `mapstructure:"port"`
	MulticastAddress string        `mapstructure:"multicast_address"`
	AnnounceInterval time.Duration `mapstructure:"announce_interval"`
	PeerTTL          time.Duration `mapstructure:"peer_ttl"`
	RequestTimeout   time.Duration `mapstructure:"request_timeout"`

	// SaveFolder is the default destination for received files.
	SaveFolder string `mapstructure:"save_folder"`
	Hostname   string `mapstructure:"hostname"`
	Username   string `mapstructure:"username"`

	DataDir         string `mapstructure:"data_dir"`
	IdentityKeyPath string `mapstructure:"identity_key_path"`

	// ListenAddresses holds one entry per server listener.
	ListenAddresses []string `mapstructure:"listen_addresses"`

	MDNS MDNSConfig `mapstructure:"mdns"`
	Log  LogConfig  `mapstructure:"log"`
}

// MDNSConfig controls the optional DNS-SD beacon and browser.
type MDNSConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Service string `mapstructure:"service"`
	Domain  string `mapstructure:"domain"`
}

// LogConfig defines logger settings.
type LogConfig struct {
	// Level: debug, info, warn, error
	Level string `mapstructure:"level"`
	// Format: console or json
	Format string `mapstructure:"format"`
	// Outputs: stdout, stderr, or file paths
	Outputs  []string       `mapstructure:"outputs"`
	Rotation RotationConfig `mapstructure:"rotation"`
}

// RotationConfig controls rotation of file log outputs.
type RotationConfig struct {
	Enable     bool `mapstructure:"enable"`
	MaxSizeMB  int  `mapstructure:"max_size_mb"`
	MaxBackups int  `mapstructure:"max_backups"`
	MaxAgeDays int  `mapstructure:"max_age_days"`
	Compress   bool `mapstructure:"compress"`
}

// MulticastAddressForPort derives the discovery group from the port, using
// the port's hex value as the last group label.
func MulticastAddressForPort(port int) string {
	return fmt.Sprintf("ff05::dead:beef:cafe:%04x", port)
}

// DefaultListenAddresses returns the listener set for this platform. Windows
// cannot share one socket across address families.
func DefaultListenAddresses() []string {
	if runtime.GOOS == "windows" {
		return []string{"0.0.0.0", "::"}
	}
	return []string{"::"}
}

// ResolveDataDir returns the OS-aware app data directory.
//
// If FILESWOOSH_DATA_DIR is set, its value is used as an explicit override.
func ResolveDataDir() (string, error) {
	if override := os.Getenv("FILESWOOSH_DATA_DIR"); override != "" {
		return override, nil
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("resolve user home: %w", err)
	}

	switch runtime.GOOS {
	case "windows":
		base := os.Getenv("APPDATA")
		if base == "" {
			base = filepath.Join(home, "AppData", "Roaming")
		}
		return filepath.Join(base, AppDirectoryName), nil
	case "darwin":
		return filepath.Join(home, "Library", "Application Support", AppDirectoryName), nil
	default:
		base := os.Getenv("XDG_CONFIG_HOME")
		if base == "" {
			base = filepath.Join(home, ".config")
		}
		return filepath.Join(base, AppDirectoryName), nil
	}
}

// EnsureDataDirectories creates the app data directory layout if needed.
func EnsureDataDirectories(dataDir string) error {
	dirs := []string{
		dataDir,
		filepath.Join(dataDir, "keys"),
	}

	for _, dir := range dirs {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return fmt.Errorf("create directory %q: %w", dir, err)
		}
	}

	return nil
}

// Load builds the configuration. An explicit path must exist; without one the
// file is searched in ".", "./configs" and the data directory, and a missing
// file is not an error.
func Load(path string) (*Config, error) {
	if err := loadDotEnv(); err != nil {
		return nil, err
	}

	dataDir, err := ResolveDataDir()
	if err != nil {
		return nil, err
	}

	v := viper.New()
	v.SetConfigType("yaml")
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()
	setDefaults(v, dataDir)

	if path == "" {
		path = os.Getenv("FILESWOOSH_CONFIG")
	}
	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName(configBaseName)
		v.AddConfigPath(".")
		v.AddConfigPath("./configs")
		v.AddConfigPath(dataDir)
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}

	cfg.applyDerived()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper, dataDir string) {
	v.SetDefault("port", DefaultPort)
	v.SetDefault("multicast_address", "")
	v.SetDefault("announce_interval", DefaultAnnounceInterval)
	v.SetDefault("peer_ttl", DefaultPeerTTL)
	v.SetDefault("request_timeout", DefaultRequestTimeout)
	v.SetDefault("save_folder", defaultSaveFolder())
	v.SetDefault("hostname", defaultHostname())
	v.SetDefault("username", defaultUsername())
	v.SetDefault("data_dir", dataDir)
	v.SetDefault("identity_key_path", "")
	v.SetDefault("listen_addresses", DefaultListenAddresses())
	v.SetDefault("mdns.enabled", false)
	v.SetDefault("mdns.service", DefaultMDNSService)
	v.SetDefault("mdns.domain", "local.")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "console")
	v.SetDefault("log.outputs", []string{"stderr"})
	v.SetDefault("log.rotation.enable", false)
	v.SetDefault("log.rotation.max_size_mb", 50)
	v.SetDefault("log.rotation.max_backups", 3)
	v.SetDefault("log.rotation.max_age_days", 28)
	v.SetDefault("log.rotation.compress", true)
}

func (c *Config) applyDerived() {
	if strings.TrimSpace(c.MulticastAddress) == "" {
		c.MulticastAddress = MulticastAddressForPort(c.Port)
	}
	if c.IdentityKeyPath == "" {
		c.IdentityKeyPath = filepath.Join(c.DataDir, "keys", "ed25519_private.pem")
	}
	if len(c.ListenAddresses) == 0 {
		c.ListenAddresses = DefaultListenAddresses()
	}
	if c.Log.Format == "" {
		c.Log.Format = "console"
	}
	if len(c.Log.Outputs) == 0 {
		c.Log.Outputs = []string{"stderr"}
	}
}

// Validate reports the first invalid setting.
func (c *Config) Validate() error {
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("invalid port: %d", c.Port)
	}
	group, err := netip.ParseAddr(c.MulticastAddress)
	if err != nil || !group.Is6() || !group.IsMulticast() {
		return fmt.Errorf("invalid multicast_address: %q", c.MulticastAddress)
	}
	if c.AnnounceInterval <= 0 {
		return fmt.Errorf("invalid announce_interval: %s", c.AnnounceInterval)
	}
	if c.PeerTTL <= 0 {
		return fmt.Errorf("invalid peer_ttl: %s", c.PeerTTL)
	}
	if c.RequestTimeout <= 0 {
		return fmt.Errorf("invalid request_timeout: %s", c.RequestTimeout)
	}
	for _, address := range c.ListenAddresses {
		if _, err := netip.ParseAddr(address); err != nil {
			return fmt.Errorf("invalid listen address %q: %w", address, err)
		}
	}
	switch strings.ToLower(strings.TrimSpace(c.Log.Level)) {
	case "debug", "info", "warn", "warning", "error":
	default:
		return fmt.Errorf("invalid log.level: %q", c.Log.Level)
	}
	return nil
}

func loadDotEnv() error {
	envFile := os.Getenv("FILESWOOSH_ENV_FILE")
	if envFile == "" {
		envFile = ".env"
	}
	if err := godotenv.Load(envFile); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("load %s: %w", envFile, err)
	}
	return nil
}

func defaultSaveFolder() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "."
	}
	downloads := filepath.Join(home, "Downloads")
	if info, err := os.Stat(downloads); err == nil && info.IsDir() {
		return downloads
	}
	return home
}

func defaultHostname() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		return "unknown"
	}
	return strings.SplitN(host, ".", 2)[0]
}

func defaultUsername() string {
	current, err := user.Current()
	if err != nil {
		return "unknown"
	}
	// On Unix the display name is the GECOS field, which may carry extra
	// comma-separated entries.
	if name := strings.TrimSpace(strings.SplitN(current.Name, ",", 2)[0]); name != "" {
		return name
	}
	return current.Username
}
