// Package config provides configuration management for the occupancy service
package config

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"
)

// Config represents the main service configuration
type Config struct {
	Version       string              `yaml:"version"`
	System        SystemConfig        `yaml:"system"`
	EventBus      EventBusConfig      `yaml:"eventbus"`
	Ingest        IngestConfig        `yaml:"ingest"`
	Counting      CountingConfig      `yaml:"counting"`
	Frames        FramesConfig        `yaml:"frames"`
	Notifications NotificationsConfig `yaml:"notifications"`
	Server        ServerConfig        `yaml:"server"`

	// Internal fields
	mu       sync.RWMutex    `yaml:"-"`
	path     string          `yaml:"-"`
	watchers []func(*Config) `yaml:"-"`
	encKey   []byte          `yaml:"-"`
}

// SystemConfig holds system-wide settings
type SystemConfig struct {
	Name     string         `yaml:"name"`
	DataPath string         `yaml:"data_path"`
	Database DatabaseConfig `yaml:"database"`
	Logging  LoggingConfig  `yaml:"logging"`
}

// DatabaseConfig holds database settings
type DatabaseConfig struct {
	Type         string `yaml:"type"`          // sqlite or postgres
	Path         string `yaml:"path"`          // SQLite path
	DSN          string `yaml:"dsn,omitempty"` // PostgreSQL connection string, stored encrypted
	MaxOpenConns int    `yaml:"max_open_conns,omitempty"`
	MaxIdleConns int    `yaml:"max_idle_conns,omitempty"`
}

// LoggingConfig holds logging settings
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"` // json or text
}

// EventBusConfig holds NATS settings. With an empty URL a server is
// embedded on Host:Port.
type EventBusConfig struct {
	URL       string `yaml:"url,omitempty"`
	Host      string `yaml:"host"`
	Port      int    `yaml:"port"`
	StoreDir  string `yaml:"store_dir"`
	JetStream *bool  `yaml:"jetstream,omitempty"`
}

// JetStreamEnabled reports whether JetStream is enabled (default true)
func (e EventBusConfig) JetStreamEnabled() bool {
	return e.JetStream == nil || *e.JetStream
}

// IngestConfig holds telemetry ingestion settings
type IngestConfig struct {
	Subject    string `yaml:"subject"`
	QueueGroup string `yaml:"queue_group"`
	// Mode is core (at most once) or jetstream (durable pull consumer)
	Mode              string `yaml:"mode"`
	Stream            string `yaml:"stream"`
	Durable           string `yaml:"durable"`
	BatchSize         int    `yaml:"batch_size"`
	StreamMaxAgeHours int    `yaml:"stream_max_age_hours"`
}

// CountingConfig holds occupancy estimation and transition settings
type CountingConfig struct {
	TrackedClass         uint32 `yaml:"tracked_class"`
	FilterWidthSeconds   int    `yaml:"filter_width_seconds"`
	TransitionTTLSeconds int    `yaml:"transition_ttl_seconds"`
	TransitionStore      string `yaml:"transition_store"` // memory or nats
	EventTimeoutSeconds  int    `yaml:"event_timeout_seconds"`
	Workers              int    `yaml:"workers"`
	OnlyToday            *bool  `yaml:"only_today,omitempty"`
}

// FilterWidth returns the estimator window width
func (c CountingConfig) FilterWidth() time.Duration {
	return time.Duration(c.FilterWidthSeconds) * time.Second
}

// TransitionTTL returns how long a device's last count stays live
func (c CountingConfig) TransitionTTL() time.Duration {
	return time.Duration(c.TransitionTTLSeconds) * time.Second
}

// EventTimeout returns the per-frame processing timeout
func (c CountingConfig) EventTimeout() time.Duration {
	return time.Duration(c.EventTimeoutSeconds) * time.Second
}

// OnlyTodayEnabled reports whether events from earlier days are dropped
// (default true)
func (c CountingConfig) OnlyTodayEnabled() bool {
	return c.OnlyToday == nil || *c.OnlyToday
}

// FramesConfig holds frame record retention settings
type FramesConfig struct {
	RetentionHours         int `yaml:"retention_hours"`
	CleanupIntervalMinutes int `yaml:"cleanup_interval_minutes"`
}

// Retention returns the maximum age of stored frames, 0 keeps them forever
func (f FramesConfig) Retention() time.Duration {
	return time.Duration(f.RetentionHours) * time.Hour
}

// CleanupInterval returns the interval between retention runs
func (f FramesConfig) CleanupInterval() time.Duration {
	return time.Duration(f.CleanupIntervalMinutes) * time.Minute
}

// NotificationsConfig holds count update and notification delivery settings
type NotificationsConfig struct {
	CountSubject        string `yaml:"count_subject"`
	NotificationSubject string `yaml:"notification_subject"`
	WebSocket           *bool  `yaml:"websocket,omitempty"`
}

// WebSocketEnabled reports whether the dashboard hub is served (default true)
func (n NotificationsConfig) WebSocketEnabled() bool {
	return n.WebSocket == nil || *n.WebSocket
}

// ServerConfig holds HTTP server settings
type ServerConfig struct {
	Address        string   `yaml:"address"`
	Port           int      `yaml:"port"`
	AllowedOrigins []string `yaml:"allowed_origins,omitempty"`
}

// Addr returns the listen address
func (s ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", s.Address, s.Port)
}

// Default returns a configuration with every default applied
func Default() *Config {
	cfg := &Config{encKey: getEncryptionKey()}
	cfg.setDefaults()
	return cfg
}

// Load loads configuration from a YAML file
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	cfg.path = path
	cfg.encKey = getEncryptionKey()

	// Decrypt sensitive fields
	if err := cfg.decryptSecrets(); err != nil {
		return nil, fmt.Errorf("failed to decrypt secrets: %w", err)
	}

	cfg.setDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return &cfg, nil
}

// LoadOrCreate loads the file at path, writing the defaults there first
// when it does not exist
func LoadOrCreate(path string) (*Config, error) {
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		cfg := Default()
		cfg.SetPath(path)
		if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
			return nil, fmt.Errorf("failed to create config directory: %w", err)
		}
		if err := cfg.Save(); err != nil {
			return nil, err
		}
		slog.Info("Default configuration written", "path", path)
	}
	return Load(path)
}

// Save saves the configuration to a YAML file
func (c *Config) Save() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.saveUnlocked()
}

// saveUnlocked saves without acquiring lock (caller must hold lock)
func (c *Config) saveUnlocked() error {
	// Create a copy for saving (without mutex)
	cfgCopy := &Config{
		Version:       c.Version,
		System:        c.System,
		EventBus:      c.EventBus,
		Ingest:        c.Ingest,
		Counting:      c.Counting,
		Frames:        c.Frames,
		Notifications: c.Notifications,
		Server:        c.Server,
		path:          c.path,
		encKey:        c.encKey,
	}
	if err := cfgCopy.encryptSecrets(); err != nil {
		return fmt.Errorf("failed to encrypt secrets: %w", err)
	}

	data, err := yaml.Marshal(cfgCopy)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	header := "# Occupancy Service Configuration\n# Auto-generated - manual edits are preserved\n\n"
	data = append([]byte(header), data...)

	// Atomic write
	tmpPath := c.path + ".tmp"
	if err := os.WriteFile(tmpPath, data, 0600); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}

	return os.Rename(tmpPath, c.path)
}

// Watch starts watching for configuration file changes until stop is
// closed. The directory is watched so that atomic renames are seen.
func (c *Config) Watch(stop <-chan struct{}) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}

	path := c.GetPath()
	name := filepath.Base(path)

	go func() {
		defer watcher.Close()

		for {
			select {
			case <-stop:
				return
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if filepath.Base(event.Name) != name {
					continue
				}
				if event.Op&(fsnotify.Write|fsnotify.Create) != 0 {
					time.Sleep(100 * time.Millisecond) // Debounce
					c.reload()
				}
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				slog.Error("Config watch error", "error", err)
			}
		}
	}()

	return watcher.Add(filepath.Dir(path))
}

// OnChange registers a callback for config changes
func (c *Config) OnChange(fn func(*Config)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.watchers = append(c.watchers, fn)
}

// reload reloads the configuration from disk. An invalid file keeps the
// current configuration.
func (c *Config) reload() {
	newCfg, err := Load(c.GetPath())
	if err != nil {
		slog.Error("Failed to reload config", "error", err)
		return
	}

	c.mu.Lock()
	// Copy fields individually to avoid copying the mutex
	c.Version = newCfg.Version
	c.System = newCfg.System
	c.EventBus = newCfg.EventBus
	c.Ingest = newCfg.Ingest
	c.Counting = newCfg.Counting
	c.Frames = newCfg.Frames
	c.Notifications = newCfg.Notifications
	c.Server = newCfg.Server
	c.encKey = newCfg.encKey
	watchers := c.watchers
	c.mu.Unlock()

	slog.Info("Configuration reloaded")

	for _, fn := range watchers {
		fn(c)
	}
}

// CountingSettings returns the counting section under the read lock
func (c *Config) CountingSettings() CountingConfig {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.Counting
}

// LoggingSettings returns the logging section under the read lock
func (c *Config) LoggingSettings() LoggingConfig {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.System.Logging
}

// SetPath sets the path for the config file (used for saving)
func (c *Config) SetPath(path string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.path = path
}

// GetPath returns the current config file path
func (c *Config) GetPath() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.path
}

// setDefaults sets default values for unset fields
func (c *Config) setDefaults() {
	if c.Version == "" {
		c.Version = "1.0"
	}
	if c.System.Name == "" {
		c.System.Name = "occupancy"
	}
	if c.System.DataPath == "" {
		c.System.DataPath = "/data"
	}
	if c.System.Database.Type == "" {
		c.System.Database.Type = "sqlite"
	}
	if c.System.Database.Type == "sqlite" && c.System.Database.Path == "" {
		c.System.Database.Path = filepath.Join(c.System.DataPath, "occupancy.db")
	}
	if c.System.Logging.Level == "" {
		c.System.Logging.Level = "info"
	}
	if c.System.Logging.Format == "" {
		c.System.Logging.Format = "json"
	}

	if c.EventBus.Host == "" {
		c.EventBus.Host = "127.0.0.1"
	}
	if c.EventBus.Port == 0 {
		c.EventBus.Port = 4222
	}
	if c.EventBus.StoreDir == "" {
		c.EventBus.StoreDir = filepath.Join(c.System.DataPath, "jetstream")
	}

	if c.Ingest.Subject == "" {
		c.Ingest.Subject = "occupancy.telemetry"
	}
	if c.Ingest.QueueGroup == "" {
		c.Ingest.QueueGroup = "occupancy-ingest"
	}
	if c.Ingest.Mode == "" {
		c.Ingest.Mode = "core"
	}
	if c.Ingest.Stream == "" {
		c.Ingest.Stream = "TELEMETRY"
	}
	if c.Ingest.Durable == "" {
		c.Ingest.Durable = "occupancy-ingest"
	}
	if c.Ingest.BatchSize == 0 {
		c.Ingest.BatchSize = 64
	}
	if c.Ingest.StreamMaxAgeHours == 0 {
		c.Ingest.StreamMaxAgeHours = 24
	}

	if c.Counting.FilterWidthSeconds == 0 {
		c.Counting.FilterWidthSeconds = 5
	}
	if c.Counting.TransitionTTLSeconds == 0 {
		c.Counting.TransitionTTLSeconds = 300
	}
	if c.Counting.TransitionStore == "" {
		c.Counting.TransitionStore = "memory"
	}
	if c.Counting.EventTimeoutSeconds == 0 {
		c.Counting.EventTimeoutSeconds = 10
	}
	if c.Counting.Workers == 0 {
		c.Counting.Workers = 8
	}

	if c.Frames.RetentionHours == 0 {
		c.Frames.RetentionHours = 7 * 24
	}
	if c.Frames.CleanupIntervalMinutes == 0 {
		c.Frames.CleanupIntervalMinutes = 60
	}

	if c.Notifications.CountSubject == "" {
		c.Notifications.CountSubject = "occupancy.counts"
	}
	if c.Notifications.NotificationSubject == "" {
		c.Notifications.NotificationSubject = "occupancy.notifications"
	}

	if c.Server.Address == "" {
		c.Server.Address = "0.0.0.0"
	}
	if c.Server.Port == 0 {
		c.Server.Port = 8080
	}
}

// Validate checks the configuration for contradictions
func (c *Config) Validate() error {
	var errs []error

	switch c.System.Database.Type {
	case "sqlite":
	case "postgres":
		if c.System.Database.DSN == "" {
			errs = append(errs, errors.New("system.database.dsn is required for postgres"))
		}
	default:
		errs = append(errs, fmt.Errorf("system.database.type %q must be sqlite or postgres", c.System.Database.Type))
	}

	switch c.Ingest.Mode {
	case "core":
	case "jetstream":
		if !c.EventBus.JetStreamEnabled() {
			errs = append(errs, errors.New("ingest.mode jetstream requires eventbus.jetstream"))
		}
	default:
		errs = append(errs, fmt.Errorf("ingest.mode %q must be core or jetstream", c.Ingest.Mode))
	}
	if c.Ingest.BatchSize < 0 {
		errs = append(errs, errors.New("ingest.batch_size must not be negative"))
	}

	switch c.Counting.TransitionStore {
	case "memory":
	case "nats":
		if !c.EventBus.JetStreamEnabled() {
			errs = append(errs, errors.New("counting.transition_store nats requires eventbus.jetstream"))
		}
	default:
		errs = append(errs, fmt.Errorf("counting.transition_store %q must be memory or nats", c.Counting.TransitionStore))
	}
	if c.Counting.FilterWidthSeconds < 0 {
		errs = append(errs, errors.New("counting.filter_width_seconds must be positive"))
	}
	if c.Counting.TransitionTTLSeconds < 0 {
		errs = append(errs, errors.New("counting.transition_ttl_seconds must be positive"))
	}
	if c.Counting.Workers < 0 {
		errs = append(errs, errors.New("counting.workers must be positive"))
	}

	if c.Frames.RetentionHours < 0 {
		errs = append(errs, errors.New("frames.retention_hours must not be negative"))
	}

	if c.Server.Port < 0 || c.Server.Port > 65535 {
		errs = append(errs, fmt.Errorf("server.port %d out of range", c.Server.Port))
	}

	return errors.Join(errs...)
}

const encryptedPrefix = "encrypted:"

// encryptSecrets encrypts sensitive fields
func (c *Config) encryptSecrets() error {
	dsn := c.System.Database.DSN
	if dsn == "" || strings.HasPrefix(dsn, encryptedPrefix) {
		return nil
	}
	encrypted, err := encrypt(c.encKey, dsn)
	if err != nil {
		return err
	}
	c.System.Database.DSN = encryptedPrefix + encrypted
	return nil
}

// decryptSecrets decrypts sensitive fields
func (c *Config) decryptSecrets() error {
	dsn := c.System.Database.DSN
	if !strings.HasPrefix(dsn, encryptedPrefix) {
		return nil
	}
	decrypted, err := decrypt(c.encKey, strings.TrimPrefix(dsn, encryptedPrefix))
	if err != nil {
		return err
	}
	c.System.Database.DSN = decrypted
	return nil
}

// getEncryptionKey returns the encryption key from environment or the
// built-in default
func getEncryptionKey() []byte {
	keyStr := os.Getenv("OCCUPANCY_ENCRYPTION_KEY")
	if keyStr != "" {
		key, err := base64.StdEncoding.DecodeString(keyStr)
		if err == nil && len(key) == 32 {
			return key
		}
	}

	// Must be exactly 32 bytes for AES-256
	return []byte("occupancy-default-key-change-me!")
}

// encrypt encrypts a string using AES-GCM
func encrypt(key []byte, plaintext string) (string, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return "", err
	}

	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return "", err
	}

	nonce := make([]byte, gcm.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return "", err
	}

	ciphertext := gcm.Seal(nonce, nonce, []byte(plaintext), nil)
	return base64.StdEncoding.EncodeToString(ciphertext), nil
}

// decrypt decrypts a string using AES-GCM
func decrypt(key []byte, ciphertext string) (string, error) {
	data, err := base64.StdEncoding.DecodeString(ciphertext)
	if err != nil {
		return "", err
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return "", err
	}

	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return "", err
	}

	if len(data) < gcm.NonceSize() {
		return "", fmt.Errorf("ciphertext too short")
	}

	nonce, ciphertextBytes := data[:gcm.NonceSize()], data[gcm.NonceSize():]
	plaintext, err := gcm.Open(nil, nonce, ciphertextBytes, nil)
	if err != nil {
		return "", err
	}

	return string(plaintext), nil
}
