package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/zhubert/relay-core/paths"
)

// Default values applied when the record omits a setting.
const (
	DefaultTimeoutSeconds  = 600
	DefaultMaxOutputLength = 4000
)

// Settings holds the tunable limits stored in the config record
type Settings struct {
	TimeoutSeconds  int `json:"timeout"`
	MaxOutputLength int `json:"max_output_length"`
}

// Config holds the channel-keyed engine configuration.
// Mutating accessors write the record back to disk so captured
// conversation ids and channel preferences survive restarts.
type Config struct {
	ChannelMappings        map[string]string `json:"channel_mappings"`
	ChannelSessions        map[string]string `json:"channel_sessions"`
	ChannelSkipPermissions map[string]bool   `json:"channel_skip_permissions"`
	Settings               Settings          `json:"settings"`

	mu       sync.RWMutex
	filePath string
}

// Load reads the config from disk, or creates a new one if it doesn't exist
func Load() (*Config, error) {
	path, err := paths.ConfigFilePath()
	if err != nil {
		return nil, err
	}
	return LoadFrom(path)
}

// LoadFrom reads the config from an explicit path. Used by Load and by tests.
func LoadFrom(path string) (*Config, error) {
	cfg := &Config{
		ChannelMappings:        make(map[string]string),
		ChannelSessions:        make(map[string]string),
		ChannelSkipPermissions: make(map[string]bool),
		Settings: Settings{
			TimeoutSeconds:  DefaultTimeoutSeconds,
			MaxOutputLength: DefaultMaxOutputLength,
		},
		filePath: path,
	}

	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return cfg, nil
	}
	if err != nil {
		return nil, err
	}

	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, err
	}

	// Ensure maps are initialized (not nil) after unmarshaling.
	// This must happen before Validate() since Validate() only reads.
	cfg.ensureInitialized()

	// Validate loaded config
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// ensureInitialized ensures all maps are initialized and settings carry
// defaults when the record omits them.
//
// Thread-safety: This method is NOT thread-safe and must only be called
// during single-threaded initialization (i.e., from LoadFrom() before the
// Config is shared across goroutines).
func (c *Config) ensureInitialized() {
	if c.ChannelMappings == nil {
		c.ChannelMappings = make(map[string]string)
	}
	if c.ChannelSessions == nil {
		c.ChannelSessions = make(map[string]string)
	}
	if c.ChannelSkipPermissions == nil {
		c.ChannelSkipPermissions = make(map[string]bool)
	}
	if c.Settings.TimeoutSeconds <= 0 {
		c.Settings.TimeoutSeconds = DefaultTimeoutSeconds
	}
	if c.Settings.MaxOutputLength <= 0 {
		c.Settings.MaxOutputLength = DefaultMaxOutputLength
	}
}

// Validate checks that the config is internally consistent.
// This is a read-only operation - call ensureInitialized() first if needed.
func (c *Config) Validate() error {
	c.mu.RLock()
	defer c.mu.RUnlock()

	for channel, dir := range c.ChannelMappings {
		if channel == "" {
			return fmt.Errorf("channel mapping with empty channel key found")
		}
		if dir == "" {
			return fmt.Errorf("channel %s has empty directory mapping", channel)
		}
	}

	for channel, id := range c.ChannelSessions {
		if channel == "" {
			return fmt.Errorf("channel session with empty channel key found")
		}
		if id == "" {
			return fmt.Errorf("channel %s has empty conversation id", channel)
		}
	}

	if c.Settings.TimeoutSeconds <= 0 {
		return fmt.Errorf("settings.timeout must be positive, got %d", c.Settings.TimeoutSeconds)
	}
	if c.Settings.MaxOutputLength <= 0 {
		return fmt.Errorf("settings.max_output_length must be positive, got %d", c.Settings.MaxOutputLength)
	}

	return nil
}

// Save writes the config to disk
func (c *Config) Save() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.saveLocked()
}

// saveLocked writes the record to disk. Caller must hold mu.
func (c *Config) saveLocked() error {
	dir := filepath.Dir(c.filePath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return err
	}

	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return err
	}

	return os.WriteFile(c.filePath, data, 0644)
}

// SetFilePath sets the config file path (for testing).
func (c *Config) SetFilePath(path string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.filePath = path
}

// FilePath returns the path the record is persisted to.
func (c *Config) FilePath() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.filePath
}

// Reload re-reads the record from disk, replacing the in-memory maps.
// Invalid or unreadable content leaves the current state untouched.
func (c *Config) Reload() error {
	c.mu.RLock()
	path := c.filePath
	c.mu.RUnlock()

	fresh, err := LoadFrom(path)
	if err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.ChannelMappings = fresh.ChannelMappings
	c.ChannelSessions = fresh.ChannelSessions
	c.ChannelSkipPermissions = fresh.ChannelSkipPermissions
	c.Settings = fresh.Settings
	return nil
}

// GetDirectory returns the working directory mapped to a channel.
// The second return reports whether a mapping exists.
func (c *Config) GetDirectory(channelKey string) (string, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	dir, ok := c.ChannelMappings[channelKey]
	return dir, ok
}

// SetDirectory maps a channel to a working directory and persists the record.
// Remapping to the same filesystem entry (symlink, trailing slash) is a no-op.
func (c *Config) SetDirectory(channelKey, dir string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if existing, ok := c.ChannelMappings[channelKey]; ok && SamePath(existing, dir) {
		return nil
	}
	c.ChannelMappings[channelKey] = dir
	return c.saveLocked()
}

// RemoveDirectory removes a channel's directory mapping and persists the record.
// Returns false without touching disk when no mapping exists.
func (c *Config) RemoveDirectory(channelKey string) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.ChannelMappings[channelKey]; !ok {
		return false, nil
	}
	delete(c.ChannelMappings, channelKey)
	return true, c.saveLocked()
}

// MappedChannels returns the channel keys that have directory mappings
func (c *Config) MappedChannels() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	channels := make([]string, 0, len(c.ChannelMappings))
	for channel := range c.ChannelMappings {
		channels = append(channels, channel)
	}
	return channels
}

// GetSessionID returns the captured conversation id for a channel, or empty string
func (c *Config) GetSessionID(channelKey string) string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.ChannelSessions[channelKey]
}

// SetSessionID records the captured conversation id for a channel and persists the record
func (c *Config) SetSessionID(channelKey, conversationID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.ChannelSessions[channelKey] = conversationID
	return c.saveLocked()
}

// ClearSessionID removes a channel's captured conversation id and persists the record.
// Returns false without touching disk when no id is stored.
func (c *Config) ClearSessionID(channelKey string) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.ChannelSessions[channelKey]; !ok {
		return false, nil
	}
	delete(c.ChannelSessions, channelKey)
	return true, c.saveLocked()
}

// GetSkipPermissions returns whether a channel defaults to auto-approval
func (c *Config) GetSkipPermissions(channelKey string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.ChannelSkipPermissions[channelKey]
}

// SetSkipPermissions records a channel's auto-approval default and persists the record
func (c *Config) SetSkipPermissions(channelKey string, skip bool) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if skip {
		c.ChannelSkipPermissions[channelKey] = true
	} else {
		delete(c.ChannelSkipPermissions, channelKey)
	}
	return c.saveLocked()
}

// GetTimeout returns the per-run timeout, defaulting to 600s
func (c *Config) GetTimeout() time.Duration {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.Settings.TimeoutSeconds <= 0 {
		return DefaultTimeoutSeconds * time.Second
	}
	return time.Duration(c.Settings.TimeoutSeconds) * time.Second
}

// SetTimeout sets the per-run timeout in seconds and persists the record
func (c *Config) SetTimeout(seconds int) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.Settings.TimeoutSeconds = seconds
	return c.saveLocked()
}

// GetMaxOutputLength returns the snapshot text cap, defaulting to 4000
func (c *Config) GetMaxOutputLength() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.Settings.MaxOutputLength <= 0 {
		return DefaultMaxOutputLength
	}
	return c.Settings.MaxOutputLength
}

// SetMaxOutputLength sets the snapshot text cap and persists the record
func (c *Config) SetMaxOutputLength(length int) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.Settings.MaxOutputLength = length
	return c.saveLocked()
}
