// Package config handles configuration loading, validation, and persistence
// for the slipstream dedicated server.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/rs/zerolog/log"
)

const (
	DefaultConfigDir  = "config"
	DefaultConfigFile = "config.json"
	DefaultGamePort   = 5555
	DefaultRelayPort  = 7777
	DefaultAPIPort    = 5000
)

// Config is the root configuration structure for the dedicated server.
type Config struct {
	mu   sync.RWMutex
	path string

	Game            GameData        `json:"game"`
	ApplicationData ApplicationData `json:"application"`
}

// GameData contains race server configuration.
type GameData struct {
	// Network
	Port       int    `json:"port"`
	ServerName string `json:"server_name"`

	// Relay hosting: when set, the server opens its rooms through a relay
	// instead of accepting direct UDP.
	RelayAddress string `json:"relay_address"`

	// Room defaults
	MaxPlayers int    `json:"max_players"`
	MaxRooms   int    `json:"max_rooms"`
	BotCount   int    `json:"bot_count"`
	Laps       int    `json:"laps"`
	TrackName  string `json:"track"`
	TrackDir   string `json:"track_dir"`

	// Pacing. Tick rate is the simulation rate; snapshots go out every
	// SnapshotDivisor ticks.
	TickRate        int     `json:"tick_rate"`
	SnapshotDivisor int     `json:"snapshot_divisor"`
	CountdownSec    float64 `json:"countdown_sec"`

	// Auto-start and lifecycle timing
	MinPlayers        int     `json:"min_players"`
	AutoStartDelaySec float64 `json:"auto_start_delay_sec"`
	DoneResetDelaySec float64 `json:"done_reset_delay_sec"`

	// Liveness
	ClientTimeoutSec float64 `json:"client_timeout_sec"`
}

// ApplicationData contains server application configuration.
type ApplicationData struct {
	API      APIConfig      `json:"api"`
	Database DatabaseConfig `json:"database"`
	MQTT     MQTTConfig     `json:"mqtt"`
	Security SecurityConfig `json:"security"`
	Logging  LoggingConfig  `json:"logging"`
}

// APIConfig holds the REST/websocket surface settings.
type APIConfig struct {
	Enabled bool `json:"enabled"`
	Port    int  `json:"port"`
}

// DatabaseConfig holds the race results store settings.
type DatabaseConfig struct {
	Enabled       bool   `json:"enabled"`
	Path          string `json:"path"`
	RetentionDays int    `json:"retention_days"`
}

// MQTTConfig holds MQTT telemetry settings.
type MQTTConfig struct {
	Enabled   bool   `json:"enabled"`
	BrokerURL string `json:"broker_url"`
	Port      int    `json:"port"`
	UseTLS    bool   `json:"use_tls"`
	ClientID  string `json:"client_id"`
	TopicBase string `json:"topic_base"`
}

// SecurityConfig holds API security settings.
type SecurityConfig struct {
	AllowedOrigins []string `json:"allowed_origins"`
	RateLimitRPS   int      `json:"rate_limit_rps"`
	AdminToken     string   `json:"admin_token"`
	AuthDisabled   bool     `json:"auth_disabled"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level      string `json:"level"`
	Directory  string `json:"directory"`
	MaxBackups int    `json:"max_backups"`
}

// DefaultConfig returns a configuration with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Game: GameData{
			Port:              DefaultGamePort,
			ServerName:        "slipstream dedicated",
			MaxPlayers:        4,
			MaxRooms:          16,
			BotCount:          0,
			Laps:              3,
			TrackName:         "figure-eight",
			TrackDir:          "tracks",
			TickRate:          60,
			SnapshotDivisor:   2,
			CountdownSec:      4.0,
			MinPlayers:        1,
			AutoStartDelaySec: 5.0,
			DoneResetDelaySec: 10.0,
			ClientTimeoutSec:  10.0,
		},
		ApplicationData: ApplicationData{
			API: APIConfig{
				Enabled: true,
				Port:    DefaultAPIPort,
			},
			Database: DatabaseConfig{
				Enabled:       true,
				Path:          "data/results.db",
				RetentionDays: 90,
			},
			MQTT: MQTTConfig{
				Enabled:   false,
				Port:      1883,
				TopicBase: "slipstream",
			},
			Security: SecurityConfig{
				RateLimitRPS: 100,
				AuthDisabled: true,
			},
			Logging: LoggingConfig{
				Level:      "info",
				Directory:  "logs",
				MaxBackups: 5,
			},
		},
	}
}

// Load reads configuration from a JSON file, overlaying it on defaults.
func Load(configDir string) (*Config, error) {
	configPath := filepath.Join(configDir, DefaultConfigFile)

	data, err := os.ReadFile(configPath)
	if err != nil {
		if os.IsNotExist(err) {
			log.Info().Str("path", configPath).Msg("config file not found, creating default")
			cfg := DefaultConfig()
			cfg.path = configPath
			if saveErr := cfg.Save(); saveErr != nil {
				return nil, fmt.Errorf("failed to save default config: %w", saveErr)
			}
			return cfg, nil
		}
		return nil, fmt.Errorf("failed to read config file %s: %w", configPath, err)
	}

	cfg := DefaultConfig() // Start with defaults, then overlay
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file %s: %w", configPath, err)
	}

	cfg.path = configPath
	log.Info().Str("path", configPath).Msg("configuration loaded")

	// Re-save so config.json always reflects the complete set of options,
	// including defaults added since the file was written.
	if saveErr := cfg.Save(); saveErr != nil {
		log.Warn().Err(saveErr).Msg("failed to re-save config with updated defaults")
	}

	return cfg, nil
}

// Save writes the current configuration to disk.
func (c *Config) Save() error {
	c.mu.RLock()
	defer c.mu.RUnlock()

	dir := filepath.Dir(c.path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(c.path, data, 0644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	log.Debug().Str("path", c.path).Msg("configuration saved")
	return nil
}

// GetGame returns a copy of the game configuration.
func (c *Config) GetGame() GameData {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.Game
}

// SetGame updates the game configuration.
func (c *Config) SetGame(data GameData) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.Game = data
}

// GetApplicationData returns a copy of the application configuration.
func (c *Config) GetApplicationData() ApplicationData {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.ApplicationData
}

// SetApplicationData updates the application configuration.
func (c *Config) SetApplicationData(data ApplicationData) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.ApplicationData = data
}

// UpdateGameField updates a single game field by its JSON key.
func (c *Config) UpdateGameField(key string, value interface{}) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	data, _ := json.Marshal(c.Game)
	m := make(map[string]interface{})
	json.Unmarshal(data, &m)

	m[key] = value

	updated, _ := json.Marshal(m)
	if err := json.Unmarshal(updated, &c.Game); err != nil {
		return fmt.Errorf("failed to update field %s: %w", key, err)
	}

	return nil
}

// Path returns the config file path.
func (c *Config) Path() string {
	return c.path
}
