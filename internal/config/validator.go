package config

import (
	"fmt"
	"strings"
)

// ValidationError represents a configuration validation error.
type ValidationError struct {
	Field   string
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("config validation error [%s]: %s", e.Field, e.Message)
}

// ValidationResult holds the results of configuration validation.
type ValidationResult struct {
	Errors   []ValidationError
	Warnings []ValidationError
}

// IsValid returns true if there are no validation errors.
func (r *ValidationResult) IsValid() bool {
	return len(r.Errors) == 0
}

// AddError adds a validation error.
func (r *ValidationResult) AddError(field, message string) {
	r.Errors = append(r.Errors, ValidationError{Field: field, Message: message})
}

// AddWarning adds a validation warning.
func (r *ValidationResult) AddWarning(field, message string) {
	r.Warnings = append(r.Warnings, ValidationError{Field: field, Message: message})
}

// Validate performs validation of the full configuration.
func Validate(cfg *Config) *ValidationResult {
	result := &ValidationResult{}

	validateGame(&cfg.Game, result)
	validateApplicationData(&cfg.ApplicationData, result)

	return result
}

func validateGame(data *GameData, result *ValidationResult) {
	validatePort(data.Port, "game.port", result)

	if data.MaxPlayers < 1 || data.MaxPlayers > 255 {
		result.AddError("game.max_players", "must be between 1 and 255")
	}
	if data.MaxRooms < 1 {
		result.AddError("game.max_rooms", "must have at least 1 room")
	}
	if data.BotCount < 0 {
		result.AddError("game.bot_count", "bot count cannot be negative")
	}
	if strings.TrimSpace(data.TrackName) == "" {
		result.AddError("game.track", "a default track is required")
	}

	if data.TickRate < 10 || data.TickRate > 240 {
		result.AddError("game.tick_rate", fmt.Sprintf("tick rate %d outside 10-240", data.TickRate))
	}
	if data.SnapshotDivisor < 1 {
		result.AddError("game.snapshot_divisor", "snapshot divisor must be at least 1")
	} else if data.TickRate/data.SnapshotDivisor < 10 {
		result.AddWarning("game.snapshot_divisor",
			"snapshot rate under 10 Hz makes interpolation visibly choppy")
	}

	if data.CountdownSec < 1 {
		result.AddWarning("game.countdown_sec", "countdown under 1s gives clients no time to settle")
	}
	if data.ClientTimeoutSec < 3 {
		result.AddWarning("game.client_timeout_sec",
			"client timeout under 3s will drop players on ordinary packet loss")
	}
	if data.MinPlayers < 1 {
		result.AddError("game.min_players", "must require at least 1 player to start")
	}
}

func validateApplicationData(data *ApplicationData, result *ValidationResult) {
	if data.API.Enabled {
		validatePort(data.API.Port, "application.api.port", result)
	}

	if data.Database.Enabled && strings.TrimSpace(data.Database.Path) == "" {
		result.AddError("application.database.path", "database path is required when enabled")
	}

	if data.MQTT.Enabled {
		if strings.TrimSpace(data.MQTT.BrokerURL) == "" {
			result.AddError("application.mqtt.broker_url", "MQTT broker URL is required when enabled")
		}
		if data.MQTT.Port < 1 || data.MQTT.Port > 65535 {
			result.AddError("application.mqtt.port", "invalid MQTT port")
		}
	}

	if data.Security.RateLimitRPS < 1 {
		result.AddWarning("application.security.rate_limit_rps",
			"rate limit is disabled (0 RPS), this may expose the API to abuse")
	}
	if !data.Security.AuthDisabled && strings.TrimSpace(data.Security.AdminToken) == "" {
		result.AddWarning("application.security.admin_token",
			"auth enabled with no admin token, one will be generated at startup")
	}
}

func validatePort(port int, field string, result *ValidationResult) {
	if port < 1 || port > 65535 {
		result.AddError(field, fmt.Sprintf("invalid port number: %d (must be 1-65535)", port))
		return
	}
	if port < 1024 {
		result.AddWarning(field,
			fmt.Sprintf("port %d is a privileged port, may require elevated permissions", port))
	}
}
