// Package config loads the daemon's runtime configuration from the
// environment. None of these options take part in the coordination
// logic; they only parameterize its bootstrap.
package config

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"

	"github.com/abeljaev/fandomat/logger"
)

// Config is the full environment-driven configuration surface.
type Config struct {
	// Serial link to the field device.
	SerialPath   string `env:"PLC_SERIAL_PORT" envDefault:"/dev/ttyUSB0"`
	BaudRate     int    `env:"PLC_BAUDRATE" envDefault:"115200"`
	SlaveAddress uint8  `env:"PLC_SLAVE_ADDRESS" envDefault:"2"`

	// Register addresses.
	CommandRegister  uint16 `env:"PLC_CMD_REGISTER" envDefault:"25"`
	StatusRegister   uint16 `env:"PLC_STATUS_REGISTER" envDefault:"26"`
	CountersRegister uint16 `env:"PLC_COUNTERS_REGISTER" envDefault:"20"`

	// Timing.
	TransactionTimeout    time.Duration `env:"PLC_TRANSACTION_TIMEOUT" envDefault:"200ms"`
	PollInterval          time.Duration `env:"POLL_INTERVAL" envDefault:"100ms"`
	ClassificationTimeout time.Duration `env:"CLASSIFICATION_TIMEOUT" envDefault:"2s"`
	DumpTimeout           time.Duration `env:"DUMP_TIMEOUT" envDefault:"3s"`

	// Fault escalation bound for consecutive failed status reads.
	MaxReadFailures int `env:"MAX_READ_FAILURES" envDefault:"3"`

	// WebSocket endpoint.
	WebSocketHost string `env:"WEBSOCKET_HOST" envDefault:"localhost"`
	WebSocketPort int    `env:"WEBSOCKET_PORT" envDefault:"8765"`

	// Photo storage for get_photo responses.
	PhotosDir string `env:"PHOTOS_DIR" envDefault:"imgs"`

	// CameraIndex is handed to the classification worker at deployment
	// time; the coordinator itself never touches the camera.
	CameraIndex int `env:"CAMERA_INDEX" envDefault:"0"`

	// Detection priority when both presence bits assert: bottle or bank.
	DetectPriority string `env:"DETECT_PRIORITY" envDefault:"bottle"`

	// Policy for a second worker registration: replace or reject.
	WorkerPolicy string `env:"VISION_WORKER_POLICY" envDefault:"replace"`

	LogLevel string `env:"LOG_LEVEL" envDefault:"info"`
}

// Load parses and validates the configuration from the environment.
func Load() (*Config, error) {
	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks ranges and enumerations.
func (c *Config) Validate() error {
	if c.BaudRate <= 0 {
		return fmt.Errorf("config: baud rate %d out of range", c.BaudRate)
	}
	if c.WebSocketPort < 0 || c.WebSocketPort > 65535 {
		return fmt.Errorf("config: websocket port %d out of range [0, 65535]", c.WebSocketPort)
	}
	for name, d := range map[string]time.Duration{
		"PLC_TRANSACTION_TIMEOUT": c.TransactionTimeout,
		"POLL_INTERVAL":           c.PollInterval,
		"CLASSIFICATION_TIMEOUT":  c.ClassificationTimeout,
		"DUMP_TIMEOUT":            c.DumpTimeout,
	} {
		if d <= 0 {
			return fmt.Errorf("config: %s must be positive, got %v", name, d)
		}
	}
	if c.MaxReadFailures < 1 {
		return fmt.Errorf("config: MAX_READ_FAILURES must be at least 1, got %d", c.MaxReadFailures)
	}

	switch c.DetectPriority {
	case "bottle", "bank":
	default:
		return fmt.Errorf("config: DETECT_PRIORITY must be bottle or bank, got %q", c.DetectPriority)
	}

	switch c.WorkerPolicy {
	case "replace", "reject":
	default:
		return fmt.Errorf("config: VISION_WORKER_POLICY must be replace or reject, got %q", c.WorkerPolicy)
	}

	switch c.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("config: LOG_LEVEL must be one of debug, info, warn, error, got %q", c.LogLevel)
	}

	return nil
}

// ListenAddr returns the WebSocket bind address.
func (c *Config) ListenAddr() string {
	return fmt.Sprintf("%s:%d", c.WebSocketHost, c.WebSocketPort)
}

// LoggerLevel maps the configured level name onto the logger's levels.
func (c *Config) LoggerLevel() logger.Level {
	switch c.LogLevel {
	case "debug":
		return logger.DebugLevel
	case "warn":
		return logger.WarnLevel
	case "error":
		return logger.ErrorLevel
	default:
		return logger.InfoLevel
	}
}
