// internal/logging/logger.go
package logging

import (
	"fmt"
	"io"
	"os"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Log levels
const (
	LevelDebug = "debug"
	LevelInfo  = "info"
	LevelWarn  = "warn"
	LevelError = "error"
)

// Log formats
const (
	FormatJSON    = "json"
	FormatConsole = "console"
)

// LoggerConfig configures a logger
type LoggerConfig struct {
	Level  string
	Format string
	Output io.Writer
}

// Validate checks configuration
func (c *LoggerConfig) Validate() error {
	if c.Level != "" {
		if _, err := zapcore.ParseLevel(c.Level); err != nil {
			return fmt.Errorf("logging: invalid level: %s", c.Level)
		}
	}
	switch c.Format {
	case "", FormatJSON, FormatConsole:
	default:
		return fmt.Errorf("logging: invalid format: %s", c.Format)
	}
	return nil
}

// ApplyDefaults fills in default values
func (c *LoggerConfig) ApplyDefaults() {
	if c.Level == "" {
		c.Level = LevelInfo
	}
	if c.Format == "" {
		c.Format = FormatJSON
	}
	if c.Output == nil {
		c.Output = os.Stderr
	}
}

// New builds a zap logger. JSON output uses the production encoder,
// console output the development one.
func New(config LoggerConfig) (*zap.Logger, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	config.ApplyDefaults()

	level, _ := zapcore.ParseLevel(config.Level)

	var encoder zapcore.Encoder
	if config.Format == FormatConsole {
		encoder = zapcore.NewConsoleEncoder(zap.NewDevelopmentEncoderConfig())
	} else {
		encoderConfig := zap.NewProductionEncoderConfig()
		encoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
		encoder = zapcore.NewJSONEncoder(encoderConfig)
	}

	core := zapcore.NewCore(encoder, zapcore.AddSync(config.Output), zap.NewAtomicLevelAt(level))
	return zap.New(core, zap.AddCaller(), zap.AddStacktrace(zapcore.ErrorLevel)), nil
}
