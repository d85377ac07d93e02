// internal/config/env.go
package config

import (
	"fmt"
	"os"
	"strconv"
)

// LoadFromEnv applies REBEL_* environment overrides to cfg.
func LoadFromEnv(cfg *Config) error {
	if v := os.Getenv("REBEL_CAS_ADDRESS"); v != "" {
		cfg.Remote.CASAddress = v
	}
	if v := os.Getenv("REBEL_EXEC_ADDRESS"); v != "" {
		cfg.Remote.ExecAddress = v
	}
	if v := os.Getenv("REBEL_INSTANCE_NAME"); v != "" {
		cfg.Remote.InstanceName = v
	}
	if v := os.Getenv("REBEL_TOKEN"); v != "" {
		cfg.Remote.Token = v
	}
	if v := os.Getenv("REBEL_LOG_LEVEL"); v != "" {
		cfg.Log.Level = v
	}
	if v := os.Getenv("REBEL_SCENARIO"); v != "" {
		cfg.Load.Scenario = v
	}
	if v := os.Getenv("REBEL_CONCURRENCY"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("config: REBEL_CONCURRENCY: %w", err)
		}
		cfg.Load.Concurrency = n
	}
	return nil
}

// GetEnvOrDefault returns environment variable or default value
func GetEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}
