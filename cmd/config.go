package cmd

import (
	"fmt"
	"log/slog"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// Config holds the optional YAML configuration. Flags override file
// values, the file overrides defaults.
type Config struct {
	Addr     string `yaml:"addr"`
	LogLevel string `yaml:"log_level"`
}

func defaultConfig() Config {
	return Config{
		Addr: ":8080",
	}
}

// loadConfig reads the YAML file at path when given.
func loadConfig(path string) (Config, error) {
	cfg := defaultConfig()
	if path == "" {
		return cfg, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("failed to read config: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("failed to parse config: %w", err)
	}
	if cfg.Addr == "" {
		cfg.Addr = defaultConfig().Addr
	}
	return cfg, nil
}

// initLogging configures the global slog logger. The config file value
// is overridden by the DAVMIRROR_LOG_LEVEL environment variable.
func initLogging(level string) {
	if env := os.Getenv("DAVMIRROR_LOG_LEVEL"); env != "" {
		level = env
	}

	logLevel := slog.LevelInfo
	switch strings.ToLower(level) {
	case "debug":
		logLevel = slog.LevelDebug
	case "warn":
		logLevel = slog.LevelWarn
	case "error":
		logLevel = slog.LevelError
	}

	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: logLevel}))
	slog.SetDefault(logger)
}
