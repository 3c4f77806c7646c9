// Package config reads the server's process configuration from the
// environment, optionally seeded from a .env file.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
)

var ErrMissingSecret = errors.New("JWT_SECRET environment variable is required")

type Config struct {
	Port           int
	JWTSecret      string
	DataDir        string
	DevMode        bool
	AMQPURL        string
	AMQPExchange   string
	AllowedOrigins []string
}

// Load reads envFiles (missing files are ignored) and then the environment.
// Variables already set in the environment win over the files.
func Load(envFiles ...string) (Config, error) {
	for _, f := range envFiles {
		if err := godotenv.Load(f); err != nil && !errors.Is(err, os.ErrNotExist) {
			return Config{}, fmt.Errorf("load %s: %w", f, err)
		}
	}

	port, err := getEnvInt("PORT", 8080)
	if err != nil {
		return Config{}, err
	}

	cfg := Config{
		Port:           port,
		JWTSecret:      os.Getenv("JWT_SECRET"),
		DataDir:        getEnv("DATA_DIR", "./data"),
		DevMode:        os.Getenv("DEV_MODE") == "true",
		AMQPURL:        os.Getenv("AMQP_URL"),
		AMQPExchange:   getEnv("AMQP_EXCHANGE", "marketplace.events"),
		AllowedOrigins: splitList(os.Getenv("ALLOWED_ORIGINS")),
	}
	if cfg.JWTSecret == "" {
		return Config{}, ErrMissingSecret
	}
	return cfg, nil
}

func getEnv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getEnvInt(key string, def int) (int, error) {
	v := os.Getenv(key)
	if v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		return 0, fmt.Errorf("invalid %s: %q", key, v)
	}
	return n, nil
}

func splitList(s string) []string {
	var out []string
	for _, p := range strings.Split(s, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
