// Package config loads engine and server settings from the environment,
// with an optional .env file for local development.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Config holds everything the service reads from its environment. Loan
// period, fine rate and reservation expiry are policy inputs, not
// constants: deployments and tests set their own.
type Config struct {
	Port          string
	StorageDriver string // "postgres" or "memory"

	DBHost     string
	DBPort     string
	DBUser     string
	DBPassword string
	DBName     string
	DBSSLMode  string

	LoanPeriod     time.Duration
	DailyFineRate  float64
	ReservationTTL time.Duration
	SweepInterval  time.Duration
}

// Load reads configuration, loading a .env file first when present.
func Load() (Config, error) {
	// Missing .env is fine; plain environment variables take over.
	_ = godotenv.Load()

	cfg := Config{
		Port:          getEnv("PORT", "8080"),
		StorageDriver: getEnv("STORAGE_DRIVER", "postgres"),
		DBHost:        getEnv("DB_HOST", "localhost"),
		DBPort:        getEnv("DB_PORT", "5432"),
		DBUser:        getEnv("DB_USER", "postgres"),
		DBPassword:    getEnv("DB_PASSWORD", "postgres"),
		DBName:        getEnv("DB_NAME", "liblending"),
		DBSSLMode:     getEnv("DB_SSLMODE", "disable"),
	}

	loanDays, err := getInt("LOAN_PERIOD_DAYS", 14)
	if err != nil {
		return Config{}, err
	}
	cfg.LoanPeriod = time.Duration(loanDays) * 24 * time.Hour

	cfg.DailyFineRate, err = getFloat("FINE_RATE", 5)
	if err != nil {
		return Config{}, err
	}

	reservationDays, err := getInt("RESERVATION_EXPIRY_DAYS", 3)
	if err != nil {
		return Config{}, err
	}
	cfg.ReservationTTL = time.Duration(reservationDays) * 24 * time.Hour

	sweepSeconds, err := getInt("SWEEP_INTERVAL_SECONDS", 60)
	if err != nil {
		return Config{}, err
	}
	cfg.SweepInterval = time.Duration(sweepSeconds) * time.Second

	if cfg.StorageDriver != "postgres" && cfg.StorageDriver != "memory" {
		return Config{}, fmt.Errorf("invalid STORAGE_DRIVER %q", cfg.StorageDriver)
	}
	return cfg, nil
}

// DSN builds a libpq-compatible connection string.
func (c Config) DSN() string {
	return fmt.Sprintf(
		"host=%s port=%s user=%s password=%s dbname=%s sslmode=%s",
		c.DBHost, c.DBPort, c.DBUser, c.DBPassword, c.DBName, c.DBSSLMode,
	)
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getInt(key string, fallback int) (int, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	return n, nil
}

func getFloat(key string, fallback float64) (float64, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	return f, nil
}
