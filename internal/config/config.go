package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds application configuration
type Config struct {
	Port     string
	Env      string
	LogLevel string

	// Session cache
	RedisAddr     string
	RedisPassword string
	RedisTLS      bool
	SessionTTL    time.Duration

	// Clinical records server (FHIR)
	FHIRBaseURL     string
	FHIRAuthToken   string
	FHIRTimeout     time.Duration
	DefaultSchedule string

	// Booking policy
	BusinessHourStart int // inclusive, 24h clock
	BusinessHourEnd   int // exclusive
	SlotDurationMins  int
	ClinicTimezone    string

	// Long-term conversation archive (optional)
	DatabaseURL string

	// Notifications
	SendGridAPIKey    string
	SendGridFromEmail string
	SendGridFromName  string
	SMSProviderURL    string
	SMSProviderKey    string
	SMSFromNumber     string
}

// Load reads configuration from environment variables
func Load() *Config {
	return &Config{
		Port:     getEnv("PORT", "8080"),
		Env:      getEnv("ENV", "development"),
		LogLevel: getEnv("LOG_LEVEL", "info"),

		RedisAddr:     getEnv("REDIS_ADDR", "localhost:6379"),
		RedisPassword: getEnv("REDIS_PASSWORD", ""),
		RedisTLS:      getEnvAsBool("REDIS_TLS", false),
		SessionTTL:    getEnvAsDuration("SESSION_TTL", 30*time.Minute),

		FHIRBaseURL:     getEnv("FHIR_BASE_URL", ""),
		FHIRAuthToken:   getEnv("FHIR_AUTH_TOKEN", ""),
		FHIRTimeout:     getEnvAsDuration("FHIR_TIMEOUT", 30*time.Second),
		DefaultSchedule: getEnv("FHIR_DEFAULT_SCHEDULE", "25549"),

		BusinessHourStart: getEnvAsInt("BUSINESS_HOUR_START", 9),
		BusinessHourEnd:   getEnvAsInt("BUSINESS_HOUR_END", 17),
		SlotDurationMins:  getEnvAsInt("SLOT_DURATION_MINS", 30),
		ClinicTimezone:    getEnv("CLINIC_TIMEZONE", "UTC"),

		DatabaseURL: getEnv("DATABASE_URL", ""),

		SendGridAPIKey:    getEnv("SENDGRID_API_KEY", ""),
		SendGridFromEmail: getEnv("SENDGRID_FROM_EMAIL", "care@annahealth.example"),
		SendGridFromName:  getEnv("SENDGRID_FROM_NAME", "Anna Health Assistant"),
		SMSProviderURL:    getEnv("SMS_PROVIDER_URL", ""),
		SMSProviderKey:    getEnv("SMS_PROVIDER_KEY", ""),
		SMSFromNumber:     getEnv("SMS_FROM_NUMBER", ""),
	}
}

func getEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok && value != "" {
		return value
	}
	return fallback
}

func getEnvAsInt(key string, fallback int) int {
	if value, ok := os.LookupEnv(key); ok {
		if parsed, err := strconv.Atoi(strings.TrimSpace(value)); err == nil {
			return parsed
		}
	}
	return fallback
}

func getEnvAsBool(key string, fallback bool) bool {
	if value, ok := os.LookupEnv(key); ok {
		if parsed, err := strconv.ParseBool(strings.TrimSpace(value)); err == nil {
			return parsed
		}
	}
	return fallback
}

func getEnvAsDuration(key string, fallback time.Duration) time.Duration {
	if value, ok := os.LookupEnv(key); ok {
		if parsed, err := time.ParseDuration(strings.TrimSpace(value)); err == nil {
			return parsed
		}
	}
	return fallback
}
