package config

import (
	"log"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Config holds all runtime configuration for the router, loaded from the
// environment and an optional .env file.
type Config struct {
	Port string
	Mode string

	UseAuthentication bool
	SecretKey         string

	RedisHost            string
	RedisPort            string
	RedisPassword        string
	RedisCleanInterval   time.Duration
	RedisCleanGroupsSize int64

	PresenceEnabled bool
	PresenceTTL     time.Duration

	PingInterval time.Duration

	GroupBusyTimeout     time.Duration
	GroupInspectInterval time.Duration

	MessageMaxDuration     time.Duration
	MessageMaxIdleDuration time.Duration

	MirrorEnabled bool
	S3Region      string
	S3Bucket      string
	S3AccessKeyID string
	S3SecretKey   string
	S3Endpoint    string
}

const (
	ReleaseMode = "release"
	DebugMode   = "debug"
)

func LoadConfig() *Config {
	if err := godotenv.Load(); err != nil {
		log.Println("No .env file found, using environment variables")
	}

	return &Config{
		Port: getEnv("PORT", "3000"),
		Mode: getEnv("APP_MODE", DebugMode),

		UseAuthentication: getEnvAsBool("USE_AUTHENTICATION", true),
		SecretKey:         getEnv("SECRET_KEY", "change-me"),

		RedisHost:            getEnv("REDIS_HOST", "localhost"),
		RedisPort:            getEnv("REDIS_PORT", "6379"),
		RedisPassword:        getEnv("REDIS_PASSWORD", ""),
		RedisCleanInterval:   getEnvAsDurationMs("REDIS_CLEAN_INTERVAL_MS", 60000),
		RedisCleanGroupsSize: int64(getEnvAsInt("REDIS_CLEAN_GROUPS_AMOUNT", 10000)),

		PresenceEnabled: getEnvAsBool("PRESENCE_ENABLED", true),
		PresenceTTL:     time.Duration(getEnvAsInt("PRESENCE_TTL_SECONDS", 120)) * time.Second,

		PingInterval: getEnvAsDurationMs("PING_INTERVAL_MS", 120000),

		GroupBusyTimeout:     getEnvAsDurationMs("GROUP_BUSY_TIMEOUT_MS", 95000),
		GroupInspectInterval: getEnvAsDurationMs("GROUP_INSPECT_INTERVAL_MS", 60000),

		MessageMaxDuration:     getEnvAsDurationMs("MESSAGE_MAX_DURATION_MS", 90000),
		MessageMaxIdleDuration: getEnvAsDurationMs("MESSAGE_MAX_IDLE_DURATION_MS", 3000),

		MirrorEnabled: getEnvAsBool("MIRROR_ENABLED", false),
		S3Region:      getEnv("S3_REGION", ""),
		S3Bucket:      getEnv("S3_BUCKET", ""),
		S3AccessKeyID: getEnv("S3_ACCESS_KEY_ID", ""),
		S3SecretKey:   getEnv("S3_SECRET_ACCESS_KEY", ""),
		S3Endpoint:    getEnv("S3_ENDPOINT", ""),
	}
}

func getEnv(key, fallback string) string {
	if value, exists := os.LookupEnv(key); exists {
		return value
	}
	return fallback
}

func getEnvAsInt(key string, fallback int) int {
	if value, err := strconv.Atoi(getEnv(key, "")); err == nil {
		return value
	}
	return fallback
}

func getEnvAsBool(key string, fallback bool) bool {
	if value, err := strconv.ParseBool(getEnv(key, "")); err == nil {
		return value
	}
	return fallback
}

func getEnvAsDurationMs(key string, fallbackMs int) time.Duration {
	return time.Duration(getEnvAsInt(key, fallbackMs)) * time.Millisecond
}
