package config

import (
	"os"
	"strconv"
	"time"
)

type Config struct {
	HTTP      HTTPConfig
	Punch     PunchConfig
	Relay     RelayConfig
	Game      GameConfig
	Logging   LoggingConfig
	Metrics   MetricsConfig
	RateLimit RateLimitConfig
	Fly       FlyConfig
}

type HTTPConfig struct {
	Host         string
	Port         int
	PublicHost   string
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	IdleTimeout  time.Duration
}

type PunchConfig struct {
	Host              string
	Port              int
	HostTTL           time.Duration
	ClientEndpointTTL time.Duration
	AttemptTTL        time.Duration
	PendingTTL        time.Duration
}

type RelayConfig struct {
	Host       string
	Port       int
	StreamPort int
	TLSCert    string
	TLSKey     string
	SessionTTL time.Duration
}

// GameConfig holds the protocol-core knobs embedded by a lobby host.
type GameConfig struct {
	ProtocolVersion     string
	ServerPassword      string
	MaxSessions         int
	MinPlayerNameLength int
	MaxPlayerNameLength int
	LobbyTTL            time.Duration
	ClientTimeout       time.Duration
	PollInterval        time.Duration
}

type LoggingConfig struct {
	Level  string
	Format string
	Output string
}

type MetricsConfig struct {
	Port int
	Path string
}

type RateLimitConfig struct {
	Enabled           bool
	RequestsPerMinute int
	Burst             int
}

// FlyConfig carries Fly.io placement info, surfaced only in diagnostics.
type FlyConfig struct {
	AppName  string
	PublicIP string
	AllocID  string
}

func Load() (*Config, error) {
	cfg := &Config{
		HTTP: HTTPConfig{
			Host:         getEnv("HTTP_HOST", "0.0.0.0"),
			Port:         getEnvInt("HTTP_PORT", 8080),
			PublicHost:   getEnv("PUBLIC_HOST", ""),
			ReadTimeout:  getEnvDuration("READ_TIMEOUT", 10*time.Second),
			WriteTimeout: getEnvDuration("WRITE_TIMEOUT", 10*time.Second),
			IdleTimeout:  getEnvDuration("IDLE_TIMEOUT", 120*time.Second),
		},
		Punch: PunchConfig{
			Host:              getEnv("PUNCH_HOST", "0.0.0.0"),
			Port:              getEnvInt("PUNCH_PORT", 9051),
			HostTTL:           getEnvDuration("HOST_REG_TTL", 90*time.Second),
			ClientEndpointTTL: getEnvDuration("CLIENT_ENDPOINT_TTL", 60*time.Second),
			AttemptTTL:        getEnvDuration("PUNCH_ATTEMPT_TTL", 30*time.Second),
			PendingTTL:        getEnvDuration("PUNCH_PENDING_TTL", 30*time.Second),
		},
		Relay: RelayConfig{
			Host:       getEnv("RELAY_HOST", "0.0.0.0"),
			Port:       getEnvInt("RELAY_PORT", 9052),
			StreamPort: getEnvInt("RELAY_STREAM_PORT", 0),
			TLSCert:    getEnv("RELAY_TLS_CERT", ""),
			TLSKey:     getEnv("RELAY_TLS_KEY", ""),
			SessionTTL: getEnvDuration("RELAY_SESSION_TTL", 30*time.Minute),
		},
		Game: GameConfig{
			ProtocolVersion:     getEnv("PROTOCOL_VERSION", "yarg-net/1"),
			ServerPassword:      getEnv("SERVER_PASSWORD", ""),
			MaxSessions:         getEnvInt("MAX_SESSIONS", 16),
			MinPlayerNameLength: getEnvInt("MIN_PLAYER_NAME_LENGTH", 1),
			MaxPlayerNameLength: getEnvInt("MAX_PLAYER_NAME_LENGTH", 32),
			LobbyTTL:            getEnvDuration("LOBBY_TTL", 30*time.Second),
			ClientTimeout:       getEnvDuration("CLIENT_TIMEOUT", 30*time.Second),
			PollInterval:        getEnvDuration("POLL_INTERVAL", 15*time.Millisecond),
		},
		Logging: LoggingConfig{
			Level:  getEnv("LOG_LEVEL", "info"),
			Format: getEnv("LOG_FORMAT", "json"),
			Output: getEnv("LOG_OUTPUT", "stdout"),
		},
		Metrics: MetricsConfig{
			Port: getEnvInt("METRICS_PORT", 9092),
			Path: getEnv("METRICS_PATH", "/metrics"),
		},
		RateLimit: RateLimitConfig{
			Enabled:           getEnvBool("RATE_LIMIT_ENABLED", true),
			RequestsPerMinute: getEnvInt("RATE_LIMIT_REQUESTS_PER_MINUTE", 120),
			Burst:             getEnvInt("RATE_LIMIT_BURST", 20),
		},
		Fly: FlyConfig{
			AppName:  getEnv("FLY_APP_NAME", ""),
			PublicIP: getEnv("FLY_PUBLIC_IP", ""),
			AllocID:  getEnv("FLY_ALLOC_ID", ""),
		},
	}
	return cfg, nil
}

func getEnv(key, fallback string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return fallback
}

func getEnvBool(key string, fallback bool) bool {
	if value := os.Getenv(key); value != "" {
		if boolVal, err := strconv.ParseBool(value); err == nil {
			return boolVal
		}
	}
	return fallback
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
	}
	return fallback
}
