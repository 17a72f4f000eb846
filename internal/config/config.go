package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Config carries every externally supplied setting. Nothing here is
// hard-coded for production use; defaults exist only for local development.
type Config struct {
	// Port the echo server listens on. Devices and control panels dial
	// ws://host:port/ws.
	Port string

	// ServerVersion is reported in the handshake acknowledgement.
	ServerVersion string

	// BroadcastInterval is the system snapshot fan-out period, reported to
	// devices in the handshake acknowledgement.
	BroadcastInterval time.Duration

	// HeartbeatInterval is the supervisor sweep period.
	HeartbeatInterval time.Duration

	// HeartbeatTimeout is how long a device may stay silent before it is
	// forcibly disconnected.
	HeartbeatTimeout time.Duration

	// Speech holds the cloud transcription service credentials.
	Speech SpeechConfig
}

// SpeechConfig configures the outbound transcription bridge.
type SpeechConfig struct {
	// AccessKeyID and AccessKeySecret sign the CreateToken request.
	AccessKeyID     string
	AccessKeySecret string

	// AppKey identifies the transcription project.
	AppKey string

	// StaticToken, when set, bypasses request signing entirely.
	StaticToken string

	// TokenEndpoint serves signed CreateToken requests.
	TokenEndpoint string

	// StreamEndpoint is the websocket URL of the transcriber.
	StreamEndpoint string
}

// Load reads configuration from the environment, honoring a local .env file
// when present.
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{
		Port:              getEnv("GATEWAY_PORT", "8765"),
		ServerVersion:     getEnv("GATEWAY_SERVER_VERSION", "3.0.0"),
		BroadcastInterval: getDurationEnv("GATEWAY_BROADCAST_INTERVAL", 5*time.Second),
		HeartbeatInterval: getDurationEnv("GATEWAY_HEARTBEAT_INTERVAL", 10*time.Second),
		HeartbeatTimeout:  getDurationEnv("GATEWAY_HEARTBEAT_TIMEOUT", 15*time.Second),
		Speech: SpeechConfig{
			AccessKeyID:     os.Getenv("SPEECH_ACCESS_KEY_ID"),
			AccessKeySecret: os.Getenv("SPEECH_ACCESS_KEY_SECRET"),
			AppKey:          os.Getenv("SPEECH_APP_KEY"),
			StaticToken:     os.Getenv("SPEECH_STATIC_TOKEN"),
			TokenEndpoint:   getEnv("SPEECH_TOKEN_ENDPOINT", "https://nls-meta.cn-shanghai.aliyuncs.com/"),
			StreamEndpoint:  getEnv("SPEECH_STREAM_ENDPOINT", "wss://nls-gateway.cn-shanghai.aliyuncs.com/ws/v1"),
		},
	}

	if _, err := strconv.Atoi(cfg.Port); err != nil {
		return nil, fmt.Errorf("invalid GATEWAY_PORT %q: %w", cfg.Port, err)
	}

	return cfg, nil
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getDurationEnv(key string, fallback time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return fallback
	}
	return d
}
