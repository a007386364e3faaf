package config

import (
	"fmt"
	"net/url"
	"time"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
)

// Config holds all configuration for the streaming transcription client
type Config struct {
	// Transcription service endpoint (ws:// or wss://)
	ServerURL string `envconfig:"STT_SERVER_URL" default:"ws://localhost:8000/ws/stt"`

	// Audio format expected by the service
	SampleRate   int    `envconfig:"AUDIO_SAMPLE_RATE" default:"16000"`
	Channels     int    `envconfig:"AUDIO_CHANNELS" default:"1"`
	BitDepth     int    `envconfig:"AUDIO_BIT_DEPTH" default:"16"`
	Encoding     string `envconfig:"AUDIO_ENCODING" default:"pcm_s16le"`
	AudioFraming string `envconfig:"AUDIO_FRAMING" default:"base64"` // base64 (JSON audio_data) or binary

	// Capture configuration
	CaptureSampleRate   int    `envconfig:"CAPTURE_SAMPLE_RATE" default:"48000"`  // Native device rate
	CaptureBufferFrames int    `envconfig:"CAPTURE_BUFFER_FRAMES" default:"2048"` // Frames per capture callback
	CaptureDeviceID     string `envconfig:"CAPTURE_DEVICE_ID"`                    // Empty selects the system default
	FrameQueueSize      int    `envconfig:"FRAME_QUEUE_SIZE" default:"64"`        // Encoded frames waiting for the sender

	// Resilience configuration
	ReconnectMaxAttempts       int     `envconfig:"RECONNECT_MAX_ATTEMPTS" default:"3"`
	ReconnectDelay             int     `envconfig:"RECONNECT_DELAY_MS" default:"2000"`
	ReconnectBackoffMultiplier float64 `envconfig:"RECONNECT_BACKOFF_MULTIPLIER" default:"1.0"` // 1.0 = fixed delay
	ConnectTimeout             int     `envconfig:"CONNECT_TIMEOUT_MS" default:"10000"`
	WriteTimeout               int     `envconfig:"WRITE_TIMEOUT_MS" default:"5000"`
	EndStreamFlushDelay        int     `envconfig:"END_STREAM_FLUSH_DELAY_MS" default:"150"`

	// Observability configuration
	LogLevel       string `envconfig:"LOG_LEVEL" default:"info"`
	LogPretty      bool   `envconfig:"LOG_PRETTY" default:"false"`
	MetricsEnabled bool   `envconfig:"METRICS_ENABLED" default:"false"`
	MetricsAddr    string `envconfig:"METRICS_ADDR" default:":9464"`
}

// Stream is the view of the configuration the session needs to open a stream
type Stream struct {
	ConnectionURL string
	SampleRate    int
	Channels      int
	BitDepth      int
}

// Load reads configuration from environment variables
// It first attempts to load from .env file if it exists, then from environment
func Load() (*Config, error) {
	// Try to load .env file (ignore error if it doesn't exist)
	_ = godotenv.Load()

	return LoadFromEnv()
}

// LoadFromEnv loads configuration directly from environment variables
// without attempting to load .env file
func LoadFromEnv() (*Config, error) {
	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// Validate checks that the configuration describes a stream the client can produce
func (c *Config) Validate() error {
	u, err := url.Parse(c.ServerURL)
	if err != nil {
		return fmt.Errorf("STT_SERVER_URL is invalid: %w", err)
	}
	if u.Scheme != "ws" && u.Scheme != "wss" {
		return fmt.Errorf("STT_SERVER_URL must use ws:// or wss://, got %q", c.ServerURL)
	}
	if c.SampleRate <= 0 {
		return fmt.Errorf("AUDIO_SAMPLE_RATE must be positive, got %d", c.SampleRate)
	}
	if c.CaptureSampleRate <= 0 {
		return fmt.Errorf("CAPTURE_SAMPLE_RATE must be positive, got %d", c.CaptureSampleRate)
	}
	// Only mono PCM16 is produced by the encoder
	if c.Channels != 1 {
		return fmt.Errorf("AUDIO_CHANNELS must be 1, got %d", c.Channels)
	}
	if c.BitDepth != 16 {
		return fmt.Errorf("AUDIO_BIT_DEPTH must be 16, got %d", c.BitDepth)
	}
	if c.AudioFraming != "base64" && c.AudioFraming != "binary" {
		return fmt.Errorf("AUDIO_FRAMING must be base64 or binary, got %q", c.AudioFraming)
	}
	if c.ReconnectMaxAttempts < 0 {
		return fmt.Errorf("RECONNECT_MAX_ATTEMPTS must not be negative")
	}
	if c.ReconnectBackoffMultiplier < 1.0 {
		return fmt.Errorf("RECONNECT_BACKOFF_MULTIPLIER must be >= 1.0, got %v", c.ReconnectBackoffMultiplier)
	}
	if c.FrameQueueSize <= 0 {
		return fmt.Errorf("FRAME_QUEUE_SIZE must be positive, got %d", c.FrameQueueSize)
	}
	return nil
}

// Stream returns the connection and audio parameters handed to the session
func (c *Config) Stream() Stream {
	return Stream{
		ConnectionURL: c.ServerURL,
		SampleRate:    c.SampleRate,
		Channels:      c.Channels,
		BitDepth:      c.BitDepth,
	}
}

// ReconnectDelayDuration returns the delay before each reconnection attempt
func (c *Config) ReconnectDelayDuration() time.Duration {
	return time.Duration(c.ReconnectDelay) * time.Millisecond
}

// ConnectTimeoutDuration returns the dial timeout for a single connection attempt
func (c *Config) ConnectTimeoutDuration() time.Duration {
	return time.Duration(c.ConnectTimeout) * time.Millisecond
}

// WriteTimeoutDuration returns the deadline applied to each outbound message
func (c *Config) WriteTimeoutDuration() time.Duration {
	return time.Duration(c.WriteTimeout) * time.Millisecond
}

// FlushDelayDuration returns the grace period between end_stream and closing the channel
func (c *Config) FlushDelayDuration() time.Duration {
	return time.Duration(c.EndStreamFlushDelay) * time.Millisecond
}
