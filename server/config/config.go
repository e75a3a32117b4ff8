package config

import (
	"encoding/json"
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/san-kum/polygon-overlay/server/animation"
	"github.com/san-kum/polygon-overlay/server/models"
	"github.com/san-kum/polygon-overlay/server/processor"
	"github.com/san-kum/polygon-overlay/server/stream"
	"github.com/san-kum/polygon-overlay/server/transform"
	"go.uber.org/multierr"
	"go.uber.org/zap"
)

type Config struct {
	Server    ServerConfig    `json:"server"`
	Source    SourceConfig    `json:"source"`
	Viewport  ViewportConfig  `json:"viewport"`
	Animation AnimationConfig `json:"animation"`
	Overlay   OverlayConfig   `json:"overlay"`
	Security  SecurityConfig  `json:"security"`
	Logging   LoggingConfig   `json:"logging"`
}

type ServerConfig struct {
	Host         string        `json:"host"`
	Port         int           `json:"port"`
	ReadTimeout  time.Duration `json:"read_timeout"`
	WriteTimeout time.Duration `json:"write_timeout"`
	IdleTimeout  time.Duration `json:"idle_timeout"`
	Environment  string        `json:"environment"`
}

type SourceConfig struct {
	Address              string        `json:"address"`
	MaxReconnectAttempts int           `json:"max_reconnect_attempts"`
	ReconnectDelay       time.Duration `json:"reconnect_delay"`
	HandshakeTimeout     time.Duration `json:"handshake_timeout"`
	ReadLimit            int64         `json:"read_limit"`
	PongWait             time.Duration `json:"pong_wait"`
	Mode                 string        `json:"mode"`
	AutoConnect          bool          `json:"auto_connect"`
	MockDelay            time.Duration `json:"mock_delay"`
}

type ViewportConfig struct {
	Width  int `json:"width"`
	Height int `json:"height"`
}

type AnimationConfig struct {
	DefaultDuration   time.Duration `json:"default_duration"`
	JitterRangePx     float64       `json:"jitter_range_px"`
	JitterMinDuration time.Duration `json:"jitter_min_duration"`
	JitterMaxDuration time.Duration `json:"jitter_max_duration"`
	FrameInterval     time.Duration `json:"frame_interval"`
	Speed             float64       `json:"speed"`
	GraceCycles       int           `json:"grace_cycles"`
	Seed              uint64        `json:"seed"`
}

type OverlayConfig struct {
	PushInterval   time.Duration `json:"push_interval"`
	ClassTableFile string        `json:"class_table_file"`
	EventQueueSize int           `json:"event_queue_size"`
}

type SecurityConfig struct {
	AllowedOrigins []string `json:"allowed_origins"`
	RateLimitRPS   int      `json:"rate_limit_rps"`
	RateLimitBurst int      `json:"rate_limit_burst"`
	MaxRequestSize int64    `json:"max_request_size"`
	EnableHTTPS    bool     `json:"enable_https"`
	CertFile       string   `json:"cert_file"`
	KeyFile        string   `json:"key_file"`
}

type LoggingConfig struct {
	Level  string `json:"level"`
	Format string `json:"format"`
}

func LoadConfig() *Config {
	config := &Config{
		Server: ServerConfig{
			Host:         getEnv("SERVER_HOST", "0.0.0.0"),
			Port:         getEnvAsInt("SERVER_PORT", 8080),
			ReadTimeout:  getEnvAsDuration("SERVER_READ_TIMEOUT", 15*time.Second),
			WriteTimeout: getEnvAsDuration("SERVER_WRITE_TIMEOUT", 15*time.Second),
			IdleTimeout:  getEnvAsDuration("SERVER_IDLE_TIMEOUT", 60*time.Second),
			Environment:  getEnv("ENVIRONMENT", "development"),
		},
		Source: SourceConfig{
			Address:              getEnv("SOURCE_ADDRESS", "ws://localhost:9001"),
			MaxReconnectAttempts: getEnvAsInt("SOURCE_MAX_RECONNECT_ATTEMPTS", 5),
			ReconnectDelay:       getEnvAsDuration("SOURCE_RECONNECT_DELAY", 3*time.Second),
			HandshakeTimeout:     getEnvAsDuration("SOURCE_HANDSHAKE_TIMEOUT", 10*time.Second),
			ReadLimit:            getEnvAsInt64("SOURCE_READ_LIMIT", 1024*1024),
			PongWait:             getEnvAsDuration("SOURCE_PONG_WAIT", 60*time.Second),
			Mode:                 getEnv("SOURCE_MODE", string(processor.ModeLive)),
			AutoConnect:          getEnvAsBool("SOURCE_AUTO_CONNECT", true),
			MockDelay:            getEnvAsDuration("SOURCE_MOCK_DELAY", 500*time.Millisecond),
		},
		Viewport: ViewportConfig{
			Width:  getEnvAsInt("VIEWPORT_WIDTH", 1920),
			Height: getEnvAsInt("VIEWPORT_HEIGHT", 1080),
		},
		Animation: AnimationConfig{
			DefaultDuration:   getEnvAsDuration("ANIMATION_DEFAULT_DURATION", time.Second),
			JitterRangePx:     getEnvAsFloat("ANIMATION_JITTER_RANGE_PX", 5),
			JitterMinDuration: getEnvAsDuration("ANIMATION_JITTER_MIN_DURATION", 500*time.Millisecond),
			JitterMaxDuration: getEnvAsDuration("ANIMATION_JITTER_MAX_DURATION", 1500*time.Millisecond),
			FrameInterval:     getEnvAsDuration("ANIMATION_FRAME_INTERVAL", 16*time.Millisecond),
			Speed:             getEnvAsFloat("ANIMATION_SPEED", 1),
			GraceCycles:       getEnvAsInt("ANIMATION_GRACE_CYCLES", 1),
			Seed:              uint64(getEnvAsInt64("ANIMATION_SEED", 0)),
		},
		Overlay: OverlayConfig{
			PushInterval:   getEnvAsDuration("OVERLAY_PUSH_INTERVAL", 33*time.Millisecond),
			ClassTableFile: getEnv("CLASS_TABLE_FILE", ""),
			EventQueueSize: getEnvAsInt("EVENT_QUEUE_SIZE", 64),
		},
		Security: SecurityConfig{
			AllowedOrigins: getEnvAsStringSlice("ALLOWED_ORIGINS", []string{"*"}),
			RateLimitRPS:   getEnvAsInt("RATE_LIMIT_RPS", 100),
			RateLimitBurst: getEnvAsInt("RATE_LIMIT_BURST", 200),
			MaxRequestSize: getEnvAsInt64("MAX_REQUEST_SIZE", 1024*1024),
			EnableHTTPS:    getEnvAsBool("ENABLE_HTTPS", false),
			CertFile:       getEnv("CERT_FILE", ""),
			KeyFile:        getEnv("KEY_FILE", ""),
		},
		Logging: LoggingConfig{
			Level:  getEnv("LOG_LEVEL", "info"),
			Format: getEnv("LOG_FORMAT", "json"),
		},
	}

	return config
}

// ValidateConfig reports every problem at once.
func (c *Config) ValidateConfig(logger *zap.Logger) error {
	var errs error

	if c.Server.Port < 1 || c.Server.Port > 65535 {
		errs = multierr.Append(errs, fmt.Errorf("server port must be between 1 and 65535"))
	}

	if u, err := url.Parse(c.Source.Address); err != nil || (u.Scheme != "ws" && u.Scheme != "wss") || u.Host == "" {
		errs = multierr.Append(errs, fmt.Errorf("source address %q must be a ws:// or wss:// URL", c.Source.Address))
	}

	if c.Source.MaxReconnectAttempts < 0 {
		errs = multierr.Append(errs, fmt.Errorf("max reconnect attempts must not be negative"))
	}

	if c.Source.ReconnectDelay <= 0 {
		errs = multierr.Append(errs, fmt.Errorf("reconnect delay must be positive"))
	}

	if _, err := processor.ParseMode(c.Source.Mode); err != nil {
		errs = multierr.Append(errs, err)
	}

	if c.Viewport.Width <= 0 || c.Viewport.Height <= 0 {
		errs = multierr.Append(errs, fmt.Errorf("viewport must be positive, got %dx%d", c.Viewport.Width, c.Viewport.Height))
	}

	if c.Animation.DefaultDuration <= 0 {
		errs = multierr.Append(errs, fmt.Errorf("default animation duration must be positive"))
	}

	if c.Animation.JitterRangePx < 0 {
		errs = multierr.Append(errs, fmt.Errorf("jitter range must not be negative"))
	}

	if c.Animation.JitterMinDuration <= 0 || c.Animation.JitterMaxDuration < c.Animation.JitterMinDuration {
		errs = multierr.Append(errs, fmt.Errorf("jitter duration range %s-%s is invalid",
			c.Animation.JitterMinDuration, c.Animation.JitterMaxDuration))
	}

	if c.Animation.FrameInterval <= 0 {
		errs = multierr.Append(errs, fmt.Errorf("frame interval must be positive"))
	}

	if c.Animation.Speed < 0 {
		errs = multierr.Append(errs, fmt.Errorf("animation speed must not be negative"))
	}

	if c.Overlay.PushInterval <= 0 {
		errs = multierr.Append(errs, fmt.Errorf("overlay push interval must be positive"))
	}

	if c.Security.MaxRequestSize <= 0 {
		errs = multierr.Append(errs, fmt.Errorf("max request size must be positive"))
	}

	if c.Security.EnableHTTPS && (c.Security.CertFile == "" || c.Security.KeyFile == "") {
		errs = multierr.Append(errs, fmt.Errorf("HTTPS requires both a cert file and a key file"))
	}

	if len(c.Security.AllowedOrigins) == 1 && c.Security.AllowedOrigins[0] == "*" {
		logger.Warn("CORS allows every origin")
	}

	if errs != nil {
		return fmt.Errorf("configuration validation failed: %w", errs)
	}

	return nil
}

// LoadClassTable reads the class table file, or returns the built-in table
// when no file is configured.
func (c *Config) LoadClassTable() (transform.ClassTable, error) {
	if c.Overlay.ClassTableFile == "" {
		return transform.DefaultClassTable(), nil
	}

	data, err := os.ReadFile(c.Overlay.ClassTableFile)
	if err != nil {
		return nil, fmt.Errorf("failed to read class table: %w", err)
	}

	var raw map[string]transform.ClassInfo
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("failed to parse class table %s: %w", c.Overlay.ClassTableFile, err)
	}

	var errs error
	table := make(transform.ClassTable, len(raw))
	for key, info := range raw {
		id, err := strconv.Atoi(key)
		if err != nil {
			errs = multierr.Append(errs, fmt.Errorf("class id %q is not an integer", key))
			continue
		}
		table[id] = info
	}
	if errs != nil {
		return nil, errs
	}

	return table, nil
}

// PipelineOptions maps the configuration onto the pipeline's options.
func (c *Config) PipelineOptions() processor.Options {
	mode, err := processor.ParseMode(c.Source.Mode)
	if err != nil {
		mode = processor.ModeLive
	}

	return processor.Options{
		Stream: stream.Options{
			URL:                  c.Source.Address,
			MaxReconnectAttempts: c.Source.MaxReconnectAttempts,
			ReconnectDelay:       c.Source.ReconnectDelay,
			HandshakeTimeout:     c.Source.HandshakeTimeout,
			ReadLimit:            c.Source.ReadLimit,
			PongWait:             c.Source.PongWait,
			Viewport:             models.Viewport{Width: c.Viewport.Width, Height: c.Viewport.Height},
		},
		Animation: animation.Config{
			DefaultDuration:   c.Animation.DefaultDuration,
			JitterRange:       c.Animation.JitterRangePx,
			JitterMinDuration: c.Animation.JitterMinDuration,
			JitterMaxDuration: c.Animation.JitterMaxDuration,
			FrameInterval:     c.Animation.FrameInterval,
			Speed:             c.Animation.Speed,
			GraceCycles:       c.Animation.GraceCycles,
		},
		Mode:        mode,
		AutoConnect: c.Source.AutoConnect,
		MockDelay:   c.Source.MockDelay,
		QueueSize:   c.Overlay.EventQueueSize,
		Rand:        animation.NewSeededRand(c.Animation.Seed),
	}
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func getEnvAsInt64(key string, defaultValue int64) int64 {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.ParseInt(value, 10, 64); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func getEnvAsFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if floatValue, err := strconv.ParseFloat(value, 64); err == nil {
			return floatValue
		}
	}
	return defaultValue
}

func getEnvAsBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if boolValue, err := strconv.ParseBool(value); err == nil {
			return boolValue
		}
	}
	return defaultValue
}

func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
	}
	return defaultValue
}

func getEnvAsStringSlice(key string, defaultValue []string) []string {
	if value := os.Getenv(key); value != "" {
		parts := strings.Split(value, ",")
		out := parts[:0]
		for _, p := range parts {
			if p = strings.TrimSpace(p); p != "" {
				out = append(out, p)
			}
		}
		return out
	}
	return defaultValue
}
