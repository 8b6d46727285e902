package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/caarlos0/env/v10"

	"github.com/antoniostano/voicewidget/internal/widget"
)

// Config contains all runtime settings for the voice widget relay.
type Config struct {
	BindAddr         string        `env:"APP_BIND_ADDR" envDefault:":8080"`
	ShutdownTimeout  time.Duration `env:"APP_SHUTDOWN_TIMEOUT" envDefault:"15s"`
	MetricsNamespace string        `env:"APP_METRICS_NAMESPACE" envDefault:"voicewidget"`
	AllowAnyOrigin   bool          `env:"APP_ALLOW_ANY_ORIGIN" envDefault:"false"`

	LogLevel  string `env:"LOG_LEVEL" envDefault:"info"`
	LogFormat string `env:"LOG_FORMAT" envDefault:"json"`

	// The server-held credential. Keys supplied by widget clients are never
	// forwarded upstream.
	RetellAPIKey         string        `env:"RETELL_API_KEY"`
	RetellAgentID        string        `env:"RETELL_AGENT_ID"`
	RetellBaseURL        string        `env:"RETELL_BASE_URL" envDefault:"https://api.retellai.com"`
	RetellCreateCallPath string        `env:"RETELL_CREATE_CALL_PATH" envDefault:"/v2/create-web-call"`
	ProviderTimeout      time.Duration `env:"PROVIDER_TIMEOUT" envDefault:"10s"`
	ProviderMaxRetries   int           `env:"PROVIDER_MAX_RETRIES" envDefault:"0"`
	ProviderRetryBase    time.Duration `env:"PROVIDER_RETRY_BASE" envDefault:"250ms"`

	PingInterval time.Duration `env:"WS_PING_INTERVAL" envDefault:"30s"`
	WriteTimeout time.Duration `env:"WS_WRITE_TIMEOUT" envDefault:"10s"`
	ReadLimit    int64         `env:"WS_READ_LIMIT" envDefault:"1048576"`

	DatabaseURL string `env:"DATABASE_URL"`

	AudioDumpDir    string `env:"AUDIO_DUMP_DIR"`
	AudioSampleRate int    `env:"AUDIO_SAMPLE_RATE" envDefault:"16000"`

	WidgetPosition     string `env:"WIDGET_POSITION" envDefault:"bottom-right"`
	WidgetPrimaryColor string `env:"WIDGET_PRIMARY_COLOR" envDefault:"#2563EB"`
	WidgetButtonSize   string `env:"WIDGET_BUTTON_SIZE" envDefault:"medium"`
}

// Load reads environment variables and applies safe defaults.
func Load() (Config, error) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return Config{}, fmt.Errorf("parse env config: %w", err)
	}

	cfg.RetellAPIKey = strings.TrimSpace(cfg.RetellAPIKey)
	cfg.RetellAgentID = strings.TrimSpace(cfg.RetellAgentID)
	cfg.RetellBaseURL = strings.TrimRight(strings.TrimSpace(cfg.RetellBaseURL), "/")
	cfg.DatabaseURL = strings.TrimSpace(cfg.DatabaseURL)
	cfg.AudioDumpDir = strings.TrimSpace(cfg.AudioDumpDir)

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate reports the first setting that cannot be used.
func (c Config) Validate() error {
	if c.RetellBaseURL == "" {
		return fmt.Errorf("RETELL_BASE_URL must not be empty")
	}
	if !strings.HasPrefix(c.RetellCreateCallPath, "/") {
		return fmt.Errorf("RETELL_CREATE_CALL_PATH must start with /")
	}
	if c.ProviderTimeout <= 0 {
		return fmt.Errorf("PROVIDER_TIMEOUT must be positive")
	}
	if c.ProviderMaxRetries < 0 {
		return fmt.Errorf("PROVIDER_MAX_RETRIES must not be negative")
	}
	if c.ProviderMaxRetries > 0 && c.ProviderRetryBase <= 0 {
		return fmt.Errorf("PROVIDER_RETRY_BASE must be positive when retries are enabled")
	}
	if c.PingInterval < time.Second {
		return fmt.Errorf("WS_PING_INTERVAL must be at least 1s")
	}
	if c.WriteTimeout <= 0 {
		return fmt.Errorf("WS_WRITE_TIMEOUT must be positive")
	}
	if c.ReadLimit <= 0 {
		return fmt.Errorf("WS_READ_LIMIT must be positive")
	}
	if c.AudioSampleRate <= 0 {
		return fmt.Errorf("AUDIO_SAMPLE_RATE must be positive")
	}
	if !widget.Position(c.WidgetPosition).Valid() {
		return fmt.Errorf("WIDGET_POSITION %q is not a known position", c.WidgetPosition)
	}
	if !widget.ButtonSize(c.WidgetButtonSize).Valid() {
		return fmt.Errorf("WIDGET_BUTTON_SIZE %q is not a known size", c.WidgetButtonSize)
	}
	switch strings.ToLower(c.LogFormat) {
	case "json", "console":
	default:
		return fmt.Errorf("LOG_FORMAT must be json or console")
	}
	return nil
}

// CreateCallURL is the absolute upstream endpoint used to provision web calls.
func (c Config) CreateCallURL() string {
	return c.RetellBaseURL + c.RetellCreateCallPath
}
