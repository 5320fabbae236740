package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/caarlos0/env/v10"
	"github.com/joho/godotenv"
)

// Probe failure policies.
const (
	ProbePermissive = "permissive"
	ProbeReject     = "reject"
)

// Config holds the environment driven configuration for the sticker bot.
type Config struct {
	// Runtime
	StoreDir        string        `env:"STICKERBOT_STORE_DIR" envDefault:"./store"`
	LogLevel        string        `env:"STICKERBOT_LOG_LEVEL" envDefault:"info"`
	LogFormat       string        `env:"STICKERBOT_LOG_FORMAT" envDefault:"console"` // console or json
	ShutdownTimeout time.Duration `env:"STICKERBOT_SHUTDOWN_TIMEOUT" envDefault:"10s"`

	// HTTP endpoint serving the pairing QR code, health and metrics
	HTTPEnabled bool   `env:"STICKERBOT_HTTP_ENABLED" envDefault:"true"`
	HTTPAddr    string `env:"STICKERBOT_HTTP_ADDR" envDefault:":3000"`
	TerminalQR  bool   `env:"STICKERBOT_TERMINAL_QR" envDefault:"true"`

	// Codec engine
	FFmpegPath   string        `env:"STICKERBOT_FFMPEG_PATH" envDefault:"ffmpeg"`
	FFprobePath  string        `env:"STICKERBOT_FFPROBE_PATH" envDefault:"ffprobe"`
	CodecTimeout time.Duration `env:"STICKERBOT_CODEC_TIMEOUT" envDefault:"30s"`
	TempDir      string        `env:"STICKERBOT_TEMP_DIR"`

	// Output constraints
	MaxStaticBytes       int64         `env:"STICKERBOT_MAX_STATIC_BYTES" envDefault:"1048576"`
	MaxAnimatedBytes     int64         `env:"STICKERBOT_MAX_ANIMATED_BYTES" envDefault:"1048576"`
	MaxDuration          time.Duration `env:"STICKERBOT_MAX_DURATION" envDefault:"10s"`
	QuicktimeMaxDuration time.Duration `env:"STICKERBOT_QUICKTIME_MAX_DURATION" envDefault:"5s"`
	AcceptOversized      bool          `env:"STICKERBOT_ACCEPT_OVERSIZED" envDefault:"false"`
	ProbeFailurePolicy   string        `env:"STICKERBOT_PROBE_FAILURE_POLICY" envDefault:"permissive"`
	RecipeFile           string        `env:"STICKERBOT_RECIPE_FILE"`

	// Request handling
	MaxConcurrentConversions int64  `env:"STICKERBOT_MAX_CONCURRENT_CONVERSIONS" envDefault:"2"`
	MaxDownloadBytes         int64  `env:"STICKERBOT_MAX_DOWNLOAD_BYTES" envDefault:"67108864"`
	CommandPrefix            string `env:"STICKERBOT_COMMAND_PREFIX" envDefault:"!"`
	GreetNewChats            bool   `env:"STICKERBOT_GREET_NEW_CHATS" envDefault:"true"`

	// Processed message ids older than this are pruned daily
	ProcessedRetention time.Duration `env:"STICKERBOT_PROCESSED_RETENTION" envDefault:"168h"`

	// Session lifecycle
	KeepAliveInterval       time.Duration `env:"STICKERBOT_KEEPALIVE_INTERVAL" envDefault:"5m"`
	RecoveryInitialInterval time.Duration `env:"STICKERBOT_RECOVERY_INITIAL_INTERVAL" envDefault:"2s"`
	RecoveryMaxInterval     time.Duration `env:"STICKERBOT_RECOVERY_MAX_INTERVAL" envDefault:"1m"`

	Recipe Recipe
}

// Load reads optional .env files, parses environment variables into Config
// and resolves the conversion recipe.
func Load(envFiles ...string) (*Config, error) {
	loadEnvFiles(envFiles)

	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parse env config: %w", err)
	}

	cfg.StoreDir = strings.TrimSpace(cfg.StoreDir)
	cfg.CommandPrefix = strings.TrimSpace(cfg.CommandPrefix)
	cfg.ProbeFailurePolicy = strings.ToLower(strings.TrimSpace(cfg.ProbeFailurePolicy))

	recipe := DefaultRecipe(cfg.MaxDuration)
	if path := strings.TrimSpace(cfg.RecipeFile); path != "" {
		loaded, err := LoadRecipe(path)
		if err != nil {
			return nil, err
		}
		recipe = loaded
	}
	cfg.Recipe = recipe

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks cross-field constraints that struct tags cannot express.
func (c *Config) Validate() error {
	if c.StoreDir == "" {
		return fmt.Errorf("STICKERBOT_STORE_DIR must not be empty")
	}
	if c.MaxStaticBytes <= 0 || c.MaxAnimatedBytes <= 0 {
		return fmt.Errorf("size ceilings must be positive")
	}
	if c.MaxDuration <= 0 {
		return fmt.Errorf("STICKERBOT_MAX_DURATION must be positive")
	}
	if c.CodecTimeout <= 0 {
		return fmt.Errorf("STICKERBOT_CODEC_TIMEOUT must be positive")
	}
	if c.MaxConcurrentConversions <= 0 {
		return fmt.Errorf("STICKERBOT_MAX_CONCURRENT_CONVERSIONS must be positive")
	}
	switch c.ProbeFailurePolicy {
	case ProbePermissive, ProbeReject:
	default:
		return fmt.Errorf("unknown probe failure policy %q (want %s or %s)", c.ProbeFailurePolicy, ProbePermissive, ProbeReject)
	}
	return c.Recipe.Validate()
}

// WithStoreDir returns a copy of c with StoreDir made absolute.
func (c *Config) WithStoreDir(dir string) *Config {
	out := *c
	if abs, err := filepath.Abs(dir); err == nil {
		out.StoreDir = abs
	} else {
		out.StoreDir = dir
	}
	return &out
}

// DeviceDBPath is the whatsmeow device/session database.
func (c *Config) DeviceDBPath() string {
	return filepath.Join(c.StoreDir, "whatsapp.db")
}

// HistoryDBPath is the sticker history database.
func (c *Config) HistoryDBPath() string {
	return filepath.Join(c.StoreDir, "stickers.db")
}

// DurationLimit returns the maximum clip length accepted for a MIME type.
func (c *Config) DurationLimit(mimeType string) time.Duration {
	if strings.EqualFold(strings.TrimSpace(mimeType), "video/quicktime") && c.QuicktimeMaxDuration > 0 && c.QuicktimeMaxDuration < c.MaxDuration {
		return c.QuicktimeMaxDuration
	}
	return c.MaxDuration
}

func loadEnvFiles(paths []string) {
	if len(paths) == 0 {
		paths = []string{".env"}
	}
	for _, path := range paths {
		if _, err := os.Stat(path); err == nil {
			if err := godotenv.Overload(path); err != nil {
				fmt.Fprintf(os.Stderr, "warning: failed to load %s: %v\n", path, err)
			}
		}
	}
}
