package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	// Import godotenv for loading .env files
	_ "github.com/joho/godotenv/autoload"
)

type Config struct {
	Server    ServerConfig    `json:"server"`
	Database  DatabaseConfig  `json:"database"`
	Recording RecordingConfig `json:"recording"`
	Display   DisplayConfig   `json:"display"`
	Security  SecurityConfig  `json:"security"`
}

type ServerConfig struct {
	Port         int           `json:"port"`
	Host         string        `json:"host"`
	ReadTimeout  time.Duration `json:"read_timeout"`
	WriteTimeout time.Duration `json:"write_timeout"`
	IdleTimeout  time.Duration `json:"idle_timeout"`
	PublicURL    string        `json:"public_url"` // base for notification action links
}

type DatabaseConfig struct {
	URI  string `json:"uri"` // empty keeps session state in memory
	Name string `json:"name"`
}

type RecordingConfig struct {
	Dir          string        `json:"dir"`
	Extension    string        `json:"extension"`
	FilePrefix   string        `json:"file_prefix"`
	FFmpegPath   string        `json:"ffmpeg_path"`
	FFprobePath  string        `json:"ffprobe_path"`
	InputFormat  string        `json:"input_format"`
	Input        string        `json:"input"`
	FrameRate    int           `json:"frame_rate"`
	StartDelay   time.Duration `json:"start_delay"`
	StopTimeout  time.Duration `json:"stop_timeout"`
	ProbeTimeout time.Duration `json:"probe_timeout"`
}

type DisplayConfig struct {
	Width    int `json:"width"`
	Height   int `json:"height"`
	Density  int `json:"density"`
	Rotation int `json:"rotation"`
}

type SecurityConfig struct {
	SigningKey       string        `json:"-"`
	GrantTTL         time.Duration `json:"grant_ttl"`
	ActionTokenTTL   time.Duration `json:"action_token_ttl"`
	GrantAutoApprove bool          `json:"grant_auto_approve"`
	StartTimeout     time.Duration `json:"start_timeout"`
	CORSOrigins      []string      `json:"cors_origins"`
	RateLimit        int           `json:"rate_limit"`
	RateWindow       time.Duration `json:"rate_window"`
}

// Load reads the configuration from environment variables and the .env file.
func Load() (*Config, error) {
	config := &Config{}

	if err := config.loadServerConfig(); err != nil {
		return nil, fmt.Errorf("failed to load server config: %w", err)
	}

	config.loadDatabaseConfig()
	config.loadRecordingConfig()

	if err := config.loadDisplayConfig(); err != nil {
		return nil, fmt.Errorf("failed to load display config: %w", err)
	}

	if err := config.loadSecurityConfig(); err != nil {
		return nil, fmt.Errorf("failed to load security config: %w", err)
	}

	return config, nil
}

func (c *Config) loadServerConfig() error {
	portStr := getEnv("PORT", "8080")
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return fmt.Errorf("invalid port: %w", err)
	}

	c.Server = ServerConfig{
		Port:         port,
		Host:         getEnv("HOST", "127.0.0.1"),
		ReadTimeout:  getDurationEnv("READ_TIMEOUT", 10*time.Second),
		WriteTimeout: getDurationEnv("WRITE_TIMEOUT", 10*time.Second),
		IdleTimeout:  getDurationEnv("IDLE_TIMEOUT", 60*time.Second),
	}
	c.Server.PublicURL = strings.TrimSuffix(getEnv("PUBLIC_URL", fmt.Sprintf("http://%s:%d", c.Server.Host, port)), "/")
	return nil
}

func (c *Config) loadDatabaseConfig() {
	c.Database = DatabaseConfig{
		URI:  getEnv("DB_URI", ""),
		Name: getEnv("DB_NAME", "screenrec"),
	}
}

func (c *Config) loadRecordingConfig() {
	ext := getEnv("RECORDING_EXTENSION", ".mp4")
	if !strings.HasPrefix(ext, ".") {
		ext = "." + ext
	}
	c.Recording = RecordingConfig{
		Dir:          getEnv("RECORDINGS_DIR", "storage/recordings"),
		Extension:    strings.ToLower(ext),
		FilePrefix:   getEnv("FILE_PREFIX", "screenrec"),
		FFmpegPath:   getEnv("FFMPEG_PATH", "ffmpeg"),
		FFprobePath:  getEnv("FFPROBE_PATH", "ffprobe"),
		InputFormat:  getEnv("CAPTURE_INPUT_FORMAT", "x11grab"),
		Input:        getEnv("CAPTURE_INPUT", ":0"),
		FrameRate:    getIntEnv("CAPTURE_FRAME_RATE", 30),
		StartDelay:   getDurationEnv("START_DELAY", 3*time.Second),
		StopTimeout:  getDurationEnv("STOP_TIMEOUT", 10*time.Second),
		ProbeTimeout: getDurationEnv("PROBE_TIMEOUT", 5*time.Second),
	}
}

func (c *Config) loadDisplayConfig() error {
	c.Display = DisplayConfig{
		Width:    getIntEnv("DISPLAY_WIDTH", 1920),
		Height:   getIntEnv("DISPLAY_HEIGHT", 1080),
		Density:  getIntEnv("DISPLAY_DENSITY", 160),
		Rotation: getIntEnv("DISPLAY_ROTATION", 0),
	}
	switch c.Display.Rotation {
	case 0, 90, 180, 270:
	default:
		return fmt.Errorf("invalid rotation: %d", c.Display.Rotation)
	}
	return nil
}

func (c *Config) loadSecurityConfig() error {
	signingKey := getEnv("SIGNING_KEY", "")
	if signingKey == "" {
		return fmt.Errorf("SIGNING_KEY environment variable is required")
	}

	corsOriginsStr := getEnv("CORS_ORIGINS", "*")
	var corsOrigins []string
	if corsOriginsStr != "*" {
		for _, origin := range strings.Split(corsOriginsStr, ",") {
			corsOrigins = append(corsOrigins, strings.TrimSpace(origin))
		}
	} else {
		corsOrigins = []string{"*"}
	}

	c.Security = SecurityConfig{
		SigningKey:       signingKey,
		GrantTTL:         getDurationEnv("GRANT_TTL", 5*time.Minute),
		ActionTokenTTL:   getDurationEnv("ACTION_TOKEN_TTL", 12*time.Hour),
		GrantAutoApprove: getBoolEnv("GRANT_AUTO_APPROVE", false),
		StartTimeout:     getDurationEnv("START_TIMEOUT", 2*time.Minute),
		CORSOrigins:      corsOrigins,
		RateLimit:        getIntEnv("RATE_LIMIT", 100),
		RateWindow:       getDurationEnv("RATE_WINDOW", 1*time.Minute),
	}

	return nil
}

func getEnv(key string, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getIntEnv(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func getBoolEnv(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if boolValue, err := strconv.ParseBool(value); err == nil {
			return boolValue
		}
	}
	return defaultValue
}

func getDurationEnv(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
	}
	return defaultValue
}

func (c *Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid port: %d", c.Server.Port)
	}
	if c.Recording.Dir == "" {
		return fmt.Errorf("recordings directory is required")
	}
	if c.Recording.FrameRate <= 0 {
		return fmt.Errorf("invalid frame rate: %d", c.Recording.FrameRate)
	}
	if c.Display.Width <= 0 || c.Display.Height <= 0 {
		return fmt.Errorf("invalid display size: %dx%d", c.Display.Width, c.Display.Height)
	}
	if c.Display.Density <= 0 {
		return fmt.Errorf("invalid display density: %d", c.Display.Density)
	}
	if c.Security.SigningKey == "" {
		return fmt.Errorf("signing key is required")
	}
	if c.Security.GrantTTL <= 0 {
		return fmt.Errorf("grant ttl must be positive")
	}

	return nil
}
