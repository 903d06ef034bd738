package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

const (
	DefaultCheckInterval = 300 * time.Second
	DefaultBaseURL       = "https://ois.atlas.edu.tr"
)

type Config struct {
	Portal   PortalConfig   `yaml:"portal"`
	Captcha  CaptchaConfig  `yaml:"captcha"`
	Monitor  MonitorConfig  `yaml:"monitor"`
	Storage  StorageConfig  `yaml:"storage"`
	Telegram TelegramConfig `yaml:"telegram"`
	Server   ServerConfig   `yaml:"server"`
	Log      LogConfig      `yaml:"log"`
}

type PortalConfig struct {
	BaseURL          string        `yaml:"base_url"`
	LoginPath        string        `yaml:"login_path"`
	CaptchaPath      string        `yaml:"captcha_path"`
	GradesPath       string        `yaml:"grades_path"`
	Username         string        `yaml:"username"`
	Password         string        `yaml:"password"`
	MaxLoginAttempts int           `yaml:"max_login_attempts"`
	RequestTimeout   time.Duration `yaml:"request_timeout"`
	UserAgent        string        `yaml:"user_agent"`
	// Substrings of the login error message that mean the username or
	// password was rejected (as opposed to a mistyped CAPTCHA).
	CredentialErrorMarkers []string `yaml:"credential_error_markers"`
	// Substrings that mark a CAPTCHA complaint. They win over credential
	// markers when a message mentions both.
	CaptchaErrorMarkers []string `yaml:"captcha_error_markers"`
}

type CaptchaConfig struct {
	TesseractPath string `yaml:"tesseract_path"`
	Length        int    `yaml:"length"` // expected text length, 0 accepts any
	Threshold     uint8  `yaml:"threshold"`
	Scale         int    `yaml:"scale"`
	DebugDir      string `yaml:"debug_dir"`
}

type MonitorConfig struct {
	CheckInterval       time.Duration `yaml:"check_interval"`
	StartPaused         bool          `yaml:"start_paused"`
	AlertAfterFailures  int           `yaml:"alert_after_failures"`
	ResourceLogInterval time.Duration `yaml:"resource_log_interval"`
}

type StorageConfig struct {
	Disabled bool   `yaml:"disabled"`
	Path     string `yaml:"path"` // empty selects the XDG state dir
}

type TelegramConfig struct {
	Enabled bool   `yaml:"enabled"`
	Token   string `yaml:"token"`
	ChatID  int64  `yaml:"chat_id"`
}

type ServerConfig struct {
	Enabled        bool          `yaml:"enabled"`
	Host           string        `yaml:"host"`
	Port           int           `yaml:"port"`
	AuthToken      string        `yaml:"auth_token"`
	StatusInterval time.Duration `yaml:"status_interval"`
	MaxConnections int           `yaml:"max_connections"`
	Dashboard      bool          `yaml:"dashboard"`
}

type LogConfig struct {
	BufferLines int `yaml:"buffer_lines"`
}

func defaultConfig() *Config {
	return &Config{
		Portal: PortalConfig{
			BaseURL:          DefaultBaseURL,
			LoginPath:        "/auth/login",
			CaptchaPath:      "/auth/captcha",
			GradesPath:       "/ogrenciler/belge/ogrsinavsonuc",
			MaxLoginAttempts: 10,
			RequestTimeout:   30 * time.Second,
			UserAgent:        "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/124.0 Safari/537.36",
			CredentialErrorMarkers: []string{
				"kullanıcı adı",
				"şifre",
				"parola",
				"password",
			},
			CaptchaErrorMarkers: []string{
				"güvenlik kodu",
				"doğrulama kodu",
				"captcha",
			},
		},
		Captcha: CaptchaConfig{
			TesseractPath: "tesseract",
			Length:        4,
			Threshold:     160,
			Scale:         3,
		},
		Monitor: MonitorConfig{
			CheckInterval:       DefaultCheckInterval,
			AlertAfterFailures:  5,
			ResourceLogInterval: 60 * time.Second,
		},
		Telegram: TelegramConfig{
			Enabled: true,
		},
		Server: ServerConfig{
			Host:           "127.0.0.1",
			Port:           8080,
			StatusInterval: 30 * time.Second,
			MaxConnections: 16,
			Dashboard:      true,
		},
		Log: LogConfig{
			BufferLines: 20,
		},
	}
}

// Load reads the YAML file at path over the defaults and then applies the
// environment. A missing file is an error.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	cfg := defaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing %s: %w", path, err)
	}
	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadOrDefault behaves like Load but falls back to the defaults (plus the
// environment) when the file does not exist.
func LoadOrDefault(path string) (*Config, error) {
	cfg, err := Load(path)
	if err == nil {
		return cfg, nil
	}
	if !errors.Is(err, os.ErrNotExist) {
		return nil, err
	}
	cfg = defaultConfig()
	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadDotEnv loads KEY=VALUE pairs from the given files into the process
// environment without overriding variables that are already set. Missing
// files are skipped.
func LoadDotEnv(paths ...string) error {
	for _, p := range paths {
		if _, err := os.Stat(p); errors.Is(err, os.ErrNotExist) {
			continue
		}
		if err := godotenv.Load(p); err != nil {
			return fmt.Errorf("loading %s: %w", p, err)
		}
	}
	return nil
}

func (c *Config) applyEnv() error {
	if v := os.Getenv("OIS_USERNAME"); v != "" {
		c.Portal.Username = v
	}
	if v := os.Getenv("OIS_PASSWORD"); v != "" {
		c.Portal.Password = v
	}
	if v := os.Getenv("OIS_BASE_URL"); v != "" {
		c.Portal.BaseURL = strings.TrimRight(v, "/")
	}
	if v := os.Getenv("TELEGRAM_BOT_TOKEN"); v != "" {
		c.Telegram.Token = v
	}
	if v := os.Getenv("TELEGRAM_CHAT_ID"); v != "" {
		id, err := strconv.ParseInt(strings.TrimSpace(v), 10, 64)
		if err != nil {
			return fmt.Errorf("TELEGRAM_CHAT_ID: %q is not an integer chat id", v)
		}
		c.Telegram.ChatID = id
	}
	if v := os.Getenv("CHECK_INTERVAL"); v != "" {
		secs, err := strconv.Atoi(strings.TrimSpace(v))
		if err != nil || secs <= 0 {
			return fmt.Errorf("CHECK_INTERVAL: %q must be a positive number of seconds", v)
		}
		c.Monitor.CheckInterval = time.Duration(secs) * time.Second
	}
	if v := os.Getenv("TESSERACT_PATH"); v != "" {
		c.Captcha.TesseractPath = v
	}
	if v := os.Getenv("OIS_STATE_DIR"); v != "" && c.Storage.Path == "" {
		c.Storage.Path = strings.TrimRight(v, "/") + "/grades.db"
	}
	return nil
}

// Validate reports every missing required setting in one error.
func (c *Config) Validate() error {
	var missing []string
	if c.Portal.Username == "" {
		missing = append(missing, "OIS_USERNAME")
	}
	if c.Portal.Password == "" {
		missing = append(missing, "OIS_PASSWORD")
	}
	if c.Telegram.Enabled {
		if c.Telegram.Token == "" {
			missing = append(missing, "TELEGRAM_BOT_TOKEN")
		}
		if c.Telegram.ChatID == 0 {
			missing = append(missing, "TELEGRAM_CHAT_ID")
		}
	}
	if len(missing) > 0 {
		return fmt.Errorf("missing required settings: %s", strings.Join(missing, ", "))
	}
	return c.validateLimits()
}

func (c *Config) validateLimits() error {
	if c.Monitor.CheckInterval <= 0 {
		return errors.New("monitor.check_interval must be > 0")
	}
	if c.Portal.MaxLoginAttempts <= 0 {
		return errors.New("portal.max_login_attempts must be > 0")
	}
	if c.Portal.RequestTimeout <= 0 {
		return errors.New("portal.request_timeout must be > 0")
	}
	if c.Captcha.Scale <= 0 {
		return errors.New("captcha.scale must be > 0")
	}
	if c.Server.Enabled && (c.Server.Port <= 0 || c.Server.Port > 65535) {
		return fmt.Errorf("server.port %d out of range", c.Server.Port)
	}
	return nil
}
