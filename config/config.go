// Package config загружает настройки phi.
//
// Источник настроек выбирается так:
//   - явный путь (флаг --config), иначе
//   - переменная окружения PHI_CONFIG, иначе
//   - значения по умолчанию.
//
// PHI_STUN_SERVERS (через запятую) переопределяет список STUN серверов.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/udisondev/phi/p2p"
)

const (
	EnvConfig      = "PHI_CONFIG"
	EnvSTUNServers = "PHI_STUN_SERVERS"
)

// Config настройки клиента.
type Config struct {
	// Server адрес сигнального сервера.
	Server string `yaml:"server"`

	STUN []string   `yaml:"stun"`
	TURN TURNConfig `yaml:"turn"`

	// TURNOnly разрешает только кандидаты через TURN.
	TURNOnly bool `yaml:"turn_only"`

	Keepalive      bool          `yaml:"keepalive"`
	RequestTimeout time.Duration `yaml:"request_timeout"`

	// LogLevel: debug, info, warn, error.
	LogLevel string `yaml:"log_level"`
}

type TURNConfig struct {
	URLs       []string `yaml:"urls"`
	Username   string   `yaml:"username"`
	Credential string   `yaml:"credential"`
}

func Default() Config {
	return Config{
		Server: "ws://localhost:3000/",
		STUN:   []string{"stun:vpn.mikedev101.cc:5349"},
		TURN: TURNConfig{
			URLs:       []string{"turn:vpn.mikedev101.cc:5349"},
			Username:   "free",
			Credential: "free",
		},
		RequestTimeout: 5 * time.Second,
		LogLevel:       "info",
	}
}

// Load читает файл path поверх значений по умолчанию.
// Пустой path означает PHI_CONFIG; если и он пуст, файл не читается.
func Load(path string) (Config, error) {
	cfg := Default()

	if path == "" {
		path = os.Getenv(EnvConfig)
	}
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse config %s: %w", path, err)
		}
	}

	if env := os.Getenv(EnvSTUNServers); env != "" {
		cfg.STUN = SplitList(env)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate проверяет согласованность настроек.
func (c Config) Validate() error {
	var errs []error
	if c.Server == "" {
		errs = append(errs, errors.New("server is required"))
	}
	if c.TURNOnly && len(c.TURN.URLs) == 0 {
		errs = append(errs, errors.New("turn_only requires at least one turn url"))
	}
	if c.RequestTimeout < 0 {
		errs = append(errs, fmt.Errorf("request_timeout must not be negative, got %s", c.RequestTimeout))
	}
	if _, err := ParseLevel(c.LogLevel); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// ICE настройки для p2p.Connector.
func (c Config) ICE() p2p.Config {
	return p2p.Config{
		STUNServers:    c.STUN,
		TURNServers:    c.TURN.URLs,
		TURNUsername:   c.TURN.Username,
		TURNCredential: c.TURN.Credential,
		TURNOnly:       c.TURNOnly,
	}
}

// ParseLevel разбирает уровень логирования. Пустая строка - info.
func ParseLevel(s string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return slog.LevelDebug, nil
	case "", "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, fmt.Errorf("unknown log level %q", s)
	}
}

// SplitList разбирает список через запятую, пропуская пустые элементы.
func SplitList(s string) []string {
	var out []string
	for _, item := range strings.Split(s, ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}
