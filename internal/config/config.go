package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
)

const FileName = ".canopy.toml"

// Duration is a time.Duration written as a Go duration string in TOML.
type Duration struct {
	time.Duration
}

func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(strings.TrimSpace(string(text)))
	if err != nil {
		return err
	}
	d.Duration = v
	return nil
}

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

type ReconcileConfig struct {
	Interval Duration `toml:"interval"`
}

type DevServerConfig struct {
	Command      string   `toml:"command"`
	ReadyURL     string   `toml:"ready_url"`
	GracePeriod  Duration `toml:"grace_period"`
	ReadyTimeout Duration `toml:"ready_timeout"`
	LogLines     int      `toml:"log_lines"`
	// Port, when non-zero, is exported to the command as PORT.
	Port int `toml:"port"`
}

type AutoModeConfig struct {
	Command string `toml:"command"`
}

type InitScriptConfig struct {
	Path string `toml:"path"`
}

type HTTPConfig struct {
	Addr string `toml:"addr"`
}

type LogConfig struct {
	Level string `toml:"level"`
	File  string `toml:"file"`
}

type Config struct {
	WorktreeDir string           `toml:"worktree_dir"`
	BaseRef     string           `toml:"base_ref"`
	GitTimeout  Duration         `toml:"git_timeout"`
	Reconcile   ReconcileConfig  `toml:"reconcile"`
	DevServer   DevServerConfig  `toml:"dev_server"`
	AutoMode    AutoModeConfig   `toml:"auto_mode"`
	InitScript  InitScriptConfig `toml:"init_script"`
	HTTP        HTTPConfig       `toml:"http"`
	Log         LogConfig        `toml:"log"`

	EmitCDMarker bool `toml:"-"`
	// Sources lists the files that were applied, lowest precedence first.
	Sources []string `toml:"-"`
	// Unknown lists keys present in a file that no setting reads.
	Unknown []string `toml:"-"`
}

func Default() Config {
	return Config{
		WorktreeDir: ".worktrees",
		GitTimeout:  Duration{45 * time.Second},
		Reconcile:   ReconcileConfig{Interval: Duration{5 * time.Second}},
		DevServer: DevServerConfig{
			GracePeriod:  Duration{5 * time.Second},
			ReadyTimeout: Duration{60 * time.Second},
			LogLines:     1000,
		},
		InitScript: InitScriptConfig{Path: ".canopy/worktree-init.sh"},
		HTTP:       HTTPConfig{Addr: "127.0.0.1:7420"},
		Log:        LogConfig{Level: "info"},
	}
}

// Load layers defaults, the global file, the repository file found from dir,
// and CANOPY_* environment overrides, in that order.
func Load(dir string) (Config, error) {
	cfg := Default()

	// 1. Global config
	globalPath := os.Getenv("CANOPY_CONFIG")
	if globalPath == "" {
		if home, err := os.UserHomeDir(); err == nil {
			globalPath = filepath.Join(home, ".config", "canopy", "config.toml")
		}
	}
	if globalPath != "" {
		if err := applyFile(globalPath, &cfg); err != nil {
			return cfg, err
		}
	}

	// 2. Repository config, overrides global
	if repoRoot, err := findGitRoot(dir); err == nil {
		if err := applyFile(filepath.Join(repoRoot, FileName), &cfg); err != nil {
			return cfg, err
		}
	}

	// 3. Environment, highest priority
	if err := applyEnvOverrides(&cfg); err != nil {
		return cfg, err
	}
	return cfg, cfg.Validate()
}

// ForWorktree overlays the dev_server section of a worktree's own config file.
func (c Config) ForWorktree(worktreePath string) (DevServerConfig, error) {
	overlay := struct {
		DevServer DevServerConfig `toml:"dev_server"`
	}{DevServer: c.DevServer}
	path := filepath.Join(worktreePath, FileName)
	if _, err := os.Stat(path); err != nil {
		return c.DevServer, nil
	}
	if _, err := toml.DecodeFile(path, &overlay); err != nil {
		return c.DevServer, fmt.Errorf("%s: %w", path, err)
	}
	return overlay.DevServer, nil
}

func (c Config) Validate() error {
	var errs []error
	if strings.TrimSpace(c.WorktreeDir) == "" {
		errs = append(errs, errors.New("worktree_dir must not be empty"))
	}
	if c.Reconcile.Interval.Duration <= 0 {
		errs = append(errs, errors.New("reconcile.interval must be positive"))
	}
	if c.DevServer.GracePeriod.Duration <= 0 {
		errs = append(errs, errors.New("dev_server.grace_period must be positive"))
	}
	if c.DevServer.LogLines <= 0 {
		errs = append(errs, errors.New("dev_server.log_lines must be positive"))
	}
	return errors.Join(errs...)
}

func applyFile(path string, cfg *Config) error {
	if _, err := os.Stat(path); err != nil {
		return nil
	}
	md, err := toml.DecodeFile(path, cfg)
	if err != nil {
		return fmt.Errorf("%s: %w", path, err)
	}
	cfg.Sources = append(cfg.Sources, path)
	for _, key := range md.Undecoded() {
		cfg.Unknown = append(cfg.Unknown, fmt.Sprintf("%s: %s", path, key.String()))
	}
	return nil
}

// findGitRoot walks up from dir until it finds a directory containing .git.
func findGitRoot(dir string) (string, error) {
	abs, err := filepath.Abs(dir)
	if err != nil {
		return "", err
	}
	for {
		if _, err := os.Stat(filepath.Join(abs, ".git")); err == nil {
			return abs, nil
		}
		parent := filepath.Dir(abs)
		if parent == abs {
			return "", fmt.Errorf("not inside a git repository")
		}
		abs = parent
	}
}

func parseBool(v string) (bool, error) {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "true", "1", "yes", "on":
		return true, nil
	case "false", "0", "no", "off":
		return false, nil
	default:
		return false, fmt.Errorf("invalid bool value: %s", v)
	}
}

func applyEnvOverrides(cfg *Config) error {
	var errs []error
	str := func(key string, dst *string) {
		if v := os.Getenv(key); v != "" {
			*dst = v
		}
	}
	dur := func(key string, dst *Duration) {
		if v := os.Getenv(key); v != "" {
			if err := dst.UnmarshalText([]byte(v)); err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", key, err))
			}
		}
	}

	str("CANOPY_WORKTREE_DIR", &cfg.WorktreeDir)
	str("CANOPY_BASE_REF", &cfg.BaseRef)
	if v := os.Getenv("CANOPY_GIT_TIMEOUT_SECONDS"); v != "" {
		seconds, err := strconv.Atoi(strings.TrimSpace(v))
		if err != nil {
			errs = append(errs, fmt.Errorf("CANOPY_GIT_TIMEOUT_SECONDS: %w", err))
		} else {
			cfg.GitTimeout = Duration{time.Duration(seconds) * time.Second}
		}
	}
	dur("CANOPY_RECONCILE_INTERVAL", &cfg.Reconcile.Interval)
	str("CANOPY_DEV_SERVER_COMMAND", &cfg.DevServer.Command)
	str("CANOPY_DEV_SERVER_READY_URL", &cfg.DevServer.ReadyURL)
	dur("CANOPY_DEV_SERVER_GRACE_PERIOD", &cfg.DevServer.GracePeriod)
	dur("CANOPY_DEV_SERVER_READY_TIMEOUT", &cfg.DevServer.ReadyTimeout)
	if v := os.Getenv("CANOPY_DEV_SERVER_LOG_LINES"); v != "" {
		n, err := strconv.Atoi(strings.TrimSpace(v))
		if err != nil {
			errs = append(errs, fmt.Errorf("CANOPY_DEV_SERVER_LOG_LINES: %w", err))
		} else {
			cfg.DevServer.LogLines = n
		}
	}
	if v := os.Getenv("CANOPY_DEV_SERVER_PORT"); v != "" {
		n, err := strconv.Atoi(strings.TrimSpace(v))
		if err != nil || n < 0 || n > 65535 {
			errs = append(errs, fmt.Errorf("CANOPY_DEV_SERVER_PORT: invalid port %q", v))
		} else {
			cfg.DevServer.Port = n
		}
	}
	str("CANOPY_AUTO_MODE_COMMAND", &cfg.AutoMode.Command)
	str("CANOPY_INIT_SCRIPT", &cfg.InitScript.Path)
	str("CANOPY_HTTP_ADDR", &cfg.HTTP.Addr)
	str("CANOPY_LOG_LEVEL", &cfg.Log.Level)
	str("CANOPY_LOG_FILE", &cfg.Log.File)
	if v := os.Getenv("CANOPY_EMIT_CD_MARKER"); v != "" {
		if b, err := parseBool(v); err == nil {
			cfg.EmitCDMarker = b
		}
	}
	return errors.Join(errs...)
}
