// Package config loads warden's layered configuration: built-in defaults,
// the user file, the project file, WARDEN_* environment variables and flag
// overrides, in increasing precedence. The project file may only set the
// keys ProjectSettable accepts.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/spf13/viper"

	"github.com/Dicklesworthstone/warden/internal/core"
	"github.com/Dicklesworthstone/warden/internal/fsutil"
	"github.com/Dicklesworthstone/warden/internal/utils"
)

// DirName is the per-user and per-project configuration directory.
const DirName = ".warden"

// Config is the full configuration.
type Config struct {
	General    GeneralConfig    `mapstructure:"general" toml:"general" json:"general" yaml:"general"`
	Bypass     BypassConfig     `mapstructure:"bypass" toml:"bypass" json:"bypass" yaml:"bypass"`
	SuperAdmin SuperAdminConfig `mapstructure:"superadmin" toml:"superadmin" json:"superadmin" yaml:"superadmin"`
	Domains    DomainsConfig    `mapstructure:"domains" toml:"domains" json:"domains" yaml:"domains"`
	Heuristics HeuristicsConfig `mapstructure:"heuristics" toml:"heuristics" json:"heuristics" yaml:"heuristics"`
	Correlator CorrelatorConfig `mapstructure:"correlator" toml:"correlator" json:"correlator" yaml:"correlator"`
	Audit      AuditConfig      `mapstructure:"audit" toml:"audit" json:"audit" yaml:"audit"`
	Watch      WatchConfig      `mapstructure:"watch" toml:"watch" json:"watch" yaml:"watch"`
}

type GeneralConfig struct {
	StateDir             string `mapstructure:"state_dir" toml:"state_dir" json:"state_dir" yaml:"state_dir"`
	LogLevel             string `mapstructure:"log_level" toml:"log_level" json:"log_level" yaml:"log_level"`
	PromptTimeoutSeconds int    `mapstructure:"prompt_timeout_seconds" toml:"prompt_timeout_seconds" json:"prompt_timeout_seconds" yaml:"prompt_timeout_seconds"`
}

type BypassConfig struct {
	MaxDurationMins     int `mapstructure:"max_duration_minutes" toml:"max_duration_minutes" json:"max_duration_minutes" yaml:"max_duration_minutes"`
	InactivityMins      int `mapstructure:"inactivity_minutes" toml:"inactivity_minutes" json:"inactivity_minutes" yaml:"inactivity_minutes"`
	MinPassphraseLength int `mapstructure:"min_passphrase_length" toml:"min_passphrase_length" json:"min_passphrase_length" yaml:"min_passphrase_length"`
}

type SuperAdminConfig struct {
	MaxDurationMins     int    `mapstructure:"max_duration_minutes" toml:"max_duration_minutes" json:"max_duration_minutes" yaml:"max_duration_minutes"`
	InactivityMins      int    `mapstructure:"inactivity_minutes" toml:"inactivity_minutes" json:"inactivity_minutes" yaml:"inactivity_minutes"`
	MinPassphraseLength int    `mapstructure:"min_passphrase_length" toml:"min_passphrase_length" json:"min_passphrase_length" yaml:"min_passphrase_length"`
	BiometricCommand    string `mapstructure:"biometric_command" toml:"biometric_command" json:"biometric_command" yaml:"biometric_command"`
}

type DomainsConfig struct {
	// ConfigDir holds the four list files; empty means <state_dir>/domains.
	ConfigDir   string `mapstructure:"config_dir" toml:"config_dir" json:"config_dir" yaml:"config_dir"`
	Interactive bool   `mapstructure:"interactive" toml:"interactive" json:"interactive" yaml:"interactive"`
}

type HeuristicsConfig struct {
	Enabled           bool     `mapstructure:"enabled" toml:"enabled" json:"enabled" yaml:"enabled"`
	BlockThreshold    int      `mapstructure:"block_threshold" toml:"block_threshold" json:"block_threshold" yaml:"block_threshold"`
	WarnThreshold     int      `mapstructure:"warn_threshold" toml:"warn_threshold" json:"warn_threshold" yaml:"warn_threshold"`
	DisabledDetectors []string `mapstructure:"disabled_detectors" toml:"disabled_detectors" json:"disabled_detectors" yaml:"disabled_detectors"`
}

type CorrelatorConfig struct {
	Enabled        bool `mapstructure:"enabled" toml:"enabled" json:"enabled" yaml:"enabled"`
	WindowSize     int  `mapstructure:"window_size" toml:"window_size" json:"window_size" yaml:"window_size"`
	TTLMins        int  `mapstructure:"ttl_minutes" toml:"ttl_minutes" json:"ttl_minutes" yaml:"ttl_minutes"`
	BlockThreshold int  `mapstructure:"block_threshold" toml:"block_threshold" json:"block_threshold" yaml:"block_threshold"`
	WarnThreshold  int  `mapstructure:"warn_threshold" toml:"warn_threshold" json:"warn_threshold" yaml:"warn_threshold"`
}

type AuditConfig struct {
	Enabled bool `mapstructure:"enabled" toml:"enabled" json:"enabled" yaml:"enabled"`
	// DatabasePath empty means <state_dir>/audit.db.
	DatabasePath  string `mapstructure:"database_path" toml:"database_path" json:"database_path" yaml:"database_path"`
	RetentionDays int    `mapstructure:"retention_days" toml:"retention_days" json:"retention_days" yaml:"retention_days"`
}

type WatchConfig struct {
	DebounceMillis int `mapstructure:"debounce_ms" toml:"debounce_ms" json:"debounce_ms" yaml:"debounce_ms"`
}

// DefaultConfig returns the built-in defaults.
func DefaultConfig() Config {
	return Config{
		General: GeneralConfig{
			StateDir:             "~/" + DirName,
			LogLevel:             "warn",
			PromptTimeoutSeconds: 30,
		},
		Bypass: BypassConfig{
			MaxDurationMins:     240,
			InactivityMins:      30,
			MinPassphraseLength: 8,
		},
		SuperAdmin: SuperAdminConfig{
			MaxDurationMins:     15,
			InactivityMins:      5,
			MinPassphraseLength: 12,
		},
		Domains: DomainsConfig{
			Interactive: true,
		},
		Heuristics: HeuristicsConfig{
			Enabled:           true,
			BlockThreshold:    70,
			WarnThreshold:     40,
			DisabledDetectors: []string{},
		},
		Correlator: CorrelatorConfig{
			Enabled:        true,
			WindowSize:     50,
			TTLMins:        30,
			BlockThreshold: 70,
			WarnThreshold:  40,
		},
		Audit: AuditConfig{
			Enabled:       true,
			RetentionDays: 30,
		},
		Watch: WatchConfig{
			DebounceMillis: 250,
		},
	}
}

// LoadOptions controls Load.
type LoadOptions struct {
	// ProjectDir locates <dir>/.warden/config.toml; empty uses the working
	// directory.
	ProjectDir string
	// ConfigPath replaces the project config file when set. It is held to
	// the same key restrictions as the project file.
	ConfigPath    string
	FlagOverrides map[string]any
}

// envAliases are short environment names accepted besides the
// WARDEN_<SECTION>_<KEY> form.
var envAliases = map[string]string{
	"general.state_dir":   "WARDEN_STATE_DIR",
	"general.log_level":   "WARDEN_LOG_LEVEL",
	"domains.config_dir":  "WARDEN_DOMAINS_DIR",
	"audit.database_path": "WARDEN_AUDIT_DB",
}

// Load resolves the layered configuration and validates it.
func Load(opts LoadOptions) (Config, error) {
	projectDir := opts.ProjectDir
	if projectDir == "" {
		wd, err := os.Getwd()
		if err != nil {
			return Config{}, fmt.Errorf("get working directory: %w", err)
		}
		projectDir = wd
	}

	v := viper.New()
	setDefaults(v)

	userPath, projectPath := ConfigPaths(projectDir, opts.ConfigPath)
	if _, err := mergeConfigFile(v, userPath, nil); err != nil {
		return Config{}, err
	}
	ignored, err := mergeConfigFile(v, projectPath, ProjectSettable)
	if err != nil {
		return Config{}, err
	}
	if len(ignored) > 0 {
		utils.LoggerOrDefault(nil, "config").Warn("ignoring restricted keys in project config",
			"path", projectPath, "keys", strings.Join(ignored, ","))
	}

	for _, key := range v.AllKeys() {
		names := []string{envName(key)}
		if alias, ok := envAliases[key]; ok {
			names = append(names, alias)
		}
		if err := v.BindEnv(append([]string{key}, names...)...); err != nil {
			return Config{}, fmt.Errorf("bind env for %s: %w", key, err)
		}
	}

	for key, val := range opts.FlagOverrides {
		v.Set(key, val)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, &core.ConfigurationError{Component: "config", Err: fmt.Errorf("decode config: %w", err)}
	}
	if cfg.Heuristics.DisabledDetectors == nil {
		cfg.Heuristics.DisabledDetectors = []string{}
	}
	if err := Validate(cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func envName(key string) string {
	return "WARDEN_" + strings.ToUpper(strings.ReplaceAll(key, ".", "_"))
}

func setDefaults(v *viper.Viper) {
	for key, val := range flatten(DefaultConfig()) {
		v.SetDefault(key, val)
	}
}

// projectKeys are the only keys a project or --config file may set. The
// project tree is writable by the agent being guarded, so everything that
// decides a verdict or locates credentials stays with the user file, the
// environment and flags.
var projectKeys = map[string]bool{
	"general.log_level":              true,
	"general.prompt_timeout_seconds": true,
	"watch.debounce_ms":              true,
}

// ProjectSettable reports whether key may come from a project config file.
func ProjectSettable(key string) bool {
	return projectKeys[strings.ToLower(key)]
}

// mergeConfigFile merges a TOML file into v. Empty or missing paths are
// skipped. When allow is non-nil, keys it rejects are left out and
// returned.
func mergeConfigFile(v *viper.Viper, path string, allow func(string) bool) ([]string, error) {
	if path == "" {
		return nil, nil
	}
	info, err := os.Stat(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("stat config %s: %w", path, err)
	}
	if info.IsDir() {
		return nil, &core.ConfigurationError{Component: "config", Err: fmt.Errorf("%s is a directory", path)}
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}
	var m map[string]any
	if err := toml.Unmarshal(data, &m); err != nil {
		return nil, &core.ConfigurationError{Component: "config", Err: fmt.Errorf("parse %s: %w", path, err)}
	}
	var dropped []string
	if allow != nil {
		m = filterKeys(m, "", allow, &dropped)
		sort.Strings(dropped)
	}
	if err := v.MergeConfigMap(m); err != nil {
		return nil, fmt.Errorf("merge config %s: %w", path, err)
	}
	return dropped, nil
}

func filterKeys(m map[string]any, prefix string, allow func(string) bool, dropped *[]string) map[string]any {
	out := make(map[string]any, len(m))
	for k, val := range m {
		key := k
		if prefix != "" {
			key = prefix + "." + k
		}
		if child, ok := val.(map[string]any); ok {
			if kept := filterKeys(child, key, allow, dropped); len(kept) > 0 {
				out[k] = kept
			}
			continue
		}
		if !allow(key) {
			*dropped = append(*dropped, key)
			continue
		}
		out[k] = val
	}
	return out
}

// ConfigPaths returns the user and project config file paths.
func ConfigPaths(projectDir, override string) (user, project string) {
	home, _ := os.UserHomeDir()
	return filepath.Join(home, DirName, "config.toml"), projectConfigPath(projectDir, override)
}

func projectConfigPath(projectDir, override string) string {
	if override != "" {
		return override
	}
	return filepath.Join(projectDir, DirName, "config.toml")
}

// Validate checks ranges and cross-field constraints.
func Validate(cfg Config) error {
	var problems []string
	add := func(format string, args ...any) {
		problems = append(problems, fmt.Sprintf(format, args...))
	}

	switch strings.ToLower(cfg.General.LogLevel) {
	case "debug", "info", "warn", "warning", "error":
	default:
		add("general.log_level must be debug, info, warn or error")
	}
	if cfg.General.PromptTimeoutSeconds < 1 {
		add("general.prompt_timeout_seconds must be >= 1")
	}
	if strings.TrimSpace(cfg.General.StateDir) == "" {
		add("general.state_dir must be set")
	}

	if cfg.Bypass.MaxDurationMins < 1 {
		add("bypass.max_duration_minutes must be >= 1")
	}
	if cfg.Bypass.InactivityMins < 1 {
		add("bypass.inactivity_minutes must be >= 1")
	}
	if cfg.Bypass.MinPassphraseLength < 1 {
		add("bypass.min_passphrase_length must be >= 1")
	}

	if cfg.SuperAdmin.MaxDurationMins < 1 {
		add("superadmin.max_duration_minutes must be >= 1")
	}
	if cfg.SuperAdmin.InactivityMins < 1 {
		add("superadmin.inactivity_minutes must be >= 1")
	}
	if cfg.SuperAdmin.MaxDurationMins > cfg.Bypass.MaxDurationMins {
		add("superadmin.max_duration_minutes must not exceed bypass.max_duration_minutes")
	}
	if cfg.SuperAdmin.MinPassphraseLength < 12 {
		add("superadmin.min_passphrase_length must be >= 12")
	}

	validThresholds := func(section string, warn, block int) {
		if warn < 0 || warn > 100 || block < 0 || block > 100 {
			add("%s thresholds must be within 0-100", section)
		}
		if warn > block {
			add("%s.warn_threshold must not exceed block_threshold", section)
		}
	}
	validThresholds("heuristics", cfg.Heuristics.WarnThreshold, cfg.Heuristics.BlockThreshold)
	validThresholds("correlator", cfg.Correlator.WarnThreshold, cfg.Correlator.BlockThreshold)

	if cfg.Correlator.WindowSize < 1 {
		add("correlator.window_size must be >= 1")
	}
	if cfg.Correlator.TTLMins < 1 {
		add("correlator.ttl_minutes must be >= 1")
	}
	if cfg.Audit.RetentionDays < 0 {
		add("audit.retention_days must be >= 0")
	}
	if cfg.Watch.DebounceMillis < 0 {
		add("watch.debounce_ms must be >= 0")
	}

	if len(problems) > 0 {
		return &core.ConfigurationError{
			Component: "config",
			Err:       fmt.Errorf("config validation failed: %s", strings.Join(problems, "; ")),
		}
	}
	return nil
}

// WriteValue sets key in the TOML file at path, creating the file and any
// intermediate tables.
func WriteValue(path, key string, value any) error {
	if path == "" {
		return fmt.Errorf("config path is required")
	}
	if key == "" {
		return fmt.Errorf("config key is required")
	}

	doc := map[string]any{}
	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if _, err := toml.Decode(string(data), &doc); err != nil {
			return fmt.Errorf("decode config %s: %w", path, err)
		}
	case errors.Is(err, os.ErrNotExist):
	default:
		return fmt.Errorf("read config %s: %w", path, err)
	}

	parts := strings.Split(key, ".")
	table := doc
	for _, part := range parts[:len(parts)-1] {
		next, ok := table[part]
		if !ok {
			child := map[string]any{}
			table[part] = child
			table = child
			continue
		}
		child, ok := next.(map[string]any)
		if !ok {
			return fmt.Errorf("config key %s: %s is not a table", key, part)
		}
		table = child
	}
	table[parts[len(parts)-1]] = value

	var buf bytes.Buffer
	if err := toml.NewEncoder(&buf).Encode(doc); err != nil {
		return fmt.Errorf("encode config: %w", err)
	}
	return fsutil.AtomicWrite(path, buf.Bytes(), 0600)
}

// ExpandHome replaces a leading "~" with the user's home directory.
func ExpandHome(p string) string {
	if p != "~" && !strings.HasPrefix(p, "~/") {
		return p
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return p
	}
	return filepath.Join(home, strings.TrimPrefix(p, "~"))
}

// Paths is the resolved on-disk layout under the state directory.
type Paths struct {
	StateDir    string `json:"state_dir"`
	AuthDir     string `json:"auth_dir"`
	DomainsDir  string `json:"domains_dir"`
	SessionsDir string `json:"sessions_dir"`
	HistoryDir  string `json:"history_dir"`
	AuditDB     string `json:"audit_db"`
}

// Paths resolves the state layout.
func (c Config) Paths() Paths {
	state := ExpandHome(c.General.StateDir)
	p := Paths{
		StateDir:    state,
		AuthDir:     filepath.Join(state, "auth"),
		DomainsDir:  filepath.Join(state, "domains"),
		SessionsDir: filepath.Join(state, "sessions"),
		HistoryDir:  filepath.Join(state, "history"),
		AuditDB:     filepath.Join(state, "audit.db"),
	}
	if c.Domains.ConfigDir != "" {
		p.DomainsDir = ExpandHome(c.Domains.ConfigDir)
	}
	if c.Audit.DatabasePath != "" {
		p.AuditDB = ExpandHome(c.Audit.DatabasePath)
	}
	return p
}

// PromptTimeout returns the interactive prompt timeout.
func (c Config) PromptTimeout() time.Duration {
	return time.Duration(c.General.PromptTimeoutSeconds) * time.Second
}

// Minutes converts a minutes setting.
func Minutes(n int) time.Duration { return time.Duration(n) * time.Minute }
