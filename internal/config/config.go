// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package config

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"regexp"
	"runtime"
	"strings"
	"sync"
	"text/template"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/viper"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/autobrr/huntarr/internal/domain"
)

var envPrefix = "HUNTARR__"

const databaseFile = "huntarr.db"

type AppConfig struct {
	Config  *domain.Config
	viper   *viper.Viper
	dataDir string
	version string

	// mu serializes re-reads of the config file.
	mu sync.Mutex

	listenersMu sync.RWMutex
	listeners   []func(*domain.Config)
}

func New(configDirOrPath string, versions ...string) (*AppConfig, error) {
	version := "dev"
	if len(versions) > 0 && strings.TrimSpace(versions[0]) != "" {
		version = versions[0]
	}

	c := &AppConfig{
		viper:   viper.New(),
		Config:  &domain.Config{},
		version: version,
	}

	c.defaults()

	if err := c.load(configDirOrPath); err != nil {
		return nil, err
	}

	c.loadFromEnv()

	cfg, err := c.unmarshal()
	if err != nil {
		return nil, err
	}
	c.Config = cfg

	c.resolveDataDir()

	return c, nil
}

func (c *AppConfig) defaults() {
	host := "localhost"
	if detectContainer() {
		host = "0.0.0.0"
	}

	c.viper.SetDefault("host", host)
	c.viper.SetDefault("port", 9705)
	c.viper.SetDefault("baseUrl", "/")
	c.viper.SetDefault("logLevel", "INFO")
	c.viper.SetDefault("logPath", "")
	c.viper.SetDefault("logMaxSize", 50)
	c.viper.SetDefault("logMaxBackups", 3)
	c.viper.SetDefault("dataDir", "") // Empty means auto-detect (next to config file)

	c.viper.SetDefault("apiTimeout", "120s")
	c.viper.SetDefault("statePollInterval", "1m")
	c.viper.SetDefault("maxBackoff", "30m")
	c.viper.SetDefault("historyRetention", "720h")
	c.viper.SetDefault("shutdownTimeout", "30s")
	c.viper.SetDefault("validateInterval", "30s")

	c.viper.SetDefault("metricsEnabled", false)
	c.viper.SetDefault("metricsHost", "127.0.0.1")
	c.viper.SetDefault("metricsPort", 9074)
	c.viper.SetDefault("metricsBasicAuthUsers", "")
}

// load reads the config file, generating the default one on first run.
func (c *AppConfig) load(configDirOrPath string) error {
	c.viper.SetConfigType("toml")

	path := c.locateConfig(configDirOrPath)
	c.viper.SetConfigFile(path)

	err := c.viper.ReadInConfig()
	switch {
	case err == nil:
		return nil
	case !isMissingConfig(err):
		return fmt.Errorf("failed to read config %s: %w", path, err)
	}

	if err := c.writeDefaultConfig(path); err != nil {
		return err
	}
	if err := c.viper.ReadInConfig(); err != nil {
		return fmt.Errorf("failed to read generated config %s: %w", path, err)
	}
	return nil
}

// locateConfig picks the config file: the explicit path, else ./config.toml
// when present, else the OS config dir.
func (c *AppConfig) locateConfig(configDirOrPath string) string {
	if configDirOrPath != "" {
		return c.resolveConfigPath(configDirOrPath)
	}
	if info, err := os.Stat("config.toml"); err == nil && !info.IsDir() {
		if abs, err := filepath.Abs("config.toml"); err == nil {
			return abs
		}
	}
	return filepath.Join(GetDefaultConfigDir(), "config.toml")
}

// isMissingConfig covers both viper's search error and the plain fs error
// SetConfigFile reports.
func isMissingConfig(err error) bool {
	var notFound viper.ConfigFileNotFoundError
	return errors.As(err, &notFound) || errors.Is(err, fs.ErrNotExist)
}

func (c *AppConfig) loadFromEnv() {
	// DO NOT use AutomaticEnv() - it reads ALL env vars and causes conflicts with K8s
	// Instead, explicitly bind only the environment variables we want

	// Use double underscore to avoid conflicts with K8s deployment_PORT patterns
	c.viper.BindEnv("host", envPrefix+"HOST")
	c.viper.BindEnv("port", envPrefix+"PORT")
	c.viper.BindEnv("baseUrl", envPrefix+"BASE_URL")
	c.viper.BindEnv("logLevel", envPrefix+"LOG_LEVEL")
	c.viper.BindEnv("logPath", envPrefix+"LOG_PATH")
	c.viper.BindEnv("logMaxSize", envPrefix+"LOG_MAX_SIZE")
	c.viper.BindEnv("logMaxBackups", envPrefix+"LOG_MAX_BACKUPS")
	c.viper.BindEnv("dataDir", envPrefix+"DATA_DIR")
	c.viper.BindEnv("apiTimeout", envPrefix+"API_TIMEOUT")
	c.viper.BindEnv("statePollInterval", envPrefix+"STATE_POLL_INTERVAL")
	c.viper.BindEnv("maxBackoff", envPrefix+"MAX_BACKOFF")
	c.viper.BindEnv("historyRetention", envPrefix+"HISTORY_RETENTION")
	c.viper.BindEnv("shutdownTimeout", envPrefix+"SHUTDOWN_TIMEOUT")
	c.viper.BindEnv("validateInterval", envPrefix+"VALIDATE_INTERVAL")
	c.viper.BindEnv("metricsEnabled", envPrefix+"METRICS_ENABLED")
	c.viper.BindEnv("metricsHost", envPrefix+"METRICS_HOST")
	c.viper.BindEnv("metricsPort", envPrefix+"METRICS_PORT")
	c.bindOrReadFromFile("metricsBasicAuthUsers", envPrefix+"METRICS_BASIC_AUTH_USERS")
}

// unmarshal decodes the current viper state into a fresh Config and applies
// the per-instance secrets from the environment.
func (c *AppConfig) unmarshal() (*domain.Config, error) {
	cfg := &domain.Config{}
	if err := c.viper.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	cfg.Version = c.version

	if err := applyInstanceSecrets(cfg.Instances); err != nil {
		return nil, err
	}
	return cfg, nil
}

var envNameReplacer = regexp.MustCompile(`[^A-Z0-9]+`)

// InstanceEnvName returns the variable overriding an instance's API key,
// HUNTARR__<APP>_<NAME>_API_KEY. Append _FILE to read it from a file.
func InstanceEnvName(app, name string) string {
	part := func(s string) string {
		return strings.Trim(envNameReplacer.ReplaceAllString(strings.ToUpper(strings.TrimSpace(s)), "_"), "_")
	}
	return envPrefix + part(app) + "_" + part(name) + "_API_KEY"
}

func applyInstanceSecrets(instances []domain.InstanceConfig) error {
	for i := range instances {
		envVar := InstanceEnvName(instances[i].App, instances[i].Name)
		if filePath := os.Getenv(envVar + "_FILE"); filePath != "" {
			content, err := os.ReadFile(filePath)
			if err != nil {
				return fmt.Errorf("read %s_FILE: %w", envVar, err)
			}
			instances[i].APIKey = strings.TrimSpace(string(content))
			continue
		}
		if v := os.Getenv(envVar); v != "" {
			instances[i].APIKey = v
		}
	}
	return nil
}

// Watch reloads the config whenever the file changes on disk and notifies
// the registered listeners. Invalid edits are logged and ignored.
func (c *AppConfig) Watch() {
	c.viper.OnConfigChange(func(e fsnotify.Event) {
		log.Info().Msgf("Config file changed: %s", e.Name)

		if _, err := c.reload(false); err != nil {
			log.Error().Err(err).Msg("Failed to reload configuration")
			return
		}
		c.notifyListeners()
	})
	c.viper.WatchConfig()
}

// Reload re-reads the config file and applies log settings. Listeners are
// not notified; the caller owns applying the returned snapshot.
func (c *AppConfig) Reload() (*domain.Config, error) {
	return c.reload(true)
}

func (c *AppConfig) reload(read bool) (*domain.Config, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if read {
		if err := c.viper.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	}

	cfg, err := c.unmarshal()
	if err != nil {
		return nil, err
	}
	c.Config = cfg
	c.ApplyLogConfig()

	copied := *cfg
	return &copied, nil
}

// RegisterReloadListener registers a callback that's invoked when the configuration file is reloaded.
func (c *AppConfig) RegisterReloadListener(fn func(*domain.Config)) {
	c.listenersMu.Lock()
	defer c.listenersMu.Unlock()
	c.listeners = append(c.listeners, fn)
}

func (c *AppConfig) notifyListeners() {
	c.listenersMu.RLock()
	listeners := append([]func(*domain.Config){}, c.listeners...)
	c.listenersMu.RUnlock()

	if len(listeners) == 0 {
		return
	}

	c.mu.Lock()
	copied := *c.Config
	c.mu.Unlock()

	for _, listener := range listeners {
		listener(&copied)
	}
}

func (c *AppConfig) writeDefaultConfig(path string) error {
	if _, err := os.Stat(path); err == nil {
		log.Debug().Msgf("Config file already exists at: %s", path)
		return nil
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory %s: %w", dir, err)
	}
	log.Debug().Msgf("Created config directory: %s", dir)

	data := map[string]any{
		"host":          c.viper.GetString("host"),
		"port":          c.viper.GetInt("port"),
		"logLevel":      c.viper.GetString("logLevel"),
		"logMaxSize":    c.viper.GetInt("logMaxSize"),
		"logMaxBackups": c.viper.GetInt("logMaxBackups"),
	}

	tmpl, err := template.New("config").Parse(configTemplate)
	if err != nil {
		return fmt.Errorf("failed to parse config template: %w", err)
	}

	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create config file: %w", err)
	}
	defer f.Close()

	if err := tmpl.Execute(f, data); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	log.Info().Msgf("Created default config file: %s", path)
	return nil
}

// GetDefaultConfigDir returns the OS-specific config directory
func GetDefaultConfigDir() string {
	// Docker containers set XDG_CONFIG_HOME to /config
	if xdgConfig := os.Getenv("XDG_CONFIG_HOME"); xdgConfig != "" {
		if xdgConfig == "/config" {
			return xdgConfig
		}
		return filepath.Join(xdgConfig, "huntarr")
	}

	switch runtime.GOOS {
	case "windows":
		if appData := os.Getenv("APPDATA"); appData != "" {
			return filepath.Join(appData, "huntarr")
		}
		home, _ := os.UserHomeDir()
		return filepath.Join(home, "AppData", "Roaming", "huntarr")
	default:
		home, _ := os.UserHomeDir()
		return filepath.Join(home, ".config", "huntarr")
	}
}

func detectContainer() bool {
	if _, err := os.Stat("/.dockerenv"); err == nil {
		return true
	}
	if _, err := os.Stat("/dev/.lxc-boot-id"); err == nil {
		return true
	}
	if os.Getpid() == 1 {
		return true
	}
	return false
}

// ApplyLogConfig sets the global level and output from the current config.
// It runs again after every reload.
func (c *AppConfig) ApplyLogConfig() {
	zerolog.TimeFieldFormat = time.RFC3339

	lvl, err := zerolog.ParseLevel(strings.ToLower(strings.TrimSpace(c.Config.LogLevel)))
	if err != nil || c.Config.LogLevel == "" {
		lvl = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(lvl)

	out, err := logOutput(c.version, c.Config.LogPath, c.Config.LogMaxSize, c.Config.LogMaxBackups)
	if err != nil {
		log.Error().Err(err).Str("path", c.Config.LogPath).Msg("Log file disabled")
	}
	log.Logger = zerolog.New(out).Level(lvl).With().Timestamp().Logger()
}

// logOutput is the console (dev builds) or JSON stderr writer, teed into a
// lumberjack rotated file when path is set. On error the console writer is
// still returned.
func logOutput(version, path string, maxSizeMB, maxBackups int) (io.Writer, error) {
	var console io.Writer = os.Stderr
	if isDevBuild(version) {
		console = zerolog.ConsoleWriter{
			Out:        os.Stderr,
			TimeFormat: time.RFC3339,
			PartsOrder: []string{zerolog.TimestampFieldName, zerolog.LevelFieldName, zerolog.MessageFieldName},
		}
	}
	if path == "" {
		return console, nil
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return console, fmt.Errorf("create log directory: %w", err)
	}

	return io.MultiWriter(console, &lumberjack.Logger{
		Filename:   path,
		MaxSize:    max(maxSizeMB, 1),
		MaxBackups: max(maxBackups, 0),
	}), nil
}

// DefaultLogWriter is the writer used before any config is loaded.
func DefaultLogWriter(version string) io.Writer {
	w, _ := logOutput(version, "", 0, 0)
	return w
}

// InitDefaultLogger sets up zerolog for CLI entry points.
func InitDefaultLogger(version string) {
	zerolog.TimeFieldFormat = time.RFC3339
	log.Logger = zerolog.New(DefaultLogWriter(version)).With().Timestamp().Logger()
}

func isDevBuild(version string) bool {
	v := strings.ToLower(strings.TrimSpace(version))
	return v == "" || v == "dev" || strings.HasSuffix(v, "-dev")
}

// resolveConfigPath determines the actual config file path from the provided directory or file path
func (c *AppConfig) resolveConfigPath(configDirOrPath string) string {
	if strings.HasSuffix(strings.ToLower(configDirOrPath), ".toml") {
		return configDirOrPath
	}

	if info, err := os.Stat(configDirOrPath); err == nil && !info.IsDir() {
		return configDirOrPath
	}

	return filepath.Join(configDirOrPath, "config.toml")
}

func (c *AppConfig) resolveDataDir() {
	switch {
	case c.Config.DataDir != "":
		c.dataDir = c.Config.DataDir
	case c.viper.ConfigFileUsed() != "":
		c.dataDir = filepath.Dir(c.viper.ConfigFileUsed())
	default:
		c.dataDir = "."
	}
}

// GetDatabasePath returns the path to the database file
func (c *AppConfig) GetDatabasePath() string {
	return filepath.Join(c.dataDir, databaseFile)
}

func (c *AppConfig) GetDataDir() string {
	return c.dataDir
}

// SetDataDir sets the data directory (used by CLI flags)
func (c *AppConfig) SetDataDir(dir string) {
	c.dataDir = dir
}

// GetConfigDir returns the directory containing the config file
func (c *AppConfig) GetConfigDir() string {
	if c.viper.ConfigFileUsed() != "" {
		return filepath.Dir(c.viper.ConfigFileUsed())
	}
	return GetDefaultConfigDir()
}

// Snapshot returns a copy of the current config.
func (c *AppConfig) Snapshot() domain.Config {
	c.mu.Lock()
	defer c.mu.Unlock()
	return *c.Config
}

func WriteDefaultConfig(path string) error {
	c := &AppConfig{
		viper: viper.New(),
	}

	c.defaults()

	return c.writeDefaultConfig(path)
}

// bindOrReadFromFile sets viperVar from the file named by envVar_FILE when
// present, otherwise binds envVar.
func (c *AppConfig) bindOrReadFromFile(viperVar string, envVar string) {
	envVarFile := envVar + "_FILE"
	if filePath := os.Getenv(envVarFile); filePath != "" {
		content, err := os.ReadFile(filePath)
		if err != nil {
			log.Fatal().Err(err).Str("path", filePath).Msg("Could not read " + envVarFile)
		}
		c.viper.Set(viperVar, strings.TrimSpace(string(content)))
		return
	}
	c.viper.BindEnv(viperVar, envVar)
}
