package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	log "github.com/charmbracelet/log"
	"gopkg.in/yaml.v3"

	"packbot/internal/domain"
)

const defaultExternalHTTPTimeout = 90 * time.Second
const defaultExternalHTTPTimeoutSeconds = int(defaultExternalHTTPTimeout / time.Second)

const (
	CacheBackendSQLite = "sqlite"
	CacheBackendBadger = "badger"

	ExitPolicyDrain   = "drain"
	ExitPolicyAbandon = "abandon"
)

// RangeOverride is the YAML form of one tier's colour ranges.
type RangeOverride struct {
	R []int `yaml:"r"`
	G []int `yaml:"g"`
	B []int `yaml:"b"`
}

type Config struct {
	SlackBotToken  string `yaml:"slack_bot_token"`
	SlackAppToken  string `yaml:"slack_app_token"`
	SlackUserToken string `yaml:"slack_user_token"`

	DBPath                   string `yaml:"db_path"`
	CacheBackend             string `yaml:"cache_backend"`
	BadgerPath               string `yaml:"badger_path"`
	CacheMaintenanceSchedule string `yaml:"cache_maintenance_schedule"`

	AdminListenAddr string `yaml:"admin_listen_addr"`
	AdminToken      string `yaml:"admin_token"`

	ExternalHTTPTimeoutSeconds int `yaml:"external_http_timeout_seconds"`
	HistoryPageSize            int `yaml:"history_page_size"`

	RetryBaseDelayMS  int     `yaml:"retry_base_delay_ms"`
	RetryMultiplier   float64 `yaml:"retry_multiplier"`
	RetryMaxDelayMS   int     `yaml:"retry_max_delay_ms"`
	RetryMaxAttempts  int     `yaml:"retry_max_attempts"`
	ClassifyWorkers   int     `yaml:"classify_concurrency"`
	IndicatorInterval int     `yaml:"indicator_interval_seconds"`

	// Pointers so an absent key keeps the default of true.
	ProcessingEnabled *bool `yaml:"processing_enabled"`
	CachingEnabled    *bool `yaml:"caching_enabled"`
	ReportingEnabled  *bool `yaml:"reporting_enabled"`

	ExitPolicy              string `yaml:"exit_policy"`
	ExitDrainTimeoutSeconds int    `yaml:"exit_drain_timeout_seconds"`
	LogLevel                string `yaml:"log_level"`

	CategoryRanges map[string]RangeOverride `yaml:"category_ranges"`

	// Ranges is CategoryRanges applied over the calibrated defaults.
	Ranges domain.RangeTable `yaml:"-"`
	// CacheMaintenanceScheduleSet distinguishes an explicit empty schedule.
	CacheMaintenanceScheduleSet bool `yaml:"-"`
}

func LoadConfig() Config {
	var cfg Config

	// Load from config.yaml if it exists
	configPath := "config.yaml"
	if envPath := os.Getenv("CONFIG_PATH"); envPath != "" {
		configPath = envPath
	}
	if data, err := os.ReadFile(configPath); err == nil {
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			log.Fatalf("Error parsing %s: %v", configPath, err)
		}
		cfg.CacheMaintenanceScheduleSet = yamlHasKey(data, "cache_maintenance_schedule")
		log.Printf("Loaded config from %s", configPath)
	}

	// Env vars override YAML values
	envOverride(&cfg.SlackBotToken, "SLACK_BOT_TOKEN")
	envOverride(&cfg.SlackAppToken, "SLACK_APP_TOKEN")
	envOverride(&cfg.SlackUserToken, "SLACK_USER_TOKEN")
	envOverride(&cfg.DBPath, "DB_PATH")
	envOverride(&cfg.CacheBackend, "CACHE_BACKEND")
	envOverride(&cfg.BadgerPath, "BADGER_PATH")
	if val, ok := os.LookupEnv("CACHE_MAINTENANCE_SCHEDULE"); ok {
		cfg.CacheMaintenanceSchedule = val
		cfg.CacheMaintenanceScheduleSet = true
	}
	envOverride(&cfg.AdminListenAddr, "ADMIN_LISTEN_ADDR")
	envOverride(&cfg.AdminToken, "ADMIN_TOKEN")
	envOverrideInt(&cfg.ExternalHTTPTimeoutSeconds, "EXTERNAL_HTTP_TIMEOUT_SECONDS")
	envOverrideInt(&cfg.HistoryPageSize, "HISTORY_PAGE_SIZE")
	envOverrideInt(&cfg.RetryBaseDelayMS, "RETRY_BASE_DELAY_MS")
	envOverrideFloat(&cfg.RetryMultiplier, "RETRY_MULTIPLIER")
	envOverrideInt(&cfg.RetryMaxDelayMS, "RETRY_MAX_DELAY_MS")
	envOverrideInt(&cfg.RetryMaxAttempts, "RETRY_MAX_ATTEMPTS")
	envOverrideInt(&cfg.ClassifyWorkers, "CLASSIFY_CONCURRENCY")
	envOverrideInt(&cfg.IndicatorInterval, "INDICATOR_INTERVAL_SECONDS")
	envOverrideBoolPtr(&cfg.ProcessingEnabled, "PROCESSING_ENABLED")
	envOverrideBoolPtr(&cfg.CachingEnabled, "CACHING_ENABLED")
	envOverrideBoolPtr(&cfg.ReportingEnabled, "REPORTING_ENABLED")
	envOverride(&cfg.ExitPolicy, "EXIT_POLICY")
	envOverrideInt(&cfg.ExitDrainTimeoutSeconds, "EXIT_DRAIN_TIMEOUT_SECONDS")
	envOverride(&cfg.LogLevel, "LOG_LEVEL")

	// Defaults
	if cfg.DBPath == "" {
		cfg.DBPath = "./packbot.db"
	}
	if cfg.CacheBackend == "" {
		cfg.CacheBackend = CacheBackendSQLite
	}
	if cfg.BadgerPath == "" {
		cfg.BadgerPath = "./packbot-cache"
	}
	if !cfg.CacheMaintenanceScheduleSet {
		cfg.CacheMaintenanceSchedule = "@daily"
	}
	if cfg.AdminListenAddr == "" {
		cfg.AdminListenAddr = "127.0.0.1:8089"
	}
	if cfg.ExternalHTTPTimeoutSeconds == 0 {
		cfg.ExternalHTTPTimeoutSeconds = defaultExternalHTTPTimeoutSeconds
	}
	if cfg.HistoryPageSize == 0 {
		cfg.HistoryPageSize = 100
	}
	if cfg.RetryBaseDelayMS == 0 {
		cfg.RetryBaseDelayMS = 5000
	}
	if cfg.RetryMultiplier == 0 {
		cfg.RetryMultiplier = 2
	}
	if cfg.RetryMaxDelayMS == 0 {
		cfg.RetryMaxDelayMS = 60000
	}
	if cfg.RetryMaxAttempts == 0 {
		cfg.RetryMaxAttempts = 5
	}
	if cfg.ClassifyWorkers == 0 {
		cfg.ClassifyWorkers = 4
	}
	if cfg.IndicatorInterval == 0 {
		cfg.IndicatorInterval = 5
	}
	defaultTrue(&cfg.ProcessingEnabled)
	defaultTrue(&cfg.CachingEnabled)
	defaultTrue(&cfg.ReportingEnabled)
	if cfg.ExitPolicy == "" {
		cfg.ExitPolicy = ExitPolicyDrain
	}
	if cfg.ExitDrainTimeoutSeconds == 0 {
		cfg.ExitDrainTimeoutSeconds = 30
	}
	if cfg.LogLevel == "" {
		cfg.LogLevel = "info"
	}

	// Validate required fields
	required := map[string]string{
		"slack_bot_token": cfg.SlackBotToken,
		"slack_app_token": cfg.SlackAppToken,
	}
	for name, val := range required {
		if val == "" {
			log.Fatalf("Required config '%s' is not set (via config.yaml or env var)", name)
		}
	}

	cfg.CacheBackend = strings.ToLower(strings.TrimSpace(cfg.CacheBackend))
	switch cfg.CacheBackend {
	case CacheBackendSQLite, CacheBackendBadger:
	default:
		log.Fatalf("cache_backend must be 'sqlite' or 'badger', got '%s'", cfg.CacheBackend)
	}
	cfg.ExitPolicy = strings.ToLower(strings.TrimSpace(cfg.ExitPolicy))
	switch cfg.ExitPolicy {
	case ExitPolicyDrain, ExitPolicyAbandon:
	default:
		log.Fatalf("exit_policy must be 'drain' or 'abandon', got '%s'", cfg.ExitPolicy)
	}
	if _, err := log.ParseLevel(cfg.LogLevel); err != nil {
		log.Fatalf("invalid log_level '%s': %v", cfg.LogLevel, err)
	}
	if cfg.ExternalHTTPTimeoutSeconds < 5 {
		log.Fatalf("invalid external_http_timeout_seconds '%d': must be >= 5", cfg.ExternalHTTPTimeoutSeconds)
	}
	if cfg.HistoryPageSize < 1 || cfg.HistoryPageSize > 100 {
		log.Fatalf("invalid history_page_size '%d': must be between 1 and 100", cfg.HistoryPageSize)
	}
	if cfg.RetryBaseDelayMS < 0 || cfg.RetryMaxDelayMS < cfg.RetryBaseDelayMS {
		log.Fatalf("invalid retry delays base=%dms max=%dms: need 0 <= base <= max", cfg.RetryBaseDelayMS, cfg.RetryMaxDelayMS)
	}
	if cfg.RetryMultiplier < 1 {
		log.Fatalf("invalid retry_multiplier '%g': must be >= 1", cfg.RetryMultiplier)
	}
	if cfg.RetryMaxAttempts < 1 {
		log.Fatalf("invalid retry_max_attempts '%d': must be >= 1", cfg.RetryMaxAttempts)
	}
	if cfg.ClassifyWorkers < 1 {
		log.Fatalf("invalid classify_concurrency '%d': must be >= 1", cfg.ClassifyWorkers)
	}
	if cfg.IndicatorInterval < 1 {
		log.Fatalf("invalid indicator_interval_seconds '%d': must be >= 1", cfg.IndicatorInterval)
	}
	if cfg.ExitDrainTimeoutSeconds < 0 {
		log.Fatalf("invalid exit_drain_timeout_seconds '%d': must be >= 0", cfg.ExitDrainTimeoutSeconds)
	}

	ranges, err := BuildRangeTable(cfg.CategoryRanges)
	if err != nil {
		log.Fatalf("invalid category_ranges: %v", err)
	}
	cfg.Ranges = ranges

	return cfg
}

// BuildRangeTable applies overrides on top of domain.DefaultRanges.
func BuildRangeTable(overrides map[string]RangeOverride) (domain.RangeTable, error) {
	table := domain.DefaultRanges()
	for name, o := range overrides {
		cat, ok := domain.ParseCategory(name)
		if !ok {
			return nil, fmt.Errorf("unknown tier %q", name)
		}
		cr := table[cat]
		var err error
		if cr.R, err = channelRange(o.R, cr.R, "r"); err != nil {
			return nil, fmt.Errorf("%s: %w", cat, err)
		}
		if cr.G, err = channelRange(o.G, cr.G, "g"); err != nil {
			return nil, fmt.Errorf("%s: %w", cat, err)
		}
		if cr.B, err = channelRange(o.B, cr.B, "b"); err != nil {
			return nil, fmt.Errorf("%s: %w", cat, err)
		}
		table[cat] = cr
	}
	if err := table.Validate(); err != nil {
		return nil, err
	}
	return table, nil
}

func channelRange(v []int, fallback domain.ChannelRange, name string) (domain.ChannelRange, error) {
	if v == nil {
		return fallback, nil
	}
	if len(v) != 2 {
		return domain.ChannelRange{}, fmt.Errorf("%s must be [lo, hi], got %v", name, v)
	}
	lo, hi := v[0], v[1]
	if lo < 0 || hi > 255 || lo > hi {
		return domain.ChannelRange{}, fmt.Errorf("%s range [%d, %d] must satisfy 0 <= lo <= hi <= 255", name, lo, hi)
	}
	return domain.ChannelRange{Lo: uint8(lo), Hi: uint8(hi)}, nil
}

func (c Config) RetryBaseDelay() time.Duration {
	return time.Duration(c.RetryBaseDelayMS) * time.Millisecond
}

func (c Config) RetryMaxDelay() time.Duration {
	return time.Duration(c.RetryMaxDelayMS) * time.Millisecond
}

func (c Config) IndicatorIntervalDuration() time.Duration {
	return time.Duration(c.IndicatorInterval) * time.Second
}

func (c Config) ExitDrainTimeout() time.Duration {
	return time.Duration(c.ExitDrainTimeoutSeconds) * time.Second
}

func envOverride(field *string, envKey string) {
	if val := os.Getenv(envKey); val != "" {
		*field = val
	}
}

func envOverrideInt(field *int, envKey string) {
	if val := os.Getenv(envKey); val != "" {
		parsed, err := strconv.Atoi(val)
		if err != nil {
			log.Fatalf("invalid %s '%s': %v", envKey, val, err)
		}
		*field = parsed
	}
}

func envOverrideFloat(field *float64, envKey string) {
	if val := os.Getenv(envKey); val != "" {
		parsed, err := strconv.ParseFloat(val, 64)
		if err != nil {
			log.Fatalf("invalid %s '%s': %v", envKey, val, err)
		}
		*field = parsed
	}
}

func envOverrideBool(field *bool, envKey string) {
	if val := os.Getenv(envKey); val != "" {
		parsed, err := strconv.ParseBool(val)
		if err != nil {
			log.Fatalf("invalid %s '%s': %v", envKey, val, err)
		}
		*field = parsed
	}
}

func envOverrideBoolPtr(field **bool, envKey string) {
	if os.Getenv(envKey) == "" {
		return
	}
	var v bool
	envOverrideBool(&v, envKey)
	*field = &v
}

func defaultTrue(field **bool) {
	if *field == nil {
		v := true
		*field = &v
	}
}

func yamlHasKey(data []byte, key string) bool {
	var raw map[string]any
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return false
	}
	_, ok := raw[key]
	return ok
}
