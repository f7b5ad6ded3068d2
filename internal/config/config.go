// Package config loads and validates proxy configuration via Viper.
package config

import (
	"fmt"
	"strings"
	"time"
	_ "time/tzdata" // refresh.timezone must resolve in minimal images

	"github.com/robfig/cron/v3"
	"github.com/spf13/viper"
)

// Proxy strategy names accepted in proxy.order and refresh.order.
const (
	StrategyRender      = "Render"
	StrategyHTTPForward = "HttpForward"
	StrategyStaticFile  = "StaticFile"
)

// Config captures all service configuration knobs loaded via Viper.
type Config struct {
	Server      ServerConfig      `mapstructure:"server" yaml:"server"`
	Proxy       ProxyConfig       `mapstructure:"proxy" yaml:"proxy"`
	Render      RenderConfig      `mapstructure:"render" yaml:"render"`
	HTTPForward HTTPForwardConfig `mapstructure:"http_forward" yaml:"http_forward"`
	Static      StaticConfig      `mapstructure:"static" yaml:"static"`
	Cache       CacheConfig       `mapstructure:"cache" yaml:"cache"`
	Refresh     RefreshConfig     `mapstructure:"refresh" yaml:"refresh"`
	Logging     LoggingConfig     `mapstructure:"logging" yaml:"logging"`
	Admin       AdminConfig       `mapstructure:"admin" yaml:"admin"`
	Shutdown    ShutdownConfig    `mapstructure:"shutdown" yaml:"shutdown"`
}

// ServerConfig controls the HTTP listener and the upstream origin.
type ServerConfig struct {
	Port         int    `mapstructure:"port" yaml:"port"`
	Hostname     string `mapstructure:"hostname" yaml:"hostname"`
	TargetRoute  string `mapstructure:"target_route" yaml:"target_route"`
	MaxBodyBytes int64  `mapstructure:"max_body_bytes" yaml:"max_body_bytes"`
}

// ProxyConfig governs the strategy chain and the failure response.
type ProxyConfig struct {
	Order       []string      `mapstructure:"order" yaml:"order"`
	SkipOnError bool          `mapstructure:"skip_on_error" yaml:"skip_on_error"`
	FailStatus  int           `mapstructure:"fail_status" yaml:"fail_status"`
	ErrorBody   string        `mapstructure:"error_body" yaml:"error_body"`
	IsBot       string        `mapstructure:"is_bot" yaml:"is_bot"`
	Rewrite     RewriteConfig `mapstructure:"rewrite" yaml:"rewrite"`
}

// RewriteConfig toggles the built-in request rewrites applied before each strategy.
type RewriteConfig struct {
	StripQuery        bool `mapstructure:"strip_query" yaml:"strip_query"`
	TrimTrailingSlash bool `mapstructure:"trim_trailing_slash" yaml:"trim_trailing_slash"`
}

// QueryParam is a single key/value appended to an outbound URL.
type QueryParam struct {
	Key   string `mapstructure:"key" yaml:"key"`
	Value string `mapstructure:"value" yaml:"value"`
}

// RenderConfig configures the headless render strategy.
type RenderConfig struct {
	Enabled          bool          `mapstructure:"enabled" yaml:"enabled"`
	ShouldUse        string        `mapstructure:"should_use" yaml:"should_use"`
	QueryParams      []QueryParam  `mapstructure:"query_params" yaml:"query_params"`
	AllowedResources []string      `mapstructure:"allowed_resources" yaml:"allowed_resources"`
	WaitUntil        string        `mapstructure:"wait_until" yaml:"wait_until"`
	Timeout          time.Duration `mapstructure:"timeout" yaml:"timeout"`
	FailOnStatus     bool          `mapstructure:"fail_on_status" yaml:"fail_on_status"`
	StripSelectors   []string      `mapstructure:"strip_selectors" yaml:"strip_selectors"`
	MaxConcurrency   int           `mapstructure:"max_concurrency" yaml:"max_concurrency"`
	DomainQPS        float64       `mapstructure:"domain_qps" yaml:"domain_qps"`
	Browser          BrowserConfig `mapstructure:"browser" yaml:"browser"`
}

// BrowserConfig selects how the headless browser is obtained.
type BrowserConfig struct {
	Mode       string `mapstructure:"mode" yaml:"mode"`
	WSEndpoint string `mapstructure:"ws_endpoint" yaml:"ws_endpoint"`
	ExecPath   string `mapstructure:"exec_path" yaml:"exec_path"`
	UserAgent  string `mapstructure:"user_agent" yaml:"user_agent"`
	NoSandbox  bool   `mapstructure:"no_sandbox" yaml:"no_sandbox"`
}

// HTTPForwardConfig configures the pass-through strategy.
type HTTPForwardConfig struct {
	Enabled     bool          `mapstructure:"enabled" yaml:"enabled"`
	ShouldUse   string        `mapstructure:"should_use" yaml:"should_use"`
	QueryParams []QueryParam  `mapstructure:"query_params" yaml:"query_params"`
	UnsafeHTTPS bool          `mapstructure:"unsafe_https" yaml:"unsafe_https"`
	Timeout     time.Duration `mapstructure:"timeout" yaml:"timeout"`
}

// StaticConfig configures the static file strategy.
type StaticConfig struct {
	Enabled     bool   `mapstructure:"enabled" yaml:"enabled"`
	ShouldUse   string `mapstructure:"should_use" yaml:"should_use"`
	Dir         string `mapstructure:"dir" yaml:"dir"`
	IndexFile   string `mapstructure:"index_file" yaml:"index_file"`
	IndexPolicy string `mapstructure:"index_policy" yaml:"index_policy"`
}

// CacheConfig bounds the in-memory response cache.
type CacheConfig struct {
	Enabled     bool              `mapstructure:"enabled" yaml:"enabled"`
	Strategies  []string          `mapstructure:"strategies" yaml:"strategies"`
	MaxEntries  int               `mapstructure:"max_entries" yaml:"max_entries"`
	MaxBytes    int64             `mapstructure:"max_bytes" yaml:"max_bytes"`
	Expiration  time.Duration     `mapstructure:"expiration" yaml:"expiration"`
	Persistence PersistenceConfig `mapstructure:"persistence" yaml:"persistence"`
}

// PersistenceConfig selects where cache snapshots survive restarts.
type PersistenceConfig struct {
	Driver        string `mapstructure:"driver" yaml:"driver"`
	Path          string `mapstructure:"path" yaml:"path"`
	RedisAddr     string `mapstructure:"redis_addr" yaml:"redis_addr"`
	RedisPassword string `mapstructure:"redis_password" yaml:"-"`
	RedisDB       int    `mapstructure:"redis_db" yaml:"redis_db"`
	RedisKey      string `mapstructure:"redis_key" yaml:"redis_key"`
	GCSBucket     string `mapstructure:"gcs_bucket" yaml:"gcs_bucket"`
	GCSObject     string `mapstructure:"gcs_object" yaml:"gcs_object"`
}

// RefreshConfig drives the scheduled cache refresh.
type RefreshConfig struct {
	Enabled        bool          `mapstructure:"enabled" yaml:"enabled"`
	ShouldUse      bool          `mapstructure:"should_use" yaml:"should_use"`
	Order          []string      `mapstructure:"order" yaml:"order"`
	InitialDelay   time.Duration `mapstructure:"initial_delay" yaml:"initial_delay"`
	Interval       time.Duration `mapstructure:"interval" yaml:"interval"`
	Cron           string        `mapstructure:"cron" yaml:"cron"`
	Timezone       string        `mapstructure:"timezone" yaml:"timezone"`
	Retries        int           `mapstructure:"retries" yaml:"retries"`
	Backoff        BackoffConfig `mapstructure:"backoff" yaml:"backoff"`
	Parallelism    int           `mapstructure:"parallelism" yaml:"parallelism"`
	IsBot          bool          `mapstructure:"is_bot" yaml:"is_bot"`
	ReleaseBrowser bool          `mapstructure:"release_browser" yaml:"release_browser"`
	StopOnError    bool          `mapstructure:"stop_on_error" yaml:"stop_on_error"`
	Routes         []RouteConfig `mapstructure:"routes" yaml:"routes"`
}

// BackoffConfig shapes the wait between refresh attempts.
type BackoffConfig struct {
	Strategy  string        `mapstructure:"strategy" yaml:"strategy"`
	BaseDelay time.Duration `mapstructure:"base_delay" yaml:"base_delay"`
	MaxDelay  time.Duration `mapstructure:"max_delay" yaml:"max_delay"`
}

// RouteConfig is one URL refreshed on every cycle.
type RouteConfig struct {
	Method  string            `mapstructure:"method" yaml:"method"`
	URL     string            `mapstructure:"url" yaml:"url"`
	Headers map[string]string `mapstructure:"headers" yaml:"headers"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool     `mapstructure:"development" yaml:"development"`
	Level       string   `mapstructure:"level" yaml:"level"`
	OutputPaths []string `mapstructure:"output_paths" yaml:"output_paths"`
}

// AdminConfig exposes operational endpoints under a path prefix.
type AdminConfig struct {
	Enabled bool       `mapstructure:"enabled" yaml:"enabled"`
	Prefix  string     `mapstructure:"prefix" yaml:"prefix"`
	Auth    AuthConfig `mapstructure:"auth" yaml:"auth"`
}

// AuthConfig defines API authentication toggles.
type AuthConfig struct {
	Enabled bool   `mapstructure:"enabled" yaml:"enabled"`
	APIKey  string `mapstructure:"api_key" yaml:"-"`
}

// ShutdownConfig bounds graceful termination.
type ShutdownConfig struct {
	DrainTimeout time.Duration `mapstructure:"drain_timeout" yaml:"drain_timeout"`
	HardTimeout  time.Duration `mapstructure:"hard_timeout" yaml:"hard_timeout"`
}

// Load builds a Config from disk/environment.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("SSRPROXY")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8081)
	v.SetDefault("server.hostname", "0.0.0.0")
	v.SetDefault("server.target_route", "http://localhost:80")
	v.SetDefault("server.max_body_bytes", 10<<20)

	v.SetDefault("proxy.order", []string{StrategyRender, StrategyHTTPForward, StrategyStaticFile})
	v.SetDefault("proxy.skip_on_error", true)
	v.SetDefault("proxy.fail_status", 404)
	v.SetDefault("proxy.is_bot", "auto")

	v.SetDefault("render.enabled", true)
	v.SetDefault("render.should_use", "bot-html")
	v.SetDefault("render.query_params", []map[string]string{{"key": "headless", "value": "true"}})
	v.SetDefault("render.allowed_resources", []string{"document", "script", "xhr", "fetch"})
	v.SetDefault("render.wait_until", "networkidle0")
	v.SetDefault("render.timeout", 60*time.Second)
	v.SetDefault("render.max_concurrency", 4)
	v.SetDefault("render.browser.mode", "shared")

	v.SetDefault("http_forward.enabled", true)
	v.SetDefault("http_forward.should_use", "always")
	v.SetDefault("http_forward.timeout", 60*time.Second)

	v.SetDefault("static.enabled", true)
	v.SetDefault("static.should_use", "always")
	v.SetDefault("static.dir", "./public")
	v.SetDefault("static.index_file", "index.html")
	v.SetDefault("static.index_policy", "trailing-slash")

	v.SetDefault("cache.enabled", true)
	v.SetDefault("cache.strategies", []string{StrategyRender})
	v.SetDefault("cache.max_entries", 50)
	v.SetDefault("cache.max_bytes", 50_000_000)
	v.SetDefault("cache.expiration", 10*time.Minute)
	v.SetDefault("cache.persistence.driver", "none")
	v.SetDefault("cache.persistence.path", "./data/cache")
	v.SetDefault("cache.persistence.redis_addr", "localhost:6379")
	v.SetDefault("cache.persistence.redis_key", "ssrproxy:cache")
	v.SetDefault("cache.persistence.gcs_object", "ssrproxy/cache-snapshot.gob")

	v.SetDefault("refresh.enabled", false)
	v.SetDefault("refresh.should_use", true)
	v.SetDefault("refresh.order", []string{StrategyRender})
	v.SetDefault("refresh.initial_delay", 5*time.Second)
	v.SetDefault("refresh.interval", 5*time.Minute)
	v.SetDefault("refresh.timezone", "UTC")
	v.SetDefault("refresh.retries", 3)
	v.SetDefault("refresh.backoff.strategy", "exponential")
	v.SetDefault("refresh.backoff.base_delay", 250*time.Millisecond)
	v.SetDefault("refresh.backoff.max_delay", 5*time.Second)
	v.SetDefault("refresh.parallelism", 5)
	v.SetDefault("refresh.is_bot", true)

	v.SetDefault("logging.development", false)
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.output_paths", []string{"stderr"})

	v.SetDefault("admin.enabled", true)
	v.SetDefault("admin.prefix", "/_ssrproxy")

	v.SetDefault("shutdown.drain_timeout", 10*time.Second)
	v.SetDefault("shutdown.hard_timeout", 15*time.Second)
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if c.Server.Port <= 0 {
		return fmt.Errorf("server.port must be > 0")
	}
	if c.Server.TargetRoute == "" {
		return fmt.Errorf("server.target_route is required")
	}
	if len(c.Proxy.Order) == 0 {
		return fmt.Errorf("proxy.order must list at least one strategy")
	}
	if err := validateStrategies("proxy.order", c.Proxy.Order); err != nil {
		return err
	}
	if c.Proxy.FailStatus < 100 || c.Proxy.FailStatus > 599 {
		return fmt.Errorf("proxy.fail_status must be a valid HTTP status")
	}
	if !oneOf(c.Proxy.IsBot, "auto", "true", "false") {
		return fmt.Errorf("proxy.is_bot must be one of auto, true, false")
	}
	if err := c.validateRender(); err != nil {
		return err
	}
	if !oneOf(c.Static.IndexPolicy, "trailing-slash", "always", "never") {
		return fmt.Errorf("static.index_policy must be one of trailing-slash, always, never")
	}
	if err := c.validateCache(); err != nil {
		return err
	}
	if err := c.validateRefresh(); err != nil {
		return err
	}
	if c.Admin.Auth.Enabled && c.Admin.Auth.APIKey == "" {
		return fmt.Errorf("admin.auth.api_key must be set when auth is enabled")
	}
	if c.Admin.Enabled && !strings.HasPrefix(c.Admin.Prefix, "/") {
		return fmt.Errorf("admin.prefix must start with /")
	}
	if c.Shutdown.HardTimeout < c.Shutdown.DrainTimeout {
		return fmt.Errorf("shutdown.hard_timeout must be >= shutdown.drain_timeout")
	}
	return nil
}

func (c Config) validateRender() error {
	if !c.Render.Enabled {
		return nil
	}
	if c.Render.Timeout <= 0 {
		return fmt.Errorf("render.timeout must be > 0")
	}
	if c.Render.MaxConcurrency < 0 {
		return fmt.Errorf("render.max_concurrency must be >= 0")
	}
	if !oneOf(c.Render.Browser.Mode, "shared", "private") {
		return fmt.Errorf("render.browser.mode must be shared or private")
	}
	if !oneOf(c.Render.WaitUntil, "load", "domcontentloaded", "networkidle0", "networkidle2") {
		return fmt.Errorf("render.wait_until must be one of load, domcontentloaded, networkidle0, networkidle2")
	}
	return nil
}

func (c Config) validateCache() error {
	if !c.Cache.Enabled {
		return nil
	}
	if c.Cache.MaxEntries <= 0 {
		return fmt.Errorf("cache.max_entries must be > 0")
	}
	if c.Cache.MaxBytes <= 0 {
		return fmt.Errorf("cache.max_bytes must be > 0")
	}
	if c.Cache.Expiration <= 0 {
		return fmt.Errorf("cache.expiration must be > 0")
	}
	if err := validateStrategies("cache.strategies", c.Cache.Strategies); err != nil {
		return err
	}
	if !oneOf(c.Cache.Persistence.Driver, "none", "memory", "leveldb", "redis", "gcs") {
		return fmt.Errorf("cache.persistence.driver must be one of none, memory, leveldb, redis, gcs")
	}
	if c.Cache.Persistence.Driver == "leveldb" && c.Cache.Persistence.Path == "" {
		return fmt.Errorf("cache.persistence.path is required for leveldb")
	}
	if c.Cache.Persistence.Driver == "gcs" && c.Cache.Persistence.GCSBucket == "" {
		return fmt.Errorf("cache.persistence.gcs_bucket is required for gcs")
	}
	return nil
}

func (c Config) validateRefresh() error {
	if !c.Refresh.Enabled {
		return nil
	}
	if err := validateStrategies("refresh.order", c.Refresh.Order); err != nil {
		return err
	}
	if c.Refresh.Parallelism <= 0 {
		return fmt.Errorf("refresh.parallelism must be > 0")
	}
	if c.Refresh.Retries <= 0 {
		return fmt.Errorf("refresh.retries must be > 0")
	}
	if !oneOf(c.Refresh.Backoff.Strategy, "exponential", "fixed") {
		return fmt.Errorf("refresh.backoff.strategy must be exponential or fixed")
	}
	if c.Refresh.Cron == "" && c.Refresh.Interval <= 0 {
		return fmt.Errorf("refresh.interval must be > 0 when refresh.cron is empty")
	}
	if c.Refresh.Cron != "" {
		if _, err := cron.ParseStandard(c.Refresh.Cron); err != nil {
			return fmt.Errorf("refresh.cron is invalid: %w", err)
		}
	}
	if _, err := time.LoadLocation(c.Refresh.Timezone); err != nil {
		return fmt.Errorf("refresh.timezone is invalid: %w", err)
	}
	for i, route := range c.Refresh.Routes {
		if route.URL == "" {
			return fmt.Errorf("refresh.routes[%d].url is required", i)
		}
	}
	return nil
}

func validateStrategies(field string, names []string) error {
	for _, name := range names {
		if !oneOf(name, StrategyRender, StrategyHTTPForward, StrategyStaticFile) {
			return fmt.Errorf("%s contains unknown strategy %q", field, name)
		}
	}
	return nil
}

func oneOf(value string, allowed ...string) bool {
	for _, a := range allowed {
		if value == a {
			return true
		}
	}
	return false
}
