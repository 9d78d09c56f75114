// Package config loads and validates crawler configuration via Viper.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/JakeFAU/statecrawler/internal/explorer"
	"github.com/JakeFAU/statecrawler/internal/logging"
)

// EnvPrefix namespaces environment overrides, e.g. STATECRAWLER_CRAWLER_MAX_DEPTH.
const EnvPrefix = "STATECRAWLER"

// Config captures every knob of a crawl.
type Config struct {
	Crawler CrawlerConfig  `mapstructure:"crawler"`
	Browser BrowserConfig  `mapstructure:"browser"`
	Session SessionConfig  `mapstructure:"session"`
	Payload PayloadConfig  `mapstructure:"payload"`
	Auth    AuthConfig     `mapstructure:"auth"`
	Report  ReportConfig   `mapstructure:"report"`
	PubSub  PubSubConfig   `mapstructure:"pubsub"`
	DB      DBConfig       `mapstructure:"db"`
	Server  ServerConfig   `mapstructure:"server"`
	Logging logging.Config `mapstructure:"logging"`
}

// CrawlerConfig governs what is crawled and how deep.
type CrawlerConfig struct {
	StartURL                string            `mapstructure:"start_url"`
	AllowedDomains          []string          `mapstructure:"allowed_domains"`
	BlockedWords            string            `mapstructure:"blocked_words"`
	StaticContentExtensions []string          `mapstructure:"static_content_extensions"`
	IgnoreTokens            string            `mapstructure:"ignore_tokens"`
	MaxDepth                int               `mapstructure:"max_depth"`
	EndpointCap             int               `mapstructure:"endpoint_cap"`
	RenewEvery              int               `mapstructure:"renew_every"`
	FollowRequests          bool              `mapstructure:"follow_requests"`
	PagesPerSecond          float64           `mapstructure:"pages_per_second"`
	Timeouts                explorer.Timeouts `mapstructure:"timeouts"`
}

// BrowserConfig selects and tunes the browser driver.
type BrowserConfig struct {
	Driver            string `mapstructure:"driver"`
	Headless          bool   `mapstructure:"headless"`
	Proxy             string `mapstructure:"proxy"`
	IgnoreHTTPSErrors bool   `mapstructure:"ignore_https_errors"`
	UserAgent         string `mapstructure:"user_agent"`
	ExecPath          string `mapstructure:"exec_path"`
	Install           bool   `mapstructure:"install"`
}

// SessionConfig locates the files carried across browser contexts.
type SessionConfig struct {
	SnapshotPath     string `mapstructure:"snapshot_path"`
	StorageStatePath string `mapstructure:"storage_state_path"`
}

// PayloadConfig locates the form payload file.
type PayloadConfig struct {
	Path string `mapstructure:"path"`
}

// AuthConfig configures the external authentication step.
type AuthConfig struct {
	Command []string      `mapstructure:"command"`
	User    string        `mapstructure:"user"`
	Pass    string        `mapstructure:"pass"`
	Timeout time.Duration `mapstructure:"timeout"`
}

// ReportConfig sets where the crawl report goes.
type ReportConfig struct {
	Dir       string `mapstructure:"dir"`
	GCSBucket string `mapstructure:"gcs_bucket"`
	Prefix    string `mapstructure:"prefix"`
}

// PubSubConfig holds metadata for the crawl-finished notification.
type PubSubConfig struct {
	ProjectID string `mapstructure:"project_id"`
	TopicName string `mapstructure:"topic_name"`
}

// DBConfig controls the optional per-target record store.
type DBConfig struct {
	DSN   string `mapstructure:"dsn"`
	Table string `mapstructure:"table"`
}

// ServerConfig controls the status server.
type ServerConfig struct {
	Enabled bool `mapstructure:"enabled"`
	Port    int  `mapstructure:"port"`
}

// legacyEnv maps keys to the bare environment variables older deployments set.
var legacyEnv = map[string]string{
	"crawler.blocked_words":             "blocked_words",
	"crawler.static_content_extensions": "static_content_extensions",
	"crawler.ignore_tokens":             "ignore_tokens",
	"crawler.max_depth":                 "iteration_depth",
	"auth.user":                         "user",
	"auth.pass":                         "pass",
	"browser.proxy":                     "http_proxy",
}

// flagKeys maps CLI flag names to config keys.
var flagKeys = map[string]string{
	"url":       "crawler.start_url",
	"domains":   "crawler.allowed_domains",
	"payload":   "payload.path",
	"max-depth": "crawler.max_depth",
	"driver":    "browser.driver",
	"serve":     "server.enabled",
}

// Load builds a Config from defaults, an optional file, the environment and any
// flags that were explicitly set.
func Load(path string, flags *pflag.FlagSet) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	for key, legacy := range legacyEnv {
		envKey := EnvPrefix + "_" + strings.ToUpper(strings.ReplaceAll(key, ".", "_"))
		if err := v.BindEnv(key, envKey, legacy); err != nil {
			return Config{}, fmt.Errorf("bind env %s: %w", key, err)
		}
	}

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	if flags != nil {
		for name, key := range flagKeys {
			f := flags.Lookup(name)
			if f == nil || !f.Changed {
				continue
			}
			if err := v.BindPFlag(key, f); err != nil {
				return Config{}, fmt.Errorf("bind flag %s: %w", name, err)
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}
	cfg.Crawler.AllowedDomains = splitList(cfg.Crawler.AllowedDomains)
	cfg.Crawler.StaticContentExtensions = splitList(cfg.Crawler.StaticContentExtensions)

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	def := explorer.DefaultTimeouts()
	v.SetDefault("crawler.start_url", "")
	v.SetDefault("crawler.allowed_domains", []string{})
	v.SetDefault("crawler.blocked_words", "")
	v.SetDefault("crawler.static_content_extensions", []string{})
	v.SetDefault("crawler.ignore_tokens", "")
	v.SetDefault("crawler.max_depth", 3)
	v.SetDefault("crawler.endpoint_cap", 150)
	v.SetDefault("crawler.renew_every", 300)
	v.SetDefault("crawler.follow_requests", true)
	v.SetDefault("crawler.pages_per_second", 0)
	v.SetDefault("crawler.timeouts.load", def.Load)
	v.SetDefault("crawler.timeouts.network_idle", def.NetworkIdle)
	v.SetDefault("crawler.timeouts.navigation", def.Navigation)
	v.SetDefault("crawler.timeouts.navigation_idle", def.NavigationIdle)
	v.SetDefault("crawler.timeouts.click", def.Click)
	v.SetDefault("crawler.timeouts.handle", def.Handle)
	v.SetDefault("browser.driver", "chromedp")
	v.SetDefault("browser.headless", true)
	v.SetDefault("browser.ignore_https_errors", true)
	v.SetDefault("browser.proxy", "")
	v.SetDefault("browser.user_agent", "")
	v.SetDefault("browser.exec_path", "")
	v.SetDefault("browser.install", false)
	v.SetDefault("session.snapshot_path", "/tmp/session.json")
	v.SetDefault("session.storage_state_path", "/tmp/state.json")
	v.SetDefault("payload.path", "/tmp/payload.yml")
	v.SetDefault("auth.command", []string{})
	v.SetDefault("auth.user", "")
	v.SetDefault("auth.pass", "")
	v.SetDefault("auth.timeout", 2*time.Minute)
	v.SetDefault("report.dir", "")
	v.SetDefault("report.gcs_bucket", "")
	v.SetDefault("report.prefix", "reports")
	v.SetDefault("pubsub.project_id", "")
	v.SetDefault("pubsub.topic_name", "")
	v.SetDefault("db.dsn", "")
	v.SetDefault("db.table", "crawl_targets")
	v.SetDefault("server.enabled", false)
	v.SetDefault("server.port", 8080)
	v.SetDefault("logging.development", false)
	v.SetDefault("logging.level", "info")
}

// splitList flattens comma-separated entries, which is how list values arrive
// from environment variables.
func splitList(in []string) []string {
	var out []string
	for _, item := range in {
		for _, part := range strings.Split(item, ",") {
			if part = strings.TrimSpace(part); part != "" {
				out = append(out, part)
			}
		}
	}
	return out
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if c.Crawler.StartURL == "" {
		return errors.New("crawler.start_url must be set")
	}
	u, err := url.Parse(c.Crawler.StartURL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return fmt.Errorf("crawler.start_url %q must be an absolute URL", c.Crawler.StartURL)
	}
	if c.Crawler.MaxDepth < 0 {
		return errors.New("crawler.max_depth must be >= 0")
	}
	if c.Crawler.EndpointCap <= 0 {
		return errors.New("crawler.endpoint_cap must be > 0")
	}
	if c.Crawler.RenewEvery <= 0 {
		return errors.New("crawler.renew_every must be > 0")
	}
	if c.Crawler.PagesPerSecond < 0 {
		return errors.New("crawler.pages_per_second must be >= 0")
	}
	switch c.Browser.Driver {
	case "chromedp", "playwright":
	default:
		return fmt.Errorf("browser.driver must be chromedp or playwright, got %q", c.Browser.Driver)
	}
	if c.Payload.Path == "" {
		return errors.New("payload.path must be set")
	}
	if c.Server.Enabled && c.Server.Port <= 0 {
		return errors.New("server.port must be > 0 when the status server is enabled")
	}
	if c.PubSub.TopicName != "" && c.PubSub.ProjectID == "" {
		return errors.New("pubsub.project_id must be set when pubsub.topic_name is set")
	}
	return nil
}
