package common

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/pelletier/go-toml/v2"
)

// Config represents the application configuration
type Config struct {
	Environment string        `toml:"environment"` // "development" or "production"
	Server      ServerConfig  `toml:"server"`
	Storage     StorageConfig `toml:"storage"`
	Queue       QueueConfig   `toml:"queue"`
	Crawler     CrawlerConfig `toml:"crawler"`
	Import      ImportConfig  `toml:"import"`
	Proxy       ProxyConfig   `toml:"proxy"`
	Claude      ClaudeConfig  `toml:"claude"`
	Search      SearchConfig  `toml:"search"`
	Webhooks    WebhookConfig `toml:"webhooks"`
	Rules       RulesConfig   `toml:"rules"`
	Video       VideoConfig   `toml:"video"`
	Logging     LoggingConfig `toml:"logging"`
}

type ServerConfig struct {
	Port int    `toml:"port"`
	Host string `toml:"host"`
}

type StorageConfig struct {
	Badger     BadgerConfig     `toml:"badger"`
	Filesystem FilesystemConfig `toml:"filesystem"`
	// MaxAssetSizeMB is the hard cap applied during streaming asset downloads
	MaxAssetSizeMB int `toml:"max_asset_size_mb"`
	// UserQuotaMB is the per-user blob storage quota (0 = unlimited)
	UserQuotaMB int `toml:"user_quota_mb"`
}

// BadgerConfig represents BadgerDB-specific configuration
type BadgerConfig struct {
	Path           string `toml:"path"`             // Database directory path
	ResetOnStartup bool   `toml:"reset_on_startup"` // Delete database on startup for clean test runs
}

type FilesystemConfig struct {
	Assets string `toml:"assets"` // Root directory for stored binary assets
}

// QueueConfig controls the persistent queue runtime and its runners
type QueueConfig struct {
	PollInterval  string `toml:"poll_interval"`  // e.g., "1s" - how often workers poll for jobs
	LeaseDuration string `toml:"lease_duration"` // e.g., "5m" - running-job lease before crash recovery reclaims it
	RecoverySweep string `toml:"recovery_sweep"` // e.g., "1m" - cron-style sweep interval for expired leases
	BackoffBase   string `toml:"backoff_base"`   // e.g., "5s" - base for exponential retry backoff
	BackoffCap    string `toml:"backoff_cap"`    // e.g., "10m" - backoff ceiling
}

// CrawlerConfig contains the crawl pipeline configuration
type CrawlerConfig struct {
	NumWorkers           int    `toml:"num_workers"`            // Concurrency of the crawl queue
	JobTimeoutSec        int    `toml:"job_timeout_sec"`        // Wall-clock deadline per crawl job
	NavigateTimeoutSec   int    `toml:"navigate_timeout_sec"`   // Navigation timeout inside the browser
	ScreenshotTimeoutSec int    `toml:"screenshot_timeout_sec"` // Screenshot/PDF capture cap
	ParseTimeoutSec      int    `toml:"parse_timeout_sec"`      // Parser subprocess cap
	ParserMemLimitMB     int    `toml:"parser_mem_limit_mb"`    // Parser subprocess heap cap
	StoreScreenshot      bool   `toml:"store_screenshot"`
	FullPageScreenshot   bool   `toml:"full_page_screenshot"`
	StorePDF             bool   `toml:"store_pdf"`
	FullPageArchive      bool   `toml:"full_page_archive"`
	DownloadBannerImage  bool   `toml:"download_banner_image"`
	DownloadVideo        bool   `toml:"download_video"`
	// HTMLContentSizeThreshold is the byte count above which readable HTML is
	// stored as an asset instead of inline on the bookmark row
	HTMLContentSizeThreshold int    `toml:"html_content_size_threshold"`
	BrowserWebSocketURL      string `toml:"browser_web_socket_url"` // Shared browser endpoint (connected mode)
	BrowserWebURL            string `toml:"browser_web_url"`        // HTTP endpoint to resolve the websocket URL from
	BrowserConnectOnDemand   bool   `toml:"browser_connect_on_demand"`
	EnableAdblocker          bool   `toml:"enable_adblocker"`
	BrowserCookiePath        string `toml:"browser_cookie_path"` // JSON cookie file injected into every context
	UserAgent                string `toml:"user_agent"`
	DomainRateLimiting       RateLimitConfig `toml:"domain_ratelimiting"`
}

// RateLimitConfig is a sliding-window rate limit bucket definition
type RateLimitConfig struct {
	MaxRequests int `toml:"max_requests"`
	WindowMs    int `toml:"window_ms"`
}

// ImportConfig controls the staged bulk-import controller
type ImportConfig struct {
	Enabled            bool `toml:"enabled"`
	PollIntervalSec    int  `toml:"poll_interval_sec"`
	BatchSize          int  `toml:"batch_size"`
	MaxInFlight        int  `toml:"max_in_flight"`
	StaleThresholdMin  int  `toml:"stale_threshold_min"`
	StaleSweepInterval int  `toml:"stale_sweep_interval"` // Run the stale reset every N poll iterations
}

// ProxyConfig contains outbound proxy routing. Each entry supports a
// comma-separated list; a random proxy is picked per call.
type ProxyConfig struct {
	HTTPProxy  string `toml:"http_proxy"`
	HTTPSProxy string `toml:"https_proxy"`
	NoProxy    string `toml:"no_proxy"`
}

// ClaudeConfig contains Anthropic Claude API configuration for inference jobs
type ClaudeConfig struct {
	APIKey      string  `toml:"api_key"`     // Anthropic API key (ANTHROPIC_API_KEY or config)
	Model       string  `toml:"model"`       // Model for tagging/summarization
	MaxTokens   int     `toml:"max_tokens"`  // Maximum tokens in response (default: 2048)
	Timeout     string  `toml:"timeout"`     // Operation timeout as duration string (default: "2m")
	RateLimit   string  `toml:"rate_limit"`  // Minimum spacing between API requests (default: "1s")
	Temperature float32 `toml:"temperature"` // Completion temperature
}

// SearchConfig controls the search-index batcher
type SearchConfig struct {
	Enabled      bool   `toml:"enabled"`
	URL          string `toml:"url"`            // Base URL of the external search engine
	APIKey       string `toml:"api_key"`        // Bearer token for the engine, if it requires one
	FlushWindow  string `toml:"flush_window"`   // e.g., "500ms" - max time a queued op waits for a batch
	MaxBatchSize int    `toml:"max_batch_size"` // Flush early once this many ops accumulate
}

// WebhookConfig controls outbound webhook delivery
type WebhookConfig struct {
	Endpoints  []string `toml:"endpoints"` // Delivery targets; every event goes to each
	TimeoutSec int      `toml:"timeout_sec"`
	SigningKey string   `toml:"signing_key"` // HMAC-SHA256 key for payload signatures
}

// RulesConfig controls the rule engine
type RulesConfig struct {
	Dir string `toml:"dir"` // Directory containing rule definition files (YAML)
}

// VideoConfig controls the video extraction worker
type VideoConfig struct {
	YTDLPPath  string `toml:"ytdlp_path"`  // Path to the yt-dlp binary
	TimeoutSec int    `toml:"timeout_sec"` // Download cap per job
	MaxSizeMB  int    `toml:"max_size_mb"`
}

type LoggingConfig struct {
	Level  string   `toml:"level"`  // "debug", "info", "warn", "error"
	Output []string `toml:"output"` // "stdout", "file"
}

// NewDefaultConfig creates a configuration with default values.
// Technical parameters are hardcoded here for production stability;
// only user-facing settings should be exposed in stash.toml.
func NewDefaultConfig() *Config {
	return &Config{
		Environment: "development",
		Server: ServerConfig{
			Port: 8090,
			Host: "localhost",
		},
		Storage: StorageConfig{
			Badger: BadgerConfig{
				Path: "./data",
			},
			Filesystem: FilesystemConfig{
				Assets: "./data/assets",
			},
			MaxAssetSizeMB: 50,
			UserQuotaMB:    0, // Unlimited unless configured
		},
		Queue: QueueConfig{
			PollInterval:  "1s",
			LeaseDuration: "5m",
			RecoverySweep: "1m",
			BackoffBase:   "5s",
			BackoffCap:    "10m",
		},
		Crawler: CrawlerConfig{
			NumWorkers:               4,
			JobTimeoutSec:            300,
			NavigateTimeoutSec:       30,
			ScreenshotTimeoutSec:     10,
			ParseTimeoutSec:          60,
			ParserMemLimitMB:         512,
			StoreScreenshot:          true,
			FullPageScreenshot:       false,
			StorePDF:                 false,
			FullPageArchive:          false,
			DownloadBannerImage:      true,
			DownloadVideo:            false,
			HTMLContentSizeThreshold: 256 * 1024, // Above this the readable HTML becomes an asset
			BrowserConnectOnDemand:   false,
			EnableAdblocker:          false,
			UserAgent:                "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36",
			DomainRateLimiting: RateLimitConfig{
				MaxRequests: 0, // Disabled unless configured
				WindowMs:    60000,
			},
		},
		Import: ImportConfig{
			Enabled:            true,
			PollIntervalSec:    1,
			BatchSize:          20,
			MaxInFlight:        50,
			StaleThresholdMin:  30,
			StaleSweepInterval: 60,
		},
		Claude: ClaudeConfig{
			APIKey:      "",
			Model:       "claude-haiku-3-5-20241022",
			MaxTokens:   2048,
			Timeout:     "2m",
			RateLimit:   "1s",
			Temperature: 0.2,
		},
		Search: SearchConfig{
			Enabled:      true,
			FlushWindow:  "500ms",
			MaxBatchSize: 50,
		},
		Webhooks: WebhookConfig{
			TimeoutSec: 10,
		},
		Rules: RulesConfig{
			Dir: "./rules",
		},
		Video: VideoConfig{
			YTDLPPath:  "yt-dlp",
			TimeoutSec: 600,
			MaxSizeMB:  200,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Output: []string{"stdout", "file"},
		},
	}
}

// LoadFromFile loads configuration with priority: defaults -> file -> env
func LoadFromFile(path string) (*Config, error) {
	config := NewDefaultConfig()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
		}
		if err := toml.Unmarshal(data, config); err != nil {
			return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
		}
	}

	applyEnvOverrides(config)

	if err := config.Validate(); err != nil {
		return nil, err
	}

	return config, nil
}

// applyEnvOverrides applies environment variable overrides to config
func applyEnvOverrides(config *Config) {
	if env := os.Getenv("STASH_ENV"); env != "" {
		config.Environment = env
	} else if env := os.Getenv("GO_ENV"); env != "" {
		config.Environment = env
	}

	if port := os.Getenv("STASH_SERVER_PORT"); port != "" {
		if p, err := strconv.Atoi(port); err == nil {
			config.Server.Port = p
		}
	}
	if host := os.Getenv("STASH_SERVER_HOST"); host != "" {
		config.Server.Host = host
	}
	if path := os.Getenv("STASH_DATA_DIR"); path != "" {
		config.Storage.Badger.Path = path
	}
	if path := os.Getenv("STASH_ASSETS_DIR"); path != "" {
		config.Storage.Filesystem.Assets = path
	}
	if key := os.Getenv("ANTHROPIC_API_KEY"); key != "" {
		config.Claude.APIKey = key
	}
	if key := os.Getenv("STASH_CLAUDE_API_KEY"); key != "" {
		config.Claude.APIKey = key
	}
	if wsURL := os.Getenv("STASH_BROWSER_WS_URL"); wsURL != "" {
		config.Crawler.BrowserWebSocketURL = wsURL
	}
	if url := os.Getenv("STASH_SEARCH_URL"); url != "" {
		config.Search.URL = url
	}
	if key := os.Getenv("STASH_SEARCH_API_KEY"); key != "" {
		config.Search.APIKey = key
	}
	if level := os.Getenv("STASH_LOG_LEVEL"); level != "" {
		config.Logging.Level = level
	}
	if proxy := os.Getenv("HTTP_PROXY"); proxy != "" && config.Proxy.HTTPProxy == "" {
		config.Proxy.HTTPProxy = proxy
	}
	if proxy := os.Getenv("HTTPS_PROXY"); proxy != "" && config.Proxy.HTTPSProxy == "" {
		config.Proxy.HTTPSProxy = proxy
	}
	if noProxy := os.Getenv("NO_PROXY"); noProxy != "" && config.Proxy.NoProxy == "" {
		config.Proxy.NoProxy = noProxy
	}
}

// Validate checks configuration invariants that would otherwise surface as
// confusing runtime failures.
func (c *Config) Validate() error {
	if c.Crawler.NumWorkers < 1 {
		return fmt.Errorf("crawler.num_workers must be at least 1, got %d", c.Crawler.NumWorkers)
	}
	if c.Crawler.JobTimeoutSec < 1 {
		return fmt.Errorf("crawler.job_timeout_sec must be positive, got %d", c.Crawler.JobTimeoutSec)
	}
	if c.Import.BatchSize < 1 {
		return fmt.Errorf("import.batch_size must be at least 1, got %d", c.Import.BatchSize)
	}
	if c.Import.MaxInFlight < 1 {
		return fmt.Errorf("import.max_in_flight must be at least 1, got %d", c.Import.MaxInFlight)
	}
	if _, err := time.ParseDuration(c.Queue.PollInterval); err != nil {
		return fmt.Errorf("queue.poll_interval is not a valid duration: %w", err)
	}
	if _, err := time.ParseDuration(c.Queue.LeaseDuration); err != nil {
		return fmt.Errorf("queue.lease_duration is not a valid duration: %w", err)
	}
	return nil
}

// PollInterval returns the parsed queue poll interval
func (c *QueueConfig) PollIntervalDuration() time.Duration {
	d, err := time.ParseDuration(c.PollInterval)
	if err != nil {
		return time.Second
	}
	return d
}

// LeaseDurationDuration returns the parsed worker lease duration
func (c *QueueConfig) LeaseDurationDuration() time.Duration {
	d, err := time.ParseDuration(c.LeaseDuration)
	if err != nil {
		return 5 * time.Minute
	}
	return d
}

// BackoffBaseDuration returns the parsed retry backoff base
func (c *QueueConfig) BackoffBaseDuration() time.Duration {
	d, err := time.ParseDuration(c.BackoffBase)
	if err != nil {
		return 5 * time.Second
	}
	return d
}

// RecoverySweepDuration returns the parsed lease recovery sweep interval
func (c *QueueConfig) RecoverySweepDuration() time.Duration {
	d, err := time.ParseDuration(c.RecoverySweep)
	if err != nil {
		return time.Minute
	}
	return d
}

// BackoffCapDuration returns the parsed retry backoff ceiling
func (c *QueueConfig) BackoffCapDuration() time.Duration {
	d, err := time.ParseDuration(c.BackoffCap)
	if err != nil {
		return 10 * time.Minute
	}
	return d
}

// MaxAssetSizeBytes returns the streaming download cap in bytes
func (c *StorageConfig) MaxAssetSizeBytes() int64 {
	return int64(c.MaxAssetSizeMB) * 1024 * 1024
}

// UserQuotaBytes returns the per-user quota in bytes (0 = unlimited)
func (c *StorageConfig) UserQuotaBytes() int64 {
	return int64(c.UserQuotaMB) * 1024 * 1024
}

// IsProduction returns true when running in production mode
func (c *Config) IsProduction() bool {
	return strings.EqualFold(c.Environment, "production")
}
