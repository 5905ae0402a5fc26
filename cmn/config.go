// Package cmn provides configuration, error, and identifier utilities shared
// across the crawler and the HA database layer.
/*
 * Copyright (c) 2018-2020, NVIDIA CORPORATION. All rights reserved.
 */
package cmn

import (
	"fmt"
	"os"
	"strings"
	"time"

	"go.uber.org/atomic"
	"gopkg.in/yaml.v3"
)

// Validator is implemented by any config section that needs to reject
// out-of-range or mutually-inconsistent values at load time.
type Validator interface {
	Validate() error
}

type (
	CrawlerConfig struct {
		MaxConcurrent int          `yaml:"max_concurrent"`
		MaxDepth      int          `yaml:"max_depth"`
		MaxImages     int          `yaml:"max_images"`
		MaxPages      int          `yaml:"max_pages"`
		DownloadPath  string       `yaml:"download_path"`
		AntiScraping  AntiScraping `yaml:"anti_scraping"`
	}

	AntiScraping struct {
		UseRandomUserAgent bool          `yaml:"use_random_user_agent"`
		UseProxy           bool          `yaml:"use_proxy"`
		ProxyList          []string      `yaml:"proxy_list"`
		RandomDelay        bool          `yaml:"random_delay"`
		MinDelay           time.Duration `yaml:"min_delay"`
		MaxDelay           time.Duration `yaml:"max_delay"`
		RandomizeHeaders   bool          `yaml:"randomize_headers"`
	}

	NodeConfig struct {
		Name        string `yaml:"name"`
		Role        string `yaml:"role"` // primary | secondary | standby
		Priority    int    `yaml:"priority"`
		Addr        string `yaml:"addr"`
		DatabaseURL string `yaml:"database_url"`
	}

	HAConfig struct {
		Nodes          []NodeConfig `yaml:"nodes"`
		LocalNodeName  string       `yaml:"local_node_name"`
		MaxConnections int          `yaml:"max_connections"`
	}

	SyncConfig struct {
		AutoSyncEnabled         bool          `yaml:"auto_sync_enabled"`
		FullSyncInterval        time.Duration `yaml:"full_sync_interval"`
		IncrementalSyncInterval time.Duration `yaml:"incremental_sync_interval"`
		BatchSize               int           `yaml:"batch_size"`
		MaxQueueSize            int           `yaml:"max_queue_size"`
		SyncTimeout             time.Duration `yaml:"sync_timeout"`
		VerifySync              bool          `yaml:"verify_sync"`
		SyncTables              []string      `yaml:"sync_tables"`
	}

	FailoverConfig struct {
		EnableAutoFailover  bool          `yaml:"enable_auto_failover"`
		HealthCheckInterval time.Duration `yaml:"health_check_interval"`
		FailureThreshold    int           `yaml:"failure_threshold"`
		DetectionThreshold  int           `yaml:"detection_threshold"`
		RetryDelay          time.Duration `yaml:"retry_delay"`
		FailoverTimeout     time.Duration `yaml:"failover_timeout"`
		WaitForCatchup      bool          `yaml:"wait_for_catchup"`
		HistoryFile         string        `yaml:"history_file"`
	}

	Config struct {
		Crawler  CrawlerConfig  `yaml:"crawler"`
		HA       HAConfig       `yaml:"ha"`
		Sync     SyncConfig     `yaml:"sync"`
		Failover FailoverConfig `yaml:"failover"`

		APIPort int `yaml:"api_port"`
		RPCPort int `yaml:"rpc_port"`
	}
)

func (c *CrawlerConfig) setDefaults() {
	if c.MaxConcurrent == 0 {
		c.MaxConcurrent = 10
	}
	if c.MaxDepth == 0 {
		c.MaxDepth = 3
	}
	if c.MaxImages == 0 {
		c.MaxImages = 1000
	}
	if c.MaxPages == 0 {
		c.MaxPages = 100
	}
	if c.DownloadPath == "" {
		c.DownloadPath = "./downloads"
	}
	if c.AntiScraping.MinDelay == 0 {
		c.AntiScraping.MinDelay = 500 * time.Millisecond
	}
	if c.AntiScraping.MaxDelay == 0 {
		c.AntiScraping.MaxDelay = 3 * time.Second
	}
}

func (c *CrawlerConfig) Validate() error {
	if c.MaxConcurrent <= 0 {
		return fmt.Errorf("crawler.max_concurrent must be positive, got %d", c.MaxConcurrent)
	}
	if c.AntiScraping.MinDelay > c.AntiScraping.MaxDelay {
		return fmt.Errorf("crawler.anti_scraping.min_delay (%s) exceeds max_delay (%s)",
			c.AntiScraping.MinDelay, c.AntiScraping.MaxDelay)
	}
	return nil
}

func (s *SyncConfig) setDefaults() {
	if s.FullSyncInterval == 0 {
		s.FullSyncInterval = 300 * time.Second
	}
	if s.IncrementalSyncInterval == 0 {
		s.IncrementalSyncInterval = 10 * time.Second
	}
	if s.BatchSize == 0 {
		s.BatchSize = 100
	}
	if s.MaxQueueSize == 0 {
		s.MaxQueueSize = 1000
	}
	if s.SyncTimeout == 0 {
		s.SyncTimeout = 30 * time.Second
	}
	if len(s.SyncTables) == 0 {
		s.SyncTables = []string{"images", "categories", "crawl_sessions", "tags"}
	}
}

func (f *FailoverConfig) setDefaults() {
	if f.HealthCheckInterval == 0 {
		f.HealthCheckInterval = 30 * time.Second
	}
	if f.FailureThreshold == 0 {
		f.FailureThreshold = 3
	}
	if f.DetectionThreshold == 0 {
		f.DetectionThreshold = 3
	}
	if f.RetryDelay == 0 {
		f.RetryDelay = 5 * time.Second
	}
	if f.FailoverTimeout == 0 {
		f.FailoverTimeout = 60 * time.Second
	}
}

func (f *FailoverConfig) Validate() error {
	if f.DetectionThreshold <= 0 {
		return fmt.Errorf("failover.detection_threshold must be positive")
	}
	return nil
}

func (c *Config) setDefaults() {
	c.Crawler.setDefaults()
	c.Sync.setDefaults()
	c.Failover.setDefaults()
	if c.HA.MaxConnections == 0 {
		c.HA.MaxConnections = 20
	}
	if c.APIPort == 0 {
		c.APIPort = 8000
	}
	if c.RPCPort == 0 {
		c.RPCPort = c.APIPort + 1
	}
}

// validators runs in a fixed order so the first failing section is always
// the one reported.
func (c *Config) validators() []Validator {
	return []Validator{&c.Crawler, &c.Failover}
}

func (c *Config) Validate() error {
	for _, v := range c.validators() {
		if err := v.Validate(); err != nil {
			return err
		}
	}
	return nil
}

// Load reads a YAML config file, applies defaults, overlays environment
// overrides of the form IMGCRAWLD_*, and validates the result. Mirrors the
// teacher's two-phase "load then validate" shape in cmn/config.go, minus the
// JSP checksumming (plain YAML here, not binary cluster metadata).
func Load(path string) (*Config, error) {
	c := &Config{}
	// Boolean options that default to true are set before decoding, so an
	// explicit false in the file still wins.
	c.Crawler.AntiScraping.UseRandomUserAgent = true
	c.Sync.AutoSyncEnabled = true
	c.Sync.VerifySync = true
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, c); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	}
	applyEnvOverrides(c)
	c.setDefaults()
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return c, nil
}

func applyEnvOverrides(c *Config) {
	if v := os.Getenv("IMGCRAWLD_DOWNLOAD_PATH"); v != "" {
		c.Crawler.DownloadPath = v
	}
	if v := os.Getenv("IMGCRAWLD_LOCAL_NODE"); v != "" {
		c.HA.LocalNodeName = v
	}
	if v := os.Getenv("IMGCRAWLD_API_PORT"); v != "" {
		fmt.Sscanf(v, "%d", &c.APIPort)
	}
}

// globalConfigOwner mirrors the teacher's cmn.GCO: a single process-wide
// config instance held behind an atomic pointer so readers never block on a
// reload.
type globalConfigOwner struct {
	c atomic.Pointer[Config]
}

var gco globalConfigOwner

// GCO is the process-wide configuration owner.
func GCO() *globalConfigOwner { return &gco }

func (o *globalConfigOwner) Get() *Config {
	c := o.c.Load()
	if c == nil {
		panic("config accessed before GCO.Put")
	}
	return c
}

func (o *globalConfigOwner) Put(c *Config) {
	o.c.Store(c)
}

func (o *globalConfigOwner) TrySet(key, value string) error {
	cur := o.Get()
	clone := *cur
	switch strings.ToLower(key) {
	case "crawler.max_concurrent":
		var n int
		if _, err := fmt.Sscanf(value, "%d", &n); err != nil {
			return err
		}
		clone.Crawler.MaxConcurrent = n
	default:
		return fmt.Errorf("unknown config key %q", key)
	}
	if err := clone.Validate(); err != nil {
		return err
	}
	o.Put(&clone)
	return nil
}
