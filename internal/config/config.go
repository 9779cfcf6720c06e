// Package config provides configuration loading for vaultd.
//
// Configuration is loaded from a YAML file and overridden by environment
// variables with the VAULTD_ prefix. The master secret is never read from
// YAML; it comes only from VAULTD_MASTER_SECRET or a secret file.
package config

import (
	"errors"
	"fmt"
	"time"
)

// Config holds the complete vaultd configuration.
type Config struct {
	Server      ServerConfig      `koanf:"server"`
	Logging     LoggingConfig     `koanf:"logging"`
	Telemetry   TelemetryConfig   `koanf:"telemetry"`
	Crypto      CryptoConfig      `koanf:"crypto"`
	Keyring     KeyringConfig     `koanf:"keyring"`
	Storage     StorageConfig     `koanf:"storage"`
	Vault       VaultConfig       `koanf:"vault"`
	Search      SearchConfig      `koanf:"search"`
	Index       IndexConfig       `koanf:"index"`
	Embeddings  EmbeddingsConfig  `koanf:"embeddings"`
	Ledger      LedgerConfig      `koanf:"ledger"`
	Queue       QueueConfig       `koanf:"queue"`
	Reconciler  ReconcilerConfig  `koanf:"reconciler"`
	Scrub       ScrubConfig       `koanf:"scrub"`
}

// ServerConfig holds the operational HTTP surface configuration.
// Data-plane operations never go through this server.
type ServerConfig struct {
	Host            string   `koanf:"host"`
	Port            int      `koanf:"port"`
	ShutdownTimeout Duration `koanf:"shutdown_timeout"`
}

// LoggingConfig holds top-level logging settings. The logging package
// expands these into its full zap configuration.
type LoggingConfig struct {
	Level  string `koanf:"level"`
	Format string `koanf:"format"`
}

// TelemetryConfig holds OpenTelemetry exporter configuration.
type TelemetryConfig struct {
	Enabled        bool    `koanf:"enabled"`
	ServiceName    string  `koanf:"service_name"`
	ServiceVersion string  `koanf:"service_version"`
	Endpoint       string  `koanf:"endpoint"`
	Protocol       string  `koanf:"protocol"` // "grpc" or "http/protobuf"
	Insecure       bool    `koanf:"insecure"`
	SampleRate     float64 `koanf:"sample_rate"`
	MetricsEnabled bool    `koanf:"metrics_enabled"`
}

// CryptoConfig holds KDF cost parameters and the master secret.
// MasterSecret is populated only from the environment (VAULTD_MASTER_SECRET)
// or from MasterSecretFile; a value in YAML is rejected by the loader.
type CryptoConfig struct {
	KDFTime          uint32 `koanf:"kdf_time"`
	KDFMemoryKiB     uint32 `koanf:"kdf_memory_kib"`
	KDFThreads       uint8  `koanf:"kdf_threads"`
	MasterSecret     Secret `koanf:"master_secret"`
	MasterSecretFile string `koanf:"master_secret_file"`
}

// KeyringConfig bounds the per-session DEK cache.
type KeyringConfig struct {
	CacheMaxEntries int      `koanf:"cache_max_entries"`
	CacheTTL        Duration `koanf:"cache_ttl"`
	CacheIdleTimeout Duration `koanf:"cache_idle_timeout"`
}

// StorageConfig controls the per-tenant handle pool and SQLite tuning.
type StorageConfig struct {
	DataDir     string   `koanf:"data_dir"`
	MaxOpen     int      `koanf:"max_open"`
	IdleTimeout Duration `koanf:"idle_timeout"`
	BusyTimeout Duration `koanf:"busy_timeout"`
}

// VaultConfig holds entry field bounds. All limits are configuration,
// never hard-coded in the repository.
type VaultConfig struct {
	MaxKindLen        int `koanf:"max_kind_len"`
	MaxCategoryLen    int `koanf:"max_category_len"`
	MaxTitleLen       int `koanf:"max_title_len"`
	MaxBodyLen        int `koanf:"max_body_len"`
	MaxMetaLen        int `koanf:"max_meta_len"`
	MaxTagCount       int `koanf:"max_tag_count"`
	MaxTagLen         int `koanf:"max_tag_len"`
	MaxIdentityKeyLen int `koanf:"max_identity_key_len"`
	MaxTeamScopeLen   int `koanf:"max_team_scope_len"`
}

// SearchConfig holds the hybrid ranking tunables. These are hot-reloadable.
type SearchConfig struct {
	LexicalWeight   float64  `koanf:"lexical_weight"`
	SemanticWeight  float64  `koanf:"semantic_weight"`
	HalfLife        Duration `koanf:"half_life"`
	MaxCandidates   int      `koanf:"max_candidates"`
	DefaultPageSize int      `koanf:"default_page_size"`
	MaxPageSize     int      `koanf:"max_page_size"`
	Timeout         Duration `koanf:"timeout"`
}

// IndexConfig selects and configures the vector shadow index variant.
type IndexConfig struct {
	Provider string              `koanf:"provider"` // "chromem" or "qdrant"
	Chromem  ChromemIndexConfig  `koanf:"chromem"`
	Qdrant   QdrantIndexConfig   `koanf:"qdrant"`
}

// ChromemIndexConfig configures the embedded chromem-go variant.
type ChromemIndexConfig struct {
	Path     string `koanf:"path"`
	Compress bool   `koanf:"compress"`
}

// QdrantIndexConfig configures the networked Qdrant variant.
type QdrantIndexConfig struct {
	Host   string `koanf:"host"`
	Port   int    `koanf:"port"`
	UseTLS bool   `koanf:"use_tls"`
}

// EmbeddingsConfig selects and configures the embedding provider.
type EmbeddingsConfig struct {
	Provider          string  `koanf:"provider"` // "tei", "openai", or "fastembed"
	Model             string  `koanf:"model"`
	BaseURL           string  `koanf:"base_url"`
	APIKey            Secret  `koanf:"api_key"`
	RequestsPerSecond float64 `koanf:"requests_per_second"`
	CacheDir          string  `koanf:"cache_dir"`
	VectorSize        int     `koanf:"vector_size"`
}

// LedgerConfig holds retention and the per-tier rate-limit table.
type LedgerConfig struct {
	EventRetention Duration              `koanf:"event_retention"`
	UsageRetention Duration              `koanf:"usage_retention"`
	RateWindow     Duration              `koanf:"rate_window"`
	Tiers          map[string]TierLimits `koanf:"tiers"`
}

// TierLimits is the per-subscription-tier limit table.
type TierLimits struct {
	RequestsPerWindow int `koanf:"requests_per_window"`
	MaxEntries        int `koanf:"max_entries"`
}

// QueueConfig bounds the background side-effect queue.
type QueueConfig struct {
	Size    int `koanf:"size"`
	Workers int `koanf:"workers"`
}

// ReconcilerConfig controls the vector-shadow repair sweeper.
type ReconcilerConfig struct {
	Interval    Duration `koanf:"interval"`
	MaxAttempts int      `koanf:"max_attempts"`
	BatchSize   int      `koanf:"batch_size"`
}

// ScrubConfig controls secret scrubbing of shadow-index text.
type ScrubConfig struct {
	Enabled          bool     `koanf:"enabled"`
	AllowlistRegexes []string `koanf:"allowlist_regexes"`
}

// ApplyDefaults sets default values for unset fields.
func (c *Config) ApplyDefaults() {
	if c.Server.Host == "" {
		c.Server.Host = "localhost"
	}
	if c.Server.Port == 0 {
		c.Server.Port = 9632
	}
	if c.Server.ShutdownTimeout == 0 {
		c.Server.ShutdownTimeout = Duration(10 * time.Second)
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "json"
	}
	if c.Telemetry.ServiceName == "" {
		c.Telemetry.ServiceName = "vaultd"
	}
	if c.Telemetry.ServiceVersion == "" {
		c.Telemetry.ServiceVersion = "dev"
	}
	if c.Telemetry.Protocol == "" {
		c.Telemetry.Protocol = "grpc"
	}
	if c.Telemetry.SampleRate == 0 {
		c.Telemetry.SampleRate = 1.0
	}
	if c.Crypto.KDFTime == 0 {
		c.Crypto.KDFTime = 3
	}
	if c.Crypto.KDFMemoryKiB == 0 {
		c.Crypto.KDFMemoryKiB = 64 * 1024
	}
	if c.Crypto.KDFThreads == 0 {
		c.Crypto.KDFThreads = 4
	}
	if c.Keyring.CacheMaxEntries == 0 {
		c.Keyring.CacheMaxEntries = 1024
	}
	if c.Keyring.CacheTTL == 0 {
		c.Keyring.CacheTTL = Duration(15 * time.Minute)
	}
	if c.Keyring.CacheIdleTimeout == 0 {
		c.Keyring.CacheIdleTimeout = Duration(5 * time.Minute)
	}
	if c.Storage.DataDir == "" {
		c.Storage.DataDir = "~/.local/share/vaultd"
	}
	if c.Storage.MaxOpen == 0 {
		c.Storage.MaxOpen = 64
	}
	if c.Storage.IdleTimeout == 0 {
		c.Storage.IdleTimeout = Duration(10 * time.Minute)
	}
	if c.Storage.BusyTimeout == 0 {
		c.Storage.BusyTimeout = Duration(5 * time.Second)
	}
	if c.Vault.MaxKindLen == 0 {
		c.Vault.MaxKindLen = 64
	}
	if c.Vault.MaxCategoryLen == 0 {
		c.Vault.MaxCategoryLen = 128
	}
	if c.Vault.MaxTitleLen == 0 {
		c.Vault.MaxTitleLen = 512
	}
	if c.Vault.MaxBodyLen == 0 {
		c.Vault.MaxBodyLen = 1024 * 1024
	}
	if c.Vault.MaxMetaLen == 0 {
		c.Vault.MaxMetaLen = 64 * 1024
	}
	if c.Vault.MaxTagCount == 0 {
		c.Vault.MaxTagCount = 32
	}
	if c.Vault.MaxTagLen == 0 {
		c.Vault.MaxTagLen = 64
	}
	if c.Vault.MaxIdentityKeyLen == 0 {
		c.Vault.MaxIdentityKeyLen = 256
	}
	if c.Vault.MaxTeamScopeLen == 0 {
		c.Vault.MaxTeamScopeLen = 128
	}
	if c.Search.LexicalWeight == 0 && c.Search.SemanticWeight == 0 {
		c.Search.LexicalWeight = 0.4
		c.Search.SemanticWeight = 0.6
	}
	if c.Search.HalfLife == 0 {
		c.Search.HalfLife = Duration(30 * 24 * time.Hour)
	}
	if c.Search.MaxCandidates == 0 {
		c.Search.MaxCandidates = 200
	}
	if c.Search.DefaultPageSize == 0 {
		c.Search.DefaultPageSize = 20
	}
	if c.Search.MaxPageSize == 0 {
		c.Search.MaxPageSize = 100
	}
	if c.Search.Timeout == 0 {
		c.Search.Timeout = Duration(10 * time.Second)
	}
	if c.Index.Provider == "" {
		c.Index.Provider = "chromem"
	}
	if c.Index.Chromem.Path == "" {
		c.Index.Chromem.Path = "~/.local/share/vaultd/index"
	}
	if c.Index.Qdrant.Host == "" {
		c.Index.Qdrant.Host = "localhost"
	}
	if c.Index.Qdrant.Port == 0 {
		c.Index.Qdrant.Port = 6334
	}
	if c.Embeddings.Provider == "" {
		c.Embeddings.Provider = "tei"
	}
	if c.Embeddings.Model == "" {
		c.Embeddings.Model = "BAAI/bge-small-en-v1.5"
	}
	if c.Embeddings.BaseURL == "" {
		c.Embeddings.BaseURL = "http://localhost:8080"
	}
	if c.Embeddings.RequestsPerSecond == 0 {
		c.Embeddings.RequestsPerSecond = 32
	}
	if c.Embeddings.VectorSize == 0 {
		c.Embeddings.VectorSize = 384
	}
	if c.Ledger.EventRetention == 0 {
		c.Ledger.EventRetention = Duration(90 * 24 * time.Hour)
	}
	if c.Ledger.UsageRetention == 0 {
		c.Ledger.UsageRetention = Duration(365 * 24 * time.Hour)
	}
	if c.Ledger.RateWindow == 0 {
		c.Ledger.RateWindow = Duration(time.Minute)
	}
	if c.Ledger.Tiers == nil {
		c.Ledger.Tiers = map[string]TierLimits{
			"free": {RequestsPerWindow: 60, MaxEntries: 1000},
			"pro":  {RequestsPerWindow: 600, MaxEntries: 100000},
			"team": {RequestsPerWindow: 3000, MaxEntries: 1000000},
		}
	}
	if c.Queue.Size == 0 {
		c.Queue.Size = 4096
	}
	if c.Queue.Workers == 0 {
		c.Queue.Workers = 4
	}
	if c.Reconciler.Interval == 0 {
		c.Reconciler.Interval = Duration(time.Minute)
	}
	if c.Reconciler.MaxAttempts == 0 {
		c.Reconciler.MaxAttempts = 10
	}
	if c.Reconciler.BatchSize == 0 {
		c.Reconciler.BatchSize = 64
	}
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server port: %d (must be 1-65535)", c.Server.Port)
	}
	if c.Server.ShutdownTimeout.Duration() <= 0 {
		return errors.New("server shutdown timeout must be positive")
	}
	if c.Logging.Format != "json" && c.Logging.Format != "console" {
		return fmt.Errorf("logging format must be 'json' or 'console', got %q", c.Logging.Format)
	}
	if c.Telemetry.Enabled {
		if c.Telemetry.ServiceName == "" {
			return errors.New("telemetry service name required when telemetry is enabled")
		}
		if c.Telemetry.Endpoint == "" {
			return errors.New("telemetry endpoint required when telemetry is enabled")
		}
		if c.Telemetry.Protocol != "grpc" && c.Telemetry.Protocol != "http/protobuf" {
			return fmt.Errorf("telemetry protocol must be 'grpc' or 'http/protobuf', got %q", c.Telemetry.Protocol)
		}
	}
	if c.Crypto.KDFMemoryKiB < 8*1024 {
		return fmt.Errorf("kdf memory must be >= 8192 KiB, got %d", c.Crypto.KDFMemoryKiB)
	}
	if c.Keyring.CacheMaxEntries < 1 {
		return errors.New("keyring cache must allow at least one entry")
	}
	if c.Storage.MaxOpen < 1 {
		return errors.New("storage max_open must be >= 1")
	}
	if err := c.Search.Validate(); err != nil {
		return err
	}
	switch c.Index.Provider {
	case "chromem", "qdrant":
	default:
		return fmt.Errorf("unsupported index provider: %s (supported: chromem, qdrant)", c.Index.Provider)
	}
	switch c.Embeddings.Provider {
	case "tei", "openai", "fastembed":
	default:
		return fmt.Errorf("unsupported embeddings provider: %s (supported: tei, openai, fastembed)", c.Embeddings.Provider)
	}
	if c.Embeddings.VectorSize <= 0 {
		return errors.New("embeddings vector_size must be positive")
	}
	for tier, limits := range c.Ledger.Tiers {
		if tier == "" {
			return errors.New("tier name cannot be empty")
		}
		if limits.RequestsPerWindow < 1 {
			return fmt.Errorf("tier %q: requests_per_window must be >= 1", tier)
		}
	}
	if c.Queue.Size < 1 || c.Queue.Workers < 1 {
		return errors.New("queue size and workers must be >= 1")
	}
	return nil
}

// Validate checks the search tunables. Called on load and on hot-reload
// before a new snapshot is swapped in.
func (s *SearchConfig) Validate() error {
	if s.LexicalWeight < 0 || s.SemanticWeight < 0 {
		return errors.New("search weights must be non-negative")
	}
	if s.LexicalWeight == 0 && s.SemanticWeight == 0 {
		return errors.New("at least one search weight must be positive")
	}
	if s.HalfLife.Duration() <= 0 {
		return errors.New("search half_life must be positive")
	}
	if s.MaxCandidates < 1 {
		return errors.New("search max_candidates must be >= 1")
	}
	if s.DefaultPageSize < 1 || s.MaxPageSize < s.DefaultPageSize {
		return errors.New("search page sizes invalid (default >= 1, max >= default)")
	}
	return nil
}
