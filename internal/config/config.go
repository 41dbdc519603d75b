package config

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/xxxsen/common/logger"
)

type Config struct {
	DBPath    string              `json:"db_path"`
	Port      int                 `json:"port"`
	LogConfig logger.LogConfig    `json:"log_config"`
	FileStore FileStoreConfig     `json:"file_store"`
	AI        AIConfig            `json:"ai"`
	Search    SearchConfig        `json:"search"`
	Pipeline  PipelineConfig      `json:"pipeline"`
	Query     QueryConfig         `json:"query"`
	Schedule  ScheduleConfig      `json:"schedule"`
	CORS      []string            `json:"cors_allowlist"`
	Synonyms  map[string][]string `json:"synonyms"`
}

type FileStoreConfig struct {
	Type string      `json:"type"`
	Data interface{} `json:"data"`
}

type AIConfig struct {
	Provider      string      `json:"provider"`
	Model         string      `json:"model"`
	Dims          int         `json:"dims"`
	TimeoutSecond int         `json:"timeout_second"`
	Data          interface{} `json:"data"`
}

type SearchConfig struct {
	Endpoint      string `json:"endpoint"`
	APIKey        string `json:"api_key"`
	IndexPrefix   string `json:"index_prefix"`
	TimeoutSecond int    `json:"timeout_second"`
}

type PipelineConfig struct {
	TargetTokens      int    `json:"target_tokens"`
	OverlapTokens     int    `json:"overlap_tokens"`
	MinTokens         int    `json:"min_tokens"`
	EmbedBatchSize    int    `json:"embed_batch_size"`
	IndexBatchSize    int    `json:"index_batch_size"`
	MaxRetries        int    `json:"max_retries"`
	WorkerLimit       int    `json:"worker_limit"`
	ExtractEndpoint   string `json:"extract_endpoint"`
	ExtractAPIKey     string `json:"extract_api_key"`
	CallTimeoutSecond int    `json:"call_timeout_second"`
}

type QueryConfig struct {
	CacheSize     int `json:"cache_size"`
	CacheTTLHours int `json:"cache_ttl_hours"`
}

type ScheduleConfig struct {
	TaskRetentionDays int    `json:"task_retention_days"`
	ResyncSpec        string `json:"resync_spec"`
	CleanupSpec       string `json:"cleanup_spec"`
}

func Load(path string) (*Config, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open config: %w", err)
	}
	defer file.Close()

	var cfg Config
	if err := json.NewDecoder(file).Decode(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if cfg.DBPath == "" {
		return nil, fmt.Errorf("db_path is required")
	}
	if cfg.Port == 0 {
		return nil, fmt.Errorf("port is required")
	}
	if cfg.LogConfig.Level == "" {
		cfg.LogConfig.Level = "info"
	}
	if cfg.FileStore.Type == "" {
		return nil, fmt.Errorf("file_store.type is required")
	}
	if cfg.AI.Provider == "" {
		return nil, fmt.Errorf("ai.provider is required")
	}
	if cfg.AI.Model == "" {
		return nil, fmt.Errorf("ai.model is required")
	}
	if cfg.AI.Dims == 0 {
		cfg.AI.Dims = 1024
	}
	if cfg.AI.TimeoutSecond == 0 {
		cfg.AI.TimeoutSecond = 60
	}
	if cfg.Search.Endpoint == "" {
		return nil, fmt.Errorf("search.endpoint is required")
	}
	if cfg.Search.IndexPrefix == "" {
		cfg.Search.IndexPrefix = "prism"
	}
	if cfg.Search.TimeoutSecond == 0 {
		cfg.Search.TimeoutSecond = 120
	}
	applyPipelineDefaults(&cfg.Pipeline)
	if cfg.Query.CacheSize == 0 {
		cfg.Query.CacheSize = 10000
	}
	if cfg.Query.CacheTTLHours == 0 {
		cfg.Query.CacheTTLHours = 2
	}
	if cfg.Schedule.TaskRetentionDays == 0 {
		cfg.Schedule.TaskRetentionDays = 30
	}
	if cfg.Schedule.ResyncSpec == "" {
		cfg.Schedule.ResyncSpec = "0 * * * *"
	}
	if cfg.Schedule.CleanupSpec == "" {
		cfg.Schedule.CleanupSpec = "30 3 * * *"
	}
	return &cfg, nil
}

func applyPipelineDefaults(p *PipelineConfig) {
	if p.TargetTokens == 0 {
		p.TargetTokens = 1000
	}
	if p.OverlapTokens == 0 {
		p.OverlapTokens = 200
	}
	if p.MinTokens == 0 {
		p.MinTokens = 400
	}
	if p.EmbedBatchSize == 0 {
		p.EmbedBatchSize = 100
	}
	if p.IndexBatchSize == 0 {
		p.IndexBatchSize = 1000
	}
	if p.MaxRetries == 0 {
		p.MaxRetries = 3
	}
	if p.WorkerLimit == 0 {
		p.WorkerLimit = 4
	}
	if p.CallTimeoutSecond == 0 {
		p.CallTimeoutSecond = 120
	}
}
