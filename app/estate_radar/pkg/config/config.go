package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config 项目配置结构体
type Config struct {
	LLM         LLMConfig         `yaml:"llm"`
	Embedding   EmbeddingConfig   `yaml:"embedding"`
	Search      SearchConfig      `yaml:"search"`
	Feeds       []FeedConfig      `yaml:"feeds"`
	Ingestion   IngestionConfig   `yaml:"ingestion"`
	Cache       CacheConfig       `yaml:"cache"`
	Trend       TrendConfig       `yaml:"trend"`
	RAG         RAGConfig         `yaml:"rag"`
	Retry       RetryConfig       `yaml:"retry"`
	Log         LogConfig         `yaml:"log"`
	Concurrency ConcurrencyConfig `yaml:"concurrency"`
	DB          DBConfig          `yaml:"db"`
	VectorIndex VectorIndexConfig `yaml:"vector_index"`
	Scheduler   SchedulerConfig   `yaml:"scheduler"`
}

// LLMConfig LLM 相关配置
type LLMConfig struct {
	Provider    string        `yaml:"provider"` // openai (兼容协议) 或 anthropic
	BaseURL     string        `yaml:"base_url"`
	APIKey      string        `yaml:"api_key"`
	Model       string        `yaml:"model"`
	Temperature float32       `yaml:"temperature"`
	MaxTokens   int           `yaml:"max_tokens"`
	Timeout     time.Duration `yaml:"timeout"`
}

// EmbeddingConfig 向量化模型配置
type EmbeddingConfig struct {
	Provider  string `yaml:"provider"`
	APIKey    string `yaml:"api_key"`
	Model     string `yaml:"model"`
	Dimension int    `yaml:"dimension"`
}

// DBConfig 数据库相关配置
type DBConfig struct {
	Driver   string `yaml:"driver"` // sqlite 或 postgres
	Path     string `yaml:"path"`   // sqlite 文件路径
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
	Name     string `yaml:"name"`
	SSLMode  string `yaml:"sslmode"`
}

// SearchConfig 新闻搜索相关配置，未配置凭证时跳过
type SearchConfig struct {
	Provider string        `yaml:"provider"`
	Queries  []string      `yaml:"queries"`
	NewsAPI  NewsAPIConfig `yaml:"newsapi"`
	Tavily   TavilyConfig  `yaml:"tavily"`
	SearXNG  SearXNGConfig `yaml:"searxng"`
}

// NewsAPIConfig NewsAPI 配置
type NewsAPIConfig struct {
	APIKey   string `yaml:"api_key"`
	BaseURL  string `yaml:"base_url"`
	PageSize int    `yaml:"page_size"`
}

// TavilyConfig Tavily 配置
type TavilyConfig struct {
	APIKey string `yaml:"api_key"`
}

// SearXNGConfig SearXNG 配置
type SearXNGConfig struct {
	BaseURL string `yaml:"base_url"`
	Timeout int    `yaml:"timeout"`
}

// FeedConfig RSS 源
type FeedConfig struct {
	Name string `yaml:"name"`
	URL  string `yaml:"url"`
}

// IngestionConfig 抓取与正文提取
type IngestionConfig struct {
	MaxItemsPerFeed  int           `yaml:"max_items_per_feed"`
	MinContentLength int           `yaml:"min_content_length"`
	MaxContentLength int           `yaml:"max_content_length"`
	Workers          int           `yaml:"workers"`
	FetchTimeout     time.Duration `yaml:"fetch_timeout"`
	UserAgent        string        `yaml:"user_agent"`
	ReprocessBatch   int           `yaml:"reprocess_batch"`
}

// CacheConfig LLM 响应缓存
type CacheConfig struct {
	MaxEntries int           `yaml:"max_entries"`
	TTL        time.Duration `yaml:"ttl"`
}

// TrendConfig 趋势与异常检测参数
type TrendConfig struct {
	Window          time.Duration `yaml:"window"`
	BaselineWindows int           `yaml:"baseline_windows"`
	ZThreshold      float64       `yaml:"z_threshold"`
	MinSamples      int           `yaml:"min_samples"`
	StdDevFloor     float64       `yaml:"stddev_floor"`
	NeutralBand     float64       `yaml:"neutral_band"`
}

// RAGConfig 检索问答参数
type RAGConfig struct {
	TopK           int `yaml:"top_k"`
	ChunkSize      int `yaml:"chunk_size"`
	ChunkOverlap   int `yaml:"chunk_overlap"`
	MinChunkLength int `yaml:"min_chunk_length"`
}

// RetryConfig 重试策略
type RetryConfig struct {
	MaxAttempts      int           `yaml:"max_attempts"`
	InitialBackoff   time.Duration `yaml:"initial_backoff"`
	MaxBackoff       time.Duration `yaml:"max_backoff"`
	Multiplier       float64       `yaml:"multiplier"`
	RateLimitBackoff time.Duration `yaml:"rate_limit_backoff"`
}

// LogConfig 日志相关配置
type LogConfig struct {
	Level string `yaml:"level"`
	File  string `yaml:"file"`
}

// ConcurrencyConfig 并发控制配置
type ConcurrencyConfig struct {
	QPS int `yaml:"qps"`
	RPM int `yaml:"rpm"`
}

// VectorIndexConfig 向量索引存储目录
type VectorIndexConfig struct {
	Dir string `yaml:"dir"`
}

// SchedulerConfig 定时任务
type SchedulerConfig struct {
	Spec       string        `yaml:"spec"`
	RunOnStart bool          `yaml:"run_on_start"`
	Timeout    time.Duration `yaml:"timeout"`
}

// DefaultFeeds 默认 RSS 源
var DefaultFeeds = []FeedConfig{
	{Name: "CNBC", URL: "https://www.cnbc.com/id/10000115/device/rss/rss.html"},
	{Name: "HousingWire", URL: "https://www.housingwire.com/feed/"},
	{Name: "MortgageReports", URL: "https://themortgagereports.com/feed"},
	{Name: "CalculatedRisk", URL: "https://www.calculatedriskblog.com/feeds/posts/default"},
	{Name: "WolfStreet", URL: "https://wolfstreet.com/feed/"},
}

// DefaultQueries 新闻搜索关键词
var DefaultQueries = []string{"real estate market", "housing prices", "mortgage rates", "home sales"}

// LoadConfig 从指定路径加载配置
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, err
	}

	cfg.ApplyDefaults()
	overrideFromEnv(&cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// ApplyDefaults 填充未配置的字段
func (c *Config) ApplyDefaults() {
	if c.LLM.Provider == "" {
		c.LLM.Provider = "openai"
	}
	if c.LLM.Temperature == 0 {
		c.LLM.Temperature = 0.1
	}
	if c.LLM.MaxTokens == 0 {
		c.LLM.MaxTokens = 800
	}
	if c.LLM.Timeout == 0 {
		c.LLM.Timeout = 30 * time.Second
	}
	if c.Embedding.Provider == "" {
		c.Embedding.Provider = "gemini"
	}
	if c.Embedding.Model == "" {
		c.Embedding.Model = "text-embedding-004"
	}
	if c.Embedding.Dimension == 0 {
		c.Embedding.Dimension = 768
	}
	if len(c.Search.Queries) == 0 {
		c.Search.Queries = DefaultQueries
	}
	if c.Search.NewsAPI.PageSize == 0 {
		c.Search.NewsAPI.PageSize = 10
	}
	if len(c.Feeds) == 0 {
		c.Feeds = DefaultFeeds
	}

	in := &c.Ingestion
	if in.MaxItemsPerFeed == 0 {
		in.MaxItemsPerFeed = 15
	}
	if in.MinContentLength == 0 {
		in.MinContentLength = 300
	}
	if in.MaxContentLength == 0 {
		in.MaxContentLength = 12000
	}
	if in.Workers == 0 {
		in.Workers = 10
	}
	if in.FetchTimeout == 0 {
		in.FetchTimeout = 20 * time.Second
	}
	if in.UserAgent == "" {
		in.UserAgent = "Mozilla/5.0 (compatible; EstateRadar/1.0)"
	}
	if in.ReprocessBatch == 0 {
		in.ReprocessBatch = 20
	}

	if c.Cache.MaxEntries == 0 {
		c.Cache.MaxEntries = 500
	}
	if c.Cache.TTL == 0 {
		c.Cache.TTL = 7 * 24 * time.Hour
	}

	tr := &c.Trend
	if tr.Window == 0 {
		tr.Window = 24 * time.Hour
	}
	if tr.BaselineWindows == 0 {
		tr.BaselineWindows = 14
	}
	if tr.ZThreshold == 0 {
		tr.ZThreshold = 2.0
	}
	if tr.MinSamples == 0 {
		tr.MinSamples = 5
	}
	if tr.StdDevFloor == 0 {
		tr.StdDevFloor = 0.1
	}
	if tr.NeutralBand == 0 {
		tr.NeutralBand = 0.15
	}

	if c.RAG.TopK == 0 {
		c.RAG.TopK = 5
	}
	if c.RAG.ChunkSize == 0 {
		c.RAG.ChunkSize = 500
	}
	if c.RAG.ChunkOverlap == 0 {
		c.RAG.ChunkOverlap = 100
	}
	if c.RAG.MinChunkLength == 0 {
		c.RAG.MinChunkLength = 50
	}

	if c.Retry.MaxAttempts == 0 {
		c.Retry.MaxAttempts = 3
	}
	if c.Retry.InitialBackoff == 0 {
		c.Retry.InitialBackoff = 2 * time.Second
	}
	if c.Retry.MaxBackoff == 0 {
		c.Retry.MaxBackoff = 30 * time.Second
	}
	if c.Retry.Multiplier == 0 {
		c.Retry.Multiplier = 2
	}
	if c.Retry.RateLimitBackoff == 0 {
		c.Retry.RateLimitBackoff = 5 * time.Second
	}

	if c.Concurrency.RPM == 0 {
		c.Concurrency.RPM = 30
	}
	if c.Concurrency.QPS == 0 {
		c.Concurrency.QPS = 1
	}

	if c.DB.Driver == "" {
		c.DB.Driver = "sqlite"
	}
	if c.DB.Path == "" {
		c.DB.Path = "data/sentiment.db"
	}
	if c.DB.SSLMode == "" {
		c.DB.SSLMode = "disable"
	}
	if c.VectorIndex.Dir == "" {
		c.VectorIndex.Dir = "data/vectors"
	}

	if c.Scheduler.Spec == "" {
		c.Scheduler.Spec = "@every 1h"
	}
	if c.Scheduler.Timeout == 0 {
		c.Scheduler.Timeout = 50 * time.Minute
	}
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
}

// Validate 校验配置的一致性
func (c *Config) Validate() error {
	if c.RAG.ChunkOverlap >= c.RAG.ChunkSize {
		return fmt.Errorf("rag.chunk_overlap (%d) must be less than rag.chunk_size (%d)", c.RAG.ChunkOverlap, c.RAG.ChunkSize)
	}
	if c.Ingestion.MinContentLength > c.Ingestion.MaxContentLength {
		return fmt.Errorf("ingestion.min_content_length (%d) exceeds max_content_length (%d)",
			c.Ingestion.MinContentLength, c.Ingestion.MaxContentLength)
	}
	switch c.LLM.Provider {
	case "openai", "anthropic":
	default:
		return fmt.Errorf("unknown llm provider: %s", c.LLM.Provider)
	}
	switch c.DB.Driver {
	case "sqlite", "postgres":
	default:
		return fmt.Errorf("unknown db driver: %s", c.DB.Driver)
	}
	if c.Trend.ZThreshold <= 0 || c.Trend.StdDevFloor <= 0 {
		return fmt.Errorf("trend.z_threshold and trend.stddev_floor must be positive")
	}
	return nil
}

// overrideFromEnv 使用环境变量覆盖配置，密钥一般只通过环境变量注入
func overrideFromEnv(cfg *Config) {
	setString := func(key string, dst *string) {
		if env := os.Getenv(key); env != "" {
			*dst = env
		}
	}

	setString("LLM_PROVIDER", &cfg.LLM.Provider)
	setString("LLM_BASE_URL", &cfg.LLM.BaseURL)
	setString("LLM_API_KEY", &cfg.LLM.APIKey)
	setString("LLM_MODEL", &cfg.LLM.Model)
	setString("GEMINI_API_KEY", &cfg.Embedding.APIKey)
	setString("NEWSAPI_KEY", &cfg.Search.NewsAPI.APIKey)
	setString("TAVILY_API_KEY", &cfg.Search.Tavily.APIKey)

	setString("DB_DRIVER", &cfg.DB.Driver)
	setString("DB_PATH", &cfg.DB.Path)
	setString("DB_HOST", &cfg.DB.Host)
	setString("DB_USER", &cfg.DB.User)
	setString("DB_PASSWORD", &cfg.DB.Password)
	setString("DB_NAME", &cfg.DB.Name)
	if env := os.Getenv("DB_PORT"); env != "" {
		if port, err := strconv.Atoi(env); err == nil {
			cfg.DB.Port = port
		}
	}

	setString("LOG_LEVEL", &cfg.Log.Level)
}
