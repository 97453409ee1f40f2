package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// Config 描述了 WalletPilot 在启动阶段需要加载的全部配置。
type Config struct {
	Server     ServerConfig     `json:"server"`
	Logging    LoggingConfig    `json:"logging"`
	Storage    StorageConfig    `json:"storage"`
	Memory     MemoryConfig     `json:"memory"`
	LLM        LLMConfig        `json:"llm"`
	Web3       Web3Config       `json:"web3"`
	Pricing    PricingConfig    `json:"pricing"`
	Limits     LimitsConfig     `json:"limits"`
	Agent      AgentConfig      `json:"agent"`
	Settlement SettlementConfig `json:"settlement"`
	Knowledge  KnowledgeConfig  `json:"knowledge"`
	Alerting   AlertingConfig   `json:"alerting"`
}

// ServerConfig 控制 API 服务的监听地址等参数。
type ServerConfig struct {
	Address        string   `json:"address"`
	AllowedOrigins []string `json:"allowed_origins"`
	MetricsEnabled *bool    `json:"metrics_enabled"`
}

// LoggingConfig 对应 pkg/logger 的配置项。
type LoggingConfig struct {
	Level       string   `json:"level"`
	Format      string   `json:"format"`
	OutputPaths []string `json:"output_paths"`
	AuditPath   string   `json:"audit_path"`
	AuditMaxMB  int      `json:"audit_max_mb"`
}

// StorageConfig 描述用户、限额与交易记录的持久化后端。
type StorageConfig struct {
	Driver                 string `json:"driver"`
	DSN                    string `json:"dsn"`
	DataDir                string `json:"data_dir"`
	MaxOpenConns           int    `json:"max_open_conns"`
	MaxIdleConns           int    `json:"max_idle_conns"`
	ConnMaxLifetimeSeconds int    `json:"conn_max_lifetime_seconds"`
	ConnMaxIdleTimeSeconds int    `json:"conn_max_idle_time_seconds"`
}

// RedisConfig 是多个组件共用的 Redis 连接参数。
type RedisConfig struct {
	Address  string `json:"address"`
	Password string `json:"password"`
	DB       int    `json:"db"`
	Prefix   string `json:"prefix"`
}

// MemoryConfig 描述会话记忆的存储方式。
type MemoryConfig struct {
	Driver      string      `json:"driver"`
	MaxMessages int         `json:"max_messages"`
	TTLSeconds  int         `json:"ttl_seconds"`
	Redis       RedisConfig `json:"redis"`
}

// TTL 返回会话过期时间。
func (m MemoryConfig) TTL() time.Duration {
	return time.Duration(m.TTLSeconds) * time.Second
}

// LLMConfig 用于配置大模型推理的调用方式。
type LLMConfig struct {
	Provider string       `json:"provider"`
	OpenAI   OpenAIConfig `json:"openai"`
}

// OpenAIConfig 描述 OpenAI 兼容接口的调用参数。
type OpenAIConfig struct {
	APIKey         string  `json:"api_key"`
	APIKeyEnv      string  `json:"api_key_env"`
	BaseURL        string  `json:"base_url"`
	Model          string  `json:"model"`
	TimeoutSeconds int     `json:"timeout_seconds"`
	Temperature    float64 `json:"temperature"`
	MaxTokens      int     `json:"max_tokens"`
	MaxRetries     int     `json:"max_retries"`
}

// Timeout 返回单次请求的超时时间。
func (o OpenAIConfig) Timeout() time.Duration {
	return time.Duration(o.TimeoutSeconds) * time.Second
}

// ResolveAPIKey 优先使用显式配置，其次读取环境变量。
func (o OpenAIConfig) ResolveAPIKey() string {
	if key := strings.TrimSpace(o.APIKey); key != "" {
		return key
	}
	if o.APIKeyEnv != "" {
		return strings.TrimSpace(os.Getenv(o.APIKeyEnv))
	}
	return ""
}

// Web3Config 包含访问区块链节点与签名所需的信息。
type Web3Config struct {
	ChainConfig   string `json:"chain_config"`
	DefaultChain  string `json:"default_chain"`
	RPCURL        string `json:"rpc_url"`
	SignerKeysEnv string `json:"signer_keys_env"`
}

// PricingConfig 描述原生资产与法币之间的汇率来源。
type PricingConfig struct {
	FiatSymbol   string  `json:"fiat_symbol"`
	StaticRate   float64 `json:"static_rate"`
	FeedURL      string  `json:"feed_url"`
	FeedField    string  `json:"feed_field"`
	CacheSeconds int     `json:"cache_seconds"`
}

// LimitsConfig 描述限额校验策略与默认值。
type LimitsConfig struct {
	FailMode    string  `json:"fail_mode"`
	MaxPerTx    float64 `json:"max_per_tx"`
	MaxTxPerDay int     `json:"max_tx_per_day"`
	MaxPerDay   float64 `json:"max_per_day"`
	MaxPerMonth float64 `json:"max_per_month"`
}

// AgentConfig 控制对话编排的行为。
type AgentConfig struct {
	FallbackLanguage       string `json:"fallback_language"`
	RequireConfirmation    *bool  `json:"require_confirmation"`
	ConfirmationTTLSeconds int    `json:"confirmation_ttl_seconds"`
	PreferTemplates        *bool  `json:"prefer_templates"`
	LLMTimeoutSeconds      int    `json:"llm_timeout_seconds"`
	LockDriver             string `json:"lock_driver"`
	LockTTLSeconds         int    `json:"lock_ttl_seconds"`
}

// ConfirmationTTL 返回待确认转账的有效期。
func (a AgentConfig) ConfirmationTTL() time.Duration {
	return time.Duration(a.ConfirmationTTLSeconds) * time.Second
}

// LLMTimeout 返回单轮对话中大模型调用的超时。
func (a AgentConfig) LLMTimeout() time.Duration {
	return time.Duration(a.LLMTimeoutSeconds) * time.Second
}

// LockTTL 返回分布式锁的过期时间。
func (a AgentConfig) LockTTL() time.Duration {
	return time.Duration(a.LockTTLSeconds) * time.Second
}

// SettlementConfig 描述交易确认队列。
type SettlementConfig struct {
	Driver              string         `json:"driver"`
	Workers             int            `json:"workers"`
	PollIntervalSeconds int            `json:"poll_interval_seconds"`
	MaxAttempts         int            `json:"max_attempts"`
	Redis               RedisConfig    `json:"redis"`
	Queue               string         `json:"queue"`
	RabbitMQ            RabbitMQConfig `json:"rabbitmq"`
}

// PollInterval 返回回执轮询间隔。
func (s SettlementConfig) PollInterval() time.Duration {
	return time.Duration(s.PollIntervalSeconds) * time.Second
}

// RabbitMQConfig 描述 RabbitMQ 连接参数。
type RabbitMQConfig struct {
	URL        string `json:"url"`
	Prefetch   int    `json:"prefetch"`
	Durable    bool   `json:"durable"`
	AutoDelete bool   `json:"auto_delete"`
}

// KnowledgeConfig 控制帮助内容的来源。
type KnowledgeConfig struct {
	Source     string `json:"source"`
	MaxResults int    `json:"max_results"`
}

// AlertingConfig 描述告警渠道。
type AlertingConfig struct {
	WebhookURL string `json:"webhook_url"`
}

// Load 负责解析指定路径的 JSON 配置文件。
func Load(path string) (*Config, error) {
	if path == "" {
		return nil, errors.New("配置文件路径为空")
	}

	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("打开配置文件失败: %w", err)
	}
	defer file.Close()

	content, err := io.ReadAll(file)
	if err != nil {
		return nil, fmt.Errorf("读取配置文件失败: %w", err)
	}

	var cfg Config
	if err := json.Unmarshal(content, &cfg); err != nil {
		return nil, fmt.Errorf("解析配置失败: %w", err)
	}

	cfg.applyDefaults(filepath.Dir(path))
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Default 返回不依赖任何外部服务的配置，适合本地开发。
func Default(baseDir string) *Config {
	cfg := &Config{}
	cfg.applyDefaults(baseDir)
	return cfg
}

// applyDefaults 在用户未填写部分字段时设置合理的默认值。
func (c *Config) applyDefaults(baseDir string) {
	if c.Server.Address == "" {
		c.Server.Address = ":8080"
	}
	if c.Server.MetricsEnabled == nil {
		c.Server.MetricsEnabled = boolPtr(true)
	}

	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "json"
	}
	c.Logging.AuditPath = resolvePath(baseDir, c.Logging.AuditPath)

	if c.Storage.Driver == "" {
		c.Storage.Driver = "memory"
	}
	if c.Storage.DataDir == "" {
		c.Storage.DataDir = filepath.Join(baseDir, "data")
	} else {
		c.Storage.DataDir = resolvePath(baseDir, c.Storage.DataDir)
	}

	if c.Memory.Driver == "" {
		c.Memory.Driver = "memory"
	}
	if c.Memory.MaxMessages <= 0 {
		c.Memory.MaxMessages = 10
	}
	if c.Memory.TTLSeconds <= 0 {
		c.Memory.TTLSeconds = 24 * 60 * 60
	}

	if c.LLM.Provider == "" {
		c.LLM.Provider = "openai"
	}
	if c.LLM.OpenAI.APIKeyEnv == "" {
		c.LLM.OpenAI.APIKeyEnv = "OPENAI_API_KEY"
	}
	if c.LLM.OpenAI.TimeoutSeconds <= 0 {
		c.LLM.OpenAI.TimeoutSeconds = 30
	}
	if c.LLM.OpenAI.MaxTokens <= 0 {
		c.LLM.OpenAI.MaxTokens = 600
	}
	if c.LLM.OpenAI.MaxRetries < 0 {
		c.LLM.OpenAI.MaxRetries = 0
	}

	if c.Web3.ChainConfig != "" {
		c.Web3.ChainConfig = resolvePath(baseDir, c.Web3.ChainConfig)
	}
	if c.Web3.SignerKeysEnv == "" {
		c.Web3.SignerKeysEnv = "WALLETPILOT_SIGNER_KEYS"
	}

	if c.Pricing.FiatSymbol == "" {
		c.Pricing.FiatSymbol = "USD"
	}
	if c.Pricing.StaticRate <= 0 {
		c.Pricing.StaticRate = 3000
	}
	if c.Pricing.CacheSeconds <= 0 {
		c.Pricing.CacheSeconds = 60
	}

	if c.Limits.FailMode == "" {
		c.Limits.FailMode = "open"
	}

	if c.Agent.FallbackLanguage == "" {
		c.Agent.FallbackLanguage = "en"
	}
	if c.Agent.RequireConfirmation == nil {
		c.Agent.RequireConfirmation = boolPtr(true)
	}
	if c.Agent.ConfirmationTTLSeconds <= 0 {
		c.Agent.ConfirmationTTLSeconds = 300
	}
	if c.Agent.PreferTemplates == nil {
		c.Agent.PreferTemplates = boolPtr(true)
	}
	if c.Agent.LLMTimeoutSeconds <= 0 {
		c.Agent.LLMTimeoutSeconds = 20
	}
	if c.Agent.LockDriver == "" {
		c.Agent.LockDriver = "memory"
	}
	if c.Agent.LockTTLSeconds <= 0 {
		c.Agent.LockTTLSeconds = 30
	}

	if c.Settlement.Driver == "" {
		c.Settlement.Driver = "memory"
	}
	if c.Settlement.Workers <= 0 {
		c.Settlement.Workers = 2
	}
	if c.Settlement.PollIntervalSeconds <= 0 {
		c.Settlement.PollIntervalSeconds = 5
	}
	if c.Settlement.MaxAttempts <= 0 {
		c.Settlement.MaxAttempts = 60
	}
	if c.Settlement.Queue == "" {
		c.Settlement.Queue = "walletpilot.settlement"
	}

	if c.Knowledge.Source != "" {
		c.Knowledge.Source = resolvePath(baseDir, c.Knowledge.Source)
	}
	if c.Knowledge.MaxResults <= 0 {
		c.Knowledge.MaxResults = 3
	}
}

// Validate 检查枚举类配置项是否合法。
func (c *Config) Validate() error {
	checks := []struct {
		field   string
		value   string
		allowed []string
	}{
		{"storage.driver", c.Storage.Driver, []string{"memory", "mysql"}},
		{"memory.driver", c.Memory.Driver, []string{"memory", "redis"}},
		{"llm.provider", c.LLM.Provider, []string{"openai"}},
		{"limits.fail_mode", c.Limits.FailMode, []string{"open", "closed"}},
		{"agent.fallback_language", c.Agent.FallbackLanguage, []string{"en", "es"}},
		{"agent.lock_driver", c.Agent.LockDriver, []string{"memory", "redis"}},
		{"settlement.driver", c.Settlement.Driver, []string{"memory", "redis", "rabbitmq"}},
	}
	for _, check := range checks {
		if !contains(check.allowed, check.value) {
			return fmt.Errorf("配置项 %s 的取值 %q 不受支持，可选: %s", check.field, check.value, strings.Join(check.allowed, ", "))
		}
	}
	if c.Storage.Driver == "mysql" && strings.TrimSpace(c.Storage.DSN) == "" {
		return errors.New("storage.driver 为 mysql 时必须配置 dsn")
	}
	if c.Memory.Driver == "redis" && strings.TrimSpace(c.Memory.Redis.Address) == "" {
		return errors.New("memory.driver 为 redis 时必须配置 redis.address")
	}
	if c.Agent.LockDriver == "redis" && strings.TrimSpace(c.Memory.Redis.Address) == "" {
		return errors.New("agent.lock_driver 为 redis 时复用 memory.redis，必须配置地址")
	}
	if c.Settlement.Driver == "redis" && strings.TrimSpace(c.Settlement.Redis.Address) == "" {
		return errors.New("settlement.driver 为 redis 时必须配置 redis.address")
	}
	if c.Settlement.Driver == "rabbitmq" && strings.TrimSpace(c.Settlement.RabbitMQ.URL) == "" {
		return errors.New("settlement.driver 为 rabbitmq 时必须配置 rabbitmq.url")
	}
	return nil
}

func resolvePath(baseDir, path string) string {
	if path == "" || filepath.IsAbs(path) {
		return path
	}
	return filepath.Join(baseDir, path)
}

func contains(list []string, value string) bool {
	for _, item := range list {
		if item == value {
			return true
		}
	}
	return false
}

func boolPtr(v bool) *bool { return &v }
