package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"Chimera-Swarm/internal/auth"
)

// 支持的环境变量覆盖项。
const (
	EnvConfigPath = "CHIMERA_CONFIG"
	EnvRedisURL   = "REDIS_URL"
	EnvDailySpend = "MAX_DAILY_SPEND_USDC"
	EnvLogLevel   = "CHIMERA_LOG_LEVEL"
	EnvNetworkID  = "NETWORK_ID"
	EnvAPIToken   = "CHIMERA_API_TOKEN"
)

// Config 描述了 Chimera 各组件在启动阶段需要加载的配置。
type Config struct {
	Server     ServerConfig     `json:"server" yaml:"server"`
	Metrics    MetricsConfig    `json:"metrics" yaml:"metrics"`
	Redis      RedisConfig      `json:"redis" yaml:"redis"`
	Queues     QueueConfig      `json:"queues" yaml:"queues"`
	Governance GovernanceConfig `json:"governance" yaml:"governance"`
	Planner    PlannerConfig    `json:"planner" yaml:"planner"`
	Worker     WorkerConfig     `json:"worker" yaml:"worker"`
	Judge      JudgeConfig      `json:"judge" yaml:"judge"`
	Incident   IncidentConfig   `json:"incident" yaml:"incident"`
	LLM        LLMConfig        `json:"llm" yaml:"llm"`
	Web3       Web3Config       `json:"web3" yaml:"web3"`
	Log        LogConfig        `json:"log" yaml:"log"`
	Runtime    RuntimeConfig    `json:"runtime" yaml:"runtime"`
}

// Duration 支持以 "5s"、"200ms" 这样的字符串或纳秒整数书写时长。
type Duration time.Duration

// Std 返回标准库时长。
func (d Duration) Std() time.Duration { return time.Duration(d) }

// UnmarshalJSON 实现 json.Unmarshaler。
func (d *Duration) UnmarshalJSON(data []byte) error {
	var raw any
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	return d.set(raw)
}

// UnmarshalYAML 实现 yaml.Unmarshaler。
func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	var raw any
	if err := node.Decode(&raw); err != nil {
		return err
	}
	return d.set(raw)
}

func (d *Duration) set(raw any) error {
	switch v := raw.(type) {
	case nil:
		*d = 0
	case string:
		parsed, err := time.ParseDuration(strings.TrimSpace(v))
		if err != nil {
			return fmt.Errorf("无效的时长 %q: %w", v, err)
		}
		*d = Duration(parsed)
	case float64:
		*d = Duration(int64(v))
	case int:
		*d = Duration(int64(v))
	default:
		return fmt.Errorf("无效的时长 %v", raw)
	}
	return nil
}

// ServerConfig 控制 API 服务的监听地址与访问令牌，Tokens 为空时不做认证。
type ServerConfig struct {
	Address string             `json:"address" yaml:"address"`
	Tokens  []auth.TokenConfig `json:"tokens" yaml:"tokens"`
}

// MetricsConfig 控制独立的 Prometheus 指标端口，Address 为空时只在 API 上暴露 /metrics。
type MetricsConfig struct {
	Address string `json:"address" yaml:"address"`
}

// RedisConfig 描述队列与预算账本所在的 Redis。
type RedisConfig struct {
	URL         string   `json:"url" yaml:"url"`
	Address     string   `json:"address" yaml:"address"`
	Password    string   `json:"password" yaml:"password"`
	DB          int      `json:"db" yaml:"db"`
	DialTimeout Duration `json:"dial_timeout" yaml:"dial_timeout"`
}

// QueueConfig 描述队列后端与队列名称。Backend 为 redis 或 memory。
type QueueConfig struct {
	Backend  string   `json:"backend" yaml:"backend"`
	Task     string   `json:"task" yaml:"task"`
	Review   string   `json:"review" yaml:"review"`
	Incident string   `json:"incident" yaml:"incident"`
	PollWait Duration `json:"poll_wait" yaml:"poll_wait"`
}

// GovernanceConfig 控制预算准入。
type GovernanceConfig struct {
	DailyLimit     float64  `json:"daily_limit" yaml:"daily_limit"`
	WarnRatio      float64  `json:"warn_ratio" yaml:"warn_ratio"`
	BlockRatio     float64  `json:"block_ratio" yaml:"block_ratio"`
	Retention      Duration `json:"retention" yaml:"retention"`
	KeyPrefix      string   `json:"key_prefix" yaml:"key_prefix"`
	RecordAttempts int      `json:"record_attempts" yaml:"record_attempts"`
	RecordBackoff  Duration `json:"record_backoff" yaml:"record_backoff"`
}

// PlannerConfig 控制目标拆解与重试。
type PlannerConfig struct {
	AgentID           string  `json:"agent_id" yaml:"agent_id"`
	MaxRetries        int     `json:"max_retries" yaml:"max_retries"`
	DecompositionCost float64 `json:"decomposition_cost" yaml:"decomposition_cost"`
	Parts             int     `json:"parts" yaml:"parts"`
	TaskType          string  `json:"task_type" yaml:"task_type"`
	GoalsFile         string  `json:"goals_file" yaml:"goals_file"`
}

// WorkerConfig 控制 Worker 数量与使用的 Skill。Skill 为 echo 或 llm。
type WorkerConfig struct {
	Count  int          `json:"count" yaml:"count"`
	Skill  string       `json:"skill" yaml:"skill"`
	Wallet WalletConfig `json:"wallet" yaml:"wallet"`
	// KnowledgeFile 为 JSON 资料库，仅 llm Skill 使用。
	KnowledgeFile       string `json:"knowledge_file" yaml:"knowledge_file"`
	KnowledgeMaxResults int    `json:"knowledge_max_results" yaml:"knowledge_max_results"`
}

// WalletConfig 描述转账 Skill 使用的模拟钱包。
type WalletConfig struct {
	Enabled bool    `json:"enabled" yaml:"enabled"`
	Owner   string  `json:"owner" yaml:"owner"`
	Balance float64 `json:"balance" yaml:"balance"`
	AgentID string  `json:"agent_id" yaml:"agent_id"`
}

// JudgeConfig 控制结果评审。Verifier 为 none、format 或 ethereum。
type JudgeConfig struct {
	Threshold  float64  `json:"threshold" yaml:"threshold"`
	Disclosure string   `json:"disclosure" yaml:"disclosure"`
	Triggers   []string `json:"triggers" yaml:"triggers"`
	Verifier   string   `json:"verifier" yaml:"verifier"`
}

// IncidentConfig 控制事件上报的目的地。
type IncidentConfig struct {
	Sinks    []string       `json:"sinks" yaml:"sinks"`
	RabbitMQ RabbitMQConfig `json:"rabbitmq" yaml:"rabbitmq"`
	Archive  ArchiveConfig  `json:"archive" yaml:"archive"`
}

// RabbitMQConfig 描述事件镜像到的 RabbitMQ 队列。
type RabbitMQConfig struct {
	URL     string `json:"url" yaml:"url"`
	Queue   string `json:"queue" yaml:"queue"`
	Durable bool   `json:"durable" yaml:"durable"`
}

// ArchiveConfig 描述事件归档。Driver 为 memory、file 或 mysql。
type ArchiveConfig struct {
	Driver          string   `json:"driver" yaml:"driver"`
	DSN             string   `json:"dsn" yaml:"dsn"`
	MaxOpenConns    int      `json:"max_open_conns" yaml:"max_open_conns"`
	MaxIdleConns    int      `json:"max_idle_conns" yaml:"max_idle_conns"`
	ConnMaxLifetime Duration `json:"conn_max_lifetime" yaml:"conn_max_lifetime"`
}

// LLMConfig 用于配置大模型推理的调用方式。
type LLMConfig struct {
	Provider string       `json:"provider" yaml:"provider"`
	OpenAI   OpenAIConfig `json:"openai" yaml:"openai"`
}

// OpenAIConfig 描述兼容 OpenAI 接口的推理服务。
type OpenAIConfig struct {
	APIKey      string   `json:"api_key" yaml:"api_key"`
	APIKeyEnv   string   `json:"api_key_env" yaml:"api_key_env"`
	BaseURL     string   `json:"base_url" yaml:"base_url"`
	Model       string   `json:"model" yaml:"model"`
	Temperature float64  `json:"temperature" yaml:"temperature"`
	Timeout     Duration `json:"timeout" yaml:"timeout"`
}

// Web3Config 包含校验交易所需的链信息。
type Web3Config struct {
	ChainsFile    string `json:"chains_file" yaml:"chains_file"`
	Chain         string `json:"chain" yaml:"chain"`
	RPCURL        string `json:"rpc_url" yaml:"rpc_url"`
	Confirmations uint64 `json:"confirmations" yaml:"confirmations"`
}

// LogConfig 控制日志输出。
type LogConfig struct {
	Level   string         `json:"level" yaml:"level"`
	Format  string         `json:"format" yaml:"format"`
	Outputs []string       `json:"outputs" yaml:"outputs"`
	Audit   AuditLogConfig `json:"audit" yaml:"audit"`
}

// AuditLogConfig 控制审计日志文件与滚动策略。
type AuditLogConfig struct {
	Enabled    bool   `json:"enabled" yaml:"enabled"`
	Path       string `json:"path" yaml:"path"`
	MaxSizeMB  int    `json:"max_size_mb" yaml:"max_size_mb"`
	MaxBackups int    `json:"max_backups" yaml:"max_backups"`
	MaxAgeDays int    `json:"max_age_days" yaml:"max_age_days"`
	Compress   bool   `json:"compress" yaml:"compress"`
}

// RuntimeConfig 用于放置运行时的通用参数。
type RuntimeConfig struct {
	DataDir string `json:"data_dir" yaml:"data_dir"`
}

// Load 解析指定路径的配置文件，.yaml/.yml 按 YAML 解析，其余按 JSON 解析。
// 解析后依次应用默认值与环境变量覆盖。
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
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		err = yaml.Unmarshal(content, &cfg)
	default:
		err = json.Unmarshal(content, &cfg)
	}
	if err != nil {
		return nil, fmt.Errorf("解析配置失败: %w", err)
	}

	if err := cfg.applyEnv(os.LookupEnv); err != nil {
		return nil, err
	}
	cfg.applyDefaults(filepath.Dir(path))
	return &cfg, nil
}

// Default 返回只由默认值与环境变量构成的配置。
func Default() (*Config, error) {
	var cfg Config
	if err := cfg.applyEnv(os.LookupEnv); err != nil {
		return nil, err
	}
	cfg.applyDefaults(".")
	return &cfg, nil
}

func (c *Config) applyEnv(lookup func(string) (string, bool)) error {
	if v, ok := lookup(EnvRedisURL); ok && strings.TrimSpace(v) != "" {
		c.Redis.URL = strings.TrimSpace(v)
	}
	if v, ok := lookup(EnvDailySpend); ok && strings.TrimSpace(v) != "" {
		limit, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
		if err != nil {
			return fmt.Errorf("环境变量 %s 不是合法数字: %w", EnvDailySpend, err)
		}
		c.Governance.DailyLimit = limit
	}
	if v, ok := lookup(EnvLogLevel); ok && strings.TrimSpace(v) != "" {
		c.Log.Level = strings.TrimSpace(v)
	}
	if v, ok := lookup(EnvNetworkID); ok && strings.TrimSpace(v) != "" {
		c.Web3.Chain = strings.TrimSpace(v)
	}
	if v, ok := lookup(EnvAPIToken); ok && strings.TrimSpace(v) != "" {
		c.Server.Tokens = append(c.Server.Tokens, auth.TokenConfig{
			Name:        "env",
			Token:       strings.TrimSpace(v),
			Permissions: []string{auth.PermissionRead, auth.PermissionWrite},
		})
	}
	if c.LLM.OpenAI.APIKey == "" {
		env := c.LLM.OpenAI.APIKeyEnv
		if env == "" {
			env = "OPENAI_API_KEY"
		}
		if v, ok := lookup(env); ok {
			c.LLM.OpenAI.APIKey = strings.TrimSpace(v)
		}
	}
	return nil
}

// applyDefaults 在用户未填写部分字段时设置合理的默认值。
func (c *Config) applyDefaults(baseDir string) {
	if c.Server.Address == "" {
		c.Server.Address = ":8080"
	}

	if c.Redis.URL == "" && c.Redis.Address == "" {
		c.Redis.URL = "redis://localhost:6379/0"
	}
	if c.Redis.DialTimeout == 0 {
		c.Redis.DialTimeout = Duration(5 * time.Second)
	}

	if c.Queues.Backend == "" {
		c.Queues.Backend = "redis"
	}
	if c.Queues.Task == "" {
		c.Queues.Task = "task_queue"
	}
	if c.Queues.Review == "" {
		c.Queues.Review = "review_queue"
	}
	if c.Queues.Incident == "" {
		c.Queues.Incident = "incident_queue"
	}
	if c.Queues.PollWait == 0 {
		c.Queues.PollWait = Duration(5 * time.Second)
	}

	g := &c.Governance
	if g.DailyLimit == 0 {
		g.DailyLimit = 50
	}
	if g.WarnRatio == 0 {
		g.WarnRatio = 0.8
	}
	if g.BlockRatio == 0 {
		g.BlockRatio = 1.0
	}
	if g.Retention == 0 {
		g.Retention = Duration(48 * time.Hour)
	}
	if g.KeyPrefix == "" {
		g.KeyPrefix = "governance:budget:"
	}
	if g.RecordAttempts == 0 {
		g.RecordAttempts = 3
	}
	if g.RecordBackoff == 0 {
		g.RecordBackoff = Duration(200 * time.Millisecond)
	}

	p := &c.Planner
	if p.AgentID == "" {
		p.AgentID = "agent-global"
	}
	if p.MaxRetries == 0 {
		p.MaxRetries = 2
	}
	if p.DecompositionCost == 0 {
		p.DecompositionCost = 1.0
	}
	if p.Parts == 0 {
		p.Parts = 2
	}
	if p.TaskType == "" {
		p.TaskType = "generate_content"
	}
	p.GoalsFile = resolvePath(baseDir, p.GoalsFile)

	if c.Worker.Count == 0 {
		c.Worker.Count = 1
	}
	if c.Worker.Skill == "" {
		c.Worker.Skill = "echo"
	}
	c.Worker.KnowledgeFile = resolvePath(baseDir, c.Worker.KnowledgeFile)
	if c.Worker.Wallet.Balance == 0 {
		c.Worker.Wallet.Balance = 100
	}
	if c.Worker.Wallet.AgentID == "" {
		c.Worker.Wallet.AgentID = c.Planner.AgentID
	}

	if c.Judge.Threshold == 0 {
		c.Judge.Threshold = 0.9
	}
	if c.Judge.Verifier == "" {
		c.Judge.Verifier = "format"
	}

	if len(c.Incident.Sinks) == 0 {
		c.Incident.Sinks = []string{"queue", "log"}
	}
	if c.Incident.RabbitMQ.Queue == "" {
		c.Incident.RabbitMQ.Queue = "chimera.incidents"
	}
	if c.Incident.Archive.Driver == "" {
		c.Incident.Archive.Driver = "memory"
	}

	if c.LLM.Provider == "" {
		c.LLM.Provider = "openai"
	}
	if c.LLM.OpenAI.Model == "" {
		c.LLM.OpenAI.Model = "gpt-4o-mini"
	}
	if c.LLM.OpenAI.Timeout == 0 {
		c.LLM.OpenAI.Timeout = Duration(30 * time.Second)
	}

	c.Web3.ChainsFile = resolvePath(baseDir, c.Web3.ChainsFile)

	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Log.Format == "" {
		c.Log.Format = "json"
	}
	if len(c.Log.Outputs) == 0 {
		c.Log.Outputs = []string{"stdout"}
	}

	if c.Runtime.DataDir == "" {
		c.Runtime.DataDir = filepath.Join(baseDir, "data")
	} else if !filepath.IsAbs(c.Runtime.DataDir) {
		c.Runtime.DataDir = filepath.Join(baseDir, c.Runtime.DataDir)
	}
	if c.Log.Audit.Enabled && c.Log.Audit.Path == "" {
		c.Log.Audit.Path = filepath.Join(c.Runtime.DataDir, "audit.log")
	}
}

func resolvePath(baseDir, path string) string {
	if path == "" || filepath.IsAbs(path) {
		return path
	}
	return filepath.Join(baseDir, path)
}

// Validate 检查配置之间的约束。
func (c *Config) Validate() error {
	var errs []error
	switch c.Queues.Backend {
	case "redis", "memory":
	default:
		errs = append(errs, fmt.Errorf("queues.backend 只支持 redis 或 memory，实际为 %q", c.Queues.Backend))
	}
	if c.Governance.DailyLimit <= 0 {
		errs = append(errs, errors.New("governance.daily_limit 必须为正数"))
	}
	if c.Governance.WarnRatio <= 0 || c.Governance.WarnRatio >= c.Governance.BlockRatio {
		errs = append(errs, errors.New("governance.warn_ratio 必须大于 0 且小于 block_ratio"))
	}
	if c.Planner.MaxRetries < 0 {
		errs = append(errs, errors.New("planner.max_retries 不能为负数"))
	}
	if c.Planner.Parts <= 0 {
		errs = append(errs, errors.New("planner.parts 必须为正数"))
	}
	if c.Worker.Count <= 0 {
		errs = append(errs, errors.New("worker.count 必须为正数"))
	}
	switch c.Worker.Skill {
	case "echo":
	case "llm":
		if c.LLM.OpenAI.APIKey == "" {
			errs = append(errs, errors.New("worker.skill 为 llm 时必须提供 OpenAI API key"))
		}
	default:
		errs = append(errs, fmt.Errorf("未知的 worker.skill %q", c.Worker.Skill))
	}
	if c.Judge.Threshold < 0 || c.Judge.Threshold > 1 {
		errs = append(errs, errors.New("judge.threshold 必须位于 [0,1]"))
	}
	switch c.Judge.Verifier {
	case "none", "format", "ethereum":
	default:
		errs = append(errs, fmt.Errorf("未知的 judge.verifier %q", c.Judge.Verifier))
	}
	for _, sink := range c.Incident.Sinks {
		switch sink {
		case "queue", "log", "archive":
		case "amqp":
			if c.Incident.RabbitMQ.URL == "" {
				errs = append(errs, errors.New("启用 amqp 事件通道时必须配置 incident.rabbitmq.url"))
			}
		default:
			errs = append(errs, fmt.Errorf("未知的事件通道 %q", sink))
		}
	}
	switch c.Incident.Archive.Driver {
	case "memory", "file":
	case "mysql":
		if c.Incident.Archive.DSN == "" {
			errs = append(errs, errors.New("archive.driver 为 mysql 时必须配置 dsn"))
		}
	default:
		errs = append(errs, fmt.Errorf("未知的 archive.driver %q", c.Incident.Archive.Driver))
	}
	return errors.Join(errs...)
}
