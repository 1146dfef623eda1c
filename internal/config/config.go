package config

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/cloudwego/eino-ext/components/model/ark"
	"github.com/cloudwego/eino/components/model"
	"github.com/spf13/viper"

	chatservice "github.com/zhouzirui/skychat/backend/internal/service/chat"
	"github.com/zhouzirui/skychat/backend/internal/service/sky"
	"github.com/zhouzirui/skychat/backend/internal/storage"
)

// Config 聚合整个服务的配置项。
type Config struct {
	Server  ServerConfig
	Chat    ChatConfig
	Sky     SkyConfig
	Storage StorageConfig
	Reply   ReplyConfig
	AI      AIConfig
	Log     LogConfig
}

// Load 从环境变量（以及可选的 SKYCHAT_CONFIG 配置文件）加载配置。
func Load() (*Config, error) {
	v := viper.New()
	v.AutomaticEnv()
	// AutomaticEnv 会把 key 转成大写，模型名沿用原有的 "Model" 变量。
	_ = v.BindEnv("Model", "Model")

	if path := strings.TrimSpace(os.Getenv("SKYCHAT_CONFIG")); path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config file %q: %w", path, err)
		}
	}

	src := source{v: v}

	server, err := loadServerConfig(src)
	if err != nil {
		return nil, err
	}
	chat, err := loadChatConfig(src)
	if err != nil {
		return nil, err
	}
	skyCfg, err := loadSkyConfig(src)
	if err != nil {
		return nil, err
	}
	store, err := loadStorageConfig(src)
	if err != nil {
		return nil, err
	}
	reply, err := loadReplyConfig(src)
	if err != nil {
		return nil, err
	}
	ai, err := loadAIConfig(src)
	if err != nil {
		return nil, err
	}
	logCfg, err := loadLogConfig(src)
	if err != nil {
		return nil, err
	}

	return &Config{
		Server:  server,
		Chat:    chat,
		Sky:     skyCfg,
		Storage: store,
		Reply:   reply,
		AI:      ai,
		Log:     logCfg,
	}, nil
}

// ServerConfig 描述 HTTP 服务配置。
type ServerConfig struct {
	Addr string
}

// loadServerConfig 解析服务器监听地址。
func loadServerConfig(src source) (ServerConfig, error) {
	port := src.stringOr("PORT", "8080")

	if strings.Contains(port, ":") {
		// 允许用户直接传入 ":8080" 或 "127.0.0.1:8080"。
		return ServerConfig{Addr: port}, nil
	}

	if strings.Contains(port, " ") {
		return ServerConfig{}, fmt.Errorf("invalid PORT value: %q", port)
	}

	return ServerConfig{Addr: ":" + port}, nil
}

// ChatConfig 描述对话引擎的节奏与持久化设置。
type ChatConfig struct {
	Streaming   bool
	Persist     bool
	TypingDelay time.Duration
	MaxHistory  int
	LatencyMin  time.Duration
	LatencyMax  time.Duration
	Greeting    string
}

// EngineSettings 转换为引擎使用的设置。
func (c ChatConfig) EngineSettings() chatservice.Settings {
	return chatservice.Settings{
		Streaming:   c.Streaming,
		TypingDelay: c.TypingDelay,
		LatencyMin:  c.LatencyMin,
		LatencyMax:  c.LatencyMax,
		Greeting:    c.Greeting,
	}
}

func loadChatConfig(src source) (ChatConfig, error) {
	defaults := chatservice.DefaultSettings()

	streaming, err := src.boolOr("CHAT_STREAMING", defaults.Streaming)
	if err != nil {
		return ChatConfig{}, err
	}
	persist, err := src.boolOr("CHAT_PERSIST", true)
	if err != nil {
		return ChatConfig{}, err
	}
	typingDelay, err := src.millisOr("CHAT_TYPING_DELAY_MS", defaults.TypingDelay)
	if err != nil {
		return ChatConfig{}, err
	}
	maxHistory, err := src.intOr("CHAT_MAX_HISTORY", 200)
	if err != nil {
		return ChatConfig{}, err
	}
	if maxHistory < 0 {
		return ChatConfig{}, fmt.Errorf("invalid CHAT_MAX_HISTORY value %q: must not be negative", src.raw("CHAT_MAX_HISTORY"))
	}
	latencyMin, err := src.millisOr("CHAT_LATENCY_MIN_MS", defaults.LatencyMin)
	if err != nil {
		return ChatConfig{}, err
	}
	latencyMax, err := src.millisOr("CHAT_LATENCY_MAX_MS", defaults.LatencyMax)
	if err != nil {
		return ChatConfig{}, err
	}
	if latencyMax < latencyMin {
		return ChatConfig{}, fmt.Errorf("CHAT_LATENCY_MAX_MS (%s) must not be below CHAT_LATENCY_MIN_MS (%s)", latencyMax, latencyMin)
	}

	return ChatConfig{
		Streaming:   streaming,
		Persist:     persist,
		TypingDelay: typingDelay,
		MaxHistory:  maxHistory,
		LatencyMin:  latencyMin,
		LatencyMax:  latencyMax,
		Greeting:    src.stringOr("CHAT_GREETING", defaults.Greeting),
	}, nil
}

// SkyConfig 描述云朵粒子调度器配置。
type SkyConfig struct {
	Enabled       bool
	SpawnInterval time.Duration
	InitialBurst  int
	FrameInterval time.Duration
	SafetyMargin  time.Duration
}

// SchedulerConfig 转换为调度器配置。
func (c SkyConfig) SchedulerConfig() sky.Config {
	return sky.Config{
		SpawnInterval: c.SpawnInterval,
		InitialBurst:  c.InitialBurst,
		FrameInterval: c.FrameInterval,
		SafetyMargin:  c.SafetyMargin,
	}
}

func loadSkyConfig(src source) (SkyConfig, error) {
	defaults := sky.DefaultConfig()

	enabled, err := src.boolOr("SKY_ENABLED", true)
	if err != nil {
		return SkyConfig{}, err
	}
	interval, err := src.millisOr("SKY_SPAWN_INTERVAL_MS", defaults.SpawnInterval)
	if err != nil {
		return SkyConfig{}, err
	}
	if interval <= 0 {
		return SkyConfig{}, fmt.Errorf("invalid SKY_SPAWN_INTERVAL_MS value %q: must be positive", src.raw("SKY_SPAWN_INTERVAL_MS"))
	}
	burst, err := src.intOr("SKY_INITIAL_BURST", defaults.InitialBurst)
	if err != nil {
		return SkyConfig{}, err
	}
	if burst < 0 {
		burst = 0
	}
	frame, err := src.millisOr("SKY_FRAME_INTERVAL_MS", defaults.FrameInterval)
	if err != nil {
		return SkyConfig{}, err
	}
	if frame <= 0 {
		return SkyConfig{}, fmt.Errorf("invalid SKY_FRAME_INTERVAL_MS value %q: must be positive", src.raw("SKY_FRAME_INTERVAL_MS"))
	}
	margin, err := src.millisOr("SKY_SAFETY_MARGIN_MS", defaults.SafetyMargin)
	if err != nil {
		return SkyConfig{}, err
	}

	return SkyConfig{
		Enabled:       enabled,
		SpawnInterval: interval,
		InitialBurst:  burst,
		FrameInterval: frame,
		SafetyMargin:  margin,
	}, nil
}

// StorageConfig 描述本地键值缓存。
type StorageConfig struct {
	Driver        string
	Key           string
	SQLitePath    string
	RedisAddr     string
	RedisPassword string
	RedisDB       int
}

// StoreConfig 转换为 storage.Open 使用的配置。
func (c StorageConfig) StoreConfig() storage.Config {
	return storage.Config{
		Driver:        c.Driver,
		SQLitePath:    c.SQLitePath,
		RedisAddr:     c.RedisAddr,
		RedisPassword: c.RedisPassword,
		RedisDB:       c.RedisDB,
	}
}

func loadStorageConfig(src source) (StorageConfig, error) {
	driver := strings.ToLower(src.stringOr("STORAGE_DRIVER", "memory"))
	switch driver {
	case "memory", "sqlite", "redis":
	default:
		return StorageConfig{}, fmt.Errorf("invalid STORAGE_DRIVER value %q", driver)
	}

	db, err := src.intOr("REDIS_DB", 0)
	if err != nil {
		return StorageConfig{}, err
	}

	return StorageConfig{
		Driver:        driver,
		Key:           src.stringOr("STORAGE_KEY", chatservice.DefaultStorageKey),
		SQLitePath:    src.stringOr("SQLITE_PATH", "data/skychat.db"),
		RedisAddr:     src.stringOr("REDIS_ADDR", "localhost:6379"),
		RedisPassword: src.str("REDIS_PASSWORD"),
		RedisDB:       db,
	}, nil
}

// Reply sources.
const (
	ReplySourceCanned = "canned"
	ReplySourceArk    = "ark"
)

// ReplyConfig 选择回复来源。
type ReplyConfig struct {
	Source string
	Seed   int64
}

func loadReplyConfig(src source) (ReplyConfig, error) {
	name := strings.ToLower(src.stringOr("REPLY_SOURCE", ReplySourceCanned))
	if name != ReplySourceCanned && name != ReplySourceArk {
		return ReplyConfig{}, fmt.Errorf("invalid REPLY_SOURCE value %q", name)
	}
	seed, err := src.int64Or("REPLY_SEED", 0)
	if err != nil {
		return ReplyConfig{}, err
	}
	return ReplyConfig{Source: name, Seed: seed}, nil
}

// AIConfig 描述大模型相关配置。
type AIConfig struct {
	APIKey      string
	AccessKey   string
	SecretKey   string
	Model       string
	BaseURL     string
	Region      string
	Temperature *float64
	TopP        *float64
	MaxTokens   *int
}

// Enabled 表示是否提供了必需的密钥。
func (c AIConfig) Enabled() bool {
	return c.Model != "" && (c.APIKey != "" || (c.AccessKey != "" && c.SecretKey != ""))
}

// NewChatModel 使用配置创建一个模型实例。
func (c AIConfig) NewChatModel(ctx context.Context) (model.ChatModel, error) {
	if !c.Enabled() {
		return nil, fmt.Errorf("Ark 凭证或模型配置缺失，至少提供 ARK_API_KEY + Model 或 AK/SK 组合")
	}

	var temperature *float32
	if c.Temperature != nil {
		val := float32(*c.Temperature)
		temperature = &val
	}

	var topP *float32
	if c.TopP != nil {
		val := float32(*c.TopP)
		topP = &val
	}

	cfg := &ark.ChatModelConfig{
		BaseURL:     c.BaseURL,
		Region:      c.Region,
		APIKey:      c.APIKey,
		AccessKey:   c.AccessKey,
		SecretKey:   c.SecretKey,
		Model:       c.Model,
		MaxTokens:   c.MaxTokens,
		Temperature: temperature,
		TopP:        topP,
	}

	return ark.NewChatModel(ctx, cfg)
}

func loadAIConfig(src source) (AIConfig, error) {
	temperature, err := src.optionalFloat("ARK_TEMPERATURE")
	if err != nil {
		return AIConfig{}, err
	}

	topP, err := src.optionalFloat("ARK_TOP_P")
	if err != nil {
		return AIConfig{}, err
	}

	maxTokens, err := src.optionalInt("ARK_MAX_TOKENS")
	if err != nil {
		return AIConfig{}, err
	}

	return AIConfig{
		APIKey:      src.str("ARK_API_KEY"),
		AccessKey:   src.str("ARK_ACCESS_KEY"),
		SecretKey:   src.str("ARK_SECRET_KEY"),
		Model:       src.str("Model"),
		BaseURL:     src.stringOr("ARK_BASE_URL", "https://ark.cn-beijing.volces.com/api/v3"),
		Region:      src.stringOr("ARK_REGION", "cn-beijing"),
		Temperature: temperature,
		TopP:        topP,
		MaxTokens:   maxTokens,
	}, nil
}

// LogConfig 描述日志级别与输出格式。
type LogConfig struct {
	Level  string
	Format string
}

func loadLogConfig(src source) (LogConfig, error) {
	format := strings.ToLower(src.stringOr("LOG_FORMAT", "auto"))
	switch format {
	case "auto", "console", "json":
	default:
		return LogConfig{}, fmt.Errorf("invalid LOG_FORMAT value %q", format)
	}
	return LogConfig{
		Level:  strings.ToLower(src.stringOr("LOG_LEVEL", "info")),
		Format: format,
	}, nil
}
