package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
	"github.com/zalando/go-keyring"
	"gopkg.in/yaml.v3"
)

// EnvPrefix 环境变量前缀，例如 CAPTCHAD_WORKER_SITEKEY
const EnvPrefix = "CAPTCHAD"

// KeyringService 系统钥匙串中的服务名
const KeyringService = "captchabridge"

// Config 配置文件结构体
type Config struct {
	Version string `yaml:"version"`

	Sqlite struct {
		Dsn    string `yaml:"dsn"`
		Prefix string `yaml:"prefix"`
	} `yaml:"sqlite"`

	Log struct {
		Level  string   `yaml:"level"`
		Writer []string `yaml:"writer"`
		File   string   `yaml:"file"`
	} `yaml:"log"`

	Worker  WorkerConfig  `yaml:"worker"`
	Proxy   ProxyConfig   `yaml:"proxy"`
	Probe   ProbeConfig   `yaml:"probe"`
	Retry   RetryConfig   `yaml:"retry"`
	Bridge  BridgeConfig  `yaml:"bridge"`
	Sidecar SidecarConfig `yaml:"sidecar"`
	Manager ManagerConfig `yaml:"manager"`
}

// WorkerConfig 自动化浏览器配置
type WorkerConfig struct {
	PageURL           string        `yaml:"pageURL" split_words:"true"`
	SiteKey           string        `yaml:"siteKey" split_words:"true"`
	Action            string        `yaml:"action"`
	ExecutablePath    string        `yaml:"executablePath" split_words:"true"`
	Headless          bool          `yaml:"headless"`
	NoSandbox         bool          `yaml:"noSandbox" split_words:"true"`
	NavigationTimeout time.Duration `yaml:"navigationTimeout" split_words:"true"`
	WidgetTimeout     time.Duration `yaml:"widgetTimeout" split_words:"true"`
	ProfilePrefix     string        `yaml:"profilePrefix" split_words:"true"`
	PIDFile           string        `yaml:"pidFile" envconfig:"PID_FILE"`
}

// ProxyConfig 代理配置
type ProxyConfig struct {
	URL          string        `yaml:"url"`
	ProbeTimeout time.Duration `yaml:"probeTimeout" split_words:"true"`
}

// ProbeConfig 账号状态探测配置
type ProbeConfig struct {
	URL        string        `yaml:"url"`
	DeviceID   string        `yaml:"deviceID" envconfig:"DEVICE_ID"`
	Secret     string        `yaml:"secret"`
	Bearer     string        `yaml:"bearer"`
	Timeout    time.Duration `yaml:"timeout"`
	UseKeyring bool          `yaml:"useKeyring" split_words:"true"`
}

// RetryConfig 重试策略配置
type RetryConfig struct {
	MaxRetries int `yaml:"maxRetries" split_words:"true"`
}

// BridgeConfig 通道中转服务配置
type BridgeConfig struct {
	Host         string        `yaml:"host"`
	Port         int           `yaml:"port"`
	ProjectName  string        `yaml:"projectName" split_words:"true"`
	RequestTTL   time.Duration `yaml:"requestTTL" envconfig:"REQUEST_TTL"`
	AuthLoginURL string        `yaml:"authLoginURL" envconfig:"AUTH_LOGIN_URL"`
	ToolName     string        `yaml:"toolName" split_words:"true"`
}

// SidecarConfig 子进程控制配置
type SidecarConfig struct {
	Command        []string      `yaml:"command"`
	ReadyTimeout   time.Duration `yaml:"readyTimeout" split_words:"true"`
	CommandTimeout time.Duration `yaml:"commandTimeout" split_words:"true"`
	ShutdownWait   time.Duration `yaml:"shutdownWait" split_words:"true"`
	PIDFile        string        `yaml:"pidFile" envconfig:"PID_FILE"`
}

// ManagerConfig 桌面端取令牌管理配置
type ManagerConfig struct {
	Mode         string        `yaml:"mode"` // embedded 或 bridge
	Channel      int           `yaml:"channel"`
	TokenTimeout time.Duration `yaml:"tokenTimeout" split_words:"true"`
}

const (
	ModeEmbedded = "embedded"
	ModeBridge   = "bridge"
)

// NewConfig 创建默认配置
func NewConfig() *Config {
	c := &Config{Version: "1.0.0"}
	c.Sqlite.Dsn = "captchabridge.sqlite3"
	c.Sqlite.Prefix = "captcha_"
	c.Log.Level = "info"
	c.Log.Writer = []string{"console"}
	c.Log.File = "logs/captchad.log"

	c.Worker = WorkerConfig{
		PageURL:           "https://labs.google/fx/tools/flow",
		Action:            "VIDEO_GENERATION",
		Headless:          false,
		NavigationTimeout: 45 * time.Second,
		WidgetTimeout:     30 * time.Second,
		ProfilePrefix:     "captchad-profile-",
	}
	c.Proxy = ProxyConfig{ProbeTimeout: 5 * time.Second}
	c.Probe = ProbeConfig{Timeout: 8 * time.Second}
	c.Retry = RetryConfig{MaxRetries: 3}
	c.Bridge = BridgeConfig{
		Host:        "127.0.0.1",
		Port:        18923,
		ProjectName: "default",
		RequestTTL:  2 * time.Minute,
		ToolName:    "WHISK",
	}
	c.Sidecar = SidecarConfig{
		ReadyTimeout:   90 * time.Second,
		CommandTimeout: 2 * time.Minute,
		ShutdownWait:   5 * time.Second,
	}
	c.Manager = ManagerConfig{
		Mode:         ModeEmbedded,
		Channel:      1,
		TokenTimeout: 30 * time.Second,
	}
	return c
}

// Load 按 默认值 → YAML → .env → 环境变量 → 钥匙串 的顺序加载配置
func Load(path string) (*Config, error) {
	cfg := NewConfig()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	}

	// .env 缺失不算错误
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("load .env: %w", err)
	}
	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}
	if cfg.Probe.UseKeyring {
		cfg.loadSecrets()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() error {
	sections := []struct {
		name string
		dst  any
	}{
		{"WORKER", &c.Worker},
		{"PROXY", &c.Proxy},
		{"PROBE", &c.Probe},
		{"RETRY", &c.Retry},
		{"BRIDGE", &c.Bridge},
		{"SIDECAR", &c.Sidecar},
		{"MANAGER", &c.Manager},
	}
	for _, s := range sections {
		if err := envconfig.Process(EnvPrefix+"_"+s.name, s.dst); err != nil {
			return fmt.Errorf("env overrides for %s: %w", strings.ToLower(s.name), err)
		}
	}
	if v := os.Getenv(EnvPrefix + "_LOG_LEVEL"); v != "" {
		c.Log.Level = v
	}
	return nil
}

// loadSecrets 从系统钥匙串补全未配置的探测凭据
func (c *Config) loadSecrets() {
	if c.Probe.Secret == "" {
		if v, err := keyring.Get(KeyringService, "probe-secret"); err == nil {
			c.Probe.Secret = v
		}
	}
	if c.Probe.Bearer == "" {
		if v, err := keyring.Get(KeyringService, "probe-bearer"); err == nil {
			c.Probe.Bearer = v
		}
	}
}

// StoreSecret 将探测凭据写入系统钥匙串，name 取 probe-secret 或 probe-bearer
func StoreSecret(name, value string) error {
	return keyring.Set(KeyringService, name, value)
}

// Validate 校验配置
func (c *Config) Validate() error {
	var errs []error
	switch c.Manager.Mode {
	case ModeEmbedded, ModeBridge:
	default:
		errs = append(errs, fmt.Errorf("manager.mode must be %q or %q, got %q", ModeEmbedded, ModeBridge, c.Manager.Mode))
	}
	if c.Manager.Channel < 1 || c.Manager.Channel > 5 {
		errs = append(errs, fmt.Errorf("manager.channel must be within 1..5, got %d", c.Manager.Channel))
	}
	if c.Retry.MaxRetries < 0 {
		errs = append(errs, fmt.Errorf("retry.maxRetries must not be negative"))
	}
	if c.Bridge.Port <= 0 || c.Bridge.Port > 65535 {
		errs = append(errs, fmt.Errorf("bridge.port out of range: %d", c.Bridge.Port))
	}
	if c.Worker.NavigationTimeout <= 0 || c.Worker.WidgetTimeout <= 0 {
		errs = append(errs, fmt.Errorf("worker timeouts must be positive"))
	}
	return errors.Join(errs...)
}

// ValidateWorker 校验 worker 运行所需的字段
func (c *Config) ValidateWorker() error {
	if c.Worker.PageURL == "" {
		return fmt.Errorf("worker.pageURL is required")
	}
	if c.Worker.SiteKey == "" {
		return fmt.Errorf("worker.siteKey is required")
	}
	return nil
}

// BridgeAddr 中转服务监听地址
func (c *Config) BridgeAddr() string {
	return fmt.Sprintf("%s:%d", c.Bridge.Host, c.Bridge.Port)
}
