package model

import (
	"fmt"
	"time"
)

// Channel 通道编号，取值范围 [MinChannel, MaxChannel]
type Channel int

const (
	MinChannel     Channel = 1
	MaxChannel     Channel = 5
	DefaultChannel Channel = 1
	NumChannels            = int(MaxChannel - MinChannel + 1)
)

// Valid 判断通道编号是否合法
func (c Channel) Valid() bool { return c >= MinChannel && c <= MaxChannel }

// ClampChannel 将任意整数收敛到合法通道范围
func ClampChannel(n int) Channel {
	if n < int(MinChannel) {
		return MinChannel
	}
	if n > int(MaxChannel) {
		return MaxChannel
	}
	return Channel(n)
}

// Channels 返回全部通道编号
func Channels() []Channel {
	out := make([]Channel, 0, NumChannels)
	for c := MinChannel; c <= MaxChannel; c++ {
		out = append(out, c)
	}
	return out
}

// MaxTokensPerRequest 单次请求允许的最大令牌数
const MaxTokensPerRequest = 10

// ClampCount 将令牌数收敛到 [1, MaxTokensPerRequest]，第二个返回值表示是否被截断
func ClampCount(n int) (int, bool) {
	if n < 1 {
		return 1, false
	}
	if n > MaxTokensPerRequest {
		return MaxTokensPerRequest, true
	}
	return n, false
}

// State 浏览器/子进程生命周期状态
type State int32

const (
	StateStopped State = iota
	StateStarting
	StateReady
	StateRestarting
	StateFatal
)

func (s State) String() string {
	switch s {
	case StateStopped:
		return "stopped"
	case StateStarting:
		return "starting"
	case StateReady:
		return "ready"
	case StateRestarting:
		return "restarting"
	case StateFatal:
		return "fatal"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// ParseState 解析状态字符串，未知值返回 StateStopped
func ParseState(s string) State {
	switch s {
	case "starting":
		return StateStarting
	case "ready":
		return StateReady
	case "restarting":
		return StateRestarting
	case "fatal":
		return StateFatal
	default:
		return StateStopped
	}
}

// ProxyProtocol 代理协议
type ProxyProtocol string

const (
	ProxyHTTP   ProxyProtocol = "http"
	ProxySOCKS5 ProxyProtocol = "socks5"
)

// ProxyConfig 解析后的代理配置
type ProxyConfig struct {
	Host     string        `json:"host"`
	Port     string        `json:"port"`
	Protocol ProxyProtocol `json:"protocol"`
	Username string        `json:"username,omitempty"`
	Password string        `json:"password,omitempty"`
}

// Address 返回 host:port
func (p ProxyConfig) Address() string { return p.Host + ":" + p.Port }

// HasAuth 是否携带认证信息
func (p ProxyConfig) HasAuth() bool { return p.Username != "" }

// ServerArg 返回浏览器 --proxy-server 参数值（不含认证信息）
func (p ProxyConfig) ServerArg() string { return string(p.Protocol) + "://" + p.Address() }

// CaptchaRequest 消费方发布到通道上的取令牌请求
type CaptchaRequest struct {
	ID        string    `json:"id"`
	Channel   Channel   `json:"channel"`
	Action    string    `json:"action"`
	Count     int       `json:"count"`
	CreatedAt time.Time `json:"createdAt"`
}

// TokenBatch 一次取得的令牌集合
type TokenBatch struct {
	Channel    Channel   `json:"channel"`
	Action     string    `json:"action"`
	Tokens     []string  `json:"tokens"`
	ReceivedAt time.Time `json:"receivedAt"`
}

// Len 令牌数量
func (b TokenBatch) Len() int { return len(b.Tokens) }

// CallResult 页面内单次控件调用的结果
type CallResult struct {
	OK    bool   `json:"ok"`
	Token string `json:"token,omitempty"`
	Error string `json:"error,omitempty"`
}

// ServiceStatus 桌面端管理器状态快照
type ServiceStatus struct {
	Mode           string  `json:"mode"`
	State          State   `json:"state"`
	Channel        Channel `json:"channel"`
	TokensReceived int64   `json:"tokensReceived"`
	LastError      string  `json:"lastError,omitempty"`
}

// BrowserOptions 启动自动化浏览器的参数
type BrowserOptions struct {
	ExecutablePath string
	Headless       bool
	NoSandbox      bool
	ProfilePrefix  string       // 临时用户目录前缀，同时作为孤儿进程扫描特征
	Proxy          *ProxyConfig // nil 表示直连
}
