package failure

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
)

// Kind 失败类型
type Kind string

const (
	BrowserNotFound  Kind = "BrowserNotFound"
	AuthBlocked      Kind = "AuthBlocked"
	ProxyReset       Kind = "ProxyReset"
	ProxyInvalid     Kind = "ProxyInvalid"
	Timeout          Kind = "Timeout"
	NavigationError  Kind = "NavigationError"
	NoTokensReceived Kind = "NoTokensReceived"
	Unknown          Kind = "Unknown"
)

// Classification 原始错误信息的分类结果
type Classification struct {
	Kind      Kind
	IsFatal   bool
	Retriable bool
}

// statusForbidden 独立出现的 403，端口号(:40312)、地址和十六进制 id 中的数字不算
var statusForbidden = regexp.MustCompile(`(?:^|[^\w:.\-/])403(?:$|[^\w:.\-/])`)

// 分类规则，按顺序匹配，先命中者生效
var signatures = []struct {
	kind     Kind
	patterns []string
	re       *regexp.Regexp
}{
	{kind: BrowserNotFound, patterns: []string{"browser executable not found", "no supported browser", "executable file not found"}},
	{kind: ProxyReset, patterns: []string{"err_connection_reset"}},
	{kind: ProxyInvalid, patterns: []string{"err_proxy_connection_failed", "err_tunnel_connection_failed", "err_no_supported_proxies", "err_proxy_auth"}},
	{kind: AuthBlocked, patterns: []string{"permission_denied", "account blocked", "403 forbidden"}, re: statusForbidden},
	{kind: Timeout, patterns: []string{"timeout", "timed out", "deadline exceeded"}},
	{kind: NavigationError, patterns: []string{"net::err_", "navigation failed"}},
	{kind: NoTokensReceived, patterns: []string{"no tokens received"}},
}

// Classify 根据错误信息判定失败类型
func Classify(msg string) Classification {
	lower := strings.ToLower(msg)
	for _, s := range signatures {
		for _, p := range s.patterns {
			if strings.Contains(lower, p) {
				return classificationOf(s.kind)
			}
		}
		if s.re != nil && s.re.MatchString(lower) {
			return classificationOf(s.kind)
		}
	}
	return classificationOf(Unknown)
}

func classificationOf(k Kind) Classification {
	return Classification{Kind: k, IsFatal: k == BrowserNotFound, Retriable: k != BrowserNotFound}
}

// Hint 返回面向用户的处理建议
func Hint(k Kind) string {
	switch k {
	case BrowserNotFound:
		return "未找到 Chrome 浏览器，请安装 Chrome 或在配置中指定 worker.executablePath"
	case AuthBlocked:
		return "账号验证被拒绝(403)，已重启浏览器刷新身份，若持续出现请检查账号状态"
	case ProxyReset:
		return "代理连接被重置，本次运行已自动切换为直连，可通过 RESET_PROXY 重新启用代理"
	case ProxyInvalid:
		return "代理不可用，请检查代理地址、端口与认证信息"
	case Timeout:
		return "页面或验证控件响应超时，请检查网络后重试"
	case NavigationError:
		return "无法打开目标页面，请检查网络连接"
	case NoTokensReceived:
		return "验证控件未返回任何令牌，请稍后重试"
	default:
		return "未知错误，请查看日志"
	}
}

// Failure 结构化的失败结果，所有 worker/controller 操作以它代替 panic
type Failure struct {
	Kind              Kind
	Message           string
	Hint              string
	Fatal             bool
	MaxRetriesReached bool
	Err               error
}

// New 创建指定类型的失败
func New(k Kind, msg string) *Failure {
	return &Failure{Kind: k, Message: msg, Hint: Hint(k), Fatal: k == BrowserNotFound}
}

// Newf 创建指定类型的失败，支持格式化
func Newf(k Kind, format string, args ...any) *Failure {
	return New(k, fmt.Sprintf(format, args...))
}

// Wrap 对底层错误做分类并包装
func Wrap(err error, msg string) *Failure {
	if err == nil {
		return nil
	}
	if f := From(err); f != nil {
		return f
	}
	full := err.Error()
	if msg != "" {
		full = msg + ": " + full
	}
	c := Classify(full)
	f := New(c.Kind, full)
	f.Err = err
	return f
}

// From 从错误链中提取 Failure，不存在时返回 nil
func From(err error) *Failure {
	var f *Failure
	if errors.As(err, &f) {
		return f
	}
	return nil
}

// KindOf 返回错误的失败类型，非 Failure 按信息分类
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	if f := From(err); f != nil {
		return f.Kind
	}
	return Classify(err.Error()).Kind
}

func (f *Failure) Error() string {
	if f.Message == "" {
		return string(f.Kind)
	}
	return string(f.Kind) + ": " + f.Message
}

func (f *Failure) Unwrap() error { return f.Err }

// Is 按类型比较，便于 errors.Is(err, failure.New(kind, ""))
func (f *Failure) Is(target error) bool {
	t, ok := target.(*Failure)
	return ok && t.Kind == f.Kind
}
