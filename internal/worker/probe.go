package worker

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"net/http"
	"strconv"
	"time"

	"github.com/go-resty/resty/v2"

	"captchabridge/internal/logger"
)

// AuthChecker 账号状态探测
type AuthChecker interface {
	// Blocked 返回账号是否被拒绝；网络错误时由调用方决定放行
	Blocked(ctx context.Context) (bool, error)
}

// ProbeOptions 探测参数
type ProbeOptions struct {
	URL      string
	DeviceID string
	Secret   string
	Bearer   string
	Timeout  time.Duration
}

// AuthProbe 基于 HMAC 签名请求的账号状态探测
type AuthProbe struct {
	opts   ProbeOptions
	client *resty.Client
	now    func() time.Time
	log    logger.Logger
}

// NewAuthProbe 创建探测器，URL 为空时 Blocked 恒返回 false
func NewAuthProbe(opts ProbeOptions, l logger.Logger) *AuthProbe {
	if l == nil {
		l = logger.NewNop()
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 8 * time.Second
	}
	client := resty.New().
		SetTimeout(opts.Timeout).
		SetHeader("Accept", "application/json")
	return &AuthProbe{opts: opts, client: client, now: time.Now, log: l}
}

// Sign 计算 deviceID:timestamp 的 HMAC-SHA256 十六进制签名
func Sign(secret, deviceID, timestamp string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(deviceID + ":" + timestamp))
	return hex.EncodeToString(mac.Sum(nil))
}

func (p *AuthProbe) Blocked(ctx context.Context) (bool, error) {
	if p == nil || p.opts.URL == "" {
		return false, nil
	}
	ts := strconv.FormatInt(p.now().Unix(), 10)
	req := p.client.R().
		SetContext(ctx).
		SetHeader("X-Device-Id", p.opts.DeviceID).
		SetHeader("X-Timestamp", ts).
		SetHeader("X-Signature", Sign(p.opts.Secret, p.opts.DeviceID, ts))
	if p.opts.Bearer != "" {
		req.SetAuthToken(p.opts.Bearer)
	}

	resp, err := req.Get(p.opts.URL)
	if err != nil {
		return false, err
	}
	switch resp.StatusCode() {
	case http.StatusUnauthorized, http.StatusForbidden:
		p.log.Warn("账号状态探测返回拒绝", "status", resp.StatusCode())
		return true, nil
	default:
		return false, nil
	}
}
