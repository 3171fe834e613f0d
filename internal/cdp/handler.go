package cdp

import (
	"context"
	"time"

	acdp "captchabridge/internal/adapter/cdp"

	"github.com/mafredri/cdp/protocol/fetch"
)

const processTimeout = 3 * time.Second

// consumePaused 处理被拦截的请求，直到会话关闭
func (m *Manager) consumePaused(rp fetch.RequestPausedClient) {
	defer rp.Close()
	for {
		ev, err := rp.Recv()
		if err != nil {
			return
		}
		go m.handle(ev)
	}
}

// handle 按过滤规则放行或拦截一次请求
func (m *Manager) handle(ev *fetch.RequestPausedReply) {
	ctx, cancel := context.WithTimeout(m.ctx, processTimeout)
	defer cancel()

	req := acdp.FromPaused(ev)
	if m.engine.Blocked(req) {
		if err := m.client.Fetch.FailRequest(ctx, acdp.BlockArgs(req)); err != nil {
			m.log.Debug("拦截请求失败", "url", req.URL, "error", err)
		}
		return
	}
	if err := m.client.Fetch.ContinueRequest(ctx, acdp.ContinueArgs(req)); err != nil {
		m.log.Debug("放行请求失败", "url", req.URL, "error", err)
	}
}

// consumeAuth 为代理认证挑战提供凭据
func (m *Manager) consumeAuth(ac fetch.AuthRequiredClient) {
	defer ac.Close()
	for {
		ev, err := ac.Recv()
		if err != nil {
			return
		}
		m.answerAuth(ev)
	}
}

func (m *Manager) answerAuth(ev *fetch.AuthRequiredReply) {
	ctx, cancel := context.WithTimeout(m.ctx, processTimeout)
	defer cancel()

	resp := fetch.AuthChallengeResponse{Response: "Default"}
	if ev.AuthChallenge.Source != nil && *ev.AuthChallenge.Source == "Proxy" && m.proxy != nil {
		user, pass := m.proxy.Username, m.proxy.Password
		resp = fetch.AuthChallengeResponse{Response: "ProvideCredentials", Username: &user, Password: &pass}
	}
	err := m.client.Fetch.ContinueWithAuth(ctx, &fetch.ContinueWithAuthArgs{
		RequestID:             ev.RequestID,
		AuthChallengeResponse: resp,
	})
	if err != nil {
		m.log.Warn("代理认证应答失败", "error", err)
	}
}
