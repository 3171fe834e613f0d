package session

import (
	"sync"

	"captchabridge/internal/logger"
)

// Session 单个 worker 的可变运行状态
//
// 代理禁用标记与重试计数都挂在会话上而不是全局变量，多个 worker 实例互不影响。
type Session struct {
	mu            sync.RWMutex
	proxyDisabled bool
	disableReason string
	retries       int
	log           logger.Logger
}

// New 创建会话
func New(l logger.Logger) *Session {
	if l == nil {
		l = logger.NewNop()
	}
	return &Session{log: l}
}

// ProxyDisabled 代理是否已被禁用
func (s *Session) ProxyDisabled() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.proxyDisabled
}

// DisableReason 最近一次禁用代理的原因
func (s *Session) DisableReason() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.disableReason
}

// DisableProxy 在本次运行内禁用代理，直到 ResetProxy
func (s *Session) DisableProxy(reason string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.proxyDisabled {
		return
	}
	s.proxyDisabled = true
	s.disableReason = reason
	s.log.Warn("代理已禁用，后续启动使用直连", "reason", reason)
}

// ResetProxy 清除代理禁用标记
func (s *Session) ResetProxy() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.proxyDisabled = false
	s.disableReason = ""
	s.log.Info("代理禁用标记已清除")
}

// Retries 当前重试计数
func (s *Session) Retries() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.retries
}

// IncRetries 重试计数加一并返回新值
func (s *Session) IncRetries() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.retries++
	return s.retries
}

// ResetRetries 重试计数归零
func (s *Session) ResetRetries() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.retries = 0
}
