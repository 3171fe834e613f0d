package retry

import (
	"context"

	"captchabridge/internal/failure"
	"captchabridge/internal/logger"
	"captchabridge/internal/session"
	"captchabridge/pkg/model"
)

// DefaultMaxRetries 默认重试上限
const DefaultMaxRetries = 3

// Target 可被重启的取令牌对象
type Target interface {
	AcquireTokens(ctx context.Context, count int, action string) (*model.TokenBatch, error)
	Restart(ctx context.Context) error
}

// Policy 取令牌的重试/熔断策略，是唯一允许触发重启的层
type Policy struct {
	target Target
	sess   *session.Session
	max    int
	log    logger.Logger
}

// New 创建策略，max 小于 0 时使用默认值
func New(target Target, sess *session.Session, max int, l logger.Logger) *Policy {
	if l == nil {
		l = logger.NewNop()
	}
	if sess == nil {
		sess = session.New(l)
	}
	if max < 0 {
		max = DefaultMaxRetries
	}
	return &Policy{target: target, sess: sess, max: max, log: l}
}

// Session 返回策略使用的会话
func (p *Policy) Session() *session.Session { return p.sess }

// Acquire 取令牌并按失败类型决定重启、重试或放弃
//
//   - 成功：计数归零
//   - BrowserNotFound：致命，不重启不重试
//   - AuthBlocked：计数归零，强制重启并重试一次，不占用重试额度
//   - 其他：计数已达上限时立即返回 MaxRetriesReached，否则计数加一、重启并重试一次
func (p *Policy) Acquire(ctx context.Context, count int, action string) (*model.TokenBatch, error) {
	batch, err := p.target.AcquireTokens(ctx, count, action)
	if err == nil {
		p.sess.ResetRetries()
		return batch, nil
	}

	// 复制一份再修改标记，避免改动调用方持有的 Failure
	cp := *failure.Wrap(err, "")
	f := &cp
	switch f.Kind {
	case failure.BrowserNotFound:
		f.Fatal = true
		p.log.Error("未找到浏览器，停止取令牌", "error", f.Message)
		return nil, f

	case failure.AuthBlocked:
		p.sess.ResetRetries()
		p.log.Warn("账号被拒绝，重启浏览器后重试", "error", f.Message)
		return p.restartAndRetry(ctx, count, action)
	}

	if p.sess.Retries() >= p.max {
		f.MaxRetriesReached = true
		p.log.Warn("已达到最大重试次数，不再重启", "retries", p.sess.Retries(), "kind", f.Kind)
		return nil, f
	}
	n := p.sess.IncRetries()
	p.log.Warn("取令牌失败，重启浏览器后重试", "kind", f.Kind, "retry", n, "max", p.max)
	return p.restartAndRetry(ctx, count, action)
}

func (p *Policy) restartAndRetry(ctx context.Context, count int, action string) (*model.TokenBatch, error) {
	if err := p.target.Restart(ctx); err != nil {
		return nil, failure.Wrap(err, "restart")
	}
	batch, err := p.target.AcquireTokens(ctx, count, action)
	if err != nil {
		return nil, failure.Wrap(err, "")
	}
	p.sess.ResetRetries()
	return batch, nil
}
