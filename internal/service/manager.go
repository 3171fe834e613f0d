package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"captchabridge/internal/bridge"
	"captchabridge/internal/config"
	"captchabridge/internal/ctxkeys"
	"captchabridge/internal/failure"
	"captchabridge/internal/logger"
	"captchabridge/internal/storage"
	"captchabridge/pkg/model"
)

// ErrUnsupported 当前模式不支持该操作
var ErrUnsupported = errors.New("operation not supported in this mode")

// Embedded 自带浏览器的取令牌通道，即子进程控制器
type Embedded interface {
	Start(ctx context.Context) error
	AcquireTokens(ctx context.Context, count int, action string) (*model.TokenBatch, error)
	Restart(ctx context.Context) error
	ResetProxy(ctx context.Context) error
	State() model.State
	Shutdown()
}

// Options 管理器参数
type Options struct {
	Mode         string
	Channel      model.Channel
	Action       string
	TokenTimeout time.Duration
}

// Deps 管理器依赖，按模式只需提供其中一部分
type Deps struct {
	Controller Embedded
	Broker     *bridge.Broker
	Server     *bridge.Server
	Journal    *storage.Journal
	Metrics    *bridge.Metrics
	Closer     func() error
}

// Manager 桌面端取令牌入口，按模式走子进程或通道中转
type Manager struct {
	opts Options
	deps Deps
	log  logger.Logger

	tokens  atomic.Int64
	lastErr atomic.Pointer[string]
	stop    sync.Once
}

// New 创建管理器
func New(opts Options, deps Deps, l logger.Logger) *Manager {
	if l == nil {
		l = logger.NewNop()
	}
	if opts.Mode == "" {
		opts.Mode = config.ModeEmbedded
	}
	opts.Channel = model.ClampChannel(int(opts.Channel))
	if opts.TokenTimeout <= 0 {
		opts.TokenTimeout = 30 * time.Second
	}
	return &Manager{opts: opts, deps: deps, log: l.With("mode", opts.Mode)}
}

func (m *Manager) bridged() bool { return m.opts.Mode == config.ModeBridge }

// Start 启动子进程或中转服务
func (m *Manager) Start(ctx context.Context) error {
	if m.bridged() {
		return m.deps.Server.Start()
	}
	return m.deps.Controller.Start(ctx)
}

// Stop 停止并释放资源，可重复调用
func (m *Manager) Stop(ctx context.Context) error {
	var err error
	m.stop.Do(func() {
		if m.bridged() {
			err = m.deps.Server.Shutdown(ctx)
		} else {
			m.deps.Controller.Shutdown()
		}
		if m.deps.Closer != nil {
			err = errors.Join(err, m.deps.Closer())
		}
		m.log.Info("取令牌服务已停止")
	})
	return err
}

// AcquireTokens 取 count 个令牌，action 为空时使用默认值
func (m *Manager) AcquireTokens(ctx context.Context, count int, action string) (*model.TokenBatch, error) {
	if action == "" {
		action = m.opts.Action
	}
	traceID := uuid.NewString()
	ctx = ctxkeys.WithTraceID(ctx, traceID)
	log := m.log.With("traceId", traceID)
	requested := count
	count, capped := model.ClampCount(count)
	if capped {
		log.Warn("请求令牌数超过上限，已截断", "requested", requested, "max", model.MaxTokensPerRequest)
	}
	start := time.Now()

	var batch *model.TokenBatch
	var err error
	if m.bridged() {
		batch, err = m.viaBridge(ctx, count, action)
	} else {
		batch, err = m.deps.Controller.AcquireTokens(ctx, count, action)
	}
	if batch != nil && batch.Channel == 0 {
		batch.Channel = m.opts.Channel
	}

	m.record(ctx, count, action, batch, err, time.Since(start))
	if err != nil {
		msg := err.Error()
		m.lastErr.Store(&msg)
		log.Warn("取令牌失败", "error", err, "elapsed", time.Since(start))
		return nil, err
	}
	m.tokens.Add(int64(batch.Len()))
	m.lastErr.Store(nil)
	log.Info("取令牌成功", "count", batch.Len(), "action", batch.Action)
	return batch, nil
}

// viaBridge 在通道上发布请求，等待生产方送回令牌
//
// 超时后请求保留在通道上，由 TTL 或下次发布覆盖。
func (m *Manager) viaBridge(ctx context.Context, count int, action string) (*model.TokenBatch, error) {
	c := m.opts.Channel
	if stale := m.deps.Broker.Fetch(c); stale != nil {
		m.log.Debug("丢弃未取走的旧令牌", "channel", int(c), "count", stale.Len())
	}
	m.deps.Broker.Publish(c, action, count)

	waitCtx, cancel := context.WithTimeout(ctx, m.opts.TokenTimeout)
	defer cancel()
	batch, err := m.deps.Broker.Await(waitCtx, c)
	if errors.Is(err, bridge.ErrNoTokens) {
		return nil, failure.Newf(failure.NoTokensReceived, "no tokens received within %s on channel %d", m.opts.TokenTimeout, c)
	}
	if err != nil {
		return nil, failure.Wrap(err, "await tokens")
	}
	return batch, nil
}

func (m *Manager) record(ctx context.Context, count int, action string, batch *model.TokenBatch, err error, elapsed time.Duration) {
	result := "ok"
	if err != nil {
		result = string(failure.KindOf(err))
	}
	if m.deps.Metrics != nil {
		m.deps.Metrics.Acquired.WithLabelValues(m.opts.Mode, result).Inc()
	}
	if m.deps.Journal == nil {
		return
	}
	a := &storage.Acquisition{
		TraceID:    ctxkeys.TraceID(ctx),
		Mode:       m.opts.Mode,
		Channel:    int(m.opts.Channel),
		Action:     action,
		Requested:  count,
		OK:         err == nil,
		DurationMs: elapsed.Milliseconds(),
	}
	if batch != nil {
		a.Received = batch.Len()
	}
	if err != nil {
		a.ErrorKind = result
		a.Error = err.Error()
	}
	// 流水写入不受调用方取消影响
	if werr := m.deps.Journal.Record(context.WithoutCancel(ctx), a); werr != nil {
		m.log.Warn("写入取令牌流水失败", "error", werr)
	}
}

// RestartWorker 重启浏览器，仅自带浏览器模式可用
func (m *Manager) RestartWorker(ctx context.Context) error {
	if m.bridged() {
		return ErrUnsupported
	}
	return m.deps.Controller.Restart(ctx)
}

// ResetProxy 重新启用代理，仅自带浏览器模式可用
func (m *Manager) ResetProxy(ctx context.Context) error {
	if m.bridged() {
		return ErrUnsupported
	}
	return m.deps.Controller.ResetProxy(ctx)
}

// Cookie 生产方上报的会话 cookie，仅中转模式可用
func (m *Manager) Cookie() (string, bool) {
	if !m.bridged() {
		return "", false
	}
	return m.deps.Broker.Cookie()
}

// Status 状态快照
func (m *Manager) Status() model.ServiceStatus {
	st := model.ServiceStatus{
		Mode:           m.opts.Mode,
		Channel:        m.opts.Channel,
		TokensReceived: m.tokens.Load(),
	}
	if p := m.lastErr.Load(); p != nil {
		st.LastError = *p
	}
	if m.bridged() {
		st.State = model.StateStopped
		if m.deps.Server.Running() {
			st.State = model.StateReady
		}
	} else {
		st.State = m.deps.Controller.State()
	}
	return st
}

// History 最近的取令牌流水
func (m *Manager) History(ctx context.Context, n int) ([]storage.Acquisition, error) {
	if m.deps.Journal == nil {
		return nil, fmt.Errorf("journal not available")
	}
	return m.deps.Journal.Recent(ctx, n)
}
