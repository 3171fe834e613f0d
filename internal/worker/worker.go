package worker

import (
	"context"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"captchabridge/internal/failure"
	"captchabridge/internal/logger"
	"captchabridge/internal/procutil"
	"captchabridge/internal/proxy"
	"captchabridge/internal/session"
	"captchabridge/pkg/model"
)

// ProbeAction 账号被拒绝时代替真实 action 调用控件
const ProbeAction = "probe"

// Page 已打开目标页面的浏览器会话
type Page interface {
	Navigate(ctx context.Context, url string) error
	Execute(ctx context.Context, siteKey, action string, count int) ([]model.CallResult, error)
	PID() int
	Close() error
}

// Launcher 启动浏览器
type Launcher interface {
	Launch(ctx context.Context, opts model.BrowserOptions) (Page, error)
}

// LaunchFunc 函数形式的 Launcher
type LaunchFunc func(ctx context.Context, opts model.BrowserOptions) (Page, error)

func (f LaunchFunc) Launch(ctx context.Context, opts model.BrowserOptions) (Page, error) {
	return f(ctx, opts)
}

// Options worker 配置
type Options struct {
	PageURL           string
	SiteKey           string
	Action            string
	NavigationTimeout time.Duration
	Browser           model.BrowserOptions
	ProxyURL          string
	ProxyProbeTimeout time.Duration
	PIDFile           *procutil.PIDFile
}

// Worker 持有一个浏览器会话，按需执行验证控件
type Worker struct {
	opts     Options
	launcher Launcher
	auth     AuthChecker
	sess     *session.Session
	log      logger.Logger

	mu         sync.Mutex
	page       Page
	state      atomic.Int32
	starting   atomic.Bool
	readySince time.Time
	fallback   string
	reconcile  func()
}

// New 创建 worker
func New(opts Options, launcher Launcher, auth AuthChecker, sess *session.Session, l logger.Logger) *Worker {
	if l == nil {
		l = logger.NewNop()
	}
	if sess == nil {
		sess = session.New(l)
	}
	if opts.NavigationTimeout <= 0 {
		opts.NavigationTimeout = 45 * time.Second
	}
	w := &Worker{opts: opts, launcher: launcher, auth: auth, sess: sess, log: l}
	w.reconcile = func() {
		procutil.Reconcile(opts.PIDFile, opts.Browser.ProfilePrefix, l)
	}
	return w
}

// Session 返回 worker 的会话状态
func (w *Worker) Session() *session.Session { return w.sess }

// State 当前状态
func (w *Worker) State() model.State { return model.State(w.state.Load()) }

func (w *Worker) setState(s model.State) {
	old := model.State(w.state.Swap(int32(s)))
	if old != s {
		w.log.Debug("worker 状态变更", "from", old.String(), "to", s.String())
	}
}

// ReadySince 进入 Ready 的时间
func (w *Worker) ReadySince() time.Time {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.readySince
}

// FallbackReason 最近一次放弃代理改用直连的原因
func (w *Worker) FallbackReason() string {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.fallback
}

// Start 启动浏览器并打开目标页面
//
// 已有启动在进行时直接返回；已处于 Ready 时不做任何事。
func (w *Worker) Start(ctx context.Context) error {
	if !w.starting.CompareAndSwap(false, true) {
		return nil
	}
	defer w.starting.Store(false)

	w.mu.Lock()
	defer w.mu.Unlock()
	if w.State() == model.StateReady && w.page != nil {
		return nil
	}
	w.setState(model.StateStarting)
	w.reconcile()

	// 代理连接被重置时禁用代理后重新进入一次，最多两轮
	var err error
	for round := 0; round < 2; round++ {
		p := w.resolveProxy(ctx)
		err = w.launchAndNavigate(ctx, p)
		if err != nil && p != nil && failure.KindOf(err) == failure.ProxyInvalid {
			w.log.Warn("通过代理启动失败，立即改用直连重试", "proxy", p.Address(), "error", err)
			w.fallback = err.Error()
			p = nil
			err = w.launchAndNavigate(ctx, nil)
		}
		if err == nil {
			w.readySince = time.Now()
			w.setState(model.StateReady)
			w.log.Info("worker 已就绪", "url", w.opts.PageURL, "proxy", p != nil)
			return nil
		}
		if p != nil && failure.KindOf(err) == failure.ProxyReset && !w.sess.ProxyDisabled() {
			w.sess.DisableProxy(err.Error())
			continue
		}
		break
	}

	f := failure.Wrap(err, "")
	if f.Fatal {
		w.setState(model.StateFatal)
	} else {
		w.setState(model.StateStopped)
	}
	w.log.Err(err, "worker 启动失败", "kind", f.Kind)
	return f
}

// resolveProxy 返回本轮启动使用的代理，nil 表示直连
func (w *Worker) resolveProxy(ctx context.Context) *model.ProxyConfig {
	if w.opts.ProxyURL == "" {
		return nil
	}
	if w.sess.ProxyDisabled() {
		w.fallback = "proxy disabled: " + w.sess.DisableReason()
		return nil
	}
	p, ok := proxy.Parse(w.opts.ProxyURL)
	if !ok {
		w.fallback = "invalid proxy url"
		w.log.Warn("代理地址无效，使用直连")
		return nil
	}
	if err := proxy.Probe(ctx, p, w.opts.ProxyProbeTimeout); err != nil {
		w.fallback = err.Error()
		w.log.Warn("代理探测失败，使用直连", "proxy", p.Address(), "error", err)
		return nil
	}
	w.fallback = ""
	return p
}

func (w *Worker) launchAndNavigate(ctx context.Context, p *model.ProxyConfig) error {
	opts := w.opts.Browser
	opts.Proxy = p
	page, err := w.launcher.Launch(ctx, opts)
	if err != nil {
		return failure.Wrap(err, "launch browser")
	}
	if w.opts.PIDFile != nil {
		if err := w.opts.PIDFile.Write(page.PID()); err != nil {
			w.log.Warn("写入 pid 文件失败", "error", err)
		}
	}

	navCtx, cancel := context.WithTimeout(ctx, w.opts.NavigationTimeout)
	defer cancel()
	if err := page.Navigate(navCtx, w.opts.PageURL); err != nil {
		_ = page.Close()
		w.removePID()
		return failure.Wrap(err, "navigate")
	}
	w.page = page
	return nil
}

// AcquireTokens 在页面内并发执行 count 次控件调用，至少拿到一个令牌即成功
func (w *Worker) AcquireTokens(ctx context.Context, count int, action string) (*model.TokenBatch, error) {
	if count < 1 {
		count = 1
	}
	if action == "" {
		action = w.opts.Action
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	if w.State() != model.StateReady || w.page == nil {
		return nil, failure.Newf(failure.Unknown, "browser not ready (state=%s)", w.State())
	}

	if w.auth != nil {
		blocked, err := w.auth.Blocked(ctx)
		if err != nil {
			w.log.Warn("账号状态探测失败，继续执行", "error", err)
		}
		if blocked {
			// 只消耗 probe action，保留真实 action
			if _, err := w.page.Execute(ctx, w.opts.SiteKey, ProbeAction, 1); err != nil {
				w.log.Debug("probe 调用失败", "error", err)
			}
			return nil, failure.New(failure.AuthBlocked, "account blocked (403)")
		}
	}

	results, err := w.page.Execute(ctx, w.opts.SiteKey, action, count)
	if err != nil {
		w.stopLocked()
		w.setState(model.StateStopped)
		return nil, failure.Wrap(err, "execute widget")
	}

	batch := &model.TokenBatch{Action: action, ReceivedAt: time.Now()}
	var errs []string
	for _, r := range results {
		if r.OK && r.Token != "" {
			batch.Tokens = append(batch.Tokens, r.Token)
		} else if r.Error != "" {
			errs = append(errs, r.Error)
		}
	}
	if batch.Len() == 0 {
		msg := "no tokens received"
		if len(errs) > 0 {
			msg += ": " + strings.Join(errs, "; ")
		}
		return nil, failure.New(failure.NoTokensReceived, msg)
	}
	w.log.Info("取得令牌", "count", batch.Len(), "requested", count, "action", action)
	return batch, nil
}

// Restart 关闭当前浏览器并重新启动
func (w *Worker) Restart(ctx context.Context) error {
	w.mu.Lock()
	w.stopLocked()
	w.setState(model.StateRestarting)
	w.mu.Unlock()
	return w.Start(ctx)
}

// Shutdown 关闭浏览器并清理 pid 文件，可重复调用
func (w *Worker) Shutdown() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.stopLocked()
	if w.State() != model.StateFatal {
		w.setState(model.StateStopped)
	}
}

func (w *Worker) stopLocked() {
	if w.page != nil {
		_ = w.page.Close()
		w.page = nil
	}
	w.removePID()
}

func (w *Worker) removePID() {
	if w.opts.PIDFile != nil {
		w.opts.PIDFile.Remove()
	}
}
