package cdp

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"captchabridge/internal/logger"
	"captchabridge/internal/rules"
	"captchabridge/pkg/model"

	"github.com/mafredri/cdp"
	"github.com/mafredri/cdp/devtool"
	"github.com/mafredri/cdp/protocol/fetch"
	"github.com/mafredri/cdp/protocol/page"
	"github.com/mafredri/cdp/protocol/runtime"
	"github.com/mafredri/cdp/rpcc"
	"github.com/tidwall/gjson"
)

// Launcher 启动 Chrome 并建立 CDP 会话
type Launcher struct {
	log           logger.Logger
	ruleSet       model.RuleSet
	widgetTimeout time.Duration
}

// NewLauncher 创建启动器，rs 为空时使用默认过滤规则
func NewLauncher(l logger.Logger, rs *model.RuleSet, widgetTimeout time.Duration) *Launcher {
	if l == nil {
		l = logger.NewNop()
	}
	set := rules.DefaultRuleSet()
	if rs != nil {
		set = *rs
	}
	if widgetTimeout <= 0 {
		widgetTimeout = 30 * time.Second
	}
	return &Launcher{log: l, ruleSet: set, widgetTimeout: widgetTimeout}
}

// Launch 启动浏览器、附加到页面并安装过滤规则与页面脚本
func (l *Launcher) Launch(ctx context.Context, opts model.BrowserOptions) (*Manager, error) {
	chrome, err := LaunchChrome(ctx, opts)
	if err != nil {
		return nil, err
	}
	l.log.Info("Chrome 已启动", "pid", chrome.PID, "exe", chrome.Executable.Path, "proxy", opts.Proxy != nil)

	m := &Manager{
		chrome:        chrome,
		engine:        rules.New(l.ruleSet),
		proxy:         opts.Proxy,
		widgetTimeout: l.widgetTimeout,
		log:           l.log.With("pid", chrome.PID),
	}
	if err := m.attach(ctx); err != nil {
		m.Close()
		return nil, err
	}
	return m, nil
}

// Manager 单个浏览器页面的 CDP 会话
type Manager struct {
	chrome        *RunningChrome
	conn          *rpcc.Conn
	client        *cdp.Client
	ctx           context.Context
	cancel        context.CancelFunc
	engine        *rules.Engine
	proxy         *model.ProxyConfig
	widgetTimeout time.Duration
	log           logger.Logger
	closeOnce     sync.Once
}

func (m *Manager) attach(ctx context.Context) error {
	dt := devtool.New(m.chrome.DevToolsURL)
	target, err := dt.Get(ctx, devtool.Page)
	if err != nil {
		if target, err = dt.Create(ctx); err != nil {
			return fmt.Errorf("no page target: %w", err)
		}
	}

	// 会话生命周期独立于调用方 ctx，直到 Close
	m.ctx, m.cancel = context.WithCancel(context.Background())
	conn, err := rpcc.DialContext(ctx, target.WebSocketDebuggerURL)
	if err != nil {
		return fmt.Errorf("dial devtools: %w", err)
	}
	m.conn = conn
	m.client = cdp.NewClient(conn)

	if err := m.client.Page.Enable(ctx); err != nil {
		return fmt.Errorf("page enable: %w", err)
	}
	if err := m.client.Runtime.Enable(ctx); err != nil {
		return fmt.Errorf("runtime enable: %w", err)
	}
	if _, err := m.client.Page.AddScriptToEvaluateOnNewDocument(ctx,
		page.NewAddScriptToEvaluateOnNewDocumentArgs(pageGuardScript)); err != nil {
		return fmt.Errorf("install page guard: %w", err)
	}
	return m.enableInterception(ctx)
}

func (m *Manager) enableInterception(ctx context.Context) error {
	p := "*"
	args := &fetch.EnableArgs{
		Patterns: []fetch.RequestPattern{{URLPattern: &p, RequestStage: fetch.RequestStageRequest}},
	}
	needAuth := m.proxy != nil && m.proxy.HasAuth()
	if needAuth {
		args.HandleAuthRequests = &needAuth
	}

	// 先订阅再启用，避免漏掉第一批事件
	paused, err := m.client.Fetch.RequestPaused(m.ctx)
	if err != nil {
		return fmt.Errorf("subscribe requestPaused: %w", err)
	}
	go m.consumePaused(paused)

	if needAuth {
		auth, err := m.client.Fetch.AuthRequired(m.ctx)
		if err != nil {
			return fmt.Errorf("subscribe authRequired: %w", err)
		}
		go m.consumeAuth(auth)
	}

	if err := m.client.Fetch.Enable(ctx, args); err != nil {
		return fmt.Errorf("fetch enable: %w", err)
	}
	return nil
}

// Navigate 打开目标页面并等待 load 事件
func (m *Manager) Navigate(ctx context.Context, url string) error {
	loaded, err := m.client.Page.LoadEventFired(ctx)
	if err != nil {
		return fmt.Errorf("subscribe load event: %w", err)
	}
	defer loaded.Close()

	reply, err := m.client.Page.Navigate(ctx, page.NewNavigateArgs(url))
	if err != nil {
		return fmt.Errorf("navigate %s: %w", url, err)
	}
	if reply.ErrorText != nil && *reply.ErrorText != "" {
		return fmt.Errorf("navigation failed: %s", *reply.ErrorText)
	}
	if _, err := loaded.Recv(); err != nil {
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return fmt.Errorf("navigation timeout: %s", url)
		}
		return fmt.Errorf("wait load event: %w", err)
	}
	m.log.Info("页面加载完成", "url", url)
	return nil
}

// Execute 在页面内并发调用 count 次验证控件
func (m *Manager) Execute(ctx context.Context, siteKey, action string, count int) ([]model.CallResult, error) {
	expr := widgetScript(siteKey, action, count, m.widgetTimeout)
	args := runtime.NewEvaluateArgs(expr).SetAwaitPromise(true).SetReturnByValue(true)

	reply, err := m.client.Runtime.Evaluate(ctx, args)
	if err != nil {
		return nil, fmt.Errorf("evaluate widget: %w", err)
	}
	if reply.ExceptionDetails != nil {
		return nil, fmt.Errorf("widget script exception: %s", reply.ExceptionDetails.Text)
	}
	return parseWidgetResult(reply.Result.Value)
}

// parseWidgetResult 解析页面脚本返回的 JSON
func parseWidgetResult(raw []byte) ([]model.CallResult, error) {
	if !gjson.ValidBytes(raw) {
		return nil, fmt.Errorf("widget returned invalid result")
	}
	doc := gjson.ParseBytes(raw)
	if !doc.Get("ready").Bool() {
		return nil, fmt.Errorf("widget timeout: challenge script not ready")
	}
	var out []model.CallResult
	doc.Get("results").ForEach(func(_, v gjson.Result) bool {
		out = append(out, model.CallResult{
			OK:    v.Get("ok").Bool() && v.Get("token").String() != "",
			Token: v.Get("token").String(),
			Error: v.Get("error").String(),
		})
		return true
	})
	return out, nil
}

// PID 浏览器主进程 pid
func (m *Manager) PID() int { return m.chrome.PID }

// Stats 资源过滤统计
func (m *Manager) Stats() model.EngineStats { return m.engine.Stats() }

// Close 关闭 CDP 会话并结束浏览器，可重复调用
func (m *Manager) Close() error {
	m.closeOnce.Do(func() {
		if m.client != nil {
			ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			_ = m.client.Browser.Close(ctx)
			cancel()
		}
		if m.cancel != nil {
			m.cancel()
		}
		if m.conn != nil {
			_ = m.conn.Close()
		}
		m.chrome.Stop()
		m.log.Info("浏览器已关闭")
	})
	return nil
}
