package bridge

import (
	"context"
	"errors"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"captchabridge/internal/logger"
	"captchabridge/pkg/model"
)

// DefaultRequestTTL 未被满足的请求保留时长
const DefaultRequestTTL = 2 * time.Minute

var (
	// ErrEmptyBatch 投递了空令牌集合
	ErrEmptyBatch = errors.New("tokens must be a non-empty array")
	// ErrNoTokens Await 超时仍未取到令牌
	ErrNoTokens = errors.New("no tokens delivered before deadline")
)

// slot 单通道状态，请求与结果各占一个 CAS 单元
type slot struct {
	request atomic.Pointer[model.CaptchaRequest]
	batch   atomic.Pointer[model.TokenBatch]
}

// Stats 中转状态快照
type Stats struct {
	TokensReceived int64  `json:"tokens_received"`
	LastToken      string `json:"last_token,omitempty"`
	ProjectName    string `json:"project_name"`
	Pending        []int  `json:"pending"`
}

// Broker 按通道在消费方与生产方之间交接请求和令牌
//
// 每个通道最多一个待处理请求和一个待取结果，后写覆盖。
type Broker struct {
	slots  [model.NumChannels]slot
	cookie atomic.Pointer[string]

	project        atomic.Pointer[string]
	tokensReceived atomic.Int64
	lastToken      atomic.Pointer[string]

	ttl          time.Duration
	pollInterval time.Duration
	now          func() time.Time
	metrics      *Metrics
	log          logger.Logger
}

// BrokerOptions 中转参数
type BrokerOptions struct {
	RequestTTL   time.Duration // 0 表示请求不过期
	PollInterval time.Duration // Await 轮询间隔
	ProjectName  string
	Metrics      *Metrics
}

// NewBroker 创建中转
func NewBroker(opts BrokerOptions, l logger.Logger) *Broker {
	if l == nil {
		l = logger.NewNop()
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = 200 * time.Millisecond
	}
	b := &Broker{
		ttl:          opts.RequestTTL,
		pollInterval: opts.PollInterval,
		now:          time.Now,
		metrics:      opts.Metrics,
		log:          l,
	}
	b.SetProjectName(opts.ProjectName)
	if b.metrics != nil {
		b.metrics.TrackPending(func() float64 { return float64(b.PendingCount()) })
	}
	return b
}

func (b *Broker) slot(c model.Channel) *slot {
	return &b.slots[model.ClampChannel(int(c))-model.MinChannel]
}

func label(c model.Channel) string { return strconv.Itoa(int(c)) }

// Publish 在通道上发布取令牌请求，覆盖尚未满足的旧请求
//
// count 收敛到 [1, model.MaxTokensPerRequest]，与子进程 GET_TOKENS 的上限一致。
func (b *Broker) Publish(c model.Channel, action string, count int) *model.CaptchaRequest {
	c = model.ClampChannel(int(c))
	count, capped := model.ClampCount(count)
	if capped {
		b.log.Warn("请求令牌数超过上限，已截断", "channel", int(c), "max", model.MaxTokensPerRequest)
	}
	req := &model.CaptchaRequest{
		ID:        uuid.NewString(),
		Channel:   c,
		Action:    action,
		Count:     count,
		CreatedAt: b.now(),
	}
	if old := b.slot(c).request.Swap(req); old != nil {
		b.log.Debug("覆盖未满足的请求", "channel", int(c), "old", old.ID)
	}
	if b.metrics != nil {
		b.metrics.Published.WithLabelValues(label(c)).Inc()
	}
	b.log.Info("发布取令牌请求", "channel", int(c), "action", action, "count", count, "id", req.ID)
	return req
}

// Poll 返回通道上的待处理请求，不清除
//
// 超过 TTL 的请求视为不存在并被清除。
func (b *Broker) Poll(c model.Channel) *model.CaptchaRequest {
	s := b.slot(c)
	req := s.request.Load()
	if req == nil {
		return nil
	}
	if b.ttl > 0 && b.now().Sub(req.CreatedAt) > b.ttl {
		if s.request.CompareAndSwap(req, nil) {
			if b.metrics != nil {
				b.metrics.Expired.WithLabelValues(label(req.Channel)).Inc()
			}
			b.log.Info("请求已过期", "channel", int(req.Channel), "id", req.ID)
		}
		return nil
	}
	return req
}

// Deliver 存放生产方送回的令牌，并清除通道上的请求
//
// action 为空时沿用当前请求的 action。结果一旦投递，请求即视为已满足，无论 action 是否一致。
func (b *Broker) Deliver(c model.Channel, action string, tokens []string) (int, error) {
	if len(tokens) == 0 {
		return 0, ErrEmptyBatch
	}
	c = model.ClampChannel(int(c))
	s := b.slot(c)
	req := s.request.Load()
	if action == "" && req != nil {
		action = req.Action
	}
	batch := &model.TokenBatch{
		Channel:    c,
		Action:     action,
		Tokens:     append([]string(nil), tokens...),
		ReceivedAt: b.now(),
	}
	if old := s.batch.Swap(batch); old != nil {
		b.log.Debug("覆盖未取走的令牌", "channel", int(c), "count", old.Len())
	}
	if req != nil {
		if req.Action != "" && action != req.Action {
			b.log.Warn("投递的 action 与请求不一致", "channel", int(c), "request", req.Action, "delivered", action)
		}
		s.request.CompareAndSwap(req, nil)
	}

	b.tokensReceived.Add(int64(batch.Len()))
	first := tokens[0]
	b.lastToken.Store(&first)
	if b.metrics != nil {
		b.metrics.Delivered.WithLabelValues(label(c)).Add(float64(batch.Len()))
	}
	b.log.Info("收到令牌", "channel", int(c), "action", action, "count", batch.Len())
	return batch.Len(), nil
}

// Fetch 取走通道上的结果，同一结果只会返回一次
func (b *Broker) Fetch(c model.Channel) *model.TokenBatch {
	batch := b.slot(c).batch.Swap(nil)
	if batch != nil && b.metrics != nil {
		b.metrics.Fetched.WithLabelValues(label(batch.Channel)).Inc()
	}
	return batch
}

// Await 按固定频率轮询直到取得结果或 ctx 结束
func (b *Broker) Await(ctx context.Context, c model.Channel) (*model.TokenBatch, error) {
	lim := rate.NewLimiter(rate.Every(b.pollInterval), 1)
	for {
		if batch := b.Fetch(c); batch != nil {
			return batch, nil
		}
		if err := lim.Wait(ctx); err != nil {
			if errors.Is(err, context.Canceled) {
				return nil, err
			}
			// 下一拍超出截止时间时 Wait 会提前返回，等到截止再取最后一次
			<-ctx.Done()
			if batch := b.Fetch(c); batch != nil {
				return batch, nil
			}
			if errors.Is(ctx.Err(), context.Canceled) {
				return nil, ctx.Err()
			}
			return nil, ErrNoTokens
		}
	}
}

// Discard 清除通道上的请求和结果
func (b *Broker) Discard(c model.Channel) {
	s := b.slot(c)
	s.request.Store(nil)
	s.batch.Store(nil)
}

// SetCookie 保存会话 cookie，空值表示清除
func (b *Broker) SetCookie(v string) {
	if v == "" {
		b.cookie.Store(nil)
		return
	}
	b.cookie.Store(&v)
}

// Cookie 返回最近一次保存的 cookie
func (b *Broker) Cookie() (string, bool) {
	p := b.cookie.Load()
	if p == nil {
		return "", false
	}
	return *p, true
}

// SetProjectName 设置当前项目名
func (b *Broker) SetProjectName(name string) { b.project.Store(&name) }

// ProjectName 当前项目名
func (b *Broker) ProjectName() string {
	if p := b.project.Load(); p != nil {
		return *p
	}
	return ""
}

// HasPending 通道是否有未过期的请求
func (b *Broker) HasPending(c model.Channel) bool { return b.Poll(c) != nil }

// PendingCount 有待处理请求的通道数
func (b *Broker) PendingCount() int {
	n := 0
	for _, c := range model.Channels() {
		if b.slot(c).request.Load() != nil {
			n++
		}
	}
	return n
}

// Stats 返回状态快照
func (b *Broker) Stats() Stats {
	st := Stats{
		TokensReceived: b.tokensReceived.Load(),
		ProjectName:    b.ProjectName(),
		Pending:        []int{},
	}
	if p := b.lastToken.Load(); p != nil {
		st.LastToken = *p
	}
	for _, c := range model.Channels() {
		if b.HasPending(c) {
			st.Pending = append(st.Pending, int(c))
		}
	}
	return st
}
