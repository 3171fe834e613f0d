package handler

import (
	"context"
	"time"

	"captchabridge/internal/logger"
	"captchabridge/internal/protocol"
	"captchabridge/internal/session"
	"captchabridge/pkg/model"
)

// Worker 浏览器生命周期
type Worker interface {
	Start(ctx context.Context) error
	Restart(ctx context.Context) error
	Shutdown()
	State() model.State
}

// Acquirer 带重试策略的取令牌入口
type Acquirer interface {
	Acquire(ctx context.Context, count int, action string) (*model.TokenBatch, error)
}

// Handler 子进程命令处理器，负责把协议命令映射到 worker 与重试策略
type Handler struct {
	worker   Worker
	acquirer Acquirer
	sess     *session.Session
	timeout  time.Duration
	log      logger.Logger
}

// Config 配置选项
type Config struct {
	Worker   Worker
	Acquirer Acquirer
	Session  *session.Session
	Timeout  time.Duration // 单条命令超时，0 表示不限
	Logger   logger.Logger
}

// New 创建命令处理器
func New(cfg Config) *Handler {
	if cfg.Logger == nil {
		cfg.Logger = logger.NewNop()
	}
	if cfg.Session == nil {
		cfg.Session = session.New(cfg.Logger)
	}
	return &Handler{
		worker:   cfg.Worker,
		acquirer: cfg.Acquirer,
		sess:     cfg.Session,
		timeout:  cfg.Timeout,
		log:      cfg.Logger,
	}
}

// Announce 启动 worker 并返回首行 READY / INIT_FAILED
func (h *Handler) Announce(ctx context.Context) protocol.Reply {
	if err := h.worker.Start(ctx); err != nil {
		r := protocol.Fail(err)
		r.Message = protocol.MsgInitFailed
		r.State = h.worker.State().String()
		return r
	}
	return protocol.Reply{Success: true, Message: protocol.MsgReady, State: h.worker.State().String()}
}

// Handle 处理一条命令
func (h *Handler) Handle(ctx context.Context, cmd protocol.Command) (protocol.Reply, bool) {
	if h.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, h.timeout)
		defer cancel()
	}
	start := time.Now()
	h.log.Debug("收到命令", "cmd", cmd.String())

	var reply protocol.Reply
	stop := false
	switch cmd.Type {
	case protocol.CmdGetTokens:
		reply = h.getTokens(ctx, cmd)
	case protocol.CmdRestart:
		h.sess.ResetRetries()
		if err := h.worker.Restart(ctx); err != nil {
			reply = protocol.Fail(err)
		} else {
			reply = protocol.Reply{Success: true, Message: protocol.MsgRestarted}
		}
	case protocol.CmdResetProxy:
		h.sess.ResetProxy()
		reply = protocol.Reply{Success: true, Message: protocol.MsgProxyReset}
	case protocol.CmdPing:
		reply = protocol.Reply{Success: true, Message: protocol.MsgPong}
	case protocol.CmdShutdown:
		h.worker.Shutdown()
		reply = protocol.Reply{Success: true, Message: protocol.MsgShuttingDown}
		stop = true
	default:
		reply = protocol.Reply{Success: false, Error: "unsupported command", ErrorType: "Unknown"}
	}

	reply.State = h.worker.State().String()
	h.log.Debug("命令处理完成", "cmd", string(cmd.Type), "success", reply.Success, "duration", time.Since(start))
	return reply, stop
}

func (h *Handler) getTokens(ctx context.Context, cmd protocol.Command) protocol.Reply {
	// 浏览器已停止（例如上次运行时失败）时按需拉起
	if st := h.worker.State(); st == model.StateStopped || st == model.StateFatal {
		if err := h.worker.Start(ctx); err != nil {
			return protocol.Fail(err)
		}
	}
	batch, err := h.acquirer.Acquire(ctx, cmd.Count, cmd.Action)
	if err != nil {
		h.log.Warn("取令牌失败", "error", err)
		return protocol.Fail(err)
	}
	return protocol.Reply{Success: true, Tokens: batch.Tokens, Action: batch.Action}
}
