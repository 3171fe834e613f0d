package sidecar

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"regexp"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"captchabridge/internal/failure"
	"captchabridge/internal/logger"
	"captchabridge/internal/procutil"
	"captchabridge/internal/protocol"
	"captchabridge/pkg/model"
)

// Options 子进程配置
type Options struct {
	Command        []string // 为空时使用当前可执行文件 + "worker"
	Env            []string
	ReadyTimeout   time.Duration
	CommandTimeout time.Duration
	ShutdownWait   time.Duration
	PIDFile        *procutil.PIDFile
}

// ansiEscape 终端颜色控制序列
var ansiEscape = regexp.MustCompile(`\x1b\[[0-9;]*m`)

// process 一次子进程运行
type process struct {
	cmd     *exec.Cmd
	stdin   io.WriteCloser
	conn    *protocol.Conn
	replies chan protocol.Reply
	exited  chan struct{}
}

// Controller 管理自动化 worker 子进程，命令串行执行
type Controller struct {
	opts Options
	log  logger.Logger

	mu         sync.Mutex
	proc       *process
	state      atomic.Int32
	starting   atomic.Bool
	readySince time.Time
}

// New 创建控制器
func New(opts Options, l logger.Logger) *Controller {
	if l == nil {
		l = logger.NewNop()
	}
	if opts.ReadyTimeout <= 0 {
		opts.ReadyTimeout = 90 * time.Second
	}
	if opts.CommandTimeout <= 0 {
		opts.CommandTimeout = 2 * time.Minute
	}
	if opts.ShutdownWait <= 0 {
		opts.ShutdownWait = 5 * time.Second
	}
	if opts.PIDFile == nil {
		opts.PIDFile = procutil.NewPIDFile("", "captchad-worker")
	}
	return &Controller{opts: opts, log: l}
}

// State 当前状态
func (c *Controller) State() model.State { return model.State(c.state.Load()) }

// PID 子进程 pid，未运行时为 0
func (c *Controller) PID() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.proc == nil || c.proc.cmd.Process == nil {
		return 0
	}
	return c.proc.cmd.Process.Pid
}

// ReadySince 子进程就绪时间
func (c *Controller) ReadySince() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.readySince
}

// Start 拉起子进程并等待 READY
//
// 已有启动在进行时直接返回。
func (c *Controller) Start(ctx context.Context) error {
	if !c.starting.CompareAndSwap(false, true) {
		return nil
	}
	defer c.starting.Store(false)

	c.mu.Lock()
	defer c.mu.Unlock()
	return c.startLocked(ctx)
}

func (c *Controller) startLocked(ctx context.Context) error {
	if c.State() == model.StateReady && c.alive() {
		return nil
	}
	c.state.Store(int32(model.StateStarting))
	procutil.Reconcile(c.opts.PIDFile, "", c.log)

	proc, err := c.spawn()
	if err != nil {
		c.state.Store(int32(model.StateStopped))
		return failure.Wrap(err, "spawn worker")
	}
	c.proc = proc

	timer := time.NewTimer(c.opts.ReadyTimeout)
	defer timer.Stop()
	select {
	case r, ok := <-proc.replies:
		if !ok {
			c.killLocked()
			return failure.New(failure.Unknown, "worker exited before ready")
		}
		if !r.Success {
			f := r.Failure()
			c.killLocked()
			if f.Fatal {
				c.state.Store(int32(model.StateFatal))
			}
			c.log.Error("worker 初始化失败", "kind", f.Kind, "error", f.Message)
			return f
		}
		c.readySince = time.Now()
		c.state.Store(int32(model.StateReady))
		c.log.Info("worker 已就绪", "pid", proc.cmd.Process.Pid)
		return nil
	case <-timer.C:
		c.killLocked()
		return failure.Newf(failure.Timeout, "worker not ready within %s", c.opts.ReadyTimeout)
	case <-ctx.Done():
		c.killLocked()
		return failure.Wrap(ctx.Err(), "wait worker ready")
	}
}

func (c *Controller) spawn() (*process, error) {
	argv := c.opts.Command
	if len(argv) == 0 {
		exe, err := os.Executable()
		if err != nil {
			return nil, err
		}
		argv = []string{exe, "worker"}
	}

	cmd := exec.Command(argv[0], argv[1:]...)
	// 子进程日志经 stderr 转写，关闭其控制台颜色
	cmd.Env = append(os.Environ(), "NO_COLOR=1")
	cmd.Env = append(cmd.Env, c.opts.Env...)
	procutil.SetProcessGroup(cmd)

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, err
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, err
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, err
	}
	if err := cmd.Start(); err != nil {
		return nil, err
	}
	if err := c.opts.PIDFile.Write(cmd.Process.Pid); err != nil {
		c.log.Warn("写入 pid 文件失败", "error", err)
	}

	proc := &process{
		cmd:     cmd,
		stdin:   stdin,
		conn:    protocol.NewConn(stdout, stdin),
		replies: make(chan protocol.Reply, 1),
		exited:  make(chan struct{}),
	}

	var relay sync.WaitGroup
	relay.Add(1)
	go func() {
		defer relay.Done()
		c.relayStderr(stderr)
	}()
	go func() {
		c.readReplies(proc)
		relay.Wait()
		err := cmd.Wait()
		c.log.Info("worker 进程已退出", "pid", cmd.Process.Pid, "error", err)
		close(proc.exited)
	}()
	return proc, nil
}

// readReplies 读取子进程 stdout，非 JSON 行记录后忽略
func (c *Controller) readReplies(proc *process) {
	defer close(proc.replies)
	for {
		r, line, err := proc.conn.ReadReply()
		if errors.Is(err, protocol.ErrNotJSON) {
			if line != "" {
				c.log.Debug("忽略 worker 非 JSON 输出", "line", line)
			}
			continue
		}
		if err != nil {
			return
		}
		proc.replies <- r
	}
}

// relayStderr 把子进程日志转写到本进程日志
func (c *Controller) relayStderr(r io.Reader) {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 16*1024), 1<<20)
	for sc.Scan() {
		line := strings.TrimSpace(ansiEscape.ReplaceAllString(sc.Text(), ""))
		if line == "" {
			continue
		}
		c.log.Info("[worker] " + line)
	}
}

func (c *Controller) alive() bool {
	return c.proc != nil && isRunning(c.proc)
}

// killLocked 强制结束子进程组
func (c *Controller) killLocked() {
	if c.proc == nil {
		return
	}
	proc := c.proc
	c.proc = nil
	if isRunning(proc) && proc.cmd.Process != nil {
		procutil.KillGroup(proc.cmd.Process.Pid)
	}
	_ = proc.stdin.Close()
	if !waitExit(proc, c.opts.ShutdownWait) {
		c.log.Warn("等待 worker 退出超时", "pid", proc.cmd.Process.Pid)
	}
	c.opts.PIDFile.Remove()
	if c.State() != model.StateFatal {
		c.state.Store(int32(model.StateStopped))
	}
}

func isRunning(proc *process) bool {
	select {
	case <-proc.exited:
		return false
	default:
		return true
	}
}

// waitExit 等待进程退出，期间丢弃未被取走的结果，避免读协程阻塞
func waitExit(proc *process, d time.Duration) bool {
	deadline := time.NewTimer(d)
	defer deadline.Stop()
	replies := proc.replies
	for {
		select {
		case <-proc.exited:
			return true
		case _, ok := <-replies:
			if !ok {
				replies = nil
			}
		case <-deadline.C:
			return false
		}
	}
}

// exchange 确保子进程就绪后发送命令
func (c *Controller) exchange(ctx context.Context, cmd protocol.Command) (protocol.Reply, error) {
	if !c.alive() || c.State() != model.StateReady {
		if err := c.startLocked(ctx); err != nil {
			return protocol.Reply{}, err
		}
	}
	return c.send(ctx, cmd)
}

// send 发送一条命令并等待结果
//
// 调用方放弃（ctx 结束）时只能结束整个子进程，没有更细粒度的取消。
func (c *Controller) send(ctx context.Context, cmd protocol.Command) (protocol.Reply, error) {
	proc := c.proc
	if proc == nil {
		return protocol.Reply{}, failure.New(failure.Unknown, "worker not running")
	}
	if err := proc.conn.WriteCommand(cmd); err != nil {
		c.killLocked()
		return protocol.Reply{}, failure.Wrap(err, "write command")
	}

	timer := time.NewTimer(c.opts.CommandTimeout)
	defer timer.Stop()
	select {
	case r, ok := <-proc.replies:
		if !ok {
			c.killLocked()
			return protocol.Reply{}, failure.Newf(failure.Unknown, "worker exited during %s", cmd.Type)
		}
		return r, nil
	case <-timer.C:
		c.killLocked()
		return protocol.Reply{}, failure.Newf(failure.Timeout, "%s timed out after %s", cmd.Type, c.opts.CommandTimeout)
	case <-ctx.Done():
		c.log.Warn("调用方放弃命令，结束 worker", "cmd", string(cmd.Type))
		c.killLocked()
		return protocol.Reply{}, failure.Wrap(ctx.Err(), string(cmd.Type))
	}
}

// AcquireTokens 请求 count 个令牌，action 为空时使用 worker 配置的默认值
func (c *Controller) AcquireTokens(ctx context.Context, count int, action string) (*model.TokenBatch, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	r, err := c.exchange(ctx, protocol.Command{Type: protocol.CmdGetTokens, Count: count, Action: action})
	if err != nil {
		return nil, err
	}
	if f := r.Failure(); f != nil {
		if f.Fatal {
			c.state.Store(int32(model.StateFatal))
		}
		return nil, f
	}
	return &model.TokenBatch{Action: r.Action, Tokens: r.Tokens, ReceivedAt: time.Now()}, nil
}

// Restart 让 worker 重启浏览器，子进程不在时重新拉起
func (c *Controller) Restart(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.alive() {
		return c.startLocked(ctx)
	}
	c.state.Store(int32(model.StateRestarting))
	r, err := c.send(ctx, protocol.Command{Type: protocol.CmdRestart})
	if err != nil {
		return err
	}
	if f := r.Failure(); f != nil {
		if f.Fatal {
			c.state.Store(int32(model.StateFatal))
		} else {
			c.state.Store(int32(model.StateStopped))
		}
		return f
	}
	c.readySince = time.Now()
	c.state.Store(int32(model.StateReady))
	return nil
}

// ResetProxy 清除 worker 的代理禁用标记
func (c *Controller) ResetProxy(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	r, err := c.exchange(ctx, protocol.Command{Type: protocol.CmdResetProxy})
	if err != nil {
		return err
	}
	if f := r.Failure(); f != nil {
		return f
	}
	return nil
}

// Ping 存活探测，返回 worker 报告的浏览器状态
func (c *Controller) Ping(ctx context.Context) (model.State, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.alive() {
		return model.StateStopped, fmt.Errorf("worker not running")
	}
	r, err := c.send(ctx, protocol.Command{Type: protocol.CmdPing})
	if err != nil {
		return c.State(), err
	}
	return model.ParseState(r.State), nil
}

// Shutdown 发送 SHUTDOWN，超时后强制结束，可重复调用
func (c *Controller) Shutdown() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.proc == nil {
		return
	}
	proc := c.proc
	if c.alive() {
		_ = proc.conn.WriteCommand(protocol.Command{Type: protocol.CmdShutdown})
		_ = proc.stdin.Close()
		if waitExit(proc, c.opts.ShutdownWait) {
			c.log.Info("worker 已正常退出")
		} else {
			c.log.Warn("worker 未在限定时间内退出，强制结束", "wait", c.opts.ShutdownWait)
		}
	}
	c.killLocked()
	c.state.Store(int32(model.StateStopped))
}
