package protocol

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
)

// maxLine 单行上限，足够容纳十个令牌
const maxLine = 1 << 20

// Conn 基于任意双工字节流的行协议连接（管道、套接字或测试中的内存流）
type Conn struct {
	sc *bufio.Scanner
	w  io.Writer
	mu sync.Mutex
}

// NewConn 创建连接
func NewConn(r io.Reader, w io.Writer) *Conn {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), maxLine)
	return &Conn{sc: sc, w: w}
}

// ReadLine 读取下一行，流结束时返回 io.EOF
func (c *Conn) ReadLine() (string, error) {
	if !c.sc.Scan() {
		if err := c.sc.Err(); err != nil {
			return "", err
		}
		return "", io.EOF
	}
	return strings.TrimRight(c.sc.Text(), "\r"), nil
}

// ReadCommand 读取并解析一条命令，空行跳过
func (c *Conn) ReadCommand() (Command, error) {
	for {
		line, err := c.ReadLine()
		if err != nil {
			return Command{}, err
		}
		if strings.TrimSpace(line) == "" {
			continue
		}
		return ParseCommand(line)
	}
}

// ReadReply 读取一条结果；非 JSON 行返回 ErrNotJSON 及原始内容
func (c *Conn) ReadReply() (Reply, string, error) {
	line, err := c.ReadLine()
	if err != nil {
		return Reply{}, "", err
	}
	r, err := DecodeReply([]byte(line))
	return r, line, err
}

func (c *Conn) writeLine(b []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, err := c.w.Write(append(b, '\n')); err != nil {
		return err
	}
	if f, ok := c.w.(interface{ Sync() error }); ok {
		_ = f.Sync()
	}
	return nil
}

// WriteReply 写出一行结果
func (c *Conn) WriteReply(r Reply) error {
	b, err := r.Encode()
	if err != nil {
		return fmt.Errorf("encode reply: %w", err)
	}
	return c.writeLine(b)
}

// WriteCommand 写出一行命令
func (c *Conn) WriteCommand(cmd Command) error {
	return c.writeLine([]byte(cmd.String()))
}

// Handler 命令处理器，stop 为 true 时 Serve 在写出结果后退出
type Handler interface {
	Handle(ctx context.Context, cmd Command) (reply Reply, stop bool)
}

// HandlerFunc 函数形式的 Handler
type HandlerFunc func(ctx context.Context, cmd Command) (Reply, bool)

func (f HandlerFunc) Handle(ctx context.Context, cmd Command) (Reply, bool) { return f(ctx, cmd) }

// Serve 逐行读取命令并写出结果，直到输入结束、收到停止命令或 ctx 取消
func Serve(ctx context.Context, c *Conn, h Handler) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	type item struct {
		cmd Command
		err error
	}
	items := make(chan item)
	go func() {
		defer close(items)
		for {
			cmd, err := c.ReadCommand()
			select {
			case items <- item{cmd, err}:
			case <-ctx.Done():
				return
			}
			if err != nil && isStreamErr(err) {
				return
			}
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case it, ok := <-items:
			if !ok {
				return nil
			}
			if it.err != nil {
				if isStreamErr(it.err) {
					if errors.Is(it.err, io.EOF) {
						return nil
					}
					return it.err
				}
				if err := c.WriteReply(Fail(it.err)); err != nil {
					return err
				}
				continue
			}
			reply, stop := h.Handle(ctx, it.cmd)
			if err := c.WriteReply(reply); err != nil {
				return err
			}
			if stop {
				return nil
			}
		}
	}
}

// isStreamErr 区分读流错误与命令解析错误
func isStreamErr(err error) bool {
	var pe *parseError
	return !errors.As(err, &pe)
}
