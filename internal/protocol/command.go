package protocol

import (
	"fmt"
	"strconv"
	"strings"

	"captchabridge/pkg/model"
)

// CommandType 子进程命令
type CommandType string

const (
	CmdGetTokens  CommandType = "GET_TOKENS"
	CmdRestart    CommandType = "RESTART_BROWSER"
	CmdResetProxy CommandType = "RESET_PROXY"
	CmdPing       CommandType = "PING"
	CmdShutdown   CommandType = "SHUTDOWN"
)

// MaxTokensPerCommand 单条 GET_TOKENS 允许的最大数量
const MaxTokensPerCommand = model.MaxTokensPerRequest

// Command 一行命令
type Command struct {
	Type   CommandType
	Count  int    // 仅 GET_TOKENS
	Action string // 仅 GET_TOKENS，可选，空表示使用配置的 action
}

// parseError 命令格式错误，连接本身仍可继续使用
type parseError struct{ msg string }

func (e *parseError) Error() string { return e.msg }

// ParseCommand 解析一行命令，格式: GET_TOKENS <n> [action]
func ParseCommand(line string) (Command, error) {
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return Command{}, &parseError{"empty command"}
	}
	typ := CommandType(strings.ToUpper(fields[0]))
	switch typ {
	case CmdGetTokens:
		cmd := Command{Type: typ, Count: 1}
		if len(fields) > 1 {
			n, err := strconv.Atoi(fields[1])
			if err != nil || n < 1 {
				return Command{}, &parseError{fmt.Sprintf("invalid token count %q", fields[1])}
			}
			cmd.Count = min(n, MaxTokensPerCommand)
		}
		if len(fields) > 2 {
			cmd.Action = fields[2]
		}
		return cmd, nil
	case CmdRestart, CmdResetProxy, CmdPing, CmdShutdown:
		return Command{Type: typ}, nil
	default:
		return Command{}, &parseError{fmt.Sprintf("unknown command %q", fields[0])}
	}
}

// String 编码为一行命令（不含换行）
func (c Command) String() string {
	if c.Type != CmdGetTokens {
		return string(c.Type)
	}
	n := c.Count
	if n < 1 {
		n = 1
	}
	s := string(c.Type) + " " + strconv.Itoa(n)
	if c.Action != "" {
		s += " " + c.Action
	}
	return s
}
