package logger

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"gopkg.in/natefinch/lumberjack.v2"
)

// Logger 项目统一日志接口，键值对形式记录上下文
type Logger interface {
	Debug(msg string, kv ...any)
	Info(msg string, kv ...any)
	Warn(msg string, kv ...any)
	Error(msg string, kv ...any)
	Err(err error, msg string, kv ...any)
	With(kv ...any) Logger
}

// Options 日志配置
type Options struct {
	Level   string   // debug, info, warn, error
	Writer  []string // console, file
	File    string   // 日志文件路径
	MaxSize int      // 单文件大小(MB)
	Backups int      // 保留的旧文件个数
	NoColor bool     // console 输出不带 ANSI 颜色
}

type zlog struct {
	z zerolog.Logger
}

// New 根据配置创建 zerolog 日志实例
//
// console 输出固定写到 stderr，stdout 保留给子进程命令协议。
func New(opts Options) Logger {
	var writers []io.Writer
	for _, w := range opts.Writer {
		switch strings.ToLower(w) {
		case "console":
			writers = append(writers, zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.DateTime, NoColor: opts.NoColor})
		case "file":
			if opts.File == "" {
				continue
			}
			_ = os.MkdirAll(filepath.Dir(opts.File), 0o755)
			writers = append(writers, &lumberjack.Logger{
				Filename:   opts.File,
				MaxSize:    orDefault(opts.MaxSize, 10),
				MaxBackups: orDefault(opts.Backups, 3),
				Compress:   true,
			})
		}
	}
	if len(writers) == 0 {
		return NewNop()
	}

	level, err := zerolog.ParseLevel(strings.ToLower(opts.Level))
	if err != nil || opts.Level == "" {
		level = zerolog.InfoLevel
	}
	z := zerolog.New(zerolog.MultiLevelWriter(writers...)).Level(level).With().Timestamp().Logger()
	return &zlog{z: z}
}

// NewNop 创建丢弃所有输出的日志实例
func NewNop() Logger {
	return &zlog{z: zerolog.Nop()}
}

func (l *zlog) Debug(msg string, kv ...any) { l.z.Debug().Fields(fields(kv)).Msg(msg) }
func (l *zlog) Info(msg string, kv ...any)  { l.z.Info().Fields(fields(kv)).Msg(msg) }
func (l *zlog) Warn(msg string, kv ...any)  { l.z.Warn().Fields(fields(kv)).Msg(msg) }
func (l *zlog) Error(msg string, kv ...any) { l.z.Error().Fields(fields(kv)).Msg(msg) }

func (l *zlog) Err(err error, msg string, kv ...any) {
	l.z.Error().Err(err).Fields(fields(kv)).Msg(msg)
}

func (l *zlog) With(kv ...any) Logger {
	return &zlog{z: l.z.With().Fields(fields(kv)).Logger()}
}

// fields 将 kv 列表转换为 zerolog 字段，奇数个参数时最后一个记为 EXTRA
func fields(kv []any) map[string]any {
	if len(kv) == 0 {
		return nil
	}
	m := make(map[string]any, len(kv)/2+1)
	for i := 0; i < len(kv); i += 2 {
		if i+1 >= len(kv) {
			m["EXTRA"] = kv[i]
			break
		}
		m[fmt.Sprint(kv[i])] = kv[i+1]
	}
	return m
}

func orDefault(v, d int) int {
	if v <= 0 {
		return d
	}
	return v
}
