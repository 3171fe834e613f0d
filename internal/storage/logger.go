package storage

import (
	"context"
	"errors"
	"time"

	gormlogger "gorm.io/gorm/logger"

	"captchabridge/internal/ctxkeys"
	"captchabridge/internal/logger"
)

// sqlLogger 把 gorm 日志转到项目日志，带上取令牌流程的 traceId
type sqlLogger struct {
	log   logger.Logger
	level gormlogger.LogLevel
	slow  time.Duration
}

func newSQLLogger(l logger.Logger, level gormlogger.LogLevel) *sqlLogger {
	return &sqlLogger{log: l, level: level, slow: 500 * time.Millisecond}
}

func (l *sqlLogger) LogMode(level gormlogger.LogLevel) gormlogger.Interface {
	cp := *l
	cp.level = level
	return &cp
}

func (l *sqlLogger) kv(ctx context.Context, data []any) []any {
	return append([]any{"traceId", ctxkeys.TraceID(ctx)}, data...)
}

func (l *sqlLogger) Info(ctx context.Context, msg string, data ...any) {
	if l.level >= gormlogger.Info {
		l.log.Info(msg, l.kv(ctx, data)...)
	}
}

func (l *sqlLogger) Warn(ctx context.Context, msg string, data ...any) {
	if l.level >= gormlogger.Warn {
		l.log.Warn(msg, l.kv(ctx, data)...)
	}
}

func (l *sqlLogger) Error(ctx context.Context, msg string, data ...any) {
	if l.level >= gormlogger.Error {
		l.log.Error(msg, l.kv(ctx, data)...)
	}
}

// Trace 错误与慢查询总是记录，其余 SQL 只在 Info 级别下以 debug 输出
func (l *sqlLogger) Trace(ctx context.Context, begin time.Time, fc func() (string, int64), err error) {
	if l.level <= gormlogger.Silent {
		return
	}
	elapsed := time.Since(begin)
	sql, rows := fc()
	fields := l.kv(ctx, []any{"sql", sql, "rows", rows, "ms", elapsed.Milliseconds()})

	switch {
	case err != nil && !errors.Is(err, gormlogger.ErrRecordNotFound) && l.level >= gormlogger.Error:
		l.log.Error("SQL执行错误", append(fields, "error", err)...)
	case elapsed > l.slow && l.level >= gormlogger.Warn:
		l.log.Warn("慢SQL", fields...)
	case l.level >= gormlogger.Info:
		l.log.Debug("SQL执行", fields...)
	}
}
