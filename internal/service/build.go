package service

import (
	"os"

	"captchabridge/internal/bridge"
	"captchabridge/internal/config"
	"captchabridge/internal/logger"
	"captchabridge/internal/procutil"
	"captchabridge/internal/sidecar"
	"captchabridge/internal/storage"
	"captchabridge/pkg/model"
)

// Build 按配置组装管理器
//
// cfgPath 会传给 worker 子进程，使其读取同一份配置。流水库打不开时只记录告警。
func Build(cfg *config.Config, cfgPath string, l logger.Logger) (*Manager, error) {
	if l == nil {
		l = logger.NewNop()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	deps := Deps{Metrics: bridge.NewMetrics()}

	if db, err := storage.Open(cfg.Sqlite.Dsn, cfg.Sqlite.Prefix, l); err != nil {
		l.Warn("打开取令牌流水库失败，不记录流水", "dsn", cfg.Sqlite.Dsn, "error", err)
	} else {
		deps.Journal = storage.NewJournal(db)
		deps.Closer = func() error { return storage.Close(db) }
	}

	switch cfg.Manager.Mode {
	case config.ModeBridge:
		deps.Broker = bridge.NewBroker(bridge.BrokerOptions{
			RequestTTL:  cfg.Bridge.RequestTTL,
			ProjectName: cfg.Bridge.ProjectName,
			Metrics:     deps.Metrics,
		}, l.With("module", "bridge"))
		login := bridge.NewLoginRelay(cfg.Bridge.AuthLoginURL, cfg.Bridge.ToolName, 0)
		deps.Server = bridge.NewServer(cfg.BridgeAddr(), deps.Broker, deps.Metrics, login, l.With("module", "bridge"))
	default:
		deps.Controller = sidecar.New(SidecarOptions(cfg, cfgPath), l.With("module", "sidecar"))
	}

	return New(Options{
		Mode:         cfg.Manager.Mode,
		Channel:      model.ClampChannel(cfg.Manager.Channel),
		Action:       cfg.Worker.Action,
		TokenTimeout: cfg.Manager.TokenTimeout,
	}, deps, l), nil
}

// SidecarOptions 子进程控制参数，未配置命令时以当前程序的 worker 子命令启动
func SidecarOptions(cfg *config.Config, cfgPath string) sidecar.Options {
	argv := cfg.Sidecar.Command
	if len(argv) == 0 {
		if exe, err := os.Executable(); err == nil {
			argv = []string{exe, "worker"}
			if cfgPath != "" {
				argv = append(argv, "--config", cfgPath)
			}
		}
	}
	return sidecar.Options{
		Command:        argv,
		ReadyTimeout:   cfg.Sidecar.ReadyTimeout,
		CommandTimeout: cfg.Sidecar.CommandTimeout,
		ShutdownWait:   cfg.Sidecar.ShutdownWait,
		PIDFile:        procutil.NewPIDFile(cfg.Sidecar.PIDFile, "captchad-worker"),
	}
}
