package api

import (
	"context"

	"captchabridge/internal/config"
	"captchabridge/internal/logger"
	"captchabridge/internal/service"
	"captchabridge/internal/storage"
	"captchabridge/pkg/model"
)

// Service 取令牌服务接口
type Service interface {
	// Start 启动 worker 子进程或通道中转服务
	Start(ctx context.Context) error

	// Stop 停止服务
	Stop(ctx context.Context) error

	// AcquireTokens 取 count 个令牌，action 为空时使用配置的默认值
	AcquireTokens(ctx context.Context, count int, action string) (*model.TokenBatch, error)

	// RestartWorker 重启自动化浏览器
	RestartWorker(ctx context.Context) error

	// ResetProxy 重新启用被禁用的代理
	ResetProxy(ctx context.Context) error

	// Cookie 生产方上报的会话 cookie
	Cookie() (string, bool)

	// Status 状态快照
	Status() model.ServiceStatus

	// History 最近的取令牌流水
	History(ctx context.Context, n int) ([]storage.Acquisition, error)
}

// NewService 按配置创建服务，cfgPath 传递给 worker 子进程
func NewService(cfg *config.Config, cfgPath string, l logger.Logger) (Service, error) {
	m, err := service.Build(cfg, cfgPath, l)
	if err != nil {
		return nil, err
	}
	return m, nil
}
