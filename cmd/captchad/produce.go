package main

import (
	"context"
	"errors"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/time/rate"

	"captchabridge/internal/failure"
	"captchabridge/internal/logger"
	"captchabridge/internal/service"
	"captchabridge/internal/sidecar"
	"captchabridge/pkg/bridgeclient"
	"captchabridge/pkg/model"
)

type tokenSource interface {
	AcquireTokens(ctx context.Context, count int, action string) (*model.TokenBatch, error)
}

type bridgeAPI interface {
	PollRequest(ctx context.Context, ch model.Channel) (*bridgeclient.Request, error)
	PostTokens(ctx context.Context, ch model.Channel, action string, tokens []string) (int, error)
}

// producer 轮询中转通道，用本地 worker 取令牌后送回
type producer struct {
	src      tokenSource
	bridge   bridgeAPI
	channel  model.Channel
	interval time.Duration
	log      logger.Logger
}

func (p *producer) run(ctx context.Context) error {
	if p.interval <= 0 {
		p.interval = time.Second
	}
	lim := rate.NewLimiter(rate.Every(p.interval), 1)
	p.log.Info("开始轮询中转通道", "channel", int(p.channel), "interval", p.interval)
	for {
		if err := lim.Wait(ctx); err != nil {
			return nil
		}
		if err := p.step(ctx); err != nil {
			return err
		}
	}
}

// step 执行一轮轮询，只有致命失败才返回错误
//
// 取令牌失败时不回写，请求留在通道上等下一轮。
func (p *producer) step(ctx context.Context) error {
	req, err := p.bridge.PollRequest(ctx, p.channel)
	if err != nil {
		p.log.Debug("轮询中转失败", "error", err)
		return nil
	}
	if !req.NeedToken {
		return nil
	}

	batch, err := p.src.AcquireTokens(ctx, req.Count, req.Action)
	if err != nil {
		f := failure.From(err)
		if f != nil && f.Fatal {
			p.log.Error("worker 不可恢复，停止生产", "kind", f.Kind, "hint", f.Hint)
			return f
		}
		if errors.Is(err, context.Canceled) {
			return nil
		}
		p.log.Warn("取令牌失败，等待下一轮", "error", err)
		return nil
	}

	n, err := p.bridge.PostTokens(ctx, p.channel, req.Action, batch.Tokens)
	if err != nil {
		p.log.Warn("回写令牌失败", "error", err)
		return nil
	}
	p.log.Info("令牌已送回中转", "channel", int(p.channel), "count", n, "request", req.ID)
	return nil
}

func getCmdProduce(c *rootCommand) *cobra.Command {
	var url string
	var channel int
	var interval time.Duration
	cmd := &cobra.Command{
		Use:   "produce",
		Short: "Feed a bridge channel from a local browser worker",
		Long: `Poll a bridge channel and answer each pending request with tokens from a
supervised browser worker. Failed attempts leave the request pending.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if url == "" {
				url = "http://" + c.cfg.BridgeAddr()
			}
			ctrl := sidecar.New(service.SidecarOptions(c.cfg, c.configPath), c.log.With("module", "sidecar"))
			defer ctrl.Shutdown()

			p := &producer{
				src:      ctrl,
				bridge:   bridgeclient.New(url, 0),
				channel:  model.ClampChannel(channel),
				interval: interval,
				log:      c.log.With("module", "produce"),
			}
			return p.run(cmd.Context())
		},
	}
	cmd.Flags().StringVar(&url, "bridge-url", "", "bridge base URL (default from config)")
	cmd.Flags().IntVar(&channel, "channel", int(model.DefaultChannel), "channel to serve (1-5)")
	cmd.Flags().DurationVar(&interval, "interval", time.Second, "poll interval")
	return cmd
}
