// Package bridgeclient 通道中转服务的 HTTP 客户端，供生产方使用
package bridgeclient

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/tidwall/gjson"

	"captchabridge/pkg/model"
)

// Request 轮询到的取令牌请求
type Request struct {
	NeedToken bool
	ID        string
	Action    string
	Count     int
	Channel   model.Channel
}

// Info 中转服务信息
type Info struct {
	ProjectName string
	Port        int
	Running     bool
	NumChannels int
}

// Status 中转状态
type Status struct {
	Running        bool
	HasPending     bool
	TokensReceived int64
	ProjectName    string
	Channels       []int
}

// Client 中转客户端
type Client struct {
	http *resty.Client
}

// New 创建客户端，baseURL 形如 http://127.0.0.1:18923
func New(baseURL string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Client{http: resty.New().
		SetBaseURL(baseURL).
		SetTimeout(timeout).
		SetHeader("Accept", "application/json")}
}

func (c *Client) get(ctx context.Context, path string, query map[string]string) (gjson.Result, error) {
	resp, err := c.http.R().SetContext(ctx).SetQueryParams(query).Get(path)
	if err != nil {
		return gjson.Result{}, err
	}
	return decode(resp)
}

func (c *Client) post(ctx context.Context, path string, body any) (gjson.Result, error) {
	resp, err := c.http.R().SetContext(ctx).SetHeader("Content-Type", "application/json").SetBody(body).Post(path)
	if err != nil {
		return gjson.Result{}, err
	}
	return decode(resp)
}

func decode(resp *resty.Response) (gjson.Result, error) {
	res := gjson.ParseBytes(resp.Body())
	if resp.IsError() {
		msg := res.Get("error").String()
		if msg == "" {
			msg = resp.Status()
		}
		return res, fmt.Errorf("bridge %s %s: %s", resp.Request.Method, resp.Request.URL, msg)
	}
	return res, nil
}

// PollRequest 查询通道上的待处理请求
func (c *Client) PollRequest(ctx context.Context, ch model.Channel) (*Request, error) {
	res, err := c.get(ctx, "/captcha/request", map[string]string{"channel": strconv.Itoa(int(ch))})
	if err != nil {
		return nil, err
	}
	r := &Request{
		NeedToken: res.Get("need_token").Bool(),
		ID:        res.Get("id").String(),
		Action:    res.Get("action").String(),
		Count:     int(res.Get("count").Int()),
		Channel:   model.Channel(res.Get("channel").Int()),
	}
	return r, nil
}

// PostTokens 把令牌送回通道，返回服务端收到的数量
func (c *Client) PostTokens(ctx context.Context, ch model.Channel, action string, tokens []string) (int, error) {
	res, err := c.post(ctx, "/captcha/token", map[string]any{
		"tokens":  tokens,
		"action":  action,
		"channel": int(ch),
	})
	if err != nil {
		return 0, err
	}
	return int(res.Get("received").Int()), nil
}

// Cookie 读取会话 cookie
func (c *Client) Cookie(ctx context.Context) (string, bool, error) {
	res, err := c.get(ctx, "/bridge/cookie", nil)
	if err != nil {
		return "", false, err
	}
	return res.Get("cookie").String(), res.Get("has_cookie").Bool(), nil
}

// SetCookie 上报会话 cookie，空值表示清除
func (c *Client) SetCookie(ctx context.Context, v string) error {
	_, err := c.post(ctx, "/bridge/cookie", map[string]string{"cookie": v})
	return err
}

// Info 读取服务信息
func (c *Client) Info(ctx context.Context) (*Info, error) {
	res, err := c.get(ctx, "/bridge/info", nil)
	if err != nil {
		return nil, err
	}
	return &Info{
		ProjectName: res.Get("project_name").String(),
		Port:        int(res.Get("port").Int()),
		Running:     res.Get("running").Bool(),
		NumChannels: int(res.Get("num_channels").Int()),
	}, nil
}

// Status 读取中转状态，ch 为 0 时查询全部通道
func (c *Client) Status(ctx context.Context, ch model.Channel) (*Status, error) {
	q := map[string]string{}
	if ch != 0 {
		q["channel"] = strconv.Itoa(int(ch))
	}
	res, err := c.get(ctx, "/captcha/status", q)
	if err != nil {
		return nil, err
	}
	st := &Status{
		Running:        res.Get("running").Bool(),
		HasPending:     res.Get("has_pending").Bool(),
		TokensReceived: res.Get("tokens_received").Int(),
		ProjectName:    res.Get("project_name").String(),
	}
	for _, v := range res.Get("channels").Array() {
		st.Channels = append(st.Channels, int(v.Int()))
	}
	return st, nil
}
