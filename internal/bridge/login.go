package bridge

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/tidwall/gjson"
)

// LoginUser 登录成功后返回给页面的用户信息
type LoginUser struct {
	Name     string `json:"name"`
	Mail     string `json:"mail"`
	Roles    string `json:"roles"`
	Username string `json:"username"`
}

// LoginResult 登录转发结果
type LoginResult struct {
	AccessToken string
	User        LoginUser
}

// LoginError 带 HTTP 状态码的登录失败
type LoginError struct {
	Status  int
	Message string
}

func (e *LoginError) Error() string { return fmt.Sprintf("login failed (%d): %s", e.Status, e.Message) }

// LoginRelay 把中转页的登录请求转发到账号服务，只放行管理员或拥有工具权限的账号
type LoginRelay struct {
	url    string
	tool   string
	client *resty.Client
}

// NewLoginRelay 创建登录转发，url 为空时返回 nil
func NewLoginRelay(url, tool string, timeout time.Duration) *LoginRelay {
	if url == "" {
		return nil
	}
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &LoginRelay{
		url:    url,
		tool:   tool,
		client: resty.New().SetTimeout(timeout).SetHeader("Content-Type", "application/json"),
	}
}

// Login 转发账号密码并校验权限
func (r *LoginRelay) Login(ctx context.Context, mail, password string) (*LoginResult, error) {
	if mail == "" || password == "" {
		return nil, &LoginError{Status: http.StatusBadRequest, Message: "Email and password are required"}
	}
	resp, err := r.client.R().
		SetContext(ctx).
		SetBody(map[string]string{"mail": mail, "password": password}).
		Post(r.url)
	if err != nil {
		return nil, &LoginError{Status: http.StatusBadGateway, Message: "cannot connect to auth server: " + err.Error()}
	}

	body := resp.Body()
	if resp.IsError() {
		msg := gjson.GetBytes(body, "message").String()
		if msg == "" {
			msg = fmt.Sprintf("HTTP %d", resp.StatusCode())
		}
		return nil, &LoginError{Status: resp.StatusCode(), Message: msg}
	}
	if !gjson.ValidBytes(body) {
		return nil, &LoginError{Status: http.StatusBadGateway, Message: "auth server returned invalid JSON"}
	}

	data := gjson.GetBytes(body, "data")
	roles := data.Get("roles").String()
	if roles != "admin" && !data.Get("tools_access." + gjson.Escape(r.tool)).Bool() {
		return nil, &LoginError{Status: http.StatusForbidden, Message: "access denied: admin or tool access required"}
	}
	return &LoginResult{
		AccessToken: gjson.GetBytes(body, "access_token").String(),
		User: LoginUser{
			Name:     data.Get("name").String(),
			Mail:     data.Get("mail").String(),
			Roles:    roles,
			Username: data.Get("username").String(),
		},
	}, nil
}
