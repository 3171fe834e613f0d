// Package traffic 与具体协议无关的请求模型，供资源过滤规则使用
package traffic

import (
	"net/url"
	"strings"
)

// Request 页面发出的一次子资源请求
type Request struct {
	ID           string
	URL          string
	Host         string // 小写，不含端口
	Method       string
	ResourceType string // Document, Script, Image ...
}

// NewRequest 由 URL 构造请求，无法解析时 Host 为空
func NewRequest(rawURL string) *Request {
	req := &Request{URL: rawURL}
	if u, err := url.Parse(rawURL); err == nil {
		req.Host = strings.ToLower(u.Hostname())
	}
	return req
}
