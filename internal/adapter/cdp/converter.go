package cdp

import (
	"github.com/mafredri/cdp/protocol/fetch"
	"github.com/mafredri/cdp/protocol/network"

	"captchabridge/pkg/traffic"
)

// FromPaused 把 Fetch.requestPaused 事件转为过滤规则使用的请求
func FromPaused(ev *fetch.RequestPausedReply) *traffic.Request {
	req := traffic.NewRequest(ev.Request.URL)
	req.ID = string(ev.RequestID)
	req.Method = ev.Request.Method
	req.ResourceType = string(ev.ResourceType)
	return req
}

// BlockArgs 以客户端拦截的原因结束请求
func BlockArgs(req *traffic.Request) *fetch.FailRequestArgs {
	return fetch.NewFailRequestArgs(fetch.RequestID(req.ID), network.ErrorReasonBlockedByClient)
}

// ContinueArgs 原样放行请求
func ContinueArgs(req *traffic.Request) *fetch.ContinueRequestArgs {
	return fetch.NewContinueRequestArgs(fetch.RequestID(req.ID))
}
