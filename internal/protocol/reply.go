package protocol

import (
	"errors"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"

	"captchabridge/internal/failure"
)

const (
	MsgReady        = "READY"
	MsgInitFailed   = "INIT_FAILED"
	MsgRestarted    = "RESTARTED"
	MsgProxyReset   = "PROXY_RESET"
	MsgPong         = "PONG"
	MsgShuttingDown = "SHUTTING_DOWN"
)

// ErrNotJSON 子进程输出了非 JSON 行（例如第三方库的杂散打印）
var ErrNotJSON = errors.New("protocol: line is not a JSON object")

// Reply 一条命令的 JSON 结果
type Reply struct {
	Success           bool
	Message           string
	Tokens            []string
	Action            string
	Error             string
	ErrorType         string
	ErrorHint         string
	IsFatal           bool
	MaxRetriesReached bool
	State             string
}

// Fail 由失败生成结果
func Fail(err error) Reply {
	f := failure.Wrap(err, "")
	if f == nil {
		return Reply{Success: false, Error: "unknown error", ErrorType: string(failure.Unknown)}
	}
	return Reply{
		Success:           false,
		Error:             f.Message,
		ErrorType:         string(f.Kind),
		ErrorHint:         f.Hint,
		IsFatal:           f.Fatal,
		MaxRetriesReached: f.MaxRetriesReached,
	}
}

// Failure 将失败结果还原为 Failure，成功时返回 nil
func (r Reply) Failure() *failure.Failure {
	if r.Success {
		return nil
	}
	kind := failure.Kind(r.ErrorType)
	if kind == "" {
		kind = failure.Classify(r.Error).Kind
	}
	msg := r.Error
	if msg == "" {
		msg = r.Message
	}
	f := failure.New(kind, msg)
	if r.ErrorHint != "" {
		f.Hint = r.ErrorHint
	}
	f.Fatal = r.IsFatal || f.Fatal
	f.MaxRetriesReached = r.MaxRetriesReached
	return f
}

// Encode 编码为一行 JSON，空的可选字段省略
func (r Reply) Encode() ([]byte, error) {
	b := []byte(`{}`)
	var err error
	set := func(path string, v any) {
		if err == nil {
			b, err = sjson.SetBytes(b, path, v)
		}
	}
	set("success", r.Success)
	if r.Message != "" {
		set("message", r.Message)
	}
	if r.Tokens != nil {
		set("tokens", r.Tokens)
	}
	if r.Action != "" {
		set("action", r.Action)
	}
	if r.Error != "" {
		set("error", r.Error)
	}
	if r.ErrorType != "" {
		set("errorType", r.ErrorType)
	}
	if r.ErrorHint != "" {
		set("errorHint", r.ErrorHint)
	}
	if r.IsFatal {
		set("isFatal", true)
	}
	if r.MaxRetriesReached {
		set("maxRetriesReached", true)
	}
	if r.State != "" {
		set("state", r.State)
	}
	return b, err
}

// DecodeReply 解析一行 JSON 结果
func DecodeReply(line []byte) (Reply, error) {
	if !gjson.ValidBytes(line) {
		return Reply{}, ErrNotJSON
	}
	doc := gjson.ParseBytes(line)
	if !doc.IsObject() {
		return Reply{}, ErrNotJSON
	}
	r := Reply{
		Success:           doc.Get("success").Bool(),
		Message:           doc.Get("message").String(),
		Action:            doc.Get("action").String(),
		Error:             doc.Get("error").String(),
		ErrorType:         doc.Get("errorType").String(),
		ErrorHint:         doc.Get("errorHint").String(),
		IsFatal:           doc.Get("isFatal").Bool(),
		MaxRetriesReached: doc.Get("maxRetriesReached").Bool(),
		State:             doc.Get("state").String(),
	}
	if tokens := doc.Get("tokens"); tokens.IsArray() {
		r.Tokens = []string{}
		for _, t := range tokens.Array() {
			r.Tokens = append(r.Tokens, t.String())
		}
	}
	return r, nil
}
