package bridge

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/tidwall/gjson"

	"captchabridge/internal/logger"
	"captchabridge/pkg/model"
)

const maxBodyBytes = 1 << 20

// Server 中转 HTTP 服务
type Server struct {
	addr    string
	broker  *Broker
	metrics *Metrics
	login   *LoginRelay
	log     logger.Logger

	mu      sync.Mutex
	srv     *http.Server
	ln      net.Listener
	running bool
}

// NewServer 创建服务，metrics、login 可为 nil
func NewServer(addr string, b *Broker, m *Metrics, login *LoginRelay, l logger.Logger) *Server {
	if l == nil {
		l = logger.NewNop()
	}
	return &Server{addr: addr, broker: b, metrics: m, login: login, log: l}
}

// Router 构建路由
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(chimw.Recoverer)
	r.Use(corsMiddleware())
	if s.metrics != nil {
		r.Use(s.observe)
	}

	r.Get("/captcha/request", s.handleRequest)
	r.Post("/captcha/token", s.handleToken)
	r.Get("/captcha/status", s.handleStatus)
	r.Get("/bridge/cookie", s.handleGetCookie)
	r.Post("/bridge/cookie", s.handleSetCookie)
	r.Get("/bridge/info", s.handleInfo)
	r.Post("/bridge/login", s.handleLogin)
	if s.metrics != nil {
		r.Handle("/metrics", s.metrics.Handler())
	}
	r.NotFound(func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusNotFound, map[string]any{"error": "Not found"})
	})
	return r
}

// Start 监听并在后台提供服务
func (s *Server) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return nil
	}
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return err
	}
	s.ln = ln
	s.srv = &http.Server{
		Handler:           s.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	s.running = true
	s.log.Info("中转服务已启动", "addr", ln.Addr().String())

	srv := s.srv
	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.log.Err(err, "中转服务异常退出")
		}
	}()
	return nil
}

// Addr 实际监听地址，未启动时返回配置值
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ln != nil {
		return s.ln.Addr().String()
	}
	return s.addr
}

// Port 实际监听端口
func (s *Server) Port() int {
	_, p, err := net.SplitHostPort(s.Addr())
	if err != nil {
		return 0
	}
	n, _ := strconv.Atoi(p)
	return n
}

// Running 是否正在提供服务
func (s *Server) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

// Shutdown 优雅停止
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	srv := s.srv
	s.srv = nil
	s.running = false
	s.mu.Unlock()
	if srv == nil {
		return nil
	}
	s.log.Info("中转服务停止")
	return srv.Shutdown(ctx)
}

func corsMiddleware() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			// 扩展从任意页面来源调用
			w.Header().Set("Access-Control-Allow-Origin", "*")
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Accept")

			if r.Method == http.MethodOptions {
				writeJSON(w, http.StatusOK, map[string]any{"ok": true})
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func (s *Server) observe(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := chimw.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		route := "unmatched"
		if rc := chi.RouteContext(r.Context()); rc != nil && rc.RoutePattern() != "" {
			route = rc.RoutePattern()
		}
		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		s.metrics.Observe(r.Method, route, status, time.Since(start))
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func queryChannel(r *http.Request) (model.Channel, bool) {
	raw := r.URL.Query().Get("channel")
	if raw == "" {
		return model.DefaultChannel, false
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return model.DefaultChannel, true
	}
	return model.ClampChannel(n), true
}

func readBody(r *http.Request) ([]byte, error) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		return nil, err
	}
	if !gjson.ValidBytes(body) {
		return nil, errors.New("invalid JSON body")
	}
	return body, nil
}

func (s *Server) handleRequest(w http.ResponseWriter, r *http.Request) {
	c, _ := queryChannel(r)
	req := s.broker.Poll(c)
	if req == nil {
		writeJSON(w, http.StatusOK, map[string]any{"need_token": false, "channel": int(c)})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"need_token": true,
		"action":     req.Action,
		"count":      req.Count,
		"channel":    int(c),
		"id":         req.ID,
	})
}

func (s *Server) handleToken(w http.ResponseWriter, r *http.Request) {
	body, err := readBody(r)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{"ok": false, "error": err.Error()})
		return
	}
	tokensField := gjson.GetBytes(body, "tokens")
	if !tokensField.IsArray() {
		writeJSON(w, http.StatusBadRequest, map[string]any{"ok": false, "error": ErrEmptyBatch.Error()})
		return
	}
	var tokens []string
	for _, t := range tokensField.Array() {
		if v := t.String(); v != "" {
			tokens = append(tokens, v)
		}
	}
	c := model.ClampChannel(int(gjson.GetBytes(body, "channel").Int()))
	if !gjson.GetBytes(body, "channel").Exists() {
		c = model.DefaultChannel
	}

	n, err := s.broker.Deliver(c, gjson.GetBytes(body, "action").String(), tokens)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{"ok": false, "error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "received": n})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	st := s.broker.Stats()
	resp := map[string]any{
		"running":         true,
		"has_pending":     len(st.Pending) > 0,
		"tokens_received": st.TokensReceived,
		"project_name":    st.ProjectName,
		"channels":        st.Pending,
	}
	if c, ok := queryChannel(r); ok {
		resp["channel"] = int(c)
		resp["has_pending"] = s.broker.HasPending(c)
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleGetCookie(w http.ResponseWriter, _ *http.Request) {
	v, ok := s.broker.Cookie()
	writeJSON(w, http.StatusOK, map[string]any{"cookie": v, "has_cookie": ok})
}

func (s *Server) handleSetCookie(w http.ResponseWriter, r *http.Request) {
	body, err := readBody(r)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{"ok": false, "error": err.Error()})
		return
	}
	v := gjson.GetBytes(body, "cookie").String()
	s.broker.SetCookie(v)
	s.log.Debug("cookie 已更新", "length", len(v))
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "saved": len(v)})
}

func (s *Server) handleInfo(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"project_name": s.broker.ProjectName(),
		"port":         s.Port(),
		"running":      true,
		"num_channels": model.NumChannels,
	})
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	if s.login == nil {
		writeJSON(w, http.StatusNotImplemented, map[string]any{"error": "login relay not configured"})
		return
	}
	body, err := readBody(r)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": err.Error()})
		return
	}
	mail := gjson.GetBytes(body, "mail").String()
	res, err := s.login.Login(r.Context(), mail, gjson.GetBytes(body, "password").String())
	if err != nil {
		var le *LoginError
		if errors.As(err, &le) {
			s.log.Warn("中转登录被拒绝", "mail", mail, "status", le.Status)
			writeJSON(w, le.Status, map[string]any{"error": le.Message})
			return
		}
		writeJSON(w, http.StatusInternalServerError, map[string]any{"error": err.Error()})
		return
	}
	s.log.Info("中转登录成功", "mail", mail, "roles", res.User.Roles)
	writeJSON(w, http.StatusOK, map[string]any{
		"ok":           true,
		"access_token": res.AccessToken,
		"user":         res.User,
	})
}
