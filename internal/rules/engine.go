package rules

import (
	"regexp"
	"sort"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/gobwas/glob"

	"captchabridge/pkg/model"
	"captchabridge/pkg/traffic"
)

// Engine 资源过滤规则引擎
type Engine struct {
	mu      sync.RWMutex
	rs      model.RuleSet
	total   atomic.Int64
	blocked atomic.Int64
	byRule  sync.Map // model.RuleID -> *atomic.Int64
}

// New 创建规则引擎，规则按优先级从高到低排序
func New(rs model.RuleSet) *Engine {
	e := &Engine{}
	e.Update(rs)
	return e
}

// Update 替换规则集
func (e *Engine) Update(rs model.RuleSet) {
	sorted := make([]model.Rule, len(rs.Rules))
	copy(sorted, rs.Rules)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].Priority > sorted[j].Priority })
	rs.Rules = sorted

	e.mu.Lock()
	e.rs = rs
	e.mu.Unlock()
}

// Result 评估结果
type Result struct {
	RuleID model.RuleID
	Action model.RuleAction
}

// Eval 返回优先级最高的命中规则，未命中返回 nil（默认放行）
func (e *Engine) Eval(req *traffic.Request) *Result {
	e.total.Add(1)
	e.mu.RLock()
	defer e.mu.RUnlock()

	for i := range e.rs.Rules {
		r := &e.rs.Rules[i]
		if !matchRule(req, r.Match) {
			continue
		}
		e.count(r.ID)
		if r.Action == model.RuleBlock {
			e.blocked.Add(1)
		}
		return &Result{RuleID: r.ID, Action: r.Action}
	}
	return nil
}

// Blocked 请求是否应被拦截
func (e *Engine) Blocked(req *traffic.Request) bool {
	res := e.Eval(req)
	return res != nil && res.Action == model.RuleBlock
}

func (e *Engine) count(id model.RuleID) {
	v, _ := e.byRule.LoadOrStore(id, new(atomic.Int64))
	v.(*atomic.Int64).Add(1)
}

// Stats 返回统计快照
func (e *Engine) Stats() model.EngineStats {
	st := model.EngineStats{
		Total:   e.total.Load(),
		Blocked: e.blocked.Load(),
		ByRule:  make(map[model.RuleID]int64),
	}
	e.byRule.Range(func(k, v any) bool {
		st.ByRule[k.(model.RuleID)] = v.(*atomic.Int64).Load()
		return true
	})
	return st
}

func matchRule(req *traffic.Request, m model.Match) bool {
	if len(m.AllOf) == 0 && len(m.AnyOf) == 0 && len(m.NoneOf) == 0 {
		return false
	}
	ok := true
	if len(m.AllOf) > 0 {
		ok = ok && allOf(req, m.AllOf)
	}
	if len(m.AnyOf) > 0 {
		ok = ok && anyOf(req, m.AnyOf)
	}
	if len(m.NoneOf) > 0 {
		ok = ok && noneOf(req, m.NoneOf)
	}
	return ok
}

func allOf(req *traffic.Request, cs []model.Condition) bool {
	for i := range cs {
		if !cond(req, cs[i]) {
			return false
		}
	}
	return true
}

func anyOf(req *traffic.Request, cs []model.Condition) bool {
	for i := range cs {
		if cond(req, cs[i]) {
			return true
		}
	}
	return false
}

func noneOf(req *traffic.Request, cs []model.Condition) bool { return !anyOf(req, cs) }

func cond(req *traffic.Request, c model.Condition) bool {
	switch c.Type {
	case "url":
		switch c.Mode {
		case "prefix":
			return strings.HasPrefix(req.URL, c.Pattern)
		case "regex":
			return matchRegex(req.URL, c.Pattern)
		case "exact":
			return req.URL == c.Pattern
		default:
			return matchGlob(req.URL, c.Pattern)
		}
	case "domain":
		// 命中域名本身或其子域名
		for _, d := range c.Values {
			d = strings.ToLower(d)
			if req.Host == d || strings.HasSuffix(req.Host, "."+d) {
				return true
			}
		}
		return false
	case "resourceType":
		return containsFold(c.Values, req.ResourceType)
	case "method":
		return containsFold(c.Values, req.Method)
	default:
		return false
	}
}

func containsFold(values []string, s string) bool {
	for _, v := range values {
		if strings.EqualFold(v, s) {
			return true
		}
	}
	return false
}

var regexCache sync.Map // pattern -> *regexp.Regexp

func matchRegex(s, pattern string) bool {
	if v, ok := regexCache.Load(pattern); ok {
		return v.(*regexp.Regexp).MatchString(s)
	}
	re, err := regexp.Compile(pattern)
	if err != nil {
		return false
	}
	regexCache.Store(pattern, re)
	return re.MatchString(s)
}

var globCache sync.Map // pattern -> glob.Glob

func matchGlob(s, pattern string) bool {
	if v, ok := globCache.Load(pattern); ok {
		return v.(glob.Glob).Match(s)
	}
	g, err := glob.Compile(pattern)
	if err != nil {
		return false
	}
	globCache.Store(pattern, g)
	return g.Match(s)
}
