package model

// RuleID 规则标识
type RuleID string

// RuleAction 规则命中后的动作
type RuleAction string

const (
	RuleAllow RuleAction = "allow"
	RuleBlock RuleAction = "block"
)

// Condition 单个匹配条件
//
// Type 取值: url, domain, resourceType, method
// Mode 仅对 url 有效: glob(默认), prefix, regex, exact
type Condition struct {
	Type    string   `json:"type" yaml:"type"`
	Mode    string   `json:"mode,omitempty" yaml:"mode,omitempty"`
	Pattern string   `json:"pattern,omitempty" yaml:"pattern,omitempty"`
	Values  []string `json:"values,omitempty" yaml:"values,omitempty"`
}

// Match 条件组合
type Match struct {
	AllOf  []Condition `json:"allOf,omitempty" yaml:"allOf,omitempty"`
	AnyOf  []Condition `json:"anyOf,omitempty" yaml:"anyOf,omitempty"`
	NoneOf []Condition `json:"noneOf,omitempty" yaml:"noneOf,omitempty"`
}

// Rule 资源过滤规则
type Rule struct {
	ID       RuleID     `json:"id" yaml:"id"`
	Name     string     `json:"name" yaml:"name"`
	Priority int        `json:"priority" yaml:"priority"`
	Match    Match      `json:"match" yaml:"match"`
	Action   RuleAction `json:"action" yaml:"action"`
}

// RuleSet 规则集合
type RuleSet struct {
	Version string `json:"version" yaml:"version"`
	Rules   []Rule `json:"rules" yaml:"rules"`
}

// EngineStats 规则引擎统计
type EngineStats struct {
	Total   int64            `json:"total"`
	Blocked int64            `json:"blocked"`
	ByRule  map[RuleID]int64 `json:"byRule"`
}
