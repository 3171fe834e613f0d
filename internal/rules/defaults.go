package rules

import "captchabridge/pkg/model"

// TrackingDomains 统计与广告域名
var TrackingDomains = []string{
	"google-analytics.com",
	"googletagmanager.com",
	"doubleclick.net",
	"googlesyndication.com",
	"googleadservices.com",
	"analytics.google.com",
	"clarity.ms",
	"hotjar.com",
	"facebook.net",
	"segment.io",
}

// WidgetPrefixes 验证控件脚本来源，始终放行
var WidgetPrefixes = []string{
	"https://www.google.com/recaptcha/",
	"https://www.gstatic.com/recaptcha/",
	"https://recaptcha.net/recaptcha/",
	"https://www.recaptcha.net/recaptcha/",
}

// DefaultRuleSet 取令牌页面使用的默认过滤规则
//
// 放行控件来源，拦截图片/字体/媒体/样式表以及统计类域名，其余请求默认放行。
func DefaultRuleSet() model.RuleSet {
	allow := make([]model.Condition, 0, len(WidgetPrefixes))
	for _, p := range WidgetPrefixes {
		allow = append(allow, model.Condition{Type: "url", Mode: "prefix", Pattern: p})
	}
	return model.RuleSet{
		Version: "1",
		Rules: []model.Rule{
			{
				ID:       "allow-widget",
				Name:     "放行验证控件",
				Priority: 100,
				Match:    model.Match{AnyOf: allow},
				Action:   model.RuleAllow,
			},
			{
				ID:       "block-tracking",
				Name:     "拦截统计域名",
				Priority: 50,
				Match:    model.Match{AnyOf: []model.Condition{{Type: "domain", Values: TrackingDomains}}},
				Action:   model.RuleBlock,
			},
			{
				ID:       "block-heavy-resources",
				Name:     "拦截非必要资源",
				Priority: 10,
				Match: model.Match{AnyOf: []model.Condition{{
					Type:   "resourceType",
					Values: []string{"Image", "Font", "Media", "Stylesheet"},
				}}},
				Action: model.RuleBlock,
			},
		},
	}
}
