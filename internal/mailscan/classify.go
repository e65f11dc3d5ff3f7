package mailscan

import (
	"regexp"
	"strings"
)

// DefaultMarkers 默认的厂商关键词
var DefaultMarkers = []string{"tiktok", "тикток", "тик-ток", "tiktok studio"}

// codePattern 4 到 8 位独立数字
var codePattern = regexp.MustCompile(`\b\d{4,8}\b`)

// Classifier 判断邮件是否来自目标厂商并提取验证码
type Classifier struct {
	markers []string
}

// NewClassifier 创建分类器，markers 为空时使用 DefaultMarkers
func NewClassifier(markers []string) *Classifier {
	if len(markers) == 0 {
		markers = DefaultMarkers
	}
	lowered := make([]string, 0, len(markers))
	for _, m := range markers {
		if m = strings.ToLower(strings.TrimSpace(m)); m != "" {
			lowered = append(lowered, m)
		}
	}
	return &Classifier{markers: lowered}
}

// Relevant 正文或主题包含任一关键词
func (c *Classifier) Relevant(subject, body string) bool {
	subject = strings.ToLower(subject)
	body = strings.ToLower(body)
	for _, m := range c.markers {
		if strings.Contains(body, m) || strings.Contains(subject, m) {
			return true
		}
	}
	return false
}

// ExtractCode 返回正文中第一个 4 到 8 位的独立数字串
func ExtractCode(text string) (string, bool) {
	code := codePattern.FindString(text)
	return code, code != ""
}
