package service

import (
	"strings"
)

// ParseSensitiveTerms 逗号分隔，去空白、转小写、去掉空串和重复
func ParseSensitiveTerms(raw string) []string {
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	seen := map[string]bool{}
	for _, p := range parts {
		term := strings.ToLower(strings.TrimSpace(p))
		if term == "" || seen[term] {
			continue
		}
		seen[term] = true
		out = append(out, term)
	}
	return out
}

// LeakedTerms 返回 text 中出现的敏感词（大小写不敏感的子串匹配），顺序同 terms
func LeakedTerms(terms []string, text string) []string {
	if len(terms) == 0 || text == "" {
		return nil
	}
	lower := strings.ToLower(text)
	var found []string
	for _, term := range terms {
		t := strings.ToLower(term)
		if t == "" {
			continue
		}
		if strings.Contains(lower, t) {
			found = append(found, term)
		}
	}
	return found
}
