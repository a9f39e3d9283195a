package policy

import _ "embed"

// PIIPatterns 编译进二进制的 PII 正则策略（yaml）
//
//go:embed pii_patterns.yaml
var PIIPatterns []byte
