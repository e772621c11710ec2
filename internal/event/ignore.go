package event

import (
	"fmt"
	"path/filepath"
	"strings"

	"github.com/gobwas/glob"
)

// Matcher 忽略规则表，构建后只读
//
// 规则：
//   - 不含通配符的规则按路径片段 (目录名或文件名) 精确匹配
//   - 含 "/" 的规则视为路径片段，按子串匹配整条相对路径
//   - 含通配符的规则 (如 "*.swp") 对整条路径、文件名和每个目录名做 glob 匹配
type Matcher struct {
	literals []string
	globs    []glob.Glob
	raw      []string
}

// NewMatcher 编译忽略规则
func NewMatcher(patterns []string) (*Matcher, error) {
	m := &Matcher{}
	for _, p := range patterns {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		m.raw = append(m.raw, p)
		if strings.ContainsAny(p, "*?[{") {
			g, err := glob.Compile(p, '/')
			if err != nil {
				return nil, fmt.Errorf("无效的忽略规则 %q: %w", p, err)
			}
			m.globs = append(m.globs, g)
			continue
		}
		m.literals = append(m.literals, p)
	}
	return m, nil
}

// Patterns 返回原始规则列表
func (m *Matcher) Patterns() []string {
	return append([]string(nil), m.raw...)
}

// Match relPath 使用 "/" 分隔的相对路径
func (m *Matcher) Match(relPath string) bool {
	if m == nil || relPath == "" {
		return false
	}
	relPath = filepath.ToSlash(relPath)
	parts := strings.Split(relPath, "/")

	for _, lit := range m.literals {
		if strings.Contains(lit, "/") {
			if strings.Contains(relPath, lit) {
				return true
			}
			continue
		}
		for _, part := range parts {
			if part == lit {
				return true
			}
		}
	}
	for _, g := range m.globs {
		if g.Match(relPath) {
			return true
		}
		for _, part := range parts {
			if g.Match(part) {
				return true
			}
		}
	}
	return false
}
