package sql

import "strings"

// isSafeIdentifier 判断标识符是否为“安全的数据库标识符”。
//
// 允许 foo、bar_1 以及 schema.table 形式；每段首字符为 [A-Za-z_]，
// 后续字符为 [A-Za-z0-9_]。只做 ASCII 校验，足以挡住空格、分号等注入片段。
func isSafeIdentifier(name string) bool {
	if name == "" {
		return false
	}
	for _, part := range strings.Split(name, ".") {
		if part == "" {
			return false
		}
		for i := 0; i < len(part); i++ {
			ch := part[i]
			letter := (ch >= 'a' && ch <= 'z') || (ch >= 'A' && ch <= 'Z') || ch == '_'
			digit := ch >= '0' && ch <= '9'
			if !letter && !(i > 0 && digit) {
				return false
			}
		}
	}
	return true
}

// IsSafeIdentifier 导出给需要自行拼接条件的调用方
func IsSafeIdentifier(name string) bool {
	return isSafeIdentifier(name)
}

// Placeholders 返回 n 个逗号分隔的占位符，用于 IN 列表
func Placeholders(n int) string {
	if n <= 0 {
		return ""
	}
	return strings.TrimSuffix(strings.Repeat("?, ", n), ", ")
}
