// internal/services/normalize.go
package services

import (
	"encoding/json"
	"reflect"
	"strings"
	"unicode"

	"github.com/Corphon/StoryDirectorMCP/internal/utils"
)

// stripCodeFences 去掉LLM常见的Markdown围栏包装
func stripCodeFences(text string) string {
	s := strings.TrimSpace(text)
	if s == "" {
		return ""
	}
	// Common LLM wrappers: ```json ... ``` or ``` ... ```
	if strings.HasPrefix(s, "```") {
		// remove first line
		if idx := strings.Index(s, "\n"); idx >= 0 {
			s = strings.TrimSpace(s[idx+1:])
		}
		// remove ending fence
		if end := strings.LastIndex(s, "```"); end >= 0 {
			s = strings.TrimSpace(s[:end])
		}
	}
	return strings.TrimSpace(s)
}

// extractJSONObjectText 截取第一个 { 到最后一个 } 的区间
// 防御性括号定位，不做完整解析
func extractJSONObjectText(raw string) string {
	s := strings.TrimSpace(raw)
	if s == "" {
		return ""
	}
	start := strings.Index(s, "{")
	end := strings.LastIndex(s, "}")
	if start < 0 || end <= start {
		return ""
	}
	return strings.TrimSpace(s[start : end+1])
}

// cleanResponseText 统一清洗：去围栏、去零宽字符与字符串外的控制字符
func cleanResponseText(raw string) string {
	s := stripCodeFences(raw)
	if s == "" {
		return s
	}

	// 移除零宽字符及除换行/制表符外的控制字符
	s = strings.Map(func(r rune) rune {
		switch r {
		case '\u200b', '\u200c', '\u200d', '\u2060', '\ufeff':
			return -1
		}
		if unicode.IsControl(r) && r != '\n' && r != '\r' && r != '\t' {
			return -1
		}
		return r
	}, s)

	return strings.TrimSpace(s)
}

// decodeLenient 把不可信的提供商文本解码到out
//
// 永不panic、永不返回错误：解码失败时记录日志并保持out为调用方
// 预置的回退值不变，返回false。会话连续性优先于单字段的正确性。
func decodeLenient(raw string, out interface{}) bool {
	defer func() {
		// 只防御调用方传入的异常目标值
		_ = recover()
	}()

	clean := cleanResponseText(raw)
	if clean == "" {
		utils.GetLogger().Warn("空的生成响应，使用回退值", nil)
		return false
	}

	if decodeInto(clean, out) {
		return true
	}

	if obj := extractJSONObjectText(clean); obj != "" && decodeInto(obj, out) {
		return true
	}

	preview := clean
	if len(preview) > 120 {
		preview = preview[:120]
	}
	utils.GetLogger().Warn("无法解析生成响应，使用回退值", map[string]interface{}{
		"preview": preview,
	})
	return false
}

// decodeInto 先解码到回退值的独立副本，全部成功后才覆盖out
//
// json.Unmarshal 在报错前可能已写入部分字段；直接解码到out会把
// 半成品混进调用方预置的回退值。副本隔离保证失败时out原样不动。
func decodeInto(text string, out interface{}) bool {
	rv := reflect.ValueOf(out)
	if rv.Kind() != reflect.Ptr || rv.IsNil() {
		return false
	}

	tmp := reflect.New(rv.Elem().Type())
	// 回退值经JSON往返深拷贝进副本：解码缺字段时沿用预置值，
	// 且副本不与out共享切片底层数组
	if seed, err := json.Marshal(rv.Elem().Interface()); err == nil {
		_ = json.Unmarshal(seed, tmp.Interface())
	}

	if err := json.Unmarshal([]byte(text), tmp.Interface()); err != nil {
		return false
	}
	rv.Elem().Set(tmp.Elem())
	return true
}
