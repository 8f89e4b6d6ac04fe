package template

import (
	"fmt"
	"strconv"
	"strings"
)

// Substitute replaces {NAME} placeholders in prompt text. Booleans render as
// yes/no, string slices join with commas, and unknown names resolve to the
// empty string.
func Substitute(text string, vars map[string]any) string {
	var b strings.Builder
	b.Grow(len(text))
	for {
		open := strings.IndexByte(text, '{')
		if open < 0 {
			b.WriteString(text)
			return b.String()
		}
		closing := strings.IndexByte(text[open:], '}')
		if closing < 0 {
			b.WriteString(text)
			return b.String()
		}
		closing += open
		name := text[open+1 : closing]
		b.WriteString(text[:open])
		if isPlaceholderName(name) {
			value, ok := vars[name]
			if ok {
				b.WriteString(renderValue(value))
			}
			// Unknown placeholders render empty.
		} else {
			b.WriteString(text[open : closing+1])
		}
		text = text[closing+1:]
	}
}

func isPlaceholderName(name string) bool {
	if name == "" {
		return false
	}
	for _, r := range name {
		switch {
		case r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '_':
		default:
			return false
		}
	}
	return true
}

func renderValue(v any) string {
	switch val := v.(type) {
	case nil:
		return ""
	case string:
		return val
	case bool:
		if val {
			return "yes"
		}
		return "no"
	case []string:
		return strings.Join(val, ", ")
	case []any:
		parts := make([]string, len(val))
		for i, item := range val {
			parts[i] = renderValue(item)
		}
		return strings.Join(parts, ", ")
	case int:
		return strconv.Itoa(val)
	case int64:
		return strconv.FormatInt(val, 10)
	case float64:
		if val == float64(int64(val)) {
			return strconv.FormatInt(int64(val), 10)
		}
		return strconv.FormatFloat(val, 'f', -1, 64)
	default:
		return fmt.Sprintf("%v", val)
	}
}
