package tool

import (
	"encoding/json"
	"fmt"
)

// filterContent strips bulky base64 strings from a JSON result so the text
// can re-enter the LLM context without blowing the conversation budget. The
// artifact itself stays available through the file layer. Non-JSON input is
// treated as a single string value.
func filterContent(text string) string {
	var v any
	if err := json.Unmarshal([]byte(text), &v); err != nil {
		return filterString(text)
	}
	filtered := filterValue(v)
	out, err := json.Marshal(filtered)
	if err != nil {
		return text
	}
	return string(out)
}

func filterValue(v any) any {
	switch val := v.(type) {
	case string:
		return filterString(val)
	case map[string]any:
		for k, elem := range val {
			val[k] = filterValue(elem)
		}
		return val
	case []any:
		for i, elem := range val {
			val[i] = filterValue(elem)
		}
		return val
	default:
		return v
	}
}

func filterString(s string) string {
	if len(s) > filterThreshold && looksLikeBase64(s) {
		return fmt.Sprintf("<content_removed_size_%d_bytes>", len(s))
	}
	return s
}

// looksLikeBase64 samples the string head: long runs of pure base64
// alphabet with no whitespace are assumed to be encoded payloads, not prose.
func looksLikeBase64(s string) bool {
	sample := s
	if len(sample) > 512 {
		sample = sample[:512]
	}
	for i := 0; i < len(sample); i++ {
		c := sample[i]
		switch {
		case c >= 'A' && c <= 'Z':
		case c >= 'a' && c <= 'z':
		case c >= '0' && c <= '9':
		case c == '+' || c == '/' || c == '=' || c == '-' || c == '_':
		default:
			return false
		}
	}
	return true
}
