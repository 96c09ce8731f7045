package correlation

import "fmt"

func toList(v any) ([]any, bool) {
	switch l := v.(type) {
	case []any:
		return l, true
	case []string:
		out := make([]any, len(l))
		for i, s := range l {
			out[i] = s
		}
		return out, true
	case []int:
		out := make([]any, len(l))
		for i, n := range l {
			out[i] = n
		}
		return out, true
	}
	return nil, false
}

func unionList(existing any, add []any) []any {
	cur, _ := toList(existing)
	if cur == nil && existing != nil {
		cur = []any{existing}
	}
	seen := make(map[string]bool, len(cur)+len(add))
	out := make([]any, 0, len(cur)+len(add))
	for _, v := range append(append([]any(nil), cur...), add...) {
		k := fmt.Sprintf("%T:%v", v, v)
		if seen[k] {
			continue
		}
		seen[k] = true
		out = append(out, v)
	}
	return out
}

// mergeData folds src into dst: list values are unioned, scalars take the newer value.
func mergeData(dst, src map[string]any) {
	for k, v := range src {
		if l, ok := toList(v); ok {
			dst[k] = unionList(dst[k], l)
			continue
		}
		if _, isList := toList(dst[k]); isList {
			dst[k] = unionList(dst[k], []any{v})
			continue
		}
		dst[k] = v
	}
}
