package prompt

import (
	"strings"
)

// normalizeKeywords trims and de-duplicates terms case-insensitively while
// keeping their first spelling and order.
func normalizeKeywords(keywords []string, fallback string) []string {
	seen := make(map[string]struct{})
	var result []string
	for _, kw := range keywords {
		kw = strings.TrimSpace(kw)
		if kw == "" {
			continue
		}
		kwLower := strings.ToLower(kw)
		if _, ok := seen[kwLower]; ok {
			continue
		}
		seen[kwLower] = struct{}{}
		result = append(result, kw)
	}
	if len(result) == 0 && fallback != "" {
		result = []string{fallback}
	}
	return result
}

func coalesce(values ...string) string {
	for _, v := range values {
		v = strings.TrimSpace(v)
		if v != "" {
			return v
		}
	}
	return ""
}

// join drops empty fragments and separates the rest with commas.
func join(parts ...string) string {
	kept := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.Trim(strings.TrimSpace(p), ",")
		if p != "" {
			kept = append(kept, p)
		}
	}
	return strings.Join(kept, ", ")
}

// humanize turns identifiers such as "battle_ready" into "battle ready".
func humanize(id string) string {
	return strings.TrimSpace(strings.NewReplacer("_", " ", "-", " ").Replace(id))
}

func orDefault(style string) string {
	return coalesce(style, defaultStyle)
}

func listNames(names []string) string {
	switch len(names) {
	case 0:
		return "no named characters"
	case 1:
		return names[0]
	case 2:
		return names[0] + " and " + names[1]
	default:
		return strings.Join(names[:len(names)-1], ", ") + " and " + names[len(names)-1]
	}
}
