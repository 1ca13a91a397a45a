// Package personalize renders email templates against subscriber data.
// The token grammar is the one sequences are authored in:
//
//	{{path}}             substitute the value at path
//	{{path|fallback}}    substitute, or the fallback when the value is empty
//	{{#if path}}...{{/if}}  keep the block only when path is truthy
//
// Unknown tokens without a fallback render as their literal match text;
// rendering never fails.
package personalize

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"
)

var (
	// Conditional blocks are resolved first so their inner tokens only
	// render when the block survives. (?s) lets blocks span lines.
	ifBlockRe = regexp.MustCompile(`(?s)\{\{#if\s+([\w.]+)\s*\}\}(.*?)\{\{/if\}\}`)
	tokenRe   = regexp.MustCompile(`\{\{\s*([\w.]+)\s*(?:\|([^{}]*))?\}\}`)
)

// Data is the value tree tokens resolve against: nested string-keyed maps
// with scalar leaves.
type Data map[string]interface{}

// Render substitutes all tokens in template using the given data.
func Render(template string, data Data) string {
	out := ifBlockRe.ReplaceAllStringFunc(template, func(match string) string {
		groups := ifBlockRe.FindStringSubmatch(match)
		val, found := resolve(data, groups[1])
		if found && truthy(val) {
			return groups[2]
		}
		return ""
	})

	return tokenRe.ReplaceAllStringFunc(out, func(match string) string {
		groups := tokenRe.FindStringSubmatch(match)
		path, fallback := groups[1], groups[2]

		val, found := resolve(data, path)
		if found && !isEmpty(val) {
			return stringify(val)
		}
		if fallback != "" {
			return fallback
		}
		// Leave the literal token so authoring mistakes stay visible.
		return match
	})
}

// BuildToday returns the date token block ("today.*") for the given time.
func BuildToday(now time.Time) map[string]interface{} {
	return map[string]interface{}{
		"date":     now.Format("January 2, 2006"),
		"datetime": now.Format("January 2, 2006 15:04"),
		"year":     now.Year(),
		"month":    now.Month().String(),
		"day":      now.Day(),
	}
}

// resolve walks a dotted path through nested maps.
func resolve(data Data, path string) (interface{}, bool) {
	segments := strings.Split(path, ".")
	var current interface{} = map[string]interface{}(data)
	for _, seg := range segments {
		m, ok := current.(map[string]interface{})
		if !ok {
			return nil, false
		}
		current, ok = m[seg]
		if !ok {
			return nil, false
		}
	}
	return current, true
}

// truthy implements conditional-block semantics: a non-empty trimmed
// string, a non-zero number, or boolean true.
func truthy(v interface{}) bool {
	switch val := v.(type) {
	case nil:
		return false
	case bool:
		return val
	case string:
		return strings.TrimSpace(val) != ""
	case int:
		return val != 0
	case int64:
		return val != 0
	case float64:
		return val != 0
	default:
		return true
	}
}

func isEmpty(v interface{}) bool {
	if v == nil {
		return true
	}
	if s, ok := v.(string); ok {
		return s == ""
	}
	return false
}

func stringify(v interface{}) string {
	switch val := v.(type) {
	case string:
		return val
	case float64:
		// JSON numbers decode as float64; keep integers clean.
		if val == float64(int64(val)) {
			return strconv.FormatInt(int64(val), 10)
		}
		return strconv.FormatFloat(val, 'f', -1, 64)
	default:
		return fmt.Sprintf("%v", v)
	}
}
