package sequence

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"
)

// EvaluateConditions AND-combines all conditions against the subscriber.
// An empty condition list evaluates to true.
func EvaluateConditions(sub *Subscriber, conds []Condition) bool {
	tree := subscriberTree(sub)
	for _, c := range conds {
		if !evaluateCondition(sub, tree, c) {
			return false
		}
	}
	return true
}

// evaluateCondition resolves the field path and applies the operator.
// Absent and null values resolve deterministically per operator rather
// than failing: emptiness checks succeed, comparisons fail.
func evaluateCondition(sub *Subscriber, tree map[string]interface{}, c Condition) bool {
	val, found := resolveFieldPath(tree, c.Field)
	if !found {
		val = nil
	}

	switch c.Operator {
	case "is_empty":
		return isNullish(val) || strings.TrimSpace(asString(val)) == ""
	case "is_not_empty":
		return !isNullish(val) && strings.TrimSpace(asString(val)) != ""
	case "is_null":
		return isNullish(val)
	case "is_not_null":
		return !isNullish(val)

	case "equals":
		if isNullish(c.Value) {
			return isNullish(val)
		}
		return looseEquals(val, c.Value)
	case "not_equals":
		if isNullish(c.Value) {
			return !isNullish(val)
		}
		return !looseEquals(val, c.Value)

	case "contains":
		return strings.Contains(asString(val), asString(c.Value))
	case "not_contains":
		return !strings.Contains(asString(val), asString(c.Value))
	case "starts_with":
		return strings.HasPrefix(asString(val), asString(c.Value))
	case "ends_with":
		return strings.HasSuffix(asString(val), asString(c.Value))

	case "greater_than":
		return compareNumbers(val, c.Value, func(a, b float64) bool { return a > b })
	case "greater_than_or_equal":
		return compareNumbers(val, c.Value, func(a, b float64) bool { return a >= b })
	case "less_than":
		return compareNumbers(val, c.Value, func(a, b float64) bool { return a < b })
	case "less_than_or_equal":
		return compareNumbers(val, c.Value, func(a, b float64) bool { return a <= b })

	case "in":
		return inList(val, c.Value)
	case "not_in":
		return !inList(val, c.Value)

	case "regex":
		re, err := regexp.Compile(asString(c.Value))
		if err != nil {
			return false
		}
		return re.MatchString(asString(val))

	case "date_before":
		return compareDates(val, c.Value, func(a, b time.Time) bool { return a.Before(b) })
	case "date_after":
		return compareDates(val, c.Value, func(a, b time.Time) bool { return a.After(b) })
	case "date_equals":
		return compareDates(val, c.Value, func(a, b time.Time) bool {
			return a.Year() == b.Year() && a.YearDay() == b.YearDay()
		})

	case "has_tag":
		return sub.HasTag(tagOf(c))
	case "does_not_have_tag":
		return !sub.HasTag(tagOf(c))

	default:
		return false
	}
}

// tagOf takes the tag from the condition value, falling back to the field
// for configs authored as {field: "vip", operator: "has_tag"}.
func tagOf(c Condition) string {
	if s := asString(c.Value); s != "" {
		return s
	}
	return c.Field
}

func isNullish(v interface{}) bool {
	return v == nil
}

func asString(v interface{}) string {
	switch s := v.(type) {
	case nil:
		return ""
	case string:
		return s
	case float64:
		if s == float64(int64(s)) {
			return strconv.FormatInt(int64(s), 10)
		}
		return strconv.FormatFloat(s, 'f', -1, 64)
	default:
		return fmt.Sprintf("%v", v)
	}
}

// looseEquals compares across the string/number representations JSON
// configs produce: "5" equals 5, true equals "true".
func looseEquals(a, b interface{}) bool {
	if af, aok := asNumber(a); aok {
		if bf, bok := asNumber(b); bok {
			return af == bf
		}
	}
	return asString(a) == asString(b)
}

func asNumber(v interface{}) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(n), 64)
		return f, err == nil
	default:
		return 0, false
	}
}

func compareNumbers(a, b interface{}, cmp func(a, b float64) bool) bool {
	af, aok := asNumber(a)
	bf, bok := asNumber(b)
	if !aok || !bok {
		return false
	}
	return cmp(af, bf)
}

func compareDates(a, b interface{}, cmp func(a, b time.Time) bool) bool {
	at, aok := asTime(a)
	bt, bok := asTime(b)
	if !aok || !bok {
		return false
	}
	return cmp(at, bt)
}

func asTime(v interface{}) (time.Time, bool) {
	switch t := v.(type) {
	case time.Time:
		return t, true
	case string:
		for _, layout := range []string{time.RFC3339, "2006-01-02", "2006-01-02 15:04:05"} {
			if parsed, err := time.Parse(layout, t); err == nil {
				return parsed, true
			}
		}
	}
	return time.Time{}, false
}

// inList reports whether val appears in the expected list. The expected
// value may be a JSON array or a comma-separated string.
func inList(val, expected interface{}) bool {
	target := asString(val)
	switch list := expected.(type) {
	case []interface{}:
		for _, item := range list {
			if looseEquals(val, item) {
				return true
			}
		}
	case []string:
		for _, item := range list {
			if target == item {
				return true
			}
		}
	case string:
		for _, item := range strings.Split(list, ",") {
			if target == strings.TrimSpace(item) {
				return true
			}
		}
	}
	return false
}
