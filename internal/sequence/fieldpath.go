package sequence

import (
	"strconv"
	"strings"
)

// resolveFieldPath walks a dotted/bracketed path (e.g. "tags[0]",
// "customFields.plan") through a generic key-value tree. Returns
// (nil, false) for any missing segment; conditions treat absence
// deterministically per operator, so resolution itself never errors.
func resolveFieldPath(root map[string]interface{}, path string) (interface{}, bool) {
	if path == "" {
		return nil, false
	}

	var current interface{} = root
	for _, seg := range strings.Split(path, ".") {
		name, indexes, ok := splitBrackets(seg)
		if !ok {
			return nil, false
		}

		if name != "" {
			m, ok := current.(map[string]interface{})
			if !ok {
				return nil, false
			}
			current, ok = m[name]
			if !ok {
				return nil, false
			}
		}

		for _, idx := range indexes {
			switch seq := current.(type) {
			case []interface{}:
				if idx < 0 || idx >= len(seq) {
					return nil, false
				}
				current = seq[idx]
			case []string:
				if idx < 0 || idx >= len(seq) {
					return nil, false
				}
				current = seq[idx]
			default:
				return nil, false
			}
		}
	}
	return current, true
}

// splitBrackets splits "tags[0][1]" into ("tags", [0 1]). A malformed
// bracket expression returns ok=false.
func splitBrackets(seg string) (name string, indexes []int, ok bool) {
	open := strings.IndexByte(seg, '[')
	if open == -1 {
		return seg, nil, true
	}
	name = seg[:open]
	rest := seg[open:]
	for rest != "" {
		if rest[0] != '[' {
			return "", nil, false
		}
		close := strings.IndexByte(rest, ']')
		if close == -1 {
			return "", nil, false
		}
		idx, err := strconv.Atoi(rest[1:close])
		if err != nil {
			return "", nil, false
		}
		indexes = append(indexes, idx)
		rest = rest[close+1:]
	}
	return name, indexes, true
}

// subscriberTree builds the key-value tree conditions resolve against.
// Custom fields are reachable both nested ("customFields.plan") and
// flattened at the top level, matching how sequences reference them.
func subscriberTree(sub *Subscriber) map[string]interface{} {
	tree := map[string]interface{}{
		"id":        sub.ID,
		"email":     sub.Email,
		"name":      sub.Name,
		"firstName": sub.FirstName,
		"lastName":  sub.LastName,
		"phone":     sub.Phone,
		"company":   sub.Company,
		"status":    sub.Status,
		"timezone":  sub.Timezone,
	}

	tags := make([]interface{}, len(sub.Tags))
	for i, t := range sub.Tags {
		tags[i] = t
	}
	tree["tags"] = tags

	custom := make(map[string]interface{}, len(sub.CustomFields))
	for k, v := range sub.CustomFields {
		custom[k] = v
		if _, taken := tree[k]; !taken {
			tree[k] = v
		}
	}
	tree["customFields"] = custom
	return tree
}
