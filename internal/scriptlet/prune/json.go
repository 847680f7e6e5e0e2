package prune

import (
	"sort"
	"strconv"
	"strings"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"

	"github.com/xkilldash9x/scalpel-scriptlets/internal/scriptlet/pattern"
)

// PruneJSON applies the Spec to a raw JSON document and returns the rewritten
// bytes. Untouched bytes and key order are preserved. Stack-conditioned specs
// never apply here because there is no script stack outside the realm.
func (s *Spec) PruneJSON(body []byte) ([]byte, bool) {
	if s.stack != nil || s.Empty() || !gjson.ValidBytes(body) {
		return body, false
	}
	root := gjson.ParseBytes(body)
	if !root.IsObject() && !root.IsArray() {
		return body, false
	}
	if len(s.required) > 0 {
		matched := false
		for _, path := range s.required {
			if matchesJSON(root, path) {
				matched = true
				break
			}
		}
		if !matched {
			return body, false
		}
	}

	var targets [][]string
	for _, path := range s.toRemove {
		collectJSON(root, path, nil, &targets)
	}
	if len(targets) == 0 {
		return body, false
	}

	// Deleting deeper paths first keeps array indexes of shallower ones valid,
	// and later indexes go before earlier ones at the same depth.
	sort.SliceStable(targets, func(i, j int) bool {
		if len(targets[i]) != len(targets[j]) {
			return len(targets[i]) > len(targets[j])
		}
		return laterPath(targets[i], targets[j])
	})

	out := body
	seen := make(map[string]struct{}, len(targets))
	removed := false
	for _, components := range targets {
		path := joinEscaped(components)
		if _, dup := seen[path]; dup {
			continue
		}
		seen[path] = struct{}{}
		next, err := sjson.DeleteBytes(out, path)
		if err != nil {
			continue
		}
		out = next
		removed = true
	}
	return out, removed
}

func matchesJSON(v gjson.Result, path pattern.PropPath) bool {
	if !v.Exists() || v.Type == gjson.Null {
		return false
	}
	if len(path) == 0 {
		return true
	}
	segment, rest := path[0], path[1:]

	switch segment {
	case pattern.SegmentWildcard:
		found := false
		v.ForEach(func(_, child gjson.Result) bool {
			if child.IsObject() || child.IsArray() {
				found = matchesJSON(child, path) || matchesJSON(child, rest)
			}
			return !found
		})
		return found
	case pattern.SegmentArray:
		if !v.IsArray() {
			return false
		}
		found := false
		v.ForEach(func(_, elem gjson.Result) bool {
			found = matchesJSON(elem, rest)
			return !found
		})
		return found
	default:
		child, ok := jsonChild(v, segment)
		if !ok {
			return false
		}
		return matchesJSON(child, rest)
	}
}

// collectJSON appends the component paths of every value path reaches below v.
func collectJSON(v gjson.Result, path pattern.PropPath, prefix []string, out *[][]string) {
	if len(path) == 0 || !(v.IsObject() || v.IsArray()) {
		return
	}
	segment, rest := path[0], path[1:]

	switch segment {
	case pattern.SegmentWildcard:
		eachChild(v, func(key string, child gjson.Result) {
			if !child.IsObject() && !child.IsArray() {
				return
			}
			next := appendPath(prefix, key)
			collectJSON(child, path, next, out)
			collectJSON(child, rest, next, out)
		})
	case pattern.SegmentArray:
		if !v.IsArray() {
			return
		}
		eachChild(v, func(key string, elem gjson.Result) {
			collectJSON(elem, rest, appendPath(prefix, key), out)
		})
	default:
		child, ok := jsonChild(v, segment)
		if !ok {
			return
		}
		if len(rest) == 0 {
			*out = append(*out, appendPath(prefix, segment))
			return
		}
		collectJSON(child, rest, appendPath(prefix, segment), out)
	}
}

// eachChild walks object members or array elements. Array keys are indexes.
func eachChild(v gjson.Result, fn func(key string, child gjson.Result)) {
	i := 0
	v.ForEach(func(key, child gjson.Result) bool {
		if v.IsArray() {
			fn(strconv.Itoa(i), child)
			i++
		} else {
			fn(key.String(), child)
		}
		return true
	})
}

// jsonChild looks a key up without interpreting gjson path syntax in it.
func jsonChild(v gjson.Result, key string) (gjson.Result, bool) {
	var found gjson.Result
	ok := false
	eachChild(v, func(k string, child gjson.Result) {
		if !ok && k == key {
			found, ok = child, true
		}
	})
	return found, ok
}

// laterPath orders same-depth paths so that higher array indexes come first.
func laterPath(a, b []string) bool {
	for k := range a {
		if a[k] == b[k] {
			continue
		}
		ai, aerr := strconv.Atoi(a[k])
		bi, berr := strconv.Atoi(b[k])
		if aerr == nil && berr == nil {
			return ai > bi
		}
		return a[k] > b[k]
	}
	return false
}

func appendPath(prefix []string, key string) []string {
	next := make([]string, len(prefix)+1)
	copy(next, prefix)
	next[len(prefix)] = key
	return next
}

func joinEscaped(components []string) string {
	escaped := make([]string, len(components))
	for i, c := range components {
		escaped[i] = gjson.Escape(c)
	}
	return strings.Join(escaped, ".")
}
