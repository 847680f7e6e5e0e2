package jsbind

import (
	"fmt"
	"strings"

	"github.com/antchfx/htmlquery"
	"github.com/dop251/goja"
	"golang.org/x/net/html"
)

// installQueries adds the selector-based lookups shared by documents and
// elements.
func (b *DOMBridge) installQueries(proto *goja.Object) {
	b.method(proto, "querySelector", 1, func(call goja.FunctionCall) goja.Value {
		nodes := b.query(b.self(call), call.Argument(0).String(), true)
		if len(nodes) == 0 {
			return goja.Null()
		}
		return b.WrapNode(nodes[0])
	})
	b.method(proto, "querySelectorAll", 1, func(call goja.FunctionCall) goja.Value {
		return b.WrapNodeList(b.query(b.self(call), call.Argument(0).String(), false))
	})
	b.method(proto, "getElementsByTagName", 1, func(call goja.FunctionCall) goja.Value {
		tag := strings.ToLower(call.Argument(0).String())
		if tag != "*" && !isIdent(tag) {
			return b.vm.NewArray()
		}
		return b.WrapNodeList(b.xpathAll(b.self(call), ".//"+tag))
	})
	b.method(proto, "getElementsByClassName", 1, func(call goja.FunctionCall) goja.Value {
		var preds []string
		for _, class := range strings.Fields(call.Argument(0).String()) {
			preds = append(preds, classPredicate(class))
		}
		if len(preds) == 0 {
			return b.vm.NewArray()
		}
		return b.WrapNodeList(b.xpathAll(b.self(call), ".//*["+strings.Join(preds, " and ")+"]"))
	})
}

func (b *DOMBridge) query(scope *html.Node, selector string, first bool) []*html.Node {
	xpath, err := translateCSSToXPath(selector)
	if err != nil {
		panic(b.vm.NewGoError(fmt.Errorf("'%s' is not a valid selector", selector)))
	}
	groups := strings.Split(xpath, " | ")
	for i := range groups {
		groups[i] = "." + groups[i]
	}
	xpath = strings.Join(groups, " | ")
	b.mu.RLock()
	defer b.mu.RUnlock()
	if first {
		node, err := htmlquery.Query(scope, xpath)
		if err != nil {
			panic(b.vm.NewGoError(fmt.Errorf("'%s' is not a valid selector", selector)))
		}
		if node == nil {
			return nil
		}
		return []*html.Node{node}
	}
	nodes, err := htmlquery.QueryAll(scope, xpath)
	if err != nil {
		panic(b.vm.NewGoError(fmt.Errorf("'%s' is not a valid selector", selector)))
	}
	return nodes
}

func (b *DOMBridge) xpathAll(scope *html.Node, xpath string) []*html.Node {
	b.mu.RLock()
	defer b.mu.RUnlock()
	nodes, _ := htmlquery.QueryAll(scope, xpath)
	return nodes
}

// translateCSSToXPath translates the common subset of CSS selectors: tags,
// ids, classes, attribute tests, the descendant and child combinators, and
// selector groups.
func translateCSSToXPath(css string) (string, error) {
	css = strings.TrimSpace(css)
	if css == "" {
		return "", fmt.Errorf("empty selector")
	}
	var groups []string
	for _, group := range strings.Split(css, ",") {
		xpath, err := translateCompound(strings.TrimSpace(group))
		if err != nil {
			return "", err
		}
		groups = append(groups, xpath)
	}
	return strings.Join(groups, " | "), nil
}

func translateCompound(css string) (string, error) {
	if css == "" {
		return "", fmt.Errorf("empty selector group")
	}
	css = strings.ReplaceAll(css, ">", " > ")
	var xpath strings.Builder
	axis := "//"
	for _, token := range strings.Fields(css) {
		if token == ">" {
			axis = "/"
			continue
		}
		step, err := translateStep(token)
		if err != nil {
			return "", err
		}
		xpath.WriteString(axis)
		xpath.WriteString(step)
		axis = "//"
	}
	if xpath.Len() == 0 {
		return "", fmt.Errorf("selector %q has no steps", css)
	}
	return xpath.String(), nil
}

func translateStep(token string) (string, error) {
	tag := "*"
	var preds []string
	rest := token
	if n := strings.IndexAny(rest, "#.["); n != 0 {
		if n < 0 {
			n = len(rest)
		}
		tag = strings.ToLower(rest[:n])
		if tag != "*" && !isIdent(tag) {
			return "", fmt.Errorf("invalid tag %q", tag)
		}
		rest = rest[n:]
	}
	for rest != "" {
		switch rest[0] {
		case '#', '.':
			end := strings.IndexAny(rest[1:], "#.[")
			if end < 0 {
				end = len(rest) - 1
			}
			name := rest[1 : end+1]
			if !isIdent(name) {
				return "", fmt.Errorf("invalid name %q", name)
			}
			if rest[0] == '#' {
				preds = append(preds, fmt.Sprintf("@id='%s'", name))
			} else {
				preds = append(preds, classPredicate(name))
			}
			rest = rest[end+1:]
		case '[':
			end := strings.IndexByte(rest, ']')
			if end < 0 {
				return "", fmt.Errorf("unterminated attribute selector")
			}
			pred, err := attributePredicate(rest[1:end])
			if err != nil {
				return "", err
			}
			preds = append(preds, pred)
			rest = rest[end+1:]
		default:
			return "", fmt.Errorf("unexpected %q", rest)
		}
	}
	if len(preds) == 0 {
		return tag, nil
	}
	return tag + "[" + strings.Join(preds, " and ") + "]", nil
}

func attributePredicate(expr string) (string, error) {
	ops := []string{"^=", "$=", "*=", "~=", "="}
	for _, op := range ops {
		i := strings.Index(expr, op)
		if i < 0 {
			continue
		}
		name := strings.TrimSpace(expr[:i])
		value := strings.Trim(strings.TrimSpace(expr[i+len(op):]), `"'`)
		if !isIdent(name) || strings.Contains(value, "'") {
			return "", fmt.Errorf("invalid attribute selector %q", expr)
		}
		switch op {
		case "^=":
			return fmt.Sprintf("starts-with(@%s, '%s')", name, value), nil
		case "$=":
			return fmt.Sprintf("substring(@%s, string-length(@%s) - %d) = '%s'", name, name, len(value)-1, value), nil
		case "*=":
			return fmt.Sprintf("contains(@%s, '%s')", name, value), nil
		case "~=":
			return fmt.Sprintf("contains(concat(' ', normalize-space(@%s), ' '), ' %s ')", name, value), nil
		}
		return fmt.Sprintf("@%s='%s'", name, value), nil
	}
	name := strings.TrimSpace(expr)
	if !isIdent(name) {
		return "", fmt.Errorf("invalid attribute selector %q", expr)
	}
	return "@" + name, nil
}

func classPredicate(class string) string {
	return fmt.Sprintf("contains(concat(' ', normalize-space(@class), ' '), ' %s ')", class)
}

func isIdent(s string) bool {
	if s == "" {
		return false
	}
	for _, r := range s {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
		default:
			return false
		}
	}
	return true
}
