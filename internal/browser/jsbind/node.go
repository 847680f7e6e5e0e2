package jsbind

import (
	"fmt"
	"strings"

	"github.com/antchfx/htmlquery"
	"github.com/dop251/goja"
	"go.uber.org/zap"
	"golang.org/x/net/html"
)

// Standard DOM node types.
const (
	elementNode  = 1
	textNode     = 3
	commentNode  = 8
	documentNode = 9
)

type prototypes struct {
	node, characterData, text, comment *goja.Object
	element, htmlElement               *goja.Object
	script, iframe, object             *goja.Object
	document                           *goja.Object
}

func (p *prototypes) load(src *goja.Object) error {
	fields := map[string]**goja.Object{
		"node":          &p.node,
		"characterData": &p.characterData,
		"text":          &p.text,
		"comment":       &p.comment,
		"element":       &p.element,
		"htmlElement":   &p.htmlElement,
		"script":        &p.script,
		"iframe":        &p.iframe,
		"object":        &p.object,
		"document":      &p.document,
	}
	for name, dst := range fields {
		obj, ok := src.Get(name).(*goja.Object)
		if !ok {
			return fmt.Errorf("web api is missing the %s prototype", name)
		}
		*dst = obj
	}
	return nil
}

func (b *DOMBridge) protoFor(node *html.Node) *goja.Object {
	switch node.Type {
	case html.DocumentNode:
		return b.protos.document
	case html.TextNode:
		return b.protos.text
	case html.CommentNode:
		return b.protos.comment
	case html.ElementNode:
		switch node.Data {
		case "script":
			return b.protos.script
		case "iframe":
			return b.protos.iframe
		case "object":
			return b.protos.object
		}
		return b.protos.htmlElement
	}
	return b.protos.node
}

// -- Wrapping --

// WrapNodeList converts a slice of *html.Node into a JS Array.
func (b *DOMBridge) WrapNodeList(nodes []*html.Node) goja.Value {
	wrapped := make([]any, len(nodes))
	for i, node := range nodes {
		wrapped[i] = b.WrapNode(node)
	}
	return b.vm.NewArray(wrapped...)
}

// WrapNode returns the JS object for node. The same node always yields the
// same object.
func (b *DOMBridge) WrapNode(node *html.Node) goja.Value {
	if node == nil {
		return goja.Null()
	}
	if obj, ok := b.nodes[node]; ok {
		return obj
	}
	obj := b.vm.NewObject()
	if err := obj.SetPrototype(b.protoFor(node)); err != nil {
		b.logger.Error("Failed to set node prototype", zap.Error(err))
	}
	b.nodes[node] = obj
	b.wrapped[obj] = node
	return obj
}

// unwrapNode maps a JS value back to its node.
func (b *DOMBridge) unwrapNode(v goja.Value) (*html.Node, error) {
	obj, ok := v.(*goja.Object)
	if !ok {
		return nil, fmt.Errorf("value is not a node")
	}
	node, ok := b.wrapped[obj]
	if !ok {
		return nil, fmt.Errorf("value is not a recognized DOM node")
	}
	return node, nil
}

// self resolves the receiver of a prototype method or throws.
func (b *DOMBridge) self(call goja.FunctionCall) *html.Node {
	node, err := b.unwrapNode(call.This)
	if err != nil {
		b.throwTypeError("Illegal invocation")
	}
	return node
}

func (b *DOMBridge) method(proto *goja.Object, name string, length int, fn func(goja.FunctionCall) goja.Value) {
	f := b.newFunction(name, length, fn)
	if err := proto.DefineDataProperty(name, f, goja.FLAG_TRUE, goja.FLAG_TRUE, goja.FLAG_TRUE); err != nil {
		b.logger.Error("Failed to define method", zap.String("method", name), zap.Error(err))
	}
}

// accessor defines a getter, and a setter when set is non-nil, on proto.
func (b *DOMBridge) accessor(proto *goja.Object, name string, get func(*html.Node) goja.Value, set func(*html.Node, goja.Value)) {
	getter := b.newFunction("get "+name, 0, func(call goja.FunctionCall) goja.Value {
		return get(b.self(call))
	})
	var setter goja.Value = goja.Undefined()
	if set != nil {
		setter = b.newFunction("set "+name, 1, func(call goja.FunctionCall) goja.Value {
			set(b.self(call), call.Argument(0))
			return goja.Undefined()
		})
	}
	if err := proto.DefineAccessorProperty(name, getter, setter, goja.FLAG_TRUE, goja.FLAG_TRUE); err != nil {
		b.logger.Error("Failed to define accessor", zap.String("property", name), zap.Error(err))
	}
}

func (b *DOMBridge) newFunction(name string, length int, fn func(goja.FunctionCall) goja.Value) *goja.Object {
	obj := b.vm.ToValue(fn).ToObject(b.vm)
	_ = obj.DefineDataProperty("name", b.vm.ToValue(name), goja.FLAG_FALSE, goja.FLAG_TRUE, goja.FLAG_FALSE)
	_ = obj.DefineDataProperty("length", b.vm.ToValue(length), goja.FLAG_FALSE, goja.FLAG_TRUE, goja.FLAG_FALSE)
	return obj
}

func (b *DOMBridge) initPrototypes() {
	b.initNodePrototype()
	b.initCharacterDataPrototype()
	b.initElementPrototype()
	b.initDocumentPrototype()
	b.initEmbedPrototypes()
}

// -- Node --

func (b *DOMBridge) initNodePrototype() {
	p := b.protos.node
	b.accessor(p, "nodeType", func(n *html.Node) goja.Value { return b.vm.ToValue(nodeType(n)) }, nil)
	b.accessor(p, "nodeName", func(n *html.Node) goja.Value { return b.vm.ToValue(nodeName(n)) }, nil)
	b.accessor(p, "parentNode", func(n *html.Node) goja.Value { return b.WrapNode(b.related(n, parentOf)) }, nil)
	b.accessor(p, "parentElement", func(n *html.Node) goja.Value {
		parent := b.related(n, parentOf)
		if parent == nil || parent.Type != html.ElementNode {
			return goja.Null()
		}
		return b.WrapNode(parent)
	}, nil)
	b.accessor(p, "firstChild", func(n *html.Node) goja.Value { return b.WrapNode(b.related(n, firstChildOf)) }, nil)
	b.accessor(p, "lastChild", func(n *html.Node) goja.Value { return b.WrapNode(b.related(n, lastChildOf)) }, nil)
	b.accessor(p, "nextSibling", func(n *html.Node) goja.Value { return b.WrapNode(b.related(n, nextSiblingOf)) }, nil)
	b.accessor(p, "previousSibling", func(n *html.Node) goja.Value { return b.WrapNode(b.related(n, prevSiblingOf)) }, nil)
	b.accessor(p, "childNodes", func(n *html.Node) goja.Value { return b.WrapNodeList(b.children(n, false)) }, nil)
	b.accessor(p, "ownerDocument", func(n *html.Node) goja.Value {
		if n.Type == html.DocumentNode {
			return goja.Null()
		}
		if doc := b.documentOf(n); doc != nil {
			return b.WrapNode(doc)
		}
		return b.document
	}, nil)
	b.accessor(p, "isConnected", func(n *html.Node) goja.Value { return b.vm.ToValue(b.connected(n)) }, nil)
	b.accessor(p, "textContent", b.textContent, b.setTextContent)

	b.method(p, "hasChildNodes", 0, func(call goja.FunctionCall) goja.Value {
		return b.vm.ToValue(b.related(b.self(call), firstChildOf) != nil)
	})
	b.method(p, "appendChild", 1, func(call goja.FunctionCall) goja.Value {
		parent := b.self(call)
		child := b.argNode(call, 0, "appendChild")
		b.insert(parent, child, nil)
		return call.Argument(0)
	})
	b.method(p, "insertBefore", 2, func(call goja.FunctionCall) goja.Value {
		parent := b.self(call)
		child := b.argNode(call, 0, "insertBefore")
		var ref *html.Node
		if v := call.Argument(1); !goja.IsNull(v) && !goja.IsUndefined(v) {
			ref = b.argNode(call, 1, "insertBefore")
			if b.related(ref, parentOf) != parent {
				b.throwTypeError("Failed to execute 'insertBefore' on 'Node': The node before which the new node is to be inserted is not a child of this node.")
			}
		}
		b.insert(parent, child, ref)
		return call.Argument(0)
	})
	b.method(p, "removeChild", 1, func(call goja.FunctionCall) goja.Value {
		parent := b.self(call)
		child := b.argNode(call, 0, "removeChild")
		b.mu.Lock()
		defer b.mu.Unlock()
		if child.Parent != parent {
			b.throwTypeError("Failed to execute 'removeChild' on 'Node': The node to be removed is not a child of this node.")
		}
		parent.RemoveChild(child)
		return call.Argument(0)
	})
	b.method(p, "replaceChild", 2, func(call goja.FunctionCall) goja.Value {
		parent := b.self(call)
		replacement := b.argNode(call, 0, "replaceChild")
		old := b.argNode(call, 1, "replaceChild")
		if b.related(old, parentOf) != parent {
			b.throwTypeError("Failed to execute 'replaceChild' on 'Node': The node to be replaced is not a child of this node.")
		}
		b.insert(parent, replacement, old)
		b.mu.Lock()
		parent.RemoveChild(old)
		b.mu.Unlock()
		return call.Argument(1)
	})
	b.method(p, "cloneNode", 0, func(call goja.FunctionCall) goja.Value {
		node := b.self(call)
		b.mu.RLock()
		clone := cloneHTMLNode(node, call.Argument(0).ToBoolean())
		b.mu.RUnlock()
		return b.WrapNode(clone)
	})
	b.method(p, "contains", 1, func(call goja.FunctionCall) goja.Value {
		node := b.self(call)
		other, err := b.unwrapNode(call.Argument(0))
		if err != nil {
			return b.vm.ToValue(false)
		}
		b.mu.RLock()
		defer b.mu.RUnlock()
		for n := other; n != nil; n = n.Parent {
			if n == node {
				return b.vm.ToValue(true)
			}
		}
		return b.vm.ToValue(false)
	})
}

func (b *DOMBridge) initCharacterDataPrototype() {
	p := b.protos.characterData
	data := func(n *html.Node) goja.Value {
		b.mu.RLock()
		defer b.mu.RUnlock()
		return b.vm.ToValue(n.Data)
	}
	setData := func(n *html.Node, v goja.Value) {
		b.mu.Lock()
		defer b.mu.Unlock()
		n.Data = v.String()
	}
	b.accessor(p, "data", data, setData)
	b.accessor(p, "nodeValue", data, setData)
	b.accessor(p, "length", func(n *html.Node) goja.Value {
		b.mu.RLock()
		defer b.mu.RUnlock()
		return b.vm.ToValue(len([]rune(n.Data)))
	}, nil)
}

// -- Element --

func (b *DOMBridge) initElementPrototype() {
	p := b.protos.element
	b.accessor(p, "tagName", func(n *html.Node) goja.Value { return b.vm.ToValue(nodeName(n)) }, nil)
	b.accessor(p, "localName", func(n *html.Node) goja.Value { return b.vm.ToValue(n.Data) }, nil)
	b.accessor(p, "children", func(n *html.Node) goja.Value { return b.WrapNodeList(b.children(n, true)) }, nil)
	b.accessor(p, "childElementCount", func(n *html.Node) goja.Value { return b.vm.ToValue(len(b.children(n, true))) }, nil)
	b.accessor(p, "innerHTML", b.innerHTML, b.setInnerHTML)
	b.accessor(p, "outerHTML", b.outerHTML, nil)
	b.reflect(p, "id", "id")
	b.reflect(p, "className", "class")

	b.method(p, "getAttribute", 1, func(call goja.FunctionCall) goja.Value {
		val, ok := b.attr(b.self(call), call.Argument(0).String())
		if !ok {
			return goja.Null()
		}
		return b.vm.ToValue(val)
	})
	b.method(p, "hasAttribute", 1, func(call goja.FunctionCall) goja.Value {
		_, ok := b.attr(b.self(call), call.Argument(0).String())
		return b.vm.ToValue(ok)
	})
	b.method(p, "setAttribute", 2, func(call goja.FunctionCall) goja.Value {
		b.setAttr(b.self(call), call.Argument(0).String(), call.Argument(1).String())
		return goja.Undefined()
	})
	b.method(p, "removeAttribute", 1, func(call goja.FunctionCall) goja.Value {
		b.removeAttr(b.self(call), call.Argument(0).String())
		return goja.Undefined()
	})
	b.method(p, "remove", 0, func(call goja.FunctionCall) goja.Value {
		node := b.self(call)
		b.mu.Lock()
		defer b.mu.Unlock()
		if node.Parent != nil {
			node.Parent.RemoveChild(node)
		}
		return goja.Undefined()
	})
	b.method(p, "append", 0, func(call goja.FunctionCall) goja.Value {
		parent := b.self(call)
		for i, arg := range call.Arguments {
			if _, ok := arg.(*goja.Object); !ok {
				b.insert(parent, &html.Node{Type: html.TextNode, Data: arg.String()}, nil)
				continue
			}
			b.insert(parent, b.argNode(call, i, "append"), nil)
		}
		return goja.Undefined()
	})
	b.installQueries(p)

	hp := b.protos.htmlElement
	b.reflect(hp, "title", "title")
	b.reflect(hp, "lang", "lang")
	b.accessor(hp, "hidden", func(n *html.Node) goja.Value {
		_, ok := b.attr(n, "hidden")
		return b.vm.ToValue(ok)
	}, func(n *html.Node, v goja.Value) {
		if v.ToBoolean() {
			b.setAttr(n, "hidden", "")
		} else {
			b.removeAttr(n, "hidden")
		}
	})
	b.accessor(hp, "style", b.style, nil)
	// Generic reflections used by anchors, links and images.
	b.reflectURL(hp, "href", "href")
	b.reflect(hp, "rel", "rel")
	b.reflect(hp, "name", "name")
	b.reflect(hp, "alt", "alt")
}

// initEmbedPrototypes covers the elements that load content: scripts,
// iframes and objects.
func (b *DOMBridge) initEmbedPrototypes() {
	sp := b.protos.script
	b.reflectURL(sp, "src", "src")
	b.reflect(sp, "type", "type")
	b.accessor(sp, "text", b.textContent, b.setTextContent)
	b.accessor(sp, "async", func(n *html.Node) goja.Value {
		_, ok := b.attr(n, "async")
		return b.vm.ToValue(ok)
	}, func(n *html.Node, v goja.Value) {
		if v.ToBoolean() {
			b.setAttr(n, "async", "")
		} else {
			b.removeAttr(n, "async")
		}
	})

	ip := b.protos.iframe
	b.reflectURL(ip, "src", "src")
	b.accessor(ip, "contentWindow", b.contentWindow, nil)
	b.accessor(ip, "contentDocument", func(*html.Node) goja.Value { return goja.Null() }, nil)

	op := b.protos.object
	b.reflectURL(op, "data", "data")
	b.reflect(op, "type", "type")
	b.accessor(op, "contentWindow", b.contentWindow, nil)
	b.accessor(op, "contentDocument", func(*html.Node) goja.Value { return goja.Null() }, nil)
}

func (b *DOMBridge) style(n *html.Node) goja.Value {
	if s, ok := b.styles[n]; ok {
		return s
	}
	s, err := b.api.style(goja.Undefined())
	if err != nil {
		panic(err)
	}
	b.styles[n] = s
	return s
}

// contentWindow is a detached stand-in; embedded documents are never loaded.
func (b *DOMBridge) contentWindow(n *html.Node) goja.Value {
	if w, ok := b.frames[n]; ok {
		return w
	}
	if !b.connected(n) {
		return goja.Null()
	}
	src, _ := b.attr(n, "src")
	if n.Data == "object" {
		src, _ = b.attr(n, "data")
	}
	w, err := b.api.frameWindow(goja.Undefined(), b.vm.ToValue(b.resolve(src)))
	if err != nil {
		panic(err)
	}
	b.frames[n] = w
	return w
}

// -- Document --

func (b *DOMBridge) initDocumentPrototype() {
	p := b.protos.document
	b.accessor(p, "documentElement", func(n *html.Node) goja.Value { return b.findChild(n, "html") }, nil)
	b.accessor(p, "head", func(n *html.Node) goja.Value { return b.findFirst(n, "//head") }, nil)
	b.accessor(p, "body", func(n *html.Node) goja.Value { return b.findFirst(n, "//body") }, nil)
	b.accessor(p, "title", func(n *html.Node) goja.Value {
		b.mu.RLock()
		defer b.mu.RUnlock()
		title := htmlquery.FindOne(n, "//title")
		if title == nil {
			return b.vm.ToValue("")
		}
		return b.vm.ToValue(strings.TrimSpace(htmlquery.InnerText(title)))
	}, nil)
	b.accessor(p, "currentScript", func(n *html.Node) goja.Value {
		if n != b.GetDocumentNode() || b.currentScript == nil {
			return goja.Null()
		}
		return b.WrapNode(b.currentScript)
	}, nil)
	b.accessor(p, "readyState", func(n *html.Node) goja.Value {
		if n != b.GetDocumentNode() {
			return b.vm.ToValue("complete")
		}
		return b.vm.ToValue(b.readyState)
	}, nil)
	b.accessor(p, "URL", func(*html.Node) goja.Value { return b.vm.ToValue(b.pageURL.String()) }, nil)
	b.accessor(p, "location", func(n *html.Node) goja.Value {
		if n != b.GetDocumentNode() {
			return goja.Null()
		}
		return b.vm.GlobalObject().Get("location")
	}, nil)
	b.accessor(p, "defaultView", func(n *html.Node) goja.Value {
		if n != b.GetDocumentNode() {
			return goja.Null()
		}
		return b.vm.GlobalObject()
	}, nil)
	b.accessor(p, "cookie", func(*html.Node) goja.Value {
		return b.vm.ToValue(b.cookies.String())
	}, func(_ *html.Node, v goja.Value) {
		b.cookies.Set(v.String())
	})

	b.method(p, "getElementById", 1, func(call goja.FunctionCall) goja.Value {
		doc := b.self(call)
		id := call.Argument(0).String()
		b.mu.RLock()
		defer b.mu.RUnlock()
		for _, n := range descendants(doc) {
			if v, ok := attrOf(n, "id"); ok && v == id {
				return b.WrapNode(n)
			}
		}
		return goja.Null()
	})
	b.method(p, "createElement", 1, func(call goja.FunctionCall) goja.Value {
		tag := strings.ToLower(call.Argument(0).String())
		return b.WrapNode(&html.Node{Type: html.ElementNode, Data: tag})
	})
	b.method(p, "createTextNode", 1, func(call goja.FunctionCall) goja.Value {
		return b.WrapNode(&html.Node{Type: html.TextNode, Data: call.Argument(0).String()})
	})
	b.method(p, "createComment", 1, func(call goja.FunctionCall) goja.Value {
		return b.WrapNode(&html.Node{Type: html.CommentNode, Data: call.Argument(0).String()})
	})
	b.installQueries(p)
}

// -- Tree helpers --

func parentOf(n *html.Node) *html.Node      { return n.Parent }
func firstChildOf(n *html.Node) *html.Node  { return n.FirstChild }
func lastChildOf(n *html.Node) *html.Node   { return n.LastChild }
func nextSiblingOf(n *html.Node) *html.Node { return n.NextSibling }
func prevSiblingOf(n *html.Node) *html.Node { return n.PrevSibling }

func (b *DOMBridge) related(n *html.Node, rel func(*html.Node) *html.Node) *html.Node {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return rel(n)
}

func (b *DOMBridge) children(n *html.Node, elementsOnly bool) []*html.Node {
	b.mu.RLock()
	defer b.mu.RUnlock()
	var out []*html.Node
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		if elementsOnly && c.Type != html.ElementNode {
			continue
		}
		out = append(out, c)
	}
	return out
}

func (b *DOMBridge) documentOf(n *html.Node) *html.Node {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for p := n; p != nil; p = p.Parent {
		if p.Type == html.DocumentNode {
			return p
		}
	}
	return nil
}

func (b *DOMBridge) connected(n *html.Node) bool {
	root := b.GetDocumentNode()
	b.mu.RLock()
	defer b.mu.RUnlock()
	for p := n; p != nil; p = p.Parent {
		if p == root {
			return true
		}
	}
	return false
}

func (b *DOMBridge) findFirst(n *html.Node, xpath string) goja.Value {
	b.mu.RLock()
	found := htmlquery.FindOne(n, xpath)
	b.mu.RUnlock()
	return b.WrapNode(found)
}

func (b *DOMBridge) findChild(n *html.Node, tag string) goja.Value {
	for _, c := range b.children(n, true) {
		if c.Data == tag {
			return b.WrapNode(c)
		}
	}
	return goja.Null()
}

func (b *DOMBridge) argNode(call goja.FunctionCall, i int, op string) *html.Node {
	node, err := b.unwrapNode(call.Argument(i))
	if err != nil {
		b.throwTypeError("Failed to execute '%s' on 'Node': parameter %d is not of type 'Node'.", op, i+1)
	}
	return node
}

// insert moves child under parent before ref, then notifies the host about
// any scripts that became connected.
func (b *DOMBridge) insert(parent, child, ref *html.Node) {
	b.mu.Lock()
	for p := parent; p != nil; p = p.Parent {
		if p == child {
			b.mu.Unlock()
			b.throwTypeError("Failed to execute 'appendChild' on 'Node': The new child element contains the parent.")
		}
	}
	if child.Parent != nil {
		child.Parent.RemoveChild(child)
	}
	parent.InsertBefore(child, ref)
	b.mu.Unlock()

	if b.opts.OnScriptInserted == nil || !b.connected(child) {
		return
	}
	b.mu.RLock()
	var scripts []*html.Node
	for _, n := range append([]*html.Node{child}, descendants(child)...) {
		if n.Type == html.ElementNode && n.Data == "script" && !b.started[n] {
			scripts = append(scripts, n)
		}
	}
	b.mu.RUnlock()
	for _, s := range scripts {
		b.opts.OnScriptInserted(s)
	}
}

func descendants(n *html.Node) []*html.Node {
	var out []*html.Node
	var walk func(*html.Node)
	walk = func(p *html.Node) {
		for c := p.FirstChild; c != nil; c = c.NextSibling {
			out = append(out, c)
			walk(c)
		}
	}
	walk(n)
	return out
}

func nodeType(n *html.Node) int {
	switch n.Type {
	case html.ElementNode:
		return elementNode
	case html.TextNode:
		return textNode
	case html.CommentNode:
		return commentNode
	case html.DocumentNode:
		return documentNode
	}
	return 0
}

func nodeName(n *html.Node) string {
	switch n.Type {
	case html.ElementNode:
		return strings.ToUpper(n.Data)
	case html.TextNode:
		return "#text"
	case html.CommentNode:
		return "#comment"
	case html.DocumentNode:
		return "#document"
	}
	return ""
}

// cloneHTMLNode deep or shallow clones an *html.Node.
func cloneHTMLNode(n *html.Node, deep bool) *html.Node {
	if n == nil {
		return nil
	}
	clone := &html.Node{
		Type:      n.Type,
		DataAtom:  n.DataAtom,
		Data:      n.Data,
		Namespace: n.Namespace,
		Attr:      make([]html.Attribute, len(n.Attr)),
	}
	copy(clone.Attr, n.Attr)
	if deep {
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			clone.AppendChild(cloneHTMLNode(c, true))
		}
	}
	return clone
}

// -- Content --

func (b *DOMBridge) textContent(n *html.Node) goja.Value {
	b.mu.RLock()
	defer b.mu.RUnlock()
	switch n.Type {
	case html.DocumentNode:
		return goja.Null()
	case html.TextNode, html.CommentNode:
		return b.vm.ToValue(n.Data)
	}
	return b.vm.ToValue(htmlquery.InnerText(n))
}

func (b *DOMBridge) setTextContent(n *html.Node, v goja.Value) {
	b.mu.Lock()
	defer b.mu.Unlock()
	switch n.Type {
	case html.DocumentNode:
		return
	case html.TextNode, html.CommentNode:
		n.Data = v.String()
		return
	}
	removeChildren(n)
	if text := v.String(); text != "" && !goja.IsNull(v) {
		n.AppendChild(&html.Node{Type: html.TextNode, Data: text})
	}
}

func (b *DOMBridge) innerHTML(n *html.Node) goja.Value {
	b.mu.RLock()
	defer b.mu.RUnlock()
	var sb strings.Builder
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		if err := html.Render(&sb, c); err != nil {
			b.logger.Debug("Failed to render child", zap.Error(err))
		}
	}
	return b.vm.ToValue(sb.String())
}

func (b *DOMBridge) setInnerHTML(n *html.Node, v goja.Value) {
	nodes, err := html.ParseFragment(strings.NewReader(v.String()), n)
	if err != nil {
		panic(b.vm.NewGoError(fmt.Errorf("failed to parse HTML: %w", err)))
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	removeChildren(n)
	for _, c := range nodes {
		n.AppendChild(c)
	}
}

func (b *DOMBridge) outerHTML(n *html.Node) goja.Value {
	b.mu.RLock()
	defer b.mu.RUnlock()
	var sb strings.Builder
	if err := html.Render(&sb, n); err != nil {
		return b.vm.ToValue("")
	}
	return b.vm.ToValue(sb.String())
}

func removeChildren(n *html.Node) {
	for c := n.FirstChild; c != nil; {
		next := c.NextSibling
		n.RemoveChild(c)
		c = next
	}
}

// -- Attributes --

func attrOf(n *html.Node, name string) (string, bool) {
	for _, a := range n.Attr {
		if a.Key == name {
			return a.Val, true
		}
	}
	return "", false
}

func (b *DOMBridge) attr(n *html.Node, name string) (string, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return attrOf(n, strings.ToLower(name))
}

func (b *DOMBridge) setAttr(n *html.Node, name, value string) {
	name = strings.ToLower(name)
	b.mu.Lock()
	defer b.mu.Unlock()
	for i, a := range n.Attr {
		if a.Key == name {
			n.Attr[i].Val = value
			return
		}
	}
	n.Attr = append(n.Attr, html.Attribute{Key: name, Val: value})
}

func (b *DOMBridge) removeAttr(n *html.Node, name string) {
	name = strings.ToLower(name)
	b.mu.Lock()
	defer b.mu.Unlock()
	for i, a := range n.Attr {
		if a.Key == name {
			n.Attr = append(n.Attr[:i], n.Attr[i+1:]...)
			return
		}
	}
}

// reflect mirrors a string attribute as a property.
func (b *DOMBridge) reflect(proto *goja.Object, prop, attr string) {
	b.accessor(proto, prop, func(n *html.Node) goja.Value {
		v, _ := b.attr(n, attr)
		return b.vm.ToValue(v)
	}, func(n *html.Node, v goja.Value) {
		b.setAttr(n, attr, v.String())
	})
}

// reflectURL mirrors a URL attribute; reads return the resolved URL.
func (b *DOMBridge) reflectURL(proto *goja.Object, prop, attr string) {
	b.accessor(proto, prop, func(n *html.Node) goja.Value {
		v, ok := b.attr(n, attr)
		if !ok {
			return b.vm.ToValue("")
		}
		return b.vm.ToValue(b.resolve(v))
	}, func(n *html.Node, v goja.Value) {
		b.setAttr(n, attr, v.String())
	})
}

func (b *DOMBridge) scriptURL(n *html.Node) string {
	if src, ok := b.attr(n, "src"); ok {
		return b.resolve(src)
	}
	return b.pageURL.String()
}
